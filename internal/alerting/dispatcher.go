package alerting

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whalewatch/internal/storage"
)

// Dispatcher decouples notification delivery from the trade writer. Enqueue
// never blocks; notifications beyond the queue capacity are dropped.
type Dispatcher struct {
	notifier    Notifier
	symbol      string
	minQuantity decimal.Decimal
	timeout     time.Duration
	queue       chan Notification
	logger      zerolog.Logger
}

// NewDispatcher builds a dispatcher for trades with quantity >= minQuantity.
func NewDispatcher(notifier Notifier, symbol string, minQuantity decimal.Decimal, queueSize int, logger zerolog.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Dispatcher{
		notifier:    notifier,
		symbol:      symbol,
		minQuantity: minQuantity,
		timeout:     10 * time.Second,
		queue:       make(chan Notification, queueSize),
		logger:      logger.With().Str("component", "alert_dispatcher").Logger(),
	}
}

// HandleTrade queues an alert for a persisted trade when it is large enough.
func (d *Dispatcher) HandleTrade(trade storage.Trade) bool {
	if trade.Quantity.LessThan(d.minQuantity) {
		return false
	}
	note := Notification{
		Symbol:    d.symbol,
		Price:     trade.Price,
		Quantity:  trade.Quantity,
		IsSale:    trade.IsSale,
		Timestamp: trade.Timestamp,
		Threshold: d.minQuantity,
	}
	select {
	case d.queue <- note:
		return true
	default:
		d.logger.Warn().Str("quantity", trade.Quantity.String()).Msg("alert queue full; dropping notification")
		return false
	}
}

// Run delivers queued notifications until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case note := <-d.queue:
			if err := d.send(ctx, note); err != nil {
				d.logger.Error().Err(err).Str("quantity", note.Quantity.String()).Msg("failed to dispatch alert")
			}
		}
	}
}

// Drain synchronously delivers everything currently queued and returns the
// first delivery error.
func (d *Dispatcher) Drain(ctx context.Context) error {
	var firstErr error
	for {
		select {
		case note := <-d.queue:
			if err := d.send(ctx, note); err != nil && firstErr == nil {
				firstErr = err
			}
		default:
			return firstErr
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, note Notification) error {
	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.notifier.Notify(sendCtx, note)
}
