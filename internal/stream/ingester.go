// Package stream keeps a websocket trade feed connected and persists the
// trades that pass the large trade threshold.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whalewatch/internal/metrics"
	"whalewatch/internal/storage"
)

const (
	defaultReconnectDelay   = 5 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	defaultDrainTimeout     = 5 * time.Second
	defaultQueueSize        = 1024
	pongWait                = time.Second
	maxLoggedPayload        = 256
)

// State is the connection lifecycle of the ingester.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ThresholdSource provides the minimum quantity a trade needs to be kept.
type ThresholdSource interface {
	Current() decimal.Decimal
}

// Options parameterise the ingester.
type Options struct {
	URL              string
	ReconnectDelay   time.Duration
	HandshakeTimeout time.Duration
	// ReadTimeout bounds the silence tolerated before the connection is treated as dead.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	QueueSize    int
	// DrainTimeout bounds how long queued trades are still written once ctx ends.
	DrainTimeout time.Duration
	// OnPersisted is called from the writer goroutine after each successful insert.
	OnPersisted func(storage.Trade)
	Now         func() time.Time
}

// Ingester runs Disconnected -> Connecting -> Connected -> Disconnected forever,
// waiting a fixed ReconnectDelay after every failure, until its context ends.
type Ingester struct {
	opts      Options
	threshold ThresholdSource
	store     storage.TradeStore
	dialer    *websocket.Dialer
	logger    zerolog.Logger

	state    atomic.Int32
	sessions atomic.Int64
}

// New constructs an ingester.
func New(opts Options, threshold ThresholdSource, store storage.TradeStore, logger zerolog.Logger) *Ingester {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = defaultDrainTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Ingester{
		opts:      opts,
		threshold: threshold,
		store:     store,
		dialer:    &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
		logger:    logger.With().Str("component", "ingester").Str("url", opts.URL).Logger(),
	}
}

// State reports the current lifecycle state.
func (i *Ingester) State() State {
	return State(i.state.Load())
}

// Sessions reports how many connections have been established so far.
func (i *Ingester) Sessions() int64 {
	return i.sessions.Load()
}

// Run blocks until ctx is cancelled. Qualifying trades are written in arrival
// order by a single writer; queued trades are flushed before Run returns,
// for at most DrainTimeout after ctx ends.
func (i *Ingester) Run(ctx context.Context) error {
	if i.store == nil {
		return storage.ErrNotConfigured
	}

	queue := make(chan storage.Trade, i.opts.QueueSize)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		i.writeLoop(ctx, queue)
	}()
	defer func() {
		close(queue)
		<-writerDone
		i.setState(StateStopped)
		i.logger.Info().Msg("ingester stopped")
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		i.setState(StateConnecting)
		err := i.session(ctx, queue)
		i.setState(StateDisconnected)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		i.logger.Warn().Err(err).Dur("retry_in", i.opts.ReconnectDelay).Msg("trade stream disconnected")

		if waitForReconnect(ctx, i.opts.ReconnectDelay) {
			return ctx.Err()
		}
		metrics.StreamReconnectsTotal.Inc()
	}
}

func (i *Ingester) session(ctx context.Context, queue chan<- storage.Trade) error {
	conn, resp, err := i.dialer.DialContext(ctx, i.opts.URL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial trade stream (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial trade stream: %w", err)
	}
	defer conn.Close()

	// unblock ReadMessage on shutdown
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	i.sessions.Add(1)
	i.setState(StateConnected)
	i.logger.Info().Msg("trade stream connected")

	if i.opts.ReadTimeout > 0 {
		conn.SetPingHandler(func(appData string) error {
			_ = conn.SetReadDeadline(time.Now().Add(i.opts.ReadTimeout))
			err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(pongWait))
			if errors.Is(err, websocket.ErrCloseSent) {
				return nil
			}
			return err
		})
	}

	for {
		if i.opts.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(i.opts.ReadTimeout))
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read trade stream: %w", err)
		}
		i.handleMessage(msg, queue)
	}
}

func (i *Ingester) handleMessage(raw []byte, queue chan<- storage.Trade) {
	trade, err := ParseTrade(raw)
	if errors.Is(err, errIgnored) {
		metrics.StreamMessagesTotal.WithLabelValues(metrics.OutcomeIgnored).Inc()
		return
	}
	if err != nil {
		metrics.StreamMessagesTotal.WithLabelValues(metrics.OutcomeMalformed).Inc()
		i.logger.Warn().Err(err).Str("payload", truncate(raw)).Msg("discarding malformed message")
		return
	}

	threshold := i.threshold.Current()
	if trade.Quantity.LessThan(threshold) {
		metrics.StreamMessagesTotal.WithLabelValues(metrics.OutcomeFiltered).Inc()
		return
	}
	metrics.StreamMessagesTotal.WithLabelValues(metrics.OutcomeAccepted).Inc()
	trade.Timestamp = i.opts.Now().UTC()

	select {
	case queue <- trade:
	default:
		metrics.TradesTotal.WithLabelValues(metrics.OutcomeQueueFull).Inc()
		i.logger.Warn().Str("quantity", trade.Quantity.String()).Str("price", trade.Price.String()).
			Msg("write queue full; dropping trade")
	}
}

func (i *Ingester) writeLoop(ctx context.Context, queue <-chan storage.Trade) {
	// base outlives ctx by DrainTimeout so the backlog can still be written.
	base, cancelBase := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBase()
	stop := context.AfterFunc(ctx, func() {
		time.AfterFunc(i.opts.DrainTimeout, cancelBase)
	})
	defer stop()

	abandoned := 0
	defer func() {
		if abandoned > 0 {
			i.logger.Warn().Int("trades", abandoned).Dur("drain_timeout", i.opts.DrainTimeout).
				Msg("drain deadline passed; dropping queued trades")
		}
	}()

	for trade := range queue {
		if base.Err() != nil {
			abandoned++
			metrics.TradesTotal.WithLabelValues(metrics.OutcomeAbandoned).Inc()
			continue
		}

		writeCtx, cancel := context.WithTimeout(base, i.opts.WriteTimeout)
		saved, err := i.store.InsertTrade(writeCtx, trade)
		cancel()
		if err != nil {
			metrics.TradesTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
			i.logger.Error().Err(err).
				Str("quantity", trade.Quantity.String()).
				Str("price", trade.Price.String()).
				Msg("failed to persist trade")
			continue
		}

		metrics.TradesTotal.WithLabelValues(metrics.OutcomePersisted).Inc()
		i.logger.Info().
			Str("price", saved.Price.String()).
			Str("quantity", saved.Quantity.String()).
			Bool("is_sale", saved.IsSale).
			Msg("large trade recorded")

		if i.opts.OnPersisted != nil {
			i.opts.OnPersisted(saved)
		}
	}
}

func (i *Ingester) setState(s State) {
	prev := State(i.state.Swap(int32(s)))
	metrics.StreamState.Set(float64(s))
	if prev != s {
		i.logger.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("state transition")
	}
}

// waitForReconnect reports true when ctx ended before the delay elapsed.
func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}

func truncate(raw []byte) string {
	if len(raw) <= maxLoggedPayload {
		return string(raw)
	}
	return string(raw[:maxLoggedPayload]) + "..."
}
