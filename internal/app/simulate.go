package app

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"whalewatch/internal/storage"
)

// SimulateAlert 构造一笔大额成交, 经由 Dispatcher 走完整告警流程。
func (a *App) SimulateAlert(ctx context.Context, price, quantity decimal.Decimal, isSale bool) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	dispatcher := a.newDispatcher()
	if dispatcher == nil {
		return errors.New("未配置任何告警通道")
	}

	trade := storage.Trade{
		Price:     price,
		Quantity:  quantity,
		IsSale:    isSale,
		Timestamp: time.Now().UTC(),
	}
	if !dispatcher.HandleTrade(trade) {
		return errors.New("成交数量低于 alerting.min_quantity, 不会触发告警")
	}

	return dispatcher.Drain(ctx)
}
