package stream

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"whalewatch/internal/storage"
)

// errIgnored marks well-formed control frames (subscription acks, other event types).
var errIgnored = errors.New("not a trade event")

type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	Result json.RawMessage `json:"result"`
	ID     json.RawMessage `json:"id"`
}

// tradeEvent covers both aggTrade and trade payloads. E and M are declared so the
// case-insensitive decoder does not fold them into e and m.
type tradeEvent struct {
	EventType    string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	BuyerIsMaker *bool  `json:"m"`
	Ignore       bool   `json:"M"`
}

// ParseTrade decodes one stream frame into a trade candidate. The buyer being
// the maker means the seller hit the bid, so the trade counts as a sale.
func ParseTrade(raw []byte) (storage.Trade, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return storage.Trade{}, fmt.Errorf("decode frame: %w", err)
	}
	payload := raw
	switch {
	case len(env.Data) > 0:
		payload = env.Data
	case len(env.ID) > 0:
		return storage.Trade{}, errIgnored
	}

	var evt tradeEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return storage.Trade{}, fmt.Errorf("decode trade: %w", err)
	}
	if evt.EventType != "" && evt.EventType != "aggTrade" && evt.EventType != "trade" {
		return storage.Trade{}, errIgnored
	}
	if evt.Price == "" || evt.Quantity == "" {
		return storage.Trade{}, errors.New("trade missing price or quantity")
	}
	if evt.BuyerIsMaker == nil {
		return storage.Trade{}, errors.New("trade missing side flag")
	}

	price, err := decimal.NewFromString(evt.Price)
	if err != nil {
		return storage.Trade{}, fmt.Errorf("parse price: %w", err)
	}
	quantity, err := decimal.NewFromString(evt.Quantity)
	if err != nil {
		return storage.Trade{}, fmt.Errorf("parse quantity: %w", err)
	}

	return storage.Trade{
		Price:    price,
		Quantity: quantity,
		IsSale:   *evt.BuyerIsMaker,
	}, nil
}
