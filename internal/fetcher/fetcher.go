package fetcher

import (
	"context"

	"github.com/shopspring/decimal"
)

// OpenInterestFetcher retrieves the current open interest of the tracked instrument.
type OpenInterestFetcher interface {
	FetchOpenInterest(ctx context.Context) (decimal.Decimal, error)
}
