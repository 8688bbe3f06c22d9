package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const defaultFuturesBaseURL = "https://fapi.binance.com"

// OpenInterestOptions parameterise the Binance futures fetcher.
type OpenInterestOptions struct {
	BaseURL     string
	Symbol      string
	Timeout     time.Duration
	MinInterval time.Duration
	UserAgent   string
}

// OpenInterest polls /fapi/v1/openInterest through the go-binance futures client.
type OpenInterest struct {
	opts    OpenInterestOptions
	client  *futures.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewOpenInterest constructs an open interest fetcher. Public market data
// needs no API key.
func NewOpenInterest(opts OpenInterestOptions, logger zerolog.Logger) *OpenInterest {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	opts.Symbol = strings.ToUpper(strings.TrimSpace(opts.Symbol))

	client := futures.NewClient("", "")
	client.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if client.BaseURL == "" {
		client.BaseURL = defaultFuturesBaseURL
	}
	client.HTTPClient = &http.Client{Timeout: timeout}
	if ua := strings.TrimSpace(opts.UserAgent); ua != "" {
		client.UserAgent = ua
	}

	limit := rate.Inf
	if opts.MinInterval > 0 {
		limit = rate.Every(opts.MinInterval)
	}

	return &OpenInterest{
		opts:    opts,
		client:  client,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.With().Str("component", "open_interest_fetcher").Str("symbol", opts.Symbol).Logger(),
	}
}

// FetchOpenInterest returns the current open interest in contracts.
func (o *OpenInterest) FetchOpenInterest(ctx context.Context) (decimal.Decimal, error) {
	if o.opts.Symbol == "" {
		return decimal.Decimal{}, errors.New("open interest symbol not configured")
	}

	if err := o.limiter.Wait(ctx); err != nil {
		return decimal.Decimal{}, fmt.Errorf("open interest rate limit: %w", err)
	}

	res, err := o.client.NewGetOpenInterestService().Symbol(o.opts.Symbol).Do(ctx)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("fetch open interest: %w", err)
	}
	if res == nil || res.OpenInterest == "" {
		return decimal.Decimal{}, errors.New("open interest response empty")
	}

	value, err := decimal.NewFromString(res.OpenInterest)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse open interest: %w", err)
	}

	o.logger.Debug().Str("open_interest", value.String()).Int64("time", res.Time).Msg("open interest fetched")
	return value, nil
}

var _ OpenInterestFetcher = (*OpenInterest)(nil)
