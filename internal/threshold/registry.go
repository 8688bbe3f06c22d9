// Package threshold keeps the large trade threshold in memory and mirrors
// every change to durable storage.
package threshold

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whalewatch/internal/metrics"
	"whalewatch/internal/storage"
)

var (
	// ErrInvalidThreshold is returned for missing, non-numeric or non-positive values.
	ErrInvalidThreshold = errors.New("threshold must be a number greater than zero")
	// ErrPersist wraps store failures after the in-memory value was already applied.
	ErrPersist = errors.New("threshold updated in memory but not persisted")
)

// Registry is the authoritative in-process threshold. Reads never touch the store.
type Registry struct {
	key    string
	store  storage.SettingStore
	value  atomic.Pointer[decimal.Decimal]
	logger zerolog.Logger
}

// New creates a registry holding fallback until Initialize loads the stored value.
func New(key string, fallback decimal.Decimal, store storage.SettingStore, logger zerolog.Logger) *Registry {
	r := &Registry{
		key:    key,
		store:  store,
		logger: logger.With().Str("component", "threshold").Logger(),
	}
	r.set(fallback)
	return r
}

// Initialize inserts the current value if the setting is absent, then loads
// the stored value. On error the in-memory fallback is kept.
func (r *Registry) Initialize(ctx context.Context) error {
	if r.store == nil {
		return storage.ErrNotConfigured
	}

	fallback := r.Current()
	if err := r.store.EnsureSetting(ctx, r.key, fallback); err != nil {
		return fmt.Errorf("ensure threshold setting: %w", err)
	}

	stored, err := r.store.LoadSetting(ctx, r.key)
	if err != nil {
		return fmt.Errorf("load threshold setting: %w", err)
	}
	if !stored.IsPositive() {
		r.logger.Warn().Str("stored", stored.String()).Str("fallback", fallback.String()).
			Msg("stored threshold is not positive; keeping fallback")
		return nil
	}

	r.set(stored)
	r.logger.Info().Str("threshold", stored.String()).Msg("threshold loaded")
	return nil
}

// Current returns the threshold in effect right now.
func (r *Registry) Current() decimal.Decimal {
	return *r.value.Load()
}

// Update applies value in memory, then mirrors it to the store. A store
// failure is reported with ErrPersist but does not roll the value back.
func (r *Registry) Update(ctx context.Context, value decimal.Decimal) error {
	if !value.IsPositive() {
		return ErrInvalidThreshold
	}

	previous := r.Current()
	r.set(value)
	r.logger.Info().Str("previous", previous.String()).Str("threshold", value.String()).Msg("threshold updated")

	if r.store == nil {
		return fmt.Errorf("%w: %w", ErrPersist, storage.ErrNotConfigured)
	}
	if err := r.store.SaveSetting(ctx, r.key, value); err != nil {
		r.logger.Error().Err(err).Str("threshold", value.String()).Msg("failed to persist threshold")
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	return nil
}

func (r *Registry) set(value decimal.Decimal) {
	v := value
	r.value.Store(&v)
	metrics.ThresholdValue.Set(value.InexactFloat64())
}

// Parse converts a raw JSON value (number or numeric string) into a valid threshold.
func Parse(raw json.RawMessage) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return decimal.Decimal{}, ErrInvalidThreshold
	}

	var value decimal.Decimal
	if err := value.UnmarshalJSON([]byte(trimmed)); err != nil {
		return decimal.Decimal{}, ErrInvalidThreshold
	}
	if !value.IsPositive() {
		return decimal.Decimal{}, ErrInvalidThreshold
	}
	return value, nil
}
