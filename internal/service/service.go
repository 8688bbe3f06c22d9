package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"whalewatch/internal/fetcher"
	"whalewatch/internal/metrics"
	"whalewatch/internal/scheduler"
	"whalewatch/internal/storage"
)

// Service polls open interest on the scheduler and upserts one sample per minute bucket.
type Service struct {
	scheduler *scheduler.Scheduler
	fetcher   fetcher.OpenInterestFetcher
	store     storage.OpenInterestStore
	logger    zerolog.Logger

	locker  storage.AdvisoryLocker
	lockKey int64
	now     func() time.Time
}

// New constructs the open interest poller. lockKey 0 disables the advisory lock.
func New(sched *scheduler.Scheduler, oi fetcher.OpenInterestFetcher, store storage.OpenInterestStore, lockKey int64, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		scheduler: sched,
		fetcher:   oi,
		store:     store,
		logger:    logger.With().Str("component", "open_interest_poller").Logger(),
		locker:    locker,
		lockKey:   lockKey,
		now:       time.Now,
	}
}

// Run begins the polling loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessBucket)
}

// RecordOverlap counts a tick dropped because the previous poll was still running.
func RecordOverlap(at time.Time) {
	metrics.OpenInterestPollsTotal.WithLabelValues(metrics.OutcomeOverlap).Inc()
}

// ProcessBucket 执行一次持仓量采样, 按分钟桶写入 (同一分钟内后写覆盖先写)。
func (s *Service) ProcessBucket(ctx context.Context, at time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		metrics.OpenInterestPollsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		return err
	}
	if !proceed {
		metrics.OpenInterestPollsTotal.WithLabelValues(metrics.OutcomeLocked).Inc()
		s.logger.Debug().Time("at", at).Msg("skip poll because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	if err := s.executeBucket(ctx, at); err != nil {
		metrics.OpenInterestPollsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		return err
	}
	metrics.OpenInterestPollsTotal.WithLabelValues(metrics.OutcomeOK).Inc()
	return nil
}

func (s *Service) executeBucket(ctx context.Context, at time.Time) error {
	if s.store == nil {
		return storage.ErrNotConfigured
	}

	value, err := s.fetcher.FetchOpenInterest(ctx)
	if err != nil {
		return fmt.Errorf("fetch open interest: %w", err)
	}

	// the bucket is taken from the observation time, not the scheduled tick
	sample := storage.OpenInterestSample{
		MinuteBucket: storage.MinuteBucket(s.now()),
		Value:        value,
	}
	if err := s.store.UpsertOpenInterest(ctx, sample); err != nil {
		return fmt.Errorf("upsert open interest: %w", err)
	}

	s.logger.Info().Int64("minute_bucket", sample.MinuteBucket).
		Str("open_interest", value.String()).
		Msg("open interest recorded")
	return nil
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
