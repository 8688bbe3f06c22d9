package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whalewatch/internal/metrics"
	"whalewatch/internal/scheduler"
	"whalewatch/internal/storage"
)

type queueFetcher struct {
	mu     sync.Mutex
	values []decimal.Decimal
	err    error
	calls  int
}

func (q *queueFetcher) FetchOpenInterest(ctx context.Context) (decimal.Decimal, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	if q.err != nil {
		return decimal.Decimal{}, q.err
	}
	v := q.values[0]
	if len(q.values) > 1 {
		q.values = q.values[1:]
	}
	return v, nil
}

type memoryOpenInterest struct {
	mu        sync.Mutex
	rows      map[int64]decimal.Decimal
	upsertErr error
	upserts   chan int64
}

func newMemoryOpenInterest() *memoryOpenInterest {
	return &memoryOpenInterest{rows: make(map[int64]decimal.Decimal), upserts: make(chan int64, 16)}
}

func (m *memoryOpenInterest) UpsertOpenInterest(ctx context.Context, sample storage.OpenInterestSample) error {
	m.mu.Lock()
	if m.upsertErr != nil {
		m.mu.Unlock()
		return m.upsertErr
	}
	m.rows[sample.MinuteBucket] = sample.Value
	m.mu.Unlock()
	select {
	case m.upserts <- sample.MinuteBucket:
	default:
	}
	return nil
}

func (m *memoryOpenInterest) ListRecentOpenInterest(ctx context.Context, limit int) ([]storage.OpenInterestSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	samples := make([]storage.OpenInterestSample, 0, len(m.rows))
	for bucket, value := range m.rows {
		samples = append(samples, storage.OpenInterestSample{MinuteBucket: bucket, Value: value})
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].MinuteBucket < samples[j].MinuteBucket })
	return samples, nil
}

func (m *memoryOpenInterest) ListOpenInterestBetween(ctx context.Context, fromBucket, toBucket int64) ([]storage.OpenInterestSample, error) {
	return m.ListRecentOpenInterest(ctx, 0)
}

type lockingStore struct {
	*memoryOpenInterest
	acquired bool
	unlocked int
}

func (l *lockingStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	if !l.acquired {
		return nil, false, nil
	}
	return func() { l.unlocked++ }, true, nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestProcessBucketUpsertsSameMinute(t *testing.T) {
	oi := &queueFetcher{values: []decimal.Decimal{decimal.NewFromInt(100), decimal.NewFromInt(120)}}
	store := newMemoryOpenInterest()
	svc := New(nil, oi, store, 0, zerolog.Nop())

	minute := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	svc.now = fixedClock(minute.Add(5 * time.Second))
	if err := svc.ProcessBucket(context.Background(), minute); err != nil {
		t.Fatalf("首次采样失败: %v", err)
	}
	svc.now = fixedClock(minute.Add(50 * time.Second))
	if err := svc.ProcessBucket(context.Background(), minute); err != nil {
		t.Fatalf("二次采样失败: %v", err)
	}

	samples, _ := store.ListRecentOpenInterest(context.Background(), 10)
	if len(samples) != 1 {
		t.Fatalf("同一分钟应只有一行, 实际 %d", len(samples))
	}
	if samples[0].MinuteBucket != minute.Unix() {
		t.Fatalf("桶应为 %d, 实际 %d", minute.Unix(), samples[0].MinuteBucket)
	}
	if !samples[0].Value.Equal(decimal.NewFromInt(120)) {
		t.Fatalf("应保留最后一次观测 120, 实际 %s", samples[0].Value)
	}
}

func TestProcessBucketNewMinuteInsertsRow(t *testing.T) {
	oi := &queueFetcher{values: []decimal.Decimal{decimal.NewFromInt(1), decimal.NewFromInt(2)}}
	store := newMemoryOpenInterest()
	svc := New(nil, oi, store, 0, zerolog.Nop())

	minute := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	svc.now = fixedClock(minute)
	_ = svc.ProcessBucket(context.Background(), minute)
	svc.now = fixedClock(minute.Add(time.Minute))
	_ = svc.ProcessBucket(context.Background(), minute.Add(time.Minute))

	samples, _ := store.ListRecentOpenInterest(context.Background(), 10)
	if len(samples) != 2 {
		t.Fatalf("不同分钟应有两行, 实际 %d", len(samples))
	}
}

func TestProcessBucketFetchErrorWritesNothing(t *testing.T) {
	oi := &queueFetcher{err: errors.New("timeout")}
	store := newMemoryOpenInterest()
	svc := New(nil, oi, store, 0, zerolog.Nop())

	if err := svc.ProcessBucket(context.Background(), time.Now()); err == nil {
		t.Fatal("拉取失败应返回错误")
	}
	if len(store.rows) != 0 {
		t.Fatal("拉取失败不应写入 (缺口不是 0)")
	}
}

func TestProcessBucketUpsertError(t *testing.T) {
	oi := &queueFetcher{values: []decimal.Decimal{decimal.NewFromInt(1)}}
	store := newMemoryOpenInterest()
	store.upsertErr = errors.New("db down")
	svc := New(nil, oi, store, 0, zerolog.Nop())

	if err := svc.ProcessBucket(context.Background(), time.Now()); err == nil {
		t.Fatal("写入失败应返回错误")
	}
}

func TestProcessBucketSkipsWhenLockHeld(t *testing.T) {
	oi := &queueFetcher{values: []decimal.Decimal{decimal.NewFromInt(1)}}
	store := &lockingStore{memoryOpenInterest: newMemoryOpenInterest()}
	svc := New(nil, oi, store, 42, zerolog.Nop())

	if err := svc.ProcessBucket(context.Background(), time.Now()); err != nil {
		t.Fatalf("锁被占用时不应报错: %v", err)
	}
	if oi.calls != 0 {
		t.Fatal("锁被占用时不应请求上游")
	}

	store.acquired = true
	if err := svc.ProcessBucket(context.Background(), time.Now()); err != nil {
		t.Fatalf("获得锁后采样失败: %v", err)
	}
	if store.unlocked != 1 {
		t.Fatalf("采样后应释放锁, 实际 %d", store.unlocked)
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("读取计数器失败: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestSkipReasonsUseDistinctLabels(t *testing.T) {
	locked := metrics.OpenInterestPollsTotal.WithLabelValues(metrics.OutcomeLocked)
	overlap := metrics.OpenInterestPollsTotal.WithLabelValues(metrics.OutcomeOverlap)
	lockedBefore, overlapBefore := counterValue(t, locked), counterValue(t, overlap)

	store := &lockingStore{memoryOpenInterest: newMemoryOpenInterest()}
	svc := New(nil, &queueFetcher{values: []decimal.Decimal{decimal.NewFromInt(1)}}, store, 42, zerolog.Nop())
	if err := svc.ProcessBucket(context.Background(), time.Now()); err != nil {
		t.Fatalf("锁被占用时不应报错: %v", err)
	}
	if got := counterValue(t, locked) - lockedBefore; got != 1 {
		t.Fatalf("锁被占用应计入 locked, 实际增加 %v", got)
	}
	if got := counterValue(t, overlap) - overlapBefore; got != 0 {
		t.Fatalf("锁被占用不应计入 overlap, 实际增加 %v", got)
	}

	RecordOverlap(time.Now())
	if got := counterValue(t, overlap) - overlapBefore; got != 1 {
		t.Fatalf("上一轮未结束应计入 overlap, 实际增加 %v", got)
	}
	if got := counterValue(t, locked) - lockedBefore; got != 1 {
		t.Fatalf("overlap 不应计入 locked, 实际增加 %v", got)
	}
}

func TestRunPollsImmediatelyAndKeepsGoingAfterFailure(t *testing.T) {
	oi := &queueFetcher{values: []decimal.Decimal{decimal.NewFromInt(7)}}
	store := newMemoryOpenInterest()
	store.upsertErr = errors.New("db down")

	sched := scheduler.New(scheduler.Options{Interval: 20 * time.Millisecond, RunImmediately: true}, zerolog.Nop())
	svc := New(sched, oi, store, 0, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	store.mu.Lock()
	store.upsertErr = nil
	store.mu.Unlock()

	select {
	case <-store.upserts:
	case <-time.After(2 * time.Second):
		t.Fatal("写入失败后的下一次 tick 应继续执行")
	}

	cancel()
	<-done
}

func TestRunWithoutScheduler(t *testing.T) {
	svc := New(nil, &queueFetcher{}, newMemoryOpenInterest(), 0, zerolog.Nop())
	if err := svc.Run(context.Background()); err == nil {
		t.Fatal("未配置 scheduler 应报错")
	}
}
