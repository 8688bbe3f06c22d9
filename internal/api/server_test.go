package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whalewatch/internal/storage"
	"whalewatch/internal/stream"
	"whalewatch/internal/threshold"
)

type memorySettings struct {
	mu      sync.Mutex
	values  map[string]decimal.Decimal
	saveErr error
}

func newMemorySettings() *memorySettings {
	return &memorySettings{values: make(map[string]decimal.Decimal)}
}

func (m *memorySettings) EnsureSetting(ctx context.Context, key string, value decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[key]; !ok {
		m.values[key] = value
	}
	return nil
}

func (m *memorySettings) LoadSetting(ctx context.Context, key string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[key], nil
}

func (m *memorySettings) SaveSetting(ctx context.Context, key string, value decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.values[key] = value
	return nil
}

type memoryHistory struct {
	mu      sync.Mutex
	trades  []storage.Trade
	samples []storage.OpenInterestSample
	listErr error
	saved   chan storage.Trade
}

func newMemoryHistory() *memoryHistory {
	return &memoryHistory{saved: make(chan storage.Trade, 16)}
}

func (m *memoryHistory) InsertTrade(ctx context.Context, trade storage.Trade) (storage.Trade, error) {
	m.mu.Lock()
	trade.ID = int64(len(m.trades) + 1)
	m.trades = append(m.trades, trade)
	m.mu.Unlock()
	m.saved <- trade
	return trade, nil
}

func (m *memoryHistory) ListRecentTrades(ctx context.Context, limit int) ([]storage.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	trades := m.trades
	if len(trades) > limit {
		trades = trades[len(trades)-limit:]
	}
	return append([]storage.Trade(nil), trades...), nil
}

func (m *memoryHistory) ListTradesBetween(ctx context.Context, from, to time.Time) ([]storage.Trade, error) {
	return m.ListRecentTrades(ctx, len(m.trades))
}

func (m *memoryHistory) CountTrades(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.trades)), nil
}

func (m *memoryHistory) UpsertOpenInterest(ctx context.Context, sample storage.OpenInterestSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, sample)
	return nil
}

func (m *memoryHistory) ListRecentOpenInterest(ctx context.Context, limit int) ([]storage.OpenInterestSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	samples := m.samples
	if len(samples) > limit {
		samples = samples[len(samples)-limit:]
	}
	return append([]storage.OpenInterestSample(nil), samples...), nil
}

func (m *memoryHistory) ListOpenInterestBetween(ctx context.Context, fromBucket, toBucket int64) ([]storage.OpenInterestSample, error) {
	return m.ListRecentOpenInterest(ctx, len(m.samples))
}

func newTestServer(t *testing.T, history *memoryHistory, settings *memorySettings, opts Options) (*Server, *threshold.Registry) {
	t.Helper()
	registry := threshold.New("large_trade_min_quantity", decimal.NewFromInt(1), settings, zerolog.Nop())
	if err := registry.Initialize(context.Background()); err != nil {
		t.Fatalf("初始化阈值失败: %v", err)
	}
	return NewServer(opts, history, history, registry, zerolog.Nop()), registry
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("解析响应失败: %v (%s)", err, rec.Body.String())
	}
	return out
}

func TestThresholdRejectsInvalidValues(t *testing.T) {
	srv, registry := newTestServer(t, newMemoryHistory(), newMemorySettings(), Options{})
	h := srv.Handler()

	for _, body := range []string{`{"threshold":0}`, `{"threshold":"abc"}`, `{"threshold":-3}`, `{}`, `not json`} {
		rec := do(t, h, http.MethodPost, "/api/threshold", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s 应返回 400, 实际 %d", body, rec.Code)
		}
		if decode[map[string]any](t, rec)["error"] == nil {
			t.Fatalf("%s 应返回 error 字段", body)
		}
	}

	if !registry.Current().Equal(decimal.NewFromInt(1)) {
		t.Fatalf("非法输入不应修改阈值, 实际 %s", registry.Current())
	}
}

func TestThresholdUpdateReflectedOnGet(t *testing.T) {
	settings := newMemorySettings()
	srv, _ := newTestServer(t, newMemoryHistory(), settings, Options{})
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/api/threshold", `{"threshold":2.5}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("应返回 200, 实际 %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[map[string]any](t, rec)
	if resp["status"] != "ok" || resp["threshold"] != 2.5 {
		t.Fatalf("响应不正确: %#v", resp)
	}

	got := decode[map[string]float64](t, do(t, h, http.MethodGet, "/api/threshold", ""))
	if got["threshold"] != 2.5 {
		t.Fatalf("GET 应返回 2.5, 实际 %v", got["threshold"])
	}
	if !settings.values["large_trade_min_quantity"].Equal(decimal.RequireFromString("2.5")) {
		t.Fatal("阈值应写入持久化存储")
	}
}

func TestThresholdAcceptsNumericString(t *testing.T) {
	srv, registry := newTestServer(t, newMemoryHistory(), newMemorySettings(), Options{})
	rec := do(t, srv.Handler(), http.MethodPost, "/api/threshold", `{"threshold":"3.75"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("数字字符串应被接受, 实际 %d", rec.Code)
	}
	if !registry.Current().Equal(decimal.RequireFromString("3.75")) {
		t.Fatalf("阈值应为 3.75, 实际 %s", registry.Current())
	}
}

func TestThresholdPersistFailureKeepsMemoryValue(t *testing.T) {
	settings := newMemorySettings()
	srv, registry := newTestServer(t, newMemoryHistory(), settings, Options{})
	settings.saveErr = errors.New("db down")

	rec := do(t, srv.Handler(), http.MethodPost, "/api/threshold", `{"threshold":4}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("持久化失败应返回 500, 实际 %d", rec.Code)
	}
	if !registry.Current().Equal(decimal.NewFromInt(4)) {
		t.Fatalf("内存值不应回滚, 实际 %s", registry.Current())
	}
}

func TestListTradesProjection(t *testing.T) {
	history := newMemoryHistory()
	base := time.Unix(1_700_000_000, 0)
	for i := 0; i < 5; i++ {
		history.trades = append(history.trades, storage.Trade{
			Price:     decimal.NewFromInt(int64(60000 + i)),
			Quantity:  decimal.NewFromInt(2),
			IsSale:    i%2 == 1,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}
	srv, _ := newTestServer(t, history, newMemorySettings(), Options{TradesLimit: 3})

	rec := do(t, srv.Handler(), http.MethodGet, "/api/trades", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("应返回 200, 实际 %d", rec.Code)
	}
	rows := decode[[]tradeResponse](t, rec)
	if len(rows) != 3 {
		t.Fatalf("应按上限返回 3 行, 实际 %d", len(rows))
	}
	for i := 1; i < len(rows); i++ {
		if rows[i].TimestampSeconds < rows[i-1].TimestampSeconds {
			t.Fatal("应按时间升序返回")
		}
	}
	if rows[2].Price != 60004 || rows[2].TimestampSeconds != base.Unix()+4 {
		t.Fatalf("最后一行应为最新成交: %+v", rows[2])
	}
}

func TestListOpenInterestProjection(t *testing.T) {
	history := newMemoryHistory()
	history.samples = []storage.OpenInterestSample{
		{MinuteBucket: 60, Value: decimal.RequireFromString("100.5")},
		{MinuteBucket: 180, Value: decimal.RequireFromString("101")},
	}
	srv, _ := newTestServer(t, history, newMemorySettings(), Options{})

	rows := decode[[]openInterestResponse](t, do(t, srv.Handler(), http.MethodGet, "/api/open-interest", ""))
	if len(rows) != 2 || rows[0].MinuteBucket != 60 || rows[0].Value != 100.5 || rows[1].MinuteBucket != 180 {
		t.Fatalf("持仓量投影不正确: %+v", rows)
	}
}

func TestQueryFailureHidesDetail(t *testing.T) {
	history := newMemoryHistory()
	history.listErr = errors.New("relation trades does not exist")
	srv, _ := newTestServer(t, history, newMemorySettings(), Options{})

	for _, path := range []string{"/api/trades", "/api/open-interest"} {
		rec := do(t, srv.Handler(), http.MethodGet, path, "")
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("%s 应返回 500, 实际 %d", path, rec.Code)
		}
		if got := decode[map[string]string](t, rec)["error"]; got != "internal error" {
			t.Fatalf("不应泄露错误细节, 实际 %q", got)
		}
	}
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t, newMemoryHistory(), newMemorySettings(), Options{
		IngesterState: func() string { return "connected" },
	})
	h := srv.Handler()

	health := decode[map[string]string](t, do(t, h, http.MethodGet, "/healthz", ""))
	if health["status"] != "ok" || health["ingester"] != "connected" {
		t.Fatalf("healthz 不正确: %#v", health)
	}

	_ = do(t, h, http.MethodGet, "/api/threshold", "")
	rec := do(t, h, http.MethodGet, "/metrics", "")
	if !strings.Contains(rec.Body.String(), "whalewatch_api_requests_total") {
		t.Fatal("metrics 应包含 API 请求计数")
	}
}

func TestStaticDirServed(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>whales</h1>"), 0o644); err != nil {
		t.Fatalf("写入静态文件失败: %v", err)
	}
	srv, _ := newTestServer(t, newMemoryHistory(), newMemorySettings(), Options{StaticDir: dir})

	rec := do(t, srv.Handler(), http.MethodGet, "/", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "whales") {
		t.Fatalf("应返回静态首页, 实际 %d %q", rec.Code, rec.Body.String())
	}
}

// A threshold of 1.0 drops a 0.8 trade and keeps a 1.5 trade, which is then
// the only row served by /api/trades.
func TestLargeTradeFlowsToQueryAPI(t *testing.T) {
	upgrader := websocket.Upgrader{}
	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, frame := range []string{
			`{"e":"aggTrade","E":1,"p":"60000","q":"0.8","m":true}`,
			`{"e":"aggTrade","E":2,"p":"60000","q":"1.5","m":false}`,
		} {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer feed.Close()

	history := newMemoryHistory()
	srv, registry := newTestServer(t, history, newMemorySettings(), Options{})
	ingestedAt := time.Unix(1_700_000_123, 0)
	ingester := stream.New(stream.Options{
		URL:            "ws" + strings.TrimPrefix(feed.URL, "http"),
		ReconnectDelay: 50 * time.Millisecond,
		Now:            func() time.Time { return ingestedAt },
	}, registry, history, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ingester.Run(ctx) }()

	select {
	case <-history.saved:
	case <-time.After(3 * time.Second):
		t.Fatal("应持久化达到阈值的成交")
	}
	cancel()
	<-done

	rows := decode[[]tradeResponse](t, do(t, srv.Handler(), http.MethodGet, "/api/trades", ""))
	if len(rows) != 1 {
		t.Fatalf("应只返回一行, 实际 %d", len(rows))
	}
	want := tradeResponse{Price: 60000, Quantity: 1.5, IsSale: false, TimestampSeconds: ingestedAt.Unix()}
	if rows[0] != want {
		t.Fatalf("返回行不正确: %+v, 期望 %+v", rows[0], want)
	}
}
