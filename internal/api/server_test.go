package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/yazbekw/mon/config"
	"github.com/yazbekw/mon/internal/binance"
	"github.com/yazbekw/mon/internal/manager"
	"github.com/yazbekw/mon/internal/notification"
)

// stubClient is a minimal exchange for API tests: one long BNBUSDT
// position that any close empties.
type stubClient struct {
	closed bool
}

func (s *stubClient) OpenPositions(ctx context.Context) ([]binance.FuturesPosition, error) {
	if s.closed {
		return nil, nil
	}
	return []binance.FuturesPosition{
		{Symbol: "BNBUSDT", PositionAmt: 10, EntryPrice: 300, MarkPrice: 300, Leverage: 10},
	}, nil
}

func (s *stubClient) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	return 300, nil
}

func (s *stubClient) Klines(ctx context.Context, symbol, interval string, limit int) ([]binance.Kline, error) {
	klines := make([]binance.Kline, 30)
	for i := range klines {
		klines[i] = binance.Kline{Open: 300, High: 301.5, Low: 298.5, Close: 300}
	}
	return klines, nil
}

func (s *stubClient) ClosePosition(ctx context.Context, symbol string, quantity float64, side binance.PositionSide, reason string) (*binance.CloseResult, error) {
	s.closed = true
	return &binance.CloseResult{Symbol: symbol, OrderID: 1, Requested: quantity, ExecutedQty: quantity, AvgPrice: 300}, nil
}

func (s *stubClient) AccountMargin(ctx context.Context) (*binance.AccountMargin, error) {
	return &binance.AccountMargin{MarginBalance: 1000, AvailableBalance: 900, MarginRatio: 0.1}, nil
}

func (s *stubClient) SymbolFilters(ctx context.Context, symbol string) (*binance.SymbolFilters, error) {
	return &binance.SymbolFilters{Symbol: symbol, MinQty: 0.001, StepSize: 0.001}, nil
}

func testServer(t *testing.T) (*Server, *stubClient) {
	t.Helper()
	cfg := &config.Config{
		ExchangeConfig: config.ExchangeConfig{CandleInterval: "15m", CandleLimit: 50},
		RiskConfig: config.RiskConfig{
			MinStopLoss:           0.015,
			MaxStopLoss:           0.05,
			VolatilityMultiplier:  1.5,
			PartialTrigger:        0.4,
			PartialStopFraction:   0.3,
			ATRPeriod:             14,
			SRLookback:            20,
			DustFraction:          0.05,
			TechnicalTTL:          time.Hour,
			MarginWarnThreshold:   0.70,
			MarginDeriskThreshold: 0.85,
			TakeProfitLevels: []config.TakeProfitLevel{
				{Profit: 0.0025, Close: 0.50},
				{Profit: 0.0030, Close: 0.30},
				{Profit: 0.0035, Close: 0.20},
			},
		},
		SchedulerConfig: config.SchedulerConfig{ShutdownGrace: time.Second},
		ServerConfig:    config.ServerConfig{APIKeys: []string{"secret-key"}},
		Symbols:         []string{"BNBUSDT"},
	}

	client := &stubClient{}
	notifier := notification.NewNotifier(nil, 100, 1, 0, zerolog.Nop())
	mgr := manager.New(cfg, client, notifier, nil, zerolog.Nop())
	if err := mgr.ForceSync(context.Background()); err != nil {
		t.Fatalf("seed sync failed: %v", err)
	}

	return NewServer(cfg.ServerConfig, mgr, notifier, zerolog.Nop()), client
}

func request(s *Server, method, path, apiKey string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if apiKey != "" {
		req.Header.Set("X-API-KEY", apiKey)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHealthNeedsNoAuth(t *testing.T) {
	s, _ := testServer(t)

	w := request(s, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("unexpected health body: %v", body)
	}
}

func TestMissingOrWrongKeyRejected(t *testing.T) {
	s, _ := testServer(t)

	for _, key := range []string{"", "wrong-key", "secret-ke"} {
		w := request(s, http.MethodGet, "/status", key)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("key %q: expected 401, got %d", key, w.Code)
		}
		var body map[string]string
		json.Unmarshal(w.Body.Bytes(), &body)
		if body["error"] != "unauthorized" {
			t.Errorf("key %q: unexpected body %v", key, body)
		}
	}
}

func TestStatusWithValidKey(t *testing.T) {
	s, _ := testServer(t)

	w := request(s, http.MethodGet, "/status", "secret-key")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if body["positions"] != float64(1) {
		t.Errorf("expected 1 position, got %v", body["positions"])
	}
}

func TestPositionsIncludesRiskSummary(t *testing.T) {
	s, _ := testServer(t)

	w := request(s, http.MethodGet, "/positions", "secret-key")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body struct {
		Count     int            `json:"count"`
		Positions []positionView `json:"positions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if body.Count != 1 {
		t.Fatalf("expected 1 position, got %d", body.Count)
	}
	p := body.Positions[0]
	if p.Symbol != "BNBUSDT" || p.FullStop <= 0 || len(p.TakeProfits) != 3 {
		t.Errorf("incomplete risk summary: %+v", p)
	}
}

func TestForceCloseEndpoint(t *testing.T) {
	s, client := testServer(t)

	w := request(s, http.MethodPost, "/close/BNBUSDT", "secret-key")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !client.closed {
		t.Error("exchange close was not called")
	}

	// A second close finds nothing to close.
	w = request(s, http.MethodPost, "/close/BNBUSDT", "secret-key")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unmanaged symbol, got %d", w.Code)
	}
}

func TestSyncEndpoint(t *testing.T) {
	s, client := testServer(t)
	client.closed = true // exchange no longer reports the position

	// Two forced syncs strike the vanished position out.
	request(s, http.MethodPost, "/sync", "secret-key")
	w := request(s, http.MethodPost, "/sync", "secret-key")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["positions"] != float64(0) {
		t.Errorf("expected 0 positions after strikes, got %v", body["positions"])
	}
}

func TestTestNotifyEndpoint(t *testing.T) {
	s, _ := testServer(t)

	w := request(s, http.MethodPost, "/test/notify", "secret-key")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if s.notifier.QueueDepth() == 0 {
		t.Error("test notification was not queued")
	}
}
