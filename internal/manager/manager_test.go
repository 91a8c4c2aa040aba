package manager

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/yazbekw/mon/config"
	"github.com/yazbekw/mon/internal/binance"
	"github.com/yazbekw/mon/internal/notification"
	"github.com/yazbekw/mon/internal/position"
)

// fakeClient is an in-memory exchange for manager tests.
type fakeClient struct {
	mu           sync.Mutex
	positions    map[string]binance.FuturesPosition
	prices       map[string]float64
	klines       []binance.Kline
	margin       binance.AccountMargin
	closes       []closeCall
	closeErr     error
	oneShot      bool // clear closeErr after the first failure
	positionsErr error
}

type closeCall struct {
	symbol   string
	quantity float64
	side     binance.PositionSide
	reason   string
}

func (f *fakeClient) OpenPositions(ctx context.Context) ([]binance.FuturesPosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.positionsErr != nil {
		return nil, f.positionsErr
	}
	out := make([]binance.FuturesPosition, 0, len(f.positions))
	for _, p := range f.positions {
		if p.PositionAmt != 0 {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeClient) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prices[symbol], nil
}

func (f *fakeClient) Klines(ctx context.Context, symbol, interval string, limit int) ([]binance.Kline, error) {
	return f.klines, nil
}

func (f *fakeClient) ClosePosition(ctx context.Context, symbol string, quantity float64, side binance.PositionSide, reason string) (*binance.CloseResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closeErr != nil {
		err := f.closeErr
		if f.oneShot {
			f.closeErr = nil
		}
		return nil, err
	}

	f.closes = append(f.closes, closeCall{symbol, quantity, side, reason})

	if p, ok := f.positions[symbol]; ok {
		if p.PositionAmt > 0 {
			p.PositionAmt -= quantity
		} else {
			p.PositionAmt += quantity
		}
		if math.Abs(p.PositionAmt) < 1e-9 {
			p.PositionAmt = 0
		}
		f.positions[symbol] = p
	}

	return &binance.CloseResult{
		Symbol:      symbol,
		OrderID:     int64(len(f.closes)),
		Requested:   quantity,
		ExecutedQty: quantity,
		AvgPrice:    f.prices[symbol],
	}, nil
}

func (f *fakeClient) AccountMargin(ctx context.Context) (*binance.AccountMargin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.margin
	return &m, nil
}

func (f *fakeClient) SymbolFilters(ctx context.Context, symbol string) (*binance.SymbolFilters, error) {
	return &binance.SymbolFilters{Symbol: symbol, MinQty: 0.001, StepSize: 0.001}, nil
}

func (f *fakeClient) closeCalls() []closeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]closeCall, len(f.closes))
	copy(out, f.closes)
	return out
}

func (f *fakeClient) setPrice(symbol string, price float64) {
	f.mu.Lock()
	f.prices[symbol] = price
	f.mu.Unlock()
}

func (f *fakeClient) dropPosition(symbol string) {
	f.mu.Lock()
	delete(f.positions, symbol)
	f.mu.Unlock()
}

var _ binance.FuturesClient = (*fakeClient)(nil)

// flatKlines yields candles with a constant true range of 3 around 300,
// giving ATR 3.
func flatKlines(n int) []binance.Kline {
	klines := make([]binance.Kline, n)
	for i := range klines {
		klines[i] = binance.Kline{Open: 300, High: 301.5, Low: 298.5, Close: 300}
	}
	return klines
}

func testConfig() *config.Config {
	return &config.Config{
		ExchangeConfig: config.ExchangeConfig{
			CandleInterval: "15m",
			CandleLimit:    50,
		},
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
		SchedulerConfig: config.SchedulerConfig{
			DetectInterval: 30 * time.Second,
			LevelInterval:  10 * time.Second,
			MarginInterval: time.Minute,
			ReportInterval: 6 * time.Hour,
			ShutdownGrace:  time.Second,
		},
		Symbols: []string{"BNBUSDT", "ETHUSDT"},
	}
}

func newTestManager(t *testing.T, client *fakeClient) *Manager {
	t.Helper()
	notifier := notification.NewNotifier(nil, 100, 1, 0, zerolog.Nop())
	return New(testConfig(), client, notifier, nil, zerolog.Nop())
}

func newFake() *fakeClient {
	return &fakeClient{
		positions: map[string]binance.FuturesPosition{
			"BNBUSDT": {Symbol: "BNBUSDT", PositionAmt: 10, EntryPrice: 300, MarkPrice: 300, Leverage: 10},
		},
		prices: map[string]float64{"BNBUSDT": 300},
		klines: flatKlines(30),
		margin: binance.AccountMargin{MarginBalance: 1000, AvailableBalance: 900, MarginRatio: 0.1},
	}
}

func TestSyncAdoptsPosition(t *testing.T) {
	client := newFake()
	m := newTestManager(t, client)

	if err := m.sync(context.Background()); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	pos, ok := m.store.Get("BNBUSDT")
	if !ok {
		t.Fatal("position not adopted")
	}
	if pos.QuantityAtDetection != 10 {
		t.Errorf("expected detection quantity 10, got %v", pos.QuantityAtDetection)
	}
	// ATR 3 gives a volatility stop at 295.5 after the minimum-loss clamp.
	if math.Abs(pos.Stops.FullStop-295.5) > 1e-9 {
		t.Errorf("expected full stop 295.5, got %v", pos.Stops.FullStop)
	}
	if math.Abs(pos.Stops.PartialStop-298.2) > 1e-9 {
		t.Errorf("expected partial stop 298.2, got %v", pos.Stops.PartialStop)
	}
	if len(pos.TakeProfits) != 3 {
		t.Errorf("expected 3 TP rungs, got %d", len(pos.TakeProfits))
	}
	if m.stats.Snapshot().TotalManaged != 1 {
		t.Error("detection counter not incremented")
	}
}

func TestSyncIgnoresUnlistedSymbols(t *testing.T) {
	client := newFake()
	client.positions["DOGEUSDT"] = binance.FuturesPosition{
		Symbol: "DOGEUSDT", PositionAmt: 100, EntryPrice: 0.1, MarkPrice: 0.1,
	}
	m := newTestManager(t, client)

	if err := m.sync(context.Background()); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if m.store.Has("DOGEUSDT") {
		t.Error("symbol outside the allow-list was adopted")
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	client := newFake()
	m := newTestManager(t, client)
	ctx := context.Background()

	m.sync(ctx)
	m.store.Update("BNBUSDT", func(p *position.Position) { p.TakeProfits[0].Hit = true })

	// Re-sync must refresh quantity without touching flags or the
	// detection quantity.
	client.mu.Lock()
	p := client.positions["BNBUSDT"]
	p.PositionAmt = 7
	client.positions["BNBUSDT"] = p
	client.mu.Unlock()

	m.sync(ctx)

	pos, _ := m.store.Get("BNBUSDT")
	if !pos.TakeProfits[0].Hit {
		t.Error("re-sync cleared a hit flag")
	}
	if pos.Quantity != 7 {
		t.Errorf("expected refreshed quantity 7, got %v", pos.Quantity)
	}
	if pos.QuantityAtDetection != 10 {
		t.Errorf("detection quantity changed: %v", pos.QuantityAtDetection)
	}
	if m.stats.Snapshot().TotalManaged != 1 {
		t.Error("re-sync double-counted the position")
	}
}

func TestPartialStopThenFullStop(t *testing.T) {
	client := newFake()
	m := newTestManager(t, client)
	ctx := context.Background()
	m.sync(ctx)

	// Price between partial (298.2) and full (295.5) stop.
	client.setPrice("BNBUSDT", 298.0)
	m.checkLevels(ctx)

	calls := client.closeCalls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 close, got %d", len(calls))
	}
	if calls[0].reason != "partial-stop" || math.Abs(calls[0].quantity-3) > 1e-9 {
		t.Errorf("unexpected partial stop call: %+v", calls[0])
	}
	pos, _ := m.store.Get("BNBUSDT")
	if !pos.Stops.PartialHit {
		t.Error("partial hit flag not set after confirmed close")
	}
	if math.Abs(pos.Quantity-7) > 1e-9 {
		t.Errorf("expected remaining 7, got %v", pos.Quantity)
	}

	// Same price again: the flag prevents a second partial close.
	m.checkLevels(ctx)
	if len(client.closeCalls()) != 1 {
		t.Error("partial stop executed twice")
	}

	// Price through the full stop empties and removes the position.
	client.setPrice("BNBUSDT", 295.0)
	m.checkLevels(ctx)

	calls = client.closeCalls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 closes, got %d", len(calls))
	}
	if calls[1].reason != "stop" || math.Abs(calls[1].quantity-7) > 1e-9 {
		t.Errorf("unexpected full stop call: %+v", calls[1])
	}
	if m.store.Has("BNBUSDT") {
		t.Error("position still tracked after full stop")
	}

	stats := m.stats.Snapshot()
	if stats.TotalPartialStops != 1 || stats.TotalStopLosses != 1 {
		t.Errorf("unexpected counters: %+v", stats)
	}
	if stats.Losing != 1 || stats.Winning != 0 {
		t.Errorf("stop-out must count as a losing trade: %+v", stats)
	}
}

func TestTakeProfitLadderExecution(t *testing.T) {
	client := newFake()
	m := newTestManager(t, client)
	ctx := context.Background()
	m.sync(ctx)

	// TP1 at 300.75.
	client.setPrice("BNBUSDT", 300.80)
	m.checkLevels(ctx)

	calls := client.closeCalls()
	if len(calls) != 1 || calls[0].reason != "tp1" || math.Abs(calls[0].quantity-5) > 1e-9 {
		t.Fatalf("unexpected TP1 execution: %+v", calls)
	}

	// Price retreats below the target: the hit flag keeps TP1 closed.
	client.setPrice("BNBUSDT", 300.0)
	m.checkLevels(ctx)
	if len(client.closeCalls()) != 1 {
		t.Error("TP1 re-fired after the price retreated")
	}

	// TP2 at 300.90.
	client.setPrice("BNBUSDT", 300.95)
	m.checkLevels(ctx)
	calls = client.closeCalls()
	if len(calls) != 2 || calls[1].reason != "tp2" || math.Abs(calls[1].quantity-3) > 1e-9 {
		t.Fatalf("unexpected TP2 execution: %+v", calls)
	}

	pos, _ := m.store.Get("BNBUSDT")
	if math.Abs(pos.Quantity-2) > 1e-9 {
		t.Errorf("expected remaining 2, got %v", pos.Quantity)
	}

	// TP3 at 301.05 empties the position and counts a winning trade.
	client.setPrice("BNBUSDT", 301.10)
	m.checkLevels(ctx)
	calls = client.closeCalls()
	if len(calls) != 3 || calls[2].reason != "tp3" || math.Abs(calls[2].quantity-2) > 1e-9 {
		t.Fatalf("unexpected TP3 execution: %+v", calls)
	}
	if m.store.Has("BNBUSDT") {
		t.Error("position still tracked after the full ladder")
	}
	stats := m.stats.Snapshot()
	if stats.Winning != 1 || stats.TotalTakeProfits != 3 {
		t.Errorf("unexpected counters after ladder: %+v", stats)
	}
}

func TestTransientFailureLeavesFlagsUnset(t *testing.T) {
	client := newFake()
	client.closeErr = &binance.APIError{Status: 503}
	client.oneShot = true
	m := newTestManager(t, client)
	ctx := context.Background()
	m.sync(ctx)

	client.setPrice("BNBUSDT", 298.0)
	m.checkLevels(ctx)

	pos, _ := m.store.Get("BNBUSDT")
	if pos.Stops.PartialHit {
		t.Error("hit flag set although the close failed")
	}
	if pos.Quantity != 10 {
		t.Errorf("quantity changed on failed close: %v", pos.Quantity)
	}

	// Next tick retries and succeeds.
	m.checkLevels(ctx)
	pos, _ = m.store.Get("BNBUSDT")
	if !pos.Stops.PartialHit {
		t.Error("partial stop not executed on retry")
	}
}

func TestTwoStrikeRemoval(t *testing.T) {
	client := newFake()
	m := newTestManager(t, client)
	ctx := context.Background()
	m.sync(ctx)

	client.dropPosition("BNBUSDT")

	// First miss keeps the position.
	m.sync(ctx)
	if !m.store.Has("BNBUSDT") {
		t.Fatal("position removed after a single miss")
	}

	// Second consecutive miss removes it.
	m.sync(ctx)
	if m.store.Has("BNBUSDT") {
		t.Error("position not removed after two misses")
	}
}

func TestMissingStrikeResetsOnReappearance(t *testing.T) {
	client := newFake()
	m := newTestManager(t, client)
	ctx := context.Background()
	m.sync(ctx)

	saved := client.positions["BNBUSDT"]
	client.dropPosition("BNBUSDT")
	m.sync(ctx)

	client.mu.Lock()
	client.positions["BNBUSDT"] = saved
	client.mu.Unlock()
	m.sync(ctx)

	client.dropPosition("BNBUSDT")
	m.sync(ctx)
	if !m.store.Has("BNBUSDT") {
		t.Error("strike counter was not reset by reappearance")
	}
}

func TestMarginDeriskHalvesOnce(t *testing.T) {
	client := newFake()
	m := newTestManager(t, client)
	ctx := context.Background()
	m.sync(ctx)

	client.mu.Lock()
	client.margin.MarginRatio = 0.90
	client.mu.Unlock()

	m.checkMargin(ctx)
	calls := client.closeCalls()
	if len(calls) != 1 || calls[0].reason != "derisk" || math.Abs(calls[0].quantity-5) > 1e-9 {
		t.Fatalf("expected one halving close, got %+v", calls)
	}

	// Still above the threshold: the latch prevents another halving.
	m.checkMargin(ctx)
	if len(client.closeCalls()) != 1 {
		t.Error("de-risk fired twice in one breach episode")
	}

	// Ratio recovering below the warning level resets the latch.
	client.mu.Lock()
	client.margin.MarginRatio = 0.50
	client.mu.Unlock()
	m.checkMargin(ctx)

	client.mu.Lock()
	client.margin.MarginRatio = 0.90
	client.mu.Unlock()
	m.checkMargin(ctx)
	if len(client.closeCalls()) != 2 {
		t.Error("de-risk did not re-arm after recovery")
	}
}

func TestForceClose(t *testing.T) {
	client := newFake()
	m := newTestManager(t, client)
	ctx := context.Background()
	m.sync(ctx)

	result, err := m.ForceClose(ctx, "BNBUSDT")
	if err != nil {
		t.Fatalf("force close failed: %v", err)
	}
	if result.ExecutedQty != 10 {
		t.Errorf("expected full quantity closed, got %v", result.ExecutedQty)
	}
	if m.store.Has("BNBUSDT") {
		t.Error("position still tracked after force close")
	}

	if _, err := m.ForceClose(ctx, "ETHUSDT"); err != ErrNotManaged {
		t.Errorf("expected ErrNotManaged, got %v", err)
	}
}

func TestTechnicalRefreshMovesStops(t *testing.T) {
	client := newFake()
	m := newTestManager(t, client)
	ctx := context.Background()
	m.sync(ctx)

	pos, _ := m.store.Get("BNBUSDT")
	if math.Abs(pos.Stops.FullStop-295.5) > 1e-9 {
		t.Fatalf("unexpected initial stop %v", pos.Stops.FullStop)
	}

	// Age the snapshot past the TTL and widen the candles so the
	// support stop wins over the minimum-loss clamp.
	m.store.Update("BNBUSDT", func(p *position.Position) {
		p.Technical.Ts = time.Now().Add(-2 * time.Hour)
	})
	wide := make([]binance.Kline, 30)
	for i := range wide {
		wide[i] = binance.Kline{Open: 300, High: 305, Low: 290, Close: 300}
	}
	client.mu.Lock()
	client.klines = wide
	client.mu.Unlock()

	m.checkLevels(ctx)

	pos, _ = m.store.Get("BNBUSDT")
	// Support 290 gives 290*0.999 = 289.71, inside the clamp band.
	if math.Abs(pos.Stops.FullStop-289.71) > 1e-9 {
		t.Errorf("expected refreshed stop 289.71, got %v", pos.Stops.FullStop)
	}
	if math.Abs(pos.Stops.PartialStop-295.884) > 1e-9 {
		t.Errorf("expected refreshed partial stop 295.884, got %v", pos.Stops.PartialStop)
	}
}

func TestStartSurfacesInitialSyncFailure(t *testing.T) {
	client := newFake()
	client.positionsErr = errors.New("dial tcp: connection refused")
	m := newTestManager(t, client)

	if err := m.Start(context.Background()); err == nil {
		t.Fatal("expected startup error when the exchange is unreachable")
	}
	if m.Running() {
		t.Error("manager reported running after failed startup")
	}
}

func TestRepeatedPermanentErrorUnmanagesSymbol(t *testing.T) {
	client := newFake()
	client.closeErr = &binance.APIError{Status: 400, Code: -1121, Message: "Invalid symbol."}
	m := newTestManager(t, client)
	ctx := context.Background()
	m.sync(ctx)

	client.setPrice("BNBUSDT", 298.0)

	// First rejection keeps the symbol under management.
	m.checkLevels(ctx)
	if !m.store.Has("BNBUSDT") {
		t.Fatal("symbol dropped after a single permanent error")
	}

	// Second consecutive rejection drops it.
	m.checkLevels(ctx)
	if m.store.Has("BNBUSDT") {
		t.Error("symbol still managed after repeated permanent errors")
	}
}

func TestBelowMinimumSkipsWithoutFlag(t *testing.T) {
	client := newFake()
	client.closeErr = binance.ErrQuantityBelowMinimum
	m := newTestManager(t, client)
	ctx := context.Background()
	m.sync(ctx)

	client.setPrice("BNBUSDT", 298.0)
	m.checkLevels(ctx)

	pos, _ := m.store.Get("BNBUSDT")
	if pos.Stops.PartialHit {
		t.Error("hit flag set for a skipped below-minimum close")
	}
	if !m.store.Has("BNBUSDT") {
		t.Error("position dropped on a skipped close")
	}
}
