package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/yazbekw/mon/config"
	"github.com/yazbekw/mon/internal/analysis"
	"github.com/yazbekw/mon/internal/binance"
	"github.com/yazbekw/mon/internal/notification"
	"github.com/yazbekw/mon/internal/position"
	"github.com/yazbekw/mon/internal/risk"
)

// missingStrikes is how many consecutive detect passes must miss a
// symbol before it is treated as externally closed.
const missingStrikes = 2

// fillThreshold is the executed/requested ratio above which a close
// counts as filled and its hit flag may be set.
const fillThreshold = 0.95

// Manager owns the managed-position lifecycle: it detects open positions,
// attaches protective levels, executes closes when levels are touched,
// and guards account margin. It is the only writer of the position store.
type Manager struct {
	cfg      *config.Config
	client   binance.FuturesClient
	engine   *risk.Engine
	store    *position.Store
	stats    *position.Stats
	notifier *notification.Notifier
	stream   *binance.MarkPriceStream
	logger   zerolog.Logger

	allowed map[string]bool

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	inFlightMu sync.Mutex
	inFlight   map[string]bool

	permMu     sync.Mutex
	permErrors map[string]int

	// Margin-guard latches, touched only by the margin loop.
	deriskLatched bool
	warnLatched   bool
}

// New wires a manager. stream may be nil when the price stream is off.
func New(cfg *config.Config, client binance.FuturesClient, notifier *notification.Notifier,
	stream *binance.MarkPriceStream, logger zerolog.Logger) *Manager {

	allowed := make(map[string]bool, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		allowed[sym] = true
	}

	return &Manager{
		cfg:        cfg,
		client:     client,
		engine:     risk.NewEngine(cfg.RiskConfig),
		store:      position.NewStore(),
		stats:      position.NewStats(),
		notifier:   notifier,
		stream:     stream,
		logger:     logger,
		allowed:    allowed,
		inFlight:   make(map[string]bool),
		permErrors: make(map[string]int),
	}
}

// Start runs the initial sync and launches the periodic loops. A failed
// first exchange call aborts startup and is returned so the caller can
// exit; once the loops are running, sync failures are retried on the
// detect schedule instead.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	if err := m.sync(runCtx); err != nil {
		cancel()
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		return fmt.Errorf("initial sync: %w", err)
	}

	if m.stream != nil {
		m.stream.Start()
	}

	sched := m.cfg.SchedulerConfig
	m.wg.Add(4)
	go m.loop(runCtx, "detect", sched.DetectInterval, func(c context.Context) {
		if err := m.sync(c); err != nil {
			m.logger.Error().Err(err).Msg("position sync failed")
		}
	})
	go m.loop(runCtx, "level_check", sched.LevelInterval, m.checkLevels)
	go m.loop(runCtx, "margin_check", sched.MarginInterval, m.checkMargin)
	go m.loop(runCtx, "report", sched.ReportInterval, m.report)

	m.logger.Info().
		Int("positions", m.store.Len()).
		Strs("symbols", m.cfg.Symbols).
		Msg("trade manager started")
	return nil
}

// Stop cancels the loops and waits up to the shutdown grace for
// in-flight work to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	if m.stream != nil {
		m.stream.Stop()
	}

	finished := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		m.logger.Info().Msg("trade manager stopped")
	case <-time.After(m.cfg.SchedulerConfig.ShutdownGrace):
		m.logger.Warn().Msg("trade manager shutdown grace expired")
	}
}

// Running reports whether the loops are active.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Store exposes the position store for read-only snapshot consumers.
func (m *Manager) Store() *position.Store { return m.store }

// Stats returns the current performance counters.
func (m *Manager) Stats() position.StatsSnapshot { return m.stats.Snapshot() }

// StreamStats reports price-stream health, nil when the stream is off.
func (m *Manager) StreamStats() map[string]interface{} {
	if m.stream == nil {
		return nil
	}
	return m.stream.Stats()
}

func (m *Manager) loop(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Debug().Str("loop", name).Dur("interval", interval).Msg("loop started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Debug().Str("loop", name).Msg("loop stopped")
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// ==================== DETECTION ====================

// sync reconciles the store with the exchange: adopts new positions,
// refreshes tracked ones, and removes symbols the exchange no longer
// reports (after two consecutive misses).
func (m *Manager) sync(ctx context.Context) error {
	open, err := m.client.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	seen := make(map[string]bool, len(open))
	for _, p := range open {
		if !m.allowed[p.Symbol] {
			continue
		}
		seen[p.Symbol] = true

		if m.store.Has(p.Symbol) {
			exchQty := p.Quantity()
			markPrice := p.MarkPrice
			m.store.Update(p.Symbol, func(pos *position.Position) {
				pos.Quantity = exchQty
				pos.Leverage = p.Leverage
				pos.MissingCount = 0
				if markPrice > 0 {
					pos.UpdatePnL(markPrice)
				}
			})
			continue
		}

		if err := m.adopt(ctx, p); err != nil {
			m.logger.Error().Err(err).Str("symbol", p.Symbol).Msg("position adoption failed")
		}
	}

	// Two-strike removal of symbols the exchange stopped reporting.
	for _, sym := range m.store.Symbols() {
		if seen[sym] || m.isInFlight(sym) {
			continue
		}
		strikes := 0
		m.store.Update(sym, func(pos *position.Position) {
			pos.MissingCount++
			strikes = pos.MissingCount
		})
		if strikes >= missingStrikes {
			if _, ok := m.store.Remove(sym); ok {
				m.logger.Info().Str("symbol", sym).Msg("position closed externally, removed")
				m.notifier.NotifyExternalClose(sym)
			}
		}
	}

	m.stats.SyncCompleted()
	return nil
}

// adopt attaches protective levels to a newly seen exchange position.
func (m *Manager) adopt(ctx context.Context, p binance.FuturesPosition) error {
	price := p.MarkPrice
	if price <= 0 {
		var err error
		price, err = m.client.CurrentPrice(ctx, p.Symbol)
		if err != nil {
			return fmt.Errorf("adopt %s: %w", p.Symbol, err)
		}
	}

	// A failed candle fetch must not leave the position unprotected. With
	// zero technicals the stop clamp lands on the minimum-loss bound.
	tech, err := m.computeTechnical(ctx, p.Symbol, price)
	if err != nil {
		m.logger.Warn().Err(err).Str("symbol", p.Symbol).
			Msg("technical levels unavailable, using minimum-loss stop")
		tech = analysis.TechnicalLevels{}
	}

	side := p.Side()
	qty := p.Quantity()
	pos := &position.Position{
		Symbol:              p.Symbol,
		Side:                side,
		EntryPrice:          p.EntryPrice,
		Quantity:            qty,
		QuantityAtDetection: qty,
		Leverage:            p.Leverage,
		Stops:               m.engine.StopLevels(p.EntryPrice, side, price, tech),
		TakeProfits:         m.engine.TakeProfitLadder(p.EntryPrice, side, tech),
		Technical:           tech,
		DetectedAt:          time.Now(),
	}
	pos.UpdatePnL(price)

	m.store.Put(pos)
	m.stats.PositionDetected()
	m.logger.Info().
		Str("symbol", pos.Symbol).
		Str("side", string(side)).
		Float64("entry", pos.EntryPrice).
		Float64("qty", qty).
		Float64("stop", pos.Stops.FullStop).
		Float64("partial_stop", pos.Stops.PartialStop).
		Msg("position adopted")
	m.notifier.NotifyNewPosition(pos.Clone())
	return nil
}

func (m *Manager) computeTechnical(ctx context.Context, symbol string, price float64) (analysis.TechnicalLevels, error) {
	ex := m.cfg.ExchangeConfig
	klines, err := m.client.Klines(ctx, symbol, ex.CandleInterval, ex.CandleLimit)
	if err != nil {
		return analysis.TechnicalLevels{}, err
	}
	rc := m.cfg.RiskConfig
	return analysis.ComputeLevels(klines, rc.ATRPeriod, rc.SRLookback, price), nil
}

// ==================== LEVEL CHECK ====================

// checkLevels refreshes prices and executes whatever closes the risk
// engine demands. One failing symbol never blocks the others.
func (m *Manager) checkLevels(ctx context.Context) {
	for _, pos := range m.store.Snapshot() {
		if m.isInFlight(pos.Symbol) {
			continue
		}

		price, err := m.price(ctx, pos.Symbol)
		if err != nil {
			m.logger.Warn().Err(err).Str("symbol", pos.Symbol).Msg("price fetch failed")
			if binance.IsPermanent(err) {
				m.notePermanentError(pos.Symbol)
			}
			continue
		}

		m.store.Update(pos.Symbol, func(p *position.Position) {
			p.UpdatePnL(price)
		})
		pos.UpdatePnL(price)

		// Refresh the technical snapshot at most once per TTL and
		// re-derive the stop envelope from it. The TP ladder stays as
		// set at creation; hit flags stay monotonic because repeated
		// partial stops gate on PartialHit, not on the level itself.
		if !pos.Technical.Fresh(m.cfg.RiskConfig.TechnicalTTL) {
			if tech, err := m.computeTechnical(ctx, pos.Symbol, price); err == nil {
				stops := m.engine.StopLevels(pos.EntryPrice, pos.Side, price, tech)
				m.store.Update(pos.Symbol, func(p *position.Position) {
					p.Technical = tech
					p.Stops.FullStop = stops.FullStop
					p.Stops.PartialStop = stops.PartialStop
				})
				pos.Technical = tech
				pos.Stops.FullStop = stops.FullStop
				pos.Stops.PartialStop = stops.PartialStop
			}
		}

		actions := m.engine.Evaluate(pos, price)
		if len(actions) > 0 {
			m.execute(ctx, pos, actions)
		}
	}
}

// price prefers the streamed mark price when it is fresh, falling back
// to REST.
func (m *Manager) price(ctx context.Context, symbol string) (float64, error) {
	if m.stream != nil {
		if p, ok := m.stream.Price(symbol, m.cfg.SchedulerConfig.LevelInterval); ok {
			return p, nil
		}
	}
	return m.client.CurrentPrice(ctx, symbol)
}

// ==================== EXECUTION ====================

// execute runs a close sequence for one symbol. Hit flags are set only
// after the exchange confirms a fill of at least fillThreshold of the
// requested quantity; a transient failure aborts the sequence and the
// next tick re-evaluates from unchanged flags.
func (m *Manager) execute(ctx context.Context, pos *position.Position, actions []risk.Action) {
	if !m.setInFlight(pos.Symbol) {
		return
	}
	defer m.clearInFlight(pos.Symbol)

	for _, action := range actions {
		result, err := m.client.ClosePosition(ctx, action.Symbol, action.Quantity, pos.Side, action.Reason())
		if err != nil {
			if errors.Is(err, binance.ErrQuantityBelowMinimum) {
				m.logger.Warn().Str("symbol", action.Symbol).Str("reason", action.Reason()).
					Float64("qty", action.Quantity).Msg("close below minimum lot, skipped")
				continue
			}
			if binance.IsPermanent(err) {
				m.logger.Error().Err(err).Str("symbol", action.Symbol).Msg("close rejected")
				m.notifier.NotifyWarning("Close rejected",
					fmt.Sprintf("%s %s: %v", action.Symbol, action.Reason(), err))
				m.notePermanentError(action.Symbol)
			} else {
				m.logger.Warn().Err(err).Str("symbol", action.Symbol).Msg("close failed, will retry next tick")
			}
			return
		}

		m.applyResult(pos, action, result)

		done := false
		m.store.Update(pos.Symbol, func(p *position.Position) {
			done = p.Quantity <= 0 || p.IsDust(m.cfg.RiskConfig.DustFraction)
		})
		if action.Full || done {
			if removed, ok := m.store.Remove(pos.Symbol); ok {
				if action.Type == risk.ActionTakeProfit || action.Type == risk.ActionCompletion {
					m.stats.PositionWon()
				}
				m.logger.Info().Str("symbol", removed.Symbol).
					Float64("realized_pnl", removed.RealizedPnL).Msg("position fully closed")
			}
			return
		}
	}
}

// applyResult folds a confirmed close into the store and counters.
func (m *Manager) applyResult(pos *position.Position, action risk.Action, result *binance.CloseResult) {
	m.clearPermanentError(pos.Symbol)
	executed := result.ExecutedQty
	fillPrice := result.AvgPrice
	if fillPrice <= 0 {
		fillPrice = action.Price
	}

	pnl := (fillPrice - pos.EntryPrice) * executed
	if pos.Side == binance.PositionSideShort {
		pnl = (pos.EntryPrice - fillPrice) * executed
	}

	filled := executed >= action.Quantity*fillThreshold
	m.store.Update(pos.Symbol, func(p *position.Position) {
		p.Quantity -= executed
		if p.Quantity < 0 {
			p.Quantity = 0
		}
		p.RealizedPnL += pnl
		if filled {
			switch action.Type {
			case risk.ActionPartialStop:
				p.Stops.PartialHit = true
			case risk.ActionTakeProfit:
				if action.TPIndex >= 0 && action.TPIndex < len(p.TakeProfits) {
					p.TakeProfits[action.TPIndex].Hit = true
				}
			}
		}
	})

	switch action.Type {
	case risk.ActionFullStop:
		m.stats.FullStopExecuted(pnl)
	case risk.ActionPartialStop:
		m.stats.PartialStopExecuted(pnl)
	case risk.ActionTakeProfit, risk.ActionCompletion:
		m.stats.TakeProfitExecuted(pnl)
	default:
		m.stats.ClosePnL(pnl)
	}

	m.logger.Info().
		Str("symbol", action.Symbol).
		Str("reason", action.Reason()).
		Float64("requested", action.Quantity).
		Float64("executed", executed).
		Float64("pnl", pnl).
		Int64("order_id", result.OrderID).
		Msg("close executed")
	m.notifier.NotifyClose(pos, action.Reason(), result, pnl, action.Full)
}

// ==================== MARGIN GUARD ====================

// checkMargin warns above the warning threshold and halves every managed
// position above the de-risk threshold. Each response fires once per
// breach episode; the latches reset when the ratio falls back under the
// warning level.
func (m *Manager) checkMargin(ctx context.Context) {
	margin, err := m.client.AccountMargin(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("margin check failed")
		return
	}

	rc := m.cfg.RiskConfig
	switch {
	case margin.MarginRatio > rc.MarginDeriskThreshold:
		if !m.deriskLatched {
			m.deriskLatched = true
			m.warnLatched = true
			m.logger.Error().Float64("ratio", margin.MarginRatio).Msg("margin critical, halving positions")
			m.notifier.NotifyMarginWarning(margin, true)
			m.derisk(ctx)
		}
	case margin.MarginRatio > rc.MarginWarnThreshold:
		if !m.warnLatched {
			m.warnLatched = true
			m.logger.Warn().Float64("ratio", margin.MarginRatio).Msg("margin ratio high")
			m.notifier.NotifyMarginWarning(margin, false)
		}
	default:
		m.deriskLatched = false
		m.warnLatched = false
	}
}

// derisk halves every managed position with reduce-only closes.
func (m *Manager) derisk(ctx context.Context) {
	for _, pos := range m.store.Snapshot() {
		half := pos.Quantity / 2
		if half <= 0 {
			continue
		}
		m.execute(ctx, pos, []risk.Action{{
			Type:     risk.ActionDerisk,
			Symbol:   pos.Symbol,
			Quantity: half,
			Price:    pos.CurrentPrice,
			TPIndex:  -1,
		}})
	}
}

// ==================== REPORTING ====================

func (m *Manager) report(ctx context.Context) {
	m.notifier.NotifyReport(m.stats.Snapshot(), m.store.Snapshot())
}

// ==================== CONTROL API HOOKS ====================

// ForceSync runs one detect pass outside the schedule.
func (m *Manager) ForceSync(ctx context.Context) error {
	return m.sync(ctx)
}

// ErrNotManaged is returned by ForceClose for untracked symbols.
var ErrNotManaged = errors.New("symbol not managed")

// ForceClose closes the full remaining quantity of a managed position.
func (m *Manager) ForceClose(ctx context.Context, symbol string) (*binance.CloseResult, error) {
	pos, ok := m.store.Get(symbol)
	if !ok {
		return nil, ErrNotManaged
	}
	if !m.setInFlight(symbol) {
		return nil, fmt.Errorf("close already in progress for %s", symbol)
	}
	defer m.clearInFlight(symbol)

	result, err := m.client.ClosePosition(ctx, symbol, pos.Quantity, pos.Side, "manual")
	if err != nil {
		return nil, err
	}

	fillPrice := result.AvgPrice
	if fillPrice <= 0 {
		fillPrice = pos.CurrentPrice
	}
	pnl := (fillPrice - pos.EntryPrice) * result.ExecutedQty
	if pos.Side == binance.PositionSideShort {
		pnl = (pos.EntryPrice - fillPrice) * result.ExecutedQty
	}

	m.store.Remove(symbol)
	m.stats.ClosePnL(pnl)
	m.logger.Info().Str("symbol", symbol).Float64("pnl", pnl).Msg("position closed on request")
	m.notifier.NotifyClose(pos, "manual", result, pnl, true)
	return result, nil
}

// AccountMargin proxies the margin view for the status endpoint.
func (m *Manager) AccountMargin(ctx context.Context) (*binance.AccountMargin, error) {
	return m.client.AccountMargin(ctx)
}

// ==================== PERMANENT-ERROR STRIKES ====================

// notePermanentError counts a permanent exchange rejection for a symbol.
// A second strike without an intervening success drops the symbol from
// management; the exchange will keep rejecting it, so holding it only
// spams rejections.
func (m *Manager) notePermanentError(symbol string) {
	m.permMu.Lock()
	m.permErrors[symbol]++
	strikes := m.permErrors[symbol]
	if strikes >= missingStrikes {
		delete(m.permErrors, symbol)
	}
	m.permMu.Unlock()

	if strikes >= missingStrikes {
		if _, ok := m.store.Remove(symbol); ok {
			m.logger.Error().Str("symbol", symbol).Msg("repeated permanent errors, symbol unmanaged")
			m.notifier.NotifyWarning("Symbol unmanaged",
				fmt.Sprintf("%s removed after repeated exchange rejections", symbol))
		}
	}
}

func (m *Manager) clearPermanentError(symbol string) {
	m.permMu.Lock()
	delete(m.permErrors, symbol)
	m.permMu.Unlock()
}

// ==================== IN-FLIGHT GUARD ====================

func (m *Manager) isInFlight(symbol string) bool {
	m.inFlightMu.Lock()
	defer m.inFlightMu.Unlock()
	return m.inFlight[symbol]
}

func (m *Manager) setInFlight(symbol string) bool {
	m.inFlightMu.Lock()
	defer m.inFlightMu.Unlock()
	if m.inFlight[symbol] {
		return false
	}
	m.inFlight[symbol] = true
	return true
}

func (m *Manager) clearInFlight(symbol string) {
	m.inFlightMu.Lock()
	delete(m.inFlight, symbol)
	m.inFlightMu.Unlock()
}
