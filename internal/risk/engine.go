package risk

import (
	"fmt"
	"math"

	"github.com/yazbekw/mon/config"
	"github.com/yazbekw/mon/internal/analysis"
	"github.com/yazbekw/mon/internal/binance"
	"github.com/yazbekw/mon/internal/position"
)

// ActionType classifies a protective close decision.
type ActionType string

const (
	ActionFullStop    ActionType = "FULL_STOP"
	ActionPartialStop ActionType = "PARTIAL_STOP"
	ActionTakeProfit  ActionType = "TAKE_PROFIT"
	ActionCompletion  ActionType = "COMPLETION" // residue close after the last TP
	ActionDerisk      ActionType = "DERISK"     // margin-guard halving
)

// Action is one close the manager should execute. Quantity is already
// clamped to what the engine believes is still open; the adapter clamps
// again against the exchange. Full actions end the position's management.
type Action struct {
	Type     ActionType
	Symbol   string
	Quantity float64
	Price    float64 // trigger price at evaluation time
	TPIndex  int     // ladder index for ActionTakeProfit, -1 otherwise
	Full     bool
}

// Reason is the tag carried into client order IDs and notifications.
func (a Action) Reason() string {
	if a.Type == ActionTakeProfit {
		return fmt.Sprintf("tp%d", a.TPIndex+1)
	}
	switch a.Type {
	case ActionFullStop:
		return "stop"
	case ActionPartialStop:
		return "partial-stop"
	case ActionCompletion:
		return "completion"
	case ActionDerisk:
		return "derisk"
	}
	return "close"
}

// Engine derives protective levels and close decisions. It is pure: no
// I/O, no clock, no stored state beyond its configuration.
type Engine struct {
	cfg config.RiskConfig
}

// NewEngine creates an engine with the given risk settings.
func NewEngine(cfg config.RiskConfig) *Engine {
	return &Engine{cfg: cfg}
}

// StopLevels builds the protective stop envelope for a position.
//
// The base stop sits at the stronger of the structural level (support or
// resistance, nudged 0.1% past it) and the volatility level (current
// price minus ATR times the multiplier). The result is then clamped so
// the implied loss stays between the configured minimum and maximum.
func (e *Engine) StopLevels(entry float64, side binance.PositionSide, current float64, tech analysis.TechnicalLevels) position.StopLevels {
	var full float64
	if side == binance.PositionSideLong {
		base := math.Max(tech.Support*0.999, current-tech.ATR*e.cfg.VolatilityMultiplier)
		lo := entry * (1 - e.cfg.MaxStopLoss)
		hi := entry * (1 - e.cfg.MinStopLoss)
		full = math.Min(math.Max(base, lo), hi)
	} else {
		base := math.Min(tech.Resistance*1.001, current+tech.ATR*e.cfg.VolatilityMultiplier)
		lo := entry * (1 + e.cfg.MinStopLoss)
		hi := entry * (1 + e.cfg.MaxStopLoss)
		full = math.Max(math.Min(base, hi), lo)
	}

	// The partial stop sits at PartialTrigger of the way from entry to
	// the full stop.
	partial := entry + (full-entry)*e.cfg.PartialTrigger

	return position.StopLevels{FullStop: full, PartialStop: partial}
}

// TakeProfitLadder builds the TP rungs off the entry price. With
// volatility scaling enabled the profit targets widen in proportion to
// ATR relative to price, capped at twice the configured distance.
func (e *Engine) TakeProfitLadder(entry float64, side binance.PositionSide, tech analysis.TechnicalLevels) []position.TakeProfit {
	scale := 1.0
	if e.cfg.TPVolatilityScaling && entry > 0 && tech.ATR > 0 {
		scale = math.Min(math.Max((tech.ATR/entry)/0.0025, 1.0), 2.0)
	}

	ladder := make([]position.TakeProfit, len(e.cfg.TakeProfitLevels))
	for i, lvl := range e.cfg.TakeProfitLevels {
		profit := lvl.Profit * scale
		target := entry * (1 + profit)
		if side == binance.PositionSideShort {
			target = entry * (1 - profit)
		}
		ladder[i] = position.TakeProfit{Target: target, CloseFraction: lvl.Close}
	}
	return ladder
}

// Evaluate decides which closes the current price demands, in execution
// order. A triggered full stop preempts everything else. Partial stop and
// take-profit quantities are fractions of the quantity at detection,
// clamped to what remains; several rungs can fire in one pass after a
// price gap. When the last rung leaves a residue above dust it is swept
// by a completion close.
func (e *Engine) Evaluate(pos *position.Position, price float64) []Action {
	if pos.Quantity <= 0 {
		return nil
	}

	if e.stopTriggered(pos, price, pos.Stops.FullStop) {
		return []Action{{
			Type:     ActionFullStop,
			Symbol:   pos.Symbol,
			Quantity: pos.Quantity,
			Price:    price,
			TPIndex:  -1,
			Full:     true,
		}}
	}

	var actions []Action
	remaining := pos.Quantity

	if !pos.Stops.PartialHit && e.stopTriggered(pos, price, pos.Stops.PartialStop) {
		qty := math.Min(pos.QuantityAtDetection*e.cfg.PartialStopFraction, remaining)
		if qty > 0 {
			actions = append(actions, Action{
				Type:     ActionPartialStop,
				Symbol:   pos.Symbol,
				Quantity: qty,
				Price:    price,
				TPIndex:  -1,
			})
			remaining -= qty
		}
	}

	allHit := true
	for i, tp := range pos.TakeProfits {
		if tp.Hit {
			continue
		}
		if !e.tpTriggered(pos, price, tp.Target) {
			allHit = false
			continue
		}
		qty := math.Min(pos.QuantityAtDetection*tp.CloseFraction, remaining)
		if qty <= 0 {
			continue
		}
		actions = append(actions, Action{
			Type:     ActionTakeProfit,
			Symbol:   pos.Symbol,
			Quantity: qty,
			Price:    price,
			TPIndex:  i,
		})
		remaining -= qty
	}

	// Residue sweep once the whole ladder has fired.
	if allHit && len(pos.TakeProfits) > 0 && remaining > 0 &&
		remaining > pos.QuantityAtDetection*e.cfg.DustFraction {
		actions = append(actions, Action{
			Type:     ActionCompletion,
			Symbol:   pos.Symbol,
			Quantity: remaining,
			Price:    price,
			TPIndex:  -1,
			Full:     true,
		})
		remaining = 0
	}

	// Mark the last action full when it empties the position.
	if len(actions) > 0 && remaining <= 0 {
		actions[len(actions)-1].Full = true
	}

	return actions
}

// stopTriggered uses <= / >= so an exact touch fires.
func (e *Engine) stopTriggered(pos *position.Position, price, level float64) bool {
	if pos.Side == binance.PositionSideLong {
		return price <= level
	}
	return price >= level
}

func (e *Engine) tpTriggered(pos *position.Position, price, target float64) bool {
	if pos.Side == binance.PositionSideLong {
		return price >= target
	}
	return price <= target
}

// ProgressToStop reports how far the price has travelled from entry
// toward the full stop, as a percentage. 0 at entry, 100 at the stop,
// negative when the position is in profit.
func ProgressToStop(pos *position.Position, price float64) float64 {
	dist := pos.EntryPrice - pos.Stops.FullStop
	if pos.Side == binance.PositionSideShort {
		dist = pos.Stops.FullStop - pos.EntryPrice
	}
	if dist == 0 {
		return 0
	}
	travelled := pos.EntryPrice - price
	if pos.Side == binance.PositionSideShort {
		travelled = price - pos.EntryPrice
	}
	return travelled / dist * 100
}
