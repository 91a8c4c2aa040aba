package position

import (
	"time"

	"github.com/yazbekw/mon/internal/analysis"
	"github.com/yazbekw/mon/internal/binance"
)

// TakeProfit is one rung of a position's take-profit ladder. Hit is
// monotonic: once true it never reverts, even if the price later retreats
// below the target.
type TakeProfit struct {
	Target        float64 `json:"target"`         // trigger price
	CloseFraction float64 `json:"close_fraction"` // fraction of QuantityAtDetection to close
	Hit           bool    `json:"hit"`
}

// StopLevels is the protective envelope of a position. PartialHit is
// monotonic like a take-profit flag.
type StopLevels struct {
	FullStop    float64 `json:"full_stop"`
	PartialStop float64 `json:"partial_stop"`
	PartialHit  bool    `json:"partial_hit"`
}

// Position is one managed exchange position plus the protective state
// attached to it. Quantity tracks what is still open on the exchange;
// QuantityAtDetection is frozen at first sight and all close fractions
// are computed against it.
type Position struct {
	Symbol              string                   `json:"symbol"`
	Side                binance.PositionSide     `json:"side"`
	EntryPrice          float64                  `json:"entry_price"`
	Quantity            float64                  `json:"quantity"`
	QuantityAtDetection float64                  `json:"quantity_at_detection"`
	Leverage            int                      `json:"leverage"`
	CurrentPrice        float64                  `json:"current_price"`
	UnrealizedPnL       float64                  `json:"unrealized_pnl"`
	PnLPercent          float64                  `json:"pnl_percent"`
	RealizedPnL         float64                  `json:"realized_pnl"`
	Stops               StopLevels               `json:"stops"`
	TakeProfits         []TakeProfit             `json:"take_profits"`
	Technical           analysis.TechnicalLevels `json:"technical"`
	DetectedAt          time.Time                `json:"detected_at"`
	UpdatedAt           time.Time                `json:"updated_at"`

	// MissingCount counts consecutive detect passes where the exchange no
	// longer reports the position. Removal needs two strikes so a single
	// inconsistent snapshot does not drop tracked state.
	MissingCount int `json:"-"`
}

// RemainingFraction is the share of the detected quantity still open.
func (p *Position) RemainingFraction() float64 {
	if p.QuantityAtDetection <= 0 {
		return 0
	}
	return p.Quantity / p.QuantityAtDetection
}

// IsDust reports whether the remainder is below the dust fraction and the
// position should be treated as fully closed.
func (p *Position) IsDust(dustFraction float64) bool {
	return p.RemainingFraction() <= dustFraction
}

// AllTakeProfitsHit reports whether every ladder rung has fired.
func (p *Position) AllTakeProfitsHit() bool {
	for _, tp := range p.TakeProfits {
		if !tp.Hit {
			return false
		}
	}
	return len(p.TakeProfits) > 0
}

// UpdatePnL recomputes the unrealized PnL from a fresh price.
func (p *Position) UpdatePnL(price float64) {
	p.CurrentPrice = price
	if p.EntryPrice <= 0 || p.Quantity <= 0 {
		p.UnrealizedPnL = 0
		p.PnLPercent = 0
		return
	}
	if p.Side == binance.PositionSideLong {
		p.UnrealizedPnL = (price - p.EntryPrice) * p.Quantity
		p.PnLPercent = (price - p.EntryPrice) / p.EntryPrice * 100
	} else {
		p.UnrealizedPnL = (p.EntryPrice - price) * p.Quantity
		p.PnLPercent = (p.EntryPrice - price) / p.EntryPrice * 100
	}
}

// Clone returns a deep copy so snapshots never alias stored state.
func (p *Position) Clone() *Position {
	cp := *p
	cp.TakeProfits = make([]TakeProfit, len(p.TakeProfits))
	copy(cp.TakeProfits, p.TakeProfits)
	return &cp
}
