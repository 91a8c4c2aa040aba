package analysis

import (
	"math"
	"time"

	"github.com/yazbekw/mon/internal/binance"
)

// TechnicalLevels is one snapshot of the indicators the risk engine
// consumes. Ts marks when the snapshot was computed so callers can apply
// a freshness TTL.
type TechnicalLevels struct {
	ATR        float64   `json:"atr"`
	Support    float64   `json:"support"`
	Resistance float64   `json:"resistance"`
	Ts         time.Time `json:"ts"`
}

// CalculateATR computes the Average True Range as the simple mean of the
// last period true ranges. With fewer than period+1 candles the sample is
// too short for a true range, so it falls back to 1% of the latest close
// (or 0 with no candles at all).
func CalculateATR(klines []binance.Kline, period int) float64 {
	if len(klines) < period+1 {
		if len(klines) == 0 {
			return 0
		}
		return klines[len(klines)-1].Close * 0.01
	}

	trSum := 0.0
	startIdx := len(klines) - period

	for i := startIdx; i < len(klines); i++ {
		high := klines[i].High
		low := klines[i].Low
		prevClose := klines[i-1].Close

		tr := math.Max(
			high-low,
			math.Max(
				math.Abs(high-prevClose),
				math.Abs(low-prevClose),
			),
		)

		trSum += tr
	}

	return trSum / float64(period)
}

// FindSupportResistance returns the lowest low and highest high over the
// last lookback candles. When the current price has already broken out of
// that band, the breached bound is widened by 0.5% so the band always
// brackets the price.
func FindSupportResistance(klines []binance.Kline, lookback int, currentPrice float64) (support float64, resistance float64) {
	if len(klines) == 0 {
		return 0, 0
	}
	if len(klines) < lookback {
		lookback = len(klines)
	}

	startIdx := len(klines) - lookback
	resistance = klines[startIdx].High
	support = klines[startIdx].Low

	for i := startIdx; i < len(klines); i++ {
		if klines[i].High > resistance {
			resistance = klines[i].High
		}
		if klines[i].Low < support {
			support = klines[i].Low
		}
	}

	if currentPrice < support {
		support = currentPrice * 0.995
	}
	if currentPrice > resistance {
		resistance = currentPrice * 1.005
	}

	return support, resistance
}

// ComputeLevels bundles ATR and support/resistance into one snapshot.
func ComputeLevels(klines []binance.Kline, atrPeriod, srLookback int, currentPrice float64) TechnicalLevels {
	support, resistance := FindSupportResistance(klines, srLookback, currentPrice)
	return TechnicalLevels{
		ATR:        CalculateATR(klines, atrPeriod),
		Support:    support,
		Resistance: resistance,
		Ts:         time.Now(),
	}
}

// Fresh reports whether the snapshot is younger than ttl.
func (t TechnicalLevels) Fresh(ttl time.Duration) bool {
	return !t.Ts.IsZero() && time.Since(t.Ts) <= ttl
}
