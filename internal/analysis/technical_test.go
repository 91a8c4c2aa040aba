package analysis

import (
	"math"
	"testing"
	"time"

	"github.com/yazbekw/mon/internal/binance"
)

func makeKlines(n int, base float64) []binance.Kline {
	klines := make([]binance.Kline, n)
	for i := 0; i < n; i++ {
		klines[i] = binance.Kline{
			Open:  base,
			High:  base + 1,
			Low:   base - 1,
			Close: base,
		}
	}
	return klines
}

func TestCalculateATRFallbackBelowSample(t *testing.T) {
	// Exactly period candles is one short of a usable sample.
	klines := makeKlines(14, 100)

	atr := CalculateATR(klines, 14)
	want := 100 * 0.01
	if math.Abs(atr-want) > 1e-9 {
		t.Errorf("expected fallback ATR %.4f, got %.4f", want, atr)
	}
}

func TestCalculateATREmptyInput(t *testing.T) {
	if atr := CalculateATR(nil, 14); atr != 0 {
		t.Errorf("expected 0 ATR for no candles, got %.4f", atr)
	}
}

func TestCalculateATRFullSample(t *testing.T) {
	// 15 identical candles with range 2 give ATR exactly 2.
	klines := makeKlines(15, 100)

	atr := CalculateATR(klines, 14)
	if math.Abs(atr-2.0) > 1e-9 {
		t.Errorf("expected ATR 2.0, got %.4f", atr)
	}
}

func TestCalculateATRMonotoneDecline(t *testing.T) {
	klines := make([]binance.Kline, 20)
	price := 200.0
	for i := range klines {
		klines[i] = binance.Kline{Open: price, High: price, Low: price - 2, Close: price - 2}
		price -= 2
	}

	if atr := CalculateATR(klines, 14); atr <= 0 {
		t.Errorf("expected positive ATR on declining series, got %.4f", atr)
	}
}

func TestFindSupportResistanceBasic(t *testing.T) {
	klines := make([]binance.Kline, 20)
	for i := range klines {
		klines[i] = binance.Kline{High: 110, Low: 90, Close: 100}
	}
	klines[5].Low = 85
	klines[12].High = 120

	support, resistance := FindSupportResistance(klines, 20, 100)
	if support != 85 {
		t.Errorf("expected support 85, got %.2f", support)
	}
	if resistance != 120 {
		t.Errorf("expected resistance 120, got %.2f", resistance)
	}
}

func TestFindSupportResistanceWidensOnBreakout(t *testing.T) {
	klines := make([]binance.Kline, 20)
	for i := range klines {
		klines[i] = binance.Kline{High: 110, Low: 90, Close: 100}
	}

	// Price below the band pushes support to price * 0.995.
	support, _ := FindSupportResistance(klines, 20, 80)
	want := 80 * 0.995
	if math.Abs(support-want) > 1e-9 {
		t.Errorf("expected widened support %.4f, got %.4f", want, support)
	}

	// Price above the band pushes resistance to price * 1.005.
	_, resistance := FindSupportResistance(klines, 20, 130)
	want = 130 * 1.005
	if math.Abs(resistance-want) > 1e-9 {
		t.Errorf("expected widened resistance %.4f, got %.4f", want, resistance)
	}
}

func TestFindSupportResistanceShortHistory(t *testing.T) {
	klines := makeKlines(5, 100)

	support, resistance := FindSupportResistance(klines, 20, 100)
	if support != 99 || resistance != 101 {
		t.Errorf("expected band [99,101] from short history, got [%.2f,%.2f]", support, resistance)
	}
}

func TestComputeLevelsFreshness(t *testing.T) {
	klines := makeKlines(30, 100)

	tech := ComputeLevels(klines, 14, 20, 100)
	if !tech.Fresh(time.Minute) {
		t.Error("freshly computed levels should be fresh")
	}

	tech.Ts = time.Now().Add(-2 * time.Hour)
	if tech.Fresh(time.Hour) {
		t.Error("levels older than the TTL should not be fresh")
	}
}
