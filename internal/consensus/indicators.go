// Package consensus turns a rolling window of market ticks into a single
// digit prediction with a confidence score.
//
// The engine runs a fixed set of independent sub-strategies over the window
// and aggregates their confidence-weighted votes. All numeric thresholds and
// multipliers in this package are empirically tuned constants; they are part
// of the engine's behavioral contract and must not be re-derived.
package consensus

import (
	"math"

	"github.com/makoti942/digitbot/internal/model"
)

// quotes extracts the raw quote series as float64 values for indicator math.
// Indicator arithmetic tolerates float rounding; monetary amounts elsewhere
// stay decimal.
func quotes(ticks []model.Tick) []float64 {
	out := make([]float64, len(ticks))
	for i, t := range ticks {
		out[i] = t.Quote.InexactFloat64()
	}
	return out
}

// RSI computes the Relative Strength Index over the last period+1 quotes.
// Returns the neutral value 50 when the window is too small and 100 when
// there are no losses.
func RSI(ticks []model.Tick, period int) float64 {
	if len(ticks) < period+1 {
		return 50
	}

	prices := quotes(ticks[len(ticks)-period-1:])
	gains, losses := 0.0, 0.0
	for i := 1; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}

	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// ema folds an exponential moving average over the whole series with the
// smoothing constant of the given period.
func ema(data []float64, period int) float64 {
	k := 2.0 / float64(period+1)
	v := data[0]
	for i := 1; i < len(data); i++ {
		v = data[i]*k + v*(1-k)
	}
	return v
}

// MACD computes the MACD line as the difference of the 12- and 26-period
// EMAs folded over the last 26 quotes. The signal line collapses to the MACD
// value itself on a single-point series, so the histogram reported here is
// the MACD line; its sign is what the MACD sub-strategy consumes.
func MACD(ticks []model.Tick) (macd, histogram float64) {
	if len(ticks) < 26 {
		return 0, 0
	}

	prices := quotes(ticks)
	window := prices[len(prices)-26:]
	macd = ema(window, 12) - ema(window, 26)
	return macd, macd
}

// BollingerWidth returns the relative width of the Bollinger bands
// (2 standard deviations around the 20-period SMA). Zero when the window is
// too small.
func BollingerWidth(ticks []model.Tick, period int) float64 {
	if len(ticks) < period {
		return 0
	}

	prices := quotes(ticks[len(ticks)-period:])
	sma := mean(prices)

	variance := 0.0
	for _, p := range prices {
		variance += (p - sma) * (p - sma)
	}
	variance /= float64(period)
	stdDev := math.Sqrt(variance)

	upper := sma + 2*stdDev
	lower := sma - 2*stdDev
	return (upper - lower) / sma
}

// ATR returns the average absolute tick-to-tick range over the last period
// intervals. Zero when the window is too small.
func ATR(ticks []model.Tick, period int) float64 {
	if len(ticks) < period+1 {
		return 0
	}

	prices := quotes(ticks)
	ranges := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		ranges = append(ranges, math.Abs(prices[i]-prices[i-1]))
	}
	return mean(ranges[len(ranges)-period:])
}

// StochasticK computes the %K oscillator over the last period quotes.
// Returns the neutral value 50 when the window is too small or flat.
func StochasticK(ticks []model.Tick, period int) float64 {
	if len(ticks) < period {
		return 50
	}

	prices := quotes(ticks[len(ticks)-period:])
	current := prices[len(prices)-1]
	high, low := prices[0], prices[0]
	for _, p := range prices {
		high = math.Max(high, p)
		low = math.Min(low, p)
	}

	if high == low {
		return 50
	}
	return (current - low) / (high - low) * 100
}

// Trend directions reported by MovingAverageTrend.
const (
	TrendNeutral = iota
	TrendUp
	TrendDown
)

// MovingAverageTrend compares a 20-quote EMA against the matching SMA and
// reports the crossover direction.
func MovingAverageTrend(ticks []model.Tick) int {
	if len(ticks) < 20 {
		return TrendNeutral
	}

	prices := quotes(ticks[len(ticks)-20:])
	sma := mean(prices)
	emaV := ema(prices, len(prices))

	switch {
	case emaV > sma:
		return TrendUp
	case emaV < sma:
		return TrendDown
	default:
		return TrendNeutral
	}
}

// candlePattern is the outcome of the candlestick heuristics over the last
// five quotes, treating consecutive quote pairs as pseudo open/close values.
type candlePattern struct {
	name       string
	bullish    bool
	confidence float64
}

// detectCandlePattern applies doji, hammer and engulfing heuristics to the
// last five quotes. Confidence is fixed per recognized pattern.
func detectCandlePattern(ticks []model.Tick) candlePattern {
	if len(ticks) < 5 {
		return candlePattern{name: "none"}
	}

	prices := quotes(ticks[len(ticks)-5:])

	lastOpen := prices[len(prices)-2]
	lastClose := prices[len(prices)-1]
	bodySize := math.Abs(lastClose - lastOpen)

	avgRange := 0.0
	for i := 1; i < len(prices); i++ {
		avgRange += math.Abs(prices[i] - prices[i-1])
	}
	avgRange /= float64(len(prices) - 1)

	// Doji: negligible body relative to the average range
	if bodySize < avgRange*0.1 {
		return candlePattern{name: "doji", confidence: 0.6}
	}

	// Hammer: long lower wick below the body, small upper wick above it
	windowLow, windowHigh := prices[0], prices[0]
	for _, p := range prices {
		windowLow = math.Min(windowLow, p)
		windowHigh = math.Max(windowHigh, p)
	}
	lowerWick := math.Min(lastOpen, lastClose) - windowLow
	upperWick := windowHigh - math.Max(lastOpen, lastClose)

	if lowerWick > bodySize*2 && upperWick < bodySize*0.5 {
		return candlePattern{name: "hammer", bullish: true, confidence: 0.75}
	}

	// Engulfing: current pseudo-candle body engulfs the previous one
	prevOpen := prices[len(prices)-4]
	prevClose := prices[len(prices)-3]
	currOpen := prices[len(prices)-2]
	currClose := prices[len(prices)-1]

	if currClose > currOpen && prevClose < prevOpen && currClose > prevOpen && currOpen < prevClose {
		return candlePattern{name: "bullish_engulfing", bullish: true, confidence: 0.8}
	}
	if currClose < currOpen && prevClose > prevOpen && currClose < prevOpen && currOpen > prevClose {
		return candlePattern{name: "bearish_engulfing", confidence: 0.8}
	}

	return candlePattern{name: "none"}
}

// bodyWickRatio relates the open-to-close body of the last five quotes to
// their full range. Ratios below 0.3 indicate long wicks, read as market
// uncertainty.
func bodyWickRatio(ticks []model.Tick) (ratio float64, uncertainty bool) {
	if len(ticks) < 5 {
		return 0.5, false
	}

	prices := quotes(ticks[len(ticks)-5:])
	high, low := prices[0], prices[0]
	for _, p := range prices {
		high = math.Max(high, p)
		low = math.Min(low, p)
	}

	body := math.Abs(prices[len(prices)-1] - prices[0])
	totalRange := high - low
	if totalRange == 0 {
		return 0.5, false
	}

	ratio = body / totalRange
	return ratio, ratio < 0.3
}

func mean(data []float64) float64 {
	sum := 0.0
	for _, v := range data {
		sum += v
	}
	return sum / float64(len(data))
}
