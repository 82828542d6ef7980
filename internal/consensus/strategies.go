package consensus

import (
	"github.com/makoti942/digitbot/internal/model"
)

// Vote is the ephemeral output of one sub-strategy: a predicted digit with
// the strategy's own confidence, or no vote at all.
type Vote struct {
	Digit      int
	Confidence float64
	OK         bool
}

func noVote() Vote { return Vote{} }

func vote(digit int, confidence float64) Vote {
	return Vote{Digit: digit, Confidence: confidence, OK: true}
}

// lastDigits returns the digits of the most recent n ticks, oldest first.
func lastDigits(ticks []model.Tick, n int) []int {
	if len(ticks) > n {
		ticks = ticks[len(ticks)-n:]
	}
	out := make([]int, len(ticks))
	for i, t := range ticks {
		out[i] = t.Digit
	}
	return out
}

// lastMatching scans digits from newest to oldest and returns the first one
// satisfying pred, or fallback when none does.
func lastMatching(digits []int, pred func(int) bool, fallback int) int {
	for i := len(digits) - 1; i >= 0; i-- {
		if pred(digits[i]) {
			return digits[i]
		}
	}
	return fallback
}

// mode returns the lowest digit with the highest occurrence count.
func mode(digits []int) int {
	var counts [10]int
	for _, d := range digits {
		counts[d]++
	}
	best := 0
	for d := 1; d < 10; d++ {
		if counts[d] > counts[best] {
			best = d
		}
	}
	return best
}

// digitFrequencyStrategy votes for the most frequent digit in the window.
// Confidence scales with the observed frequency, boosted by 1.2.
func digitFrequencyStrategy(ticks []model.Tick) Vote {
	if len(ticks) < 30 {
		return noVote()
	}

	var counts [10]int
	for _, d := range lastDigits(ticks, 50) {
		counts[d]++
	}

	best, total := 0, 0
	for d := 0; d < 10; d++ {
		total += counts[d]
		if counts[d] > counts[best] {
			best = d
		}
	}

	frequency := float64(counts[best]) / float64(total)
	return vote(best, frequency*1.2)
}

// sumModuloStrategy votes for the sum of the last ten digits modulo ten at a
// fixed confidence of 0.6.
func sumModuloStrategy(ticks []model.Tick) Vote {
	if len(ticks) < 10 {
		return noVote()
	}

	sum := 0
	for _, d := range lastDigits(ticks, 10) {
		sum += d
	}
	return vote(sum%10, 0.6)
}

// clusterStrategy groups the last twenty ticks by digit and scores each
// group by mean position index times occurrence count, favoring digits that
// appear both often and recently.
func clusterStrategy(ticks []model.Tick) Vote {
	if len(ticks) < 20 {
		return noVote()
	}

	recent := lastDigits(ticks, 20)
	var positionSum, count [10]float64
	for idx, d := range recent {
		positionSum[d] += float64(idx)
		count[d]++
	}

	bestDigit, bestScore := -1, 0.0
	for d := 0; d < 10; d++ {
		if count[d] == 0 {
			continue
		}
		score := (positionSum[d] / count[d]) * count[d]
		if score > bestScore {
			bestScore = score
			bestDigit = d
		}
	}

	if bestDigit < 0 {
		return noVote()
	}
	return vote(bestDigit, minFloat(bestScore/100, 0.9))
}

// volatilityRegimeStrategy fires only in a low-volatility regime (narrow
// Bollinger bands and low ATR) and then votes for the most frequent digit
// among the stable mid-range digits 4, 5 and 6.
func volatilityRegimeStrategy(ticks []model.Tick) Vote {
	if len(ticks) < 20 {
		return noVote()
	}

	width := BollingerWidth(ticks, 20)
	atr := ATR(ticks, 14)
	if width >= 0.02 || atr >= 0.01 {
		return noVote()
	}

	var counts [10]int
	for _, d := range lastDigits(ticks, 20) {
		counts[d]++
	}
	best := 4
	for _, d := range []int{5, 6} {
		if counts[d] > counts[best] {
			best = d
		}
	}
	return vote(best, 0.7)
}

// rsiStrategy maps RSI extremes onto the digit range: overbought favors a
// recent high digit, oversold a recent low digit, neutral the middle.
func rsiStrategy(ticks []model.Tick) Vote {
	if len(ticks) < 20 {
		return noVote()
	}

	rsi := RSI(ticks, 14)
	recent := lastDigits(ticks, 10)

	var digit int
	switch {
	case rsi > 60:
		digit = lastMatching(recent, func(d int) bool { return d >= 6 }, 7)
	case rsi < 40:
		digit = lastMatching(recent, func(d int) bool { return d <= 4 }, 3)
	default:
		digit = 5
	}
	return vote(digit, 0.65)
}

// macdStrategy votes with the sign of the MACD histogram: bullish favors a
// recent high digit, bearish a recent low digit.
func macdStrategy(ticks []model.Tick) Vote {
	if len(ticks) < 30 {
		return noVote()
	}

	_, histogram := MACD(ticks)
	recent := lastDigits(ticks, 5)

	switch {
	case histogram > 0:
		return vote(lastMatching(recent, func(d int) bool { return d >= 5 }, 7), 0.6)
	case histogram < 0:
		return vote(lastMatching(recent, func(d int) bool { return d <= 5 }, 3), 0.6)
	default:
		return noVote()
	}
}

// movingAverageStrategy follows the EMA/SMA crossover direction.
func movingAverageStrategy(ticks []model.Tick) Vote {
	if len(ticks) < 20 {
		return noVote()
	}

	recent := lastDigits(ticks, 5)
	switch MovingAverageTrend(ticks) {
	case TrendUp:
		return vote(lastMatching(recent, func(d int) bool { return d >= 5 }, 6), 0.65)
	case TrendDown:
		return vote(lastMatching(recent, func(d int) bool { return d <= 5 }, 4), 0.65)
	default:
		return noVote()
	}
}

// stochasticStrategy dampens digit extremes when %K leaves the 20-80 band.
func stochasticStrategy(ticks []model.Tick) Vote {
	if len(ticks) < 20 {
		return noVote()
	}

	k := StochasticK(ticks, 14)
	recent := lastDigits(ticks, 5)

	switch {
	case k > 80:
		return vote(lastMatching(recent, func(d int) bool { return d <= 7 }, 5), 0.6)
	case k < 20:
		return vote(lastMatching(recent, func(d int) bool { return d >= 3 }, 5), 0.6)
	default:
		return noVote()
	}
}

// momentumStrategy accumulates linearly recency-weighted digit counts over
// the last ten ticks and votes for the digit with the highest momentum.
func momentumStrategy(ticks []model.Tick) Vote {
	if len(ticks) < 10 {
		return noVote()
	}

	recent := lastDigits(ticks, 10)
	var momentum [10]float64
	for idx, d := range recent {
		momentum[d] += float64(idx+1) / float64(len(recent))
	}

	best, total := 0, 0.0
	for d := 0; d < 10; d++ {
		total += momentum[d]
		if momentum[d] > momentum[best] {
			best = d
		}
	}

	strength := momentum[best] / total
	return vote(best, minFloat(strength*2, 0.85))
}

// lowVarietyStrategy predicts continuation: when the last ten ticks show at
// most three distinct digits, it votes for the mode.
func lowVarietyStrategy(ticks []model.Tick) Vote {
	if len(ticks) < 10 {
		return noVote()
	}

	recent := lastDigits(ticks, 10)
	seen := make(map[int]struct{}, 10)
	for _, d := range recent {
		seen[d] = struct{}{}
	}

	if len(seen) > 3 {
		return noVote()
	}
	return vote(mode(recent), 0.75)
}

// candlestickStrategy votes with a recognized candlestick pattern when the
// pattern's own confidence exceeds 0.6: bullish patterns favor a recent high
// digit, bearish patterns a recent low digit.
func candlestickStrategy(ticks []model.Tick) Vote {
	if len(ticks) < 10 {
		return noVote()
	}

	pattern := detectCandlePattern(ticks)
	if pattern.confidence <= 0.6 {
		return noVote()
	}

	recent := lastDigits(ticks, 5)
	if pattern.bullish {
		return vote(lastMatching(recent, func(d int) bool { return d >= 5 }, 7), pattern.confidence)
	}
	return vote(lastMatching(recent, func(d int) bool { return d <= 5 }, 3), pattern.confidence)
}

// bodyWickStrategy reads long wicks (body-to-range ratio below 0.3) as
// uncertainty and favors a recent mid-range digit.
func bodyWickStrategy(ticks []model.Tick) Vote {
	if len(ticks) < 10 {
		return noVote()
	}

	_, uncertainty := bodyWickRatio(ticks)
	if !uncertainty {
		return noVote()
	}

	recent := lastDigits(ticks, 5)
	return vote(lastMatching(recent, func(d int) bool { return d >= 3 && d <= 7 }, 5), 0.7)
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
