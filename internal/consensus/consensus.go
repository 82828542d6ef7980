package consensus

import (
	"github.com/makoti942/digitbot/internal/model"
)

const (
	// minWindow is the smallest tick window the engine will scan.
	minWindow = 30

	// confidenceFloor is the minimum aggregated confidence required to emit
	// a prediction.
	confidenceFloor = 0.4

	// confidenceCap bounds the final confidence to prevent runaway
	// overconfidence when many strategies agree.
	confidenceCap = 0.95

	// broadAgreementBonus applies when at least four strategies back the
	// winning digit; strongAgreementBonus stacks on top at six or more.
	broadAgreementBonus  = 1.3
	strongAgreementBonus = 1.2
)

// Prediction is the aggregated output of a scan: the winning digit and the
// engine's confidence in it. OK is false when the window is too small or no
// strategy produced a sufficiently confident vote.
type Prediction struct {
	Digit      int
	Confidence float64
	OK         bool
}

// StrategyResult reports one sub-strategy's vote for observability.
type StrategyResult struct {
	Name   string
	Weight float64
	Vote   Vote
}

// strategyEntry binds a sub-strategy to its fixed aggregation weight.
type strategyEntry struct {
	name   string
	weight float64
	fn     func([]model.Tick) Vote
}

// strategies is the fixed sub-strategy set. The weights are tuned constants;
// changing them changes the engine's behavior.
var strategies = []strategyEntry{
	{"digit_frequency", 1.5, digitFrequencyStrategy},
	{"sum_modulo", 0.9, sumModuloStrategy},
	{"cluster", 1.3, clusterStrategy},
	{"volatility_regime", 1.2, volatilityRegimeStrategy},
	{"rsi", 1.2, rsiStrategy},
	{"macd", 1.1, macdStrategy},
	{"moving_average", 1.2, movingAverageStrategy},
	{"stochastic", 1.0, stochasticStrategy},
	{"momentum", 1.6, momentumStrategy},
	{"low_variety", 1.1, lowVarietyStrategy},
	{"candlestick", 1.3, candlestickStrategy},
	{"body_wick", 1.0, bodyWickStrategy},
}

// Scan aggregates all sub-strategy votes over the tick window into a single
// digit prediction.
//
// The newest tick is excluded from analysis so the prediction cannot echo the
// tick that triggered the scan. For each digit the engine accumulates
// confidence×weight over the strategies that voted for it; the winning digit
// is the one with the highest accumulated score and its confidence is that
// score's share of the total, boosted when four or more (and again when six
// or more) strategies agree, capped at 0.95. No prediction is emitted below
// a confidence of 0.4.
func Scan(ticks []model.Tick) Prediction {
	p, _ := ScanDetailed(ticks)
	return p
}

// ScanDetailed behaves like Scan and additionally returns each sub-strategy's
// individual vote for logging and inspection.
func ScanDetailed(ticks []model.Tick) (Prediction, []StrategyResult) {
	if len(ticks) < minWindow {
		return Prediction{}, nil
	}

	// Exclude the newest tick to avoid biasing toward the trigger.
	window := ticks[:len(ticks)-1]

	results := make([]StrategyResult, 0, len(strategies))
	var scores [10]float64
	var votes [10]int

	for _, s := range strategies {
		v := s.fn(window)
		results = append(results, StrategyResult{Name: s.name, Weight: s.weight, Vote: v})
		if v.OK {
			scores[v.Digit] += v.Confidence * s.weight
			votes[v.Digit]++
		}
	}

	winner, total := 0, 0.0
	for d := 0; d < 10; d++ {
		total += scores[d]
		if scores[d] > scores[winner] {
			winner = d
		}
	}

	if scores[winner] == 0 || total == 0 {
		return Prediction{}, results
	}

	confidence := scores[winner] / total
	if votes[winner] >= 4 {
		confidence *= broadAgreementBonus
	}
	if votes[winner] >= 6 {
		confidence *= strongAgreementBonus
	}
	confidence = minFloat(confidence, confidenceCap)

	if confidence <= confidenceFloor {
		return Prediction{Confidence: confidence}, results
	}
	return Prediction{Digit: winner, Confidence: confidence, OK: true}, results
}
