package consensus

import (
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makoti942/digitbot/internal/model"
)

// ticksFromDigits builds a tick series whose trade digits match the given
// sequence, oldest first. Quotes are 1000+digit so the last decimal digit of
// each quote is the requested one.
func ticksFromDigits(digits ...int) []model.Tick {
	base := time.Unix(1700000000, 0)
	out := make([]model.Tick, len(digits))
	for i, d := range digits {
		q := decimal.NewFromInt(int64(1000 + d))
		out[i] = model.NewTick(q, base.Add(time.Duration(i)*2*time.Second))
	}
	return out
}

func repeatDigits(d, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = d
	}
	return out
}

func TestLastMatching(t *testing.T) {
	digits := []int{1, 9, 4}

	// Newest-first scan: 4 fails, 9 matches.
	got := lastMatching(digits, func(d int) bool { return d >= 6 }, 7)
	assert.Equal(t, 9, got)

	// Nothing matches: fallback.
	got = lastMatching([]int{1, 2, 3}, func(d int) bool { return d >= 6 }, 7)
	assert.Equal(t, 7, got)
}

func TestMode(t *testing.T) {
	assert.Equal(t, 7, mode([]int{7, 3, 7, 3, 7}))
	// Tie resolves to the lowest digit.
	assert.Equal(t, 2, mode([]int{5, 2, 5, 2}))
}

func TestDigitFrequencyStrategy(t *testing.T) {
	t.Run("below minimum window", func(t *testing.T) {
		v := digitFrequencyStrategy(ticksFromDigits(repeatDigits(4, 29)...))
		assert.False(t, v.OK)
	})

	t.Run("votes for the most frequent digit", func(t *testing.T) {
		digits := repeatDigits(4, 12)
		for _, d := range []int{0, 1, 2, 3, 5, 6, 7, 8, 9} {
			digits = append(digits, d, d)
		}
		require.Len(t, digits, 30)

		v := digitFrequencyStrategy(ticksFromDigits(digits...))
		require.True(t, v.OK)
		assert.Equal(t, 4, v.Digit)
		assert.InDelta(t, 0.48, v.Confidence, 1e-9) // 12/30 boosted by 1.2
	})
}

func TestSumModuloStrategy(t *testing.T) {
	v := sumModuloStrategy(ticksFromDigits(1, 2, 3, 4, 5, 6, 7, 8, 9, 0))
	require.True(t, v.OK)
	assert.Equal(t, 5, v.Digit) // 45 mod 10
	assert.Equal(t, 0.6, v.Confidence)

	assert.False(t, sumModuloStrategy(ticksFromDigits(1, 2, 3)).OK)
}

func TestMomentumStrategy(t *testing.T) {
	// Recency weighting: the five newest ticks outweigh the five oldest.
	v := momentumStrategy(ticksFromDigits(1, 1, 1, 1, 1, 2, 2, 2, 2, 2))
	require.True(t, v.OK)
	assert.Equal(t, 2, v.Digit)
	assert.Equal(t, 0.85, v.Confidence)
}

func TestLowVarietyStrategy(t *testing.T) {
	t.Run("fires on at most three distinct digits", func(t *testing.T) {
		v := lowVarietyStrategy(ticksFromDigits(7, 7, 3, 3, 7, 7, 3, 7, 3, 7))
		require.True(t, v.OK)
		assert.Equal(t, 7, v.Digit)
		assert.Equal(t, 0.75, v.Confidence)
	})

	t.Run("silent on high variety", func(t *testing.T) {
		v := lowVarietyStrategy(ticksFromDigits(0, 1, 2, 3, 4, 5, 6, 7, 8, 9))
		assert.False(t, v.OK)
	})
}

func TestScan_BelowMinimumWindow(t *testing.T) {
	p, results := ScanDetailed(ticksFromDigits(repeatDigits(5, minWindow-1)...))
	assert.False(t, p.OK)
	assert.Zero(t, p.Confidence)
	assert.Nil(t, results)
}

func TestScan_UniformWindow(t *testing.T) {
	// Forty identical ticks: the frequency, momentum, cluster and
	// low-variety strategies all converge on the repeated digit and the
	// agreement bonus drives the confidence to the cap.
	p := Scan(ticksFromDigits(repeatDigits(7, 40)...))

	require.True(t, p.OK)
	assert.Equal(t, 7, p.Digit)
	assert.Greater(t, p.Confidence, 0.8)
	assert.LessOrEqual(t, p.Confidence, confidenceCap)
}

func TestScan_ExcludesNewestTick(t *testing.T) {
	// Window of zeros with a newest tick of 5: the analyzed window must not
	// contain the trigger tick, so sum-modulo sees only zeros.
	digits := append(repeatDigits(0, 40), 5)
	_, results := ScanDetailed(ticksFromDigits(digits...))
	require.NotNil(t, results)

	for _, r := range results {
		if r.Name == "sum_modulo" {
			require.True(t, r.Vote.OK)
			assert.Equal(t, 0, r.Vote.Digit)
			return
		}
	}
	t.Fatal("sum_modulo result missing")
}

func TestScan_PredictionBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for run := 0; run < 50; run++ {
		digits := make([]int, 60)
		for i := range digits {
			digits[i] = rng.Intn(10)
		}

		p := Scan(ticksFromDigits(digits...))
		if !p.OK {
			assert.LessOrEqual(t, p.Confidence, confidenceFloor+1e-9)
			continue
		}
		assert.GreaterOrEqual(t, p.Digit, 0)
		assert.LessOrEqual(t, p.Digit, 9)
		assert.Greater(t, p.Confidence, confidenceFloor)
		assert.LessOrEqual(t, p.Confidence, confidenceCap)
	}
}

func TestScanDetailed_ReportsEveryStrategy(t *testing.T) {
	_, results := ScanDetailed(ticksFromDigits(repeatDigits(3, 40)...))
	require.Len(t, results, len(strategies))

	seen := make(map[string]struct{}, len(results))
	for _, r := range results {
		assert.Greater(t, r.Weight, 0.0)
		seen[r.Name] = struct{}{}
	}
	assert.Len(t, seen, len(strategies))
}
