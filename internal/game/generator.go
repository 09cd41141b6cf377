package game

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
)

const (
	normalWinChance = 0.60
	hardWinChance   = 0.10
)

// bucket is one segment of a mode's crash distribution: with
// probability p (relative to the siblings) the crash point falls
// uniformly in [lo, hi).
type bucket struct {
	p      float64
	lo, hi float64
}

var (
	normalWinBuckets = []bucket{
		{0.50, 2.00, 5.00},
		{0.35, 5.00, 15.00},
		{0.15, 15.00, 100.00},
	}
	normalLossBuckets = []bucket{
		{0.70, 1.01, 1.50},
		{0.20, 1.50, 1.80},
		{0.10, 1.80, 1.99},
	}
	hardWinBuckets = []bucket{
		{0.70, 2.00, 3.00},
		{0.25, 3.00, 6.00},
		{0.05, 6.00, 20.00},
	}
	hardLossBuckets = []bucket{
		{0.85, 1.01, 1.30},
		{0.12, 1.30, 1.60},
		{0.03, 1.60, 1.99},
	}
	// Mild samples directly from a fixed distribution instead of a
	// win/loss branch. The 1.00 bucket is an exact instant crash.
	mildBuckets = []bucket{
		{0.10, 1.00, 1.00},
		{0.20, 1.01, 1.50},
		{0.20, 1.51, 1.99},
		{0.30, 2.00, 2.99},
		{0.10, 3.00, 3.99},
		{0.05, 4.00, 9.99},
		{0.05, 10.00, 100.00},
	}
)

// Generator produces the crash multiplier committed to a round at
// creation. Output is mode-biased to hit a target win rate; it is not
// derived from the round's commitment hash.
type Generator struct {
	r *rand.Rand
}

// NewGenerator returns a generator seeded from the system CSPRNG.
func NewGenerator() *Generator {
	var seed [16]byte
	crand.Read(seed[:])
	return &Generator{r: rand.New(rand.NewPCG(
		binary.LittleEndian.Uint64(seed[:8]),
		binary.LittleEndian.Uint64(seed[8:]),
	))}
}

// NewGeneratorWithSource returns a generator driven by src. Used by
// tests that need reproducible draws.
func NewGeneratorWithSource(src rand.Source) *Generator {
	return &Generator{r: rand.New(src)}
}

// CrashPoint samples one crash multiplier for mode. Called exactly
// once per round; the result is stored immutably on the round.
func (g *Generator) CrashPoint(mode VolatilityMode) float64 {
	var point float64

	switch mode {
	case ModeMild:
		point = g.sampleBuckets(mildBuckets)
		// Small jitter so repeated bucket hits don't read identically,
		// except on an exact instant crash.
		if point != 1.00 {
			point += (g.r.Float64() - 0.5) * 0.02
		}
	case ModeHard:
		if g.r.Float64() < hardWinChance {
			point = g.sampleBuckets(hardWinBuckets)
		} else {
			point = g.sampleBuckets(hardLossBuckets)
		}
	default:
		if g.r.Float64() < normalWinChance {
			point = g.sampleBuckets(normalWinBuckets)
		} else {
			point = g.sampleBuckets(normalLossBuckets)
		}
	}

	return clampMultiplier(point)
}

func (g *Generator) sampleBuckets(buckets []bucket) float64 {
	draw := g.r.Float64()
	cumulative := 0.0
	for _, b := range buckets {
		cumulative += b.p
		if draw < cumulative {
			if b.hi == b.lo {
				return b.lo
			}
			return b.lo + g.r.Float64()*(b.hi-b.lo)
		}
	}
	last := buckets[len(buckets)-1]
	return last.lo
}

func clampMultiplier(v float64) float64 {
	if v < MIN_MULTIPLIER {
		v = MIN_MULTIPLIER
	}
	if v > MAX_MULTIPLIER {
		v = MAX_MULTIPLIER
	}
	return float64(int(v*100)) / 100.0
}
