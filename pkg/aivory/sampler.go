// sampler.go decides per event whether a failure is reported.

package aivory

import "math/rand/v2"

// Sampler makes independent per-event sampling decisions.
type Sampler struct {
	rate   float64
	random func() float64
}

// NewSampler returns a Sampler for the given rate. Rates at or above 1
// always sample, rates at or below 0 never do.
func NewSampler(rate float64) *Sampler {
	return &Sampler{rate: rate, random: rand.Float64}
}

// newSamplerWithSource is NewSampler with a deterministic draw, for tests.
func newSamplerWithSource(rate float64, random func() float64) *Sampler {
	return &Sampler{rate: rate, random: random}
}

// Rate returns the configured sampling rate.
func (s *Sampler) Rate() float64 {
	return s.rate
}

// Sample reports whether the current event should be captured. Each call
// draws independently; identical failures are not sampled as a group.
func (s *Sampler) Sample() bool {
	switch {
	case s.rate >= 1:
		return true
	case s.rate <= 0:
		return false
	default:
		return s.random() < s.rate
	}
}
