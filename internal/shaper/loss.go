package shaper

import "math/rand/v2"

// LossSimulator drops packets with a fixed probability.
type LossSimulator struct {
	p   float64
	rng *rand.Rand
}

// NewLossSimulator creates a simulator with drop probability p. A nil
// src selects a randomly seeded PCG source.
func NewLossSimulator(p float64, src rand.Source) *LossSimulator {
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &LossSimulator{p: p, rng: rand.New(src)}
}

// NewSeededLossSimulator returns a simulator with a reproducible sequence.
func NewSeededLossSimulator(p float64, seed uint64) *LossSimulator {
	return NewLossSimulator(p, rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// ShouldDrop runs one Bernoulli trial.
func (l *LossSimulator) ShouldDrop() bool {
	switch {
	case l.p <= 0:
		return false
	case l.p >= 1:
		return true
	}
	return l.rng.Float64() < l.p
}

// SetProbability replaces the drop probability.
func (l *LossSimulator) SetProbability(p float64) { l.p = p }

// Probability returns the drop probability.
func (l *LossSimulator) Probability() float64 { return l.p }
