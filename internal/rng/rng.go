// Package rng provides the two randomness sources layers draw from: a fast
// per-process generator for independent draws, and a deterministic global
// stream whose draws depend only on (seed, global element index) so that
// stochastic layers can produce identical results for any process or device
// count.
//
// Both are explicit injected handles. Re-seeding policy belongs to the
// external training driver.
package rng

import "math/rand/v2"

// Fast is a cheap per-process generator. Draws are independent across
// processes and are not reproducible across different process counts.
type Fast struct {
	r *rand.Rand
}

func NewFast(seed uint64) *Fast {
	return &Fast{r: rand.New(rand.NewPCG(seed, 0xda3e39cb94b95bdb))}
}

func (f *Fast) Float32() float32 { return f.r.Float32() }
func (f *Fast) Uint64() uint64   { return f.r.Uint64() }

// Bernoulli draws true with probability p.
func (f *Fast) Bernoulli(p float32) bool { return f.r.Float32() < p }

// Stream is a deterministic global stream. The draw for global element
// index k is a pure function of (seed, k): every process computes the same
// value for the same element regardless of partitioning or evaluation
// order.
type Stream struct {
	seed uint64
}

func NewStream(seed uint64) *Stream {
	return &Stream{seed: seed}
}

// At returns the uniform [0, 1) draw for global element index k.
func (s *Stream) At(k uint64) float32 {
	return rand.New(rand.NewPCG(s.seed, k)).Float32()
}

// Bernoulli draws true with probability p for global element index k.
func (s *Stream) Bernoulli(k uint64, p float32) bool {
	return s.At(k) < p
}
