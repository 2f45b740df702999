// Package fidelity grades established channels with a quantum-derived quality score.
package fidelity

import (
	"encoding/binary"
	"math"

	"qmesh/internal/crypto"
)

const labelFidelity = "qmesh:fidelity:v1"

type Options struct {
	// Base is the score of a noiseless channel.
	Base float64
	// Noise is the largest deduction applied to Base.
	Noise float64
}

const (
	defaultBase  = 0.99
	defaultNoise = 0.08
)

type Scorer struct {
	opts Options
}

func NewScorer(opts Options) *Scorer {
	return &Scorer{opts: normalizeOptions(opts)}
}

func normalizeOptions(opts Options) Options {
	if opts.Base <= 0 || opts.Base > 1 {
		opts.Base = defaultBase
	}
	if opts.Noise < 0 || opts.Noise > opts.Base {
		opts.Noise = defaultNoise
	}
	return opts
}

func (s *Scorer) Options() Options {
	return s.opts
}

// Score is deterministic in transcript and always in [0,1].
func (s *Scorer) Score(transcript []byte) float64 {
	sum := crypto.KDF(labelFidelity, transcript)
	u := float64(binary.BigEndian.Uint64(sum[:8])>>11) / float64(1<<53)
	f := s.opts.Base - s.opts.Noise*u
	return math.Max(0, math.Min(1, f))
}

// SecurityLevel maps a fidelity score to effective security bits.
func SecurityLevel(f float64) int {
	switch {
	case f >= 0.95:
		return 256
	case f >= 0.90:
		return 192
	default:
		return 128
	}
}
