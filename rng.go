package rttvar

// rng.go gives every component that makes random choices its own named stream.
// With no seed configured the streams are rngstream's (the default MRG32k3a
// sequence, one substream per name).  With a seed, every stream is derived
// from it and from its name, so a run can be repeated exactly or varied.

import (
	"github.com/cespare/xxhash/v2"
	"github.com/iti/rngstream"
	"golang.org/x/exp/rand"
)

// uniformSource draws uniform samples from (0,1)
type uniformSource interface {
	RandU01() float64
}

// seededStream adapts a seeded x/exp/rand generator to uniformSource
type seededStream struct {
	rnd *rand.Rand
}

func (ss *seededStream) RandU01() float64 {
	for {
		if u := ss.rnd.Float64(); u > 0.0 {
			return u
		}
	}
}

// newUniformSource returns the stream for the named component
func newUniformSource(name string, seed uint64) uniformSource {
	if seed == 0 {
		return rngstream.New(name)
	}
	return &seededStream{rnd: rand.New(rand.NewSource(seed ^ xxhash.Sum64String(name)))}
}

// randomIndex picks uniformly from 0..n-1
func randomIndex(rng uniformSource, n int) int {
	idx := int(rng.RandU01() * float64(n))
	if idx >= n {
		idx = n - 1
	}
	return idx
}
