package pfilter

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// Sim is the state of a single simulation run. All randomness in a run,
// including the model's, must come from Rnd.
type Sim struct {
	Params *Params
	Rnd    *rand.Rand
	// True start of the simulation
	Epoch float64
	// Length of a time-step
	Dt float64

	src prngSource
}

// prngSource is a PRNG whose state can be saved in a checkpoint.
type prngSource interface {
	rand.Source
	MarshalBinary() ([]byte, error)
}

// NewSim seeds a new run from p.Resample.Seed.
func NewSim(p *Params) *Sim {
	seed := p.Resample.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	src := rand.NewPCG(seed, seed)
	return &Sim{
		Params: p,
		Rnd:    rand.New(src),
		Dt:     1.0 / float64(p.StepsPerUnit),
		src:    src,
	}
}

// resumeSim continues the PRNG stream recorded in a saved state, if any.
func resumeSim(p *Params, st *State) (*Sim, error) {
	s := NewSim(p)
	s.Epoch = st.Epoch
	if len(st.prng) == 0 {
		return s, nil
	}
	src := &rand.PCG{}
	if err := src.UnmarshalBinary(st.prng); err != nil {
		return nil, fmt.Errorf("%w: restore PRNG state: %v", ErrState, err)
	}
	s.src = src
	s.Rnd = rand.New(src)
	return s, nil
}

// prngState returns the serialised PRNG state, or nil if the run is not
// using its own PCG source.
func (s *Sim) prngState() ([]byte, error) {
	if s.src == nil {
		return nil, nil
	}
	b, err := s.src.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("%w: save PRNG state: %v", ErrState, err)
	}
	return b, nil
}
