package pfilter

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// History is the particle history matrix: Steps x Particles x Cols values,
// stored contiguously so that each time-step is a Particles x Cols matrix.
// The last two columns hold the particle weight and parent index.
type History struct {
	Steps     int
	Particles int
	Cols      int
	StateCols int

	data []float64
}

// NewHistory allocates a history matrix with room for stepCount time-steps
// (or the sliding window, if enabled) and initialises the first row.
func NewHistory(s *Sim, stepCount int) (*History, error) {
	p := s.Params
	stateSize := p.StateCols()
	extra := p.Hist.ExtraCols
	// Ensure sufficient columns to record particle weights and parents
	if extra < 2 {
		return nil, fmt.Errorf("%w: too few extra columns: %d < 2", ErrConfiguration, extra)
	}
	count := p.Hist.Particles
	if count < 1 {
		return nil, fmt.Errorf("%w: too few particles: %d", ErrConfiguration, count)
	}

	numSteps := stepCount + 1
	if p.windowed() {
		numSteps = p.Hist.WindowSize*p.StepsPerUnit + 1
	}

	h := &History{
		Steps:     numSteps,
		Particles: count,
		Cols:      stateSize + extra,
		StateCols: stateSize,
		data:      make([]float64, numSteps*count*(stateSize+extra)),
	}
	p.log().Debugf("Size = %d, hist bytes = %d", count, 8*len(h.data))

	s.Params.Model.Init(s, h.States(0))
	w := 1.0 / float64(count)
	for i := 0; i < count; i++ {
		h.SetWeight(0, i, w)
		h.SetParent(0, i, i)
	}
	return h, nil
}

// historyFromRaw wraps previously saved matrix data.
func historyFromRaw(shape []int, data []float64, stateCols int) (*History, error) {
	if len(shape) != 3 {
		return nil, fmt.Errorf("%w: history matrix has %d dimensions", ErrState, len(shape))
	}
	if shape[0]*shape[1]*shape[2] != len(data) {
		return nil, fmt.Errorf("%w: history matrix shape %v does not match %d values",
			ErrState, shape, len(data))
	}
	if shape[2]-stateCols < 2 {
		return nil, fmt.Errorf("%w: too few extra columns: %d < 2", ErrState, shape[2]-stateCols)
	}
	return &History{
		Steps:     shape[0],
		Particles: shape[1],
		Cols:      shape[2],
		StateCols: stateCols,
		data:      data,
	}, nil
}

// Raw returns the backing storage, in step-major order.
func (h *History) Raw() []float64 { return h.data }

// Shape returns the matrix dimensions.
func (h *History) Shape() []int { return []int{h.Steps, h.Particles, h.Cols} }

// Row returns the particles at time-step ix; it shares storage with h.
func (h *History) Row(ix int) *mat.Dense {
	n := h.Particles * h.Cols
	return mat.NewDense(h.Particles, h.Cols, h.data[ix*n:(ix+1)*n])
}

// States returns the state vectors at time-step ix; it shares storage with h.
func (h *History) States(ix int) *mat.Dense {
	return h.Row(ix).Slice(0, h.Particles, 0, h.StateCols).(*mat.Dense)
}

func (h *History) at(ix, px, col int) int {
	return (ix*h.Particles+px)*h.Cols + col
}

func (h *History) Weight(ix, px int) float64 { return h.data[h.at(ix, px, h.Cols-2)] }

func (h *History) SetWeight(ix, px int, w float64) { h.data[h.at(ix, px, h.Cols-2)] = w }

func (h *History) Parent(ix, px int) int { return int(h.data[h.at(ix, px, h.Cols-1)]) }

func (h *History) SetParent(ix, px, parent int) {
	h.data[h.at(ix, px, h.Cols-1)] = float64(parent)
}

// Weights returns a copy of the particle weights at time-step ix.
func (h *History) Weights(ix int) []float64 {
	ws := make([]float64, h.Particles)
	for i := range ws {
		ws[i] = h.Weight(ix, i)
	}
	return ws
}

// CheckEntire ensures that h is a complete history matrix for p, rather than
// a slice of one.
func (h *History) CheckEntire(p *Params) error {
	if h == nil {
		return fmt.Errorf("%w: no history matrix", ErrState)
	}
	if h.Particles != p.Hist.Particles {
		return fmt.Errorf("%w: history matrix has %d particles, expected %d",
			ErrState, h.Particles, p.Hist.Particles)
	}
	if h.StateCols != p.StateCols() {
		return fmt.Errorf("%w: history matrix has %d state columns, expected %d",
			ErrState, h.StateCols, p.StateCols())
	}
	if h.Cols-h.StateCols < 2 || len(h.data) != h.Steps*h.Particles*h.Cols {
		return fmt.Errorf("%w: history matrix is missing weight and parent columns", ErrState)
	}
	return nil
}

// EarlierStates returns the particle rows from steps time-steps before ix,
// ordered with respect to the particles' current arrangement. Walks that
// would pass the first retained row stop there.
func (h *History) EarlierStates(ix, steps int) *mat.Dense {
	parents := make([]int, h.Particles)
	for i := range parents {
		parents[i] = i
	}
	if steps > ix {
		steps = ix
	}
	for i := 0; i < steps; i++ {
		for j, px := range parents {
			parents[j] = h.Parent(ix-i, px)
		}
	}
	src := h.Row(ix - steps)
	out := mat.NewDense(h.Particles, h.Cols, nil)
	for j, px := range parents {
		out.SetRow(j, src.RawRowView(px))
	}
	return out
}

// Shift moves every row n time-steps earlier and zeroes the vacated rows.
func (h *History) Shift(n int) {
	size := h.Particles * h.Cols
	copy(h.data, h.data[n*size:])
	tail := h.data[(h.Steps-n)*size:]
	for i := range tail {
		tail[i] = 0
	}
}
