package pfilter

import (
	"math/rand/v2"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// Observation is a single observed value from one observation stream.
type Observation struct {
	// What was observed, e.g. "cases"
	Unit string
	// Observation period, in time units
	Period int
	// Where the data came from; ignored when comparing observations
	Source string
	// Time at which the observation was made
	Date float64
	Value float64

	// Optional fields, zero values mean complete data with no upper bound
	Incomplete bool
	UpperBound float64
}

// Method selects how resampling choices are drawn.
type Method int

// Resampling methods, see Kitagawa (1996), doi:10.2307/1390750.
const (
	// N i.i.d. uniforms, sorted
	MethodBasic Method = iota
	// One uniform per stratum [j/N, (j+1)/N)
	MethodStratified
	// A single uniform shared by every stratum
	MethodDeterministic
)

// ParamInfo describes one column of the model state vector.
type ParamInfo struct {
	Name string
	// Smooth parameters may be perturbed by post-regularisation
	Smooth   bool
	Min, Max float64
}

// Sampler draws size values from a prior distribution.
type Sampler func(rnd *rand.Rand, size int) []float64

// Model is the system model that the filter fuses with observations.
type Model interface {
	// Number of columns in the state vector
	StateSize() int
	// One entry per state column
	Describe() []ParamInfo
	// Prior distributions, keyed by parameter name
	Priors(p *Params) map[string]Sampler
	// Write the initial particle states into out (particles x state size)
	Init(s *Sim, out *mat.Dense)
	// Advance every particle by one time-step of length dt
	Update(s *Sim, when, dt float64, forecasting bool, prev, curr *mat.Dense)
}

// LikelihoodFunc returns the log-likelihood of the observations for every
// particle. curr holds the current state vectors, hists maps each observation
// period to the full particle rows (including weight and parent columns) at
// the start of that period, in the current particle order.
type LikelihoodFunc func(p *Params, obs []Observation, curr *mat.Dense,
	hists map[int]*mat.Dense, weights []float64) []float64

// TimeStep is one time-step of a simulation period.
type TimeStep struct {
	// 1-based step number within the period
	Num  int
	When float64
	// Observations made at this time
	Obs []Observation
}

// TimeScale maps simulation times onto time-steps and canonical strings.
type TimeScale interface {
	SetPeriod(start, end float64, stepsPerUnit int)
	StepCount() int
	Steps() []TimeStep
	WithObservations(streams ...[]Observation) []TimeStep
	// Canonical string form, used to key checkpoints and cached observations
	Format(t float64) string
	Parse(s string) (float64, error)
}

// Summary records statistics from the particle history as a run progresses.
type Summary interface {
	Allocate(start, end float64, forecasting bool)
	// Summarise the steps from winStart to winEnd (inclusive); the row for a
	// step is its step number plus offset.
	Summarise(h *History, ts TimeScale, winStart, winEnd float64, offset int) error
	SaveState(g *Group) error
	LoadState(g *Group) error
	Stats() map[string]*mat.Dense
}

// ResampleConfig controls when and how particles are resampled.
type ResampleConfig struct {
	// Resample when the effective fraction of particles drops below this
	Threshold float64
	Method    Method
	// PRNG seed, zero picks one from the clock
	Seed uint64
	// Post-regularised particle filter
	Regularisation bool
	// Fail rather than skip when the covariance is not positive definite
	RegulariseOrFail bool
	// Minimum range of a smooth parameter to be regularised
	RegTolerance float64
}

// HistConfig controls the particle history matrix.
type HistConfig struct {
	// Sliding window size and shift, in time units; zero disables the window
	WindowSize  int
	WindowShift int
	Particles   int
	// Extra columns after the state vector; the last two are weight and parent
	ExtraCols int
	// Cache file name (relative to OutDir); empty uses a temporary file
	CacheFile string
}

// Params holds the simulation parameters. The filter only modifies the time
// scale, whose period is set by each run; a Params value must not be shared
// by concurrent runs.
type Params struct {
	Resample ResampleConfig
	Hist     HistConfig

	Model         Model
	Time          TimeScale
	LogLikelihood LikelihoodFunc
	Prior         map[string]Sampler

	StepsPerUnit int
	// Number of most recent observation periods passed to the likelihood
	LastNPeriods int

	// Bounds for every state column
	ParamMin []float64
	ParamMax []float64

	OutDir string
	TmpDir string

	Logger *logrus.Logger
}

func (p *Params) log() *logrus.Logger {
	if p.Logger == nil {
		return logrus.StandardLogger()
	}
	return p.Logger
}

// StateCols returns the number of state vector columns.
func (p *Params) StateCols() int { return p.Model.StateSize() }

// windowed reports whether the sliding window is enabled.
func (p *Params) windowed() bool {
	return p.Hist.WindowSize > 0 && p.Hist.WindowShift > 0
}

// State is a simulation state, as produced by Run or loaded from a checkpoint.
type State struct {
	Hist *History
	// Row of the most recent time-step in Hist
	Offset int
	// True start of the simulation
	Epoch float64
	// Steps since the most recent resampling, -1 if none
	SinceResample int
	// Summary tables at the end of the run
	Summary map[string]*mat.Dense

	prng []byte
}
