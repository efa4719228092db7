// Package sir is a deterministic SIR epidemic model with uncertain
// transmission and recovery rates, for use with the particle filter.
package sir

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"pfilter"
)

// State vector columns.
const (
	ColS = iota
	ColI
	ColR
	ColBeta
	ColGamma
	numCols
)

// Model is an SIR model of a closed population. Observations with unit
// "cases" count the new infections in each observation period.
type Model struct {
	Population float64
	// Initial infected fraction
	I0 float64
	// Probability that an infection is observed as a case
	ObsProb float64

	BetaMin, BetaMax   float64
	GammaMin, GammaMax float64
}

// New returns a model with broad priors for an influenza-like illness.
func New(population float64) *Model {
	return &Model{
		Population: population,
		I0:         1e-4,
		ObsProb:    0.1,
		BetaMin:    1.0,
		BetaMax:    2.0,
		GammaMin:   0.3,
		GammaMax:   0.8,
	}
}

func (m *Model) StateSize() int { return numCols }

func (m *Model) Describe() []pfilter.ParamInfo {
	return []pfilter.ParamInfo{
		{Name: "S", Smooth: false, Min: 0, Max: 1},
		{Name: "I", Smooth: false, Min: 0, Max: 1},
		{Name: "R", Smooth: false, Min: 0, Max: 1},
		{Name: "beta", Smooth: true, Min: m.BetaMin, Max: m.BetaMax},
		{Name: "gamma", Smooth: true, Min: m.GammaMin, Max: m.GammaMax},
	}
}

func uniform(min, max float64) pfilter.Sampler {
	return func(rnd *rand.Rand, size int) []float64 {
		dist := distuv.Uniform{Min: min, Max: max, Src: rnd}
		out := make([]float64, size)
		for i := range out {
			out[i] = dist.Rand()
		}
		return out
	}
}

func (m *Model) Priors(p *pfilter.Params) map[string]pfilter.Sampler {
	return map[string]pfilter.Sampler{
		"beta":  uniform(m.BetaMin, m.BetaMax),
		"gamma": uniform(m.GammaMin, m.GammaMax),
	}
}

func (m *Model) Init(s *pfilter.Sim, out *mat.Dense) {
	n, _ := out.Dims()
	prior := s.Params.Prior
	if prior == nil {
		prior = m.Priors(s.Params)
	}
	betas := prior["beta"](s.Rnd, n)
	gammas := prior["gamma"](s.Rnd, n)
	for i := 0; i < n; i++ {
		out.Set(i, ColS, 1-m.I0)
		out.Set(i, ColI, m.I0)
		out.Set(i, ColR, 0)
		out.Set(i, ColBeta, betas[i])
		out.Set(i, ColGamma, gammas[i])
	}
}

// Update takes a single forward-Euler step.
func (m *Model) Update(s *pfilter.Sim, when, dt float64, forecasting bool, prev, curr *mat.Dense) {
	n, _ := prev.Dims()
	for i := 0; i < n; i++ {
		sus, inf, rec := prev.At(i, ColS), prev.At(i, ColI), prev.At(i, ColR)
		beta, gamma := prev.At(i, ColBeta), prev.At(i, ColGamma)

		infections := math.Min(beta*sus*inf*dt, sus)
		recoveries := math.Min(gamma*inf*dt, inf)

		curr.Set(i, ColS, sus-infections)
		curr.Set(i, ColI, inf+infections-recoveries)
		curr.Set(i, ColR, rec+recoveries)
		curr.Set(i, ColBeta, beta)
		curr.Set(i, ColGamma, gamma)
	}
}

// ExpectedCases returns the expected number of observed cases for each
// particle, given the states at the start and end of the observation period.
func (m *Model) ExpectedCases(start, curr mat.Matrix) []float64 {
	n, _ := curr.Dims()
	out := make([]float64, n)
	for i := range out {
		incidence := start.At(i, ColS) - curr.At(i, ColS)
		out[i] = m.Population * m.ObsProb * math.Max(incidence, 0)
	}
	return out
}

// LogLikelihood treats case counts as Poisson distributed. Observations of
// other units are ignored.
func (m *Model) LogLikelihood(p *pfilter.Params, obs []pfilter.Observation, curr *mat.Dense,
	hists map[int]*mat.Dense, weights []float64) []float64 {
	n, _ := curr.Dims()
	logs := make([]float64, n)
	for _, o := range obs {
		if o.Unit != "cases" {
			continue
		}
		start, ok := hists[o.Period]
		if !ok {
			continue
		}
		expected := m.ExpectedCases(start, curr)
		for i, lambda := range expected {
			// Keeps a zero expectation from ruling out a particle entirely
			lambda = math.Max(lambda, 1e-3)
			logs[i] += distuv.Poisson{Lambda: lambda}.LogProb(math.Round(o.Value))
		}
	}
	return logs
}
