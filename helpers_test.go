package pfilter

import (
	"io"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// helper: compare floats with tolerance
func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

// walkModel is a random walk with an uncertain drift: x += drift*dt + noise.
type walkModel struct {
	sigma float64
}

func (m walkModel) StateSize() int { return 2 }

func (m walkModel) Describe() []ParamInfo {
	return []ParamInfo{
		{Name: "x", Smooth: false, Min: -100, Max: 100},
		{Name: "drift", Smooth: true, Min: -1, Max: 1},
	}
}

func (m walkModel) Priors(p *Params) map[string]Sampler {
	return map[string]Sampler{
		"drift": func(rnd *rand.Rand, size int) []float64 {
			dist := distuv.Uniform{Min: -1, Max: 1, Src: rnd}
			out := make([]float64, size)
			for i := range out {
				out[i] = dist.Rand()
			}
			return out
		},
	}
}

func (m walkModel) Init(s *Sim, out *mat.Dense) {
	n, _ := out.Dims()
	drifts := m.Priors(s.Params)["drift"](s.Rnd, n)
	for i := 0; i < n; i++ {
		out.Set(i, 0, 0)
		out.Set(i, 1, drifts[i])
	}
}

func (m walkModel) Update(s *Sim, when, dt float64, forecasting bool, prev, curr *mat.Dense) {
	noise := distuv.Normal{Mu: 0, Sigma: m.sigma * math.Sqrt(dt), Src: s.Rnd}
	n, _ := prev.Dims()
	for i := 0; i < n; i++ {
		drift := prev.At(i, 1)
		curr.Set(i, 0, prev.At(i, 0)+drift*dt+noise.Rand())
		curr.Set(i, 1, drift)
	}
}

// walkLikelihood observes x with Gaussian noise.
func walkLikelihood(p *Params, obs []Observation, curr *mat.Dense,
	hists map[int]*mat.Dense, weights []float64) []float64 {
	n, _ := curr.Dims()
	logs := make([]float64, n)
	for _, o := range obs {
		for i := range logs {
			logs[i] += distuv.Normal{Mu: curr.At(i, 0), Sigma: 0.5}.LogProb(o.Value)
		}
	}
	return logs
}

// fixedModel has fixed columns and leaves the states alone.
type fixedModel struct {
	info []ParamInfo
}

func (m fixedModel) StateSize() int { return len(m.info) }
func (m fixedModel) Describe() []ParamInfo { return m.info }
func (m fixedModel) Priors(p *Params) map[string]Sampler { return nil }
func (m fixedModel) Init(s *Sim, out *mat.Dense) {}
func (m fixedModel) Update(s *Sim, when, dt float64, forecasting bool, prev, curr *mat.Dense) {
	curr.Copy(prev)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// testParams returns parameters for the random walk model, 2 steps per unit,
// with output and temporary files kept inside the test's directories.
func testParams(t *testing.T, particles int) *Params {
	t.Helper()
	p := DefaultParams(walkModel{sigma: 0.1}, NewScalar(), 0, particles)
	p.StepsPerUnit = 2
	p.Resample.Seed = 42
	p.Resample.Threshold = 0.5
	p.LogLikelihood = walkLikelihood
	p.OutDir = t.TempDir()
	p.TmpDir = t.TempDir()
	p.Logger = quietLogger()
	return p
}

// linearObs observes x = slope*t at each of the given times.
func linearObs(slope float64, times ...float64) []Observation {
	obs := make([]Observation, len(times))
	for i, t := range times {
		obs[i] = Observation{Unit: "x", Period: 1, Source: "test", Date: t, Value: slope * t}
	}
	return obs
}

func unitTimes(from, to int) []float64 {
	var ts []float64
	for t := from; t <= to; t++ {
		ts = append(ts, float64(t))
	}
	return ts
}

// constSource always returns the same value, so that every uniform draw
// equals u.
type constSource struct {
	u float64
}

func (c constSource) Uint64() uint64 {
	return uint64(c.u * (1 << 53))
}

func fixedSim(p *Params, u float64) *Sim {
	return &Sim{Params: p, Rnd: rand.New(constSource{u}), Dt: 1 / float64(p.StepsPerUnit)}
}
