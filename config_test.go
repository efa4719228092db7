package pfilter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultParams(t *testing.T) {
	p := DefaultParams(walkModel{}, NewScalar(), 7, 1000)

	assert.Equal(t, 0.25, p.Resample.Threshold)
	assert.Equal(t, MethodDeterministic, p.Resample.Method)
	assert.Equal(t, 1e-8, p.Resample.RegTolerance)
	assert.False(t, p.Resample.Regularisation)
	assert.Equal(t, 14, p.Hist.WindowSize)
	assert.Equal(t, 7, p.Hist.WindowShift)
	assert.Equal(t, 1000, p.Hist.Particles)
	assert.Equal(t, 5, p.StepsPerUnit)
	assert.Equal(t, 1, p.LastNPeriods)
	assert.Equal(t, []float64{-100, -1}, p.ParamMin)
	assert.Equal(t, []float64{100, 1}, p.ParamMax)
	assert.Contains(t, p.Prior, "drift")
	assert.NoError(t, p.Validate())
}

func TestParams_Validate(t *testing.T) {
	cases := map[string]func(p *Params){
		"no model":         func(p *Params) { p.Model = nil },
		"no time scale":    func(p *Params) { p.Time = nil },
		"steps per unit":   func(p *Params) { p.StepsPerUnit = 0 },
		"particles":        func(p *Params) { p.Hist.Particles = 0 },
		"extra columns":    func(p *Params) { p.Hist.ExtraCols = 1 },
		"threshold":        func(p *Params) { p.Resample.Threshold = -0.1 },
		"method":           func(p *Params) { p.Resample.Method = Method(9) },
		"tolerance":        func(p *Params) { p.Resample.RegTolerance = -1 },
		"window shift":     func(p *Params) { p.Hist.WindowSize, p.Hist.WindowShift = 2, 3 },
		"negative window":  func(p *Params) { p.Hist.WindowSize = -1 },
		"last n periods":   func(p *Params) { p.LastNPeriods = -1 },
		"parameter bounds": func(p *Params) { p.ParamMin = p.ParamMin[:1] },
	}
	for name, modify := range cases {
		p := testParams(t, 10)
		require.NoError(t, p.Validate(), name)
		modify(p)
		assert.ErrorIs(t, p.Validate(), ErrConfiguration, name)
	}
}

func TestParseMethod(t *testing.T) {
	for _, m := range []Method{MethodBasic, MethodStratified, MethodDeterministic} {
		got, err := ParseMethod(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	got, err := ParseMethod(" Stratified ")
	require.NoError(t, err)
	assert.Equal(t, MethodStratified, got)

	_, err = ParseMethod("systematic")
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Equal(t, "Method(9)", Method(9).String())
}

func TestReadConfig(t *testing.T) {
	c, err := ReadConfigString(ExampleConfig)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), c)

	text := `
[resample]
method = stratified
seed = 1234
regularisation = true
regularise-or-fail = true
reg-tolerance = 0.001

[history]
particles = 500
window-size = 14
window-shift = 7
cache-file = history.sqlite

[filter]
steps-per-unit = 4
tmp-dir = /var/tmp
`
	path := filepath.Join(t.TempDir(), "filter.ini")
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))
	c, err = ReadConfig(path)
	require.NoError(t, err)

	p := DefaultParams(walkModel{}, NewScalar(), 0, 10)
	require.NoError(t, c.Apply(p))
	assert.Equal(t, MethodStratified, p.Resample.Method)
	assert.Equal(t, uint64(1234), p.Resample.Seed)
	assert.True(t, p.Resample.Regularisation)
	assert.True(t, p.Resample.RegulariseOrFail)
	assert.Equal(t, 0.001, p.Resample.RegTolerance)
	// Unset values keep their defaults
	assert.Equal(t, 0.25, p.Resample.Threshold)
	assert.Equal(t, 2, p.Hist.ExtraCols)
	assert.Equal(t, 500, p.Hist.Particles)
	assert.Equal(t, 14, p.Hist.WindowSize)
	assert.Equal(t, 7, p.Hist.WindowShift)
	assert.Equal(t, "history.sqlite", p.Hist.CacheFile)
	assert.Equal(t, 4, p.StepsPerUnit)
	assert.Equal(t, 1, p.LastNPeriods)
	assert.Equal(t, ".", p.OutDir)
	assert.Equal(t, "/var/tmp", p.TmpDir)
	assert.NoError(t, p.Validate())
}

func TestReadConfig_Invalid(t *testing.T) {
	for name, text := range map[string]string{
		"method":    "[resample]\nmethod = systematic\n",
		"threshold": "[resample]\nthreshold = 1.5\n",
		"particles": "[history]\nparticles = 0\n",
		"extra":     "[history]\nextra-cols = 1\n",
		"steps":     "[filter]\nsteps-per-unit = 0\n",
		"unknown":   "[resample]\nbogus = 1\n",
		"syntax":    "[resample\n",
	} {
		_, err := ReadConfigString(text)
		assert.ErrorIs(t, err, ErrConfiguration, name)
	}

	_, err := ReadConfig(filepath.Join(t.TempDir(), "missing.ini"))
	assert.ErrorIs(t, err, ErrConfiguration)
}
