package pfilter

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/gcfg.v1"
)

// DefaultParams returns the default filter parameters for a model.
//
// The sliding window keeps 2*maxDays time units in memory and shifts by
// maxDays, where maxDays is the longest span that must be kept in memory
// (e.g., the largest observation period). A maxDays of zero disables the
// window and keeps the entire history.
func DefaultParams(model Model, ts TimeScale, maxDays, pxCount int) *Params {
	details := model.Describe()
	pMin := make([]float64, len(details))
	pMax := make([]float64, len(details))
	for i, d := range details {
		pMin[i], pMax[i] = d.Min, d.Max
	}
	p := &Params{
		Resample: ResampleConfig{
			Threshold: 0.25,
			// See the appendix of Kitagawa (1996)
			Method:       MethodDeterministic,
			RegTolerance: 1e-8,
		},
		Hist: HistConfig{
			WindowSize:  2 * maxDays,
			WindowShift: maxDays,
			Particles:   pxCount,
			ExtraCols:   2,
		},
		Model:        model,
		Time:         ts,
		StepsPerUnit: 5,
		LastNPeriods: 1,
		ParamMin:     pMin,
		ParamMax:     pMax,
		OutDir:       ".",
		TmpDir:       os.TempDir(),
	}
	p.Prior = model.Priors(p)
	return p
}

// Validate checks p before any simulation starts.
func (p *Params) Validate() error {
	if p.Model == nil {
		return fmt.Errorf("%w: no model", ErrConfiguration)
	}
	if p.Time == nil {
		return fmt.Errorf("%w: no time scale", ErrConfiguration)
	}
	if p.StepsPerUnit < 1 {
		return fmt.Errorf("%w: steps per unit must be positive, got %d",
			ErrConfiguration, p.StepsPerUnit)
	}
	if p.Hist.Particles < 1 {
		return fmt.Errorf("%w: too few particles: %d", ErrConfiguration, p.Hist.Particles)
	}
	if p.Hist.ExtraCols < 2 {
		return fmt.Errorf("%w: too few extra columns: %d < 2", ErrConfiguration, p.Hist.ExtraCols)
	}
	if t := p.Resample.Threshold; t < 0 || t > 1 {
		return fmt.Errorf("%w: resampling threshold %g outside [0, 1]", ErrConfiguration, t)
	}
	switch p.Resample.Method {
	case MethodBasic, MethodStratified, MethodDeterministic:
	default:
		return fmt.Errorf("%w: invalid resampling method %d", ErrConfiguration, p.Resample.Method)
	}
	if p.Resample.RegTolerance < 0 {
		return fmt.Errorf("%w: negative regularisation tolerance %g",
			ErrConfiguration, p.Resample.RegTolerance)
	}
	if p.Hist.WindowSize < 0 || p.Hist.WindowShift < 0 {
		return fmt.Errorf("%w: negative sliding window (%d, %d)",
			ErrConfiguration, p.Hist.WindowSize, p.Hist.WindowShift)
	}
	if p.windowed() && p.Hist.WindowShift > p.Hist.WindowSize {
		return fmt.Errorf("%w: window shift %d exceeds window size %d",
			ErrConfiguration, p.Hist.WindowShift, p.Hist.WindowSize)
	}
	if p.LastNPeriods < 0 {
		return fmt.Errorf("%w: negative last_n_periods %d", ErrConfiguration, p.LastNPeriods)
	}
	n := p.StateCols()
	if len(p.ParamMin) != n || len(p.ParamMax) != n {
		return fmt.Errorf("%w: parameter bounds have lengths %d and %d, expected %d",
			ErrConfiguration, len(p.ParamMin), len(p.ParamMax), n)
	}
	return nil
}

func (m Method) String() string {
	switch m {
	case MethodBasic:
		return "basic"
	case MethodStratified:
		return "stratified"
	case MethodDeterministic:
		return "deterministic"
	}
	return fmt.Sprintf("Method(%d)", int(m))
}

// ParseMethod returns the resampling method with the given name.
func ParseMethod(name string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "basic":
		return MethodBasic, nil
	case "stratified":
		return MethodStratified, nil
	case "deterministic":
		return MethodDeterministic, nil
	}
	return 0, fmt.Errorf("%w: invalid resampling method %q", ErrConfiguration, name)
}

// ExampleConfig is a complete configuration file, with the default values.
const ExampleConfig = `[resample]
# Resample when the effective fraction of particles falls below this.
threshold = 0.25
# One of basic, stratified or deterministic.
method = deterministic
# PRNG seed; 0 seeds from the clock.
seed = 0
# Perturb smooth parameters after resampling (post-regularisation).
regularisation = false
# Abort, rather than skip regularisation, if the covariance matrix is not
# positive definite.
regularise-or-fail = false
# Parameters whose range is smaller than this are not regularised.
reg-tolerance = 1e-8

[history]
particles = 1000
# Sliding window size and shift, in time units. 0 keeps the entire history.
window-size = 0
window-shift = 0
extra-cols = 2
# Relative to out-dir; a temporary file is used when this is not set.
# cache-file = history.sqlite

[filter]
steps-per-unit = 5
last-n-periods = 1
out-dir = .
# Defaults to the system temporary directory.
# tmp-dir = /tmp
`

// ResampleSection is the [resample] section of a configuration file.
type ResampleSection struct {
	Threshold        float64
	Method           string
	Seed             uint64
	Regularisation   bool
	RegulariseOrFail bool    `gcfg:"regularise-or-fail"`
	RegTolerance     float64 `gcfg:"reg-tolerance"`
}

// HistorySection is the [history] section of a configuration file.
type HistorySection struct {
	Particles   int
	WindowSize  int    `gcfg:"window-size"`
	WindowShift int    `gcfg:"window-shift"`
	ExtraCols   int    `gcfg:"extra-cols"`
	CacheFile   string `gcfg:"cache-file"`
}

// FilterSection is the [filter] section of a configuration file.
type FilterSection struct {
	StepsPerUnit int    `gcfg:"steps-per-unit"`
	LastNPeriods int    `gcfg:"last-n-periods"`
	OutDir       string `gcfg:"out-dir"`
	TmpDir       string `gcfg:"tmp-dir"`
}

// Config is the contents of a configuration file.
type Config struct {
	Resample ResampleSection
	History  HistorySection
	Filter   FilterSection
}

// DefaultConfig returns a configuration that matches DefaultParams.
func DefaultConfig() *Config {
	return &Config{
		Resample: ResampleSection{
			Threshold:    0.25,
			Method:       MethodDeterministic.String(),
			RegTolerance: 1e-8,
		},
		History: HistorySection{
			Particles: 1000,
			ExtraCols: 2,
		},
		Filter: FilterSection{
			StepsPerUnit: 5,
			LastNPeriods: 1,
			OutDir:       ".",
		},
	}
}

// ReadConfig reads a configuration file over the default configuration.
func ReadConfig(fname string) (*Config, error) {
	c := DefaultConfig()
	if err := gcfg.ReadFileInto(c, fname); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if err := c.CheckInit(); err != nil {
		return nil, err
	}
	return c, nil
}

// ReadConfigString is ReadConfig for configuration text.
func ReadConfigString(text string) (*Config, error) {
	c := DefaultConfig()
	if err := gcfg.ReadStringInto(c, text); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if err := c.CheckInit(); err != nil {
		return nil, err
	}
	return c, nil
}

// CheckInit validates the values that can be checked without a model.
func (c *Config) CheckInit() error {
	if _, err := ParseMethod(c.Resample.Method); err != nil {
		return err
	}
	if c.Resample.Threshold < 0 || c.Resample.Threshold > 1 {
		return fmt.Errorf("%w: threshold must be in [0, 1], but is %g",
			ErrConfiguration, c.Resample.Threshold)
	}
	if c.History.Particles < 1 {
		return fmt.Errorf("%w: particles must be positive, but is %d",
			ErrConfiguration, c.History.Particles)
	}
	if c.History.ExtraCols < 2 {
		return fmt.Errorf("%w: extra-cols must be at least 2, but is %d",
			ErrConfiguration, c.History.ExtraCols)
	}
	if c.Filter.StepsPerUnit < 1 {
		return fmt.Errorf("%w: steps-per-unit must be positive, but is %d",
			ErrConfiguration, c.Filter.StepsPerUnit)
	}
	return nil
}

// Apply copies the configuration into p.
func (c *Config) Apply(p *Params) error {
	method, err := ParseMethod(c.Resample.Method)
	if err != nil {
		return err
	}
	p.Resample = ResampleConfig{
		Threshold:        c.Resample.Threshold,
		Method:           method,
		Seed:             c.Resample.Seed,
		Regularisation:   c.Resample.Regularisation,
		RegulariseOrFail: c.Resample.RegulariseOrFail,
		RegTolerance:     c.Resample.RegTolerance,
	}
	p.Hist = HistConfig{
		WindowSize:  c.History.WindowSize,
		WindowShift: c.History.WindowShift,
		Particles:   c.History.Particles,
		ExtraCols:   c.History.ExtraCols,
		CacheFile:   c.History.CacheFile,
	}
	p.StepsPerUnit = c.Filter.StepsPerUnit
	p.LastNPeriods = c.Filter.LastNPeriods
	if c.Filter.OutDir != "" {
		p.OutDir = c.Filter.OutDir
	}
	if c.Filter.TmpDir != "" {
		p.TmpDir = c.Filter.TmpDir
	}
	return nil
}
