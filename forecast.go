package pfilter

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"
)

// Forecasts collects the results of Forecast.
type Forecasts struct {
	// Estimation run that incorporated every observation
	Complete *State
	// Forecasting runs, keyed by the canonical form of the forecasting date
	ByDate map[string]*State
	// Forecasting dates, in ascending order
	Dates []float64
	// Every observation, flattened into a single list
	Obs []Observation
}

// Forecast generates forecasts from each of the given dates. It runs a
// single estimation pass over the observations (resuming from the cache file
// where possible), then runs a forecast from the saved state at each date
// through to end. If filename is not empty the results are saved to that
// file in p.OutDir.
func Forecast(p *Params, start, end float64, streams [][]Observation, dates []float64,
	summary Summary, filename string) (*Forecasts, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	// Ensure that there is at least one forecasting date
	if len(dates) < 1 {
		return nil, fmt.Errorf("%w: no forecasting dates specified", ErrConfiguration)
	}
	// Ensure that the forecasting dates lie within the simulation period
	var invalid []string
	for _, d := range dates {
		if d < start || d >= end {
			invalid = append(invalid, p.Time.Format(d))
		}
	}
	if len(invalid) > 0 {
		return nil, fmt.Errorf("%w: invalid forecasting date(s) %v", ErrState, invalid)
	}
	log := p.log()

	fsDates := make([]float64, 0, len(dates))
	for _, d := range dates {
		if d >= start {
			fsDates = append(fsDates, d)
		}
	}
	sort.Float64s(fsDates)

	// Load the most recent cached state that is consistent with the
	// current observations
	sim, err := Resume(p, streams, fsDates, summary)
	if err != nil {
		return nil, err
	}
	defer sim.Clean()

	result := &Forecasts{ByDate: make(map[string]*State)}
	if len(sim.FsDates) == 0 {
		log.Warnf("All %d forecasting dates precede cached state", len(fsDates))
		return result, nil
	}
	fsDates = sim.FsDates
	result.Dates = fsDates

	estStart, estEnd := start, end
	if sim.State != nil {
		// Only simulate as far as the final forecasting date
		estStart, estEnd = sim.Start, sim.End
	}
	if estStart == estEnd {
		log.Infof("No estimation pass needed for %s", p.Time.Format(estEnd))
	} else {
		log.Infof("Estimating from %s to %s", p.Time.Format(estStart), p.Time.Format(estEnd))
	}

	cache, err := OpenCache(sim.SaveTo)
	if err != nil {
		return nil, err
	}
	defer cache.Close()

	state, err := Run(p, estStart, estEnd, streams, summary, RunOptions{
		State:    sim.State,
		SaveWhen: fsDates,
		SaveTo:   cache,
	})
	if err != nil {
		return nil, err
	}
	result.Complete = state

	// Also save the (flat list of) observations to the cache file
	for _, stream := range streams {
		result.Obs = append(result.Obs, stream...)
	}
	log.Debugf("Saving observations to cache: %s", sim.SaveTo)
	if err := cache.SaveObservations(p.Time, result.Obs); err != nil {
		return nil, err
	}

	for _, date := range fsDates {
		key := p.Time.Format(date)
		log.Infof("Forecasting from %s to %s", key, p.Time.Format(end))
		// The history matrix is reused for each forecast, since all of the
		// pertinent details are recorded in the summary.
		saved, err := cache.LoadCheckpoint(p, key, summary)
		if err != nil {
			return nil, err
		}
		if saved == nil {
			return nil, fmt.Errorf("%w: state for forecast date %s not found in %s",
				ErrState, key, sim.SaveTo)
		}
		fstate, err := Run(p, date, end, nil, summary, RunOptions{State: saved})
		if err != nil {
			return nil, err
		}
		result.ByDate[key] = fstate
	}

	if filename != "" {
		path := filepath.Join(p.OutDir, filename)
		log.Infof("Saving to: %s", path)
		if err := SaveForecasts(p, result, path); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// resultMeta is the YAML document stored in the meta group of a result file.
type resultMeta struct {
	RunID   string     `yaml:"run_id"`
	Created string     `yaml:"created"`
	Params  paramsMeta `yaml:"params"`
	Priors  []string   `yaml:"priors"`
	Env     envMeta    `yaml:"environment"`
}

type paramsMeta struct {
	Method           string    `yaml:"resample_method"`
	Threshold        float64   `yaml:"resample_threshold"`
	Seed             uint64    `yaml:"prng_seed"`
	Regularisation   bool      `yaml:"regularisation"`
	RegulariseOrFail bool      `yaml:"regularise_or_fail"`
	RegTolerance     float64   `yaml:"reg_tolerance"`
	Particles        int       `yaml:"particles"`
	WindowSize       int       `yaml:"window_size"`
	WindowShift      int       `yaml:"window_shift"`
	ExtraCols        int       `yaml:"extra_cols"`
	StepsPerUnit     int       `yaml:"steps_per_unit"`
	LastNPeriods     int       `yaml:"last_n_periods"`
	ParamMin         []float64 `yaml:"param_min,flow"`
	ParamMax         []float64 `yaml:"param_max,flow"`
}

type envMeta struct {
	GoVersion string `yaml:"go_version"`
	OS        string `yaml:"os"`
	Arch      string `yaml:"arch"`
	Host      string `yaml:"host,omitempty"`
}

func newResultMeta(p *Params) resultMeta {
	priors := make([]string, 0, len(p.Prior))
	for name := range p.Prior {
		priors = append(priors, name)
	}
	sort.Strings(priors)
	host, _ := os.Hostname()
	return resultMeta{
		RunID:   uuid.NewString(),
		Created: time.Now().UTC().Format(time.RFC3339),
		Params: paramsMeta{
			Method:           p.Resample.Method.String(),
			Threshold:        p.Resample.Threshold,
			Seed:             p.Resample.Seed,
			Regularisation:   p.Resample.Regularisation,
			RegulariseOrFail: p.Resample.RegulariseOrFail,
			RegTolerance:     p.Resample.RegTolerance,
			Particles:        p.Hist.Particles,
			WindowSize:       p.Hist.WindowSize,
			WindowShift:      p.Hist.WindowShift,
			ExtraCols:        p.Hist.ExtraCols,
			StepsPerUnit:     p.StepsPerUnit,
			LastNPeriods:     p.LastNPeriods,
			ParamMin:         p.ParamMin,
			ParamMax:         p.ParamMax,
		},
		Priors: priors,
		Env: envMeta{
			GoVersion: runtime.Version(),
			OS:        runtime.GOOS,
			Arch:      runtime.GOARCH,
			Host:      host,
		},
	}
}

// SaveForecasts writes the summary tables of every run to a result file,
// along with metadata that describes the simulation parameters. Tables are
// stored as data/<run>/<table>, where <run> is "complete" or a forecasting
// date.
func SaveForecasts(p *Params, fs *Forecasts, path string) error {
	meta, err := yaml.Marshal(newResultMeta(p))
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	out, err := OpenCache(path)
	if err != nil {
		return err
	}
	defer out.Close()

	return out.Update(func(root *Group) error {
		for _, name := range []string{"meta", "data"} {
			if err := root.Delete(name); err != nil {
				return err
			}
		}
		if err := root.Sub("meta").WriteBytes("yaml", meta); err != nil {
			return err
		}
		data := root.Sub("data")
		if fs.Complete != nil {
			if err := writeTables(data.Sub("complete"), fs.Complete.Summary); err != nil {
				return err
			}
		}
		for key, st := range fs.ByDate {
			if err := writeTables(data.Sub(key), st.Summary); err != nil {
				return err
			}
		}
		return nil
	})
}

func writeTables(g *Group, tables map[string]*mat.Dense) error {
	for name, m := range tables {
		r, c := m.Dims()
		raw := mat.DenseCopyOf(m).RawMatrix().Data
		if err := g.WriteFloat64s(name, []int{r, c}, raw); err != nil {
			return err
		}
	}
	return nil
}

// ReadForecastMeta returns the metadata document of a result file.
func ReadForecastMeta(path string) (map[string]any, error) {
	in, err := OpenCache(path)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	var doc map[string]any
	err = in.View(func(root *Group) error {
		b, err := root.Sub("meta").ReadBytes("yaml")
		if err != nil {
			return err
		}
		if err := yaml.Unmarshal(b, &doc); err != nil {
			return fmt.Errorf("%w: metadata: %v", ErrCache, err)
		}
		return nil
	})
	return doc, err
}
