package pfilter

import (
	"fmt"
)

// RunOptions are the optional inputs to Run.
type RunOptions struct {
	// Previous state to continue from; nil starts a new simulation
	State *State
	// Times at which to checkpoint the simulation state into SaveTo
	SaveWhen []float64
	SaveTo   *CacheFile
}

// Run runs the particle filter from start to end against any number of
// observation streams. A run with no streams is a forecasting run.
// The returned state records the history matrix, the row of the final
// time-step, and the summary statistics.
func Run(p *Params, start, end float64, streams [][]Observation, summary Summary,
	opts RunOptions) (*State, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	log := p.log()

	simTime := p.Time
	simTime.SetPeriod(start, end, p.StepsPerUnit)
	steps := simTime.WithObservations(streams...)
	forecasting := len(streams) == 0

	var (
		s      *Sim
		hist   *History
		offset int
		err    error
	)
	// Steps since the most recent resampling, before this run started
	lastRS, haveRS := 0, false
	if opts.State == nil {
		s = NewSim(p)
		s.Epoch = start
		if hist, err = NewHistory(s, simTime.StepCount()); err != nil {
			return nil, err
		}
	} else {
		if s, err = resumeSim(p, opts.State); err != nil {
			return nil, err
		}
		hist = opts.State.Hist
		offset = opts.State.Offset
		if err := hist.CheckEntire(p); err != nil {
			return nil, err
		}
		if offset < 0 || offset >= hist.Steps {
			return nil, fmt.Errorf("%w: offset %d outside history matrix of %d rows",
				ErrState, offset, hist.Steps)
		}
		if opts.State.SinceResample >= 0 {
			lastRS, haveRS = -opts.State.SinceResample, true
		}
	}

	saveAt := make(map[string]bool, len(opts.SaveWhen))
	for _, t := range opts.SaveWhen {
		saveAt[simTime.Format(t)] = true
	}
	sinceResample := func(stepNum int) int {
		if !haveRS {
			return -1
		}
		return stepNum - lastRS
	}

	summary.Allocate(start, end, forecasting)
	winStart, haveWinStart := start, true
	mostRecent, haveRecent := 0.0, false
	histIx := offset

	save := func(key string, stepNum int) error {
		// The row index is saved as the offset, since a run resumed from
		// here starts at step number one.
		prng, err := s.prngState()
		if err != nil {
			return err
		}
		ckpt := &State{
			Hist:          hist,
			Offset:        histIx,
			Epoch:         s.Epoch,
			SinceResample: sinceResample(stepNum),
			prng:          prng,
		}
		if err := opts.SaveTo.SaveCheckpoint(key, ckpt, summary); err != nil {
			return err
		}
		log.Debugf("Saved state for %s to %s", key, opts.SaveTo.Path())
		return nil
	}
	// Forecasts may also start from the beginning of the period
	if key := simTime.Format(start); opts.SaveTo != nil && saveAt[key] {
		if err := save(key, 0); err != nil {
			return nil, err
		}
	}

	for _, st := range steps {
		histIx = st.Num + offset
		if !haveWinStart {
			winStart, haveWinStart = mostRecent, true
		}

		// Shift the sliding window forward when the matrix is full
		if histIx == hist.Steps {
			shift := p.Hist.WindowShift * p.StepsPerUnit
			if !p.windowed() || shift >= hist.Steps {
				return nil, fmt.Errorf("%w: history matrix of %d rows is full at %s",
					ErrState, hist.Steps, simTime.Format(st.When))
			}
			// Summarise the block before it leaves the matrix
			winEnd := winStart
			if haveRecent {
				winEnd = mostRecent
			}
			if err := summary.Summarise(hist, simTime, winStart, winEnd, offset); err != nil {
				return nil, err
			}
			haveWinStart = false
			offset -= shift
			histIx = st.Num + offset
			hist.Shift(shift)
		}

		maxBack := Unlimited
		if haveRS {
			maxBack = st.Num - lastRS
		}
		resampled, err := Step(s, hist, histIx, st.Num, st.When, st.Obs, maxBack, forecasting)
		if err != nil {
			return nil, &StepError{Step: st.Num, When: simTime.Format(st.When), Wrapped: err}
		}
		if resampled {
			lastRS, haveRS = st.Num, true
		}
		mostRecent, haveRecent = st.When, true

		if key := simTime.Format(st.When); opts.SaveTo != nil && saveAt[key] {
			if err := save(key, st.Num); err != nil {
				return nil, err
			}
		}
	}

	// Summarise the remaining time-steps
	if haveWinStart && haveRecent {
		if err := summary.Summarise(hist, simTime, winStart, mostRecent, offset); err != nil {
			return nil, err
		}
	}

	lastStep := 0
	if len(steps) > 0 {
		lastStep = steps[len(steps)-1].Num
	}
	prng, err := s.prngState()
	if err != nil {
		return nil, err
	}
	return &State{
		Hist:          hist,
		Offset:        histIx,
		Epoch:         s.Epoch,
		SinceResample: sinceResample(lastStep),
		Summary:       summary.Stats(),
		prng:          prng,
	}, nil
}
