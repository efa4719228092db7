package pfilter

import (
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"gonum.org/v1/gonum/floats"
)

// Resumed describes where a forecasting run should begin.
type Resumed struct {
	// Cached state to continue from, nil if the run must start afresh
	State *State
	// Period to simulate from the cached state; only valid when State is set
	Start, End float64
	FsDates    []float64
	// Cache file into which checkpoints should be saved
	SaveTo string
	// Removes any temporary files; safe to call more than once
	Clean func()
}

// Resume loads the most recent cached state that is consistent with the
// current observations, so that a forecasting run can skip the time-steps
// that it has already simulated.
//
// When no cache file is configured, a temporary file is used instead. It is
// removed by Clean, and also when the process receives SIGTERM.
func Resume(p *Params, streams [][]Observation, fsDates []float64, summary Summary) (*Resumed, error) {
	if p.Hist.CacheFile == "" {
		return tempCache(p, fsDates)
	}

	path := filepath.Join(p.OutDir, p.Hist.CacheFile)
	res := &Resumed{FsDates: fsDates, SaveTo: path, Clean: func() {}}
	log := p.log().WithField("cache", path)

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		log.Debug("Missing cache file")
		return res, nil
	}

	st, start, err := loadResumable(p, path, streams, fsDates, summary)
	if err != nil {
		if !errors.Is(err, ErrCache) {
			return nil, err
		}
		// An unusable cache file is replaced by a temporary one
		log.WithError(err).Warn("Could not read cache file")
		return tempCache(p, fsDates)
	}
	if st == nil {
		return res, nil
	}
	log.Debugf("Loading state for %s", p.Time.Format(start))
	res.State = st
	res.Start = start
	if len(fsDates) > 0 {
		res.End = floats.Max(fsDates)
	}
	return res, nil
}

// loadResumable returns the checkpoint to resume from and its date, or a nil
// state if there is none.
func loadResumable(p *Params, path string, streams [][]Observation, fsDates []float64,
	summary Summary) (*State, float64, error) {
	log := p.log().WithField("cache", path)

	cache, err := OpenCache(path)
	if err != nil {
		return nil, 0, err
	}
	defer cache.Close()

	cached, ok, err := cache.LoadObservations(p.Time)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		log.Debug("Cache file does not have observations")
		return nil, 0, nil
	}

	// Only observations up to the earliest forecasting date are compared,
	// even if later cached states are consistent with later observations.
	limit := math.Inf(1)
	if len(fsDates) > 0 {
		limit = floats.Min(fsDates)
	}
	var current []Observation
	for _, stream := range streams {
		for _, o := range stream {
			if o.Date <= limit {
				current = append(current, o)
			}
		}
	}
	var known []Observation
	for _, o := range cached {
		if o.Date <= limit {
			known = append(known, o)
		}
	}

	// Find the most recent checkpoint before the first difference, and no
	// later than the earliest forecasting date
	firstDiff, differ := firstDifference(known, current)
	if differ {
		log.Debugf("Observations differ from %s", p.Time.Format(firstDiff))
	}
	keys, err := cache.Groups("hist")
	if err != nil {
		return nil, 0, err
	}
	found, best := false, 0.0
	for _, key := range keys {
		when, err := p.Time.Parse(key)
		if err != nil {
			continue
		}
		if when > limit || (differ && when >= firstDiff) {
			continue
		}
		if !found || when > best {
			found, best = true, when
		}
	}
	if !found {
		log.Debug("No cached state precedes the first difference")
		return nil, 0, nil
	}

	st, err := cache.LoadCheckpoint(p, p.Time.Format(best), summary)
	if err != nil || st == nil {
		return nil, 0, err
	}
	return st, best, nil
}

// firstDifference returns the earliest date at which an observation is
// present in only one of the two lists. The Source field is ignored.
func firstDifference(cached, current []Observation) (float64, bool) {
	firstDiff, differ := math.Inf(1), false
	for _, o := range cached {
		if !containsObs(current, o) && o.Date < firstDiff {
			firstDiff, differ = o.Date, true
		}
	}
	for _, o := range current {
		if !containsObs(cached, o) && o.Date < firstDiff {
			firstDiff, differ = o.Date, true
		}
	}
	return firstDiff, differ
}

func sameObs(a, b Observation) bool {
	return a.Date == b.Date && a.Value == b.Value && a.Unit == b.Unit &&
		a.Period == b.Period && a.Incomplete == b.Incomplete &&
		a.UpperBound == b.UpperBound
}

func containsObs(list []Observation, o Observation) bool {
	for _, x := range list {
		if sameObs(x, o) {
			return true
		}
	}
	return false
}

// tempCache allocates a temporary cache file in p.TmpDir.
func tempCache(p *Params, fsDates []float64) (*Resumed, error) {
	dir, err := os.MkdirTemp(p.TmpDir, "pfilter-")
	if err != nil {
		return nil, fmt.Errorf("%w: temporary directory: %v", ErrConfiguration, err)
	}
	file := filepath.Join(dir, "history.sqlite")
	clean := cleaner(p, []string{file, file + "-journal"}, []string{dir})

	sigs := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(sigs, syscall.SIGTERM)
	go func() {
		select {
		case <-sigs:
			clean()
			os.Exit(0)
		case <-done:
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			signal.Stop(sigs)
			close(done)
			clean()
		})
	}

	p.log().Debugf("Temporary file for history matrix: %s", file)
	return &Resumed{FsDates: fsDates, SaveTo: file, Clean: stop}, nil
}

// cleaner returns a function that removes files and then directories,
// logging (but otherwise ignoring) any failures.
func cleaner(p *Params, files, dirs []string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			log := p.log()
			for _, f := range files {
				if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
					log.Warn(fmt.Errorf("%w: %v", ErrResource, err))
				}
			}
			for _, d := range dirs {
				if err := os.Remove(d); err != nil && !errors.Is(err, os.ErrNotExist) {
					log.Warn(fmt.Errorf("%w: %v", ErrResource, err))
				}
			}
		})
	}
}
