package pfilter

import (
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

func TestRun_Deterministic(t *testing.T) {
	streams := [][]Observation{linearObs(0.5, unitTimes(1, 10)...)}

	p1 := testParams(t, 100)
	st1, err := Run(p1, 0, 10, streams, NewWeightedMeans(0), RunOptions{})
	require.NoError(t, err)

	p2 := testParams(t, 100)
	st2, err := Run(p2, 0, 10, streams, NewWeightedMeans(0), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, st1.Hist.Raw(), st2.Hist.Raw())
	assert.Equal(t, 20, st1.Offset)
	assert.Equal(t, st1.SinceResample, st2.SinceResample)

	// The filter tracks the observations
	means := st1.Summary["means"]
	require.NotNil(t, means)
	last, _ := means.Dims()
	assert.InDelta(t, 5.0, means.At(last-1, 1), 1.0)
}

func TestRun_Forecasting(t *testing.T) {
	p := testParams(t, 20)
	st, err := Run(p, 0, 3, nil, NewWeightedMeans(0), RunOptions{})
	require.NoError(t, err)

	// Without observations the weights never change
	for px := 0; px < 20; px++ {
		assert.InDelta(t, 1.0/20, st.Hist.Weight(st.Offset, px), 1e-12)
	}
	assert.Equal(t, -1, st.SinceResample)

	// The run leaves its period on the time scale
	assert.Equal(t, 6, p.Time.StepCount())
}

// Each time-step is summarised exactly once, however often the window moves.
func TestRun_SlidingWindow(t *testing.T) {
	p := testParams(t, 50)
	p.Hist.WindowSize = 2
	p.Hist.WindowShift = 1
	streams := [][]Observation{linearObs(0.5, unitTimes(1, 10)...)}

	st, err := Run(p, 0, 10, streams, NewWeightedMeans(0), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 5, st.Hist.Steps)
	assert.Equal(t, 4, st.Offset)

	means := st.Summary["means"]
	require.NotNil(t, means)
	rows, _ := means.Dims()
	require.Equal(t, 20, rows)
	for i := 0; i < rows; i++ {
		assert.InDelta(t, 0.5*float64(i+1), means.At(i, 0), 1e-12)
	}
	ws := st.Hist.Weights(st.Offset)
	assert.InDelta(t, 1.0, floats.Sum(ws), 1e-9)
}

func TestRun_HistoryFull(t *testing.T) {
	p := testParams(t, 10)
	st, err := Run(p, 0, 2, nil, NewWeightedMeans(0), RunOptions{})
	require.NoError(t, err)

	// Continuing past the end of a matrix with no sliding window
	_, err = Run(p, 2, 4, nil, NewWeightedMeans(0), RunOptions{State: st})
	assert.ErrorIs(t, err, ErrState)
}

func TestRun_InvalidState(t *testing.T) {
	p := testParams(t, 10)
	st, err := Run(p, 0, 2, nil, NewWeightedMeans(0), RunOptions{})
	require.NoError(t, err)

	other := testParams(t, 11)
	_, err = Run(other, 2, 3, nil, NewWeightedMeans(0), RunOptions{State: st})
	assert.ErrorIs(t, err, ErrState)

	st.Offset = st.Hist.Steps
	_, err = Run(p, 2, 3, nil, NewWeightedMeans(0), RunOptions{State: st})
	assert.ErrorIs(t, err, ErrState)
}

func TestRun_StepError(t *testing.T) {
	p := testParams(t, 10)
	p.LogLikelihood = func(p *Params, obs []Observation, curr *mat.Dense,
		hists map[int]*mat.Dense, weights []float64) []float64 {
		logs := make([]float64, len(weights))
		for i := range logs {
			logs[i] = math.NaN()
		}
		return logs
	}
	_, err := Run(p, 0, 5, [][]Observation{linearObs(1, 2)}, NewWeightedMeans(0), RunOptions{})
	require.Error(t, err)

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, 4, stepErr.Step)
	assert.Equal(t, "2", stepErr.When)
	assert.ErrorIs(t, err, ErrNumerical)
}

func TestRun_InvalidParams(t *testing.T) {
	p := testParams(t, 10)
	p.Resample.Threshold = 2
	_, err := Run(p, 0, 5, nil, NewWeightedMeans(0), RunOptions{})
	assert.ErrorIs(t, err, ErrConfiguration)
}

// Resuming from a checkpoint gives the same result as an uninterrupted run.
func TestRun_CheckpointRoundTrip(t *testing.T) {
	for _, window := range []bool{false, true} {
		p := testParams(t, 100)
		p.Resample.Regularisation = true
		if window {
			p.Hist.WindowSize = 4
			p.Hist.WindowShift = 2
		}
		streams := [][]Observation{linearObs(0.5, unitTimes(1, 10)...)}

		cache, err := OpenCache(filepath.Join(t.TempDir(), "cache.sqlite"))
		require.NoError(t, err)
		defer cache.Close()

		full, err := Run(p, 0, 10, streams, NewWeightedMeans(0), RunOptions{
			SaveWhen: []float64{4},
			SaveTo:   cache,
		})
		require.NoError(t, err)

		summary := NewWeightedMeans(0)
		saved, err := cache.LoadCheckpoint(p, "4", summary)
		require.NoError(t, err)
		require.NotNil(t, saved)
		assert.Equal(t, 0.0, saved.Epoch)

		resumed, err := Run(p, 4, 10, streams, summary, RunOptions{State: saved})
		require.NoError(t, err)

		assert.Equal(t, full.Offset, resumed.Offset, "window %v", window)
		assert.Equal(t, full.SinceResample, resumed.SinceResample, "window %v", window)
		assert.Equal(t, full.Hist.Weights(full.Offset), resumed.Hist.Weights(resumed.Offset),
			"window %v", window)
		assert.Equal(t, full.Hist.Row(full.Offset).RawMatrix().Data,
			resumed.Hist.Row(resumed.Offset).RawMatrix().Data, "window %v", window)
	}
}

func TestRun_CheckpointReplaced(t *testing.T) {
	p := testParams(t, 10)
	cache, err := OpenCache(filepath.Join(t.TempDir(), "cache.sqlite"))
	require.NoError(t, err)
	defer cache.Close()

	opts := RunOptions{SaveWhen: []float64{0, 1.5}, SaveTo: cache}
	for i := 0; i < 2; i++ {
		_, err := Run(p, 0, 3, nil, NewWeightedMeans(0), opts)
		require.NoError(t, err)
	}
	keys, err := cache.Groups("hist")
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "1.5"}, keys)

	st, err := cache.LoadCheckpoint(p, "1.5", NewWeightedMeans(0))
	require.NoError(t, err)
	assert.Equal(t, 3, st.Offset)
	st, err = cache.LoadCheckpoint(p, "0", NewWeightedMeans(0))
	require.NoError(t, err)
	assert.Equal(t, 0, st.Offset)
}
