package pfilter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForecast_InvalidDates(t *testing.T) {
	p := testParams(t, 10)
	streams := [][]Observation{linearObs(0.5, 1, 2)}

	_, err := Forecast(p, 0, 10, streams, nil, NewWeightedMeans(0), "")
	assert.ErrorIs(t, err, ErrConfiguration)

	for _, d := range []float64{-1, 10, 12} {
		_, err := Forecast(p, 0, 10, streams, []float64{4, d}, NewWeightedMeans(0), "")
		assert.ErrorIs(t, err, ErrState, "date %g", d)
	}
}

func TestForecast(t *testing.T) {
	p := testParams(t, 50)
	obs := linearObs(0.5, unitTimes(1, 9)...)
	streams := [][]Observation{obs}

	fs, err := Forecast(p, 0, 10, streams, []float64{6, 4}, NewWeightedMeans(0), "result.sqlite")
	require.NoError(t, err)

	assert.Equal(t, []float64{4, 6}, fs.Dates)
	assert.Equal(t, obs, fs.Obs)
	require.NotNil(t, fs.Complete)
	assert.Equal(t, 20, fs.Complete.Offset)
	require.Len(t, fs.ByDate, 2)

	for key, from := range map[string]float64{"4": 4, "6": 6} {
		st := fs.ByDate[key]
		require.NotNil(t, st, key)
		assert.Equal(t, 20, st.Offset, key)
		means := st.Summary["means"]
		require.NotNil(t, means, key)
		rows, _ := means.Dims()
		// One row per forecast step
		assert.Equal(t, int(2*(10-from)), rows, key)
		assert.Equal(t, from+0.5, means.At(0, 0), key)
	}

	// The temporary cache file was removed
	entries, err := os.ReadDir(p.TmpDir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	meta, err := ReadForecastMeta(filepath.Join(p.OutDir, "result.sqlite"))
	require.NoError(t, err)
	assert.NotEmpty(t, meta["run_id"])
	params, ok := meta["params"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "deterministic", params["resample_method"])
	assert.Equal(t, []any{"drift"}, meta["priors"])

	out, err := OpenCache(filepath.Join(p.OutDir, "result.sqlite"))
	require.NoError(t, err)
	defer out.Close()
	require.NoError(t, out.View(func(root *Group) error {
		values, shape, err := root.Sub("data/4").ReadFloat64s("means")
		require.NoError(t, err)
		assert.Equal(t, []int{12, 3}, shape)
		assert.Len(t, values, 36)
		ok, err := root.Has("data/complete/means")
		assert.True(t, ok)
		return err
	}))
}

// A second forecast resumes from the cache, and gives the same forecasts.
func TestForecast_ResumesFromCache(t *testing.T) {
	p := testParams(t, 50)
	p.Hist.CacheFile = "cache.sqlite"
	streams := [][]Observation{linearObs(0.5, unitTimes(1, 9)...)}
	dates := []float64{4, 6}

	first, err := Forecast(p, 0, 10, streams, dates, NewWeightedMeans(0), "")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(p.OutDir, "cache.sqlite"))

	second, err := Forecast(p, 0, 10, streams, dates, NewWeightedMeans(0), "")
	require.NoError(t, err)

	// Resumed from the earliest forecasting date, and only estimated up to
	// the last one
	assert.Equal(t, 12, second.Complete.Offset)
	for _, key := range []string{"4", "6"} {
		assert.Equal(t, first.ByDate[key].Hist.Raw(), second.ByDate[key].Hist.Raw(), key)
	}
}

func TestForecast_FromStart(t *testing.T) {
	p := testParams(t, 10)
	fs, err := Forecast(p, 0, 2, [][]Observation{linearObs(0.5, 1)}, []float64{0}, NewWeightedMeans(0), "")
	require.NoError(t, err)
	require.Contains(t, fs.ByDate, "0")
	assert.Equal(t, 4, fs.ByDate["0"].Offset)
}
