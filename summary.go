package pfilter

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// WeightedMeans is a minimal Summary: it records the weighted mean of every
// state column at each summarised time-step ("means" table, one row per
// step: time then means), and monitors the peak of one column across runs.
type WeightedMeans struct {
	// State column whose peak is monitored
	PeakCol int

	rows [][]float64

	// Peak monitor, carried over between runs via SaveState/LoadState
	peakTime  float64
	peakValue float64
	hasPeak   bool
}

func NewWeightedMeans(peakCol int) *WeightedMeans {
	return &WeightedMeans{PeakCol: peakCol}
}

// Allocate clears the table; the peak monitor is kept.
func (wm *WeightedMeans) Allocate(start, end float64, forecasting bool) {
	wm.rows = nil
}

func (wm *WeightedMeans) Summarise(h *History, ts TimeScale, winStart, winEnd float64, offset int) error {
	for _, st := range ts.Steps() {
		if st.When < winStart || st.When > winEnd {
			continue
		}
		ix := st.Num + offset
		if ix < 0 || ix >= h.Steps {
			continue
		}
		ws := h.Weights(ix)
		states := h.States(ix)
		row := make([]float64, 1+h.StateCols)
		row[0] = st.When
		for c := 0; c < h.StateCols; c++ {
			row[c+1] = stat.Mean(mat.Col(nil, c, states), ws)
		}
		wm.rows = append(wm.rows, row)

		if wm.PeakCol < h.StateCols {
			v := row[wm.PeakCol+1]
			if !wm.hasPeak || v > wm.peakValue {
				wm.peakTime, wm.peakValue, wm.hasPeak = st.When, v, true
			}
		}
	}
	return nil
}

// Peak returns the time and value of the largest weighted mean seen so far.
func (wm *WeightedMeans) Peak() (float64, float64, bool) {
	return wm.peakTime, wm.peakValue, wm.hasPeak
}

func (wm *WeightedMeans) SaveState(g *Group) error {
	if !wm.hasPeak {
		return g.Delete("peak")
	}
	return g.WriteFloat64s("peak", []int{2}, []float64{wm.peakTime, wm.peakValue})
}

func (wm *WeightedMeans) LoadState(g *Group) error {
	vals, _, err := g.ReadFloat64s("peak")
	if errors.Is(err, errNoDataset) {
		wm.peakTime, wm.peakValue, wm.hasPeak = 0, math.Inf(-1), false
		return nil
	}
	if err != nil {
		return err
	}
	if len(vals) != 2 {
		return fmt.Errorf("%w: peak monitor has %d values", ErrCache, len(vals))
	}
	wm.peakTime, wm.peakValue, wm.hasPeak = vals[0], vals[1], true
	return nil
}

func (wm *WeightedMeans) Stats() map[string]*mat.Dense {
	stats := make(map[string]*mat.Dense)
	if len(wm.rows) == 0 {
		return stats
	}
	means := mat.NewDense(len(wm.rows), len(wm.rows[0]), nil)
	for i, row := range wm.rows {
		means.SetRow(i, row)
	}
	stats["means"] = means
	if wm.hasPeak {
		stats["peak"] = mat.NewDense(1, 2, []float64{wm.peakTime, wm.peakValue})
	}
	return stats
}
