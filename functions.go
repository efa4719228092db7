package pfilter

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Unlimited is the maxBack value used when no resampling has occurred.
const Unlimited = -1

// --- RESAMPLING ---

// Resample replaces the particles in px (one time-step of the history
// matrix) with an equally weighted set drawn in proportion to their weights.
// The parent column of each new particle records its original index.
// HOW TO USE:
// err := Resample(sim, hist.Row(ix))
func Resample(s *Sim, px *mat.Dense) error {
	count, cols := px.Dims()
	wcol := cols - 2

	// Sort by weight, descending; ties keep their original order
	sortedIx := make([]int, count)
	for i := range sortedIx {
		sortedIx[i] = i
	}
	sort.SliceStable(sortedIx, func(a, b int) bool {
		return px.At(sortedIx[a], wcol) > px.At(sortedIx[b], wcol)
	})

	// Upper bound of each interval
	sortedWs := make([]float64, count)
	for i, ix := range sortedIx {
		sortedWs[i] = px.At(ix, wcol)
	}
	bounds := make([]float64, count)
	floats.CumSum(bounds, sortedWs)

	choices, err := resampleChoices(s, count)
	if err != nil {
		return err
	}

	newPx := mat.DenseCopyOf(px)
	// Both the bounds and the choices are increasing, so a single pass
	// through each is enough.
	bix := 0
	for j, choice := range choices {
		for bix < count-1 && bounds[bix] < choice {
			bix++
		}
		src := px.RawRowView(sortedIx[bix])
		dst := newPx.RawRowView(j)
		copy(dst[:wcol], src[:wcol])
		dst[cols-1] = float64(sortedIx[bix])
	}
	w := 1.0 / float64(count)
	for j := 0; j < count; j++ {
		newPx.Set(j, wcol, w)
	}

	if s.Params.Resample.Regularisation {
		if err := PostRegularise(s, px, newPx); err != nil {
			return err
		}
	}
	px.Copy(newPx)
	return nil
}

// resampleChoices draws count increasing values in [0, 1).
func resampleChoices(s *Sim, count int) ([]float64, error) {
	unif := distuv.Uniform{Min: 0, Max: 1, Src: s.Rnd}
	n := float64(count)
	choices := make([]float64, count)
	switch s.Params.Resample.Method {
	case MethodBasic:
		for j := range choices {
			choices[j] = unif.Rand()
		}
		sort.Float64s(choices)
	case MethodStratified:
		for j := range choices {
			choices[j] = (unif.Rand() + float64(j)) / n
		}
	case MethodDeterministic:
		u := unif.Rand()
		for j := range choices {
			choices[j] = (u + float64(j)) / n
		}
	default:
		return nil, fmt.Errorf("%w: invalid resampling method %d", ErrConfiguration,
			int(s.Params.Resample.Method))
	}
	return choices, nil
}

// PostRegularise perturbs the smooth model parameters of the resampled
// particles newPx with samples from a Gaussian kernel fitted to the
// pre-resampling particles px (the post-regularised particle filter, see
// Doucet et al., Sequential Monte Carlo Methods in Practice, ch. 12).
// newPx is updated in place.
func PostRegularise(s *Sim, px, newPx *mat.Dense) error {
	p := s.Params
	log := p.log()
	count, cols := px.Dims()
	weights := mat.Col(nil, cols-2, px)

	details := p.Model.Describe()
	var ixs []int
	for ix, info := range details {
		if info.Smooth {
			ixs = append(ixs, ix)
		}
	}
	if len(ixs) == 0 {
		log.Debug("Post-RPF: no parameters to resample")
		return nil
	}

	// Near-constant columns make the covariance matrix singular
	columns := make([][]float64, 0, len(ixs))
	var good []int
	for _, ix := range ixs {
		col := mat.Col(nil, ix, px)
		if floats.Max(col)-floats.Min(col) >= p.Resample.RegTolerance {
			good = append(good, ix)
			columns = append(columns, col)
		}
	}
	if len(good) < len(ixs) {
		log.Debugf("Post-RPF found %d constant parameter(s)", len(ixs)-len(good))
	}
	ixs = good
	if len(ixs) == 0 {
		log.Debug("Post-RPF: no non-constant parameters to resample")
		return nil
	}

	// Half the optimal bandwidth for a Gaussian kernel, to allow for
	// multi-modal densities
	npar := len(ixs)
	h := 0.5 * math.Pow(4/(float64(count)*float64(npar+2)), 1/float64(npar+4))

	cov, covErr := weightedCov(columns, weights)
	var chol mat.Cholesky
	if covErr != nil || !chol.Factorize(cov) {
		names := make([]string, npar)
		mins := make([]float64, npar)
		maxs := make([]float64, npar)
		means := make([]float64, npar)
		for k, ix := range ixs {
			names[k] = details[ix].Name
			mins[k] = floats.Min(columns[k])
			maxs[k] = floats.Max(columns[k])
			means[k] = stat.Mean(columns[k], nil)
		}
		log.Warn("Post-RPF Cholesky decomposition failed")
		log.Warnf("Post-RPF parameters: %s", strings.Join(names, ", "))
		log.Warnf("Minimum values: %v", mins)
		log.Warnf("Maximum values: %v", maxs)
		log.Warnf("Mean values:    %v", means)
		if cov != nil {
			log.Warnf("Covariance matrix:\n%v", mat.Formatted(cov, mat.Prefix("      ")))
		}
		if p.Resample.RegulariseOrFail {
			return fmt.Errorf("%w: post-regularisation covariance is not positive definite",
				ErrNumerical)
		}
		return nil
	}
	L := mat.NewTriDense(npar, mat.Lower, nil)
	chol.LTo(L)

	// Zero-mean multivariate normal samples with covariance cov, scaled by h
	norm := distuv.Normal{Mu: 0, Sigma: 1, Src: s.Rnd}
	std := mat.NewDense(npar, count, nil)
	for k := 0; k < npar; k++ {
		for i := 0; i < count; i++ {
			std.Set(k, i, h*norm.Rand())
		}
	}
	var scaled mat.Dense
	scaled.Mul(L, std)

	for k, ix := range ixs {
		lo, hi := p.ParamMin[ix], p.ParamMax[ix]
		for i := 0; i < count; i++ {
			v := newPx.At(i, ix) + scaled.At(k, i)
			newPx.Set(i, ix, math.Min(math.Max(v, lo), hi))
		}
	}
	return nil
}

// weightedCov returns the unbiased weighted covariance of the given columns,
// normalising by 1 - sum(w^2) for weights that sum to one.
func weightedCov(columns [][]float64, weights []float64) (*mat.SymDense, error) {
	wsum := floats.Sum(weights)
	if wsum <= 0 {
		return nil, fmt.Errorf("%w: weights sum to %g", ErrNumerical, wsum)
	}
	w := make([]float64, len(weights))
	floats.ScaleTo(w, 1/wsum, weights)
	denom := 1 - floats.Dot(w, w)
	if denom <= 0 {
		return nil, fmt.Errorf("%w: all weight on a single particle", ErrNumerical)
	}

	k, n := len(columns), len(w)
	sqrtw := make([]float64, n)
	for i, wi := range w {
		sqrtw[i] = math.Sqrt(wi)
	}
	// Centred columns, scaled by the square root of the weights
	xt := mat.NewDense(k, n, nil)
	for j, col := range columns {
		row := xt.RawRowView(j)
		copy(row, col)
		floats.AddConst(-stat.Mean(col, w), row)
		floats.Mul(row, sqrtw)
	}
	cov := mat.NewSymDense(k, nil)
	cov.SymOuterK(1/denom, xt)
	return cov, nil
}

// --- REWEIGHTING ---

// logLikelihoodOf returns the log-likelihood of the observations for each
// particle at time-step ix.
func logLikelihoodOf(s *Sim, h *History, ix int, obs []Observation, maxBack int) ([]float64, error) {
	p := s.Params
	if p.LogLikelihood == nil {
		return nil, fmt.Errorf("%w: no likelihood function", ErrConfiguration)
	}
	if err := h.CheckEntire(p); err != nil {
		return nil, err
	}

	periods := make(map[int]bool)
	lastN := p.LastNPeriods
	if lastN < 1 {
		lastN = 1
	}
	for _, o := range obs {
		for n := 1; n <= lastN; n++ {
			periods[o.Period*n] = true
		}
	}

	// Past state vectors, in the current particle order
	hists := make(map[int]*mat.Dense, len(periods))
	for period := range periods {
		stepsBack := p.StepsPerUnit * period
		if maxBack == Unlimited || maxBack >= stepsBack {
			if stepsBack > ix {
				// The period starts before the first retained row
				hists[period] = h.Row(0)
			} else {
				hists[period] = h.Row(ix - stepsBack)
			}
		} else {
			hists[period] = h.EarlierStates(ix, stepsBack)
		}
	}

	logs := p.LogLikelihood(p, obs, h.States(ix), hists, h.Weights(ix))
	if len(logs) != h.Particles {
		return nil, fmt.Errorf("%w: %d log-likelihoods for %d particles",
			ErrState, len(logs), h.Particles)
	}
	return logs, nil
}

// Reweight adjusts the particle weights at time-step ix in response to the
// observations. It reports whether resampling is required and the effective
// number of particles.
// maxBack is the number of time-steps since the most recent resampling, or
// Unlimited; it bounds how far back the current particle order is valid.
func Reweight(s *Sim, h *History, ix int, obs []Observation, maxBack int) (bool, float64, error) {
	p := s.Params
	logs, err := logLikelihoodOf(s, h, ix, obs, maxBack)
	if err != nil {
		return false, 0, err
	}

	// Scale so the largest likelihood is 1, to keep small likelihoods in range
	floats.AddConst(-floats.Max(logs), logs)

	ws := h.Weights(ix)
	prevEff := 1 / floats.Dot(ws, ws)
	for i, l := range logs {
		ws[i] *= math.Exp(l)
	}
	sorted := append([]float64(nil), ws...)
	sort.Float64s(sorted)
	wsSum := floats.Sum(sorted)
	floats.Scale(1/wsSum, ws)

	nans := 0
	for _, w := range ws {
		if math.IsNaN(w) {
			nans++
		}
	}
	if nans > 0 {
		// Either the new weights were all zero, or every non-zero new weight
		// belongs to a particle whose previous weight was zero.
		return false, 0, fmt.Errorf("%w: %d NaN weights; ws_sum = %g", ErrNumerical, nans, wsSum)
	}
	for i, w := range ws {
		h.SetWeight(ix, i, w)
	}

	numEff := 1 / floats.Dot(ws, ws)
	needsResample := numEff/float64(h.Particles) < p.Resample.Threshold

	if decr := numEff / prevEff; decr < 0.1 {
		p.log().Debugf("Effective particles decreased by %g", decr)
	}
	return needsResample, numEff, nil
}

// --- STEPPING ---

func logStep(s *Sim, when float64, resampled bool, numEff float64, reweighted bool) {
	rs := "N"
	if resampled {
		rs = "Y"
	}
	log := s.Params.log()
	if reweighted {
		log.Debugf("%s RS: %s, #px: %7.1f", s.Params.Time.Format(when), rs, numEff)
	} else if resampled {
		log.Debugf("%s RS: %s", s.Params.Time.Format(when), rs)
	}
}

// Step advances every particle by a single time-step, from row ix-1 to row
// ix, and accounts for any observations made at this time. It reports
// whether the particles were resampled.
func Step(s *Sim, h *History, ix, stepNum int, when float64, obs []Observation,
	maxBack int, forecasting bool) (bool, error) {
	p := s.Params
	if err := h.CheckEntire(p); err != nil {
		return false, err
	}
	if ix < 1 || ix >= h.Steps {
		return false, fmt.Errorf("%w: step %d maps to row %d of %d",
			ErrState, stepNum, ix, h.Steps)
	}

	p.Model.Update(s, when, s.Dt, forecasting, h.States(ix-1), h.States(ix))

	// Weights carry forward until reweighted; order is unchanged until resampled
	for i := 0; i < h.Particles; i++ {
		h.SetWeight(ix, i, h.Weight(ix-1, i))
		h.SetParent(ix, i, i)
	}

	resample := false
	numEff := 0.0
	if len(obs) > 0 {
		var err error
		resample, numEff, err = Reweight(s, h, ix, obs, maxBack)
		if err != nil {
			return false, err
		}
	}
	logStep(s, when, resample, numEff, len(obs) > 0)

	if resample {
		if err := Resample(s, h.Row(ix)); err != nil {
			return false, err
		}
		logStep(s, when, true, float64(h.Particles), true)
	}
	return resample, nil
}
