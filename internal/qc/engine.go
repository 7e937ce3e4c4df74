// Package qc runs the iterative quality control of a time × depth series: a
// single gross check followed by statistical phases that reject samples
// improbable under the climatology of the surviving population.
package qc

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chrissnell/insituqc/internal/climatology"
	"github.com/chrissnell/insituqc/internal/grossqc"
	"github.com/chrissnell/insituqc/internal/log"
	"github.com/chrissnell/insituqc/internal/store"
	"github.com/chrissnell/insituqc/internal/timeaxis"
	"github.com/chrissnell/insituqc/internal/types"
)

// Params configures a QC run.
type Params struct {
	// Iterations is the number of statistical phases. 0 runs the gross check
	// only and -1 disables QC entirely.
	Iterations int
	// UpdateMode loads the climatology from the store instead of computing it.
	UpdateMode bool
	// ProbabilityThreshold times the density grid step is the density below
	// which a residual is rejected.
	ProbabilityThreshold float64
	// ValidDaysMinimum is the data coverage, in days, a depth needs within a
	// calendar month before its samples in that month can be rejected.
	ValidDaysMinimum float64
	Grid             climatology.Grid
	Bandwidth        float64
}

// DefaultParams returns the standard settings with five statistical phases.
func DefaultParams() Params {
	return Params{
		Iterations:           5,
		ProbabilityThreshold: 0.05,
		ValidDaysMinimum:     15,
		Grid:                 climatology.DefaultGrid(),
		Bandwidth:            climatology.DefaultBandwidth,
	}
}

// Input is one unit of work: a variable of one platform on its depth levels.
type Input struct {
	Key         store.Key
	Variable    string
	Institution string
	Time        []int64
	Depths      []float64
	Values      types.Grid
	// SamplingStep in seconds; computed from Time when zero.
	SamplingStep int64
}

// Output holds the per-iteration history of a run. Every slice indexed by
// iteration has Iterations+1 entries; entry 0 is the gross check.
type Output struct {
	Iterations int
	// Flags[k][t][d] is the flag of sample (t, d) after iteration k.
	Flags [][][]types.Flag
	// Good[k] is the input with every sample rejected up to iteration k masked.
	Good []types.Grid
	// Profiles[k], Densities[k] and Residuals[k] describe the population of Good[k].
	Profiles  []climatology.Profile
	Densities []climatology.Density
	Residuals []types.Grid
	Stats     types.RejectionStatistics
	// RejectedPercent[k][d] is the share of records rejected at depth d by iteration k.
	RejectedPercent [][]float64
	// Artifact is the terminal climatology, nil in update mode.
	Artifact *climatology.Artifact
}

// Clean returns the input with every rejected sample masked.
func (o *Output) Clean() types.Grid {
	return o.Good[len(o.Good)-1]
}

// Engine runs the QC state machine.
type Engine struct {
	params  Params
	checker *grossqc.Checker
	store   store.ClimatologyStore
	logger  *zap.SugaredLogger
}

// NewEngine creates an engine. The store may be nil when no artifact needs
// to be loaded or saved.
func NewEngine(params Params, checker *grossqc.Checker, st store.ClimatologyStore, logger *zap.SugaredLogger) *Engine {
	return &Engine{params: params, checker: checker, store: st, logger: log.OrNop(logger)}
}

func (in Input) validate() error {
	if len(in.Time) == 0 {
		return fmt.Errorf("%w: empty time axis", types.ErrAllMissing)
	}
	cols := in.Values.Cols()
	if in.Depths != nil && len(in.Depths) != cols {
		return fmt.Errorf("%w: %d depth levels for %d data columns", types.ErrShapeMismatch, len(in.Depths), cols)
	}
	return in.Values.CheckShape(len(in.Time), cols)
}

// Run quality-controls in. Units without any valid sample return
// types.ErrAllMissing; shape mismatches and a missing update-mode artifact
// are hard errors.
func (e *Engine) Run(ctx context.Context, in Input) (*Output, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if in.Values.CountValid() == 0 {
		e.logger.Warnf("%s: all data missing, unit skipped", in.Key)
		return nil, fmt.Errorf("%w: %s", types.ErrAllMissing, in.Key)
	}

	n := e.params.Iterations
	if e.params.UpdateMode && n > 1 {
		e.logger.Warnf("%s: update mode runs a single statistical phase, %d requested", in.Key, n)
		n = 1
	}
	if n < -1 {
		return nil, fmt.Errorf("invalid iteration count %d", n)
	}

	rows, cols := in.Values.Rows(), in.Values.Cols()
	out := &Output{
		Iterations: max(n, 0),
		Stats: types.RejectionStatistics{
			Total:  rows * cols,
			Filled: rows*cols - in.Values.CountValid(),
		},
	}
	initial := types.FlagsFromValidity(in.Values.Valid)
	if n < 0 {
		out.Iterations = 0
		out.Flags = [][][]types.Flag{initial}
		out.Good = []types.Grid{in.Values}
		return out, nil
	}

	slots := n + 1
	out.Flags = make([][][]types.Flag, slots)
	out.Good = make([]types.Grid, slots)
	out.Profiles = make([]climatology.Profile, slots)
	out.Densities = make([]climatology.Density, slots)
	out.Residuals = make([]types.Grid, slots)
	out.RejectedPercent = make([][]float64, slots)
	out.Stats.Statistic = make([]int, n)

	// iteration 0: gross check
	gross := e.checker.Run(in.Values, in.Variable, in.Institution)
	out.Stats.Range, out.Stats.Spike, out.Stats.Stuck = gross.Counts()
	out.Good[0] = in.Values.Mask(gross.Rejected)
	out.Flags[0] = markBad(initial, gross.Rejected)
	out.RejectedPercent[0] = rejectedProfile(gross.Rejected, rows)

	var baseline *climatology.Artifact
	if e.params.UpdateMode && n >= 1 {
		var err error
		if baseline, err = e.loadBaseline(ctx, in); err != nil {
			return nil, err
		}
	}

	var step int64
	if n >= 1 {
		step = in.SamplingStep
		if step <= 0 {
			var err error
			if step, err = timeaxis.SamplingStep(in.Time); err != nil {
				return nil, fmt.Errorf("%s: %w", in.Key, err)
			}
		}
	}

	for k := 1; k <= n; k++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := e.describe(out, k-1, in.Time, baseline); err != nil {
			return nil, fmt.Errorf("%s: iteration %d: %w", in.Key, k, err)
		}
		reject, err := e.statisticalCheck(out, k-1, in.Time, step)
		if err != nil {
			return nil, fmt.Errorf("%s: iteration %d: %w", in.Key, k, err)
		}
		out.Good[k] = out.Good[k-1].Mask(reject)
		out.Flags[k] = markBad(out.Flags[k-1], reject)
		out.Stats.Statistic[k-1] = types.CountMask(reject)
		out.RejectedPercent[k] = rejectedProfile(reject, rows)

		e.logger.Infow("statistical check",
			"unit", in.Key.String(),
			"iteration", k,
			"rejected", out.Stats.Statistic[k-1],
			"checked", out.Good[k-1].CountValid(),
		)
	}

	if err := e.describe(out, n, in.Time, baseline); err != nil {
		return nil, fmt.Errorf("%s: terminal climatology: %w", in.Key, err)
	}
	if !e.params.UpdateMode {
		out.Artifact = e.newArtifact(in, out, n)
		if err := e.saveArtifact(ctx, in.Key, out.Artifact); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// describe fills the climatology, residual and density slot k from Good[k],
// or from the baseline when one is loaded.
func (e *Engine) describe(out *Output, k int, times []int64, baseline *climatology.Artifact) error {
	good := out.Good[k]
	if baseline != nil {
		out.Profiles[k] = baseline.Profile
		out.Densities[k] = baseline.Density
		residuals := climatology.Residuals(good, times, baseline.Profile)
		out.Residuals[k] = climatology.Detrend(residuals, times, baseline.Profile.Trend)
		return nil
	}

	profile := climatology.Estimate(good, times)
	residuals := climatology.Residuals(good, times, profile)
	profile.Trend = climatology.FitTrends(residuals, times)
	for d, tr := range profile.Trend {
		if tr == (climatology.Trend{}) && good.CountValidColumn(d) > 0 {
			e.logger.Debugf("level %d: no usable trend, residuals left as is", d)
		}
	}
	out.Profiles[k] = profile
	out.Residuals[k] = climatology.Detrend(residuals, times, profile.Trend)
	out.Densities[k] = climatology.EstimateDensity(out.Residuals[k], e.params.Grid, e.params.Bandwidth)
	return nil
}

// statisticalCheck rejects the valid samples of Good[k] whose detrended
// residual has a density strictly below the floor, except in depth × month
// cells covering fewer than ValidDaysMinimum days.
func (e *Engine) statisticalCheck(out *Output, k int, times []int64, step int64) ([][]bool, error) {
	good, residuals, density := out.Good[k], out.Residuals[k], out.Densities[k]
	rows, cols := good.Rows(), good.Cols()
	floor := density.Floor(e.params.ProbabilityThreshold)

	months := make([]int, rows)
	var counts [climatology.Months][]int
	for m := range counts {
		counts[m] = make([]int, cols)
	}
	for t := range times {
		months[t] = climatology.MonthIndex(times[t])
		for d := 0; d < cols; d++ {
			if good.Valid[t][d] {
				counts[months[t]][d]++
			}
		}
	}
	judged := func(m, d int) bool {
		return float64(counts[m][d])*float64(step)/86400 >= e.params.ValidDaysMinimum
	}

	reject := types.NewMask(rows, cols)
	for d := 0; d < cols; d++ {
		curve, err := density.Curve(d)
		if err != nil {
			return nil, err
		}
		if curve == nil {
			continue
		}
		for t := 0; t < rows; t++ {
			if !good.Valid[t][d] || !residuals.Valid[t][d] || !judged(months[t], d) {
				continue
			}
			p, ok := curve.At(residuals.Values[t][d])
			if ok && improbable(p, floor) {
				reject[t][d] = true
			}
		}
	}
	return reject, nil
}

// improbable reports whether density p lies strictly below floor.
func improbable(p, floor float64) bool {
	return p < floor
}

func (e *Engine) loadBaseline(ctx context.Context, in Input) (*climatology.Artifact, error) {
	if e.store == nil {
		return nil, fmt.Errorf("%s: update mode requires a climatology store: %w", in.Key, store.ErrNotFound)
	}
	a, err := e.store.Load(ctx, in.Key)
	if err != nil {
		e.logger.Errorf("%s: cannot load climatology baseline: %v", in.Key, err)
		return nil, fmt.Errorf("%s: loading climatology: %w", in.Key, err)
	}
	if err := a.Validate(in.Values.Cols()); err != nil {
		return nil, fmt.Errorf("%s: stored climatology does not match: %w", in.Key, err)
	}
	e.logger.Infof("%s: using climatology %s (%d-%d)", in.Key, a.ID, a.StartYear, a.EndYear)
	return a, nil
}

func (e *Engine) newArtifact(in Input, out *Output, n int) *climatology.Artifact {
	a := &climatology.Artifact{
		ID:        uuid.NewString(),
		Variable:  in.Variable,
		Depths:    in.Depths,
		Profile:   out.Profiles[n],
		Density:   out.Densities[n],
		CreatedAt: time.Now().UTC(),
	}
	a.SetPeriod(in.Time)
	return a
}

func (e *Engine) saveArtifact(ctx context.Context, key store.Key, a *climatology.Artifact) error {
	if e.store == nil {
		e.logger.Debugf("%s: no climatology store configured, artifact not saved", key)
		return nil
	}
	if err := e.store.Save(ctx, key, a); err != nil {
		return fmt.Errorf("%s: saving climatology: %w", key, err)
	}
	e.logger.Infof("%s: saved climatology %s", key, a.ID)
	return nil
}

// markBad returns a copy of flags with every rejected sample set to FlagBad.
func markBad(flags [][]types.Flag, reject [][]bool) [][]types.Flag {
	out := make([][]types.Flag, len(flags))
	for t := range flags {
		out[t] = append([]types.Flag(nil), flags[t]...)
		for d, bad := range reject[t] {
			if bad {
				out[t][d] = types.FlagBad
			}
		}
	}
	return out
}

// rejectedProfile returns, per depth, the percentage of rows rejected,
// rounded to two decimals.
func rejectedProfile(reject [][]bool, rows int) []float64 {
	if len(reject) == 0 {
		return nil
	}
	out := make([]float64, len(reject[0]))
	for d := range out {
		n := 0
		for t := range reject {
			if reject[t][d] {
				n++
			}
		}
		out[d] = math.Round(float64(n)/float64(rows)*100*100) / 100
	}
	return out
}
