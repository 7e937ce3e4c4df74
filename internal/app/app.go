// Package app wires the processing stages into a run over a set of platform
// datasets: depth resolution, depth aggregation, time-axis repair, QC, flag
// application and optional time averaging, one unit per platform variable.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chrissnell/insituqc/internal/climatology"
	"github.com/chrissnell/insituqc/internal/depth"
	"github.com/chrissnell/insituqc/internal/grossqc"
	"github.com/chrissnell/insituqc/internal/log"
	"github.com/chrissnell/insituqc/internal/qc"
	"github.com/chrissnell/insituqc/internal/report"
	"github.com/chrissnell/insituqc/internal/store"
	"github.com/chrissnell/insituqc/internal/timeaxis"
	"github.com/chrissnell/insituqc/internal/timeavg"
	"github.com/chrissnell/insituqc/internal/types"
	"github.com/chrissnell/insituqc/pkg/config"
	"github.com/chrissnell/insituqc/pkg/dataset"
)

// Output file names written next to the processed datasets.
const (
	RejectionFile  = "rejection_process.csv"
	StatisticsFile = "rejection_statistics.csv"
)

// App represents one configured processing run
type App struct {
	cfg      *config.ConfigData
	store    store.ClimatologyStore
	resolver *depth.Resolver
	agg      *depth.Aggregator
	engine   *qc.Engine
	averager *timeavg.Averager
	accepted []types.Flag
	runID    string
	logger   *zap.SugaredLogger
}

// New creates an application after validating cfg. st may be nil when QC is
// disabled.
func New(cfg *config.ConfigData, st store.ClimatologyStore, logger *zap.SugaredLogger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	runID := uuid.NewString()
	logger = log.OrNop(logger).With("run", runID)

	params := depthParams(cfg.Depth)
	a := &App{
		cfg:      cfg,
		store:    st,
		resolver: depth.NewResolver(params, logger.Named("depth")),
		agg:      depth.NewAggregator(params, logger.Named("depth")),
		runID:    runID,
		logger:   logger,
	}
	checker := grossqc.NewChecker(grossTable(cfg), grossParams(cfg.QC), logger.Named("grossqc"))
	a.engine = qc.NewEngine(qcParams(cfg.QC), checker, st, logger.Named("qc"))

	if cfg.Averaging != nil {
		cadence, err := timeavg.ParseCadence(cfg.Averaging.Cadence)
		if err != nil {
			return nil, err
		}
		tolerance := cfg.Averaging.TolerancePercent
		if tolerance == 0 {
			tolerance = timeavg.DefaultTolerancePercent
		}
		a.averager = timeavg.NewAverager(cadence, tolerance, cfg.Averaging.HalfStepShift, logger.Named("timeavg"))
	}
	for _, f := range cfg.QC.AcceptedFlags {
		a.accepted = append(a.accepted, types.Flag(f))
	}
	return a, nil
}

// RunID identifies this run in the logs.
func (a *App) RunID() string {
	return a.runID
}

// Unit is one variable of one platform.
type Unit struct {
	Dataset  *types.Dataset
	Variable string
}

func (u Unit) String() string {
	return u.Dataset.Platform + "/" + u.Variable
}

// UnitResult is the outcome of a processed unit. Dataset holds the single
// variable on its canonical depth levels, cleaned, and averaged when
// configured; unless averaged it carries a "<name>_QC" flag variable.
type UnitResult struct {
	Unit    Unit
	Axis    types.DepthAxis
	Status  timeaxis.Status
	QC      *qc.Output
	Dataset *types.Dataset
}

// Units lists the units of ds: every variable, or the configured ones.
func (a *App) Units(ds *types.Dataset) []Unit {
	var units []Unit
	if len(a.cfg.Variables) > 0 {
		for _, sn := range a.cfg.Variables {
			units = append(units, Unit{Dataset: ds, Variable: sn})
		}
		return units
	}
	seen := make(map[string]bool)
	for _, name := range ds.VariableNames() {
		sn := standardName(ds.Variables[name])
		if !seen[sn] {
			seen[sn] = true
			units = append(units, Unit{Dataset: ds, Variable: sn})
		}
	}
	return units
}

// ProcessUnit runs the pipeline on one unit. Errors for which types.IsSkip
// holds mean the unit was skipped.
func (a *App) ProcessUnit(ctx context.Context, u Unit) (*UnitResult, error) {
	v, err := u.Dataset.FindVariable(u.Variable)
	if err != nil {
		return nil, err
	}
	single := &types.Dataset{
		Platform:    u.Dataset.Platform,
		Institution: u.Dataset.Institution,
		Time:        u.Dataset.Time,
		Depth:       u.Dataset.Depth,
		Lon:         u.Dataset.Lon,
		Lat:         u.Dataset.Lat,
		Variables:   map[string]*types.Variable{v.Name: v},
	}
	res := &UnitResult{Unit: u}

	res.Axis, err = a.resolver.Resolve(single, u.Variable)
	if err != nil {
		return nil, err
	}
	if res.Axis.Empty() {
		return nil, fmt.Errorf("%w: %s", types.ErrNoDepthAxis, u)
	}
	aggregated, err := a.agg.Aggregate(single, res.Axis.Levels, depth.AggregateOptions{})
	if err != nil {
		return nil, err
	}
	repaired, status, err := timeaxis.Repair(aggregated)
	if err != nil {
		return nil, err
	}
	res.Status = status
	if status != timeaxis.Monotonic {
		a.logger.Infof("%s: time axis had %s, repaired", u, status)
	}

	out := repaired
	if a.cfg.QC.Iterations >= 0 {
		data := out.Variables[v.Name]
		res.QC, err = a.engine.Run(ctx, qc.Input{
			Key:         store.NewKey(u.Dataset.Platform, u.Variable),
			Variable:    u.Variable,
			Institution: u.Dataset.Institution,
			Time:        out.Time,
			Depths:      res.Axis.Levels,
			Values:      data.Data,
		})
		if err != nil {
			return nil, err
		}
		cleaned, err := qc.ApplyFlags(data.Data, res.QC.Flags, a.cfg.QC.FlagIteration, a.accepted)
		if err != nil {
			return nil, err
		}
		out = withVariable(out, &types.Variable{
			Name: data.Name, StandardName: data.StandardName, Units: data.Units, Data: cleaned,
		})
		if a.averager == nil {
			out.Variables[data.Name+"_QC"] = flagVariable(data, res.QC.Flags, a.cfg.QC.FlagIteration)
		}
	}

	if a.averager != nil {
		avg, err := a.averager.Average(out)
		if err != nil {
			return nil, err
		}
		out = avg.Dataset
	}
	res.Dataset = out
	return res, nil
}

// Process runs every unit, concurrently up to the configured number of
// workers. Skipped units are logged and left out of the results; the other
// failures are combined into the returned error. Results are sorted by unit.
func (a *App) Process(ctx context.Context, units []Unit) ([]*UnitResult, error) {
	var (
		mu      sync.Mutex
		results []*UnitResult
		errs    error
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(a.cfg.Workers, 1))
	for _, u := range units {
		g.Go(func() error {
			res, err := a.ProcessUnit(ctx, u)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				results = append(results, res)
			case isSkip(err):
				a.logger.Warnf("%s: skipped: %v", u, err)
			case errors.Is(err, context.Canceled):
				return err
			default:
				a.logger.Errorf("%s: %v", u, err)
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", u, err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Unit.String() < results[j].Unit.String() })
	return results, errs
}

// Run processes the dataset files in inputs and writes one dataset per unit
// plus the rejection tables to outDir.
func (a *App) Run(ctx context.Context, inputs []string, outDir string) error {
	a.logger.Infof("processing %d input files", len(inputs))
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	var units []Unit
	var errs error
	for _, path := range inputs {
		ds, err := dataset.ReadFile(path)
		if err != nil {
			a.logger.Errorf("cannot read %s: %v", path, err)
			errs = multierr.Append(errs, err)
			continue
		}
		units = append(units, a.Units(ds)...)
	}

	results, err := a.Process(ctx, units)
	errs = multierr.Append(errs, err)
	if errors.Is(err, context.Canceled) {
		return err
	}

	ext := ".json"
	if len(inputs) > 0 {
		if f, err := dataset.FormatFromPath(inputs[0]); err == nil && f == dataset.MsgPack {
			ext = ".msgpack"
		}
	}
	var rows []report.Row
	for _, res := range results {
		path := filepath.Join(outDir, fileName(res.Unit, ext))
		if err := dataset.WriteFile(path, res.Dataset); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if res.QC != nil {
			rows = append(rows, report.Row{Platform: res.Unit.Dataset.Platform, Variable: res.Unit.Variable, Stats: res.QC.Stats})
		}
	}
	if a.cfg.QC.Iterations >= 0 {
		errs = multierr.Append(errs, a.writeReports(outDir, rows))
	}

	a.logger.Infow("run complete",
		"units", len(units),
		"processed", len(results),
		"errors", len(multierr.Errors(errs)),
	)
	return errs
}

func (a *App) writeReports(outDir string, rows []report.Row) error {
	iterations := a.cfg.QC.RunIterations()
	f, err := os.Create(filepath.Join(outDir, RejectionFile))
	if err != nil {
		return err
	}
	if err := report.WriteRejections(f, rows, iterations); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	f, err = os.Create(filepath.Join(outDir, StatisticsFile))
	if err != nil {
		return err
	}
	if err := report.WriteSummary(f, report.Aggregate(rows, iterations), iterations); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func isSkip(err error) bool {
	return types.IsSkip(err) ||
		errors.Is(err, timeavg.ErrSamplingTooCoarse) ||
		errors.Is(err, timeaxis.ErrMixedSampling)
}

func standardName(v *types.Variable) string {
	if v.StandardName != "" {
		return v.StandardName
	}
	return v.Name
}

// fileName names the output of u with the same sanitized parts as its
// artifact key.
func fileName(u Unit, ext string) string {
	k := store.NewKey(u.Dataset.Platform, u.Variable)
	return k.Platform + "_" + k.Variable + ext
}

func withVariable(ds *types.Dataset, v *types.Variable) *types.Dataset {
	out := *ds
	out.Variables = map[string]*types.Variable{v.Name: v}
	return &out
}

func flagVariable(data *types.Variable, flags [][][]types.Flag, iteration int) *types.Variable {
	if iteration < 0 || iteration >= len(flags) {
		iteration = len(flags) - 1
	}
	selected := flags[iteration]
	g := types.NewGrid(len(selected), data.Data.Cols())
	for t := range selected {
		for d, f := range selected[t] {
			g.Values[t][d] = float64(f)
			g.Valid[t][d] = true
		}
	}
	return &types.Variable{Name: data.Name + "_QC", StandardName: "status_flag", Data: g}
}

func depthParams(d config.DepthData) depth.Params {
	return depth.Params{
		MinimumSpacing:      d.MinimumSpacing,
		RelativeThreshold:   d.RelativeThreshold,
		FilledDataThreshold: d.FilledDataThreshold,
		Tolerance:           d.Tolerance,
		FillValue:           d.FillValue,
	}
}

func grossParams(q config.QCData) grossqc.Params {
	return grossqc.Params{
		RangeCheck:        q.RangeCheck,
		SpikeTest:         q.SpikeTest,
		StuckValueTest:    q.StuckValueTest,
		SpikeNeighbours:   q.SpikeNeighbours,
		SpikeMultiplier:   q.SpikeMultiplier,
		StuckMinimumCount: q.StuckMinimumCount,
		StuckNeighbours:   q.StuckNeighbours,
		StuckMultiplier:   q.StuckMultiplier,
	}
}

func grossTable(cfg *config.ConfigData) grossqc.Table {
	t := grossqc.Table{Ranges: make(map[string]grossqc.Range, len(cfg.RangeChecks))}
	for _, r := range cfg.RangeChecks {
		t.Ranges[r.Variable] = grossqc.Range{Min: r.Min, Max: r.Max}
	}
	for _, e := range cfg.StuckExceptions {
		t.StuckExceptions = append(t.StuckExceptions, grossqc.StuckException{
			Institution: e.Institution, Variable: e.Variable, Value: e.Value,
		})
	}
	return t
}

func qcParams(q config.QCData) qc.Params {
	return qc.Params{
		Iterations:           q.Iterations,
		UpdateMode:           q.UpdateMode,
		ProbabilityThreshold: q.ProbabilityThreshold,
		ValidDaysMinimum:     q.ValidDaysMinimum,
		Grid:                 climatology.Grid{Min: q.DensityMin, Max: q.DensityMax, Step: q.DensityStep},
		Bandwidth:            q.Bandwidth,
	}
}
