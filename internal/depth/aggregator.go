package depth

import (
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/chrissnell/insituqc/internal/log"
	"github.com/chrissnell/insituqc/internal/types"
)

// AggregateOptions restricts and shapes the aggregated output.
type AggregateOptions struct {
	// From and To, when set, keep only records with From <= time <= To.
	From, To *int64

	// KeepTrajectory keeps per-record horizontal coordinates instead of
	// collapsing them to a single averaged position.
	KeepTrajectory bool
}

// Aggregator buckets raw samples onto canonical depth levels.
type Aggregator struct {
	params Params
	logger *zap.SugaredLogger
}

// NewAggregator creates an aggregator. A nil logger discards output.
func NewAggregator(params Params, logger *zap.SugaredLogger) *Aggregator {
	return &Aggregator{params: params, logger: log.OrNop(logger)}
}

// Aggregate returns a copy of ds whose variables are laid out on levels. Each
// output cell is the masked mean of the raw cells whose depth falls within the
// level window; a raw cell contributes to the first matching level only.
func (a *Aggregator) Aggregate(ds *types.Dataset, levels []float64, opts AggregateOptions) (*types.Dataset, error) {
	if len(levels) == 0 {
		return nil, types.ErrNoDepthAxis
	}
	if err := ds.Validate(); err != nil {
		return nil, err
	}

	rows := timeWindow(ds.Time, opts.From, opts.To)
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: no record inside the requested time window", types.ErrAllMissing)
	}
	src := subset(ds, rows)

	var assignment [][]int
	if src.Depth == nil {
		if src.Slots() != len(levels) {
			return nil, fmt.Errorf("%w: %d depth slots without depth variable, %d levels",
				types.ErrShapeMismatch, src.Slots(), len(levels))
		}
		assignment = identityAssignment(src.Records(), len(levels))
	} else {
		assignment = a.params.assign(a.params.cleanDepths(*src.Depth), levels)
	}

	out := &types.Dataset{
		Platform:    src.Platform,
		Institution: src.Institution,
		Time:        src.Time,
		Variables:   make(map[string]*types.Variable, len(src.Variables)),
	}
	depth := types.NewGrid(src.Records(), len(levels))
	for t := range depth.Values {
		copy(depth.Values[t], levels)
		for li := range depth.Valid[t] {
			depth.Valid[t][li] = true
		}
	}
	out.Depth = &depth

	for _, name := range src.VariableNames() {
		v := src.Variables[name]
		data := levelMeans(v.Data, assignment, len(levels))
		a.logger.Debugf("platform %s: %s aggregated %d of %d valid samples",
			src.Platform, name, data.CountValid(), v.Data.CountValid())
		out.Variables[name] = &types.Variable{
			Name:         v.Name,
			StandardName: v.StandardName,
			Units:        v.Units,
			Data:         data,
		}
	}

	if opts.KeepTrajectory {
		out.Lon, out.Lat = src.Lon, src.Lat
	} else {
		out.Lon = averagePosition(src.Lon)
		out.Lat = averagePosition(src.Lat)
	}
	return out, nil
}

func timeWindow(times []int64, from, to *int64) []int {
	rows := make([]int, 0, len(times))
	for i, t := range times {
		if from != nil && t < *from {
			continue
		}
		if to != nil && t > *to {
			continue
		}
		rows = append(rows, i)
	}
	return rows
}

func subset(ds *types.Dataset, rows []int) *types.Dataset {
	if len(rows) == ds.Records() {
		return ds
	}
	pick := func(g types.Grid) types.Grid {
		out := types.Grid{Values: make([][]float64, len(rows)), Valid: make([][]bool, len(rows))}
		for i, r := range rows {
			out.Values[i] = g.Values[r]
			out.Valid[i] = g.Valid[r]
		}
		return out
	}
	pickCoordinate := func(c []float64) []float64 {
		if len(c) <= 1 {
			return c
		}
		out := make([]float64, len(rows))
		for i, r := range rows {
			out[i] = c[r]
		}
		return out
	}

	out := &types.Dataset{
		Platform:    ds.Platform,
		Institution: ds.Institution,
		Time:        make([]int64, len(rows)),
		Lon:         pickCoordinate(ds.Lon),
		Lat:         pickCoordinate(ds.Lat),
		Variables:   make(map[string]*types.Variable, len(ds.Variables)),
	}
	for i, r := range rows {
		out.Time[i] = ds.Time[r]
	}
	if ds.Depth != nil {
		depth := pick(*ds.Depth)
		out.Depth = &depth
	}
	for name, v := range ds.Variables {
		out.Variables[name] = &types.Variable{
			Name:         v.Name,
			StandardName: v.StandardName,
			Units:        v.Units,
			Data:         pick(v.Data),
		}
	}
	return out
}

func identityAssignment(rows, cols int) [][]int {
	out := make([][]int, rows)
	for t := range out {
		out[t] = make([]int, cols)
		for d := range out[t] {
			out[t][d] = d
		}
	}
	return out
}

// averagePosition collapses a coordinate series to its mean rounded to two
// decimals. NaN entries are ignored.
func averagePosition(c []float64) []float64 {
	valid := make([]float64, 0, len(c))
	for _, v := range c {
		if !math.IsNaN(v) {
			valid = append(valid, v)
		}
	}
	if len(valid) == 0 {
		return nil
	}
	return []float64{roundTo(stat.Mean(valid, nil), 2)}
}
