package timeavg

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/chrissnell/insituqc/internal/log"
	"github.com/chrissnell/insituqc/internal/timeaxis"
	"github.com/chrissnell/insituqc/internal/types"
)

// ErrSamplingTooCoarse is returned when the input is sampled more sparsely
// than the requested cadence allows.
var ErrSamplingTooCoarse = errors.New("input sampling coarser than output cadence")

// DefaultTolerancePercent is the accepted excess of the input step over the cadence.
const DefaultTolerancePercent = 10

// Averager computes time-weighted bucket means.
type Averager struct {
	Cadence          Cadence
	TolerancePercent float64
	// HalfStepShift moves every bucket back by half a period so that buckets
	// are centred on the period boundaries.
	HalfStepShift bool

	logger *zap.SugaredLogger
}

// NewAverager creates an averager. A nil logger discards output.
func NewAverager(cadence Cadence, tolerancePercent float64, halfStepShift bool, logger *zap.SugaredLogger) *Averager {
	return &Averager{
		Cadence:          cadence,
		TolerancePercent: tolerancePercent,
		HalfStepShift:    halfStepShift,
		logger:           log.OrNop(logger),
	}
}

// Result is the averaged dataset. Bounds[i] holds the [left, right) bounds
// of the bucket whose centre is Dataset.Time[i].
type Result struct {
	Dataset *types.Dataset
	Bounds  [][2]int64
	// InputStep is the dominant sampling step of the input.
	InputStep int64
	// Rounded reports that input timestamps were rounded because the input
	// step exceeded the cadence within tolerance.
	Rounded bool
}

// Average buckets ds by the cadence. Within a bucket each valid sample is
// weighted by the time to the next point, where the bucket centre and the
// right bound count as points. Buckets without valid samples are invalid.
func (a *Averager) Average(ds *types.Dataset) (*Result, error) {
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	if timeaxis.Check(ds.Time) != timeaxis.Monotonic {
		return nil, fmt.Errorf("time axis must be repaired before averaging: %s", timeaxis.Check(ds.Time))
	}
	step, err := timeaxis.SamplingStep(ds.Time)
	if err != nil {
		return nil, err
	}

	out := a.Cadence.Step()
	if float64(step) > (1+a.TolerancePercent/100)*float64(out) {
		return nil, fmt.Errorf("%w: input step %ds, cadence %s with %.0f%% tolerance",
			ErrSamplingTooCoarse, step, a.Cadence, a.TolerancePercent)
	}

	res := &Result{InputStep: step}
	if a.TolerancePercent > 0 && step > out {
		a.logger.Warnf("platform %s: input step %ds exceeds cadence %s, rounding timestamps",
			ds.Platform, step, a.Cadence)
		ds, res.Rounded = timeaxis.RoundRecords(ds, step)
	}

	lefts := a.buckets(ds.Time)
	res.Bounds = make([][2]int64, len(lefts)-1)
	centres := make([]int64, len(lefts)-1)
	for i := range res.Bounds {
		res.Bounds[i] = [2]int64{lefts[i].Unix(), lefts[i+1].Unix()}
		centres[i] = a.Cadence.centre(lefts[i], lefts[i+1]).Unix()
	}

	avg := &types.Dataset{
		Platform:    ds.Platform,
		Institution: ds.Institution,
		Time:        centres,
		Variables:   make(map[string]*types.Variable, len(ds.Variables)),
	}
	if ds.Depth != nil && ds.Depth.Rows() > 0 {
		depth := types.NewGrid(len(centres), ds.Depth.Cols())
		for i := range depth.Values {
			copy(depth.Values[i], ds.Depth.Values[0])
			copy(depth.Valid[i], ds.Depth.Valid[0])
		}
		avg.Depth = &depth
	}
	avg.Lon = averageCoordinate(ds.Lon, ds.Time, res.Bounds)
	avg.Lat = averageCoordinate(ds.Lat, ds.Time, res.Bounds)

	for _, name := range ds.VariableNames() {
		v := ds.Variables[name]
		avg.Variables[name] = &types.Variable{
			Name:         v.Name,
			StandardName: v.StandardName,
			Units:        v.Units,
			Data:         weightedMeans(v.Data, ds.Time, res.Bounds, centres),
		}
	}
	res.Dataset = avg

	a.logger.Debugf("platform %s: averaged %d records into %d buckets of %s",
		ds.Platform, ds.Records(), len(centres), a.Cadence)
	return res, nil
}

// buckets returns the left bounds of every bucket overlapping times followed
// by the right bound of the last one.
func (a *Averager) buckets(times []int64) []time.Time {
	first := time.Unix(times[0], 0).UTC()
	last := time.Unix(times[len(times)-1], 0).UTC()

	start := a.Cadence.floor(first)
	if a.HalfStepShift {
		shift := time.Duration(a.Cadence.Step()/2) * time.Second
		start = start.Add(-shift)
		if next := a.Cadence.next(start); !next.After(first) {
			start = next
		}
	}

	lefts := []time.Time{start}
	for {
		next := a.Cadence.next(lefts[len(lefts)-1])
		lefts = append(lefts, next)
		if next.After(last) {
			return lefts
		}
	}
}

// weightedMeans averages every depth slot of values over the buckets.
func weightedMeans(values types.Grid, times []int64, bounds [][2]int64, centres []int64) types.Grid {
	out := types.NewGrid(len(bounds), values.Cols())
	t0 := 0
	for b, bound := range bounds {
		for t0 < len(times) && times[t0] < bound[0] {
			t0++
		}
		t1 := t0
		for t1 < len(times) && times[t1] < bound[1] {
			t1++
		}
		if t1 == t0 {
			continue
		}

		// breakpoints: the samples, the centre and the right bound
		breaks := make([]int64, 0, t1-t0+2)
		breaks = append(breaks, times[t0:t1]...)
		breaks = append(breaks, centres[b], bound[1])
		sort.Slice(breaks, func(i, j int) bool { return breaks[i] < breaks[j] })

		weights := make([]float64, t1-t0)
		for t := t0; t < t1; t++ {
			i := sort.Search(len(breaks), func(i int) bool { return breaks[i] > times[t] })
			weights[t-t0] = float64(breaks[i] - times[t])
		}
		for d := 0; d < values.Cols(); d++ {
			var x, w []float64
			for t := t0; t < t1; t++ {
				if values.Valid[t][d] && weights[t-t0] > 0 {
					x = append(x, values.Values[t][d])
					w = append(w, weights[t-t0])
				}
			}
			if len(x) == 0 {
				continue
			}
			out.Values[b][d] = stat.Mean(x, w)
			out.Valid[b][d] = true
		}
		t0 = t1
	}
	return out
}

func averageCoordinate(c []float64, times []int64, bounds [][2]int64) []float64 {
	if len(c) <= 1 {
		return c
	}
	out := make([]float64, len(bounds))
	for b, bound := range bounds {
		var in []float64
		for t, ts := range times {
			if ts >= bound[0] && ts < bound[1] {
				in = append(in, c[t])
			}
		}
		if len(in) == 0 {
			out[b] = c[0]
			continue
		}
		out[b] = stat.Mean(in, nil)
	}
	return out
}
