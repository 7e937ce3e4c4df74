// Package timeaxis inspects and repairs the record (time) axis of a dataset:
// dominant sampling step, duplicated and out-of-order records, and slight
// rounding of jittery timestamps.
package timeaxis

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/chrissnell/insituqc/internal/types"
)

// ErrMixedSampling is returned when no dominant sampling step can be found.
var ErrMixedSampling = errors.New("cannot determine sampling step")

// Status describes the shape of a time axis.
type Status int

const (
	Monotonic Status = iota
	Duplicated
	Unordered
	DuplicatedUnordered
)

func (s Status) String() string {
	switch s {
	case Monotonic:
		return "monotonic"
	case Duplicated:
		return "duplicated records"
	case Unordered:
		return "unordered records"
	case DuplicatedUnordered:
		return "duplicated and unordered records"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// SamplingStep returns the most frequent positive difference between
// consecutive sorted timestamps. Ties resolve to the shortest step.
func SamplingStep(times []int64) (int64, error) {
	sorted := append([]int64(nil), times...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	counts := make(map[int64]int)
	for i := 1; i < len(sorted); i++ {
		if step := sorted[i] - sorted[i-1]; step > 0 {
			counts[step]++
		}
	}
	if len(counts) == 0 {
		return 0, fmt.Errorf("%w: fewer than two distinct timestamps", ErrMixedSampling)
	}

	var best int64
	bestCount := 0
	for step, count := range counts {
		if count > bestCount || (count == bestCount && step < best) {
			best, bestCount = step, count
		}
	}
	return best, nil
}

// Check classifies the time axis without modifying it.
func Check(times []int64) Status {
	seen := make(map[int64]struct{}, len(times))
	duplicated, unordered := false, false
	for i, t := range times {
		if _, ok := seen[t]; ok {
			duplicated = true
		}
		seen[t] = struct{}{}
		if i > 0 && t < times[i-1] {
			unordered = true
		}
	}
	switch {
	case duplicated && unordered:
		return DuplicatedUnordered
	case duplicated:
		return Duplicated
	case unordered:
		return Unordered
	default:
		return Monotonic
	}
}

// Repair returns a copy of ds sorted by time in which duplicated records are
// replaced by their masked mean. The returned status describes the input.
func Repair(ds *types.Dataset) (*types.Dataset, Status, error) {
	if err := ds.Validate(); err != nil {
		return nil, Monotonic, err
	}
	status := Check(ds.Time)
	if status == Monotonic {
		return ds, status, nil
	}

	order := make([]int, len(ds.Time))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return ds.Time[order[i]] < ds.Time[order[j]] })

	var groups [][]int
	var times []int64
	for _, idx := range order {
		t := ds.Time[idx]
		if len(times) > 0 && times[len(times)-1] == t {
			groups[len(groups)-1] = append(groups[len(groups)-1], idx)
			continue
		}
		times = append(times, t)
		groups = append(groups, []int{idx})
	}
	return regroup(ds, times, groups), status, nil
}

// RoundingResolution returns the rounding unit, in seconds, applied to
// timestamps of a series sampled every step seconds. Sub-second resolutions
// are reported as 0 since timestamps are whole seconds.
func RoundingResolution(step int64) int64 {
	switch {
	case step < 10*60:
		return 0
	case step < 3600:
		return 10
	case step < 10*3600:
		return 60
	case step < 86400:
		return 10 * 60
	case step < 10*86400:
		return 3600
	case step < 31*86400:
		return 10 * 3600
	default:
		return 86400
	}
}

// Round rounds every timestamp half-to-even to a multiple of resolution.
func Round(times []int64, resolution int64) []int64 {
	out := make([]int64, len(times))
	for i, t := range times {
		if resolution <= 1 {
			out[i] = t
			continue
		}
		out[i] = int64(math.RoundToEven(float64(t)/float64(resolution))) * resolution
	}
	return out
}

// RoundRecords rounds the time axis of ds to the resolution implied by step and
// drops every record that collides with an earlier one after rounding. It
// reports whether any timestamp changed.
func RoundRecords(ds *types.Dataset, step int64) (*types.Dataset, bool) {
	rounded := Round(ds.Time, RoundingResolution(step))
	changed := false
	for i := range rounded {
		if rounded[i] != ds.Time[i] {
			changed = true
			break
		}
	}
	if !changed {
		return ds, false
	}

	order := make([]int, len(rounded))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return rounded[order[i]] < rounded[order[j]] })

	var groups [][]int
	var times []int64
	for _, idx := range order {
		if len(times) > 0 && times[len(times)-1] == rounded[idx] {
			continue
		}
		times = append(times, rounded[idx])
		groups = append(groups, []int{idx})
	}
	return regroup(ds, times, groups), true
}

// regroup builds a dataset whose record i is the masked mean of the input
// records listed in groups[i].
func regroup(ds *types.Dataset, times []int64, groups [][]int) *types.Dataset {
	out := &types.Dataset{
		Platform:    ds.Platform,
		Institution: ds.Institution,
		Time:        times,
		Variables:   make(map[string]*types.Variable, len(ds.Variables)),
	}
	if ds.Depth != nil {
		g := regroupGrid(*ds.Depth, groups)
		out.Depth = &g
	}
	out.Lon = regroupCoordinate(ds.Lon, groups)
	out.Lat = regroupCoordinate(ds.Lat, groups)
	for name, v := range ds.Variables {
		out.Variables[name] = &types.Variable{
			Name:         v.Name,
			StandardName: v.StandardName,
			Units:        v.Units,
			Data:         regroupGrid(v.Data, groups),
		}
	}
	return out
}

func regroupGrid(g types.Grid, groups [][]int) types.Grid {
	out := types.NewGrid(len(groups), g.Cols())
	for i, group := range groups {
		for d := 0; d < g.Cols(); d++ {
			sum, n := 0.0, 0
			for _, idx := range group {
				if g.Valid[idx][d] {
					sum += g.Values[idx][d]
					n++
				}
			}
			if n > 0 {
				out.Values[i][d] = sum / float64(n)
				out.Valid[i][d] = true
			}
		}
	}
	return out
}

func regroupCoordinate(values []float64, groups [][]int) []float64 {
	if len(values) <= 1 {
		return values
	}
	out := make([]float64, len(groups))
	for i, group := range groups {
		sum := 0.0
		for _, idx := range group {
			sum += values[idx]
		}
		out[i] = sum / float64(len(group))
	}
	return out
}
