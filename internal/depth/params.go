// Package depth resolves noisy instrument depths into a canonical depth axis
// and aggregates samples onto it.
package depth

import (
	"math"

	"github.com/chrissnell/insituqc/internal/types"
)

// Params holds the depth tolerances shared by the resolver and the aggregator.
type Params struct {
	// MinimumSpacing is the smallest separation, in meters, between two levels.
	MinimumSpacing float64

	// RelativeThreshold is the smallest separation as a fraction of the depth.
	RelativeThreshold float64

	// FilledDataThreshold is the minimum fraction of records a level must cover.
	FilledDataThreshold float64

	// Tolerance widens the membership window used when matching samples to levels.
	Tolerance float64

	// FillValue marks missing depths in the source files.
	FillValue float64
}

// DefaultParams returns the tolerances used for fixed-platform moorings.
func DefaultParams() Params {
	return Params{
		MinimumSpacing:      0.5,
		RelativeThreshold:   0.05,
		FilledDataThreshold: 0.01,
		Tolerance:           0.20,
		FillValue:           1e20,
	}
}

// Spacing returns the minimum distance required above a level at depth.
func (p Params) Spacing(depth float64) float64 {
	return math.Max(math.Abs(depth)*p.RelativeThreshold, p.MinimumSpacing)
}

// Window returns the half-width of the band of raw depths that belong to level.
func (p Params) Window(level float64) float64 {
	return p.Spacing(level) * (1 + p.Tolerance)
}

func roundTo(v float64, decimals int) float64 {
	scale := math.Pow(10, float64(decimals))
	return math.RoundToEven(v*scale) / scale
}

// cleanDepths rounds depths to 5 decimals and invalidates fill values and NaNs.
func (p Params) cleanDepths(g types.Grid) types.Grid {
	out := g.Clone()
	for t := range out.Values {
		for d, v := range out.Values[t] {
			if !out.Valid[t][d] {
				continue
			}
			if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v-p.FillValue) <= p.FillValue/10 {
				out.Valid[t][d] = false
				continue
			}
			out.Values[t][d] = roundTo(v, 5)
		}
	}
	return out
}

// assign maps every (record, slot) cell to the index of the first level whose
// window contains its depth, or -1. Levels are visited in order and a cell
// claimed by one level is not offered to later ones.
func (p Params) assign(depths types.Grid, levels []float64) [][]int {
	out := make([][]int, depths.Rows())
	for t := range out {
		out[t] = make([]int, depths.Cols())
		for d := range out[t] {
			out[t][d] = -1
		}
	}
	for li, level := range levels {
		window := p.Window(level)
		for t := range out {
			for d := range out[t] {
				if out[t][d] != -1 || !depths.Valid[t][d] {
					continue
				}
				if math.Abs(depths.Values[t][d]-level) <= window {
					out[t][d] = li
				}
			}
		}
	}
	return out
}

// levelMeans averages, per record, the valid samples assigned to each level.
func levelMeans(data types.Grid, assignment [][]int, nLevels int) types.Grid {
	out := types.NewGrid(data.Rows(), nLevels)
	sums := make([]float64, nLevels)
	counts := make([]int, nLevels)
	for t := range assignment {
		for li := range sums {
			sums[li], counts[li] = 0, 0
		}
		for d, li := range assignment[t] {
			if li < 0 || !data.Valid[t][d] {
				continue
			}
			sums[li] += data.Values[t][d]
			counts[li]++
		}
		for li := range sums {
			if counts[li] > 0 {
				out.Values[t][li] = sums[li] / float64(counts[li])
				out.Valid[t][li] = true
			}
		}
	}
	return out
}
