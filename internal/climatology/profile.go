// Package climatology estimates the expected seasonal behaviour of a series:
// monthly mean and standard deviation profiles, a linear trend per depth and
// a kernel density of the detrended residuals.
package climatology

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/chrissnell/insituqc/internal/types"
)

// Months is the number of climatological slots.
const Months = 12

// Trend is the linear drift of a residual series. Slope is per second of epoch time.
type Trend struct {
	Slope     float64 `json:"slope" msgpack:"slope"`
	Intercept float64 `json:"intercept" msgpack:"intercept"`
}

// At evaluates the trend line at t.
func (tr Trend) At(t int64) float64 {
	return tr.Intercept + tr.Slope*float64(t)
}

// SlopePerYear converts the slope to units per 365-day year.
func (tr Trend) SlopePerYear() float64 {
	return tr.Slope * 86400 * 365
}

// Profile is the climatology of one iteration. Mean and Std are indexed by
// calendar month then depth; a month without data holds NaN.
type Profile struct {
	Mean  [Months][]float64 `json:"monthly_mean" msgpack:"monthly_mean"`
	Std   [Months][]float64 `json:"monthly_std" msgpack:"monthly_std"`
	Trend []Trend           `json:"trend" msgpack:"trend"`
}

// Depths returns the number of depth levels covered by the profile.
func (p Profile) Depths() int {
	return len(p.Mean[0])
}

// CheckDepths verifies that every array of the profile spans depths levels.
func (p Profile) CheckDepths(depths int) error {
	for m := 0; m < Months; m++ {
		if len(p.Mean[m]) != depths || len(p.Std[m]) != depths {
			return fmt.Errorf("%w: climatology month %d spans %d levels, want %d",
				types.ErrShapeMismatch, m+1, len(p.Mean[m]), depths)
		}
	}
	if len(p.Trend) != depths {
		return fmt.Errorf("%w: trend spans %d levels, want %d", types.ErrShapeMismatch, len(p.Trend), depths)
	}
	return nil
}

// MonthIndex returns the zero-based calendar month of an epoch time in UTC.
func MonthIndex(t int64) int {
	return int(time.Unix(t, 0).UTC().Month()) - 1
}

// Estimate computes the monthly population mean and standard deviation of
// the valid samples of values, per depth. Trend is left zero.
func Estimate(values types.Grid, times []int64) Profile {
	depths := values.Cols()
	var p Profile
	for m := 0; m < Months; m++ {
		p.Mean[m] = make([]float64, depths)
		p.Std[m] = make([]float64, depths)
	}
	p.Trend = make([]Trend, depths)

	months := make([]int, len(times))
	for t, ts := range times {
		months[t] = MonthIndex(ts)
	}

	buckets := make([][]float64, Months)
	for d := 0; d < depths; d++ {
		for m := range buckets {
			buckets[m] = buckets[m][:0]
		}
		for t := range values.Values {
			if values.Valid[t][d] {
				buckets[months[t]] = append(buckets[months[t]], values.Values[t][d])
			}
		}
		for m, x := range buckets {
			if len(x) == 0 {
				p.Mean[m][d], p.Std[m][d] = math.NaN(), math.NaN()
				continue
			}
			p.Mean[m][d], p.Std[m][d] = stat.PopMeanStdDev(x, nil)
		}
	}
	return p
}

// Residuals subtracts the monthly mean from every sample. Samples falling in
// a month without climatology become invalid.
func Residuals(values types.Grid, times []int64, p Profile) types.Grid {
	out := types.NewGrid(values.Rows(), values.Cols())
	for t := range values.Values {
		m := MonthIndex(times[t])
		for d, v := range values.Values[t] {
			mean := p.Mean[m][d]
			if !values.Valid[t][d] || math.IsNaN(mean) {
				continue
			}
			out.Values[t][d] = v - mean
			out.Valid[t][d] = true
		}
	}
	return out
}

// FitTrends fits an ordinary least squares line of residual against time per
// depth. Levels with fewer than two valid samples, a degenerate time span or
// a negative coefficient of determination get a zero trend.
func FitTrends(residuals types.Grid, times []int64) []Trend {
	trends := make([]Trend, residuals.Cols())
	for d := range trends {
		column, valid := residuals.Column(d)
		var x, y []float64
		for t, ok := range valid {
			if ok {
				x = append(x, float64(times[t]))
				y = append(y, column[t])
			}
		}
		if len(x) < 2 {
			continue
		}
		alpha, beta := stat.LinearRegression(x, y, nil, false)
		if math.IsNaN(alpha) || math.IsNaN(beta) || math.IsInf(beta, 0) {
			continue
		}
		if r2 := stat.RSquared(x, y, nil, alpha, beta); r2 < 0 {
			continue
		}
		trends[d] = Trend{Slope: beta, Intercept: alpha}
	}
	return trends
}

// Detrend removes the trend line of every depth from residuals.
func Detrend(residuals types.Grid, times []int64, trends []Trend) types.Grid {
	out := residuals.Clone()
	for t := range out.Values {
		for d := range out.Values[t] {
			if out.Valid[t][d] {
				out.Values[t][d] -= trends[d].At(times[t])
			}
		}
	}
	return out
}
