package climatology

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/interp"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/chrissnell/insituqc/internal/types"
)

// Grid is the fixed abscissa on which densities are sampled: Min, Min+Step,
// ... up to but excluding Max.
type Grid struct {
	Min  float64 `json:"min" msgpack:"min"`
	Max  float64 `json:"max" msgpack:"max"`
	Step float64 `json:"step" msgpack:"step"`
}

// DefaultGrid spans [-10, 10) with a 0.1 step.
func DefaultGrid() Grid {
	return Grid{Min: -10, Max: 10, Step: 0.1}
}

// DefaultBandwidth is the Gaussian kernel standard deviation.
const DefaultBandwidth = 0.2

// Len returns the number of samples of the grid.
func (g Grid) Len() int {
	if g.Step <= 0 || g.Max <= g.Min {
		return 0
	}
	return int(math.Ceil((g.Max-g.Min)/g.Step - 1e-9))
}

// Points returns the grid abscissae.
func (g Grid) Points() []float64 {
	xs := make([]float64, g.Len())
	for i := range xs {
		xs[i] = g.Min + float64(i)*g.Step
	}
	return xs
}

// Density holds a sampled probability density per depth level. Values[d] is
// nil for a level without valid residuals.
type Density struct {
	Grid   Grid        `json:"grid" msgpack:"grid"`
	Values [][]float64 `json:"values" msgpack:"values"`
}

// EstimateDensity fits a Gaussian kernel density with the given bandwidth to
// the valid residuals of every depth and samples it on grid.
func EstimateDensity(residuals types.Grid, grid Grid, bandwidth float64) Density {
	xs := grid.Points()
	out := Density{Grid: grid, Values: make([][]float64, residuals.Cols())}
	for d := range out.Values {
		column, valid := residuals.Column(d)
		var centres []float64
		for t, ok := range valid {
			if ok {
				centres = append(centres, column[t])
			}
		}
		if len(centres) == 0 {
			continue
		}
		values := make([]float64, len(xs))
		kernel := distuv.Normal{Sigma: bandwidth}
		for _, c := range centres {
			kernel.Mu = c
			for i, x := range xs {
				values[i] += kernel.Prob(x)
			}
		}
		for i := range values {
			values[i] /= float64(len(centres))
		}
		out.Values[d] = values
	}
	return out
}

// Curve is a density of one depth prepared for interpolation.
type Curve struct {
	lo, hi float64
	fit    interp.PiecewiseLinear
}

// Curve returns the interpolator of depth d, or nil when the level has no density.
func (dn Density) Curve(d int) (*Curve, error) {
	if d < 0 || d >= len(dn.Values) {
		return nil, fmt.Errorf("%w: density has %d levels, level %d requested", types.ErrShapeMismatch, len(dn.Values), d)
	}
	ys := dn.Values[d]
	if ys == nil {
		return nil, nil
	}
	xs := dn.Grid.Points()
	if len(xs) != len(ys) {
		return nil, fmt.Errorf("%w: density level %d has %d samples, grid has %d",
			types.ErrShapeMismatch, d, len(ys), len(xs))
	}
	if len(xs) < 2 {
		return nil, nil
	}
	c := &Curve{lo: xs[0], hi: xs[len(xs)-1]}
	if err := c.fit.Fit(xs, ys); err != nil {
		return nil, fmt.Errorf("fitting density at level %d: %w", d, err)
	}
	return c, nil
}

// At returns the linearly interpolated density at x and false when x lies
// outside the sampled grid.
func (c *Curve) At(x float64) (float64, bool) {
	if c == nil || math.IsNaN(x) || x < c.lo || x > c.hi {
		return 0, false
	}
	return c.fit.Predict(x), true
}

// At interpolates the density of depth d at x.
func (dn Density) At(d int, x float64) (float64, bool) {
	c, err := dn.Curve(d)
	if err != nil {
		return 0, false
	}
	return c.At(x)
}

// Floor returns the absolute density below which a residual is improbable:
// probability × grid step.
func (dn Density) Floor(probability float64) float64 {
	return probability * dn.Grid.Step
}
