package climatology

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/chrissnell/insituqc/internal/types"
)

func epoch(year int, month time.Month, day int) int64 {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC).Unix()
}

func column(values ...float64) types.Grid {
	rows := make([][]float64, len(values))
	for t, v := range values {
		rows[t] = []float64{v}
	}
	return types.GridFromValues(rows)
}

func TestMonthIndex(t *testing.T) {
	assert.Equal(t, 0, MonthIndex(epoch(2020, time.January, 1)))
	assert.Equal(t, 11, MonthIndex(epoch(2020, time.December, 31)))
	assert.Equal(t, 1, MonthIndex(epoch(2021, time.February, 28)+86399))
}

func TestEstimate(t *testing.T) {
	times := []int64{
		epoch(2020, time.January, 1),
		epoch(2020, time.January, 2),
		epoch(2021, time.January, 5),
		epoch(2020, time.March, 1),
		epoch(2020, time.March, 2),
	}
	values := column(10, 12, 14, 20, 99)
	values.Valid[4][0] = false

	p := Estimate(values, times)

	assert.InDelta(t, 12, p.Mean[0][0], 1e-12)
	assert.InDelta(t, math.Sqrt(8.0/3), p.Std[0][0], 1e-12)
	assert.InDelta(t, 20, p.Mean[2][0], 1e-12)
	assert.InDelta(t, 0, p.Std[2][0], 1e-12)
	assert.True(t, math.IsNaN(p.Mean[1][0]))
	assert.True(t, math.IsNaN(p.Std[6][0]))
	assert.Equal(t, []Trend{{}}, p.Trend)
	assert.NoError(t, p.CheckDepths(1))
	assert.ErrorIs(t, p.CheckDepths(2), types.ErrShapeMismatch)
}

func TestResiduals(t *testing.T) {
	times := []int64{epoch(2020, time.January, 1), epoch(2020, time.February, 1), epoch(2020, time.January, 3)}
	values := column(11, 5, 9)
	p := Estimate(column(10, 0, 10), times)
	p.Mean[1][0] = math.NaN()

	r := Residuals(values, times, p)
	assert.Equal(t, []bool{true}, r.Valid[0])
	assert.InDelta(t, 1, r.Values[0][0], 1e-12)
	assert.False(t, r.Valid[1][0], "month without climatology")
	assert.InDelta(t, -1, r.Values[2][0], 1e-12)
}

func TestFitTrends(t *testing.T) {
	tests := []struct {
		name   string
		times  []int64
		values types.Grid
		want   Trend
	}{
		{
			name:   "linear drift",
			times:  []int64{0, 1000, 2000, 3000},
			values: column(2, 2.5, 3, 3.5),
			want:   Trend{Slope: 0.0005, Intercept: 2},
		},
		{
			name:   "single sample",
			times:  []int64{1000},
			values: column(4),
			want:   Trend{},
		},
		{
			name:   "degenerate time span",
			times:  []int64{1000, 1000, 1000},
			values: column(1, 2, 3),
			want:   Trend{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trends := FitTrends(tt.values, tt.times)
			require.Len(t, trends, 1)
			assert.InDelta(t, tt.want.Slope, trends[0].Slope, 1e-12)
			assert.InDelta(t, tt.want.Intercept, trends[0].Intercept, 1e-9)
		})
	}
}

func TestDetrend(t *testing.T) {
	times := []int64{0, 1000, 2000}
	r := column(2, 2.5, 3)
	r.Valid[1][0] = false

	out := Detrend(r, times, []Trend{{Slope: 0.0005, Intercept: 2}})
	assert.InDelta(t, 0, out.Values[0][0], 1e-12)
	assert.InDelta(t, 0, out.Values[2][0], 1e-12)
	assert.Equal(t, 2.5, out.Values[1][0], "invalid samples untouched")
	assert.Equal(t, 2.0, r.Values[0][0], "input untouched")
}

func TestTrendSlopePerYear(t *testing.T) {
	assert.InDelta(t, 365.0, Trend{Slope: 1.0 / 86400}.SlopePerYear(), 1e-9)
}

func TestDefaultGrid(t *testing.T) {
	g := DefaultGrid()
	xs := g.Points()
	require.Len(t, xs, 200)
	assert.Equal(t, -10.0, xs[0])
	assert.InDelta(t, 9.9, xs[199], 1e-9)
	assert.InDelta(t, 0.005, DefaultGrid().Step*0.05, 1e-15)
}

func TestEstimateDensity(t *testing.T) {
	r := column(0)
	r.Values = append(r.Values, []float64{5})
	r.Valid = append(r.Valid, []bool{false})

	dn := EstimateDensity(r, DefaultGrid(), DefaultBandwidth)
	require.Len(t, dn.Values, 1)
	require.Len(t, dn.Values[0], 200)

	peak, ok := dn.At(0, 0)
	require.True(t, ok)
	assert.InDelta(t, 1/(DefaultBandwidth*math.Sqrt(2*math.Pi)), peak, 1e-9)

	total := 0.0
	for _, v := range dn.Values[0] {
		total += v * dn.Grid.Step
	}
	assert.InDelta(t, 1, total, 1e-6)

	// the invalid sample at 5 must not contribute
	far, ok := dn.At(0, 5)
	require.True(t, ok)
	assert.Less(t, far, 1e-100)
}

func TestEstimateDensityEmptyLevel(t *testing.T) {
	r := column(1)
	r.Valid[0][0] = false

	dn := EstimateDensity(r, DefaultGrid(), DefaultBandwidth)
	assert.Nil(t, dn.Values[0])
	_, ok := dn.At(0, 0)
	assert.False(t, ok)
}

func TestCurveBounds(t *testing.T) {
	dn := Density{Grid: Grid{Min: 0, Max: 3, Step: 1}, Values: [][]float64{{0, 1, 3}}}
	c, err := dn.Curve(0)
	require.NoError(t, err)

	tests := []struct {
		x    float64
		want float64
		ok   bool
	}{
		{x: 0, want: 0, ok: true},
		{x: 0.5, want: 0.5, ok: true},
		{x: 1.5, want: 2, ok: true},
		{x: 2, want: 3, ok: true},
		{x: 2.5, ok: false},
		{x: -0.1, ok: false},
		{x: math.NaN(), ok: false},
	}
	for _, tt := range tests {
		got, ok := c.At(tt.x)
		assert.Equal(t, tt.ok, ok, "x=%v", tt.x)
		if tt.ok {
			assert.InDelta(t, tt.want, got, 1e-12, "x=%v", tt.x)
		}
	}

	_, err = dn.Curve(3)
	assert.ErrorIs(t, err, types.ErrShapeMismatch)

	dn.Values[0] = []float64{1, 2}
	_, err = dn.Curve(0)
	assert.ErrorIs(t, err, types.ErrShapeMismatch)
}

func TestArtifactFields(t *testing.T) {
	times := []int64{epoch(2018, time.May, 1), epoch(2022, time.June, 1), epoch(2020, time.July, 1)}
	values := column(14, 15, 16)
	a := &Artifact{
		Variable: "sea_water_temperature",
		Depths:   []float64{1.5},
		Profile:  Estimate(values, times),
		Density:  EstimateDensity(column(0, 0.1), DefaultGrid(), DefaultBandwidth),
	}
	a.SetPeriod(times)
	assert.Equal(t, 2018, a.StartYear)
	assert.Equal(t, 2020, a.MeanYear)
	assert.Equal(t, 2022, a.EndYear)
	require.NoError(t, a.Validate(1))

	blobs, err := a.MarshalFields(msgpack.Marshal)
	require.NoError(t, err)
	assert.Contains(t, blobs, "sea_water_temperature_mm_clim")
	assert.Contains(t, blobs, "sea_water_temperature_ms_clim")
	assert.Contains(t, blobs, "sea_water_temperature_trend")
	assert.Contains(t, blobs, "sea_water_temperature_filtered_density")

	loaded := &Artifact{Variable: a.Variable}
	require.NoError(t, loaded.UnmarshalFields(blobs, msgpack.Unmarshal))
	assert.InDelta(t, a.Profile.Mean[4][0], loaded.Profile.Mean[4][0], 1e-12)
	assert.True(t, math.IsNaN(loaded.Profile.Mean[0][0]))
	assert.Equal(t, a.Density, loaded.Density)

	delete(blobs, "sea_water_temperature_trend")
	err = (&Artifact{Variable: a.Variable}).UnmarshalFields(blobs, msgpack.Unmarshal)
	assert.ErrorIs(t, err, ErrMissingField)
}
