package grossqc

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrissnell/insituqc/internal/types"
)

func series(values ...float64) types.Grid {
	rows := make([][]float64, len(values))
	for t, v := range values {
		rows[t] = []float64{v}
	}
	return types.GridFromValues(rows)
}

func flat(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func rejectedRows(mask [][]bool) []int {
	var out []int
	for t := range mask {
		for _, bad := range mask[t] {
			if bad {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

func only(test string) Params {
	p := DefaultParams()
	p.RangeCheck = test == "range"
	p.SpikeTest = test == "spike"
	p.StuckValueTest = test == "stuck"
	return p
}

func TestRangeCheck(t *testing.T) {
	tests := []struct {
		name     string
		variable string
		values   []float64
		want     []int
	}{
		{
			name:     "temperature outside range",
			variable: "sea_water_temperature",
			values:   []float64{20, 50, 20, 3.9, 4, 32},
			want:     []int{1, 3},
		},
		{
			name:     "salinity bounds inclusive",
			variable: "sea_water_practical_salinity",
			values:   []float64{5, 41, 41.01, 38},
			want:     []int{2},
		},
		{
			name:     "variable without range",
			variable: "sea_water_speed",
			values:   []float64{500, -3},
			want:     nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := NewChecker(DefaultTable(), only("range"), nil).Run(series(tt.values...), tt.variable, "")
			assert.Equal(t, tt.want, rejectedRows(res.Range))
			assert.Equal(t, tt.want, rejectedRows(res.Rejected))
		})
	}
}

func TestSpikeTest(t *testing.T) {
	values := flat(20, 10)
	values[10] = 1000

	res := NewChecker(DefaultTable(), DefaultParams(), nil).Run(series(values...), "sea_water_speed", "")
	assert.Equal(t, []int{10}, rejectedRows(res.Spike))
	assert.Equal(t, []int{10}, rejectedRows(res.Rejected))
}

func TestSpikeTestSkipsMaskedNeighbours(t *testing.T) {
	values := flat(20, 10)
	values[10] = 1000
	g := series(values...)
	g.Valid[9][0] = false
	g.Valid[12][0] = false

	res := NewChecker(DefaultTable(), only("spike"), nil).Run(g, "sea_water_speed", "")
	assert.Equal(t, []int{10}, rejectedRows(res.Spike))
}

func TestSpikeTestNeedsFullNeighbourhood(t *testing.T) {
	values := flat(10, 10)
	values[1] = 1000

	res := NewChecker(DefaultTable(), only("spike"), nil).Run(series(values...), "sea_water_speed", "")
	assert.Empty(t, rejectedRows(res.Spike))
}

func TestStuckValueTest(t *testing.T) {
	values := make([]float64, 400)
	for i := range values {
		values[i] = 5 + 0.01*float64(i)
	}
	for i := 100; i < 250; i++ {
		values[i] = 17.5
	}

	res := NewChecker(DefaultTable(), DefaultParams(), nil).Run(series(values...), "sea_water_temperature", "")
	rows := rejectedRows(res.Stuck)
	require.Len(t, rows, 150)
	assert.Equal(t, 100, rows[0])
	assert.Equal(t, 249, rows[149])
	assert.Equal(t, rows, rejectedRows(res.Rejected))
}

func TestStuckValueTestBelowMinimumCount(t *testing.T) {
	values := make([]float64, 300)
	for i := range values {
		values[i] = float64(i)
	}
	for i := 0; i < 100; i++ {
		values[i] = -1
	}

	res := NewChecker(DefaultTable(), only("stuck"), nil).Run(series(values...), "sea_water_speed", "")
	assert.Empty(t, rejectedRows(res.Stuck))
}

func TestStuckValueException(t *testing.T) {
	values := []float64{19.9, 20.0, 20.1, 20.0, 19.8}

	tests := []struct {
		name        string
		institution string
		variable    string
		want        []int
	}{
		{name: "matching institution", institution: "ISPRA - Venice", variable: "sea_water_temperature", want: []int{1, 3}},
		{name: "other institution", institution: "OGS", variable: "sea_water_temperature", want: nil},
		{name: "other variable", institution: "ISPRA", variable: "sea_water_practical_salinity", want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := NewChecker(DefaultTable(), only("stuck"), nil).Run(series(values...), tt.variable, tt.institution)
			assert.Equal(t, tt.want, rejectedRows(res.Stuck))
		})
	}
}

func TestRunIdempotent(t *testing.T) {
	values := make([]float64, 500)
	for i := range values {
		values[i] = 15 + 3*math.Sin(float64(i)/20)
	}
	values[42] = 80
	values[300] = 25
	for i := 350; i < 480; i++ {
		values[i] = 12
	}
	g := series(values...)
	g.Valid[7][0] = false
	before := g.Clone()

	c := NewChecker(DefaultTable(), DefaultParams(), nil)
	first := c.Run(g, "sea_water_temperature", "")
	second := c.Run(g, "sea_water_temperature", "")

	assert.Equal(t, first, second)
	assert.Equal(t, before, g, "input must not be modified")
	assert.NotEmpty(t, rejectedRows(first.Rejected))
}

func TestResultCountsDisjoint(t *testing.T) {
	values := flat(20, 10)
	values[5] = 50
	values[15] = 28

	res := NewChecker(DefaultTable(), DefaultParams(), nil).Run(series(values...), "sea_water_temperature", "")
	rangeCount, spikeCount, stuckCount := res.Counts()
	assert.Equal(t, 1, rangeCount)
	assert.Equal(t, 1, spikeCount)
	assert.Equal(t, 0, stuckCount)
	assert.Equal(t, []int{5, 15}, rejectedRows(res.Rejected))
}

func TestMultipleDepthSlots(t *testing.T) {
	rows := make([][]float64, 20)
	for i := range rows {
		rows[i] = []float64{10, 20}
	}
	rows[8][1] = 31
	g := types.GridFromValues(rows)

	res := NewChecker(DefaultTable(), DefaultParams(), nil).Run(g, "sea_water_temperature", "")
	assert.True(t, res.Spike[8][1])
	assert.False(t, res.Spike[8][0])
	assert.Equal(t, 1, types.CountMask(res.Rejected))
}
