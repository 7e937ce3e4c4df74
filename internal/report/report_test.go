package report

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrissnell/insituqc/internal/types"
)

func sampleRows() []Row {
	return []Row{
		{Platform: "A", Variable: "sea_water_temperature", Stats: types.RejectionStatistics{
			Total: 1000, Filled: 200, Range: 8, Spike: 4, Stuck: 0, Statistic: []int{10, 2},
		}},
		{Platform: "B", Variable: "sea_water_temperature", Stats: types.RejectionStatistics{
			Total: 1000, Filled: 0, Range: 2, Spike: 1, Stuck: 20, Statistic: []int{5},
		}},
		{Platform: "A", Variable: "sea_water_practical_salinity", Stats: types.RejectionStatistics{
			Total: 400, Filled: 400,
		}},
	}
}

func TestAggregate(t *testing.T) {
	got := Aggregate(sampleRows(), 2)
	require.Len(t, got, 2)

	salinity := got[0]
	assert.Equal(t, "sea_water_practical_salinity", salinity.Variable)
	assert.Equal(t, 100.0, salinity.Filled)
	assert.Equal(t, 0.0, salinity.Range, "no checked samples")
	assert.Equal(t, []float64{0, 0}, salinity.Statistic)

	temp := got[1]
	assert.Equal(t, "sea_water_temperature", temp.Variable)
	assert.Equal(t, 2000, temp.Total)
	assert.Equal(t, 10.0, temp.Filled)
	assert.InDelta(t, 0.56, temp.Range, 1e-9)
	assert.InDelta(t, 0.28, temp.Spike, 1e-9)
	assert.InDelta(t, 1.11, temp.Stuck, 1e-9)
	assert.InDeltaSlice(t, []float64{0.83, 0.11}, temp.Statistic, 1e-9)
}

func TestRejectionsRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRejections(&buf, sampleRows(), 2))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "platform_code,standard_name,data_total,filled_data,range_check_rejection,"+
		"spike_test_rejection,stuck_value_rejection,statistic_rejection_1,statistic_rejection_2", lines[0])
	assert.Equal(t, "B,sea_water_temperature,1000,0,2,1,20,5,0", lines[2])

	rows, iterations, err := ReadRejections(&buf)
	require.NoError(t, err)
	assert.Equal(t, 2, iterations)
	require.Len(t, rows, 3)
	assert.Equal(t, "A", rows[0].Platform)
	assert.Equal(t, []int{10, 2}, rows[0].Stats.Statistic)
	assert.Equal(t, []int{5, 0}, rows[1].Stats.Statistic)
}

func TestReadRejectionsInvalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "empty", input: ""},
		{name: "wrong header", input: "a,b,c\n"},
		{name: "not a number", input: "platform_code,standard_name,data_total,filled_data,r,s,st\nA,v,x,0,0,0,0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ReadRejections(strings.NewReader(tt.input))
			assert.Error(t, err)
		})
	}
}

func TestWriteSummary(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSummary(&buf, Aggregate(sampleRows(), 1), 1))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "standard_name,data_total,filled_data_percentage,range_check_rejection_percentage,"+
		"spike_test_rejection_percentage,stuck_value_rejection_percentage,statistic_rejection_1_percentage", lines[0])
	assert.Equal(t, "sea_water_temperature,2000,10.00,0.56,0.28,1.11,0.83", lines[2])
}
