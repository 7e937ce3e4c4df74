package app

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrissnell/insituqc/internal/store"
	"github.com/chrissnell/insituqc/internal/timeaxis"
	"github.com/chrissnell/insituqc/internal/types"
	"github.com/chrissnell/insituqc/pkg/config"
	"github.com/chrissnell/insituqc/pkg/dataset"
)

// 2020-01-01T00:00:00Z
const jan2020 = int64(1577836800)

// mooring returns 30 days of hourly temperature at 1 m and 10 m with an
// out-of-range value at record 100 of the upper level.
func mooring(platform string) *types.Dataset {
	const records = 30 * 24
	times := make([]int64, records)
	depths := make([][]float64, records)
	values := make([][]float64, records)
	for t := range times {
		times[t] = jan2020 + int64(t)*3600
		depths[t] = []float64{1, 10}
		values[t] = []float64{20 + 0.1*math.Sin(float64(t)), 15 + 0.1*math.Cos(float64(t))}
	}
	values[100][0] = 40
	depth := types.GridFromValues(depths)
	return &types.Dataset{
		Platform:    platform,
		Institution: "OGS",
		Time:        times,
		Depth:       &depth,
		Lon:         []float64{13.7},
		Lat:         []float64{45.6},
		Variables: map[string]*types.Variable{
			"TEMP": {Name: "TEMP", StandardName: "sea_water_temperature", Units: "degC", Data: types.GridFromValues(values)},
		},
	}
}

func testConfig() *config.ConfigData {
	cfg := config.DefaultConfig()
	cfg.QC.Iterations = 2
	cfg.Store = config.StoreData{Backend: "memory"}
	cfg.Workers = 2
	return cfg
}

func newApp(t *testing.T, cfg *config.ConfigData, st store.ClimatologyStore) *App {
	t.Helper()
	a, err := New(cfg, st, nil)
	require.NoError(t, err)
	require.NotEmpty(t, a.RunID())
	return a
}

func TestProcessUnit(t *testing.T) {
	st := store.NewMemoryStore()
	a := newApp(t, testConfig(), st)

	res, err := a.ProcessUnit(context.Background(), Unit{Dataset: mooring("M1"), Variable: "sea_water_temperature"})
	require.NoError(t, err)

	assert.Equal(t, []float64{1, 10}, res.Axis.Levels)
	assert.Equal(t, timeaxis.Monotonic, res.Status)
	require.NotNil(t, res.QC)
	assert.Equal(t, 1, res.QC.Stats.Range)
	assert.Equal(t, 1, st.Len())

	temp := res.Dataset.Variables["TEMP"]
	require.NotNil(t, temp)
	assert.False(t, temp.Data.Valid[100][0])
	assert.True(t, temp.Data.Valid[100][1])

	flags := res.Dataset.Variables["TEMP_QC"]
	require.NotNil(t, flags)
	assert.Equal(t, float64(types.FlagBad), flags.Data.Values[100][0])
	assert.Equal(t, float64(types.FlagGood), flags.Data.Values[0][0])
}

func TestProcessUnitRepairsTimeAxis(t *testing.T) {
	ds := mooring("M1")
	ds.Time[5] = ds.Time[4]
	a := newApp(t, testConfig(), store.NewMemoryStore())

	res, err := a.ProcessUnit(context.Background(), Unit{Dataset: ds, Variable: "sea_water_temperature"})
	require.NoError(t, err)
	assert.Equal(t, timeaxis.Duplicated, res.Status)
	assert.Equal(t, len(ds.Time)-1, res.Dataset.Records())
}

func TestProcessUnitAveraged(t *testing.T) {
	cfg := testConfig()
	cfg.Averaging = &config.AveragingData{Cadence: "24:00"}
	a := newApp(t, cfg, store.NewMemoryStore())

	res, err := a.ProcessUnit(context.Background(), Unit{Dataset: mooring("M1"), Variable: "sea_water_temperature"})
	require.NoError(t, err)
	assert.Equal(t, 30, res.Dataset.Records())
	assert.NotContains(t, res.Dataset.Variables, "TEMP_QC")
	assert.InDelta(t, 20, res.Dataset.Variables["TEMP"].Data.Values[4][0], 0.05, "range rejection kept out of the mean")
}

func TestProcessUnitQCDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.QC.Iterations = -1
	a := newApp(t, cfg, nil)

	res, err := a.ProcessUnit(context.Background(), Unit{Dataset: mooring("M1"), Variable: "sea_water_temperature"})
	require.NoError(t, err)
	assert.Nil(t, res.QC)
	assert.True(t, res.Dataset.Variables["TEMP"].Data.Valid[100][0])
}

func TestProcessSkipsAndCollects(t *testing.T) {
	empty := mooring("EMPTY")
	empty.Variables["TEMP"].Data = types.NewGrid(len(empty.Time), 2)

	cfg := testConfig()
	cfg.Variables = []string{"sea_water_temperature", "sea_water_practical_salinity"}
	a := newApp(t, cfg, store.NewMemoryStore())

	var units []Unit
	for _, ds := range []*types.Dataset{mooring("B"), empty, mooring("A")} {
		units = append(units, a.Units(ds)...)
	}
	require.Len(t, units, 6)

	results, err := a.Process(context.Background(), units)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "A/sea_water_temperature", results[0].Unit.String())
	assert.Equal(t, "B/sea_water_temperature", results[1].Unit.String())
}

func TestUpdateMode(t *testing.T) {
	st := store.NewMemoryStore()
	creation := newApp(t, testConfig(), st)
	_, err := creation.Process(context.Background(), creation.Units(mooring("M1")))
	require.NoError(t, err)
	require.Equal(t, 1, st.Len())

	cfg := testConfig()
	cfg.QC.UpdateMode = true
	update := newApp(t, cfg, st)
	results, err := update.Process(context.Background(), append(update.Units(mooring("M1")), update.Units(mooring("M2"))...))
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Contains(t, err.Error(), "M2/sea_water_temperature")
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].QC.Iterations)
	assert.Equal(t, 1, st.Len())
}

func TestUpdateModeFlagIteration(t *testing.T) {
	st := store.NewMemoryStore()
	cfg := testConfig()
	cfg.QC.Iterations = 3
	creation := newApp(t, cfg, st)
	_, err := creation.Process(context.Background(), creation.Units(mooring("M1")))
	require.NoError(t, err)

	cfg = testConfig()
	cfg.QC.Iterations = 3
	cfg.QC.UpdateMode = true
	cfg.QC.FlagIteration = 2
	_, err = New(cfg, st, nil)
	require.ErrorContains(t, err, "flag_iteration 2 outside [-1, 1]")

	cfg.QC.FlagIteration = 1
	update := newApp(t, cfg, st)
	results, err := update.Process(context.Background(), update.Units(mooring("M1")))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].QC.Iterations)
}

func TestPlatformWithSeparator(t *testing.T) {
	st := store.NewMemoryStore()
	a := newApp(t, testConfig(), st)
	u := a.Units(mooring("PT/01"))[0]

	res, err := a.ProcessUnit(context.Background(), u)
	require.NoError(t, err)
	require.NotNil(t, res.QC)
	_, err = st.Load(context.Background(), store.Key{Platform: "PT_01", Variable: "sea_water_temperature"})
	require.NoError(t, err)
	assert.Equal(t, "PT_01_sea_water_temperature.json", fileName(u, ".json"))
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in")
	out := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(in, 0o755))
	input := filepath.Join(in, "M1.json")
	require.NoError(t, dataset.WriteFile(input, mooring("M1")))

	a := newApp(t, testConfig(), store.NewMemoryStore())
	err := a.Run(context.Background(), []string{input, filepath.Join(in, "missing.json")}, out)
	require.Error(t, err, "unreadable input reported")

	ds, err := dataset.ReadFile(filepath.Join(out, "M1_sea_water_temperature.json"))
	require.NoError(t, err)
	assert.Contains(t, ds.Variables, "TEMP_QC")

	b, err := os.ReadFile(filepath.Join(out, RejectionFile))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[1], "M1,sea_water_temperature,1440,0,1,"))

	_, err = os.Stat(filepath.Join(out, StatisticsFile))
	assert.NoError(t, err)
}
