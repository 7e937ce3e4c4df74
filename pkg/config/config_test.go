package config

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfigValid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *ConfigData)
		ok     bool
	}{
		{name: "no qc", modify: func(c *ConfigData) { c.QC.Iterations = -1 }, ok: true},
		{name: "iterations below -1", modify: func(c *ConfigData) { c.QC.Iterations = -2 }},
		{name: "empty density grid", modify: func(c *ConfigData) { c.QC.DensityStep = 0 }},
		{name: "inverted range", modify: func(c *ConfigData) {
			c.RangeChecks = append(c.RangeChecks, RangeCheckData{Variable: "x", Min: 3, Max: 1})
		}},
		{name: "missing store", modify: func(c *ConfigData) { c.Store.Backend = "" }},
		{name: "missing store gross only", modify: func(c *ConfigData) {
			c.Store.Backend = ""
			c.QC.Iterations = 0
		}, ok: true},
		{name: "flag iteration beyond run", modify: func(c *ConfigData) { c.QC.FlagIteration = 9 }},
		{name: "update mode flag iteration beyond single phase", modify: func(c *ConfigData) {
			c.QC.Iterations = 3
			c.QC.UpdateMode = true
			c.QC.FlagIteration = 2
		}},
		{name: "update mode flag iteration of single phase", modify: func(c *ConfigData) {
			c.QC.Iterations = 3
			c.QC.UpdateMode = true
			c.QC.FlagIteration = 1
		}, ok: true},
		{name: "averaging without cadence", modify: func(c *ConfigData) { c.Averaging = &AveragingData{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.modify(c)
			if tt.ok {
				assert.NoError(t, c.Validate())
			} else {
				assert.Error(t, c.Validate())
			}
		})
	}
}

func TestRunIterations(t *testing.T) {
	tests := []struct {
		name       string
		iterations int
		update     bool
		want       int
	}{
		{name: "creation", iterations: 5, want: 5},
		{name: "update clamps", iterations: 5, update: true, want: 1},
		{name: "update gross only", iterations: 0, update: true, want: 0},
		{name: "disabled", iterations: -1, update: true, want: -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := QCData{Iterations: tt.iterations, UpdateMode: tt.update}
			assert.Equal(t, tt.want, q.RunIterations())
		})
	}
}

func TestYAMLProvider(t *testing.T) {
	path := writeFile(t, "config.yaml", `
qc:
  routine_qc_iterations: 2
  spike_test: false
  valid_days_minimum: 10
range_checks:
  - variable: sea_water_temperature
    min: 0
    max: 35
depth:
  tolerance: 0.3
averaging:
  cadence: "01:00:00"
store:
  backend: sqlite
  path: /tmp/clim.db
workers: 4
variables:
  - sea_water_temperature
`)

	cfg, err := NewYAMLProvider(path).LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.QC.Iterations)
	assert.False(t, cfg.QC.SpikeTest)
	assert.True(t, cfg.QC.RangeCheck, "unset toggle keeps default")
	assert.Equal(t, 10.0, cfg.QC.ValidDaysMinimum)
	assert.Equal(t, 0.05, cfg.QC.ProbabilityThreshold)
	assert.Equal(t, []RangeCheckData{{Variable: "sea_water_temperature", Min: 0, Max: 35}}, cfg.RangeChecks)
	assert.Len(t, cfg.StuckExceptions, 1)
	assert.Equal(t, 0.3, cfg.Depth.Tolerance)
	assert.Equal(t, 0.5, cfg.Depth.MinimumSpacing)
	require.NotNil(t, cfg.Averaging)
	assert.Equal(t, "01:00:00", cfg.Averaging.Cadence)
	assert.Equal(t, 10.0, cfg.Averaging.TolerancePercent)
	assert.Equal(t, StoreData{Backend: "sqlite", Path: "/tmp/clim.db"}, cfg.Store)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, []string{"sea_water_temperature"}, cfg.Variables)
	assert.NoError(t, cfg.Validate())
}

func TestYAMLProviderMissingFile(t *testing.T) {
	_, err := NewYAMLProvider(filepath.Join(t.TempDir(), "missing.yaml")).LoadConfig()
	assert.Error(t, err)
}

func TestSQLiteProviderRoundTrip(t *testing.T) {
	provider, err := NewSQLiteProvider(filepath.Join(t.TempDir(), "config.db"))
	require.NoError(t, err)
	defer provider.Close()

	// an empty database yields the defaults
	cfg, err := provider.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	cfg.QC.Iterations = 3
	cfg.QC.UpdateMode = true
	cfg.QC.StuckValueTest = false
	cfg.Workers = 2
	cfg.Store = StoreData{Backend: "postgres", ConnectionString: "host=db dbname=clim"}
	cfg.Averaging = &AveragingData{Cadence: "12", TolerancePercent: 15}
	cfg.RangeChecks = []RangeCheckData{{Variable: "sea_water_temperature", Min: 1, Max: 30}}
	require.NoError(t, provider.SaveConfig(cfg))
	// saving twice replaces the previous rows
	require.NoError(t, provider.SaveConfig(cfg))

	loaded, err := provider.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.QC.Iterations)
	assert.True(t, loaded.QC.UpdateMode)
	assert.False(t, loaded.QC.StuckValueTest)
	assert.True(t, loaded.QC.SpikeTest)
	assert.Equal(t, 2, loaded.Workers)
	assert.Equal(t, cfg.Store, loaded.Store)
	assert.Equal(t, cfg.Averaging, loaded.Averaging)
	assert.Equal(t, cfg.RangeChecks, loaded.RangeChecks)
	assert.Equal(t, cfg.StuckExceptions, loaded.StuckExceptions)

	checks, err := provider.GetRangeChecks()
	require.NoError(t, err)
	assert.Len(t, checks, 1)
	store, err := provider.GetStoreConfig()
	require.NoError(t, err)
	assert.Equal(t, "postgres", store.Backend)
	assert.False(t, provider.IsReadOnly())
}

const fullYAML = `
qc:
  routine_qc_iterations: 3
  update_mode: true
  range_check: false
  spike_test: true
  stuck_value_test: false
  spike_neighbours: 5
  spike_multiplier: 2.5
  stuck_minimum_count: 50
  stuck_neighbours: 40
  stuck_multiplier: 4
  probability_threshold: 0.01
  valid_days_minimum: 12
  density_min: -8
  density_max: 8
  density_step: 0.05
  bandwidth: 0.3
  flag_iteration: 1
  accepted_flags: [1, 2]
range_checks:
  - variable: sea_water_temperature
    min: -2
    max: 35
stuck_exceptions:
  - institution: OGS
    variable: sea_water_practical_salinity
    value: 38
depth:
  minimum_spacing: 1.0
  relative_threshold: 0.1
  filled_data_threshold: 0.02
  tolerance: 0.25
  fill_value: 9999
averaging:
  cadence: "24:00"
  tolerance_percent: 20
  half_step_shift: true
store:
  backend: sqlite
  path: /var/lib/insituqc/clim.db
workers: 6
variables:
  - sea_water_temperature
  - sea_water_practical_salinity
`

func TestYAMLToSQLiteRoundTrip(t *testing.T) {
	yamlProvider := NewYAMLProvider(writeFile(t, "config.yaml", fullYAML))
	want, err := yamlProvider.LoadConfig()
	require.NoError(t, err)
	require.NoError(t, want.Validate())
	assert.Equal(t, 1.0, want.Depth.MinimumSpacing)
	assert.Equal(t, 5, want.QC.SpikeNeighbours)

	sqliteProvider, err := NewSQLiteProvider(filepath.Join(t.TempDir(), "config.db"))
	require.NoError(t, err)
	defer sqliteProvider.Close()
	require.NoError(t, sqliteProvider.SaveConfig(want))

	got, err := sqliteProvider.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	for name, p := range map[string]ConfigProvider{"yaml": yamlProvider, "sqlite": sqliteProvider} {
		t.Run(name, func(t *testing.T) {
			qc, err := p.GetQCConfig()
			require.NoError(t, err)
			assert.Equal(t, want.QC, *qc)
			checks, err := p.GetRangeChecks()
			require.NoError(t, err)
			assert.Equal(t, want.RangeChecks, checks)
			st, err := p.GetStoreConfig()
			require.NoError(t, err)
			assert.Equal(t, want.Store, *st)
		})
	}
}

func TestSQLiteProviderUpgradesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE qc_configs (
		config_id INTEGER PRIMARY KEY, routine_qc_iterations INTEGER, update_mode INTEGER,
		range_check INTEGER, spike_test INTEGER, stuck_value_test INTEGER,
		probability_threshold REAL, valid_days_minimum REAL, flag_iteration INTEGER,
		workers INTEGER, store_backend TEXT, store_path TEXT, store_connection_string TEXT,
		averaging_cadence TEXT, averaging_tolerance REAL, averaging_half_step INTEGER
	)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	provider, err := NewSQLiteProvider(path)
	require.NoError(t, err)
	defer provider.Close()

	cfg := DefaultConfig()
	cfg.QC.StuckNeighbours = 60
	cfg.QC.AcceptedFlags = []int{}
	require.NoError(t, provider.SaveConfig(cfg))
	loaded, err := provider.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 60, loaded.QC.StuckNeighbours)
	assert.Equal(t, []int{}, loaded.QC.AcceptedFlags)
}

func TestLoad(t *testing.T) {
	path := writeFile(t, "config.yaml", "qc:\n  routine_qc_iterations: -3\n")
	_, err := Load(path, "yaml")
	assert.ErrorContains(t, err, "invalid configuration")

	_, err = Load(path, "toml")
	assert.ErrorContains(t, err, "unsupported configuration backend")

	path = writeFile(t, "ok.yaml", "workers: 3\n")
	cfg, err := Load(path, "yaml")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Workers)
}
