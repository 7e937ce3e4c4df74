package config

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

// ConfigProvider defines the interface for configuration data sources
type ConfigProvider interface {
	// Load complete configuration
	LoadConfig() (*ConfigData, error)

	// Get specific configuration sections
	GetQCConfig() (*QCData, error)
	GetRangeChecks() ([]RangeCheckData, error)
	GetStoreConfig() (*StoreData, error)

	IsReadOnly() bool
	Close() error
}

// ConfigData represents the complete configuration of a QC run
type ConfigData struct {
	QC              QCData               `json:"qc"`
	RangeChecks     []RangeCheckData     `json:"range_checks,omitempty"`
	StuckExceptions []StuckExceptionData `json:"stuck_exceptions,omitempty"`
	Depth           DepthData            `json:"depth"`
	Averaging       *AveragingData       `json:"averaging,omitempty"`
	Store           StoreData            `json:"store"`
	Workers         int                  `json:"workers,omitempty"`
	// Variables restricts processing to these standard names; empty means all.
	Variables []string `json:"variables,omitempty"`
}

// QCData holds the iterative QC settings and thresholds
type QCData struct {
	Iterations     int  `json:"routine_qc_iterations"`
	UpdateMode     bool `json:"update_mode"`
	RangeCheck     bool `json:"range_check"`
	SpikeTest      bool `json:"spike_test"`
	StuckValueTest bool `json:"stuck_value_test"`

	SpikeNeighbours   int     `json:"spike_neighbours"`
	SpikeMultiplier   float64 `json:"spike_multiplier"`
	StuckMinimumCount int     `json:"stuck_minimum_count"`
	StuckNeighbours   int     `json:"stuck_neighbours"`
	StuckMultiplier   float64 `json:"stuck_multiplier"`

	ProbabilityThreshold float64 `json:"probability_threshold"`
	ValidDaysMinimum     float64 `json:"valid_days_minimum"`
	DensityMin           float64 `json:"density_min"`
	DensityMax           float64 `json:"density_max"`
	DensityStep          float64 `json:"density_step"`
	Bandwidth            float64 `json:"bandwidth"`

	// FlagIteration selects the flags applied to the output; -1 is the last iteration.
	FlagIteration int `json:"flag_iteration"`
	// AcceptedFlags lists the flag values kept when applying flags.
	AcceptedFlags []int `json:"accepted_flags,omitempty"`
}

// RunIterations returns the number of statistical phases a run performs.
// Update mode runs at most one.
func (q QCData) RunIterations() int {
	if q.UpdateMode {
		return min(q.Iterations, 1)
	}
	return q.Iterations
}

// RangeCheckData is the accepted interval of one variable
type RangeCheckData struct {
	Variable string  `json:"variable"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
}

// StuckExceptionData forces a literal value to be flagged as stuck
type StuckExceptionData struct {
	Institution string  `json:"institution"`
	Variable    string  `json:"variable"`
	Value       float64 `json:"value"`
}

// DepthData holds the depth resolution tolerances
type DepthData struct {
	MinimumSpacing      float64 `json:"minimum_spacing"`
	RelativeThreshold   float64 `json:"relative_threshold"`
	FilledDataThreshold float64 `json:"filled_data_threshold"`
	Tolerance           float64 `json:"tolerance"`
	FillValue           float64 `json:"fill_value"`
}

// AveragingData configures the optional time averaging of the cleaned series
type AveragingData struct {
	Cadence          string  `json:"cadence"`
	TolerancePercent float64 `json:"tolerance_percent"`
	HalfStepShift    bool    `json:"half_step_shift"`
}

// StoreData selects the climatology artifact store
type StoreData struct {
	Backend          string `json:"backend"`
	Path             string `json:"path,omitempty"`
	ConnectionString string `json:"connection_string,omitempty"`
}

// DefaultConfig returns the settings used when a source leaves a value unset.
func DefaultConfig() *ConfigData {
	return &ConfigData{
		QC: QCData{
			Iterations:           5,
			RangeCheck:           true,
			SpikeTest:            true,
			StuckValueTest:       true,
			SpikeNeighbours:      3,
			SpikeMultiplier:      2,
			StuckMinimumCount:    100,
			StuckNeighbours:      100,
			StuckMultiplier:      5,
			ProbabilityThreshold: 0.05,
			ValidDaysMinimum:     15,
			DensityMin:           -10,
			DensityMax:           10,
			DensityStep:          0.1,
			Bandwidth:            0.2,
			FlagIteration:        -1,
			AcceptedFlags:        []int{1},
		},
		RangeChecks: []RangeCheckData{
			{Variable: "sea_water_practical_salinity", Min: 5, Max: 41},
			{Variable: "sea_water_temperature", Min: 4, Max: 32},
		},
		StuckExceptions: []StuckExceptionData{
			{Institution: "ISPRA", Variable: "sea_water_temperature", Value: 20.0},
		},
		Depth: DepthData{
			MinimumSpacing:      0.5,
			RelativeThreshold:   0.05,
			FilledDataThreshold: 0.01,
			Tolerance:           0.20,
			FillValue:           1e20,
		},
		Store: StoreData{
			Backend: "file",
			Path:    "climatology",
		},
		Workers: 1,
	}
}

// Validate checks the configuration for values the QC engine cannot run with.
func (c *ConfigData) Validate() error {
	var err error
	if c.QC.Iterations < -1 {
		err = multierr.Append(err, fmt.Errorf("routine_qc_iterations must be >= -1, got %d", c.QC.Iterations))
	}
	if c.QC.DensityStep <= 0 || c.QC.DensityMax <= c.QC.DensityMin {
		err = multierr.Append(err, fmt.Errorf("density grid [%g, %g) step %g is empty", c.QC.DensityMin, c.QC.DensityMax, c.QC.DensityStep))
	}
	if c.QC.Bandwidth <= 0 {
		err = multierr.Append(err, fmt.Errorf("bandwidth must be positive, got %g", c.QC.Bandwidth))
	}
	if ran := c.QC.RunIterations(); c.QC.FlagIteration < -1 || (ran >= 0 && c.QC.FlagIteration > ran) {
		err = multierr.Append(err, fmt.Errorf("flag_iteration %d outside [-1, %d]", c.QC.FlagIteration, ran))
	}
	for _, r := range c.RangeChecks {
		if r.Variable == "" {
			err = multierr.Append(err, errors.New("range check without variable"))
		}
		if r.Min >= r.Max {
			err = multierr.Append(err, fmt.Errorf("range check for %s: min %g must be below max %g", r.Variable, r.Min, r.Max))
		}
	}
	if c.QC.Iterations >= 1 && c.Store.Backend == "" {
		err = multierr.Append(err, errors.New("a store backend is required when routine_qc_iterations >= 1"))
	}
	if c.Depth.MinimumSpacing <= 0 {
		err = multierr.Append(err, fmt.Errorf("minimum_spacing must be positive, got %g", c.Depth.MinimumSpacing))
	}
	if c.Averaging != nil && c.Averaging.Cadence == "" {
		err = multierr.Append(err, errors.New("averaging requires a cadence"))
	}
	if c.Workers < 0 {
		err = multierr.Append(err, fmt.Errorf("workers must be >= 0, got %d", c.Workers))
	}
	return err
}

// Load opens the provider for backend and loads the configuration from it.
func Load(path, backend string) (*ConfigData, error) {
	var provider ConfigProvider
	var err error

	switch backend {
	case "yaml":
		provider = NewYAMLProvider(path)
	case "sqlite":
		provider, err = NewSQLiteProvider(path)
		if err != nil {
			return nil, fmt.Errorf("error creating SQLite provider: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported configuration backend: %s. Use 'yaml' or 'sqlite'", backend)
	}
	defer provider.Close()

	cfg, err := provider.LoadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
