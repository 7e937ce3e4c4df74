package config

import (
	"os"

	"gopkg.in/yaml.v2"
)

// YAMLProvider implements ConfigProvider for YAML configuration files
type YAMLProvider struct {
	filename string
	config   *ConfigData
}

// NewYAMLProvider creates a new YAML configuration provider
func NewYAMLProvider(filename string) *YAMLProvider {
	return &YAMLProvider{
		filename: filename,
	}
}

// LoadConfig loads the complete configuration from YAML file. Keys absent
// from the file keep their DefaultConfig value.
func (y *YAMLProvider) LoadConfig() (*ConfigData, error) {
	cfgFile, err := os.ReadFile(y.filename)
	if err != nil {
		return nil, err
	}

	// Load into temporary struct with YAML tags
	var yamlConfig ConfigYAML
	if err := yaml.Unmarshal(cfgFile, &yamlConfig); err != nil {
		return nil, err
	}

	// Convert to our internal format
	config := DefaultConfig()
	yamlConfig.QC.applyTo(&config.QC)
	yamlConfig.Depth.applyTo(&config.Depth)
	overlay(&config.Workers, yamlConfig.Workers)
	config.Variables = yamlConfig.Variables

	if yamlConfig.RangeChecks != nil {
		config.RangeChecks = make([]RangeCheckData, len(yamlConfig.RangeChecks))
		for i, r := range yamlConfig.RangeChecks {
			config.RangeChecks[i] = RangeCheckData{Variable: r.Variable, Min: r.Min, Max: r.Max}
		}
	}
	if yamlConfig.StuckExceptions != nil {
		config.StuckExceptions = make([]StuckExceptionData, len(yamlConfig.StuckExceptions))
		for i, e := range yamlConfig.StuckExceptions {
			config.StuckExceptions[i] = StuckExceptionData{
				Institution: e.Institution,
				Variable:    e.Variable,
				Value:       e.Value,
			}
		}
	}
	if yamlConfig.Averaging != nil {
		config.Averaging = &AveragingData{
			Cadence:          yamlConfig.Averaging.Cadence,
			TolerancePercent: 10,
			HalfStepShift:    yamlConfig.Averaging.HalfStepShift,
		}
		overlay(&config.Averaging.TolerancePercent, yamlConfig.Averaging.TolerancePercent)
	}
	if yamlConfig.Store != nil {
		config.Store = StoreData{
			Backend:          yamlConfig.Store.Backend,
			Path:             yamlConfig.Store.Path,
			ConnectionString: yamlConfig.Store.ConnectionString,
		}
	}

	y.config = config
	return config, nil
}

func (y *YAMLProvider) loaded() (*ConfigData, error) {
	if y.config == nil {
		return y.LoadConfig()
	}
	return y.config, nil
}

// GetQCConfig returns the QC section
func (y *YAMLProvider) GetQCConfig() (*QCData, error) {
	config, err := y.loaded()
	if err != nil {
		return nil, err
	}
	return &config.QC, nil
}

// GetRangeChecks returns the range check table
func (y *YAMLProvider) GetRangeChecks() ([]RangeCheckData, error) {
	config, err := y.loaded()
	if err != nil {
		return nil, err
	}
	return config.RangeChecks, nil
}

// GetStoreConfig returns the artifact store section
func (y *YAMLProvider) GetStoreConfig() (*StoreData, error) {
	config, err := y.loaded()
	if err != nil {
		return nil, err
	}
	return &config.Store, nil
}

// IsReadOnly returns true since YAML files are read-only in this implementation
func (y *YAMLProvider) IsReadOnly() bool {
	return true
}

// Close is a no-op for YAML provider
func (y *YAMLProvider) Close() error {
	return nil
}

// overlay copies *src into *dst when src is set.
func overlay[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

// YAML-specific structs. Scalars are pointers so that absent keys can be
// told apart from zero values.
type ConfigYAML struct {
	QC              QCYAML               `yaml:"qc,omitempty"`
	RangeChecks     []RangeCheckYAML     `yaml:"range_checks,omitempty"`
	StuckExceptions []StuckExceptionYAML `yaml:"stuck_exceptions,omitempty"`
	Depth           DepthYAML            `yaml:"depth,omitempty"`
	Averaging       *AveragingYAML       `yaml:"averaging,omitempty"`
	Store           *StoreYAML           `yaml:"store,omitempty"`
	Workers         *int                 `yaml:"workers,omitempty"`
	Variables       []string             `yaml:"variables,omitempty"`
}

type QCYAML struct {
	Iterations           *int     `yaml:"routine_qc_iterations,omitempty"`
	UpdateMode           *bool    `yaml:"update_mode,omitempty"`
	RangeCheck           *bool    `yaml:"range_check,omitempty"`
	SpikeTest            *bool    `yaml:"spike_test,omitempty"`
	StuckValueTest       *bool    `yaml:"stuck_value_test,omitempty"`
	SpikeNeighbours      *int     `yaml:"spike_neighbours,omitempty"`
	SpikeMultiplier      *float64 `yaml:"spike_multiplier,omitempty"`
	StuckMinimumCount    *int     `yaml:"stuck_minimum_count,omitempty"`
	StuckNeighbours      *int     `yaml:"stuck_neighbours,omitempty"`
	StuckMultiplier      *float64 `yaml:"stuck_multiplier,omitempty"`
	ProbabilityThreshold *float64 `yaml:"probability_threshold,omitempty"`
	ValidDaysMinimum     *float64 `yaml:"valid_days_minimum,omitempty"`
	DensityMin           *float64 `yaml:"density_min,omitempty"`
	DensityMax           *float64 `yaml:"density_max,omitempty"`
	DensityStep          *float64 `yaml:"density_step,omitempty"`
	Bandwidth            *float64 `yaml:"bandwidth,omitempty"`
	FlagIteration        *int     `yaml:"flag_iteration,omitempty"`
	AcceptedFlags        []int    `yaml:"accepted_flags,omitempty"`
}

func (q QCYAML) applyTo(dst *QCData) {
	overlay(&dst.Iterations, q.Iterations)
	overlay(&dst.UpdateMode, q.UpdateMode)
	overlay(&dst.RangeCheck, q.RangeCheck)
	overlay(&dst.SpikeTest, q.SpikeTest)
	overlay(&dst.StuckValueTest, q.StuckValueTest)
	overlay(&dst.SpikeNeighbours, q.SpikeNeighbours)
	overlay(&dst.SpikeMultiplier, q.SpikeMultiplier)
	overlay(&dst.StuckMinimumCount, q.StuckMinimumCount)
	overlay(&dst.StuckNeighbours, q.StuckNeighbours)
	overlay(&dst.StuckMultiplier, q.StuckMultiplier)
	overlay(&dst.ProbabilityThreshold, q.ProbabilityThreshold)
	overlay(&dst.ValidDaysMinimum, q.ValidDaysMinimum)
	overlay(&dst.DensityMin, q.DensityMin)
	overlay(&dst.DensityMax, q.DensityMax)
	overlay(&dst.DensityStep, q.DensityStep)
	overlay(&dst.Bandwidth, q.Bandwidth)
	overlay(&dst.FlagIteration, q.FlagIteration)
	if q.AcceptedFlags != nil {
		dst.AcceptedFlags = q.AcceptedFlags
	}
}

type RangeCheckYAML struct {
	Variable string  `yaml:"variable"`
	Min      float64 `yaml:"min"`
	Max      float64 `yaml:"max"`
}

type StuckExceptionYAML struct {
	Institution string  `yaml:"institution"`
	Variable    string  `yaml:"variable"`
	Value       float64 `yaml:"value"`
}

type DepthYAML struct {
	MinimumSpacing      *float64 `yaml:"minimum_spacing,omitempty"`
	RelativeThreshold   *float64 `yaml:"relative_threshold,omitempty"`
	FilledDataThreshold *float64 `yaml:"filled_data_threshold,omitempty"`
	Tolerance           *float64 `yaml:"tolerance,omitempty"`
	FillValue           *float64 `yaml:"fill_value,omitempty"`
}

func (d DepthYAML) applyTo(dst *DepthData) {
	overlay(&dst.MinimumSpacing, d.MinimumSpacing)
	overlay(&dst.RelativeThreshold, d.RelativeThreshold)
	overlay(&dst.FilledDataThreshold, d.FilledDataThreshold)
	overlay(&dst.Tolerance, d.Tolerance)
	overlay(&dst.FillValue, d.FillValue)
}

type AveragingYAML struct {
	Cadence          string   `yaml:"cadence"`
	TolerancePercent *float64 `yaml:"tolerance_percent,omitempty"`
	HalfStepShift    bool     `yaml:"half_step_shift,omitempty"`
}

type StoreYAML struct {
	Backend          string `yaml:"backend"`
	Path             string `yaml:"path,omitempty"`
	ConnectionString string `yaml:"connection_string,omitempty"`
}
