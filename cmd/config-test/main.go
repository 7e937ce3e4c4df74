package main

import (
	"flag"
	"fmt"
	"os"
	"reflect"

	"github.com/chrissnell/insituqc/pkg/config"
)

func main() {
	var (
		yamlFile   = flag.String("yaml", "", "Path to YAML configuration file")
		sqliteFile = flag.String("sqlite", "", "Path to SQLite configuration file")
	)
	flag.Parse()

	if *yamlFile == "" || *sqliteFile == "" {
		fmt.Fprintf(os.Stderr, "Usage: %s -yaml <insituqc.yaml> -sqlite <insituqc.db>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("Configuration Comparison Test")
	fmt.Println("===========================")

	// Load YAML configuration
	fmt.Printf("Loading YAML configuration: %s\n", *yamlFile)
	yamlSections, err := loadSections(config.NewYAMLProvider(*yamlFile))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading YAML config: %v\n", err)
		os.Exit(1)
	}

	// Load SQLite configuration
	fmt.Printf("Loading SQLite configuration: %s\n", *sqliteFile)
	sqliteProvider, err := config.NewSQLiteProvider(*sqliteFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating SQLite provider: %v\n", err)
		os.Exit(1)
	}
	defer sqliteProvider.Close()

	sqliteSections, err := loadSections(sqliteProvider)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading SQLite config: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nComparison Results:")
	fmt.Println("==================")

	mismatches := 0
	for i, ys := range yamlSections {
		ss := sqliteSections[i]
		if reflect.DeepEqual(ys.value, ss.value) {
			fmt.Printf("✓ %s matches\n", ys.name)
			continue
		}
		mismatches++
		fmt.Printf("✗ %s differs\n", ys.name)
		fmt.Printf("    YAML:   %+v\n", ys.value)
		fmt.Printf("    SQLite: %+v\n", ss.value)
	}

	fmt.Println("\nTest completed.")
	if mismatches > 0 {
		os.Exit(1)
	}
}

type section struct {
	name  string
	value interface{}
}

// loadSections reads every configuration section of p in a fixed order. The
// QC, range check and store sections come from the provider's section
// getters, the rest from the complete configuration.
func loadSections(p config.ConfigProvider) ([]section, error) {
	cfg, err := p.LoadConfig()
	if err != nil {
		return nil, err
	}
	qc, err := p.GetQCConfig()
	if err != nil {
		return nil, fmt.Errorf("qc section: %w", err)
	}
	rangeChecks, err := p.GetRangeChecks()
	if err != nil {
		return nil, fmt.Errorf("range checks: %w", err)
	}
	st, err := p.GetStoreConfig()
	if err != nil {
		return nil, fmt.Errorf("store section: %w", err)
	}

	return []section{
		{"QC iterations", [2]interface{}{qc.Iterations, qc.UpdateMode}},
		{"Gross tests", [3]bool{qc.RangeCheck, qc.SpikeTest, qc.StuckValueTest}},
		{"Spike and stuck thresholds", [5]float64{
			float64(qc.SpikeNeighbours), qc.SpikeMultiplier,
			float64(qc.StuckMinimumCount), float64(qc.StuckNeighbours), qc.StuckMultiplier,
		}},
		{"Statistical test", [6]float64{
			qc.ProbabilityThreshold, qc.ValidDaysMinimum,
			qc.DensityMin, qc.DensityMax, qc.DensityStep, qc.Bandwidth,
		}},
		{"Flag application", [2]interface{}{qc.FlagIteration, qc.AcceptedFlags}},
		{"Range checks", rangeChecks},
		{"Stuck exceptions", cfg.StuckExceptions},
		{"Depth", cfg.Depth},
		{"Averaging", cfg.Averaging},
		{"Store", *st},
		{"Workers", cfg.Workers},
		{"Variables", cfg.Variables},
	}, nil
}
