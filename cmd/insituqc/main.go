package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/chrissnell/insituqc/internal/app"
	"github.com/chrissnell/insituqc/internal/log"
	"github.com/chrissnell/insituqc/internal/report"
	"github.com/chrissnell/insituqc/internal/store"
	"github.com/chrissnell/insituqc/pkg/config"
)

const version = "1.0-" + runtime.GOOS + "/" + runtime.GOARCH

func main() {
	cfgFile := flag.String("config", "", "Path to configuration source:\n\t\t\t  YAML: insituqc.yaml\n\t\t\t  SQLite: insituqc.db\n\t\t\t  Empty runs with the built-in defaults")
	cfgBackend := flag.String("config-backend", "yaml", "Configuration backend type: 'yaml' for YAML files, 'sqlite' for SQLite databases")
	outDir := flag.String("out", "output", "Directory receiving the processed datasets and rejection tables")
	summarize := flag.String("summarize", "", "Recompute rejection percentages from an existing rejection_process.csv and exit")
	debug := flag.Bool("debug", false, "Turn on debugging output")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <dataset.json|dataset.msgpack>...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("insituqc %s\n", version)
		os.Exit(0)
	}

	// Set up logging
	if err := log.Init(*debug); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if *summarize != "" {
		if err := summarizeRejections(*summarize, *outDir); err != nil {
			log.Errorf("Failed to summarize rejections: %v", err)
			os.Exit(1)
		}
		return
	}

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(1)
	}

	cfgData, err := loadConfig(*cfgFile, *cfgBackend)
	if err != nil {
		log.Errorf("Failed to load configuration: %v", err)
		os.Exit(1)
	}

	var st store.ClimatologyStore
	if cfgData.QC.Iterations >= 0 {
		st, err = store.New(cfgData.Store, log.Component("store"))
		if err != nil {
			log.Errorf("Failed to open climatology store: %v", err)
			os.Exit(1)
		}
		defer st.Close()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	application, err := app.New(cfgData, st, log.GetSugaredLogger())
	if err != nil {
		log.Errorf("Failed to set up run: %v", err)
		os.Exit(1)
	}
	if err := application.Run(ctx, flag.Args(), *outDir); err != nil {
		log.Errorf("Run %s finished with errors: %v", application.RunID(), err)
		os.Exit(1)
	}
}

func loadConfig(cfgFile, cfgBackend string) (*config.ConfigData, error) {
	if cfgFile == "" {
		cfg := config.DefaultConfig()
		return cfg, cfg.Validate()
	}
	filename, _ := filepath.Abs(cfgFile)
	cfg, err := config.Load(filename, cfgBackend)
	if err != nil {
		return nil, fmt.Errorf("error reading config file. Did you pass the -config flag? Run with -h for help: %w", err)
	}
	return cfg, nil
}

func summarizeRejections(path, outDir string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	rows, iterations, err := report.ReadRejections(f)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	out, err := os.Create(filepath.Join(outDir, app.StatisticsFile))
	if err != nil {
		return err
	}
	if err := report.WriteSummary(out, report.Aggregate(rows, iterations), iterations); err != nil {
		out.Close()
		return err
	}
	log.Infof("wrote rejection statistics of %d rows to %s", len(rows), out.Name())
	return out.Close()
}
