package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	perr "lungctanalyzer/internal/errors"
	"lungctanalyzer/internal/logger"
	"lungctanalyzer/pkg/analysis"
	"lungctanalyzer/pkg/batch"
	"lungctanalyzer/pkg/config"
	"lungctanalyzer/pkg/report"
	"lungctanalyzer/pkg/store"
	"lungctanalyzer/pkg/threshold"
	"lungctanalyzer/pkg/volumeio"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "lungctanalyzer.yaml", "Configuration file (defaults are used if it does not exist)")
	createConfig := flag.Bool("create-config", false, "Write the default configuration to -config and exit")
	inputDir := flag.String("input", "", "Directory containing one subfolder per case")
	outputDir := flag.String("output", "", "Output directory for case folders and results.csv")
	format := flag.String("format", "", "Case folder format: bundle or nifti")
	testMode := flag.Bool("test-mode", false, "Process only the first cases of the batch")
	csvOnly := flag.Bool("csv-only", false, "Write only the shared results CSV, no per-case bundles")
	resume := flag.Bool("resume", false, "Skip cases that already succeeded according to the database")
	presetPath := flag.String("preset", "", "Threshold preset YAML file")
	savePreset := flag.String("save-preset", "", "Write the active thresholds to this file")
	regionStats := flag.Bool("regions", false, "Compute lobe or geometric region statistics")
	perSide := flag.Bool("per-side", false, "Also compute regions per lung side")
	numCores := flag.Int("cores", 0, "Number of CPU cores to use (default: all available)")
	logLevel := flag.String("log-level", "", "Log level: trace, debug, info, warn, error, off")
	flag.Parse()

	if *createConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command line flags override the configuration file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "output":
			cfg.Output.Dir = *outputDir
		case "format":
			cfg.Batch.Format = *format
		case "test-mode":
			cfg.Batch.TestMode = *testMode
		case "csv-only":
			cfg.Batch.CSVOnly = *csvOnly
		case "resume":
			cfg.Batch.Resume = *resume
		case "preset":
			cfg.Thresholds.PresetPath = *presetPath
		case "regions":
			cfg.Regions.Enabled = *regionStats
		case "per-side":
			cfg.Regions.PerSide = *perSide
		case "cores":
			cfg.Processing.NumCores = *numCores
		case "log-level":
			cfg.Logging.Level = *logLevel
		}
	})

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger.Init(logger.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	log := logger.Named("main")

	params, err := cfg.AnalysisParams()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load thresholds")
	}
	analyzer, err := analysis.NewAnalyzer(params)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid analysis parameters")
	}

	if *savePreset != "" {
		if err := threshold.SavePreset(analyzer.Thresholds(), *savePreset); err != nil {
			log.Fatal().Err(err).Msg("Failed to save preset")
		}
		log.Info().Str("path", *savePreset).Msg("Threshold preset saved")
		if *inputDir == "" {
			return
		}
	}

	// Validate inputs
	if *inputDir == "" {
		flag.Usage()
		os.Exit(1)
	}

	fmt.Println("================================")
	fmt.Println("LUNG CT TISSUE CLASSIFICATION AND VOLUMETRY")
	fmt.Println("================================")

	var db *store.Store
	var resultStore batch.ResultStore
	if cfg.Output.Database != "" {
		db, err = store.Open(cfg.Output.Database)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open results database")
		}
		defer db.Close()
		resultStore = db
	} else if cfg.Batch.Resume {
		log.Warn().Msg("Resume requires output.database, all cases will be processed")
	}

	var writer batch.ArtifactWriter
	if !cfg.Batch.CSVOnly {
		writer = report.NewCaseWriter(report.CaseWriterOptions{
			HistogramPNG: cfg.Output.HistogramPNG,
			PreviewPNG:   cfg.Output.PreviewPNG,
			PreviewScale: 2,
			Thresholds:   analyzer.Thresholds(),
		})
	}

	ctrl, err := batch.NewController(batch.Options{
		InputDir:      *inputDir,
		OutputDir:     cfg.Output.Dir,
		TestMode:      cfg.Batch.TestMode,
		TestModeLimit: cfg.Batch.TestModeLimit,
		CSVOnly:       cfg.Batch.CSVOnly,
		Resume:        cfg.Batch.Resume,
		HTMLSummary:   cfg.Output.HTMLSummary,
		Store:         resultStore,
		OnProgress: func(p batch.Progress) {
			if p.Status.Terminal() {
				fmt.Printf("[%d/%d] %s: %s\n", p.Index, p.Total, p.CaseID, p.Status)
			}
		},
	}, analyzer, volumeio.NewLoader(cfg.Batch.Format), writer)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid batch options")
	}

	// The first interrupt lets the current case finish, a second one exits
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		ctrl.Cancel()
		<-sigs
		os.Exit(130)
	}()

	fmt.Println("Starting batch processing...")
	startTime := time.Now()
	runErr := ctrl.Run(context.Background())
	processingTime := time.Since(startTime)

	counts := map[string]int{}
	for _, j := range ctrl.Jobs() {
		counts[j.Status.String()]++
	}
	fmt.Printf("\nBatch finished in %.2f seconds (%s)\n", processingTime.Seconds(), ctrl.State())
	for _, s := range []string{"Succeeded", "Failed", "Skipped", "Cancelled"} {
		fmt.Printf("- %s: %d\n", s, counts[s])
	}
	fmt.Printf("Results written to: %s\n", filepath.Join(cfg.Output.Dir, batch.ResultsCSV))

	if runErr != nil {
		if db != nil {
			db.Close()
		}
		if perr.IsCode(runErr, perr.ErrorCodeCancelled) {
			log.Warn().Err(runErr).Msg("Batch cancelled")
			os.Exit(2)
		}
		log.Fatal().Err(runErr).Msg("Batch failed")
	}
}
