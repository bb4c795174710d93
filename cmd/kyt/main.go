package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/finsec/kyt/internal/config"
	"github.com/finsec/kyt/internal/inference"
	"github.com/finsec/kyt/internal/ingest"
	"github.com/finsec/kyt/internal/moderation"
	"github.com/finsec/kyt/internal/pipeline"
	"github.com/finsec/kyt/internal/report"
	"github.com/finsec/kyt/internal/sanctions"
	"github.com/finsec/kyt/internal/store"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	inputPath := flag.String("input", "", "CSV transaction batch to audit")
	pdfPath := flag.String("pdf", "", "Write the report as PDF to this path")
	offline := flag.Bool("offline", false, "Run without external services (heuristics and built-in sanctions list only)")
	showTrail := flag.Bool("trail", false, "Print the audit trail after the result")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("kyt v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	if *inputPath == "" {
		fmt.Fprintln(os.Stderr, "Usage: kyt -input <batch.csv> [-offline] [-pdf report.pdf]")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nCanceling...")
		cancel()
	}()

	if err := run(ctx, cfg, *inputPath, *pdfPath, *offline, *showTrail); err != nil {
		fmt.Fprintf(os.Stderr, "Audit failed: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, inputPath, pdfPath string, offline, showTrail bool) error {
	f, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("opening batch: %w", err)
	}
	defer f.Close()

	batch, rowErrs, err := ingest.ParseBatch(f)
	if err != nil {
		return err
	}
	for _, re := range rowErrs {
		fmt.Fprintf(os.Stderr, "row %d rejected: %s\n", re.Row, re.Reason)
	}

	var (
		generator inference.Generator
		directory sanctions.Directory
		screener  moderation.Screener
	)
	if offline {
		directory = sanctions.NewStaticDirectory(cfg.Sanctions.SimilarityThreshold)
	} else {
		generator = inference.NewClient(inference.Config{
			Endpoint:  cfg.Inference.Endpoint,
			APIKey:    cfg.Inference.APIKey,
			Timeout:   cfg.Inference.Timeout,
			MaxTokens: cfg.Inference.MaxTokens,
		})
		directory = sanctions.NewClient(sanctions.Config{
			Endpoint:            cfg.Sanctions.Endpoint,
			APIKey:              cfg.Sanctions.APIKey,
			Timeout:             cfg.Sanctions.Timeout,
			SimilarityThreshold: cfg.Sanctions.SimilarityThreshold,
		}, nil)
		screener = moderation.NewClient(moderation.Config{
			Endpoint: cfg.Moderation.Endpoint,
			APIKey:   cfg.Moderation.APIKey,
			Timeout:  cfg.Moderation.Timeout,
		})
	}

	mem := store.NewMemory()
	runner := pipeline.NewRunner(generator, directory, screener, mem, pipeline.Config{
		WindowSize:     cfg.Pipeline.WindowSize,
		Concurrency:    cfg.Pipeline.Concurrency,
		MaxRetries:     cfg.Pipeline.MaxRetries,
		RetryBaseDelay: cfg.Pipeline.RetryBaseDelay,
		CallTimeout:    cfg.Pipeline.CallTimeout,
	}, nil)

	runID := uuid.New()
	result, err := runner.Run(ctx, runID, batch)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}

	if showTrail {
		trail, err := mem.GetAuditTrail(ctx, runID)
		if err != nil {
			return fmt.Errorf("loading audit trail: %w", err)
		}
		if err := enc.Encode(trail); err != nil {
			return fmt.Errorf("encoding audit trail: %w", err)
		}
	}

	if pdfPath != "" && result.Report != nil {
		data, err := report.RenderPDF(runID.String(), result.Report)
		if err != nil {
			return fmt.Errorf("rendering PDF: %w", err)
		}
		if err := os.WriteFile(pdfPath, data, 0o644); err != nil {
			return fmt.Errorf("writing PDF: %w", err)
		}
		fmt.Fprintf(os.Stderr, "report written to %s\n", pdfPath)
	}

	return nil
}
