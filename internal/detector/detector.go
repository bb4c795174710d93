package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/finsec/kyt/internal/faults"
	"github.com/finsec/kyt/internal/inference"
	"github.com/finsec/kyt/internal/ingest"
	"github.com/finsec/kyt/internal/models"
)

const detectInstruction = `You are a financial crime analyst. Review the transaction window and the
heuristic signals already raised. Return a JSON array of findings, each with
fields: transaction_id, pattern_type, severity (low|medium|high|critical),
rationale, confidence (0..1). Only reference transaction ids present in the
window. Return [] when nothing is suspicious.`

// Detector runs the pattern-detection stage: deterministic heuristics plus
// windowed inference over each entity's transactions.
type Detector struct {
	generator   inference.Generator
	windowSize  int
	concurrency int
	logger      *slog.Logger
}

type Config struct {
	WindowSize  int
	Concurrency int
}

// New builds a detector. A nil generator disables inference enrichment and
// leaves heuristic findings only (CLI offline mode).
func New(generator inference.Generator, cfg Config, logger *slog.Logger) *Detector {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 20
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		generator:   generator,
		windowSize:  cfg.WindowSize,
		concurrency: cfg.Concurrency,
		logger:      logger,
	}
}

// window is one unit of detection work: a slice of one entity's transactions
// no larger than the configured window size.
type window struct {
	entityID string
	txns     []models.Transaction
}

type inferredFinding struct {
	TransactionID string  `json:"transaction_id"`
	PatternType   string  `json:"pattern_type"`
	Severity      string  `json:"severity"`
	Rationale     string  `json:"rationale"`
	Confidence    float64 `json:"confidence"`
}

// Detect analyzes a batch and returns findings sorted by transaction id then
// pattern type, so output does not depend on window completion order. When
// some windows fail after the caller's retries, the findings from the
// surviving windows are returned alongside a Partial error.
func (d *Detector) Detect(ctx context.Context, batch *ingest.Batch) ([]models.Finding, error) {
	if batch == nil || len(batch.Transactions) == 0 {
		return nil, faults.New(faults.CategoryMalformedInput, models.StageDetecting, "empty batch", nil)
	}

	windows := d.partition(batch)

	var (
		mu        sync.Mutex
		findings  []models.Finding
		failed    int
		lastErr   error
		wg        sync.WaitGroup
		semaphore = make(chan struct{}, d.concurrency)
	)

	for _, w := range windows {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(w window) {
			defer wg.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			heuristic := runHeuristics(w.entityID, w.txns)
			inferred, err := d.infer(ctx, batch, w, heuristic)

			mu.Lock()
			defer mu.Unlock()
			findings = append(findings, heuristic...)
			if err != nil {
				failed++
				lastErr = err
				d.logger.Warn("detection window failed",
					"entity", w.entityID, "transactions", len(w.txns), "error", err)
				return
			}
			findings = append(findings, inferred...)
		}(w)
	}
	wg.Wait()

	sortFindings(findings)

	if failed > 0 {
		return findings, &faults.Partial{
			Stage:     models.StageDetecting,
			Failed:    failed,
			Total:     len(windows),
			LastError: lastErr,
		}
	}
	if err := ctx.Err(); err != nil {
		return findings, err
	}
	return findings, nil
}

// partition groups transactions by sender entity and splits oversized groups
// into windows, preserving input order within each window.
func (d *Detector) partition(batch *ingest.Batch) []window {
	groups := batch.ByEntity()

	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var windows []window
	for _, id := range ids {
		txns := groups[id]
		for len(txns) > d.windowSize {
			windows = append(windows, window{entityID: id, txns: txns[:d.windowSize]})
			txns = txns[d.windowSize:]
		}
		windows = append(windows, window{entityID: id, txns: txns})
	}
	return windows
}

// infer asks the generation service for additional findings over one window.
// Findings referencing transactions outside the batch are dropped, not fatal.
func (d *Detector) infer(ctx context.Context, batch *ingest.Batch, w window, heuristic []models.Finding) ([]models.Finding, error) {
	if d.generator == nil {
		return nil, nil
	}

	signals := make([]string, 0, len(heuristic))
	for _, f := range heuristic {
		signals = append(signals, fmt.Sprintf("%s: %s", f.PatternType, f.Rationale))
	}

	raw, err := d.generator.Generate(ctx, inference.Request{
		Instruction: detectInstruction,
		Context: map[string]interface{}{
			"entity_id":    w.entityID,
			"transactions": w.txns,
			"signals":      signals,
		},
	})
	if err != nil {
		return nil, err
	}

	var decoded []inferredFinding
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, faults.New(faults.CategorySchemaViolation, models.StageDetecting, "undecodable findings output", err)
	}

	findings := make([]models.Finding, 0, len(decoded))
	for _, f := range decoded {
		severity := models.Severity(f.Severity)
		switch {
		case !batch.HasTransaction(f.TransactionID):
			d.logger.Warn("dropping finding for unknown transaction", "transaction_id", f.TransactionID)
		case !severity.Valid():
			d.logger.Warn("dropping finding with invalid severity", "severity", f.Severity)
		case f.Confidence < 0 || f.Confidence > 1:
			d.logger.Warn("dropping finding with out-of-range confidence", "confidence", f.Confidence)
		case f.PatternType == "":
			d.logger.Warn("dropping finding without pattern type", "transaction_id", f.TransactionID)
		default:
			findings = append(findings, models.Finding{
				ID:            uuid.New(),
				TransactionID: f.TransactionID,
				PatternType:   f.PatternType,
				Severity:      severity,
				Rationale:     f.Rationale,
				Confidence:    f.Confidence,
			})
		}
	}
	return findings, nil
}

func sortFindings(findings []models.Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].TransactionID != findings[j].TransactionID {
			return findings[i].TransactionID < findings[j].TransactionID
		}
		return findings[i].PatternType < findings[j].PatternType
	})
}
