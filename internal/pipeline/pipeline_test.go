package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/finsec/kyt/internal/faults"
	"github.com/finsec/kyt/internal/inference"
	"github.com/finsec/kyt/internal/ingest"
	"github.com/finsec/kyt/internal/models"
	"github.com/finsec/kyt/internal/moderation"
	"github.com/finsec/kyt/internal/report"
	"github.com/finsec/kyt/internal/sanctions"
	"github.com/finsec/kyt/internal/store"
)

// scriptedGenerator answers each stage's instruction with a fixed response.
type scriptedGenerator struct {
	err error
}

func (g *scriptedGenerator) Generate(ctx context.Context, req inference.Request) (json.RawMessage, error) {
	if g.err != nil {
		return nil, g.err
	}
	switch {
	case strings.Contains(req.Instruction, "financial crime analyst"):
		return json.RawMessage(`[]`), nil
	case strings.Contains(req.Instruction, "compliance officer"):
		return json.RawMessage(`{"risk_score": 0.1, "policy_violations": []}`), nil
	default:
		return json.RawMessage(`{"narrative": "Structuring activity concentrated on a single sender."}`), nil
	}
}

type fakeDirectory struct {
	matches []sanctions.Match
	err     error
}

func (d *fakeDirectory) Lookup(ctx context.Context, name string, identifiers []string) ([]sanctions.Match, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.matches, nil
}

type fakeScreener struct {
	verdict moderation.Verdict
	err     error
}

func (s *fakeScreener) Screen(ctx context.Context, text string) (moderation.Verdict, error) {
	if s.err != nil {
		return moderation.Verdict{}, s.err
	}
	return s.verdict, nil
}

func structuringBatch(t *testing.T) *ingest.Batch {
	t.Helper()
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	batch, err := ingest.NewBatch([]models.Transaction{
		{ID: "tx-1", Timestamp: base, Sender: "Alpha Imports", Receiver: "Beta Exports", Amount: decimal.NewFromInt(9500), Currency: "USD", Channel: "wire"},
		{ID: "tx-2", Timestamp: base.Add(time.Hour), Sender: "Alpha Imports", Receiver: "Beta Exports", Amount: decimal.NewFromInt(9400), Currency: "USD", Channel: "wire"},
		{ID: "tx-3", Timestamp: base.Add(2 * time.Hour), Sender: "Alpha Imports", Receiver: "Beta Exports", Amount: decimal.NewFromInt(9300), Currency: "USD", Channel: "wire"},
	})
	if err != nil {
		t.Fatalf("NewBatch: %v", err)
	}
	return batch
}

func fastConfig() Config {
	return Config{MaxRetries: 2, RetryBaseDelay: time.Millisecond, CallTimeout: 5 * time.Second}
}

func TestRun_Completed(t *testing.T) {
	mem := store.NewMemory()
	runner := NewRunner(&scriptedGenerator{}, &fakeDirectory{}, &fakeScreener{}, mem, fastConfig(), nil)

	runID := uuid.New()
	result, err := runner.Run(context.Background(), runID, structuringBatch(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Status != models.RunStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", result.Status, result.Diagnostic)
	}
	if len(result.Findings) == 0 {
		t.Error("expected heuristic findings")
	}
	if len(result.Assessments) == 0 {
		t.Error("expected assessments")
	}
	if result.Report == nil {
		t.Fatal("expected a report")
	}
	if result.Report.Degraded {
		t.Error("expected non-degraded report")
	}
	if ok, _ := report.Verify(result.Report); !ok {
		t.Error("report hash must verify")
	}

	stored, err := mem.GetResult(context.Background(), runID)
	if err != nil || stored == nil {
		t.Fatalf("expected persisted result, err=%v", err)
	}
	if stored.Status != models.RunStatusCompleted {
		t.Errorf("persisted status %s", stored.Status)
	}

	run, err := mem.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run == nil || run.Status != models.RunStatusCompleted {
		t.Errorf("expected run row completed, got %+v", run)
	}
}

func TestRun_AuditTrail(t *testing.T) {
	mem := store.NewMemory()
	runner := NewRunner(&scriptedGenerator{}, &fakeDirectory{}, &fakeScreener{}, mem, fastConfig(), nil)

	runID := uuid.New()
	if _, err := runner.Run(context.Background(), runID, structuringBatch(t)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	trail, err := mem.GetAuditTrail(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetAuditTrail: %v", err)
	}
	if len(trail) != 3 {
		t.Fatalf("expected 3 audit records, got %d", len(trail))
	}

	stages := []models.Stage{models.StageDetecting, models.StageEvaluating, models.StageSynthesizing}
	for i, rec := range trail {
		if rec.Seq != i+1 {
			t.Errorf("record %d has seq %d", i, rec.Seq)
		}
		if rec.Stage != stages[i] {
			t.Errorf("record %d stage %s, expected %s", i, rec.Stage, stages[i])
		}
		if rec.Status != models.AuditStatusCompleted {
			t.Errorf("record %d status %s", i, rec.Status)
		}
		if rec.InputDigest == "" || rec.OutputDigest == "" {
			t.Errorf("record %d missing digests", i)
		}
	}
}

func TestRun_TransientFailureDegrades(t *testing.T) {
	mem := store.NewMemory()
	gen := &scriptedGenerator{err: faults.New(faults.CategoryTransientUnavailable, "", "inference down", nil)}
	runner := NewRunner(gen, &fakeDirectory{}, nil, mem, fastConfig(), nil)

	runID := uuid.New()
	result, err := runner.Run(context.Background(), runID, structuringBatch(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Status != models.RunStatusPartiallyFailed {
		t.Fatalf("expected partially_failed, got %s", result.Status)
	}
	if len(result.Findings) == 0 {
		t.Error("heuristic findings must survive inference outage")
	}
	if result.Report == nil {
		t.Fatal("expected a degraded report, not none")
	}
	if !result.Report.Degraded {
		t.Error("report must be marked degraded")
	}
	if result.Report.Narrative.Available {
		t.Error("narrative must be unavailable without inference")
	}

	trail, _ := mem.GetAuditTrail(context.Background(), runID)
	partials := 0
	for _, rec := range trail {
		if rec.Status == models.AuditStatusPartial {
			partials++
		}
	}
	if partials == 0 {
		t.Error("expected partial stage records in the trail")
	}
}

// detectFailingGenerator fails detection windows but answers the other
// stages normally.
type detectFailingGenerator struct {
	scriptedGenerator
}

func (g *detectFailingGenerator) Generate(ctx context.Context, req inference.Request) (json.RawMessage, error) {
	if strings.Contains(req.Instruction, "financial crime analyst") {
		return nil, faults.New(faults.CategoryTransientUnavailable, "", "inference down", nil)
	}
	return g.scriptedGenerator.Generate(ctx, req)
}

func TestRun_PartialDetectionMarksForensicDegraded(t *testing.T) {
	mem := store.NewMemory()
	runner := NewRunner(&detectFailingGenerator{}, &fakeDirectory{}, &fakeScreener{}, mem, fastConfig(), nil)

	runID := uuid.New()
	result, err := runner.Run(context.Background(), runID, structuringBatch(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Status != models.RunStatusPartiallyFailed {
		t.Fatalf("expected partially_failed, got %s", result.Status)
	}
	if len(result.Findings) == 0 {
		t.Fatal("heuristic findings must survive window failures")
	}
	if result.Report == nil {
		t.Fatal("expected a report")
	}
	if !result.Report.Forensic.Available {
		t.Error("forensic section must still render the surviving findings")
	}
	if !result.Report.Forensic.Degraded {
		t.Error("forensic section must be marked degraded")
	}
	if !strings.Contains(result.Report.Forensic.Body, "incomplete") {
		t.Errorf("expected degradation note in forensic body, got %q", result.Report.Forensic.Body)
	}
	if !result.Report.Degraded {
		t.Error("report must be marked degraded")
	}
}

func TestRun_EmptyBatchFailsWithoutPersisting(t *testing.T) {
	mem := store.NewMemory()
	runner := NewRunner(&scriptedGenerator{}, &fakeDirectory{}, &fakeScreener{}, mem, fastConfig(), nil)

	runID := uuid.New()
	result, err := runner.Run(context.Background(), runID, nil)
	if err == nil {
		t.Fatal("expected error for empty batch")
	}
	if faults.CategoryOf(err) != faults.CategoryMalformedInput {
		t.Errorf("expected malformed_input, got %s", faults.CategoryOf(err))
	}
	if result.Status != models.RunStatusFailed {
		t.Errorf("expected failed status, got %s", result.Status)
	}

	if stored, _ := mem.GetResult(context.Background(), runID); stored != nil {
		t.Error("failed run must not persist a result")
	}
	if trail, _ := mem.GetAuditTrail(context.Background(), runID); len(trail) != 0 {
		t.Errorf("failed run must not write audit records, got %d", len(trail))
	}
}

func TestRun_Canceled(t *testing.T) {
	mem := store.NewMemory()
	runner := NewRunner(&scriptedGenerator{}, &fakeDirectory{}, &fakeScreener{}, mem, fastConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runID := uuid.New()
	result, err := runner.Run(ctx, runID, structuringBatch(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != models.RunStatusPartiallyFailed {
		t.Errorf("expected partially_failed after cancellation, got %s", result.Status)
	}
	if result.Diagnostic != "run canceled" {
		t.Errorf("expected cancellation diagnostic, got %q", result.Diagnostic)
	}

	stored, _ := mem.GetResult(context.Background(), runID)
	if stored == nil {
		t.Fatal("canceled run must still persist its partial result")
	}
}

func TestRun_ModerationOutageDegrades(t *testing.T) {
	mem := store.NewMemory()
	scr := &fakeScreener{err: faults.New(faults.CategoryTransientUnavailable, "", "moderation down", nil)}
	runner := NewRunner(&scriptedGenerator{}, &fakeDirectory{}, scr, mem, fastConfig(), nil)

	runID := uuid.New()
	result, err := runner.Run(context.Background(), runID, structuringBatch(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != models.RunStatusPartiallyFailed {
		t.Fatalf("expected partially_failed when screening is unavailable, got %s", result.Status)
	}

	trail, _ := mem.GetAuditTrail(context.Background(), runID)
	found := false
	for _, rec := range trail {
		if rec.Stage == models.StageSynthesizing && strings.Contains(rec.Detail, "unscreened") {
			found = true
		}
	}
	if !found {
		t.Error("expected an unscreened safety record in the trail")
	}
}

func TestRun_BlockedNarrative(t *testing.T) {
	mem := store.NewMemory()
	scr := &fakeScreener{verdict: moderation.Verdict{Flagged: true, Category: "hate", Confidence: 0.95}}
	runner := NewRunner(&scriptedGenerator{}, &fakeDirectory{}, scr, mem, fastConfig(), nil)

	runID := uuid.New()
	result, err := runner.Run(context.Background(), runID, structuringBatch(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Report == nil {
		t.Fatal("expected a report")
	}
	if result.Report.Narrative.Body != "[content withheld by safety screen]" {
		t.Errorf("blocked narrative must be the placeholder, got %q", result.Report.Narrative.Body)
	}
	for _, f := range result.Findings {
		if f.Rationale != "[content withheld by safety screen]" {
			t.Errorf("blocked rationale must be the placeholder, got %q", f.Rationale)
		}
	}

	trail, _ := mem.GetAuditTrail(context.Background(), runID)
	found := false
	for _, rec := range trail {
		if rec.Status == models.AuditStatusRedacted {
			found = true
		}
	}
	if !found {
		t.Error("expected a redacted safety record in the trail")
	}
}

func TestRetryPolicy_RetriesTransient(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}

	calls := 0
	err := policy.Do(context.Background(), func() error {
		calls++
		return faults.New(faults.CategoryTransientUnavailable, "", "down", nil)
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestRetryPolicy_NoRetryOnPermanent(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}

	calls := 0
	err := policy.Do(context.Background(), func() error {
		calls++
		return faults.New(faults.CategorySchemaViolation, "", "bad output", nil)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("permanent failures must not retry, got %d attempts", calls)
	}
}

func TestRetryPolicy_EventualSuccess(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}

	calls := 0
	err := policy.Do(context.Background(), func() error {
		calls++
		if calls < 2 {
			return faults.New(faults.CategoryTransientUnavailable, "", "down", nil)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success on retry, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 attempts, got %d", calls)
	}
}

func TestGateFindings(t *testing.T) {
	batch := structuringBatch(t)
	findings := []models.Finding{
		{ID: uuid.New(), TransactionID: "tx-1", PatternType: "structuring"},
		{ID: uuid.New(), TransactionID: "tx-999", PatternType: "layering"},
	}
	kept, dropped := gateFindings(batch, findings)
	if len(kept) != 1 || dropped != 1 {
		t.Errorf("expected 1 kept / 1 dropped, got %d/%d", len(kept), dropped)
	}
	if kept[0].TransactionID != "tx-1" {
		t.Errorf("wrong finding kept: %s", kept[0].TransactionID)
	}
}

func TestGateAssessments(t *testing.T) {
	batch := structuringBatch(t)
	assessments := []models.ComplianceAssessment{
		{EntityID: "alpha-imports"},
		{EntityID: "unknown-entity"},
	}
	kept, dropped := gateAssessments(batch, assessments)
	if len(kept) != 1 || dropped != 1 {
		t.Errorf("expected 1 kept / 1 dropped, got %d/%d", len(kept), dropped)
	}
}

func TestDigest_Stable(t *testing.T) {
	a := digest(map[string]int{"x": 1})
	b := digest(map[string]int{"x": 1})
	if a != b {
		t.Error("digest must be deterministic for equal payloads")
	}
	if a == digest(map[string]int{"x": 2}) {
		t.Error("digest must differ for different payloads")
	}
	if len(a) != 64 {
		t.Errorf("expected hex sha256, got %d chars", len(a))
	}
}

func TestStageOutcome(t *testing.T) {
	state := &runState{}
	if status, _ := stageOutcome(state, nil); status != models.AuditStatusCompleted || state.degraded {
		t.Error("nil error must complete without degrading")
	}

	state = &runState{}
	partial := &faults.Partial{Stage: models.StageDetecting, Failed: 1, Total: 2, LastError: errors.New("x")}
	if status, _ := stageOutcome(state, partial); status != models.AuditStatusPartial || !state.degraded {
		t.Error("partial error must degrade with partial status")
	}

	state = &runState{}
	if status, _ := stageOutcome(state, errors.New("boom")); status != models.AuditStatusFailed || !state.degraded {
		t.Error("hard error must degrade with failed status")
	}
}
