package evaluator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/finsec/kyt/internal/faults"
	"github.com/finsec/kyt/internal/inference"
	"github.com/finsec/kyt/internal/ingest"
	"github.com/finsec/kyt/internal/models"
	"github.com/finsec/kyt/internal/sanctions"
)

type fakeDirectory struct {
	matches map[string][]sanctions.Match
	err     error
}

func (d *fakeDirectory) Lookup(ctx context.Context, name string, identifiers []string) ([]sanctions.Match, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.matches[name], nil
}

type fakeGenerator struct {
	response json.RawMessage
	err      error
}

func (g *fakeGenerator) Generate(ctx context.Context, req inference.Request) (json.RawMessage, error) {
	if g.err != nil {
		return nil, g.err
	}
	return g.response, nil
}

func txn(id, sender string, amount float64, channel string) models.Transaction {
	return models.Transaction{
		ID:        id,
		Timestamp: time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC),
		Sender:    sender,
		Receiver:  "Beta Exports",
		Amount:    decimal.NewFromFloat(amount),
		Currency:  "USD",
		Channel:   channel,
	}
}

func batchOf(t *testing.T, txns ...models.Transaction) *ingest.Batch {
	t.Helper()
	batch, err := ingest.NewBatch(txns)
	if err != nil {
		t.Fatalf("NewBatch: %v", err)
	}
	return batch
}

func findAssessment(t *testing.T, assessments []models.ComplianceAssessment, entityID string) models.ComplianceAssessment {
	t.Helper()
	for _, a := range assessments {
		if a.EntityID == entityID {
			return a
		}
	}
	t.Fatalf("no assessment for %s", entityID)
	return models.ComplianceAssessment{}
}

func TestEvaluate_NoDirectory(t *testing.T) {
	e := New(nil, nil, Config{}, nil)
	batch := batchOf(t, txn("tx-1", "Alpha Imports", 100, "wire"))

	assessments, err := e.Evaluate(context.Background(), batch, nil)
	if err == nil {
		t.Fatal("expected error without a sanctions directory")
	}
	if _, ok := faults.IsPartial(err); !ok {
		t.Errorf("expected partial failure, got %v", err)
	}
	if len(assessments) != 0 {
		t.Errorf("expected no assessments, got %d", len(assessments))
	}
}

func TestEvaluate_SanctionsMatchForcesCriticalBand(t *testing.T) {
	dir := &fakeDirectory{matches: map[string][]sanctions.Match{
		"ACME Shell Corporation": {
			{ListEntryID: "SDN-001", Name: "ACME Shell Corporation", Similarity: 1, Exact: true},
		},
	}}
	e := New(dir, nil, Config{}, nil)

	batch := batchOf(t, txn("tx-1", "ACME Shell Corporation", 100, "wire"))
	assessments, err := e.Evaluate(context.Background(), batch, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	a := findAssessment(t, assessments, "acme-shell-corporation")
	if !a.SanctionsMatch {
		t.Fatal("expected sanctions match")
	}
	if a.MatchedListEntryID != "SDN-001" {
		t.Errorf("expected SDN-001, got %s", a.MatchedListEntryID)
	}
	// No findings, so any inferred band would be low; the match must override.
	if a.RiskScore != models.RiskBandCritical {
		t.Errorf("expected critical band for sanctioned entity, got %s", a.RiskScore)
	}
}

func TestEvaluate_HighestConfidenceMatchWins(t *testing.T) {
	dir := &fakeDirectory{matches: map[string][]sanctions.Match{
		"Shadow Finance Group": {
			{ListEntryID: "SDN-005", Name: "Shadow Finance Group", Similarity: 0.97},
			{ListEntryID: "SDN-002", Name: "Shadow Holdings", Similarity: 0.88},
		},
	}}
	e := New(dir, nil, Config{}, nil)

	batch := batchOf(t, txn("tx-1", "Shadow Finance Group", 100, "wire"))
	assessments, err := e.Evaluate(context.Background(), batch, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	a := findAssessment(t, assessments, "shadow-finance-group")
	if a.MatchedListEntryID != "SDN-005" || a.MatchConfidence != 0.97 {
		t.Errorf("expected best match SDN-005 @ 0.97, got %s @ %v", a.MatchedListEntryID, a.MatchConfidence)
	}
}

func TestEvaluate_CTRPolicy(t *testing.T) {
	tests := []struct {
		name     string
		amount   float64
		channel  string
		expected bool
	}{
		{"cash at threshold", 10000, "cash", true},
		{"cash above threshold", 25000, "CASH", true},
		{"cash below threshold", 9999, "cash", false},
		{"wire above threshold", 25000, "wire", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New(&fakeDirectory{}, nil, Config{}, nil)
			batch := batchOf(t, txn("tx-1", "Gamma Trading", tt.amount, tt.channel))
			assessments, err := e.Evaluate(context.Background(), batch, nil)
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			a := findAssessment(t, assessments, "gamma-trading")
			found := false
			for _, v := range a.PolicyViolations {
				if v.PolicyID == "31 CFR 1010.311" {
					found = true
				}
			}
			if found != tt.expected {
				t.Errorf("expected CTR violation=%v, got %v", tt.expected, found)
			}
		})
	}
}

func TestEvaluate_SARPolicy(t *testing.T) {
	e := New(&fakeDirectory{}, nil, Config{}, nil)
	batch := batchOf(t, txn("tx-1", "Gamma Trading", 9500, "wire"))

	findings := []models.Finding{
		{ID: uuid.New(), TransactionID: "tx-1", PatternType: "structuring", Severity: models.SeverityHigh, Confidence: 0.85},
		{ID: uuid.New(), TransactionID: "tx-1", PatternType: "layering", Severity: models.SeverityCritical, Confidence: 0.9},
	}
	assessments, err := e.Evaluate(context.Background(), batch, findings)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	a := findAssessment(t, assessments, "gamma-trading")
	sar := 0
	for _, v := range a.PolicyViolations {
		if v.PolicyID == "31 CFR 1020.320" {
			sar++
		}
	}
	if sar != 1 {
		t.Errorf("expected exactly one SAR entry per entity, got %d", sar)
	}
}

func TestEvaluate_InferredAssessment(t *testing.T) {
	gen := &fakeGenerator{response: json.RawMessage(`{
		"risk_score": 0.6,
		"policy_violations": [
			{"policy_id": "INTERNAL-7", "description": "exceeds internal exposure limit"},
			{"policy_id": "", "description": "dropped"}
		]
	}`)}
	e := New(&fakeDirectory{}, gen, Config{}, nil)

	batch := batchOf(t, txn("tx-1", "Gamma Trading", 100, "wire"))
	assessments, err := e.Evaluate(context.Background(), batch, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	a := findAssessment(t, assessments, "gamma-trading")
	if a.RiskScore != models.RiskBandHigh {
		t.Errorf("expected high band for score 0.6, got %s", a.RiskScore)
	}
	kept := 0
	for _, v := range a.PolicyViolations {
		if v.PolicyID == "INTERNAL-7" {
			kept++
		}
	}
	if kept != 1 {
		t.Errorf("expected 1 inferred violation kept, got %d", kept)
	}
}

func TestEvaluate_OutOfRangeScoreFailsEntity(t *testing.T) {
	gen := &fakeGenerator{response: json.RawMessage(`{"risk_score": 1.5, "policy_violations": []}`)}
	e := New(&fakeDirectory{}, gen, Config{}, nil)

	batch := batchOf(t, txn("tx-1", "Gamma Trading", 100, "wire"))
	assessments, err := e.Evaluate(context.Background(), batch, nil)
	if err == nil {
		t.Fatal("expected partial error for out-of-range score")
	}
	if _, ok := faults.IsPartial(err); !ok {
		t.Fatalf("expected Partial, got %v", err)
	}
	if len(assessments) != 0 {
		// tx-1's receiver entity still assesses; only the sender shares txns.
		for _, a := range assessments {
			if a.EntityID == "gamma-trading" {
				t.Error("failed entity must not produce an assessment")
			}
		}
	}
}

func TestEvaluate_DirectoryFailurePartial(t *testing.T) {
	dir := &fakeDirectory{err: faults.New(faults.CategoryTransientUnavailable, models.StageEvaluating, "directory down", nil)}
	e := New(dir, nil, Config{}, nil)

	batch := batchOf(t, txn("tx-1", "Gamma Trading", 100, "wire"))
	_, err := e.Evaluate(context.Background(), batch, nil)
	if err == nil {
		t.Fatal("expected partial error")
	}
	partial, ok := faults.IsPartial(err)
	if !ok {
		t.Fatalf("expected Partial, got %v", err)
	}
	if partial.Failed != partial.Total {
		t.Errorf("expected every entity to fail, got %d/%d", partial.Failed, partial.Total)
	}
}

func TestEvaluate_SortedByEntity(t *testing.T) {
	e := New(&fakeDirectory{}, nil, Config{}, nil)
	batch := batchOf(t,
		txn("tx-1", "Zulu Trading", 100, "wire"),
		txn("tx-2", "Alpha Imports", 100, "wire"),
	)
	assessments, err := e.Evaluate(context.Background(), batch, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	for i := 1; i < len(assessments); i++ {
		if assessments[i-1].EntityID >= assessments[i].EntityID {
			t.Errorf("assessments not sorted: %s before %s", assessments[i-1].EntityID, assessments[i].EntityID)
		}
	}
}

func TestHeuristicScore(t *testing.T) {
	findings := []models.Finding{
		{Severity: models.SeverityLow, Confidence: 0.4},
		{Severity: models.SeverityHigh, Confidence: 0.85},
	}
	// high rank 3 of 4 at 0.85 confidence.
	got := heuristicScore(findings)
	want := 3.0 / 4 * 0.85
	if got != want {
		t.Errorf("heuristicScore = %v, expected %v", got, want)
	}
	if heuristicScore(nil) != 0 {
		t.Error("no findings must score 0")
	}
}
