package report

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/finsec/kyt/internal/faults"
	"github.com/finsec/kyt/internal/inference"
	"github.com/finsec/kyt/internal/models"
)

func sampleInputs() Inputs {
	return Inputs{
		Transactions: 12,
		Findings: []models.Finding{
			{ID: uuid.MustParse("4f0a6f90-0000-0000-0000-000000000001"), TransactionID: "tx-1", PatternType: "structuring", Severity: models.SeverityHigh, Rationale: "cluster of sub-threshold wires", Confidence: 0.85},
			{ID: uuid.MustParse("4f0a6f90-0000-0000-0000-000000000002"), TransactionID: "tx-2", PatternType: "round_number", Severity: models.SeverityLow, Rationale: "round amount", Confidence: 0.4},
			{ID: uuid.MustParse("4f0a6f90-0000-0000-0000-000000000003"), TransactionID: "tx-3", PatternType: "layering", Severity: models.SeverityCritical, Rationale: "funds cycled", Confidence: 0.9},
			{ID: uuid.MustParse("4f0a6f90-0000-0000-0000-000000000004"), TransactionID: "tx-4", PatternType: "velocity", Severity: models.SeverityHigh, Rationale: "burst of transfers", Confidence: 0.95},
		},
		Assessments: []models.ComplianceAssessment{
			{
				EntityID:           "acme-shell-corporation",
				SanctionsMatch:     true,
				MatchedListEntryID: "SDN-001",
				MatchConfidence:    1,
				PolicyViolations:   []models.PolicyViolation{{PolicyID: "31 CFR 1010.311", Description: "cash over threshold"}},
				RiskScore:          models.RiskBandCritical,
			},
			{
				EntityID:         "beta-exports",
				PolicyViolations: []models.PolicyViolation{},
				RiskScore:        models.RiskBandLow,
			},
		},
		Narrative:          "Four suspicious patterns were identified across twelve transactions.",
		NarrativeAvailable: true,
	}
}

func TestSynthesize(t *testing.T) {
	body, err := Synthesize(sampleInputs())
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	if body.Degraded {
		t.Error("expected non-degraded report")
	}
	if body.Summary.FindingsTotal != 4 || body.Summary.Transactions != 12 {
		t.Errorf("unexpected summary: %+v", body.Summary)
	}
	if body.Summary.SanctionsMatches != 1 {
		t.Errorf("expected 1 sanctions match, got %d", body.Summary.SanctionsMatches)
	}
	if body.Summary.BySeverity["high"] != 2 {
		t.Errorf("expected 2 high findings, got %d", body.Summary.BySeverity["high"])
	}
	if len(body.SanctionsSection) != 1 || body.SanctionsSection[0].MatchedListEntryID != "SDN-001" {
		t.Errorf("unexpected sanctions section: %+v", body.SanctionsSection)
	}
	if body.ContentHash == "" {
		t.Error("expected content hash")
	}
}

func TestSynthesize_HighSeverityOrdering(t *testing.T) {
	body, err := Synthesize(sampleInputs())
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	if len(body.HighSeverityFindings) != 3 {
		t.Fatalf("expected 3 high-severity findings, got %d", len(body.HighSeverityFindings))
	}
	// Critical first, then high ordered by confidence.
	if body.HighSeverityFindings[0].PatternType != "layering" {
		t.Errorf("expected critical finding first, got %s", body.HighSeverityFindings[0].PatternType)
	}
	if body.HighSeverityFindings[1].PatternType != "velocity" {
		t.Errorf("expected most confident high finding second, got %s", body.HighSeverityFindings[1].PatternType)
	}
}

func TestSynthesize_Deterministic(t *testing.T) {
	first, err := Synthesize(sampleInputs())
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	second, err := Synthesize(sampleInputs())
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	if first.ContentHash != second.ContentHash {
		t.Error("identical inputs must produce identical hashes")
	}

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if string(a) != string(b) {
		t.Error("identical inputs must produce identical bodies")
	}
}

func TestSynthesize_BothEmpty(t *testing.T) {
	_, err := Synthesize(Inputs{Transactions: 5})
	if err == nil {
		t.Fatal("expected error when findings and assessments are both empty")
	}
	if faults.CategoryOf(err) != faults.CategoryIncompleteUpstream {
		t.Errorf("expected incomplete_upstream, got %s", faults.CategoryOf(err))
	}
}

func TestSynthesize_DegradedSections(t *testing.T) {
	in := sampleInputs()
	in.Assessments = nil
	in.AssessmentsDegraded = true
	in.Narrative = ""
	in.NarrativeAvailable = false

	body, err := Synthesize(in)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	if !body.Degraded {
		t.Error("expected degraded report")
	}
	if body.Compliance.Available || body.Compliance.Body != "unavailable" {
		t.Errorf("expected compliance section unavailable, got %+v", body.Compliance)
	}
	if body.Narrative.Available || body.Narrative.Body != "unavailable" {
		t.Errorf("expected narrative section unavailable, got %+v", body.Narrative)
	}
	if !body.Forensic.Available {
		t.Error("forensic section must survive")
	}
}

func TestSynthesize_PartialDetectionMarksForensic(t *testing.T) {
	in := sampleInputs()
	in.FindingsDegraded = true

	body, err := Synthesize(in)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	if !body.Forensic.Available {
		t.Error("surviving findings must still render")
	}
	if !body.Forensic.Degraded {
		t.Error("forensic section must be marked degraded after partial detection")
	}
	if !strings.Contains(body.Forensic.Body, "incomplete") {
		t.Errorf("expected degradation note in the body, got %q", body.Forensic.Body)
	}
	if !body.Degraded {
		t.Error("report must be marked degraded")
	}
}

func TestVerify(t *testing.T) {
	body, err := Synthesize(sampleInputs())
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	ok, err := Verify(body)
	if err != nil || !ok {
		t.Fatalf("expected untouched report to verify, ok=%v err=%v", ok, err)
	}

	body.Narrative.Body = "tampered"
	ok, err = Verify(body)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Error("tampered report must fail verification")
	}
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

func TestNarrative(t *testing.T) {
	gen := &fakeGenerator{response: json.RawMessage(`{"narrative": "All quiet on the wire."}`)}
	text, err := Narrative(context.Background(), gen, nil, nil)
	if err != nil {
		t.Fatalf("Narrative: %v", err)
	}
	if text != "All quiet on the wire." {
		t.Errorf("unexpected narrative %q", text)
	}
}

func TestNarrative_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		response string
	}{
		{"empty narrative", `{"narrative": ""}`},
		{"undecodable", `not json`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &fakeGenerator{response: json.RawMessage(tt.response)}
			if _, err := Narrative(context.Background(), gen, nil, nil); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestRenderPDF(t *testing.T) {
	body, err := Synthesize(sampleInputs())
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	data, err := RenderPDF(uuid.New().String(), body)
	if err != nil {
		t.Fatalf("RenderPDF: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected PDF bytes")
	}
	if string(data[:5]) != "%PDF-" {
		t.Errorf("expected PDF header, got %q", data[:5])
	}
}
