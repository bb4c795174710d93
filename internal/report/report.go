package report

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/finsec/kyt/internal/faults"
	"github.com/finsec/kyt/internal/inference"
	"github.com/finsec/kyt/internal/models"
)

const narrativeInstruction = `You are writing the executive summary of a transaction audit report.
Summarize the findings and compliance assessments below in three to five
sentences of plain prose for a compliance officer. Return a JSON object with
a single field: narrative.`

const unavailableBody = "unavailable"

// Inputs is everything the synthesizer needs. Narrative text arrives already
// screened; the synthesizer itself performs no external calls, which keeps
// Synthesize deterministic and idempotent.
type Inputs struct {
	Transactions int
	Findings     []models.Finding
	Assessments  []models.ComplianceAssessment

	Narrative          string
	NarrativeAvailable bool

	FindingsDegraded    bool
	AssessmentsDegraded bool
}

// Synthesize assembles the report body. It fails only when both upstream
// stages produced nothing; a single empty input yields a degraded report
// with the affected section marked unavailable.
func Synthesize(in Inputs) (*models.ReportBody, error) {
	if len(in.Findings) == 0 && len(in.Assessments) == 0 {
		return nil, faults.New(faults.CategoryIncompleteUpstream, models.StageSynthesizing,
			"no findings and no assessments to report", nil)
	}

	body := &models.ReportBody{
		Summary:              summarize(in),
		HighSeverityFindings: highSeverity(in.Findings),
		SanctionsSection:     sanctionsSection(in.Assessments),
	}

	body.Forensic = forensicSection(in)
	body.Compliance = complianceSection(in)
	body.Narrative = narrativeSection(in)

	body.Degraded = body.Forensic.Degraded || body.Compliance.Degraded || body.Narrative.Degraded

	hash, err := contentHash(body)
	if err != nil {
		return nil, fmt.Errorf("hashing report: %w", err)
	}
	body.ContentHash = hash

	return body, nil
}

func summarize(in Inputs) models.SummaryStats {
	stats := models.SummaryStats{
		Transactions:  in.Transactions,
		FindingsTotal: len(in.Findings),
		BySeverity:    make(map[string]int),
		ByRiskBand:    make(map[string]int),
	}
	for _, f := range in.Findings {
		stats.BySeverity[string(f.Severity)]++
	}
	for _, a := range in.Assessments {
		stats.ByRiskBand[string(a.RiskScore)]++
		if a.SanctionsMatch {
			stats.SanctionsMatches++
		}
	}
	return stats
}

// highSeverity keeps high and critical findings, ordered most severe first
// and most confident first within a severity.
func highSeverity(findings []models.Finding) []models.Finding {
	out := make([]models.Finding, 0)
	for _, f := range findings {
		if models.SeverityRank(f.Severity) >= models.SeverityRank(models.SeverityHigh) {
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := models.SeverityRank(out[i].Severity), models.SeverityRank(out[j].Severity)
		if ri != rj {
			return ri > rj
		}
		return out[i].Confidence > out[j].Confidence
	})
	return out
}

func sanctionsSection(assessments []models.ComplianceAssessment) []models.SanctionsEntry {
	entries := make([]models.SanctionsEntry, 0)
	for _, a := range assessments {
		if !a.SanctionsMatch {
			continue
		}
		entries = append(entries, models.SanctionsEntry{
			EntityID:           a.EntityID,
			MatchedListEntryID: a.MatchedListEntryID,
			MatchConfidence:    a.MatchConfidence,
		})
	}
	return entries
}

// forensicSection reports on detection output. A partial detection stage
// still renders the surviving findings, but the section carries a degradation
// marker so the report never presents partial output as complete.
func forensicSection(in Inputs) models.ReportSection {
	section := models.ReportSection{Title: "Forensic Analysis", Degraded: in.FindingsDegraded}
	if in.FindingsDegraded && len(in.Findings) == 0 {
		section.Body = unavailableBody
		return section
	}

	counts := make(map[string]int)
	for _, f := range in.Findings {
		counts[f.PatternType]++
	}
	patterns := make([]string, 0, len(counts))
	for p := range counts {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)

	var b strings.Builder
	fmt.Fprintf(&b, "%d findings across %d pattern types.", len(in.Findings), len(patterns))
	for _, p := range patterns {
		fmt.Fprintf(&b, " %s: %d.", p, counts[p])
	}
	if in.FindingsDegraded {
		b.WriteString(" Detection completed partially; findings may be incomplete.")
	}
	section.Body = b.String()
	section.Available = true
	return section
}

func complianceSection(in Inputs) models.ReportSection {
	section := models.ReportSection{Title: "Compliance Assessment", Degraded: in.AssessmentsDegraded}
	if in.AssessmentsDegraded && len(in.Assessments) == 0 {
		section.Body = unavailableBody
		return section
	}

	violations := 0
	matches := 0
	for _, a := range in.Assessments {
		violations += len(a.PolicyViolations)
		if a.SanctionsMatch {
			matches++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d entities assessed, %d policy violations, %d sanctions matches.",
		len(in.Assessments), violations, matches)
	for _, a := range in.Assessments {
		for _, v := range a.PolicyViolations {
			fmt.Fprintf(&b, " [%s] %s: %s.", a.EntityID, v.PolicyID, v.Description)
		}
	}
	if in.AssessmentsDegraded {
		b.WriteString(" Evaluation completed partially; assessments may be incomplete.")
	}
	section.Body = b.String()
	section.Available = true
	return section
}

func narrativeSection(in Inputs) models.ReportSection {
	section := models.ReportSection{Title: "Executive Summary"}
	if !in.NarrativeAvailable || in.Narrative == "" {
		section.Body = unavailableBody
		section.Degraded = true
		return section
	}
	section.Body = in.Narrative
	section.Available = true
	return section
}

// contentHash digests the report body with the hash field cleared, giving
// tamper evidence over everything else in the report.
func contentHash(body *models.ReportBody) (string, error) {
	clone := *body
	clone.ContentHash = ""
	data, err := json.Marshal(clone)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Verify recomputes the content hash and reports whether it matches, for
// regulatory replay of stored reports.
func Verify(body *models.ReportBody) (bool, error) {
	hash, err := contentHash(body)
	if err != nil {
		return false, err
	}
	return hash == body.ContentHash, nil
}

type narrativeResponse struct {
	Narrative string `json:"narrative"`
}

// Narrative asks the generation service for the executive-summary prose. The
// caller retries and screens the text before it reaches Synthesize.
func Narrative(ctx context.Context, generator inference.Generator, findings []models.Finding, assessments []models.ComplianceAssessment) (string, error) {
	if generator == nil {
		return "", faults.New(faults.CategoryTransientUnavailable, models.StageSynthesizing, "no narrative generator", nil)
	}

	raw, err := generator.Generate(ctx, inference.Request{
		Instruction: narrativeInstruction,
		Context: map[string]interface{}{
			"findings":    findings,
			"assessments": assessments,
		},
	})
	if err != nil {
		return "", err
	}

	var decoded narrativeResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", faults.New(faults.CategorySchemaViolation, models.StageSynthesizing, "undecodable narrative output", err)
	}
	if decoded.Narrative == "" {
		return "", faults.New(faults.CategorySchemaViolation, models.StageSynthesizing, "empty narrative", nil)
	}
	return decoded.Narrative, nil
}
