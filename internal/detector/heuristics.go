package detector

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/finsec/kyt/internal/models"
)

// Reporting threshold under 31 CFR 1010.311. Amounts at or above it on cash
// channels trigger currency transaction reporting; clusters of amounts just
// under it indicate structuring.
var reportingThreshold = decimal.NewFromInt(10000)

var justBelowFloor = decimal.NewFromInt(9000)

// Jurisdictions carrying elevated money-laundering risk. The first set maps
// to high severity, the second to medium.
var (
	highRiskJurisdictions = map[string]bool{
		"iran": true, "north korea": true, "syria": true, "cuba": true,
	}
	mediumRiskJurisdictions = map[string]bool{
		"russia": true, "belarus": true, "venezuela": true,
		"cayman islands": true, "panama": true,
	}
)

const velocityThreshold = 10

// runHeuristics produces deterministic findings for one entity's
// transactions. These run regardless of inference availability, so the
// baseline patterns survive a degraded run.
func runHeuristics(entityID string, txns []models.Transaction) []models.Finding {
	var findings []models.Finding

	findings = append(findings, detectStructuring(txns)...)
	findings = append(findings, detectRoundNumbers(txns)...)
	findings = append(findings, detectJustBelowThreshold(txns)...)
	findings = append(findings, detectHighRiskJurisdiction(txns)...)
	findings = append(findings, detectVelocity(entityID, txns)...)

	return findings
}

// detectStructuring flags a cluster of three or more sub-threshold
// transactions whose total crosses the reporting threshold.
func detectStructuring(txns []models.Transaction) []models.Finding {
	var (
		under []models.Transaction
		total decimal.Decimal
	)
	for _, txn := range txns {
		if txn.Amount.LessThan(reportingThreshold) {
			under = append(under, txn)
			total = total.Add(txn.Amount)
		}
	}
	if len(under) < 3 || !total.GreaterThan(reportingThreshold) {
		return nil
	}

	findings := make([]models.Finding, 0, len(under))
	for _, txn := range under {
		findings = append(findings, models.Finding{
			ID:            uuid.New(),
			TransactionID: txn.ID,
			PatternType:   "structuring",
			Severity:      models.SeverityHigh,
			Rationale: fmt.Sprintf(
				"part of %d sub-threshold transactions totaling %s, exceeding the %s reporting threshold",
				len(under), total.StringFixed(2), reportingThreshold.StringFixed(2)),
			Confidence: 0.85,
		})
	}
	return findings
}

func detectRoundNumbers(txns []models.Transaction) []models.Finding {
	var findings []models.Finding
	thousand := decimal.NewFromInt(1000)
	for _, txn := range txns {
		if txn.Amount.IsZero() || !txn.Amount.Mod(thousand).IsZero() {
			continue
		}
		findings = append(findings, models.Finding{
			ID:            uuid.New(),
			TransactionID: txn.ID,
			PatternType:   "round_number",
			Severity:      models.SeverityLow,
			Rationale:     fmt.Sprintf("round amount %s suggests a non-organic transfer", txn.Amount.StringFixed(2)),
			Confidence:    0.4,
		})
	}
	return findings
}

func detectJustBelowThreshold(txns []models.Transaction) []models.Finding {
	var findings []models.Finding
	for _, txn := range txns {
		if txn.Amount.LessThan(justBelowFloor) || txn.Amount.GreaterThanOrEqual(reportingThreshold) {
			continue
		}
		findings = append(findings, models.Finding{
			ID:            uuid.New(),
			TransactionID: txn.ID,
			PatternType:   "just_below_threshold",
			Severity:      models.SeverityMedium,
			Rationale: fmt.Sprintf("amount %s sits just below the %s reporting threshold",
				txn.Amount.StringFixed(2), reportingThreshold.StringFixed(2)),
			Confidence: 0.6,
		})
	}
	return findings
}

func detectHighRiskJurisdiction(txns []models.Transaction) []models.Finding {
	var findings []models.Finding
	for _, txn := range txns {
		j := jurisdictionOf(txn)
		if j == "" {
			continue
		}
		var severity models.Severity
		switch {
		case highRiskJurisdictions[j]:
			severity = models.SeverityHigh
		case mediumRiskJurisdictions[j]:
			severity = models.SeverityMedium
		default:
			continue
		}
		findings = append(findings, models.Finding{
			ID:            uuid.New(),
			TransactionID: txn.ID,
			PatternType:   "high_risk_jurisdiction",
			Severity:      severity,
			Rationale:     fmt.Sprintf("counterparty jurisdiction %q is on the elevated-risk list", j),
			Confidence:    0.7,
		})
	}
	return findings
}

func jurisdictionOf(txn models.Transaction) string {
	if j, ok := strings.CutPrefix(txn.Memo, "jurisdiction:"); ok {
		return strings.ToLower(strings.TrimSpace(j))
	}
	return ""
}

func detectVelocity(entityID string, txns []models.Transaction) []models.Finding {
	if len(txns) <= velocityThreshold {
		return nil
	}
	findings := make([]models.Finding, 0, len(txns))
	for _, txn := range txns {
		findings = append(findings, models.Finding{
			ID:            uuid.New(),
			TransactionID: txn.ID,
			PatternType:   "velocity",
			Severity:      models.SeverityMedium,
			Rationale:     fmt.Sprintf("entity %s moved %d transactions in a single batch window", entityID, len(txns)),
			Confidence:    0.55,
		})
	}
	return findings
}
