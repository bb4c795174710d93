package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// SeverityRank orders severities for sorting; higher is more severe.
func SeverityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

type RiskBand string

const (
	RiskBandCritical RiskBand = "critical"
	RiskBandHigh     RiskBand = "high"
	RiskBandMedium   RiskBand = "medium"
	RiskBandLow      RiskBand = "low"
)

// RiskBandMax is the band forced onto any entity with a sanctions match.
const RiskBandMax = RiskBandCritical

func (r RiskBand) Valid() bool {
	switch r {
	case RiskBandCritical, RiskBandHigh, RiskBandMedium, RiskBandLow:
		return true
	}
	return false
}

func RiskBandRank(r RiskBand) int {
	switch r {
	case RiskBandCritical:
		return 4
	case RiskBandHigh:
		return 3
	case RiskBandMedium:
		return 2
	case RiskBandLow:
		return 1
	}
	return 0
}

// RiskBandFromScore maps an inference-derived score in [0,1] onto a band.
// Thresholds are fixed here rather than inferred from service behavior so
// they remain auditable.
func RiskBandFromScore(score float64) RiskBand {
	switch {
	case score >= 0.75:
		return RiskBandCritical
	case score >= 0.5:
		return RiskBandHigh
	case score >= 0.25:
		return RiskBandMedium
	default:
		return RiskBandLow
	}
}

type RunStatus string

const (
	RunStatusInitialized     RunStatus = "initialized"
	RunStatusDetecting       RunStatus = "detecting"
	RunStatusEvaluating      RunStatus = "evaluating"
	RunStatusSynthesizing    RunStatus = "synthesizing"
	RunStatusCompleted       RunStatus = "completed"
	RunStatusPartiallyFailed RunStatus = "partially_failed"
	RunStatusFailed          RunStatus = "failed"
)

func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusPartiallyFailed, RunStatusFailed:
		return true
	}
	return false
}

type Stage string

const (
	StageDetecting    Stage = "detecting"
	StageEvaluating   Stage = "evaluating"
	StageSynthesizing Stage = "synthesizing"
)

type AuditStatus string

const (
	AuditStatusCompleted AuditStatus = "completed"
	AuditStatusPartial   AuditStatus = "partial"
	AuditStatusFailed    AuditStatus = "failed"
	AuditStatusRedacted  AuditStatus = "redacted"
	AuditStatusRejected  AuditStatus = "rejected"
)

type SafetyAction string

const (
	SafetyActionPass   SafetyAction = "pass"
	SafetyActionRedact SafetyAction = "redact"
	SafetyActionBlock  SafetyAction = "block"
)

type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, j)
}

// Transaction is an immutable input record. Identity is ID, which must be
// unique within a batch; transactions are never mutated after ingestion.
type Transaction struct {
	ID        string          `json:"id" db:"id"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
	Sender    string          `json:"sender" db:"sender"`
	Receiver  string          `json:"receiver" db:"receiver"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Currency  string          `json:"currency" db:"currency"`
	Channel   string          `json:"channel" db:"channel"`
	Memo      string          `json:"memo,omitempty" db:"memo"`
}

// Entity is a party referenced by a transaction, derived at analysis start
// and not persisted independently.
type Entity struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Identifiers  []string `json:"identifiers,omitempty"`
	Jurisdiction string   `json:"jurisdiction,omitempty"`
}

// EntityID normalizes a party name into a stable entity identifier.
func EntityID(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), "-"))
}

type Finding struct {
	ID            uuid.UUID `json:"id"`
	TransactionID string    `json:"transaction_id"`
	PatternType   string    `json:"pattern_type"`
	Severity      Severity  `json:"severity"`
	Rationale     string    `json:"rationale"`
	Confidence    float64   `json:"confidence"`
}

type PolicyViolation struct {
	PolicyID    string `json:"policy_id"`
	Description string `json:"description"`
}

type ComplianceAssessment struct {
	EntityID           string            `json:"entity_id"`
	SanctionsMatch     bool              `json:"sanctions_match"`
	MatchedListEntryID string            `json:"matched_list_entry_id,omitempty"`
	MatchConfidence    float64           `json:"match_confidence,omitempty"`
	PolicyViolations   []PolicyViolation `json:"policy_violations"`
	RiskScore          RiskBand          `json:"risk_score"`
}

type SafetyVerdict struct {
	SourceField string       `json:"source_field"`
	Flagged     bool         `json:"flagged"`
	Category    string       `json:"category,omitempty"`
	Action      SafetyAction `json:"action"`
	Confidence  float64      `json:"confidence,omitempty"`
}

// AuditRecord is one append-only entry proving a stage ran. Records are
// never mutated after append; Seq orders them within a run.
type AuditRecord struct {
	Seq          int         `json:"seq" db:"seq"`
	RunID        uuid.UUID   `json:"run_id" db:"run_id"`
	Stage        Stage       `json:"stage" db:"stage"`
	InputDigest  string      `json:"input_digest" db:"input_digest"`
	OutputDigest string      `json:"output_digest" db:"output_digest"`
	Status       AuditStatus `json:"status" db:"status"`
	Detail       string      `json:"detail,omitempty" db:"detail"`
	Timestamp    time.Time   `json:"timestamp" db:"timestamp"`
}

type ReportSection struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	Available bool   `json:"available"`
	Degraded  bool   `json:"degraded,omitempty"`
}

type SummaryStats struct {
	Transactions     int            `json:"transactions"`
	FindingsTotal    int            `json:"findings_total"`
	BySeverity       map[string]int `json:"by_severity"`
	ByRiskBand       map[string]int `json:"by_risk_band"`
	SanctionsMatches int            `json:"sanctions_matches"`
}

type SanctionsEntry struct {
	EntityID           string  `json:"entity_id"`
	MatchedListEntryID string  `json:"matched_list_entry_id"`
	MatchConfidence    float64 `json:"match_confidence"`
}

type ReportBody struct {
	Summary              SummaryStats     `json:"summary"`
	HighSeverityFindings []Finding        `json:"high_severity_findings"`
	SanctionsSection     []SanctionsEntry `json:"sanctions_section"`
	Narrative            ReportSection    `json:"narrative"`
	Forensic             ReportSection    `json:"forensic"`
	Compliance           ReportSection    `json:"compliance"`
	Degraded             bool             `json:"degraded"`
	ContentHash          string           `json:"content_hash"`
}

// AnalysisResult is the terminal aggregate for a run. The orchestrator owns
// it exclusively; it becomes immutable once the run reaches a terminal state.
type AnalysisResult struct {
	RunID         uuid.UUID              `json:"run_id"`
	Status        RunStatus              `json:"status"`
	Findings      []Finding              `json:"findings"`
	Assessments   []ComplianceAssessment `json:"assessments"`
	Report        *ReportBody            `json:"report,omitempty"`
	AuditTrailRef string                 `json:"audit_trail_ref"`
	Diagnostic    string                 `json:"diagnostic,omitempty"`
	StartedAt     time.Time              `json:"started_at"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
}

type Run struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	Status      RunStatus  `json:"status" db:"status"`
	BatchSize   int        `json:"batch_size" db:"batch_size"`
	TriggeredBy string     `json:"triggered_by" db:"triggered_by"`
	WorkerID    string     `json:"worker_id,omitempty" db:"worker_id"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}
