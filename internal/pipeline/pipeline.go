package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/finsec/kyt/internal/detector"
	"github.com/finsec/kyt/internal/evaluator"
	"github.com/finsec/kyt/internal/faults"
	"github.com/finsec/kyt/internal/inference"
	"github.com/finsec/kyt/internal/ingest"
	"github.com/finsec/kyt/internal/models"
	"github.com/finsec/kyt/internal/moderation"
	"github.com/finsec/kyt/internal/report"
	"github.com/finsec/kyt/internal/safety"
	"github.com/finsec/kyt/internal/sanctions"
)

// Persistence is what the orchestrator needs from storage. The audit trail
// is append-only; the orchestrator is its exclusive writer.
type Persistence interface {
	UpdateRunStatus(ctx context.Context, runID uuid.UUID, status models.RunStatus) error
	AppendAuditRecord(ctx context.Context, rec models.AuditRecord) error
	FinalizeResult(ctx context.Context, result *models.AnalysisResult) error
}

type Config struct {
	WindowSize     int
	Concurrency    int
	MaxRetries     int
	RetryBaseDelay time.Duration
	CallTimeout    time.Duration
}

// Runner drives one analysis run through the stage sequence, owning the
// retry policy, the referential-integrity gate, and the audit trail. Each
// call to Run owns its state exclusively; a Runner is safe for concurrent
// runs.
type Runner struct {
	detector    *detector.Detector
	evaluator   *evaluator.Evaluator
	screen      *safety.Screen
	generator   inference.Generator
	store       Persistence
	callTimeout time.Duration
	logger      *slog.Logger
}

func NewRunner(
	generator inference.Generator,
	directory sanctions.Directory,
	screener moderation.Screener,
	store Persistence,
	cfg Config,
	logger *slog.Logger,
) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 90 * time.Second
	}

	policy := RetryPolicy{MaxAttempts: cfg.MaxRetries, BaseDelay: cfg.RetryBaseDelay}

	// Clients never retry on their own; all retry behavior lives in this
	// one policy so backoff is uniform across services.
	var gen inference.Generator
	if generator != nil {
		gen = retryingGenerator{inner: generator, policy: policy}
	}
	var dir sanctions.Directory
	if directory != nil {
		dir = retryingDirectory{inner: directory, policy: policy}
	}
	var scr moderation.Screener
	if screener != nil {
		scr = retryingScreener{inner: screener, policy: policy}
	}

	stageCfg := detector.Config{WindowSize: cfg.WindowSize, Concurrency: cfg.Concurrency}

	return &Runner{
		detector:    detector.New(gen, stageCfg, logger),
		evaluator:   evaluator.New(dir, gen, evaluator.Config{Concurrency: cfg.Concurrency}, logger),
		screen:      safety.New(scr, logger),
		generator:   gen,
		store:       store,
		callTimeout: cfg.CallTimeout,
		logger:      logger,
	}
}

// runState is the per-run bookkeeping the orchestrator owns exclusively.
type runState struct {
	runID    uuid.UUID
	seq      int
	degraded bool

	// Per-stage degradation, carried into the report so partial stage
	// output is never presented as complete.
	detectDegraded   bool
	evaluateDegraded bool
}

// Run executes the full pipeline for one batch. An empty or nil batch fails
// the run without persisting anything; every other failure mode degrades and
// still produces a persisted result with a complete audit trail.
func (r *Runner) Run(ctx context.Context, runID uuid.UUID, batch *ingest.Batch) (*models.AnalysisResult, error) {
	started := time.Now().UTC()

	if batch == nil || len(batch.Transactions) == 0 {
		err := faults.New(faults.CategoryMalformedInput, "", "empty batch", nil)
		return &models.AnalysisResult{
			RunID:      runID,
			Status:     models.RunStatusFailed,
			Diagnostic: err.Error(),
			StartedAt:  started,
		}, err
	}

	state := &runState{runID: runID}
	result := &models.AnalysisResult{
		RunID:         runID,
		Status:        models.RunStatusInitialized,
		StartedAt:     started,
		AuditTrailRef: fmt.Sprintf("runs/%s/audit", runID),
	}

	log := r.logger.With("run_id", runID)
	log.Info("run starting", "transactions", len(batch.Transactions), "entities", len(batch.Entities))

	// Detecting.
	r.setStatus(ctx, result, models.RunStatusDetecting)
	findings := r.detectStage(ctx, state, batch, result)
	if ctx.Err() != nil {
		return r.finalizeCanceled(result, findings, nil)
	}
	result.Findings = findings

	// Evaluating.
	r.setStatus(ctx, result, models.RunStatusEvaluating)
	assessments := r.evaluateStage(ctx, state, batch, findings)
	if ctx.Err() != nil {
		return r.finalizeCanceled(result, findings, assessments)
	}
	result.Assessments = assessments

	// Synthesizing.
	r.setStatus(ctx, result, models.RunStatusSynthesizing)
	r.synthesizeStage(ctx, state, batch, result)

	if state.degraded {
		result.Status = models.RunStatusPartiallyFailed
	} else {
		result.Status = models.RunStatusCompleted
	}
	completed := time.Now().UTC()
	result.CompletedAt = &completed

	if err := r.persist(ctx, result); err != nil {
		log.Error("persisting result", "error", err)
		return result, err
	}

	log.Info("run finished", "status", result.Status,
		"findings", len(result.Findings), "assessments", len(result.Assessments))
	return result, nil
}

func (r *Runner) detectStage(ctx context.Context, state *runState, batch *ingest.Batch, result *models.AnalysisResult) []models.Finding {
	stageCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	findings, err := r.detector.Detect(stageCtx, batch)
	status, detail := stageOutcome(state, err)
	if err != nil {
		state.detectDegraded = true
	}

	kept, dropped := gateFindings(batch, findings)
	if dropped > 0 {
		r.appendAudit(ctx, state, models.AuditRecord{
			Stage:  models.StageDetecting,
			Status: models.AuditStatusRejected,
			Detail: fmt.Sprintf("%d findings referenced unknown transactions and were dropped", dropped),
		})
	}

	r.appendAudit(ctx, state, models.AuditRecord{
		Stage:        models.StageDetecting,
		InputDigest:  digest(batch.Transactions),
		OutputDigest: digest(kept),
		Status:       status,
		Detail:       detail,
	})
	if detail != "" {
		result.Diagnostic = detail
	}
	return kept
}

func (r *Runner) evaluateStage(ctx context.Context, state *runState, batch *ingest.Batch, findings []models.Finding) []models.ComplianceAssessment {
	stageCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	assessments, err := r.evaluator.Evaluate(stageCtx, batch, findings)
	status, detail := stageOutcome(state, err)
	if err != nil {
		state.evaluateDegraded = true
	}

	kept, dropped := gateAssessments(batch, assessments)
	if dropped > 0 {
		r.appendAudit(ctx, state, models.AuditRecord{
			Stage:  models.StageEvaluating,
			Status: models.AuditStatusRejected,
			Detail: fmt.Sprintf("%d assessments referenced unknown entities and were dropped", dropped),
		})
	}

	r.appendAudit(ctx, state, models.AuditRecord{
		Stage:        models.StageEvaluating,
		InputDigest:  digest(struct {
			Entities []models.Entity `json:"entities"`
			Findings []models.Finding `json:"findings"`
		}{batch.Entities, findings}),
		OutputDigest: digest(kept),
		Status:       status,
		Detail:       detail,
	})
	return kept
}

func (r *Runner) synthesizeStage(ctx context.Context, state *runState, batch *ingest.Batch, result *models.AnalysisResult) {
	stageCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	blocked, redacted, unscreened := r.screenOutputs(stageCtx, result)

	narrative, narrativeOK := r.narrative(stageCtx, state, result, &blocked, &redacted, &unscreened)

	if blocked+redacted+unscreened > 0 {
		status := models.AuditStatusRedacted
		if blocked+redacted == 0 {
			status = models.AuditStatusPartial
		}
		r.appendAudit(ctx, state, models.AuditRecord{
			Stage:  models.StageSynthesizing,
			Status: status,
			Detail: fmt.Sprintf("safety screen: %d blocked, %d redacted, %d unscreened", blocked, redacted, unscreened),
		})
		if unscreened > 0 {
			state.degraded = true
		}
	}

	inputs := report.Inputs{
		Transactions:        len(batch.Transactions),
		Findings:            result.Findings,
		Assessments:         result.Assessments,
		Narrative:           narrative,
		NarrativeAvailable:  narrativeOK,
		FindingsDegraded:    state.detectDegraded || len(result.Findings) == 0,
		AssessmentsDegraded: state.evaluateDegraded || len(result.Assessments) == 0,
	}

	inputDigest := digest(inputs)
	body, err := report.Synthesize(inputs)
	if err != nil {
		state.degraded = true
		result.Diagnostic = err.Error()
		r.appendAudit(ctx, state, models.AuditRecord{
			Stage:       models.StageSynthesizing,
			InputDigest: inputDigest,
			Status:      models.AuditStatusFailed,
			Detail:      err.Error(),
		})
		return
	}
	if body.Degraded {
		state.degraded = true
	}

	status := models.AuditStatusCompleted
	if body.Degraded {
		status = models.AuditStatusPartial
	}
	r.appendAudit(ctx, state, models.AuditRecord{
		Stage:        models.StageSynthesizing,
		InputDigest:  inputDigest,
		OutputDigest: digest(body),
		Status:       status,
	})
	result.Report = body
}

// screenOutputs passes every report-bound string through the safety screen.
// Screening failures after retries degrade to unscreened passes; a missing
// screen must not fabricate blocks.
func (r *Runner) screenOutputs(ctx context.Context, result *models.AnalysisResult) (blocked, redacted, unscreened int) {
	screenText := func(field string, text *string) {
		verdict, err := r.screen.Check(ctx, field, *text)
		if err != nil {
			unscreened++
			verdict = safety.Unscreened(field)
		}
		switch verdict.Action {
		case models.SafetyActionBlock:
			blocked++
		case models.SafetyActionRedact:
			redacted++
		}
		*text = safety.Apply(verdict, *text)
	}

	for i := range result.Findings {
		screenText("finding_rationale", &result.Findings[i].Rationale)
	}
	for i := range result.Assessments {
		for j := range result.Assessments[i].PolicyViolations {
			screenText("policy_description", &result.Assessments[i].PolicyViolations[j].Description)
		}
	}
	return blocked, redacted, unscreened
}

func (r *Runner) narrative(ctx context.Context, state *runState, result *models.AnalysisResult, blocked, redacted, unscreened *int) (string, bool) {
	text, err := report.Narrative(ctx, r.generator, result.Findings, result.Assessments)
	if err != nil {
		r.logger.Warn("narrative generation failed", "run_id", state.runID, "error", err)
		return "", false
	}

	verdict, err := r.screen.Check(ctx, "narrative", text)
	if err != nil {
		*unscreened++
		verdict = safety.Unscreened("narrative")
	}
	switch verdict.Action {
	case models.SafetyActionBlock:
		*blocked++
	case models.SafetyActionRedact:
		*redacted++
	}
	return safety.Apply(verdict, text), true
}

// stageOutcome maps a stage error to an audit status and flags degradation.
func stageOutcome(state *runState, err error) (models.AuditStatus, string) {
	if err == nil {
		return models.AuditStatusCompleted, ""
	}
	state.degraded = true
	if partial, ok := faults.IsPartial(err); ok {
		return models.AuditStatusPartial, partial.Error()
	}
	return models.AuditStatusFailed, err.Error()
}

// gateFindings drops findings that reference transactions outside the batch.
func gateFindings(batch *ingest.Batch, findings []models.Finding) ([]models.Finding, int) {
	kept := findings[:0]
	dropped := 0
	for _, f := range findings {
		if batch.HasTransaction(f.TransactionID) {
			kept = append(kept, f)
		} else {
			dropped++
		}
	}
	return kept, dropped
}

// gateAssessments drops assessments that reference entities outside the batch.
func gateAssessments(batch *ingest.Batch, assessments []models.ComplianceAssessment) ([]models.ComplianceAssessment, int) {
	kept := assessments[:0]
	dropped := 0
	for _, a := range assessments {
		if batch.HasEntity(a.EntityID) {
			kept = append(kept, a)
		} else {
			dropped++
		}
	}
	return kept, dropped
}

// appendAudit assigns the next sequence number and persists the record. The
// run never advances past a stage before its record is appended.
func (r *Runner) appendAudit(ctx context.Context, state *runState, rec models.AuditRecord) {
	state.seq++
	rec.Seq = state.seq
	rec.RunID = state.runID
	rec.Timestamp = time.Now().UTC()

	// Audit appends must survive run cancellation.
	if err := r.store.AppendAuditRecord(context.WithoutCancel(ctx), rec); err != nil {
		state.degraded = true
		r.logger.Error("appending audit record", "run_id", state.runID, "seq", rec.Seq, "error", err)
	}
}

func (r *Runner) setStatus(ctx context.Context, result *models.AnalysisResult, status models.RunStatus) {
	result.Status = status
	if err := r.store.UpdateRunStatus(context.WithoutCancel(ctx), result.RunID, status); err != nil {
		r.logger.Error("updating run status", "run_id", result.RunID, "status", status, "error", err)
	}
}

// finalizeCanceled ends a canceled run as partially failed with whatever the
// completed stages produced. In-flight stage calls have already drained.
func (r *Runner) finalizeCanceled(result *models.AnalysisResult, findings []models.Finding, assessments []models.ComplianceAssessment) (*models.AnalysisResult, error) {
	result.Findings = findings
	result.Assessments = assessments
	result.Status = models.RunStatusPartiallyFailed
	result.Diagnostic = "run canceled"
	completed := time.Now().UTC()
	result.CompletedAt = &completed

	if err := r.persist(context.Background(), result); err != nil {
		r.logger.Error("persisting canceled run", "run_id", result.RunID, "error", err)
		return result, err
	}
	return result, nil
}

func (r *Runner) persist(ctx context.Context, result *models.AnalysisResult) error {
	ctx = context.WithoutCancel(ctx)
	if err := r.store.FinalizeResult(ctx, result); err != nil {
		return fmt.Errorf("finalizing result: %w", err)
	}
	if err := r.store.UpdateRunStatus(ctx, result.RunID, result.Status); err != nil {
		return fmt.Errorf("updating run status: %w", err)
	}
	return nil
}
