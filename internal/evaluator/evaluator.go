package evaluator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/finsec/kyt/internal/faults"
	"github.com/finsec/kyt/internal/inference"
	"github.com/finsec/kyt/internal/ingest"
	"github.com/finsec/kyt/internal/models"
	"github.com/finsec/kyt/internal/sanctions"
)

const evaluateInstruction = `You are a compliance officer. Review the entity's transactions and the
pattern findings raised against them. Return a JSON object with fields:
risk_score (0..1) and policy_violations, an array of {policy_id, description}.
Return {"risk_score": 0, "policy_violations": []} when the entity is clean.`

var ctrThreshold = decimal.NewFromInt(10000)

// Evaluator runs the compliance-evaluation stage: sanctions screening,
// deterministic reporting-requirement policies, and an inference risk
// assessment per entity.
type Evaluator struct {
	directory   sanctions.Directory
	generator   inference.Generator
	concurrency int
	logger      *slog.Logger
}

type Config struct {
	Concurrency int
}

func New(directory sanctions.Directory, generator inference.Generator, cfg Config, logger *slog.Logger) *Evaluator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		directory:   directory,
		generator:   generator,
		concurrency: cfg.Concurrency,
		logger:      logger,
	}
}

type inferredAssessment struct {
	RiskScore        float64 `json:"risk_score"`
	PolicyViolations []struct {
		PolicyID    string `json:"policy_id"`
		Description string `json:"description"`
	} `json:"policy_violations"`
}

// Evaluate assesses every entity in the batch, returning assessments sorted
// by entity id. When some entities fail after the caller's retries, the
// surviving assessments are returned alongside a Partial error.
func (e *Evaluator) Evaluate(ctx context.Context, batch *ingest.Batch, findings []models.Finding) ([]models.ComplianceAssessment, error) {
	if batch == nil || len(batch.Entities) == 0 {
		return nil, faults.New(faults.CategoryMalformedInput, models.StageEvaluating, "no entities to evaluate", nil)
	}

	byEntity := batch.ByEntity()
	findingsByTxn := make(map[string][]models.Finding)
	for _, f := range findings {
		findingsByTxn[f.TransactionID] = append(findingsByTxn[f.TransactionID], f)
	}

	var (
		mu          sync.Mutex
		assessments []models.ComplianceAssessment
		failed      int
		lastErr     error
		wg          sync.WaitGroup
		semaphore   = make(chan struct{}, e.concurrency)
	)

	for _, entity := range batch.Entities {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(entity models.Entity) {
			defer wg.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			txns := byEntity[entity.ID]
			var related []models.Finding
			for _, txn := range txns {
				related = append(related, findingsByTxn[txn.ID]...)
			}

			assessment, err := e.assess(ctx, entity, txns, related)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				lastErr = err
				e.logger.Warn("entity assessment failed", "entity", entity.ID, "error", err)
				return
			}
			assessments = append(assessments, assessment)
		}(entity)
	}
	wg.Wait()

	sort.SliceStable(assessments, func(i, j int) bool {
		return assessments[i].EntityID < assessments[j].EntityID
	})

	if failed > 0 {
		return assessments, &faults.Partial{
			Stage:     models.StageEvaluating,
			Failed:    failed,
			Total:     len(batch.Entities),
			LastError: lastErr,
		}
	}
	if err := ctx.Err(); err != nil {
		return assessments, err
	}
	return assessments, nil
}

func (e *Evaluator) assess(ctx context.Context, entity models.Entity, txns []models.Transaction, related []models.Finding) (models.ComplianceAssessment, error) {
	assessment := models.ComplianceAssessment{
		EntityID:         entity.ID,
		PolicyViolations: []models.PolicyViolation{},
	}

	if e.directory == nil {
		return assessment, faults.New(faults.CategoryTransientUnavailable, models.StageEvaluating, "no sanctions directory", nil)
	}

	matches, err := e.directory.Lookup(ctx, entity.Name, entity.Identifiers)
	if err != nil {
		return assessment, err
	}
	if len(matches) > 0 {
		// Matches arrive ordered by similarity; only the best one counts.
		best := matches[0]
		assessment.SanctionsMatch = true
		assessment.MatchedListEntryID = best.ListEntryID
		assessment.MatchConfidence = best.Similarity
	}

	assessment.PolicyViolations = append(assessment.PolicyViolations, localPolicies(txns, related)...)

	score, inferred, err := e.infer(ctx, entity, txns, related)
	if err != nil {
		return assessment, err
	}
	assessment.PolicyViolations = append(assessment.PolicyViolations, inferred...)
	assessment.RiskScore = models.RiskBandFromScore(score)

	// A sanctions match overrides any inference-derived band.
	if assessment.SanctionsMatch {
		assessment.RiskScore = models.RiskBandMax
	}

	return assessment, nil
}

// localPolicies applies the deterministic reporting-requirement checks that
// must not depend on inference availability.
func localPolicies(txns []models.Transaction, related []models.Finding) []models.PolicyViolation {
	var violations []models.PolicyViolation

	for _, txn := range txns {
		if strings.EqualFold(txn.Channel, "cash") && txn.Amount.GreaterThanOrEqual(ctrThreshold) {
			violations = append(violations, models.PolicyViolation{
				PolicyID: "31 CFR 1010.311",
				Description: "cash transaction " + txn.ID + " of " + txn.Amount.StringFixed(2) +
					" meets the currency transaction report threshold",
			})
		}
	}

	for _, f := range related {
		if models.SeverityRank(f.Severity) >= models.SeverityRank(models.SeverityHigh) {
			violations = append(violations, models.PolicyViolation{
				PolicyID: "31 CFR 1020.320",
				Description: "pattern " + f.PatternType + " on transaction " + f.TransactionID +
					" may require a suspicious activity report",
			})
			break
		}
	}

	return violations
}

func (e *Evaluator) infer(ctx context.Context, entity models.Entity, txns []models.Transaction, related []models.Finding) (float64, []models.PolicyViolation, error) {
	if e.generator == nil {
		return heuristicScore(related), nil, nil
	}

	raw, err := e.generator.Generate(ctx, inference.Request{
		Instruction: evaluateInstruction,
		Context: map[string]interface{}{
			"entity":       entity,
			"transactions": txns,
			"findings":     related,
		},
	})
	if err != nil {
		return 0, nil, err
	}

	var decoded inferredAssessment
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return 0, nil, faults.New(faults.CategorySchemaViolation, models.StageEvaluating, "undecodable assessment output", err)
	}
	if decoded.RiskScore < 0 || decoded.RiskScore > 1 {
		return 0, nil, faults.New(faults.CategorySchemaViolation, models.StageEvaluating, "risk score out of range", nil)
	}

	violations := make([]models.PolicyViolation, 0, len(decoded.PolicyViolations))
	for _, v := range decoded.PolicyViolations {
		if v.PolicyID == "" {
			e.logger.Warn("dropping policy violation without id", "entity", entity.ID)
			continue
		}
		violations = append(violations, models.PolicyViolation{
			PolicyID:    v.PolicyID,
			Description: v.Description,
		})
	}
	return decoded.RiskScore, violations, nil
}

// heuristicScore derives a risk score from findings alone, for offline mode.
func heuristicScore(related []models.Finding) float64 {
	var max float64
	for _, f := range related {
		score := float64(models.SeverityRank(f.Severity)) / 4 * f.Confidence
		if score > max {
			max = score
		}
	}
	return max
}
