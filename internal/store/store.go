package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/finsec/kyt/internal/models"
)

type Store struct {
	db *sqlx.DB
}

type Config struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

func New(cfg Config) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) DB() *sqlx.DB {
	return s.db
}

// CreateRun records a new run together with its transaction batch, so a
// worker on another host can pick the run up later.
func (s *Store) CreateRun(ctx context.Context, run *models.Run, txns []models.Transaction) error {
	batch, err := json.Marshal(txns)
	if err != nil {
		return fmt.Errorf("marshaling batch: %w", err)
	}

	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.Status == "" {
		run.Status = models.RunStatusInitialized
	}
	run.BatchSize = len(txns)
	run.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO runs (id, status, batch_size, triggered_by, batch, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = s.db.ExecContext(ctx, query,
		run.ID, run.Status, run.BatchSize, run.TriggeredBy, batch, run.CreatedAt,
	)
	return err
}

func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error) {
	var run models.Run
	query := `
		SELECT id, status, batch_size, triggered_by, COALESCE(worker_id, '') AS worker_id,
		       created_at, started_at, completed_at
		FROM runs WHERE id = $1
	`
	err := s.db.GetContext(ctx, &run, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &run, err
}

func (s *Store) ListRuns(ctx context.Context, status *models.RunStatus, limit int) ([]models.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, status, batch_size, triggered_by, COALESCE(worker_id, '') AS worker_id,
		       created_at, started_at, completed_at
		FROM runs
	`
	args := make([]interface{}, 0, 2)
	if status != nil {
		query += ` WHERE status = $1 ORDER BY created_at DESC LIMIT $2`
		args = append(args, *status, limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $1`
		args = append(args, limit)
	}

	var runs []models.Run
	err := s.db.SelectContext(ctx, &runs, query, args...)
	return runs, err
}

// GetBatch loads the transactions submitted with a run.
func (s *Store) GetBatch(ctx context.Context, runID uuid.UUID) ([]models.Transaction, error) {
	var raw []byte
	err := s.db.GetContext(ctx, &raw, `SELECT batch FROM runs WHERE id = $1`, runID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var txns []models.Transaction
	if err := json.Unmarshal(raw, &txns); err != nil {
		return nil, fmt.Errorf("unmarshaling batch: %w", err)
	}
	return txns, nil
}

func (s *Store) UpdateRunStatus(ctx context.Context, runID uuid.UUID, status models.RunStatus) error {
	now := time.Now().UTC()
	if status.Terminal() {
		_, err := s.db.ExecContext(ctx,
			`UPDATE runs SET status = $1, completed_at = $2 WHERE id = $3`, status, now, runID)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = $1, started_at = COALESCE(started_at, $2) WHERE id = $3`, status, now, runID)
	return err
}

func (s *Store) AssignWorker(ctx context.Context, runID uuid.UUID, workerID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET worker_id = $1 WHERE id = $2`, workerID, runID)
	return err
}

// AppendAuditRecord inserts one trail entry. The table carries no update
// path; records are immutable once written.
func (s *Store) AppendAuditRecord(ctx context.Context, rec models.AuditRecord) error {
	query := `
		INSERT INTO audit_records (run_id, seq, stage, input_digest, output_digest, status, detail, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.RunID, rec.Seq, rec.Stage, rec.InputDigest, rec.OutputDigest, rec.Status, rec.Detail, rec.Timestamp,
	)
	return err
}

func (s *Store) GetAuditTrail(ctx context.Context, runID uuid.UUID) ([]models.AuditRecord, error) {
	var records []models.AuditRecord
	query := `
		SELECT run_id, seq, stage, input_digest, output_digest, status, COALESCE(detail, '') AS detail, timestamp
		FROM audit_records WHERE run_id = $1 ORDER BY seq
	`
	err := s.db.SelectContext(ctx, &records, query, runID)
	return records, err
}

// FinalizeResult stores the terminal aggregate for a run. Upsert keeps the
// call idempotent when a worker retries persistence.
func (s *Store) FinalizeResult(ctx context.Context, result *models.AnalysisResult) error {
	findings, err := json.Marshal(result.Findings)
	if err != nil {
		return fmt.Errorf("marshaling findings: %w", err)
	}
	assessments, err := json.Marshal(result.Assessments)
	if err != nil {
		return fmt.Errorf("marshaling assessments: %w", err)
	}
	var reportBody []byte
	if result.Report != nil {
		if reportBody, err = json.Marshal(result.Report); err != nil {
			return fmt.Errorf("marshaling report: %w", err)
		}
	}

	query := `
		INSERT INTO analysis_results (run_id, status, findings, assessments, report, audit_trail_ref, diagnostic, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id) DO UPDATE SET
			status = EXCLUDED.status,
			findings = EXCLUDED.findings,
			assessments = EXCLUDED.assessments,
			report = EXCLUDED.report,
			diagnostic = EXCLUDED.diagnostic,
			completed_at = EXCLUDED.completed_at
	`
	_, err = s.db.ExecContext(ctx, query,
		result.RunID, result.Status, findings, assessments, reportBody,
		result.AuditTrailRef, result.Diagnostic, result.StartedAt, result.CompletedAt,
	)
	return err
}

// DeleteRunsOlderThan purges terminal runs and their trails past the
// retention window.
func (s *Store) DeleteRunsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM runs
		WHERE completed_at IS NOT NULL AND completed_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	_, _ = s.db.ExecContext(ctx, `
		DELETE FROM audit_records WHERE run_id NOT IN (SELECT id FROM runs)
	`)
	_, _ = s.db.ExecContext(ctx, `
		DELETE FROM analysis_results WHERE run_id NOT IN (SELECT id FROM runs)
	`)
	return res.RowsAffected()
}

func (s *Store) GetResult(ctx context.Context, runID uuid.UUID) (*models.AnalysisResult, error) {
	var row struct {
		RunID         uuid.UUID        `db:"run_id"`
		Status        models.RunStatus `db:"status"`
		Findings      []byte           `db:"findings"`
		Assessments   []byte           `db:"assessments"`
		Report        []byte           `db:"report"`
		AuditTrailRef string           `db:"audit_trail_ref"`
		Diagnostic    string           `db:"diagnostic"`
		StartedAt     time.Time        `db:"started_at"`
		CompletedAt   *time.Time       `db:"completed_at"`
	}
	query := `
		SELECT run_id, status, findings, assessments, report, audit_trail_ref,
		       COALESCE(diagnostic, '') AS diagnostic, started_at, completed_at
		FROM analysis_results WHERE run_id = $1
	`
	err := s.db.GetContext(ctx, &row, query, runID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	result := &models.AnalysisResult{
		RunID:         row.RunID,
		Status:        row.Status,
		AuditTrailRef: row.AuditTrailRef,
		Diagnostic:    row.Diagnostic,
		StartedAt:     row.StartedAt,
		CompletedAt:   row.CompletedAt,
	}
	if err := json.Unmarshal(row.Findings, &result.Findings); err != nil {
		return nil, fmt.Errorf("unmarshaling findings: %w", err)
	}
	if err := json.Unmarshal(row.Assessments, &result.Assessments); err != nil {
		return nil, fmt.Errorf("unmarshaling assessments: %w", err)
	}
	if len(row.Report) > 0 {
		result.Report = &models.ReportBody{}
		if err := json.Unmarshal(row.Report, result.Report); err != nil {
			return nil, fmt.Errorf("unmarshaling report: %w", err)
		}
	}
	return result, nil
}
