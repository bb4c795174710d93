package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

var ErrJobNotFound = errors.New("scheduled job not found")

// PostgresStore persists scheduled jobs and their execution history.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// jobRow is the flat database shape; Config is stored as a JSON column.
type jobRow struct {
	ID          string     `db:"id"`
	Name        string     `db:"name"`
	Description string     `db:"description"`
	Schedule    string     `db:"schedule"`
	JobType     string     `db:"job_type"`
	Config      []byte     `db:"config"`
	Enabled     bool       `db:"enabled"`
	LastRun     *time.Time `db:"last_run"`
	NextRun     *time.Time `db:"next_run"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
}

func (r *jobRow) toJob() (*Job, error) {
	job := &Job{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Schedule:    r.Schedule,
		JobType:     JobType(r.JobType),
		Enabled:     r.Enabled,
		LastRun:     r.LastRun,
		NextRun:     r.NextRun,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if len(r.Config) > 0 {
		if err := json.Unmarshal(r.Config, &job.Config); err != nil {
			return nil, fmt.Errorf("decoding config for job %s: %w", r.ID, err)
		}
	}
	return job, nil
}

func fromJob(job *Job) (*jobRow, error) {
	config, err := json.Marshal(job.Config)
	if err != nil {
		return nil, fmt.Errorf("encoding config for job %s: %w", job.ID, err)
	}
	return &jobRow{
		ID:          job.ID,
		Name:        job.Name,
		Description: job.Description,
		Schedule:    job.Schedule,
		JobType:     string(job.JobType),
		Config:      config,
		Enabled:     job.Enabled,
		LastRun:     job.LastRun,
		NextRun:     job.NextRun,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
	}, nil
}

const jobColumns = `id, name, description, schedule, job_type, config, enabled, last_run, next_run, created_at, updated_at`

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toJob()
}

func (s *PostgresStore) ListJobs(ctx context.Context) ([]*Job, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+jobColumns+` FROM scheduled_jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}

	jobs := make([]*Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now

	row, err := fromJob(job)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO scheduled_jobs (`+jobColumns+`)
		VALUES (:id, :name, :description, :schedule, :job_type, :config, :enabled, :last_run, :next_run, :created_at, :updated_at)
	`, row)
	return err
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *Job) error {
	job.UpdatedAt = time.Now()

	row, err := fromJob(job)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE scheduled_jobs SET
			name = :name, description = :description, schedule = :schedule,
			job_type = :job_type, config = :config, enabled = :enabled,
			next_run = :next_run, updated_at = :updated_at
		WHERE id = :id
	`, row)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) UpdateLastRun(ctx context.Context, id string, lastRun time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET last_run = $2, updated_at = NOW() WHERE id = $1`,
		id, lastRun)
	return err
}

func (s *PostgresStore) CreateExecution(ctx context.Context, exec *JobExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO job_executions (id, job_id, status, started_at, error, output)
		VALUES (:id, :job_id, :status, :started_at, :error, :output)
	`, exec)
	return err
}

func (s *PostgresStore) UpdateExecution(ctx context.Context, exec *JobExecution) error {
	_, err := s.db.NamedExecContext(ctx, `
		UPDATE job_executions SET status = :status, ended_at = :ended_at,
			error = :error, output = :output
		WHERE id = :id
	`, exec)
	return err
}

func (s *PostgresStore) GetJobExecutions(ctx context.Context, jobID string, limit int) ([]*JobExecution, error) {
	if limit <= 0 {
		limit = 20
	}
	var execs []*JobExecution
	err := s.db.SelectContext(ctx, &execs, `
		SELECT id, job_id, status, started_at, ended_at, error, output
		FROM job_executions
		WHERE job_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, jobID, limit)
	return execs, err
}

// PruneExecutions deletes finished execution rows older than the cutoff,
// keeping the history table bounded under the retention job.
func (s *PostgresStore) PruneExecutions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM job_executions
		WHERE started_at < $1 AND status IN ('completed', 'failed')
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
