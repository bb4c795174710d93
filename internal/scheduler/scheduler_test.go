package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// memStore is a map-backed Store for exercising the scheduler without
// a database.
type memStore struct {
	mu    sync.Mutex
	jobs  map[string]*Job
	execs map[string]*JobExecution
}

func newMemStore() *memStore {
	return &memStore{
		jobs:  make(map[string]*Job),
		execs: make(map[string]*JobExecution),
	}
}

func (m *memStore) GetJob(ctx context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	copied := *job
	return &copied, nil
}

func (m *memStore) ListJobs(ctx context.Context) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobs := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		copied := *job
		jobs = append(jobs, &copied)
	}
	return jobs, nil
}

func (m *memStore) CreateJob(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.ID == "" {
		job.ID = "job-" + job.Name
	}
	copied := *job
	m.jobs[job.ID] = &copied
	return nil
}

func (m *memStore) UpdateJob(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		return ErrJobNotFound
	}
	copied := *job
	m.jobs[job.ID] = &copied
	return nil
}

func (m *memStore) DeleteJob(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

func (m *memStore) UpdateLastRun(ctx context.Context, id string, lastRun time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok {
		job.LastRun = &lastRun
	}
	return nil
}

func (m *memStore) CreateExecution(ctx context.Context, exec *JobExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *exec
	m.execs[exec.ID] = &copied
	return nil
}

func (m *memStore) UpdateExecution(ctx context.Context, exec *JobExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *exec
	m.execs[exec.ID] = &copied
	return nil
}

func (m *memStore) GetJobExecutions(ctx context.Context, jobID string, limit int) ([]*JobExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var execs []*JobExecution
	for _, exec := range m.execs {
		if exec.JobID == jobID {
			copied := *exec
			execs = append(execs, &copied)
		}
	}
	return execs, nil
}

func (m *memStore) PruneExecutions(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (m *memStore) executionsFor(jobID string) []*JobExecution {
	execs, _ := m.GetJobExecutions(context.Background(), jobID, 0)
	return execs
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestAddJob_InvalidCron(t *testing.T) {
	s := NewScheduler(newMemStore(), quietLogger())

	err := s.AddJob(context.Background(), &Job{
		Name:     "broken",
		Schedule: "not a cron expression",
		JobType:  JobTypeQueueSweep,
		Enabled:  true,
	})
	if err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestAddJob_DisabledNotScheduled(t *testing.T) {
	s := NewScheduler(newMemStore(), quietLogger())

	job := &Job{Name: "off", Schedule: "@daily", JobType: JobTypeQueueSweep}
	if err := s.AddJob(context.Background(), job); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if runs := s.GetNextRuns(job.ID, 1); runs != nil {
		t.Errorf("disabled job must not be scheduled, got next runs %v", runs)
	}
}

func TestGetNextRuns(t *testing.T) {
	store := newMemStore()
	job := &Job{Name: "hourly", Schedule: "0 * * * *", JobType: JobTypeQueueSweep, Enabled: true}
	if err := store.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	s := NewScheduler(store, quietLogger())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	runs := s.GetNextRuns(job.ID, 3)
	if len(runs) != 3 {
		t.Fatalf("expected 3 next runs, got %d", len(runs))
	}
	for i := 1; i < len(runs); i++ {
		if !runs[i].After(runs[i-1]) {
			t.Errorf("run %d (%v) not after run %d (%v)", i, runs[i], i-1, runs[i-1])
		}
	}
}

func TestRunJobNow_RecordsExecution(t *testing.T) {
	store := newMemStore()
	s := NewScheduler(store, quietLogger())

	done := make(chan struct{})
	s.RegisterHandler(JobTypeQueueSweep, func(ctx context.Context, job *Job) error {
		close(done)
		return nil
	})

	job := &Job{Name: "sweep", Schedule: "@hourly", JobType: JobTypeQueueSweep}
	if err := s.AddJob(context.Background(), job); err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	if err := s.RunJobNow(context.Background(), job.ID); err != nil {
		t.Fatalf("RunJobNow: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		execs := store.executionsFor(job.ID)
		if len(execs) == 1 && execs[0].Status == StatusCompleted {
			if execs[0].EndedAt == nil {
				t.Error("completed execution missing ended_at")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected one completed execution, got %+v", execs)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRunJobNow_NoHandlerFails(t *testing.T) {
	store := newMemStore()
	s := NewScheduler(store, quietLogger())

	job := &Job{Name: "orphan", Schedule: "@hourly", JobType: JobTypeRecurringAudit}
	if err := s.AddJob(context.Background(), job); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if err := s.RunJobNow(context.Background(), job.ID); err != nil {
		t.Fatalf("RunJobNow: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		execs := store.executionsFor(job.ID)
		if len(execs) == 1 && execs[0].Status == StatusFailed {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected a failed execution, got %+v", execs)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDefaultHandlers_CleanupRetention(t *testing.T) {
	s := NewScheduler(newMemStore(), quietLogger())

	var got time.Duration
	handlers := &DefaultHandlers{
		CleanupFunc: func(ctx context.Context, olderThan time.Duration) error {
			got = olderThan
			return nil
		},
	}
	handlers.Register(s)

	handler := s.handlers[JobTypeCleanupOld]
	if handler == nil {
		t.Fatal("cleanup handler not registered")
	}

	job := &Job{JobType: JobTypeCleanupOld, Config: map[string]string{"retention_days": "7"}}
	if err := handler(context.Background(), job); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if got != 7*24*time.Hour {
		t.Errorf("expected 7 day retention, got %v", got)
	}

	// Missing config falls back to the 30-day default.
	if err := handler(context.Background(), &Job{JobType: JobTypeCleanupOld}); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if got != 30*24*time.Hour {
		t.Errorf("expected 30 day default, got %v", got)
	}
}

func TestDefaultHandlers_AuditRequiresBatchRef(t *testing.T) {
	s := NewScheduler(newMemStore(), quietLogger())

	handlers := &DefaultHandlers{
		AuditFunc: func(ctx context.Context, batchRef string, config map[string]string) error {
			return nil
		},
	}
	handlers.Register(s)

	handler := s.handlers[JobTypeRecurringAudit]
	if err := handler(context.Background(), &Job{JobType: JobTypeRecurringAudit}); err == nil {
		t.Error("expected error when batch_ref missing")
	}
}
