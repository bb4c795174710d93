package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/finsec/kyt/internal/models"
)

// Memory is an in-process store with the same surface as the Postgres
// store, backing the CLI's offline mode and package tests.
type Memory struct {
	mu      sync.Mutex
	runs    map[uuid.UUID]*models.Run
	batches map[uuid.UUID][]models.Transaction
	trails  map[uuid.UUID][]models.AuditRecord
	results map[uuid.UUID]*models.AnalysisResult
}

func NewMemory() *Memory {
	return &Memory{
		runs:    make(map[uuid.UUID]*models.Run),
		batches: make(map[uuid.UUID][]models.Transaction),
		trails:  make(map[uuid.UUID][]models.AuditRecord),
		results: make(map[uuid.UUID]*models.AnalysisResult),
	}
}

func (m *Memory) CreateRun(ctx context.Context, run *models.Run, txns []models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.Status == "" {
		run.Status = models.RunStatusInitialized
	}
	run.BatchSize = len(txns)
	run.CreatedAt = time.Now().UTC()

	clone := *run
	m.runs[run.ID] = &clone
	m.batches[run.ID] = append([]models.Transaction(nil), txns...)
	return nil
}

func (m *Memory) GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return nil, nil
	}
	clone := *run
	return &clone, nil
}

func (m *Memory) ListRuns(ctx context.Context, status *models.RunStatus, limit int) ([]models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	runs := make([]models.Run, 0, len(m.runs))
	for _, run := range m.runs {
		if status != nil && run.Status != *status {
			continue
		}
		runs = append(runs, *run)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (m *Memory) GetBatch(ctx context.Context, runID uuid.UUID) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Transaction(nil), m.batches[runID]...), nil
}

func (m *Memory) UpdateRunStatus(ctx context.Context, runID uuid.UUID, status models.RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		run = &models.Run{ID: runID, CreatedAt: time.Now().UTC()}
		m.runs[runID] = run
	}
	now := time.Now().UTC()
	run.Status = status
	if status.Terminal() {
		run.CompletedAt = &now
	} else if run.StartedAt == nil {
		run.StartedAt = &now
	}
	return nil
}

func (m *Memory) AssignWorker(ctx context.Context, runID uuid.UUID, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if run, ok := m.runs[runID]; ok {
		run.WorkerID = workerID
	}
	return nil
}

func (m *Memory) AppendAuditRecord(ctx context.Context, rec models.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trails[rec.RunID] = append(m.trails[rec.RunID], rec)
	return nil
}

func (m *Memory) GetAuditTrail(ctx context.Context, runID uuid.UUID) ([]models.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	trail := append([]models.AuditRecord(nil), m.trails[runID]...)
	sort.Slice(trail, func(i, j int) bool { return trail[i].Seq < trail[j].Seq })
	return trail, nil
}

func (m *Memory) DeleteRunsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for id, run := range m.runs {
		if run.CompletedAt != nil && run.CompletedAt.Before(cutoff) {
			delete(m.runs, id)
			delete(m.batches, id)
			delete(m.trails, id)
			delete(m.results, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *Memory) FinalizeResult(ctx context.Context, result *models.AnalysisResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *result
	m.results[result.RunID] = &clone
	return nil
}

func (m *Memory) GetResult(ctx context.Context, runID uuid.UUID) (*models.AnalysisResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result, ok := m.results[runID]
	if !ok {
		return nil, nil
	}
	clone := *result
	return &clone, nil
}
