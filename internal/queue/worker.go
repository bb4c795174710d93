package queue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/finsec/kyt/internal/faults"
	"github.com/finsec/kyt/internal/ingest"
	"github.com/finsec/kyt/internal/models"
	"github.com/finsec/kyt/internal/pipeline"
)

// RunStore is the storage surface a worker needs to pick up a queued run.
type RunStore interface {
	GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error)
	GetBatch(ctx context.Context, runID uuid.UUID) ([]models.Transaction, error)
	AssignWorker(ctx context.Context, runID uuid.UUID, workerID string) error
}

type Worker struct {
	id     string
	queue  *Queue
	store  RunStore
	runner *pipeline.Runner
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running bool
	mu      sync.Mutex
}

type WorkerConfig struct {
	Queue  *Queue
	Store  RunStore
	Runner *pipeline.Runner
	Logger *slog.Logger
}

func NewWorker(cfg WorkerConfig) *Worker {
	hostname, _ := os.Hostname()
	workerID := fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		id:     workerID,
		queue:  cfg.Queue,
		store:  cfg.Store,
		runner: cfg.Runner,
		logger: logger.With("worker_id", workerID),
	}
}

func (w *Worker) ID() string {
	return w.id
}

func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	w.logger.Info("worker starting")

	w.wg.Add(1)
	go w.heartbeatLoop()

	w.wg.Add(1)
	go w.processLoop()

	w.wg.Add(1)
	go w.cleanupLoop()

	return nil
}

func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.logger.Info("worker stopping")
	w.cancel()
	w.wg.Wait()
	w.logger.Info("worker stopped")
}

func (w *Worker) heartbeatLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.queue.WorkerHeartbeat(w.ctx, w.id)
		}
	}
}

func (w *Worker) cleanupLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if cleaned, err := w.queue.CleanupStaleJobs(w.ctx, 15*time.Minute); err == nil && cleaned > 0 {
				w.logger.Info("requeued stale jobs", "count", cleaned)
			}
		}
	}
}

func (w *Worker) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
			job, err := w.queue.DequeueJob(w.ctx, w.id)
			if err != nil {
				w.logger.Error("dequeuing job", "error", err)
				time.Sleep(5 * time.Second)
				continue
			}

			if job == nil {
				time.Sleep(1 * time.Second)
				continue
			}

			w.logger.Info("processing job", "job_id", job.ID, "run_id", job.RunID)
			w.processJob(job)
		}
	}
}

// processJob executes the pipeline for one queued run. Only infrastructure
// failures requeue; a run that the pipeline itself failed is terminal.
func (w *Worker) processJob(job *Job) {
	run, err := w.store.GetRun(w.ctx, job.RunID)
	if err != nil {
		w.queue.RequeueJob(w.ctx, job, fmt.Sprintf("getting run: %v", err))
		return
	}
	if run == nil {
		w.logger.Warn("run not found, dropping job", "run_id", job.RunID)
		w.queue.CompleteJob(w.ctx, job, models.RunStatusFailed)
		return
	}

	txns, err := w.store.GetBatch(w.ctx, job.RunID)
	if err != nil {
		w.queue.RequeueJob(w.ctx, job, fmt.Sprintf("loading batch: %v", err))
		return
	}

	if err := w.store.AssignWorker(w.ctx, job.RunID, w.id); err != nil {
		w.logger.Warn("assigning worker", "run_id", job.RunID, "error", err)
	}

	batch, err := ingest.NewBatch(txns)
	if err != nil {
		w.logger.Warn("run has unusable batch", "run_id", job.RunID, "error", err)
		w.queue.CompleteJob(w.ctx, job, models.RunStatusFailed)
		return
	}

	result, err := w.runner.Run(w.ctx, job.RunID, batch)
	if err != nil && faults.IsRetryable(err) {
		w.queue.RequeueJob(w.ctx, job, err.Error())
		return
	}

	progress, _ := w.queue.GetProgress(w.ctx, job.ID)
	if progress == nil {
		progress = &RunProgress{JobID: job.ID, RunID: job.RunID}
	}
	progress.Findings = len(result.Findings)
	progress.Assessments = len(result.Assessments)
	if err != nil {
		progress.Errors = append(progress.Errors, err.Error())
	}
	_ = w.queue.UpdateProgress(w.ctx, progress)

	w.logger.Info("job finished", "job_id", job.ID, "run_id", job.RunID, "status", result.Status)
	w.queue.CompleteJob(w.ctx, job, result.Status)
}
