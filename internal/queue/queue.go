package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/finsec/kyt/internal/models"
)

const (
	RunJobsQueue       = "kyt:runs:pending"
	RunJobsProcessing  = "kyt:runs:processing"
	RunJobsCompleted   = "kyt:runs:completed"
	RunJobsFailed      = "kyt:runs:failed"
	WorkerHeartbeatKey = "kyt:workers:heartbeat"
	RunProgressPrefix  = "kyt:run:progress:"
)

const maxAttempts = 3

type Config struct {
	Addr     string
	Password string
	DB       int
}

type Queue struct {
	client *redis.Client
}

func New(cfg Config) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &Queue{client: client}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) Client() *redis.Client {
	return q.client
}

// Job is one queued audit run. The batch itself lives in the store; the job
// only carries the run id.
type Job struct {
	ID          uuid.UUID `json:"id"`
	RunID       uuid.UUID `json:"run_id"`
	TriggeredBy string    `json:"triggered_by"`
	Priority    int       `json:"priority"`
	CreatedAt   time.Time `json:"created_at"`
	Attempts    int       `json:"attempts"`
}

type RunProgress struct {
	JobID       uuid.UUID        `json:"job_id"`
	RunID       uuid.UUID        `json:"run_id"`
	Status      models.RunStatus `json:"status"`
	Findings    int              `json:"findings"`
	Assessments int              `json:"assessments"`
	Errors      []string         `json:"errors"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	WorkerID    string           `json:"worker_id,omitempty"`
}

func (q *Queue) EnqueueRun(ctx context.Context, job *Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.CreatedAt = time.Now()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}

	score := float64(time.Now().Unix()) - float64(job.Priority*1000)

	if err := q.client.ZAdd(ctx, RunJobsQueue, redis.Z{
		Score:  score,
		Member: string(data),
	}).Err(); err != nil {
		return fmt.Errorf("enqueueing job: %w", err)
	}

	progress := &RunProgress{
		JobID:  job.ID,
		RunID:  job.RunID,
		Status: models.RunStatusInitialized,
	}
	if err := q.UpdateProgress(ctx, progress); err != nil {
		return fmt.Errorf("initializing progress: %w", err)
	}

	return nil
}

// DequeueJob claims the next due job. Requeued jobs carry a future score
// until their backoff expires, so only jobs scored at or before now are
// eligible.
func (q *Queue) DequeueJob(ctx context.Context, workerID string) (*Job, error) {
	var claimed redis.Z
	for {
		results, err := q.client.ZRangeByScoreWithScores(ctx, RunJobsQueue, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   fmt.Sprintf("%d", time.Now().Unix()),
			Count: 1,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("dequeuing job: %w", err)
		}
		if len(results) == 0 {
			return nil, nil // No jobs due
		}

		removed, err := q.client.ZRem(ctx, RunJobsQueue, results[0].Member).Result()
		if err != nil {
			return nil, fmt.Errorf("claiming job: %w", err)
		}
		if removed > 0 {
			claimed = results[0]
			break
		}
		// Another worker claimed it first; try the next due job.
	}

	var job Job
	if err := json.Unmarshal([]byte(claimed.Member.(string)), &job); err != nil {
		return nil, fmt.Errorf("unmarshaling job: %w", err)
	}

	data, _ := json.Marshal(job)
	if err := q.client.SAdd(ctx, RunJobsProcessing, string(data)).Err(); err != nil {
		q.client.ZAdd(ctx, RunJobsQueue, redis.Z{
			Score:  claimed.Score,
			Member: claimed.Member,
		})
		return nil, fmt.Errorf("marking job as processing: %w", err)
	}

	now := time.Now()
	progress := &RunProgress{
		JobID:     job.ID,
		RunID:     job.RunID,
		Status:    models.RunStatusDetecting,
		StartedAt: &now,
		WorkerID:  workerID,
	}
	_ = q.UpdateProgress(ctx, progress)

	return &job, nil
}

func (q *Queue) CompleteJob(ctx context.Context, job *Job, status models.RunStatus) error {
	data, _ := json.Marshal(job)

	q.client.SRem(ctx, RunJobsProcessing, string(data))

	targetSet := RunJobsCompleted
	if status == models.RunStatusFailed {
		targetSet = RunJobsFailed
	}

	if err := q.client.SAdd(ctx, targetSet, string(data)).Err(); err != nil {
		return fmt.Errorf("marking job complete: %w", err)
	}

	now := time.Now()
	progress, _ := q.GetProgress(ctx, job.ID)
	if progress == nil {
		progress = &RunProgress{JobID: job.ID, RunID: job.RunID}
	}
	progress.Status = status
	progress.CompletedAt = &now
	_ = q.UpdateProgress(ctx, progress)

	return nil
}

// RequeueJob returns a job to the queue with a delay proportional to its
// attempt count. After maxAttempts the job lands in the failed set instead.
func (q *Queue) RequeueJob(ctx context.Context, job *Job, errorMsg string) error {
	data, _ := json.Marshal(job)

	q.client.SRem(ctx, RunJobsProcessing, string(data))

	job.Attempts++

	if job.Attempts >= maxAttempts {
		return q.CompleteJob(ctx, job, models.RunStatusFailed)
	}

	newData, _ := json.Marshal(job)
	backoff := time.Duration(job.Attempts*30) * time.Second
	score := float64(time.Now().Add(backoff).Unix())

	if err := q.client.ZAdd(ctx, RunJobsQueue, redis.Z{
		Score:  score,
		Member: string(newData),
	}).Err(); err != nil {
		return fmt.Errorf("requeuing job: %w", err)
	}

	progress, _ := q.GetProgress(ctx, job.ID)
	if progress == nil {
		progress = &RunProgress{JobID: job.ID, RunID: job.RunID}
	}
	progress.Status = models.RunStatusInitialized
	progress.Errors = append(progress.Errors, errorMsg)
	_ = q.UpdateProgress(ctx, progress)

	return nil
}

func (q *Queue) UpdateProgress(ctx context.Context, progress *RunProgress) error {
	progress.UpdatedAt = time.Now()
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("marshaling progress: %w", err)
	}

	key := RunProgressPrefix + progress.JobID.String()
	if err := q.client.Set(ctx, key, string(data), 24*time.Hour).Err(); err != nil {
		return fmt.Errorf("updating progress: %w", err)
	}

	return nil
}

func (q *Queue) GetProgress(ctx context.Context, jobID uuid.UUID) (*RunProgress, error) {
	key := RunProgressPrefix + jobID.String()
	data, err := q.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting progress: %w", err)
	}

	var progress RunProgress
	if err := json.Unmarshal([]byte(data), &progress); err != nil {
		return nil, fmt.Errorf("unmarshaling progress: %w", err)
	}

	return &progress, nil
}

func (q *Queue) GetQueueStats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64)

	pending, _ := q.client.ZCard(ctx, RunJobsQueue).Result()
	processing, _ := q.client.SCard(ctx, RunJobsProcessing).Result()
	completed, _ := q.client.SCard(ctx, RunJobsCompleted).Result()
	failed, _ := q.client.SCard(ctx, RunJobsFailed).Result()

	stats["pending"] = pending
	stats["processing"] = processing
	stats["completed"] = completed
	stats["failed"] = failed

	return stats, nil
}

func (q *Queue) WorkerHeartbeat(ctx context.Context, workerID string) error {
	return q.client.HSet(ctx, WorkerHeartbeatKey, workerID, time.Now().Unix()).Err()
}

func (q *Queue) GetActiveWorkers(ctx context.Context, timeout time.Duration) ([]string, error) {
	workers, err := q.client.HGetAll(ctx, WorkerHeartbeatKey).Result()
	if err != nil {
		return nil, fmt.Errorf("getting workers: %w", err)
	}

	var active []string
	cutoff := time.Now().Add(-timeout).Unix()

	for workerID, lastSeen := range workers {
		var ts int64
		_, _ = fmt.Sscanf(lastSeen, "%d", &ts)
		if ts > cutoff {
			active = append(active, workerID)
		}
	}

	return active, nil
}

// CleanupStaleJobs requeues processing jobs whose progress has gone quiet,
// covering workers that died mid-run.
func (q *Queue) CleanupStaleJobs(ctx context.Context, timeout time.Duration) (int, error) {
	jobs, err := q.client.SMembers(ctx, RunJobsProcessing).Result()
	if err != nil {
		return 0, fmt.Errorf("getting processing jobs: %w", err)
	}

	cleaned := 0
	for _, jobData := range jobs {
		var job Job
		if err := json.Unmarshal([]byte(jobData), &job); err != nil {
			continue
		}

		progress, err := q.GetProgress(ctx, job.ID)
		if err != nil || progress == nil {
			continue
		}

		if time.Since(progress.UpdatedAt) > timeout {
			q.client.SRem(ctx, RunJobsProcessing, jobData)

			job.Attempts++
			if job.Attempts < maxAttempts {
				newData, _ := json.Marshal(job)
				q.client.ZAdd(ctx, RunJobsQueue, redis.Z{
					Score:  float64(time.Now().Unix()),
					Member: string(newData),
				})
			} else {
				q.client.SAdd(ctx, RunJobsFailed, jobData)
			}
			cleaned++
		}
	}

	return cleaned, nil
}
