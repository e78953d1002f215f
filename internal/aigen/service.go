// Package aigen enqueues AI content-generation runs on the functions
// backend and mirrors their execution status into tracking jobs.
package aigen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/knowspace/knowspace/internal/functions"
	"github.com/knowspace/knowspace/internal/logger"
	"github.com/knowspace/knowspace/internal/models"
	"github.com/knowspace/knowspace/internal/storage"
)

const MaxPromptLength = 1000

var (
	ErrPromptRequired = errors.New("prompt is required")
	ErrPromptTooLong  = fmt.Errorf("prompt exceeds %d characters", MaxPromptLength)
)

// Executor is the slice of the functions client the service needs.
type Executor interface {
	Execute(ctx context.Context, function, body string, async bool) (*functions.Execution, error)
	GetExecution(ctx context.Context, function, executionID string) (*functions.Execution, error)
}

type Service struct {
	store    storage.Storage
	fns      Executor
	function string
	log      *logger.Logger
	now      func() time.Time
}

func NewService(store storage.Storage, fns Executor, function string, log *logger.Logger) *Service {
	return &Service{
		store:    store,
		fns:      fns,
		function: function,
		log:      log.With("service", "aigen"),
		now:      time.Now,
	}
}

// Enqueue creates a queued tracking job and kicks off the generation
// function asynchronously. A failed kick-off marks the job failed and
// returns the execution error.
func (s *Service) Enqueue(ctx context.Context, userID, prompt string) (*models.TrackingJob, error) {
	if prompt == "" {
		return nil, ErrPromptRequired
	}
	if len(prompt) > MaxPromptLength {
		return nil, ErrPromptTooLong
	}

	now := s.now()
	job := &models.TrackingJob{
		ID:        uuid.New().String(),
		UserID:    userID,
		Prompt:    prompt,
		Status:    models.JobStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateTrackingJob(ctx, job); err != nil {
		return nil, err
	}

	body, _ := json.Marshal(map[string]string{"prompt": prompt, "jobId": job.ID, "userId": userID})
	exec, err := s.fns.Execute(ctx, s.function, string(body), true)
	if err != nil {
		job.Status = models.JobStatusFailed
		job.Error = err.Error()
		job.UpdatedAt = s.now()
		if uerr := s.store.UpdateTrackingJob(ctx, job); uerr != nil {
			s.log.Error("mark job failed", "job_id", job.ID, "error", uerr)
		}
		return nil, fmt.Errorf("start generation: %w", err)
	}

	job.ExecutionID = exec.ID
	job.Status = statusFromExecution(exec)
	job.UpdatedAt = s.now()
	if err := s.store.UpdateTrackingJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// ListForUser returns the user's tracking jobs, newest first.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]models.TrackingJob, error) {
	return s.store.ListTrackingJobs(ctx, userID)
}

// SyncPending refreshes every non-terminal job from its execution and
// persists status transitions. It is the poller's fetch function: the
// returned list carries the post-sync statuses so the next interval is
// chosen from fresh data. A single failed lookup is logged and skipped
// rather than failing the sweep.
func (s *Service) SyncPending(ctx context.Context) ([]models.TrackingJob, error) {
	jobs, err := s.store.ListPendingTrackingJobs(ctx)
	if err != nil {
		return nil, err
	}

	for i := range jobs {
		job := &jobs[i]
		if job.ExecutionID == "" {
			continue
		}
		exec, err := s.fns.GetExecution(ctx, s.function, job.ExecutionID)
		if err != nil {
			s.log.Warn("execution lookup failed", "job_id", job.ID, "error", err)
			continue
		}
		status := statusFromExecution(exec)
		if status == job.Status {
			continue
		}

		job.Status = status
		job.UpdatedAt = s.now()
		switch status {
		case models.JobStatusCompleted:
			var out struct {
				PostID string `json:"postId"`
			}
			if err := json.Unmarshal([]byte(exec.ResponseBody), &out); err == nil {
				job.PostID = out.PostID
			}
		case models.JobStatusFailed:
			job.Error = exec.ResponseBody
		}
		if err := s.store.UpdateTrackingJob(ctx, job); err != nil {
			s.log.Error("persist job transition", "job_id", job.ID, "error", err)
		}
	}
	return jobs, nil
}

func statusFromExecution(exec *functions.Execution) string {
	switch exec.Status {
	case functions.ExecutionProcessing:
		return models.JobStatusInProgress
	case functions.ExecutionCompleted:
		return models.JobStatusCompleted
	case functions.ExecutionFailed:
		return models.JobStatusFailed
	default:
		return models.JobStatusQueued
	}
}
