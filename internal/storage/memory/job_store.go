package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/maimai-sync/internal/maisync"
)

// JobStore provides an in-memory implementation for development/testing.
// Every transition runs under one lock, which gives it the same
// compare-and-set behavior as the database store.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]maisync.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]maisync.Job)}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job maisync.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errors.New("job already exists")
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (maisync.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return maisync.Job{}, maisync.ErrNotFound
	}
	return cloneJob(job), nil
}

// ClaimNext re-offers the bot's own idle claim before taking the oldest queued job.
func (s *JobStore) ClaimNext(_ context.Context, botID string, now time.Time) (maisync.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var own, queued []maisync.Job
	for _, job := range s.jobs {
		switch {
		case job.Status == maisync.JobStatusProcessing && job.AssignedBotID == botID && !job.Executing:
			own = append(own, job)
		case job.Status == maisync.JobStatusQueued:
			queued = append(queued, job)
		}
	}
	candidates := own
	if len(candidates) == 0 {
		candidates = queued
	}
	if len(candidates) == 0 {
		return maisync.Job{}, maisync.ErrNoTask
	}
	sortByAge(candidates)

	job := candidates[0]
	job.Status = maisync.JobStatusProcessing
	job.AssignedBotID = botID
	job.Executing = false
	job.ClaimedAt = timePtr(now)
	job.UpdatedAt = now
	s.jobs[job.ID] = job
	return cloneJob(job), nil
}

// StartJob acknowledges a claim.
func (s *JobStore) StartJob(_ context.Context, jobID, botID string, now time.Time) (maisync.Job, error) {
	var out maisync.Job
	err := s.update(jobID, func(job *maisync.Job) error {
		if err := job.HeldBy(botID); err != nil {
			return err
		}
		job.Executing = true
		job.UpdatedAt = now
		out = cloneJob(*job)
		return nil
	})
	return out, err
}

// AdvanceStage moves the job forward one or more stages.
func (s *JobStore) AdvanceStage(
	_ context.Context,
	jobID, botID string,
	from, to maisync.JobStage,
	sentAt *time.Time,
	now time.Time,
) error {
	return s.update(jobID, func(job *maisync.Job) error {
		if err := job.HeldBy(botID); err != nil {
			return err
		}
		done, err := job.CheckAdvance(from, to)
		if err != nil || done {
			return err
		}
		job.Stage = to
		if sentAt != nil {
			job.FriendRequestSentAt = timePtr(*sentAt)
		}
		job.UpdatedAt = now
		return nil
	})
}

// RecordCell marks one grid cell as finished.
func (s *JobStore) RecordCell(_ context.Context, jobID, botID string, cell int, now time.Time) error {
	if _, ok := maisync.CellAt(cell); !ok {
		return fmt.Errorf("cell %d out of range", cell)
	}
	return s.update(jobID, func(job *maisync.Job) error {
		if err := job.HeldBy(botID); err != nil {
			return err
		}
		job.ScoreProgress = job.ScoreProgress.With(cell)
		job.UpdatedAt = now
		return nil
	})
}

// CompleteJob stores the result and finishes the job.
func (s *JobStore) CompleteJob(_ context.Context, jobID, botID string, result maisync.JobResult, now time.Time) error {
	return s.update(jobID, func(job *maisync.Job) error {
		if err := job.HeldBy(botID); err != nil {
			return err
		}
		res := result
		job.Result = &res
		job.Status = maisync.JobStatusCompleted
		job.Executing = false
		job.UpdatedAt = now
		return nil
	})
}

// FailJob records a failure.
func (s *JobStore) FailJob(_ context.Context, jobID, botID, message string, now time.Time) error {
	return s.update(jobID, func(job *maisync.Job) error {
		if job.Status.Terminal() {
			return maisync.ErrJobTerminal
		}
		if botID != "" && job.AssignedBotID != botID {
			return maisync.ErrClaimConflict
		}
		job.Status = maisync.JobStatusFailed
		job.Error = message
		job.Executing = false
		job.UpdatedAt = now
		return nil
	})
}

// ReleaseJob lets the holder resume the job on a later claim.
func (s *JobStore) ReleaseJob(_ context.Context, jobID, botID string, now time.Time) error {
	return s.update(jobID, func(job *maisync.Job) error {
		if err := job.HeldBy(botID); err != nil {
			return err
		}
		job.Executing = false
		job.UpdatedAt = now
		return nil
	})
}

// CancelJob cancels a job that has not finished.
func (s *JobStore) CancelJob(_ context.Context, jobID string, now time.Time) error {
	return s.update(jobID, func(job *maisync.Job) error {
		if job.Status.Terminal() {
			return maisync.ErrJobTerminal
		}
		job.Status = maisync.JobStatusCanceled
		job.Executing = false
		job.UpdatedAt = now
		return nil
	})
}

// FailJobsForBots fails every unfinished job held by one of botIDs and
// returns them oldest first.
func (s *JobStore) FailJobsForBots(_ context.Context, botIDs []string, message string, now time.Time) ([]maisync.Job, error) {
	if len(botIDs) == 0 {
		return nil, nil
	}
	set := make(map[string]struct{}, len(botIDs))
	for _, id := range botIDs {
		set[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var failed []maisync.Job
	for id, job := range s.jobs {
		if job.Status.Terminal() || job.AssignedBotID == "" {
			continue
		}
		if _, ok := set[job.AssignedBotID]; !ok {
			continue
		}
		job.Status = maisync.JobStatusFailed
		job.Error = message
		job.Executing = false
		job.UpdatedAt = now
		s.jobs[id] = job
		failed = append(failed, cloneJob(job))
	}
	sortByAge(failed)
	return failed, nil
}

func (s *JobStore) update(jobID string, fn func(job *maisync.Job) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return maisync.ErrNotFound
	}
	if err := fn(&job); err != nil {
		return err
	}
	s.jobs[jobID] = job
	return nil
}

func sortByAge(jobs []maisync.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
}

func cloneJob(job maisync.Job) maisync.Job {
	out := job
	out.ScoreProgress.CompletedCells = append([]int{}, job.ScoreProgress.CompletedCells...)
	if job.FriendRequestSentAt != nil {
		out.FriendRequestSentAt = timePtr(*job.FriendRequestSentAt)
	}
	if job.ClaimedAt != nil {
		out.ClaimedAt = timePtr(*job.ClaimedAt)
	}
	if job.Result != nil {
		res := *job.Result
		res.Records = append([]maisync.ScoreRecord(nil), job.Result.Records...)
		out.Result = &res
	}
	return out
}

func timePtr(t time.Time) *time.Time {
	ts := t
	return &ts
}
