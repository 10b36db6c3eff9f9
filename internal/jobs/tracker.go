// Package jobs tracks in-flight stage executions. Jobs live only in memory;
// completed work is durable through the artifact store, so a restart simply
// rediscovers prior stages from disk.
package jobs

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/Almir-ctrl/kp-backend-sub000/internal/store"
)

// State is the lifecycle position of a job.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateSkipped   State = "skipped"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateSkipped
}

// Job records one stage execution.
type Job struct {
	ID         string      `json:"id"`
	FileID     string      `json:"file_id"`
	Stage      store.Stage `json:"stage"`
	Variant    string      `json:"variant"`
	State      State       `json:"state"`
	Progress   int         `json:"progress"`
	RequestID  string      `json:"request_id,omitempty"`
	Error      string      `json:"error,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

// Tracker owns the live job table.
type Tracker struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{jobs: make(map[string]*Job)}
}

// Begin registers a queued job and returns its snapshot.
func (t *Tracker) Begin(fileID string, stage store.Stage, variant, requestID string) *Job {
	job := &Job{
		ID:        ulid.Make().String(),
		FileID:    fileID,
		Stage:     stage,
		Variant:   variant,
		State:     StateQueued,
		RequestID: requestID,
		CreatedAt: time.Now().UTC(),
	}
	t.mu.Lock()
	t.jobs[job.ID] = job
	t.mu.Unlock()

	slog.Debug("Job created", "job_id", job.ID, "file_id", fileID, "stage", stage, "request_id", requestID)
	return copyJob(job)
}

// MarkRunning transitions a job to running and stamps its start time.
func (t *Tracker) MarkRunning(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[jobID]
	if !ok {
		return
	}
	now := time.Now().UTC()
	job.State = StateRunning
	job.StartedAt = &now
}

// SetProgress raises a job's progress. Lower values are ignored so progress
// never runs backwards within a single execution.
func (t *Tracker) SetProgress(jobID string, progress int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[jobID]
	if !ok {
		return
	}
	if progress > job.Progress {
		job.Progress = progress
	}
}

// Finish moves a job to a terminal state.
func (t *Tracker) Finish(jobID string, state State, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[jobID]
	if !ok {
		return
	}
	now := time.Now().UTC()
	job.State = state
	job.Progress = 100
	job.Error = errMsg
	job.FinishedAt = &now
}

// Get returns a snapshot of one job.
func (t *Tracker) Get(jobID string) (*Job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	job, ok := t.jobs[jobID]
	if !ok {
		return nil, false
	}
	return copyJob(job), true
}

// ForFile returns snapshots of all jobs for a file, oldest first.
func (t *Tracker) ForFile(fileID string) []*Job {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*Job
	for _, job := range t.jobs {
		if job.FileID == fileID {
			out = append(out, copyJob(job))
		}
	}
	sortJobs(out)
	return out
}

// Snapshot returns copies of every tracked job, oldest first.
func (t *Tracker) Snapshot() []*Job {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Job, 0, len(t.jobs))
	for _, job := range t.jobs {
		out = append(out, copyJob(job))
	}
	sortJobs(out)
	return out
}

// CleanupFinished evicts terminal jobs older than maxAge and returns how
// many were removed.
func (t *Tracker) CleanupFinished(maxAge time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxAge)
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, job := range t.jobs {
		if job.State.Terminal() && job.FinishedAt != nil && job.FinishedAt.Before(cutoff) {
			delete(t.jobs, id)
			removed++
		}
	}
	return removed
}

// StartJanitor sweeps finished jobs on an interval until ctx is cancelled.
func (t *Tracker) StartJanitor(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := t.CleanupFinished(maxAge); removed > 0 {
					slog.Debug("Evicted finished jobs", "count", removed)
				}
			}
		}
	}()
}

func copyJob(job *Job) *Job {
	dup := *job
	if job.StartedAt != nil {
		started := *job.StartedAt
		dup.StartedAt = &started
	}
	if job.FinishedAt != nil {
		finished := *job.FinishedAt
		dup.FinishedAt = &finished
	}
	return &dup
}

func sortJobs(jobs []*Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			// ULIDs are lexically ordered by creation time.
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}
