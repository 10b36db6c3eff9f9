package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Almir-ctrl/kp-backend-sub000/internal/store"
)

func TestJobLifecycle(t *testing.T) {
	tracker := NewTracker()

	job := tracker.Begin("file-1", store.StageSeparation, "htdemucs", "req-1")
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, StateQueued, job.State)
	assert.Equal(t, "req-1", job.RequestID)
	assert.Nil(t, job.StartedAt)

	tracker.MarkRunning(job.ID)
	tracker.SetProgress(job.ID, 40)

	got, ok := tracker.Get(job.ID)
	assert.True(t, ok)
	assert.Equal(t, StateRunning, got.State)
	assert.Equal(t, 40, got.Progress)
	assert.NotNil(t, got.StartedAt)

	tracker.Finish(job.ID, StateCompleted, "")

	got, ok = tracker.Get(job.ID)
	assert.True(t, ok)
	assert.Equal(t, StateCompleted, got.State)
	assert.Equal(t, 100, got.Progress)
	assert.NotNil(t, got.FinishedAt)
}

func TestProgressNeverRegresses(t *testing.T) {
	tracker := NewTracker()
	job := tracker.Begin("file-1", store.StageTranscription, "base", "")

	tracker.SetProgress(job.ID, 60)
	tracker.SetProgress(job.ID, 30)

	got, _ := tracker.Get(job.ID)
	assert.Equal(t, 60, got.Progress)
}

func TestFailureKeepsError(t *testing.T) {
	tracker := NewTracker()
	job := tracker.Begin("file-1", store.StageSeparation, "htdemucs", "")

	tracker.Finish(job.ID, StateFailed, "demucs exited with status 1")

	got, _ := tracker.Get(job.ID)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, "demucs exited with status 1", got.Error)
	assert.True(t, got.State.Terminal())
}

func TestForFileReturnsCopies(t *testing.T) {
	tracker := NewTracker()
	first := tracker.Begin("file-1", store.StageSeparation, "htdemucs", "")
	tracker.Begin("file-2", store.StageSeparation, "htdemucs", "")
	second := tracker.Begin("file-1", store.StageTranscription, "base", "")

	listed := tracker.ForFile("file-1")
	assert.Len(t, listed, 2)
	assert.Equal(t, first.ID, listed[0].ID)
	assert.Equal(t, second.ID, listed[1].ID)

	// Mutating the snapshot must not leak into the tracker.
	listed[0].State = StateFailed
	got, _ := tracker.Get(first.ID)
	assert.Equal(t, StateQueued, got.State)
}

func TestCleanupFinished(t *testing.T) {
	tracker := NewTracker()

	old := tracker.Begin("file-1", store.StageSeparation, "htdemucs", "")
	tracker.Finish(old.ID, StateCompleted, "")
	// Backdate the finish so the sweep sees it as stale.
	tracker.mu.Lock()
	past := time.Now().UTC().Add(-2 * time.Hour)
	tracker.jobs[old.ID].FinishedAt = &past
	tracker.mu.Unlock()

	fresh := tracker.Begin("file-2", store.StageSeparation, "htdemucs", "")
	running := tracker.Begin("file-3", store.StageSeparation, "htdemucs", "")
	tracker.MarkRunning(running.ID)

	removed := tracker.CleanupFinished(time.Hour)

	assert.Equal(t, 1, removed)
	_, ok := tracker.Get(old.ID)
	assert.False(t, ok)
	_, ok = tracker.Get(fresh.ID)
	assert.True(t, ok)
	_, ok = tracker.Get(running.ID)
	assert.True(t, ok)
}
