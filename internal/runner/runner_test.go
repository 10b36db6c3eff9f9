package runner

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Almir-ctrl/kp-backend-sub000/internal/config"
	"github.com/Almir-ctrl/kp-backend-sub000/internal/gpu"
	"github.com/Almir-ctrl/kp-backend-sub000/internal/jobs"
	"github.com/Almir-ctrl/kp-backend-sub000/internal/processors"
	"github.com/Almir-ctrl/kp-backend-sub000/internal/progress"
	"github.com/Almir-ctrl/kp-backend-sub000/internal/store"
)

// fakeProcessor is a fully scriptable stage implementation.
type fakeProcessor struct {
	name     string
	stage    store.Stage
	gpu      bool
	deps     []store.Stage
	patterns []string
	process  func(ctx context.Context, req *processors.Request) (*store.StageOutput, error)
	calls    atomic.Int32
}

func (f *fakeProcessor) Name() string { return f.name }
func (f *fakeProcessor) Stage() store.Stage { return f.stage }
func (f *fakeProcessor) Variants() []string { return []string{"fake-v1"} }
func (f *fakeProcessor) DefaultVariant() string { return "fake-v1" }
func (f *fakeProcessor) RequiresGPU() bool { return f.gpu }
func (f *fakeProcessor) Dependencies() []store.Stage { return f.deps }

func (f *fakeProcessor) ExpectedOutputs(fileID, variant string, params map[string]any) []string {
	return f.patterns
}

func (f *fakeProcessor) Process(ctx context.Context, req *processors.Request) (*store.StageOutput, error) {
	f.calls.Add(1)
	return f.process(ctx, req)
}

// completedOutput writes the fake's single artifact and returns a matching
// stage output.
func completedOutput(req *processors.Request, stage store.Stage, name string, content string) (*store.StageOutput, error) {
	if _, err := req.Store.WriteStageFile(req.FileID, stage, name, []byte(content)); err != nil {
		return nil, err
	}
	return &store.StageOutput{
		FileID:  req.FileID,
		Stage:   stage,
		Variant: req.Variant,
		Status:  store.StatusCompleted,
		Files:   []string{name},
	}, nil
}

type testRig struct {
	runner  *Runner
	store   *store.Store
	bus     *progress.Bus
	tracker *jobs.Tracker
}

func newTestRig(t *testing.T, gpuAvailable bool, fakes ...processors.Processor) *testRig {
	t.Helper()
	base := t.TempDir()
	st := store.New(filepath.Join(base, "uploads"), filepath.Join(base, "outputs"), "Karaoke-pjesme")
	if err := st.EnsureDirs(); err != nil {
		t.Fatalf("Failed to create store dirs: %v", err)
	}
	reg := processors.NewRegistry(&config.Config{CISmokeMode: true}, st)
	for _, f := range fakes {
		reg.Register(f)
	}
	bus := progress.NewBus(progress.DefaultQueueSize)
	t.Cleanup(bus.Close)
	tracker := jobs.NewTracker()
	prober := &gpu.StaticProber{Status: gpu.Status{Available: gpuAvailable, GPUCount: 1}}
	return &testRig{
		runner:  New(st, reg, bus, tracker, prober, 2),
		store:   st,
		bus:     bus,
		tracker: tracker,
	}
}

func seedUpload(t *testing.T, st *store.Store, fileID string) {
	t.Helper()
	if _, err := st.WriteUpload(fileID, strings.NewReader("fake-audio-bytes"), ".mp3"); err != nil {
		t.Fatalf("Failed to seed upload: %v", err)
	}
}

// collectEvents drains a subscription until the first terminal event.
func collectEvents(t *testing.T, sub *progress.Subscription) []progress.Event {
	t.Helper()
	var events []progress.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
			if ev.Terminal() {
				return events
			}
		case <-timeout:
			t.Fatalf("Timed out waiting for terminal event, got %d", len(events))
		}
	}
}

func TestRunCompletesStage(t *testing.T) {
	fake := &fakeProcessor{
		name:     "pitch",
		stage:    store.StagePitch,
		patterns: []string{"pitch_analysis_fake-v1.json"},
	}
	fake.process = func(ctx context.Context, req *processors.Request) (*store.StageOutput, error) {
		req.Progress(40, "halfway")
		return completedOutput(req, store.StagePitch, "pitch_analysis_fake-v1.json", `{"key":"C major"}`)
	}

	rig := newTestRig(t, false, fake)
	fileID := "file-complete"
	seedUpload(t, rig.store, fileID)
	sub := rig.bus.Subscribe(fileID)

	out, err := rig.runner.Run(context.Background(), &StageRequest{
		FileID:    fileID,
		Model:     "pitch",
		RequestID: "req-1",
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	assert.Equal(t, store.StatusCompleted, out.Status)
	assert.False(t, out.Skipped)
	assert.True(t, rig.store.StageComplete(fileID, store.StagePitch))

	recorded := rig.tracker.ForFile(fileID)
	if len(recorded) != 1 {
		t.Fatalf("Expected 1 job, got %d", len(recorded))
	}
	assert.Equal(t, jobs.StateCompleted, recorded[0].State)
	assert.Equal(t, 100, recorded[0].Progress)
	assert.Equal(t, "fake-v1", recorded[0].Variant)
	assert.Equal(t, "req-1", recorded[0].RequestID)

	events := collectEvents(t, sub)
	assert.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, 0, events[0].Progress)
	assert.Equal(t, 100, events[len(events)-1].Progress)
	for _, ev := range events {
		assert.Equal(t, "req-1", ev.RequestID)
		assert.Equal(t, store.StagePitch, ev.Stage)
	}
}

func TestRunSkipsWhenCached(t *testing.T) {
	fake := &fakeProcessor{
		name:     "pitch",
		stage:    store.StagePitch,
		patterns: []string{"pitch_analysis_fake-v1.json"},
		process: func(ctx context.Context, req *processors.Request) (*store.StageOutput, error) {
			t.Error("Processor should not run on a cache hit")
			return nil, errors.New("unreachable")
		},
	}

	rig := newTestRig(t, false, fake)
	fileID := "file-cached"
	seedUpload(t, rig.store, fileID)
	if _, err := rig.store.WriteStageFile(fileID, store.StagePitch, "pitch_analysis_fake-v1.json", []byte(`{"key":"A minor"}`)); err != nil {
		t.Fatalf("Failed to seed cached output: %v", err)
	}
	sub := rig.bus.Subscribe(fileID)

	out, err := rig.runner.Run(context.Background(), &StageRequest{FileID: fileID, Model: "pitch"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	assert.True(t, out.Skipped)
	assert.Equal(t, "pitch_analysis_fake-v1.json", out.ExistingOutput)
	assert.Equal(t, store.StatusCompleted, out.Status)
	assert.Equal(t, int32(0), fake.calls.Load())

	recorded := rig.tracker.ForFile(fileID)
	if len(recorded) != 1 {
		t.Fatalf("Expected 1 job, got %d", len(recorded))
	}
	assert.Equal(t, jobs.StateSkipped, recorded[0].State)

	events := collectEvents(t, sub)
	if len(events) != 1 {
		t.Fatalf("Expected a single terminal event, got %d", len(events))
	}
	assert.Equal(t, 100, events[0].Progress)
	assert.Contains(t, events[0].Message, "already exists")
}

func TestRunForceBypassesCache(t *testing.T) {
	fake := &fakeProcessor{
		name:     "pitch",
		stage:    store.StagePitch,
		patterns: []string{"pitch_analysis_fake-v1.json"},
	}
	fake.process = func(ctx context.Context, req *processors.Request) (*store.StageOutput, error) {
		return completedOutput(req, store.StagePitch, "pitch_analysis_fake-v1.json", `{"key":"D"}`)
	}

	rig := newTestRig(t, false, fake)
	fileID := "file-forced"
	seedUpload(t, rig.store, fileID)
	if _, err := rig.store.WriteStageFile(fileID, store.StagePitch, "pitch_analysis_fake-v1.json", []byte(`{"key":"stale"}`)); err != nil {
		t.Fatalf("Failed to seed cached output: %v", err)
	}

	out, err := rig.runner.Run(context.Background(), &StageRequest{FileID: fileID, Model: "pitch", Force: true})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	assert.False(t, out.Skipped)
	assert.Equal(t, int32(1), fake.calls.Load())
}

func TestRunGPUGateRejects(t *testing.T) {
	fake := &fakeProcessor{
		name:     "separation",
		stage:    store.StageSeparation,
		gpu:      true,
		patterns: []string{"vocals.*", "no_vocals.*"},
		process: func(ctx context.Context, req *processors.Request) (*store.StageOutput, error) {
			return nil, errors.New("unreachable")
		},
	}

	rig := newTestRig(t, false, fake)
	fileID := "file-no-gpu"
	seedUpload(t, rig.store, fileID)

	_, err := rig.runner.Run(context.Background(), &StageRequest{FileID: fileID, Model: "separation"})
	assert.True(t, errors.Is(err, processors.ErrGPURequired))
	assert.Equal(t, int32(0), fake.calls.Load())
	assert.Empty(t, rig.tracker.ForFile(fileID))
}

func TestRunMissingDependency(t *testing.T) {
	fake := &fakeProcessor{
		name:     "karaoke",
		stage:    store.StageKaraoke,
		deps:     []store.Stage{store.StageSeparation, store.StageTranscription},
		patterns: []string{"file-no-deps_karaoke.lrc"},
		process: func(ctx context.Context, req *processors.Request) (*store.StageOutput, error) {
			return nil, errors.New("unreachable")
		},
	}

	rig := newTestRig(t, true, fake)
	fileID := "file-no-deps"
	seedUpload(t, rig.store, fileID)

	_, err := rig.runner.Run(context.Background(), &StageRequest{FileID: fileID, Model: "karaoke"})

	var pre *processors.PreconditionError
	if !errors.As(err, &pre) {
		t.Fatalf("Expected precondition error, got %v", err)
	}
	assert.Equal(t, "Vocals not found. Please run separation first.", pre.Message)
	assert.Equal(t, int32(0), fake.calls.Load())
}

func TestRunLoadsDependencies(t *testing.T) {
	fileID := "file-with-deps"
	var seen map[store.Stage]*store.StageOutput

	fake := &fakeProcessor{
		name:     "karaoke",
		stage:    store.StageKaraoke,
		deps:     []store.Stage{store.StageSeparation},
		patterns: []string{fileID + "_karaoke.lrc"},
	}
	fake.process = func(ctx context.Context, req *processors.Request) (*store.StageOutput, error) {
		seen = req.Dependencies
		return completedOutput(req, store.StageKaraoke, fileID+"_karaoke.lrc", "[ti:x]\n")
	}

	rig := newTestRig(t, true, fake)
	seedUpload(t, rig.store, fileID)
	for _, name := range []string{"vocals.wav", "no_vocals.wav"} {
		if _, err := rig.store.WriteStageFile(fileID, store.StageSeparation, name, []byte("stem")); err != nil {
			t.Fatalf("Failed to seed stem: %v", err)
		}
	}

	_, err := rig.runner.Run(context.Background(), &StageRequest{FileID: fileID, Model: "karaoke"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	sep := seen[store.StageSeparation]
	if sep == nil {
		t.Fatal("Separation dependency was not loaded")
	}
	assert.Equal(t, store.StatusCompleted, sep.Status)
	assert.Contains(t, sep.Files, "no_vocals.wav")
}

func TestRunFailureRemovesPartialOutputs(t *testing.T) {
	fake := &fakeProcessor{
		name:     "pitch",
		stage:    store.StagePitch,
		patterns: []string{"pitch_analysis_fake-v1.json"},
	}
	fake.process = func(ctx context.Context, req *processors.Request) (*store.StageOutput, error) {
		if _, err := req.Store.WriteStageFile(req.FileID, store.StagePitch, "pitch_analysis_fake-v1.json", []byte("partial")); err != nil {
			return nil, err
		}
		return nil, errors.New("boom")
	}

	rig := newTestRig(t, false, fake)
	fileID := "file-failing"
	seedUpload(t, rig.store, fileID)
	sub := rig.bus.Subscribe(fileID)

	_, err := rig.runner.Run(context.Background(), &StageRequest{FileID: fileID, Model: "pitch"})

	var procErr *processors.ProcessError
	if !errors.As(err, &procErr) {
		t.Fatalf("Expected process error, got %v", err)
	}
	assert.Equal(t, store.StagePitch, procErr.Stage)

	// Partial output must not satisfy a later cache check.
	assert.False(t, rig.store.StageComplete(fileID, store.StagePitch))

	recorded := rig.tracker.ForFile(fileID)
	if len(recorded) != 1 {
		t.Fatalf("Expected 1 job, got %d", len(recorded))
	}
	assert.Equal(t, jobs.StateFailed, recorded[0].State)
	assert.Contains(t, recorded[0].Error, "boom")

	events := collectEvents(t, sub)
	final := events[len(events)-1]
	assert.Equal(t, 100, final.Progress)
	assert.Contains(t, final.Error, "boom")
}

func TestRunProgressMonotonic(t *testing.T) {
	fake := &fakeProcessor{
		name:     "pitch",
		stage:    store.StagePitch,
		patterns: []string{"pitch_analysis_fake-v1.json"},
	}
	fake.process = func(ctx context.Context, req *processors.Request) (*store.StageOutput, error) {
		req.Progress(50, "fifty")
		req.Progress(30, "late and low")
		req.Progress(150, "overshoot")
		return completedOutput(req, store.StagePitch, "pitch_analysis_fake-v1.json", "{}")
	}

	rig := newTestRig(t, false, fake)
	fileID := "file-progress"
	seedUpload(t, rig.store, fileID)
	sub := rig.bus.Subscribe(fileID)

	if _, err := rig.runner.Run(context.Background(), &StageRequest{FileID: fileID, Model: "pitch"}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	events := collectEvents(t, sub)
	prev := -1
	for _, ev := range events {
		assert.GreaterOrEqual(t, ev.Progress, prev, "progress regressed: %+v", events)
		prev = ev.Progress
	}
	assert.Equal(t, 100, prev)
	// The overshoot call must have been clamped below the terminal value.
	for _, ev := range events[:len(events)-1] {
		assert.Less(t, ev.Progress, 100)
	}
}

func TestRunDuplicateDispatchShares(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	fake := &fakeProcessor{
		name:     "pitch",
		stage:    store.StagePitch,
		patterns: []string{"pitch_analysis_fake-v1.json"},
	}
	fake.process = func(ctx context.Context, req *processors.Request) (*store.StageOutput, error) {
		once.Do(func() { close(started) })
		<-release
		return completedOutput(req, store.StagePitch, "pitch_analysis_fake-v1.json", "{}")
	}

	rig := newTestRig(t, false, fake)
	fileID := "file-duplicate"
	seedUpload(t, rig.store, fileID)

	type result struct {
		out *store.StageOutput
		err error
	}
	results := make(chan result, 2)
	run := func() {
		out, err := rig.runner.Run(context.Background(), &StageRequest{FileID: fileID, Model: "pitch"})
		results <- result{out, err}
	}

	go run()
	<-started
	go run()
	time.Sleep(100 * time.Millisecond)
	close(release)

	first := <-results
	second := <-results
	if first.err != nil || second.err != nil {
		t.Fatalf("Run failed: %v / %v", first.err, second.err)
	}
	assert.Equal(t, int32(1), fake.calls.Load())
	assert.Same(t, first.out, second.out)
}

func TestRunUnknownModel(t *testing.T) {
	rig := newTestRig(t, true)

	_, err := rig.runner.Run(context.Background(), &StageRequest{FileID: "f", Model: "remix"})

	var unknown *processors.UnknownModelError
	assert.True(t, errors.As(err, &unknown))
}

func TestRunUnknownVariant(t *testing.T) {
	rig := newTestRig(t, true)

	_, err := rig.runner.Run(context.Background(), &StageRequest{FileID: "f", Model: "pitch", Variant: "bogus"})

	var unknown *processors.UnknownVariantError
	assert.True(t, errors.As(err, &unknown))
}

func TestRunUploadMissing(t *testing.T) {
	rig := newTestRig(t, true)

	_, err := rig.runner.Run(context.Background(), &StageRequest{FileID: "ghost", Model: "pitch"})
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestRunChainContinuesPastFailure(t *testing.T) {
	sep := &fakeProcessor{
		name:     "separation",
		stage:    store.StageSeparation,
		patterns: []string{"vocals.*", "no_vocals.*"},
		process: func(ctx context.Context, req *processors.Request) (*store.StageOutput, error) {
			return nil, errors.New("model crashed")
		},
	}
	trans := &fakeProcessor{
		name:     "transcription",
		stage:    store.StageTranscription,
		patterns: []string{"transcription_fake-v1.txt"},
	}
	trans.process = func(ctx context.Context, req *processors.Request) (*store.StageOutput, error) {
		return completedOutput(req, store.StageTranscription, "transcription_fake-v1.txt", "words")
	}
	karaoke := &fakeProcessor{
		name:     "karaoke",
		stage:    store.StageKaraoke,
		deps:     []store.Stage{store.StageSeparation, store.StageTranscription},
		patterns: []string{"file-chain_karaoke.lrc"},
		process: func(ctx context.Context, req *processors.Request) (*store.StageOutput, error) {
			return nil, errors.New("unreachable")
		},
	}

	rig := newTestRig(t, true, sep, trans, karaoke)
	fileID := "file-chain"
	seedUpload(t, rig.store, fileID)

	rig.runner.RunChain(context.Background(), fileID, "req-chain", []string{"separation", "transcription", "karaoke"})

	// Transcription is independent of separation and still runs; karaoke
	// reads the failed separation output and is never dispatched.
	assert.Equal(t, int32(1), sep.calls.Load())
	assert.Equal(t, int32(1), trans.calls.Load())
	assert.Equal(t, int32(0), karaoke.calls.Load())
	assert.True(t, rig.store.StageComplete(fileID, store.StageTranscription))

	states := map[jobs.State]int{}
	for _, job := range rig.tracker.ForFile(fileID) {
		states[job.State]++
	}
	assert.Equal(t, 1, states[jobs.StateFailed])
	assert.Equal(t, 1, states[jobs.StateCompleted])
}
