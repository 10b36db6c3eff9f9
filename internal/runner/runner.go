// Package runner drives stage execution: it owns the queued to terminal
// lifecycle of every processing run and is the only writer of progress
// events and job records.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"golang.org/x/sync/singleflight"

	"github.com/Almir-ctrl/kp-backend-sub000/internal/gpu"
	"github.com/Almir-ctrl/kp-backend-sub000/internal/jobs"
	"github.com/Almir-ctrl/kp-backend-sub000/internal/processors"
	"github.com/Almir-ctrl/kp-backend-sub000/internal/progress"
	"github.com/Almir-ctrl/kp-backend-sub000/internal/store"
)

// StageRequest is one dispatch of a model against an uploaded file.
type StageRequest struct {
	FileID    string
	Model     string
	Variant   string
	Params    map[string]any
	RequestID string

	// Force reruns the stage even when its outputs are already on disk.
	Force bool
}

// Runner executes stages with cache short-circuiting, GPU admission and
// per-file deduplication.
type Runner struct {
	store    *store.Store
	registry *processors.Registry
	bus      *progress.Bus
	tracker  *jobs.Tracker
	prober   gpu.Prober

	// heavy bounds concurrent GPU stage executions; light bounds the rest.
	heavy chan struct{}
	light chan struct{}
	group singleflight.Group
}

// New builds a runner. heavyWorkers bounds simultaneous GPU stages and is
// clamped to at least one.
func New(st *store.Store, registry *processors.Registry, bus *progress.Bus, tracker *jobs.Tracker, prober gpu.Prober, heavyWorkers int) *Runner {
	if heavyWorkers < 1 {
		heavyWorkers = 1
	}
	return &Runner{
		store:    st,
		registry: registry,
		bus:      bus,
		tracker:  tracker,
		prober:   prober,
		heavy:    make(chan struct{}, heavyWorkers),
		light:    make(chan struct{}, runtime.NumCPU()),
	}
}

// Run executes one stage to completion and returns its output. Concurrent
// dispatches of the same file and stage join the in-flight run and share
// its result; the caller going away does not cancel a run other callers
// may be waiting on.
func (r *Runner) Run(ctx context.Context, req *StageRequest) (*store.StageOutput, error) {
	proc, err := r.registry.Get(req.Model)
	if err != nil {
		return nil, err
	}
	variant, err := processors.ResolveVariant(proc, req.Variant)
	if err != nil {
		return nil, err
	}

	workCtx := context.WithoutCancel(ctx)
	key := req.FileID + "/" + string(proc.Stage())
	v, err, shared := r.group.Do(key, func() (any, error) {
		return r.runStage(workCtx, proc, variant, req)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		slog.Debug("Joined in-flight stage run", "file_id", req.FileID, "stage", proc.Stage())
	}
	return v.(*store.StageOutput), nil
}

// RunChain dispatches the given stages in order with default variants. A
// failed stage does not stop the chain; independent stages still run, but
// stages reading a failed stage's output are skipped rather than
// dispatched to fail.
func (r *Runner) RunChain(ctx context.Context, fileID, requestID string, stages []string) {
	failed := make(map[store.Stage]bool)
	for _, name := range stages {
		proc, err := r.registry.Get(name)
		if err != nil {
			slog.Error("Auto-process stage unknown", "file_id", fileID, "stage", name)
			continue
		}
		skipped := false
		for _, dep := range proc.Dependencies() {
			if failed[dep] {
				slog.Warn("Skipping auto-process stage, dependency failed",
					"file_id", fileID, "stage", name, "dependency", dep)
				failed[proc.Stage()] = true
				skipped = true
				break
			}
		}
		if skipped {
			continue
		}
		if _, err := r.Run(ctx, &StageRequest{FileID: fileID, Model: name, RequestID: requestID}); err != nil {
			failed[proc.Stage()] = true
			slog.Error("Auto-process stage failed", "file_id", fileID, "stage", name, "error", err)
		}
	}
}

func (r *Runner) runStage(ctx context.Context, proc processors.Processor, variant string, req *StageRequest) (*store.StageOutput, error) {
	stage := proc.Stage()
	fileID := req.FileID

	inputPath, err := r.store.FindUpload(fileID)
	if err != nil {
		return nil, err
	}

	patterns := proc.ExpectedOutputs(fileID, variant, req.Params)

	if !req.Force {
		if complete, markers := r.store.MarkersPresent(fileID, stage, patterns); complete {
			out, rerr := r.store.ReadStageOutput(fileID, stage)
			if rerr == nil {
				out.Skipped = true
				if len(markers) > 0 {
					out.ExistingOutput = markers[0]
				}
				job := r.tracker.Begin(fileID, stage, variant, req.RequestID)
				r.tracker.Finish(job.ID, jobs.StateSkipped, "")
				r.publish(fileID, stage, req.RequestID, 100, fmt.Sprintf("%s output already exists, skipping", stage), "")
				slog.Info("Stage output cached, skipping", "file_id", fileID, "stage", stage)
				return out, nil
			}
			slog.Warn("Cached stage output unreadable, reprocessing",
				"file_id", fileID, "stage", stage, "error", rerr)
		}
	}

	if proc.RequiresGPU() {
		if status := r.prober.Probe(ctx); !status.Available {
			return nil, processors.ErrGPURequired
		}
	}

	deps := make(map[store.Stage]*store.StageOutput, len(proc.Dependencies()))
	for _, depStage := range proc.Dependencies() {
		if !r.store.StageComplete(fileID, depStage) {
			return nil, processors.MissingDependency(stage, depStage)
		}
		depOut, derr := r.store.ReadStageOutput(fileID, depStage)
		if derr != nil {
			return nil, fmt.Errorf("failed to load %s output: %w", depStage, derr)
		}
		deps[depStage] = depOut
	}

	job := r.tracker.Begin(fileID, stage, variant, req.RequestID)
	r.publish(fileID, stage, req.RequestID, 0, fmt.Sprintf("%s queued", stage), "")

	slot := r.light
	if proc.RequiresGPU() {
		slot = r.heavy
	}
	select {
	case slot <- struct{}{}:
		defer func() { <-slot }()
	case <-ctx.Done():
		r.tracker.Finish(job.ID, jobs.StateFailed, ctx.Err().Error())
		return nil, ctx.Err()
	}

	r.tracker.MarkRunning(job.ID)
	r.publish(fileID, stage, req.RequestID, 10, fmt.Sprintf("starting %s", stage), "")
	slog.Info("Stage started", "file_id", fileID, "stage", stage, "variant", variant, "job_id", job.ID)

	// Processor percentages are clamped into the 10..99 band and never
	// regress; 0 and 100 stay reserved for the runner's own bookends.
	last := 10
	sink := func(percent int, message string) {
		if percent < last {
			percent = last
		}
		if percent > 99 {
			percent = 99
		}
		last = percent
		r.tracker.SetProgress(job.ID, percent)
		r.publish(fileID, stage, req.RequestID, percent, message, "")
	}

	out, perr := proc.Process(ctx, &processors.Request{
		FileID:       fileID,
		InputPath:    inputPath,
		Variant:      variant,
		Params:       req.Params,
		Progress:     sink,
		Dependencies: deps,
		Store:        r.store,
	})
	if perr != nil {
		r.store.RemoveStageOutputs(fileID, stage, patterns)
		r.tracker.Finish(job.ID, jobs.StateFailed, perr.Error())
		r.publish(fileID, stage, req.RequestID, 100, fmt.Sprintf("%s failed", stage), perr.Error())
		slog.Error("Stage failed", "file_id", fileID, "stage", stage, "error", perr)

		var pre *processors.PreconditionError
		if errors.As(perr, &pre) || errors.Is(perr, processors.ErrGPURequired) {
			return nil, perr
		}
		return nil, &processors.ProcessError{Stage: stage, Err: perr}
	}

	r.tracker.Finish(job.ID, jobs.StateCompleted, "")
	r.publish(fileID, stage, req.RequestID, 100, fmt.Sprintf("%s completed", stage), "")
	slog.Info("Stage completed", "file_id", fileID, "stage", stage, "variant", variant, "files", len(out.Files))
	return out, nil
}

func (r *Runner) publish(fileID string, stage store.Stage, requestID string, percent int, message, errMsg string) {
	r.bus.Publish(progress.Event{
		FileID:    fileID,
		Stage:     stage,
		Progress:  percent,
		Message:   message,
		Error:     errMsg,
		RequestID: requestID,
	})
}
