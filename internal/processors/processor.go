// Package processors defines the polymorphic stage worker interface and the
// production implementations that shell out to the inference toolchain. The
// heavy lifting (demucs, whisper, the analysis sidecar) happens in external
// processes; processors translate between those tools and the artifact
// store.
package processors

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/Almir-ctrl/kp-backend-sub000/internal/store"
)

// ErrGPURequired is returned when a GPU-only model is dispatched on a
// machine without one. Heavy stages never fall back to CPU.
var ErrGPURequired = errors.New("GPU required but unavailable")

// UnknownModelError names a model that is not registered.
type UnknownModelError struct {
	Model string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("unknown model %q", e.Model)
}

// UnknownVariantError names a variant the model does not accept.
type UnknownVariantError struct {
	Model   string
	Variant string
}

func (e *UnknownVariantError) Error() string {
	return fmt.Sprintf("unknown variant %q for model %q", e.Variant, e.Model)
}

// PreconditionError reports a stage dispatched before the stages it reads
// from have completed.
type PreconditionError struct {
	Stage   store.Stage
	Missing []store.Stage
	Message string
}

func (e *PreconditionError) Error() string {
	return e.Message
}

// MissingDependency builds the client-facing error for a stage whose input
// stage has not run yet. The separation wording is load-bearing; the
// frontend matches on it.
func MissingDependency(stage, missing store.Stage) *PreconditionError {
	var msg string
	switch missing {
	case store.StageSeparation:
		msg = "Vocals not found. Please run separation first."
	case store.StageTranscription:
		msg = "Transcription not found. Please run transcription first."
	default:
		msg = fmt.Sprintf("%s output not found. Please run %s first.", missing, missing)
	}
	return &PreconditionError{Stage: stage, Missing: []store.Stage{missing}, Message: msg}
}

// ProcessError wraps a failure inside a processor run.
type ProcessError struct {
	Stage store.Stage
	Err   error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("%s processor failed: %v", e.Stage, e.Err)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// Request carries everything a processor needs for one run.
type Request struct {
	FileID    string
	InputPath string
	Variant   string
	Params    map[string]any

	// Progress streams intermediate percent/message pairs to subscribers.
	// Never nil; processors may call it at any cadence.
	Progress func(percent int, message string)

	// Dependencies holds outputs of prior stages this one reads, keyed by
	// stage. The runner fills it after its precondition check.
	Dependencies map[store.Stage]*store.StageOutput

	Store *store.Store
}

// Processor is one stage implementation.
type Processor interface {
	Name() string
	Stage() store.Stage
	Variants() []string
	DefaultVariant() string
	RequiresGPU() bool

	// Dependencies lists stages whose completed output this one reads.
	// The runner rejects a run (and loads Request.Dependencies) based on
	// this, in order.
	Dependencies() []store.Stage

	// ExpectedOutputs returns the glob patterns (relative to the stage's
	// output directory) for the artifacts a run with this variant produces.
	// They double as the cache key and the failure-cleanup scope.
	ExpectedOutputs(fileID, variant string, params map[string]any) []string

	Process(ctx context.Context, req *Request) (*store.StageOutput, error)
}

// ResolveVariant picks the effective variant for a request: empty means the
// model default, anything else must be one the model declares.
func ResolveVariant(p Processor, requested string) (string, error) {
	if requested == "" {
		return p.DefaultVariant(), nil
	}
	for _, v := range p.Variants() {
		if v == requested {
			return v, nil
		}
	}
	return "", &UnknownVariantError{Model: p.Name(), Variant: requested}
}

// stringParam reads an optional string parameter.
func stringParam(params map[string]any, key, fallback string) string {
	if params == nil {
		return fallback
	}
	if raw, ok := params[key]; ok {
		if s, ok := raw.(string); ok && s != "" {
			return s
		}
	}
	return fallback
}

// floatParam reads an optional numeric parameter; JSON numbers arrive as
// float64 but string forms are tolerated too.
func floatParam(params map[string]any, key string, fallback float64) float64 {
	if params == nil {
		return fallback
	}
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return fallback
}
