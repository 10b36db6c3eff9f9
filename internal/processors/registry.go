package processors

import (
	"log/slog"
	"sort"

	"github.com/Almir-ctrl/kp-backend-sub000/internal/config"
	"github.com/Almir-ctrl/kp-backend-sub000/internal/store"
)

// ModelInfo is the catalog entry served to clients.
type ModelInfo struct {
	Variants    []string `json:"variants"`
	Default     string   `json:"default"`
	RequiresGPU bool     `json:"requires_gpu"`
}

// Registry holds the processor for each model name. It is built once at
// startup and read-only afterwards.
type Registry struct {
	byName map[string]Processor
}

// NewRegistry wires the full processor set. In smoke mode the heavy stages
// are replaced with fast stand-ins that produce structurally valid output,
// so the whole pipeline can run on hardware without the inference
// toolchain. Karaoke assembly is pure Go and runs for real either way.
func NewRegistry(cfg *config.Config, st *store.Store) *Registry {
	r := &Registry{byName: make(map[string]Processor)}

	if cfg.CISmokeMode {
		slog.Info("Smoke mode enabled, registering stub processors")
		r.Register(newStubProcessor(store.StageSeparation))
		r.Register(newStubProcessor(store.StageTranscription))
		r.Register(newStubProcessor(store.StageAnalysis))
		r.Register(newStubProcessor(store.StageGeneration))
		r.Register(newStubProcessor(store.StagePitch))
	} else {
		r.Register(NewSeparationProcessor())
		r.Register(NewTranscriptionProcessor())
		r.Register(NewAnalysisProcessor())
		r.Register(NewGenerationProcessor())
		r.Register(NewPitchProcessor())
	}
	r.Register(NewKaraokeProcessor())
	return r
}

// Register adds a processor under its model name. Later registrations with
// the same name win, which lets tests swap in fakes.
func (r *Registry) Register(p Processor) {
	r.byName[p.Name()] = p
}

// Get looks up a processor by model name.
func (r *Registry) Get(name string) (Processor, error) {
	p, ok := r.byName[name]
	if !ok {
		return nil, &UnknownModelError{Model: name}
	}
	return p, nil
}

// ForStage looks up the processor registered for a stage.
func (r *Registry) ForStage(stage store.Stage) (Processor, error) {
	for _, p := range r.byName {
		if p.Stage() == stage {
			return p, nil
		}
	}
	return nil, &UnknownModelError{Model: string(stage)}
}

// List returns the catalog of registered models. Variant order is the
// order each processor declares, smallest to largest.
func (r *Registry) List() map[string]ModelInfo {
	out := make(map[string]ModelInfo, len(r.byName))
	for name, p := range r.byName {
		out[name] = ModelInfo{
			Variants:    append([]string(nil), p.Variants()...),
			Default:     p.DefaultVariant(),
			RequiresGPU: p.RequiresGPU(),
		}
	}
	return out
}

// Names returns the registered model names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
