package processors

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Almir-ctrl/kp-backend-sub000/internal/store"
)

// SeparationProcessor splits a track into a vocal stem and an instrumental
// stem by shelling out to demucs in two-stems mode.
type SeparationProcessor struct {
	python string
}

func NewSeparationProcessor() *SeparationProcessor {
	return &SeparationProcessor{python: "python3"}
}

func (p *SeparationProcessor) Name() string { return string(store.StageSeparation) }
func (p *SeparationProcessor) Stage() store.Stage { return store.StageSeparation }
func (p *SeparationProcessor) DefaultVariant() string { return "htdemucs" }
func (p *SeparationProcessor) RequiresGPU() bool { return true }
func (p *SeparationProcessor) Dependencies() []store.Stage { return nil }

func (p *SeparationProcessor) Variants() []string {
	return []string{"htdemucs", "htdemucs_ft", "mdx_extra"}
}

func (p *SeparationProcessor) ExpectedOutputs(fileID, variant string, params map[string]any) []string {
	return []string{"vocals.*", "no_vocals.*"}
}

func (p *SeparationProcessor) Process(ctx context.Context, req *Request) (*store.StageOutput, error) {
	req.Progress(15, "loading separation model")

	// demucs writes <out>/<model>/<track>/{vocals,no_vocals}.wav; run it
	// against a scratch dir and copy the stems into the store afterwards.
	tmpDir, err := os.MkdirTemp("", "demucs_*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	args := []string{
		"-m", "demucs",
		"--two-stems", "vocals",
		"-n", req.Variant,
		"-o", tmpDir,
		req.InputPath,
	}
	if output, err := runTool(ctx, p.python, args...); err != nil {
		return nil, fmt.Errorf("demucs error: %w, output: %s", err, output)
	}

	req.Progress(70, "writing stems")

	files := make([]string, 0, 2)
	result := make(map[string]any, 2)
	for _, role := range []string{"vocals", "no_vocals"} {
		srcs, err := filepath.Glob(filepath.Join(tmpDir, req.Variant, "*", role+".*"))
		if err != nil || len(srcs) == 0 {
			return nil, fmt.Errorf("demucs produced no %s stem", role)
		}
		name := role + filepath.Ext(srcs[0])
		if _, err := req.Store.CopyIntoStage(req.FileID, store.StageSeparation, name, srcs[0]); err != nil {
			return nil, fmt.Errorf("failed to store %s stem: %w", role, err)
		}
		files = append(files, name)
		result[role] = name
	}

	req.Progress(95, "separation stems stored")
	slog.Info("Separation completed", "file_id", req.FileID, "variant", req.Variant, "stems", len(files))

	return &store.StageOutput{
		FileID:  req.FileID,
		Stage:   store.StageSeparation,
		Variant: req.Variant,
		Status:  store.StatusCompleted,
		Files:   files,
		Result:  result,
	}, nil
}
