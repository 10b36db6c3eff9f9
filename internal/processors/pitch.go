package processors

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Almir-ctrl/kp-backend-sub000/internal/store"
)

// PitchProcessor estimates key, tempo and tuning. The librosa method runs
// fine on CPU, so pitch is a light stage and skips the GPU gate.
type PitchProcessor struct {
	python string
}

func NewPitchProcessor() *PitchProcessor {
	return &PitchProcessor{python: "python3"}
}

func (p *PitchProcessor) Name() string { return string(store.StagePitch) }
func (p *PitchProcessor) Stage() store.Stage { return store.StagePitch }
func (p *PitchProcessor) DefaultVariant() string { return "librosa" }
func (p *PitchProcessor) RequiresGPU() bool { return false }
func (p *PitchProcessor) Dependencies() []store.Stage { return nil }

func (p *PitchProcessor) Variants() []string {
	return []string{"librosa", "crepe"}
}

func (p *PitchProcessor) ExpectedOutputs(fileID, variant string, params map[string]any) []string {
	return []string{fmt.Sprintf("pitch_analysis_%s.json", variant)}
}

func (p *PitchProcessor) Process(ctx context.Context, req *Request) (*store.StageOutput, error) {
	req.Progress(20, "analyzing pitch")

	tmpDir, err := os.MkdirTemp("", "pitch_*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)
	resultPath := filepath.Join(tmpDir, "result.json")

	args := []string{
		"-m", "kp_audio_tools.pitch",
		"--method", req.Variant,
		"--input", req.InputPath,
		"--output", resultPath,
	}
	if output, err := runTool(ctx, p.python, args...); err != nil {
		return nil, fmt.Errorf("pitch analysis error: %w, output: %s", err, output)
	}

	raw, err := os.ReadFile(resultPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read pitch result: %w", err)
	}
	var result map[string]any
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to parse pitch result: %w", err)
	}
	result["method"] = req.Variant

	req.Progress(85, "writing pitch analysis")

	encoded, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode pitch result: %w", err)
	}
	name := fmt.Sprintf("pitch_analysis_%s.json", req.Variant)
	if _, err := req.Store.WriteStageFile(req.FileID, store.StagePitch, name, encoded); err != nil {
		return nil, fmt.Errorf("failed to write pitch result: %w", err)
	}

	slog.Info("Pitch analysis completed", "file_id", req.FileID, "variant", req.Variant)

	return &store.StageOutput{
		FileID:  req.FileID,
		Stage:   store.StagePitch,
		Variant: req.Variant,
		Status:  store.StatusCompleted,
		Files:   []string{name},
		Result:  result,
	}, nil
}
