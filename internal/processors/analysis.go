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

const defaultAnalysisTask = "describe"

// AnalysisProcessor asks an audio-capable language model about the track.
// Inference runs in the kp_audio_tools Python sidecar; one run answers one
// task (describe, genre, mood, instruments) so repeated tasks each get
// their own artifact.
type AnalysisProcessor struct {
	python string
}

func NewAnalysisProcessor() *AnalysisProcessor {
	return &AnalysisProcessor{python: "python3"}
}

func (p *AnalysisProcessor) Name() string { return string(store.StageAnalysis) }
func (p *AnalysisProcessor) Stage() store.Stage { return store.StageAnalysis }
func (p *AnalysisProcessor) DefaultVariant() string { return "gemma-2-9b" }
func (p *AnalysisProcessor) RequiresGPU() bool { return true }
func (p *AnalysisProcessor) Dependencies() []store.Stage { return nil }

func (p *AnalysisProcessor) Variants() []string {
	return []string{"gemma-2-9b", "qwen2-audio"}
}

func (p *AnalysisProcessor) ExpectedOutputs(fileID, variant string, params map[string]any) []string {
	task := stringParam(params, "task", defaultAnalysisTask)
	return []string{fmt.Sprintf("analysis_%s_%s.json", variant, task)}
}

func (p *AnalysisProcessor) Process(ctx context.Context, req *Request) (*store.StageOutput, error) {
	task := stringParam(req.Params, "task", defaultAnalysisTask)

	req.Progress(15, "loading analysis model")

	tmpDir, err := os.MkdirTemp("", "analysis_*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)
	resultPath := filepath.Join(tmpDir, "result.json")

	req.Progress(40, fmt.Sprintf("running %s task", task))

	args := []string{
		"-m", "kp_audio_tools.analyze",
		"--model", req.Variant,
		"--task", task,
		"--input", req.InputPath,
		"--output", resultPath,
	}
	if output, err := runTool(ctx, p.python, args...); err != nil {
		return nil, fmt.Errorf("analysis error: %w, output: %s", err, output)
	}

	raw, err := os.ReadFile(resultPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read analysis result: %w", err)
	}
	var result map[string]any
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to parse analysis result: %w", err)
	}
	result["model"] = req.Variant
	result["task"] = task

	req.Progress(85, "writing analysis")

	encoded, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode analysis result: %w", err)
	}
	name := fmt.Sprintf("analysis_%s_%s.json", req.Variant, task)
	if _, err := req.Store.WriteStageFile(req.FileID, store.StageAnalysis, name, encoded); err != nil {
		return nil, fmt.Errorf("failed to write analysis result: %w", err)
	}

	slog.Info("Analysis completed", "file_id", req.FileID, "variant", req.Variant, "task", task)

	return &store.StageOutput{
		FileID:  req.FileID,
		Stage:   store.StageAnalysis,
		Variant: req.Variant,
		Status:  store.StatusCompleted,
		Files:   []string{name},
		Result:  result,
	}, nil
}
