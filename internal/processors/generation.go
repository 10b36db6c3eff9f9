package processors

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/Almir-ctrl/kp-backend-sub000/internal/store"
)

const defaultGenerationSeconds = 15.0

// GenerationProcessor renders new audio with musicgen, conditioned on the
// uploaded track's melody and an optional text prompt.
type GenerationProcessor struct {
	python string
}

func NewGenerationProcessor() *GenerationProcessor {
	return &GenerationProcessor{python: "python3"}
}

func (p *GenerationProcessor) Name() string { return string(store.StageGeneration) }
func (p *GenerationProcessor) Stage() store.Stage { return store.StageGeneration }
func (p *GenerationProcessor) DefaultVariant() string { return "musicgen-small" }
func (p *GenerationProcessor) RequiresGPU() bool { return true }
func (p *GenerationProcessor) Dependencies() []store.Stage { return nil }

func (p *GenerationProcessor) Variants() []string {
	return []string{"musicgen-small", "musicgen-medium", "musicgen-large"}
}

func (p *GenerationProcessor) ExpectedOutputs(fileID, variant string, params map[string]any) []string {
	return []string{fmt.Sprintf("generated_%s.wav", variant)}
}

func (p *GenerationProcessor) Process(ctx context.Context, req *Request) (*store.StageOutput, error) {
	prompt := stringParam(req.Params, "prompt", "")
	duration := floatParam(req.Params, "duration", defaultGenerationSeconds)

	req.Progress(15, "loading generation model")

	tmpDir, err := os.MkdirTemp("", "musicgen_*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)
	outPath := filepath.Join(tmpDir, "generated.wav")

	req.Progress(35, "generating audio")

	args := []string{
		"-m", "kp_audio_tools.generate",
		"--model", req.Variant,
		"--melody", req.InputPath,
		"--duration", strconv.FormatFloat(duration, 'f', 1, 64),
		"--output", outPath,
	}
	if prompt != "" {
		args = append(args, "--prompt", prompt)
	}
	if output, err := runTool(ctx, p.python, args...); err != nil {
		return nil, fmt.Errorf("generation error: %w, output: %s", err, output)
	}

	req.Progress(85, "writing generated audio")

	name := fmt.Sprintf("generated_%s.wav", req.Variant)
	if _, err := req.Store.CopyIntoStage(req.FileID, store.StageGeneration, name, outPath); err != nil {
		return nil, fmt.Errorf("failed to store generated audio: %w", err)
	}

	slog.Info("Generation completed", "file_id", req.FileID, "variant", req.Variant,
		"duration_seconds", duration)

	return &store.StageOutput{
		FileID:  req.FileID,
		Stage:   store.StageGeneration,
		Variant: req.Variant,
		Status:  store.StatusCompleted,
		Files:   []string{name},
		Result: map[string]any{
			"file":             name,
			"prompt":           prompt,
			"duration_seconds": duration,
		},
	}, nil
}
