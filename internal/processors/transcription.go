package processors

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/Almir-ctrl/kp-backend-sub000/internal/store"
)

// TranscriptionProcessor produces lyrics for a track by shelling out to
// whisper. The plain-text transcript is the stage marker; the segment
// timings go into a JSON sidecar that karaoke assembly prefers over
// uniform line spacing.
type TranscriptionProcessor struct {
	python string
}

func NewTranscriptionProcessor() *TranscriptionProcessor {
	return &TranscriptionProcessor{python: "python3"}
}

func (p *TranscriptionProcessor) Name() string { return string(store.StageTranscription) }
func (p *TranscriptionProcessor) Stage() store.Stage { return store.StageTranscription }
func (p *TranscriptionProcessor) DefaultVariant() string { return "base" }
func (p *TranscriptionProcessor) RequiresGPU() bool { return true }
func (p *TranscriptionProcessor) Dependencies() []store.Stage { return nil }

func (p *TranscriptionProcessor) Variants() []string {
	return []string{"tiny", "base", "small", "medium", "large-v3"}
}

func (p *TranscriptionProcessor) ExpectedOutputs(fileID, variant string, params map[string]any) []string {
	return []string{fmt.Sprintf("transcription_%s.txt", variant)}
}

type whisperSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type whisperResult struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Segments []whisperSegment `json:"segments"`
}

func (p *TranscriptionProcessor) Process(ctx context.Context, req *Request) (*store.StageOutput, error) {
	req.Progress(15, "loading whisper model")

	tmpDir, err := os.MkdirTemp("", "whisper_*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	req.Progress(30, "transcribing audio")

	args := []string{
		"-m", "whisper",
		req.InputPath,
		"--model", req.Variant,
		"--output_dir", tmpDir,
		"--output_format", "json",
	}
	if lang := stringParam(req.Params, "language", ""); lang != "" {
		args = append(args, "--language", lang)
	}
	if output, err := runTool(ctx, p.python, args...); err != nil {
		return nil, fmt.Errorf("whisper error: %w, output: %s", err, output)
	}

	matches, err := filepath.Glob(filepath.Join(tmpDir, "*.json"))
	if err != nil || len(matches) == 0 {
		return nil, fmt.Errorf("whisper produced no transcript")
	}
	raw, err := os.ReadFile(matches[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}
	var parsed whisperResult
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse transcript: %w", err)
	}

	req.Progress(80, "writing transcript")

	text := strings.TrimSpace(parsed.Text)
	txtName := fmt.Sprintf("transcription_%s.txt", req.Variant)
	if _, err := req.Store.WriteStageFile(req.FileID, store.StageTranscription, txtName, []byte(text)); err != nil {
		return nil, fmt.Errorf("failed to write transcript: %w", err)
	}

	detail := map[string]any{
		"language": parsed.Language,
		"segments": parsed.Segments,
	}
	detailJSON, err := json.MarshalIndent(detail, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode transcript detail: %w", err)
	}
	jsonName := fmt.Sprintf("transcription_%s.json", req.Variant)
	if _, err := req.Store.WriteStageFile(req.FileID, store.StageTranscription, jsonName, detailJSON); err != nil {
		return nil, fmt.Errorf("failed to write transcript detail: %w", err)
	}

	slog.Info("Transcription completed", "file_id", req.FileID, "variant", req.Variant,
		"language", parsed.Language, "segments", len(parsed.Segments))

	return &store.StageOutput{
		FileID:  req.FileID,
		Stage:   store.StageTranscription,
		Variant: req.Variant,
		Status:  store.StatusCompleted,
		Files:   []string{txtName, jsonName},
		Result: map[string]any{
			"text":     text,
			"language": parsed.Language,
			"segments": parsed.Segments,
		},
	}, nil
}
