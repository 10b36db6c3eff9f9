package processors

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Almir-ctrl/kp-backend-sub000/internal/store"
)

// stubProcessor stands in for a heavy stage in smoke mode. It carries the
// production processor's catalog (name, variants, outputs) but writes small
// fixture artifacts instead of running inference, so the full pipeline is
// exercisable on any machine.
type stubProcessor struct {
	inner Processor
}

func newStubProcessor(stage store.Stage) *stubProcessor {
	var inner Processor
	switch stage {
	case store.StageSeparation:
		inner = NewSeparationProcessor()
	case store.StageTranscription:
		inner = NewTranscriptionProcessor()
	case store.StageAnalysis:
		inner = NewAnalysisProcessor()
	case store.StageGeneration:
		inner = NewGenerationProcessor()
	case store.StagePitch:
		inner = NewPitchProcessor()
	default:
		panic(fmt.Sprintf("no stub for stage %s", stage))
	}
	return &stubProcessor{inner: inner}
}

func (p *stubProcessor) Name() string { return p.inner.Name() }
func (p *stubProcessor) Stage() store.Stage { return p.inner.Stage() }
func (p *stubProcessor) Variants() []string { return p.inner.Variants() }
func (p *stubProcessor) DefaultVariant() string { return p.inner.DefaultVariant() }
func (p *stubProcessor) Dependencies() []store.Stage { return p.inner.Dependencies() }

// RequiresGPU is always false for stubs; smoke runs must pass the GPU gate
// on machines without one.
func (p *stubProcessor) RequiresGPU() bool { return false }

func (p *stubProcessor) ExpectedOutputs(fileID, variant string, params map[string]any) []string {
	return p.inner.ExpectedOutputs(fileID, variant, params)
}

var stubLyrics = []whisperSegment{
	{Start: 0.0, End: 3.2, Text: "Walking down an empty street"},
	{Start: 3.2, End: 6.8, Text: "Counting every beat"},
	{Start: 6.8, End: 10.4, Text: "Singing to the morning light"},
	{Start: 10.4, End: 14.0, Text: "Everything will be alright"},
}

func (p *stubProcessor) Process(ctx context.Context, req *Request) (*store.StageOutput, error) {
	req.Progress(30, fmt.Sprintf("simulating %s", p.Name()))

	out := &store.StageOutput{
		FileID:  req.FileID,
		Stage:   p.Stage(),
		Variant: req.Variant,
		Status:  store.StatusCompleted,
	}

	switch p.Stage() {
	case store.StageSeparation:
		wav := stubWAV()
		result := make(map[string]any, 2)
		for _, role := range []string{"vocals", "no_vocals"} {
			name := role + ".wav"
			if _, err := req.Store.WriteStageFile(req.FileID, store.StageSeparation, name, wav); err != nil {
				return nil, fmt.Errorf("failed to write stub stem: %w", err)
			}
			out.Files = append(out.Files, name)
			result[role] = name
		}
		out.Result = result

	case store.StageTranscription:
		var text strings.Builder
		for _, seg := range stubLyrics {
			text.WriteString(seg.Text)
			text.WriteString("\n")
		}
		txtName := fmt.Sprintf("transcription_%s.txt", req.Variant)
		if _, err := req.Store.WriteStageFile(req.FileID, store.StageTranscription, txtName, []byte(strings.TrimSpace(text.String()))); err != nil {
			return nil, fmt.Errorf("failed to write stub transcript: %w", err)
		}
		detail, err := json.MarshalIndent(map[string]any{
			"language": "en",
			"segments": stubLyrics,
		}, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to encode stub transcript detail: %w", err)
		}
		jsonName := fmt.Sprintf("transcription_%s.json", req.Variant)
		if _, err := req.Store.WriteStageFile(req.FileID, store.StageTranscription, jsonName, detail); err != nil {
			return nil, fmt.Errorf("failed to write stub transcript detail: %w", err)
		}
		out.Files = []string{txtName, jsonName}
		out.Result = map[string]any{
			"text":     strings.TrimSpace(text.String()),
			"language": "en",
			"segments": stubLyrics,
		}

	case store.StageAnalysis:
		task := stringParam(req.Params, "task", defaultAnalysisTask)
		result := map[string]any{
			"model":   req.Variant,
			"task":    task,
			"summary": "Mid-tempo test track with a simple four-line verse.",
		}
		encoded, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to encode stub analysis: %w", err)
		}
		name := fmt.Sprintf("analysis_%s_%s.json", req.Variant, task)
		if _, err := req.Store.WriteStageFile(req.FileID, store.StageAnalysis, name, encoded); err != nil {
			return nil, fmt.Errorf("failed to write stub analysis: %w", err)
		}
		out.Files = []string{name}
		out.Result = result

	case store.StageGeneration:
		name := fmt.Sprintf("generated_%s.wav", req.Variant)
		if _, err := req.Store.WriteStageFile(req.FileID, store.StageGeneration, name, stubWAV()); err != nil {
			return nil, fmt.Errorf("failed to write stub audio: %w", err)
		}
		out.Files = []string{name}
		out.Result = map[string]any{
			"file":             name,
			"prompt":           stringParam(req.Params, "prompt", ""),
			"duration_seconds": floatParam(req.Params, "duration", defaultGenerationSeconds),
		}

	case store.StagePitch:
		result := map[string]any{
			"method":              req.Variant,
			"key":                 "C major",
			"tempo_bpm":           120.0,
			"tuning_offset_cents": 0.0,
		}
		encoded, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to encode stub pitch result: %w", err)
		}
		name := fmt.Sprintf("pitch_analysis_%s.json", req.Variant)
		if _, err := req.Store.WriteStageFile(req.FileID, store.StagePitch, name, encoded); err != nil {
			return nil, fmt.Errorf("failed to write stub pitch result: %w", err)
		}
		out.Files = []string{name}
		out.Result = result
	}

	req.Progress(80, fmt.Sprintf("%s fixtures written", p.Name()))
	return out, nil
}

// stubWAV returns a quarter second of 16-bit mono silence with a valid
// RIFF/WAVE header, enough for downstream tools to accept the file.
func stubWAV() []byte {
	const (
		sampleRate = 8000
		samples    = sampleRate / 4
		dataLen    = samples * 2
	)
	var b bytes.Buffer
	b.WriteString("RIFF")
	binary.Write(&b, binary.LittleEndian, uint32(36+dataLen))
	b.WriteString("WAVE")
	b.WriteString("fmt ")
	binary.Write(&b, binary.LittleEndian, uint32(16))
	binary.Write(&b, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&b, binary.LittleEndian, uint16(1)) // mono
	binary.Write(&b, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&b, binary.LittleEndian, uint32(sampleRate*2))
	binary.Write(&b, binary.LittleEndian, uint16(2))
	binary.Write(&b, binary.LittleEndian, uint16(16))
	b.WriteString("data")
	binary.Write(&b, binary.LittleEndian, uint32(dataLen))
	b.Write(make([]byte, dataLen))
	return b.Bytes()
}
