package processors

import (
	"context"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Almir-ctrl/kp-backend-sub000/internal/store"
)

func TestStubOutputsSatisfyMarkers(t *testing.T) {
	stages := []store.Stage{
		store.StageSeparation,
		store.StageTranscription,
		store.StageAnalysis,
		store.StageGeneration,
		store.StagePitch,
	}

	for _, stage := range stages {
		t.Run(string(stage), func(t *testing.T) {
			st := newTestStore(t)
			fileID := fmt.Sprintf("stub-%s-file", stage)
			p := newStubProcessor(stage)

			out, err := p.Process(context.Background(), &Request{
				FileID:   fileID,
				Variant:  p.DefaultVariant(),
				Progress: noProgress,
				Store:    st,
			})
			if err != nil {
				t.Fatalf("Stub run failed: %v", err)
			}
			assert.Equal(t, store.StatusCompleted, out.Status)
			assert.NotEmpty(t, out.Files)

			patterns := p.ExpectedOutputs(fileID, p.DefaultVariant(), nil)
			complete, markers := st.MarkersPresent(fileID, stage, patterns)
			assert.True(t, complete, "stub output should satisfy the stage markers")
			assert.NotEmpty(t, markers)
		})
	}
}

func TestStubReportsProgress(t *testing.T) {
	st := newTestStore(t)
	p := newStubProcessor(store.StagePitch)

	var calls []int
	_, err := p.Process(context.Background(), &Request{
		FileID:  "progress-file",
		Variant: "librosa",
		Progress: func(percent int, message string) {
			assert.NotEmpty(t, message)
			calls = append(calls, percent)
		},
		Store: st,
	})
	if err != nil {
		t.Fatalf("Stub run failed: %v", err)
	}

	assert.GreaterOrEqual(t, len(calls), 2)
	for _, pct := range calls {
		assert.GreaterOrEqual(t, pct, 0)
		assert.LessOrEqual(t, pct, 100)
	}
}

func TestStubCatalogMatchesProduction(t *testing.T) {
	prod := NewSeparationProcessor()
	stub := newStubProcessor(store.StageSeparation)

	assert.Equal(t, prod.Name(), stub.Name())
	assert.Equal(t, prod.Variants(), stub.Variants())
	assert.Equal(t, prod.DefaultVariant(), stub.DefaultVariant())
	assert.False(t, stub.RequiresGPU())
}

func TestStubWAVHeader(t *testing.T) {
	wav := stubWAV()

	if len(wav) < 44 {
		t.Fatalf("WAV too short: %d bytes", len(wav))
	}
	assert.Equal(t, "RIFF", string(wav[0:4]))
	assert.Equal(t, "WAVE", string(wav[8:12]))
	assert.Equal(t, "data", string(wav[36:40]))

	dataLen := binary.LittleEndian.Uint32(wav[40:44])
	assert.Equal(t, int(dataLen), len(wav)-44)
	riffLen := binary.LittleEndian.Uint32(wav[4:8])
	assert.Equal(t, int(riffLen), len(wav)-8)
}
