package config

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "./uploads", cfg.UploadDir)
	assert.Equal(t, "./outputs", cfg.OutputDir)
	assert.Equal(t, "Karaoke-pjesme", cfg.KaraokeSubdir)
	assert.Equal(t, int64(100*1024*1024), cfg.MaxUploadBytes)
	assert.Equal(t, []string{"mp3", "wav", "flac", "m4a", "ogg"}, cfg.AllowedExtensions)
	assert.Equal(t, 5000, cfg.Port)
	assert.Equal(t, "*", cfg.CORSOrigins)
	assert.False(t, cfg.CISmokeMode)
	assert.False(t, cfg.Debug)
	assert.Equal(t, []string{"separation", "transcription", "karaoke"}, cfg.AutoProcessChain)
	assert.Equal(t, 32, cfg.ProgressQueueSize)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("UPLOAD_DIR", "/data/in")
	t.Setenv("MAX_UPLOAD_BYTES", "1024")
	t.Setenv("ALLOWED_EXTENSIONS", "MP3, Wav")
	t.Setenv("CI_SMOKE_MODE", "true")
	t.Setenv("AUTO_PROCESS_CHAIN", "separation,karaoke")
	t.Setenv("PUBLIC_BASE_URL", "https://audio.example.com/")

	cfg := Load()

	assert.Equal(t, "/data/in", cfg.UploadDir)
	assert.Equal(t, int64(1024), cfg.MaxUploadBytes)
	assert.Equal(t, []string{"mp3", "wav"}, cfg.AllowedExtensions)
	assert.True(t, cfg.CISmokeMode)
	assert.Equal(t, []string{"separation", "karaoke"}, cfg.AutoProcessChain)
	assert.Equal(t, "https://audio.example.com", cfg.PublicBaseURL)
}

func TestExtensionAllowed(t *testing.T) {
	cfg := Load()

	assert.True(t, cfg.ExtensionAllowed("mp3"))
	assert.True(t, cfg.ExtensionAllowed(".MP3"))
	assert.True(t, cfg.ExtensionAllowed("Flac"))
	assert.False(t, cfg.ExtensionAllowed("exe"))
	assert.False(t, cfg.ExtensionAllowed(""))
}

func TestHeavyWorkerCount(t *testing.T) {
	cfg := &Config{GPUConcurrency: 2}

	// No GPUs still leaves one worker so smoke mode can run.
	assert.Equal(t, 1, cfg.HeavyWorkerCount(0))

	// Bounded above by CPU count.
	assert.LessOrEqual(t, cfg.HeavyWorkerCount(64), runtime.NumCPU())

	// Explicit override wins.
	cfg.HeavyWorkers = 3
	assert.Equal(t, 3, cfg.HeavyWorkerCount(64))
}
