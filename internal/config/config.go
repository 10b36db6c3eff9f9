package config

import (
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Config holds all runtime settings. Values come from the environment with
// sensible defaults so the server starts with no configuration at all.
type Config struct {
	// Directories
	UploadDir     string
	OutputDir     string
	KaraokeSubdir string

	// Upload limits
	MaxUploadBytes    int64
	AllowedExtensions []string

	// HTTP
	Port        int
	CORSOrigins string
	// PublicBaseURL overrides the scheme+host used when building absolute
	// URLs in responses. Empty means derive from the incoming request.
	PublicBaseURL string

	// Behavior toggles
	CISmokeMode bool
	Debug       bool

	// Processing
	AutoProcessChain  []string
	ProgressQueueSize int
	GPUConcurrency    int
	// HeavyWorkers bounds concurrent heavy stage executions. Zero means
	// derive from GPU count and CPU count at startup.
	HeavyWorkers int
}

// Load reads configuration from the environment.
func Load() *Config {
	return &Config{
		UploadDir:     getEnvWithDefault("UPLOAD_DIR", "./uploads"),
		OutputDir:     getEnvWithDefault("OUTPUT_DIR", "./outputs"),
		KaraokeSubdir: getEnvWithDefault("KARAOKE_SUBDIR", "Karaoke-pjesme"),

		MaxUploadBytes:    getEnvInt64("MAX_UPLOAD_BYTES", 100*1024*1024),
		AllowedExtensions: getEnvList("ALLOWED_EXTENSIONS", "mp3,wav,flac,m4a,ogg"),

		Port:          getEnvInt("PORT", 5000),
		CORSOrigins:   getEnvWithDefault("CORS_ORIGINS", "*"),
		PublicBaseURL: strings.TrimRight(os.Getenv("PUBLIC_BASE_URL"), "/"),

		CISmokeMode: getEnvBool("CI_SMOKE_MODE", false),
		Debug:       getEnvBool("DEBUG", false),

		AutoProcessChain:  getEnvList("AUTO_PROCESS_CHAIN", "separation,transcription,karaoke"),
		ProgressQueueSize: getEnvInt("PROGRESS_QUEUE_SIZE", 32),
		GPUConcurrency:    getEnvInt("GPU_CONCURRENCY", 1),
		HeavyWorkers:      getEnvInt("HEAVY_WORKERS", 0),
	}
}

// HeavyWorkerCount resolves the heavy worker pool size for the detected GPU
// count: min(gpuCount*GPUConcurrency, NumCPU), never less than one.
func (c *Config) HeavyWorkerCount(gpuCount int) int {
	if c.HeavyWorkers > 0 {
		return c.HeavyWorkers
	}
	n := gpuCount * c.GPUConcurrency
	if cpus := runtime.NumCPU(); n > cpus {
		n = cpus
	}
	if n < 1 {
		n = 1
	}
	return n
}

// ExtensionAllowed reports whether ext (without dot, any case) is accepted.
func (c *Config) ExtensionAllowed(ext string) bool {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	for _, allowed := range c.AllowedExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvList(key, defaultValue string) []string {
	raw := getEnvWithDefault(key, defaultValue)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.ToLower(strings.TrimSpace(p)); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
