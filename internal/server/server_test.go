package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Almir-ctrl/kp-backend-sub000/internal/config"
	"github.com/Almir-ctrl/kp-backend-sub000/internal/endpoints"
	"github.com/Almir-ctrl/kp-backend-sub000/internal/gpu"
	"github.com/Almir-ctrl/kp-backend-sub000/internal/jobs"
	"github.com/Almir-ctrl/kp-backend-sub000/internal/processors"
	"github.com/Almir-ctrl/kp-backend-sub000/internal/progress"
	"github.com/Almir-ctrl/kp-backend-sub000/internal/runner"
	"github.com/Almir-ctrl/kp-backend-sub000/internal/store"
	"github.com/Almir-ctrl/kp-backend-sub000/internal/upload"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	t.Setenv("GIN_MODE", gin.TestMode)
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		UploadDir:         t.TempDir(),
		OutputDir:         t.TempDir(),
		KaraokeSubdir:     "Karaoke-pjesme",
		MaxUploadBytes:    1 << 20,
		AllowedExtensions: []string{"mp3"},
		Port:              0,
		CORSOrigins:       "*",
		CISmokeMode:       true,
		ProgressQueueSize: 8,
	}

	st := store.New(cfg.UploadDir, cfg.OutputDir, cfg.KaraokeSubdir)
	if err := st.EnsureDirs(); err != nil {
		t.Fatalf("Failed to create store dirs: %v", err)
	}

	bus := progress.NewBus(cfg.ProgressQueueSize)
	t.Cleanup(bus.Close)
	tracker := jobs.NewTracker()
	registry := processors.NewRegistry(cfg, st)
	prober := &gpu.StaticProber{}
	stages := runner.New(st, registry, bus, tracker, prober, 1)
	uploads := upload.New(cfg, st, stages)

	return New(cfg, &endpoints.Deps{
		Config:   cfg,
		Store:    st,
		Registry: registry,
		Runner:   stages,
		Uploads:  uploads,
		Bus:      bus,
		Tracker:  tracker,
		Prober:   prober,
	})
}

func TestServerRoutesWired(t *testing.T) {
	srv := newTestServer(t)

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	var resp map[string]string
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	assert.NoError(t, err)
	assert.Equal(t, "ok", resp["status"])
}

func TestServerShutdownWithoutStart(t *testing.T) {
	srv := newTestServer(t)
	assert.NoError(t, srv.Shutdown(context.Background()))
}
