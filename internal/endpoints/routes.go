package endpoints

import (
	"github.com/Almir-ctrl/kp-backend-sub000/internal/config"
	"github.com/Almir-ctrl/kp-backend-sub000/internal/gpu"
	"github.com/Almir-ctrl/kp-backend-sub000/internal/jobs"
	"github.com/Almir-ctrl/kp-backend-sub000/internal/processors"
	"github.com/Almir-ctrl/kp-backend-sub000/internal/progress"
	"github.com/Almir-ctrl/kp-backend-sub000/internal/runner"
	"github.com/Almir-ctrl/kp-backend-sub000/internal/store"
	"github.com/Almir-ctrl/kp-backend-sub000/internal/upload"

	"github.com/gin-gonic/gin"
)

// Deps bundles everything the HTTP layer needs.
type Deps struct {
	Config   *config.Config
	Store    *store.Store
	Registry *processors.Registry
	Runner   *runner.Runner
	Uploads  *upload.Pipeline
	Bus      *progress.Bus
	Tracker  *jobs.Tracker
	Prober   gpu.Prober
}

// SetupRoutes configures middleware and all API routes.
func SetupRoutes(r *gin.Engine, deps *Deps) {
	r.Use(RequestID(), RequestLogger(), Recovery(deps.Config.Debug), CORS(deps.Config.CORSOrigins))

	// Service endpoints
	r.GET("/health", HandleHealth(deps.Registry))
	r.GET("/status", HandleStatusOK())
	r.GET("/gpu-status", HandleGPUStatus(deps.Prober))
	r.GET("/models", HandleModels(deps.Registry))
	r.GET("/system", HandleSystem(deps.Config))

	// Library
	r.POST("/upload", HandleUpload(deps.Config, deps.Uploads))
	r.GET("/songs", HandleSongs(deps.Config, deps.Store))
	r.GET("/karaoke/songs", HandleKaraokeSongs(deps.Config, deps.Store))
	r.DELETE("/songs/:file_id", HandleDeleteSong(deps.Config, deps.Store))

	// Processing
	r.POST("/process/:model/:file_id", HandleProcess(deps.Config, deps.Runner))
	r.GET("/status/:file_id", HandleFileStatus(deps.Config, deps.Store, deps.Tracker))

	// Artifacts
	r.GET("/download/:file_id", HandleDownload(deps.Config, deps.Store))
	r.GET("/download/:file_id/:filename", HandleDownloadArtifact(deps.Config, deps.Store))
	r.GET("/karaoke/:file_id/:filename", HandleKaraokeArtifact(deps.Config, deps.Store))

	// Live progress
	r.GET("/ws/progress", HandleProgressWS(deps.Bus))
}
