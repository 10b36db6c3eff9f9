package endpoints

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/Almir-ctrl/kp-backend-sub000/internal/config"
	"github.com/Almir-ctrl/kp-backend-sub000/internal/store"

	"github.com/gin-gonic/gin"
)

var contentTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".flac": "audio/flac",
	".m4a":  "audio/mp4",
	".ogg":  "audio/ogg",
	".lrc":  "text/plain; charset=utf-8",
	".txt":  "text/plain; charset=utf-8",
	".json": "application/json",
}

func contentTypeFor(name string) string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// HandleDownload streams the original upload for a file_id.
func HandleDownload(cfg *config.Config, st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		path, err := st.FindUpload(c.Param("file_id"))
		if err != nil {
			respondError(c, cfg.Debug, err)
			return
		}
		name := filepath.Base(path)
		c.Header("Content-Type", contentTypeFor(name))
		c.Header("Content-Disposition", fmt.Sprintf("inline; filename=%q", name))
		c.File(path)
	}
}

// HandleDownloadArtifact streams a stage-output file by name.
func HandleDownloadArtifact(cfg *config.Config, st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		path, err := st.StageFilePath(c.Param("file_id"), c.Param("filename"))
		if err != nil {
			respondError(c, cfg.Debug, err)
			return
		}
		c.Header("Content-Type", contentTypeFor(path))
		c.File(path)
	}
}

// HandleKaraokeArtifact streams a karaoke-stage file by name.
func HandleKaraokeArtifact(cfg *config.Config, st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		path, err := st.KaraokeFilePath(c.Param("file_id"), c.Param("filename"))
		if err != nil {
			respondError(c, cfg.Debug, err)
			return
		}
		c.Header("Content-Type", contentTypeFor(path))
		c.File(path)
	}
}
