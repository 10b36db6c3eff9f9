package endpoints

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Almir-ctrl/kp-backend-sub000/internal/config"
	"github.com/Almir-ctrl/kp-backend-sub000/internal/jobs"
	"github.com/Almir-ctrl/kp-backend-sub000/internal/store"

	"github.com/gin-gonic/gin"
)

// absoluteURL builds a URL a client on another origin can load directly.
// A configured public base URL wins; otherwise the request's own host is
// used.
func absoluteURL(c *gin.Context, cfg *config.Config, path string) string {
	base := cfg.PublicBaseURL
	if base == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		base = scheme + "://" + c.Request.Host
	}
	return strings.TrimRight(base, "/") + path
}

// SongEntry is one row of the GET /songs listing.
type SongEntry struct {
	FileID     string               `json:"file_id"`
	Filename   string               `json:"filename"`
	Title      string               `json:"title"`
	Artist     string               `json:"artist"`
	Size       int64                `json:"size"`
	UploadTime time.Time            `json:"upload_time"`
	URL        string               `json:"url"`
	Stages     map[store.Stage]bool `json:"stages"`
}

// SongsResponse is the GET /songs body.
type SongsResponse struct {
	Songs []SongEntry `json:"songs"`
	Count int         `json:"count"`
}

// HandleSongs lists every upload with per-stage completion flags.
func HandleSongs(cfg *config.Config, st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		records := st.IterUploads()
		songs := make([]SongEntry, 0, len(records))
		for _, rec := range records {
			completed := make(map[store.Stage]bool, len(store.AllStages()))
			for _, stage := range store.AllStages() {
				completed[stage] = st.StageComplete(rec.FileID, stage)
			}
			songs = append(songs, SongEntry{
				FileID:     rec.FileID,
				Filename:   rec.OriginalFilename,
				Title:      rec.Title,
				Artist:     rec.Artist,
				Size:       rec.SizeBytes,
				UploadTime: rec.UploadTime,
				URL:        absoluteURL(c, cfg, "/download/"+rec.FileID),
				Stages:     completed,
			})
		}
		c.JSON(http.StatusOK, SongsResponse{Songs: songs, Count: len(songs)})
	}
}

// KaraokeFiles links the artifacts of one karaoke render.
type KaraokeFiles struct {
	LRC   string `json:"lrc"`
	Audio string `json:"audio"`
	JSON  string `json:"json"`
}

// KaraokeEntry is one row of the GET /karaoke/songs listing.
type KaraokeEntry struct {
	ID     string       `json:"id"`
	FileID string       `json:"file_id"`
	Title  string       `json:"title"`
	Artist string       `json:"artist"`
	URL    string       `json:"url"`
	Files  KaraokeFiles `json:"files"`
}

// HandleKaraokeSongs lists the uploads whose karaoke stage is complete.
func HandleKaraokeSongs(cfg *config.Config, st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		entries := make([]KaraokeEntry, 0)
		for _, rec := range st.IterUploads() {
			if !st.StageComplete(rec.FileID, store.StageKaraoke) {
				continue
			}
			var files KaraokeFiles
			for _, name := range st.ListStageFiles(rec.FileID, store.StageKaraoke) {
				link := absoluteURL(c, cfg, "/karaoke/"+rec.FileID+"/"+name)
				switch {
				case strings.HasSuffix(name, ".lrc"):
					files.LRC = link
				case strings.HasSuffix(name, ".json"):
					files.JSON = link
				default:
					files.Audio = link
				}
			}
			entries = append(entries, KaraokeEntry{
				ID:     rec.FileID,
				FileID: rec.FileID,
				Title:  rec.Title,
				Artist: rec.Artist,
				URL:    absoluteURL(c, cfg, "/download/"+rec.FileID),
				Files:  files,
			})
		}
		c.JSON(http.StatusOK, gin.H{"songs": entries, "count": len(entries)})
	}
}

// StageStatus summarizes one stage of one file.
type StageStatus struct {
	Complete bool     `json:"complete"`
	Files    []string `json:"files,omitempty"`
}

// FileStatusResponse merges on-disk stage completion with live jobs.
type FileStatusResponse struct {
	FileID   string                      `json:"file_id"`
	Filename string                      `json:"filename"`
	Title    string                      `json:"title"`
	Artist   string                      `json:"artist"`
	Stages   map[store.Stage]StageStatus `json:"stages"`
	Jobs     []*jobs.Job                 `json:"jobs"`
}

// HandleFileStatus reports aggregated stage status for one file.
func HandleFileStatus(cfg *config.Config, st *store.Store, tracker *jobs.Tracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		fileID := c.Param("file_id")
		rec, err := st.ReadMetadata(fileID)
		if err != nil {
			respondError(c, cfg.Debug, err)
			return
		}

		statuses := make(map[store.Stage]StageStatus, len(store.AllStages()))
		for _, stage := range store.AllStages() {
			status := StageStatus{Complete: st.StageComplete(fileID, stage)}
			if status.Complete {
				status.Files = st.ListStageFiles(fileID, stage)
			}
			statuses[stage] = status
		}

		live := tracker.ForFile(fileID)
		if live == nil {
			live = []*jobs.Job{}
		}
		c.JSON(http.StatusOK, FileStatusResponse{
			FileID:   fileID,
			Filename: rec.OriginalFilename,
			Title:    rec.Title,
			Artist:   rec.Artist,
			Stages:   statuses,
			Jobs:     live,
		})
	}
}

// HandleDeleteSong removes every artifact for a file_id.
func HandleDeleteSong(cfg *config.Config, st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		fileID := c.Param("file_id")
		report := st.Delete(fileID)
		if len(report.Deleted) == 0 && len(report.Warnings) == 0 {
			respondNotFound(c, "File not found")
			return
		}
		slog.Info("Deleted song artifacts",
			"file_id", fileID,
			"deleted", len(report.Deleted),
			"warnings", len(report.Warnings),
			"request_id", RequestIDFromContext(c))
		c.JSON(http.StatusOK, report)
	}
}
