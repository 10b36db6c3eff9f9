package endpoints

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Almir-ctrl/kp-backend-sub000/internal/config"
	"github.com/Almir-ctrl/kp-backend-sub000/internal/upload"

	"github.com/gin-gonic/gin"
)

// UploadResponse is the success body for POST /upload.
type UploadResponse struct {
	FileID             string   `json:"file_id"`
	Filename           string   `json:"filename"`
	Title              string   `json:"title"`
	Artist             string   `json:"artist"`
	Size               int64    `json:"size"`
	URL                string   `json:"url"`
	Message            string   `json:"message"`
	AutoProcessStarted bool     `json:"auto_process_started"`
	AutoProcessChain   []string `json:"auto_process_chain,omitempty"`
}

// DuplicateResponse is the 409 body returned when an upload's filename
// fingerprint is already in the library.
type DuplicateResponse struct {
	Error     string `json:"error"`
	Code      int    `json:"code"`
	RequestID string `json:"request_id,omitempty"`
	FileID    string `json:"file_id"`
	Existing  bool   `json:"existing"`
	Message   string `json:"message"`
}

// HandleUpload accepts a multipart audio upload and hands it to the
// pipeline. Optional form fields override the metadata parsed from the
// filename and steer auto-processing.
func HandleUpload(cfg *config.Config, uploads *upload.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := RequestIDFromContext(c)

		file, header, err := c.Request.FormFile("file")
		if err != nil {
			slog.Warn("Upload request without file field", "error", err, "request_id", requestID)
			respondBadRequest(c, "No file provided")
			return
		}
		defer file.Close()

		req := &upload.Request{
			RequestID: requestID,
			Filename:  header.Filename,
			Size:      header.Size,
			Body:      file,
			Title:     c.PostForm("title"),
			Artist:    c.PostForm("artist"),
			Model:     c.PostForm("model"),
		}
		if raw := c.PostForm("auto_process"); raw != "" {
			if v, perr := strconv.ParseBool(raw); perr == nil {
				req.AutoProcess = &v
			}
		}

		result, err := uploads.Upload(c.Request.Context(), req)
		if err != nil {
			var dup *upload.DuplicateError
			if errors.As(err, &dup) {
				c.JSON(http.StatusConflict, DuplicateResponse{
					Error:     dup.Error(),
					Code:      http.StatusConflict,
					RequestID: requestID,
					FileID:    dup.FileID,
					Existing:  true,
					Message:   fmt.Sprintf("%q matches an existing upload", dup.Filename),
				})
				return
			}
			respondError(c, cfg.Debug, err)
			return
		}

		rec := result.Record
		c.JSON(http.StatusOK, UploadResponse{
			FileID:             rec.FileID,
			Filename:           rec.OriginalFilename,
			Title:              rec.Title,
			Artist:             rec.Artist,
			Size:               rec.SizeBytes,
			URL:                absoluteURL(c, cfg, "/download/"+rec.FileID),
			Message:            "File uploaded successfully",
			AutoProcessStarted: result.AutoProcessStarted,
			AutoProcessChain:   result.Chain,
		})
	}
}
