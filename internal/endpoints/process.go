package endpoints

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Almir-ctrl/kp-backend-sub000/internal/config"
	"github.com/Almir-ctrl/kp-backend-sub000/internal/processors"
	"github.com/Almir-ctrl/kp-backend-sub000/internal/runner"

	"github.com/gin-gonic/gin"
)

// ProcessRequest is the optional JSON body for POST /process/:model/:file_id.
type ProcessRequest struct {
	Variant string         `json:"variant"`
	Params  map[string]any `json:"params"`
	Force   bool           `json:"force"`
}

// HandleProcess runs one stage for one file and returns its output record.
// A cached result short-circuits with skipped=true unless force is set.
func HandleProcess(cfg *config.Config, stages *runner.Runner) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body ProcessRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&body); err != nil {
				slog.Warn("Malformed process request body",
					"error", err,
					"model", c.Param("model"),
					"file_id", c.Param("file_id"))
				respondBadRequest(c, "Invalid JSON body")
				return
			}
		}
		if !body.Force {
			if v, err := strconv.ParseBool(c.Query("force")); err == nil {
				body.Force = v
			}
		}

		output, err := stages.Run(c.Request.Context(), &runner.StageRequest{
			FileID:    c.Param("file_id"),
			Model:     c.Param("model"),
			Variant:   body.Variant,
			Params:    body.Params,
			RequestID: RequestIDFromContext(c),
			Force:     body.Force,
		})
		if err != nil {
			respondError(c, cfg.Debug, err)
			return
		}
		c.JSON(http.StatusOK, output)
	}
}

// HandleModels lists every registered model with its variants.
func HandleModels(registry *processors.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, registry.List())
	}
}
