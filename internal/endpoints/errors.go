package endpoints

import (
	"errors"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"github.com/Almir-ctrl/kp-backend-sub000/internal/processors"
	"github.com/Almir-ctrl/kp-backend-sub000/internal/store"
	"github.com/Almir-ctrl/kp-backend-sub000/internal/upload"
)

// ErrorResponse is the uniform JSON error body. Every failure path in the
// API produces this shape; request_id lets clients tie a failure back to
// the server logs.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      int    `json:"code"`
	RequestID string `json:"request_id"`
	Path      string `json:"path,omitempty"`
	Exception string `json:"exception,omitempty"`
	Traceback string `json:"traceback,omitempty"`
}

// respondError translates a typed error from the lower layers into its
// HTTP status and writes the uniform body. Unrecognized errors become an
// opaque 500; their detail only surfaces in debug mode.
func respondError(c *gin.Context, debugMode bool, err error) {
	var (
		unknownModel   *processors.UnknownModelError
		unknownVariant *processors.UnknownVariantError
		precondition   *processors.PreconditionError
		procFailure    *processors.ProcessError
		unsupported    *upload.UnsupportedTypeError
		tooLarge       *upload.TooLargeError
	)

	status := http.StatusInternalServerError
	msg := "Internal server error"

	switch {
	case errors.Is(err, store.ErrNotFound):
		status, msg = http.StatusNotFound, "File not found"
	case errors.As(err, &unknownModel):
		status, msg = http.StatusNotFound, err.Error()
	case errors.As(err, &unknownVariant):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.As(err, &precondition):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, processors.ErrGPURequired):
		status, msg = http.StatusServiceUnavailable, err.Error()
	case errors.As(err, &unsupported):
		status, msg = http.StatusUnsupportedMediaType, err.Error()
	case errors.As(err, &tooLarge):
		status, msg = http.StatusRequestEntityTooLarge, err.Error()
	case errors.As(err, &procFailure):
		status, msg = http.StatusInternalServerError, err.Error()
	default:
		if debugMode {
			msg = err.Error()
		}
	}

	resp := ErrorResponse{
		Error:     msg,
		Code:      status,
		RequestID: RequestIDFromContext(c),
	}
	if status == http.StatusNotFound {
		resp.Path = c.Request.URL.Path
	}
	if debugMode && status >= http.StatusInternalServerError {
		resp.Exception = err.Error()
		resp.Traceback = string(debug.Stack())
	}
	c.JSON(status, resp)
}

// respondNotFound writes a 404 with an explicit message, for handlers that
// detect the miss themselves rather than receiving store.ErrNotFound.
func respondNotFound(c *gin.Context, msg string) {
	c.JSON(http.StatusNotFound, ErrorResponse{
		Error:     msg,
		Code:      http.StatusNotFound,
		RequestID: RequestIDFromContext(c),
		Path:      c.Request.URL.Path,
	})
}

// respondBadRequest writes a 400 with an explicit message.
func respondBadRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:     msg,
		Code:      http.StatusBadRequest,
		RequestID: RequestIDFromContext(c),
	})
}
