package endpoints

import (
	"net/http"
	"runtime"
	"time"

	"github.com/Almir-ctrl/kp-backend-sub000/internal/config"
	"github.com/Almir-ctrl/kp-backend-sub000/internal/gpu"
	"github.com/Almir-ctrl/kp-backend-sub000/internal/processors"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status           string    `json:"status"`
	Service          string    `json:"service"`
	AvailableModels  []string  `json:"available_models"`
	WebSocketSupport bool      `json:"websocket_support"`
	Timestamp        time.Time `json:"timestamp"`
}

// HandleHealth reports service health and the model catalog.
func HandleHealth(registry *processors.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, HealthResponse{
			Status:           "healthy",
			Service:          "kp-backend",
			AvailableModels:  registry.Names(),
			WebSocketSupport: true,
			Timestamp:        time.Now().UTC(),
		})
	}
}

// HandleStatusOK is the minimal liveness probe.
func HandleStatusOK() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// HandleGPUStatus reports GPU availability without loading any model.
func HandleGPUStatus(prober gpu.Prober) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, prober.Probe(c.Request.Context()))
	}
}

// SystemResponse reports host resource usage.
type SystemResponse struct {
	Hostname      string  `json:"hostname"`
	Platform      string  `json:"platform"`
	UptimeSeconds uint64  `json:"uptime_seconds"`
	CPUCores      int     `json:"cpu_cores"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryTotal   uint64  `json:"memory_total_bytes"`
	MemoryUsed    uint64  `json:"memory_used_bytes"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskTotal     uint64  `json:"disk_total_bytes"`
	DiskFree      uint64  `json:"disk_free_bytes"`
	DiskPercent   float64 `json:"disk_percent"`
	GoVersion     string  `json:"go_version"`
	Goroutines    int     `json:"goroutines"`
}

// HandleSystem samples host statistics. Every probe is best effort; a
// field that cannot be read stays at its zero value.
func HandleSystem(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		resp := SystemResponse{
			GoVersion:  runtime.Version(),
			Goroutines: runtime.NumGoroutine(),
		}
		if info, err := host.InfoWithContext(ctx); err == nil {
			resp.Hostname = info.Hostname
			resp.Platform = info.Platform
			resp.UptimeSeconds = info.Uptime
		}
		if counts, err := cpu.CountsWithContext(ctx, true); err == nil {
			resp.CPUCores = counts
		}
		if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
			resp.CPUPercent = percents[0]
		}
		if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
			resp.MemoryTotal = vm.Total
			resp.MemoryUsed = vm.Used
			resp.MemoryPercent = vm.UsedPercent
		}
		if usage, err := disk.UsageWithContext(ctx, cfg.OutputDir); err == nil {
			resp.DiskTotal = usage.Total
			resp.DiskFree = usage.Free
			resp.DiskPercent = usage.UsedPercent
		}
		c.JSON(http.StatusOK, resp)
	}
}
