// Package gpu answers "is there a GPU right now" without ever touching the
// inference stack. Heavy stages are gated on this answer before any model
// work starts.
package gpu

import (
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Status describes the machine's GPU situation.
type Status struct {
	Available      bool     `json:"available"`
	GPUCount       int      `json:"gpu_count"`
	Devices        []string `json:"devices"`
	TorchInstalled bool     `json:"torch_installed"`
}

// Prober reports GPU status. Implementations must stay cheap; they are
// consulted on every heavy stage dispatch.
type Prober interface {
	Probe(ctx context.Context) Status
}

// StaticProber returns a fixed status. Used in smoke mode and tests.
type StaticProber struct {
	Status Status
}

func (p *StaticProber) Probe(context.Context) Status {
	return p.Status
}

// CommandProber queries nvidia-smi for devices and the python toolchain for
// an installed torch. Results are cached briefly so dispatch stays cheap.
type CommandProber struct {
	mu       sync.Mutex
	cached   *Status
	cachedAt time.Time
	ttl      time.Duration

	listDevices func(ctx context.Context) ([]string, error)
	torchFound  func(ctx context.Context) bool
}

// NewCommandProber creates a prober backed by nvidia-smi with a 15s cache.
func NewCommandProber() *CommandProber {
	return &CommandProber{
		ttl:         15 * time.Second,
		listDevices: nvidiaSmiDevices,
		torchFound:  torchSpecPresent,
	}
}

func (p *CommandProber) Probe(ctx context.Context) Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached != nil && time.Since(p.cachedAt) < p.ttl {
		return *p.cached
	}

	status := Status{Devices: []string{}}
	devices, err := p.listDevices(ctx)
	if err != nil {
		slog.Debug("GPU probe found no devices", "error", err)
	} else {
		status.Devices = devices
		status.GPUCount = len(devices)
		status.Available = len(devices) > 0
	}
	status.TorchInstalled = p.torchFound(ctx)

	p.cached = &status
	p.cachedAt = time.Now()
	return status
}

// nvidiaSmiDevices lists GPU names, one per line of nvidia-smi output.
func nvidiaSmiDevices(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "nvidia-smi", "--query-gpu=name", "--format=csv,noheader")
	output, err := cmd.Output()
	if err != nil {
		return nil, err
	}
	var devices []string
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		if name := strings.TrimSpace(line); name != "" {
			devices = append(devices, name)
		}
	}
	return devices, nil
}

// torchSpecPresent checks whether the python runtime can see torch without
// importing it (find_spec reads metadata only, so nothing heavy loads).
func torchSpecPresent(ctx context.Context) bool {
	if _, err := exec.LookPath("python3"); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "python3", "-c",
		"import importlib.util, sys; sys.exit(0 if importlib.util.find_spec('torch') else 1)")
	return cmd.Run() == nil
}
