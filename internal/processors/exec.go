package processors

import (
	"context"
	"os/exec"
)

// runTool runs an external tool and returns its combined output. Callers
// wrap the error with tool-specific context.
func runTool(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	return string(output), err
}
