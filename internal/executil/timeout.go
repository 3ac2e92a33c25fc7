package executil

import (
	"context"
	"fmt"
	"os/exec"
	"time"
)

// Timeout classes for local helper commands. Unresponsive hardware or a hung
// network tool must never wedge the agent.
const (
	TimeoutFast   = 10 * time.Second // status checks, version queries
	TimeoutMedium = 60 * time.Second // service reloads, installs
	TimeoutSlow   = 5 * time.Minute  // package installs, large transfers
)

// RunWithTimeout executes a local command under a deadline, returning its
// combined output. The process is killed when the deadline passes.
func RunWithTimeout(timeout time.Duration, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return output, fmt.Errorf("command timed out after %v: %s %v", timeout, name, args)
	}
	return output, err
}

// RunFast executes with TimeoutFast.
func RunFast(name string, args ...string) ([]byte, error) {
	return RunWithTimeout(TimeoutFast, name, args...)
}

// RunMedium executes with TimeoutMedium.
func RunMedium(name string, args ...string) ([]byte, error) {
	return RunWithTimeout(TimeoutMedium, name, args...)
}
