package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"syscall"
	"time"
)

// Runtime invokes the container CLI. Docker and podman share the argument
// surface this package needs.
type Runtime struct {
	bin   string
	image string
}

// NewRuntime wraps a runtime binary ("docker", "podman") and the worker image.
func NewRuntime(bin, image string) *Runtime {
	return &Runtime{bin: bin, image: image}
}

func (r *Runtime) Bin() string   { return r.bin }
func (r *Runtime) Image() string { return r.image }

// CheckAvailable verifies the runtime binary is on PATH.
func (r *Runtime) CheckAvailable() error {
	if _, err := exec.LookPath(r.bin); err != nil {
		return fmt.Errorf("container runtime %q not found in PATH: %w", r.bin, err)
	}
	return nil
}

// Command builds one worker launch. Mount order is preserved; env keys are
// sorted so the argv is reproducible in logs.
func (r *Runtime) Command(ctx context.Context, mounts []Mount, env map[string]string) *exec.Cmd {
	args := []string{"run", "-i", "--rm"}
	for _, m := range mounts {
		args = append(args, "-v", m.Spec())
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+env[k])
	}
	args = append(args, r.image)

	cmd := exec.CommandContext(ctx, r.bin, args...)
	configureTermination(cmd)
	return cmd
}

// configureTermination makes context cancellation deliver SIGTERM first, with
// a grace window before the hard kill.
func configureTermination(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second
}
