package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/tracing"
	"github.com/nextlevelbuilder/nanoclaw/pkg/protocol"
)

// coldStderrExcerpt bounds how much stderr gets embedded in failure messages.
const coldStderrExcerpt = 200

// runCold launches a one-shot worker: input written once, stdin closed, the
// process runs to completion under the job deadline.
func (p *Pool) runCold(ctx context.Context, job Job, timeout time.Duration) (*protocol.WorkerOutput, error) {
	tracing.MarkWarm(ctx, false)
	data, err := protocol.EncodeInput(jobInput(job))
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout := NewCapWriter(p.maxOutput)
	stderr := NewCapWriter(p.maxOutput)

	cmd := p.newCommand(runCtx, job.Mounts, job.Env)
	cmd.Stdin = bytes.NewReader(data)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	slog.Debug("running cold worker", "folder", job.Folder, "timeout", timeout)
	runErr := cmd.Run()

	if stdout.Truncated() || stderr.Truncated() {
		slog.Warn("cold worker output truncated", "folder", job.Folder, "limit_bytes", p.maxOutput)
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("cold worker timed out after %s", timeout)
	}
	if runErr != nil {
		if tail := strings.TrimSpace(stderr.Tail(coldStderrExcerpt)); tail != "" {
			return nil, fmt.Errorf("cold worker failed: %w; stderr: %s", runErr, tail)
		}
		return nil, fmt.Errorf("cold worker failed: %w", runErr)
	}
	return protocol.ParseOutput(stdout.String(), true)
}
