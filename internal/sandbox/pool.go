package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/tracing"
	"github.com/nextlevelbuilder/nanoclaw/pkg/protocol"
)

const (
	defaultRunTimeout   = 5 * time.Minute
	defaultMaxOutput    = 10 << 20
	defaultReadyTimeout = 30 * time.Second
	reapInterval        = 60 * time.Second
)

// commandFunc builds a worker process invocation. Production pools use
// Runtime.Command; tests substitute stub scripts.
type commandFunc func(ctx context.Context, mounts []Mount, env map[string]string) *exec.Cmd

// Job is one worker invocation, with mounts and env already planned by the
// caller. Timeout zero means the pool default.
type Job struct {
	Folder          string
	Prompt          string
	SessionID       string
	SessionKey      string
	IsMain          bool
	IsScheduledTask bool
	ChatType        string
	Mounts          []Mount
	Env             map[string]string
	Timeout         time.Duration
}

// Options configures a Pool. IdleTimeout at or below zero disables warm
// workers entirely; every job then runs cold.
type Options struct {
	Runtime        *Runtime
	DefaultTimeout time.Duration
	IdleTimeout    time.Duration
	MaxOutputBytes int64
	ReadyTimeout   time.Duration
	NewCommand     commandFunc
}

// Pool maintains at most one warm worker per workspace, falling back to cold
// one-shot workers when the warm path is unavailable.
type Pool struct {
	newCommand     commandFunc
	defaultTimeout time.Duration
	idleTimeout    time.Duration
	maxOutput      int64
	readyTimeout   time.Duration

	mu      sync.Mutex
	workers map[string]*warmWorker
}

// NewPool builds a pool from opts, applying defaults for unset fields.
func NewPool(opts Options) *Pool {
	p := &Pool{
		newCommand:     opts.NewCommand,
		defaultTimeout: opts.DefaultTimeout,
		idleTimeout:    opts.IdleTimeout,
		maxOutput:      opts.MaxOutputBytes,
		readyTimeout:   opts.ReadyTimeout,
		workers:        make(map[string]*warmWorker),
	}
	if p.newCommand == nil && opts.Runtime != nil {
		p.newCommand = opts.Runtime.Command
	}
	if p.defaultTimeout <= 0 {
		p.defaultTimeout = defaultRunTimeout
	}
	if p.maxOutput <= 0 {
		p.maxOutput = defaultMaxOutput
	}
	if p.readyTimeout <= 0 {
		p.readyTimeout = defaultReadyTimeout
	}
	return p
}

// Run executes one job and returns the worker's output.
//
// Dispatch: warm pool disabled → cold. Warm worker ready → reuse it. Warm
// worker occupied (starting, busy, draining) → this job runs cold in
// parallel. No warm worker → spawn one, falling back to cold on failure.
func (p *Pool) Run(ctx context.Context, job Job) (*protocol.WorkerOutput, error) {
	ctx, span := tracing.TraceWorkerRun(ctx, job.Folder)
	defer span.End()

	out, err := p.run(ctx, job)
	tracing.RecordOutcome(span, outcomeStatus(out, err), err)
	return out, err
}

func outcomeStatus(out *protocol.WorkerOutput, err error) string {
	switch {
	case err != nil:
		return "error"
	case out != nil:
		return out.Status
	default:
		return "unknown"
	}
}

func (p *Pool) run(ctx context.Context, job Job) (*protocol.WorkerOutput, error) {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = p.defaultTimeout
	}
	if p.idleTimeout <= 0 {
		return p.runCold(ctx, job, timeout)
	}

	p.mu.Lock()
	if w := p.workers[job.Folder]; w != nil {
		st := w.currentState()
		if st == stateReady {
			w.setState(stateBusy)
			p.mu.Unlock()
			return p.runWarm(ctx, w, job, timeout)
		}
		p.mu.Unlock()
		slog.Debug("warm worker occupied, running cold",
			"folder", job.Folder, "state", st.String())
		return p.runCold(ctx, job, timeout)
	}

	// Reserve the slot before releasing the lock so concurrent callers for
	// this workspace go cold while the spawn is in flight.
	w := newWarmWorker(job.Folder, p.maxOutput)
	p.workers[job.Folder] = w
	p.mu.Unlock()

	if err := p.startWarm(w, job); err != nil {
		p.remove(w)
		slog.Warn("warm spawn failed, running cold", "folder", job.Folder, "error", err)
		return p.runCold(ctx, job, timeout)
	}
	w.setState(stateBusy)
	return p.runWarm(ctx, w, job, timeout)
}

// startWarm launches the container and blocks until the readiness marker or
// a spawn failure.
func (p *Pool) startWarm(w *warmWorker, job Job) error {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	cmd := p.newCommand(ctx, job.Mounts, warmEnv(job.Env, p.idleTimeout))
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stderr pipe: %w", err)
	}
	w.cmd = cmd
	w.stdin = stdin

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start warm worker: %w", err)
	}
	slog.Info("warm worker starting", "folder", w.folder, "worker_id", w.id, "pid", cmd.Process.Pid)

	go w.watchStdout(stdout)
	go w.watchStderr(stderr)
	go w.reap()
	go w.serve()
	go p.watchExit(w)

	select {
	case <-w.ready:
		slog.Info("warm worker ready", "folder", w.folder, "worker_id", w.id)
		return nil
	case <-w.exited:
		return fmt.Errorf("warm worker exited before ready: %w", w.exitError())
	case <-time.After(p.readyTimeout):
		w.terminate()
		return fmt.Errorf("warm worker not ready after %s", p.readyTimeout)
	}
}

// runWarm posts the job to a worker already transitioned to busy.
func (p *Pool) runWarm(ctx context.Context, w *warmWorker, job Job, timeout time.Duration) (*protocol.WorkerOutput, error) {
	tracing.MarkWarm(ctx, true)
	req := &request{input: jobInput(job), timeout: timeout, done: make(chan response, 1)}

	select {
	case w.requests <- req:
	case <-w.exited:
		return nil, fmt.Errorf("warm worker exited: %w", w.exitError())
	case <-ctx.Done():
		w.setState(stateReady)
		return nil, ctx.Err()
	}

	select {
	case resp := <-req.done:
		return resp.output, resp.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// watchExit removes the pool entry once the worker's process is gone.
func (p *Pool) watchExit(w *warmWorker) {
	<-w.exited
	p.remove(w)
	slog.Info("warm worker exited", "folder", w.folder, "worker_id", w.id)
}

func (p *Pool) remove(w *warmWorker) {
	p.mu.Lock()
	if p.workers[w.folder] == w {
		delete(p.workers, w.folder)
	}
	p.mu.Unlock()
}

// Start runs the idle reaper until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	if p.idleTimeout <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(reapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.reapIdle(time.Now())
			}
		}
	}()
}

// reapIdle terminates every worker that is not busy and has been idle past
// the idle timeout.
func (p *Pool) reapIdle(now time.Time) {
	p.mu.Lock()
	var victims []*warmWorker
	for _, w := range p.workers {
		st := w.currentState()
		if st == stateBusy || st == stateStarting {
			continue
		}
		if now.Sub(w.idleSince()) >= p.idleTimeout {
			victims = append(victims, w)
		}
	}
	p.mu.Unlock()

	for _, w := range victims {
		slog.Info("reaping idle warm worker", "folder", w.folder, "worker_id", w.id,
			"idle", now.Sub(w.idleSince()).Round(time.Second))
		w.terminate()
	}
}

// Shutdown terminates all warm workers and waits for their processes, up to
// a short grace per worker.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	workers := make([]*warmWorker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	for _, w := range workers {
		w.terminate()
	}
	for _, w := range workers {
		select {
		case <-w.exited:
		case <-time.After(10 * time.Second):
			slog.Warn("warm worker did not exit in time", "folder", w.folder, "worker_id", w.id)
		}
	}
}

// WorkerStat describes one live warm worker.
type WorkerStat struct {
	Folder     string    `json:"folder"`
	WorkerID   string    `json:"workerId"`
	State      string    `json:"state"`
	LastActive time.Time `json:"lastActive"`
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	WarmContainers int          `json:"warm_containers"`
	Workers        []WorkerStat `json:"workers"`
}

// PoolStats reports the live workers, sorted by folder.
func (p *Pool) PoolStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Stats{Workers: make([]WorkerStat, 0, len(p.workers))}
	for _, w := range p.workers {
		stats.Workers = append(stats.Workers, WorkerStat{
			Folder:     w.folder,
			WorkerID:   w.id,
			State:      w.currentState().String(),
			LastActive: w.idleSince(),
		})
	}
	sort.Slice(stats.Workers, func(i, j int) bool {
		return stats.Workers[i].Folder < stats.Workers[j].Folder
	})
	stats.WarmContainers = len(stats.Workers)
	return stats
}

func jobInput(job Job) protocol.WorkerInput {
	return protocol.WorkerInput{
		Prompt:          job.Prompt,
		SessionID:       job.SessionID,
		Folder:          job.Folder,
		SessionKey:      job.SessionKey,
		IsMain:          job.IsMain,
		IsScheduledTask: job.IsScheduledTask,
		ChatType:        job.ChatType,
	}
}

// warmEnv layers the warm-mode variables over the job's own env.
func warmEnv(base map[string]string, idle time.Duration) map[string]string {
	env := make(map[string]string, len(base)+2)
	for k, v := range base {
		env[k] = v
	}
	env["WARM_MODE"] = "true"
	env["IDLE_TIMEOUT"] = strconv.Itoa(int(idle.Seconds()))
	return env
}
