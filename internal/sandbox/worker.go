package sandbox

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/nanoclaw/pkg/protocol"
)

// workerState tracks one warm worker through its lifecycle.
type workerState int

const (
	stateAbsent workerState = iota
	stateStarting
	stateReady
	stateBusy
	stateDraining
	stateDead
)

func (s workerState) String() string {
	switch s {
	case stateStarting:
		return "starting"
	case stateReady:
		return "ready"
	case stateBusy:
		return "busy"
	case stateDraining:
		return "draining"
	case stateDead:
		return "dead"
	default:
		return "absent"
	}
}

// request is one job handed to a warm worker's serve loop.
type request struct {
	input   protocol.WorkerInput
	timeout time.Duration
	done    chan response
}

type response struct {
	output *protocol.WorkerOutput
	err    error
}

// warmWorker wraps a WARM_MODE container with line-framed stdio. The stderr
// watcher owns readiness transitions; the serve loop owns request handling;
// the reaper records the exit and closes exited.
type warmWorker struct {
	id     string
	folder string

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	cancel context.CancelFunc

	stdinMu sync.Mutex

	requests chan *request
	frames   chan string
	ready    chan struct{}
	exited   chan struct{}

	frameMu    sync.Mutex
	collecting bool
	payload    *CapWriter

	stderrTail *CapWriter

	mu         sync.Mutex
	state      workerState
	lastActive time.Time
	exitErr    error
}

func newWarmWorker(folder string, maxOutput int64) *warmWorker {
	return &warmWorker{
		id:         uuid.NewString(),
		folder:     folder,
		requests:   make(chan *request),
		frames:     make(chan string, 4),
		ready:      make(chan struct{}, 1),
		exited:     make(chan struct{}),
		payload:    NewCapWriter(maxOutput),
		stderrTail: NewCapWriter(4096),
		state:      stateStarting,
		lastActive: time.Now(),
	}
}

func (w *warmWorker) currentState() workerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *warmWorker) setState(s workerState) {
	w.mu.Lock()
	prev := w.state
	w.state = s
	w.mu.Unlock()
	if prev != s {
		slog.Debug("warm worker state", "folder", w.folder, "worker_id", w.id,
			"from", prev.String(), "to", s.String())
	}
}

func (w *warmWorker) touch() {
	w.mu.Lock()
	w.lastActive = time.Now()
	w.mu.Unlock()
}

func (w *warmWorker) idleSince() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastActive
}

// terminate asks the process to exit. The reaper observes the actual exit;
// callers that need to block wait on w.exited.
func (w *warmWorker) terminate() {
	w.setState(stateDraining)
	w.cancel()
}

// reap waits for the process and closes exited. Runs once per worker.
func (w *warmWorker) reap() {
	err := w.cmd.Wait()
	w.mu.Lock()
	w.exitErr = err
	w.state = stateDead
	w.mu.Unlock()
	close(w.exited)
}

// exitError describes why the process is gone, with a stderr excerpt when one
// was captured.
func (w *warmWorker) exitError() error {
	w.mu.Lock()
	err := w.exitErr
	w.mu.Unlock()
	if err == nil {
		return fmt.Errorf("worker process exited")
	}
	if tail := strings.TrimSpace(w.stderrTail.Tail(coldStderrExcerpt)); tail != "" {
		return fmt.Errorf("%w; stderr: %s", err, tail)
	}
	return err
}

func (w *warmWorker) writeStdin(data []byte) error {
	w.stdinMu.Lock()
	defer w.stdinMu.Unlock()
	_, err := w.stdin.Write(data)
	return err
}

// serve handles requests one at a time until the process exits.
func (w *warmWorker) serve() {
	for {
		select {
		case <-w.exited:
			return
		case req := <-w.requests:
			w.handle(req)
		}
	}
}

func (w *warmWorker) handle(req *request) {
	w.touch()

	data, err := protocol.EncodeInput(req.input)
	if err != nil {
		req.done <- response{err: err}
		w.setState(stateReady)
		return
	}
	if err := w.writeStdin(data); err != nil {
		req.done <- response{err: fmt.Errorf("write worker stdin: %w", err)}
		w.terminate()
		return
	}

	timer := time.NewTimer(req.timeout)
	defer timer.Stop()

	select {
	case payload := <-w.frames:
		out, err := protocol.DecodeOutput(payload)
		if err != nil {
			req.done <- response{err: err}
			w.terminate()
			return
		}
		w.touch()
		req.done <- response{output: out}
	case <-timer.C:
		req.done <- response{err: fmt.Errorf("worker timed out after %s", req.timeout)}
		slog.Warn("warm worker request deadline exceeded, killing",
			"folder", w.folder, "worker_id", w.id, "timeout", req.timeout)
		w.terminate()
	case <-w.exited:
		req.done <- response{err: fmt.Errorf("worker exited during request: %w", w.exitError())}
	}
}

// watchStdout frames payloads between the output markers and delivers them on
// w.frames. Text outside a frame is discarded.
func (w *warmWorker) watchStdout(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch strings.TrimSpace(line) {
		case protocol.OutputStartMarker:
			w.frameMu.Lock()
			w.collecting = true
			w.payload.Reset()
			w.frameMu.Unlock()
		case protocol.OutputEndMarker:
			w.frameMu.Lock()
			w.collecting = false
			if w.payload.Truncated() {
				slog.Warn("warm worker output truncated", "folder", w.folder, "worker_id", w.id)
			}
			frame := w.payload.String()
			w.payload.Reset()
			w.frameMu.Unlock()
			select {
			case w.frames <- frame:
			default:
				slog.Warn("discarding unconsumed worker frame", "folder", w.folder, "worker_id", w.id)
			}
		default:
			w.frameMu.Lock()
			if w.collecting {
				w.payload.Write([]byte(line + "\n"))
			}
			w.frameMu.Unlock()
		}
	}
}

// watchStderr logs worker stderr and handles readiness markers: each marker
// clears any half-collected frame and transitions the worker back to ready.
func (w *warmWorker) watchStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == protocol.ReadyMarker {
			w.frameMu.Lock()
			w.collecting = false
			w.payload.Reset()
			w.frameMu.Unlock()

			w.mu.Lock()
			if w.state == stateStarting || w.state == stateBusy {
				w.state = stateReady
			}
			w.mu.Unlock()

			select {
			case w.ready <- struct{}{}:
			default:
			}
			continue
		}
		w.stderrTail.Write([]byte(line + "\n"))
		slog.Debug("worker stderr", "folder", w.folder, "worker_id", w.id, "line", line)
	}
}
