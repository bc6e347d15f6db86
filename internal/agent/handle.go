// ABOUTME: Handle owns exactly one OS process for an agent descriptor
// ABOUTME: Start, graceful Stop with forced kill escalation, and one-shot exit notification

package agent

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// waitDelay bounds how long Wait keeps copying output after the process
// exits, for grandchildren that inherited the pipes.
const waitDelay = 2 * time.Second

// ExitReason describes how a process lifetime ended.
type ExitReason struct {
	// Expected is true when the exit followed Stop or Kill.
	Expected bool
	ExitCode int
	// Err is a *CrashError for unexpected exits and nil otherwise.
	Err error
}

// Handle wraps a single process lifetime. A Handle is not reusable: the
// supervisor creates a new one for every spawn.
type Handle struct {
	desc   Descriptor
	logger *slog.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	started   bool
	stopping  bool
	startedAt time.Time
	exit      ExitReason
	onExit    func(ExitReason)
	fired     bool

	done chan struct{}
}

// NewHandle creates an unstarted handle for desc.
func NewHandle(desc Descriptor, logger *slog.Logger) *Handle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handle{
		desc:   desc,
		logger: logger.With("agent_id", desc.ID),
		done:   make(chan struct{}),
	}
}

// Start launches the process. A launch failure is returned as *SpawnError
// and leaves the handle exited, so Done is closed and no exit handler fires.
func (h *Handle) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return ErrAlreadyStarted
	}
	h.started = true

	cmd := exec.Command(h.desc.Command, h.desc.Args...)
	cmd.Dir = h.desc.WorkingDir
	cmd.Env = os.Environ()
	for k, v := range h.desc.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stdout = &lineLogger{logger: h.logger, stream: "stdout"}
	cmd.Stderr = &lineLogger{logger: h.logger, stream: "stderr"}
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		h.fired = true
		close(h.done)
		return &SpawnError{AgentID: h.desc.ID, Command: h.desc.Command, Err: err}
	}

	h.cmd = cmd
	h.startedAt = time.Now()
	h.logger.Debug("agent process spawned", "pid", cmd.Process.Pid, "command", h.desc.Command)

	go h.wait()
	return nil
}

// wait reaps the process and fires the exit handler exactly once.
func (h *Handle) wait() {
	err := h.cmd.Wait()

	h.mu.Lock()
	pid := h.cmd.Process.Pid
	code := -1
	if h.cmd.ProcessState != nil {
		code = h.cmd.ProcessState.ExitCode()
	}
	reason := ExitReason{Expected: h.stopping, ExitCode: code}
	if !h.stopping {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			err = nil
		}
		reason.Err = &CrashError{AgentID: h.desc.ID, PID: pid, ExitCode: code, Err: err}
	}
	h.exit = reason
	close(h.done)
	fn := h.takeHandlerLocked()
	h.mu.Unlock()

	h.logger.Debug("agent process exited", "pid", pid, "exit_code", code, "expected", reason.Expected)
	if fn != nil {
		fn(reason)
	}
}

// takeHandlerLocked returns the exit handler if it has not fired yet.
// Must be called with mu held.
func (h *Handle) takeHandlerLocked() func(ExitReason) {
	if h.fired || h.onExit == nil {
		return nil
	}
	h.fired = true
	return h.onExit
}

// OnExit registers the one-shot exit handler. If the process already exited,
// fn runs immediately on a new goroutine. Later registrations replace an
// unfired handler.
func (h *Handle) OnExit(fn func(ExitReason)) {
	h.mu.Lock()
	h.onExit = fn
	var exited bool
	select {
	case <-h.done:
		exited = h.cmd != nil
	default:
	}
	var run func(ExitReason)
	if exited {
		run = h.takeHandlerLocked()
	}
	reason := h.exit
	h.mu.Unlock()

	if run != nil {
		go run(reason)
	}
}

// Stop sends a termination signal and escalates to a forced kill if the
// process has not exited within grace. It returns once the process is gone.
func (h *Handle) Stop(grace time.Duration) error {
	h.mu.Lock()
	if h.cmd == nil {
		h.mu.Unlock()
		return nil
	}
	select {
	case <-h.done:
		h.mu.Unlock()
		return nil
	default:
	}
	h.stopping = true
	proc := h.cmd.Process
	h.mu.Unlock()

	if err := terminate(proc); err != nil {
		h.logger.Debug("terminate signal failed, killing", "error", err)
		_ = kill(proc)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-h.done:
		return nil
	case <-timer.C:
		h.logger.Warn("agent did not exit within grace period, killing", "grace", grace)
		if err := kill(proc); err != nil && !errors.Is(err, os.ErrProcessDone) {
			<-h.done
			return err
		}
	}
	<-h.done
	return nil
}

// Kill forcibly terminates the process and waits for it to be reaped.
func (h *Handle) Kill() error {
	h.mu.Lock()
	if h.cmd == nil {
		h.mu.Unlock()
		return nil
	}
	h.stopping = true
	proc := h.cmd.Process
	h.mu.Unlock()

	err := kill(proc)
	<-h.done
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Done is closed once the process has been reaped (or failed to start).
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// PID returns the process id, or 0 if the process never started.
func (h *Handle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// StartedAt returns when the process was spawned.
func (h *Handle) StartedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.startedAt
}

// Alive reports whether the process has been spawned and not yet reaped.
func (h *Handle) Alive() bool {
	h.mu.Lock()
	started := h.cmd != nil
	h.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// lineLogger forwards process output to the logger one line at a time.
type lineLogger struct {
	logger *slog.Logger
	stream string
	buf    bytes.Buffer
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.buf.Write(p)
	for {
		line, err := l.buf.ReadBytes('\n')
		if err != nil {
			// Incomplete line: keep it for the next write.
			l.buf.Write(line)
			return len(p), nil
		}
		l.logger.Debug("agent output", "stream", l.stream, "line", string(bytes.TrimRight(line, "\r\n")))
	}
}
