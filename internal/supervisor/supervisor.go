// ABOUTME: Supervisor registry that starts, stops and restarts agent processes
// ABOUTME: Applies health verdicts and exit notifications under a per-agent operation lock

package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/passage-gateway/internal/agent"
	"github.com/2389/passage-gateway/internal/events"
	"github.com/2389/passage-gateway/internal/health"
	"github.com/2389/passage-gateway/internal/store"
)

// DefaultStopGrace is used when Config.StopGrace is zero.
const DefaultStopGrace = 5 * time.Second

// Process is one spawned agent process. *agent.Handle implements it.
type Process interface {
	Start() error
	Stop(grace time.Duration) error
	OnExit(fn func(agent.ExitReason))
	PID() int
	Alive() bool
	StartedAt() time.Time
}

// Launcher creates an unstarted process for a descriptor.
type Launcher func(desc agent.Descriptor, logger *slog.Logger) Process

// ProberFactory builds the health prober for a freshly spawned process.
type ProberFactory func(desc agent.Descriptor, proc Process) (health.Prober, error)

// AuditLog records lifecycle transitions. Failures are logged, never fatal.
type AuditLog interface {
	AppendAgentEvent(ctx context.Context, e *store.AgentEvent) error
}

// Config configures a Supervisor.
type Config struct {
	Descriptors   []agent.Descriptor
	Policy        health.Policy
	StopGrace     time.Duration
	Publisher     events.Publisher
	Audit         AuditLog
	Launcher      Launcher
	ProberFactory ProberFactory
	Logger        *slog.Logger
}

// entry is the supervision record for one descriptor.
type entry struct {
	desc agent.Descriptor

	// op serializes transitions; held for the full duration of one.
	op sync.Mutex

	// Fields below are written only with op held.
	proc         Process
	gen          uint64
	stopMonitor  func()
	restartTimer *time.Timer

	// mu guards state for readers that must not wait on op.
	mu    sync.RWMutex
	state agent.RuntimeState
}

func (e *entry) snapshot() agent.RuntimeState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := e.state
	if s.Health != nil {
		h := *s.Health
		s.Health = &h
	}
	return s
}

func (e *entry) update(fn func(s *agent.RuntimeState)) agent.RuntimeState {
	e.mu.Lock()
	fn(&e.state)
	e.mu.Unlock()
	return e.snapshot()
}

// Supervisor owns all agent runtime state.
type Supervisor struct {
	entries map[string]*entry
	order   []string

	policy    health.Policy
	stopGrace time.Duration
	publisher events.Publisher
	audit     AuditLog
	launch    Launcher
	newProber ProberFactory
	logger    *slog.Logger
}

// New creates a Supervisor with every agent stopped.
func New(cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		entries:   make(map[string]*entry, len(cfg.Descriptors)),
		policy:    cfg.Policy,
		stopGrace: cfg.StopGrace,
		publisher: cfg.Publisher,
		audit:     cfg.Audit,
		launch:    cfg.Launcher,
		newProber: cfg.ProberFactory,
		logger:    logger.With("component", "supervisor"),
	}
	if s.stopGrace <= 0 {
		s.stopGrace = DefaultStopGrace
	}
	if s.publisher == nil {
		s.publisher = events.Discard
	}
	if s.launch == nil {
		s.launch = func(desc agent.Descriptor, logger *slog.Logger) Process {
			return agent.NewHandle(desc, logger)
		}
	}
	if s.newProber == nil {
		s.newProber = func(desc agent.Descriptor, proc Process) (health.Prober, error) {
			return health.NewProber(desc, proc)
		}
	}

	for _, d := range cfg.Descriptors {
		s.entries[d.ID] = &entry{
			desc: d,
			state: agent.RuntimeState{
				ID:          d.ID,
				Name:        d.DisplayName(),
				Status:      agent.StatusStopped,
				MaxRestarts: d.MaxRestarts,
			},
		}
		s.order = append(s.order, d.ID)
	}
	return s
}

func (s *Supervisor) get(id string) (*entry, error) {
	e, ok := s.entries[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return e, nil
}

// Start launches an agent. Starting an agent that is already starting or
// running returns its current state without spawning. A manual start resets
// the restart count.
func (s *Supervisor) Start(id string) (agent.RuntimeState, error) {
	e, err := s.get(id)
	if err != nil {
		return agent.RuntimeState{}, err
	}
	e.op.Lock()
	defer e.op.Unlock()
	return s.startLocked(e)
}

func (s *Supervisor) startLocked(e *entry) (agent.RuntimeState, error) {
	switch e.snapshot().Status {
	case agent.StatusStarting, agent.StatusRunning:
		return e.snapshot(), nil
	}

	s.cancelRestartLocked(e)
	e.update(func(st *agent.RuntimeState) { st.RestartCount = 0 })
	err := s.spawnLocked(e, false)
	return e.snapshot(), err
}

// Stop gracefully stops an agent and blocks until its process is gone.
// It does not touch the restart count. Stopping an exhausted agent is a no-op.
func (s *Supervisor) Stop(id string) (agent.RuntimeState, error) {
	e, err := s.get(id)
	if err != nil {
		return agent.RuntimeState{}, err
	}
	e.op.Lock()
	defer e.op.Unlock()
	return s.stopLocked(e)
}

func (s *Supervisor) stopLocked(e *entry) (agent.RuntimeState, error) {
	status := e.snapshot().Status
	switch status {
	case agent.StatusStopped, agent.StatusExhausted:
		return e.snapshot(), nil
	case agent.StatusCrashed:
		s.cancelRestartLocked(e)
		err := s.releaseLocked(e)
		st := e.update(func(st *agent.RuntimeState) {
			st.Status = agent.StatusStopped
			st.PID = 0
		})
		s.publishStatus(e, st)
		return st, err
	}

	s.stopMonitorLocked(e)
	st := e.update(func(st *agent.RuntimeState) { st.Status = agent.StatusStopping })
	s.publishStatus(e, st)

	err := s.releaseLocked(e)
	if err != nil {
		s.logger.Error("stopping agent", "agent_id", e.desc.ID, "error", err)
	}

	st = e.update(func(st *agent.RuntimeState) {
		st.Status = agent.StatusStopped
		st.PID = 0
		st.Verdict = agent.VerdictUnknown
	})
	s.logger.Info("agent stopped", "agent_id", e.desc.ID)
	s.publisher.Publish(events.AgentTopic(e.desc.ID), events.AgentStopped, agentUpdate(st))
	s.publishStatus(e, st)
	s.record(e, store.AgentEventStopped, st, "")
	return st, err
}

// Restart stops and then starts an agent as one serialized operation. The
// restart count is reset as for any manual start.
func (s *Supervisor) Restart(id string) (agent.RuntimeState, error) {
	e, err := s.get(id)
	if err != nil {
		return agent.RuntimeState{}, err
	}
	e.op.Lock()
	defer e.op.Unlock()

	if _, err := s.stopLocked(e); err != nil {
		return e.snapshot(), err
	}
	// An exhausted agent ignores stop; move it out explicitly.
	if e.snapshot().Status == agent.StatusExhausted {
		e.update(func(st *agent.RuntimeState) { st.Status = agent.StatusStopped })
	}
	return s.startLocked(e)
}

// StartAutostart starts every agent whose descriptor sets Autostart.
func (s *Supervisor) StartAutostart() {
	for _, id := range s.order {
		if !s.entries[id].desc.Autostart {
			continue
		}
		if _, err := s.Start(id); err != nil {
			s.logger.Error("autostart failed", "agent_id", id, "error", err)
		}
	}
}

// StopAll stops every agent concurrently and waits for all of them.
func (s *Supervisor) StopAll(ctx context.Context) error {
	var g errgroup.Group
	for _, id := range s.order {
		g.Go(func() error {
			_, err := s.Stop(id)
			return err
		})
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// spawnLocked launches a new process generation. The caller holds e.op.
// An automatic restart is counted against the budget only once the process
// is up and monitored.
func (s *Supervisor) spawnLocked(e *entry, automatic bool) error {
	if err := s.releaseLocked(e); err != nil {
		s.logger.Warn("previous process did not stop cleanly", "agent_id", e.desc.ID, "error", err)
	}

	e.gen++
	gen := e.gen
	proc := s.launch(e.desc, s.logger)

	st := e.update(func(st *agent.RuntimeState) {
		st.Status = agent.StatusStarting
		st.PID = 0
		st.LastError = ""
		st.Verdict = agent.VerdictUnknown
		st.Health = nil
	})
	s.publishStatus(e, st)

	proc.OnExit(func(r agent.ExitReason) { s.handleExit(e, gen, r) })
	if err := proc.Start(); err != nil {
		s.failSpawnLocked(e, err)
		return err
	}
	e.proc = proc

	if err := s.startMonitorLocked(e, gen, proc); err != nil {
		_ = proc.Stop(s.stopGrace)
		e.proc = nil
		s.failSpawnLocked(e, &agent.SpawnError{AgentID: e.desc.ID, Command: e.desc.Command, Err: err})
		return err
	}

	st = e.update(func(st *agent.RuntimeState) {
		st.PID = proc.PID()
		st.LastStart = proc.StartedAt()
		if automatic {
			st.RestartCount++
		}
	})
	s.logger.Info("agent spawned", "agent_id", e.desc.ID, "pid", st.PID, "restart_count", st.RestartCount)
	s.record(e, store.AgentEventSpawned, st, "")
	return nil
}

// failSpawnLocked records a launch failure. It consumes no restart budget
// and schedules no retry.
func (s *Supervisor) failSpawnLocked(e *entry, err error) {
	st := e.update(func(st *agent.RuntimeState) {
		st.Status = agent.StatusCrashed
		st.PID = 0
		st.LastError = err.Error()
	})
	s.logger.Error("agent spawn failed", "agent_id", e.desc.ID, "error", err)
	s.publisher.Publish(events.AgentTopic(e.desc.ID), events.AgentCrashed, agentUpdate(st))
	s.publishStatus(e, st)
	s.record(e, store.AgentEventSpawnFailed, st, err.Error())
}

func (s *Supervisor) startMonitorLocked(e *entry, gen uint64, proc Process) error {
	prober, err := s.newProber(e.desc, proc)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.stopMonitor = func() {
		cancel()
		if c, ok := prober.(io.Closer); ok {
			_ = c.Close()
		}
	}

	m := health.NewMonitor(health.MonitorConfig{
		AgentID:  e.desc.ID,
		Interval: e.desc.HealthCheckInterval,
		Timeout:  e.desc.HealthCheckTimeout,
		Prober:   prober,
		Policy:   s.policy,
		Logger:   s.logger,
		OnResult: func(r health.Result) { s.applyHealth(e, gen, r) },
	})
	go m.Run(ctx)
	return nil
}

func (s *Supervisor) stopMonitorLocked(e *entry) {
	if e.stopMonitor != nil {
		e.stopMonitor()
		e.stopMonitor = nil
	}
}

// releaseLocked makes sure the previous process generation is gone.
func (s *Supervisor) releaseLocked(e *entry) error {
	s.stopMonitorLocked(e)
	if e.proc == nil {
		return nil
	}
	proc := e.proc
	e.proc = nil
	if !proc.Alive() {
		return nil
	}
	return proc.Stop(s.stopGrace)
}

func (s *Supervisor) cancelRestartLocked(e *entry) {
	if e.restartTimer != nil {
		e.restartTimer.Stop()
		e.restartTimer = nil
	}
}

// applyHealth folds a monitor result into the agent state.
func (s *Supervisor) applyHealth(e *entry, gen uint64, r health.Result) {
	e.op.Lock()
	defer e.op.Unlock()

	if gen != e.gen {
		return
	}
	status := e.snapshot().Status
	if status != agent.StatusStarting && status != agent.StatusRunning {
		return
	}

	st := e.update(func(st *agent.RuntimeState) {
		st.LastHealthCheck = r.CheckedAt
		if r.Verdict != agent.VerdictUnknown {
			st.Verdict = r.Verdict
		}
		if r.Payload != nil {
			p := *r.Payload
			st.Health = &p
		}
	})
	s.publisher.Publish(events.AgentTopic(e.desc.ID), events.AgentHealth, HealthUpdate{
		ID:        e.desc.ID,
		Name:      st.Name,
		Verdict:   r.Verdict,
		Health:    st.Health,
		CheckedAt: r.CheckedAt,
	})

	if r.Verdict == agent.VerdictUnhealthy {
		cause := r.Err
		if cause == nil {
			cause = errors.New("agent reported unhealthy")
		}
		s.crashLocked(e, cause)
		return
	}

	if status == agent.StatusStarting && r.Answered {
		st = e.update(func(st *agent.RuntimeState) { st.Status = agent.StatusRunning })
		s.logger.Info("agent running", "agent_id", e.desc.ID, "pid", st.PID)
		s.publisher.Publish(events.AgentTopic(e.desc.ID), events.AgentStarted, agentUpdate(st))
		s.publishStatus(e, st)
		s.record(e, store.AgentEventRunning, st, "")
	}
}

// handleExit reacts to a process exit notification.
func (s *Supervisor) handleExit(e *entry, gen uint64, r agent.ExitReason) {
	if r.Expected {
		return
	}
	e.op.Lock()
	defer e.op.Unlock()

	if gen != e.gen {
		return
	}
	status := e.snapshot().Status
	if status != agent.StatusStarting && status != agent.StatusRunning {
		return
	}
	s.crashLocked(e, r.Err)
}

// crashLocked applies the restart policy after a crash.
func (s *Supervisor) crashLocked(e *entry, cause error) {
	s.stopMonitorLocked(e)

	st := e.update(func(st *agent.RuntimeState) {
		st.Status = agent.StatusCrashed
		st.LastError = cause.Error()
	})
	s.logger.Warn("agent crashed", "agent_id", e.desc.ID, "error", cause, "restart_count", st.RestartCount)
	s.publisher.Publish(events.AgentTopic(e.desc.ID), events.AgentCrashed, agentUpdate(st))
	s.publishStatus(e, st)
	s.record(e, store.AgentEventCrashed, st, cause.Error())

	if st.RestartCount >= e.desc.MaxRestarts {
		exhausted := &RestartBudgetExhaustedError{AgentID: e.desc.ID, MaxRestarts: e.desc.MaxRestarts, Cause: cause}
		st = e.update(func(st *agent.RuntimeState) {
			st.Status = agent.StatusExhausted
			st.LastError = exhausted.Error()
		})
		s.logger.Error("agent restart budget exhausted", "agent_id", e.desc.ID, "max_restarts", e.desc.MaxRestarts)
		s.publishStatus(e, st)
		s.record(e, store.AgentEventExhausted, st, exhausted.Error())

		// An unhealthy process may still be alive; do not leave it behind.
		if proc := e.proc; proc != nil && proc.Alive() {
			go func() { _ = proc.Stop(s.stopGrace) }()
		}
		return
	}

	gen := e.gen
	e.restartTimer = time.AfterFunc(e.desc.RestartDelay, func() { s.autoRestart(e, gen) })
}

// autoRestart performs one budgeted restart if nothing superseded it.
func (s *Supervisor) autoRestart(e *entry, gen uint64) {
	e.op.Lock()
	defer e.op.Unlock()

	if gen != e.gen || e.snapshot().Status != agent.StatusCrashed {
		return
	}
	e.restartTimer = nil

	st := e.snapshot()
	s.logger.Info("restarting agent", "agent_id", e.desc.ID, "attempt", st.RestartCount+1, "max_restarts", e.desc.MaxRestarts)
	s.record(e, store.AgentEventRestarting, st, "")
	_ = s.spawnLocked(e, true)
}

func (s *Supervisor) publishStatus(e *entry, st agent.RuntimeState) {
	s.publisher.Publish(events.AgentTopic(e.desc.ID), events.AgentStatus, agentUpdate(st))
}

func (s *Supervisor) record(e *entry, kind store.AgentEventKind, st agent.RuntimeState, detail string) {
	if s.audit == nil {
		return
	}
	ev := &store.AgentEvent{
		AgentID:      e.desc.ID,
		Kind:         kind,
		Status:       string(st.Status),
		PID:          st.PID,
		RestartCount: st.RestartCount,
		Detail:       detail,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.audit.AppendAgentEvent(ctx, ev); err != nil {
		s.logger.Warn("failed to record agent event", "agent_id", e.desc.ID, "kind", kind, "error", err)
	}
}
