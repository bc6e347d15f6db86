// ABOUTME: Periodic health monitor for one running agent
// ABOUTME: Runs probes on a ticker with a per-probe timeout and reports classified results

package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/passage-gateway/internal/agent"
)

// Result is the outcome of one probe cycle.
type Result struct {
	AgentID   string
	Verdict   agent.Verdict
	Answered  bool
	Payload   *agent.HealthPayload
	Err       error
	CheckedAt time.Time
	Latency   time.Duration
	// Misses is the number of consecutive unanswered probes, this one included.
	Misses int
}

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	AgentID  string
	Interval time.Duration
	Timeout  time.Duration
	Prober   Prober
	Policy   Policy
	Logger   *slog.Logger
	OnResult func(Result)
}

// Monitor probes one agent until its context is cancelled.
type Monitor struct {
	cfg    MonitorConfig
	logger *slog.Logger
	misses int
	begin  time.Time
}

// NewMonitor creates a monitor. Call Run to start probing.
func NewMonitor(cfg MonitorConfig) *Monitor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.OnResult == nil {
		cfg.OnResult = func(Result) {}
	}
	return &Monitor{
		cfg:    cfg,
		logger: logger.With("component", "health", "agent_id", cfg.AgentID),
	}
}

// Run probes every interval until ctx is cancelled. The first probe fires
// one interval after Run starts.
func (m *Monitor) Run(ctx context.Context) {
	m.begin = time.Now()
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, ok := m.check(ctx)
			if !ok {
				return
			}
			m.cfg.OnResult(res)
		}
	}
}

type probeOutcome struct {
	payload agent.HealthPayload
	err     error
}

// check runs one probe. ok is false when ctx was cancelled mid-probe.
func (m *Monitor) check(ctx context.Context) (Result, bool) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	start := time.Now()
	outcome := make(chan probeOutcome, 1)
	go func() {
		p, err := m.cfg.Prober.Probe(probeCtx)
		outcome <- probeOutcome{payload: p, err: err}
	}()

	var o probeOutcome
	select {
	case o = <-outcome:
	case <-probeCtx.Done():
		o.err = probeCtx.Err()
	}
	if ctx.Err() != nil {
		return Result{}, false
	}

	res := Result{
		AgentID:   m.cfg.AgentID,
		CheckedAt: time.Now(),
		Latency:   time.Since(start),
	}

	if o.err == nil {
		m.misses = 0
		res.Answered = true
		res.Payload = &o.payload
		res.Verdict = m.cfg.Policy.Classify(o.payload)
		return res, true
	}

	if m.cfg.Policy.StartupGrace > 0 && time.Since(m.begin) < m.cfg.Policy.StartupGrace {
		m.logger.Debug("health probe unanswered during startup grace", "error", o.err)
		res.Err = o.err
		return res, true
	}

	m.misses++
	res.Misses = m.misses
	res.Err = &HealthTimeoutError{
		AgentID: m.cfg.AgentID,
		Timeout: m.cfg.Timeout,
		Misses:  m.misses,
		Err:     o.err,
	}
	if m.misses >= m.cfg.Policy.failureThreshold() {
		res.Verdict = agent.VerdictUnhealthy
		m.logger.Warn("health probe failed", "misses", m.misses, "error", o.err)
	} else {
		res.Verdict = agent.VerdictDegraded
		m.logger.Debug("health probe missed", "misses", m.misses, "error", o.err)
	}
	return res, true
}
