// ABOUTME: Tests for the health monitor loop and classification policy
// ABOUTME: Uses fake probers to drive healthy, degraded, unanswered and recovery cycles

package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/passage-gateway/internal/agent"
)

// scriptedProber returns queued answers; a nil entry blocks until ctx ends.
type scriptedProber struct {
	mu      sync.Mutex
	answers []*agent.HealthPayload
	last    *agent.HealthPayload
}

func (p *scriptedProber) Probe(ctx context.Context) (agent.HealthPayload, error) {
	p.mu.Lock()
	next := p.last
	if len(p.answers) > 0 {
		next = p.answers[0]
		p.answers = p.answers[1:]
	}
	p.mu.Unlock()

	if next == nil {
		<-ctx.Done()
		return agent.HealthPayload{}, ctx.Err()
	}
	return *next, nil
}

func healthy() *agent.HealthPayload {
	return &agent.HealthPayload{Status: "healthy", Uptime: 12, RequestsHandled: 10}
}

func collect(t *testing.T, cfg MonitorConfig, n int) []Result {
	t.Helper()
	results := make(chan Result, n+8)
	cfg.OnResult = func(r Result) { results <- r }

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go NewMonitor(cfg).Run(ctx)

	out := make([]Result, 0, n)
	for len(out) < n {
		select {
		case r := <-results:
			out = append(out, r)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d of %d results", len(out), n)
		}
	}
	return out
}

func TestPolicy_Classify(t *testing.T) {
	policy := Policy{MaxErrorRate: 0.2, MaxResponseTime: 500 * time.Millisecond}

	tests := []struct {
		name    string
		payload agent.HealthPayload
		want    agent.Verdict
	}{
		{"healthy", agent.HealthPayload{Status: "healthy", RequestsHandled: 100, Errors: 1}, agent.VerdictHealthy},
		{"reported unhealthy", agent.HealthPayload{Status: "unhealthy"}, agent.VerdictUnhealthy},
		{"reported degraded", agent.HealthPayload{Status: "degraded"}, agent.VerdictDegraded},
		{"error rate breach", agent.HealthPayload{Status: "healthy", RequestsHandled: 10, Errors: 5}, agent.VerdictDegraded},
		{"slow responses", agent.HealthPayload{Status: "healthy", AverageResponseTime: 900}, agent.VerdictDegraded},
		{"empty status", agent.HealthPayload{}, agent.VerdictHealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, policy.Classify(tt.payload))
		})
	}
}

func TestPolicy_ZeroThresholdsDisabled(t *testing.T) {
	p := Policy{}
	assert.Equal(t, agent.VerdictHealthy, p.Classify(agent.HealthPayload{Errors: 9, RequestsHandled: 10, AverageResponseTime: 1e6}))
	assert.Equal(t, DefaultFailureThreshold, p.failureThreshold())
}

func TestMonitor_HealthyProbe(t *testing.T) {
	prober := &scriptedProber{last: healthy()}
	results := collect(t, MonitorConfig{
		AgentID:  "weather",
		Interval: 10 * time.Millisecond,
		Timeout:  50 * time.Millisecond,
		Prober:   prober,
	}, 2)

	for _, r := range results {
		assert.True(t, r.Answered)
		assert.Equal(t, agent.VerdictHealthy, r.Verdict)
		require.NotNil(t, r.Payload)
		assert.Equal(t, float64(12), r.Payload.Uptime)
		assert.Equal(t, "weather", r.AgentID)
	}
}

func TestMonitor_UnansweredIsUnhealthyWithDefaultThreshold(t *testing.T) {
	prober := &scriptedProber{} // blocks forever
	results := collect(t, MonitorConfig{
		AgentID:  "tides",
		Interval: 20 * time.Millisecond,
		Timeout:  10 * time.Millisecond,
		Prober:   prober,
	}, 1)

	r := results[0]
	assert.False(t, r.Answered)
	assert.Equal(t, agent.VerdictUnhealthy, r.Verdict)
	assert.Equal(t, 1, r.Misses)

	var timeoutErr *HealthTimeoutError
	require.True(t, errors.As(r.Err, &timeoutErr))
	assert.Equal(t, "tides", timeoutErr.AgentID)
	assert.ErrorIs(t, r.Err, context.DeadlineExceeded)
}

// Scaled-down version of: timeout 5000ms, agent silent for 6000ms, verdict
// must be unhealthy by the next scheduled probe cycle.
func TestMonitor_SilentAgentUnhealthyByNextCycle(t *testing.T) {
	const (
		interval = 100 * time.Millisecond
		timeout  = 50 * time.Millisecond
	)
	prober := &scriptedProber{}
	results := make(chan Result, 4)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	start := time.Now()
	go NewMonitor(MonitorConfig{
		AgentID:  "route",
		Interval: interval,
		Timeout:  timeout,
		Prober:   prober,
		OnResult: func(r Result) { results <- r },
	}).Run(ctx)

	select {
	case r := <-results:
		assert.Equal(t, agent.VerdictUnhealthy, r.Verdict)
		assert.LessOrEqual(t, time.Since(start), 2*interval+timeout)
	case <-time.After(2 * time.Second):
		t.Fatal("no verdict")
	}
}

func TestMonitor_FailureThresholdCountsConsecutiveMisses(t *testing.T) {
	prober := &scriptedProber{answers: []*agent.HealthPayload{nil, nil, healthy(), nil, nil, nil}, last: nil}
	results := collect(t, MonitorConfig{
		AgentID:  "safety",
		Interval: 15 * time.Millisecond,
		Timeout:  5 * time.Millisecond,
		Prober:   prober,
		Policy:   Policy{FailureThreshold: 3},
	}, 6)

	verdicts := make([]agent.Verdict, len(results))
	for i, r := range results {
		verdicts[i] = r.Verdict
	}
	assert.Equal(t, []agent.Verdict{
		agent.VerdictDegraded,
		agent.VerdictDegraded,
		agent.VerdictHealthy, // answer resets the streak
		agent.VerdictDegraded,
		agent.VerdictDegraded,
		agent.VerdictUnhealthy,
	}, verdicts)
	assert.Equal(t, 3, results[5].Misses)
}

func TestMonitor_StartupGraceIgnoresMisses(t *testing.T) {
	prober := &scriptedProber{answers: []*agent.HealthPayload{nil, nil}, last: healthy()}
	results := collect(t, MonitorConfig{
		AgentID:  "port",
		Interval: 10 * time.Millisecond,
		Timeout:  5 * time.Millisecond,
		Prober:   prober,
		Policy:   Policy{StartupGrace: time.Minute},
	}, 3)

	assert.Equal(t, agent.VerdictUnknown, results[0].Verdict)
	assert.Equal(t, agent.VerdictUnknown, results[1].Verdict)
	assert.Error(t, results[0].Err)
	assert.Equal(t, agent.VerdictHealthy, results[2].Verdict)
}

func TestMonitor_StopsOnContextCancel(t *testing.T) {
	var mu sync.Mutex
	count := 0
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		NewMonitor(MonitorConfig{
			AgentID:  "wind",
			Interval: 5 * time.Millisecond,
			Timeout:  5 * time.Millisecond,
			Prober:   &scriptedProber{last: healthy()},
			OnResult: func(Result) {
				mu.Lock()
				count++
				mu.Unlock()
			},
		}).Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Positive(t, count)
}
