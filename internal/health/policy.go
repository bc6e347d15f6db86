// ABOUTME: Health classification policy and the HealthTimeoutError type
// ABOUTME: Maps self-reported payloads and missed probes onto healthy/degraded/unhealthy

package health

import (
	"fmt"
	"time"

	"github.com/2389/passage-gateway/internal/agent"
)

// DefaultFailureThreshold is the number of consecutive unanswered probes
// after which an agent is declared unhealthy.
const DefaultFailureThreshold = 1

// Policy holds the classification thresholds. Zero thresholds are disabled.
type Policy struct {
	FailureThreshold int
	MaxErrorRate     float64
	MaxResponseTime  time.Duration
	// StartupGrace ignores unanswered probes this long after monitoring begins.
	StartupGrace time.Duration
}

func (p Policy) failureThreshold() int {
	if p.FailureThreshold <= 0 {
		return DefaultFailureThreshold
	}
	return p.FailureThreshold
}

// Classify maps an answered probe onto a verdict.
func (p Policy) Classify(payload agent.HealthPayload) agent.Verdict {
	switch agent.Verdict(payload.Status) {
	case agent.VerdictUnhealthy:
		return agent.VerdictUnhealthy
	case agent.VerdictDegraded:
		return agent.VerdictDegraded
	}
	if p.MaxErrorRate > 0 && payload.ErrorRate() > p.MaxErrorRate {
		return agent.VerdictDegraded
	}
	if p.MaxResponseTime > 0 && payload.AverageResponseTime > float64(p.MaxResponseTime.Milliseconds()) {
		return agent.VerdictDegraded
	}
	return agent.VerdictHealthy
}

// HealthTimeoutError reports a probe that went unanswered within the timeout.
type HealthTimeoutError struct {
	AgentID string
	Timeout time.Duration
	Misses  int
	Err     error
}

func (e *HealthTimeoutError) Error() string {
	return fmt.Sprintf("agent %s health probe unanswered within %s (%d consecutive): %v", e.AgentID, e.Timeout, e.Misses, e.Err)
}

func (e *HealthTimeoutError) Unwrap() error { return e.Err }
