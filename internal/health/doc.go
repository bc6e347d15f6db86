// Package health probes running agents and classifies their health.
//
// # Overview
//
// A Monitor runs one probe every interval against a single agent and hands
// each classified Result to a callback. It never mutates agent state itself;
// the supervisor owns that and applies results through its own methods.
//
// # Probers
//
//   - HTTPProber: GET <endpoint>/health, JSON HealthPayload body
//   - GRPCProber: grpc.health.v1.Health/Check against host:port
//   - ProcessProber: liveness only, for agents without a health endpoint
//
// # Classification
//
//	healthy    answered, no threshold breached
//	degraded   answered but error rate or response time over the policy
//	           threshold, or a missed probe below the failure threshold
//	unhealthy  reported unhealthy, or FailureThreshold consecutive probes
//	           unanswered within the timeout
//
// Only unhealthy results lead the supervisor to restart an agent.
package health
