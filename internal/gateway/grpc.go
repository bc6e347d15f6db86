// ABOUTME: Mirrors supervisor agent status into the standard gRPC health service
// ABOUTME: Each agent id is a health service that is SERVING only while the agent runs

package gateway

import (
	"context"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/passage-gateway/internal/agent"
	"github.com/2389/passage-gateway/internal/events"
	"github.com/2389/passage-gateway/internal/supervisor"
)

// servingStatus maps an agent status onto a gRPC health status.
func servingStatus(s agent.Status) healthpb.HealthCheckResponse_ServingStatus {
	if s == agent.StatusRunning {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// mirrorAgentHealth keeps the gRPC health service in step with the
// supervisor until ctx is canceled.
func (g *Gateway) mirrorAgentHealth(ctx context.Context) {
	sub := g.broadcaster.Subscribe(ctx, events.AllAgents)

	// Seed after subscribing; a transition racing the seed is applied again
	// by its own event.
	for _, st := range g.sync.Agents() {
		g.grpcHealth.SetServingStatus(st.ID, servingStatus(st.Status))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if ev.Type != events.AgentStatus {
				continue
			}
			upd, ok := ev.Data.(supervisor.AgentUpdate)
			if !ok {
				continue
			}
			g.grpcHealth.SetServingStatus(upd.ID, servingStatus(upd.Status))
		}
	}
}
