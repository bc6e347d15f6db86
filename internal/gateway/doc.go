// Package gateway orchestrates the passage-gateway server components.
//
// # Overview
//
// The gateway package wires the supervisor, the planning coordinator and the
// broadcaster together and exposes them over HTTP, WebSocket and gRPC. It
// owns their lifecycle: New builds everything, Run serves until the context
// ends, Shutdown tears down in order.
//
// # HTTP API
//
//   - GET /health - Liveness check
//   - GET /health/ready - 200 when at least one agent is running
//   - GET /api/agents - Runtime state of every configured agent
//   - GET /api/agents/{id} - One agent
//   - POST /api/agents/{id}/{start|stop|restart} - Lifecycle control
//   - GET /api/agents/{id}/history - Lifecycle audit log (needs database.path)
//   - POST /api/passages - Submit a planning request, 202 {"requestId"}
//   - GET /api/passages - Retained sessions, newest first
//   - GET /api/passages/{id} - Poll one session
//   - POST /api/passages/{id}/cancel - Cancel a running session
//   - GET /api/passages/{id}/events - Session events as Server-Sent Events
//   - GET /api/passages/{id}/report - Session rendered as HTML (?format=md for Markdown)
//
// Errors are JSON bodies of the form {"error": "..."}.
//
// Submissions carrying an Idempotency-Key header return the original
// request id (with 200 instead of 202) while the key is remembered.
//
// # SSE Streaming
//
// The events stream starts with the current session:
//
//	event: snapshot
//	data: {"requestId": "...", "status": "fanning-out", "progress": 33, "revision": 5, ...}
//
// followed by every passage_progress, passage_completed or passage_error
// event with a newer revision. The stream closes after the session's last
// event.
//
// # WebSocket
//
// GET /ws upgrades to a WebSocket. The server pushes broadcast events as
//
//	{"type": "agent:status", "seq": 12, "time": "...", "data": {...}}
//
// Every connection receives all agent events. Clients send control messages:
//
//	{"type": "agent:start", "name": "weather"}
//	{"type": "agent:stop", "name": "weather"}
//	{"type": "agent:restart", "name": "weather"}
//	{"type": "agents:status"}
//	{"type": "plan_passage", "planType": "passage", "params": {...}, "idempotencyKey": "..."}
//	{"type": "subscribe_passage", "requestId": "..."}
//	{"type": "cancel_passage", "requestId": "..."}
//
// plan_passage and subscribe_passage add the session's events to the
// connection and answer with a passage_snapshot so nothing published before
// the subscription is missed. Failed control messages answer with
//
//	{"type": "error", "data": {"request": "agent:start", "error": "..."}}
//
// # gRPC
//
// The gRPC listener serves grpc.health.v1. The overall service "" is
// SERVING while the gateway runs; each agent id is a service that is
// SERVING only while that agent is running.
//
// # Tailscale
//
// With tailscale.enabled the gateway joins the tailnet through tsnet and
// listens on :80 (HTTP) and :50051 (gRPC) there instead of server addresses.
//
// # Shutdown
//
// Shutdown stops the HTTP and gRPC servers, cancels non-terminal sessions,
// stops every agent within the stop grace period, then closes the
// broadcaster and the audit store.
package gateway
