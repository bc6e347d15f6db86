// ABOUTME: Prober implementations for HTTP JSON, gRPC health, and process liveness checks
// ABOUTME: NewProber picks one from the agent descriptor's health configuration

package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/passage-gateway/internal/agent"
)

// maxPayloadSize caps the health response body.
const maxPayloadSize = 64 << 10

// ErrProcessNotRunning is returned by ProcessProber when the process is gone.
var ErrProcessNotRunning = errors.New("agent process not running")

// Prober performs one health probe. Implementations must honour ctx.
type Prober interface {
	Probe(ctx context.Context) (agent.HealthPayload, error)
}

// Process is the view of a running agent the process prober needs.
type Process interface {
	Alive() bool
	StartedAt() time.Time
}

// NewProber builds the prober described by desc.Health. proc backs the
// process prober and may be nil for the other types.
func NewProber(desc agent.Descriptor, proc Process) (Prober, error) {
	switch desc.Health.Type {
	case agent.ProbeHTTP:
		url := desc.Health.URL
		if url == "" {
			if desc.Endpoint == "" {
				return nil, fmt.Errorf("agent %s: http health check needs health.url or endpoint", desc.ID)
			}
			url = strings.TrimRight(desc.Endpoint, "/") + "/health"
		}
		return NewHTTPProber(url, nil), nil
	case agent.ProbeGRPC:
		return NewGRPCProber(desc.Health.URL, desc.Health.Service)
	case agent.ProbeProcess, "":
		if proc == nil {
			return nil, fmt.Errorf("agent %s: process health check needs a process", desc.ID)
		}
		return &ProcessProber{Process: proc}, nil
	default:
		return nil, fmt.Errorf("agent %s: unknown health check type %q", desc.ID, desc.Health.Type)
	}
}

// HTTPProber fetches a JSON HealthPayload over HTTP.
type HTTPProber struct {
	URL    string
	client *http.Client
}

// NewHTTPProber creates a prober for url. A nil client uses http.DefaultClient.
func NewHTTPProber(url string, client *http.Client) *HTTPProber {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProber{URL: url, client: client}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context) (agent.HealthPayload, error) {
	var payload agent.HealthPayload

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return payload, fmt.Errorf("creating request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return payload, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadSize))
	if err != nil {
		return payload, fmt.Errorf("reading health response: %w", err)
	}

	// A 503 with a payload is still an answer: the agent says it is unhealthy.
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			if resp.StatusCode >= 300 {
				return payload, fmt.Errorf("health endpoint returned status %d", resp.StatusCode)
			}
			return payload, fmt.Errorf("decoding health payload: %w", err)
		}
	}
	if payload.Status == "" {
		if resp.StatusCode >= 300 {
			payload.Status = string(agent.VerdictUnhealthy)
		} else {
			payload.Status = string(agent.VerdictHealthy)
		}
	}
	return payload, nil
}

// GRPCProber calls the standard gRPC health service.
type GRPCProber struct {
	conn    *grpc.ClientConn
	client  healthpb.HealthClient
	service string
}

// NewGRPCProber dials target lazily; no connection is made until the first probe.
func NewGRPCProber(target, service string, opts ...grpc.DialOption) (*GRPCProber, error) {
	if target == "" {
		return nil, errors.New("grpc health check needs health.url (host:port)")
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating grpc client: %w", err)
	}
	return &GRPCProber{conn: conn, client: healthpb.NewHealthClient(conn), service: service}, nil
}

// Probe implements Prober.
func (p *GRPCProber) Probe(ctx context.Context) (agent.HealthPayload, error) {
	resp, err := p.client.Check(ctx, &healthpb.HealthCheckRequest{Service: p.service})
	if err != nil {
		return agent.HealthPayload{}, err
	}
	switch resp.GetStatus() {
	case healthpb.HealthCheckResponse_SERVING:
		return agent.HealthPayload{Status: string(agent.VerdictHealthy)}, nil
	default:
		return agent.HealthPayload{Status: string(agent.VerdictUnhealthy)}, nil
	}
}

// Close releases the client connection.
func (p *GRPCProber) Close() error {
	return p.conn.Close()
}

// ProcessProber reports healthy while the process is alive.
type ProcessProber struct {
	Process Process
}

// Probe implements Prober.
func (p *ProcessProber) Probe(ctx context.Context) (agent.HealthPayload, error) {
	if err := ctx.Err(); err != nil {
		return agent.HealthPayload{}, err
	}
	if !p.Process.Alive() {
		return agent.HealthPayload{}, ErrProcessNotRunning
	}
	return agent.HealthPayload{
		Status: string(agent.VerdictHealthy),
		Uptime: time.Since(p.Process.StartedAt()).Seconds(),
	}, nil
}
