// ABOUTME: Tests for gateway wiring, health endpoints, gRPC health mirroring, Run and Shutdown
// ABOUTME: Uses fake agent processes and an in-memory dispatcher behind a real Gateway

package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/passage-gateway/internal/agent"
	"github.com/2389/passage-gateway/internal/config"
	"github.com/2389/passage-gateway/internal/health"
	"github.com/2389/passage-gateway/internal/planning"
	"github.com/2389/passage-gateway/internal/supervisor"
)

const testConfigYAML = `
agents:
  - id: route
    name: Route Agent
    command: route-agent
    health_check_interval: 5ms
    health_check_timeout: 50ms
    restart_delay: 5ms
    autostart: true
  - id: weather
    name: Weather Agent
    command: weather-agent
    health_check_interval: 5ms
    health_check_timeout: 50ms
    restart_delay: 5ms
  - id: wind
    command: wind-agent
    health_check_interval: 5ms
    health_check_timeout: 50ms
    restart_delay: 5ms

supervisor:
  stop_grace_period: 50ms

plans:
  passage:
    agents:
      - {id: route, mandatory: true}
      - {id: weather, mandatory: true}
      - {id: wind}
`

// fakeProcess stands in for an agent OS process.
type fakeProcess struct {
	mu      sync.Mutex
	alive   bool
	started time.Time
	onExit  func(agent.ExitReason)
}

func (p *fakeProcess) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alive = true
	p.started = time.Now()
	return nil
}

func (p *fakeProcess) Stop(time.Duration) error {
	p.mu.Lock()
	if !p.alive {
		p.mu.Unlock()
		return nil
	}
	p.alive = false
	fn := p.onExit
	p.onExit = nil
	p.mu.Unlock()
	if fn != nil {
		go fn(agent.ExitReason{Expected: true})
	}
	return nil
}

func (p *fakeProcess) OnExit(fn func(agent.ExitReason)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onExit = fn
}

func (p *fakeProcess) PID() int { return 4242 }

func (p *fakeProcess) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

func (p *fakeProcess) StartedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

func fakeLaunch(agent.Descriptor, *slog.Logger) supervisor.Process {
	return &fakeProcess{}
}

type proberFunc func(ctx context.Context) (agent.HealthPayload, error)

func (fn proberFunc) Probe(ctx context.Context) (agent.HealthPayload, error) { return fn(ctx) }

func fakeProber(_ agent.Descriptor, proc supervisor.Process) (health.Prober, error) {
	return proberFunc(func(context.Context) (agent.HealthPayload, error) {
		if !proc.Alive() {
			return agent.HealthPayload{}, health.ErrProcessNotRunning
		}
		return agent.HealthPayload{Status: "healthy", Uptime: 1, RequestsHandled: 10}, nil
	}), nil
}

// fakeDispatcher answers every work item with the agent id, optionally
// holding items until release is called.
type fakeDispatcher struct {
	gate     chan struct{}
	once     sync.Once
	failWith map[string]error
}

func newFakeDispatcher(gated bool) *fakeDispatcher {
	d := &fakeDispatcher{gate: make(chan struct{}), failWith: map[string]error{}}
	if !gated {
		d.release()
	}
	return d
}

func (d *fakeDispatcher) release() { d.once.Do(func() { close(d.gate) }) }

func (d *fakeDispatcher) Dispatch(ctx context.Context, item planning.WorkItem) (json.RawMessage, error) {
	select {
	case <-d.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := d.failWith[item.AgentID]; err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"agent": item.AgentID})
}

type testGateway struct {
	*Gateway
	srv  *httptest.Server
	disp *fakeDispatcher
}

type testOption func(cfg *config.Config)

func withoutDatabase(cfg *config.Config) { cfg.Database.Path = "" }

func newTestGatewayWith(t *testing.T, disp *fakeDispatcher, opts ...testOption) *testGateway {
	t.Helper()
	t.Setenv("PASSAGE_DB_PATH", "")

	cfg, err := config.Parse([]byte(testConfigYAML), false)
	require.NoError(t, err)
	cfg.Database.Path = filepath.Join(t.TempDir(), "audit.db")
	for _, opt := range opts {
		opt(cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw, err := newGateway(cfg, logger, deps{
		launcher:      fakeLaunch,
		proberFactory: fakeProber,
		dispatcher:    disp,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		disp.release()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})
	return &testGateway{Gateway: gw, srv: srv, disp: disp}
}

func newTestGateway(t *testing.T, opts ...testOption) *testGateway {
	return newTestGatewayWith(t, newFakeDispatcher(false), opts...)
}

func (tg *testGateway) waitStatus(t *testing.T, id string, want agent.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := tg.supervisor.State(id)
		return err == nil && st.Status == want
	}, 2*time.Second, time.Millisecond, "agent %s never reached %s", id, want)
}

func (tg *testGateway) startAll(t *testing.T) {
	t.Helper()
	for _, id := range []string{"route", "weather", "wind"} {
		_, err := tg.supervisor.Start(id)
		require.NoError(t, err)
	}
	for _, id := range []string{"route", "weather", "wind"} {
		tg.waitStatus(t, id, agent.StatusRunning)
	}
}

func (tg *testGateway) do(t *testing.T, method, path string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), method, tg.srv.URL+path, body)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealthEndpoints(t *testing.T) {
	tg := newTestGateway(t)

	resp := tg.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "OK", string(body))

	resp = tg.do(t, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	_, err := tg.supervisor.Start("route")
	require.NoError(t, err)
	tg.waitStatus(t, "route", agent.StatusRunning)

	resp = tg.do(t, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ = io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "1 agents running")
}

func TestGRPCHealthMirrorsAgentStatus(t *testing.T) {
	tg := newTestGateway(t)

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		resp, err := tg.grpcHealth.Check(t.Context(), &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			return healthpb.HealthCheckResponse_UNKNOWN
		}
		return resp.GetStatus()
	}

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(""))
	require.Eventually(t, func() bool {
		return check("route") == healthpb.HealthCheckResponse_NOT_SERVING
	}, time.Second, time.Millisecond)

	_, err := tg.supervisor.Start("route")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return check("route") == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check("weather"))

	_, err = tg.supervisor.Stop("route")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return check("route") == healthpb.HealthCheckResponse_NOT_SERVING
	}, 2*time.Second, time.Millisecond)
}

func TestShutdownCancelsSessionsAndStopsAgents(t *testing.T) {
	tg := newTestGatewayWith(t, newFakeDispatcher(true))
	tg.startAll(t)

	id, _, err := tg.planner.Submit(planning.Request{PlanType: "passage"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tg.Shutdown(ctx))

	snap, err := tg.planner.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, planning.StatusCancelled, snap.Status)
	for _, st := range tg.supervisor.States() {
		assert.Equal(t, agent.StatusStopped, st.Status, st.ID)
	}

	_, _, err = tg.planner.Submit(planning.Request{PlanType: "passage"})
	assert.ErrorIs(t, err, planning.ErrShuttingDown)

	// Shutdown is idempotent.
	assert.NoError(t, tg.Shutdown(ctx))
}

func TestRunStartsAutostartAgentsAndStopsOnCancel(t *testing.T) {
	tg := newTestGateway(t, func(cfg *config.Config) {
		cfg.Server.HTTPAddr = "127.0.0.1:0"
		cfg.Server.GRPCAddr = "127.0.0.1:0"
	})

	ctx, cancel := context.WithCancel(t.Context())
	errCh := make(chan error, 1)
	go func() { errCh <- tg.Run(ctx) }()

	tg.waitStatus(t, "route", agent.StatusRunning)
	st, err := tg.supervisor.State("weather")
	require.NoError(t, err)
	assert.Equal(t, agent.StatusStopped, st.Status)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	tg.waitStatus(t, "route", agent.StatusStopped)
}

func TestRunFailsOnBadListenAddress(t *testing.T) {
	tg := newTestGateway(t, func(cfg *config.Config) {
		cfg.Server.HTTPAddr = "127.0.0.1:-1"
		cfg.Server.GRPCAddr = ""
	})
	err := tg.Run(t.Context())
	assert.ErrorContains(t, err, "listening on HTTP address")
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	t.Setenv("TS_AUTHKEY", "")
	_, err := resolveTailscaleAuthKey("")
	assert.Error(t, err)

	key, err := resolveTailscaleAuthKey("tskey-config")
	require.NoError(t, err)
	assert.Equal(t, "tskey-config", key)

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err = resolveTailscaleAuthKey("")
	require.NoError(t, err)
	assert.Equal(t, "tskey-env", key)
}

func TestResolveTailscaleStateDir(t *testing.T) {
	dir, err := resolveTailscaleStateDir("/var/lib/passage")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/passage", dir)

	dir, err = resolveTailscaleStateDir("")
	require.NoError(t, err)
	assert.Contains(t, dir, filepath.Join("passage-gateway", "tailscale"))
}
