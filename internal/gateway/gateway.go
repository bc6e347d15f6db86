// ABOUTME: Gateway orchestrator that wires supervision, planning and the client-facing servers
// ABOUTME: Manages HTTP, WebSocket and gRPC health listeners plus the ordered shutdown sequence

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/passage-gateway/internal/agent"
	"github.com/2389/passage-gateway/internal/broadcast"
	"github.com/2389/passage-gateway/internal/config"
	"github.com/2389/passage-gateway/internal/events"
	"github.com/2389/passage-gateway/internal/planning"
	"github.com/2389/passage-gateway/internal/store"
	"github.com/2389/passage-gateway/internal/supervisor"
)

// Gateway owns every long-lived component of passage-gateway.
type Gateway struct {
	config      *config.Config
	store       *store.SQLiteStore
	broadcaster *broadcast.Broadcaster
	supervisor  *supervisor.Supervisor
	planner     *planning.Coordinator
	sync        *broadcast.Sync
	grpcServer  *grpc.Server
	grpcHealth  *grpchealth.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// done is closed when shutdown begins so streaming handlers return.
	done     chan struct{}
	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup

	shutdownOnce sync.Once
	shutdownErr  error
}

// deps overrides how agents are launched, probed and dispatched to.
type deps struct {
	launcher      supervisor.Launcher
	proberFactory supervisor.ProberFactory
	dispatcher    planning.Dispatcher
}

// initStore opens the audit log database, or returns nil when it is disabled.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("PASSAGE_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	if dbPath == "" {
		return nil, nil
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// createGRPCServer creates the gRPC server that carries the health service.
func createGRPCServer() *grpc.Server {
	return grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	return newGateway(cfg, logger, deps{})
}

func newGateway(cfg *config.Config, logger *slog.Logger, d deps) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	st, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	broadcaster := broadcast.New(logger)

	supCfg := supervisor.Config{
		Descriptors:   cfg.Descriptors(),
		Policy:        cfg.HealthPolicy(),
		StopGrace:     cfg.Supervisor.StopGracePeriod,
		Publisher:     broadcaster,
		Launcher:      d.launcher,
		ProberFactory: d.proberFactory,
		Logger:        logger,
	}
	if st != nil {
		supCfg.Audit = st
	}
	sup := supervisor.New(supCfg)

	planner := planning.New(planning.Config{
		Plans:          cfg.PlanTypes(),
		Registry:       sup,
		Dispatcher:     d.dispatcher,
		Publisher:      broadcaster,
		SessionTimeout: cfg.Planning.SessionTimeout,
		AgentTimeout:   cfg.Planning.AgentTimeout,
		Retention:      cfg.Planning.Retention,
		IdempotencyTTL: cfg.Planning.IdempotencyTTL,
		OnEvict: func(requestID string) {
			broadcaster.Forget(events.SessionTopic(requestID))
		},
		Logger: logger,
	})

	gw := &Gateway{
		config:      cfg,
		store:       st,
		broadcaster: broadcaster,
		supervisor:  sup,
		planner:     planner,
		sync:        broadcast.NewSync(sup, planner),
		grpcServer:  createGRPCServer(),
		grpcHealth:  grpchealth.NewServer(),
		logger:      logger.With("component", "gateway"),
		done:        make(chan struct{}),
	}
	healthpb.RegisterHealthServer(gw.grpcServer, gw.grpcHealth)

	mux := http.NewServeMux()
	gw.registerRoutes(mux)
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	gw.startBackground()
	return gw, nil
}

// registerRoutes registers every HTTP route on mux.
func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	mux.HandleFunc("GET /api/agents", g.handleListAgents)
	mux.HandleFunc("GET /api/agents/{id}", g.handleGetAgent)
	mux.HandleFunc("GET /api/agents/{id}/history", g.handleAgentHistory)
	mux.HandleFunc("POST /api/agents/{id}/{action}", g.handleAgentAction)

	mux.HandleFunc("POST /api/passages", g.handleSubmitPassage)
	mux.HandleFunc("GET /api/passages", g.handleListPassages)
	mux.HandleFunc("GET /api/passages/{id}", g.handleGetPassage)
	mux.HandleFunc("POST /api/passages/{id}/cancel", g.handleCancelPassage)
	mux.HandleFunc("GET /api/passages/{id}/events", g.handlePassageEvents)
	mux.HandleFunc("GET /api/passages/{id}/report", g.handlePassageReport)

	mux.HandleFunc("GET /ws", g.handleWebSocket)
}

// Handler returns the HTTP handler serving the API.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// startBackground runs the session janitor and the gRPC health mirror.
func (g *Gateway) startBackground() {
	ctx, cancel := context.WithCancel(context.Background())
	g.bgCancel = cancel

	g.bgWG.Add(2)
	go func() {
		defer g.bgWG.Done()
		g.planner.RunJanitor(ctx)
	}()
	go func() {
		defer g.bgWG.Done()
		g.mirrorAgentHealth(ctx)
	}()
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	if g.config.Server.GRPCAddr != "" {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		if grpcLn != nil {
			_ = grpcLn.Close()
		}
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled")
		}
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		select {
		case additionalErr := <-errCh:
			g.logger.Error("additional server error", "error", additionalErr)
		default:
		}
		return err
	}
}

// Run starts the servers and autostart agents, then blocks until ctx is
// canceled or a server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServers(grpcListener, httpListener)
	g.grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	g.supervisor.StartAutostart()

	serverErr := g.waitForShutdownSignal(ctx, errCh)
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context, leaving room for
// every agent's stop grace period.
func (g *Gateway) gracefulShutdown() error {
	timeout := g.config.Supervisor.StopGracePeriod + 5*time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "passage-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners creates a tsnet server and returns listeners for gRPC and HTTP.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}
	httpLn, err = g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	g.grpcHealth.Shutdown()

	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting requests, cancels open sessions, stops every
// agent, then closes the broadcaster and the store. Later calls return the
// first call's result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	close(g.done)

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.shutdownGRPCServer(ctx)

	errs = appendCloseError(errs, "planner shutdown", g.planner.Shutdown(ctx))
	errs = appendCloseError(errs, "stopping agents", g.supervisor.StopAll(ctx))

	g.bgCancel()
	g.bgWG.Wait()
	g.broadcaster.Close()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	if g.store != nil {
		errs = appendCloseError(errs, "store close", g.store.Close())
	}

	return errors.Join(errs...)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one agent is running.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	running := 0
	for _, st := range g.sync.Agents() {
		if st.Status == agent.StatusRunning {
			running++
		}
	}
	if running == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents running"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents running)", running)
}
