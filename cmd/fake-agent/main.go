// ABOUTME: Minimal fake planning agent for local runs and E2E testing
// ABOUTME: Usage: fake-agent -id weather -http 127.0.0.1:9101 [-grpc 127.0.0.1:9201] [-fail] [-delay 2s]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type options struct {
	id        string
	httpAddr  string
	grpcAddr  string
	delay     time.Duration
	fail      bool
	errorRate float64
	crashIn   time.Duration
}

func main() {
	var opts options
	flag.StringVar(&opts.id, "id", "echo", "Agent ID")
	flag.StringVar(&opts.httpAddr, "http", "127.0.0.1:9100", "HTTP listen address for /health and /work")
	flag.StringVar(&opts.grpcAddr, "grpc", "", "Optional grpc.health.v1 listen address")
	flag.DurationVar(&opts.delay, "delay", 200*time.Millisecond, "Time spent on each work item")
	flag.BoolVar(&opts.fail, "fail", false, "Answer every work item with an error")
	flag.Float64Var(&opts.errorRate, "error-rate", 0, "Reported errors/requests ratio")
	flag.DurationVar(&opts.crashIn, "crash-after", 0, "Exit with status 1 after this long (0 disables)")
	flag.Parse()

	if err := run(opts); err != nil {
		log.Fatal(err)
	}
}

type agentServer struct {
	opts     options
	started  time.Time
	requests atomic.Int64
	errors   atomic.Int64
	totalMs  atomic.Int64
}

func run(opts options) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a := &agentServer{opts: opts, started: time.Now()}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("POST /work", a.handleWork)
	httpServer := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	httpLn, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", opts.httpAddr, err)
	}
	go func() {
		if err := httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("http server error: %v", err)
			cancel()
		}
	}()

	var grpcServer *grpc.Server
	if opts.grpcAddr != "" {
		grpcLn, err := net.Listen("tcp", opts.grpcAddr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", opts.grpcAddr, err)
		}
		grpcServer = grpc.NewServer()
		hs := grpchealth.NewServer()
		hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		healthpb.RegisterHealthServer(grpcServer, hs)
		go func() {
			if err := grpcServer.Serve(grpcLn); err != nil {
				log.Printf("grpc server error: %v", err)
			}
		}()
	}

	fmt.Fprintf(os.Stderr, "agent %s listening on %s (pid %d)\n", opts.id, opts.httpAddr, os.Getpid())

	var crash <-chan time.Time
	if opts.crashIn > 0 {
		crash = time.After(opts.crashIn)
	}
	select {
	case <-ctx.Done():
	case <-crash:
		fmt.Fprintf(os.Stderr, "agent %s crashing on purpose\n", opts.id)
		os.Exit(1)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	return httpServer.Shutdown(shutdownCtx)
}

func (a *agentServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	requests := a.requests.Load()
	errs := a.errors.Load()
	if a.opts.errorRate > 0 {
		// Pretend to have handled enough work to report the requested rate.
		requests = max(requests, 100)
		errs = int64(float64(requests) * a.opts.errorRate)
	}
	var avg float64
	if n := a.requests.Load(); n > 0 {
		avg = float64(a.totalMs.Load()) / float64(n)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":              "healthy",
		"uptime":              time.Since(a.started).Seconds(),
		"memory":              memoryBytes(),
		"errors":              errs,
		"requestsHandled":     requests,
		"averageResponseTime": avg,
	})
}

type workItem struct {
	RequestID string         `json:"requestId"`
	PlanType  string         `json:"planType"`
	AgentID   string         `json:"agentId"`
	Params    map[string]any `json:"params"`
}

func (a *agentServer) handleWork(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	a.requests.Add(1)
	defer func() { a.totalMs.Add(time.Since(start).Milliseconds()) }()

	var item workItem
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		a.errors.Add(1)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid work item"})
		return
	}
	log.Printf("work [%s] plan=%s", item.RequestID, item.PlanType)

	select {
	case <-time.After(a.opts.delay):
	case <-r.Context().Done():
		return
	}

	if a.opts.fail {
		a.errors.Add(1)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": a.opts.id + " unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, result(a.opts.id, item.Params))
}

// result fabricates a plausible contribution for well-known agent ids.
func result(id string, params map[string]any) map[string]any {
	from, _ := params["from"].(string)
	to, _ := params["to"].(string)

	switch id {
	case "route":
		return map[string]any{
			"from":      from,
			"to":        to,
			"waypoints": []string{from, "Fairway buoy", to},
			"distance":  42.5,
		}
	case "weather":
		return map[string]any{"forecast": "SW 3-4, occasionally 5", "visibility": "good", "seaState": "slight"}
	case "tides":
		return map[string]any{"highWater": "14:32", "lowWater": "08:17", "rangeMeters": 4.1}
	case "wind":
		return map[string]any{"directionDeg": 225, "speedKnots": 14, "gustKnots": 19}
	case "safety":
		return map[string]any{"hazards": []string{"shipping lane crossing"}, "advice": "monitor VHF 16"}
	case "port":
		return map[string]any{"port": to, "berth": "visitor pontoon", "vhf": 80}
	default:
		return map[string]any{"agent": id, "params": params}
	}
}

func memoryBytes() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Alloc
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
