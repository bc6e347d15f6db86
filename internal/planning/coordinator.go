// ABOUTME: Planning coordinator that fans requests out to running agents and aggregates results
// ABOUTME: Owns the session registry; sessions are mutated only through its methods

package planning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/2389/passage-gateway/internal/agent"
	"github.com/2389/passage-gateway/internal/dedupe"
	"github.com/2389/passage-gateway/internal/events"
)

const (
	DefaultSessionTimeout = 2 * time.Minute
	DefaultAgentTimeout   = 60 * time.Second
	DefaultRetention      = 10 * time.Minute
	DefaultIdempotencyTTL = 10 * time.Minute

	maxIdempotencyKeys = 10000
)

// Registry is the supervisor's live agent registry as seen by the planner.
type Registry interface {
	Lookup(id string) (agent.Info, bool)
}

// Config configures a Coordinator.
type Config struct {
	Plans          map[string]PlanType
	Registry       Registry
	Dispatcher     Dispatcher
	Publisher      events.Publisher
	SessionTimeout time.Duration
	AgentTimeout   time.Duration
	Retention      time.Duration
	IdempotencyTTL time.Duration
	// OnEvict is called with the request id of every evicted session.
	OnEvict        func(requestID string)
	Logger         *slog.Logger
}

// Coordinator runs planning sessions.
type Coordinator struct {
	plans      map[string]PlanType
	registry   Registry
	dispatcher Dispatcher
	publisher  events.Publisher
	logger     *slog.Logger
	now        func() time.Time

	sessionTimeout time.Duration
	agentTimeout   time.Duration
	retention      time.Duration
	onEvict        func(string)

	idem *dedupe.Cache[string]

	mu       sync.RWMutex
	sessions map[string]*session
	closing  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Coordinator. Zero durations take the package defaults.
func New(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		plans:          make(map[string]PlanType, len(cfg.Plans)),
		registry:       cfg.Registry,
		dispatcher:     cfg.Dispatcher,
		publisher:      cfg.Publisher,
		logger:         logger.With("component", "planning"),
		now:            time.Now,
		sessionTimeout: orDefault(cfg.SessionTimeout, DefaultSessionTimeout),
		agentTimeout:   orDefault(cfg.AgentTimeout, DefaultAgentTimeout),
		retention:      orDefault(cfg.Retention, DefaultRetention),
		onEvict:        cfg.OnEvict,
		idem:           dedupe.New[string](orDefault(cfg.IdempotencyTTL, DefaultIdempotencyTTL), maxIdempotencyKeys),
		sessions:       make(map[string]*session),
	}
	for name, p := range cfg.Plans {
		p.Name = name
		c.plans[name] = p
	}
	if c.publisher == nil {
		c.publisher = events.Discard
	}
	if c.dispatcher == nil {
		c.dispatcher = NewHTTPDispatcher(nil)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// PlanTypes returns the configured plan type names, sorted.
func (c *Coordinator) PlanTypes() []string {
	names := make([]string, 0, len(c.plans))
	for name := range c.plans {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Submit accepts a planning request and returns its request id. A request
// whose IdempotencyKey was seen within the TTL returns the original id and
// existed is true.
func (c *Coordinator) Submit(req Request) (requestID string, existed bool, err error) {
	plan, ok := c.plans[req.PlanType]
	if !ok {
		return "", false, fmt.Errorf("%w: %q", ErrUnknownPlanType, req.PlanType)
	}
	if req.IdempotencyKey == "" {
		id, err := c.startSession(plan, req)
		return id, false, err
	}
	return c.idem.GetOrCreate(req.IdempotencyKey, func() (string, error) {
		return c.startSession(plan, req)
	})
}

func (c *Coordinator) startSession(plan PlanType, req Request) (string, error) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return "", ErrShuttingDown
	}
	s := newSession(uuid.New().String(), plan, req, c.now())
	timeout := orDefault(plan.Timeout, c.sessionTimeout)
	ctx, cancel := context.WithTimeout(c.ctx, timeout)
	s.cancel = cancel
	c.sessions[s.id] = s
	c.wg.Add(1)
	c.mu.Unlock()

	s.mu.Lock()
	s.revision++
	c.publishLocked(s, events.PassageProgress, c.progressPayloadLocked(s, nil))
	s.mu.Unlock()

	c.logger.Info("planning session accepted", "request_id", s.id, "plan_type", plan.Name, "requester", req.Requester)
	go c.run(ctx, s, timeout)
	return s.id, nil
}

// run drives one session from pending to a terminal status.
func (c *Coordinator) run(ctx context.Context, s *session, timeout time.Duration) {
	defer c.wg.Done()
	defer s.cancel()

	agentTimeout := orDefault(s.plan.AgentTimeout, c.agentTimeout)

	s.mu.Lock()
	c.transitionLocked(s, StatusInitializing)

	var items []WorkItem
	var names []string
	var unavailable []ActivityEvent
	for _, pa := range s.plan.Agents {
		info, ok := c.registry.Lookup(pa.ID)
		switch {
		case !ok:
			unavailable = append(unavailable, ActivityEvent{AgentID: pa.ID, AgentName: pa.ID, Status: ActivityError, Message: "agent not configured"})
		case info.Status != agent.StatusRunning:
			unavailable = append(unavailable, ActivityEvent{AgentID: pa.ID, AgentName: info.Name, Status: ActivityError, Message: fmt.Sprintf("agent not running (%s)", info.Status)})
		default:
			s.dispatched[pa.ID] = true
			items = append(items, WorkItem{
				RequestID: s.id,
				PlanType:  s.plan.Name,
				AgentID:   pa.ID,
				Params:    s.params,
				Endpoint:  info.Endpoint,
			})
			names = append(names, info.Name)
		}
	}
	for _, ev := range unavailable {
		c.recordLocked(s, ev, nil)
	}
	for i, item := range items {
		c.recordLocked(s, ActivityEvent{AgentID: item.AgentID, AgentName: names[i], Status: ActivityPending}, nil)
	}

	if len(items) == 0 {
		c.aggregateLocked(s)
		s.mu.Unlock()
		return
	}
	c.transitionLocked(s, StatusFanningOut)
	s.mu.Unlock()

	// Agent errors never cancel siblings, so no group context.
	var g errgroup.Group
	for i, item := range items {
		g.Go(func() error {
			c.dispatch(ctx, s, item, names[i], agentTimeout)
			return nil
		})
	}
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.IsTerminal() {
		return
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && (s.timedOut || !s.allTerminalLocked()) {
		timeoutErr := &PlanningTimeoutError{RequestID: s.id, Timeout: timeout}
		for i, item := range items {
			if _, ok := s.terminal[item.AgentID]; !ok {
				c.recordLocked(s, ActivityEvent{AgentID: item.AgentID, AgentName: names[i], Status: ActivityError, Message: timeoutErr.Error()}, nil)
			}
		}
		c.finishLocked(s, StatusError, nil, timeoutErr)
		return
	}
	c.aggregateLocked(s)
}

// dispatch sends one work item and records the agent's activity.
func (c *Coordinator) dispatch(ctx context.Context, s *session, item WorkItem, name string, timeout time.Duration) {
	s.mu.Lock()
	c.recordLocked(s, ActivityEvent{AgentID: item.AgentID, AgentName: name, Status: ActivityActive}, nil)
	s.mu.Unlock()

	agentCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := c.now()
	result, err := c.dispatcher.Dispatch(agentCtx, item)
	elapsed := c.now().Sub(start)

	ev := ActivityEvent{AgentID: item.AgentID, AgentName: name}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case err == nil:
		ev.Status = ActivityCompleted
		ev.Message = fmt.Sprintf("completed in %s", elapsed.Round(time.Millisecond))
	case errors.Is(ctx.Err(), context.Canceled):
		// Cancelled session or shutdown; the session is already terminal.
		return
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		s.timedOut = true
		ev.Status = ActivityError
		ev.Message = (&PlanningTimeoutError{RequestID: s.id, Timeout: orDefault(s.plan.Timeout, c.sessionTimeout)}).Error()
	case errors.Is(agentCtx.Err(), context.DeadlineExceeded):
		ev.Status = ActivityError
		ev.Message = (&PlanningTimeoutError{RequestID: s.id, AgentID: item.AgentID, Timeout: timeout}).Error()
	default:
		ev.Status = ActivityError
		ev.Message = (&AgentError{AgentID: item.AgentID, Err: err}).Error()
	}

	if ev.Status == ActivityError {
		c.logger.Warn("agent work failed", "request_id", s.id, "agent_id", item.AgentID, "error", ev.Message)
	}
	c.recordLocked(s, ev, result)
}

// Cancel ends a non-terminal session as cancelled. In-flight agent work is
// abandoned, not aborted; late results are dropped.
func (c *Coordinator) Cancel(requestID string) (Snapshot, error) {
	s, err := c.get(requestID)
	if err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.IsTerminal() {
		return s.snapshotLocked(), ErrSessionTerminal
	}
	c.finishLocked(s, StatusCancelled, nil, &PlanningCancelledError{RequestID: requestID})
	s.cancel()
	return s.snapshotLocked(), nil
}

// Snapshot returns the current state of one session.
func (c *Coordinator) Snapshot(requestID string) (Snapshot, error) {
	s, err := c.get(requestID)
	if err != nil {
		return Snapshot{}, err
	}
	return s.snapshot(), nil
}

// ListSessions returns every retained session, newest first.
func (c *Coordinator) ListSessions() []Snapshot {
	c.mu.RLock()
	sessions := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.RUnlock()

	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RequestID < out[j].RequestID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (c *Coordinator) get(requestID string) (*session, error) {
	c.mu.RLock()
	s, ok := c.sessions[requestID]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Shutdown cancels every non-terminal session, refuses new submissions and
// waits for session tasks to exit.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closing = true
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		if _, err := c.Cancel(id); err == nil {
			c.logger.Info("cancelled session on shutdown", "request_id", id)
		}
	}
	c.cancel()
	c.idem.Close()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
