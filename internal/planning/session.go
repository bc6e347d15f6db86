// ABOUTME: In-memory planning session state and its locked mutation helpers
// ABOUTME: Every mutation bumps the revision and publishes on the session topic under the lock

package planning

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/2389/passage-gateway/internal/events"
)

type session struct {
	id             string
	plan           PlanType
	params         map[string]any
	requester      string
	idempotencyKey string
	createdAt      time.Time
	cancel         context.CancelFunc

	mu          sync.Mutex
	status      Status
	progress    int
	revision    uint64
	activity    []ActivityEvent
	dispatched  map[string]bool
	terminal    map[string]ActivityEvent
	results     map[string]json.RawMessage
	timedOut    bool
	passagePlan *PassagePlan
	errMsg      string
	completedAt time.Time
}

func newSession(id string, plan PlanType, req Request, now time.Time) *session {
	return &session{
		id:             id,
		plan:           plan,
		params:         req.Params,
		requester:      req.Requester,
		idempotencyKey: req.IdempotencyKey,
		createdAt:      now,
		status:         StatusPending,
		dispatched:     make(map[string]bool),
		terminal:       make(map[string]ActivityEvent),
		results:        make(map[string]json.RawMessage),
	}
}

// snapshotLocked copies the session. Must be called with mu held.
func (s *session) snapshotLocked() Snapshot {
	snap := Snapshot{
		RequestID:   s.id,
		PlanType:    s.plan.Name,
		Requester:   s.requester,
		Status:      s.status,
		Progress:    s.progress,
		Revision:    s.revision,
		PassagePlan: s.passagePlan,
		Error:       s.errMsg,
		Activity:    append([]ActivityEvent(nil), s.activity...),
		CreatedAt:   s.createdAt,
		CompletedAt: s.completedAt,
	}
	if snap.Activity == nil {
		snap.Activity = []ActivityEvent{}
	}
	return snap
}

func (s *session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *session) terminalDispatchedLocked() int {
	n := 0
	for id := range s.dispatched {
		if _, ok := s.terminal[id]; ok {
			n++
		}
	}
	return n
}

func (s *session) allTerminalLocked() bool {
	return s.terminalDispatchedLocked() == len(s.dispatched)
}

func (c *Coordinator) publishLocked(s *session, typ events.Type, data any) {
	c.publisher.Publish(events.SessionTopic(s.id), typ, data)
}

func (c *Coordinator) progressPayloadLocked(s *session, update *ActivityEvent) ProgressPayload {
	return ProgressPayload{
		RequestID:   s.id,
		Progress:    s.progress,
		Status:      s.status,
		Revision:    s.revision,
		AgentUpdate: update,
	}
}

// transitionLocked moves a non-terminal session to a non-terminal status.
func (c *Coordinator) transitionLocked(s *session, status Status) {
	if s.status.IsTerminal() {
		return
	}
	s.status = status
	s.revision++
	c.publishLocked(s, events.PassageProgress, c.progressPayloadLocked(s, nil))
}

// recordLocked appends an activity event. It reports false when the event
// was dropped: the session is terminal or the agent already reported a
// terminal event.
func (c *Coordinator) recordLocked(s *session, ev ActivityEvent, result json.RawMessage) bool {
	if s.status.IsTerminal() {
		c.logger.Debug("dropping activity for finished session", "request_id", s.id, "agent_id", ev.AgentID, "status", ev.Status)
		return false
	}
	if _, done := s.terminal[ev.AgentID]; done {
		c.logger.Debug("dropping duplicate agent activity", "request_id", s.id, "agent_id", ev.AgentID, "status", ev.Status)
		return false
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = c.now()
	}

	s.activity = append(s.activity, ev)
	if ev.Status.IsTerminal() {
		s.terminal[ev.AgentID] = ev
		if ev.Status == ActivityCompleted {
			s.results[ev.AgentID] = result
		}
	}
	if n := len(s.dispatched); n > 0 {
		p := min(100*s.terminalDispatchedLocked()/n, 100)
		if p > s.progress {
			s.progress = p
		}
	}
	s.revision++
	c.publishLocked(s, events.PassageProgress, c.progressPayloadLocked(s, &ev))
	return true
}

// finishLocked moves the session to a terminal status and publishes it.
func (c *Coordinator) finishLocked(s *session, status Status, plan *PassagePlan, err error) {
	if s.status.IsTerminal() {
		return
	}
	s.status = status
	s.completedAt = c.now()
	s.passagePlan = plan
	if err != nil && status == StatusError {
		s.errMsg = err.Error()
	}
	s.revision++
	c.publishLocked(s, events.PassageProgress, c.progressPayloadLocked(s, nil))

	switch status {
	case StatusCompleted:
		c.publishLocked(s, events.PassageCompleted, CompletedPayload{RequestID: s.id, Revision: s.revision, PassagePlan: plan})
		c.logger.Info("planning session completed", "request_id", s.id, "plan_type", s.plan.Name, "agents", len(plan.Results))
	case StatusError:
		c.publishLocked(s, events.PassageError, ErrorPayload{RequestID: s.id, Revision: s.revision, Error: s.errMsg})
		c.logger.Warn("planning session failed", "request_id", s.id, "plan_type", s.plan.Name, "error", s.errMsg)
	case StatusCancelled:
		c.logger.Info("planning session cancelled", "request_id", s.id, "progress", s.progress)
	}
}

// aggregateLocked decides the outcome once every dispatched agent reported.
func (c *Coordinator) aggregateLocked(s *session) {
	if s.status.IsTerminal() {
		return
	}
	c.transitionLocked(s, StatusAggregating)

	if len(s.dispatched) == 0 {
		c.finishLocked(s, StatusError, nil, fmt.Errorf("no running agents available for plan %q", s.plan.Name))
		return
	}

	var mandatoryFailures []string
	failed := make(map[string]string)
	for _, pa := range s.plan.Agents {
		ev, ok := s.terminal[pa.ID]
		if ok && ev.Status == ActivityCompleted {
			continue
		}
		reason := "no result"
		if ok && ev.Message != "" {
			reason = ev.Message
		}
		if pa.Mandatory {
			mandatoryFailures = append(mandatoryFailures, pa.ID+": "+reason)
		} else {
			failed[pa.ID] = reason
		}
	}

	if len(mandatoryFailures) > 0 {
		sort.Strings(mandatoryFailures)
		c.finishLocked(s, StatusError, nil, fmt.Errorf("mandatory agents failed: %s", strings.Join(mandatoryFailures, "; ")))
		return
	}
	if len(s.results) == 0 {
		c.finishLocked(s, StatusError, nil, fmt.Errorf("no agent completed plan %q", s.plan.Name))
		return
	}

	plan := &PassagePlan{
		RequestID:   s.id,
		PlanType:    s.plan.Name,
		Params:      s.params,
		Results:     make(map[string]json.RawMessage, len(s.results)),
		GeneratedAt: c.now(),
	}
	for id, r := range s.results {
		plan.Results[id] = r
	}
	if len(failed) > 0 {
		plan.Failed = failed
	}
	c.finishLocked(s, StatusCompleted, plan, nil)
}
