// ABOUTME: HTTP API handlers for passage planning: submit, poll, list, cancel, SSE events, report
// ABOUTME: Poll responses and streams read the coordinator's live sessions, never a separate cache

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/2389/passage-gateway/internal/events"
	"github.com/2389/passage-gateway/internal/planning"
	"github.com/2389/passage-gateway/internal/report"
)

// maxSubmitBody caps the size of a planning request body.
const maxSubmitBody = 1 << 20

// SubmitPassageRequest is the JSON request body for POST /api/passages.
type SubmitPassageRequest struct {
	PlanType       string         `json:"planType"`
	Params         map[string]any `json:"params,omitempty"`
	Requester      string         `json:"requester,omitempty"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
}

// SubmitPassageResponse is the JSON response for POST /api/passages.
type SubmitPassageResponse struct {
	RequestID string `json:"requestId"`
}

// parseSubmitRequest parses and validates a SubmitPassageRequest.
func parseSubmitRequest(r io.Reader) (*SubmitPassageRequest, error) {
	var req SubmitPassageRequest
	if err := json.NewDecoder(io.LimitReader(r, maxSubmitBody)).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if req.PlanType == "" {
		return nil, errors.New("planType is required")
	}
	return &req, nil
}

// submitPassage hands a request to the coordinator. Shared by HTTP and WebSocket.
func (g *Gateway) submitPassage(req SubmitPassageRequest) (string, bool, error) {
	return g.planner.Submit(planning.Request{
		PlanType:       req.PlanType,
		Params:         req.Params,
		Requester:      req.Requester,
		IdempotencyKey: req.IdempotencyKey,
	})
}

// planningErrorStatus maps coordinator errors onto HTTP status codes.
func planningErrorStatus(err error) int {
	switch {
	case errors.Is(err, planning.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, planning.ErrUnknownPlanType):
		return http.StatusBadRequest
	case errors.Is(err, planning.ErrSessionTerminal):
		return http.StatusConflict
	case errors.Is(err, planning.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleSubmitPassage handles POST /api/passages.
// The Idempotency-Key header takes precedence over the body field. A retried
// submission answers 200 with the original request id instead of 202.
func (g *Gateway) handleSubmitPassage(w http.ResponseWriter, r *http.Request) {
	req, err := parseSubmitRequest(r.Body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}

	id, existed, err := g.submitPassage(*req)
	if err != nil {
		g.sendJSONError(w, planningErrorStatus(err), err.Error())
		return
	}

	status := http.StatusAccepted
	if existed {
		status = http.StatusOK
	}
	w.Header().Set("Location", "/api/passages/"+id)
	g.writeJSON(w, status, SubmitPassageResponse{RequestID: id})
}

// handleListPassages handles GET /api/passages.
func (g *Gateway) handleListPassages(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, g.sync.Sessions())
}

// handleGetPassage handles GET /api/passages/{id}.
func (g *Gateway) handleGetPassage(w http.ResponseWriter, r *http.Request) {
	snap, err := g.sync.Session(r.PathValue("id"))
	if err != nil {
		g.sendJSONError(w, planningErrorStatus(err), err.Error())
		return
	}
	g.writeJSON(w, http.StatusOK, snap)
}

// handleCancelPassage handles POST /api/passages/{id}/cancel.
func (g *Gateway) handleCancelPassage(w http.ResponseWriter, r *http.Request) {
	snap, err := g.planner.Cancel(r.PathValue("id"))
	if err != nil {
		g.sendJSONError(w, planningErrorStatus(err), err.Error())
		return
	}
	g.writeJSON(w, http.StatusOK, snap)
}

// handlePassageReport handles GET /api/passages/{id}/report.
// Renders HTML by default and Markdown with ?format=md.
func (g *Gateway) handlePassageReport(w http.ResponseWriter, r *http.Request) {
	snap, err := g.sync.Session(r.PathValue("id"))
	if err != nil {
		g.sendJSONError(w, planningErrorStatus(err), err.Error())
		return
	}

	if r.URL.Query().Get("format") == "md" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		_, _ = w.Write(report.Markdown(snap))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := report.HTML(w, snap); err != nil {
		g.logger.Error("failed to render report", "request_id", snap.RequestID, "error", err)
	}
}

// handlePassageEvents handles GET /api/passages/{id}/events.
//
// The stream opens with a "snapshot" event carrying the current session,
// then relays passage_* events newer than that snapshot. It ends after
// passage_completed, passage_error or a cancelled progress event, or
// immediately when the snapshot is already terminal.
func (g *Gateway) handlePassageEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	id := r.PathValue("id")
	// Subscribe before reading the snapshot so nothing falls in between.
	sub := g.broadcaster.Subscribe(ctx, events.SessionTopic(id))
	snap, err := g.sync.Session(id)
	if err != nil {
		g.sendJSONError(w, planningErrorStatus(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	g.writeSSEEvent(w, "snapshot", 0, snap)
	flusher.Flush()
	if snap.Status.IsTerminal() {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.done:
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if eventRevision(ev) <= snap.Revision {
				continue
			}
			g.writeSSEEvent(w, string(ev.Type), ev.Seq, ev)
			flusher.Flush()
			if endsSessionStream(ev) {
				return
			}
		}
	}
}

// writeSSEEvent writes one Server-Sent Event. A zero id omits the id line.
func (g *Gateway) writeSSEEvent(w io.Writer, event string, id uint64, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	if id > 0 {
		fmt.Fprintf(w, "id: %d\n", id)
	}
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// eventRevision extracts the session revision carried by a passage event.
func eventRevision(ev events.Event) uint64 {
	switch d := ev.Data.(type) {
	case planning.ProgressPayload:
		return d.Revision
	case planning.CompletedPayload:
		return d.Revision
	case planning.ErrorPayload:
		return d.Revision
	}
	return 0
}

// endsSessionStream reports whether ev is the last event a session emits.
// Cancelled sessions emit only a progress event.
func endsSessionStream(ev events.Event) bool {
	if ev.Type.IsTerminal() {
		return true
	}
	p, ok := ev.Data.(planning.ProgressPayload)
	return ok && p.Status == planning.StatusCancelled
}
