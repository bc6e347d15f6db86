// ABOUTME: Agent lifecycle audit log methods on SQLiteStore
// ABOUTME: Append-only rows, listed newest first with optional agent and kind filters

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// tsLayout is fixed-width so stored timestamps compare correctly as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// AppendAgentEvent appends a row to the audit log.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendAgentEvent(ctx context.Context, e *AgentEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var detail *string
	if e.Detail != "" {
		detail = &e.Detail
	}

	// seq orders rows written within the same timestamp resolution.
	query := `
		INSERT INTO agent_events (event_id, agent_id, kind, status, pid, restart_count, detail, ts, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM agent_events))
	`
	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.AgentID,
		string(e.Kind),
		e.Status,
		e.PID,
		e.RestartCount,
		detail,
		e.Timestamp.UTC().Format(tsLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting agent event: %w", err)
	}

	s.logger.Debug("appended agent event", "id", e.ID, "agent_id", e.AgentID, "kind", e.Kind)
	return nil
}

// normalizeLimit applies default (100) and cap (1000).
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

const agentEventsQuery = `
	SELECT event_id, agent_id, kind, status, pid, restart_count, detail, ts
	FROM agent_events
	WHERE (? = '' OR agent_id = ?)
	  AND (? IS NULL OR kind = ?)
	  AND (? IS NULL OR ts >= ?)
	ORDER BY seq DESC
	LIMIT ?
`

// ListAgentEvents returns audit rows matching the filter, newest first.
func (s *SQLiteStore) ListAgentEvents(ctx context.Context, f AgentEventFilter) ([]*AgentEvent, error) {
	var kind, since *string
	if f.Kind != nil {
		k := string(*f.Kind)
		kind = &k
	}
	if f.Since != nil {
		ts := f.Since.UTC().Format(tsLayout)
		since = &ts
	}

	rows, err := s.db.QueryContext(ctx, agentEventsQuery,
		f.AgentID, f.AgentID,
		kind, kind,
		since, since,
		normalizeLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying agent events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []*AgentEvent{}
	for rows.Next() {
		e, err := scanAgentEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent events: %w", err)
	}
	return events, nil
}

func scanAgentEvent(scanner interface{ Scan(dest ...any) error }) (*AgentEvent, error) {
	var e AgentEvent
	var kind, ts string
	var detail sql.NullString

	if err := scanner.Scan(&e.ID, &e.AgentID, &kind, &e.Status, &e.PID, &e.RestartCount, &detail, &ts); err != nil {
		return nil, fmt.Errorf("scanning agent event: %w", err)
	}
	e.Kind = AgentEventKind(kind)
	e.Detail = detail.String

	var err error
	e.Timestamp, err = time.Parse(tsLayout, ts)
	if err != nil {
		return nil, fmt.Errorf("parsing timestamp: %w", err)
	}
	return &e, nil
}
