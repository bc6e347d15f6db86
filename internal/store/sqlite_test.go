// ABOUTME: Tests for the SQLite agent lifecycle audit log
// ABOUTME: Covers schema creation, append defaults, filtering and ordering

package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err)
}

func TestAppendAgentEvent_FillsDefaults(t *testing.T) {
	s := newTestStore(t)

	e := &AgentEvent{AgentID: "weather", Kind: AgentEventSpawned, Status: "starting", PID: 4242}
	require.NoError(t, s.AppendAgentEvent(t.Context(), e))

	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())

	got, err := s.ListAgentEvents(t.Context(), AgentEventFilter{AgentID: "weather"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, e.ID, got[0].ID)
	assert.Equal(t, AgentEventSpawned, got[0].Kind)
	assert.Equal(t, 4242, got[0].PID)
	assert.Empty(t, got[0].Detail)
	assert.WithinDuration(t, e.Timestamp, got[0].Timestamp, time.Millisecond)
}

func TestAppendAgentEvent_RejectsUnknownKind(t *testing.T) {
	s := newTestStore(t)

	err := s.AppendAgentEvent(t.Context(), &AgentEvent{AgentID: "weather", Kind: "exploded", Status: "crashed"})
	assert.Error(t, err)
}

func TestListAgentEvents_NewestFirstAndFiltered(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	kinds := []AgentEventKind{AgentEventSpawned, AgentEventRunning, AgentEventCrashed, AgentEventRestarting}
	for i, k := range kinds {
		require.NoError(t, s.AppendAgentEvent(ctx, &AgentEvent{AgentID: "tides", Kind: k, Status: "x", RestartCount: i}))
	}
	require.NoError(t, s.AppendAgentEvent(ctx, &AgentEvent{AgentID: "route", Kind: AgentEventSpawned, Status: "starting"}))

	all, err := s.ListAgentEvents(ctx, AgentEventFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 5)
	assert.Equal(t, "route", all[0].AgentID)

	tides, err := s.ListAgentEvents(ctx, AgentEventFilter{AgentID: "tides"})
	require.NoError(t, err)
	require.Len(t, tides, 4)
	assert.Equal(t, AgentEventRestarting, tides[0].Kind)
	assert.Equal(t, AgentEventSpawned, tides[3].Kind)

	crashed := AgentEventCrashed
	onlyCrashes, err := s.ListAgentEvents(ctx, AgentEventFilter{AgentID: "tides", Kind: &crashed})
	require.NoError(t, err)
	require.Len(t, onlyCrashes, 1)
	assert.Equal(t, 2, onlyCrashes[0].RestartCount)

	limited, err := s.ListAgentEvents(ctx, AgentEventFilter{AgentID: "tides", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestListAgentEvents_Since(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	old := time.Now().Add(-time.Hour).UTC()
	require.NoError(t, s.AppendAgentEvent(ctx, &AgentEvent{AgentID: "port", Kind: AgentEventStopped, Status: "stopped", Timestamp: old}))
	require.NoError(t, s.AppendAgentEvent(ctx, &AgentEvent{AgentID: "port", Kind: AgentEventSpawned, Status: "starting"}))

	since := time.Now().Add(-time.Minute)
	got, err := s.ListAgentEvents(ctx, AgentEventFilter{AgentID: "port", Since: &since})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, AgentEventSpawned, got[0].Kind)
}

func TestListAgentEvents_EmptyIsNonNil(t *testing.T) {
	s := newTestStore(t)

	got, err := s.ListAgentEvents(t.Context(), AgentEventFilter{AgentID: "nobody"})
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestNormalizeLimit(t *testing.T) {
	assert.Equal(t, 100, normalizeLimit(0))
	assert.Equal(t, 100, normalizeLimit(-5))
	assert.Equal(t, 50, normalizeLimit(50))
	assert.Equal(t, 1000, normalizeLimit(5000))
}
