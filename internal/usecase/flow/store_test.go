package flow

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailflow/internal/domain"
)

func newTestFlowStore(t *testing.T) *SQLiteFlowStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flows.db")
	s, err := NewSQLiteFlowStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteFlowStore_SaveAndGet(t *testing.T) {
	s := newTestFlowStore(t)
	flow := domain.Flow{ID: "flow-1", AgentID: "agent-1", Status: domain.FlowRunning, Deadline: time.Now().Add(time.Hour)}
	require.NoError(t, s.SaveFlow(context.Background(), flow))

	got, err := s.GetFlow(context.Background(), "flow-1")
	require.NoError(t, err)
	assert.Equal(t, domain.FlowRunning, got.Status)
}

func TestSQLiteFlowStore_SaveUpserts(t *testing.T) {
	s := newTestFlowStore(t)
	flow := domain.Flow{ID: "flow-1", AgentID: "agent-1", Status: domain.FlowRunning, Deadline: time.Now().Add(time.Hour)}
	require.NoError(t, s.SaveFlow(context.Background(), flow))

	flow.Status = domain.FlowCompleted
	require.NoError(t, s.SaveFlow(context.Background(), flow))

	got, err := s.GetFlow(context.Background(), "flow-1")
	require.NoError(t, err)
	assert.Equal(t, domain.FlowCompleted, got.Status)
}

func TestSQLiteFlowStore_GetFlow_NotFound(t *testing.T) {
	s := newTestFlowStore(t)
	_, err := s.GetFlow(context.Background(), "missing")
	assert.Error(t, err)
}

func TestSQLiteFlowStore_ListActiveFlows(t *testing.T) {
	s := newTestFlowStore(t)
	require.NoError(t, s.SaveFlow(context.Background(), domain.Flow{ID: "f1", Status: domain.FlowRunning, Deadline: time.Now()}))
	require.NoError(t, s.SaveFlow(context.Background(), domain.Flow{ID: "f2", Status: domain.FlowWaiting, Deadline: time.Now()}))
	require.NoError(t, s.SaveFlow(context.Background(), domain.Flow{ID: "f3", Status: domain.FlowCompleted, Deadline: time.Now()}))

	active, err := s.ListActiveFlows(context.Background())
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestSQLiteFlowStore_ListFlowsByAgent(t *testing.T) {
	s := newTestFlowStore(t)
	require.NoError(t, s.SaveFlow(context.Background(), domain.Flow{ID: "f1", AgentID: "a1", Status: domain.FlowRunning, Deadline: time.Now()}))
	require.NoError(t, s.SaveFlow(context.Background(), domain.Flow{ID: "f2", AgentID: "a2", Status: domain.FlowRunning, Deadline: time.Now()}))

	flows, err := s.ListFlowsByAgent(context.Background(), "a1", "")
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.Equal(t, "f1", flows[0].ID)
}

func TestSQLiteFlowStore_DeleteFlow(t *testing.T) {
	s := newTestFlowStore(t)
	require.NoError(t, s.SaveFlow(context.Background(), domain.Flow{ID: "f1", Status: domain.FlowRunning, Deadline: time.Now()}))
	require.NoError(t, s.DeleteFlow(context.Background(), "f1"))

	_, err := s.GetFlow(context.Background(), "f1")
	assert.Error(t, err)
}
