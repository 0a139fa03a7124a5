package flow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"mailflow/internal/domain"
)

// SQLiteFlowStore implements domain.FlowStore using SQLite, mirroring
// mailstore.SQLiteMailStore's single-writer/WAL-reader discipline. Round
// history and WaitingFor are stored as JSON columns since their shape is
// opaque to the persistence layer, per spec.md §4.1's "persistence
// format is opaque" note (same rule applies to flow state).
type SQLiteFlowStore struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// NewSQLiteFlowStore opens (or creates) a SQLite database at dbPath and
// runs the schema migration.
func NewSQLiteFlowStore(dbPath string) (*SQLiteFlowStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open flow store db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrateFlows(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate flow store db: %w", err)
	}
	return &SQLiteFlowStore{db: db}, nil
}

func migrateFlows(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS flows (
			id         TEXT PRIMARY KEY,
			agent_id   TEXT NOT NULL,
			status     TEXT NOT NULL,
			deadline   TEXT NOT NULL,
			data       TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_flows_agent ON flows(agent_id);
		CREATE INDEX IF NOT EXISTS idx_flows_status ON flows(status);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteFlowStore) Close() error { return s.db.Close() }

// SaveFlow upserts the flow's full state. Writes at every status
// transition must be atomic per spec.md invariant (v); a single
// INSERT ... ON CONFLICT DO UPDATE guarantees that.
func (s *SQLiteFlowStore) SaveFlow(ctx context.Context, flow domain.Flow) error {
	data, err := json.Marshal(flow)
	if err != nil {
		return fmt.Errorf("marshal flow: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO flows (id, agent_id, status, deadline, data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			agent_id = excluded.agent_id,
			status = excluded.status,
			deadline = excluded.deadline,
			data = excluded.data,
			updated_at = excluded.updated_at
	`, flow.ID, flow.AgentID, string(flow.Status), flow.Deadline.Format(time.RFC3339Nano),
		string(data), time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// GetFlow looks up a flow by id.
func (s *SQLiteFlowStore) GetFlow(ctx context.Context, id string) (*domain.Flow, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM flows WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewSubSystemError("flow", "FlowStore.GetFlow", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var flow domain.Flow
	if err := json.Unmarshal([]byte(data), &flow); err != nil {
		return nil, fmt.Errorf("unmarshal flow: %w", err)
	}
	return &flow, nil
}

// ListFlowsByAgent lists flows for an agent, optionally filtered by
// status (empty status means all).
func (s *SQLiteFlowStore) ListFlowsByAgent(ctx context.Context, agentID string, status domain.FlowStatus) ([]domain.Flow, error) {
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = s.db.QueryContext(ctx, "SELECT data FROM flows WHERE agent_id = ?", agentID)
	} else {
		rows, err = s.db.QueryContext(ctx, "SELECT data FROM flows WHERE agent_id = ? AND status = ?", agentID, string(status))
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFlows(rows)
}

// ListActiveFlows returns every flow with status in {running, waiting},
// the set the Timeout Sweeper scans.
func (s *SQLiteFlowStore) ListActiveFlows(ctx context.Context) ([]domain.Flow, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT data FROM flows WHERE status IN (?, ?)",
		string(domain.FlowRunning), string(domain.FlowWaiting))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFlows(rows)
}

// DeleteFlow removes a flow's record entirely.
func (s *SQLiteFlowStore) DeleteFlow(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM flows WHERE id = ?", id)
	return err
}

func scanFlows(rows *sql.Rows) ([]domain.Flow, error) {
	var out []domain.Flow
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var flow domain.Flow
		if err := json.Unmarshal([]byte(data), &flow); err != nil {
			return nil, fmt.Errorf("unmarshal flow: %w", err)
		}
		out = append(out, flow)
	}
	return out, rows.Err()
}
