// Package mailstore implements the Unified Mail Store (C1): the
// append-only record of inbound and outbound mail that feeds threading,
// auditing, and replay.
package mailstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"mailflow/internal/domain"
)

// SQLiteMailStore implements domain.MailStore using SQLite, grounded on
// the teacher's SQLiteTenantStore: single *sql.DB, WAL journal mode, and
// (here) an explicit write mutex so the messageId uniqueness invariant
// holds cheaply across a single-writer discipline while reads remain
// lock-free snapshots.
type SQLiteMailStore struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// NewSQLiteMailStore opens (or creates) a SQLite database at dbPath and
// runs the schema migration.
func NewSQLiteMailStore(dbPath string) (*SQLiteMailStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open mail store db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate mail store db: %w", err)
	}
	return &SQLiteMailStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS mail_entries (
			id               TEXT PRIMARY KEY,
			kind             TEXT NOT NULL,
			message_id       TEXT NOT NULL UNIQUE,
			timestamp        TEXT NOT NULL,
			sender           TEXT NOT NULL,
			recipient        TEXT NOT NULL,
			subject          TEXT NOT NULL,
			body             TEXT NOT NULL,
			agent_id         TEXT NOT NULL DEFAULT '',
			conversation_id  TEXT NOT NULL,
			in_reply_to      TEXT NOT NULL DEFAULT '[]',
			references_json  TEXT NOT NULL DEFAULT '[]',
			attachments      TEXT NOT NULL DEFAULT '[]',
			delivery_confirmed INTEGER NOT NULL DEFAULT 1
		);
		CREATE INDEX IF NOT EXISTS idx_mail_conversation ON mail_entries(conversation_id);
		CREATE INDEX IF NOT EXISTS idx_mail_agent ON mail_entries(agent_id);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteMailStore) Close() error { return s.db.Close() }

// StoreInbound validates messageId is non-empty and inserts the entry,
// failing with ErrDuplicateMessageID if one already exists.
func (s *SQLiteMailStore) StoreInbound(ctx context.Context, entry domain.StoredMailEntry) (domain.StoredMailEntry, error) {
	entry.Kind = domain.MailInbound
	if entry.ConversationID == "" {
		entry.ConversationID = s.resolveConversationID(ctx, entry)
	}
	return s.insert(ctx, entry)
}

// StoreOutbound computes conversationId by inheriting any referenced
// message's conversation, falling back to its own messageId, then
// inserts the entry.
func (s *SQLiteMailStore) StoreOutbound(ctx context.Context, entry domain.StoredMailEntry) (domain.StoredMailEntry, error) {
	entry.Kind = domain.MailOutbound
	entry.ConversationID = s.resolveConversationID(ctx, entry)
	return s.insert(ctx, entry)
}

func (s *SQLiteMailStore) resolveConversationID(ctx context.Context, entry domain.StoredMailEntry) string {
	for _, ref := range append(append([]string{}, entry.InReplyTo...), entry.References...) {
		if existing, err := s.GetByMessageID(ctx, ref); err == nil && existing != nil {
			return existing.ConversationID
		}
	}
	return domain.NormalizeMessageID(entry.MessageID)
}

func (s *SQLiteMailStore) insert(ctx context.Context, entry domain.StoredMailEntry) (domain.StoredMailEntry, error) {
	if entry.MessageID == "" {
		return domain.StoredMailEntry{}, domain.NewSubSystemError("mail", "MailStore.Store", domain.ErrInvalidInput, "messageId must not be empty")
	}
	if entry.ID == "" {
		entry.ID = ulid.MustNew(ulid.Timestamp(time.Now()), ulid.DefaultEntropy()).String()
	}
	entry.MessageID = domain.NormalizeMessageID(entry.MessageID)
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	inReplyToJSON, _ := json.Marshal(entry.InReplyTo)
	referencesJSON, _ := json.Marshal(entry.References)
	attachmentsJSON, _ := json.Marshal(entry.Attachments)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mail_entries (id, kind, message_id, timestamp, sender, recipient, subject, body, agent_id, conversation_id, in_reply_to, references_json, attachments, delivery_confirmed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, string(entry.Kind), entry.MessageID, entry.Timestamp.Format(time.RFC3339Nano),
		entry.From, entry.To, entry.Subject, entry.Body, entry.AgentID, entry.ConversationID,
		string(inReplyToJSON), string(referencesJSON), string(attachmentsJSON), boolToInt(entry.DeliveryConfirmed))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.StoredMailEntry{}, domain.NewSubSystemError("mail", "MailStore.Store", domain.ErrDuplicateMessageID, entry.MessageID)
		}
		return domain.StoredMailEntry{}, fmt.Errorf("mailstore: insert: %w", err)
	}
	return entry, nil
}

// GetByMessageID performs a case-insensitive, angle-bracket-insensitive
// lookup.
func (s *SQLiteMailStore) GetByMessageID(ctx context.Context, id string) (*domain.StoredMailEntry, error) {
	row := s.db.QueryRowContext(ctx, selectCols+" WHERE message_id = ?", domain.NormalizeMessageID(id))
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewSubSystemError("mail", "MailStore.GetByMessageID", domain.ErrNotFound, id)
	}
	return entry, err
}

// ConversationFor returns all entries sharing conversationId, in
// timestamp order.
func (s *SQLiteMailStore) ConversationFor(ctx context.Context, id string) ([]domain.StoredMailEntry, error) {
	rows, err := s.db.QueryContext(ctx, selectCols+" WHERE conversation_id = ? ORDER BY timestamp ASC", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.StoredMailEntry
	for rows.Next() {
		entry, err := scanEntryRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *entry)
	}
	return out, rows.Err()
}

// ClearForAgent removes entries whose agentId matches; orphan entries
// (no agent) are preserved.
func (s *SQLiteMailStore) ClearForAgent(ctx context.Context, agentID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM mail_entries WHERE agent_id = ?", agentID)
	return err
}

const selectCols = `SELECT id, kind, message_id, timestamp, sender, recipient, subject, body, agent_id, conversation_id, in_reply_to, references_json, attachments, delivery_confirmed FROM mail_entries`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row *sql.Row) (*domain.StoredMailEntry, error)    { return scanRow(row) }
func scanEntryRows(rows *sql.Rows) (*domain.StoredMailEntry, error) { return scanRow(rows) }

func scanRow(s rowScanner) (*domain.StoredMailEntry, error) {
	var e domain.StoredMailEntry
	var kind, ts, inReplyTo, references, attachments string
	var deliveryConfirmed int
	if err := s.Scan(&e.ID, &kind, &e.MessageID, &ts, &e.From, &e.To, &e.Subject, &e.Body,
		&e.AgentID, &e.ConversationID, &inReplyTo, &references, &attachments, &deliveryConfirmed); err != nil {
		return nil, err
	}
	e.Kind = domain.MailKind(kind)
	e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	e.DeliveryConfirmed = deliveryConfirmed != 0
	_ = json.Unmarshal([]byte(inReplyTo), &e.InReplyTo)
	_ = json.Unmarshal([]byte(references), &e.References)
	_ = json.Unmarshal([]byte(attachments), &e.Attachments)
	return &e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
