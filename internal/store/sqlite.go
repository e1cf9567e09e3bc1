// ABOUTME: SQLite routing history using modernc.org/sqlite
// ABOUTME: Upserts conversation and agent snapshots, appends transfer and dropped-delivery rows

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists routing history in SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at path.
// Parent directories are created if needed. Use ":memory:" for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer; the recorder already serializes writes per conversation.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id             TEXT PRIMARY KEY,
			org_id         TEXT NOT NULL,
			visitor_id     TEXT NOT NULL,
			channel        TEXT NOT NULL,
			skill_group    TEXT NOT NULL,
			agent_id       TEXT NOT NULL,
			status         TEXT NOT NULL,
			chatbot_turns  INTEGER NOT NULL DEFAULT 0,
			chatbot_errors INTEGER NOT NULL DEFAULT 0,
			transferred    INTEGER NOT NULL DEFAULT 0,
			transfer_memo  TEXT,
			awaiting_agent INTEGER NOT NULL DEFAULT 0,
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL,

			CHECK (status IN ('PENDING', 'INSERVICE', 'TRANSFERRING', 'END')),
			CHECK (chatbot_errors <= chatbot_turns)
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_status ON conversations(status);
		CREATE INDEX IF NOT EXISTS idx_conversations_agent ON conversations(agent_id);
		CREATE INDEX IF NOT EXISTS idx_conversations_visitor ON conversations(org_id, visitor_id);

		CREATE TABLE IF NOT EXISTS agent_status (
			agent_id     TEXT PRIMARY KEY,
			name         TEXT NOT NULL,
			skills_json  TEXT NOT NULL,
			availability TEXT NOT NULL,
			load         INTEGER NOT NULL,
			capacity     INTEGER NOT NULL,
			removed      INTEGER NOT NULL DEFAULT 0,
			updated_at   TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS transfers (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			source_agent_id TEXT NOT NULL,
			target_agent_id TEXT NOT NULL,
			memo            TEXT,
			outcome         TEXT NOT NULL,
			requested_at    TEXT NOT NULL,
			recorded_at     TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_transfers_conversation ON transfers(conversation_id, id);

		CREATE TABLE IF NOT EXISTS dropped_deliveries (
			event_id        TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			kind            TEXT NOT NULL,
			target          TEXT NOT NULL,
			attempts        INTEGER NOT NULL,
			error           TEXT,
			dropped_at      TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_dropped_conversation ON dropped_deliveries(conversation_id, dropped_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies column additions for databases created by older
// builds. Idempotent.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "conversations",
			column: "transfer_memo",
			apply:  `ALTER TABLE conversations ADD COLUMN transfer_memo TEXT`,
		},
		{
			table:  "conversations",
			column: "awaiting_agent",
			apply:  `ALTER TABLE conversations ADD COLUMN awaiting_agent INTEGER NOT NULL DEFAULT 0`,
		},
		{
			table:  "agent_status",
			column: "removed",
			apply:  `ALTER TABLE agent_status ADD COLUMN removed INTEGER NOT NULL DEFAULT 0`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// SaveConversation upserts the conversation's latest state.
func (s *SQLiteStore) SaveConversation(ctx context.Context, c *ConversationRecord) error {
	query := `
		INSERT INTO conversations (
			id, org_id, visitor_id, channel, skill_group, agent_id, status,
			chatbot_turns, chatbot_errors, transferred, transfer_memo, awaiting_agent, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			agent_id = excluded.agent_id,
			status = excluded.status,
			chatbot_turns = excluded.chatbot_turns,
			chatbot_errors = excluded.chatbot_errors,
			transferred = excluded.transferred,
			transfer_memo = excluded.transfer_memo,
			awaiting_agent = excluded.awaiting_agent,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		c.ID,
		c.OrgID,
		c.VisitorID,
		c.Channel,
		c.SkillGroup,
		c.AgentID,
		c.Status,
		c.ChatbotTurns,
		c.ChatbotErrors,
		c.Transferred,
		nullString(c.TransferMemo),
		c.AwaitingAgent,
		formatTime(c.CreatedAt),
		formatTime(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving conversation %s: %w", c.ID, err)
	}
	return nil
}

// GetConversation returns the mirrored conversation or ErrNotFound.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*ConversationRecord, error) {
	query := `
		SELECT id, org_id, visitor_id, channel, skill_group, agent_id, status,
			chatbot_turns, chatbot_errors, transferred, transfer_memo, awaiting_agent, created_at, updated_at
		FROM conversations
		WHERE id = ?
	`
	c, err := scanConversation(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return c, nil
}

// ListConversations returns conversations, most recently updated first.
// An empty status returns every status.
func (s *SQLiteStore) ListConversations(ctx context.Context, status string, limit int) ([]*ConversationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, org_id, visitor_id, channel, skill_group, agent_id, status,
			chatbot_turns, chatbot_errors, transferred, transfer_memo, awaiting_agent, created_at, updated_at
		FROM conversations
		WHERE (? = '' OR status = ?)
		ORDER BY updated_at DESC, id
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, status, status, limit)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var out []*ConversationRecord
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*ConversationRecord, error) {
	var c ConversationRecord
	var memo sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(
		&c.ID,
		&c.OrgID,
		&c.VisitorID,
		&c.Channel,
		&c.SkillGroup,
		&c.AgentID,
		&c.Status,
		&c.ChatbotTurns,
		&c.ChatbotErrors,
		&c.Transferred,
		&memo,
		&c.AwaitingAgent,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.TransferMemo = memo.String
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &c, nil
}

// SaveAgentStatus upserts the agent's last known status.
func (s *SQLiteStore) SaveAgentStatus(ctx context.Context, a *AgentStatusRecord) error {
	skills, err := json.Marshal(a.Skills)
	if err != nil {
		return fmt.Errorf("encoding skills: %w", err)
	}

	query := `
		INSERT INTO agent_status (agent_id, name, skills_json, availability, load, capacity, removed, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			name = excluded.name,
			skills_json = excluded.skills_json,
			availability = excluded.availability,
			load = excluded.load,
			capacity = excluded.capacity,
			removed = excluded.removed,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		a.AgentID,
		a.Name,
		string(skills),
		a.Availability,
		a.Load,
		a.Capacity,
		a.Removed,
		formatTime(a.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving agent status %s: %w", a.AgentID, err)
	}
	return nil
}

// GetAgentStatus returns the agent's last known status or ErrNotFound.
func (s *SQLiteStore) GetAgentStatus(ctx context.Context, agentID string) (*AgentStatusRecord, error) {
	query := `
		SELECT agent_id, name, skills_json, availability, load, capacity, removed, updated_at
		FROM agent_status
		WHERE agent_id = ?
	`
	var a AgentStatusRecord
	var skills, updatedAt string
	err := s.db.QueryRowContext(ctx, query, agentID).Scan(
		&a.AgentID,
		&a.Name,
		&skills,
		&a.Availability,
		&a.Load,
		&a.Capacity,
		&a.Removed,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent status: %w", err)
	}
	if err := json.Unmarshal([]byte(skills), &a.Skills); err != nil {
		return nil, fmt.Errorf("decoding skills: %w", err)
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &a, nil
}

// AppendTransfer records a finished transfer attempt and sets its ID.
func (s *SQLiteStore) AppendTransfer(ctx context.Context, t *TransferEntry) error {
	query := `
		INSERT INTO transfers (conversation_id, source_agent_id, target_agent_id, memo, outcome, requested_at, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	res, err := s.db.ExecContext(ctx, query,
		t.ConversationID,
		t.SourceAgentID,
		t.TargetAgentID,
		nullString(t.Memo),
		t.Outcome,
		formatTime(t.RequestedAt),
		formatTime(t.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting transfer: %w", err)
	}
	if t.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("reading transfer id: %w", err)
	}
	return nil
}

// ListTransfers returns a conversation's transfer attempts, oldest first.
func (s *SQLiteStore) ListTransfers(ctx context.Context, conversationID string) ([]*TransferEntry, error) {
	query := `
		SELECT id, conversation_id, source_agent_id, target_agent_id, memo, outcome, requested_at, recorded_at
		FROM transfers
		WHERE conversation_id = ?
		ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying transfers: %w", err)
	}
	defer rows.Close()

	var out []*TransferEntry
	for rows.Next() {
		var t TransferEntry
		var memo sql.NullString
		var requestedAt, recordedAt string
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.SourceAgentID, &t.TargetAgentID, &memo, &t.Outcome, &requestedAt, &recordedAt); err != nil {
			return nil, fmt.Errorf("scanning transfer: %w", err)
		}
		t.Memo = memo.String
		if t.RequestedAt, err = parseTime(requestedAt); err != nil {
			return nil, fmt.Errorf("parsing requested_at: %w", err)
		}
		if t.RecordedAt, err = parseTime(recordedAt); err != nil {
			return nil, fmt.Errorf("parsing recorded_at: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// RecordDroppedDelivery stores an event the fan-out gave up on. Recording
// the same event twice keeps the first row.
func (s *SQLiteStore) RecordDroppedDelivery(ctx context.Context, d *DroppedDelivery) error {
	query := `
		INSERT OR IGNORE INTO dropped_deliveries (event_id, conversation_id, kind, target, attempts, error, dropped_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		d.EventID,
		d.ConversationID,
		d.Kind,
		d.Target,
		d.Attempts,
		nullString(d.Error),
		formatTime(d.DroppedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting dropped delivery: %w", err)
	}
	return nil
}

// ListDroppedDeliveries returns a conversation's dropped events, oldest first.
func (s *SQLiteStore) ListDroppedDeliveries(ctx context.Context, conversationID string) ([]*DroppedDelivery, error) {
	query := `
		SELECT event_id, conversation_id, kind, target, attempts, error, dropped_at
		FROM dropped_deliveries
		WHERE conversation_id = ?
		ORDER BY dropped_at, event_id
	`
	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying dropped deliveries: %w", err)
	}
	defer rows.Close()

	var out []*DroppedDelivery
	for rows.Next() {
		var d DroppedDelivery
		var errText sql.NullString
		var droppedAt string
		if err := rows.Scan(&d.EventID, &d.ConversationID, &d.Kind, &d.Target, &d.Attempts, &errText, &droppedAt); err != nil {
			return nil, fmt.Errorf("scanning dropped delivery: %w", err)
		}
		d.Error = errText.String
		if d.DroppedAt, err = parseTime(droppedAt); err != nil {
			return nil, fmt.Errorf("parsing dropped_at: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
