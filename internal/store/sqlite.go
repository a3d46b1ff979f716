package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/arclight-ai/arclight/internal/observability"
	"github.com/arclight-ai/arclight/pkg/models"
)

// SQLiteStore persists agents and conversations in SQLite via the pure-Go
// driver. Conversation rows carry status and activity columns for queries;
// everything else lives in JSON, with one row per message.
type SQLiteStore struct {
	db      *sql.DB
	metrics *observability.Metrics
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens or creates the database at path. ":memory:" gives an
// ephemeral store.
func NewSQLiteStore(path string, metrics *observability.Metrics) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Serialized access keeps single-conversation transactions simple.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, metrics: metrics}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			status TEXT NOT NULL,
			last_activity_at DATETIME NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			conversation_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			data TEXT NOT NULL,
			PRIMARY KEY (conversation_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_status ON conversations(status, last_activity_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) observe(op, entity string, start time.Time) {
	if s.metrics != nil {
		s.metrics.RecordStoreQuery(op, entity, time.Since(start).Seconds())
	}
}

func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	defer s.observe("get", "agent", time.Now())

	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM agents WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load agent: %w", err)
	}

	var agent models.Agent
	if err := json.Unmarshal([]byte(data), &agent); err != nil {
		return nil, fmt.Errorf("decode agent: %w", err)
	}
	return &agent, nil
}

func (s *SQLiteStore) PutAgent(ctx context.Context, agent *models.Agent) error {
	defer s.observe("put", "agent", time.Now())

	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now

	data, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("encode agent: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (id, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		agent.ID, string(data), now)
	if err != nil {
		return fmt.Errorf("store agent: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteAgent(ctx context.Context, id string) error {
	defer s.observe("delete", "agent", time.Now())
	_, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	defer s.observe("create", "conversation", time.Now())

	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.LastActivityAt.IsZero() {
		conv.LastActivityAt = now
	}
	if conv.Status == "" {
		conv.Status = models.StatusActive
	}
	if err := validatePinned(conv); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := insertConversation(ctx, tx, conv); err != nil {
		return err
	}
	return tx.Commit()
}

func insertConversation(ctx context.Context, tx *sql.Tx, conv *models.Conversation) error {
	data, err := encodeConversation(conv)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO conversations (id, agent_id, status, last_activity_at, data) VALUES (?, ?, ?, ?, ?)`,
		conv.ID, conv.AgentID, string(conv.Status), conv.LastActivityAt, data)
	if err != nil {
		return fmt.Errorf("store conversation: %w", err)
	}
	for seq, msg := range conv.Messages {
		if err := insertMessage(ctx, tx, conv.ID, seq, msg); err != nil {
			return err
		}
	}
	return nil
}

func insertMessage(ctx context.Context, tx *sql.Tx, convID string, seq int, msg models.ChatMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, seq, data) VALUES (?, ?, ?)`,
		convID, seq, string(data))
	if err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	return nil
}

// encodeConversation serializes everything but the transcript; messages get
// their own rows.
func encodeConversation(conv *models.Conversation) (string, error) {
	stripped := *conv
	stripped.Messages = nil
	data, err := json.Marshal(&stripped)
	if err != nil {
		return "", fmt.Errorf("encode conversation: %w", err)
	}
	return string(data), nil
}

func loadConversation(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}, id string) (*models.Conversation, error) {
	var data string
	err := q.QueryRowContext(ctx, `SELECT data FROM conversations WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}

	var conv models.Conversation
	if err := json.Unmarshal([]byte(data), &conv); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}

	rows, err := q.QueryContext(ctx, `SELECT data FROM messages WHERE conversation_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		var msg models.ChatMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		conv.Messages = append(conv.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	return &conv, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	defer s.observe("get", "conversation", time.Now())
	return loadConversation(ctx, s.db, id)
}

// Mutate loads the conversation, applies fn, and persists everything in one
// transaction. The transcript is rewritten only when fn changed it.
func (s *SQLiteStore) Mutate(ctx context.Context, id string, fn MutateFunc) (*models.Conversation, error) {
	defer s.observe("mutate", "conversation", time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	conv, err := loadConversation(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if err := fn(conv); err != nil {
		return nil, err
	}
	if err := validatePinned(conv); err != nil {
		return nil, err
	}
	conv.LastActivityAt = time.Now().UTC()

	data, err := encodeConversation(conv)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE conversations SET agent_id = ?, status = ?, last_activity_at = ?, data = ? WHERE id = ?`,
		conv.AgentID, string(conv.Status), conv.LastActivityAt, data, id)
	if err != nil {
		return nil, fmt.Errorf("update conversation: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return nil, fmt.Errorf("rewrite messages: %w", err)
	}
	for seq, msg := range conv.Messages {
		if err := insertMessage(ctx, tx, id, seq, msg); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return conv, nil
}

func (s *SQLiteStore) StaleProcessing(ctx context.Context, cutoff time.Time) ([]string, error) {
	defer s.observe("stale", "conversation", time.Now())

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM conversations WHERE status = ? AND last_activity_at < ?`,
		string(models.StatusProcessing), cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stale conversations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	defer s.observe("delete", "conversation", time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
