package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-go-golems/chathistory/pkg/conversation"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const sqliteHistorySchemaV1 = `
CREATE TABLE IF NOT EXISTS thread_messages (
    thread_key TEXT NOT NULL,
    seq INTEGER NOT NULL,
    message_id TEXT NOT NULL,
    payload_json TEXT NOT NULL,
    created_at_ms INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (thread_key, seq)
);
`

// SQLiteStore persists thread histories in a SQLite database.
//
// Every message is one row holding its JSON payload. The full content is
// mirrored in memory at open time; writes go to the database under the
// thread lock before they become visible in the mirror.
//
// The mirror assumes a single writing process. An append that collides with
// rows another process wrote fails with ErrConcurrentWrite and stores nothing.
type SQLiteStore struct {
	mu     sync.RWMutex
	store  *InMemoryStore
	db     *sql.DB
	closed bool
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dsn string, opts ...StoreOption) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("sqlite history store: empty dsn")
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer; reads are served from the mirror.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		store: NewInMemoryStore(opts...),
		db:    db,
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.loadFromDB(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) GetHistory(ctx context.Context, key ThreadKey) (conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	return s.store.GetHistory(ctx, key)
}

func (s *SQLiteStore) ListThreads(ctx context.Context) ([]ThreadInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	return s.store.ListThreads(ctx)
}

// Append holds the store read lock only to keep Close from racing the write;
// appends to different threads proceed in parallel.
func (s *SQLiteStore) Append(ctx context.Context, key ThreadKey, msgs ...*conversation.Message) (conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	return s.store.appendWith(ctx, key, msgs, s.persistLocked)
}

func (s *SQLiteStore) Clear(ctx context.Context, key ThreadKey) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	return s.store.clearWith(ctx, key, s.deleteThreadLocked)
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.store.Close()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) migrate() error {
	if s.db == nil {
		return fmt.Errorf("sqlite history store: db is nil")
	}
	if _, err := s.db.Exec(sqliteHistorySchemaV1); err != nil {
		return errors.Wrap(err, "sqlite history store: migrate")
	}
	return nil
}

func (s *SQLiteStore) loadFromDB() error {
	if s.db == nil {
		return fmt.Errorf("sqlite history store: db is nil")
	}
	rows, err := s.db.Query(`SELECT thread_key, seq, payload_json, created_at_ms FROM thread_messages ORDER BY thread_key ASC, seq ASC`)
	if err != nil {
		return err
	}
	defer func() {
		_ = rows.Close()
	}()

	var (
		current   ThreadKey
		msgs      conversation.Conversation
		createdAt time.Time
		updatedAt time.Time
	)
	flush := func() {
		if current != "" && len(msgs) > 0 {
			s.store.seed(current, msgs, createdAt, updatedAt)
		}
	}

	for rows.Next() {
		var rawKey string
		var seq int64
		var payload string
		var createdMs int64
		if err := rows.Scan(&rawKey, &seq, &payload, &createdMs); err != nil {
			return err
		}
		key := ThreadKey(rawKey)
		if key != current {
			flush()
			current = key
			msgs = nil
			createdAt = time.UnixMilli(createdMs)
		}
		if int64(len(msgs)) != seq {
			return fmt.Errorf("sqlite history store: thread %q has a gap at seq %d", key, seq)
		}

		msg := &conversation.Message{}
		if err := json.Unmarshal([]byte(payload), msg); err != nil {
			return errors.Wrapf(err, "sqlite history store: thread %q seq %d", key, seq)
		}
		msgs = append(msgs, msg)
		updatedAt = time.UnixMilli(createdMs)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	flush()
	return nil
}

func (s *SQLiteStore) persistLocked(ctx context.Context, key ThreadKey, offset int, batch conversation.Conversation, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite history store: begin")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO thread_messages (thread_key, seq, message_id, payload_json, created_at_ms) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer func() {
		_ = stmt.Close()
	}()

	for i, msg := range batch {
		payload, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, key.String(), offset+i, msg.ID.String(), string(payload), at.UnixMilli()); err != nil {
			var sqErr sqlite3.Error
			if errors.As(err, &sqErr) && sqErr.Code == sqlite3.ErrConstraint {
				return errors.Wrapf(ErrConcurrentWrite, "sqlite history store: thread %q seq %d", key, offset+i)
			}
			return errors.Wrapf(err, "sqlite history store: insert thread %q seq %d", key, offset+i)
		}
	}
	return errors.Wrap(tx.Commit(), "sqlite history store: commit")
}

func (s *SQLiteStore) deleteThreadLocked(ctx context.Context, key ThreadKey) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM thread_messages WHERE thread_key = ?`, key.String())
	return err
}

func (s *SQLiteStore) ensureOpen() error {
	if s.closed {
		return ErrStoreClosed
	}
	if s.store == nil {
		return fmt.Errorf("sqlite history store not initialized")
	}
	if s.db == nil {
		return fmt.Errorf("sqlite history store db is nil")
	}
	return nil
}

func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("sqlite history store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}
