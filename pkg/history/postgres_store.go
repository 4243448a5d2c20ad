package history

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-go-golems/chathistory/pkg/conversation"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const postgresHistorySchemaV1 = `
CREATE TABLE IF NOT EXISTS chathistory_threads (
	thread_key TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS chathistory_messages (
	thread_key TEXT NOT NULL REFERENCES chathistory_threads(thread_key) ON DELETE CASCADE,
	seq        BIGINT NOT NULL,
	message_id TEXT NOT NULL,
	payload    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (thread_key, seq)
);`

// PostgresStore keeps thread histories in PostgreSQL. It holds no mirror:
// every read goes to the database. Same-thread writers are serialized with a
// transaction-scoped advisory lock on the thread key, so several processes can
// share one database.
type PostgresStore struct {
	mu     sync.RWMutex
	db     *pgxpool.Pool
	owned  bool
	closed bool
	opts   storeOptions
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to dsn and creates the schema if needed.
func NewPostgresStore(ctx context.Context, dsn string, opts ...StoreOption) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres history store: empty dsn")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "postgres history store: connect")
	}
	s, err := NewPostgresStoreFromPool(ctx, pool, opts...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewPostgresStoreFromPool uses an existing pool. Close does not close it.
func NewPostgresStoreFromPool(ctx context.Context, pool *pgxpool.Pool, opts ...StoreOption) (*PostgresStore, error) {
	s := &PostgresStore{
		db:   pool,
		opts: newStoreOptions(opts...),
	}
	if _, err := s.db.Exec(ctx, postgresHistorySchemaV1); err != nil {
		return nil, errors.Wrap(err, "postgres history store: migrate")
	}
	return s, nil
}

func (s *PostgresStore) GetHistory(ctx context.Context, key ThreadKey) (conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return loadPostgresHistory(ctx, s.db, key)
}

func (s *PostgresStore) ListThreads(ctx context.Context) ([]ThreadInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(ctx, `
		SELECT t.thread_key, COUNT(m.seq), t.created_at, t.updated_at
		FROM chathistory_threads t
		JOIN chathistory_messages m ON m.thread_key = t.thread_key
		GROUP BY t.thread_key, t.created_at, t.updated_at
		ORDER BY t.thread_key ASC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "postgres history store: list threads")
	}
	defer rows.Close()

	ret := []ThreadInfo{}
	for rows.Next() {
		var info ThreadInfo
		var key string
		if err := rows.Scan(&key, &info.MessageCount, &info.CreatedAt, &info.UpdatedAt); err != nil {
			return nil, err
		}
		info.Key = ThreadKey(key)
		ret = append(ret, info)
	}
	return ret, rows.Err()
}

func (s *PostgresStore) Append(ctx context.Context, key ThreadKey, msgs ...*conversation.Message) (conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if err := validateBatch(msgs); err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return loadPostgresHistory(ctx, s.db, key)
	}
	batch, err := copyBatch(msgs)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "postgres history store: begin")
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key.String()); err != nil {
		return nil, errors.Wrapf(err, "postgres history store: lock thread %q", key)
	}

	var current int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM chathistory_messages WHERE thread_key = $1`, key.String()).Scan(&current); err != nil {
		return nil, errors.Wrapf(err, "postgres history store: count thread %q", key)
	}
	if err := checkCapacity(key, s.opts.maxMessages, current, len(msgs)); err != nil {
		return nil, err
	}

	now := s.opts.now()
	if _, err := tx.Exec(ctx, `
		INSERT INTO chathistory_threads (thread_key, created_at, updated_at)
		VALUES ($1, $2, $2)
		ON CONFLICT (thread_key) DO UPDATE SET updated_at = EXCLUDED.updated_at
	`, key.String(), now); err != nil {
		return nil, errors.Wrapf(err, "postgres history store: upsert thread %q", key)
	}

	inserts := &pgx.Batch{}
	for i, msg := range batch {
		payload, err := json.Marshal(msg)
		if err != nil {
			return nil, err
		}
		inserts.Queue(`
			INSERT INTO chathistory_messages (thread_key, seq, message_id, payload, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, key.String(), current+i, msg.ID.String(), payload, now)
	}
	results := tx.SendBatch(ctx, inserts)
	for i := range msgs {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return nil, errors.Wrapf(err, "postgres history store: insert thread %q seq %d", key, current+i)
		}
	}
	if err := results.Close(); err != nil {
		return nil, err
	}

	snapshot, err := loadPostgresHistory(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "postgres history store: commit")
	}

	log.Trace().
		Str("thread", string(key)).
		Int("count", len(msgs)).
		Int("history_len", len(snapshot)).
		Msg("appended messages")
	return snapshot, nil
}

func (s *PostgresStore) Clear(ctx context.Context, key ThreadKey) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	if err := key.Validate(); err != nil {
		return err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "postgres history store: begin")
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key.String()); err != nil {
		return errors.Wrapf(err, "postgres history store: lock thread %q", key)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM chathistory_threads WHERE thread_key = $1`, key.String()); err != nil {
		return errors.Wrapf(err, "postgres history store: clear thread %q", key)
	}
	return errors.Wrap(tx.Commit(ctx), "postgres history store: commit")
}

func (s *PostgresStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.owned {
		s.db.Close()
	}
	return nil
}

type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadPostgresHistory(ctx context.Context, q pgQuerier, key ThreadKey) (conversation.Conversation, error) {
	rows, err := q.Query(ctx, `SELECT payload FROM chathistory_messages WHERE thread_key = $1 ORDER BY seq ASC`, key.String())
	if err != nil {
		return nil, errors.Wrapf(err, "postgres history store: load thread %q", key)
	}
	defer rows.Close()

	ret := conversation.Conversation{}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		msg := &conversation.Message{}
		if err := json.Unmarshal(payload, msg); err != nil {
			return nil, errors.Wrapf(err, "postgres history store: decode thread %q", key)
		}
		ret = append(ret, msg)
	}
	return ret, rows.Err()
}
