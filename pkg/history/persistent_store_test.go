package history

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-go-golems/chathistory/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func TestSQLiteStoreContract(t *testing.T) {
	runStoreContract(t, storeFactory{
		open: func(t *testing.T, opts ...StoreOption) Store {
			dsn, err := SQLiteDSNForFile(filepath.Join(t.TempDir(), "history.db"))
			require.NoError(t, err)
			s, err := NewSQLiteStore(dsn, opts...)
			require.NoError(t, err)
			return s
		},
	})
}

var reopenChecks = map[string]func(*testing.T, storeFactory){
	"history":  testReopen,
	"metadata": testMetadataReopen,
}

func TestSQLiteStoreReopen(t *testing.T) {
	for name, check := range reopenChecks {
		t.Run(name, func(t *testing.T) {
			dsn, err := SQLiteDSNForFile(filepath.Join(t.TempDir(), "history.db"))
			require.NoError(t, err)
			open := func(t *testing.T, opts ...StoreOption) Store {
				s, err := NewSQLiteStore(dsn, opts...)
				require.NoError(t, err)
				return s
			}
			check(t, storeFactory{open: open, reopen: open})
		})
	}
}

func TestSQLiteStoreConcurrentWriter(t *testing.T) {
	ctx := context.Background()
	dsn, err := SQLiteDSNForFile(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)

	session, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	defer func() { _ = session.Close() }()

	other, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	_, err = other.Append(ctx, "t1", conversation.NewHumanMessage("from another process"))
	require.NoError(t, err)
	require.NoError(t, other.Close())

	_, err = session.Append(ctx, "t1", conversation.NewHumanMessage("hi"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConcurrentWrite))

	got, err := session.GetHistory(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, got)

	reopened, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()
	got, err = reopened.GetHistory(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"from another process"}, textsOf(got))
}

func TestSQLiteStoreRejectsEmptyDSN(t *testing.T) {
	_, err := NewSQLiteStore("")
	require.Error(t, err)
	_, err = SQLiteDSNForFile("")
	require.Error(t, err)
}

func TestFileStoreContract(t *testing.T) {
	runStoreContract(t, storeFactory{
		open: func(t *testing.T, opts ...StoreOption) Store {
			s, err := NewFileStore(t.TempDir(), opts...)
			require.NoError(t, err)
			return s
		},
	})
}

func TestFileStoreReopen(t *testing.T) {
	for name, check := range reopenChecks {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			open := func(t *testing.T, opts ...StoreOption) Store {
				s, err := NewFileStore(dir, opts...)
				require.NoError(t, err)
				return s
			}
			check(t, storeFactory{open: open, reopen: open})
		})
	}
}

func TestFileStoreLayout(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	key := ThreadKey("user/42: weird key")
	_, err = s.Append(ctx, key, conversation.NewHumanMessage("hi"))
	require.NoError(t, err)
	_, err = s.Append(ctx, key, conversation.NewAIMessage("hello"))
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ".jsonl", filepath.Ext(entries[0].Name()))

	header, msgs, _, err := readThreadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Equal(t, key, header.ThreadKey)
	assert.Equal(t, []string{"hi", "hello"}, textsOf(msgs))

	require.NoError(t, s.Clear(ctx, key))
	entries, err = os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFileStoreRejectsForeignFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "not-a-hash.jsonl"),
		[]byte(`{"threadKey":"t1","createdAt":"2024-01-01T00:00:00Z"}`+"\n"+
			`{"id":"6f1c1b7e-8a2d-4c55-9d7e-0a4b8e7f9a10","time":"2024-01-01T00:00:00Z","contentType":"chat-message","role":"human","text":"x"}`+"\n"),
		0o644))
	_, err := NewFileStore(dir)
	require.Error(t, err)
}

func TestBoltStoreContract(t *testing.T) {
	runStoreContract(t, storeFactory{
		open: func(t *testing.T, opts ...StoreOption) Store {
			s, err := NewBoltStore(filepath.Join(t.TempDir(), "history.bolt"), opts...)
			require.NoError(t, err)
			return s
		},
	})
}

func TestBoltStoreReopen(t *testing.T) {
	for name, check := range reopenChecks {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "conv", "history.bolt")
			open := func(t *testing.T, opts ...StoreOption) Store {
				s, err := NewBoltStore(path, opts...)
				require.NoError(t, err)
				return s
			}
			check(t, storeFactory{open: open, reopen: open})
		})
	}
}

func TestBoltStoreToleratesCorruptThreadMeta(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.bolt")
	s, err := NewBoltStore(path)
	require.NoError(t, err)
	_, err = s.Append(ctx, "t1", conversation.NewHumanMessage("hi"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	db, err := bolt.Open(path, 0o600, nil)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltMetaBucket).Put([]byte("t1"), []byte("not json"))
	}))
	require.NoError(t, db.Close())

	s, err = NewBoltStore(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	got, err := s.GetHistory(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"hi"}, textsOf(got))
}

func TestPostgresStoreContract(t *testing.T) {
	dsn := os.Getenv("CHATHISTORY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CHATHISTORY_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	open := func(t *testing.T, opts ...StoreOption) Store {
		s, err := NewPostgresStore(ctx, dsn, opts...)
		require.NoError(t, err)
		_, err = s.db.Exec(ctx, `TRUNCATE chathistory_threads CASCADE`)
		require.NoError(t, err)
		return s
	}
	reopen := func(t *testing.T, opts ...StoreOption) Store {
		s, err := NewPostgresStore(ctx, dsn, opts...)
		require.NoError(t, err)
		return s
	}
	runStoreContract(t, storeFactory{open: open, reopen: reopen})
}
