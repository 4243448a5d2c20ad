package history

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/chathistory/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const fileStoreExt = ".jsonl"

// fileHeader is the first line of every thread file.
type fileHeader struct {
	ThreadKey ThreadKey `json:"threadKey"`
	CreatedAt time.Time `json:"createdAt"`
}

// FileStore keeps one JSON-lines file per thread inside a directory. Files are
// named after the sha256 of the thread key so arbitrary keys are safe on disk.
// Like SQLiteStore it serves reads from a mirror loaded at open time, so
// messages appended by another process only show up after a reopen.
type FileStore struct {
	mu     sync.RWMutex
	dir    string
	store  *InMemoryStore
	closed bool
}

var _ Store = (*FileStore)(nil)

func NewFileStore(dir string, opts ...StoreOption) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("file history store: empty directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "file history store: create %s", dir)
	}
	s := &FileStore{
		dir:   dir,
		store: NewInMemoryStore(opts...),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) GetHistory(ctx context.Context, key ThreadKey) (conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.store.GetHistory(ctx, key)
}

func (s *FileStore) ListThreads(ctx context.Context) ([]ThreadInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.store.ListThreads(ctx)
}

func (s *FileStore) Append(ctx context.Context, key ThreadKey, msgs ...*conversation.Message) (conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.store.appendWith(ctx, key, msgs, s.writeLocked)
}

func (s *FileStore) Clear(ctx context.Context, key ThreadKey) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.store.clearWith(ctx, key, func(_ context.Context, key ThreadKey) error {
		err := os.Remove(s.pathFor(key))
		if err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "file history store: remove thread %q", key)
		}
		return nil
	})
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.store.Close()
}

func (s *FileStore) pathFor(key ThreadKey) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:])+fileStoreExt)
}

func (s *FileStore) writeLocked(_ context.Context, key ThreadKey, offset int, batch conversation.Conversation, at time.Time) error {
	var buf bytes.Buffer
	if offset == 0 {
		header, err := json.Marshal(&fileHeader{ThreadKey: key, CreatedAt: at})
		if err != nil {
			return err
		}
		buf.Write(header)
		buf.WriteByte('\n')
	}
	for _, msg := range batch {
		line, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	path := s.pathFor(key)
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if offset == 0 {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return errors.Wrapf(err, "file history store: open thread %q", key)
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	if _, err := f.Write(buf.Bytes()); err != nil {
		// drop the partial batch so the file matches the in-memory history
		_ = f.Truncate(size)
		return errors.Wrapf(err, "file history store: write thread %q", key)
	}
	return f.Sync()
}

func (s *FileStore) load() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return errors.Wrapf(err, "file history store: read %s", s.dir)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != fileStoreExt {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		header, msgs, updatedAt, err := readThreadFile(path)
		if err != nil {
			return err
		}
		if header == nil || len(msgs) == 0 {
			log.Debug().Str("path", path).Msg("skipping empty thread file")
			continue
		}
		if s.pathFor(header.ThreadKey) != path {
			return fmt.Errorf("file history store: %s does not belong to thread %q", path, header.ThreadKey)
		}
		s.store.seed(header.ThreadKey, msgs, header.CreatedAt, updatedAt)
	}
	return nil
}

func readThreadFile(path string) (*fileHeader, conversation.Conversation, time.Time, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, time.Time{}, err
	}
	defer func() {
		_ = f.Close()
	}()

	var (
		header    *fileHeader
		msgs      conversation.Conversation
		updatedAt time.Time
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if header == nil {
			header = &fileHeader{}
			if err := json.Unmarshal(line, header); err != nil {
				return nil, nil, time.Time{}, errors.Wrapf(err, "file history store: %s header", path)
			}
			updatedAt = header.CreatedAt
			continue
		}
		msg := &conversation.Message{}
		if err := json.Unmarshal(line, msg); err != nil {
			return nil, nil, time.Time{}, errors.Wrapf(err, "file history store: %s line %d", path, lineNo)
		}
		msgs = append(msgs, msg)
		if msg.Time.After(updatedAt) {
			updatedAt = msg.Time
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, time.Time{}, err
	}
	return header, msgs, updatedAt, nil
}
