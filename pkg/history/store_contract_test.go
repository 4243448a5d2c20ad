package history

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/go-go-golems/chathistory/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactory opens a fresh, empty store. reopen, when set, reopens the same
// backing storage after the first store was closed.
type storeFactory struct {
	open   func(t *testing.T, opts ...StoreOption) Store
	reopen func(t *testing.T, opts ...StoreOption) Store
}

func runStoreContract(t *testing.T, f storeFactory) {
	t.Run("scenario bob", func(t *testing.T) { testScenarioBob(t, f) })
	t.Run("unknown thread is empty", func(t *testing.T) { testUnknownThread(t, f) })
	t.Run("appends concatenate", func(t *testing.T) { testConcatenation(t, f) })
	t.Run("isolation", func(t *testing.T) { testIsolation(t, f) })
	t.Run("empty append", func(t *testing.T) { testEmptyAppend(t, f) })
	t.Run("validation", func(t *testing.T) { testValidation(t, f) })
	t.Run("capacity", func(t *testing.T) { testCapacity(t, f) })
	t.Run("returned history is a copy", func(t *testing.T) { testCopies(t, f) })
	t.Run("clear", func(t *testing.T) { testClear(t, f) })
	t.Run("list threads", func(t *testing.T) { testListThreads(t, f) })
	t.Run("concurrent appends", func(t *testing.T) { testConcurrentAppends(t, f) })
	t.Run("closed", func(t *testing.T) { testClosed(t, f) })
	t.Run("metadata", func(t *testing.T) { testMetadata(t, f) })
	if f.reopen != nil {
		t.Run("reopen", func(t *testing.T) { testReopen(t, f) })
		t.Run("metadata survives reopen", func(t *testing.T) { testMetadataReopen(t, f) })
	}
}

func openStore(t *testing.T, f storeFactory, opts ...StoreOption) Store {
	t.Helper()
	s := f.open(t, opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testScenarioBob(t *testing.T, f storeFactory) {
	ctx := context.Background()
	s := openStore(t, f)

	_, err := s.Append(ctx, "t1", conversation.NewHumanMessage("my name is bob"))
	require.NoError(t, err)
	updated, err := s.Append(ctx, "t1", conversation.NewAIMessage("Hello Bob!"))
	require.NoError(t, err)
	require.Len(t, updated, 2)

	got, err := s.GetHistory(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, conversation.RoleHuman, got[0].Role())
	assert.Equal(t, "my name is bob", got[0].Text())
	assert.Equal(t, conversation.RoleAssistant, got[1].Role())
	assert.Equal(t, "Hello Bob!", got[1].Text())

	other, err := s.GetHistory(ctx, "t2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func testUnknownThread(t *testing.T, f storeFactory) {
	s := openStore(t, f)
	got, err := s.GetHistory(context.Background(), "never-written")
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Len(t, got, 0)
}

func testConcatenation(t *testing.T, f storeFactory) {
	ctx := context.Background()
	s := openStore(t, f)

	var want []string
	for i := 0; i < 5; i++ {
		batch := make([]*conversation.Message, 0, i+1)
		for j := 0; j <= i; j++ {
			text := fmt.Sprintf("m%d-%d", i, j)
			want = append(want, text)
			batch = append(batch, conversation.NewHumanMessage(text))
		}
		_, err := s.Append(ctx, "k", batch...)
		require.NoError(t, err)
	}

	got, err := s.GetHistory(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, want, textsOf(got))
}

func testIsolation(t *testing.T, f storeFactory) {
	ctx := context.Background()
	s := openStore(t, f)

	_, err := s.Append(ctx, "a", conversation.NewHumanMessage("for a"))
	require.NoError(t, err)
	_, err = s.Append(ctx, "b", conversation.NewHumanMessage("for b"), conversation.NewAIMessage("reply b"))
	require.NoError(t, err)

	a, err := s.GetHistory(ctx, "a")
	require.NoError(t, err)
	b, err := s.GetHistory(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"for a"}, textsOf(a))
	assert.Equal(t, []string{"for b", "reply b"}, textsOf(b))
}

func testEmptyAppend(t *testing.T, f storeFactory) {
	ctx := context.Background()
	s := openStore(t, f)

	got, err := s.Append(ctx, "empty")
	require.NoError(t, err)
	assert.Empty(t, got)

	threads, err := s.ListThreads(ctx)
	require.NoError(t, err)
	assert.Empty(t, threads)
}

func testValidation(t *testing.T, f storeFactory) {
	ctx := context.Background()
	s := openStore(t, f)

	_, err := s.Append(ctx, "", conversation.NewHumanMessage("x"))
	assert.True(t, errors.Is(err, ErrValidation))

	_, err = s.GetHistory(ctx, "  ")
	assert.True(t, errors.Is(err, ErrValidation))

	_, err = s.Append(ctx, "k", conversation.NewHumanMessage("ok"), nil)
	assert.True(t, errors.Is(err, ErrValidation))

	got, err := s.GetHistory(ctx, "k")
	require.NoError(t, err)
	assert.Empty(t, got, "a rejected batch must not be partially stored")
}

func testCapacity(t *testing.T, f storeFactory) {
	ctx := context.Background()
	s := openStore(t, f, WithMaxMessages(3))

	_, err := s.Append(ctx, "k", conversation.NewHumanMessage("1"), conversation.NewAIMessage("2"))
	require.NoError(t, err)

	_, err = s.Append(ctx, "k", conversation.NewHumanMessage("3"), conversation.NewAIMessage("4"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCapacityExceeded))
	var capErr *CapacityExceededError
	require.True(t, errors.As(err, &capErr))
	assert.Equal(t, 3, capErr.Limit)
	assert.Equal(t, 2, capErr.Current)
	assert.Equal(t, 2, capErr.Requested)

	got, err := s.GetHistory(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, textsOf(got))

	_, err = s.Append(ctx, "k", conversation.NewHumanMessage("3"))
	require.NoError(t, err)
	_, err = s.Append(ctx, "k", conversation.NewHumanMessage("4"))
	assert.True(t, errors.Is(err, ErrCapacityExceeded))

	// other threads have their own budget
	_, err = s.Append(ctx, "other", conversation.NewHumanMessage("1"))
	require.NoError(t, err)
}

func testCopies(t *testing.T, f storeFactory) {
	ctx := context.Background()
	s := openStore(t, f)

	msg := conversation.NewHumanMessage("original", conversation.WithMetadata(map[string]interface{}{"k": "v"}))
	_, err := s.Append(ctx, "k", msg)
	require.NoError(t, err)

	msg.Content.(*conversation.ChatMessageContent).Text = "mutated by caller"
	msg.Metadata["k"] = "changed"

	got, err := s.GetHistory(ctx, "k")
	require.NoError(t, err)
	got[0].Content.(*conversation.ChatMessageContent).Text = "mutated by reader"

	again, err := s.GetHistory(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "original", again[0].Text())
	assert.Equal(t, "v", again[0].Metadata["k"])
	assert.Equal(t, msg.ID, again[0].ID)
}

func testClear(t *testing.T, f storeFactory) {
	ctx := context.Background()
	s := openStore(t, f)

	_, err := s.Append(ctx, "k", conversation.NewHumanMessage("1"))
	require.NoError(t, err)
	_, err = s.Append(ctx, "keep", conversation.NewHumanMessage("stay"))
	require.NoError(t, err)

	require.NoError(t, s.Clear(ctx, "k"))
	require.NoError(t, s.Clear(ctx, "k"))
	require.NoError(t, s.Clear(ctx, "never-existed"))

	got, err := s.GetHistory(ctx, "k")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = s.Append(ctx, "k", conversation.NewHumanMessage("fresh"))
	require.NoError(t, err)
	got, err = s.GetHistory(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, textsOf(got))

	kept, err := s.GetHistory(ctx, "keep")
	require.NoError(t, err)
	assert.Equal(t, []string{"stay"}, textsOf(kept))
}

func testListThreads(t *testing.T, f storeFactory) {
	ctx := context.Background()
	s := openStore(t, f)

	_, err := s.Append(ctx, "b", conversation.NewHumanMessage("1"), conversation.NewAIMessage("2"))
	require.NoError(t, err)
	_, err = s.Append(ctx, "a", conversation.NewHumanMessage("1"))
	require.NoError(t, err)

	threads, err := s.ListThreads(ctx)
	require.NoError(t, err)
	require.Len(t, threads, 2)
	assert.Equal(t, ThreadKey("a"), threads[0].Key)
	assert.Equal(t, 1, threads[0].MessageCount)
	assert.Equal(t, ThreadKey("b"), threads[1].Key)
	assert.Equal(t, 2, threads[1].MessageCount)
	assert.False(t, threads[1].CreatedAt.IsZero())
	assert.False(t, threads[1].UpdatedAt.Before(threads[1].CreatedAt))
}

func testConcurrentAppends(t *testing.T, f storeFactory) {
	ctx := context.Background()
	s := openStore(t, f)

	const writers = 8
	const perWriter = 10

	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				key := ThreadKey("shared")
				if i%2 == 1 {
					key = ThreadKey(fmt.Sprintf("own-%d", w))
				}
				_, err := s.Append(ctx, key, conversation.NewHumanMessage(fmt.Sprintf("w%d-%d", w, i)))
				if err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	shared, err := s.GetHistory(ctx, "shared")
	require.NoError(t, err)
	require.Len(t, shared, writers*perWriter/2)

	seen := map[string]bool{}
	lastIndex := map[int]int{}
	for _, m := range shared {
		require.False(t, seen[m.Text()], "duplicate %s", m.Text())
		seen[m.Text()] = true
		var w, i int
		_, err := fmt.Sscanf(m.Text(), "w%d-%d", &w, &i)
		require.NoError(t, err)
		if prev, ok := lastIndex[w]; ok {
			assert.Greater(t, i, prev, "writer %d out of order", w)
		}
		lastIndex[w] = i
	}

	for w := 0; w < writers; w++ {
		own, err := s.GetHistory(ctx, ThreadKey(fmt.Sprintf("own-%d", w)))
		require.NoError(t, err)
		assert.Len(t, own, perWriter/2)
	}
}

func testClosed(t *testing.T, f storeFactory) {
	ctx := context.Background()
	s := f.open(t)
	require.NoError(t, s.Close())

	_, err := s.Append(ctx, "k", conversation.NewHumanMessage("x"))
	assert.True(t, errors.Is(err, ErrStoreClosed))
	_, err = s.GetHistory(ctx, "k")
	assert.True(t, errors.Is(err, ErrStoreClosed))
}

func testReopen(t *testing.T, f storeFactory) {
	ctx := context.Background()
	s := f.open(t)
	_, err := s.Append(ctx, "t1", conversation.NewHumanMessage("my name is bob"), conversation.NewAIMessage("Hello Bob!"))
	require.NoError(t, err)
	_, err = s.Append(ctx, "gone", conversation.NewHumanMessage("bye"))
	require.NoError(t, err)
	require.NoError(t, s.Clear(ctx, "gone"))
	require.NoError(t, s.Close())

	reopened := f.reopen(t, WithMaxMessages(3))
	defer func() { _ = reopened.Close() }()

	got, err := reopened.GetHistory(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"my name is bob", "Hello Bob!"}, textsOf(got))

	gone, err := reopened.GetHistory(ctx, "gone")
	require.NoError(t, err)
	assert.Empty(t, gone)

	_, err = reopened.Append(ctx, "t1", conversation.NewHumanMessage("what is my name?"))
	require.NoError(t, err)
	_, err = reopened.Append(ctx, "t1", conversation.NewAIMessage("too many"))
	assert.True(t, errors.Is(err, ErrCapacityExceeded))
}

func usageMetadata() map[string]interface{} {
	return map[string]interface{}{
		"model":        "gpt-4",
		"total_tokens": 10,
		"usage":        map[string]int{"prompt": 3},
		"tags":         []string{"a"},
	}
}

func normalizedUsage() map[string]interface{} {
	return map[string]interface{}{
		"model":        "gpt-4",
		"total_tokens": float64(10),
		"usage":        map[string]interface{}{"prompt": float64(3)},
		"tags":         []interface{}{"a"},
	}
}

func testMetadata(t *testing.T, f storeFactory) {
	ctx := context.Background()
	s := openStore(t, f)

	updated, err := s.Append(ctx, "t1", conversation.NewAIMessage("hi", conversation.WithMetadata(usageMetadata())))
	require.NoError(t, err)
	assert.Equal(t, normalizedUsage(), updated[0].Metadata)

	got, err := s.GetHistory(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, normalizedUsage(), got[0].Metadata)

	_, err = s.Append(ctx, "t1", conversation.NewAIMessage("bad", conversation.WithMetadata(map[string]interface{}{
		"ch": make(chan int),
	})))
	assert.True(t, errors.Is(err, ErrValidation))
	got, err = s.GetHistory(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func testMetadataReopen(t *testing.T, f storeFactory) {
	ctx := context.Background()
	s := f.open(t)
	before, err := s.Append(ctx, "t1", conversation.NewAIMessage("hi", conversation.WithMetadata(usageMetadata())))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened := f.reopen(t)
	defer func() { _ = reopened.Close() }()

	after, err := reopened.GetHistory(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, before[0].Metadata, after[0].Metadata)
	assert.Equal(t, normalizedUsage(), after[0].Metadata)
}

func textsOf(c conversation.Conversation) []string {
	ret := make([]string, 0, len(c))
	for _, m := range c {
		ret = append(ret, m.Text())
	}
	return ret
}
