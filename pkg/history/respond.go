package history

import (
	"context"
	"sync"
	"time"

	"github.com/go-go-golems/chathistory/pkg/conversation"
	"github.com/go-go-golems/chathistory/pkg/window"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// ModelInvoker produces the next message of a conversation.
type ModelInvoker interface {
	Invoke(ctx context.Context, history conversation.Conversation) (*conversation.Message, error)
}

type ModelInvokerFunc func(ctx context.Context, history conversation.Conversation) (*conversation.Message, error)

func (f ModelInvokerFunc) Invoke(ctx context.Context, history conversation.Conversation) (*conversation.Message, error) {
	return f(ctx, history)
}

// Responder runs a single model turn against a thread: append the user
// message, invoke the model on the updated history, append the reply.
type Responder struct {
	store   Store
	invoker ModelInvoker
	window  window.Strategy
	turns   *turnLocks
	logger  zerolog.Logger
}

type ResponderOption func(*Responder)

// WithWindow limits what the model sees. The store keeps the full history.
func WithWindow(w window.Strategy) ResponderOption {
	return func(r *Responder) {
		r.window = w
	}
}

// WithSerializedTurns makes concurrent Respond calls on the same thread run
// one after the other, so each reply directly follows its own user message.
func WithSerializedTurns() ResponderOption {
	return func(r *Responder) {
		r.turns = newTurnLocks()
	}
}

func WithLogger(logger zerolog.Logger) ResponderOption {
	return func(r *Responder) {
		r.logger = logger
	}
}

func NewResponder(store Store, invoker ModelInvoker, opts ...ResponderOption) *Responder {
	r := &Responder{
		store:   store,
		invoker: invoker,
		window:  window.Full,
		logger:  log.Logger,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Respond returns the model reply after it has been appended to the thread.
// Model errors are returned unchanged and leave the user message in place.
func (r *Responder) Respond(ctx context.Context, key ThreadKey, userMessage *conversation.Message) (*conversation.Message, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if err := userMessage.Validate(); err != nil {
		return nil, &ValidationError{Field: "userMessage", Reason: err.Error()}
	}

	if r.turns != nil {
		release, err := r.turns.acquire(ctx, key)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	history, err := r.store.Append(ctx, key, userMessage)
	if err != nil {
		return nil, err
	}

	visible := r.window.Apply(history)
	r.logger.Debug().
		Str("thread", string(key)).
		Int("history_len", len(history)).
		Int("window_len", len(visible)).
		Msg("invoking model")

	start := time.Now()
	reply, err := r.invoker.Invoke(ctx, visible)
	if err != nil {
		r.logger.Debug().Err(err).Str("thread", string(key)).Msg("model invocation failed")
		return nil, err
	}
	if reply == nil {
		return nil, ErrEmptyReply
	}

	if _, err := r.store.Append(ctx, key, reply); err != nil {
		return nil, err
	}
	r.logger.Debug().
		Str("thread", string(key)).
		Dur("elapsed", time.Since(start)).
		Msg("appended model reply")
	return reply, nil
}

// Respond is the one-shot form of Responder.Respond.
func Respond(
	ctx context.Context,
	store Store,
	key ThreadKey,
	userMessage *conversation.Message,
	invoker ModelInvoker,
) (*conversation.Message, error) {
	return NewResponder(store, invoker).Respond(ctx, key, userMessage)
}

// turnLocks hands out one weighted semaphore per active thread. Entries are
// dropped once nobody holds or waits on them.
type turnLocks struct {
	mu    sync.Mutex
	locks map[ThreadKey]*turnLock
}

type turnLock struct {
	sem  *semaphore.Weighted
	refs int
}

func newTurnLocks() *turnLocks {
	return &turnLocks{locks: map[ThreadKey]*turnLock{}}
}

func (l *turnLocks) acquire(ctx context.Context, key ThreadKey) (func(), error) {
	l.mu.Lock()
	tl, ok := l.locks[key]
	if !ok {
		tl = &turnLock{sem: semaphore.NewWeighted(1)}
		l.locks[key] = tl
	}
	tl.refs++
	l.mu.Unlock()

	if err := tl.sem.Acquire(ctx, 1); err != nil {
		l.unref(key, tl)
		return nil, err
	}
	return func() {
		tl.sem.Release(1)
		l.unref(key, tl)
	}, nil
}

func (l *turnLocks) unref(key ThreadKey, tl *turnLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tl.refs--
	if tl.refs == 0 && l.locks[key] == tl {
		delete(l.locks, key)
	}
}
