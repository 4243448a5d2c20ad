// Package agent runs a tool-calling loop on top of a thread history: the
// model either answers or requests tools, tool results are appended to the
// thread, and the model is asked again until it answers.
package agent

import (
	"context"
	"fmt"

	"github.com/go-go-golems/chathistory/pkg/conversation"
	"github.com/go-go-golems/chathistory/pkg/history"
	"github.com/go-go-golems/chathistory/pkg/window"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var ErrMaxIterations = errors.New("max iterations reached")

const (
	DefaultMaxIterations = 5
	DefaultMaxParallel   = 4
)

type Agent struct {
	store       history.Store
	model       history.ModelInvoker
	tools       ToolInvoker
	window      window.Strategy
	maxIter     int
	maxParallel int
	logger      zerolog.Logger
}

type Option func(*Agent)

func WithMaxIterations(n int) Option {
	return func(a *Agent) { a.maxIter = n }
}

// WithMaxParallelTools bounds how many tool calls of one model turn run at once.
func WithMaxParallelTools(n int) Option {
	return func(a *Agent) { a.maxParallel = n }
}

func WithWindow(w window.Strategy) Option {
	return func(a *Agent) { a.window = w }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(a *Agent) { a.logger = logger }
}

func New(store history.Store, model history.ModelInvoker, tools ToolInvoker, opts ...Option) *Agent {
	a := &Agent{
		store:       store,
		model:       model,
		tools:       tools,
		window:      window.Full,
		maxIter:     DefaultMaxIterations,
		maxParallel: DefaultMaxParallel,
		logger:      log.Logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Run appends userMessage to the thread and drives the model until it replies
// without tool calls. Every intermediate message is appended to the thread.
// The final reply is returned.
func (a *Agent) Run(ctx context.Context, key history.ThreadKey, userMessage *conversation.Message) (*conversation.Message, error) {
	h, err := a.store.Append(ctx, key, userMessage)
	if err != nil {
		return nil, err
	}

	for i := 0; i < a.maxIter; i++ {
		a.logger.Debug().Str("thread", string(key)).Int("iteration", i).Msg("agent step")

		reply, err := a.model.Invoke(ctx, a.window.Apply(h))
		if err != nil {
			return nil, err
		}
		if reply == nil {
			return nil, history.ErrEmptyReply
		}
		if h, err = a.store.Append(ctx, key, reply); err != nil {
			return nil, err
		}

		calls := reply.ToolCalls()
		if len(calls) == 0 {
			return reply, nil
		}

		results, err := a.runTools(ctx, calls)
		if err != nil {
			return nil, err
		}
		if h, err = a.store.Append(ctx, key, results...); err != nil {
			return nil, err
		}
	}

	return nil, errors.Wrapf(ErrMaxIterations, "thread %s: %d iterations", key, a.maxIter)
}

// runTools executes calls concurrently and returns one result message per
// call, in call order. Tool failures become error results for the model.
func (a *Agent) runTools(ctx context.Context, calls []conversation.ToolCall) ([]*conversation.Message, error) {
	results := make([]*conversation.Message, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	if a.maxParallel > 0 {
		g.SetLimit(a.maxParallel)
	}
	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			out, err := a.invokeTool(gctx, call)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				a.logger.Debug().Err(err).Str("tool", call.Name).Msg("tool call failed")
				results[i] = conversation.NewToolResultMessage(call.ID, call.Name, err.Error(), true)
				return nil
			}
			results[i] = conversation.NewToolResultMessage(call.ID, call.Name, out, false)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (a *Agent) invokeTool(ctx context.Context, call conversation.ToolCall) (out string, err error) {
	if a.tools == nil {
		return "", fmt.Errorf("tool not found: %s", call.Name)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", call.Name, r)
		}
	}()
	return a.tools.InvokeTool(ctx, call.Name, call.Arguments)
}
