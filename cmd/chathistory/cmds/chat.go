package cmds

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-go-golems/chathistory/pkg/conversation"
	"github.com/go-go-golems/chathistory/pkg/events"
	"github.com/go-go-golems/chathistory/pkg/history"
	"github.com/go-go-golems/chathistory/pkg/metrics"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tcnksm/go-input"
	"golang.org/x/sync/errgroup"
)

// turnFunc runs one user turn and returns the final reply.
type turnFunc func(ctx context.Context, key history.ThreadKey, msg *conversation.Message) (*conversation.Message, error)

// session carries what chat and agent share: the decorated store, the metrics
// registry and the event router.
type session struct {
	store      *storeStack
	registry   *prometheus.Registry
	collectors *metrics.Collectors
	router     *events.EventRouter
	key        history.ThreadKey
}

func addSessionFlags(cmd *cobra.Command) {
	cmd.Flags().String("thread", "", "Thread key (default: a new thread)")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	cmd.Flags().Bool("print-events", false, "Print thread events to stderr")
}

func newSession(cmd *cobra.Command) (*session, error) {
	threadStr, _ := cmd.Flags().GetString("thread")
	key := history.ThreadKey(strings.TrimSpace(threadStr))
	if key.IsZero() {
		key = history.NewThreadKey()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	c, err := metrics.NewCollectors(reg)
	if err != nil {
		return nil, err
	}

	s := &session{registry: reg, collectors: c, key: key}
	opts := []stackOption{withMetrics(c)}

	printEvents, _ := cmd.Flags().GetBool("print-events")
	if printEvents {
		router, err := events.NewEventRouter(events.WithLogger(events.NewWatermillLogger(log.Logger)))
		if err != nil {
			return nil, err
		}
		router.AddThreadEventHandler("print-events", events.DefaultTopic, events.DumpThreadEvents(os.Stderr))
		pm := events.NewPublisherManager()
		pm.SubscribePublisher(events.DefaultTopic, router.Publisher)
		s.router = router
		opts = append(opts, withEvents(pm))
	}

	s.store, err = openStoreStack(cmd.Context(), opts...)
	if err != nil {
		if s.router != nil {
			_ = s.router.Close()
		}
		return nil, err
	}
	return s, nil
}

// abort releases a session that never ran.
func (s *session) abort() {
	if s.router != nil {
		_ = s.router.Close()
	}
	closeStore(s.store)
}

// run drives the REPL next to the metrics server and event router, shutting
// both down when the REPL returns.
func (s *session) run(ctx context.Context, cmd *cobra.Command, turn turnFunc) error {
	defer closeStore(s.store)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	eg, ctx := errgroup.WithContext(ctx)

	addr, _ := cmd.Flags().GetString("metrics-addr")
	if addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
		server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		eg.Go(func() error {
			log.Info().Str("addr", addr).Msg("serving metrics")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		eg.Go(func() error {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	if s.router != nil {
		eg.Go(func() error {
			return s.router.Run(ctx)
		})
		eg.Go(func() error {
			<-ctx.Done()
			return s.router.Close()
		})
		<-s.router.Running()
	}

	eg.Go(func() error {
		defer cancel()
		return s.repl(ctx, cmd, turn)
	})

	return eg.Wait()
}

// eofReader remembers whether the underlying reader hit EOF.
type eofReader struct {
	r   io.Reader
	eof bool
}

func (e *eofReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err == io.EOF {
		e.eof = true
	}
	return n, err
}

func (s *session) repl(ctx context.Context, cmd *cobra.Command, turn turnFunc) error {
	out := cmd.OutOrStdout()
	interactive := isatty.IsTerminal(os.Stdin.Fd())

	var next func() (string, bool, error)
	if interactive {
		stdin := &eofReader{r: os.Stdin}
		ui := &input.UI{Writer: out, Reader: stdin}
		_, _ = fmt.Fprintf(out, "thread %s, /history to show it, /quit to leave\n", s.key)
		next = func() (string, bool, error) {
			answer, err := ui.Ask(">", &input.Options{HideOrder: true})
			if err != nil {
				if errors.Is(err, input.ErrInterrupted) || stdin.eof {
					return "", false, nil
				}
				return "", false, err
			}
			if stdin.eof && answer == "" {
				return "", false, nil
			}
			return answer, true, nil
		}
	} else {
		scanner := bufio.NewScanner(os.Stdin)
		next = func() (string, bool, error) {
			if !scanner.Scan() {
				return "", false, scanner.Err()
			}
			return scanner.Text(), true, nil
		}
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		line, ok, err := next()
		if err != nil || !ok {
			return err
		}
		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/history":
			h, err := s.store.GetHistory(ctx, s.key)
			if err != nil {
				return err
			}
			if err := printConversation(out, h); err != nil {
				return err
			}
			continue
		}

		reply, err := turn(ctx, s.key, conversation.NewHumanMessage(line))
		if err != nil {
			if errors.Is(err, history.ErrCapacityExceeded) {
				_, _ = fmt.Fprintf(out, "thread %s is full: %v\n", s.key, err)
				return nil
			}
			if errors.Is(err, history.ErrConcurrentWrite) {
				_, _ = fmt.Fprintf(out, "thread %s was changed by another process, start a new session to reload it\n", s.key)
				return nil
			}
			return err
		}
		if err := printMessage(out, reply); err != nil {
			return err
		}
	}
}

func NewChatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a model, remembering the conversation per thread",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ms, err := LoadModelSettings(cmd)
			if err != nil {
				return err
			}
			win, err := NewWindow(ms)
			if err != nil {
				return err
			}

			invoker, err := NewInvoker(ms)
			if err != nil {
				return err
			}
			s, err := newSession(cmd)
			if err != nil {
				return err
			}

			responder := history.NewResponder(
				s.store,
				metrics.NewInstrumentedInvoker(invoker, s.collectors),
				history.WithWindow(win),
				history.WithSerializedTurns(),
			)
			return s.run(cmd.Context(), cmd, responder.Respond)
		},
	}
	addSessionFlags(cmd)
	addModelFlags(cmd)
	return cmd
}
