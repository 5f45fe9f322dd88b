package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/consult/internal/conversation"
	"github.com/zulandar/consult/internal/engine"
	"github.com/zulandar/consult/internal/stream"
	"github.com/zulandar/consult/internal/turn"
	"golang.org/x/term"
)

func newChatCmd() *cobra.Command {
	var (
		configPath string
		key        string
		agentType  string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive text consultation",
		Long: "Resumes the active consultation for --key, or starts a new one, and reads messages from stdin.\n" +
			"Commands: /new starts over, /summary requests the summary, /cancel stops a reply, /quit exits.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, configPath, key, agentType, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to consult config file")
	cmd.Flags().StringVarP(&key, "key", "k", "", "caller key the consultation is resumed by (required)")
	cmd.Flags().StringVar(&agentType, "agent", "", "agent type for new consultations (defaults to config)")
	cmd.Flags().BoolVar(&debug, "debug", false, "print debug logs to stderr")
	cmd.MarkFlagRequired("key")
	return cmd
}

func runChat(cmd *cobra.Command, configPath, key, agentType string, debug bool) error {
	cfg, logger, err := loadConfig(cmd, configPath, debug, debug)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if agentType == "" {
		agentType = cfg.Backend.AgentType
	}
	ic := conversation.InitContext{AgentType: agentType}
	return chatLoop(ctx, a.orch, chatOpts{
		Key:         key,
		InitContext: ic,
		In:          cmd.InOrStdin(),
		Out:         cmd.OutOrStdout(),
		Interactive: term.IsTerminal(int(os.Stdin.Fd())),
	})
}

// chatController is the orchestrator surface the REPL drives.
type chatController interface {
	Subscribe() (<-chan engine.Update, func())
	Initialize(ctx context.Context, key string, ic conversation.InitContext) (*conversation.Session, error)
	StartNewConsultation(ctx context.Context, key string, ic conversation.InitContext) (*conversation.Session, error)
	Send(ctx context.Context, content string, attachments []stream.Attachment, action string) error
	Cancel(ctx context.Context) error
	RequestSummary(ctx context.Context) (conversation.Summary, error)
}

type chatOpts struct {
	Key         string
	InitContext conversation.InitContext
	In          io.Reader
	Out         io.Writer
	// Interactive prints prompts; off when stdin is piped.
	Interactive bool
}

// chatLoop runs the REPL until /quit, end of input or ctx is cancelled.
func chatLoop(ctx context.Context, ctl chatController, opts chatOpts) error {
	out := &syncWriter{w: opts.Out}
	updates, unsubscribe := ctl.Subscribe()
	defer unsubscribe()

	r := newRenderer(out)
	go r.run(updates)

	initCtx, cancel := initContext(ctx)
	sess, err := ctl.Initialize(initCtx, opts.Key, opts.InitContext)
	cancel()
	if err != nil {
		return fmt.Errorf("start consultation: %w", err)
	}
	printSession(out, sess)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(opts.In)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		if opts.Interactive {
			fmt.Fprint(out, "you> ")
		}
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			return nil
		case line, ok = <-lines:
			if !ok {
				return nil
			}
		}
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case line == "/quit":
			return nil
		case line == "/cancel":
			if err := ctl.Cancel(ctx); err != nil {
				return err
			}
		case line == "/new":
			sess, err := ctl.StartNewConsultation(ctx, opts.Key, opts.InitContext)
			if err != nil {
				fmt.Fprintf(out, "! %s\n", presentable(err))
				continue
			}
			printSession(out, sess)
		case line == "/summary":
			s, err := ctl.RequestSummary(ctx)
			if err != nil {
				fmt.Fprintf(out, "! %s\n", presentable(err))
				continue
			}
			fmt.Fprintf(out, "summary> %s\n", s.Text)
		default:
			r.expectTurn()
			if err := ctl.Send(ctx, line, nil, ""); err != nil {
				r.cancelTurn()
				if errors.Is(err, engine.ErrClosed) {
					return err
				}
				fmt.Fprintf(out, "! %s\n", presentable(err))
				continue
			}
			if !awaitTurn(ctx, ctl, r, lines, out) {
				return nil
			}
		}
	}
}

// awaitTurn waits for the reply to finish. Input typed meanwhile is only
// checked for /cancel. It returns false when ctx ends first.
func awaitTurn(ctx context.Context, ctl chatController, r *renderer, lines <-chan string, out io.Writer) bool {
	for {
		select {
		case <-r.turnDone:
			return true
		case <-ctx.Done():
			return false
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if strings.TrimSpace(line) == "/cancel" {
				if err := ctl.Cancel(ctx); err != nil {
					fmt.Fprintf(out, "! %s\n", presentable(err))
				}
				continue
			}
			fmt.Fprintln(out, "(still answering, type /cancel to stop)")
		}
	}
}

func printSession(out io.Writer, sess *conversation.Session) {
	if sess == nil {
		return
	}
	msgs := sess.Log.Messages()
	fmt.Fprintf(out, "consultation %s (%s), %d earlier messages\n", sess.ID, sess.AgentType, len(msgs))
	for _, m := range msgs {
		fmt.Fprintf(out, "%s> %s\n", speaker(m.Origin), m.Content)
	}
}

func speaker(o conversation.Origin) string {
	if o == conversation.OriginUser {
		return "you"
	}
	return "agent"
}

// presentable returns the user-facing text of a command error.
func presentable(err error) string {
	var rej *engine.Rejection
	if errors.As(err, &rej) {
		return rej.Reason
	}
	return "something went wrong, please try again"
}

// renderer prints streamed replies as they grow and reports when a turn ends.
type renderer struct {
	out      io.Writer
	turnDone chan struct{}

	mu      sync.Mutex
	waiting bool
	busy    bool
	shown   string
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{out: out, turnDone: make(chan struct{}, 1)}
}

// expectTurn arms turnDone for the next Processing episode.
func (r *renderer) expectTurn() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waiting = true
	select {
	case <-r.turnDone:
	default:
	}
}

func (r *renderer) cancelTurn() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waiting = false
}

func (r *renderer) run(updates <-chan engine.Update) {
	for u := range updates {
		r.handle(u)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.waiting {
		r.waiting = false
		r.turnDone <- struct{}{}
	}
}

func (r *renderer) handle(u engine.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch u.Kind {
	case engine.UpdateMessageAppended:
		if u.Message != nil && u.Message.InFlight {
			fmt.Fprint(r.out, "agent> ")
			r.shown = ""
		}
	case engine.UpdateDraft:
		if strings.HasPrefix(u.Text, r.shown) {
			fmt.Fprint(r.out, u.Text[len(r.shown):])
			r.shown = u.Text
		}
	case engine.UpdateMessageReplaced:
		if u.Message == nil || u.Message.Origin != conversation.OriginAgent {
			return
		}
		text := u.Message.Content
		if strings.HasPrefix(text, r.shown) {
			fmt.Fprint(r.out, text[len(r.shown):])
		} else {
			fmt.Fprint(r.out, "\n"+text)
		}
		fmt.Fprintln(r.out)
		r.shown = ""
	case engine.UpdateMessageRemoved:
		if u.Message != nil && u.Message.InFlight {
			if r.shown != "" {
				fmt.Fprintln(r.out)
			}
			fmt.Fprintln(r.out, "[stopped]")
			r.shown = ""
		}
	case engine.UpdateError:
		fmt.Fprintf(r.out, "! %s\n", u.Text)
	case engine.UpdateState:
		if u.State == nil {
			return
		}
		if u.State.Is(turn.Processing) {
			r.busy = true
			return
		}
		if r.busy && r.waiting {
			r.waiting = false
			r.turnDone <- struct{}{}
		}
		r.busy = false
	}
}

// syncWriter serializes writes from the REPL and the renderer.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
