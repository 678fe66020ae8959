package cmds

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-chat/backend/internal/service/conversation"
)

const replHelp = `commands:
  /new              start a new session
  /sessions         list sessions
  /switch <id>      make a session active
  /delete [id]      delete a session (default: the active one)
  /modes            list modes
  /mode [slug]      set the active session's mode, empty resets it
  /model <id>       switch model
  /status           show the conversation state
  /quit             leave
Ctrl-C while a reply streams cancels it.`

// NewChatCommand returns the interactive chat command.
func NewChatCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Chat with the configured model",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			services, cfg, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer services.Close()

			interrupt := make(chan os.Signal, 1)
			signal.Notify(interrupt, os.Interrupt)
			defer signal.Stop(interrupt)

			r := newREPL(services.Orchestrator, cmd.OutOrStdout(), interrupt)
			defer r.close()

			if cfg.Inference.Model != "" {
				if err := r.prepare(ctx, cfg.Inference.Model, false); err != nil {
					return err
				}
			}
			return r.run(ctx, cmd.InOrStdin())
		},
	}
}

type repl struct {
	orch        *conversation.Orchestrator
	interrupt   <-chan os.Signal
	terminal    chan conversation.Event
	unsubscribe func()

	mu  sync.Mutex
	out io.Writer
}

func newREPL(orch *conversation.Orchestrator, out io.Writer, interrupt <-chan os.Signal) *repl {
	r := &repl{
		orch:      orch,
		out:       out,
		interrupt: interrupt,
		terminal:  make(chan conversation.Event, 8),
	}
	r.unsubscribe = orch.Subscribe(r.onEvent)
	return r
}

func (r *repl) close() { r.unsubscribe() }

func (r *repl) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

func (r *repl) onEvent(ev conversation.Event) {
	switch ev.Type {
	case conversation.EventPrepareProgress:
		r.printf("[%s %3.0f%%] %s\n", ev.Model, ev.Progress*100, ev.Text)
	case conversation.EventResponseUpdate:
		r.printf("%s", ev.Text)
	case conversation.EventSessionChanged:
		r.printf("[session %s]\n", ev.SessionID)
	}
	if ev.Terminal() {
		select {
		case r.terminal <- ev:
		default:
		}
	}
}

func (r *repl) run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	r.printf("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			quit, err := r.handle(ctx, line)
			if quit {
				return nil
			}
			if err != nil {
				r.printf("error: %v\n", err)
			}
		}
		r.printf("> ")
	}
	return scanner.Err()
}

func (r *repl) handle(ctx context.Context, line string) (bool, error) {
	if !strings.HasPrefix(line, "/") {
		return false, r.send(ctx, line)
	}

	fields := strings.Fields(line)
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		r.printf("%s\n", replHelp)
	case "/new":
		session, err := r.orch.NewSession(ctx)
		if err != nil {
			return false, err
		}
		r.printf("new session %s\n", session.ID)
	case "/sessions":
		active := r.orch.Snapshot().ActiveSessionID
		for _, s := range r.orch.Sessions(ctx) {
			marker := " "
			if s.ID == active {
				marker = "*"
			}
			r.printf("%s %s  %-24s %3d turns  %s\n", marker, s.ID, s.Name, s.TurnCount, s.Mode)
		}
	case "/switch":
		if arg == "" {
			return false, errors.New("usage: /switch <id>")
		}
		session, err := r.orch.SwitchSession(ctx, arg)
		if err != nil {
			return false, err
		}
		r.printf("switched to %q (%d turns)\n", session.Name, len(session.Turns))
	case "/delete":
		if arg == "" {
			arg = r.orch.Snapshot().ActiveSessionID
		}
		next, err := r.orch.DeleteSession(ctx, arg)
		if err != nil {
			return false, err
		}
		r.printf("deleted %s, active session is %s\n", arg, next)
	case "/modes":
		for _, m := range r.orch.Modes() {
			r.printf("%-14s %s\n", m.ID, m.Name)
		}
	case "/mode":
		session, err := r.orch.SetMode(ctx, arg)
		if err != nil {
			return false, err
		}
		r.printf("mode set to %q\n", session.Mode)
	case "/model":
		if arg == "" {
			return false, errors.New("usage: /model <id>")
		}
		return false, r.prepare(ctx, arg, true)
	case "/status":
		snap := r.orch.Snapshot()
		r.printf("state=%s model=%s session=%s\n", snap.State, snap.Model, snap.ActiveSessionID)
		if snap.LastError != "" {
			r.printf("last error: %s\n", snap.LastError)
		}
	default:
		return false, errors.Errorf("unknown command %s, try /help", fields[0])
	}
	return false, nil
}

func (r *repl) prepare(ctx context.Context, model string, change bool) error {
	if change {
		return r.orch.ChangeModel(ctx, model)
	}
	return r.orch.Prepare(ctx, model)
}

// send starts a generation and blocks until its terminal event.
func (r *repl) send(ctx context.Context, text string) error {
	id, err := r.orch.SendMessage(ctx, text)
	if err != nil {
		return err
	}
	for {
		select {
		case ev := <-r.terminal:
			if ev.GenerationID != id {
				continue
			}
			switch ev.Type {
			case conversation.EventGenerationCancelled:
				r.printf("\n[cancelled]\n")
			case conversation.EventError:
				r.printf("\n[error: %s]\n", ev.Error)
			default:
				r.printf("\n")
			}
			return nil
		case <-r.interrupt:
			r.orch.Cancel()
		case <-ctx.Done():
			r.orch.Cancel()
			return ctx.Err()
		}
	}
}
