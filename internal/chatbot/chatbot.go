package chatbot

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"AskChat/internal/backend"
	"AskChat/internal/chat"
	"AskChat/internal/quota"
	"AskChat/internal/session"
)

// Dialer builds the transport for a backend name
type Dialer func(name string) (backend.Transport, error)

// Options configures a ChatBot. Zero values fall back to stdin, stdout,
// slog.Default and time.Now.
type Options struct {
	In     io.Reader
	Out    io.Writer
	Logger *slog.Logger
	Now    func() time.Time

	// Seed, when set, is sent as the first message
	Seed *chat.Seed

	// Dial is required for /switch
	Dial Dialer
}

// ChatBot is the terminal front end of one chat session
type ChatBot struct {
	manager   *chat.Manager
	transport *backend.Switchable
	dial      Dialer
	in        io.Reader
	out       io.Writer
	logger    *slog.Logger
	now       func() time.Time
	seed      *chat.Seed
}

// NewChatBot creates a REPL over manager. transport is the switchable
// transport the manager's requests go through.
func NewChatBot(manager *chat.Manager, transport *backend.Switchable, opts Options) *ChatBot {
	cb := &ChatBot{
		manager:   manager,
		transport: transport,
		dial:      opts.Dial,
		in:        opts.In,
		out:       opts.Out,
		logger:    opts.Logger,
		now:       opts.Now,
		seed:      opts.Seed,
	}
	if cb.in == nil {
		cb.in = os.Stdin
	}
	if cb.out == nil {
		cb.out = os.Stdout
	}
	if cb.logger == nil {
		cb.logger = slog.Default()
	}
	if cb.now == nil {
		cb.now = time.Now
	}
	return cb
}

func (cb *ChatBot) printf(format string, args ...any) {
	fmt.Fprintf(cb.out, format, args...)
}

func (cb *ChatBot) println(args ...any) {
	fmt.Fprintln(cb.out, args...)
}

// Run reads lines until EOF, /quit or ctx is done
func (cb *ChatBot) Run(ctx context.Context) error {
	cb.println("=== AskChat ===")
	cb.printf("Backend: %s\n", cb.transport.Name())
	cb.printf("Identity: %s\n", cb.manager.Identity())
	cb.println("Type /help for commands, /quit to exit")
	cb.println()

	if cb.seed != nil {
		cb.printf("You: %s\n", cb.seed.Text)
		outcome, err := cb.manager.IngestSeed(ctx, *cb.seed)
		cb.report(outcome, err)
	}

	done := make(chan struct{})
	defer close(done)
	lines, readErr := cb.readLines(done)

loop:
	for {
		cb.printf("You: ")
		var line string
		select {
		case <-ctx.Done():
			cb.println()
			cb.println("Interrupted.")
			break loop
		case l, ok := <-lines:
			if !ok {
				break loop
			}
			line = l
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			shouldQuit, err := cb.handleCommand(ctx, input)
			if err != nil {
				cb.printf("Error: %v\n", err)
				cb.logger.Error("command error", "command", input, "error", err)
			}
			if shouldQuit {
				break loop
			}
			continue
		}

		outcome, err := cb.manager.SendMessage(ctx, input)
		cb.report(outcome, err)
	}

	select {
	case err := <-readErr:
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}
	default:
	}

	// a final new conversation stores whatever is active
	if err := cb.manager.StartNewConversation(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, chat.ErrClosed) {
		cb.logger.Error("failed to save conversation on exit", "error", err)
	}
	cb.println("Goodbye!")
	return nil
}

// readLines scans input on its own goroutine so Run can return on
// cancellation while a read is still blocked. lines is closed at EOF,
// after the scanner error has been sent on errs.
func (cb *ChatBot) readLines(done <-chan struct{}) (<-chan string, <-chan error) {
	lines := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cb.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
		errs <- scanner.Err()
	}()
	return lines, errs
}

// report prints the result of a send
func (cb *ChatBot) report(outcome chat.Outcome, err error) {
	switch {
	case errors.Is(err, chat.ErrQuotaExceeded):
		cb.println("You have used all your free messages. Sign in with /login <email> to keep chatting.")
		return
	case err != nil:
		cb.printf("Error: %v\n", err)
		cb.logger.Error("failed to send message", "error", err)
		return
	}

	switch outcome {
	case chat.OutcomeReplied, chat.OutcomeFailed:
		msgs := cb.manager.State().Messages
		if n := len(msgs); n > 0 && msgs[n-1].Role == session.RoleAssistant {
			cb.printf("Bot: %s\n\n", msgs[n-1].Content)
		}
	case chat.OutcomeCancelled:
		cb.println("(request cancelled)")
	}
}

// handleCommand handles special commands
func (cb *ChatBot) handleCommand(ctx context.Context, cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/new":
		if err := cb.manager.StartNewConversation(ctx); err != nil {
			return false, err
		}
		cb.println("Started a new conversation")
		return false, nil

	case "/history":
		cb.printHistory(ctx)
		return false, nil

	case "/load":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /load <number|id>")
		}
		id, err := cb.resolve(ctx, parts[1])
		if err != nil {
			return false, err
		}
		if err := cb.manager.LoadConversation(ctx, id); err != nil {
			return false, err
		}
		st := cb.manager.State()
		cb.printf("Loaded %s\n\n", session.TitleOf(st.Messages))
		for _, m := range st.Messages {
			if m.Role == session.RoleUser {
				cb.printf("You: %s\n", m.Content)
			} else {
				cb.printf("Bot: %s\n\n", m.Content)
			}
		}
		return false, nil

	case "/delete":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /delete <number|id>")
		}
		id, err := cb.resolve(ctx, parts[1])
		if err != nil {
			return false, err
		}
		if err := cb.manager.DeleteConversation(ctx, id); err != nil {
			return false, err
		}
		cb.println("Deleted conversation")
		return false, nil

	case "/quota":
		remaining := cb.manager.Remaining(ctx)
		if remaining == quota.Unlimited {
			cb.printf("Signed in as %s: unlimited messages\n", cb.manager.Identity())
		} else {
			cb.printf("%d free messages left\n", remaining)
		}
		return false, nil

	case "/login":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /login <email>")
		}
		id := session.Identity{User: parts[1], Guest: cb.manager.Identity().Guest}
		if err := cb.manager.SwitchIdentity(ctx, id); err != nil {
			return false, err
		}
		cb.printf("Signed in as %s\n", parts[1])
		return false, nil

	case "/logout":
		guest := cb.manager.Identity().Guest
		if err := cb.manager.SwitchIdentity(ctx, session.Identity{Guest: guest}); err != nil {
			return false, err
		}
		cb.println("Signed out, chatting as a guest")
		return false, nil

	case "/switch":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /switch <backend> (%s)", strings.Join(backend.Names(), "|"))
		}
		if cb.dial == nil {
			return false, fmt.Errorf("switching backends is not available")
		}
		t, err := cb.dial(parts[1])
		if err != nil {
			return false, err
		}
		cb.transport.Set(t)
		cb.logger.Info("switched backend", "backend", t.Name())
		cb.printf("Switched to %s backend\n", t.Name())
		return false, nil

	case "/help":
		cb.println("Available commands:")
		cb.println("  /quit, /exit        - Exit the chatbot")
		cb.println("  /new                - Start a new conversation")
		cb.println("  /history            - List saved conversations")
		cb.println("  /load <n|id>        - Continue a saved conversation")
		cb.println("  /delete <n|id>      - Delete a saved conversation")
		cb.println("  /quota              - Show how many free messages are left")
		cb.println("  /login <email>      - Sign in; history is kept per user")
		cb.println("  /logout             - Continue as a guest")
		cb.printf("  /switch <backend>   - Switch LLM backend (%s)\n", strings.Join(backend.Names(), "|"))
		cb.println("  /help               - Show this help message")
		return false, nil

	default:
		return false, fmt.Errorf("unknown command %s, type /help", parts[0])
	}
}

func (cb *ChatBot) printHistory(ctx context.Context) {
	if !cb.manager.Identity().Durable() {
		cb.println("History is only kept for signed-in users. Use /login <email>.")
		return
	}
	convs := cb.manager.History(ctx)
	if len(convs) == 0 {
		cb.println("No saved conversations.")
		return
	}

	active := cb.manager.State().ActiveConversationID
	now := cb.now()
	cb.println("\nSaved conversations:")
	for i, c := range convs {
		marker := " "
		if c.ID == active {
			marker = "*"
		}
		cb.printf("%s%d. %s (%s, %d messages)\n", marker, i+1, c.Title, session.FormatAge(c.UpdatedAt, now), len(c.Messages))
	}
	cb.println()
}

// resolve maps a 1-based list position or a conversation id to an id
func (cb *ChatBot) resolve(ctx context.Context, arg string) (string, error) {
	convs := cb.manager.History(ctx)
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(convs) {
			return "", fmt.Errorf("no conversation #%d", n)
		}
		return convs[n-1].ID, nil
	}
	for _, c := range convs {
		if c.ID == arg {
			return c.ID, nil
		}
	}
	return "", fmt.Errorf("no conversation %s", arg)
}
