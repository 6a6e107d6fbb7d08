package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"AskChat/internal/backend"
	"AskChat/internal/request"
	"AskChat/internal/session"
)

// ConnectivityNotice is appended as the assistant turn when a request fails
const ConnectivityNotice = "⚠️ Could not connect to the AI server. Make sure the backend is running."

var (
	// ErrQuotaExceeded is returned when an anonymous identity used up its messages
	ErrQuotaExceeded = errors.New("guest message quota exceeded")

	// ErrClosed is returned by every operation after Close
	ErrClosed = errors.New("chat session closed")
)

// Outcome describes how a send ended
type Outcome int

const (
	// OutcomeSkipped means the input was empty or the seed was already consumed
	OutcomeSkipped Outcome = iota
	// OutcomeReplied means the assistant reply was appended
	OutcomeReplied
	// OutcomeFailed means the connectivity notice was appended
	OutcomeFailed
	// OutcomeCancelled means a newer send or a teardown abandoned this one
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSkipped:
		return "skipped"
	case OutcomeReplied:
		return "replied"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// State is an immutable snapshot of the session
type State struct {
	ActiveConversationID string            `json:"activeConversationId"`
	Messages             []session.Message `json:"messages"`
	Loading              bool              `json:"loading"`
}

// Seed is a first message handed over from outside the chat surface
type Seed struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Requester issues assistant requests on a channel
type Requester interface {
	Issue(ctx context.Context, channel string, payload backend.Payload) *request.Call
	Cancel(channel string)
}

// HistoryStore persists conversations per user
type HistoryStore interface {
	Load(ctx context.Context, user string) []session.Conversation
	Get(ctx context.Context, user, id string) (session.Conversation, bool)
	Upsert(ctx context.Context, user string, conv session.Conversation) error
	Delete(ctx context.Context, user, id string) error
}

// QuotaGate limits anonymous usage
type QuotaGate interface {
	Exhausted(ctx context.Context, id session.Identity) bool
	Increment(ctx context.Context, id session.Identity) error
	Remaining(ctx context.Context, id session.Identity) int
}

// Listener receives a snapshot after every visible state change.
// It is called with the session locked and must not call back into the Manager.
type Listener func(State)

// Manager owns one chat session: the active conversation, its request
// stream and its persistence.
type Manager struct {
	channel      string
	systemPrompt string
	requests     Requester
	history      HistoryStore
	quota        QuotaGate
	logger       *slog.Logger
	listener     Listener

	// lifetime of the session; cancelled by Close
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	identity session.Identity
	activeID string
	messages []session.Message
	loading  bool
	pending  *request.Call
	seeds    map[string]struct{}
	closed   bool
}

// Option configures a Manager
type Option func(*Manager)

// WithChannel sets the channel requests are issued on
func WithChannel(channel string) Option {
	return func(m *Manager) { m.channel = channel }
}

// WithSystemPrompt sets the system prompt sent with every message
func WithSystemPrompt(prompt string) Option {
	return func(m *Manager) { m.systemPrompt = prompt }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithListener registers a state listener
func WithListener(l Listener) Option {
	return func(m *Manager) { m.listener = l }
}

// New creates a session for identity
func New(identity session.Identity, requests Requester, history HistoryStore, quota QuotaGate, opts ...Option) *Manager {
	m := &Manager{
		channel:      "session_" + uuid.NewString(),
		systemPrompt: backend.DefaultSystemPrompt,
		requests:     requests,
		history:      history,
		quota:        quota,
		logger:       slog.Default(),
		identity:     identity,
		messages:     []session.Message{},
		seeds:        make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.logger = m.logger.With("channel", m.channel)
	return m
}

// Channel returns the channel this session issues requests on
func (m *Manager) Channel() string {
	return m.channel
}

// Identity returns the current identity
func (m *Manager) Identity() session.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// State returns a snapshot of the session
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

// History returns the stored conversations of the current identity
func (m *Manager) History(ctx context.Context) []session.Conversation {
	return m.history.Load(ctx, m.Identity().User)
}

// Remaining returns how many messages the identity may still send, or
// quota.Unlimited for durable identities
func (m *Manager) Remaining(ctx context.Context) int {
	return m.quota.Remaining(ctx, m.Identity())
}

// SendMessage appends text as a user turn, asks the assistant and appends
// its answer. It blocks until the request settles or is abandoned.
func (m *Manager) SendMessage(ctx context.Context, text string) (Outcome, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return OutcomeSkipped, nil
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return OutcomeSkipped, ErrClosed
	}
	call, err := m.sendLocked(ctx, text)
	m.mu.Unlock()
	if err != nil {
		return OutcomeSkipped, err
	}

	return m.settle(ctx, call, call.Wait())
}

// sendLocked admits a trimmed, non-empty text and issues its request.
// m.mu must be held.
func (m *Manager) sendLocked(ctx context.Context, text string) (*request.Call, error) {
	id := m.identity
	if !id.Durable() && m.quota.Exhausted(context.WithoutCancel(ctx), id) {
		m.logger.Info("guest quota exhausted", "guest", id.GuestKey())
		return nil, ErrQuotaExceeded
	}

	if m.activeID == "" {
		m.activeID = session.NewConversationID()
		m.logger.Info("started conversation", "conversation_id", m.activeID)
	}

	prior := m.messages
	m.messages = session.Append(prior, session.Message{Role: session.RoleUser, Content: text})
	m.loading = true
	m.persistLocked(ctx)

	if !id.Durable() {
		if err := m.quota.Increment(context.WithoutCancel(ctx), id); err != nil {
			m.logger.Warn("failed to count guest message", "error", err)
		}
	}

	call := m.requests.Issue(m.ctx, m.channel, backend.Payload{
		Message:      text,
		SystemPrompt: m.systemPrompt,
		History:      session.Clone(prior),
	})
	m.pending = call
	m.notifyLocked()
	return call, nil
}

// settle applies a finished call if it is still the one the session waits for
func (m *Manager) settle(ctx context.Context, call *request.Call, res request.Result) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending != call || res.Status == request.Cancelled {
		m.logger.Debug("discarded abandoned request")
		return OutcomeCancelled, nil
	}
	m.pending = nil

	outcome := OutcomeReplied
	reply := res.Reply
	if res.Status == request.Failure {
		outcome = OutcomeFailed
		reply = ConnectivityNotice
		m.logger.Warn("assistant unreachable", "conversation_id", m.activeID, "error", res.Err)
	}

	m.messages = session.Append(m.messages, session.Message{Role: session.RoleAssistant, Content: reply})
	m.loading = false
	m.persistLocked(ctx)
	m.notifyLocked()
	return outcome, nil
}

// StartNewConversation stores the current conversation and resets the session
func (m *Manager) StartNewConversation(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	m.persistLocked(ctx)
	m.resetLocked()
	m.notifyLocked()
	return nil
}

// LoadConversation switches to a stored conversation. Unknown ids are ignored.
func (m *Manager) LoadConversation(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	m.persistLocked(ctx)
	conv, ok := m.history.Get(context.WithoutCancel(ctx), m.identity.User, id)
	if !ok {
		m.logger.Debug("conversation not found", "conversation_id", id)
		return nil
	}

	m.abandonLocked()
	m.activeID = conv.ID
	m.messages = session.Clone(conv.Messages)
	m.loading = false
	m.notifyLocked()
	m.logger.Info("loaded conversation", "conversation_id", id, "message_count", len(conv.Messages))
	return nil
}

// DeleteConversation removes a stored conversation. Deleting the active one
// also resets the session.
func (m *Manager) DeleteConversation(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	if err := m.history.Delete(ctx, m.identity.User, id); err != nil {
		return err
	}
	if id == m.activeID {
		m.resetLocked()
		m.notifyLocked()
	}
	return nil
}

// IngestSeed sends a seed message once. Repeated deliveries of the same seed
// are skipped. The seed always opens a fresh conversation.
func (m *Manager) IngestSeed(ctx context.Context, seed Seed) (Outcome, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return OutcomeSkipped, ErrClosed
	}
	if _, consumed := m.seeds[seed.ID]; consumed {
		m.mu.Unlock()
		m.logger.Info("ignored duplicate seed", "seed_id", seed.ID)
		return OutcomeSkipped, nil
	}
	m.seeds[seed.ID] = struct{}{}

	m.persistLocked(ctx)
	m.resetLocked()
	text := strings.TrimSpace(seed.Text)
	if text == "" {
		m.notifyLocked()
		m.mu.Unlock()
		return OutcomeSkipped, nil
	}
	call, err := m.sendLocked(ctx, text)
	if err != nil {
		m.notifyLocked()
		m.mu.Unlock()
		return OutcomeSkipped, err
	}
	m.mu.Unlock()

	return m.settle(ctx, call, call.Wait())
}

// SwitchIdentity stores the current conversation under the old identity and
// starts over empty under the new one. Histories are never merged.
func (m *Manager) SwitchIdentity(ctx context.Context, id session.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	m.persistLocked(ctx)
	m.resetLocked()
	prev := m.identity
	m.identity = id
	m.notifyLocked()
	m.logger.Info("switched identity", "from", prev.String(), "to", id.String())
	return nil
}

// Close tears the session down and cancels its outstanding request
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.abandonLocked()
	m.cancel()
	m.logger.Info("chat session closed")
}

func (m *Manager) resetLocked() {
	m.abandonLocked()
	m.activeID = ""
	m.messages = []session.Message{}
	m.loading = false
}

func (m *Manager) abandonLocked() {
	if m.pending != nil {
		m.requests.Cancel(m.channel)
		m.pending = nil
	}
}

// persistLocked upserts the active conversation for durable identities.
// Storage failures are logged; the conversation stays usable.
func (m *Manager) persistLocked(ctx context.Context) {
	if !m.identity.Durable() || m.activeID == "" || len(m.messages) == 0 {
		return
	}
	err := m.history.Upsert(context.WithoutCancel(ctx), m.identity.User, session.Conversation{
		ID:       m.activeID,
		Messages: m.messages,
	})
	if err != nil {
		m.logger.Warn("failed to save conversation", "conversation_id", m.activeID, "error", err)
	}
}

func (m *Manager) stateLocked() State {
	return State{
		ActiveConversationID: m.activeID,
		Messages:             session.Clone(m.messages),
		Loading:              m.loading,
	}
}

func (m *Manager) notifyLocked() {
	if m.listener != nil {
		m.listener(m.stateLocked())
	}
}
