package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"AskChat/internal/kvstore"
	"AskChat/internal/session"
)

const keyPrefix = "chatHistory_"

// Repository is the durable, per-user store of conversations.
// Every operation is a no-op for an empty user.
type Repository struct {
	store  kvstore.Store
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Repository
type Option func(*Repository)

// WithClock overrides the time source used for createdAt/updatedAt
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// NewRepository creates a repository backed by store
func NewRepository(store kvstore.Store, logger *slog.Logger, opts ...Option) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Repository{store: store, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load returns the user's conversations, most recently updated first.
// Missing or unreadable records yield an empty list.
func (r *Repository) Load(ctx context.Context, user string) []session.Conversation {
	convs, err := r.read(ctx, user)
	if err != nil {
		r.logger.Warn("failed to read chat history", "user", user, "error", err)
		return []session.Conversation{}
	}
	return convs
}

// read is Load for the write paths: a failed store read is returned so the
// stored list is never rebuilt from nothing. Corrupt records still read as empty.
func (r *Repository) read(ctx context.Context, user string) ([]session.Conversation, error) {
	if user == "" {
		return []session.Conversation{}, nil
	}
	raw, ok, err := r.store.Get(ctx, key(user))
	if err != nil {
		return nil, err
	}
	if !ok {
		return []session.Conversation{}, nil
	}

	var convs []session.Conversation
	if err := json.Unmarshal(raw, &convs); err != nil {
		r.logger.Warn("corrupt chat history, treating as empty", "user", user, "error", err)
		return []session.Conversation{}, nil
	}
	if convs == nil {
		convs = []session.Conversation{}
	}
	return convs, nil
}

// Get returns a single stored conversation
func (r *Repository) Get(ctx context.Context, user, id string) (session.Conversation, bool) {
	for _, c := range r.Load(ctx, user) {
		if c.ID == id {
			return c, true
		}
	}
	return session.Conversation{}, false
}

// Upsert stores conv for user and moves it to the front of the list.
// The title is always derived from the messages; conversations without
// messages are never stored.
func (r *Repository) Upsert(ctx context.Context, user string, conv session.Conversation) error {
	if user == "" || len(conv.Messages) == 0 {
		return nil
	}
	if conv.ID == "" {
		return fmt.Errorf("conversation id is required")
	}

	existing, err := r.read(ctx, user)
	if err != nil {
		return fmt.Errorf("failed to load chat history: %w", err)
	}
	now := r.now().UTC()

	stored := session.Conversation{
		ID:        conv.ID,
		Title:     session.TitleOf(conv.Messages),
		Messages:  session.Clone(conv.Messages),
		CreatedAt: now,
		UpdatedAt: now,
	}

	updated := make([]session.Conversation, 0, len(existing)+1)
	updated = append(updated, stored)
	for _, c := range existing {
		if c.ID == conv.ID {
			updated[0].CreatedAt = c.CreatedAt
			continue
		}
		updated = append(updated, c)
	}

	if err := r.save(ctx, user, updated); err != nil {
		return err
	}
	r.logger.Debug("conversation saved", "user", user, "conversation_id", conv.ID, "message_count", len(conv.Messages))
	return nil
}

// Delete removes the conversation with id; absent ids are ignored
func (r *Repository) Delete(ctx context.Context, user, id string) error {
	if user == "" {
		return nil
	}
	existing, err := r.read(ctx, user)
	if err != nil {
		return fmt.Errorf("failed to load chat history: %w", err)
	}
	updated := make([]session.Conversation, 0, len(existing))
	for _, c := range existing {
		if c.ID != id {
			updated = append(updated, c)
		}
	}
	if len(updated) == len(existing) {
		return nil
	}
	if err := r.save(ctx, user, updated); err != nil {
		return err
	}
	r.logger.Info("conversation deleted", "user", user, "conversation_id", id)
	return nil
}

func (r *Repository) save(ctx context.Context, user string, convs []session.Conversation) error {
	data, err := json.Marshal(convs)
	if err != nil {
		return fmt.Errorf("failed to marshal chat history: %w", err)
	}
	if err := r.store.Set(ctx, key(user), data); err != nil {
		return fmt.Errorf("failed to save chat history: %w", err)
	}
	return nil
}

func key(user string) string {
	return keyPrefix + user
}
