package quota

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"AskChat/internal/kvstore"
	"AskChat/internal/session"
)

// DefaultLimit is the number of messages an anonymous identity may send
const DefaultLimit = 20

// Unlimited is reported as the remaining count for durable identities
const Unlimited = -1

const keyPrefix = "guestMessageCount_"

// Gate bounds the number of messages anonymous identities may send
type Gate struct {
	store  kvstore.Store
	limit  int
	logger *slog.Logger
	mu     sync.Mutex
}

// NewGate creates a gate over store. A non-positive limit selects DefaultLimit.
func NewGate(store kvstore.Store, limit int, logger *slog.Logger) *Gate {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{store: store, limit: limit, logger: logger}
}

// Limit returns the configured limit
func (g *Gate) Limit() int {
	return g.limit
}

// Count returns the number of messages sent by the anonymous identity.
// A counter that cannot be read counts as zero.
func (g *Gate) Count(ctx context.Context, id session.Identity) int {
	if id.Durable() {
		return 0
	}
	n, err := g.count(ctx, key(id))
	if err != nil {
		g.logger.Warn("failed to read quota counter", "guest", id.GuestKey(), "error", err)
		return 0
	}
	return n
}

// Remaining returns limit - count floored at zero, or Unlimited for durable identities.
// A counter that cannot be read leaves nothing remaining.
func (g *Gate) Remaining(ctx context.Context, id session.Identity) int {
	if id.Durable() {
		return Unlimited
	}
	n, err := g.count(ctx, key(id))
	if err != nil {
		g.logger.Warn("failed to read quota counter", "guest", id.GuestKey(), "error", err)
		return 0
	}
	return max(g.limit-n, 0)
}

// Exhausted reports whether the identity reached its limit.
// Anonymous identities whose counter cannot be read are exhausted.
func (g *Gate) Exhausted(ctx context.Context, id session.Identity) bool {
	if id.Durable() {
		return false
	}
	n, err := g.count(ctx, key(id))
	if err != nil {
		g.logger.Warn("failed to read quota counter, refusing message", "guest", id.GuestKey(), "error", err)
		return true
	}
	return n >= g.limit
}

// Increment records one more message for the anonymous identity.
// Nothing is written when the current counter cannot be read.
func (g *Gate) Increment(ctx context.Context, id session.Identity) error {
	if id.Durable() {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	k := key(id)
	n, err := g.count(ctx, k)
	if err != nil {
		return fmt.Errorf("failed to read quota counter: %w", err)
	}
	next := n + 1
	if err := g.store.Set(ctx, k, []byte(strconv.Itoa(next))); err != nil {
		return fmt.Errorf("failed to save quota counter: %w", err)
	}
	g.logger.Info("guest message counted", "guest", id.GuestKey(), "count", next, "limit", g.limit)
	return nil
}

// count reads the stored counter. Store errors are returned; an
// unparseable value counts as zero.
func (g *Gate) count(ctx context.Context, k string) (int, error) {
	raw, ok, err := g.store.Get(ctx, k)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || n < 0 {
		g.logger.Warn("unreadable quota counter, treating as zero", "key", k, "value", string(raw))
		return 0, nil
	}
	return n, nil
}

func key(id session.Identity) string {
	return keyPrefix + id.GuestKey()
}
