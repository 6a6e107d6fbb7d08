package cache

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"AskChat/internal/backend"
)

// CachedResponse represents a cached assistant reply
type CachedResponse struct {
	Response  string
	Timestamp time.Time
}

// GenerateCacheKey generates a cache key from a request payload.
// Every field is length-prefixed so adjacent fields cannot run together.
func GenerateCacheKey(payload backend.Payload) string {
	h := sha256.New()
	writeField := func(s string) {
		fmt.Fprintf(h, "%d:%s", len(s), s)
	}
	writeField(payload.SystemPrompt)
	fmt.Fprintf(h, "%d;", len(payload.History))
	for _, msg := range payload.History {
		writeField(string(msg.Role))
		writeField(msg.Content)
	}
	writeField(payload.Message)
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Transport answers repeated payloads from a bounded LRU cache and
// forwards everything else to the wrapped transport.
type Transport struct {
	next   backend.Transport
	cache  *lru.Cache
	ttl    time.Duration
	logger *slog.Logger
}

// Wrap decorates next with a cache of size entries; ttl <= 0 keeps entries until evicted
func Wrap(next backend.Transport, size int, ttl time.Duration, logger *slog.Logger) (*Transport, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("failed to create reply cache: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{next: next, cache: c, ttl: ttl, logger: logger}, nil
}

func (t *Transport) Name() string {
	return t.next.Name()
}

func (t *Transport) Ask(ctx context.Context, payload backend.Payload) (string, error) {
	key := GenerateCacheKey(payload)
	if val, ok := t.cache.Get(key); ok {
		cached := val.(CachedResponse)
		if t.ttl <= 0 || time.Since(cached.Timestamp) < t.ttl {
			t.logger.Info("cache hit", "key", key[:16])
			return cached.Response, nil
		}
		t.cache.Remove(key)
	}

	reply, err := t.next.Ask(ctx, payload)
	if err != nil {
		return "", err
	}
	// a reply that arrived after cancellation is never cached
	if ctx.Err() != nil {
		return reply, nil
	}
	t.cache.Add(key, CachedResponse{Response: reply, Timestamp: time.Now()})
	t.logger.Info("cached response", "key", key[:16])
	return reply, nil
}
