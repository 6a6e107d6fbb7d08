package kvstore

import (
	"context"
	"fmt"
	"sync"
)

const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
	DriverRedis  = "redis"
)

// Store is an opaque key/value persistence layer.
// Set replaces the whole value for a key in a single write.
type Store interface {
	// Get returns the value for key; ok is false when the key is absent
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set stores value under key
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error
	Delete(ctx context.Context, key string) error

	// Close releases the underlying resources
	Close() error
}

// Options selects and configures a driver
type Options struct {
	Driver   string
	Path     string // sqlite / bolt file
	RedisURL string
	Prefix   string // key prefix for redis
}

// Open creates a store for the configured driver
func Open(opts Options) (Store, error) {
	switch opts.Driver {
	case "", DriverMemory:
		return NewMemory(), nil
	case DriverSQLite:
		return OpenSQLite(opts.Path)
	case DriverBolt:
		return OpenBolt(opts.Path)
	case DriverRedis:
		return OpenRedis(opts.RedisURL, opts.Prefix)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", opts.Driver)
	}
}

// Memory is a process-local Store
type Memory struct {
	data map[string][]byte
	mu   sync.RWMutex
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = v
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) Close() error {
	return nil
}
