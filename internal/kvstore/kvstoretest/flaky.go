// Package kvstoretest provides Store wrappers for exercising storage failures.
package kvstoretest

import (
	"context"
	"errors"
	"sync"

	"AskChat/internal/kvstore"
)

// ErrUnavailable is returned by reads that were told to fail
var ErrUnavailable = errors.New("kvstore: store unavailable")

// Flaky wraps a Store the way a network driver behaves: calls with a done
// context fail, and reads can be made to fail on demand.
type Flaky struct {
	kvstore.Store

	mu       sync.Mutex
	failGets int
	sets     int
}

// NewFlaky wraps inner
func NewFlaky(inner kvstore.Store) *Flaky {
	return &Flaky{Store: inner}
}

// FailGets makes the next n Get calls return ErrUnavailable
func (f *Flaky) FailGets(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failGets = n
}

// Sets returns the number of successful writes
func (f *Flaky) Sets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sets
}

func (f *Flaky) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	f.mu.Lock()
	if f.failGets > 0 {
		f.failGets--
		f.mu.Unlock()
		return nil, false, ErrUnavailable
	}
	f.mu.Unlock()
	return f.Store.Get(ctx, key)
}

func (f *Flaky) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := f.Store.Set(ctx, key, value); err != nil {
		return err
	}
	f.mu.Lock()
	f.sets++
	f.mu.Unlock()
	return nil
}

func (f *Flaky) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.Store.Delete(ctx, key)
}
