package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend is an in-process backend for tests and single-instance runs.
type MemoryBackend struct {
	mu    sync.Mutex
	now   func() time.Time
	locks map[string]lease
}

type lease struct {
	token   string
	expires time.Time
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{now: time.Now, locks: make(map[string]lease)}
}

func (b *MemoryBackend) Acquire(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	if l, ok := b.locks[key]; ok && now.Before(l.expires) {
		return false, nil
	}
	b.locks[key] = lease{token: token, expires: now.Add(ttl)}
	return true, nil
}

func (b *MemoryBackend) Release(_ context.Context, key, token string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.locks[key]
	if !ok || l.token != token || !b.now().Before(l.expires) {
		return false, nil
	}
	delete(b.locks, key)
	return true, nil
}
