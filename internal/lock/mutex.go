// Package lock provides a leased, TTL-based exclusive lock usable across
// processes. It is not consensus based: a holder that outlives its TTL can
// overlap with the next holder, so callers keep a transactional second line
// of defence.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// ErrLockContention is returned when the retry budget is exhausted.
var ErrLockContention = errors.New("concurrent operation in progress")

// Backend is a key-value store with atomic set-if-absent and compare-and-delete.
type Backend interface {
	// Acquire sets key to token with the given ttl if key is absent.
	Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// Release deletes key only if it still holds token.
	Release(ctx context.Context, key, token string) (bool, error)
}

// Options tune a single WithLock call. A zero TTL or RetryDelay, or a negative
// RetryCount, takes the mutex default.
type Options struct {
	TTL        time.Duration
	RetryDelay time.Duration
	RetryCount int
}

// DefaultOptions match the wallet write path.
var DefaultOptions = Options{
	TTL:        10 * time.Second,
	RetryDelay: 100 * time.Millisecond,
	RetryCount: 30,
}

// Mutex runs functions while holding a named lease.
type Mutex struct {
	backend    Backend
	enabled    bool
	defaults   Options
	log        *slog.Logger
	randReader io.Reader
}

// New returns a Mutex over backend. With enabled=false every WithLock call runs
// fn unprotected; that mode is only correct for a single process.
func New(backend Backend, enabled bool, defaults Options, log *slog.Logger) *Mutex {
	if log == nil {
		log = slog.Default()
	}
	if backend == nil {
		enabled = false
	}
	return &Mutex{
		backend:    backend,
		enabled:    enabled,
		defaults:   defaults.withFallback(DefaultOptions),
		log:        log,
		randReader: rand.Reader,
	}
}

func (o Options) withFallback(d Options) Options {
	if o.TTL <= 0 {
		o.TTL = d.TTL
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = d.RetryDelay
	}
	if o.RetryCount < 0 {
		o.RetryCount = d.RetryCount
	}
	return o
}

// Enabled reports whether locks are actually taken.
func (m *Mutex) Enabled() bool { return m.enabled }

// WithLock runs fn while holding an exclusive lease on key.
func (m *Mutex) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error, opts ...Options) error {
	if !m.enabled {
		m.log.Warn("distributed lock disabled, running unprotected", "key", key)
		return fn(ctx)
	}
	o := m.defaults
	if len(opts) > 0 {
		o = opts[0].withFallback(m.defaults)
	}

	token, err := m.newToken()
	if err != nil {
		return err
	}
	if err := m.acquire(ctx, key, token, o); err != nil {
		return err
	}
	defer func() {
		// Release with a fresh context so a cancelled caller still frees the key.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		ok, err := m.backend.Release(releaseCtx, key, token)
		if err != nil {
			m.log.Error("lock release failed", "key", key, "error", err)
			return
		}
		if !ok {
			m.log.Warn("lock expired before release", "key", key, "ttl", o.TTL)
		}
	}()
	return fn(ctx)
}

func (m *Mutex) acquire(ctx context.Context, key, token string, o Options) error {
	for attempt := 0; ; attempt++ {
		ok, err := m.backend.Acquire(ctx, key, token, o.TTL)
		if err != nil {
			return fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return nil
		}
		if attempt >= o.RetryCount {
			m.log.Warn("lock retry budget exhausted", "key", key, "attempts", attempt+1)
			return fmt.Errorf("%w: %s", ErrLockContention, key)
		}
		t := time.NewTimer(o.RetryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (m *Mutex) newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := io.ReadFull(m.randReader, b); err != nil {
		return "", fmt.Errorf("failed to read lock token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// WalletKey is the lock key serializing writes to one wallet.
func WalletKey(walletID fmt.Stringer) string {
	return "wallet:" + walletID.String()
}
