// Package syncx provides named read/write locks whose acquisition is bounded by a timeout.
//
// Every catalog in the host guards its state with an RWLock. Readers share the lock, a
// writer excludes everyone, and waiters are served in arrival order so a steady stream
// of readers cannot starve a writer. Acquisition that does not complete within the
// lock's timeout fails with ErrLockTimeout instead of blocking forever.
package syncx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultTimeout bounds lock acquisition when no explicit timeout is configured.
const DefaultTimeout = 30 * time.Second

// maxReaders is the weight a writer acquires; each reader holds one unit.
const maxReaders = 1 << 30

// ErrLockTimeout is matched by every *TimeoutError.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// Mode identifies the kind of access being requested.
type Mode string

const (
	ModeRead  Mode = "read"
	ModeWrite Mode = "write"
)

// TimeoutError reports a lock that could not be acquired in time.
type TimeoutError struct {
	Name    string
	Mode    Mode
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s lock %q not acquired within %s", e.Mode, e.Name, e.Timeout)
}

// Is makes errors.Is(err, ErrLockTimeout) succeed.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrLockTimeout
}

// Option configures an RWLock.
type Option func(*RWLock)

// WithTimeoutHook installs fn to be called every time acquisition times out.
func WithTimeoutHook(fn func(name string, mode Mode)) Option {
	return func(l *RWLock) {
		l.onTimeout = fn
	}
}

// RWLock is a named, timeout-bounded read/write lock.
//
// It is not reentrant: a goroutine holding the read lock that asks for it again may
// queue behind a waiting writer and time out.
type RWLock struct {
	name      string
	timeout   time.Duration
	sem       *semaphore.Weighted
	onTimeout func(name string, mode Mode)
}

// NewRWLock creates a lock. A non-positive timeout selects DefaultTimeout.
func NewRWLock(name string, timeout time.Duration, opts ...Option) *RWLock {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	l := &RWLock{
		name:    name,
		timeout: timeout,
		sem:     semaphore.NewWeighted(maxReaders),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Name returns the lock name used in errors and metrics.
func (l *RWLock) Name() string { return l.name }

// Timeout returns the acquisition bound.
func (l *RWLock) Timeout() time.Duration { return l.timeout }

// RLock acquires shared access.
func (l *RWLock) RLock() error {
	return l.RLockContext(context.Background())
}

// RLockContext acquires shared access, giving up when ctx is done or the timeout elapses.
func (l *RWLock) RLockContext(ctx context.Context) error {
	return l.acquire(ctx, 1, ModeRead)
}

// RUnlock releases shared access.
func (l *RWLock) RUnlock() {
	l.sem.Release(1)
}

// Lock acquires exclusive access.
func (l *RWLock) Lock() error {
	return l.LockContext(context.Background())
}

// LockContext acquires exclusive access, giving up when ctx is done or the timeout elapses.
func (l *RWLock) LockContext(ctx context.Context) error {
	return l.acquire(ctx, maxReaders, ModeWrite)
}

// Unlock releases exclusive access.
func (l *RWLock) Unlock() {
	l.sem.Release(maxReaders)
}

// Read runs fn while holding shared access.
func (l *RWLock) Read(fn func() error) error {
	if err := l.RLock(); err != nil {
		return err
	}
	defer l.RUnlock()
	return fn()
}

// Write runs fn while holding exclusive access.
func (l *RWLock) Write(fn func() error) error {
	if err := l.Lock(); err != nil {
		return err
	}
	defer l.Unlock()
	return fn()
}

func (l *RWLock) acquire(ctx context.Context, weight int64, mode Mode) error {
	if ctx == nil {
		ctx = context.Background()
	}
	tctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	if err := l.sem.Acquire(tctx, weight); err != nil {
		// The caller's own cancellation is reported as such, not as a timeout.
		if ctx.Err() != nil {
			return fmt.Errorf("%s lock %q: %w", mode, l.name, ctx.Err())
		}
		if l.onTimeout != nil {
			l.onTimeout(l.name, mode)
		}
		return &TimeoutError{Name: l.name, Mode: mode, Timeout: l.timeout}
	}
	return nil
}
