package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"go-meeting-autorecorder/internal/core/domain"
)

// Lock is a process-wide mutual exclusion token with a bounded wait.
type Lock struct {
	name string
	sem  *semaphore.Weighted
	held atomic.Bool
}

func NewLock(name string) *Lock {
	return &Lock{name: name, sem: semaphore.NewWeighted(1)}
}

// Token is held by the owner of a Lock until Release.
type Token struct {
	lock *Lock
	once sync.Once
}

// Acquire waits at most wait for the lock. A timeout returns an error
// matching domain.ErrLockContention.
func (l *Lock) Acquire(ctx context.Context, wait time.Duration) (*Token, error) {
	if l.sem.TryAcquire(1) {
		return l.grant(), nil
	}
	if wait <= 0 {
		return nil, fmt.Errorf("%s: %w", l.name, domain.ErrLockContention)
	}
	wctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if err := l.sem.Acquire(wctx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s held for more than %s: %w", l.name, wait, domain.ErrLockContention)
	}
	return l.grant(), nil
}

func (l *Lock) grant() *Token {
	l.held.Store(true)
	return &Token{lock: l}
}

// Release returns the lock. Only the first call has an effect.
func (t *Token) Release() error {
	if t == nil {
		return nil
	}
	err := domain.ErrLockReleased
	t.once.Do(func() {
		t.lock.held.Store(false)
		t.lock.sem.Release(1)
		err = nil
	})
	return err
}

// Held reports whether a token is currently outstanding. It never touches
// the semaphore, so it cannot make a concurrent Acquire fail.
func (l *Lock) Held() bool {
	return l.held.Load()
}
