/*
Package lock provides ledger.Locker implementations.

  Local  per-key mutex for a single process
  Redis  distributed lock via bsm/redislock, for several API replicas
         sharing one database

Both hand back a release func that is safe to call more than once. A lock
that cannot be obtained yields an error wrapping
ledger.ErrConcurrencyConflict.
*/
package lock

import (
	"context"
	"fmt"
	"sync"

	"github.com/warp/credit-ledger/ledger"
)

// Local serializes callers per key within one process.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

var _ ledger.Locker = (*Local)(nil)

func NewLocal() *Local {
	return &Local{slots: make(map[string]*slot)}
}

// Acquire blocks until key is free or ctx is done.
func (l *Local) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-s.ch
				l.forget(key, s)
			})
		}, nil
	case <-ctx.Done():
		l.forget(key, s)
		return nil, fmt.Errorf("%w: waiting for %s: %v", ledger.ErrConcurrencyConflict, key, ctx.Err())
	}
}

func (l *Local) forget(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// Held reports how many keys currently have a holder or waiter.
func (l *Local) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
