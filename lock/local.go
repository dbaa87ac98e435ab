/*
Package lock provides per-key mutual exclusion for wallet mutations.

IMPLEMENTATIONS:
  Local: in-process, one slot per key, reference counted so idle keys
         don't accumulate. Default for a single server.
  Redis: cross-process lease (SET NX PX + Lua compare-and-delete) for
         several servers sharing one database.

Both honor context cancellation while waiting.

USAGE:
  unlock, err := locker.Lock(ctx, "wallet:T1:family:F1")
  if err != nil {
      return err
  }
  defer unlock()
*/
package lock

import (
	"context"
	"sync"
)

// Local is an in-process keyed mutex.
type Local struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	slot chan struct{}
	refs int
}

func NewLocal() *Local {
	return &Local{entries: make(map[string]*entry)}
}

// Lock blocks until key is free or ctx is done.
func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{slot: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.slot <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.slot
			l.release(key, e)
		})
	}, nil
}

func (l *Local) release(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// Len reports how many keys are held or awaited.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
