package lock

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrLockFailed is returned when an exclusive section could not be entered
// before the context expired or the retry budget ran out.
var ErrLockFailed = errors.New("acquire lock failed")

// Locker serialises work on named keys. Acquire takes every key or none, in
// sorted order, so two callers locking overlapping sets never deadlock.
type Locker interface {
	Acquire(ctx context.Context, keys ...string) (release func(), err error)
}

// normalize sorts and de-duplicates keys.
func normalize(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type entry struct {
	ch   chan struct{}
	refs int
}

// Local is an in-process Locker. Idle keys are dropped so the table only
// holds keys that are held or awaited.
type Local struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewLocal builds an in-process keyed locker.
func NewLocal() *Local {
	return &Local{entries: make(map[string]*entry)}
}

func (l *Local) ref(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *Local) unref(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// Acquire implements Locker.
func (l *Local) Acquire(ctx context.Context, keys ...string) (func(), error) {
	keys = normalize(keys)
	held := make([]*entry, 0, len(keys))

	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i].ch
			l.unref(keys[i], held[i])
		}
	}

	for _, key := range keys {
		e := l.ref(key)
		select {
		case e.ch <- struct{}{}:
			held = append(held, e)
		case <-ctx.Done():
			l.unref(key, e)
			release()
			return nil, errors.Join(ErrLockFailed, ctx.Err())
		}
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}
