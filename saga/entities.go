package saga

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

type entityLock struct {
	sem  *semaphore.Weighted
	refs int
}

// entityLocks hands out one exclusive lock per entity key. Entries live only while someone holds or waits
// for them.
type entityLocks struct {
	lock  sync.Mutex
	locks map[string]*entityLock
}

func newEntityLocks() *entityLocks {
	return &entityLocks{locks: make(map[string]*entityLock)}
}

func (l *entityLocks) ref(key string) *semaphore.Weighted {
	l.lock.Lock()
	defer l.lock.Unlock()
	el, ok := l.locks[key]
	if !ok {
		el = &entityLock{sem: semaphore.NewWeighted(1)}
		l.locks[key] = el
	}
	el.refs++
	return el.sem
}

func (l *entityLocks) unref(key string) *semaphore.Weighted {
	l.lock.Lock()
	defer l.lock.Unlock()
	el := l.locks[key]
	el.refs--
	if el.refs == 0 {
		delete(l.locks, key)
	}
	return el.sem
}

// acquire takes every key in order; keys must be sorted and unique.
func (l *entityLocks) acquire(keys []string) {
	for _, k := range keys {
		// the background context never cancels, so Acquire only returns once the lock is held
		_ = l.ref(k).Acquire(context.Background(), 1)
	}
}

func (l *entityLocks) release(keys []string) {
	for i := len(keys) - 1; i >= 0; i-- {
		l.unref(keys[i]).Release(1)
	}
}

func (l *entityLocks) size() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return len(l.locks)
}
