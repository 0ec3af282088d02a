// This package coalesces bursts of continuously updated values, such as a shared live location. Fresh updates
// pass straight through. Stale ones, typically a backlog delivered after reconnecting, wait out a quiet window
// and only the last of a burst is committed.
package continuous

import (
	"context"
	"sync"
	"time"

	"github.com/meow-io/go-reconcile/clock"
	"github.com/meow-io/go-reconcile/config"
	"github.com/meow-io/go-reconcile/metrics"
	"go.uber.org/zap"
)

type Decision int

const (
	Process Decision = iota
	Cancelled
)

func (d Decision) String() string {
	if d == Process {
		return "process"
	}
	return "cancelled"
}

type pendingCommit struct {
	updatedAt time.Time
	cancel    chan struct{}
	cancelled bool
}

type source struct {
	mostRecent time.Time
	pending    *pendingCommit
}

type Limiter struct {
	log       *zap.SugaredLogger
	clock     clock.Clock
	freshness time.Duration
	quiet     time.Duration
	metrics   *metrics.Metrics

	lock    sync.Mutex
	sources map[string]*source
}

func NewLimiter(c *config.Config, cl clock.Clock, m *metrics.Metrics) *Limiter {
	return &Limiter{
		log:       c.Logger("continuous"),
		clock:     cl,
		freshness: c.ContinuousFreshness(),
		quiet:     c.ContinuousQuietWindow(),
		metrics:   m,
		sources:   make(map[string]*source),
	}
}

// must hold lock
func (l *Limiter) cancelPending(s *source) {
	if s.pending == nil {
		return
	}
	s.pending.cancelled = true
	close(s.pending.cancel)
	s.pending = nil
}

// Admit decides whether an update from key should be applied. It returns at once for fresh updates and
// updates superseded by a pending one; otherwise it waits for the quiet window, or until ctx is done.
func (l *Limiter) Admit(ctx context.Context, key string, updatedAt, arrivedAt time.Time) Decision {
	d := l.admit(ctx, key, updatedAt, arrivedAt)
	l.metrics.RecordContinuous(d.String())
	return d
}

func (l *Limiter) admit(ctx context.Context, key string, updatedAt, arrivedAt time.Time) Decision {
	l.lock.Lock()
	s := l.sources[key]

	if arrivedAt.Sub(updatedAt) < l.freshness {
		if s != nil {
			l.cancelPending(s)
			if updatedAt.After(s.mostRecent) {
				s.mostRecent = updatedAt
			}
		}
		l.lock.Unlock()
		return Process
	}

	if s == nil {
		s = &source{}
		l.sources[key] = s
	}
	if s.pending != nil {
		if s.pending.updatedAt.After(updatedAt) {
			l.lock.Unlock()
			l.log.Debugf("discarding update for %s at %s, %s is pending", key, updatedAt, s.pending.updatedAt)
			return Cancelled
		}
		l.cancelPending(s)
	}
	p := &pendingCommit{updatedAt: updatedAt, cancel: make(chan struct{})}
	s.pending = p
	if updatedAt.After(s.mostRecent) {
		s.mostRecent = updatedAt
	}
	fire := l.clock.After(l.quiet)
	l.lock.Unlock()

	select {
	case <-fire:
	case <-p.cancel:
	case <-ctx.Done():
	}

	l.lock.Lock()
	defer l.lock.Unlock()
	if p.cancelled {
		return Cancelled
	}
	// fired or abandoned; either way this commit is no longer pending
	s.pending = nil
	if l.sources[key] == s {
		delete(l.sources, key)
	}
	if ctx.Err() != nil {
		return Cancelled
	}
	return Process
}

// End cancels any pending commit for key and forgets it, for streams that have stopped.
func (l *Limiter) End(key string) {
	l.lock.Lock()
	defer l.lock.Unlock()
	if s, ok := l.sources[key]; ok {
		l.cancelPending(s)
		delete(l.sources, key)
	}
}

func (l *Limiter) pendingSources() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return len(l.sources)
}
