package receipt

import (
	"context"
	"sync"
)

// Scheduler hands out one exclusive turn at a time, in arrival order. Turns are only available through
// WithExclusiveTurn and Exclusive, which release them when the body returns.
type Scheduler struct {
	lock    sync.Mutex
	busy    bool
	waiters []chan struct{}
}

func NewScheduler() *Scheduler {
	return &Scheduler{}
}

func (s *Scheduler) acquire(ctx context.Context) error {
	s.lock.Lock()
	if !s.busy {
		s.busy = true
		s.lock.Unlock()
		return nil
	}
	turn := make(chan struct{})
	s.waiters = append(s.waiters, turn)
	s.lock.Unlock()

	select {
	case <-turn:
		return nil
	case <-ctx.Done():
	}

	s.lock.Lock()
	for i, w := range s.waiters {
		if w == turn {
			s.waiters = append(s.waiters[:i:i], s.waiters[i+1:]...)
			s.lock.Unlock()
			return ctx.Err()
		}
	}
	s.lock.Unlock()
	// the turn was handed over while we gave up, pass it on
	s.release()
	return ctx.Err()
}

func (s *Scheduler) release() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if len(s.waiters) == 0 {
		s.busy = false
		return
	}
	next := s.waiters[0]
	s.waiters = s.waiters[1:]
	close(next)
}

func (s *Scheduler) WithExclusiveTurn(ctx context.Context, body func(ctx context.Context) error) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	return body(ctx)
}

func Exclusive[T any](ctx context.Context, s *Scheduler, body func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := s.WithExclusiveTurn(ctx, func(ctx context.Context) error {
		var err error
		out, err = body(ctx)
		return err
	})
	return out, err
}
