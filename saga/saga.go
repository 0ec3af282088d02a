// This package runs sagas: ordered lists of persistence steps where each step only runs if the previous one
// succeeded. Sagas are admitted by priority with aging, run on a fixed pool of workers, and sagas touching the
// same entity never run at the same time.
package saga

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/meow-io/go-reconcile/clock"
	"github.com/meow-io/go-reconcile/config"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

var ErrShutdown = errors.New("saga: executor shut down")

type Priority int

const (
	PriorityBackground Priority = iota
	PriorityNormal
	PriorityUserInitiated
)

type Step struct {
	Label string
	Run   func(ctx context.Context) error
}

type Saga struct {
	Label    string
	Priority Priority
	// entity keys this saga mutates, e.g. a discussion
	Entities []string
	Steps    []Step
}

// Result describes how a saga ended. A cancelled saga stopped at step At; steps before it stay applied.
type Result struct {
	Cancelled bool
	At        int
	Reason    error
}

func (r Result) Err() error {
	if !r.Cancelled {
		return nil
	}
	return fmt.Errorf("saga: cancelled at step %d: %w", r.At, r.Reason)
}

// Observer is notified of every finished saga.
type Observer interface {
	SagaFinished(label string, r Result, d time.Duration)
}

type job struct {
	saga     *Saga
	ctx      context.Context
	done     chan Result
	seq      uint64
	rank     time.Time
	position int
}

type queue []*job

func (q queue) Len() int { return len(q) }
func (q queue) Less(i, j int) bool {
	if q[i].rank.Equal(q[j].rank) {
		return q[i].seq < q[j].seq
	}
	return q[i].rank.Before(q[j].rank)
}
func (q queue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].position = i
	q[j].position = j
}
func (q *queue) Push(x interface{}) {
	j := x.(*job)
	j.position = len(*q)
	*q = append(*q, j)
}
func (q *queue) Pop() interface{} {
	old := *q
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return j
}

type Executor struct {
	log      *zap.SugaredLogger
	clock    clock.Clock
	workers  int
	aging    time.Duration
	observer Observer
	entities *entityLocks

	lock     sync.Mutex
	cond     *sync.Cond
	queue    queue
	seq      uint64
	running  bool
	stopped  bool
	finished sync.WaitGroup
}

func NewExecutor(c *config.Config, cl clock.Clock) *Executor {
	e := &Executor{
		log:      c.Logger("saga"),
		clock:    cl,
		workers:  c.SagaWorkers,
		aging:    c.SagaAging(),
		entities: newEntityLocks(),
	}
	e.cond = sync.NewCond(&e.lock)
	return e
}

func (e *Executor) SetObserver(o Observer) {
	e.observer = o
}

func (e *Executor) Start() {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.running || e.stopped {
		return
	}
	e.running = true
	for i := 0; i != e.workers; i++ {
		e.startWorker(i)
	}
}

// Shutdown waits for running sagas to finish. Sagas still queued are cancelled with ErrShutdown.
func (e *Executor) Shutdown() {
	e.lock.Lock()
	e.stopped = true
	pending := e.queue
	e.queue = nil
	e.cond.Broadcast()
	e.lock.Unlock()

	for _, j := range pending {
		j.done <- Result{Cancelled: true, At: 0, Reason: ErrShutdown}
	}
	e.finished.Wait()
}

// Submit queues s and returns a channel which receives its result. Callers not interested in the result
// may drop the channel.
func (e *Executor) Submit(s *Saga) <-chan Result {
	return e.submit(context.Background(), s)
}

// Run queues s and waits for its result. If ctx is done before the saga starts it is skipped; once started
// it runs to completion and Run returns ctx.Err() without waiting.
func (e *Executor) Run(ctx context.Context, s *Saga) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{Cancelled: true, Reason: err}, err
	}
	done := e.submit(ctx, s)
	select {
	case r := <-done:
		return r, nil
	case <-ctx.Done():
		return Result{Cancelled: true, Reason: ctx.Err()}, ctx.Err()
	}
}

func (e *Executor) submit(ctx context.Context, s *Saga) <-chan Result {
	done := make(chan Result, 1)

	e.lock.Lock()
	defer e.lock.Unlock()
	if e.stopped {
		done <- Result{Cancelled: true, Reason: ErrShutdown}
		return done
	}
	e.seq++
	// waiting for one aging interval is worth one priority level
	rank := e.clock.Now().Add(-time.Duration(s.Priority) * e.aging)
	heap.Push(&e.queue, &job{saga: s, ctx: ctx, done: done, seq: e.seq, rank: rank})
	e.cond.Signal()
	return done
}

func (e *Executor) next() *job {
	e.lock.Lock()
	defer e.lock.Unlock()
	for len(e.queue) == 0 && !e.stopped {
		e.cond.Wait()
	}
	if e.stopped {
		return nil
	}
	return heap.Pop(&e.queue).(*job)
}

func (e *Executor) startWorker(n int) {
	e.finished.Add(1)
	go func() {
		defer e.finished.Done()
		for {
			j := e.next()
			if j == nil {
				e.log.Debugf("worker %d exiting", n)
				return
			}
			j.done <- e.execute(j)
		}
	}()
}

func (e *Executor) execute(j *job) Result {
	if err := j.ctx.Err(); err != nil {
		return Result{Cancelled: true, At: 0, Reason: err}
	}

	keys := slices.Clone(j.saga.Entities)
	slices.Sort(keys)
	keys = slices.Compact(keys)
	e.entities.acquire(keys)
	defer e.entities.release(keys)

	start := e.clock.Now()
	r := runSteps(context.WithoutCancel(j.ctx), j.saga)
	if r.Cancelled {
		e.log.Debugf("saga %s cancelled at step %d: %v", j.saga.Label, r.At, r.Reason)
	}
	if e.observer != nil {
		e.observer.SagaFinished(j.saga.Label, r, e.clock.Now().Sub(start))
	}
	return r
}

func runSteps(ctx context.Context, s *Saga) Result {
	for i, step := range s.Steps {
		if err := runStep(ctx, step); err != nil {
			return Result{Cancelled: true, At: i, Reason: err}
		}
	}
	return Result{}
}

func runStep(ctx context.Context, step Step) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("saga: step %s panicked: %v", step.Label, r)
		}
	}()
	return step.Run(ctx)
}
