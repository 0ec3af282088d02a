package saga

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/meow-io/go-reconcile/config"
	"github.com/meow-io/go-reconcile/internal/test"
	"github.com/stretchr/testify/require"
)

func newExecutor(workers int) (*Executor, *test.Clock) {
	c := test.NewClock(time.UnixMilli(1_700_000_000_000))
	conf := config.NewConfig(config.WithoutLogFile(), config.WithLoggingPrefix("saga"), config.WithSagaWorkers(workers))
	return NewExecutor(conf, c), c
}

func TestStepsRunInOrder(t *testing.T) {
	require := require.New(t)
	e, _ := newExecutor(2)
	e.Start()
	defer e.Shutdown()

	var order []string
	r, err := e.Run(context.Background(), &Saga{Label: "ordered", Steps: []Step{
		{"a", func(context.Context) error { order = append(order, "a"); return nil }},
		{"b", func(context.Context) error { order = append(order, "b"); return nil }},
		{"c", func(context.Context) error { order = append(order, "c"); return nil }},
	}})
	require.Nil(err)
	require.False(r.Cancelled)
	require.Nil(r.Err())
	require.Equal([]string{"a", "b", "c"}, order)
}

func TestFailureHaltsRemainingSteps(t *testing.T) {
	require := require.New(t)
	e, _ := newExecutor(1)
	e.Start()
	defer e.Shutdown()

	boom := errors.New("conflict")
	ran := 0
	r, err := e.Run(context.Background(), &Saga{Label: "halting", Steps: []Step{
		{"first", func(context.Context) error { ran++; return nil }},
		{"second", func(context.Context) error { return boom }},
		{"third", func(context.Context) error { ran++; return nil }},
	}})
	require.Nil(err)
	require.True(r.Cancelled)
	require.Equal(1, r.At)
	require.ErrorIs(r.Err(), boom)
	require.Equal(1, ran)
}

func TestPanicBecomesCancellation(t *testing.T) {
	require := require.New(t)
	e, _ := newExecutor(1)
	e.Start()
	defer e.Shutdown()

	r := <-e.Submit(&Saga{Label: "panicky", Steps: []Step{
		{"explode", func(context.Context) error { panic("bad state") }},
	}})
	require.True(r.Cancelled)
	require.Equal(0, r.At)
	require.ErrorContains(r.Reason, "bad state")
}

func TestPriorityAdmissionWithAging(t *testing.T) {
	require := require.New(t)
	e, c := newExecutor(1)

	var lock sync.Mutex
	var order []string
	record := func(name string) []Step {
		return []Step{{name, func(context.Context) error {
			lock.Lock()
			defer lock.Unlock()
			order = append(order, name)
			return nil
		}}}
	}

	old := e.Submit(&Saga{Label: "old background", Priority: PriorityBackground, Steps: record("old-background")})
	c.Advance(5 * time.Second)
	bg := e.Submit(&Saga{Label: "background", Priority: PriorityBackground, Steps: record("background")})
	normal := e.Submit(&Saga{Label: "normal", Priority: PriorityNormal, Steps: record("normal")})
	user := e.Submit(&Saga{Label: "user", Priority: PriorityUserInitiated, Steps: record("user")})

	e.Start()
	defer e.Shutdown()
	for _, ch := range []<-chan Result{old, bg, normal, user} {
		<-ch
	}
	// five seconds of waiting outranks two levels of priority at the default aging of two seconds
	require.Equal([]string{"old-background", "user", "normal", "background"}, order)
}

func TestSameEntityNeverInterleaves(t *testing.T) {
	require := require.New(t)
	e, _ := newExecutor(4)
	e.Start()
	defer e.Shutdown()

	var inside int32
	var overlap int32
	step := func(context.Context) error {
		if atomic.AddInt32(&inside, 1) > 1 {
			atomic.StoreInt32(&overlap, 1)
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt32(&inside, -1)
		return nil
	}

	var results []<-chan Result
	for i := 0; i != 20; i++ {
		entities := []string{"discussion:1"}
		if i%2 == 0 {
			entities = []string{"message:9", "discussion:1"}
		}
		results = append(results, e.Submit(&Saga{Label: "entity", Entities: entities, Steps: []Step{{"touch", step}, {"touch again", step}}}))
	}
	for _, ch := range results {
		require.False((<-ch).Cancelled)
	}
	require.Equal(int32(0), atomic.LoadInt32(&overlap))
	require.Equal(0, e.entities.size())
}

func TestCancelledContextSkipsSaga(t *testing.T) {
	require := require.New(t)
	e, _ := newExecutor(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ran := false
	done := e.submit(ctx, &Saga{Label: "skipped", Steps: []Step{{"never", func(context.Context) error { ran = true; return nil }}}})
	e.Start()
	defer e.Shutdown()
	r := <-done
	require.True(r.Cancelled)
	require.ErrorIs(r.Reason, context.Canceled)
	require.False(ran)

	_, err := e.Run(ctx, &Saga{Label: "skipped too"})
	require.ErrorIs(err, context.Canceled)
}

func TestShutdownCancelsQueued(t *testing.T) {
	require := require.New(t)
	e, _ := newExecutor(1)
	done := e.Submit(&Saga{Label: "queued"})
	e.Shutdown()
	r := <-done
	require.True(r.Cancelled)
	require.ErrorIs(r.Reason, ErrShutdown)
	require.ErrorIs((<-e.Submit(&Saga{Label: "late"})).Reason, ErrShutdown)
}

type recordingObserver struct {
	lock   sync.Mutex
	labels []string
}

func (o *recordingObserver) SagaFinished(label string, r Result, d time.Duration) {
	o.lock.Lock()
	defer o.lock.Unlock()
	o.labels = append(o.labels, label)
}

func TestObserver(t *testing.T) {
	require := require.New(t)
	e, _ := newExecutor(1)
	o := &recordingObserver{}
	e.SetObserver(o)
	e.Start()
	defer e.Shutdown()
	<-e.Submit(&Saga{Label: "observed"})
	o.lock.Lock()
	defer o.lock.Unlock()
	require.Equal([]string{"observed"}, o.labels)
}
