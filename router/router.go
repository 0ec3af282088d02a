// This package routes decoded envelopes to the handler for their kind and turns what the handler reports into
// an instruction for the transport. Envelopes whose contact, group or membership is not known yet are held in
// the deferral store and routed again once it is, or given up on after the configured horizon.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/meow-io/go-reconcile/clock"
	"github.com/meow-io/go-reconcile/config"
	"github.com/meow-io/go-reconcile/continuous"
	"github.com/meow-io/go-reconcile/deferral"
	"github.com/meow-io/go-reconcile/envelope"
	"github.com/meow-io/go-reconcile/ids"
	"github.com/meow-io/go-reconcile/metrics"
	"github.com/meow-io/go-reconcile/saga"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// a persistence failure gets one more try before the envelope is given up on
const maxRouteAttempts = 2

type Router struct {
	log      *zap.SugaredLogger
	clock    clock.Clock
	store    Store
	engine   Engine
	deferred *deferral.Store
	executor *saga.Executor
	limiter  *continuous.Limiter
	metrics  *metrics.Metrics

	maxAge           time.Duration
	evictionInterval time.Duration
	// unrecognized payloads point at a bug on one side; say so, but not for every envelope
	bugs       rate.Sometimes
	updates    chan interface{}
	cancelFunc context.CancelFunc
	finished   sync.WaitGroup
}

func NewRouter(c *config.Config, cl clock.Clock, s Store, e Engine, deferred *deferral.Store, ex *saga.Executor, l *continuous.Limiter, m *metrics.Metrics) *Router {
	return &Router{
		log:              c.Logger("router"),
		clock:            cl,
		store:            s,
		engine:           e,
		deferred:         deferred,
		executor:         ex,
		limiter:          l,
		metrics:          m,
		maxAge:           c.MaxKeepForLaterAge(),
		evictionInterval: c.EvictionInterval(),
		bugs:             rate.Sometimes{First: 3, Interval: time.Minute},
		updates:          make(chan interface{}, 100),
	}
}

// Updates produces *MessageReceived, *SignalingReceived, *SettingsQueried and *EnvelopeEvicted.
func (r *Router) Updates() chan interface{} {
	return r.updates
}

func (r *Router) Start() {
	ctx, cancelFunc := context.WithCancel(context.Background())
	r.cancelFunc = cancelFunc
	r.metrics.SetDeferredPending(r.deferred.Len())
	r.startEvicting(ctx)
}

func (r *Router) Shutdown() {
	if r.cancelFunc == nil {
		return
	}
	r.cancelFunc()
	r.finished.Wait()
	r.cancelFunc = nil
}

// Route applies env and returns what the transport should do with it. Every instruction other than
// DoNothingYet has also been acknowledged to the engine. An error means env was not dealt with, because ctx
// ended or the pipeline is shutting down.
func (r *Router) Route(ctx context.Context, env *envelope.Envelope) (envelope.Instruction, error) {
	return r.route(ctx, env, time.Time{}, envelope.DependencyKey{}, saga.PriorityNormal)
}

// SubmitBatch routes envs concurrently. Instructions come back in input order.
func (r *Router) SubmitBatch(ctx context.Context, envs []*envelope.Envelope) ([]envelope.Instruction, error) {
	out := make([]envelope.Instruction, len(envs))
	errs := make([]error, len(envs))
	g, gctx := errgroup.WithContext(ctx)
	for i, env := range envs {
		i, env := i, env
		g.Go(func() error {
			out[i], errs[i] = r.Route(gctx, env)
			return errs[i]
		})
	}
	_ = g.Wait()
	return out, multierr.Combine(errs...)
}

// OnDependencySatisfied routes every envelope waiting on key again, oldest first. Envelopes which turn out
// to wait on something else are deferred under their new key with their original first-seen time.
func (r *Router) OnDependencySatisfied(ctx context.Context, key envelope.DependencyKey) error {
	entries := r.deferred.Drain(key)
	if len(entries) == 0 {
		return nil
	}
	r.log.Debugf("%s satisfied, replaying %d envelopes", key, len(entries))
	r.metrics.RecordReplayed(len(entries))
	defer func() {
		r.metrics.SetDeferredPending(r.deferred.Len())
	}()

	for i, e := range entries {
		if _, err := r.route(ctx, e.Envelope, e.FirstSeenAt, key, saga.PriorityBackground); err != nil {
			for _, rest := range entries[i:] {
				r.deferred.Insert(key, rest)
			}
			return err
		}
	}
	return nil
}

// OnGroupMembersChanged replays every envelope waiting on a membership of group.
func (r *Router) OnGroupMembersChanged(ctx context.Context, owned, group ids.ID) error {
	keys := r.deferred.Keys(func(k envelope.DependencyKey) bool {
		return k.Kind == envelope.MissingGroupMemberKind && k.Owned == owned && k.Group == group
	})
	var errs error
	for _, k := range keys {
		errs = multierr.Append(errs, r.OnDependencySatisfied(ctx, k))
	}
	return errs
}

// route applies env. replaying is the key env was just drained from, or the zero key.
func (r *Router) route(ctx context.Context, env *envelope.Envelope, firstSeenAt time.Time, replaying envelope.DependencyKey, priority saga.Priority) (envelope.Instruction, error) {
	p, err := envelope.Decode(env.Raw)
	if err != nil {
		r.metrics.RecordUnrecognized()
		r.bugs.Do(func() {
			r.log.Warnf("unrecognized payload in %s, dropping it: %v", env, err)
		})
		return r.finish(ctx, env, p.Name(), envelope.DeleteAll()), nil
	}

	if e, ok := p.(*envelope.Edit); ok && e.Location.Continuous() {
		if !r.admitLocation(ctx, env, e) {
			if err := ctx.Err(); err != nil {
				return envelope.Wait(), err
			}
			r.log.Debugf("location update in %s superseded", env)
			return r.finish(ctx, env, p.Name(), envelope.DeleteAll()), nil
		}
	}

	outcome, updates, err := r.apply(ctx, env, p, priority)
	if err != nil {
		return envelope.Wait(), err
	}
	for _, u := range updates {
		r.publish(u)
	}
	i := r.finish(ctx, env, p.Name(), r.resolve(env, p, outcome, firstSeenAt))
	if i.Kind == envelope.DoNothingYet && outcome.MissingKey() != replaying {
		// the dependency may have arrived, and been replayed, after the handler looked for it
		if err := r.replayIfPresent(ctx, outcome.MissingKey()); err != nil {
			r.log.Warnf("error checking %s again for %s: %v", outcome.MissingKey(), env, err)
		}
	}
	return i, nil
}

// ReplayPresent replays every deferred envelope whose dependency is already known, as after a restart when
// the events announcing them were not seen.
func (r *Router) ReplayPresent(ctx context.Context) error {
	var errs error
	for _, k := range r.deferred.Keys(func(envelope.DependencyKey) bool { return true }) {
		errs = multierr.Append(errs, r.replayIfPresent(ctx, k))
	}
	return errs
}

func (r *Router) replayIfPresent(ctx context.Context, key envelope.DependencyKey) error {
	var ok bool
	if err := r.store.View(ctx, fmt.Sprintf("check %s", key), func(tx Tx) error {
		var err error
		ok, err = present(tx, key)
		return err
	}); err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return r.OnDependencySatisfied(ctx, key)
}

// admitLocation rate limits live location updates per sending device. Freshness is judged on the server's
// upload time, the sender's own clock may be off.
func (r *Router) admitLocation(ctx context.Context, env *envelope.Envelope, e *envelope.Edit) bool {
	var device []byte
	if env.SenderDevice != nil {
		device = env.SenderDevice[:]
	}
	source := fmt.Sprintf("%x:%x:%x", env.Owned[:], env.Sender[:], device)
	if e.Location.Kind == envelope.LocationEndSharing {
		r.limiter.End(source)
		return true
	}
	return r.limiter.Admit(ctx, source, env.UploadedAt, env.DownloadedAt) == continuous.Process
}

// apply runs the handler for p as a saga: the handler's own transaction first, then any requests which
// were saved while waiting for its message. A failure in either step retries the whole saga; the handler's
// create-or-ignore makes the first step idempotent, so saved requests are retried along with it.
func (r *Router) apply(ctx context.Context, env *envelope.Envelope, p envelope.Payload, priority saga.Priority) (envelope.Outcome, []interface{}, error) {
	var lastErr error
	// set once a handler transaction committed and a later step failed
	var applied *envelope.Outcome
	var committed []interface{}
	for attempt := 1; attempt <= maxRouteAttempts; attempt++ {
		var h *handler
		var outcome envelope.Outcome
		result, err := r.executor.Run(ctx, &saga.Saga{
			Label:    fmt.Sprintf("route %s", p.Name()),
			Priority: priority,
			Entities: entitiesOf(env, p),
			Steps: []saga.Step{
				{
					Label: fmt.Sprintf("apply %s", p.Name()),
					Run: func(ctx context.Context) error {
						h = r.newHandler(env)
						return r.store.Update(ctx, fmt.Sprintf("apply %s", p.Name()), func(tx Tx) error {
							h.tx = tx
							outcome = p.Accept(h)
							return h.err
						})
					},
				},
				{
					Label: "apply saved requests",
					Run: func(ctx context.Context) error {
						return r.applySaved(ctx, h)
					},
				},
			},
		})
		// the saga may still be running, h and outcome belong to it
		if err != nil {
			return envelope.Outcome{}, nil, err
		}
		if !result.Cancelled {
			return outcome, append(committed, h.updates...), nil
		}
		if errors.Is(result.Reason, saga.ErrShutdown) {
			return envelope.Outcome{}, nil, result.Reason
		}
		lastErr = result.Reason
		if result.At > 0 {
			applied = &outcome
			committed = append(committed, h.updates...)
		}
		r.log.Debugf("attempt %d for %s failed at step %d: %v", attempt, env, result.At, lastErr)
	}
	if applied != nil {
		r.log.Warnf("%s applied but its saved requests were not, they stay saved: %v", env, lastErr)
		return *applied, committed, nil
	}
	return envelope.DefinitiveFailure(lastErr), nil, nil
}

func (r *Router) newHandler(env *envelope.Envelope) *handler {
	return &handler{log: r.log, env: env, now: r.clock.Now()}
}

func (r *Router) applySaved(ctx context.Context, h *handler) error {
	if h == nil || h.created == nil {
		return nil
	}
	var updates []interface{}
	err := r.store.Update(ctx, "apply saved requests", func(tx Tx) error {
		updates = nil
		saved, err := tx.TakeRemoteRequests(h.created.discussion, h.created.ref)
		if err != nil {
			return err
		}
		for _, env := range saved {
			p, err := envelope.Decode(env.Raw)
			if err != nil {
				r.log.Warnf("%s: %s: %v", ErrUnexpectedReplay, env, err)
				continue
			}
			sub := r.newHandler(env)
			sub.tx = tx
			outcome := p.Accept(sub)
			if sub.err != nil {
				return sub.err
			}
			r.log.Debugf("saved %s from %s: %s", p.Name(), env, outcome)
			updates = append(updates, sub.updates...)
		}
		return nil
	})
	if err != nil {
		return err
	}
	h.updates = append(h.updates, updates...)
	return nil
}

// resolve turns a handler's outcome into the instruction for the transport.
func (r *Router) resolve(env *envelope.Envelope, p envelope.Payload, outcome envelope.Outcome, firstSeenAt time.Time) envelope.Instruction {
	switch outcome.Kind() {
	case envelope.OutcomeApplied:
		i := outcome.Instruction()
		if i.Kind == envelope.DoNothingYet {
			r.log.DPanicf("handler for %s asked to wait on %s without naming a dependency", p.Name(), env)
			return envelope.DeleteAll()
		}
		return i
	case envelope.OutcomeDependencyMissing:
		key := outcome.MissingKey()
		if r.clock.Now().Sub(env.DownloadedAt) >= r.maxAge {
			r.log.Infof("%s is waiting on %s but is too old to keep", env, key)
			return envelope.DeleteAll()
		}
		r.deferred.Insert(key, &deferral.Entry{Envelope: env, FirstSeenAt: firstSeenAt})
		r.metrics.RecordDeferred(key.Kind.String())
		r.metrics.SetDeferredPending(r.deferred.Len())
		return envelope.Wait()
	default:
		r.log.Infof("could not apply %s %s: %v", p.Name(), env, outcome.Reason())
		return envelope.DeleteAll()
	}
}

func (r *Router) finish(ctx context.Context, env *envelope.Envelope, kind string, i envelope.Instruction) envelope.Instruction {
	r.metrics.RecordRouted(kind, i.Kind.String())
	if i.Kind == envelope.DoNothingYet {
		return i
	}
	if err := r.engine.AcknowledgeProcessed(ctx, env.ID, i); err != nil {
		r.log.Warnf("error acknowledging %s with %s: %v", env, i, err)
	}
	return i
}

func (r *Router) publish(u interface{}) {
	select {
	case r.updates <- u:
	default:
		r.log.Warnf("update channel full, dropping %T", u)
	}
}

func (r *Router) startEvicting(ctx context.Context) {
	if r.evictionInterval <= 0 {
		r.log.Warnf("eviction interval is %s, deferred envelopes will not be evicted", r.evictionInterval)
		return
	}
	r.finished.Add(1)
	go func() {
		defer r.finished.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.clock.After(r.evictionInterval):
				r.evict(ctx)
			}
		}
	}()
}

func (r *Router) evict(ctx context.Context) {
	evicted := r.deferred.EvictOlderThan(r.clock.Now().Add(-r.maxAge))
	for _, e := range evicted {
		r.log.Warnf("giving up on %s, %s never arrived", e.Envelope, e.Key)
		r.metrics.RecordEvicted(e.Key.Kind.String())
		r.finish(ctx, e.Envelope, "evicted", envelope.DeleteAll())
		r.publish(&EnvelopeEvicted{EnvelopeID: e.Envelope.ID, Key: e.Key, FirstSeenAt: e.FirstSeenAt})
	}
	r.metrics.SetDeferredPending(r.deferred.Len())
}

func entitiesOf(env *envelope.Envelope, p envelope.Payload) []string {
	if t, ok := envelope.DiscussionOf(p); ok {
		if t.Group != nil {
			return []string{fmt.Sprintf("discussion:%x:group:%x", env.Owned[:], t.Group[:])}
		}
		if peer, err := t.Peer(env.Owned); err == nil {
			return []string{fmt.Sprintf("discussion:%x:peer:%x", env.Owned[:], peer[:])}
		}
	}
	return []string{fmt.Sprintf("contact:%x:%x", env.Owned[:], env.Sender[:])}
}
