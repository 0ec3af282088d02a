package router_test

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/meow-io/go-reconcile/config"
	"github.com/meow-io/go-reconcile/continuous"
	"github.com/meow-io/go-reconcile/deferral"
	"github.com/meow-io/go-reconcile/envelope"
	"github.com/meow-io/go-reconcile/ids"
	"github.com/meow-io/go-reconcile/internal/test"
	"github.com/meow-io/go-reconcile/metrics"
	"github.com/meow-io/go-reconcile/router"
	"github.com/meow-io/go-reconcile/saga"
	"github.com/meow-io/go-reconcile/store"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

var (
	owned  = ids.ID{1}
	alice  = ids.ID{2}
	bob    = ids.ID{3}
	group  = ids.ID{9}
	thread = uuid.MustParse("7d444840-9dc0-11d1-b245-5ffdce74fad2")
	now    = time.UnixMilli(1_700_000_000_000)
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type ack struct {
	id          uuid.UUID
	instruction envelope.Instruction
}

type engine struct {
	lock sync.Mutex
	acks []ack
}

func (e *engine) AcknowledgeProcessed(ctx context.Context, id uuid.UUID, i envelope.Instruction) error {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.acks = append(e.acks, ack{id, i})
	return nil
}

func (e *engine) acked(id uuid.UUID) []envelope.Instruction {
	e.lock.Lock()
	defer e.lock.Unlock()
	var out []envelope.Instruction
	for _, a := range e.acks {
		if a.id == id {
			out = append(out, a.instruction)
		}
	}
	return out
}

// hookedStore lets a test act around the transactions the router runs.
type hookedStore struct {
	*store.Store
	// before may fail a transaction, after runs once it ended
	before func(ctx context.Context, label string) error
	after  func(label string)

	lock   sync.Mutex
	labels []string
}

func (s *hookedStore) record(label string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.labels = append(s.labels, label)
}

func (s *hookedStore) transactions() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]string(nil), s.labels...)
}

func (s *hookedStore) Update(ctx context.Context, label string, fn func(tx router.Tx) error) error {
	s.record(label)
	if s.before != nil {
		if err := s.before(ctx, label); err != nil {
			return err
		}
	}
	err := s.Store.Update(ctx, label, fn)
	if s.after != nil {
		s.after(label)
	}
	return err
}

func (s *hookedStore) View(ctx context.Context, label string, fn func(tx router.Tx) error) error {
	s.record(label)
	return s.Store.View(ctx, label, fn)
}

type harness struct {
	clock    *test.Clock
	store    *store.Store
	hooks    *hookedStore
	deferred *deferral.Store
	engine   *engine
	router   *router.Router
}

func newHarness(t *testing.T, opts ...config.Option) *harness {
	c := config.NewConfig(append([]config.Option{config.WithoutLogFile(), config.WithLoggingPrefix("router")}, opts...)...)
	cl := test.NewClock(now)
	s, err := store.NewStore(c, test.NewTestDatabase(c), cl)
	if err != nil {
		t.Fatal(err)
	}
	m := metrics.New("test")
	deferred := deferral.NewStore(c, cl, s)
	ex := saga.NewExecutor(c, cl)
	ex.SetObserver(m)
	ex.Start()
	e := &engine{}
	hooks := &hookedStore{Store: s}
	r := router.NewRouter(c, cl, hooks, e, deferred, ex, continuous.NewLimiter(c, cl, m), m)
	t.Cleanup(func() {
		r.Shutdown()
		ex.Shutdown()
	})
	return &harness{clock: cl, store: s, hooks: hooks, deferred: deferred, engine: e, router: r}
}

func (h *harness) joinGroup(t *testing.T, members ...ids.ID) {
	require := require.New(t)
	require.Nil(h.store.AddGroup(owned, group))
	for _, m := range members {
		require.Nil(h.store.AddGroupMember(owned, group, m))
	}
}

func (h *harness) route(t *testing.T, env *envelope.Envelope) envelope.Instruction {
	i, err := h.router.Route(context.Background(), env)
	require.Nil(t, err)
	return i
}

func b64(id ids.ID) string {
	return base64.StdEncoding.EncodeToString(id[:])
}

func groupTarget() string {
	return fmt.Sprintf(`"gid2":"%s"`, b64(group))
}

func oneToOneTarget(other ids.ID) string {
	return fmt.Sprintf(`"o2oi":["%s","%s"]`, b64(owned), b64(other))
}

func ref(sender ids.ID, seq int) string {
	return fmt.Sprintf(`{"ssn":%d,"sti":"%s","si":"%s"}`, seq, thread, b64(sender))
}

func chat(target string, seq int, body string) string {
	return fmt.Sprintf(`{"message":{%s,"ssn":%d,"sti":"%s","body":"%s"}}`, target, seq, thread, body)
}

func envelopeFrom(sender ids.ID, raw string, attachments int) *envelope.Envelope {
	return &envelope.Envelope{
		ID:              uuid.New(),
		Owned:           owned,
		Sender:          sender,
		UploadedAt:      now,
		DownloadedAt:    now,
		AttachmentCount: attachments,
		Raw:             []byte(raw),
	}
}

func nextUpdate(t *testing.T, r *router.Router) interface{} {
	select {
	case u := <-r.Updates():
		return u
	case <-time.After(time.Second):
		t.Fatal("no update")
	}
	return nil
}

func TestGroupMessageWaitsForGroupThenMember(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	env := envelopeFrom(alice, chat(groupTarget(), 1, "hello"), 1)

	require.Equal(envelope.Wait(), h.route(t, env))
	require.Empty(h.engine.acked(env.ID))
	require.Equal(1, h.deferred.LenKey(envelope.MissingGroup(owned, group)))

	h.joinGroup(t)
	require.Nil(h.router.OnDependencySatisfied(context.Background(), envelope.MissingGroup(owned, group)))
	require.Equal(0, h.deferred.LenKey(envelope.MissingGroup(owned, group)))
	require.Equal(1, h.deferred.LenKey(envelope.MissingGroupMember(owned, group, alice)))
	require.Empty(h.engine.acked(env.ID))

	require.Nil(h.store.AddGroupMember(owned, group, alice))
	require.Nil(h.router.OnGroupMembersChanged(context.Background(), owned, group))
	require.Equal(0, h.deferred.Len())
	require.Equal([]envelope.Instruction{envelope.KeepAttachments([]int{0})}, h.engine.acked(env.ID))

	u, ok := nextUpdate(t, h.router).(*router.MessageReceived)
	require.True(ok)
	m, err := h.store.Message(u.Message)
	require.Nil(err)
	require.Equal("hello", m.Body)
	require.Equal(alice, m.Ref.Sender)
}

func TestOneToOneMessageWaitsForContact(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	env := envelopeFrom(bob, chat(oneToOneTarget(bob), 1, "hi"), 0)

	require.Equal(envelope.Wait(), h.route(t, env))
	require.Equal(1, h.deferred.LenKey(envelope.MissingContact(owned, bob)))

	require.Nil(h.store.AddContact(owned, bob, false))
	require.Nil(h.router.OnDependencySatisfied(context.Background(), envelope.MissingContact(owned, bob)))
	require.Equal(1, h.deferred.LenKey(envelope.MissingOneToOneContact(owned, bob)))

	require.Nil(h.store.PromoteContact(owned, bob))
	require.Nil(h.router.OnDependencySatisfied(context.Background(), envelope.MissingOneToOneContact(owned, bob)))
	require.Equal(0, h.deferred.Len())
	require.Equal([]envelope.Instruction{envelope.KeepAttachments([]int{})}, h.engine.acked(env.ID))
}

func TestOneToOneFromOutsiderFails(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	require.Nil(h.store.AddContact(owned, bob, true))
	env := envelopeFrom(alice, chat(oneToOneTarget(bob), 1, "hi"), 2)
	require.Equal(envelope.DeleteAll(), h.route(t, env))
	require.Equal(0, h.deferred.Len())
}

func TestReplayedMessageIsAppliedOnce(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.joinGroup(t, alice)
	env := envelopeFrom(alice, chat(groupTarget(), 1, "hello"), 2)

	require.Equal(envelope.KeepAttachments([]int{0, 1}), h.route(t, env))
	require.Equal(envelope.KeepAttachments([]int{0, 1}), h.route(t, env))
	require.IsType(&router.MessageReceived{}, nextUpdate(t, h.router))
	require.Len(h.router.Updates(), 0)
}

func TestUnrecognizedPayloadIsDropped(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	for _, raw := range []string{`not json`, `{"unknown":{}}`, fmt.Sprintf(`{"message":{%s,"ssn":-1}}`, groupTarget())} {
		env := envelopeFrom(alice, raw, 1)
		require.Equal(envelope.DeleteAll(), h.route(t, env), raw)
		require.Equal([]envelope.Instruction{envelope.DeleteAll()}, h.engine.acked(env.ID), raw)
	}
	require.Equal(0, h.deferred.Len())
	require.Empty(h.hooks.transactions())
}

func TestTooOldToDefer(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, config.WithMaxKeepForLaterAgeMs(60000))
	env := envelopeFrom(alice, chat(groupTarget(), 1, "hello"), 0)
	env.DownloadedAt = now.Add(-time.Minute)
	require.Equal(envelope.DeleteAll(), h.route(t, env))
	require.Equal(0, h.deferred.Len())
}

func TestDeferredEnvelopesAreEvicted(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, config.WithMaxKeepForLaterAgeMs(60000), config.WithEvictionIntervalMs(1000))
	env := envelopeFrom(alice, chat(groupTarget(), 1, "hello"), 0)
	require.Equal(envelope.Wait(), h.route(t, env))

	h.router.Start()
	h.clock.WaitForTimers(1)
	h.clock.Advance(61 * time.Second)

	u, ok := nextUpdate(t, h.router).(*router.EnvelopeEvicted)
	require.True(ok)
	require.Equal(env.ID, u.EnvelopeID)
	require.Equal(envelope.MissingGroup(owned, group), u.Key)
	require.Equal(now, u.FirstSeenAt)
	require.Equal([]envelope.Instruction{envelope.DeleteAll()}, h.engine.acked(env.ID))
	require.Equal(0, h.deferred.Len())
}

func TestEditSavedUntilMessageArrives(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.joinGroup(t, alice, bob)

	edit := envelopeFrom(alice, fmt.Sprintf(`{"upm":{%s,"ref":%s,"body":"edited"}}`, groupTarget(), ref(alice, 1)), 0)
	edit.UploadedAt = now.Add(time.Second)
	require.Equal(envelope.DeleteAll(), h.route(t, edit))

	reaction := envelopeFrom(bob, fmt.Sprintf(`{"reacm":{%s,"ref":%s,"reac":"👍"}}`, groupTarget(), ref(alice, 1)), 0)
	require.Equal(envelope.DeleteAll(), h.route(t, reaction))

	msg := envelopeFrom(alice, chat(groupTarget(), 1, "original"), 0)
	require.Equal(envelope.KeepAttachments([]int{}), h.route(t, msg))

	u := nextUpdate(t, h.router).(*router.MessageReceived)
	m, err := h.store.Message(u.Message)
	require.Nil(err)
	require.Equal("edited", m.Body)
	require.Equal(now.Add(time.Second), m.EditedAt)
	require.Equal(map[ids.ID]string{bob: "👍"}, m.Reactions)
}

func TestEditByAnotherSenderFails(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.joinGroup(t, alice, bob)
	require.Equal(envelope.KeepAttachments([]int{}), h.route(t, envelopeFrom(alice, chat(groupTarget(), 1, "original"), 0)))
	u := nextUpdate(t, h.router).(*router.MessageReceived)

	edit := envelopeFrom(bob, fmt.Sprintf(`{"upm":{%s,"ref":%s,"body":"edited"}}`, groupTarget(), ref(alice, 1)), 0)
	require.Equal(envelope.DeleteAll(), h.route(t, edit))
	m, err := h.store.Message(u.Message)
	require.Nil(err)
	require.Equal("original", m.Body)
}

func TestWipedMessageIsNotRecreated(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.joinGroup(t, alice)

	wipe := envelopeFrom(alice, fmt.Sprintf(`{"delm":{%s,"refs":[%s]}}`, groupTarget(), ref(alice, 1)), 0)
	require.Equal(envelope.DeleteAll(), h.route(t, wipe))
	require.Equal(envelope.DeleteAll(), h.route(t, envelopeFrom(alice, chat(groupTarget(), 1, "late"), 1)))
	require.Len(h.router.Updates(), 0)
}

func TestReadReceiptsOnlyFromOwnedDevices(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.joinGroup(t, alice)
	require.Equal(envelope.KeepAttachments([]int{}), h.route(t, envelopeFrom(alice, chat(groupTarget(), 1, "hello"), 0)))
	u := nextUpdate(t, h.router).(*router.MessageReceived)

	raw := fmt.Sprintf(`{"lvo":{%s,"m":%s}}`, groupTarget(), ref(alice, 1))
	require.Equal(envelope.DeleteAll(), h.route(t, envelopeFrom(alice, raw, 0)))
	m, err := h.store.Message(u.Message)
	require.Nil(err)
	require.False(m.Opened)

	require.Equal(envelope.DeleteAll(), h.route(t, envelopeFrom(owned, raw, 0)))
	m, err = h.store.Message(u.Message)
	require.Nil(err)
	require.True(m.Opened)
}

func TestSettingsQueryForOutdatedVersion(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.joinGroup(t, alice)

	settings := envelopeFrom(alice, fmt.Sprintf(`{"settings":{%s,"version":3,"exp":{"ro":true}}}`, groupTarget()), 0)
	require.Equal(envelope.DeleteAll(), h.route(t, settings))

	require.Equal(envelope.DeleteAll(), h.route(t, envelopeFrom(alice, fmt.Sprintf(`{"qss":{%s,"ksv":3}}`, groupTarget()), 0)))
	require.Len(h.router.Updates(), 0)

	require.Equal(envelope.DeleteAll(), h.route(t, envelopeFrom(alice, fmt.Sprintf(`{"qss":{%s,"ksv":2}}`, groupTarget()), 0)))
	q, ok := nextUpdate(t, h.router).(*router.SettingsQueried)
	require.True(ok)
	require.Equal(int64(3), q.Version)
	require.Equal(alice, q.Sender)

	d, err := h.store.Discussion(owned, envelope.Target{Group: &group})
	require.Nil(err)
	require.True(d.ConfigExpiration.ReadOnce)
	sms, err := h.store.SystemMessages(d.ID)
	require.Nil(err)
	require.Len(sms, 1)
	require.Equal(router.SystemMessageConfigurationChanged, sms[0].Kind)
}

func TestSignalingNeedsContact(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	env := envelopeFrom(bob, fmt.Sprintf(`{"rtc":{"ci":"%s","mt":3,"sm":"offer"}}`, thread), 0)
	require.Equal(envelope.Wait(), h.route(t, env))

	require.Nil(h.store.AddContact(owned, bob, false))
	require.Nil(h.router.OnDependencySatisfied(context.Background(), envelope.MissingContact(owned, bob)))
	s, ok := nextUpdate(t, h.router).(*router.SignalingReceived)
	require.True(ok)
	require.Equal("offer", s.Body)
	require.Equal(thread, s.CallID)
	require.Equal([]envelope.Instruction{envelope.DeleteAll()}, h.engine.acked(env.ID))
}

func TestSubmitBatchKeepsOrder(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.joinGroup(t, alice)

	envs := []*envelope.Envelope{
		envelopeFrom(alice, chat(groupTarget(), 1, "one"), 1),
		envelopeFrom(alice, `garbage`, 0),
		envelopeFrom(bob, chat(groupTarget(), 1, "two"), 0),
		envelopeFrom(alice, chat(groupTarget(), 2, "three"), 0),
	}
	out, err := h.router.SubmitBatch(context.Background(), envs)
	require.Nil(err)
	require.Equal([]envelope.Instruction{
		envelope.KeepAttachments([]int{0}),
		envelope.DeleteAll(),
		envelope.Wait(),
		envelope.KeepAttachments([]int{}),
	}, out)
	require.Equal(1, h.deferred.LenKey(envelope.MissingGroupMember(owned, group, bob)))
}

func TestRouteAfterCancel(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.joinGroup(t, alice)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	env := envelopeFrom(alice, chat(groupTarget(), 1, "hello"), 0)
	_, err := h.router.Route(ctx, env)
	require.NotNil(err)
	require.Empty(h.engine.acked(env.ID))
}

func TestStaleLocationUpdatesAreCoalesced(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.joinGroup(t, alice)
	require.Equal(envelope.KeepAttachments([]int{}), h.route(t, envelopeFrom(alice, chat(groupTarget(), 1, "here"), 0)))
	u := nextUpdate(t, h.router).(*router.MessageReceived)

	location := func(at time.Time, lat float64) *envelope.Envelope {
		env := envelopeFrom(alice, fmt.Sprintf(`{"upm":{%s,"ref":%s,"loc":{"t":2,"ts":%d,"lat":%g,"long":1}}}`, groupTarget(), ref(alice, 1), at.UnixMilli(), lat), 0)
		env.UploadedAt = at
		return env
	}

	results := make(chan envelope.Instruction, 2)
	routeAsync := func(env *envelope.Envelope) {
		go func() {
			i, _ := h.router.Route(context.Background(), env)
			results <- i
		}()
	}
	routeAsync(location(now.Add(-3*time.Minute), 10))
	h.clock.WaitForTimers(1)
	routeAsync(location(now.Add(-2*time.Minute), 20))
	// the older update gives way to the newer one
	require.Equal(envelope.DeleteAll(), <-results)
	h.clock.WaitForTimers(1)
	h.clock.Advance(10 * time.Second)
	require.Equal(envelope.DeleteAll(), <-results)

	m, err := h.store.Message(u.Message)
	require.Nil(err)
	require.Equal(envelope.LocationSharing, m.Location.Kind)
	require.Equal(20.0, m.Location.Latitude)
}

func TestDependencyArrivingWhileDeferring(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	env := envelopeFrom(alice, chat(groupTarget(), 1, "hello"), 0)

	// the group and the membership commit, and their replays find nothing waiting, after the handler
	// looked for them but before the envelope is deferred
	var once sync.Once
	var arrived error
	h.hooks.after = func(label string) {
		once.Do(func() {
			ctx := context.Background()
			arrived = multierr.Combine(
				h.store.AddGroup(owned, group),
				h.store.AddGroupMember(owned, group, alice),
				h.router.OnDependencySatisfied(ctx, envelope.MissingGroup(owned, group)),
				h.router.OnGroupMembersChanged(ctx, owned, group),
			)
		})
	}

	require.Equal(envelope.Wait(), h.route(t, env))
	require.Nil(arrived)
	require.Equal(0, h.deferred.Len())
	require.Equal([]envelope.Instruction{envelope.KeepAttachments([]int{})}, h.engine.acked(env.ID))

	u := nextUpdate(t, h.router).(*router.MessageReceived)
	m, err := h.store.Message(u.Message)
	require.Nil(err)
	require.Equal("hello", m.Body)
}

func TestRestoredEnvelopesWithKnownDependencyAreReplayed(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	env := envelopeFrom(alice, chat(oneToOneTarget(alice), 1, "hello"), 0)
	require.Equal(envelope.Wait(), h.route(t, env))

	// added while nobody was listening for the store's events
	require.Nil(h.store.AddContact(owned, alice, true))
	require.Equal(1, h.deferred.Len())

	require.Nil(h.router.ReplayPresent(context.Background()))
	require.Equal(0, h.deferred.Len())
	require.Equal([]envelope.Instruction{envelope.KeepAttachments([]int{})}, h.engine.acked(env.ID))
}

func TestRouteCancelledDuringTransaction(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.joinGroup(t, alice)

	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	h.hooks.before = func(_ context.Context, label string) error {
		cancel()
		<-release
		return nil
	}

	env := envelopeFrom(alice, chat(groupTarget(), 1, "hello"), 0)
	i, err := h.router.Route(ctx, env)
	close(release)
	require.ErrorIs(err, context.Canceled)
	require.Equal(envelope.Wait(), i)
	require.Empty(h.engine.acked(env.ID))
}

func TestSavedRequestsAreRetriedWithTheMessage(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.joinGroup(t, alice)

	edit := envelopeFrom(alice, fmt.Sprintf(`{"upm":{%s,"ref":%s,"body":"edited"}}`, groupTarget(), ref(alice, 1)), 0)
	edit.UploadedAt = now.Add(time.Second)
	require.Equal(envelope.DeleteAll(), h.route(t, edit))

	var failures atomic.Int32
	failures.Store(1)
	h.hooks.before = func(_ context.Context, label string) error {
		if label == "apply saved requests" && failures.Add(-1) >= 0 {
			return errors.New("disk full")
		}
		return nil
	}

	require.Equal(envelope.KeepAttachments([]int{}), h.route(t, envelopeFrom(alice, chat(groupTarget(), 1, "original"), 0)))
	u := nextUpdate(t, h.router).(*router.MessageReceived)
	m, err := h.store.Message(u.Message)
	require.Nil(err)
	require.Equal("edited", m.Body)
}

func TestSavedRequestsAreAppliedOnRedelivery(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.joinGroup(t, alice)

	edit := envelopeFrom(alice, fmt.Sprintf(`{"upm":{%s,"ref":%s,"body":"edited"}}`, groupTarget(), ref(alice, 1)), 0)
	edit.UploadedAt = now.Add(time.Second)
	require.Equal(envelope.DeleteAll(), h.route(t, edit))

	var failing atomic.Bool
	failing.Store(true)
	h.hooks.before = func(_ context.Context, label string) error {
		if label == "apply saved requests" && failing.Load() {
			return errors.New("disk full")
		}
		return nil
	}

	msg := envelopeFrom(alice, chat(groupTarget(), 1, "original"), 0)
	require.Equal(envelope.KeepAttachments([]int{}), h.route(t, msg))
	u := nextUpdate(t, h.router).(*router.MessageReceived)
	m, err := h.store.Message(u.Message)
	require.Nil(err)
	require.Equal("original", m.Body)

	failing.Store(false)
	require.Equal(envelope.KeepAttachments([]int{}), h.route(t, msg))
	m, err = h.store.Message(u.Message)
	require.Nil(err)
	require.Equal("edited", m.Body)
}

func TestLocationFreshnessUsesServerTime(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.joinGroup(t, alice)
	require.Equal(envelope.KeepAttachments([]int{}), h.route(t, envelopeFrom(alice, chat(groupTarget(), 1, "here"), 0)))
	u := nextUpdate(t, h.router).(*router.MessageReceived)

	// the sender's clock runs five minutes slow, the server received the update just now
	env := envelopeFrom(alice, fmt.Sprintf(`{"upm":{%s,"ref":%s,"loc":{"t":2,"ts":%d,"lat":30,"long":1}}}`, groupTarget(), ref(alice, 1), now.Add(-5*time.Minute).UnixMilli()), 0)
	done := make(chan envelope.Instruction, 1)
	go func() {
		i, _ := h.router.Route(context.Background(), env)
		done <- i
	}()
	select {
	case i := <-done:
		require.Equal(envelope.DeleteAll(), i)
	case <-time.After(5 * time.Second):
		t.Fatal("fresh location update was held back")
	}

	m, err := h.store.Message(u.Message)
	require.Nil(err)
	require.Equal(30.0, m.Location.Latitude)
}

func TestLocationUpdatesAreLimitedPerDevice(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.joinGroup(t, alice)
	require.Equal(envelope.KeepAttachments([]int{}), h.route(t, envelopeFrom(alice, chat(groupTarget(), 1, "here"), 0)))
	nextUpdate(t, h.router)

	location := func(device ids.ID, at time.Time) *envelope.Envelope {
		env := envelopeFrom(alice, fmt.Sprintf(`{"upm":{%s,"ref":%s,"loc":{"t":2,"ts":%d,"lat":1,"long":1}}}`, groupTarget(), ref(alice, 1), at.UnixMilli()), 0)
		env.SenderDevice = &device
		env.UploadedAt = at
		return env
	}

	results := make(chan envelope.Instruction, 2)
	for _, env := range []*envelope.Envelope{location(ids.ID{5}, now.Add(-3*time.Minute)), location(ids.ID{6}, now.Add(-2*time.Minute))} {
		env := env
		go func() {
			i, _ := h.router.Route(context.Background(), env)
			results <- i
		}()
		h.clock.WaitForTimers(1)
	}
	// neither device supersedes the other
	select {
	case <-results:
		t.Fatal("update from one device cancelled the other's")
	default:
	}
	h.clock.Advance(10 * time.Second)
	require.Equal(envelope.DeleteAll(), <-results)
	require.Equal(envelope.DeleteAll(), <-results)
}
