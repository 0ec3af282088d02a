package deferral

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/meow-io/go-reconcile/envelope"
	"github.com/meow-io/go-reconcile/ids"
	"github.com/meow-io/go-reconcile/internal/test"
	"github.com/stretchr/testify/require"
)

var (
	owned = ids.ID{1}
	grp   = ids.ID{2}
	bob   = ids.ID{3}
	start = time.UnixMilli(1_700_000_000_000)
)

type memoryJournal struct {
	lock    sync.Mutex
	entries map[uuid.UUID]*Entry
	fail    bool
}

func newMemoryJournal() *memoryJournal {
	return &memoryJournal{entries: make(map[uuid.UUID]*Entry)}
}

func (j *memoryJournal) SaveDeferred(e *Entry) error {
	j.lock.Lock()
	defer j.lock.Unlock()
	if j.fail {
		return errors.New("disk full")
	}
	cp := *e
	j.entries[e.Envelope.ID] = &cp
	return nil
}

func (j *memoryJournal) DeleteDeferred(ids []uuid.UUID) error {
	j.lock.Lock()
	defer j.lock.Unlock()
	for _, id := range ids {
		delete(j.entries, id)
	}
	return nil
}

func (j *memoryJournal) LoadDeferred() ([]*Entry, error) {
	j.lock.Lock()
	defer j.lock.Unlock()
	out := make([]*Entry, 0, len(j.entries))
	for _, e := range j.entries {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func newEntry() *Entry {
	return &Entry{Envelope: &envelope.Envelope{ID: uuid.New(), Owned: owned, Sender: bob}}
}

func newStore(j Journal) (*Store, *test.Clock) {
	c := test.NewClock(start)
	return NewStore(test.Config("deferral"), c, j), c
}

func TestDrainPreservesInsertionOrder(t *testing.T) {
	require := require.New(t)
	s, c := newStore(nil)
	key := envelope.MissingGroup(owned, grp)

	first, second, third := newEntry(), newEntry(), newEntry()
	s.Insert(key, first)
	c.Advance(time.Second)
	s.Insert(key, second)
	c.Advance(time.Second)
	s.Insert(key, third)
	require.Equal(3, s.LenKey(key))

	drained := s.Drain(key)
	require.Len(drained, 3)
	require.Equal(first.Envelope.ID, drained[0].Envelope.ID)
	require.Equal(second.Envelope.ID, drained[1].Envelope.ID)
	require.Equal(third.Envelope.ID, drained[2].Envelope.ID)
	require.Empty(s.Drain(key))
	require.Equal(0, s.Len())
}

func TestEnvelopeHeldUnderOneKey(t *testing.T) {
	require := require.New(t)
	s, _ := newStore(nil)
	e := newEntry()
	s.Insert(envelope.MissingGroup(owned, grp), e)
	s.Insert(envelope.MissingGroupMember(owned, grp, bob), e)
	require.Equal(1, s.Len())
	require.Equal(0, s.LenKey(envelope.MissingGroup(owned, grp)))
	require.Len(s.Drain(envelope.MissingGroupMember(owned, grp, bob)), 1)
}

func TestReinsertKeepsFirstSeen(t *testing.T) {
	require := require.New(t)
	s, c := newStore(nil)
	e := newEntry()
	s.Insert(envelope.MissingGroup(owned, grp), e)
	seen := e.FirstSeenAt
	c.Advance(time.Hour)
	drained := s.Drain(envelope.MissingGroup(owned, grp))
	s.Insert(envelope.MissingContact(owned, bob), drained[0])
	require.Equal(seen, drained[0].FirstSeenAt)
}

func TestExpiredEntriesOnlyLeaveThroughEviction(t *testing.T) {
	require := require.New(t)
	s, c := newStore(nil)
	key := envelope.MissingContact(owned, bob)
	old := newEntry()
	s.Insert(key, old)
	c.Advance(31 * 24 * time.Hour)
	fresh := newEntry()
	s.Insert(key, fresh)

	drained := s.Drain(key)
	require.Len(drained, 1)
	require.Equal(fresh.Envelope.ID, drained[0].Envelope.ID)
	require.Equal(1, s.LenKey(key))

	evicted := s.EvictOlderThan(c.Now().Add(-30 * 24 * time.Hour))
	require.Len(evicted, 1)
	require.Equal(old.Envelope.ID, evicted[0].Envelope.ID)
	require.Equal(0, s.Len())
	require.Empty(s.EvictOlderThan(c.Now()))
}

func TestKeysFilter(t *testing.T) {
	require := require.New(t)
	s, _ := newStore(nil)
	s.Insert(envelope.MissingGroupMember(owned, grp, bob), newEntry())
	s.Insert(envelope.MissingGroupMember(owned, grp, ids.ID{4}), newEntry())
	s.Insert(envelope.MissingGroupMember(owned, ids.ID{5}, bob), newEntry())
	keys := s.Keys(func(k envelope.DependencyKey) bool {
		return k.Kind == envelope.MissingGroupMemberKind && k.Group == grp
	})
	require.Len(keys, 2)
}

func TestJournal(t *testing.T) {
	require := require.New(t)
	j := newMemoryJournal()
	s, c := newStore(j)
	key := envelope.MissingGroup(owned, grp)
	a, b := newEntry(), newEntry()
	s.Insert(key, a)
	c.Advance(time.Millisecond)
	s.Insert(key, b)
	require.Len(j.entries, 2)

	restored, _ := newStore(j)
	n, err := restored.Load()
	require.Nil(err)
	require.Equal(2, n)
	drained := restored.Drain(key)
	require.Len(drained, 2)
	require.Equal(a.Envelope.ID, drained[0].Envelope.ID)
	require.Empty(j.entries)

	j.fail = true
	s.Insert(key, newEntry())
	require.Equal(3, s.Len())
}
