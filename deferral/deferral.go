// This package holds envelopes which cannot be applied yet because a contact, group or group membership they
// reference is not known locally. Entries are indexed by the exact dependency the handler reported, kept in
// insertion order per key, and given up on once they are older than the configured horizon.
package deferral

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meow-io/go-reconcile/clock"
	"github.com/meow-io/go-reconcile/config"
	"github.com/meow-io/go-reconcile/envelope"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type Entry struct {
	Envelope    *envelope.Envelope
	Key         envelope.DependencyKey
	FirstSeenAt time.Time
}

func (e *Entry) age(now time.Time) time.Duration {
	return now.Sub(e.FirstSeenAt)
}

func firstSeenBefore(a, b *Entry) bool {
	return a.FirstSeenAt.Before(b.FirstSeenAt)
}

// Journal persists deferred entries so they outlive a restart. Failures are logged, the in-memory store stays
// authoritative for the running process.
type Journal interface {
	SaveDeferred(e *Entry) error
	DeleteDeferred(ids []uuid.UUID) error
	LoadDeferred() ([]*Entry, error)
}

type Store struct {
	log     *zap.SugaredLogger
	clock   clock.Clock
	maxAge  time.Duration
	journal Journal

	lock  sync.Mutex
	byKey map[envelope.DependencyKey][]*Entry
	keyOf map[uuid.UUID]envelope.DependencyKey
}

// NewStore makes a store. journal may be nil.
func NewStore(c *config.Config, cl clock.Clock, journal Journal) *Store {
	return &Store{
		log:     c.Logger("deferral"),
		clock:   cl,
		maxAge:  c.MaxKeepForLaterAge(),
		journal: journal,
		byKey:   make(map[envelope.DependencyKey][]*Entry),
		keyOf:   make(map[uuid.UUID]envelope.DependencyKey),
	}
}

// Load restores journalled entries, in first-seen order.
func (s *Store) Load() (int, error) {
	if s.journal == nil {
		return 0, nil
	}
	entries, err := s.journal.LoadDeferred()
	if err != nil {
		return 0, err
	}
	slices.SortStableFunc(entries, firstSeenBefore)

	s.lock.Lock()
	defer s.lock.Unlock()
	for _, e := range entries {
		s.insert(e)
	}
	s.log.Debugf("restored %d deferred envelopes", len(entries))
	return len(entries), nil
}

// Insert holds e under key. A zero FirstSeenAt is stamped with the current time; an envelope already held
// under another key is moved.
func (s *Store) Insert(key envelope.DependencyKey, e *Entry) {
	if e.FirstSeenAt.IsZero() {
		e.FirstSeenAt = s.clock.Now()
	}
	e.Key = key

	s.lock.Lock()
	defer s.lock.Unlock()
	s.insert(e)
	if s.journal != nil {
		if err := s.journal.SaveDeferred(e); err != nil {
			s.log.Warnf("error journalling deferred %s under %s: %v", e.Envelope, key, err)
		}
	}
	s.log.Debugf("deferred %s under %s", e.Envelope, key)
}

func (s *Store) insert(e *Entry) {
	id := e.Envelope.ID
	if prev, ok := s.keyOf[id]; ok {
		s.removeFromKey(prev, id)
	}
	s.byKey[e.Key] = append(s.byKey[e.Key], e)
	s.keyOf[id] = e.Key
}

func (s *Store) removeFromKey(key envelope.DependencyKey, id uuid.UUID) {
	entries := s.byKey[key]
	for i, e := range entries {
		if e.Envelope.ID == id {
			entries = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(s.byKey, key)
	} else {
		s.byKey[key] = entries
	}
}

// Drain removes and returns every entry under key that is still within the horizon, oldest first. Entries past
// the horizon stay behind for EvictOlderThan.
func (s *Store) Drain(key envelope.DependencyKey) []*Entry {
	s.lock.Lock()
	defer s.lock.Unlock()

	now := s.clock.Now()
	var drained, expired []*Entry
	for _, e := range s.byKey[key] {
		if e.age(now) >= s.maxAge {
			expired = append(expired, e)
			continue
		}
		drained = append(drained, e)
		delete(s.keyOf, e.Envelope.ID)
	}
	if len(expired) == 0 {
		delete(s.byKey, key)
	} else {
		s.byKey[key] = expired
	}

	slices.SortStableFunc(drained, firstSeenBefore)
	s.forget(drained)
	return drained
}

// EvictOlderThan removes and returns every entry first seen before horizon. Resolving them is up to the caller.
func (s *Store) EvictOlderThan(horizon time.Time) []*Entry {
	s.lock.Lock()
	defer s.lock.Unlock()

	var evicted []*Entry
	for key, entries := range s.byKey {
		kept := entries[:0]
		for _, e := range entries {
			if e.FirstSeenAt.Before(horizon) {
				evicted = append(evicted, e)
				delete(s.keyOf, e.Envelope.ID)
			} else {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(s.byKey, key)
		} else {
			s.byKey[key] = kept
		}
	}
	slices.SortStableFunc(evicted, firstSeenBefore)
	s.forget(evicted)
	return evicted
}

func (s *Store) forget(entries []*Entry) {
	if s.journal == nil || len(entries) == 0 {
		return
	}
	ids := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		ids[i] = e.Envelope.ID
	}
	if err := s.journal.DeleteDeferred(ids); err != nil {
		s.log.Warnf("error removing %d journalled entries: %v", len(ids), err)
	}
}

// Keys returns the keys currently holding entries which match f.
func (s *Store) Keys(f func(envelope.DependencyKey) bool) []envelope.DependencyKey {
	s.lock.Lock()
	defer s.lock.Unlock()
	keys := maps.Keys(s.byKey)
	matched := keys[:0]
	for _, k := range keys {
		if f(k) {
			matched = append(matched, k)
		}
	}
	return matched
}

func (s *Store) Len() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.keyOf)
}

func (s *Store) LenKey(key envelope.DependencyKey) int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.byKey[key])
}
