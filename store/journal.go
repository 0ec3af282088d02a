package store

import (
	"github.com/google/uuid"
	"github.com/meow-io/go-reconcile/deferral"
	"github.com/meow-io/go-reconcile/envelope"
	"github.com/meow-io/go-reconcile/ids"
)

// SaveDeferred implements deferral.Journal.
func (s *Store) SaveDeferred(e *deferral.Entry) error {
	b, err := encodeEnvelope(e.Envelope)
	if err != nil {
		return err
	}
	return s.db.Run("journal deferred envelope", func() error {
		return s.db.upsertDeferred(&deferredEnvelope{
			ID:            e.Envelope.ID[:],
			KeyKind:       int(e.Key.Kind),
			KeyOwned:      e.Key.Owned[:],
			KeyGroup:      e.Key.Group[:],
			KeyContact:    e.Key.Contact[:],
			FirstSeenAtMs: e.FirstSeenAt.UnixMilli(),
			Envelope:      b,
		})
	})
}

// DeleteDeferred implements deferral.Journal.
func (s *Store) DeleteDeferred(envelopeIDs []uuid.UUID) error {
	if len(envelopeIDs) == 0 {
		return nil
	}
	return s.db.Run("forget deferred envelopes", func() error {
		return s.db.deleteDeferred(envelopeIDs)
	})
}

// LoadDeferred implements deferral.Journal.
func (s *Store) LoadDeferred() ([]*deferral.Entry, error) {
	var rows []*deferredEnvelope
	if err := s.db.RunReadOnly("load deferred envelopes", func() error {
		var err error
		rows, err = s.db.deferredEnvelopes()
		return err
	}); err != nil {
		return nil, err
	}

	entries := make([]*deferral.Entry, 0, len(rows))
	for _, r := range rows {
		env, err := decodeEnvelope(r.Envelope)
		if err != nil {
			s.log.Warnf("dropping unreadable journalled envelope %x: %v", r.ID, err)
			continue
		}
		key := envelope.DependencyKey{Kind: envelope.DependencyKind(r.KeyKind)}
		if key.Owned, err = ids.IDFromBytes(r.KeyOwned); err != nil {
			return nil, err
		}
		if key.Group, err = ids.IDFromBytes(r.KeyGroup); err != nil {
			return nil, err
		}
		if key.Contact, err = ids.IDFromBytes(r.KeyContact); err != nil {
			return nil, err
		}
		entries = append(entries, &deferral.Entry{Envelope: env, Key: key, FirstSeenAt: fromMs(r.FirstSeenAtMs)})
	}
	return entries, nil
}
