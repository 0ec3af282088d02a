package store

import (
	"time"

	"github.com/google/uuid"
	"github.com/meow-io/go-reconcile/envelope"
	"github.com/meow-io/go-reconcile/ids"
	"github.com/meow-io/go-reconcile/router"
)

// StoredMessage is a received message as the application reads it back.
type StoredMessage struct {
	ID              int64
	Discussion      int64
	Ref             envelope.MessageRef
	Body            string
	UploadedAt      time.Time
	ServerTime      time.Time
	EditedAt        time.Time
	ReplyTo         *envelope.MessageRef
	ReadOnce        bool
	ExpiresAt       *time.Time
	Location        *envelope.Location
	Mentions        []envelope.Mention
	AttachmentCount int
	ReturnReceipt   *envelope.ReturnReceiptElements
	Opened          bool
	New             bool
	Wiped           bool
	// emoji by reactor
	Reactions map[ids.ID]string
}

type SystemMessage struct {
	Kind   router.SystemMessageKind
	Author ids.ID
	At     time.Time
}

func (s *Store) Message(id int64) (*StoredMessage, error) {
	var out *StoredMessage
	err := s.db.RunReadOnly("read message", func() error {
		m, err := s.db.messageRow(id)
		if err != nil {
			return err
		}
		if out, err = m.stored(); err != nil {
			return err
		}
		reactions, err := s.db.reactions(id)
		if err != nil {
			return err
		}
		for _, r := range reactions {
			reactor, err := ids.IDFromBytes(r.Reactor)
			if err != nil {
				return err
			}
			out.Reactions[reactor] = r.Emoji
		}
		return nil
	})
	return out, err
}

// Discussion returns the discussion a target resolves to for owned, creating it if needed.
func (s *Store) Discussion(owned ids.ID, target envelope.Target) (*router.Discussion, error) {
	var d *router.Discussion
	err := s.db.Run("resolve discussion", func() error {
		var err error
		d, err = s.db.Discussion(owned, target)
		return err
	})
	return d, err
}

func (s *Store) SystemMessages(discussionID int64) ([]*SystemMessage, error) {
	var out []*SystemMessage
	err := s.db.RunReadOnly("read system messages", func() error {
		rows, err := s.db.systemMessages(discussionID)
		if err != nil {
			return err
		}
		for _, r := range rows {
			author, err := ids.IDFromBytes(r.Author)
			if err != nil {
				return err
			}
			out = append(out, &SystemMessage{Kind: router.SystemMessageKind(r.Kind), Author: author, At: fromMs(r.AtMs)})
		}
		return nil
	})
	return out, err
}

func (m *message) stored() (*StoredMessage, error) {
	sender, err := ids.IDFromBytes(m.Sender)
	if err != nil {
		return nil, err
	}
	thread, err := uuid.FromBytes(m.SenderThread)
	if err != nil {
		return nil, err
	}
	out := &StoredMessage{
		ID:              m.ID,
		Discussion:      m.DiscussionID,
		Ref:             envelope.MessageRef{SenderSequence: m.SenderSequence, SenderThread: thread, Sender: sender},
		Body:            m.Body,
		UploadedAt:      fromMs(m.UploadedAtMs),
		ServerTime:      fromMs(m.ServerTimeMs),
		EditedAt:        fromMs(m.EditedAtMs),
		ReadOnce:        m.ReadOnce,
		AttachmentCount: m.AttachmentCount,
		Opened:          m.Opened,
		New:             m.IsNew,
		Wiped:           m.Wiped,
		Reactions:       make(map[ids.ID]string),
	}
	if len(m.ReplyTo) != 0 {
		if out.ReplyTo, err = decodeRef(m.ReplyTo); err != nil {
			return nil, err
		}
	}
	if m.ExpiresAtMs != nil {
		at := fromMs(*m.ExpiresAtMs)
		out.ExpiresAt = &at
	}
	if m.LocationKind != nil && m.Latitude != nil && m.Longitude != nil {
		out.Location = &envelope.Location{Kind: envelope.LocationKind(*m.LocationKind), Latitude: *m.Latitude, Longitude: *m.Longitude}
		if m.LocationAtMs != nil {
			out.Location.Timestamp = fromMs(*m.LocationAtMs)
		}
		if m.Address != nil {
			out.Location.Address = *m.Address
		}
	}
	if out.Mentions, err = decodeMentions(m.Mentions); err != nil {
		return nil, err
	}
	if len(m.ReceiptNonce) != 0 {
		out.ReturnReceipt = &envelope.ReturnReceiptElements{Nonce: m.ReceiptNonce, Key: m.ReceiptKey}
	}
	return out, nil
}
