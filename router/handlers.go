package router

import (
	"errors"
	"fmt"
	"time"

	"github.com/meow-io/go-reconcile/envelope"
	"github.com/meow-io/go-reconcile/ids"
	"go.uber.org/zap"
)

var (
	ErrAlreadyExpired   = errors.New("router: message expired before it arrived")
	ErrPriorToWipe      = errors.New("router: message predates a remote wipe of it")
	ErrNotAuthor        = errors.New("router: requester did not author the message")
	ErrNotOwned         = errors.New("router: only another owned device may send this")
	ErrNotParticipant   = errors.New("router: sender is not part of the one-to-one discussion")
	ErrNoDiscussion     = errors.New("router: payload names no discussion")
	ErrUnexpectedReplay = errors.New("router: saved request could not be replayed")
)

type savedRequestsFor struct {
	discussion int64
	ref        envelope.MessageRef
}

// handler applies one decoded payload inside one transaction. A persistence error is kept in err, which rolls
// the transaction back; everything else is expressed as an Outcome.
type handler struct {
	log *zap.SugaredLogger
	env *envelope.Envelope
	tx  Tx
	now time.Time
	err error

	// set when a chat message was applied, whose saved requests must be applied next
	created *savedRequestsFor
	updates []interface{}
}

// present reports whether the entity key names is known locally by now.
func present(tx Tx, key envelope.DependencyKey) (bool, error) {
	switch key.Kind {
	case envelope.MissingGroupKind:
		return tx.GroupExists(key.Owned, key.Group)
	case envelope.MissingGroupMemberKind:
		return tx.IsGroupMember(key.Owned, key.Group, key.Contact)
	case envelope.MissingContactKind, envelope.MissingOneToOneContactKind:
		c, err := tx.Contact(key.Owned, key.Contact)
		if err != nil || c == nil {
			return false, err
		}
		return key.Kind == envelope.MissingContactKind || c.OneToOne, nil
	}
	return false, fmt.Errorf("router: unknown dependency %s", key)
}

func (h *handler) fail(err error) envelope.Outcome {
	h.err = err
	return envelope.DefinitiveFailure(err)
}

func (h *handler) owned() ids.ID {
	return h.env.Owned
}

func (h *handler) sender() ids.ID {
	return h.env.Sender
}

// discussion resolves a target to a local discussion, or to the dependency which is missing for it.
func (h *handler) discussion(t envelope.Target) (*Discussion, envelope.Outcome, bool) {
	switch {
	case t.Group != nil:
		group := *t.Group
		exists, err := h.tx.GroupExists(h.owned(), group)
		if err != nil {
			return nil, h.fail(err), false
		}
		if !exists {
			return nil, envelope.DependencyMissing(envelope.MissingGroup(h.owned(), group)), false
		}
		if !h.env.FromOwnedIdentity() {
			member, err := h.tx.IsGroupMember(h.owned(), group, h.sender())
			if err != nil {
				return nil, h.fail(err), false
			}
			if !member {
				return nil, envelope.DependencyMissing(envelope.MissingGroupMember(h.owned(), group, h.sender())), false
			}
		}
	case t.OneToOne != nil:
		peer, err := t.Peer(h.owned())
		if err != nil {
			return nil, envelope.DefinitiveFailure(err), false
		}
		if !h.env.FromOwnedIdentity() && peer != h.sender() {
			return nil, envelope.DefinitiveFailure(ErrNotParticipant), false
		}
		c, err := h.tx.Contact(h.owned(), peer)
		if err != nil {
			return nil, h.fail(err), false
		}
		if c == nil {
			return nil, envelope.DependencyMissing(envelope.MissingContact(h.owned(), peer)), false
		}
		if !c.OneToOne {
			return nil, envelope.DependencyMissing(envelope.MissingOneToOneContact(h.owned(), peer)), false
		}
	default:
		return nil, envelope.DefinitiveFailure(ErrNoDiscussion), false
	}

	d, err := h.tx.Discussion(h.owned(), t)
	if err != nil {
		return nil, h.fail(err), false
	}
	return d, envelope.Outcome{}, true
}

// message finds the target of a remote request. When it has not arrived yet the request is saved and applied
// once it does, unless the message was already wiped.
func (h *handler) message(d *Discussion, ref envelope.MessageRef) (*Message, envelope.Outcome, bool) {
	m, err := h.tx.Message(d.ID, ref)
	if err != nil {
		return nil, h.fail(err), false
	}
	if m != nil {
		return m, envelope.Outcome{}, true
	}
	tombstoned, err := h.tx.Tombstoned(d.ID, ref)
	if err != nil {
		return nil, h.fail(err), false
	}
	if tombstoned {
		h.log.Debugf("dropping request from %s about wiped message %d", h.env, ref.SenderSequence)
		return nil, envelope.Applied(envelope.DeleteAll()), false
	}
	if err := h.tx.SaveRemoteRequest(d.ID, ref, h.env); err != nil {
		return nil, h.fail(err), false
	}
	h.log.Debugf("saved request from %s until message %d arrives", h.env, ref.SenderSequence)
	return nil, envelope.Applied(envelope.DeleteAll()), false
}

func (h *handler) VisitChatMessage(m *envelope.ChatMessage) envelope.Outcome {
	d, out, ok := h.discussion(m.Target)
	if !ok {
		return out
	}

	rm := &ReceivedMessage{
		Discussion:      d.ID,
		Sender:          h.sender(),
		SenderThread:    m.SenderThread,
		SenderSequence:  m.SenderSequence,
		Body:            m.Body,
		UploadedAt:      h.env.UploadedAt,
		ServerTime:      h.env.UploadedAt,
		ReplyTo:         m.ReplyTo,
		Expiration:      m.Expiration,
		Location:        m.Location,
		Mentions:        m.Mentions,
		AttachmentCount: h.env.AttachmentCount,
		ReturnReceipt:   m.ReturnReceipt,
	}
	if m.OriginalServerTime != nil {
		rm.ServerTime = *m.OriginalServerTime
	}
	if m.Expiration != nil && m.Expiration.Existence != nil {
		expiresAt := rm.ServerTime.Add(*m.Expiration.Existence)
		if !expiresAt.After(h.now) {
			return envelope.DefinitiveFailure(ErrAlreadyExpired)
		}
		rm.ExpiresAt = &expiresAt
	}

	if !d.WipedAt.IsZero() && h.env.UploadedAt.Before(d.WipedAt) {
		return envelope.DefinitiveFailure(ErrPriorToWipe)
	}
	tombstoned, err := h.tx.Tombstoned(d.ID, rm.Ref())
	if err != nil {
		return h.fail(err)
	}
	if tombstoned {
		return envelope.DefinitiveFailure(ErrPriorToWipe)
	}

	msg, created, err := h.tx.CreateReceivedMessage(rm)
	if err != nil {
		return h.fail(err)
	}
	// saved requests are taken on every delivery, a previous one may have failed to apply them
	h.created = &savedRequestsFor{discussion: d.ID, ref: rm.Ref()}
	if created {
		h.updates = append(h.updates, &MessageReceived{Owned: h.owned(), Discussion: d.ID, Message: msg.ID})
	} else {
		h.log.Debugf("%s was already applied as message %d", h.env, msg.ID)
	}

	keep := make([]int, h.env.AttachmentCount)
	for i := range keep {
		keep[i] = i
	}
	return envelope.Applied(envelope.KeepAttachments(keep))
}

func (h *handler) VisitSignaling(s *envelope.Signaling) envelope.Outcome {
	if !h.env.FromOwnedIdentity() {
		c, err := h.tx.Contact(h.owned(), h.sender())
		if err != nil {
			return h.fail(err)
		}
		if c == nil {
			return envelope.DependencyMissing(envelope.MissingContact(h.owned(), h.sender()))
		}
	}
	h.updates = append(h.updates, &SignalingReceived{
		Owned:       h.owned(),
		Sender:      h.sender(),
		CallID:      s.CallID,
		MessageType: s.MessageType,
		Body:        s.Body,
	})
	return envelope.Applied(envelope.DeleteAll())
}

func (h *handler) VisitSharedConfiguration(c *envelope.SharedConfiguration) envelope.Outcome {
	d, out, ok := h.discussion(c.Target)
	if !ok {
		return out
	}
	changed, err := h.tx.UpdateConfiguration(d.ID, c.Version, c.Expiration, h.env.UploadedAt)
	if err != nil {
		return h.fail(err)
	}
	if !changed {
		h.log.Debugf("ignoring configuration version %d for discussion %d, have %d", c.Version, d.ID, d.ConfigVersion)
		return envelope.Applied(envelope.DeleteAll())
	}
	if _, err := h.tx.InsertSystemMessage(d.ID, SystemMessageConfigurationChanged, h.sender(), h.env.UploadedAt); err != nil {
		return h.fail(err)
	}
	return envelope.Applied(envelope.DeleteAll())
}

func (h *handler) VisitWipeMessages(w *envelope.WipeMessages) envelope.Outcome {
	d, out, ok := h.discussion(w.Target)
	if !ok {
		return out
	}
	for _, ref := range w.Messages {
		if ref.Sender != h.sender() {
			h.log.Debugf("%s asked to wipe a message it did not send", h.env)
			continue
		}
		m, err := h.tx.Message(d.ID, ref)
		if err != nil {
			return h.fail(err)
		}
		if m == nil {
			if err := h.tx.AddTombstone(d.ID, ref, h.env.UploadedAt); err != nil {
				return h.fail(err)
			}
			continue
		}
		if err := h.tx.WipeMessage(m.ID); err != nil {
			return h.fail(err)
		}
	}
	return envelope.Applied(envelope.DeleteAll())
}

func (h *handler) VisitWipeDiscussion(w *envelope.WipeDiscussion) envelope.Outcome {
	d, out, ok := h.discussion(w.Target)
	if !ok {
		return out
	}
	n, err := h.tx.WipeDiscussion(d.ID, h.env.UploadedAt)
	if err != nil {
		return h.fail(err)
	}
	h.log.Debugf("wiped %d messages of discussion %d", n, d.ID)
	return envelope.Applied(envelope.DeleteAll())
}

func (h *handler) VisitEdit(e *envelope.Edit) envelope.Outcome {
	d, out, ok := h.discussion(e.Target)
	if !ok {
		return out
	}
	if e.Ref.Sender != h.sender() {
		return envelope.DefinitiveFailure(ErrNotAuthor)
	}
	m, out, ok := h.message(d, e.Ref)
	if !ok {
		return out
	}
	if m.Sender != h.sender() {
		return envelope.DefinitiveFailure(ErrNotAuthor)
	}
	if !m.EditedAt.IsZero() && !h.env.UploadedAt.After(m.EditedAt) {
		h.log.Debugf("ignoring edit of message %d older than the last one", m.ID)
		return envelope.Applied(envelope.DeleteAll())
	}
	if err := h.tx.EditMessage(m.ID, e.Body, e.Location, h.env.UploadedAt); err != nil {
		return h.fail(err)
	}
	return envelope.Applied(envelope.DeleteAll())
}

func (h *handler) VisitReaction(r *envelope.Reaction) envelope.Outcome {
	d, out, ok := h.discussion(r.Target)
	if !ok {
		return out
	}
	m, out, ok := h.message(d, r.Ref)
	if !ok {
		return out
	}
	if err := h.tx.SetReaction(m.ID, h.sender(), r.Emoji, h.env.UploadedAt); err != nil {
		return h.fail(err)
	}
	return envelope.Applied(envelope.DeleteAll())
}

func (h *handler) VisitSettingsQuery(q *envelope.SettingsQuery) envelope.Outcome {
	d, out, ok := h.discussion(q.Target)
	if !ok {
		return out
	}
	if q.KnownVersion == nil || *q.KnownVersion != d.ConfigVersion {
		h.updates = append(h.updates, &SettingsQueried{
			Owned:        h.owned(),
			Sender:       h.sender(),
			Discussion:   d.ID,
			KnownVersion: q.KnownVersion,
			Version:      d.ConfigVersion,
		})
	}
	return envelope.Applied(envelope.DeleteAll())
}

func (h *handler) VisitCaptureNotice(c *envelope.CaptureNotice) envelope.Outcome {
	d, out, ok := h.discussion(c.Target)
	if !ok {
		return out
	}
	if _, err := h.tx.InsertSystemMessage(d.ID, SystemMessageCaptured, h.sender(), h.env.UploadedAt); err != nil {
		return h.fail(err)
	}
	return envelope.Applied(envelope.DeleteAll())
}

func (h *handler) VisitReadReceipt(r *envelope.ReadReceipt) envelope.Outcome {
	if !h.env.FromOwnedIdentity() {
		return envelope.DefinitiveFailure(ErrNotOwned)
	}
	d, out, ok := h.discussion(r.Target)
	if !ok {
		return out
	}
	m, out, ok := h.message(d, r.Ref)
	if !ok {
		return out
	}
	if !m.ReadOnce {
		h.log.Debugf("message %d opened elsewhere is not read once", m.ID)
	}
	if err := h.tx.MarkOpened(m.ID); err != nil {
		return h.fail(err)
	}
	return envelope.Applied(envelope.DeleteAll())
}

func (h *handler) VisitDiscussionRead(r *envelope.DiscussionRead) envelope.Outcome {
	if !h.env.FromOwnedIdentity() {
		return envelope.DefinitiveFailure(ErrNotOwned)
	}
	d, out, ok := h.discussion(r.Target)
	if !ok {
		return out
	}
	if _, err := h.tx.MarkReadUpTo(d.ID, r.LastRead); err != nil {
		return h.fail(err)
	}
	return envelope.Applied(envelope.DeleteAll())
}

func (h *handler) VisitUnrecognized(u *envelope.Unrecognized) envelope.Outcome {
	return envelope.DefinitiveFailure(u.Err)
}
