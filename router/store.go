package router

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/meow-io/go-reconcile/envelope"
	"github.com/meow-io/go-reconcile/ids"
)

// Store runs fn inside a single transaction. Returning an error from fn rolls everything back.
type Store interface {
	Update(ctx context.Context, label string, fn func(tx Tx) error) error
	// View is Update for fn which only reads.
	View(ctx context.Context, label string, fn func(tx Tx) error) error
}

// Engine is the transport side of the pipeline. It is told what to do with every envelope once the
// pipeline is finished with it.
type Engine interface {
	AcknowledgeProcessed(ctx context.Context, id uuid.UUID, i envelope.Instruction) error
}

type Contact struct {
	ID       ids.ID
	OneToOne bool
}

// Discussion is the local conversation a target resolves to, with its shared configuration.
type Discussion struct {
	ID               int64
	ConfigVersion    int64
	ConfigExpiration envelope.Expiration
	ConfigUploadedAt time.Time
	// messages uploaded before this were removed by a remote wipe
	WipedAt time.Time
}

type Message struct {
	ID         int64
	Sender     ids.ID
	UploadedAt time.Time
	EditedAt   time.Time
	ReadOnce   bool
}

type ReceivedMessage struct {
	Discussion      int64
	Sender          ids.ID
	SenderThread    uuid.UUID
	SenderSequence  int64
	Body            string
	UploadedAt      time.Time
	ServerTime      time.Time
	ReplyTo         *envelope.MessageRef
	Expiration      *envelope.Expiration
	ExpiresAt       *time.Time
	Location        *envelope.Location
	Mentions        []envelope.Mention
	AttachmentCount int
	ReturnReceipt   *envelope.ReturnReceiptElements
}

func (m *ReceivedMessage) Ref() envelope.MessageRef {
	return envelope.MessageRef{SenderSequence: m.SenderSequence, SenderThread: m.SenderThread, Sender: m.Sender}
}

type SystemMessageKind int

const (
	SystemMessageCaptured SystemMessageKind = iota + 1
	SystemMessageConfigurationChanged
)

// Tx is what handlers see of persistence. Lookups return nil, not an error, when nothing matches.
type Tx interface {
	GroupExists(owned, group ids.ID) (bool, error)
	IsGroupMember(owned, group, contact ids.ID) (bool, error)
	Contact(owned, contact ids.ID) (*Contact, error)
	// Discussion finds or creates the discussion for a resolved target.
	Discussion(owned ids.ID, target envelope.Target) (*Discussion, error)

	Message(discussion int64, ref envelope.MessageRef) (*Message, error)
	// CreateReceivedMessage inserts m unless a message with the same reference exists, reporting whether it did.
	CreateReceivedMessage(m *ReceivedMessage) (*Message, bool, error)
	Tombstoned(discussion int64, ref envelope.MessageRef) (bool, error)
	AddTombstone(discussion int64, ref envelope.MessageRef, at time.Time) error
	WipeMessage(id int64) error
	WipeDiscussion(discussion int64, before time.Time) (int, error)
	EditMessage(id int64, body *string, location *envelope.Location, editedAt time.Time) error
	SetReaction(id int64, reactor ids.ID, emoji string, at time.Time) error
	MarkOpened(id int64) error
	MarkReadUpTo(discussion int64, until time.Time) (int, error)
	UpdateConfiguration(discussion int64, version int64, exp envelope.Expiration, at time.Time) (bool, error)
	InsertSystemMessage(discussion int64, kind SystemMessageKind, author ids.ID, at time.Time) (bool, error)

	// remote requests about a message which has not arrived yet
	SaveRemoteRequest(discussion int64, ref envelope.MessageRef, env *envelope.Envelope) error
	TakeRemoteRequests(discussion int64, ref envelope.MessageRef) ([]*envelope.Envelope, error)
}
