package router

import (
	"time"

	"github.com/google/uuid"
	"github.com/meow-io/go-reconcile/envelope"
	"github.com/meow-io/go-reconcile/ids"
)

// SignalingReceived carries a call signaling payload to the application. Nothing is persisted for it.
type SignalingReceived struct {
	Owned       ids.ID
	Sender      ids.ID
	CallID      uuid.UUID
	MessageType int
	Body        string
}

// SettingsQueried is published when a peer's idea of a discussion's shared configuration is out of date, so
// the application can send the current one.
type SettingsQueried struct {
	Owned        ids.ID
	Sender       ids.ID
	Discussion   int64
	KnownVersion *int64
	Version      int64
}

type MessageReceived struct {
	Owned      ids.ID
	Discussion int64
	Message    int64
}

// EnvelopeEvicted is published for every deferred envelope given up on because Key never arrived.
type EnvelopeEvicted struct {
	EnvelopeID  uuid.UUID
	Key         envelope.DependencyKey
	FirstSeenAt time.Time
}
