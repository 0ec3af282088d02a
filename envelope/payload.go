package envelope

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/meow-io/go-reconcile/ids"
)

// Payload is the closed set of kinds an envelope may carry. Only types in this package implement it, and
// every kind has a method on Visitor, so adding a kind breaks every dispatcher until it handles it.
type Payload interface {
	Accept(v Visitor) Outcome
	Name() string
	sealed()
}

type Visitor interface {
	VisitChatMessage(*ChatMessage) Outcome
	VisitSignaling(*Signaling) Outcome
	VisitSharedConfiguration(*SharedConfiguration) Outcome
	VisitWipeMessages(*WipeMessages) Outcome
	VisitWipeDiscussion(*WipeDiscussion) Outcome
	VisitEdit(*Edit) Outcome
	VisitReaction(*Reaction) Outcome
	VisitSettingsQuery(*SettingsQuery) Outcome
	VisitCaptureNotice(*CaptureNotice) Outcome
	VisitReadReceipt(*ReadReceipt) Outcome
	VisitDiscussionRead(*DiscussionRead) Outcome
	VisitUnrecognized(*Unrecognized) Outcome
}

// Target identifies the discussion a payload applies to: a group, or a one-to-one pair of identities.
type Target struct {
	Group    *ids.ID
	OneToOne *[2]ids.ID
}

// Peer returns the identity of the pair which is not owned.
func (t Target) Peer(owned ids.ID) (ids.ID, error) {
	if t.OneToOne == nil {
		return ids.Zero, fmt.Errorf("envelope: target is not one-to-one")
	}
	switch owned {
	case t.OneToOne[0]:
		return t.OneToOne[1], nil
	case t.OneToOne[1]:
		return t.OneToOne[0], nil
	}
	return ids.Zero, fmt.Errorf("envelope: owned identity %x is not part of the one-to-one pair", owned[:])
}

func (t Target) discussion() Target {
	return t
}

// Targeted is implemented by every payload bound to a discussion.
type Targeted interface {
	discussion() Target
}

// DiscussionOf returns the discussion a payload targets, if any.
func DiscussionOf(p Payload) (Target, bool) {
	if t, ok := p.(Targeted); ok {
		return t.discussion(), true
	}
	return Target{}, false
}

type MessageRef struct {
	SenderSequence int64
	SenderThread   uuid.UUID
	Sender         ids.ID
}

type Expiration struct {
	ReadOnce   bool
	Visibility *time.Duration
	Existence  *time.Duration
}

type LocationKind int

const (
	LocationSend LocationKind = iota + 1
	LocationSharing
	LocationEndSharing
)

type Location struct {
	Kind      LocationKind
	Timestamp time.Time
	Latitude  float64
	Longitude float64
	Address   string
}

// Continuous reports whether the location belongs to a live-sharing stream.
func (l *Location) Continuous() bool {
	return l != nil && (l.Kind == LocationSharing || l.Kind == LocationEndSharing)
}

type Mention struct {
	User  ids.ID
	Start int
	End   int
}

// ReturnReceiptElements are the nonce and key a peer expects us to use when acknowledging its message.
type ReturnReceiptElements struct {
	Nonce []byte
	Key   []byte
}

type ChatMessage struct {
	Target
	SenderSequence     int64
	SenderThread       uuid.UUID
	Body               string
	ReplyTo            *MessageRef
	Expiration         *Expiration
	Location           *Location
	OriginalServerTime *time.Time
	Mentions           []Mention
	ReturnReceipt      *ReturnReceiptElements
}

type Signaling struct {
	CallID      uuid.UUID
	MessageType int
	Body        string
}

type SharedConfiguration struct {
	Target
	Version    int64
	Expiration Expiration
}

type WipeMessages struct {
	Target
	Messages []MessageRef
}

type WipeDiscussion struct {
	Target
}

type Edit struct {
	Target
	Ref      MessageRef
	Body     *string
	Location *Location
}

// Reaction sets the sender's reaction on a message. An empty emoji removes it.
type Reaction struct {
	Target
	Ref   MessageRef
	Emoji string
}

type SettingsQuery struct {
	Target
	KnownVersion    *int64
	KnownExpiration *Expiration
}

type CaptureNotice struct {
	Target
}

// ReadReceipt reports that a limited-visibility message was opened on another owned device.
type ReadReceipt struct {
	Target
	Ref MessageRef
}

type DiscussionRead struct {
	Target
	LastRead time.Time
}

type Unrecognized struct {
	Err error
}

func (p *ChatMessage) Accept(v Visitor) Outcome         { return v.VisitChatMessage(p) }
func (p *Signaling) Accept(v Visitor) Outcome           { return v.VisitSignaling(p) }
func (p *SharedConfiguration) Accept(v Visitor) Outcome { return v.VisitSharedConfiguration(p) }
func (p *WipeMessages) Accept(v Visitor) Outcome        { return v.VisitWipeMessages(p) }
func (p *WipeDiscussion) Accept(v Visitor) Outcome      { return v.VisitWipeDiscussion(p) }
func (p *Edit) Accept(v Visitor) Outcome                { return v.VisitEdit(p) }
func (p *Reaction) Accept(v Visitor) Outcome            { return v.VisitReaction(p) }
func (p *SettingsQuery) Accept(v Visitor) Outcome       { return v.VisitSettingsQuery(p) }
func (p *CaptureNotice) Accept(v Visitor) Outcome       { return v.VisitCaptureNotice(p) }
func (p *ReadReceipt) Accept(v Visitor) Outcome         { return v.VisitReadReceipt(p) }
func (p *DiscussionRead) Accept(v Visitor) Outcome      { return v.VisitDiscussionRead(p) }
func (p *Unrecognized) Accept(v Visitor) Outcome        { return v.VisitUnrecognized(p) }

func (p *ChatMessage) Name() string         { return "chat-message" }
func (p *Signaling) Name() string           { return "signaling" }
func (p *SharedConfiguration) Name() string { return "shared-configuration" }
func (p *WipeMessages) Name() string        { return "wipe-messages" }
func (p *WipeDiscussion) Name() string      { return "wipe-discussion" }
func (p *Edit) Name() string                { return "edit" }
func (p *Reaction) Name() string            { return "reaction" }
func (p *SettingsQuery) Name() string       { return "settings-query" }
func (p *CaptureNotice) Name() string       { return "capture-notice" }
func (p *ReadReceipt) Name() string         { return "read-receipt" }
func (p *DiscussionRead) Name() string      { return "discussion-read" }
func (p *Unrecognized) Name() string        { return "unrecognized" }

func (p *ChatMessage) sealed()         {}
func (p *Signaling) sealed()           {}
func (p *SharedConfiguration) sealed() {}
func (p *WipeMessages) sealed()        {}
func (p *WipeDiscussion) sealed()      {}
func (p *Edit) sealed()                {}
func (p *Reaction) sealed()            {}
func (p *SettingsQuery) sealed()       {}
func (p *CaptureNotice) sealed()       {}
func (p *ReadReceipt) sealed()         {}
func (p *DiscussionRead) sealed()      {}
func (p *Unrecognized) sealed()        {}
