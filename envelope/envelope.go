// This package defines the inbound envelope, the closed set of payload kinds it can carry, and the values a
// handler produces when it is done with one: an Outcome, and the Instruction the transport receives.
package envelope

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/meow-io/go-reconcile/ids"
)

// Envelope is a decrypted inbound unit handed over by the transport. It is never mutated once built.
type Envelope struct {
	ID              uuid.UUID
	Owned           ids.ID
	Sender          ids.ID
	SenderDevice    *ids.ID
	UploadedAt      time.Time
	DownloadedAt    time.Time
	AttachmentCount int
	Raw             []byte
}

// FromOwnedIdentity reports whether the envelope was sent by another device of the owned identity.
func (e *Envelope) FromOwnedIdentity() bool {
	return e.Sender == e.Owned
}

func (e *Envelope) String() string {
	return fmt.Sprintf("envelope %s from %x", e.ID, e.Sender[:])
}

type InstructionKind int

const (
	DeleteEnvelopeAndAllAttachments InstructionKind = iota
	DeleteEnvelopeKeepAttachments
	DoNothingYet
)

func (k InstructionKind) String() string {
	switch k {
	case DeleteEnvelopeAndAllAttachments:
		return "delete-all"
	case DeleteEnvelopeKeepAttachments:
		return "delete-keep-attachments"
	case DoNothingYet:
		return "do-nothing-yet"
	}
	return fmt.Sprintf("instruction(%d)", int(k))
}

// Instruction tells the transport what to do with an envelope once the pipeline is finished with it.
type Instruction struct {
	Kind InstructionKind
	// attachment indexes still to be downloaded, only set for DeleteEnvelopeKeepAttachments
	Keep []int
}

func DeleteAll() Instruction {
	return Instruction{Kind: DeleteEnvelopeAndAllAttachments}
}

func KeepAttachments(indexes []int) Instruction {
	if len(indexes) == 0 {
		return DeleteAll()
	}
	return Instruction{Kind: DeleteEnvelopeKeepAttachments, Keep: indexes}
}

func Wait() Instruction {
	return Instruction{Kind: DoNothingYet}
}

func (i Instruction) String() string {
	if i.Kind == DeleteEnvelopeKeepAttachments {
		return fmt.Sprintf("%s%v", i.Kind, i.Keep)
	}
	return i.Kind.String()
}

type DependencyKind int

const (
	MissingGroupKind DependencyKind = iota + 1
	MissingContactKind
	MissingOneToOneContactKind
	MissingGroupMemberKind
)

func (k DependencyKind) String() string {
	switch k {
	case MissingGroupKind:
		return "missing-group"
	case MissingContactKind:
		return "missing-contact"
	case MissingOneToOneContactKind:
		return "missing-one-to-one-contact"
	case MissingGroupMemberKind:
		return "missing-group-member"
	}
	return fmt.Sprintf("dependency(%d)", int(k))
}

// DependencyKey names the locally absent entity an envelope is waiting on. Keys are scoped to an owned
// identity and are comparable, so they can index maps directly.
type DependencyKey struct {
	Kind    DependencyKind
	Owned   ids.ID
	Group   ids.ID
	Contact ids.ID
}

func MissingGroup(owned, group ids.ID) DependencyKey {
	return DependencyKey{Kind: MissingGroupKind, Owned: owned, Group: group}
}

func MissingContact(owned, contact ids.ID) DependencyKey {
	return DependencyKey{Kind: MissingContactKind, Owned: owned, Contact: contact}
}

func MissingOneToOneContact(owned, contact ids.ID) DependencyKey {
	return DependencyKey{Kind: MissingOneToOneContactKind, Owned: owned, Contact: contact}
}

func MissingGroupMember(owned, group, contact ids.ID) DependencyKey {
	return DependencyKey{Kind: MissingGroupMemberKind, Owned: owned, Group: group, Contact: contact}
}

func (k DependencyKey) String() string {
	switch k.Kind {
	case MissingGroupKind:
		return fmt.Sprintf("missing-group(%x)", k.Group[:])
	case MissingContactKind:
		return fmt.Sprintf("missing-contact(%x)", k.Contact[:])
	case MissingOneToOneContactKind:
		return fmt.Sprintf("missing-one-to-one-contact(%x)", k.Contact[:])
	case MissingGroupMemberKind:
		return fmt.Sprintf("missing-group-member(%x, %x)", k.Group[:], k.Contact[:])
	}
	return fmt.Sprintf("dependency(%d)", int(k.Kind))
}

type OutcomeKind int

const (
	OutcomeApplied OutcomeKind = iota
	OutcomeDependencyMissing
	OutcomeDefinitiveFailure
)

// Outcome is what every handler returns. Exactly one of its accessors is meaningful, selected by Kind.
type Outcome struct {
	kind        OutcomeKind
	instruction Instruction
	key         DependencyKey
	reason      error
}

func Applied(i Instruction) Outcome {
	return Outcome{kind: OutcomeApplied, instruction: i}
}

func DependencyMissing(k DependencyKey) Outcome {
	return Outcome{kind: OutcomeDependencyMissing, key: k}
}

func DefinitiveFailure(reason error) Outcome {
	return Outcome{kind: OutcomeDefinitiveFailure, reason: reason}
}

func (o Outcome) Kind() OutcomeKind {
	return o.kind
}

func (o Outcome) Instruction() Instruction {
	return o.instruction
}

func (o Outcome) MissingKey() DependencyKey {
	return o.key
}

func (o Outcome) Reason() error {
	return o.reason
}

func (o Outcome) String() string {
	switch o.kind {
	case OutcomeApplied:
		return fmt.Sprintf("applied(%s)", o.instruction)
	case OutcomeDependencyMissing:
		return fmt.Sprintf("dependency-missing(%s)", o.key)
	default:
		return fmt.Sprintf("failure(%v)", o.reason)
	}
}
