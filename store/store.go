// This package persists everything the pipeline applies: the contact and group graph, discussions and their
// messages, sent message recipients for return receipts, and the journal of deferred envelopes. It runs on the
// encrypted database from internal/db, one serialized transaction at a time.
package store

import (
	"context"
	"fmt"

	"github.com/meow-io/go-reconcile/clock"
	"github.com/meow-io/go-reconcile/config"
	"github.com/meow-io/go-reconcile/deferral"
	"github.com/meow-io/go-reconcile/envelope"
	"github.com/meow-io/go-reconcile/ids"
	"github.com/meow-io/go-reconcile/internal/db"
	"github.com/meow-io/go-reconcile/receipt"
	"github.com/meow-io/go-reconcile/router"
	"go.uber.org/zap"
)

var (
	_ router.Store     = (*Store)(nil)
	_ router.Tx        = (*database)(nil)
	_ receipt.Store    = (*Store)(nil)
	_ receipt.Keyring  = (*Store)(nil)
	_ deferral.Journal = (*Store)(nil)
)

// DependencySatisfied is published once a contact, one-to-one contact or group other envelopes may be
// waiting on has been committed.
type DependencySatisfied struct {
	Key envelope.DependencyKey
}

// GroupMembersChanged is published once a member has been added to a group.
type GroupMembersChanged struct {
	Owned ids.ID
	Group ids.ID
}

type Store struct {
	log    *zap.SugaredLogger
	db     *database
	clock  clock.Clock
	events chan interface{}
}

// NewStore migrates the schema. Callers hold the database lock, as while initializing subsystems.
func NewStore(c *config.Config, internalDB *db.Database, cl clock.Clock) (*Store, error) {
	d, err := newDatabase(internalDB)
	if err != nil {
		return nil, err
	}
	return &Store{
		log:    c.Logger("store"),
		db:     d,
		clock:  cl,
		events: make(chan interface{}, 100),
	}, nil
}

// Events produces *DependencySatisfied and *GroupMembersChanged after the change that caused them commits.
func (s *Store) Events() chan interface{} {
	return s.events
}

func (s *Store) emit(e interface{}) {
	s.db.AfterCommit(func() {
		s.events <- e
	})
}

// Update implements router.Store.
func (s *Store) Update(ctx context.Context, label string, fn func(tx router.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Run(label, func() error {
		return fn(s.db)
	})
}

// View implements router.Store.
func (s *Store) View(ctx context.Context, label string, fn func(tx router.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.RunReadOnly(label, func() error {
		return fn(s.db)
	})
}

// AddContact records a contact of owned. A one-to-one contact satisfies both contact dependencies at once.
func (s *Store) AddContact(owned, contact ids.ID, oneToOne bool) error {
	return s.db.Run(fmt.Sprintf("add contact %x", contact[:]), func() error {
		if err := s.db.upsertContact(owned, contact, oneToOne); err != nil {
			return err
		}
		s.emit(&DependencySatisfied{Key: envelope.MissingContact(owned, contact)})
		if oneToOne {
			s.emit(&DependencySatisfied{Key: envelope.MissingOneToOneContact(owned, contact)})
		}
		return nil
	})
}

// PromoteContact turns an existing contact into a one-to-one contact.
func (s *Store) PromoteContact(owned, contact ids.ID) error {
	return s.db.Run(fmt.Sprintf("promote contact %x", contact[:]), func() error {
		c, err := s.db.Contact(owned, contact)
		if err != nil {
			return err
		}
		if c == nil {
			return fmt.Errorf("store: no contact %x to promote", contact[:])
		}
		if c.OneToOne {
			return nil
		}
		if err := s.db.upsertContact(owned, contact, true); err != nil {
			return err
		}
		s.emit(&DependencySatisfied{Key: envelope.MissingOneToOneContact(owned, contact)})
		return nil
	})
}

func (s *Store) AddGroup(owned, group ids.ID) error {
	return s.db.Run(fmt.Sprintf("add group %x", group[:]), func() error {
		created, err := s.db.insertGroup(owned, group)
		if err != nil {
			return err
		}
		if created {
			s.emit(&DependencySatisfied{Key: envelope.MissingGroup(owned, group)})
		}
		return nil
	})
}

func (s *Store) AddGroupMember(owned, group, member ids.ID) error {
	return s.db.Run(fmt.Sprintf("add member %x to group %x", member[:], group[:]), func() error {
		created, err := s.db.insertGroupMember(owned, group, member)
		if err != nil {
			return err
		}
		if created {
			s.emit(&GroupMembersChanged{Owned: owned, Group: group})
		}
		return nil
	})
}
