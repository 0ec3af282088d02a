package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/meow-io/go-reconcile/envelope"
	"github.com/meow-io/go-reconcile/ids"
	"github.com/meow-io/go-reconcile/receipt"
)

// RecordSentMessage stores a message this device sent to target, along with the nonce and key handed out for
// its return receipts. Every recipient starts with no status.
func (s *Store) RecordSentMessage(owned ids.ID, target envelope.Target, body string, recipients []ids.ID, nonce, key []byte) (int64, error) {
	var id int64
	err := s.db.Run("record sent message", func() error {
		d, err := s.db.Discussion(owned, target)
		if err != nil {
			return err
		}
		id, err = s.db.insertSentMessage(&sentMessage{
			DiscussionID: d.ID,
			Body:         body,
			SentAtMs:     ms(s.clock.Now()),
			ReceiptNonce: nonce,
			ReceiptKey:   key,
		}, recipients)
		return err
	})
	return id, err
}

// RecipientStatus returns how far contact got with a sent message, zero when nothing was reported yet.
func (s *Store) RecipientStatus(messageID int64, contact ids.ID) (receipt.Status, error) {
	var status int
	err := s.db.RunReadOnly("recipient status", func() error {
		var err error
		status, err = s.db.recipientStatus(messageID, contact)
		return err
	})
	return receipt.Status(status), err
}

func (s *Store) AttachmentStatus(messageID int64, contact ids.ID, attachment int) (receipt.Status, error) {
	var status int
	err := s.db.RunReadOnly("attachment status", func() error {
		var err error
		status, err = s.db.attachmentStatus(messageID, contact, attachment)
		return err
	})
	return receipt.Status(status), err
}

// ReceiptKey implements receipt.Keyring.
func (s *Store) ReceiptKey(ctx context.Context, nonce []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var key []byte
	err := s.db.RunReadOnly("receipt key", func() error {
		var err error
		key, err = s.db.receiptKey(nonce)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, receipt.ErrUnknownNonce
	}
	return key, err
}

// ComputeHints implements receipt.Store. Statuses only move forward, so a receipt no newer than what is
// recorded changes nothing.
func (s *Store) ComputeHints(ctx context.Context, d *receipt.Decrypted) (*receipt.Hints, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var messages []int64
	if err := s.db.RunReadOnly("compute receipt hints", func() error {
		var err error
		messages, err = s.db.pendingForReceipt(d.Nonce, d.Contact, int(d.Status), d.Attachment)
		return err
	}); err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, nil
	}
	return &receipt.Hints{Receipt: d, Messages: messages}, nil
}

// ApplyHints implements receipt.Store.
func (s *Store) ApplyHints(ctx context.Context, h *receipt.Hints) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d := h.Receipt
	return s.db.Run(fmt.Sprintf("apply %s receipt", d.Status), func() error {
		now := s.clock.Now()
		if d.Attachment == nil {
			return s.db.advanceRecipients(h.Messages, d.Contact, int(d.Status), now)
		}
		for _, id := range h.Messages {
			if err := s.db.advanceAttachment(id, d.Contact, *d.Attachment, int(d.Status), now); err != nil {
				return err
			}
		}
		return nil
	})
}
