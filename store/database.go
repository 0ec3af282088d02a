package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/meow-io/go-reconcile/envelope"
	"github.com/meow-io/go-reconcile/ids"
	"github.com/meow-io/go-reconcile/internal/db"
	"github.com/meow-io/go-reconcile/migration"
	"github.com/meow-io/go-reconcile/router"
)

const (
	discussionKindGroup    = 1
	discussionKindOneToOne = 2
)

type contact struct {
	Owned    []byte `db:"owned"`
	ID       []byte `db:"id"`
	OneToOne bool   `db:"one_to_one"`
}

type discussion struct {
	ID                 int64  `db:"id"`
	Owned              []byte `db:"owned"`
	Kind               int    `db:"kind"`
	Other              []byte `db:"other"`
	ConfigVersion      int64  `db:"config_version"`
	ConfigReadOnce     bool   `db:"config_read_once"`
	ConfigVisibilityMs *int64 `db:"config_visibility_ms"`
	ConfigExistenceMs  *int64 `db:"config_existence_ms"`
	ConfigUploadedAtMs int64  `db:"config_uploaded_at_ms"`
	WipedAtMs          int64  `db:"wiped_at_ms"`
}

type message struct {
	ID              int64    `db:"id"`
	DiscussionID    int64    `db:"discussion_id"`
	Sender          []byte   `db:"sender"`
	SenderThread    []byte   `db:"sender_thread"`
	SenderSequence  int64    `db:"sender_sequence"`
	Body            string   `db:"body"`
	UploadedAtMs    int64    `db:"uploaded_at_ms"`
	ServerTimeMs    int64    `db:"server_time_ms"`
	EditedAtMs      int64    `db:"edited_at_ms"`
	ReplyTo         []byte   `db:"reply_to"`
	ReadOnce        bool     `db:"read_once"`
	VisibilityMs    *int64   `db:"visibility_ms"`
	ExpiresAtMs     *int64   `db:"expires_at_ms"`
	LocationKind    *int     `db:"location_kind"`
	Latitude        *float64 `db:"latitude"`
	Longitude       *float64 `db:"longitude"`
	LocationAtMs    *int64   `db:"location_at_ms"`
	Address         *string  `db:"address"`
	Mentions        []byte   `db:"mentions"`
	AttachmentCount int      `db:"attachment_count"`
	ReceiptNonce    []byte   `db:"receipt_nonce"`
	ReceiptKey      []byte   `db:"receipt_key"`
	Opened          bool     `db:"opened"`
	IsNew           bool     `db:"is_new"`
	Wiped           bool     `db:"wiped"`
}

type reaction struct {
	MessageID int64  `db:"message_id"`
	Reactor   []byte `db:"reactor"`
	Emoji     string `db:"emoji"`
	AtMs      int64  `db:"at_ms"`
}

type systemMessage struct {
	ID           int64  `db:"id"`
	DiscussionID int64  `db:"discussion_id"`
	Kind         int    `db:"kind"`
	Author       []byte `db:"author"`
	AtMs         int64  `db:"at_ms"`
}

type sentMessage struct {
	ID           int64  `db:"id"`
	DiscussionID int64  `db:"discussion_id"`
	Body         string `db:"body"`
	SentAtMs     int64  `db:"sent_at_ms"`
	ReceiptNonce []byte `db:"receipt_nonce"`
	ReceiptKey   []byte `db:"receipt_key"`
}

type recipient struct {
	MessageID   int64  `db:"message_id"`
	ContactID   []byte `db:"contact_id"`
	Status      int    `db:"status"`
	UpdatedAtMs int64  `db:"updated_at_ms"`
}

type deferredEnvelope struct {
	ID            []byte `db:"id"`
	KeyKind       int    `db:"key_kind"`
	KeyOwned      []byte `db:"key_owned"`
	KeyGroup      []byte `db:"key_group"`
	KeyContact    []byte `db:"key_contact"`
	FirstSeenAtMs int64  `db:"first_seen_at_ms"`
	Envelope      []byte `db:"envelope"`
}

type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}

	if err := internalDB.MigrateNoLock("_reconcile", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _contacts (
						owned BLOB NOT NULL,
						id BLOB NOT NULL,
						one_to_one NUMBER NOT NULL DEFAULT 0,
						PRIMARY KEY (owned, id)
					);

					CREATE TABLE _groups (
						owned BLOB NOT NULL,
						id BLOB NOT NULL,
						PRIMARY KEY (owned, id)
					);

					CREATE TABLE _group_members (
						owned BLOB NOT NULL,
						group_id BLOB NOT NULL,
						contact_id BLOB NOT NULL,
						PRIMARY KEY (owned, group_id, contact_id),
						FOREIGN KEY(owned, group_id) REFERENCES _groups(owned, id) ON DELETE CASCADE
					);

					CREATE TABLE _discussions (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						owned BLOB NOT NULL,
						kind NUMBER NOT NULL,
						other BLOB NOT NULL,
						config_version NUMBER NOT NULL DEFAULT 0,
						config_read_once NUMBER NOT NULL DEFAULT 0,
						config_visibility_ms NUMBER,
						config_existence_ms NUMBER,
						config_uploaded_at_ms NUMBER NOT NULL DEFAULT 0,
						wiped_at_ms NUMBER NOT NULL DEFAULT 0,
						UNIQUE (owned, kind, other)
					);

					CREATE TABLE _messages (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						discussion_id INTEGER NOT NULL,
						sender BLOB NOT NULL,
						sender_thread BLOB NOT NULL,
						sender_sequence NUMBER NOT NULL,
						body TEXT NOT NULL DEFAULT '',
						uploaded_at_ms NUMBER NOT NULL,
						server_time_ms NUMBER NOT NULL,
						edited_at_ms NUMBER NOT NULL DEFAULT 0,
						reply_to BLOB,
						read_once NUMBER NOT NULL DEFAULT 0,
						visibility_ms NUMBER,
						expires_at_ms NUMBER,
						location_kind NUMBER,
						latitude REAL,
						longitude REAL,
						location_at_ms NUMBER,
						address TEXT,
						mentions BLOB,
						attachment_count NUMBER NOT NULL DEFAULT 0,
						receipt_nonce BLOB,
						receipt_key BLOB,
						opened NUMBER NOT NULL DEFAULT 0,
						is_new NUMBER NOT NULL DEFAULT 1,
						wiped NUMBER NOT NULL DEFAULT 0,
						UNIQUE (discussion_id, sender, sender_thread, sender_sequence),
						FOREIGN KEY(discussion_id) REFERENCES _discussions(id) ON DELETE CASCADE
					);
					CREATE INDEX messages_server_time on _messages (discussion_id, server_time_ms);

					CREATE TABLE _reactions (
						message_id INTEGER NOT NULL,
						reactor BLOB NOT NULL,
						emoji TEXT NOT NULL,
						at_ms NUMBER NOT NULL,
						PRIMARY KEY (message_id, reactor),
						FOREIGN KEY(message_id) REFERENCES _messages(id) ON DELETE CASCADE
					);

					CREATE TABLE _tombstones (
						discussion_id INTEGER NOT NULL,
						sender BLOB NOT NULL,
						sender_thread BLOB NOT NULL,
						sender_sequence NUMBER NOT NULL,
						at_ms NUMBER NOT NULL,
						PRIMARY KEY (discussion_id, sender, sender_thread, sender_sequence),
						FOREIGN KEY(discussion_id) REFERENCES _discussions(id) ON DELETE CASCADE
					);

					CREATE TABLE _remote_requests (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						discussion_id INTEGER NOT NULL,
						sender BLOB NOT NULL,
						sender_thread BLOB NOT NULL,
						sender_sequence NUMBER NOT NULL,
						envelope BLOB NOT NULL,
						FOREIGN KEY(discussion_id) REFERENCES _discussions(id) ON DELETE CASCADE
					);
					CREATE INDEX remote_requests_ref on _remote_requests (discussion_id, sender, sender_thread, sender_sequence);

					CREATE TABLE _system_messages (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						discussion_id INTEGER NOT NULL,
						kind NUMBER NOT NULL,
						author BLOB NOT NULL,
						at_ms NUMBER NOT NULL,
						UNIQUE (discussion_id, kind, author, at_ms),
						FOREIGN KEY(discussion_id) REFERENCES _discussions(id) ON DELETE CASCADE
					);

					CREATE TABLE _sent_messages (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						discussion_id INTEGER NOT NULL,
						body TEXT NOT NULL,
						sent_at_ms NUMBER NOT NULL,
						receipt_nonce BLOB NOT NULL,
						receipt_key BLOB NOT NULL,
						FOREIGN KEY(discussion_id) REFERENCES _discussions(id) ON DELETE CASCADE
					);
					CREATE INDEX sent_messages_nonce on _sent_messages (receipt_nonce);

					CREATE TABLE _sent_message_recipients (
						message_id INTEGER NOT NULL,
						contact_id BLOB NOT NULL,
						status NUMBER NOT NULL DEFAULT 0,
						updated_at_ms NUMBER NOT NULL DEFAULT 0,
						PRIMARY KEY (message_id, contact_id),
						FOREIGN KEY(message_id) REFERENCES _sent_messages(id) ON DELETE CASCADE
					);

					CREATE TABLE _sent_attachment_recipients (
						message_id INTEGER NOT NULL,
						contact_id BLOB NOT NULL,
						attachment NUMBER NOT NULL,
						status NUMBER NOT NULL DEFAULT 0,
						updated_at_ms NUMBER NOT NULL DEFAULT 0,
						PRIMARY KEY (message_id, contact_id, attachment),
						FOREIGN KEY(message_id) REFERENCES _sent_messages(id) ON DELETE CASCADE
					);

					CREATE TABLE _deferred_envelopes (
						id BLOB PRIMARY KEY,
						key_kind NUMBER NOT NULL,
						key_owned BLOB NOT NULL,
						key_group BLOB NOT NULL,
						key_contact BLOB NOT NULL,
						first_seen_at_ms NUMBER NOT NULL,
						envelope BLOB NOT NULL
					);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}

	return d, nil
}

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMs(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}

func durationMs(d *time.Duration) *int64 {
	if d == nil {
		return nil
	}
	v := d.Milliseconds()
	return &v
}

func fromDurationMs(v *int64) *time.Duration {
	if v == nil {
		return nil
	}
	d := time.Duration(*v) * time.Millisecond
	return &d
}

func (m *message) toRouter() (*router.Message, error) {
	sender, err := ids.IDFromBytes(m.Sender)
	if err != nil {
		return nil, err
	}
	return &router.Message{
		ID:         m.ID,
		Sender:     sender,
		UploadedAt: fromMs(m.UploadedAtMs),
		EditedAt:   fromMs(m.EditedAtMs),
		ReadOnce:   m.ReadOnce,
	}, nil
}

func (d *discussion) toRouter() *router.Discussion {
	return &router.Discussion{
		ID:            d.ID,
		ConfigVersion: d.ConfigVersion,
		ConfigExpiration: envelope.Expiration{
			ReadOnce:   d.ConfigReadOnce,
			Visibility: fromDurationMs(d.ConfigVisibilityMs),
			Existence:  fromDurationMs(d.ConfigExistenceMs),
		},
		ConfigUploadedAt: fromMs(d.ConfigUploadedAtMs),
		WipedAt:          fromMs(d.WipedAtMs),
	}
}

// graph

func (db *database) GroupExists(owned, group ids.ID) (bool, error) {
	var exists bool
	if err := db.Tx.Get(&exists, "SELECT EXISTS (SELECT 1 FROM _groups WHERE owned = $1 AND id = $2)", owned[:], group[:]); err != nil {
		return false, err
	}
	return exists, nil
}

func (db *database) IsGroupMember(owned, group, contact ids.ID) (bool, error) {
	var exists bool
	if err := db.Tx.Get(&exists, "SELECT EXISTS (SELECT 1 FROM _group_members WHERE owned = $1 AND group_id = $2 AND contact_id = $3)", owned[:], group[:], contact[:]); err != nil {
		return false, err
	}
	return exists, nil
}

func (db *database) Contact(owned, id ids.ID) (*router.Contact, error) {
	var c contact
	if err := db.Tx.Get(&c, "SELECT * FROM _contacts WHERE owned = $1 AND id = $2", owned[:], id[:]); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &router.Contact{ID: id, OneToOne: c.OneToOne}, nil
}

func (db *database) upsertContact(owned, id ids.ID, oneToOne bool) error {
	_, err := db.Tx.NamedExec("INSERT INTO _contacts (owned, id, one_to_one) VALUES (:owned, :id, :one_to_one) ON CONFLICT(owned, id) DO UPDATE SET one_to_one = max(one_to_one, :one_to_one)", &contact{Owned: owned[:], ID: id[:], OneToOne: oneToOne})
	return err
}

func (db *database) insertGroup(owned, group ids.ID) (bool, error) {
	res, err := db.Tx.Exec("INSERT INTO _groups (owned, id) VALUES ($1, $2) ON CONFLICT DO NOTHING", owned[:], group[:])
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (db *database) insertGroupMember(owned, group, member ids.ID) (bool, error) {
	res, err := db.Tx.Exec("INSERT INTO _group_members (owned, group_id, contact_id) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING", owned[:], group[:], member[:])
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// discussions

func discussionKey(owned ids.ID, target envelope.Target) (int, ids.ID, error) {
	if target.Group != nil {
		return discussionKindGroup, *target.Group, nil
	}
	peer, err := target.Peer(owned)
	if err != nil {
		return 0, ids.Zero, err
	}
	return discussionKindOneToOne, peer, nil
}

func (db *database) Discussion(owned ids.ID, target envelope.Target) (*router.Discussion, error) {
	kind, other, err := discussionKey(owned, target)
	if err != nil {
		return nil, err
	}
	if _, err := db.Tx.Exec("INSERT INTO _discussions (owned, kind, other) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING", owned[:], kind, other[:]); err != nil {
		return nil, err
	}
	var d discussion
	if err := db.Tx.Get(&d, "SELECT * FROM _discussions WHERE owned = $1 AND kind = $2 AND other = $3", owned[:], kind, other[:]); err != nil {
		return nil, err
	}
	return d.toRouter(), nil
}

func (db *database) UpdateConfiguration(discussionID int64, version int64, exp envelope.Expiration, at time.Time) (bool, error) {
	res, err := db.Tx.Exec(`UPDATE _discussions SET config_version = $1, config_read_once = $2, config_visibility_ms = $3, config_existence_ms = $4, config_uploaded_at_ms = $5
		WHERE id = $6 AND (config_version < $1 OR (config_version = $1 AND config_uploaded_at_ms < $5))`,
		version, exp.ReadOnce, durationMs(exp.Visibility), durationMs(exp.Existence), ms(at), discussionID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (db *database) InsertSystemMessage(discussionID int64, kind router.SystemMessageKind, author ids.ID, at time.Time) (bool, error) {
	res, err := db.Tx.NamedExec("INSERT INTO _system_messages (discussion_id, kind, author, at_ms) VALUES (:discussion_id, :kind, :author, :at_ms) ON CONFLICT DO NOTHING", &systemMessage{
		DiscussionID: discussionID,
		Kind:         int(kind),
		Author:       author[:],
		AtMs:         ms(at),
	})
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// messages

func (db *database) message(discussionID int64, ref envelope.MessageRef) (*message, error) {
	var m message
	if err := db.Tx.Get(&m, "SELECT * FROM _messages WHERE discussion_id = $1 AND sender = $2 AND sender_thread = $3 AND sender_sequence = $4", discussionID, ref.Sender[:], ref.SenderThread[:], ref.SenderSequence); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// Message ignores wiped messages; those count as tombstoned.
func (db *database) Message(discussionID int64, ref envelope.MessageRef) (*router.Message, error) {
	m, err := db.message(discussionID, ref)
	if err != nil || m == nil || m.Wiped {
		return nil, err
	}
	return m.toRouter()
}

func (db *database) CreateReceivedMessage(rm *router.ReceivedMessage) (*router.Message, bool, error) {
	m := &message{
		DiscussionID:    rm.Discussion,
		Sender:          rm.Sender[:],
		SenderThread:    rm.SenderThread[:],
		SenderSequence:  rm.SenderSequence,
		Body:            rm.Body,
		UploadedAtMs:    ms(rm.UploadedAt),
		ServerTimeMs:    ms(rm.ServerTime),
		AttachmentCount: rm.AttachmentCount,
		IsNew:           true,
	}
	if rm.ReplyTo != nil {
		b, err := encodeRef(*rm.ReplyTo)
		if err != nil {
			return nil, false, err
		}
		m.ReplyTo = b
	}
	if rm.Expiration != nil {
		m.ReadOnce = rm.Expiration.ReadOnce
		m.VisibilityMs = durationMs(rm.Expiration.Visibility)
	}
	if rm.ExpiresAt != nil {
		v := ms(*rm.ExpiresAt)
		m.ExpiresAtMs = &v
	}
	setLocation(m, rm.Location)
	if len(rm.Mentions) != 0 {
		b, err := encodeMentions(rm.Mentions)
		if err != nil {
			return nil, false, err
		}
		m.Mentions = b
	}
	if rm.ReturnReceipt != nil {
		m.ReceiptNonce = rm.ReturnReceipt.Nonce
		m.ReceiptKey = rm.ReturnReceipt.Key
	}

	res, err := db.Tx.NamedExec(`INSERT INTO _messages (discussion_id, sender, sender_thread, sender_sequence, body, uploaded_at_ms, server_time_ms, reply_to, read_once, visibility_ms, expires_at_ms, location_kind, latitude, longitude, location_at_ms, address, mentions, attachment_count, receipt_nonce, receipt_key, is_new)
		VALUES (:discussion_id, :sender, :sender_thread, :sender_sequence, :body, :uploaded_at_ms, :server_time_ms, :reply_to, :read_once, :visibility_ms, :expires_at_ms, :location_kind, :latitude, :longitude, :location_at_ms, :address, :mentions, :attachment_count, :receipt_nonce, :receipt_key, :is_new)
		ON CONFLICT(discussion_id, sender, sender_thread, sender_sequence) DO NOTHING`, m)
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	stored, err := db.message(rm.Discussion, rm.Ref())
	if err != nil {
		return nil, false, err
	}
	if stored == nil {
		return nil, false, fmt.Errorf("store: message %d vanished after insert", rm.SenderSequence)
	}
	out, err := stored.toRouter()
	return out, n == 1, err
}

func setLocation(m *message, l *envelope.Location) {
	if l == nil {
		return
	}
	kind := int(l.Kind)
	at := ms(l.Timestamp)
	lat, long, address := l.Latitude, l.Longitude, l.Address
	m.LocationKind = &kind
	m.Latitude = &lat
	m.Longitude = &long
	m.LocationAtMs = &at
	m.Address = &address
}

func (db *database) Tombstoned(discussionID int64, ref envelope.MessageRef) (bool, error) {
	var exists bool
	if err := db.Tx.Get(&exists, `SELECT EXISTS (SELECT 1 FROM _tombstones WHERE discussion_id = $1 AND sender = $2 AND sender_thread = $3 AND sender_sequence = $4)
		OR EXISTS (SELECT 1 FROM _messages WHERE discussion_id = $1 AND sender = $2 AND sender_thread = $3 AND sender_sequence = $4 AND wiped = 1)`,
		discussionID, ref.Sender[:], ref.SenderThread[:], ref.SenderSequence); err != nil {
		return false, err
	}
	return exists, nil
}

func (db *database) AddTombstone(discussionID int64, ref envelope.MessageRef, at time.Time) error {
	_, err := db.Tx.Exec("INSERT INTO _tombstones (discussion_id, sender, sender_thread, sender_sequence, at_ms) VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING",
		discussionID, ref.Sender[:], ref.SenderThread[:], ref.SenderSequence, ms(at))
	return err
}

const wipeColumns = "wiped = 1, body = '', reply_to = NULL, location_kind = NULL, latitude = NULL, longitude = NULL, location_at_ms = NULL, address = NULL, mentions = NULL"

func (db *database) WipeMessage(id int64) error {
	if _, err := db.Tx.Exec(fmt.Sprintf("UPDATE _messages SET %s WHERE id = $1", wipeColumns), id); err != nil {
		return err
	}
	_, err := db.Tx.Exec("DELETE FROM _reactions WHERE message_id = $1", id)
	return err
}

func (db *database) WipeDiscussion(discussionID int64, before time.Time) (int, error) {
	if _, err := db.Tx.Exec("DELETE FROM _reactions WHERE message_id IN (SELECT id FROM _messages WHERE discussion_id = $1 AND uploaded_at_ms < $2)", discussionID, ms(before)); err != nil {
		return 0, err
	}
	res, err := db.Tx.Exec(fmt.Sprintf("UPDATE _messages SET %s WHERE discussion_id = $1 AND uploaded_at_ms < $2 AND wiped = 0", wipeColumns), discussionID, ms(before))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if _, err := db.Tx.Exec("UPDATE _discussions SET wiped_at_ms = max(wiped_at_ms, $1) WHERE id = $2", ms(before), discussionID); err != nil {
		return 0, err
	}
	return int(n), nil
}

func (db *database) EditMessage(id int64, body *string, location *envelope.Location, editedAt time.Time) error {
	m := &message{ID: id, EditedAtMs: ms(editedAt)}
	if body != nil {
		if _, err := db.Tx.Exec("UPDATE _messages SET body = $1 WHERE id = $2", *body, id); err != nil {
			return err
		}
	}
	if location != nil {
		setLocation(m, location)
		if _, err := db.Tx.NamedExec("UPDATE _messages SET location_kind = :location_kind, latitude = :latitude, longitude = :longitude, location_at_ms = :location_at_ms, address = :address WHERE id = :id", m); err != nil {
			return err
		}
	}
	_, err := db.Tx.Exec("UPDATE _messages SET edited_at_ms = $1 WHERE id = $2", m.EditedAtMs, id)
	return err
}

// SetReaction keeps the latest reaction per reactor. A removal is kept as an empty emoji so an older
// reaction arriving later cannot bring it back.
func (db *database) SetReaction(id int64, reactor ids.ID, emoji string, at time.Time) error {
	_, err := db.Tx.NamedExec(`INSERT INTO _reactions (message_id, reactor, emoji, at_ms) VALUES (:message_id, :reactor, :emoji, :at_ms)
		ON CONFLICT(message_id, reactor) DO UPDATE SET emoji = excluded.emoji, at_ms = excluded.at_ms WHERE excluded.at_ms > _reactions.at_ms`,
		&reaction{MessageID: id, Reactor: reactor[:], Emoji: emoji, AtMs: ms(at)})
	return err
}

func (db *database) MarkOpened(id int64) error {
	_, err := db.Tx.Exec("UPDATE _messages SET opened = 1, is_new = 0 WHERE id = $1", id)
	return err
}

func (db *database) MarkReadUpTo(discussionID int64, until time.Time) (int, error) {
	res, err := db.Tx.Exec("UPDATE _messages SET is_new = 0 WHERE discussion_id = $1 AND server_time_ms <= $2 AND is_new = 1", discussionID, ms(until))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// remote requests

func (db *database) SaveRemoteRequest(discussionID int64, ref envelope.MessageRef, env *envelope.Envelope) error {
	b, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	_, err = db.Tx.Exec("INSERT INTO _remote_requests (discussion_id, sender, sender_thread, sender_sequence, envelope) VALUES ($1, $2, $3, $4, $5)",
		discussionID, ref.Sender[:], ref.SenderThread[:], ref.SenderSequence, b)
	return err
}

func (db *database) TakeRemoteRequests(discussionID int64, ref envelope.MessageRef) ([]*envelope.Envelope, error) {
	var raw [][]byte
	if err := db.Tx.Select(&raw, "SELECT envelope FROM _remote_requests WHERE discussion_id = $1 AND sender = $2 AND sender_thread = $3 AND sender_sequence = $4 ORDER BY id",
		discussionID, ref.Sender[:], ref.SenderThread[:], ref.SenderSequence); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	if _, err := db.Tx.Exec("DELETE FROM _remote_requests WHERE discussion_id = $1 AND sender = $2 AND sender_thread = $3 AND sender_sequence = $4",
		discussionID, ref.Sender[:], ref.SenderThread[:], ref.SenderSequence); err != nil {
		return nil, err
	}
	envs := make([]*envelope.Envelope, 0, len(raw))
	for _, b := range raw {
		env, err := decodeEnvelope(b)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, nil
}

// sent messages and receipts

func (db *database) insertSentMessage(m *sentMessage, recipients []ids.ID) (int64, error) {
	res, err := db.Tx.NamedExec("INSERT INTO _sent_messages (discussion_id, body, sent_at_ms, receipt_nonce, receipt_key) VALUES (:discussion_id, :body, :sent_at_ms, :receipt_nonce, :receipt_key)", m)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for _, r := range recipients {
		if _, err := db.Tx.NamedExec("INSERT INTO _sent_message_recipients (message_id, contact_id, status, updated_at_ms) VALUES (:message_id, :contact_id, :status, :updated_at_ms) ON CONFLICT DO NOTHING",
			&recipient{MessageID: id, ContactID: r[:], UpdatedAtMs: m.SentAtMs}); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (db *database) receiptKey(nonce []byte) ([]byte, error) {
	var key []byte
	if err := db.Tx.Get(&key, "SELECT receipt_key FROM _sent_messages WHERE receipt_nonce = $1 LIMIT 1", nonce); err != nil {
		return nil, err
	}
	return key, nil
}

// pendingForReceipt lists sent messages with nonce whose recipient row for contact is behind status.
func (db *database) pendingForReceipt(nonce []byte, contact ids.ID, status int, attachment *int) ([]int64, error) {
	var out []int64
	if attachment == nil {
		err := db.Tx.Select(&out, `SELECT m.id FROM _sent_messages m JOIN _sent_message_recipients r ON r.message_id = m.id
			WHERE m.receipt_nonce = $1 AND r.contact_id = $2 AND r.status < $3 ORDER BY m.id`, nonce, contact[:], status)
		return out, err
	}
	err := db.Tx.Select(&out, `SELECT m.id FROM _sent_messages m JOIN _sent_message_recipients r ON r.message_id = m.id
		LEFT JOIN _sent_attachment_recipients a ON a.message_id = m.id AND a.contact_id = r.contact_id AND a.attachment = $1
		WHERE m.receipt_nonce = $2 AND r.contact_id = $3 AND (a.status IS NULL OR a.status < $4) ORDER BY m.id`, *attachment, nonce, contact[:], status)
	return out, err
}

func (db *database) advanceRecipients(messageIDs []int64, contact ids.ID, status int, at time.Time) error {
	query, args, err := sqlx.In("UPDATE _sent_message_recipients SET status = ?, updated_at_ms = ? WHERE contact_id = ? AND status < ? AND message_id IN (?)", status, ms(at), contact[:], status, messageIDs)
	if err != nil {
		return err
	}
	_, err = db.Tx.Exec(db.Tx.Rebind(query), args...)
	return err
}

func (db *database) advanceAttachment(messageID int64, contact ids.ID, attachment, status int, at time.Time) error {
	_, err := db.Tx.Exec(`INSERT INTO _sent_attachment_recipients (message_id, contact_id, attachment, status, updated_at_ms) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT(message_id, contact_id, attachment) DO UPDATE SET status = excluded.status, updated_at_ms = excluded.updated_at_ms WHERE excluded.status > _sent_attachment_recipients.status`,
		messageID, contact[:], attachment, status, ms(at))
	return err
}

func (db *database) recipientStatus(messageID int64, contact ids.ID) (int, error) {
	var status int
	if err := db.Tx.Get(&status, "SELECT status FROM _sent_message_recipients WHERE message_id = $1 AND contact_id = $2", messageID, contact[:]); err != nil {
		return 0, err
	}
	return status, nil
}

func (db *database) attachmentStatus(messageID int64, contact ids.ID, attachment int) (int, error) {
	var status int
	if err := db.Tx.Get(&status, "SELECT status FROM _sent_attachment_recipients WHERE message_id = $1 AND contact_id = $2 AND attachment = $3", messageID, contact[:], attachment); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return status, nil
}

// deferred envelopes

func (db *database) upsertDeferred(d *deferredEnvelope) error {
	_, err := db.Tx.NamedExec(`INSERT INTO _deferred_envelopes (id, key_kind, key_owned, key_group, key_contact, first_seen_at_ms, envelope) VALUES (:id, :key_kind, :key_owned, :key_group, :key_contact, :first_seen_at_ms, :envelope)
		ON CONFLICT(id) DO UPDATE SET key_kind = :key_kind, key_owned = :key_owned, key_group = :key_group, key_contact = :key_contact, first_seen_at_ms = :first_seen_at_ms`, d)
	return err
}

func (db *database) deleteDeferred(envelopeIDs []uuid.UUID) error {
	raw := make([][]byte, len(envelopeIDs))
	for i, id := range envelopeIDs {
		raw[i] = id[:]
	}
	query, args, err := sqlx.In("DELETE FROM _deferred_envelopes WHERE id IN (?)", raw)
	if err != nil {
		return err
	}
	_, err = db.Tx.Exec(db.Tx.Rebind(query), args...)
	return err
}

func (db *database) deferredEnvelopes() ([]*deferredEnvelope, error) {
	var out []*deferredEnvelope
	if err := db.Tx.Select(&out, "SELECT * FROM _deferred_envelopes ORDER BY first_seen_at_ms"); err != nil {
		return nil, err
	}
	return out, nil
}

func (db *database) messageRow(id int64) (*message, error) {
	var m message
	if err := db.Tx.Get(&m, "SELECT * FROM _messages WHERE id = $1", id); err != nil {
		return nil, err
	}
	return &m, nil
}

func (db *database) reactions(messageID int64) ([]*reaction, error) {
	var out []*reaction
	if err := db.Tx.Select(&out, "SELECT * FROM _reactions WHERE message_id = $1 AND emoji != '' ORDER BY at_ms", messageID); err != nil {
		return nil, err
	}
	return out, nil
}

func (db *database) systemMessages(discussionID int64) ([]*systemMessage, error) {
	var out []*systemMessage
	if err := db.Tx.Select(&out, "SELECT * FROM _system_messages WHERE discussion_id = $1 ORDER BY id", discussionID); err != nil {
		return nil, err
	}
	return out, nil
}
