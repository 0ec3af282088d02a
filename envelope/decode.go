package envelope

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/meow-io/go-reconcile/ids"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type DecodeError struct {
	msg string
}

func newDecodeError(msg string, vars ...interface{}) *DecodeError {
	return &DecodeError{fmt.Sprintf(msg, vars...)}
}

func (e *DecodeError) Error() string {
	return "envelope: " + e.msg
}

// wire shapes

type targetJSON struct {
	GroupID  *ids.ID    `json:"gid2,omitempty"`
	OneToOne *[2]ids.ID `json:"o2oi,omitempty"`
}

type refJSON struct {
	SenderSequence *int64     `json:"ssn"`
	SenderThread   *uuid.UUID `json:"sti"`
	Sender         *ids.ID    `json:"si"`
}

type expirationJSON struct {
	ReadOnce   bool     `json:"ro"`
	Visibility *float64 `json:"vis,omitempty"`
	Existence  *float64 `json:"ex,omitempty"`
}

type locationJSON struct {
	Type      int      `json:"t"`
	Timestamp *int64   `json:"ts,omitempty"`
	Latitude  *float64 `json:"lat"`
	Longitude *float64 `json:"long"`
	Address   string   `json:"add,omitempty"`
}

type mentionJSON struct {
	User  ids.ID `json:"uid"`
	Start int    `json:"rs"`
	End   int    `json:"re"`
}

type messageJSON struct {
	targetJSON
	SenderSequence     *int64          `json:"ssn"`
	SenderThread       *uuid.UUID      `json:"sti"`
	Body               string          `json:"body,omitempty"`
	ReplyTo            *refJSON        `json:"re,omitempty"`
	Expiration         *expirationJSON `json:"exp,omitempty"`
	Location           *locationJSON   `json:"loc,omitempty"`
	OriginalServerTime *int64          `json:"ost,omitempty"`
	Mentions           []mentionJSON   `json:"um,omitempty"`
}

type returnReceiptJSON struct {
	Nonce []byte `json:"nonce"`
	Key   []byte `json:"key"`
}

type signalingJSON struct {
	CallID      *uuid.UUID `json:"ci"`
	MessageType int        `json:"mt"`
	Body        string     `json:"sm"`
}

type configurationJSON struct {
	targetJSON
	Version    *int64          `json:"version"`
	Expiration *expirationJSON `json:"exp"`
}

type wipeMessagesJSON struct {
	targetJSON
	Refs []refJSON `json:"refs"`
}

type editJSON struct {
	targetJSON
	Ref      *refJSON      `json:"ref"`
	Body     *string       `json:"body,omitempty"`
	Location *locationJSON `json:"loc,omitempty"`
}

type reactionJSON struct {
	targetJSON
	Ref   *refJSON `json:"ref"`
	Emoji string   `json:"reac,omitempty"`
}

type settingsQueryJSON struct {
	targetJSON
	KnownVersion    *int64          `json:"ksv,omitempty"`
	KnownExpiration *expirationJSON `json:"exp,omitempty"`
}

type readReceiptJSON struct {
	targetJSON
	Ref *refJSON `json:"m"`
}

type discussionReadJSON struct {
	targetJSON
	LastRead *int64 `json:"tim"`
}

// the top level item; exactly one kind key is expected, rr only travels alongside message
var kindKeys = []string{"message", "rtc", "settings", "delm", "deld", "upm", "reacm", "qss", "scd", "lvo", "dr"}

// Decode classifies a decrypted payload. It never fails outright: anything that does not match a known
// shape comes back as *Unrecognized together with the reason.
func Decode(raw []byte) (Payload, error) {
	p, err := decode(raw)
	if err != nil {
		return &Unrecognized{Err: err}, err
	}
	return p, nil
}

func decode(raw []byte) (Payload, error) {
	var item map[string]jsoniter.RawMessage
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, newDecodeError("payload is not an object: %v", err)
	}

	found := ""
	for _, k := range kindKeys {
		if _, ok := item[k]; !ok {
			continue
		}
		if found != "" {
			return nil, newDecodeError("payload carries both %s and %s", found, k)
		}
		found = k
	}
	if _, ok := item["rr"]; ok && found != "message" {
		return nil, newDecodeError("return receipt elements without a message")
	}

	body := item[found]
	switch found {
	case "message":
		return decodeMessage(body, item["rr"])
	case "rtc":
		var s signalingJSON
		if err := unmarshal(found, body, &s); err != nil {
			return nil, err
		}
		if s.CallID == nil {
			return nil, newDecodeError("rtc: missing call identifier")
		}
		return &Signaling{CallID: *s.CallID, MessageType: s.MessageType, Body: s.Body}, nil
	case "settings":
		var c configurationJSON
		if err := unmarshal(found, body, &c); err != nil {
			return nil, err
		}
		t, err := c.target(found)
		if err != nil {
			return nil, err
		}
		if c.Version == nil || *c.Version < 0 || c.Expiration == nil {
			return nil, newDecodeError("settings: missing or invalid version/expiration")
		}
		return &SharedConfiguration{Target: t, Version: *c.Version, Expiration: c.Expiration.convert()}, nil
	case "delm":
		var w wipeMessagesJSON
		if err := unmarshal(found, body, &w); err != nil {
			return nil, err
		}
		t, err := w.target(found)
		if err != nil {
			return nil, err
		}
		if len(w.Refs) == 0 {
			return nil, newDecodeError("delm: no message references")
		}
		refs := make([]MessageRef, 0, len(w.Refs))
		for i := range w.Refs {
			r, err := w.Refs[i].convert(found)
			if err != nil {
				return nil, err
			}
			refs = append(refs, r)
		}
		return &WipeMessages{Target: t, Messages: refs}, nil
	case "deld":
		var d targetJSON
		if err := unmarshal(found, body, &d); err != nil {
			return nil, err
		}
		t, err := d.target(found)
		if err != nil {
			return nil, err
		}
		return &WipeDiscussion{Target: t}, nil
	case "upm":
		var e editJSON
		if err := unmarshal(found, body, &e); err != nil {
			return nil, err
		}
		t, err := e.target(found)
		if err != nil {
			return nil, err
		}
		ref, err := e.Ref.convert(found)
		if err != nil {
			return nil, err
		}
		out := &Edit{Target: t, Ref: ref, Body: e.Body}
		if e.Location != nil {
			if out.Location, err = e.Location.convert(found); err != nil {
				return nil, err
			}
		}
		if out.Body == nil && out.Location == nil {
			return nil, newDecodeError("upm: neither body nor location")
		}
		return out, nil
	case "reacm":
		var r reactionJSON
		if err := unmarshal(found, body, &r); err != nil {
			return nil, err
		}
		t, err := r.target(found)
		if err != nil {
			return nil, err
		}
		ref, err := r.Ref.convert(found)
		if err != nil {
			return nil, err
		}
		return &Reaction{Target: t, Ref: ref, Emoji: r.Emoji}, nil
	case "qss":
		var q settingsQueryJSON
		if err := unmarshal(found, body, &q); err != nil {
			return nil, err
		}
		t, err := q.target(found)
		if err != nil {
			return nil, err
		}
		out := &SettingsQuery{Target: t, KnownVersion: q.KnownVersion}
		if q.KnownExpiration != nil {
			e := q.KnownExpiration.convert()
			out.KnownExpiration = &e
		}
		return out, nil
	case "scd":
		var s targetJSON
		if err := unmarshal(found, body, &s); err != nil {
			return nil, err
		}
		t, err := s.target(found)
		if err != nil {
			return nil, err
		}
		return &CaptureNotice{Target: t}, nil
	case "lvo":
		var l readReceiptJSON
		if err := unmarshal(found, body, &l); err != nil {
			return nil, err
		}
		t, err := l.target(found)
		if err != nil {
			return nil, err
		}
		ref, err := l.Ref.convert(found)
		if err != nil {
			return nil, err
		}
		return &ReadReceipt{Target: t, Ref: ref}, nil
	case "dr":
		var d discussionReadJSON
		if err := unmarshal(found, body, &d); err != nil {
			return nil, err
		}
		t, err := d.target(found)
		if err != nil {
			return nil, err
		}
		if d.LastRead == nil {
			return nil, newDecodeError("dr: missing timestamp")
		}
		return &DiscussionRead{Target: t, LastRead: time.UnixMilli(*d.LastRead)}, nil
	}
	return nil, newDecodeError("no known payload kind present")
}

func decodeMessage(body, rr jsoniter.RawMessage) (Payload, error) {
	var m messageJSON
	if err := unmarshal("message", body, &m); err != nil {
		return nil, err
	}
	t, err := m.target("message")
	if err != nil {
		return nil, err
	}
	if m.SenderSequence == nil || *m.SenderSequence < 0 {
		return nil, newDecodeError("message: missing or negative sender sequence number")
	}
	if m.SenderThread == nil || *m.SenderThread == uuid.Nil {
		return nil, newDecodeError("message: missing sender thread identifier")
	}
	out := &ChatMessage{
		Target:         t,
		SenderSequence: *m.SenderSequence,
		SenderThread:   *m.SenderThread,
		Body:           m.Body,
	}
	if m.ReplyTo != nil {
		// a broken reply reference does not invalidate the message
		if ref, err := m.ReplyTo.convert("message"); err == nil {
			out.ReplyTo = &ref
		}
	}
	if m.Expiration != nil {
		e := m.Expiration.convert()
		out.Expiration = &e
	}
	if m.Location != nil {
		if out.Location, err = m.Location.convert("message"); err != nil {
			return nil, err
		}
	}
	if m.OriginalServerTime != nil {
		ost := time.UnixMilli(*m.OriginalServerTime)
		out.OriginalServerTime = &ost
	}
	for _, mention := range m.Mentions {
		if mention.Start < 0 || mention.End < mention.Start {
			continue
		}
		out.Mentions = append(out.Mentions, Mention(mention))
	}
	if rr != nil {
		var r returnReceiptJSON
		if err := unmarshal("rr", rr, &r); err != nil {
			return nil, err
		}
		if len(r.Nonce) == 0 || len(r.Key) == 0 {
			return nil, newDecodeError("rr: empty nonce or key")
		}
		out.ReturnReceipt = &ReturnReceiptElements{Nonce: r.Nonce, Key: r.Key}
	}
	return out, nil
}

func unmarshal(kind string, body jsoniter.RawMessage, v interface{}) error {
	if err := json.Unmarshal(body, v); err != nil {
		return newDecodeError("%s: %v", kind, err)
	}
	return nil
}

func (t targetJSON) target(kind string) (Target, error) {
	switch {
	case t.GroupID != nil && t.OneToOne != nil:
		return Target{}, newDecodeError("%s: both group and one-to-one identifiers", kind)
	case t.GroupID != nil:
		return Target{Group: t.GroupID}, nil
	case t.OneToOne != nil:
		if t.OneToOne[0] == t.OneToOne[1] {
			return Target{}, newDecodeError("%s: one-to-one identifier pairs an identity with itself", kind)
		}
		return Target{OneToOne: t.OneToOne}, nil
	}
	return Target{}, newDecodeError("%s: no discussion identifier", kind)
}

func (r *refJSON) convert(kind string) (MessageRef, error) {
	if r == nil || r.SenderSequence == nil || r.SenderThread == nil || r.Sender == nil {
		return MessageRef{}, newDecodeError("%s: incomplete message reference", kind)
	}
	return MessageRef{SenderSequence: *r.SenderSequence, SenderThread: *r.SenderThread, Sender: *r.Sender}, nil
}

func (e *expirationJSON) convert() Expiration {
	out := Expiration{ReadOnce: e.ReadOnce}
	if e.Visibility != nil {
		d := seconds(*e.Visibility)
		out.Visibility = &d
	}
	if e.Existence != nil {
		d := seconds(*e.Existence)
		out.Existence = &d
	}
	return out
}

func (l *locationJSON) convert(kind string) (*Location, error) {
	lk := LocationKind(l.Type)
	if lk < LocationSend || lk > LocationEndSharing {
		return nil, newDecodeError("%s: unknown location type %d", kind, l.Type)
	}
	if l.Latitude == nil || l.Longitude == nil {
		return nil, newDecodeError("%s: location without coordinates", kind)
	}
	out := &Location{Kind: lk, Latitude: *l.Latitude, Longitude: *l.Longitude, Address: l.Address}
	if l.Timestamp != nil {
		out.Timestamp = time.UnixMilli(*l.Timestamp)
	}
	return out, nil
}

func seconds(s float64) time.Duration {
	if s <= 0 || math.IsNaN(s) {
		return 0
	}
	if s > float64(math.MaxInt64/int64(time.Second)) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(s * float64(time.Second))
}
