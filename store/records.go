package store

import (
	"time"

	"github.com/google/uuid"
	"github.com/meow-io/go-reconcile/bencode"
	"github.com/meow-io/go-reconcile/envelope"
	"github.com/meow-io/go-reconcile/ids"
)

// bencoded blobs kept in the database

type envelopeRecord struct {
	AttachmentCount int64  `bencode:"a"`
	SenderDevice    []byte `bencode:"d"`
	ID              []byte `bencode:"i"`
	Owned           []byte `bencode:"o"`
	Raw             []byte `bencode:"r"`
	Sender          []byte `bencode:"s"`
	UploadedAtMs    int64  `bencode:"u"`
	DownloadedAtMs  int64  `bencode:"w"`
}

type refRecord struct {
	Sequence int64  `bencode:"q"`
	Sender   []byte `bencode:"s"`
	Thread   []byte `bencode:"t"`
}

type mentionRecord struct {
	End   int64  `bencode:"e"`
	Start int64  `bencode:"s"`
	User  []byte `bencode:"u"`
}

func encodeEnvelope(env *envelope.Envelope) ([]byte, error) {
	r := envelopeRecord{
		AttachmentCount: int64(env.AttachmentCount),
		SenderDevice:    []byte{},
		ID:              env.ID[:],
		Owned:           env.Owned[:],
		Raw:             env.Raw,
		Sender:          env.Sender[:],
		UploadedAtMs:    env.UploadedAt.UnixMilli(),
		DownloadedAtMs:  env.DownloadedAt.UnixMilli(),
	}
	if env.SenderDevice != nil {
		r.SenderDevice = env.SenderDevice[:]
	}
	if r.Raw == nil {
		r.Raw = []byte{}
	}
	return bencode.Serialize(r)
}

func decodeEnvelope(b []byte) (*envelope.Envelope, error) {
	var r envelopeRecord
	if err := bencode.Deserialize(b, &r); err != nil {
		return nil, err
	}
	id, err := uuid.FromBytes(r.ID)
	if err != nil {
		return nil, err
	}
	owned, err := ids.IDFromBytes(r.Owned)
	if err != nil {
		return nil, err
	}
	sender, err := ids.IDFromBytes(r.Sender)
	if err != nil {
		return nil, err
	}
	env := &envelope.Envelope{
		ID:              id,
		Owned:           owned,
		Sender:          sender,
		UploadedAt:      time.UnixMilli(r.UploadedAtMs),
		DownloadedAt:    time.UnixMilli(r.DownloadedAtMs),
		AttachmentCount: int(r.AttachmentCount),
		Raw:             r.Raw,
	}
	if len(r.SenderDevice) != 0 {
		device, err := ids.IDFromBytes(r.SenderDevice)
		if err != nil {
			return nil, err
		}
		env.SenderDevice = &device
	}
	return env, nil
}

func encodeRef(ref envelope.MessageRef) ([]byte, error) {
	return bencode.Serialize(refRecord{Sequence: ref.SenderSequence, Sender: ref.Sender[:], Thread: ref.SenderThread[:]})
}

func decodeRef(b []byte) (*envelope.MessageRef, error) {
	var r refRecord
	if err := bencode.Deserialize(b, &r); err != nil {
		return nil, err
	}
	sender, err := ids.IDFromBytes(r.Sender)
	if err != nil {
		return nil, err
	}
	thread, err := uuid.FromBytes(r.Thread)
	if err != nil {
		return nil, err
	}
	return &envelope.MessageRef{SenderSequence: r.Sequence, SenderThread: thread, Sender: sender}, nil
}

func encodeMentions(mentions []envelope.Mention) ([]byte, error) {
	records := make([]mentionRecord, len(mentions))
	for i, m := range mentions {
		records[i] = mentionRecord{End: int64(m.End), Start: int64(m.Start), User: m.User[:]}
	}
	return bencode.Serialize(records)
}

func decodeMentions(b []byte) ([]envelope.Mention, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var records []mentionRecord
	if err := bencode.Deserialize(b, &records); err != nil {
		return nil, err
	}
	out := make([]envelope.Mention, len(records))
	for i, r := range records {
		user, err := ids.IDFromBytes(r.User)
		if err != nil {
			return nil, err
		}
		out[i] = envelope.Mention{User: user, Start: int(r.Start), End: int(r.End)}
	}
	return out, nil
}
