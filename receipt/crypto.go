package receipt

import (
	"context"
	crypto_rand "crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/meow-io/go-reconcile/bencode"
	"github.com/meow-io/go-reconcile/ids"
	"golang.org/x/crypto/chacha20poly1305"
)

var ErrUnknownNonce = errors.New("receipt: no key recorded for nonce")

type payload struct {
	Attachment *int64 `bencode:"a"`
	Contact    []byte `bencode:"c"`
	Device     []byte `bencode:"d"`
	Status     int64  `bencode:"s"`
}

// Seal encrypts a receipt for the peer which gave us key and nonce along with its message.
func Seal(key, nonce []byte, contact, device ids.ID, status Status, attachment *int) (*Encrypted, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("receipt: bad key: %w", err)
	}
	p := payload{Contact: contact[:], Device: device[:], Status: int64(status)}
	if attachment != nil {
		a := int64(*attachment)
		p.Attachment = &a
	}
	plain, err := bencode.Serialize(p)
	if err != nil {
		return nil, err
	}
	out := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := io.ReadFull(crypto_rand.Reader, out); err != nil {
		return nil, err
	}
	out = aead.Seal(out, out, plain, nonce)
	return &Encrypted{Nonce: nonce, Payload: out}, nil
}

// Open decrypts a receipt with the key recorded when the message was sent.
func Open(key []byte, enc *Encrypted) (*Decrypted, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("receipt: bad key: %w", err)
	}
	if len(enc.Payload) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("receipt: payload too short")
	}
	plain, err := aead.Open(nil, enc.Payload[:aead.NonceSize()], enc.Payload[aead.NonceSize():], enc.Nonce)
	if err != nil {
		return nil, fmt.Errorf("receipt: unable to decrypt: %w", err)
	}
	var p payload
	if err := bencode.Deserialize(plain, &p); err != nil {
		return nil, err
	}
	contact, err := ids.IDFromBytes(p.Contact)
	if err != nil {
		return nil, err
	}
	device, err := ids.IDFromBytes(p.Device)
	if err != nil {
		return nil, err
	}
	status := Status(p.Status)
	if status != StatusDelivered && status != StatusRead {
		return nil, fmt.Errorf("receipt: unknown status %d", p.Status)
	}
	d := &Decrypted{Nonce: enc.Nonce, Contact: contact, Device: device, Status: status}
	if p.Attachment != nil {
		a := int(*p.Attachment)
		d.Attachment = &a
	}
	return d, nil
}

// Keyring looks up the key we handed out with the message a receipt nonce belongs to.
type Keyring interface {
	ReceiptKey(ctx context.Context, nonce []byte) ([]byte, error)
}

// KeyringDecryptor decrypts receipts with keys from a Keyring. A nonce with no key decrypts to nil: the receipt
// is for a message this device did not send.
type KeyringDecryptor struct {
	Keys Keyring
}

func (k *KeyringDecryptor) DecryptReceipt(ctx context.Context, enc *Encrypted) (*Decrypted, error) {
	key, err := k.Keys.ReceiptKey(ctx, enc.Nonce)
	if err != nil {
		if errors.Is(err, ErrUnknownNonce) {
			return nil, nil
		}
		return nil, err
	}
	return Open(key, enc)
}
