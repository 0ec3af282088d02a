// This package defines the identifier type used for identities, groups and devices. Identifiers are opaque
// 16 byte values; on the wire they travel as base64 strings.
package ids

import (
	"bytes"
	crypto_rand "crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
)

type ID [16]byte

var Zero ID

func IDFromBytes(b []byte) (ID, error) {
	if len(b) != 16 {
		return Zero, fmt.Errorf("ids: expected 16 bytes, got %d", len(b))
	}
	return ID(b), nil
}

func MustFromBytes(b []byte) ID {
	id, err := IDFromBytes(b)
	if err != nil {
		panic(err)
	}
	return id
}

func NewID() ID {
	var id [16]byte
	_, err := io.ReadFull(crypto_rand.Reader, id[:])
	if err != nil {
		panic("short read from random source")
	}
	return id
}

func (id ID) IsZero() bool {
	return id == Zero
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

func (id ID) MarshalText() ([]byte, error) {
	out := make([]byte, base64.StdEncoding.EncodedLen(len(id)))
	base64.StdEncoding.Encode(out, id[:])
	return out, nil
}

func (id *ID) UnmarshalText(text []byte) error {
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(text)))
	n, err := base64.StdEncoding.Decode(raw, text)
	if err != nil {
		return fmt.Errorf("ids: invalid base64 identifier: %w", err)
	}
	parsed, err := IDFromBytes(raw[:n])
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func Compare(a, b ID) int {
	return bytes.Compare(a[:], b[:])
}

type ByLexicographical []ID

func (s ByLexicographical) Len() int           { return len(s) }
func (s ByLexicographical) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
func (s ByLexicographical) Less(i, j int) bool { return bytes.Compare(s[i][:], s[j][:]) == -1 }
