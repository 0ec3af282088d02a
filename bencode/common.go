// This package defines a small bencode encoding/decoding library used for values the pipeline persists or
// exchanges as opaque blobs (journalled envelopes, receipt payloads). Struct fields are mapped to dictionary keys
// with `bencode:".."` tags. Dictionaries are canonical: keys are written and expected in sorted order. A nil
// pointer field is omitted and decodes back to nil; every other field is required.
package bencode

import (
	"fmt"
	"reflect"
	"sort"
)

const (
	numberStart    = 'i'
	dictStart      = 'd'
	listStart      = 'l'
	bencodeEnd     = 'e'
	bytesLengthSep = ':'
)

type DecodeError struct {
	msg string
}

func newDecodeError(msg string, vars ...interface{}) *DecodeError {
	return &DecodeError{fmt.Sprintf(msg, vars...)}
}

func (e *DecodeError) Error() string {
	return "bencode: " + e.msg
}

type field struct {
	key   string
	index int
}

// tagged fields of a struct type, sorted by key
func structFields(t reflect.Type) ([]field, error) {
	fields := make([]field, 0, t.NumField())
	for i := 0; i != t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		key := f.Tag.Get("bencode")
		if key == "" {
			return nil, fmt.Errorf("bencode: field %s.%s has no bencode tag", t.Name(), f.Name)
		}
		fields = append(fields, field{key, i})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].key < fields[j].key })
	return fields, nil
}

func isByteSequence(t reflect.Type) bool {
	return (t.Kind() == reflect.Slice || t.Kind() == reflect.Array) && t.Elem().Kind() == reflect.Uint8
}
