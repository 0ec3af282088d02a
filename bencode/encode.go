package bencode

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"
	"strconv"
)

// Serialize encodes s, which must be a struct, map, slice or scalar built from supported kinds.
func Serialize(s interface{}) ([]byte, error) {
	w := &writer{}
	if err := w.writeValue(reflect.ValueOf(s)); err != nil {
		return nil, err
	}
	return w.buf.Bytes(), nil
}

type writer struct {
	buf bytes.Buffer
}

func (w *writer) writeBytes(b []byte) {
	w.buf.WriteString(strconv.Itoa(len(b)))
	w.buf.WriteByte(bytesLengthSep)
	w.buf.Write(b)
}

func (w *writer) writeInt(n int64) {
	w.buf.WriteByte(numberStart)
	w.buf.WriteString(strconv.FormatInt(n, 10))
	w.buf.WriteByte(bencodeEnd)
}

func (w *writer) writeUint(n uint64) {
	w.buf.WriteByte(numberStart)
	w.buf.WriteString(strconv.FormatUint(n, 10))
	w.buf.WriteByte(bencodeEnd)
}

func (w *writer) writeValue(v reflect.Value) error {
	if isByteSequence(v.Type()) {
		if v.Kind() == reflect.Array {
			b := make([]byte, v.Len())
			reflect.Copy(reflect.ValueOf(b), v)
			w.writeBytes(b)
		} else {
			w.writeBytes(v.Bytes())
		}
		return nil
	}

	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			w.writeInt(1)
		} else {
			w.writeInt(0)
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		w.writeInt(v.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		w.writeUint(v.Uint())
	case reflect.String:
		w.writeBytes([]byte(v.String()))
	case reflect.Slice, reflect.Array:
		w.buf.WriteByte(listStart)
		for i := 0; i != v.Len(); i++ {
			if err := w.writeValue(v.Index(i)); err != nil {
				return err
			}
		}
		w.buf.WriteByte(bencodeEnd)
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("bencode: map keys must be strings, got %s", v.Type().Key())
		}
		keys := v.MapKeys()
		sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
		w.buf.WriteByte(dictStart)
		for _, k := range keys {
			w.writeBytes([]byte(k.String()))
			if err := w.writeValue(v.MapIndex(k)); err != nil {
				return err
			}
		}
		w.buf.WriteByte(bencodeEnd)
	case reflect.Pointer:
		if v.IsNil() {
			return fmt.Errorf("bencode: cannot encode nil %s", v.Type())
		}
		return w.writeValue(v.Elem())
	case reflect.Struct:
		return w.writeStruct(v)
	default:
		return fmt.Errorf("bencode: unhandled kind %v", v.Kind())
	}
	return nil
}

func (w *writer) writeStruct(v reflect.Value) error {
	fields, err := structFields(v.Type())
	if err != nil {
		return err
	}
	w.buf.WriteByte(dictStart)
	for _, f := range fields {
		fv := v.Field(f.index)
		if fv.Kind() == reflect.Pointer && fv.IsNil() {
			continue
		}
		w.writeBytes([]byte(f.key))
		if err := w.writeValue(fv); err != nil {
			return err
		}
	}
	w.buf.WriteByte(bencodeEnd)
	return nil
}
