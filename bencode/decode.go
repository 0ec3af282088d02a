package bencode

import (
	"bytes"
	"reflect"
	"strconv"
)

// Deserialize decodes buf into t, which must be a non-nil pointer. The whole buffer must be consumed.
func Deserialize(buf []byte, t interface{}) error {
	v := reflect.ValueOf(t)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return newDecodeError("expected non-nil pointer, got %T", t)
	}
	r := &reader{buf: buf}
	if err := r.readValue(v.Elem()); err != nil {
		return err
	}
	if r.pos != len(r.buf) {
		return newDecodeError("%d trailing bytes after value", len(r.buf)-r.pos)
	}
	return nil
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) peek() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, newDecodeError("unexpected end of input at %d", r.pos)
	}
	return r.buf[r.pos], nil
}

func (r *reader) expect(c byte) error {
	b, err := r.peek()
	if err != nil {
		return err
	}
	if b != c {
		return newDecodeError("expected %q at %d, got %q", c, r.pos, b)
	}
	r.pos++
	return nil
}

func (r *reader) readNumber() (string, error) {
	if err := r.expect(numberStart); err != nil {
		return "", err
	}
	end := bytes.IndexByte(r.buf[r.pos:], bencodeEnd)
	if end < 1 {
		return "", newDecodeError("malformed number at %d", r.pos)
	}
	s := string(r.buf[r.pos : r.pos+end])
	r.pos += end + 1
	return s, nil
}

func (r *reader) readBytes() ([]byte, error) {
	sep := bytes.IndexByte(r.buf[r.pos:], bytesLengthSep)
	if sep < 1 {
		return nil, newDecodeError("malformed byte string at %d", r.pos)
	}
	n, err := strconv.Atoi(string(r.buf[r.pos : r.pos+sep]))
	if err != nil || n < 0 {
		return nil, newDecodeError("bad byte string length at %d", r.pos)
	}
	start := r.pos + sep + 1
	if start+n > len(r.buf) {
		return nil, newDecodeError("byte string of length %d overruns input at %d", n, r.pos)
	}
	r.pos = start + n
	return r.buf[start : start+n], nil
}

func (r *reader) atEnd() (bool, error) {
	b, err := r.peek()
	if err != nil {
		return false, err
	}
	if b == bencodeEnd {
		r.pos++
		return true, nil
	}
	return false, nil
}

func (r *reader) readValue(v reflect.Value) error {
	t := v.Type()
	if isByteSequence(t) {
		b, err := r.readBytes()
		if err != nil {
			return err
		}
		if t.Kind() == reflect.Array {
			if len(b) != t.Len() {
				return newDecodeError("expected %d bytes for %s, got %d", t.Len(), t, len(b))
			}
			reflect.Copy(v, reflect.ValueOf(b))
		} else {
			v.SetBytes(append([]byte{}, b...))
		}
		return nil
	}

	switch t.Kind() {
	case reflect.Bool:
		s, err := r.readNumber()
		if err != nil {
			return err
		}
		switch s {
		case "0":
			v.SetBool(false)
		case "1":
			v.SetBool(true)
		default:
			return newDecodeError("expected 0 or 1 for bool, got %s", s)
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		s, err := r.readNumber()
		if err != nil {
			return err
		}
		n, err := strconv.ParseInt(s, 10, t.Bits())
		if err != nil {
			return newDecodeError("bad integer %s: %v", s, err)
		}
		v.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		s, err := r.readNumber()
		if err != nil {
			return err
		}
		n, err := strconv.ParseUint(s, 10, t.Bits())
		if err != nil {
			return newDecodeError("bad unsigned integer %s: %v", s, err)
		}
		v.SetUint(n)
	case reflect.String:
		b, err := r.readBytes()
		if err != nil {
			return err
		}
		v.SetString(string(b))
	case reflect.Slice:
		if err := r.expect(listStart); err != nil {
			return err
		}
		out := reflect.MakeSlice(t, 0, 0)
		for {
			done, err := r.atEnd()
			if err != nil {
				return err
			}
			if done {
				break
			}
			elem := reflect.New(t.Elem()).Elem()
			if err := r.readValue(elem); err != nil {
				return err
			}
			out = reflect.Append(out, elem)
		}
		v.Set(out)
	case reflect.Map:
		if t.Key().Kind() != reflect.String {
			return newDecodeError("map keys must be strings, got %s", t.Key())
		}
		if err := r.expect(dictStart); err != nil {
			return err
		}
		out := reflect.MakeMap(t)
		last := ""
		for i := 0; ; i++ {
			done, err := r.atEnd()
			if err != nil {
				return err
			}
			if done {
				break
			}
			k, err := r.readBytes()
			if err != nil {
				return err
			}
			if i != 0 && string(k) <= last {
				return newDecodeError("dictionary key %q out of order", k)
			}
			last = string(k)
			elem := reflect.New(t.Elem()).Elem()
			if err := r.readValue(elem); err != nil {
				return err
			}
			out.SetMapIndex(reflect.ValueOf(string(k)).Convert(t.Key()), elem)
		}
		v.Set(out)
	case reflect.Pointer:
		p := reflect.New(t.Elem())
		if err := r.readValue(p.Elem()); err != nil {
			return err
		}
		v.Set(p)
	case reflect.Struct:
		return r.readStruct(v)
	default:
		return newDecodeError("unhandled kind %v", t.Kind())
	}
	return nil
}

func (r *reader) readStruct(v reflect.Value) error {
	fields, err := structFields(v.Type())
	if err != nil {
		return newDecodeError("%v", err)
	}
	if err := r.expect(dictStart); err != nil {
		return err
	}
	for _, f := range fields {
		fv := v.Field(f.index)
		b, err := r.peek()
		if err != nil {
			return err
		}
		if b == bencodeEnd {
			if fv.Kind() == reflect.Pointer {
				fv.Set(reflect.Zero(fv.Type()))
				continue
			}
			return newDecodeError("missing key %q", f.key)
		}
		mark := r.pos
		k, err := r.readBytes()
		if err != nil {
			return err
		}
		if string(k) != f.key {
			if fv.Kind() == reflect.Pointer && string(k) > f.key {
				// omitted optional field; the key belongs to a later field
				r.pos = mark
				fv.Set(reflect.Zero(fv.Type()))
				continue
			}
			return newDecodeError("expected key %q, got %q", f.key, k)
		}
		if err := r.readValue(fv); err != nil {
			return err
		}
	}
	return r.expect(bencodeEnd)
}
