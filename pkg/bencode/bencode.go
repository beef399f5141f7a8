// Package bencode implements the canonical byte-encoding used to compute a
// ContentId: deterministic encoding of sorted dictionaries over integers,
// byte strings, lists, and dictionaries, following the same
// "canonical mode, re-encode and compare" idiom this codebase uses for its
// other wire codecs, adapted to bencode because the ContentId algorithm is
// fixed by spec to SHA-1 over canonical bencode.
package bencode

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"

	"github.com/kotormodsync/dcc/pkg/dcerrors"
)

// Value is the closed set of scalar/composite kinds a canonical bencode
// document may be built from, mirroring the "tagged variants over a closed
// set of scalar kinds" design note for dynamically-typed metadata.
type Value interface {
	bencodeValue()
}

// Int is a bencoded integer.
type Int int64

// Bytes is a bencoded byte string.
type Bytes []byte

// List is an ordered bencoded list.
type List []Value

// Dict is a bencoded dictionary. Keys are encoded in byte-lexicographic
// order regardless of insertion order.
type Dict map[string]Value

func (Int) bencodeValue()   {}
func (Bytes) bencodeValue() {}
func (List) bencodeValue()  {}
func (Dict) bencodeValue()  {}

// Marshal canonically encodes v. Output is byte-identical across platforms
// for identical input.
func Marshal(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encode(buf *bytes.Buffer, v Value) error {
	switch t := v.(type) {
	case Int:
		buf.WriteByte('i')
		buf.WriteString(strconv.FormatInt(int64(t), 10))
		buf.WriteByte('e')
		return nil
	case Bytes:
		buf.WriteString(strconv.Itoa(len(t)))
		buf.WriteByte(':')
		buf.Write(t)
		return nil
	case List:
		buf.WriteByte('l')
		for _, item := range t {
			if err := encode(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte('e')
		return nil
	case Dict:
		buf.WriteByte('d')
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := encode(buf, Bytes(k)); err != nil {
				return err
			}
			if err := encode(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('e')
		return nil
	default:
		return dcerrors.NewInvalidCanonicalForm(fmt.Sprintf("unsupported value type %T", v))
	}
}

// Unmarshal strictly decodes canonical bencode bytes. It fails with
// InvalidCanonicalForm on non-string dict keys, duplicate keys, or
// out-of-order keys, and on malformed integers (leading zeros, "-0").
func Unmarshal(data []byte) (Value, error) {
	d := &decoder{data: data}
	v, err := d.decodeValue()
	if err != nil {
		return nil, err
	}
	if d.pos != len(d.data) {
		return nil, dcerrors.NewInvalidCanonicalForm("trailing bytes after top-level value")
	}
	return v, nil
}

type decoder struct {
	data []byte
	pos  int
}

func (d *decoder) decodeValue() (Value, error) {
	if d.pos >= len(d.data) {
		return nil, dcerrors.NewInvalidCanonicalForm("unexpected end of input")
	}

	switch d.data[d.pos] {
	case 'i':
		return d.decodeInt()
	case 'l':
		return d.decodeList()
	case 'd':
		return d.decodeDict()
	default:
		if d.data[d.pos] >= '0' && d.data[d.pos] <= '9' {
			return d.decodeBytes()
		}
		return nil, dcerrors.NewInvalidCanonicalForm(fmt.Sprintf("unexpected byte %q at offset %d", d.data[d.pos], d.pos))
	}
}

func (d *decoder) decodeInt() (Int, error) {
	d.pos++ // consume 'i'
	start := d.pos
	for d.pos < len(d.data) && d.data[d.pos] != 'e' {
		d.pos++
	}
	if d.pos >= len(d.data) {
		return 0, dcerrors.NewInvalidCanonicalForm("unterminated integer")
	}
	raw := string(d.data[start:d.pos])
	d.pos++ // consume 'e'

	if raw == "" {
		return 0, dcerrors.NewInvalidCanonicalForm("empty integer")
	}
	if raw == "-0" {
		return 0, dcerrors.NewInvalidCanonicalForm("integer -0 is not canonical")
	}
	digits := raw
	if digits[0] == '-' {
		digits = digits[1:]
	}
	if digits == "" {
		return 0, dcerrors.NewInvalidCanonicalForm("integer has no digits")
	}
	if len(digits) > 1 && digits[0] == '0' {
		return 0, dcerrors.NewInvalidCanonicalForm(fmt.Sprintf("integer %q has a leading zero", raw))
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, dcerrors.NewInvalidCanonicalForm(fmt.Sprintf("integer %q contains a non-digit", raw))
		}
	}

	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, dcerrors.NewInvalidCanonicalForm(fmt.Sprintf("integer %q out of range: %v", raw, err))
	}
	return Int(n), nil
}

func (d *decoder) decodeBytes() (Bytes, error) {
	start := d.pos
	for d.pos < len(d.data) && d.data[d.pos] != ':' {
		d.pos++
	}
	if d.pos >= len(d.data) {
		return nil, dcerrors.NewInvalidCanonicalForm("unterminated byte-string length")
	}
	lenStr := string(d.data[start:d.pos])
	if len(lenStr) > 1 && lenStr[0] == '0' {
		return nil, dcerrors.NewInvalidCanonicalForm(fmt.Sprintf("byte-string length %q has a leading zero", lenStr))
	}
	n, err := strconv.Atoi(lenStr)
	if err != nil || n < 0 {
		return nil, dcerrors.NewInvalidCanonicalForm(fmt.Sprintf("invalid byte-string length %q", lenStr))
	}
	d.pos++ // consume ':'
	if d.pos+n > len(d.data) {
		return nil, dcerrors.NewInvalidCanonicalForm("byte-string length exceeds remaining input")
	}
	out := make(Bytes, n)
	copy(out, d.data[d.pos:d.pos+n])
	d.pos += n
	return out, nil
}

func (d *decoder) decodeList() (List, error) {
	d.pos++ // consume 'l'
	var list List
	for {
		if d.pos >= len(d.data) {
			return nil, dcerrors.NewInvalidCanonicalForm("unterminated list")
		}
		if d.data[d.pos] == 'e' {
			d.pos++
			return list, nil
		}
		v, err := d.decodeValue()
		if err != nil {
			return nil, err
		}
		list = append(list, v)
	}
}

func (d *decoder) decodeDict() (Dict, error) {
	d.pos++ // consume 'd'
	dict := make(Dict)
	var lastKey string
	haveLast := false
	for {
		if d.pos >= len(d.data) {
			return nil, dcerrors.NewInvalidCanonicalForm("unterminated dict")
		}
		if d.data[d.pos] == 'e' {
			d.pos++
			return dict, nil
		}
		if d.data[d.pos] < '0' || d.data[d.pos] > '9' {
			return nil, dcerrors.NewInvalidCanonicalForm("dict key must be a byte string")
		}
		keyBytes, err := d.decodeBytes()
		if err != nil {
			return nil, err
		}
		key := string(keyBytes)

		if haveLast {
			if key == lastKey {
				return nil, dcerrors.NewInvalidCanonicalForm(fmt.Sprintf("duplicate dict key %q", key))
			}
			if key < lastKey {
				return nil, dcerrors.NewInvalidCanonicalForm(fmt.Sprintf("dict key %q is out of canonical order after %q", key, lastKey))
			}
		}
		lastKey = key
		haveLast = true

		val, err := d.decodeValue()
		if err != nil {
			return nil, err
		}
		dict[key] = val
	}
}
