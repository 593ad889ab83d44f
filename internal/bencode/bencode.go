// Package bencode implements a decoder for the bencode encoding used by the
// BitTorrent wire and file formats: integers (i<decimal>e), byte strings
// (<len>:<bytes>), lists (l<values>e) and dictionaries (d<kv pairs>e) with
// lexicographically sorted keys.
//
// The decoder operates over an in-memory byte slice rather than a stream, so
// that any nested dictionary's exact raw encoding (needed to compute the
// infohash of a torrent's info dictionary without re-encoding it) can be
// recovered by slicing the original input at the offsets the decoder
// tracked while walking past it.
package bencode

import (
	"fmt"
	"sort"
	"strconv"
)

// Kind classifies a decode failure.
type Kind string

const (
	KindMalformed    Kind = "malformed"
	KindTrailingData Kind = "trailing_data"
)

// Error is returned by every decode operation; it carries the byte offset at
// which the failure was detected so a caller can report it to the user.
type Error struct {
	Kind   Kind
	Offset int
	Msg    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("bencode: %s at offset %d: %s", e.Kind, e.Offset, e.Msg)
}

func malformed(offset int, format string, args ...any) error {
	return &Error{Kind: KindMalformed, Offset: offset, Msg: fmt.Sprintf(format, args...)}
}

// ValueType discriminates the active field of a Value.
type ValueType int

const (
	TypeInt ValueType = iota
	TypeString
	TypeList
	TypeDict
)

func (t ValueType) String() string {
	switch t {
	case TypeInt:
		return "integer"
	case TypeString:
		return "string"
	case TypeList:
		return "list"
	case TypeDict:
		return "dictionary"
	default:
		return "unknown"
	}
}

// Value is a decoded bencode value. Exactly one field is meaningful,
// discriminated by Type.
type Value struct {
	Type ValueType
	Int  int64
	Str  []byte
	List []Value
	Dict map[string]Value

	// Start and End are the byte offsets of this value's encoding within
	// the buffer it was decoded from: Raw() returns buf[Start:End]. Every
	// value carries this, but it is primarily useful for dictionaries
	// where the caller needs the exact bytes for hashing (the infohash).
	Start, End int
}

// decoder walks a fixed byte slice, tracking its cursor so that callers can
// recover the raw span of any sub-value.
type decoder struct {
	buf    []byte
	pos    int
	strict bool // reject dictionaries whose keys are not lexicographically sorted
}

func (d *decoder) peek() (byte, bool) {
	if d.pos >= len(d.buf) {
		return 0, false
	}
	return d.buf[d.pos], true
}

func (d *decoder) next() (byte, bool) {
	b, ok := d.peek()
	if ok {
		d.pos++
	}
	return b, ok
}

// Decode parses exactly one bencode value starting at the beginning of buf
// and fails with KindTrailingData if bytes remain afterwards. Dictionary
// keys are required to be lexicographically sorted, matching both the
// canonical wire format and the torrent file format (whose info
// sub-dictionary is hashed by raw bytes, so a non-canonical encoding would
// silently change the infohash).
func Decode(buf []byte) (*Value, error) {
	return decodeTop(buf, true)
}

// DecodeLenient behaves like Decode but does not reject a dictionary whose
// keys are out of order. Some tracker implementations emit a valid but
// unsorted dictionary; rejecting those as malformed would be needlessly
// fragile for a response this package only ever reads, never re-hashes.
func DecodeLenient(buf []byte) (*Value, error) {
	return decodeTop(buf, false)
}

func decodeTop(buf []byte, strict bool) (*Value, error) {
	d := &decoder{buf: buf, strict: strict}
	v, err := d.decodeValue()
	if err != nil {
		return nil, err
	}
	if d.pos != len(d.buf) {
		return nil, &Error{Kind: KindTrailingData, Offset: d.pos, Msg: "trailing data after top-level value"}
	}
	return v, nil
}

func (d *decoder) decodeValue() (*Value, error) {
	start := d.pos
	b, ok := d.peek()
	if !ok {
		return nil, malformed(d.pos, "unexpected EOF while expecting a value")
	}
	var v *Value
	var err error
	switch {
	case b == 'i':
		v, err = d.decodeInt()
	case b == 'l':
		v, err = d.decodeList()
	case b == 'd':
		v, err = d.decodeDict()
	case b >= '0' && b <= '9':
		var s []byte
		s, err = d.decodeString()
		if err == nil {
			v = &Value{Type: TypeString, Str: s}
		}
	default:
		return nil, malformed(d.pos, "unexpected byte %q where a value was expected", b)
	}
	if err != nil {
		return nil, err
	}
	v.Start, v.End = start, d.pos
	return v, nil
}

func (d *decoder) decodeInt() (*Value, error) {
	start := d.pos
	d.next() // 'i'
	digitsStart := d.pos
	for {
		b, ok := d.next()
		if !ok {
			return nil, malformed(d.pos, "unexpected EOF inside integer")
		}
		if b == 'e' {
			break
		}
	}
	digits := d.buf[digitsStart : d.pos-1]
	if len(digits) == 0 {
		return nil, malformed(start, "empty integer")
	}
	n, err := strconv.ParseInt(string(digits), 10, 64)
	if err != nil {
		return nil, malformed(start, "invalid integer %q: %s", digits, err)
	}
	return &Value{Type: TypeInt, Int: n}, nil
}

func (d *decoder) decodeString() ([]byte, error) {
	start := d.pos
	digitsStart := d.pos
	for {
		b, ok := d.next()
		if !ok {
			return nil, malformed(d.pos, "unexpected EOF inside string length")
		}
		if b == ':' {
			break
		}
		if b < '0' || b > '9' {
			return nil, malformed(d.pos-1, "non-digit %q where a string length was expected", b)
		}
	}
	digits := d.buf[digitsStart : d.pos-1]
	length, err := strconv.ParseUint(string(digits), 10, 64)
	if err != nil {
		return nil, malformed(start, "invalid string length %q: %s", digits, err)
	}
	if d.pos+int(length) > len(d.buf) {
		return nil, malformed(d.pos, "unexpected EOF reading %d byte string", length)
	}
	s := d.buf[d.pos : d.pos+int(length)]
	d.pos += int(length)
	return s, nil
}

func (d *decoder) decodeList() (*Value, error) {
	d.next() // 'l'
	var list []Value
	for {
		b, ok := d.peek()
		if !ok {
			return nil, malformed(d.pos, "unexpected EOF inside list")
		}
		if b == 'e' {
			d.next()
			return &Value{Type: TypeList, List: list}, nil
		}
		v, err := d.decodeValue()
		if err != nil {
			return nil, err
		}
		list = append(list, *v)
	}
}

func (d *decoder) decodeDict() (*Value, error) {
	d.next() // 'd'
	dict := make(map[string]Value)
	var lastKey string
	haveKey := false
	for {
		b, ok := d.peek()
		if !ok {
			return nil, malformed(d.pos, "unexpected EOF inside dictionary")
		}
		if b == 'e' {
			d.next()
			return &Value{Type: TypeDict, Dict: dict}, nil
		}
		if b < '0' || b > '9' {
			return nil, malformed(d.pos, "dictionary key must be a string, got %q", b)
		}
		keyBytes, err := d.decodeString()
		if err != nil {
			return nil, err
		}
		key := string(keyBytes)
		if d.strict && haveKey && key < lastKey {
			return nil, malformed(d.pos, "dictionary keys not sorted: %q after %q", key, lastKey)
		}
		lastKey, haveKey = key, true
		val, err := d.decodeValue()
		if err != nil {
			return nil, err
		}
		dict[key] = *val
	}
}

// Raw returns the exact encoded bytes this value was parsed from, as a
// sub-slice of the buffer originally passed to Decode/DecodeLenient. This
// is the mechanism by which a caller computes SHA-1 over the raw info
// sub-dictionary without re-encoding it.
func (v *Value) Raw(buf []byte) []byte {
	return buf[v.Start:v.End]
}

// Encode serialises a Value back to canonical bencode (dictionary keys
// sorted lexicographically). Used by tests to exercise the decode/encode
// round trip property.
func Encode(v *Value) []byte {
	var buf []byte
	return appendEncoded(buf, v)
}

func appendEncoded(buf []byte, v *Value) []byte {
	switch v.Type {
	case TypeInt:
		buf = append(buf, 'i')
		buf = strconv.AppendInt(buf, v.Int, 10)
		buf = append(buf, 'e')
	case TypeString:
		buf = strconv.AppendInt(buf, int64(len(v.Str)), 10)
		buf = append(buf, ':')
		buf = append(buf, v.Str...)
	case TypeList:
		buf = append(buf, 'l')
		for i := range v.List {
			buf = appendEncoded(buf, &v.List[i])
		}
		buf = append(buf, 'e')
	case TypeDict:
		buf = append(buf, 'd')
		keys := make([]string, 0, len(v.Dict))
		for k := range v.Dict {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			buf = strconv.AppendInt(buf, int64(len(k)), 10)
			buf = append(buf, ':')
			buf = append(buf, k...)
			val := v.Dict[k]
			buf = appendEncoded(buf, &val)
		}
		buf = append(buf, 'e')
	}
	return buf
}
