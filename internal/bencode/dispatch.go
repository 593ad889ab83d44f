package bencode

import "fmt"

// FieldHandler is called once per recognised dictionary key with the
// decoded value for that key and the raw bytes of the original buffer it
// was sliced from (so a handler that receives a nested dictionary, such as
// "info", can hash v.Raw(buf) instead of re-encoding the parsed Value).
//
// This is the "table of function pointers keyed by field name" dispatch
// mechanism described for the bencode codec: a caller parsing a known
// schema (a torrent file, a tracker response) supplies one handler per
// field it understands; unrecognised keys are skipped without error,
// since the dictionary was already fully parsed by Decode/DecodeLenient.
type FieldHandler func(v *Value, buf []byte) error

// Dispatch walks dict's keys in the handlers map and invokes each matching
// handler. Keys present in dict but absent from handlers are silently
// skipped, matching the codec's "unrecognised keys are skipped" contract --
// skipping is trivial here because the whole dictionary is already an
// in-memory Value rather than a position in a stream.
func Dispatch(dict *Value, buf []byte, handlers map[string]FieldHandler) error {
	if dict.Type != TypeDict {
		return fmt.Errorf("bencode: Dispatch requires a dictionary value")
	}
	for key, handler := range handlers {
		val, ok := dict.Dict[key]
		if !ok {
			continue
		}
		if err := handler(&val, buf); err != nil {
			return fmt.Errorf("field %q: %w", key, err)
		}
	}
	return nil
}

// AsString returns v's byte-string payload, the "bytes" value shape a
// FieldHandler receives for a string field.
func AsString(v *Value) ([]byte, error) {
	if v.Type != TypeString {
		return nil, fmt.Errorf("bencode: expected a string, got a %s", v.Type)
	}
	return v.Str, nil
}

// AsInt returns v's integer payload, the "integer" value shape a
// FieldHandler receives for an integer field.
func AsInt(v *Value) (int64, error) {
	if v.Type != TypeInt {
		return 0, fmt.Errorf("bencode: expected an integer, got a %s", v.Type)
	}
	return v.Int, nil
}
