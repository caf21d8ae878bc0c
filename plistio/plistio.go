// Package plistio implements the plist envelope shared by the multiplexer
// and lockdown wire formats: send/receive one property tree per message.
// It wraps howett.net/plist; this package owns nothing about plist
// encoding itself.
package plistio

import (
	"io"

	"github.com/MarkFassett/Netimobiledevice/internal/ierrors"
	"howett.net/plist"
)

// Dict is the dynamic plist value shape most mux/lockdown messages use:
// top-level dictionaries with a handful of known keys.
type Dict map[string]interface{}

// Encode renders v as an XML plist, the wire format used for the
// multiplexer and for lockdown/service requests.
func Encode(v interface{}) ([]byte, error) {
	data, err := plist.Marshal(v, plist.XMLFormat)
	if err != nil {
		return nil, ierrors.Wrap(ierrors.ProtocolViolation, err, "encode plist")
	}
	return data, nil
}

// Decode parses a plist (XML or binary; howett.net/plist auto-detects) into v.
func Decode(data []byte, v interface{}) error {
	if _, err := plist.Unmarshal(data, v); err != nil {
		return ierrors.Wrap(ierrors.ProtocolViolation, err, "decode plist")
	}
	return nil
}

// DecodeDict is a convenience for the common case of decoding into a Dict.
func DecodeDict(data []byte) (Dict, error) {
	var d Dict
	if err := Decode(data, &d); err != nil {
		return nil, err
	}
	return d, nil
}

// WriteTo encodes v and writes it to w with no additional framing; callers
// combine this with internal/framing for the length-prefixed wire format.
func WriteTo(w io.Writer, v interface{}) ([]byte, error) {
	data, err := Encode(v)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, ierrors.Wrap(ierrors.TransportLost, err, "write plist")
	}
	return data, nil
}

// --- typed accessors for Dict, replacing the dynamic "StringNode|IntegerNode|..."
// property tree from the original design with typed views that
// return a TypeMismatch-shaped error instead of panicking on a bad assertion.

func (d Dict) String(key string) (string, error) {
	v, ok := d[key]
	if !ok {
		return "", ierrors.New(ierrors.ProtocolViolation, "missing key %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", ierrors.New(ierrors.ProtocolViolation, "key %q is %T, not string", key, v)
	}
	return s, nil
}

func (d Dict) OptString(key, def string) string {
	if v, ok := d[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

func (d Dict) Int(key string) (int64, error) {
	v, ok := d[key]
	if !ok {
		return 0, ierrors.New(ierrors.ProtocolViolation, "missing key %q", key)
	}
	switch n := v.(type) {
	case int64:
		return n, nil
	case uint64:
		return int64(n), nil
	case int:
		return int64(n), nil
	}
	return 0, ierrors.New(ierrors.ProtocolViolation, "key %q is %T, not integer", key, v)
}

func (d Dict) OptInt(key string, def int64) int64 {
	if n, err := d.Int(key); err == nil {
		return n
	}
	return def
}

func (d Dict) Bool(key string) bool {
	if v, ok := d[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

func (d Dict) Bytes(key string) ([]byte, error) {
	v, ok := d[key]
	if !ok {
		return nil, ierrors.New(ierrors.ProtocolViolation, "missing key %q", key)
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, ierrors.New(ierrors.ProtocolViolation, "key %q is %T, not data", key, v)
	}
	return b, nil
}

func (d Dict) OptBytes(key string) []byte {
	if v, ok := d[key]; ok {
		if b, ok := v.([]byte); ok {
			return b
		}
	}
	return nil
}

func (d Dict) Dict(key string) (Dict, error) {
	v, ok := d[key]
	if !ok {
		return nil, ierrors.New(ierrors.ProtocolViolation, "missing key %q", key)
	}
	switch m := v.(type) {
	case Dict:
		return m, nil
	case map[string]interface{}:
		return Dict(m), nil
	}
	return nil, ierrors.New(ierrors.ProtocolViolation, "key %q is %T, not dict", key, v)
}

func (d Dict) Array(key string) ([]interface{}, error) {
	v, ok := d[key]
	if !ok {
		return nil, ierrors.New(ierrors.ProtocolViolation, "missing key %q", key)
	}
	a, ok := v.([]interface{})
	if !ok {
		return nil, ierrors.New(ierrors.ProtocolViolation, "key %q is %T, not array", key, v)
	}
	return a, nil
}
