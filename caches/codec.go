package caches

import (
	"bytes"
	"encoding/gob"
)

// envelope lets gob carry an interface value. Concrete types stored through
// an external backend must be registered with gob.Register by their owner.
type envelope struct {
	Value any
}

// Encode serializes v for storage in an external backend.
func Encode(v any) ([]byte, error) {
	var buff bytes.Buffer
	if err := gob.NewEncoder(&buff).Encode(&envelope{Value: v}); err != nil {
		return nil, err
	}
	return buff.Bytes(), nil
}

// Decode reverses Encode.
func Decode(b []byte) (any, error) {
	var e envelope
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&e); err != nil {
		return nil, err
	}
	return e.Value, nil
}
