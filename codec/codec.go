// Package codec serializes a message.Message to and from a frame body.
//
// Codecs are symmetric: Decode(Encode(m)) reproduces m. Malformed input is reported as an
// error wrapping rpcerr.ErrFraming, never as a panic.
package codec

import (
	"fmt"
	"strings"

	"ring-rpc/message"
)

type Type byte

const (
	TypeJSON   Type = 0
	TypeBinary Type = 1
)

func (t Type) String() string {
	switch t {
	case TypeJSON:
		return "json"
	case TypeBinary:
		return "binary"
	}
	return fmt.Sprintf("codec(%d)", byte(t))
}

type Codec interface {
	Encode(msg *message.Message) ([]byte, error)
	Decode(data []byte, msg *message.Message) error
	Type() Type // 0=JSON, 1=Binary
}

var (
	jsonCodec   = &JSONCodec{}
	binaryCodec = &BinaryCodec{}
)

// Get returns the codec for t, or nil if t is unknown.
func Get(t Type) Codec {
	switch t {
	case TypeJSON:
		return jsonCodec
	case TypeBinary:
		return binaryCodec
	}
	return nil
}

// Parse maps a configuration name ("json", "binary") to a codec type.
func Parse(name string) (Type, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return TypeJSON, nil
	case "binary":
		return TypeBinary, nil
	}
	return 0, fmt.Errorf("unknown codec %q", name)
}
