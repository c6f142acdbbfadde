// Package message defines the RPC envelope exchanged between client and server.
//
// Message is the unit every other layer moves around: the codec serializes it, the protocol
// layer wraps it in a frame, the pending table correlates Responses to Requests by ID.
//
//   - Request:   TargetType/MethodName/ArgumentTypes/Arguments are set.
//   - Response:  Result holds the reply, Error is non-empty if the invoked method failed.
//   - Heartbeat: carries nothing; it only proves the peer is alive.
package message

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// ID correlates a Response with the Request it answers. Zero is never assigned to a call.
type ID = uint64

// Kind distinguishes request, response and heartbeat messages.
type Kind byte

const (
	KindRequest   Kind = 0
	KindResponse  Kind = 1
	KindHeartbeat Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindHeartbeat:
		return "heartbeat"
	}
	return fmt.Sprintf("kind(%d)", byte(k))
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k <= KindHeartbeat
}

type Message struct {
	ID            ID                `json:"id"`
	Kind          Kind              `json:"kind"`
	TargetType    string            `json:"target_type,omitempty"`
	MethodName    string            `json:"method_name,omitempty"`
	ArgumentTypes []string          `json:"argument_types,omitempty"`
	Arguments     []json.RawMessage `json:"arguments,omitempty"`
	Result        json.RawMessage   `json:"result,omitempty"`
	Error         string            `json:"error,omitempty"`
}

// NewRequest binds a local call to a Request: every argument is JSON-encoded and its Go type
// name recorded, so the declared arity is len(ArgumentTypes).
func NewRequest(targetType, methodName string, args ...any) (*Message, error) {
	msg := &Message{
		Kind:       KindRequest,
		TargetType: targetType,
		MethodName: methodName,
	}
	for i, arg := range args {
		data, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("marshal argument %d of %s: %w", i, msg.ServiceMethod(), err)
		}
		msg.ArgumentTypes = append(msg.ArgumentTypes, typeName(arg))
		msg.Arguments = append(msg.Arguments, data)
	}
	return msg, nil
}

// Heartbeat returns a heartbeat probe.
func Heartbeat() *Message {
	return &Message{Kind: KindHeartbeat}
}

// ReplyTo builds the Response for m, carrying the same ID.
func (m *Message) ReplyTo(result json.RawMessage, errText string) *Message {
	return &Message{
		ID:         m.ID,
		Kind:       KindResponse,
		TargetType: m.TargetType,
		MethodName: m.MethodName,
		Result:     result,
		Error:      errText,
	}
}

// ServiceMethod returns "TargetType.MethodName", e.g. "Arith.Add".
func (m *Message) ServiceMethod() string {
	return m.TargetType + "." + m.MethodName
}

// Arity is the number of parameters the request declares.
func (m *Message) Arity() int {
	return len(m.ArgumentTypes)
}

func typeName(v any) string {
	if v == nil {
		return "nil"
	}
	return reflect.TypeOf(v).String()
}
