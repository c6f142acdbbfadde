package codec

import (
	"encoding/binary"
	"encoding/json"
	"math"

	"ring-rpc/message"
	"ring-rpc/rpcerr"

	"github.com/pkg/errors"
)

// BinaryCodec lays a message out as length-prefixed fields in network byte order:
//
//	id        uint64
//	kind      uint8
//	target    uint16 len + bytes
//	method    uint16 len + bytes
//	argTypes  uint16 count, then uint16 len + bytes each
//	args      uint16 count, then uint32 len + bytes each
//	result    uint32 len + bytes
//	error     uint16 len + bytes
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(msg *message.Message) ([]byte, error) {
	if len(msg.ArgumentTypes) > math.MaxUint16 || len(msg.Arguments) > math.MaxUint16 {
		return nil, errors.Errorf("BinaryCodec: too many arguments (%d)", len(msg.Arguments))
	}

	// Calculate the length of the message
	total := 8 + 1 + 2 + len(msg.TargetType) + 2 + len(msg.MethodName) + 2 + 2 + 4 + len(msg.Result) + 2 + len(msg.Error)
	for _, t := range msg.ArgumentTypes {
		total += 2 + len(t)
	}
	for _, a := range msg.Arguments {
		total += 4 + len(a)
	}

	w := &writer{buf: make([]byte, 0, total)}
	w.uint64(msg.ID)
	w.buf = append(w.buf, byte(msg.Kind))
	if err := w.short(msg.TargetType); err != nil {
		return nil, err
	}
	if err := w.short(msg.MethodName); err != nil {
		return nil, err
	}
	w.uint16(uint16(len(msg.ArgumentTypes)))
	for _, t := range msg.ArgumentTypes {
		if err := w.short(t); err != nil {
			return nil, err
		}
	}
	w.uint16(uint16(len(msg.Arguments)))
	for _, a := range msg.Arguments {
		w.long(a)
	}
	w.long(msg.Result)
	if err := w.short(msg.Error); err != nil {
		return nil, err
	}
	return w.buf, nil
}

func (c *BinaryCodec) Decode(data []byte, msg *message.Message) error {
	r := &reader{data: data}

	msg.ID = r.uint64()
	msg.Kind = message.Kind(r.uint8())
	msg.TargetType = r.short()
	msg.MethodName = r.short()

	msg.ArgumentTypes = nil
	if n := int(r.uint16()); n > 0 && r.err == nil {
		msg.ArgumentTypes = make([]string, 0, n)
		for i := 0; i < n && r.err == nil; i++ {
			msg.ArgumentTypes = append(msg.ArgumentTypes, r.short())
		}
	}

	msg.Arguments = nil
	if n := int(r.uint16()); n > 0 && r.err == nil {
		msg.Arguments = make([]json.RawMessage, 0, n)
		for i := 0; i < n && r.err == nil; i++ {
			msg.Arguments = append(msg.Arguments, r.long())
		}
	}

	msg.Result = r.long()
	msg.Error = r.short()

	if r.err != nil {
		return r.err
	}
	if r.off != len(data) {
		return rpcerr.Framingf("binary body: %d trailing bytes", len(data)-r.off)
	}
	if !msg.Kind.Valid() {
		return rpcerr.Framingf("binary body: unknown kind %d", msg.Kind)
	}
	return nil
}

func (c *BinaryCodec) Type() Type {
	return TypeBinary
}

type writer struct {
	buf []byte
}

func (w *writer) uint16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *writer) uint32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *writer) uint64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }

func (w *writer) short(s string) error {
	if len(s) > math.MaxUint16 {
		return errors.Errorf("BinaryCodec: field of %d bytes exceeds %d", len(s), math.MaxUint16)
	}
	w.uint16(uint16(len(s)))
	w.buf = append(w.buf, s...)
	return nil
}

func (w *writer) long(b []byte) {
	w.uint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// reader consumes data front to back; the first short read latches err and every later
// read returns zero values.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data)-r.off < n {
		r.err = rpcerr.Framingf("binary body truncated at offset %d (need %d bytes, have %d)", r.off, n, len(r.data)-r.off)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) uint8() byte {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) uint16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) uint32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) uint64() uint64 {
	if b := r.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (r *reader) short() string {
	return string(r.take(int(r.uint16())))
}

// long returns a copy so the message does not alias the frame buffer; empty fields decode as nil.
func (r *reader) long() json.RawMessage {
	n := int(r.uint32())
	b := r.take(n)
	if len(b) == 0 {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}
