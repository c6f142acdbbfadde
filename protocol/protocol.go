// Package protocol implements the binary frame protocol for ring-rpc.
//
// It solves TCP's sticky packet problem by using a fixed-size 18-byte header
// followed by a variable-length body. The receiver reads the header first to
// determine the body length, then reads exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5  6                  14        18
//	┌──────┬──┬──┬──┬──────────────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│       seq        │ bodyLen │    body ...    │
//	│ rrp  │02│  │  │      uint64      │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴──────────────────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"io"

	"ring-rpc/message"
	"ring-rpc/rpcerr"
)

// Magic number bytes: "rrp" (ring-rpc protocol).
// Used to quickly identify whether the incoming data is a valid frame,
// rejecting non-protocol connections (e.g., HTTP clients hitting the wrong port).
const (
	MagicNumber byte = 0x72 // 'r'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x02
	HeaderSize  int  = 18 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 8 (seq) + 4 (bodyLen)

	// MaxBodySize bounds a single frame so a corrupt length prefix cannot make
	// the reader allocate arbitrary memory.
	MaxBodySize uint32 = 16 << 20
)

// Codec type constants, mirrored from codec package to avoid circular import.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

// Header represents the fixed 18-byte frame header.
// It carries metadata needed to decode the following body correctly.
type Header struct {
	CodecType byte         // Serialization format: 0=JSON, 1=Binary
	MsgType   message.Kind // Request, Response, or Heartbeat
	Seq       uint64       // Message id, matches a response to its request
	BodyLen   uint32       // Body length in bytes
}

// Encode writes a complete frame (header + body) to w in a single Write call.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different requests will interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	buf := make([]byte, HeaderSize, HeaderSize+len(body))

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint64(buf[6:14], h.Seq)
	binary.BigEndian.PutUint32(buf[14:18], uint32(len(body)))

	_, err := w.Write(append(buf, body...))
	return err
}

// Decode reads a complete frame (header + body) from r.
//
// A clean end of stream before the first header byte is returned as io.EOF. Anything else
// that is not a well-formed frame (bad magic, version, codec, type, oversized or truncated
// body) is an error wrapping rpcerr.ErrFraming. Transport errors such as read deadlines are
// returned unchanged so the caller can tell them apart.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, nil, rpcerr.Framingf("truncated header")
		}
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, rpcerr.Framingf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, rpcerr.Framingf("unsupported version: %d", headerBuf[3])
	}
	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeBinary {
		return nil, nil, rpcerr.Framingf("unsupported codec type: %d", headerBuf[4])
	}
	msgType := message.Kind(headerBuf[5])
	if !msgType.Valid() {
		return nil, nil, rpcerr.Framingf("unsupported message type: %d", headerBuf[5])
	}

	seq := binary.BigEndian.Uint64(headerBuf[6:14])
	bodyLen := binary.BigEndian.Uint32(headerBuf[14:18])
	if bodyLen > MaxBodySize {
		return nil, nil, rpcerr.Framingf("body length %d exceeds %d", bodyLen, MaxBodySize)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, nil, rpcerr.Framingf("truncated body: want %d bytes", bodyLen)
		}
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   msgType,
		Seq:       seq,
		BodyLen:   bodyLen,
	}, body, nil
}
