package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"ring-rpc/message"
	"ring-rpc/rpcerr"

	"github.com/pkg/errors"
)

func TestEncodeDecode(t *testing.T) {
	header := Header{
		CodecType: CodecTypeJSON,
		MsgType:   message.KindRequest,
		Seq:       1<<40 + 12345,
		BodyLen:   11,
	}
	body := []byte("hello world")

	var buf bytes.Buffer
	if err := Encode(&buf, &header, body); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if buf.Len() != HeaderSize+len(body) {
		t.Fatalf("frame size: got %d, want %d", buf.Len(), HeaderSize+len(body))
	}

	decodedHeader, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if *decodedHeader != header {
		t.Errorf("header mismatch: got %+v, want %+v", *decodedHeader, header)
	}
	if !bytes.Equal(decodedBody, body) {
		t.Errorf("Body mismatch: got %s, want %s", string(decodedBody), string(body))
	}
}

func TestDecodeInvalidMagic(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x00, 0x00, Version, CodecTypeJSON, byte(message.KindRequest)})
	buf.Write(make([]byte, 12))

	_, _, err := Decode(&buf)
	if !errors.Is(err, rpcerr.ErrFraming) {
		t.Fatalf("expected framing error, got %v", err)
	}
	if !bytes.Contains([]byte(err.Error()), []byte("invalid magic number")) {
		t.Errorf("Error message should contain 'invalid magic', instead: %v", err)
	}
}

func TestDecodeInvalidVersion(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{MagicNumber, MagicByte2, MagicByte3, 0xFF, CodecTypeJSON, byte(message.KindRequest)})
	buf.Write(make([]byte, 12))

	_, _, err := Decode(&buf)
	if !errors.Is(err, rpcerr.ErrFraming) {
		t.Fatalf("expected framing error, got %v", err)
	}
	if !bytes.Contains([]byte(err.Error()), []byte("unsupported version")) {
		t.Errorf("error should mention 'unsupported version', got: %v", err)
	}
}

func TestDecodeEmptyBody(t *testing.T) {
	header := Header{
		CodecType: CodecTypeJSON,
		MsgType:   message.KindHeartbeat,
	}
	var buf bytes.Buffer
	if err := Encode(&buf, &header, nil); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decodedHeader, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decodedHeader.MsgType != message.KindHeartbeat {
		t.Errorf("MsgType mismatch: got %d, want %d", decodedHeader.MsgType, message.KindHeartbeat)
	}
	if len(decodedBody) != 0 {
		t.Errorf("Expected empty body, got length %d", len(decodedBody))
	}
}

func TestDecodeLargeBody(t *testing.T) {
	var buf bytes.Buffer

	largeBody := make([]byte, 1024*1024)
	for i := range largeBody {
		largeBody[i] = byte(i % 256)
	}

	header := &Header{
		CodecType: CodecTypeBinary,
		MsgType:   message.KindRequest,
		Seq:       999,
	}
	if err := Encode(&buf, header, largeBody); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	_, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(decodedBody, largeBody) {
		t.Errorf("large body mismatch")
	}
}

func TestDecodeOversizedBody(t *testing.T) {
	frame := []byte{MagicNumber, MagicByte2, MagicByte3, Version, CodecTypeJSON, byte(message.KindRequest)}
	frame = binary.BigEndian.AppendUint64(frame, 1)
	frame = binary.BigEndian.AppendUint32(frame, MaxBodySize+1)

	_, _, err := Decode(bytes.NewReader(frame))
	if !errors.Is(err, rpcerr.ErrFraming) {
		t.Fatalf("expected framing error, got %v", err)
	}
}

func TestDecodeTruncated(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, &Header{MsgType: message.KindRequest, Seq: 1}, []byte("hello world")); err != nil {
		t.Fatal(err)
	}
	frame := buf.Bytes()

	for _, cut := range []int{3, HeaderSize, HeaderSize + 4} {
		_, _, err := Decode(bytes.NewReader(frame[:cut]))
		if !errors.Is(err, rpcerr.ErrFraming) {
			t.Errorf("cut at %d: expected framing error, got %v", cut, err)
		}
	}
}

func TestDecodeCleanEOF(t *testing.T) {
	_, _, err := Decode(bytes.NewReader(nil))
	if err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}
