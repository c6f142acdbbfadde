package transport

import (
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"ring-rpc/codec"
	"ring-rpc/message"
	"ring-rpc/protocol"
	"ring-rpc/rpcerr"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echo answers every request with its first argument.
func echo(c *Connection, msg *message.Message) {
	if msg.Kind != message.KindRequest {
		return
	}
	var result []byte
	if len(msg.Arguments) > 0 {
		result = msg.Arguments[0]
	}
	go c.Send(msg.ReplyTo(result, ""))
}

func waitClosed(t *testing.T, c *Connection) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("conn %s did not close", c.ID())
	}
}

func TestConcurrentSendsAreCorrelatedByID(t *testing.T) {
	for _, ct := range []codec.Type{codec.TypeJSON, codec.TypeBinary} {
		t.Run(ct.String(), func(t *testing.T) {
			left, right := net.Pipe()

			replies := make(chan *message.Message, 100)
			caller := NewConnection(left, func(_ *Connection, msg *message.Message) { replies <- msg }, Options{Codec: ct})
			callee := NewConnection(right, echo, Options{Codec: ct})
			caller.Start()
			callee.Start()
			defer caller.Close()
			defer callee.Close()

			const n = 50
			var wg sync.WaitGroup
			for i := 1; i <= n; i++ {
				wg.Add(1)
				go func(id message.ID) {
					defer wg.Done()
					req, err := message.NewRequest("Echo", "Int", id)
					if !assert.NoError(t, err) {
						return
					}
					req.ID = id
					assert.NoError(t, caller.Send(req))
				}(message.ID(i))
			}
			wg.Wait()

			seen := make(map[message.ID]bool)
			for len(seen) < n {
				select {
				case msg := <-replies:
					assert.Equal(t, message.KindResponse, msg.Kind)
					// The echoed argument is the id itself
					assert.Equal(t, strconv.FormatUint(msg.ID, 10), string(msg.Result))
					assert.False(t, seen[msg.ID], "reply %d delivered twice", msg.ID)
					seen[msg.ID] = true
				case <-time.After(2 * time.Second):
					t.Fatalf("got %d of %d replies", len(seen), n)
				}
			}
		})
	}
}

func TestFramingErrorClosesOnlyThatConnection(t *testing.T) {
	badLeft, badRight := net.Pipe()
	goodLeft, goodRight := net.Pipe()
	defer badRight.Close()

	bad := NewConnection(badLeft, echo, Options{})
	good := NewConnection(goodLeft, echo, Options{})
	peer := NewConnection(goodRight, func(*Connection, *message.Message) {}, Options{})

	var hookCalls int
	var hookErr error
	var mu sync.Mutex
	bad.OnClose(func(_ *Connection, err error) {
		mu.Lock()
		defer mu.Unlock()
		hookCalls++
		hookErr = err
	})
	bad.Start()
	good.Start()
	peer.Start()
	defer good.Close()
	defer peer.Close()

	_, err := badRight.Write(make([]byte, protocol.HeaderSize))
	require.NoError(t, err)

	waitClosed(t, bad)
	assert.Equal(t, StateClosed, bad.State())
	assert.True(t, errors.Is(bad.Err(), rpcerr.ErrFraming))

	// A second close does not re-run hooks
	_ = bad.Close()
	mu.Lock()
	assert.Equal(t, 1, hookCalls)
	assert.True(t, errors.Is(hookErr, rpcerr.ErrFraming))
	mu.Unlock()

	assert.False(t, good.IsClosed())
	assert.NoError(t, peer.Send(message.Heartbeat()))
}

func TestMismatchedHeaderAndBodyIsFramingError(t *testing.T) {
	left, right := net.Pipe()
	defer right.Close()
	c := NewConnection(left, echo, Options{})
	c.Start()

	body, err := codec.Get(codec.TypeJSON).Encode(&message.Message{ID: 7, Kind: message.KindResponse})
	require.NoError(t, err)
	header := protocol.Header{CodecType: protocol.CodecTypeJSON, MsgType: message.KindResponse, Seq: 8, BodyLen: uint32(len(body))}
	require.NoError(t, protocol.Encode(right, &header, body))

	waitClosed(t, c)
	assert.True(t, errors.Is(c.Err(), rpcerr.ErrFraming))
}

func TestIdleProbeThenClose(t *testing.T) {
	left, right := net.Pipe()
	defer right.Close()

	c := NewConnection(left, echo, Options{IdleTimeout: 40 * time.Millisecond})
	c.Start()
	assert.Equal(t, StateActive, c.State())

	// The silent peer only reads
	header, body, err := protocol.Decode(right)
	require.NoError(t, err)
	assert.Equal(t, message.KindHeartbeat, header.MsgType)
	assert.Equal(t, probeSeq, header.Seq)
	assert.Empty(t, body)

	waitClosed(t, c)
	assert.Equal(t, ErrIdleTimeout, c.Err())
}

func TestTrafficKeepsConnectionActive(t *testing.T) {
	left, right := net.Pipe()
	defer right.Close()

	c := NewConnection(left, echo, Options{IdleTimeout: 50 * time.Millisecond})
	c.Start()
	defer c.Close()

	go func() {
		for {
			if _, _, err := protocol.Decode(right); err != nil {
				return
			}
		}
	}()

	ping := protocol.Header{CodecType: protocol.CodecTypeJSON, MsgType: message.KindHeartbeat}
	for i := 0; i < 20; i++ {
		require.NoError(t, protocol.Encode(right, &ping, nil))
		time.Sleep(10 * time.Millisecond)
	}
	assert.False(t, c.IsClosed())
	assert.Equal(t, StateActive, c.State())
}

func TestProbeIsAnsweredAndHeartbeatsSkipHandler(t *testing.T) {
	left, right := net.Pipe()
	defer right.Close()

	handled := make(chan *message.Message, 1)
	c := NewConnection(left, func(_ *Connection, msg *message.Message) { handled <- msg }, Options{})
	c.Start()
	defer c.Close()

	probe := protocol.Header{CodecType: protocol.CodecTypeJSON, MsgType: message.KindHeartbeat, Seq: probeSeq}
	require.NoError(t, protocol.Encode(right, &probe, nil))

	header, _, err := protocol.Decode(right)
	require.NoError(t, err)
	assert.Equal(t, message.KindHeartbeat, header.MsgType)
	assert.Equal(t, uint64(0), header.Seq, "answers must not be probes themselves")

	select {
	case msg := <-handled:
		t.Fatalf("heartbeat reached the handler: %+v", msg)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSendAfterClose(t *testing.T) {
	left, right := net.Pipe()
	defer right.Close()
	c := NewConnection(left, echo, Options{})
	c.Start()
	require.NoError(t, c.Close())

	err := c.Send(message.Heartbeat())
	assert.True(t, errors.Is(err, rpcerr.ErrTransport))

	called := make(chan error, 1)
	c.OnClose(func(_ *Connection, err error) { called <- err })
	assert.Equal(t, ErrClosed, <-called)
}

func TestPeerHangupClosesWithEOF(t *testing.T) {
	left, right := net.Pipe()
	c := NewConnection(left, echo, Options{})
	c.Start()

	require.NoError(t, right.Close())
	waitClosed(t, c)
	assert.Error(t, c.Err())
}
