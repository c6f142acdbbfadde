// Package transport implements the duplex connection shared by client and server.
//
// A Connection multiplexes many concurrent calls over one TCP stream. Each message carries its
// id in the frame header; a single recvLoop reads frames sequentially and hands them to the
// Handler, while writers serialize whole frames under one mutex.
//
//	goroutine-1 ──Send(id=1)──┐
//	goroutine-2 ──Send(id=2)──┼──→ single TCP conn ──→ peer
//	goroutine-3 ──Send(id=3)──┘
//
//	recvLoop: ←── response(id=2) → Handler → pending table → goroutine-2 wakes up
//
// Pipeline per connection, outermost first: idle monitor → frame decoder → Handler → frame
// encoder. The idle monitor runs on its own goroutine so it can close a silent connection no
// matter what the handler is doing.
package transport

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"ring-rpc/codec"
	"ring-rpc/message"
	"ring-rpc/protocol"
	"ring-rpc/rpcerr"

	"github.com/op/go-logging"
	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
)

var log = logging.MustGetLogger("transport")

var (
	ErrClosed      = errors.New("connection closed")
	ErrIdleTimeout = errors.New("connection idle timeout")
)

// probeSeq marks a heartbeat that expects an answer; plain keepalives use 0 and are never answered.
const probeSeq uint64 = 1

// State is the lifecycle position of a Connection.
type State int32

const (
	StateAccepted   State = iota // pipeline installed, not reading yet
	StateActive                  // traffic seen within the idle window
	StateIdleWarned              // one silent window elapsed, probe sent
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateActive:
		return "active"
	case StateIdleWarned:
		return "idle-warned"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Handler receives every decoded request and response. It runs on the read loop, so anything
// slow (invoking user code) must be handed off to another goroutine.
type Handler func(c *Connection, msg *message.Message)

type Options struct {
	Codec codec.Type

	// IdleTimeout is the silence window. After one window the connection sends a probe, after a
	// second it closes. Zero disables idle detection.
	IdleTimeout time.Duration

	// HeartbeatInterval sends a keepalive frame periodically. Zero disables it.
	HeartbeatInterval time.Duration
}

// Connection is one duplex transport session.
type Connection struct {
	id      string
	conn    net.Conn
	codec   codec.Codec
	opts    Options
	handler Handler

	state    atomic.Int32
	lastRead atomic.Int64 // unix nanos of the last decoded frame
	sending  sync.Mutex   // serialises frame writes

	closeOnce sync.Once
	closed    chan struct{}
	hookMu    sync.Mutex
	err       error // guarded by hookMu until closed is closed, then read-only
	onClose   []func(*Connection, error)
}

// NewConnection wraps conn. Nothing is read until Start.
func NewConnection(conn net.Conn, handler Handler, opts Options) *Connection {
	cdc := codec.Get(opts.Codec)
	if cdc == nil {
		cdc = codec.Get(codec.TypeJSON)
	}
	c := &Connection{
		id:      uuid.NewV4().String(),
		conn:    conn,
		codec:   cdc,
		opts:    opts,
		handler: handler,
		closed:  make(chan struct{}),
	}
	c.state.Store(int32(StateAccepted))
	c.lastRead.Store(time.Now().UnixNano())
	return c
}

// Start launches the read loop plus the idle monitor and heartbeat loop when enabled.
func (c *Connection) Start() {
	c.state.CompareAndSwap(int32(StateAccepted), int32(StateActive))
	go c.recvLoop()
	if c.opts.IdleTimeout > 0 {
		go c.idleLoop(c.opts.IdleTimeout)
	}
	if c.opts.HeartbeatInterval > 0 {
		go c.heartbeatLoop(c.opts.HeartbeatInterval)
	}
}

func (c *Connection) ID() string            { return c.id }
func (c *Connection) RemoteAddr() net.Addr  { return c.conn.RemoteAddr() }
func (c *Connection) State() State          { return State(c.state.Load()) }
func (c *Connection) Done() <-chan struct{} { return c.closed }

// Err returns why the connection closed, or nil while it is open.
func (c *Connection) Err() error {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	return c.err
}

func (c *Connection) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// OnClose registers f to run once when the connection closes; if it is already closed, f runs now.
func (c *Connection) OnClose(f func(*Connection, error)) {
	c.hookMu.Lock()
	if c.IsClosed() {
		err := c.err
		c.hookMu.Unlock()
		f(c, err)
		return
	}
	c.onClose = append(c.onClose, f)
	c.hookMu.Unlock()
}

// Send encodes msg and writes it as one frame. Any failure is an rpcerr.ErrTransport; a
// failed write also closes the connection since the stream may hold half a frame.
func (c *Connection) Send(msg *message.Message) error {
	if c.IsClosed() {
		return rpcerr.Transport(ErrClosed)
	}

	var body []byte
	if msg.Kind != message.KindHeartbeat {
		var err error
		if body, err = c.codec.Encode(msg); err != nil {
			return rpcerr.Transport(errors.Wrapf(err, "encode %s %d", msg.Kind, msg.ID))
		}
		if len(body) > int(protocol.MaxBodySize) {
			return rpcerr.Transport(errors.Errorf("%s %d: body of %d bytes exceeds frame limit", msg.Kind, msg.ID, len(body)))
		}
	}
	header := protocol.Header{
		CodecType: byte(c.codec.Type()),
		MsgType:   msg.Kind,
		Seq:       msg.ID,
		BodyLen:   uint32(len(body)),
	}

	c.sending.Lock()
	err := protocol.Encode(c.conn, &header, body)
	c.sending.Unlock()
	if err != nil {
		c.closeWithError(err)
		return rpcerr.Transport(err)
	}
	return nil
}

// Close closes the connection; pending close hooks run with ErrClosed.
func (c *Connection) Close() error {
	c.closeWithError(ErrClosed)
	return nil
}

// recvLoop runs in a dedicated goroutine, continuously reading frames from the connection.
// TCP is a byte stream, so reads must be sequential to parse frame boundaries correctly.
func (c *Connection) recvLoop() {
	var err error
	for {
		var header *protocol.Header
		var body []byte
		if header, body, err = protocol.Decode(c.conn); err != nil {
			break
		}
		c.lastRead.Store(time.Now().UnixNano())
		c.state.CompareAndSwap(int32(StateIdleWarned), int32(StateActive))

		var msg *message.Message
		if msg, err = c.decode(header, body); err != nil {
			break
		}
		if msg.Kind == message.KindHeartbeat {
			if msg.ID == probeSeq {
				_ = c.Send(message.Heartbeat())
			}
			continue
		}
		c.handler(c, msg)
	}
	c.closeWithError(err)
}

func (c *Connection) decode(header *protocol.Header, body []byte) (*message.Message, error) {
	if header.MsgType == message.KindHeartbeat {
		return &message.Message{ID: header.Seq, Kind: message.KindHeartbeat}, nil
	}
	cdc := codec.Get(codec.Type(header.CodecType))
	msg := &message.Message{}
	if err := cdc.Decode(body, msg); err != nil {
		return nil, err
	}
	if msg.ID != header.Seq || msg.Kind != header.MsgType {
		return nil, rpcerr.Framingf("header says %s %d, body says %s %d", header.MsgType, header.Seq, msg.Kind, msg.ID)
	}
	return msg, nil
}

// idleLoop closes the connection after two consecutive silent windows. After the first one it
// moves to StateIdleWarned and sends a probe; any frame read in between moves it back to active.
func (c *Connection) idleLoop(window time.Duration) {
	timer := time.NewTimer(window)
	defer timer.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-timer.C:
		}

		silent := time.Since(time.Unix(0, c.lastRead.Load()))
		if silent < window {
			timer.Reset(window - silent)
			continue
		}

		if c.state.CompareAndSwap(int32(StateActive), int32(StateIdleWarned)) {
			log.Debugf("conn %s (%s): idle for %s, probing", c.id, c.RemoteAddr(), silent.Round(time.Millisecond))
			_ = c.Send(&message.Message{ID: probeSeq, Kind: message.KindHeartbeat})
			timer.Reset(window)
			continue
		}
		if c.State() == StateIdleWarned {
			c.closeWithError(ErrIdleTimeout)
			return
		}
		timer.Reset(window)
	}
}

// heartbeatLoop sends periodic keepalive frames so the peer's idle monitor sees traffic.
// Heartbeat frames have no body, so they're very lightweight.
func (c *Connection) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if err := c.Send(message.Heartbeat()); err != nil {
				return
			}
		}
	}
}

func (c *Connection) closeWithError(err error) {
	var hooks []func(*Connection, error)
	fired := false
	c.closeOnce.Do(func() {
		if err == nil {
			err = ErrClosed
		}
		c.state.Store(int32(StateClosed))
		_ = c.conn.Close()

		c.hookMu.Lock()
		c.err = err
		close(c.closed)
		hooks = c.onClose
		c.onClose = nil
		c.hookMu.Unlock()
		fired = true
	})
	if !fired {
		return
	}

	switch {
	case err == ErrClosed || err == io.EOF:
		log.Debugf("conn %s (%s) closed: %v", c.id, c.RemoteAddr(), err)
	case err == ErrIdleTimeout:
		log.Noticef("conn %s (%s) closed after idle timeout", c.id, c.RemoteAddr())
	case errors.Is(err, rpcerr.ErrFraming):
		log.Warningf("conn %s (%s) closed on framing error: %v", c.id, c.RemoteAddr(), err)
	default:
		log.Infof("conn %s (%s) closed: %v", c.id, c.RemoteAddr(), err)
	}

	// Hooks run outside the once so they may call back into the connection.
	for _, f := range hooks {
		f(c, err)
	}
}
