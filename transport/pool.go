package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"ring-rpc/rpcerr"

	"github.com/pkg/errors"
)

// DialOptions control how the pool opens TCP connections.
type DialOptions struct {
	Timeout   time.Duration // connect timeout; 0 means no timeout beyond the caller's ctx
	KeepAlive time.Duration // TCP keep-alive period; negative disables it
	NoDelay   bool
}

// Pool keeps one shared Connection per endpoint. Concurrent calls to the same endpoint reuse
// that connection and are told apart purely by message id, so a dial is paid once per endpoint
// rather than once per call. Closed connections are evicted and redialed on next use.
type Pool struct {
	mu      sync.Mutex
	conns   map[string]*Connection // endpoint → live connection
	closed  bool
	dialer  net.Dialer
	noDelay bool
	opts    Options
	handler Handler
	onClose func(*Connection, error)
}

// NewPool creates an empty pool. Every connection it opens reads with handler, and onClose (if
// non-nil) runs once for each connection that closes, after it has been evicted.
func NewPool(handler Handler, opts Options, dial DialOptions, onClose func(*Connection, error)) *Pool {
	return &Pool{
		conns:   make(map[string]*Connection),
		dialer:  net.Dialer{Timeout: dial.Timeout, KeepAlive: dial.KeepAlive},
		noDelay: dial.NoDelay,
		opts:    opts,
		handler: handler,
		onClose: onClose,
	}
}

// Get returns the live connection to addr, dialing one if needed. A failed dial is reported
// as rpcerr.ErrConnectFailed: nothing was sent.
func (p *Pool) Get(ctx context.Context, addr string) (*Connection, error) {
	if c, err := p.lookup(addr); c != nil || err != nil {
		return c, err
	}

	netConn, err := p.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(rpcerr.ErrConnectFailed, "dial %s: %v", addr, err)
	}
	if tcp, ok := netConn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(p.noDelay)
	}
	c := NewConnection(netConn, p.handler, p.opts)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = netConn.Close()
		return nil, errors.Wrapf(rpcerr.ErrConnectFailed, "dial %s: pool closed", addr)
	}
	// Another caller may have won the race to dial the same endpoint
	if existing := p.conns[addr]; existing != nil && !existing.IsClosed() {
		p.mu.Unlock()
		_ = netConn.Close()
		return existing, nil
	}
	p.conns[addr] = c
	p.mu.Unlock()

	c.OnClose(func(c *Connection, err error) {
		p.evict(addr, c)
		if p.onClose != nil {
			p.onClose(c, err)
		}
	})
	c.Start()
	log.Debugf("pool: connected to %s (conn %s)", addr, c.ID())
	return c, nil
}

func (p *Pool) lookup(addr string) (*Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.Wrapf(rpcerr.ErrConnectFailed, "dial %s: pool closed", addr)
	}
	if c := p.conns[addr]; c != nil && !c.IsClosed() {
		return c, nil
	}
	return nil, nil
}

// evict forgets c if it is still the connection registered for addr.
func (p *Pool) evict(addr string, c *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns[addr] == c {
		delete(p.conns, addr)
	}
}

// Len returns the number of pooled connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close shuts down the pool and closes all connections.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	conns := make([]*Connection, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	return nil
}
