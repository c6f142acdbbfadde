// Package server implements the RPC server with service registration, middleware chain,
// bounded parallel request processing, and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → transport.Connection (idle monitor → frame decoder → handle)
//	  → Request:   worker pool → Middleware Chain → service.Registry.Dispatch → Send reply
//	  → Response:  pending table (calls this server made with CallPeer)
//	  → Heartbeat: answered or dropped by the connection itself
package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"ring-rpc/message"
	"ring-rpc/middleware"
	"ring-rpc/pending"
	"ring-rpc/registry"
	"ring-rpc/rpcerr"
	"ring-rpc/service"
	"ring-rpc/transport"

	"github.com/op/go-logging"
	"github.com/pkg/errors"
	metrics "github.com/rcrowley/go-metrics"
	"golang.org/x/sync/errgroup"
)

var log = logging.MustGetLogger("server")

const (
	busyMessage     = "server busy"
	shutdownMessage = "server shutting down"
)

type peerKey struct{}

// PeerID returns the id of the connection a request arrived on. Service methods that take a
// context can use it to call back into the peer with CallPeer.
func PeerID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(peerKey{}).(string)
	return id, ok
}

// Server is the RPC server that registers services and handles incoming requests.
type Server struct {
	opts        Options
	services    *service.Registry
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(middleware(...(services.Dispatch)))

	// Both guarded by mu.
	registry      registry.Registry // nil if not using discovery
	advertiseAddr string            // routable address registered in the registry, e.g. "127.0.0.1:8080"

	mu          sync.Mutex
	closing     bool // Shutdown has begun; a later ServeListener returns at once
	listener    net.Listener
	conns       map[string]*transport.Connection
	stopSweeper context.CancelFunc

	// gate orders worker admission against Shutdown: no new worker starts once shutdown is set.
	gate     sync.RWMutex
	shutdown atomic.Bool
	workers  errgroup.Group

	nextID  atomic.Uint64
	pending *pending.Table

	connGauge metrics.Gauge
	refused   metrics.Counter
}

// NewServer creates a server with an empty service registry.
func NewServer(opts Options) *Server {
	opts = opts.withDefaults()
	r := metrics.NewPrefixedChildRegistry(opts.Metrics, "server.")
	s := &Server{
		opts:      opts,
		services:  service.NewRegistry(),
		conns:     make(map[string]*transport.Connection),
		pending:   pending.NewTable(r),
		connGauge: metrics.GetOrRegisterGauge("connections", r),
		refused:   metrics.GetOrRegisterCounter("refused", r),
	}
	s.workers.SetLimit(opts.Workers)
	return s
}

// Register registers a service receiver (e.g., &Arith{}) with the server.
func (s *Server) Register(rcvr any) error {
	return s.services.Register(rcvr)
}

// Use registers a middleware. Middlewares are applied in the order they are added and must be
// registered before Serve.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Serve listens on address and serves until Shutdown. If reg is non-nil, every registered
// service is published there under advertiseAddr.
func (s *Server) Serve(network, address string, advertiseAddr string, reg registry.Registry) error {
	ln, err := net.Listen(network, address)
	if err != nil {
		return errors.Wrapf(err, "listen %s", address)
	}
	return s.ServeListener(ln, advertiseAddr, reg)
}

// ServeListener is Serve on an existing listener.
func (s *Server) ServeListener(ln net.Listener, advertiseAddr string, reg registry.Registry) error {
	s.handler = middleware.Chain(s.middlewares...)(s.services.Dispatch)

	// Registration runs under mu so that a concurrent Shutdown deregisters after it, never before.
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	if err := s.register(reg, advertiseAddr); err != nil {
		s.mu.Unlock()
		_ = ln.Close()
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.listener, s.stopSweeper = ln, cancel
	s.registry, s.advertiseAddr = reg, advertiseAddr
	s.mu.Unlock()
	go pending.NewSweeper(s.pending, s.opts.SweepInterval, s.opts.SweepGrace).Run(ctx)

	log.Noticef("serving %v on %s", s.services.Services(), ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			// Shutdown closes the listener; that Accept error is expected.
			if s.shutdown.Load() {
				return nil
			}
			return errors.Wrap(err, "accept")
		}
		s.accept(conn)
	}
}

// register publishes every service in reg. On failure the services already published are
// withdrawn again.
func (s *Server) register(reg registry.Registry, advertiseAddr string) error {
	if reg == nil {
		return nil
	}
	weight := s.opts.Weight
	if weight <= 0 {
		weight = 1
	}
	inst := registry.ServiceInstance{Addr: advertiseAddr, Weight: weight, Version: s.opts.Version}
	var done []string
	for _, name := range s.services.Services() {
		if err := reg.Register(context.Background(), name, inst, s.opts.TTL); err != nil {
			for _, n := range done {
				_ = reg.Deregister(context.Background(), n, advertiseAddr)
			}
			return errors.Wrapf(err, "register %s", name)
		}
		done = append(done, name)
	}
	return nil
}

// Addr returns the listener's address once serving.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) accept(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		if s.opts.KeepAlive > 0 {
			_ = tcp.SetKeepAlive(true)
			_ = tcp.SetKeepAlivePeriod(s.opts.KeepAlive)
		}
	}

	c := transport.NewConnection(conn, s.handle, transport.Options{
		Codec:       s.opts.Codec,
		IdleTimeout: s.opts.IdleTimeout,
	})
	s.mu.Lock()
	s.conns[c.ID()] = c
	s.connGauge.Update(int64(len(s.conns)))
	s.mu.Unlock()

	c.OnClose(func(c *transport.Connection, err error) {
		s.mu.Lock()
		delete(s.conns, c.ID())
		s.connGauge.Update(int64(len(s.conns)))
		s.mu.Unlock()
		s.pending.FailOwner(c.ID(), rpcerr.Transport(err))
	})
	log.Debugf("accepted conn %s from %s", c.ID(), c.RemoteAddr())
	c.Start()
}

// handle runs on the connection's read loop.
func (s *Server) handle(c *transport.Connection, msg *message.Message) {
	switch msg.Kind {
	case message.KindRequest:
		s.dispatch(c, msg)
	case message.KindResponse:
		if !s.pending.CompleteWithResult(msg.ID, msg) {
			log.Noticef("dropping reply %d from %s: no caller waiting", msg.ID, c.RemoteAddr())
		}
	}
}

// dispatch hands req to a worker. When every worker is busy or the server is shutting down the
// request is refused with an error reply instead of queueing on the read loop.
func (s *Server) dispatch(c *transport.Connection, req *message.Message) {
	s.gate.RLock()
	started := false
	if !s.shutdown.Load() {
		started = s.workers.TryGo(func() error {
			ctx := context.WithValue(context.Background(), peerKey{}, c.ID())
			resp := s.handler(ctx, req)
			if err := c.Send(resp); err != nil {
				log.Warningf("reply %d to %s: %v", req.ID, c.RemoteAddr(), err)
			}
			return nil
		})
	}
	refusal := busyMessage
	if s.shutdown.Load() {
		refusal = shutdownMessage
	}
	s.gate.RUnlock()

	if !started {
		s.refused.Inc(1)
		log.Warningf("refusing %s id=%d from %s: %s", req.ServiceMethod(), req.ID, c.RemoteAddr(), refusal)
		go c.Send(req.ReplyTo(nil, refusal))
	}
}

// CallPeer sends req to the peer on connection connID and waits for its reply, using the
// server's own pending table. A zero timeout uses Options.CallTimeout.
func (s *Server) CallPeer(ctx context.Context, connID string, req *message.Message, timeout time.Duration) (*message.Message, error) {
	s.mu.Lock()
	c := s.conns[connID]
	s.mu.Unlock()
	if c == nil {
		return nil, rpcerr.Transport(errors.Errorf("no connection %s", connID))
	}
	if timeout <= 0 {
		timeout = s.opts.CallTimeout
	}

	req.ID = s.nextID.Add(1)
	req.Kind = message.KindRequest
	call, err := s.pending.Register(req.ID, timeout, c.ID())
	if err != nil {
		return nil, err
	}
	if err := c.Send(req); err != nil {
		s.pending.CompleteWithError(req.ID, err)
	}

	o := call.Wait(ctx)
	if o.Err != nil {
		return nil, o.Err
	}
	return o.Reply, nil
}

// Shutdown performs graceful shutdown:
//  1. Deregister all services (clients stop routing to this server)
//  2. Set shutdown flag (so the Accept error is recognized as intentional)
//  3. Close the listener (stop accepting new connections)
//  4. Wait for in-flight invocations to finish (with timeout)
//  5. Close every connection and stop the sweeper
//
// A ServeListener call that has not registered yet returns nil without serving.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	s.closing = true
	reg, advertiseAddr := s.registry, s.advertiseAddr
	s.mu.Unlock()

	if reg != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		for _, name := range s.services.Services() {
			if err := reg.Deregister(ctx, name, advertiseAddr); err != nil {
				log.Warningf("deregister %s: %v", name, err)
			}
		}
		cancel()
	}

	// The flag must be set before the listener closes, or Serve reports the Accept error.
	s.gate.Lock()
	s.shutdown.Store(true)
	s.gate.Unlock()
	s.mu.Lock()
	ln, stopSweeper := s.listener, s.stopSweeper
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}

	done := make(chan struct{})
	go func() {
		_ = s.workers.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = errors.Errorf("timeout waiting for ongoing requests to finish after %s", timeout)
	}

	s.mu.Lock()
	conns := make([]*transport.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	if stopSweeper != nil {
		stopSweeper()
	}
	log.Noticef("shut down (%d connections closed)", len(conns))
	return err
}
