// Package client invokes remote methods over pooled, multiplexed connections.
//
// One call goes through:
//
//	arity check → LoadBalancer.Select → Pool.Get(endpoint) → fresh id → pending.Register
//	  → one frame write → wait for {reply, local timeout, connection loss, sweep}
//
// The first of those outcomes wins; the others are dropped.
package client

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"ring-rpc/loadbalance"
	"ring-rpc/message"
	"ring-rpc/pending"
	"ring-rpc/registry"
	"ring-rpc/rpcerr"
	"ring-rpc/transport"

	"github.com/op/go-logging"
	"github.com/pkg/errors"
	metrics "github.com/rcrowley/go-metrics"
)

var log = logging.MustGetLogger("client")

type Client struct {
	opts     Options
	registry registry.Registry // find service instances
	pool     *transport.Pool   // one shared connection per endpoint
	pending  *pending.Table
	nextID   atomic.Uint64

	stopSweeper context.CancelFunc
	closed      atomic.Bool

	calls             metrics.Timer
	timeouts          metrics.Counter
	transportFailures metrics.Counter
	connectFailures   metrics.Counter
	remoteFailures    metrics.Counter
}

// NewClient creates a client resolving service names through reg. reg may be nil when only
// Invoke with explicit endpoints is used.
func NewClient(reg registry.Registry, opts Options) *Client {
	opts = opts.withDefaults()
	r := metrics.NewPrefixedChildRegistry(opts.Metrics, "client.")
	c := &Client{
		opts:              opts,
		registry:          reg,
		pending:           pending.NewTable(r),
		calls:             metrics.GetOrRegisterTimer("calls", r),
		timeouts:          metrics.GetOrRegisterCounter("failures.timeout", r),
		transportFailures: metrics.GetOrRegisterCounter("failures.transport", r),
		connectFailures:   metrics.GetOrRegisterCounter("failures.connect", r),
		remoteFailures:    metrics.GetOrRegisterCounter("failures.remote", r),
	}
	c.pool = transport.NewPool(c.handle,
		transport.Options{Codec: opts.Codec, HeartbeatInterval: opts.HeartbeatInterval},
		transport.DialOptions{Timeout: opts.DialTimeout, KeepAlive: opts.KeepAlive, NoDelay: true},
		c.connectionLost)

	ctx, cancel := context.WithCancel(context.Background())
	c.stopSweeper = cancel
	go pending.NewSweeper(c.pending, opts.SweepInterval, opts.SweepGrace).Run(ctx)
	return c
}

// Invoke sends req to one of endpoints and waits for the Response. routingKey feeds the load
// balancer; a non-positive timeout uses Options.CallTimeout.
//
// The returned error wraps one of the rpcerr sentinels, with one exception: when ctx is
// cancelled the error wraps context.Canceled. A ctx deadline counts as rpcerr.ErrCallTimeout.
// A method that failed remotely is not an error here: its Response comes back with Error set.
func (c *Client) Invoke(ctx context.Context, endpoints []string, routingKey string, req *message.Message, timeout time.Duration) (*message.Message, error) {
	if len(req.Arguments) != len(req.ArgumentTypes) {
		return nil, errors.Wrapf(rpcerr.ErrArgumentMismatch, "%s declares %d arguments, got %d",
			req.ServiceMethod(), len(req.ArgumentTypes), len(req.Arguments))
	}
	if c.closed.Load() {
		return nil, errors.Wrap(rpcerr.ErrConnectFailed, "client closed")
	}
	if timeout <= 0 {
		timeout = c.opts.CallTimeout
	}

	addr, err := c.opts.Balancer.Select(endpoints, routingKey)
	if err != nil {
		return nil, err
	}
	conn, err := c.pool.Get(ctx, addr)
	if err != nil {
		c.connectFailures.Inc(1)
		return nil, err
	}

	start := time.Now()
	req.ID = c.nextID.Add(1)
	req.Kind = message.KindRequest
	call, err := c.pending.Register(req.ID, timeout, conn.ID())
	if err != nil {
		return nil, err
	}
	if err := conn.Send(req); err != nil {
		c.pending.CompleteWithError(req.ID, err)
	}

	o := call.Wait(ctx)
	c.calls.UpdateSince(start)
	switch {
	case o.Err == nil:
		return o.Reply, nil
	case errors.Is(o.Err, rpcerr.ErrCallTimeout):
		c.timeouts.Inc(1)
	case errors.Is(o.Err, rpcerr.ErrTransport):
		c.transportFailures.Inc(1)
	}
	return nil, o.Err
}

// Call invokes serviceMethod ("Arith.Add") with a single argument and decodes the result into
// reply. Endpoints come from the registry on every attempt. A failure of the remote method is
// returned as *rpcerr.RemoteError.
func (c *Client) Call(ctx context.Context, serviceMethod string, args any, reply any, opts ...CallOption) error {
	return c.Method(serviceMethod, 1, opts...).Call(ctx, reply, args)
}

// call is the shared path behind Method.Call.
func (c *Client) call(ctx context.Context, serviceName string, req *message.Message, reply any, o callOptions) error {
	var resp *message.Message
	for attempt := 0; ; attempt++ {
		endpoints, err := c.lookup(ctx, serviceName, o.version)
		if err == nil {
			resp, err = c.Invoke(ctx, endpoints, o.routingKey, req, o.timeout)
		}
		if err == nil {
			break
		}
		if !rpcerr.IsRetryable(err) || attempt >= o.retries {
			return err
		}
		delay := o.baseDelay * time.Duration(1<<attempt)
		log.Infof("retry %d of %s in %s: %v", attempt+1, req.ServiceMethod(), delay, err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return errors.Wrapf(err, "retry abandoned: %v", ctx.Err())
		}
	}

	if resp.Error != "" {
		c.remoteFailures.Inc(1)
		return &rpcerr.RemoteError{ServiceMethod: req.ServiceMethod(), Message: resp.Error}
	}
	if reply == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, reply); err != nil {
		return errors.Wrapf(err, "decode result of %s", req.ServiceMethod())
	}
	return nil
}

func (c *Client) lookup(ctx context.Context, serviceName, version string) ([]string, error) {
	if c.registry == nil {
		return nil, errors.Wrapf(rpcerr.ErrNoAvailableEndpoint, "%s: no registry", serviceName)
	}
	instances, err := c.registry.Discover(ctx, serviceName)
	if err != nil {
		return nil, errors.Wrapf(rpcerr.ErrNoAvailableEndpoint, "discover %s: %v", serviceName, err)
	}
	if instances, err = registry.FilterVersion(instances, version); err != nil {
		return nil, err
	}
	if w, ok := c.opts.Balancer.(loadbalance.Weighted); ok {
		w.SetWeights(registry.Weights(instances))
	}
	return registry.Addrs(instances), nil
}

// handle runs on each pooled connection's read loop.
func (c *Client) handle(conn *transport.Connection, msg *message.Message) {
	switch msg.Kind {
	case message.KindResponse:
		if !c.pending.CompleteWithResult(msg.ID, msg) {
			log.Noticef("dropping reply %d from %s: call already finished", msg.ID, conn.RemoteAddr())
		}
	case message.KindRequest:
		go c.serve(conn, msg)
	}
}

// serve answers a request the server sent back over conn.
func (c *Client) serve(conn *transport.Connection, req *message.Message) {
	var resp *message.Message
	if c.opts.Services == nil {
		resp = req.ReplyTo(nil, "client exposes no services")
	} else {
		resp = c.opts.Services.Dispatch(context.Background(), req)
	}
	if err := conn.Send(resp); err != nil {
		log.Warningf("reply %d to %s: %v", req.ID, conn.RemoteAddr(), err)
	}
}

// connectionLost fails every call still waiting on conn instead of leaving it to the sweeper.
func (c *Client) connectionLost(conn *transport.Connection, err error) {
	if n := c.pending.FailOwner(conn.ID(), rpcerr.Transport(err)); n > 0 {
		log.Warningf("conn %s to %s lost with %d calls in flight: %v", conn.ID(), conn.RemoteAddr(), n, err)
	}
}

// Pending returns the number of calls awaiting a reply or eviction.
func (c *Client) Pending() int {
	return c.pending.Len()
}

// Close stops the sweeper and closes every pooled connection; calls in flight fail with
// rpcerr.ErrTransport.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.stopSweeper()
	return c.pool.Close()
}

func splitServiceMethod(serviceMethod string) (string, string, error) {
	dot := strings.LastIndex(serviceMethod, ".")
	if dot <= 0 || dot == len(serviceMethod)-1 {
		return "", "", errors.Errorf("invalid service method %q, want \"Service.Method\"", serviceMethod)
	}
	return serviceMethod[:dot], serviceMethod[dot+1:], nil
}
