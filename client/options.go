package client

import (
	"time"

	"ring-rpc/codec"
	"ring-rpc/loadbalance"
	"ring-rpc/pending"
	"ring-rpc/service"

	metrics "github.com/rcrowley/go-metrics"
)

const (
	DefaultCallTimeout       = 2 * time.Second
	DefaultDialTimeout       = 3 * time.Second
	DefaultKeepAlive         = 30 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
)

// Options tune a Client. Zero fields take the defaults.
type Options struct {
	Codec    codec.Type
	Balancer loadbalance.Balancer // consistent hash when nil

	CallTimeout time.Duration // used when a call passes no timeout
	DialTimeout time.Duration
	KeepAlive   time.Duration // TCP keep-alive period; negative disables it

	// HeartbeatInterval keeps pooled connections alive past the server's idle window;
	// negative disables heartbeats.
	HeartbeatInterval time.Duration

	SweepInterval time.Duration
	SweepGrace    time.Duration

	// Services, when set, answers requests the server sends back over pooled connections.
	Services *service.Registry

	Metrics metrics.Registry
}

func (o Options) withDefaults() Options {
	if o.Balancer == nil {
		o.Balancer = loadbalance.NewConsistentHashBalancer(loadbalance.DefaultReplicas)
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.KeepAlive == 0 {
		o.KeepAlive = DefaultKeepAlive
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	} else if o.HeartbeatInterval < 0 {
		o.HeartbeatInterval = 0
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = pending.DefaultSweepInterval
	}
	if o.SweepGrace <= 0 {
		o.SweepGrace = pending.DefaultSweepGrace
	}
	if o.Metrics == nil {
		o.Metrics = metrics.DefaultRegistry
	}
	return o
}

type callOptions struct {
	routingKey string
	timeout    time.Duration
	version    string
	retries    int
	baseDelay  time.Duration
}

// CallOption adjusts a single Call.
type CallOption func(*callOptions)

// WithRoutingKey pins calls with the same key to the same endpoint under consistent hashing.
// The default key is empty.
func WithRoutingKey(key string) CallOption {
	return func(o *callOptions) { o.routingKey = key }
}

func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// WithVersion only routes to instances whose version satisfies the semver range constraint.
func WithVersion(constraint string) CallOption {
	return func(o *callOptions) { o.version = constraint }
}

// WithRetry retries up to max times, with exponential backoff from baseDelay, when the call
// failed before anything was sent (rpcerr.ErrConnectFailed). Other failures are never retried:
// the peer may already have run the call.
func WithRetry(max int, baseDelay time.Duration) CallOption {
	return func(o *callOptions) {
		o.retries = max
		o.baseDelay = baseDelay
	}
}
