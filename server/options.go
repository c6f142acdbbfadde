package server

import (
	"time"

	"ring-rpc/codec"
	"ring-rpc/pending"

	metrics "github.com/rcrowley/go-metrics"
)

const (
	DefaultIdleTimeout = 60 * time.Second
	DefaultKeepAlive   = 30 * time.Second
	DefaultWorkers     = 256
	DefaultCallTimeout = 2 * time.Second
	DefaultTTL         = 10 // seconds
)

// Options tune a Server. Zero fields take the defaults above.
type Options struct {
	Codec codec.Type

	// IdleTimeout closes a connection after two silent windows; negative disables idle detection.
	IdleTimeout time.Duration

	// KeepAlive is the TCP keep-alive period of accepted connections; negative disables it.
	KeepAlive time.Duration

	// Workers bounds the requests being handled at once. Requests beyond it are refused. A handler
	// abandoned by middleware.Timeout releases its slot while it keeps running, so with that
	// middleware installed more than Workers method invocations can be alive.
	Workers int

	// CallTimeout, SweepInterval and SweepGrace apply to calls the server makes with CallPeer.
	CallTimeout   time.Duration
	SweepInterval time.Duration
	SweepGrace    time.Duration

	TTL int64 // registry lease, seconds

	// Weight and Version are published with every registered service. Weight 0 counts as 1.
	Weight  int
	Version string

	Metrics metrics.Registry
}

func (o Options) withDefaults() Options {
	if o.IdleTimeout == 0 {
		o.IdleTimeout = DefaultIdleTimeout
	} else if o.IdleTimeout < 0 {
		o.IdleTimeout = 0
	}
	if o.KeepAlive == 0 {
		o.KeepAlive = DefaultKeepAlive
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = pending.DefaultSweepInterval
	}
	if o.SweepGrace <= 0 {
		o.SweepGrace = pending.DefaultSweepGrace
	}
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.Metrics == nil {
		o.Metrics = metrics.DefaultRegistry
	}
	return o
}
