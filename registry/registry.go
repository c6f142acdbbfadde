// Package registry resolves a service name to the endpoints currently serving it.
package registry

import (
	"context"

	"github.com/blang/semver"
	"github.com/op/go-logging"
	"github.com/pkg/errors"
)

var log = logging.MustGetLogger("registry")

type ServiceInstance struct {
	Addr    string `json:"addr"`
	Weight  int    `json:"weight,omitempty"` // Weight for load balancing
	Version string `json:"version,omitempty"`
}

type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list after every change until ctx is cancelled.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}

// Addrs returns the endpoint of every instance, in order.
func Addrs(instances []ServiceInstance) []string {
	addrs := make([]string, 0, len(instances))
	for _, inst := range instances {
		addrs = append(addrs, inst.Addr)
	}
	return addrs
}

// Weights maps each endpoint to its weight, for weighted balancers.
func Weights(instances []ServiceInstance) map[string]int {
	weights := make(map[string]int, len(instances))
	for _, inst := range instances {
		weights[inst.Addr] = inst.Weight
	}
	return weights
}

// FilterVersion keeps the instances whose version satisfies constraint, a semver range such as
// ">=1.2.0 <2.0.0". An empty constraint keeps everything; instances with an unparsable version
// are dropped.
func FilterVersion(instances []ServiceInstance, constraint string) ([]ServiceInstance, error) {
	if constraint == "" {
		return instances, nil
	}
	accept, err := semver.ParseRange(constraint)
	if err != nil {
		return nil, errors.Wrapf(err, "version constraint %q", constraint)
	}

	kept := make([]ServiceInstance, 0, len(instances))
	for _, inst := range instances {
		v, err := semver.ParseTolerant(inst.Version)
		if err != nil {
			log.Debugf("skipping %s: version %q: %v", inst.Addr, inst.Version, err)
			continue
		}
		if accept(v) {
			kept = append(kept, inst)
		}
	}
	return kept, nil
}
