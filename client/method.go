package client

import (
	"context"

	"ring-rpc/message"
	"ring-rpc/rpcerr"

	"github.com/pkg/errors"
)

// Method binds a remote method to its declared parameter count, the way a generated stub
// would. Calls with a different number of arguments fail before touching the network.
type Method struct {
	client        *Client
	serviceMethod string
	arity         int
	opts          []CallOption
}

// Method returns a stub for serviceMethod taking arity arguments. opts apply to every call
// made through it.
func (c *Client) Method(serviceMethod string, arity int, opts ...CallOption) *Method {
	return &Method{client: c, serviceMethod: serviceMethod, arity: arity, opts: opts}
}

// Call invokes the method with args and decodes the result into reply (which may be nil).
func (m *Method) Call(ctx context.Context, reply any, args ...any) error {
	return m.CallWith(ctx, reply, nil, args...)
}

// CallWith is Call with extra per-call options applied after the stub's own.
func (m *Method) CallWith(ctx context.Context, reply any, opts []CallOption, args ...any) error {
	if len(args) != m.arity {
		return errors.Wrapf(rpcerr.ErrArgumentMismatch, "argument count error: %s takes %d, got %d",
			m.serviceMethod, m.arity, len(args))
	}
	serviceName, methodName, err := splitServiceMethod(m.serviceMethod)
	if err != nil {
		return errors.Wrap(rpcerr.ErrArgumentMismatch, err.Error())
	}

	var o callOptions
	for _, opt := range m.opts {
		opt(&o)
	}
	for _, opt := range opts {
		opt(&o)
	}

	req, err := message.NewRequest(serviceName, methodName, args...)
	if err != nil {
		return errors.Wrap(rpcerr.ErrArgumentMismatch, err.Error())
	}
	return m.client.call(ctx, serviceName, req, reply, o)
}
