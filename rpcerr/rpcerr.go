// Package rpcerr holds the failure kinds an RPC call can surface to its caller.
//
// Every failure returned by the client, transport and pending packages wraps exactly one of the
// sentinels below, so callers branch with errors.Is:
//
//	ErrArgumentMismatch     local, pre-flight; never retried
//	ErrNoAvailableEndpoint  discovery returned nothing usable
//	ErrConnectFailed        dial failed; the request never left this process
//	ErrTransport            the connection broke after the request may have been written
//	ErrCallTimeout          deadline exceeded; the remote side may or may not have run the call
//	ErrFraming              malformed or truncated frame; fatal to one connection only
//	ErrDuplicateID          id generator bug; a logic error, not a retryable condition
//
// Failures of the remote method itself are not transport errors: they travel back in the
// response payload and surface as *RemoteError.
package rpcerr

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrArgumentMismatch    = errors.New("argument mismatch")
	ErrNoAvailableEndpoint = errors.New("no available endpoint")
	ErrConnectFailed       = errors.New("connect failed")
	ErrTransport           = errors.New("transport error")
	ErrCallTimeout         = errors.New("call timeout")
	ErrFraming             = errors.New("framing error")
	ErrDuplicateID         = errors.New("duplicate call id")
)

// RemoteError is an application-level failure reported by the invoked method.
type RemoteError struct {
	ServiceMethod string
	Message       string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.ServiceMethod, e.Message)
}

// Framingf wraps ErrFraming with a formatted reason.
func Framingf(format string, args ...any) error {
	return errors.Wrapf(ErrFraming, format, args...)
}

// Transport wraps cause as an ErrTransport, keeping the cause's text.
func Transport(cause error) error {
	if cause == nil {
		return ErrTransport
	}
	if errors.Is(cause, ErrTransport) {
		return cause
	}
	return errors.Wrap(ErrTransport, cause.Error())
}

// IsRetryable reports whether err guarantees the request never reached a peer.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnectFailed)
}
