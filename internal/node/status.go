package node

import (
	"errors"

	"github.com/rudransh-shrivastava/transfile/internal/connection"
	"github.com/rudransh-shrivastava/transfile/internal/peer"
	"github.com/rudransh-shrivastava/transfile/internal/transport"
)

// StatusText is the short message shown to a user for err. Details belong in
// the log.
func StatusText(err error) string {
	var (
		formatErr   *peer.FormatError
		hostErr     *peer.UnknownHostError
		securityErr *transport.SecurityError
		bindErr     *transport.BindError
		closeErr    *transport.CloseError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &formatErr):
		return "invalid peer address"
	case errors.As(err, &hostErr):
		return "unknown host"
	case errors.Is(err, transport.ErrInterrupted):
		return "interrupted"
	case errors.Is(err, ErrPortNotAllowed), errors.As(err, &securityErr):
		return "port not permitted"
	case errors.As(err, &bindErr):
		return "could not bind port"
	case errors.As(err, &closeErr):
		return "failed to close connection"
	case errors.Is(err, transport.ErrTimeout):
		return "connection timed out"
	case errors.Is(err, connection.ErrIllegalState):
		return "already connecting"
	default:
		return "connection failed"
	}
}
