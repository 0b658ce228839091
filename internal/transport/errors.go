package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrTimeout     = errors.New("connection attempt timed out")
	ErrInterrupted = errors.New("connection attempt interrupted")
)

// TimeoutError is returned when no socket was obtained within the total
// connect budget. Last is the error of the final attempt, if any.
type TimeoutError struct {
	Op      string
	Elapsed time.Duration
	Last    error
}

func (e *TimeoutError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("%s: timed out after %s", e.Op, e.Elapsed.Round(time.Millisecond))
	}
	return fmt.Sprintf("%s: timed out after %s: %v", e.Op, e.Elapsed.Round(time.Millisecond), e.Last)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

func (e *TimeoutError) Unwrap() error { return e.Last }

// BindError reports a failure to listen on the local port.
type BindError struct {
	Port uint16
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind port %d: %v", e.Port, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// SecurityError reports a bind refused by the operating system's policy,
// typically a privileged port.
type SecurityError struct {
	Port uint16
	Err  error
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("not permitted to bind port %d: %v", e.Port, e.Err)
}

func (e *SecurityError) Unwrap() error { return e.Err }

// CloseError carries a socket close failure without masking the error that
// caused the close.
type CloseError struct {
	Cause    error
	CloseErr error
}

func (e *CloseError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("failed to close: %v", e.CloseErr)
	}
	return fmt.Sprintf("%v (failed to close: %v)", e.Cause, e.CloseErr)
}

func (e *CloseError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.CloseErr}
	}
	return []error{e.Cause, e.CloseErr}
}

// BilateralConnectError is returned only when both the outbound and the
// inbound attempt failed.
type BilateralConnectError struct {
	Outbound error
	Inbound  error
}

func (e *BilateralConnectError) Error() string {
	return fmt.Sprintf("bilateral connect failed: outbound: %v; inbound: %v", e.Outbound, e.Inbound)
}

func (e *BilateralConnectError) Unwrap() []error {
	var errs []error
	if e.Outbound != nil {
		errs = append(errs, e.Outbound)
	}
	if e.Inbound != nil {
		errs = append(errs, e.Inbound)
	}
	return errs
}

// UnexpectedPeerError reports an inbound socket from an address other than the
// expected remote.
type UnexpectedPeerError struct {
	Expected string
	Got      string
}

func (e *UnexpectedPeerError) Error() string {
	return fmt.Sprintf("rejected connection from %s, expected %s", e.Got, e.Expected)
}

func interrupted(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrInterrupted, context.Cause(ctx))
}
