package oracle

import (
	"context"
	"errors"
	"fmt"
	"net"
)

type Kind string

const (
	KindTimeout     Kind = "timeout"
	KindRateLimited Kind = "rate_limited"
	KindMalformed   Kind = "malformed"
	KindUnavailable Kind = "unavailable"
)

// OracleError is every failure an Oracle reports. All kinds are retryable.
type OracleError struct {
	Kind Kind
	Err  error
}

func (e *OracleError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("oracle %s", e.Kind)
	}
	return fmt.Sprintf("oracle %s: %v", e.Kind, e.Err)
}

func (e *OracleError) Unwrap() error { return e.Err }

func newError(kind Kind, err error) *OracleError {
	return &OracleError{Kind: kind, Err: err}
}

// transportError classifies a failed round trip.
func transportError(ctx context.Context, err error) *OracleError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return newError(KindTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newError(KindTimeout, err)
	}
	return newError(KindUnavailable, err)
}

// KindOf returns the kind of an oracle failure, or "" if err is not one.
func KindOf(err error) Kind {
	var oe *OracleError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return ""
}
