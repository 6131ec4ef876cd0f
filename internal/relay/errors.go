package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ConnectError is returned when the target connection cannot be established.
type ConnectError struct {
	Target  string
	Err     error
	timeout bool
}

func newConnectError(target string, err error) *ConnectError {
	return &ConnectError{Target: target, Err: err, timeout: isTimeout(err)}
}

func (e *ConnectError) Error() string {
	if e.timeout {
		return fmt.Sprintf("connect %s: timeout", e.Target)
	}
	return fmt.Sprintf("connect %s: %v", e.Target, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Timeout reports whether the connect attempt ran out of time.
func (e *ConnectError) Timeout() bool { return e.timeout }

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
