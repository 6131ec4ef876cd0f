package client

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/matst80/wsrelay/internal/obs"
)

// NewBackOff returns the exponential schedule used between relay dials.
func NewBackOff(maxElapsed time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = maxElapsed
	return b
}

// DialWithRetry redials the relay while it is unreachable or overloaded.
// Failures reported by the relay about the target are final: the relay never
// retries a target and neither does the caller.
func DialWithRetry(ctx context.Context, relayURL, target string, opts Options, b backoff.BackOff) (*Conn, error) {
	var conn *Conn
	op := func() error {
		c, err := Dial(ctx, relayURL, target, opts)
		if err == nil {
			conn = c
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		obs.Error("client.dial.retry", obs.Fields{"target": target, "err": err.Error(), "wait": wait.String()})
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}
	return conn, nil
}

func retryable(err error) bool {
	var ce *CloseError
	if errors.As(err, &ce) {
		return false
	}
	if errors.Is(err, ErrProtocol) || errors.Is(err, context.Canceled) {
		return false
	}
	var he *HandshakeError
	if errors.As(err, &he) {
		return he.Temporary()
	}
	var ne net.Error
	return errors.As(err, &ne)
}
