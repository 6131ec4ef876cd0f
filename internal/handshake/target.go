// Package handshake resolves the destination of a relay session from the
// upgrade request before any session state exists.
package handshake

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/matst80/wsrelay/internal/proto"
)

// Kind classifies a rejected handshake.
type Kind int

const (
	MissingTarget Kind = iota + 1
	InvalidTarget
)

func (k Kind) String() string {
	switch k {
	case MissingTarget:
		return "missing_target"
	case InvalidTarget:
		return "invalid_target"
	default:
		return "unknown"
	}
}

// Error is returned by Resolve. Body is the text sent in the HTTP 400 response.
type Error struct {
	Kind  Kind
	Value string
	Cause error
}

func (e *Error) Error() string {
	if e.Kind == MissingTarget {
		return "handshake: missing target parameter"
	}
	if e.Cause != nil {
		return fmt.Sprintf("handshake: invalid target %q: %v", e.Value, e.Cause)
	}
	return fmt.Sprintf("handshake: invalid target %q", e.Value)
}

func (e *Error) Unwrap() error { return e.Cause }

// Body returns the plain text response body for the rejection.
func (e *Error) Body() string {
	if e.Kind == MissingTarget {
		return "Missing target parameter"
	}
	return "Invalid target parameter"
}

// Target is the validated destination of a session.
type Target struct {
	Host string
	Port int
}

// Addr returns the dialable host:port form.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

func (t Target) String() string { return t.Addr() }

// Resolve extracts the target query parameter from the upgrade URL.
func Resolve(u *url.URL) (Target, error) {
	if u == nil {
		return Target{}, &Error{Kind: MissingTarget}
	}
	raw := strings.TrimSpace(u.Query().Get(proto.HandshakeParam))
	if raw == "" {
		return Target{}, &Error{Kind: MissingTarget}
	}
	return ParseTarget(raw)
}

// ParseTarget validates a host:port string. Bracketed IPv6 literals are accepted.
func ParseTarget(raw string) (Target, error) {
	host, portStr, err := net.SplitHostPort(raw)
	if err != nil {
		return Target{}, &Error{Kind: InvalidTarget, Value: raw, Cause: err}
	}
	if host == "" {
		return Target{}, &Error{Kind: InvalidTarget, Value: raw, Cause: fmt.Errorf("empty host")}
	}
	if !utf8.ValidString(host) {
		return Target{}, &Error{Kind: InvalidTarget, Value: raw, Cause: fmt.Errorf("host is not valid UTF-8")}
	}
	if strings.ContainsAny(host, " /?#@") || strings.IndexFunc(host, unicode.IsControl) >= 0 {
		return Target{}, &Error{Kind: InvalidTarget, Value: raw, Cause: fmt.Errorf("illegal character in host")}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Target{}, &Error{Kind: InvalidTarget, Value: raw, Cause: fmt.Errorf("non-numeric port %q", portStr)}
	}
	if port < 1 || port > 65535 {
		return Target{}, &Error{Kind: InvalidTarget, Value: raw, Cause: fmt.Errorf("port %d out of range", port)}
	}
	return Target{Host: host, Port: port}, nil
}
