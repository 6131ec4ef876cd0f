package relay

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/matst80/wsrelay/internal/obs"
	"github.com/matst80/wsrelay/internal/proto"
)

// CauseKind names the event that ended a session.
type CauseKind int

const (
	CauseTargetClosed CauseKind = iota + 1
	CauseTargetError
	CauseConnectTimeout
	CauseConnectFailed
	CauseSocketClosed
	CauseSocketError
	CauseShutdown
)

func (k CauseKind) String() string {
	switch k {
	case CauseTargetClosed:
		return "target_closed"
	case CauseTargetError:
		return "target_error"
	case CauseConnectTimeout:
		return "connect_timeout"
	case CauseConnectFailed:
		return "connect_failed"
	case CauseSocketClosed:
		return "socket_closed"
	case CauseSocketError:
		return "socket_error"
	case CauseShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Cause is the terminal event of a session together with its error, if any.
type Cause struct {
	Kind CauseKind
	Err  error
}

// closeFrame maps a cause to the close frame sent to the caller. Causes that
// originate on the WebSocket leg send nothing: that leg is already gone.
func (c Cause) closeFrame() (code int, reason string, ok bool) {
	switch c.Kind {
	case CauseTargetClosed:
		return proto.CloseNormal, proto.ReasonTargetClosed, true
	case CauseConnectTimeout:
		return proto.CloseUnsupported, proto.ReasonConnectTimeout, true
	case CauseTargetError, CauseConnectFailed:
		return proto.CloseUnsupported, truncateReason(proto.ReasonTargetError + errorText(c.Err)), true
	case CauseShutdown:
		return proto.CloseGoingAway, proto.ReasonShutdown, true
	default:
		return 0, "", false
	}
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	var ce *ConnectError
	if errors.As(err, &ce) && ce.Err != nil {
		return ce.Err.Error()
	}
	return err.Error()
}

// Control frame payloads are limited to 125 bytes, two of which hold the code.
const maxCloseReason = 123

// truncateReason makes s a valid close reason: UTF-8 and at most
// maxCloseReason bytes.
func truncateReason(s string) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= maxCloseReason {
		return s
	}
	s = s[:maxCloseReason]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

func causeFromConnect(err error) Cause {
	var ce *ConnectError
	if errors.As(err, &ce) && ce.Timeout() {
		return Cause{Kind: CauseConnectTimeout, Err: err}
	}
	return Cause{Kind: CauseConnectFailed, Err: err}
}

func causeFromSocketRead(err error) Cause {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return Cause{Kind: CauseSocketClosed, Err: err}
	}
	return Cause{Kind: CauseSocketError, Err: err}
}

// teardown moves the session to CLOSED and releases both legs. Only the first
// call has any effect; it reports whether this call performed the teardown.
func (s *Session) teardown(c Cause) bool {
	performed := false
	s.closeOnce.Do(func() {
		performed = true

		s.mu.Lock()
		prev := s.state
		s.state = StateClosed
		s.cause = c
		tcp := s.tcp
		s.mu.Unlock()

		s.cancel()

		if code, reason, ok := c.closeFrame(); ok {
			msg := websocket.FormatCloseMessage(code, reason)
			if err := s.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.closeGrace)); err != nil {
				obs.Debug("session.close_frame", obs.Fields{"session": s.id, "err": err.Error()})
			}
			// Give the caller a moment to answer the close frame before the
			// socket pump gives up and the connection is dropped.
			_ = s.ws.SetReadDeadline(time.Now().Add(s.closeGrace))
		} else {
			_ = s.ws.Close()
		}
		if tcp != nil {
			_ = tcp.Close()
		}
		close(s.done)

		fields := s.logFields()
		fields["cause"] = c.Kind.String()
		fields["from"] = prev.String()
		if c.Err != nil {
			fields["err"] = c.Err.Error()
		}
		switch c.Kind {
		case CauseConnectTimeout, CauseConnectFailed:
			obs.ConnectFailuresTotal.WithLabelValues(c.Kind.String()).Inc()
			if s.tracker != nil {
				s.tracker.RecordConnectFailure()
			}
			obs.Error("session.connect_failed", fields)
		case CauseTargetError, CauseSocketError:
			obs.ErrorsTotal.WithLabelValues(c.Kind.String()).Inc()
			obs.Error("session.teardown", fields)
		default:
			obs.Info("session.teardown", fields)
		}
	})
	return performed
}
