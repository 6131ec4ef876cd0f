package relay

import (
	"errors"
	"io"
	"net"

	"github.com/gorilla/websocket"
	"github.com/matst80/wsrelay/internal/obs"
)

// pumpTargetToSocket sends every chunk read from the target as one binary
// message. WriteMessage blocks until the frame is written, so a slow caller
// stops further reads from the target.
func (s *Session) pumpTargetToSocket(tcp net.Conn) {
	buf := make([]byte, s.bufSize)
	for {
		n, err := tcp.Read(buf)
		if n > 0 {
			if werr := s.ws.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				s.teardown(Cause{Kind: CauseSocketError, Err: werr})
				return
			}
			s.bytesDown.Add(int64(n))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.teardown(Cause{Kind: CauseTargetClosed})
			} else {
				s.teardown(Cause{Kind: CauseTargetError, Err: err})
			}
			return
		}
	}
}

// maxEarlyBytes caps what a caller may send before the target is connected.
const maxEarlyBytes = 1 << 20

var errEarlyOverflow = errors.New("too much data before target connected")

// pumpSocketToTarget reads caller messages for the whole session, so a close
// from the caller is seen even while the target connect is pending. Messages
// that arrive before OPEN are queued and written by flushEarly.
func (s *Session) pumpSocketToTarget() {
	for {
		messageType, data, err := s.ws.ReadMessage()
		if err != nil {
			s.teardown(causeFromSocketRead(err))
			return
		}
		payload, ok := payloadFromMessage(messageType, data)
		if !ok {
			continue
		}
		tcp, err := s.route(payload)
		if err != nil {
			s.teardown(Cause{Kind: CauseSocketError, Err: err})
			return
		}
		if tcp == nil {
			continue
		}
		if _, err := tcp.Write(payload.Bytes()); err != nil {
			s.teardown(Cause{Kind: CauseTargetError, Err: err})
			return
		}
		s.forwarded(payload)
	}
}

// route queues p until the early messages are flushed and returns the TCP
// leg once the reader may write directly.
func (s *Session) route(p Payload) (net.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state == StateClosed:
		return nil, nil
	case s.state == StateOpen && s.flushed:
		return s.tcp, nil
	}
	if s.earlyBytes+len(p.Data) > maxEarlyBytes {
		return nil, errEarlyOverflow
	}
	s.early = append(s.early, p)
	s.earlyBytes += len(p.Data)
	return nil, nil
}

// flushEarly writes queued caller messages in order after the ack, then lets
// the socket reader take over.
func (s *Session) flushEarly(tcp net.Conn) {
	for {
		s.mu.Lock()
		batch := s.early
		s.early = nil
		s.earlyBytes = 0
		if len(batch) == 0 {
			s.flushed = true
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		for _, p := range batch {
			if _, err := tcp.Write(p.Bytes()); err != nil {
				s.teardown(Cause{Kind: CauseTargetError, Err: err})
				return
			}
			s.forwarded(p)
		}
	}
}

func (s *Session) forwarded(p Payload) {
	s.bytesUp.Add(int64(len(p.Data)))
	obs.Debug("session.forward", obs.Fields{"session": s.id, "kind": p.Kind.String(), "bytes": len(p.Data)})
}
