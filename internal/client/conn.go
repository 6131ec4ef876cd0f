// Package client dials a relay and exposes the tunnel to the target as a net.Conn.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matst80/wsrelay/internal/handshake"
	"github.com/matst80/wsrelay/internal/proto"
)

// DefaultAckTimeout leaves room for the relay's own connect timeout.
const DefaultAckTimeout = 10 * time.Second

// Options tune Dial.
type Options struct {
	Dialer     *websocket.Dialer
	Header     http.Header
	AckTimeout time.Duration
}

// CloseError reports the close frame the relay ended the tunnel with.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("relay closed tunnel: %d %s", e.Code, e.Reason)
}

// HandshakeError is returned when the relay refuses the upgrade.
type HandshakeError struct {
	StatusCode int
	Body       string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("relay rejected handshake: %d %s", e.StatusCode, e.Body)
}

// Temporary reports whether retrying the handshake may succeed.
func (e *HandshakeError) Temporary() bool { return e.StatusCode >= 500 }

// ErrProtocol means the relay sent something other than the acknowledgment.
var ErrProtocol = errors.New("relay protocol violation")

// BuildURL adds the target parameter to relayURL and maps http(s) to ws(s).
func BuildURL(relayURL, target string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported relay url scheme %q", u.Scheme)
	}
	if _, err := handshake.ParseTarget(target); err != nil {
		return "", err
	}
	if u.Path == "" {
		u.Path = "/"
	}
	q := u.Query()
	q.Set(proto.HandshakeParam, target)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial opens a tunnel to target through the relay and waits for the
// acknowledgment. The returned Conn carries the target's bytes.
func Dial(ctx context.Context, relayURL, target string, opts Options) (*Conn, error) {
	wsURL, err := BuildURL(relayURL, target)
	if err != nil {
		return nil, err
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ackTimeout := opts.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}

	ws, resp, err := dialer.DialContext(ctx, wsURL, opts.Header)
	if err != nil {
		if resp != nil && errors.Is(err, websocket.ErrBadHandshake) {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			_ = resp.Body.Close()
			return nil, &HandshakeError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < ackTimeout {
		_ = ws.SetReadDeadline(deadline)
	} else {
		_ = ws.SetReadDeadline(time.Now().Add(ackTimeout))
	}
	if err := readAck(ws); err != nil {
		_ = ws.Close()
		return nil, err
	}
	_ = ws.SetReadDeadline(time.Time{})

	return &Conn{ws: ws, target: target, closed: make(chan struct{})}, nil
}

func readAck(ws *websocket.Conn) error {
	mt, data, err := ws.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return &CloseError{Code: ce.Code, Reason: ce.Text}
		}
		return fmt.Errorf("read acknowledgment: %w", err)
	}
	if mt != websocket.TextMessage {
		return fmt.Errorf("%w: expected text acknowledgment, got message type %d", ErrProtocol, mt)
	}
	var ack proto.ConnectAck
	if err := json.Unmarshal(data, &ack); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if !ack.IsSuccess() {
		return fmt.Errorf("%w: unexpected acknowledgment %s", ErrProtocol, data)
	}
	return nil
}

// Conn is a net.Conn over a relay tunnel. Reads return io.EOF when the target
// closed normally and *CloseError for any other close code.
type Conn struct {
	ws      *websocket.Conn
	target  string
	readBuf []byte
	readMu  sync.Mutex
	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

var _ net.Conn = (*Conn)(nil)

func (c *Conn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if len(c.readBuf) > 0 {
		n := copy(p, c.readBuf)
		c.readBuf = c.readBuf[n:]
		return n, nil
	}
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return 0, io.EOF
			default:
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				if ce.Code == proto.CloseNormal {
					return 0, io.EOF
				}
				return 0, &CloseError{Code: ce.Code, Reason: ce.Text}
			}
			return 0, fmt.Errorf("websocket read failed: %w", err)
		}
		if mt != websocket.BinaryMessage {
			return 0, fmt.Errorf("%w: unexpected message type %d", ErrProtocol, mt)
		}
		if len(data) == 0 {
			continue
		}
		n := copy(p, data)
		if n < len(data) {
			c.readBuf = append(c.readBuf[:0], data[n:]...)
		}
		return n, nil
	}
}

func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, fmt.Errorf("websocket write failed: %w", err)
	}
	return len(p), nil
}

// Close sends a normal close frame and releases the connection. The relay
// then destroys its connection to the target.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

// Target returns the host:port the tunnel leads to.
func (c *Conn) Target() string { return c.target }

func (c *Conn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *Conn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

func (c *Conn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
