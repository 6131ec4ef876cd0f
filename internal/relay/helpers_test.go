package relay

import (
	"context"
	"io"
	"net"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func newTestRelay(t *testing.T, conf Config) (*Server, *httptest.Server) {
	t.Helper()
	if conf.CloseGrace == 0 {
		conf.CloseGrace = 200 * time.Millisecond
	}
	srv := New(conf)
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		hs.Close()
	})
	return srv, hs
}

func relayURL(httpURL, target string) string {
	u := "ws" + strings.TrimPrefix(httpURL, "http") + "/"
	if target == "" {
		return u
	}
	return u + "?target=" + url.QueryEscape(target)
}

func dialRelay(t *testing.T, hs *httptest.Server, target string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(relayURL(hs.URL, target), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func expectAck(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, mt)
	require.JSONEq(t, `{"type":"connect","status":"success"}`, string(data))
}

// readBinary collects binary messages until n bytes arrived.
func readBinary(t *testing.T, conn *websocket.Conn, n int) []byte {
	t.Helper()
	var out []byte
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for len(out) < n {
		mt, data, err := conn.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, websocket.BinaryMessage, mt)
		out = append(out, data...)
	}
	return out
}

func expectClose(t *testing.T, conn *websocket.Conn) *websocket.CloseError {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.ErrorAs(t, err, &ce)
		return ce
	}
}

// startTarget runs handle for every accepted TCP connection.
func startTarget(t *testing.T, handle func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go handle(c)
		}
	}()
	return ln.Addr().String()
}

func echoTarget(t *testing.T) string {
	return startTarget(t, func(c net.Conn) {
		defer c.Close()
		_, _ = io.Copy(c, c)
	})
}

func closedPort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

type countingDialer struct {
	mu    sync.Mutex
	addrs []string
	inner Dialer
}

func (d *countingDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d.mu.Lock()
	d.addrs = append(d.addrs, addr)
	d.mu.Unlock()
	return d.inner.DialContext(ctx, network, addr)
}

func (d *countingDialer) calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.addrs...)
}

// blockingDialer never connects; it reports why the attempt was abandoned.
type blockingDialer struct {
	gaveUp chan error
}

func (d *blockingDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	<-ctx.Done()
	d.gaveUp <- ctx.Err()
	return nil, &net.OpError{Op: "dial", Net: network, Err: ctx.Err()}
}

// gatedDialer holds every connect attempt until release is closed.
type gatedDialer struct {
	dialing chan struct{}
	release chan struct{}
}

func newGatedDialer() *gatedDialer {
	return &gatedDialer{dialing: make(chan struct{}, 1), release: make(chan struct{})}
}

func (d *gatedDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	select {
	case d.dialing <- struct{}{}:
	default:
	}
	select {
	case <-d.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var nd net.Dialer
	return nd.DialContext(ctx, network, addr)
}

// collectTarget reports the first n bytes each connection sends.
func collectTarget(t *testing.T, n int) (string, <-chan []byte) {
	received := make(chan []byte, 1)
	addr := startTarget(t, func(c net.Conn) {
		defer c.Close()
		buf := make([]byte, n)
		if _, err := io.ReadFull(c, buf); err == nil {
			received <- buf
		}
	})
	return addr, received
}

func onlySession(t *testing.T, srv *Server) *Session {
	t.Helper()
	require.Eventually(t, func() bool { return srv.Active() == 1 }, 2*time.Second, 10*time.Millisecond)
	srv.mu.Lock()
	defer srv.mu.Unlock()
	for _, sess := range srv.sessions {
		return sess
	}
	return nil
}

func canceledAfterDeadline(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	t.Cleanup(cancel)
	<-ctx.Done()
	return ctx
}
