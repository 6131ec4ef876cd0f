package relay

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/matst80/wsrelay/internal/obs"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTeardownIsIdempotent(t *testing.T) {
	hook := test.NewLocal(obs.Logger())
	defer hook.Reset()

	srv, hs := newTestRelay(t, Config{})
	conn := dialRelay(t, hs, echoTarget(t))
	expectAck(t, conn)
	sess := onlySession(t, srv)
	require.Equal(t, StateOpen, sess.State())

	assert.True(t, sess.teardown(Cause{Kind: CauseTargetClosed}))
	assert.False(t, sess.teardown(Cause{Kind: CauseSocketError, Err: errors.New("late")}))
	assert.False(t, sess.Close(Cause{Kind: CauseShutdown}))

	assert.Equal(t, StateClosed, sess.State())
	assert.Equal(t, CauseTargetClosed, sess.Cause().Kind)
	<-sess.Done()

	ce := expectClose(t, conn)
	assert.Equal(t, 1000, ce.Code)

	teardowns := 0
	for _, e := range hook.AllEntries() {
		if e.Message == "session.teardown" && e.Data["session"] == sess.ID() {
			teardowns++
		}
	}
	assert.Equal(t, 1, teardowns, "exactly one teardown, hence one close frame")
}

func TestCloseFrameMapping(t *testing.T) {
	refused := newConnectError("127.0.0.1:9999", errors.New("dial tcp 127.0.0.1:9999: connect: connection refused"))
	tests := []struct {
		cause  Cause
		code   int
		reason string
		send   bool
	}{
		{Cause{Kind: CauseTargetClosed}, 1000, "Target server closed", true},
		{Cause{Kind: CauseTargetError, Err: errors.New("read: connection reset by peer")}, 1003, "Target server error: read: connection reset by peer", true},
		{Cause{Kind: CauseConnectFailed, Err: refused}, 1003, "Target server error: dial tcp 127.0.0.1:9999: connect: connection refused", true},
		{Cause{Kind: CauseConnectTimeout}, 1003, "Connect to target server timeout", true},
		{Cause{Kind: CauseShutdown}, 1001, "Relay shutting down", true},
		{Cause{Kind: CauseSocketClosed}, 0, "", false},
		{Cause{Kind: CauseSocketError}, 0, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.cause.Kind.String(), func(t *testing.T) {
			code, reason, ok := tt.cause.closeFrame()
			assert.Equal(t, tt.send, ok)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestCloseReasonFitsControlFrame(t *testing.T) {
	long := fmt.Errorf("lookup %s: no such host", strings.Repeat("é", 100))
	_, reason, ok := Cause{Kind: CauseTargetError, Err: long}.closeFrame()
	require.True(t, ok)
	assert.LessOrEqual(t, len(reason), maxCloseReason)
	assert.True(t, utf8.ValidString(reason))
	assert.True(t, strings.HasPrefix(reason, "Target server error: lookup "))
}

func TestShortCloseReasonIsValidUTF8(t *testing.T) {
	bad := errors.New("lookup \xff\xfe.invalid: no such host")
	code, reason, ok := Cause{Kind: CauseConnectFailed, Err: bad}.closeFrame()
	require.True(t, ok)
	assert.Equal(t, 1003, code)
	assert.True(t, utf8.ValidString(reason))
	assert.LessOrEqual(t, len(reason), maxCloseReason)
	assert.True(t, strings.HasSuffix(reason, ".invalid: no such host"), reason)
}

func TestConnectErrorTimeout(t *testing.T) {
	dialer := &blockingDialer{gaveUp: make(chan error, 1)}
	_, err := dialer.DialContext(canceledAfterDeadline(t), "tcp", "10.0.0.1:1")
	ce := newConnectError("10.0.0.1:1", err)
	assert.True(t, ce.Timeout())
	assert.Equal(t, CauseConnectTimeout, causeFromConnect(ce).Kind)

	plain := newConnectError("10.0.0.1:1", errors.New("connection refused"))
	assert.False(t, plain.Timeout())
	assert.Equal(t, CauseConnectFailed, causeFromConnect(plain).Kind)
	assert.Contains(t, plain.Error(), "connection refused")
}

func TestSocketReadCauses(t *testing.T) {
	closed := &websocket.CloseError{Code: websocket.CloseNormalClosure}
	assert.Equal(t, CauseSocketClosed, causeFromSocketRead(fmt.Errorf("read: %w", closed)).Kind)
	assert.Equal(t, CauseSocketError, causeFromSocketRead(errors.New("broken pipe")).Kind)
}

func TestPayloadFromMessage(t *testing.T) {
	p, ok := payloadFromMessage(websocket.TextMessage, []byte("hi"))
	require.True(t, ok)
	assert.Equal(t, Text, p.Kind)
	assert.Equal(t, []byte("hi"), p.Bytes())

	p, ok = payloadFromMessage(websocket.BinaryMessage, []byte{0})
	require.True(t, ok)
	assert.Equal(t, Binary, p.Kind)

	_, ok = payloadFromMessage(websocket.PingMessage, nil)
	assert.False(t, ok)
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "closed", StateClosed.String())
}
