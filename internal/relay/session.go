package relay

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/matst80/wsrelay/internal/handshake"
	"github.com/matst80/wsrelay/internal/obs"
	"github.com/matst80/wsrelay/internal/proto"
	"github.com/matst80/wsrelay/internal/registry"
)

// State of a session. CLOSED is terminal.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Dialer opens the TCP leg. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Session pairs one WebSocket connection with at most one TCP connection.
type Session struct {
	id        string
	target    handshake.Target
	remote    string
	startedAt time.Time

	ws             *websocket.Conn
	dialer         Dialer
	connectTimeout time.Duration
	closeGrace     time.Duration
	bufSize        int
	tracker        registry.Store

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state State
	tcp   net.Conn
	cause Cause
	// Caller messages received before the target was connected. The socket
	// reader hands over to direct writes once flushed is set.
	early      []Payload
	earlyBytes int
	flushed    bool

	closeOnce sync.Once
	done      chan struct{}

	bytesUp   atomic.Int64
	bytesDown atomic.Int64
}

type sessionOptions struct {
	dialer         Dialer
	connectTimeout time.Duration
	closeGrace     time.Duration
	bufSize        int
	tracker        registry.Store
	remote         string
}

func newSession(ctx context.Context, ws *websocket.Conn, target handshake.Target, opts sessionOptions) *Session {
	ctx, cancel := context.WithCancel(ctx)
	return &Session{
		id:             uuid.NewString(),
		target:         target,
		remote:         opts.remote,
		startedAt:      time.Now(),
		ws:             ws,
		dialer:         opts.dialer,
		connectTimeout: opts.connectTimeout,
		closeGrace:     opts.closeGrace,
		bufSize:        opts.bufSize,
		tracker:        opts.tracker,
		ctx:            ctx,
		cancel:         cancel,
		state:          StateConnecting,
		done:           make(chan struct{}),
	}
}

// ID returns the session identifier used in logs and the registry.
func (s *Session) ID() string { return s.id }

// Target returns the resolved destination.
func (s *Session) Target() handshake.Target { return s.target }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cause returns the terminal cause; the zero value while the session is live.
func (s *Session) Cause() Cause {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close tears the session down from outside, e.g. when the relay shuts down.
func (s *Session) Close(c Cause) bool { return s.teardown(c) }

func (s *Session) registryInfo() registry.Info {
	return registry.Info{
		ID:        s.id,
		Target:    s.target.Addr(),
		Remote:    s.remote,
		State:     StateConnecting.String(),
		StartedAt: s.startedAt,
	}
}

func (s *Session) logFields() obs.Fields {
	return obs.Fields{"session": s.id, "target": s.target.Addr(), "remote": s.remote}
}

// Run drives the session from CONNECTING until both legs are released.
func (s *Session) Run() {
	obs.ActiveSessions.Inc()
	obs.SessionsTotal.Inc()
	defer s.finish()

	socketDone := make(chan struct{})
	go func() {
		defer close(socketDone)
		s.pumpSocketToTarget()
	}()

	tcp, err := s.connect()
	if err != nil {
		s.teardown(causeFromConnect(err))
		<-socketDone
		return
	}
	if !s.markOpen(tcp) {
		// Torn down while the connect was in flight.
		_ = tcp.Close()
		<-socketDone
		return
	}
	obs.Info("session.open", s.logFields())
	if err := s.ws.WriteJSON(proto.ConnectSuccess); err != nil {
		s.teardown(Cause{Kind: CauseSocketError, Err: err})
		<-socketDone
		return
	}

	flushDone := make(chan struct{})
	go func() {
		defer close(flushDone)
		s.flushEarly(tcp)
	}()
	s.pumpTargetToSocket(tcp)
	<-flushDone
	<-socketDone
}

func (s *Session) connect() (net.Conn, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.connectTimeout)
	defer cancel()
	obs.Debug("session.connect", s.logFields())
	conn, err := s.dialer.DialContext(ctx, "tcp", s.target.Addr())
	if err != nil {
		return nil, newConnectError(s.target.Addr(), err)
	}
	return conn, nil
}

// markOpen records the TCP leg and moves CONNECTING -> OPEN. It fails if the
// session was closed in the meantime; the caller then owns conn.
func (s *Session) markOpen(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return false
	}
	s.tcp = conn
	s.state = StateOpen
	if s.tracker != nil {
		go s.tracker.Update(context.Background(), s.id, StateOpen.String())
	}
	return true
}

func (s *Session) finish() {
	_ = s.ws.Close()
	s.cancel()
	obs.ActiveSessions.Dec()
	obs.SessionDurationSeconds.Observe(time.Since(s.startedAt).Seconds())
	obs.BytesTotal.WithLabelValues(obs.DirectionUpstream).Add(float64(s.bytesUp.Load()))
	obs.BytesTotal.WithLabelValues(obs.DirectionDownstream).Add(float64(s.bytesDown.Load()))
	fields := s.logFields()
	fields["bytes_up"] = s.bytesUp.Load()
	fields["bytes_down"] = s.bytesDown.Load()
	fields["duration"] = time.Since(s.startedAt).String()
	obs.Info("session.closed", fields)
}
