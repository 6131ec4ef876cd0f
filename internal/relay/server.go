package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matst80/wsrelay/internal/handshake"
	"github.com/matst80/wsrelay/internal/obs"
	"github.com/matst80/wsrelay/internal/registry"
)

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultReadBufferSize = 32 * 1024
	DefaultCloseGrace     = time.Second
)

// Config contains the run time parameters for the relay.
type Config struct {
	// Upgrader performs the WebSocket handshake. CheckOrigin defaults to
	// accepting every origin since callers are not authenticated.
	Upgrader websocket.Upgrader

	// Dialer opens target connections; defaults to a plain net.Dialer.
	Dialer Dialer

	// ConnectTimeout bounds the target connect attempt.
	ConnectTimeout time.Duration

	// ReadBufferSize is the largest chunk read from a target in one go and
	// therefore the largest binary message the relay emits.
	ReadBufferSize int

	// CloseGrace bounds the close frame write and the wait for the caller's reply.
	CloseGrace time.Duration

	// Registry, if set, receives every session for enumeration.
	Registry registry.Store
}

// Server is an http.Handler that turns upgrade requests into relay sessions.
type Server struct {
	upgrader       websocket.Upgrader
	dialer         Dialer
	connectTimeout time.Duration
	readBufferSize int
	closeGrace     time.Duration
	registry       registry.Store

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
	closing  bool
	wg       sync.WaitGroup
}

// New creates a relay server with defaults filled in.
func New(conf Config) *Server {
	s := &Server{
		upgrader:       conf.Upgrader,
		dialer:         conf.Dialer,
		connectTimeout: conf.ConnectTimeout,
		readBufferSize: conf.ReadBufferSize,
		closeGrace:     conf.CloseGrace,
		registry:       conf.Registry,
		sessions:       make(map[string]*Session),
	}
	if s.upgrader.CheckOrigin == nil {
		s.upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	}
	if s.dialer == nil {
		s.dialer = &net.Dialer{}
	}
	if s.connectTimeout <= 0 {
		s.connectTimeout = DefaultConnectTimeout
	}
	if s.readBufferSize <= 0 {
		s.readBufferSize = DefaultReadBufferSize
	}
	if s.closeGrace <= 0 {
		s.closeGrace = DefaultCloseGrace
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())
	return s
}

// ServeHTTP implements http.Handler. It blocks for the lifetime of the session.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target, err := handshake.Resolve(r.URL)
	if err != nil {
		var herr *handshake.Error
		if !errors.As(err, &herr) {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		if herr.Kind == handshake.MissingTarget && !websocket.IsWebSocketUpgrade(r) {
			writePlain(w, http.StatusOK, "WebSocket relay running\n")
			return
		}
		obs.HandshakeRejectedTotal.WithLabelValues(herr.Kind.String()).Inc()
		obs.Error("handshake.rejected", obs.Fields{"remote": r.RemoteAddr, "kind": herr.Kind.String(), "err": err.Error()})
		w.Header().Set("Connection", "close")
		writePlain(w, http.StatusBadRequest, herr.Body())
		return
	}

	s.mu.Lock()
	closing := s.closing
	if !closing {
		s.wg.Add(1)
	}
	s.mu.Unlock()
	if closing {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		obs.Error("upgrade.failed", obs.Fields{"remote": r.RemoteAddr, "target": target.Addr(), "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("upgrade").Inc()
		return
	}

	sess := newSession(s.baseCtx, conn, target, sessionOptions{
		dialer:         s.dialer,
		connectTimeout: s.connectTimeout,
		closeGrace:     s.closeGrace,
		bufSize:        s.readBufferSize,
		tracker:        s.registry,
		remote:         r.RemoteAddr,
	})
	s.track(sess)
	defer s.untrack(sess)

	obs.Info("session.start", sess.logFields())
	sess.Run()
}

func (s *Server) track(sess *Session) {
	s.mu.Lock()
	s.sessions[sess.id] = sess
	closing := s.closing
	s.mu.Unlock()
	if closing {
		// Upgraded while Shutdown was collecting live sessions.
		sess.Close(Cause{Kind: CauseShutdown})
	}
	if s.registry != nil {
		if err := s.registry.Add(s.baseCtx, sess.registryInfo()); err != nil {
			obs.Error("registry.add", obs.Fields{"session": sess.id, "err": err.Error()})
		}
	}
}

func (s *Server) untrack(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	if s.registry != nil {
		s.registry.Remove(context.Background(), sess.id)
	}
}

// Active returns the number of live sessions on this server.
func (s *Server) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown stops accepting sessions, closes the live ones with 1001 and waits
// for them to finish or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	live := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()

	obs.Info("relay.drain", obs.Fields{"sessions": len(live)})
	for _, sess := range live {
		sess.Close(Cause{Kind: CauseShutdown})
	}

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		s.cancelBase()
		return nil
	case <-ctx.Done():
		s.cancelBase()
		return ctx.Err()
	}
}

func writePlain(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}
