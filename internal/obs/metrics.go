package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions         = promauto.NewGauge(prometheus.GaugeOpts{Name: "wsrelay_active_sessions", Help: "Sessions currently connecting or open"})
	SessionsTotal          = promauto.NewCounter(prometheus.CounterOpts{Name: "wsrelay_sessions_total", Help: "Sessions created after a valid handshake"})
	HandshakeRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "wsrelay_handshake_rejected_total", Help: "Upgrade requests rejected before a session existed"}, []string{"kind"})
	ConnectFailuresTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "wsrelay_connect_failures_total", Help: "Target connect failures by reason"}, []string{"reason"})
	BytesTotal             = promauto.NewCounterVec(prometheus.CounterOpts{Name: "wsrelay_bytes_total", Help: "Bytes forwarded by direction"}, []string{"direction"})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "wsrelay_errors_total", Help: "Errors by type"}, []string{"type"})
	SessionDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "wsrelay_session_duration_seconds", Help: "Session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)

const (
	DirectionUpstream   = "ws_to_tcp"
	DirectionDownstream = "tcp_to_ws"
)
