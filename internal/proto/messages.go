package proto

// Close codes sent by the relay on the WebSocket leg.
const (
	CloseNormal      = 1000
	CloseGoingAway   = 1001
	CloseUnsupported = 1003
)

// Close reasons.
const (
	ReasonTargetClosed   = "Target server closed"
	ReasonConnectTimeout = "Connect to target server timeout"
	ReasonTargetError    = "Target server error: "
	ReasonShutdown       = "Relay shutting down"
)

// HandshakeParam is the query parameter naming the destination.
const HandshakeParam = "target"

// ConnectAck is sent relay -> caller once the target connection is up.
type ConnectAck struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// ConnectSuccess is the only acknowledgment the relay emits.
var ConnectSuccess = ConnectAck{Type: "connect", Status: "success"}

// IsSuccess reports whether a decoded ack signals an established target connection.
func (a ConnectAck) IsSuccess() bool {
	return a.Type == ConnectSuccess.Type && a.Status == ConnectSuccess.Status
}
