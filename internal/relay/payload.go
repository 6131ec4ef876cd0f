package relay

import "github.com/gorilla/websocket"

// PayloadKind tells how an inbound WebSocket message was framed.
type PayloadKind int

const (
	Text PayloadKind = iota + 1
	Binary
)

func (k PayloadKind) String() string {
	switch k {
	case Text:
		return "text"
	case Binary:
		return "binary"
	default:
		return "unknown"
	}
}

// Payload is one inbound WebSocket message, classified once at the boundary.
// Both kinds are forwarded as opaque bytes; text is already UTF-8.
type Payload struct {
	Kind PayloadKind
	Data []byte
}

// Bytes returns the raw bytes to write to the target.
func (p Payload) Bytes() []byte { return p.Data }

func payloadFromMessage(messageType int, data []byte) (Payload, bool) {
	switch messageType {
	case websocket.TextMessage:
		return Payload{Kind: Text, Data: data}, true
	case websocket.BinaryMessage:
		return Payload{Kind: Binary, Data: data}, true
	default:
		return Payload{}, false
	}
}
