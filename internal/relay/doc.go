// Package relay bridges WebSocket connections to raw TCP targets.
//
// caller --- websocket ---> [ relay ] --- tcp ---> target
//
// The caller names the target in the upgrade URL (?target=host:port). Once the
// relay has connected it sends a single JSON acknowledgment and from then on
// the WebSocket carries only the target's bytes as binary messages.
package relay
