// Package signaling relays WebRTC signaling between the members of a room.
//
// Manager applies the room semantics (join, leave, host election and the
// offer/answer/ice-candidate routing rules). Server is the WebSocket
// transport in front of it: one reader goroutine and one writer goroutine
// per connection, with authentication, keepalive and inbound limits.
package signaling
