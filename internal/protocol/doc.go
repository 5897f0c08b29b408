// Package protocol defines the room signaling wire vocabulary: the event
// types exchanged with clients, inbound validation, the error event codes and
// the codecs negotiated through WebSocket subprotocols.
package protocol
