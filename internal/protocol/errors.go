package protocol

import "fmt"

// Error event codes.
const (
	CodeBadMessage    = "bad_message"
	CodeAlreadyInRoom = "already_in_room"
	CodeNotInRoom     = "not_in_room"
	CodeNotHost       = "not_host"
	CodeRoomFull      = "room_full"
	CodeUnauthorized  = "unauthorized"
	CodeRateLimited   = "rate_limited"
	CodeInternal      = "internal_error"
)

// Error is a rejection reported back to the sender as an error event. The
// connection stays open.
type Error struct {
	Code    string
	Message string
}

func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Event renders e as an outbound error event.
func (e *Error) Event() *Message {
	return &Message{Type: TypeError, Code: e.Code, Message: e.Message}
}
