package protocol

import (
	"bytes"
	"encoding/json"
)

type Type string

// Client to relay.
const (
	TypeAuth         Type = "auth"
	TypeJoinRoom     Type = "join-room"
	TypeLeaveRoom    Type = "leave-room"
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeICECandidate Type = "ice-candidate"
)

// Relay to client. Offer, answer and ice-candidate are reused in this
// direction with the sender's id in UserID.
const (
	TypeConnected  Type = "connected"
	TypeRole       Type = "role"
	TypeUserJoined Type = "user-joined"
	TypeUserLeft   Type = "user-left"
	TypeError      Type = "error"
)

// Message is the single frame shape used in both directions. Offer, Answer
// and Candidate are opaque to the relay.
type Message struct {
	Type Type `json:"type"`

	RoomID   string `json:"roomId,omitempty"`
	UserID   string `json:"userId,omitempty"`
	ToUserID string `json:"toUserId,omitempty"`
	Role     string `json:"role,omitempty"`

	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	APIKey string `json:"apiKey,omitempty"`
	Token  string `json:"token,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Validate checks an inbound message. Only client to relay types are
// accepted.
func (m Message) Validate() *Error {
	switch m.Type {
	case TypeAuth:
		if m.APIKey == "" && m.Token == "" {
			return Errorf(CodeBadMessage, "auth message missing apiKey/token")
		}
	case TypeJoinRoom:
		if m.RoomID == "" {
			return Errorf(CodeBadMessage, "join-room message missing roomId")
		}
	case TypeLeaveRoom:
	case TypeOffer:
		if m.RoomID == "" {
			return Errorf(CodeBadMessage, "offer message missing roomId")
		}
		if !present(m.Offer) {
			return Errorf(CodeBadMessage, "offer message missing offer")
		}
	case TypeAnswer:
		if m.RoomID == "" {
			return Errorf(CodeBadMessage, "answer message missing roomId")
		}
		if !present(m.Answer) {
			return Errorf(CodeBadMessage, "answer message missing answer")
		}
	case TypeICECandidate:
		if m.RoomID == "" {
			return Errorf(CodeBadMessage, "ice-candidate message missing roomId")
		}
		if !present(m.Candidate) {
			return Errorf(CodeBadMessage, "ice-candidate message missing candidate")
		}
	case "":
		return Errorf(CodeBadMessage, "message missing type")
	default:
		return Errorf(CodeBadMessage, "unsupported message type %q", m.Type)
	}
	return nil
}

func present(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

func Connected(userID string) *Message {
	return &Message{Type: TypeConnected, UserID: userID}
}

func RoleAssigned(role string) *Message {
	return &Message{Type: TypeRole, Role: role}
}

func UserJoined(userID string) *Message {
	return &Message{Type: TypeUserJoined, UserID: userID}
}

func UserLeft(userID string) *Message {
	return &Message{Type: TypeUserLeft, UserID: userID}
}

// Forward builds the relayed form of an offer, answer or ice-candidate: the
// payload is kept as is and the sender is named in UserID. Routing fields are
// not forwarded.
func Forward(in Message, from string) *Message {
	return &Message{
		Type:      in.Type,
		UserID:    from,
		Offer:     in.Offer,
		Answer:    in.Answer,
		Candidate: in.Candidate,
	}
}
