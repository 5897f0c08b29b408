package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParse_JSONValidation(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{name: "join", raw: `{"type":"join-room","roomId":"r1"}`},
		{name: "leave without room", raw: `{"type":"leave-room"}`},
		{name: "offer", raw: `{"type":"offer","roomId":"r1","offer":{"type":"offer","sdp":"v=0"}}`},
		{name: "answer with target", raw: `{"type":"answer","roomId":"r1","toUserId":"A","answer":{"type":"answer","sdp":"v=0"}}`},
		{name: "candidate", raw: `{"type":"ice-candidate","roomId":"r1","candidate":{"candidate":"candidate:1"}}`},
		{name: "auth", raw: `{"type":"auth","token":"t"}`},
		{name: "unknown fields are ignored", raw: `{"type":"join-room","roomId":"r1","extra":true}`},

		{name: "not json", raw: `nope`, wantErr: "invalid message"},
		{name: "trailing data", raw: `{"type":"leave-room"} {}`, wantErr: "invalid message"},
		{name: "missing type", raw: `{"roomId":"r1"}`, wantErr: "missing type"},
		{name: "unknown type", raw: `{"type":"kick"}`, wantErr: "unsupported message type"},
		{name: "relay-only type", raw: `{"type":"user-joined","userId":"A"}`, wantErr: "unsupported message type"},
		{name: "join missing room", raw: `{"type":"join-room"}`, wantErr: "missing roomId"},
		{name: "offer missing payload", raw: `{"type":"offer","roomId":"r1"}`, wantErr: "missing offer"},
		{name: "offer null payload", raw: `{"type":"offer","roomId":"r1","offer":null}`, wantErr: "missing offer"},
		{name: "answer missing room", raw: `{"type":"answer","answer":{}}`, wantErr: "missing roomId"},
		{name: "candidate missing payload", raw: `{"type":"ice-candidate","roomId":"r1"}`, wantErr: "missing candidate"},
		{name: "auth missing credentials", raw: `{"type":"auth"}`, wantErr: "missing apiKey/token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, perr := Parse(JSON, []byte(tt.raw))
			if tt.wantErr == "" {
				if perr != nil {
					t.Fatalf("Parse err=%v, want nil", perr)
				}
				return
			}
			if perr == nil {
				t.Fatalf("Parse err=nil, want %q", tt.wantErr)
			}
			if perr.Code != CodeBadMessage {
				t.Fatalf("code=%q, want %q", perr.Code, CodeBadMessage)
			}
			if !strings.Contains(perr.Message, tt.wantErr) {
				t.Fatalf("message=%q, want substring %q", perr.Message, tt.wantErr)
			}
		})
	}
}

func TestForward_KeepsPayloadAndNamesSender(t *testing.T) {
	in := Message{
		Type:     TypeAnswer,
		RoomID:   "r1",
		ToUserID: "A",
		Answer:   json.RawMessage(`{"type":"answer","sdp":"v=0\r\n<a&b>"}`),
	}
	out := Forward(in, "B")

	if out.Type != TypeAnswer || out.UserID != "B" {
		t.Fatalf("Forward=%+v, want answer from B", out)
	}
	if out.RoomID != "" || out.ToUserID != "" {
		t.Fatalf("routing fields leaked: %+v", out)
	}

	data, err := JSON.Encode(out)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := `{"type":"answer","userId":"B","answer":{"type":"answer","sdp":"v=0\r\n<a&b>"}}`
	if string(data) != want {
		t.Fatalf("Encode=%s, want %s", data, want)
	}
}

func TestErrorEvent(t *testing.T) {
	e := Errorf(CodeNotHost, "only the host may send offers")
	data, err := JSON.Encode(e.Event())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := `{"type":"error","code":"not_host","message":"only the host may send offers"}`
	if string(data) != want {
		t.Fatalf("Encode=%s, want %s", data, want)
	}
	if e.Error() != "not_host: only the host may send offers" {
		t.Fatalf("Error()=%q", e.Error())
	}
}

func TestValidateRoomID(t *testing.T) {
	tests := []struct {
		id     string
		maxLen int
		ok     bool
	}{
		{id: "room-1", maxLen: 128, ok: true},
		{id: "räume", maxLen: 128, ok: true},
		{id: strings.Repeat("a", 8), maxLen: 8, ok: true},
		{id: strings.Repeat("a", 9), maxLen: 8, ok: false},
		{id: strings.Repeat("a", 1000), maxLen: 0, ok: true},
		{id: "", maxLen: 8, ok: false},
		{id: "a\nb", maxLen: 8, ok: false},
		{id: "\xff", maxLen: 8, ok: false},
	}
	for _, tt := range tests {
		err := ValidateRoomID(tt.id, tt.maxLen)
		if (err == nil) != tt.ok {
			t.Fatalf("ValidateRoomID(%q,%d)=%v, want ok=%v", tt.id, tt.maxLen, err, tt.ok)
		}
	}
}
