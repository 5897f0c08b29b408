package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/room"
)

type recordingPeer struct {
	mu     sync.Mutex
	msgs   []*protocol.Message
	reject error
}

func (p *recordingPeer) Send(msg *protocol.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reject != nil {
		return p.reject
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *recordingPeer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

func TestRegistry_SendToUnknownIsSilentDrop(t *testing.T) {
	m := metrics.New()
	r := New(room.NewTable(m), m)

	if r.SendTo("ghost", protocol.UserLeft("A")) {
		t.Fatalf("SendTo unknown id reported success")
	}
	if got := m.Get(metrics.DropStaleRecipient); got != 1 {
		t.Fatalf("drop_stale_recipient=%d, want 1", got)
	}
}

func TestRegistry_RegisterIsIdempotentAndUnregisterStopsDelivery(t *testing.T) {
	m := metrics.New()
	r := New(room.NewTable(m), m)
	p := &recordingPeer{}

	r.Register("A", p)
	r.Register("A", p)
	if r.Len() != 1 {
		t.Fatalf("Len=%d, want 1", r.Len())
	}
	if !r.SendTo("A", protocol.Connected("A")) {
		t.Fatalf("SendTo registered peer failed")
	}

	r.Unregister("A")
	r.Unregister("A")
	if r.SendTo("A", protocol.Connected("A")) {
		t.Fatalf("SendTo after Unregister succeeded")
	}
	if p.count() != 1 {
		t.Fatalf("peer got %d messages, want 1", p.count())
	}
}

func TestRegistry_FullPeerIsCounted(t *testing.T) {
	m := metrics.New()
	r := New(room.NewTable(m), m)
	r.Register("A", &recordingPeer{reject: ErrSendQueueFull})

	if r.SendTo("A", protocol.Connected("A")) {
		t.Fatalf("SendTo rejecting peer reported success")
	}
	if got := m.Get(metrics.DropSendQueueFull); got != 1 {
		t.Fatalf("drop_send_queue_full=%d, want 1", got)
	}
	if got := m.Get(metrics.DropEncodeFailed); got != 0 {
		t.Fatalf("drop_encode_failed=%d, want 0", got)
	}
}

func TestRegistry_EncodeFailureIsCountedSeparately(t *testing.T) {
	m := metrics.New()
	r := New(room.NewTable(m), m)
	r.Register("A", &recordingPeer{reject: errors.New("offer: number not representable")})

	if r.SendTo("A", protocol.Connected("A")) {
		t.Fatalf("SendTo failing peer reported success")
	}
	if got := m.Get(metrics.DropEncodeFailed); got != 1 {
		t.Fatalf("drop_encode_failed=%d, want 1", got)
	}
	if got := m.Get(metrics.DropSendQueueFull); got != 0 {
		t.Fatalf("drop_send_queue_full=%d, want 0", got)
	}
}

func TestRegistry_BroadcastToRoomExcludesSender(t *testing.T) {
	tbl := room.NewTable(nil)
	r := New(tbl, nil)

	peers := map[room.ConnID]*recordingPeer{}
	for _, id := range []room.ConnID{"A", "B", "C"} {
		peers[id] = &recordingPeer{}
		r.Register(id, peers[id])
		tbl.AddMember("r1", id)
	}
	other := &recordingPeer{}
	r.Register("X", other)
	tbl.AddMember("r2", "X")

	if got := r.BroadcastToRoom("r1", "A", protocol.UserJoined("A")); got != 2 {
		t.Fatalf("BroadcastToRoom sent=%d, want 2", got)
	}
	if peers["A"].count() != 0 || peers["B"].count() != 1 || peers["C"].count() != 1 {
		t.Fatalf("unexpected delivery A=%d B=%d C=%d", peers["A"].count(), peers["B"].count(), peers["C"].count())
	}
	if other.count() != 0 {
		t.Fatalf("message leaked to another room")
	}
	if got := r.BroadcastToRoom("missing", "", protocol.UserJoined("A")); got != 0 {
		t.Fatalf("BroadcastToRoom on missing room sent=%d", got)
	}
}

func TestRegistry_BroadcastSkipsDisconnectedMembers(t *testing.T) {
	m := metrics.New()
	tbl := room.NewTable(m)
	r := New(tbl, m)

	b := &recordingPeer{}
	r.Register("B", b)
	tbl.AddMember("r1", "A")
	tbl.AddMember("r1", "B")
	tbl.AddMember("r1", "gone")

	if got := r.BroadcastToRoom("r1", "A", protocol.UserLeft("A")); got != 1 {
		t.Fatalf("BroadcastToRoom sent=%d, want 1", got)
	}
	if got := m.Get(metrics.DropStaleRecipient); got != 1 {
		t.Fatalf("drop_stale_recipient=%d, want 1", got)
	}
}
