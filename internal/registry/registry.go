// Package registry maps live connection ids to their transports and delivers
// relay messages to them without blocking the caller.
package registry

import (
	"errors"
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/room"
)

// ErrSendQueueFull is returned by Peer.Send when the peer's outbound backlog
// is full.
var ErrSendQueueFull = errors.New("send queue full")

// Peer is the transport side of a live connection.
type Peer interface {
	// Send queues msg for delivery and must not block. A non-nil error means
	// the message was dropped: ErrSendQueueFull for a slow consumer, anything
	// else when msg cannot be encoded for this peer.
	Send(msg *protocol.Message) error
}

// Registry is safe for concurrent use. Its lock is never held while a room
// lock is being acquired, so sends may be issued from inside a room
// transaction.
type Registry struct {
	rooms   *room.Table
	metrics *metrics.Metrics

	mu    sync.RWMutex
	peers map[room.ConnID]Peer
}

func New(rooms *room.Table, m *metrics.Metrics) *Registry {
	return &Registry{
		rooms:   rooms,
		metrics: m,
		peers:   make(map[room.ConnID]Peer),
	}
}

// Register binds id to p, replacing any previous binding for id.
func (r *Registry) Register(id room.ConnID, p Peer) {
	r.mu.Lock()
	r.peers[id] = p
	r.mu.Unlock()
}

// Unregister removes id. Later sends to id are dropped.
func (r *Registry) Unregister(id room.ConnID) {
	r.mu.Lock()
	delete(r.peers, id)
	r.mu.Unlock()
}

func (r *Registry) Lookup(id room.ConnID) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// SendTo delivers msg to id on a best-effort basis. An unknown id is a
// silent drop.
func (r *Registry) SendTo(id room.ConnID, msg *protocol.Message) bool {
	p, ok := r.Lookup(id)
	if !ok {
		r.metrics.Inc(metrics.DropStaleRecipient)
		return false
	}
	if err := p.Send(msg); err != nil {
		if errors.Is(err, ErrSendQueueFull) {
			r.metrics.Inc(metrics.DropSendQueueFull)
		} else {
			r.metrics.Inc(metrics.DropEncodeFailed)
		}
		return false
	}
	return true
}

// SendToMembers delivers msg to every member except exclude and returns the
// number of successful enqueues. It is meant for callers already inside a
// room transaction.
func (r *Registry) SendToMembers(members []room.ConnID, exclude room.ConnID, msg *protocol.Message) int {
	sent := 0
	for _, id := range members {
		if id == exclude {
			continue
		}
		if r.SendTo(id, msg) {
			sent++
		}
	}
	return sent
}

// BroadcastToRoom delivers msg to every current member of roomID except
// exclude. Must not be called from inside a transaction on the same room.
func (r *Registry) BroadcastToRoom(roomID string, exclude room.ConnID, msg *protocol.Message) int {
	sent := 0
	r.rooms.View(roomID, func(tx *room.Tx) {
		sent = r.SendToMembers(tx.Members(), exclude, msg)
	})
	return sent
}
