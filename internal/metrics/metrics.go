package metrics

import "sync"

// Event names recorded by the room relay.
const (
	ConnectionsOpened   = "connections_opened"
	ConnectionsClosed   = "connections_closed"
	ConnectionsRejected = "connections_rejected"

	RoomsCreated   = "rooms_created"
	RoomsDeleted   = "rooms_deleted"
	RoomJoins      = "room_joins"
	RoomLeaves     = "room_leaves"
	HostsElected   = "hosts_elected"
	HostsReelected = "hosts_reelected"

	RelayedOffer        = "relayed_offer"
	RelayedAnswer       = "relayed_answer"
	RelayedICECandidate = "relayed_ice_candidate"

	DropStaleRecipient = "drop_stale_recipient"
	DropSendQueueFull  = "drop_send_queue_full"
	DropEncodeFailed   = "drop_encode_failed"
	DropNotHost        = "drop_not_host"
	DropNoHost         = "drop_no_host"
	DropRateLimited    = "drop_rate_limited"

	AuthFailure = "auth_failure"
	BadMessage  = "bad_message"
)

// Metrics is a concurrency-safe counter registry. The zero value is ready to
// use and a nil *Metrics discards everything, so components can treat metrics
// as optional.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
