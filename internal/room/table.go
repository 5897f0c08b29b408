package room

import (
	"sort"
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/metrics"
)

// ConnID identifies a live connection. It doubles as the user id on the wire.
type ConnID string

type entry struct {
	mu      sync.Mutex
	id      string
	members []ConnID
	host    ConnID
	// dead is set once the entry has been removed from the table; a caller
	// that raced with the removal must look the room up again.
	dead bool
}

// State is a point-in-time copy of a room.
type State struct {
	ID      string
	Members []ConnID
	Host    ConnID
}

func (s State) HasHost() bool { return s.Host != "" }

// Summary is the listing form of a room.
type Summary struct {
	ID          string `json:"roomId"`
	MemberCount int    `json:"memberCount"`
	HasHost     bool   `json:"hasHost"`
}

// Table maps room ids to rooms. A room with zero members never outlives the
// call that emptied it.
type Table struct {
	metrics *metrics.Metrics

	mu    sync.Mutex
	rooms map[string]*entry
}

func NewTable(m *metrics.Metrics) *Table {
	return &Table{
		metrics: m,
		rooms:   make(map[string]*entry),
	}
}

// Tx is a view of one room valid only inside the callback passed to Do.
type Tx struct {
	e *entry
}

func (tx *Tx) ID() string { return tx.e.id }

func (tx *Tx) Len() int { return len(tx.e.members) }

// Members returns a copy of the members in join order.
func (tx *Tx) Members() []ConnID {
	return append([]ConnID(nil), tx.e.members...)
}

func (tx *Tx) Host() (ConnID, bool) {
	return tx.e.host, tx.e.host != ""
}

func (tx *Tx) IsMember(c ConnID) bool {
	return indexOf(tx.e.members, c) >= 0
}

// Add appends c to the room. Adding an existing member is a no-op. It returns
// the member count after the call and whether the room had a host before it.
func (tx *Tx) Add(c ConnID) (count int, hadHost bool) {
	hadHost = tx.e.host != ""
	if !tx.IsMember(c) {
		tx.e.members = append(tx.e.members, c)
	}
	return len(tx.e.members), hadHost
}

// Remove drops c from the room and clears the host when c was the host.
func (tx *Tx) Remove(c ConnID) (removed, wasHost bool) {
	i := indexOf(tx.e.members, c)
	if i < 0 {
		return false, false
	}
	tx.e.members = append(tx.e.members[:i], tx.e.members[i+1:]...)
	if tx.e.host == c {
		tx.e.host = ""
		wasHost = true
	}
	return true, wasHost
}

// SetHost makes c the host. It is a no-op, returning false, when c is not a
// member.
func (tx *Tx) SetHost(c ConnID) bool {
	if !tx.IsMember(c) {
		return false
	}
	tx.e.host = c
	return true
}

func (tx *Tx) State() State {
	return State{ID: tx.e.id, Members: tx.Members(), Host: tx.e.host}
}

// Do runs fn with exclusive access to the room id. When the room does not
// exist and create is false, fn is not called and Do returns false. When the
// room is empty after fn returns, it is removed from the table.
//
// fn must not call back into the Table for the same room and must not retain
// tx.
func (t *Table) Do(id string, create bool, fn func(tx *Tx)) bool {
	for {
		e := t.lookup(id, create)
		if e == nil {
			return false
		}
		e.mu.Lock()
		if e.dead {
			e.mu.Unlock()
			continue
		}
		wasEmpty := len(e.members) == 0
		fn(&Tx{e: e})
		switch {
		case len(e.members) == 0:
			e.dead = true
			t.remove(e)
			if !wasEmpty {
				t.metrics.Inc(metrics.RoomsDeleted)
			}
		case wasEmpty:
			t.metrics.Inc(metrics.RoomsCreated)
		}
		e.mu.Unlock()
		return true
	}
}

// View runs fn against an existing room. fn must not mutate it.
func (t *Table) View(id string, fn func(tx *Tx)) bool {
	return t.Do(id, false, fn)
}

func (t *Table) lookup(id string, create bool) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.rooms[id]
	if !ok && create {
		e = &entry{id: id}
		t.rooms[id] = e
	}
	return e
}

func (t *Table) remove(e *entry) {
	t.mu.Lock()
	if t.rooms[e.id] == e {
		delete(t.rooms, e.id)
	}
	t.mu.Unlock()
}

// EnsureRoom returns the state of room id, creating it when absent. A room
// created here that is still empty when the call returns is reclaimed at
// once.
func (t *Table) EnsureRoom(id string) State {
	var st State
	t.Do(id, true, func(tx *Tx) { st = tx.State() })
	return st
}

func (t *Table) AddMember(id string, c ConnID) (count int, hadHost bool) {
	t.Do(id, true, func(tx *Tx) { count, hadHost = tx.Add(c) })
	return count, hadHost
}

func (t *Table) RemoveMember(id string, c ConnID) (removed, wasHost bool) {
	t.Do(id, false, func(tx *Tx) { removed, wasHost = tx.Remove(c) })
	return removed, wasHost
}

func (t *Table) SetHost(id string, c ConnID) bool {
	var ok bool
	t.Do(id, false, func(tx *Tx) { ok = tx.SetHost(c) })
	return ok
}

func (t *Table) HostOf(id string) (host ConnID, ok bool) {
	t.View(id, func(tx *Tx) { host, ok = tx.Host() })
	return host, ok
}

func (t *Table) IsMember(id string, c ConnID) bool {
	var ok bool
	t.View(id, func(tx *Tx) { ok = tx.IsMember(c) })
	return ok
}

// Members returns the members of room id in join order, or nil when the room
// does not exist.
func (t *Table) Members(id string) []ConnID {
	var out []ConnID
	t.View(id, func(tx *Tx) { out = tx.Members() })
	return out
}

// Rooms lists every room, sorted by id.
func (t *Table) Rooms() []Summary {
	t.mu.Lock()
	entries := make([]*entry, 0, len(t.rooms))
	for _, e := range t.rooms {
		entries = append(entries, e)
	}
	t.mu.Unlock()

	out := make([]Summary, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.dead && len(e.members) > 0 {
			out = append(out, Summary{ID: e.id, MemberCount: len(e.members), HasHost: e.host != ""})
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of rooms.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rooms)
}

func indexOf(members []ConnID, c ConnID) int {
	for i, m := range members {
		if m == c {
			return i
		}
	}
	return -1
}
