package signaling

import (
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/registry"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/room"
)

type ManagerConfig struct {
	// MaxRoomIDLength bounds room ids in bytes. 0 means unbounded.
	MaxRoomIDLength int
	// MaxRoomMembers caps room size. 0 means unlimited.
	MaxRoomMembers int

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Manager applies signaling events to the room table and routes the
// resulting notifications through the connection registry.
//
// Handle and Disconnect for a given Session must be called from a single
// goroutine (the connection's reader), which keeps each connection's events
// in arrival order.
type Manager struct {
	rooms   *room.Table
	conns   *registry.Registry
	metrics *metrics.Metrics
	log     *slog.Logger

	maxRoomIDLength int
	maxRoomMembers  int
}

func NewManager(rooms *room.Table, conns *registry.Registry, cfg ManagerConfig) *Manager {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		rooms:           rooms,
		conns:           conns,
		metrics:         cfg.Metrics,
		log:             log,
		maxRoomIDLength: cfg.MaxRoomIDLength,
		maxRoomMembers:  cfg.MaxRoomMembers,
	}
}

func (m *Manager) Rooms() *room.Table { return m.rooms }

// Session is the relay-side state of one live connection.
type Session struct {
	ID       room.ConnID
	Identity string

	// roomID is the room the connection is in, "" when in none. Only the
	// connection's reader goroutine touches it.
	roomID string

	log *slog.Logger
}

// RoomID returns the room the session is in, "" when in none.
func (s *Session) RoomID() string { return s.roomID }

// Connect registers a new connection and greets it with its id.
func (m *Manager) Connect(id room.ConnID, identity string, p registry.Peer) *Session {
	s := &Session{
		ID:       id,
		Identity: identity,
		log:      m.log.With("conn_id", string(id), "identity", identity),
	}
	m.conns.Register(id, p)
	m.metrics.Inc(metrics.ConnectionsOpened)
	m.conns.SendTo(id, protocol.Connected(string(id)))
	s.log.Debug("signaling connection opened")
	return s
}

// Disconnect removes the connection from its room, electing a new host when
// needed, and drops it from the registry. It is safe to call more than once.
func (m *Manager) Disconnect(s *Session) {
	if s.roomID != "" {
		m.depart(s)
	}
	if _, ok := m.conns.Lookup(s.ID); !ok {
		return
	}
	m.conns.Unregister(s.ID)
	m.metrics.Inc(metrics.ConnectionsClosed)
	s.log.Debug("signaling connection closed")
}

// Handle applies one validated inbound message. A non-nil error is reported
// to the sender as an error event; no state has changed in that case.
func (m *Manager) Handle(s *Session, msg protocol.Message) *protocol.Error {
	switch msg.Type {
	case protocol.TypeAuth:
		// Clients may send auth even when already authenticated (query-string
		// credentials or AUTH_MODE=none).
		return nil
	case protocol.TypeJoinRoom:
		return m.join(s, msg)
	case protocol.TypeLeaveRoom:
		return m.leave(s, msg)
	case protocol.TypeOffer:
		return m.offer(s, msg)
	case protocol.TypeAnswer:
		return m.answer(s, msg)
	case protocol.TypeICECandidate:
		return m.iceCandidate(s, msg)
	default:
		m.metrics.Inc(metrics.BadMessage)
		return protocol.Errorf(protocol.CodeBadMessage, "unsupported message type %q", msg.Type)
	}
}

func (m *Manager) join(s *Session, msg protocol.Message) *protocol.Error {
	if perr := protocol.ValidateRoomID(msg.RoomID, m.maxRoomIDLength); perr != nil {
		m.metrics.Inc(metrics.BadMessage)
		return perr
	}
	if s.roomID != "" {
		return protocol.Errorf(protocol.CodeAlreadyInRoom, "already in room %q", s.roomID)
	}

	var (
		perr *protocol.Error
		role room.Role
	)
	m.rooms.Do(msg.RoomID, true, func(tx *room.Tx) {
		if m.maxRoomMembers > 0 && tx.Len() >= m.maxRoomMembers {
			perr = protocol.Errorf(protocol.CodeRoomFull, "room %q is full", msg.RoomID)
			return
		}
		_, hadHost := tx.Add(s.ID)
		if room.JoinRole(hadHost) == room.RoleHost {
			tx.SetHost(s.ID)
			m.metrics.Inc(metrics.HostsElected)
		}
		host, _ := tx.Host()
		role = room.RoleOf(host, s.ID)

		m.conns.SendTo(s.ID, protocol.RoleAssigned(string(role)))
		if role == room.RoleViewer {
			m.conns.SendTo(host, protocol.UserJoined(string(s.ID)))
		}
	})
	if perr != nil {
		return perr
	}

	s.roomID = msg.RoomID
	m.metrics.Inc(metrics.RoomJoins)
	s.log.Info("joined room", "room_id", msg.RoomID, "role", string(role))
	return nil
}

func (m *Manager) leave(s *Session, msg protocol.Message) *protocol.Error {
	if s.roomID == "" {
		return protocol.Errorf(protocol.CodeNotInRoom, "not in a room")
	}
	if msg.RoomID != "" && msg.RoomID != s.roomID {
		return protocol.Errorf(protocol.CodeNotInRoom, "not in room %q", msg.RoomID)
	}
	m.depart(s)
	return nil
}

// depart removes s from its room. When s was the host, the earliest joined
// remaining member becomes host and is told so before anyone hears about the
// departure.
func (m *Manager) depart(s *Session) {
	roomID := s.roomID
	s.roomID = ""

	var newHost room.ConnID
	m.rooms.Do(roomID, false, func(tx *room.Tx) {
		removed, wasHost := tx.Remove(s.ID)
		if !removed {
			return
		}
		if wasHost {
			if next, ok := room.Successor(tx.Members()); ok {
				tx.SetHost(next)
				newHost = next
				m.metrics.Inc(metrics.HostsReelected)
				m.conns.SendTo(next, protocol.RoleAssigned(string(room.RoleHost)))
			}
		}
		m.conns.SendToMembers(tx.Members(), s.ID, protocol.UserLeft(string(s.ID)))
	})

	m.metrics.Inc(metrics.RoomLeaves)
	if newHost != "" {
		s.log.Info("left room", "room_id", roomID, "new_host", string(newHost))
		return
	}
	s.log.Info("left room", "room_id", roomID)
}

func (m *Manager) requireRoom(s *Session, roomID string) *protocol.Error {
	if s.roomID == "" || s.roomID != roomID {
		return protocol.Errorf(protocol.CodeNotInRoom, "not in room %q", roomID)
	}
	return nil
}

// offer fans the host's offer out to every other member of the room.
func (m *Manager) offer(s *Session, msg protocol.Message) *protocol.Error {
	if perr := m.requireRoom(s, msg.RoomID); perr != nil {
		return perr
	}

	var perr *protocol.Error
	fwd := protocol.Forward(msg, string(s.ID))
	m.rooms.View(msg.RoomID, func(tx *room.Tx) {
		if host, ok := tx.Host(); !ok || host != s.ID {
			perr = protocol.Errorf(protocol.CodeNotHost, "only the host may send offers")
			return
		}
		m.conns.SendToMembers(tx.Members(), s.ID, fwd)
	})
	if perr != nil {
		m.metrics.Inc(metrics.DropNotHost)
		return perr
	}
	m.metrics.Inc(metrics.RelayedOffer)
	return nil
}

// answer goes to toUserId when given, otherwise to the room's host. A
// missing target is dropped silently.
func (m *Manager) answer(s *Session, msg protocol.Message) *protocol.Error {
	if perr := m.requireRoom(s, msg.RoomID); perr != nil {
		return perr
	}

	fwd := protocol.Forward(msg, string(s.ID))
	m.rooms.View(msg.RoomID, func(tx *room.Tx) {
		var target room.ConnID
		if msg.ToUserID != "" {
			target = room.ConnID(msg.ToUserID)
			if target == s.ID || !tx.IsMember(target) {
				m.metrics.Inc(metrics.DropStaleRecipient)
				return
			}
		} else {
			host, ok := tx.Host()
			if !ok || host == s.ID {
				m.metrics.Inc(metrics.DropNoHost)
				return
			}
			target = host
		}
		if m.conns.SendTo(target, fwd) {
			m.metrics.Inc(metrics.RelayedAnswer)
		}
	})
	return nil
}

// iceCandidate goes to every other member of the room.
func (m *Manager) iceCandidate(s *Session, msg protocol.Message) *protocol.Error {
	if perr := m.requireRoom(s, msg.RoomID); perr != nil {
		return perr
	}
	fwd := protocol.Forward(msg, string(s.ID))
	m.rooms.View(msg.RoomID, func(tx *room.Tx) {
		m.conns.SendToMembers(tx.Members(), s.ID, fwd)
	})
	m.metrics.Inc(metrics.RelayedICECandidate)
	return nil
}
