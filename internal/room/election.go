package room

// Role is a member's role in a room. It is derived from the room's host
// reference and never stored on its own.
type Role string

const (
	RoleHost   Role = "host"
	RoleViewer Role = "viewer"
)

// JoinRole returns the role a joining connection takes: host when the room
// has no host, viewer otherwise.
func JoinRole(hasHost bool) Role {
	if hasHost {
		return RoleViewer
	}
	return RoleHost
}

// Successor picks the new host after the host departed. remaining must be in
// join order; the earliest joined member wins. ok is false when the room is
// now empty.
func Successor(remaining []ConnID) (next ConnID, ok bool) {
	if len(remaining) == 0 {
		return "", false
	}
	return remaining[0], true
}

// RoleOf derives the role of member given the room's host.
func RoleOf(host, member ConnID) Role {
	if host != "" && host == member {
		return RoleHost
	}
	return RoleViewer
}
