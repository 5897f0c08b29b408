// Package room owns the relay's room table: which connections belong to
// which room, in join order, and which member is the room's host.
//
// All mutations of a room happen under that room's own mutex, so rooms never
// contend with each other beyond a short lookup in the table map. Callers that
// need several steps to be atomic (join followed by host election, leave
// followed by re-election) use Table.Do.
package room
