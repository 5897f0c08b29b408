package room

import (
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/metrics"
)

// join mirrors how the signaling layer applies the election policy.
func join(t *Table, roomID string, c ConnID) Role {
	var role Role
	t.Do(roomID, true, func(tx *Tx) {
		_, hadHost := tx.Add(c)
		role = JoinRole(hadHost)
		if role == RoleHost {
			tx.SetHost(c)
		}
	})
	return role
}

func leave(t *Table, roomID string, c ConnID) (newHost ConnID) {
	t.Do(roomID, false, func(tx *Tx) {
		_, wasHost := tx.Remove(c)
		if !wasHost {
			return
		}
		if next, ok := Successor(tx.Members()); ok {
			tx.SetHost(next)
			newHost = next
		}
	})
	return newHost
}

func TestTable_FirstJoinerIsHost(t *testing.T) {
	tbl := NewTable(nil)

	if got := join(tbl, "r", "A"); got != RoleHost {
		t.Fatalf("A role=%q, want host", got)
	}
	if got := join(tbl, "r", "B"); got != RoleViewer {
		t.Fatalf("B role=%q, want viewer", got)
	}
	host, ok := tbl.HostOf("r")
	if !ok || host != "A" {
		t.Fatalf("HostOf=(%q,%v), want (A,true)", host, ok)
	}
	if got, want := tbl.Members("r"), []ConnID{"A", "B"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Members=%v, want %v", got, want)
	}
}

func TestTable_HostDepartureElectsEarliestSurvivor(t *testing.T) {
	tbl := NewTable(nil)
	for _, c := range []ConnID{"A", "B", "C"} {
		join(tbl, "r", c)
	}

	if got := leave(tbl, "r", "A"); got != "B" {
		t.Fatalf("new host=%q, want B", got)
	}
	if host, _ := tbl.HostOf("r"); host != "B" {
		t.Fatalf("HostOf=%q, want B", host)
	}
	if got, want := tbl.Members("r"), []ConnID{"B", "C"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Members=%v, want %v", got, want)
	}
}

func TestTable_LastLeaveDeletesRoom(t *testing.T) {
	m := metrics.New()
	tbl := NewTable(m)
	join(tbl, "r", "A")
	join(tbl, "r", "B")

	leave(tbl, "r", "B")
	leave(tbl, "r", "A")

	if tbl.Len() != 0 {
		t.Fatalf("Len=%d, want 0", tbl.Len())
	}
	if _, ok := tbl.HostOf("r"); ok {
		t.Fatalf("HostOf on deleted room reported a host")
	}
	if tbl.Members("r") != nil {
		t.Fatalf("Members on deleted room=%v, want nil", tbl.Members("r"))
	}
	if got := m.Get(metrics.RoomsCreated); got != 1 {
		t.Fatalf("rooms_created=%d, want 1", got)
	}
	if got := m.Get(metrics.RoomsDeleted); got != 1 {
		t.Fatalf("rooms_deleted=%d, want 1", got)
	}

	// A later join starts a fresh room with a fresh host.
	if got := join(tbl, "r", "C"); got != RoleHost {
		t.Fatalf("C role=%q, want host", got)
	}
}

func TestTable_EnsureRoomDoesNotLeaveEmptyRooms(t *testing.T) {
	m := metrics.New()
	tbl := NewTable(m)

	st := tbl.EnsureRoom("r")
	if st.ID != "r" || len(st.Members) != 0 || st.HasHost() {
		t.Fatalf("EnsureRoom=%+v, want empty room r", st)
	}
	if tbl.Len() != 0 {
		t.Fatalf("Len=%d, want 0 after EnsureRoom on a new room", tbl.Len())
	}
	if got := m.Get(metrics.RoomsCreated); got != 0 {
		t.Fatalf("rooms_created=%d, want 0", got)
	}

	join(tbl, "r", "A")
	st = tbl.EnsureRoom("r")
	if st.Host != "A" || !reflect.DeepEqual(st.Members, []ConnID{"A"}) {
		t.Fatalf("EnsureRoom=%+v, want host A", st)
	}
}

func TestTable_AddMemberReportsExistingHost(t *testing.T) {
	tbl := NewTable(nil)

	count, hadHost := tbl.AddMember("r", "A")
	if count != 1 || hadHost {
		t.Fatalf("AddMember A=(%d,%v), want (1,false)", count, hadHost)
	}
	if !tbl.SetHost("r", "A") {
		t.Fatalf("SetHost A failed")
	}
	count, hadHost = tbl.AddMember("r", "B")
	if count != 2 || !hadHost {
		t.Fatalf("AddMember B=(%d,%v), want (2,true)", count, hadHost)
	}
	count, _ = tbl.AddMember("r", "B")
	if count != 2 {
		t.Fatalf("duplicate AddMember count=%d, want 2", count)
	}
}

func TestTable_RemoveMemberClearsHost(t *testing.T) {
	tbl := NewTable(nil)
	tbl.AddMember("r", "A")
	tbl.AddMember("r", "B")
	tbl.SetHost("r", "A")

	removed, wasHost := tbl.RemoveMember("r", "A")
	if !removed || !wasHost {
		t.Fatalf("RemoveMember=(%v,%v), want (true,true)", removed, wasHost)
	}
	if _, ok := tbl.HostOf("r"); ok {
		t.Fatalf("host still set after host removal")
	}

	removed, _ = tbl.RemoveMember("r", "A")
	if removed {
		t.Fatalf("second RemoveMember reported removal")
	}
	removed, _ = tbl.RemoveMember("missing", "A")
	if removed {
		t.Fatalf("RemoveMember on missing room reported removal")
	}
}

func TestTable_SetHostIgnoresNonMembers(t *testing.T) {
	tbl := NewTable(nil)
	tbl.AddMember("r", "A")
	tbl.SetHost("r", "A")

	if tbl.SetHost("r", "Z") {
		t.Fatalf("SetHost to non-member succeeded")
	}
	if host, _ := tbl.HostOf("r"); host != "A" {
		t.Fatalf("HostOf=%q, want A", host)
	}
	if tbl.SetHost("missing", "A") {
		t.Fatalf("SetHost on missing room succeeded")
	}
	if tbl.Len() != 1 {
		t.Fatalf("SetHost on missing room created it")
	}
}

func TestTable_Rooms(t *testing.T) {
	tbl := NewTable(nil)
	join(tbl, "b", "B1")
	join(tbl, "a", "A1")
	join(tbl, "a", "A2")

	got := tbl.Rooms()
	want := []Summary{
		{ID: "a", MemberCount: 2, HasHost: true},
		{ID: "b", MemberCount: 1, HasHost: true},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Rooms=%+v, want %+v", got, want)
	}
}

func TestTable_ConcurrentJoinsElectExactlyOneHost(t *testing.T) {
	tbl := NewTable(nil)

	const n = 64
	roles := make([]Role, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			roles[i] = join(tbl, "r", ConnID(fmt.Sprintf("c%d", i)))
		}(i)
	}
	wg.Wait()

	hosts := 0
	for _, r := range roles {
		if r == RoleHost {
			hosts++
		}
	}
	if hosts != 1 {
		t.Fatalf("hosts=%d, want 1", hosts)
	}
	members := tbl.Members("r")
	if len(members) != n {
		t.Fatalf("members=%d, want %d", len(members), n)
	}
	host, _ := tbl.HostOf("r")
	if host != members[0] {
		t.Fatalf("host=%q, want first joiner %q", host, members[0])
	}
}

func TestTable_ConcurrentChurnNeverLeavesEmptyRooms(t *testing.T) {
	tbl := NewTable(nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := ConnID(fmt.Sprintf("c%d", i))
			roomID := fmt.Sprintf("r%d", i%4)
			for j := 0; j < 200; j++ {
				join(tbl, roomID, id)
				leave(tbl, roomID, id)
			}
		}(i)
	}
	wg.Wait()

	if tbl.Len() != 0 {
		t.Fatalf("Len=%d, want 0; rooms=%+v", tbl.Len(), tbl.Rooms())
	}
}

func TestTable_HostIsAlwaysAMember(t *testing.T) {
	tbl := NewTable(nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := ConnID(fmt.Sprintf("c%d", i))
			for j := 0; j < 200; j++ {
				join(tbl, "r", id)
				tbl.View("r", func(tx *Tx) {
					host, ok := tx.Host()
					if !ok || !tx.IsMember(host) {
						t.Errorf("host=%q ok=%v members=%v", host, ok, tx.Members())
					}
				})
				leave(tbl, "r", id)
			}
		}(i)
	}
	wg.Wait()
}
