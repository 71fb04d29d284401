package room

import "testing"

func TestJoinIsIdempotent(t *testing.T) {
	r := NewRegistry()
	key := Conversation(42)

	if !r.Join(key, "c1") {
		t.Error("expected first join to report an empty room")
	}
	if r.Join(key, "c1") {
		t.Error("expected second join to report an occupied room")
	}
	if got := r.Members(key); len(got) != 1 || got[0] != "c1" {
		t.Fatalf("expected [c1], got %v", got)
	}
}

func TestLeaveReportsLastMember(t *testing.T) {
	r := NewRegistry()
	key := Project(7)
	r.Join(key, "c1")
	r.Join(key, "c2")

	if r.Leave(key, "c1") {
		t.Error("room still has c2, expected last=false")
	}
	if !r.Leave(key, "c2") {
		t.Error("expected last=true after final leave")
	}
	if r.Leave(key, "c2") {
		t.Error("leaving twice should be a no-op")
	}
	if r.Count() != 0 {
		t.Errorf("expected no rooms, got %d", r.Count())
	}
}

func TestLeaveAll(t *testing.T) {
	r := NewRegistry()
	r.Join(Project(1), "c1")
	r.Join(Conversation(5), "c1")
	r.Join(Conversation(5), "c2")

	emptied := r.LeaveAll("c1")
	if len(emptied) != 1 || emptied[0] != Project(1) {
		t.Fatalf("expected only project:1 to empty, got %v", emptied)
	}
	if rooms := r.Rooms("c1"); len(rooms) != 0 {
		t.Errorf("expected c1 in no rooms, got %v", rooms)
	}
	if !r.IsMember(Conversation(5), "c2") {
		t.Error("c2 should still be in conversation:5")
	}
}

func TestRoomsSorted(t *testing.T) {
	r := NewRegistry()
	r.Join(Project(2), "c1")
	r.Join(Conversation(9), "c1")
	r.Join(Conversation(3), "c1")

	got := r.Rooms("c1")
	want := []Key{Conversation(3), Conversation(9), Project(2)}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("room %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestSubjectRoundTrip(t *testing.T) {
	for _, key := range []Key{Project(7), Conversation(1234567890123)} {
		got, err := ParseSubject(key.Subject())
		if err != nil {
			t.Fatalf("ParseSubject(%q) error: %v", key.Subject(), err)
		}
		if got != key {
			t.Errorf("expected %v, got %v", key, got)
		}
	}

	for _, bad := range []string{"", "room.", "room.board.1", "room.project.x", "chat.project.1"} {
		if _, err := ParseSubject(bad); err == nil {
			t.Errorf("ParseSubject(%q) expected error", bad)
		}
	}
}

func TestKeyString(t *testing.T) {
	if got := Conversation(42).String(); got != "conversation:42" {
		t.Errorf("expected conversation:42, got %q", got)
	}
	if got := Project(42).Subject(); got != "room.project.42" {
		t.Errorf("expected room.project.42, got %q", got)
	}
}
