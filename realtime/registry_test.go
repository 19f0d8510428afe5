package realtime

import (
	"sort"
	"testing"
)

func TestRegistryJoinIdempotent(t *testing.T) {
	r := NewRegistry()
	r.Join("c1", "tasks")
	r.Join("c1", "tasks")
	members := r.Members("tasks")
	if len(members) != 1 || members[0] != "c1" {
		t.Fatalf("unexpected members: %v", members)
	}
}

func TestRegistryLeave(t *testing.T) {
	r := NewRegistry()
	r.Join("c1", "tasks")
	r.Join("c2", "tasks")
	r.Leave("c1", "tasks")
	members := r.Members("tasks")
	if len(members) != 1 || members[0] != "c2" {
		t.Fatalf("unexpected members: %v", members)
	}

	// Leaving again, or leaving a room never joined, changes nothing.
	r.Leave("c1", "tasks")
	r.Leave("c2", "other")
	if got := len(r.Members("tasks")); got != 1 {
		t.Fatalf("expected 1 member, got %d", got)
	}
}

func TestRegistryRemoveConnection(t *testing.T) {
	r := NewRegistry()
	r.Join("c1", "tasks")
	r.Join("c1", "archive")
	r.Join("c2", "tasks")
	r.RemoveConnection("c1")

	if members := r.Members("archive"); len(members) != 0 {
		t.Fatalf("expected empty room, got %v", members)
	}
	members := r.Members("tasks")
	if len(members) != 1 || members[0] != "c2" {
		t.Fatalf("unexpected members: %v", members)
	}

	// Unknown connections are a no-op.
	r.RemoveConnection("ghost")
}

func TestRegistryMembersIsolatedPerRoom(t *testing.T) {
	r := NewRegistry()
	r.Join("c1", "tasks")
	r.Join("c2", "tasks")
	r.Join("c3", "archive")

	members := r.Members("tasks")
	sort.Strings(members)
	if len(members) != 2 || members[0] != "c1" || members[1] != "c2" {
		t.Fatalf("unexpected members: %v", members)
	}
	if members := r.Members("missing"); len(members) != 0 {
		t.Fatalf("expected no members, got %v", members)
	}
}
