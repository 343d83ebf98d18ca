package griddisco

import "testing"

func TestTopologyIndexAddRemove(t *testing.T) {
	idx := newTopologyIndex()
	a := &ClusterNode{NodeID: "a", InternalID: 1, Order: 1}
	b := &ClusterNode{NodeID: "b", InternalID: 2, Order: 2}
	idx.Add(a)
	idx.Add(b)

	if idx.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", idx.Len())
	}
	if n, ok := idx.ByID("a"); !ok || n != a {
		t.Fatalf("ByID(a) = %v, %v", n, ok)
	}
	if n, ok := idx.ByInternalID(2); !ok || n != b {
		t.Fatalf("ByInternalID(2) = %v, %v", n, ok)
	}
	if min, ok := idx.MinInternalID(); !ok || min != 1 {
		t.Fatalf("MinInternalID() = %d, %v", min, ok)
	}

	removed := idx.Remove("a")
	if removed != a {
		t.Fatalf("Remove(a) = %v, want %v", removed, a)
	}
	if idx.Len() != 1 {
		t.Fatalf("Len() after remove = %d, want 1", idx.Len())
	}
	if _, ok := idx.ByID("a"); ok {
		t.Fatal("a should be gone after Remove")
	}
	if idx.Remove("missing") != nil {
		t.Fatal("Remove of unknown id should return nil")
	}
}

func TestTopologyIndexSnapshotIsCopy(t *testing.T) {
	idx := newTopologyIndex()
	idx.Add(&ClusterNode{NodeID: "a", InternalID: 1})

	snap := idx.Snapshot()
	snap[0] = &ClusterNode{NodeID: "mutated"}

	if n, _ := idx.ByID("a"); n.NodeID != "a" {
		t.Fatal("mutating a Snapshot() slice must not affect the index")
	}
}
