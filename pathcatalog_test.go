package griddisco

import "testing"

func TestNewPathCatalogRejectsBadClusterName(t *testing.T) {
	if _, err := NewPathCatalog("/griddisco", ""); err == nil {
		t.Fatal("expected error for empty cluster name")
	}
	if _, err := NewPathCatalog("/griddisco", "a/b"); err == nil {
		t.Fatal("expected error for cluster name containing '/'")
	}
}

func TestPathCatalogTree(t *testing.T) {
	c, err := NewPathCatalog("/griddisco", "mycluster")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := c.AliveNodesDir(), "/griddisco/mycluster/alive"; got != want {
		t.Fatalf("AliveNodesDir() = %q, want %q", got, want)
	}
	if got, want := c.EventPath(7), "/griddisco/mycluster/events/7"; got != want {
		t.Fatalf("EventPath(7) = %q, want %q", got, want)
	}
	if got, want := c.JoinedDataPath(7), "/griddisco/mycluster/events/7/joined"; got != want {
		t.Fatalf("JoinedDataPath(7) = %q, want %q", got, want)
	}
}

func TestAliveNameRoundTrip(t *testing.T) {
	prefix := EncodeAliveNamePrefix("node-1", 3)
	name := prefix + "0000000042"
	decoded, err := DecodeAliveName(name)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.NodeID != "node-1" || decoded.JoinSeq != 3 || decoded.StoreSeq != 42 {
		t.Fatalf("unexpected decode: %+v", decoded)
	}
}

func TestJoinDataNameRoundTrip(t *testing.T) {
	prefix := EncodeJoinDataPrefix("node-2")
	name := prefix + "0000000005"
	decoded, err := DecodeJoinDataName(name)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.NodeID != "node-2" || decoded.StoreSeq != 5 {
		t.Fatalf("unexpected decode: %+v", decoded)
	}
}

func TestDecodeAliveNameRejectsMalformed(t *testing.T) {
	if _, err := DecodeAliveName("not-enough-parts"); err == nil {
		t.Fatal("expected error for malformed alive name")
	}
}

func TestJoinDataPathFor(t *testing.T) {
	c, err := NewPathCatalog("/griddisco", "mycluster")
	if err != nil {
		t.Fatal(err)
	}
	alive := AliveNodeName{NodeID: "node-1", JoinSeq: 3, StoreSeq: 42}
	got := c.JoinDataPathFor(alive)
	want := "/griddisco/mycluster/joinData/node-1|0000000003"
	if got != want {
		t.Fatalf("JoinDataPathFor() = %q, want %q", got, want)
	}
}
