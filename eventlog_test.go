package griddisco

import "testing"

func TestEventLogAppendJoinBumpsTopVer(t *testing.T) {
	l := newEventLog()
	n1 := &ClusterNode{NodeID: "a"}
	rec := l.AppendJoin(n1, []byte("payload"))
	if rec.EventID != 1 || rec.TopVer != 1 {
		t.Fatalf("unexpected first record: %+v", rec)
	}
	if l.TopVer() != 1 {
		t.Fatalf("TopVer() = %d, want 1", l.TopVer())
	}
	if string(rec.JoiningData()) != "payload" {
		t.Fatalf("JoiningData() = %q", rec.JoiningData())
	}

	n2 := &ClusterNode{NodeID: "b"}
	rec2 := l.AppendJoin(n2, nil)
	if rec2.EventID != 2 || rec2.TopVer != 2 {
		t.Fatalf("unexpected second record: %+v", rec2)
	}
}

func TestEventLogAppendCustomDoesNotBumpTopVer(t *testing.T) {
	l := newEventLog()
	n1 := &ClusterNode{NodeID: "a"}
	l.AppendJoin(n1, nil)

	rec := l.AppendCustom(n1, []byte("hello"), "a|0000000001")
	if rec.TopVer != 1 {
		t.Fatalf("custom event TopVer = %d, want unchanged 1", rec.TopVer)
	}
	if rec.CustomEventPath != "a|0000000001" {
		t.Fatalf("CustomEventPath = %q", rec.CustomEventPath)
	}
	if string(rec.CustomMessage()) != "hello" {
		t.Fatalf("CustomMessage() = %q", rec.CustomMessage())
	}
}

func TestEventLogSinceAndGet(t *testing.T) {
	l := newEventLog()
	l.AppendJoin(&ClusterNode{NodeID: "a"}, nil)
	l.AppendJoin(&ClusterNode{NodeID: "b"}, nil)
	l.AppendJoin(&ClusterNode{NodeID: "c"}, nil)

	since := l.Since(1)
	if len(since) != 2 {
		t.Fatalf("Since(1) returned %d records, want 2", len(since))
	}
	if since[0].EventID != 2 || since[1].EventID != 3 {
		t.Fatalf("Since(1) out of order: %+v", since)
	}

	if _, ok := l.Get(99); ok {
		t.Fatal("Get(99) should not find anything")
	}
	if rec, ok := l.Get(2); !ok || rec.Node.NodeID != "b" {
		t.Fatalf("Get(2) = %+v, %v", rec, ok)
	}
}

func TestEventLogPruneDropsBelowFloor(t *testing.T) {
	l := newEventLog()
	l.AppendJoin(&ClusterNode{NodeID: "a"}, nil)
	l.AppendJoin(&ClusterNode{NodeID: "b"}, nil)
	l.AppendJoin(&ClusterNode{NodeID: "c"}, nil)

	dropped := l.Prune(2)
	if len(dropped) != 1 || dropped[0].EventID != 1 {
		t.Fatalf("Prune(2) dropped = %+v", dropped)
	}
	if l.Len() != 2 {
		t.Fatalf("Len() after prune = %d, want 2", l.Len())
	}
	if _, ok := l.Get(1); ok {
		t.Fatal("event 1 should have been pruned")
	}
}

func TestEventLogJSONRoundTrip(t *testing.T) {
	l := newEventLog()
	l.SeedTopVer(1)
	l.AppendCustom(&ClusterNode{NodeID: "a"}, []byte("secret"), "a|0000000001")
	l.SetProcCustEvt(1)

	data, err := l.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}

	roundTripped := newEventLog()
	if err := roundTripped.UnmarshalJSON(data); err != nil {
		t.Fatal(err)
	}
	if roundTripped.TopVer() != 1 {
		t.Fatalf("TopVer() = %d, want 1", roundTripped.TopVer())
	}
	if roundTripped.ProcCustEvt() != 1 {
		t.Fatalf("ProcCustEvt() = %d, want 1", roundTripped.ProcCustEvt())
	}
	rec, ok := roundTripped.Get(1)
	if !ok {
		t.Fatal("expected record 1 after round trip")
	}
	if rec.CustomEventPath != "a|0000000001" {
		t.Fatalf("CustomEventPath = %q after round trip", rec.CustomEventPath)
	}
	// Unexported payload fields never round-trip through JSON by design.
	if rec.CustomMessage() != nil {
		t.Fatalf("CustomMessage() = %q, want nil after round trip", rec.CustomMessage())
	}
}
