package griddisco

import (
	"context"
	"testing"
	"time"
)

func TestAckTrackerCompletesWhenAllAck(t *testing.T) {
	tr := newCustomMessageAckTracker()
	fut := tr.Track(1, []string{"a", "b"})

	if fut.Done() {
		t.Fatal("future should not be done before any acks")
	}
	tr.Ack(1, "a")
	if fut.Done() {
		t.Fatal("future should not be done after only one of two acks")
	}
	tr.Ack(1, "b")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := fut.Wait(ctx); err != nil {
		t.Fatalf("Wait() = %v, want nil", err)
	}
}

func TestAckTrackerCompletesWhenMemberLeaves(t *testing.T) {
	tr := newCustomMessageAckTracker()
	fut := tr.Track(1, []string{"a", "b"})

	tr.Ack(1, "a")
	tr.OnNodeLeft("b")

	if !fut.Done() {
		t.Fatal("future should complete once the remaining member leaves")
	}
}

func TestAckTrackerTrackWithNoMembersCompletesImmediately(t *testing.T) {
	tr := newCustomMessageAckTracker()
	fut := tr.Track(1, nil)
	if !fut.Done() {
		t.Fatal("future with no target members should complete immediately")
	}
}

func TestAckTrackerPending(t *testing.T) {
	tr := newCustomMessageAckTracker()
	tr.Track(1, []string{"a", "b"})

	n, tracked := tr.Pending(1)
	if !tracked || n != 2 {
		t.Fatalf("Pending(1) = %d, %v, want 2, true", n, tracked)
	}
	tr.Ack(1, "a")
	n, tracked = tr.Pending(1)
	if !tracked || n != 1 {
		t.Fatalf("Pending(1) after one ack = %d, %v, want 1, true", n, tracked)
	}

	if _, tracked := tr.Pending(99); tracked {
		t.Fatal("Pending(99) should report untracked")
	}
}
