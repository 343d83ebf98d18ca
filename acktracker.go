package griddisco

import (
	"context"
	"sync"
)

// AckFuture completes once every member tracked for a custom message has
// either acknowledged it or left the cluster (spec.md section 4.7).
type AckFuture struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newAckFuture() *AckFuture {
	return &AckFuture{done: make(chan struct{})}
}

func (f *AckFuture) complete(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Wait blocks until the future completes or ctx is done.
func (f *AckFuture) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done reports whether the future has already completed, without blocking.
func (f *AckFuture) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

type ackEntry struct {
	remaining map[string]struct{}
	future    *AckFuture
}

// CustomMessageAckTracker tracks, per custom-message event id, the set of
// members still expected to acknowledge it. It is owned by the same
// dispatch goroutine as TopologyIndex and EventLog and needs no locking of
// its own in principle, but callers may post acks from watch callbacks
// running on other goroutines, so it is guarded with a mutex.
type CustomMessageAckTracker struct {
	mu      sync.Mutex
	pending map[int64]*ackEntry
}

func newCustomMessageAckTracker() *CustomMessageAckTracker {
	return &CustomMessageAckTracker{pending: make(map[int64]*ackEntry)}
}

// Track registers eventID as awaiting an ack from each of memberIDs and
// returns the future that completes once they all have, either by acking or
// by leaving the cluster. A message with no current members completes
// immediately.
func (t *CustomMessageAckTracker) Track(eventID int64, memberIDs []string) *AckFuture {
	t.mu.Lock()
	defer t.mu.Unlock()

	fut := newAckFuture()
	remaining := make(map[string]struct{}, len(memberIDs))
	for _, id := range memberIDs {
		remaining[id] = struct{}{}
	}
	if len(remaining) == 0 {
		fut.complete(nil)
		return fut
	}
	t.pending[eventID] = &ackEntry{remaining: remaining, future: fut}
	return fut
}

// Ack records that nodeID has acknowledged eventID.
func (t *CustomMessageAckTracker) Ack(eventID int64, nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resolveLocked(eventID, nodeID)
}

// OnNodeLeft removes nodeID from every pending message's wait set, so a
// member that fails or leaves no longer blocks delivery confirmation.
func (t *CustomMessageAckTracker) OnNodeLeft(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for eventID := range t.pending {
		t.resolveLocked(eventID, nodeID)
	}
}

func (t *CustomMessageAckTracker) resolveLocked(eventID int64, nodeID string) {
	entry, ok := t.pending[eventID]
	if !ok {
		return
	}
	delete(entry.remaining, nodeID)
	if len(entry.remaining) == 0 {
		entry.future.complete(nil)
		delete(t.pending, eventID)
	}
}

// Pending reports how many members are still outstanding for eventID, and
// whether the event is tracked at all.
func (t *CustomMessageAckTracker) Pending(eventID int64) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.pending[eventID]
	if !ok {
		return 0, false
	}
	return len(entry.remaining), true
}
