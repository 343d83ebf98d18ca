package griddisco

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/samuel/go-zookeeper/zk"
	"github.com/sirupsen/logrus"

	"github.com/coregrid/griddisco/fakezk"
)

func newTestStoreClient(t *testing.T) *StoreClient {
	t.Helper()
	conn := fakezk.New()
	events := make(chan zk.Event, 1)
	events <- zk.Event{State: zk.StateHasSession}
	logger := logrus.NewEntry(logrus.New())
	return newStoreClientWithConn(conn, events, 2*time.Second, nil, logger)
}

func TestStoreClientCreateAndGetData(t *testing.T) {
	c := newTestStoreClient(t)
	defer c.Close()

	if _, err := c.Create("/griddisco", nil, ModePersistent); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Create("/griddisco/cluster", []byte("hello"), ModePersistent); err != nil {
		t.Fatal(err)
	}

	data, err := c.GetData("/griddisco/cluster")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Fatalf("GetData() = %q, want %q", data, "hello")
	}
}

func TestStoreClientCreateSequential(t *testing.T) {
	c := newTestStoreClient(t)
	defer c.Close()

	if _, err := c.Create("/griddisco", nil, ModePersistent); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Create("/griddisco/alive", nil, ModePersistent); err != nil {
		t.Fatal(err)
	}
	p1, err := c.Create("/griddisco/alive/n-", nil, ModeEphemeralSequential)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := c.Create("/griddisco/alive/n-", nil, ModeEphemeralSequential)
	if err != nil {
		t.Fatal(err)
	}
	if p1 == p2 {
		t.Fatalf("sequential creates produced the same path twice: %q", p1)
	}
}

func TestStoreClientGetDataNotFound(t *testing.T) {
	c := newTestStoreClient(t)
	defer c.Close()

	_, err := c.GetData("/does/not/exist")
	if !IsNotFound(err) {
		t.Fatalf("GetData() error = %v, want KindNotFound", err)
	}
}

func TestStoreClientExistsWFiresOnDelete(t *testing.T) {
	c := newTestStoreClient(t)
	defer c.Close()

	if _, err := c.Create("/griddisco", nil, ModePersistent); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Create("/griddisco/node", []byte("x"), ModePersistent); err != nil {
		t.Fatal(err)
	}

	exists, watch, err := c.ExistsW("/griddisco/node")
	if err != nil {
		t.Fatal(err)
	}
	if !exists {
		t.Fatal("expected /griddisco/node to exist")
	}

	if err := c.Delete("/griddisco/node", -1); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-watch:
		if evt.Type != zk.EventNodeDeleted {
			t.Fatalf("unexpected event type: %v", evt.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delete watch to fire")
	}
}

func TestStoreClientChildren(t *testing.T) {
	c := newTestStoreClient(t)
	defer c.Close()

	if _, err := c.Create("/griddisco", nil, ModePersistent); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Create("/griddisco/a", nil, ModePersistent); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Create("/griddisco/b", nil, ModePersistent); err != nil {
		t.Fatal(err)
	}

	children, err := c.Children("/griddisco")
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 2 {
		t.Fatalf("Children() = %v, want 2 entries", children)
	}
}

func TestStoreClientDeleteIfExistsOnMissingIsNoop(t *testing.T) {
	c := newTestStoreClient(t)
	defer c.Close()

	if err := c.DeleteIfExists("/does/not/exist"); err != nil {
		t.Fatalf("DeleteIfExists() = %v, want nil", err)
	}
}

func TestStoreClientCreateOnExistingIsNoop(t *testing.T) {
	c := newTestStoreClient(t)
	defer c.Close()

	first, err := c.Create("/griddisco", []byte("a"), ModePersistent)
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.Create("/griddisco", []byte("b"), ModePersistent)
	if err != nil {
		t.Fatalf("Create() on existing node = %v, want nil", err)
	}
	if first != second {
		t.Fatalf("Create() on existing node = %q, want %q", second, first)
	}

	data, err := c.GetData("/griddisco")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "a" {
		t.Fatalf("GetData() after no-op create = %q, want original %q", data, "a")
	}
}

func waitForState(t *testing.T, c *StoreClient, want SessionState) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("State() never reached %v, stuck at %v", want, c.State())
}

// TestStoreClientDisconnectThenReconnectDrainsRetryQueue drives the session
// state machine through Disconnected -> Connected and checks that an op
// enqueued while disconnected runs once handleConnected fires, per spec.md
// section 4.2's reconnect behavior.
func TestStoreClientDisconnectThenReconnectDrainsRetryQueue(t *testing.T) {
	conn := fakezk.New()
	events := make(chan zk.Event, 4)
	events <- zk.Event{State: zk.StateHasSession}
	c := newStoreClientWithConn(conn, events, time.Second, nil, logrus.NewEntry(logrus.New()))
	defer c.Close()

	waitForState(t, c, StateConnected)

	events <- zk.Event{State: zk.StateDisconnected}
	waitForState(t, c, StateDisconnected)

	drained := make(chan struct{}, 1)
	c.enqueueRetry("test-op", func() { drained <- struct{}{} })

	events <- zk.Event{State: zk.StateHasSession}
	waitForState(t, c, StateConnected)

	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("retry queue never drained after reconnect")
	}

	c.mu.Lock()
	timerNil := c.timer == nil
	c.mu.Unlock()
	if !timerNil {
		t.Fatal("connection-loss timer should be cancelled after reconnect")
	}
}

// TestStoreClientDisconnectTimesOutToLost drives Disconnected -> Lost by
// letting connLossTimeout elapse, and checks spec.md section 8's boundary
// behavior: the next synchronous op fails ClientFailed, onLost fires
// exactly once, and the timer is cancelled.
func TestStoreClientDisconnectTimesOutToLost(t *testing.T) {
	conn := fakezk.New()
	events := make(chan zk.Event, 4)
	events <- zk.Event{State: zk.StateHasSession}

	var lostCount int32
	onLost := func(error) { atomic.AddInt32(&lostCount, 1) }

	c := newStoreClientWithConn(conn, events, 50*time.Millisecond, onLost, logrus.NewEntry(logrus.New()))
	defer c.Close()

	waitForState(t, c, StateConnected)

	events <- zk.Event{State: zk.StateDisconnected}
	waitForState(t, c, StateDisconnected)
	waitForState(t, c, StateLost)

	if _, err := c.Exists("/whatever"); !errors.Is(err, ErrClientFailed) {
		t.Fatalf("Exists() after timeout = %v, want ErrClientFailed", err)
	}

	time.Sleep(100 * time.Millisecond)
	if got := atomic.LoadInt32(&lostCount); got != 1 {
		t.Fatalf("onLost fired %d times, want exactly 1", got)
	}

	c.mu.Lock()
	timerNil := c.timer == nil
	c.mu.Unlock()
	if !timerNil {
		t.Fatal("connection-loss timer should be cancelled once lost")
	}
}
