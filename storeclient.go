package griddisco

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/samuel/go-zookeeper/zk"
	"github.com/sirupsen/logrus"
)

// retryTimeout is the fixed delay between synchronous retry attempts while
// the session is disconnected (spec.md section 4.2). The delay is a plain
// sleep: a reconnect does not cut it short.
const retryTimeout = 1 * time.Second

// SessionState is the StoreClient session state machine (spec.md 4.2).
type SessionState int32

const (
	StateDisconnected SessionState = iota
	StateConnected
	StateLost
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateLost:
		return "lost"
	default:
		return "unknown"
	}
}

// CreateMode mirrors the store's node-creation flags.
type CreateMode uint8

const (
	ModePersistent CreateMode = iota
	ModePersistentSequential
	ModeEphemeral
	ModeEphemeralSequential
)

func (m CreateMode) sequential() bool {
	return m == ModePersistentSequential || m == ModeEphemeralSequential
}

func modeFlags(m CreateMode) int32 {
	switch m {
	case ModePersistentSequential:
		return zk.FlagSequence
	case ModeEphemeral:
		return zk.FlagEphemeral
	case ModeEphemeralSequential:
		return zk.FlagEphemeral | zk.FlagSequence
	default:
		return 0
	}
}

// AsyncResult is delivered to an AsyncCallback once an async operation
// (or its re-enqueued retry) finally completes.
type AsyncResult struct {
	Path     string
	Exists   bool
	Children []string
	Data     []byte
	NewPath  string
	Err      error
}

// AsyncCallback receives the outcome of an *Async StoreClient call.
type AsyncCallback func(AsyncResult)

type pendingOp struct {
	desc  string
	retry func()
}

// StoreClient is a reliable wrapper over a raw ZooKeeper-style session. It
// turns the store's session/watch primitives into synchronous operations
// that retry within a bounded connLossTimeout window, and async operations
// whose callbacks re-enqueue themselves on transient connection loss instead
// of failing outright. See spec.md section 4.2.
//
// Grounded on connection.go's Connection, generalized from "retry forever"
// to an explicit Disconnected/Connected/Lost state machine.
type StoreClient struct {
	zkConn storeConn

	mu            sync.Mutex
	cond          *sync.Cond
	state         SessionState
	connStartTime time.Time

	connLossTimeout time.Duration
	retryQueue      []pendingOp

	timer    *time.Timer
	timerGen uint64

	onLost    ConnectionLostCallback
	lostFired bool

	logger    *logrus.Entry
	closeOnce sync.Once
}

// storeConn is the subset of *zk.Conn that StoreClient drives. Declaring it
// lets fakezk substitute an in-memory store in tests without StoreClient
// ever knowing the difference; *zk.Conn satisfies it structurally.
type storeConn interface {
	Exists(path string) (bool, *zk.Stat, error)
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
	Get(path string) ([]byte, *zk.Stat, error)
	GetW(path string) ([]byte, *zk.Stat, <-chan zk.Event, error)
	Children(path string) ([]string, *zk.Stat, error)
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Set(path string, data []byte, version int32) (*zk.Stat, error)
	Delete(path string, version int32) error
	Close()
	SessionID() int64
}

// NewStoreClient dials the store and starts the session event loop.
func NewStoreClient(connectString string, sessionTimeout time.Duration, onLost ConnectionLostCallback, logger *logrus.Entry) (*StoreClient, error) {
	servers := strings.Split(strings.TrimSpace(connectString), ",")
	conn, events, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("griddisco: connecting to store: %w", err)
	}
	return newStoreClientWithConn(conn, events, sessionTimeout, onLost, logger), nil
}

// newStoreClientWithConn builds a StoreClient around an already-connected
// storeConn, used directly by NewStoreClient and by tests wiring up
// fakezk.Conn in place of a real session.
func newStoreClientWithConn(conn storeConn, events <-chan zk.Event, sessionTimeout time.Duration, onLost ConnectionLostCallback, logger *logrus.Entry) *StoreClient {
	c := &StoreClient{
		zkConn:          conn,
		connLossTimeout: sessionTimeout,
		onLost:          onLost,
		logger:          logger,
	}
	c.cond = sync.NewCond(&c.mu)

	go c.watchSessionEvents(events)
	return c
}

// State returns the current session state.
func (c *StoreClient) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the underlying store session id, for diagnostics only.
func (c *StoreClient) SessionID() int64 {
	return c.zkConn.SessionID()
}

// Close shuts the session down and cancels all timers. Idempotent.
func (c *StoreClient) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.timer != nil {
			c.timer.Stop()
		}
		c.state = StateLost
		c.cond.Broadcast()
		c.mu.Unlock()

		c.zkConn.Close()
	})
}

// --- session state machine -------------------------------------------------

func (c *StoreClient) watchSessionEvents(events <-chan zk.Event) {
	for evt := range events {
		switch evt.State {
		case zk.StateHasSession, zk.StateConnected, zk.StateConnectedReadOnly:
			c.handleConnected()
		case zk.StateDisconnected, zk.StateConnecting:
			c.handleDisconnectedEvent()
		case zk.StateExpired:
			c.transitionToLost(zk.ErrSessionExpired)
		case zk.StateUnknown:
			// benign; the library emits this only as a zero-value placeholder.
		default:
			c.logger.WithField("state", evt.State.String()).Warn("unexpected store session state")
			c.transitionToLost(fmt.Errorf("unexpected session state %v", evt.State))
		}
	}
}

func (c *StoreClient) handleConnected() {
	c.mu.Lock()
	if c.state == StateLost {
		c.mu.Unlock()
		return
	}
	c.state = StateConnected
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	drained := c.retryQueue
	c.retryQueue = nil
	c.cond.Broadcast()
	c.mu.Unlock()

	for _, op := range drained {
		go op.retry()
	}
}

func (c *StoreClient) handleDisconnectedEvent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateLost {
		return
	}
	if c.state != StateDisconnected {
		c.state = StateDisconnected
		c.connStartTime = time.Now()
		c.armTimerLocked()
	}
}

// armTimerLocked must be called with c.mu held. It (re)arms the single
// connection-loss timer to fire connLossTimeout after now.
func (c *StoreClient) armTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timerGen++
	gen := c.timerGen
	c.timer = time.AfterFunc(c.connLossTimeout, func() { c.onTimerFire(gen) })
}

func (c *StoreClient) onTimerFire(gen uint64) {
	c.mu.Lock()
	fire := c.state == StateDisconnected && gen == c.timerGen
	c.mu.Unlock()
	if fire {
		c.transitionToLost(errors.New("griddisco: connection loss timeout exceeded"))
	}
}

// transitionToLost closes the session and fires the lost-connection
// callback exactly once. Safe to call from any goroutine without holding
// c.mu.
func (c *StoreClient) transitionToLost(err error) {
	c.mu.Lock()
	if c.state == StateLost {
		c.mu.Unlock()
		return
	}
	c.state = StateLost
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	fired := c.lostFired
	c.lostFired = true
	c.cond.Broadcast()
	c.mu.Unlock()

	c.zkConn.Close()
	if !fired && c.onLost != nil {
		c.onLost(err)
	}
}


func isConnLoss(err error) bool   { return errors.Is(err, zk.ErrConnectionClosed) }
func isSessionExp(err error) bool { return errors.Is(err, zk.ErrSessionExpired) }

// retryLoop implements the bounded synchronous retry algorithm of spec.md
// section 4.2. attempt should perform exactly one store round-trip and
// stash its result in the caller's locals.
//
// The first attempt always runs inline. If it fails with a retryable
// connection-loss error, the disconnect window opens (connStartTime is
// fixed, the connection-loss timer is armed) and every further attempt is
// driven by avast/retry-go bounded to that window's deadline, with a fixed
// retryTimeout delay between attempts.
func (c *StoreClient) retryLoop(attempt func() error) error {
	c.mu.Lock()
	if c.state == StateLost {
		c.mu.Unlock()
		return ErrClientFailed
	}
	c.mu.Unlock()

	err := attempt()
	if err == nil {
		return nil
	}
	if errors.Is(err, zk.ErrNoNode) {
		return &StoreError{Kind: KindNotFound, Err: fmt.Errorf("%w: %w", ErrNoNode, err)}
	}
	if isSessionExp(err) {
		c.transitionToLost(err)
		return ErrClientFailed
	}
	if !isConnLoss(err) {
		c.transitionToLost(err)
		return ErrClientFailed
	}

	c.mu.Lock()
	if c.state == StateLost {
		c.mu.Unlock()
		return ErrClientFailed
	}
	if c.state != StateDisconnected {
		c.state = StateDisconnected
		c.connStartTime = time.Now()
		c.armTimerLocked()
	}
	deadline := c.connStartTime.Add(c.connLossTimeout)
	c.mu.Unlock()

	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	retryErr := retry.Do(
		func() error {
			c.mu.Lock()
			if c.state == StateLost {
				c.mu.Unlock()
				return retry.Unrecoverable(ErrClientFailed)
			}
			c.mu.Unlock()
			return attempt()
		},
		retry.Context(ctx),
		retry.Attempts(0), // 0 = retry until ctx is done, per avast/retry-go
		retry.Delay(retryTimeout),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return isConnLoss(err)
		}),
	)
	if retryErr == nil {
		return nil
	}
	if errors.Is(retryErr, zk.ErrNoNode) {
		return &StoreError{Kind: KindNotFound, Err: fmt.Errorf("%w: %w", ErrNoNode, retryErr)}
	}
	if errors.Is(retryErr, ErrClientFailed) {
		return ErrClientFailed
	}
	c.transitionToLost(retryErr)
	return ErrClientFailed
}

// --- synchronous ops --------------------------------------------------------

// Exists reports whether path exists.
func (c *StoreClient) Exists(path string) (bool, error) {
	var exists bool
	err := c.retryLoop(func() error {
		ok, _, zerr := c.zkConn.Exists(path)
		if zerr != nil {
			return zerr
		}
		exists = ok
		return nil
	})
	return exists, err
}

// Children lists path's children.
func (c *StoreClient) Children(path string) ([]string, error) {
	var children []string
	err := c.retryLoop(func() error {
		ch, _, zerr := c.zkConn.Children(path)
		if zerr != nil {
			return zerr
		}
		children = ch
		return nil
	})
	return children, err
}

// GetData reads path's payload. Fails with a KindNotFound *StoreError if
// path is absent.
func (c *StoreClient) GetData(path string) ([]byte, error) {
	var data []byte
	err := c.retryLoop(func() error {
		d, _, zerr := c.zkConn.Get(path)
		if zerr != nil {
			return zerr
		}
		data = d
		return nil
	})
	return data, err
}

// Create creates path with data in the given mode. A NodeExists error on a
// non-sequential create is a no-op that returns path itself, per spec.md
// section 4.2.
func (c *StoreClient) Create(path string, data []byte, mode CreateMode) (string, error) {
	var final string
	err := c.retryLoop(func() error {
		p, zerr := c.zkConn.Create(path, data, modeFlags(mode), zk.WorldACL(zk.PermAll))
		if zerr != nil {
			if errors.Is(zerr, zk.ErrNodeExists) && !mode.sequential() {
				final = path
				return nil
			}
			return zerr
		}
		final = p
		return nil
	})
	return final, err
}

// SetData overwrites path's payload. expectedVersion of -1 means "any".
func (c *StoreClient) SetData(path string, data []byte, expectedVersion int32) error {
	return c.retryLoop(func() error {
		_, zerr := c.zkConn.Set(path, data, expectedVersion)
		return zerr
	})
}

// Delete removes path. expectedVersion of -1 means "any". Fails with
// KindNotFound if path is already absent.
func (c *StoreClient) Delete(path string, expectedVersion int32) error {
	return c.retryLoop(func() error {
		return c.zkConn.Delete(path, expectedVersion)
	})
}

// DeleteIfExists removes path, treating absence as success.
func (c *StoreClient) DeleteIfExists(path string) error {
	err := c.Delete(path, -1)
	if IsNotFound(err) {
		return nil
	}
	return err
}

// MultiDelete removes every name under parent. It is not an atomic store
// transaction (the store's batched-multi API is not exercised here); it
// simply deletes each child in turn and stops at the first unexpected
// error, mirroring the teacher's own non-atomic DeleteTree.
func (c *StoreClient) MultiDelete(parent string, names []string, version int32) error {
	for _, name := range names {
		if err := c.DeleteIfExists(parent + "/" + name); err != nil {
			return err
		}
	}
	return nil
}

// --- synchronous ops with watch registration -------------------------------

// ExistsW is Exists plus a one-shot watch channel for the path's lifecycle.
func (c *StoreClient) ExistsW(path string) (bool, <-chan zk.Event, error) {
	var exists bool
	var watch <-chan zk.Event
	err := c.retryLoop(func() error {
		ok, _, events, zerr := c.zkConn.ExistsW(path)
		if zerr != nil {
			return zerr
		}
		exists = ok
		watch = events
		return nil
	})
	return exists, watch, err
}

// ChildrenW is Children plus a one-shot watch channel for child-set changes.
func (c *StoreClient) ChildrenW(path string) ([]string, <-chan zk.Event, error) {
	var children []string
	var watch <-chan zk.Event
	err := c.retryLoop(func() error {
		ch, _, events, zerr := c.zkConn.ChildrenW(path)
		if zerr != nil {
			return zerr
		}
		children = ch
		watch = events
		return nil
	})
	return children, watch, err
}

// GetDataW is GetData plus a one-shot watch channel for data changes.
func (c *StoreClient) GetDataW(path string) ([]byte, <-chan zk.Event, error) {
	var data []byte
	var watch <-chan zk.Event
	err := c.retryLoop(func() error {
		d, _, events, zerr := c.zkConn.GetW(path)
		if zerr != nil {
			return zerr
		}
		data = d
		watch = events
		return nil
	})
	return data, watch, err
}

// --- async ops --------------------------------------------------------------

// runAsync runs attempt in its own goroutine. attempt returns true on any
// outcome it handled (by invoking cb once, or, for a session expiry, by only
// logging it without invoking cb), or false to signal "connection loss,
// re-enqueue me for when the session reconnects."
func (c *StoreClient) runAsync(desc string, attempt func() bool) {
	go func() {
		c.mu.Lock()
		lost := c.state == StateLost
		c.mu.Unlock()
		if lost {
			return
		}
		if attempt() {
			return
		}
		c.enqueueRetry(desc, func() { c.runAsync(desc, attempt) })
	}()
}

func (c *StoreClient) enqueueRetry(desc string, retry func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateLost {
		return
	}
	c.retryQueue = append(c.retryQueue, pendingOp{desc: desc, retry: retry})
	if c.state != StateDisconnected {
		c.state = StateDisconnected
		c.connStartTime = time.Now()
		c.armTimerLocked()
	}
}

// ExistsAsync is the async counterpart of Exists.
func (c *StoreClient) ExistsAsync(path string, cb AsyncCallback) {
	c.runAsync("exists:"+path, func() bool {
		ok, _, zerr := c.zkConn.Exists(path)
		switch {
		case isConnLoss(zerr):
			return false
		case isSessionExp(zerr):
			c.logger.WithField("path", path).Warn("session expired during async exists")
			return true
		default:
			cb(AsyncResult{Path: path, Exists: ok, Err: zerr})
			return true
		}
	})
}

// ChildrenAsync is the async counterpart of Children.
func (c *StoreClient) ChildrenAsync(path string, cb AsyncCallback) {
	c.runAsync("children:"+path, func() bool {
		ch, _, zerr := c.zkConn.Children(path)
		switch {
		case isConnLoss(zerr):
			return false
		case isSessionExp(zerr):
			c.logger.WithField("path", path).Warn("session expired during async children")
			return true
		default:
			cb(AsyncResult{Path: path, Children: ch, Err: zerr})
			return true
		}
	})
}

// GetDataAsync is the async counterpart of GetData.
func (c *StoreClient) GetDataAsync(path string, cb AsyncCallback) {
	c.runAsync("getData:"+path, func() bool {
		d, _, zerr := c.zkConn.Get(path)
		switch {
		case isConnLoss(zerr):
			return false
		case isSessionExp(zerr):
			c.logger.WithField("path", path).Warn("session expired during async getData")
			return true
		default:
			cb(AsyncResult{Path: path, Data: d, Err: zerr})
			return true
		}
	})
}

// CreateAsync is the async counterpart of Create. A NodeExists outcome is
// swallowed as success, matching the synchronous Create's no-op semantics.
func (c *StoreClient) CreateAsync(path string, data []byte, mode CreateMode, cb AsyncCallback) {
	c.runAsync("create:"+path, func() bool {
		p, zerr := c.zkConn.Create(path, data, modeFlags(mode), zk.WorldACL(zk.PermAll))
		switch {
		case isConnLoss(zerr):
			return false
		case errors.Is(zerr, zk.ErrNodeExists):
			cb(AsyncResult{Path: path, NewPath: path})
			return true
		case isSessionExp(zerr):
			c.logger.WithField("path", path).Warn("session expired during async create")
			return true
		default:
			cb(AsyncResult{Path: path, NewPath: p, Err: zerr})
			return true
		}
	})
}
