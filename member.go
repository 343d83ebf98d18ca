package griddisco

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"
	"github.com/samuel/go-zookeeper/zk"
	"github.com/sirupsen/logrus"
)

// diagnosticInterval is how often JoinTopology logs a "still waiting"
// message while blocked on the local-join event (spec.md section 5).
const diagnosticInterval = 10 * time.Second

// Member is a single node's local discovery loop: it registers an alive
// marker, elects a coordinator by predecessor watch, consumes EventLog
// updates, acknowledges custom events, and drives the external Listener.
// When the elected coordinator turns out to be this node, the same instance
// also executes the coordinator responsibilities (coordinator.go, gc.go) —
// there is exactly one cooperative dispatch goroutine either way, per
// spec.md section 5.
type Member struct {
	cfg        *Config
	catalog    *PathCatalog
	marshaller Marshaller
	exchange   Exchange
	listener   Listener
	logger     *logrus.Entry
	metrics    *metricsSet
	store      *StoreClient

	local     *ClusterNode
	joinSeq   int64
	aliveName string

	// discovery state, touched only on the dispatch goroutine.
	topo                 *TopologyIndex
	log                  *EventLog
	joined               bool
	lastProcessedEventID int64
	history              []TopologyHistory
	isCoordinator        bool
	ackTracker           *CustomMessageAckTracker
	ackedEvents          *lru.Cache[int64, struct{}]

	dispatch chan func()
	joinFut  chan error
	joinOnce sync.Once

	snapshot atomic.Pointer[[]*ClusterNode]

	metricsSrv *http.Server

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewMember builds a Member ready to JoinTopology. marshaller defaults to
// JSONMarshaller if nil; exchange and listener may be nil if the consumer
// has no data to exchange or no interest in notifications.
func NewMember(cfg *Config, marshaller Marshaller, exchange Exchange, listener Listener) (*Member, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	catalog, err := NewPathCatalog(cfg.BasePath, cfg.ClusterName)
	if err != nil {
		return nil, err
	}
	if marshaller == nil {
		marshaller = JSONMarshaller{}
	}
	ackedEvents, err := lru.New[int64, struct{}](1024)
	if err != nil {
		return nil, fmt.Errorf("griddisco: building ack dedup cache: %w", err)
	}

	return &Member{
		cfg:         cfg,
		catalog:     catalog,
		marshaller:  marshaller,
		exchange:    exchange,
		listener:    listener,
		logger:      newLogger(cfg.InstanceName, cfg.LogLevel),
		metrics:     newMetrics(),
		local:       &ClusterNode{NodeID: uuid.NewString(), Local: true},
		topo:        newTopologyIndex(),
		log:         newEventLog(),
		ackedEvents: ackedEvents,
		dispatch:    make(chan func(), 64),
		joinFut:     make(chan error, 1),
		stopCh:      make(chan struct{}),
	}, nil
}

// Self returns the local node descriptor. InternalID and Order are only
// meaningful once JoinTopology has completed.
func (m *Member) Self() *ClusterNode { return m.local }

// JoinTopology runs the join protocol of spec.md section 4.6 and blocks
// until the local-join event is observed (or ctx is done, or the session
// fails outright).
func (m *Member) JoinTopology(ctx context.Context) error {
	store, err := NewStoreClient(m.cfg.ConnectString, m.cfg.SessionTimeout, m.onConnectionLost, component(m.logger, "store"))
	if err != nil {
		return err
	}
	return m.joinWithStore(ctx, store)
}

// joinWithStore runs the join protocol against an already-constructed
// StoreClient. Split out of JoinTopology so tests can drive the protocol
// against a fakezk-backed StoreClient instead of dialing a real session.
func (m *Member) joinWithStore(ctx context.Context, store *StoreClient) error {
	m.store = store
	go m.runDispatch()

	srv, err := m.metrics.Serve(m.cfg.MetricsAddr)
	if err != nil {
		return err
	}
	m.metricsSrv = srv

	if err := m.ensurePathTree(); err != nil {
		return err
	}
	if err := m.dispatchSync(m.armEventsWatch); err != nil {
		return err
	}

	joiningPayload, err := m.collectJoiningPayload()
	if err != nil {
		return err
	}
	jd := JoiningNodeData{NodeID: m.local.NodeID, Attributes: m.local.Attributes, Payload: joiningPayload}
	jdBytes, err := m.marshaller.Marshal(jd)
	if err != nil {
		return fmt.Errorf("griddisco: marshaling join data: %w", err)
	}

	joinDataPath, err := m.store.Create(path.Join(m.catalog.JoinDataDir(), EncodeJoinDataPrefix(m.local.NodeID)), jdBytes, ModeEphemeralSequential)
	if err != nil {
		return fmt.Errorf("griddisco: publishing join data: %w", err)
	}
	joinDataName, err := DecodeJoinDataName(path.Base(joinDataPath))
	if err != nil {
		return err
	}
	m.joinSeq = joinDataName.StoreSeq

	aliveFullPath, err := m.store.Create(path.Join(m.catalog.AliveNodesDir(), EncodeAliveNamePrefix(m.local.NodeID, m.joinSeq)), nil, ModeEphemeralSequential)
	if err != nil {
		return fmt.Errorf("griddisco: publishing alive marker: %w", err)
	}
	m.aliveName = path.Base(aliveFullPath)
	aliveDecoded, err := DecodeAliveName(m.aliveName)
	if err != nil {
		return err
	}
	m.local.InternalID = aliveDecoded.StoreSeq

	if err := m.dispatchSync(m.checkIsCoordinator); err != nil {
		return err
	}

	return m.waitJoined(ctx)
}

func (m *Member) waitJoined(ctx context.Context) error {
	ticker := time.NewTicker(diagnosticInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-m.joinFut:
			return err
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.logger.WithField("internalId", m.local.InternalID).Info("still waiting to observe local join event")
		}
	}
}

func (m *Member) completeJoin(err error) {
	m.joinOnce.Do(func() {
		m.joinFut <- err
	})
}

// ensurePathTree idempotently creates the cluster's persistent directories.
// If aliveNodesDir already exists, the rest is assumed to as well (spec.md
// section 4.6 step 2).
func (m *Member) ensurePathTree() error {
	exists, err := m.store.Exists(m.catalog.AliveNodesDir())
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	for _, p := range m.catalog.PathTree() {
		if p == "" || p == "/" {
			continue
		}
		if _, err := m.store.Create(p, nil, ModePersistent); err != nil {
			return fmt.Errorf("griddisco: ensuring path %s: %w", p, err)
		}
	}
	return nil
}

func (m *Member) collectJoiningPayload() ([]byte, error) {
	if m.exchange == nil {
		return nil, nil
	}
	bag := &Bag{}
	if err := m.exchange.Collect(bag); err != nil {
		return nil, fmt.Errorf("griddisco: collecting joining payload: %w", err)
	}
	return bag.JoiningNodeData, nil
}

// --- dispatch goroutine ------------------------------------------------------

// runDispatch is the single goroutine that owns topo, log, joined,
// lastProcessedEventID, isCoordinator and ackTracker (spec.md section 5).
// Every watch fire is routed onto dispatch by awaitWatch instead of being
// handled on its own goroutine, so all discovery-state mutation is
// serialized here.
func (m *Member) runDispatch() {
	for {
		select {
		case fn := <-m.dispatch:
			m.runDispatched(fn)
		case <-m.stopCh:
			return
		}
	}
}

// runDispatched guards a single dispatch closure against a panic: an
// unexpected bug in event handling must not silently kill the one goroutine
// that owns all discovery state. It surfaces as a *FatalError on the join
// future and leaves the node to be shut down by its caller.
func (m *Member) runDispatched(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			err := &FatalError{Err: fmt.Errorf("griddisco: panic in dispatch: %v", r)}
			m.logger.WithField("panic", r).Error("recovered panic in dispatch goroutine")
			m.completeJoin(err)
		}
	}()
	fn()
}

// dispatchSync runs fn on the dispatch goroutine and waits for its result.
// Used for the bootstrap calls JoinTopology makes before any watch exists.
func (m *Member) dispatchSync(fn func() error) error {
	result := make(chan error, 1)
	select {
	case m.dispatch <- func() { result <- fn() }:
	case <-m.stopCh:
		return ErrClientFailed
	}
	select {
	case err := <-result:
		return err
	case <-m.stopCh:
		return ErrClientFailed
	}
}

// awaitWatch blocks on a one-shot watch channel in its own goroutine and
// forwards the fired event onto the dispatch goroutine. This keeps the
// dynamic, ever-changing set of watch channels out of a single select
// statement while preserving serialized handling.
func (m *Member) awaitWatch(ch <-chan zk.Event, handle func(zk.Event)) {
	select {
	case evt, ok := <-ch:
		if !ok {
			return
		}
		select {
		case m.dispatch <- func() { handle(evt) }:
		case <-m.stopCh:
		}
	case <-m.stopCh:
	}
}

func (m *Member) onConnectionLost(err error) {
	m.logger.WithError(err).Warn("store connection lost")
	m.metrics.setCoordinator(false)
	select {
	case m.dispatch <- func() { m.handleConnectionLost(err) }:
	default:
		m.completeJoin(ErrClientFailed)
	}
}

func (m *Member) handleConnectionLost(err error) {
	if m.joined {
		m.notifyListener(EventNodeSegmented, m.log.TopVer(), m.local, nil)
		return
	}
	m.completeJoin(ErrClientFailed)
}

// --- events watch -------------------------------------------------------

func (m *Member) armEventsWatch() error {
	_, ch, err := m.store.GetDataW(m.catalog.EventsPath())
	if err != nil {
		return err
	}
	go m.awaitWatch(ch, m.onEventsWatchFired)
	return nil
}

func (m *Member) onEventsWatchFired(zk.Event) {
	// The coordinator is the only writer of the events payload and has
	// already applied and notified every record it appended; replaying its
	// own writes would add those nodes and notify those events twice.
	if m.isCoordinator {
		return
	}
	data, err := m.store.GetData(m.catalog.EventsPath())
	if err != nil {
		if !IsClientFailed(err) {
			m.logger.WithError(err).Error("reading events payload after watch fire")
		}
	} else {
		m.onEventsUpdate(data)
	}
	if err := m.armEventsWatch(); err != nil && !IsClientFailed(err) {
		m.logger.WithError(err).Error("re-arming events watch")
	}
}

// onEventsUpdate implements the replay discipline of spec.md section 4.4:
// until this node has observed its own NodeJoined record it ignores every
// other record; once joined, every subsequent record is applied in order
// and lastProcessedEventID advances monotonically.
func (m *Member) onEventsUpdate(data []byte) {
	if len(data) == 0 {
		return
	}
	newLog := newEventLog()
	if err := m.marshaller.Unmarshal(data, newLog); err != nil {
		m.logger.WithError(err).Error("decoding event log")
		return
	}
	m.log = newLog

	if !m.joined {
		for _, rec := range m.log.Since(-1) {
			if rec.EventType == EventNodeJoined && rec.Node != nil && rec.Node.NodeID == m.local.NodeID {
				m.bootstrapLocalJoin(rec)
				break
			}
		}
		if !m.joined {
			return
		}
	}

	for _, rec := range m.log.Since(m.lastProcessedEventID) {
		m.applyRecord(rec)
		m.lastProcessedEventID = rec.EventID
	}
}

func (m *Member) bootstrapLocalJoin(rec *EventRecord) {
	if rec.Node != nil {
		if rec.Node.InternalID != m.local.InternalID {
			m.logger.WithFields(logrus.Fields{
				"expectedInternalId": m.local.InternalID,
				"eventInternalId":    rec.Node.InternalID,
			}).Warn("join event internalId does not match locally observed alive sequence")
		}
		m.local.Order = rec.Node.Order
		if m.local.Attributes == nil {
			m.local.Attributes = rec.Node.Attributes
		}
	}

	data, err := m.store.GetData(m.catalog.JoinedDataPath(rec.EventID))
	if err != nil {
		m.logger.WithError(err).Error("reading joined snapshot")
		m.completeJoin(err)
		return
	}
	var joined JoinEventDataForJoined
	if err := m.marshaller.Unmarshal(data, &joined); err != nil {
		m.logger.WithError(err).Error("decoding joined snapshot")
		m.completeJoin(err)
		return
	}
	if m.exchange != nil {
		if err := m.exchange.OnExchange(&Bag{CommonData: joined.CommonData}); err != nil {
			m.logger.WithError(err).Error("exchange.OnExchange failed for joined snapshot")
		}
	}
	for _, n := range joined.Snapshot {
		m.topo.Add(n)
	}
	m.topo.Add(m.local)

	m.joined = true
	m.lastProcessedEventID = rec.EventID
	m.metrics.incEventsReplayed()
	m.notifyListener(EventNodeJoined, rec.TopVer, m.local, nil)
	m.completeJoin(nil)
}

func (m *Member) applyRecord(rec *EventRecord) {
	switch rec.EventType {
	case EventNodeJoined:
		if rec.Node == nil || rec.Node.NodeID == m.local.NodeID {
			return
		}
		m.topo.Add(rec.Node)
		m.metrics.incEventsReplayed()
		m.notifyListener(EventNodeJoined, rec.TopVer, rec.Node, nil)
	case EventNodeFailed:
		if rec.Node == nil {
			return
		}
		removed := m.topo.Remove(rec.Node.NodeID)
		if removed == nil {
			return
		}
		m.metrics.incEventsReplayed()
		m.notifyListener(rec.EventType, rec.TopVer, rec.Node, nil)
	case EventCustomMessage:
		m.applyCustomAsFollower(rec)
	}
}

func (m *Member) applyCustomAsFollower(rec *EventRecord) {
	if m.isCoordinator || rec.CustomEventPath == "" {
		return
	}
	if _, seen := m.ackedEvents.Get(rec.EventID); seen {
		return
	}
	m.ackedEvents.Add(rec.EventID, struct{}{})

	data, err := m.store.GetData(path.Join(m.catalog.CustomEventsDir(), rec.CustomEventPath))
	if err != nil {
		m.logger.WithError(err).Warn("fetching custom event payload")
		return
	}
	var envelope CustomMessageEnvelope
	if err := m.marshaller.Unmarshal(data, &envelope); err != nil {
		m.logger.WithError(err).Warn("decoding custom event payload")
		return
	}
	m.metrics.incEventsReplayed()
	m.notifyListener(EventCustomMessage, rec.TopVer, rec.Node, envelope.Body)
	m.postCustomAck(rec.CustomEventPath)
}

func (m *Member) postCustomAck(childName string) {
	ackPath := path.Join(m.catalog.CustomEventsDir(), childName, strconv.FormatInt(m.local.InternalID, 10))
	m.store.CreateAsync(ackPath, nil, ModePersistent, func(res AsyncResult) {
		if res.Err != nil && !errors.Is(res.Err, zk.ErrNodeExists) {
			m.logger.WithError(res.Err).Warn("posting custom event ack")
		}
	})
}

func (m *Member) notifyListener(evtType DiscoveryEventType, topVer int64, node *ClusterNode, customMsg []byte) {
	snap := m.topo.Snapshot()
	cp := snap
	m.snapshot.Store(&cp)
	m.metrics.setTopVer(topVer)
	m.metrics.setAliveNodes(m.topo.Len())

	if m.listener == nil {
		return
	}
	if evtType == EventNodeJoined || evtType == EventNodeFailed || evtType == EventNodeSegmented {
		m.history = append(m.history, TopologyHistory{TopVer: topVer, Nodes: snap})
	}
	histCopy := make([]TopologyHistory, len(m.history))
	copy(histCopy, m.history)
	m.listener(evtType, topVer, node, snap, histCopy, customMsg)
}

// --- election -------------------------------------------------------------

type aliveChild struct {
	Name    string
	Decoded AliveNodeName
}

func decodeAliveChildren(names []string) ([]aliveChild, error) {
	out := make([]aliveChild, 0, len(names))
	for _, n := range names {
		d, err := DecodeAliveName(n)
		if err != nil {
			return nil, fmt.Errorf("griddisco: decoding alive child %q: %w", n, err)
		}
		out = append(out, aliveChild{Name: n, Decoded: d})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Decoded.StoreSeq < out[j].Decoded.StoreSeq })
	return out, nil
}

// checkIsCoordinator implements spec.md section 4.6's election: the alive
// child with the smallest internalId is coordinator; everyone else watches
// their direct predecessor by internalId.
func (m *Member) checkIsCoordinator() error {
	names, err := m.store.Children(m.catalog.AliveNodesDir())
	if err != nil {
		return err
	}
	alive, err := decodeAliveChildren(names)
	if err != nil {
		return err
	}
	if len(alive) == 0 {
		return fmt.Errorf("griddisco: election observed no alive children")
	}

	if alive[0].Decoded.StoreSeq == m.local.InternalID {
		m.isCoordinator = true
		return m.onBecomeCoordinator()
	}

	var predecessor *aliveChild
	for i := range alive {
		if alive[i].Decoded.StoreSeq < m.local.InternalID {
			if predecessor == nil || alive[i].Decoded.StoreSeq > predecessor.Decoded.StoreSeq {
				predecessor = &alive[i]
			}
		}
	}
	if predecessor == nil {
		// Every other alive child outranks us; the coordinator candidate may
		// simply not have appeared in this read yet. Retry the election.
		return m.checkIsCoordinator()
	}
	return m.watchPredecessor(alive[0].Decoded.StoreSeq, *predecessor)
}

func (m *Member) watchPredecessor(crdInternalID int64, predecessor aliveChild) error {
	predPath := path.Join(m.catalog.AliveNodesDir(), predecessor.Name)
	exists, ch, err := m.store.ExistsW(predPath)
	if err != nil {
		return err
	}
	if !exists {
		return m.onPreviousNodeFail(crdInternalID, predecessor.Decoded.StoreSeq)
	}
	go m.awaitWatch(ch, func(evt zk.Event) {
		if evt.Type == zk.EventNodeDeleted {
			if err := m.onPreviousNodeFail(crdInternalID, predecessor.Decoded.StoreSeq); err != nil {
				m.logger.WithError(err).Error("handling predecessor failure")
			}
			return
		}
		if err := m.watchPredecessor(crdInternalID, predecessor); err != nil {
			m.logger.WithError(err).Error("re-arming predecessor watch")
		}
	})
	return nil
}

// onPreviousNodeFail is the fast-path check of spec.md section 4.6: if this
// node's internalId directly follows the coordinator captured at election
// time, the predecessor that just disappeared must have been the
// coordinator itself, so promote directly. Otherwise the cascade may have
// skipped intermediate nodes; fall back to a full re-election.
func (m *Member) onPreviousNodeFail(crdInternalID, predInternalID int64) error {
	if m.local.InternalID == crdInternalID+1 {
		m.isCoordinator = true
		return m.onBecomeCoordinator()
	}
	return m.checkIsCoordinator()
}

// --- external API (may be called from any goroutine) -----------------------

// SendCustomMessage publishes a custom message and returns the store child
// name the coordinator will later parse into a CustomEvent. Only StoreClient
// is touched; discovery state is never accessed directly, per spec.md
// section 5.
func (m *Member) SendCustomMessage(body []byte) (string, error) {
	envelope, err := m.marshaller.Marshal(CustomMessageEnvelope{SenderNodeID: m.local.NodeID, Body: body})
	if err != nil {
		return "", fmt.Errorf("griddisco: marshaling custom message: %w", err)
	}
	full, err := m.store.Create(path.Join(m.catalog.CustomEventsDir(), EncodeCustomEventPrefix(m.local.NodeID)), envelope, ModePersistentSequential)
	if err != nil {
		return "", fmt.Errorf("griddisco: publishing custom message: %w", err)
	}
	return path.Base(full), nil
}

// KnownNode reports whether nodeID is present in the most recently
// published topology snapshot.
func (m *Member) KnownNode(nodeID string) bool {
	p := m.snapshot.Load()
	if p == nil {
		return false
	}
	for _, n := range *p {
		if n.NodeID == nodeID {
			return true
		}
	}
	return false
}

// PingNode reports whether nodeID is currently a known member. The core has
// no independent heartbeat channel (ping/heartbeat of peers is explicitly
// out of scope, spec.md section 1); presence in the topology snapshot is the
// only liveness signal it can offer.
func (m *Member) PingNode(nodeID string) bool { return m.KnownNode(nodeID) }

// Stop releases this node's ephemeral store entries and shuts the dispatch
// goroutine down. Idempotent.
func (m *Member) Stop() error {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	if m.store != nil {
		m.store.Close()
	}
	if m.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdownMetrics(ctx, m.metricsSrv)
	}
	return nil
}
