package griddisco

import (
	"fmt"
	"path"
	"strconv"
	"time"

	"github.com/samuel/go-zookeeper/zk"
)

// onBecomeCoordinator runs once, the moment checkIsCoordinator determines
// this node has the smallest internalId among alive children (spec.md
// section 4.6). It reads whatever events payload already exists (empty for
// a brand-new cluster lineage), seeds coordinator-only state, and arms the
// two watches the coordinator alone is responsible for: the alive children
// set and the customEvents directory.
func (m *Member) onBecomeCoordinator() error {
	m.logger.Info("elected coordinator")
	m.metrics.setCoordinator(true)
	m.ackTracker = newCustomMessageAckTracker()

	data, err := m.store.GetData(m.catalog.EventsPath())
	if err != nil && !IsNotFound(err) {
		return err
	}
	if len(data) > 0 {
		existing := newEventLog()
		if err := m.marshaller.Unmarshal(data, existing); err != nil {
			return fmt.Errorf("griddisco: decoding existing event log: %w", err)
		}
		m.log = existing
	}

	names, err := m.store.Children(m.catalog.AliveNodesDir())
	if err != nil {
		return err
	}
	alive, err := decodeAliveChildren(names)
	if err != nil {
		return err
	}

	if m.log.Len() == 0 && m.log.TopVer() == 0 {
		// Brand-new lineage: this node's own join is never recorded as an
		// event (spec.md section 8 scenario 1 keeps evtIdGen at 0); seed
		// topVer directly and notify synthetically instead of going through
		// generateNodeJoin.
		m.log.SetGridStartTime(time.Now())
		m.log.SeedTopVer(1)
		m.local.Order = 1
		m.topo.Add(m.local)
		m.joined = true
		m.lastProcessedEventID = 0
		m.notifyListener(EventNodeJoined, m.log.TopVer(), m.local, nil)
		m.completeJoin(nil)
	} else {
		// Rejoining an existing lineage as the new coordinator: replay
		// whatever this node hasn't already seen via the normal follower
		// path before taking over generation duties.
		m.onEventsUpdate(data)
	}

	if err := m.generateTopologyEvents(alive); err != nil {
		return err
	}
	if err := m.compactEventLog(); err != nil {
		m.logger.WithError(err).Warn("compacting event log")
	}
	if err := m.persistEventLog(); err != nil {
		return err
	}
	if err := m.armAliveWatch(); err != nil {
		return err
	}
	return m.armCustomEventsWatch()
}

// generateTopologyEvents reconciles the coordinator's event log against the
// live alive/ children set: every alive node without a corresponding
// NodeJoined record yet is promoted, and every node present in the topology
// index but absent from alive/ has failed.
func (m *Member) generateTopologyEvents(alive []aliveChild) error {
	known := make(map[int64]bool, len(alive))
	for _, a := range alive {
		known[a.Decoded.StoreSeq] = true
		if _, ok := m.topo.ByInternalID(a.Decoded.StoreSeq); ok {
			continue
		}
		if err := m.generateNodeJoin(a); err != nil {
			return err
		}
	}

	for _, n := range m.topo.Snapshot() {
		if n.NodeID == m.local.NodeID {
			continue
		}
		if !known[n.InternalID] {
			m.generateNodeFail(n)
		}
	}

	return m.generateCustomEvents()
}

// generateNodeJoin appends a NodeJoined record for a newly observed alive
// child: it reads the joiner's published payload, runs the exchange's
// Collect hook to produce the common-data snapshot, writes that snapshot to
// the event's joined side path, and finally notifies this node's own
// listener (spec.md section 4.5).
func (m *Member) generateNodeJoin(a aliveChild) error {
	jdPath := m.catalog.JoinDataPathFor(a.Decoded)
	raw, err := m.store.GetData(jdPath)
	if err != nil {
		if IsNotFound(err) {
			m.logger.WithField("path", jdPath).Warn("join data vanished before coordinator could read it; joiner likely failed immediately")
			return nil
		}
		return err
	}
	var jd JoiningNodeData
	if err := m.marshaller.Unmarshal(raw, &jd); err != nil {
		m.logger.WithError(err).WithField("path", jdPath).Error("decoding join data; refusing joiner")
		return nil
	}

	node := &ClusterNode{
		NodeID:     jd.NodeID,
		Attributes: jd.Attributes,
		InternalID: a.Decoded.StoreSeq,
	}

	snapshot := m.topo.Snapshot()
	bag := &Bag{JoiningNodeData: jd.Payload}
	if m.exchange != nil {
		if err := m.exchange.Collect(bag); err != nil {
			return fmt.Errorf("griddisco: exchange.Collect for joiner %s: %w", node.NodeID, err)
		}
	}

	rec := m.log.AppendJoin(node, jd.Payload)
	node.Order = rec.TopVer

	joined := JoinEventDataForJoined{Snapshot: snapshot, CommonData: bag.CommonData}
	joinedBytes, err := m.marshaller.Marshal(joined)
	if err != nil {
		return fmt.Errorf("griddisco: marshaling joined snapshot for %s: %w", node.NodeID, err)
	}
	if _, err := m.store.Create(m.catalog.EventPath(rec.EventID), raw, ModePersistent); err != nil {
		return fmt.Errorf("griddisco: persisting join event for %s: %w", node.NodeID, err)
	}
	if _, err := m.store.Create(m.catalog.JoinedDataPath(rec.EventID), joinedBytes, ModePersistent); err != nil {
		return fmt.Errorf("griddisco: persisting joined snapshot for %s: %w", node.NodeID, err)
	}

	if m.exchange != nil {
		if err := m.exchange.OnExchange(&Bag{JoiningNodeData: jd.Payload, CommonData: bag.CommonData}); err != nil {
			m.logger.WithError(err).Error("exchange.OnExchange failed while absorbing new joiner")
		}
	}

	m.topo.Add(node)
	m.metrics.incEventsReplayed()
	m.notifyListener(EventNodeJoined, rec.TopVer, node, nil)
	return nil
}

// generateNodeFail appends a NodeFailed record for a node that has
// disappeared from alive/ and notifies this coordinator's own listener, and
// releases it from any outstanding custom-message acks. EventNodeSegmented
// is a distinct, purely local notification a node fires on itself when it
// loses the store connection (member.go's handleConnectionLost) and never
// passes through the shared log.
func (m *Member) generateNodeFail(node *ClusterNode) {
	rec := m.log.AppendFail(node)
	m.topo.Remove(node.NodeID)
	if m.ackTracker != nil {
		m.ackTracker.OnNodeLeft(node.NodeID)
	}
	m.metrics.incEventsReplayed()
	m.notifyListener(rec.EventType, rec.TopVer, node, nil)
}

// generateCustomEvents reconciles the coordinator's event log against the
// customEvents/ directory: every sequential child beyond procCustEvt becomes
// a CustomEvent record, and an ack watch is armed for it.
func (m *Member) generateCustomEvents() error {
	names, err := m.store.Children(m.catalog.CustomEventsDir())
	if err != nil {
		return err
	}
	pending := make([]CustomEventName, 0, len(names))
	for _, n := range names {
		decoded, err := DecodeCustomEventName(n)
		if err != nil {
			continue // not a {uuid}|{seq} message child
		}
		if decoded.StoreSeq > m.log.ProcCustEvt() {
			pending = append(pending, decoded)
		}
	}
	sortCustomEventNames(pending)

	members := m.memberIDs()
	for _, c := range pending {
		childName := fmt.Sprintf("%s|%s", c.SenderNodeID, padSeq(c.StoreSeq))
		data, err := m.store.GetData(path.Join(m.catalog.CustomEventsDir(), childName))
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return err
		}
		var envelope CustomMessageEnvelope
		if err := m.marshaller.Unmarshal(data, &envelope); err != nil {
			m.logger.WithError(err).Warn("decoding custom message envelope")
			continue
		}
		sender, _ := m.topo.ByID(envelope.SenderNodeID)
		if sender == nil {
			sender = &ClusterNode{NodeID: envelope.SenderNodeID}
		}

		rec := m.log.AppendCustom(sender, envelope.Body, childName)
		m.log.SetProcCustEvt(c.StoreSeq)
		m.ackTracker.Track(rec.EventID, members)
		m.metrics.incEventsReplayed()
		m.notifyListener(EventCustomMessage, rec.TopVer, sender, envelope.Body)
		m.postCustomAck(childName)
		m.ackTracker.Ack(rec.EventID, m.local.NodeID)
		if err := m.watchCustomAcks(childName, rec.EventID); err != nil {
			m.logger.WithError(err).Warn("arming ack watch for custom event")
		}
	}
	return nil
}

func (m *Member) memberIDs() []string {
	snap := m.topo.Snapshot()
	ids := make([]string, len(snap))
	for i, n := range snap {
		ids[i] = n.NodeID
	}
	return ids
}

func sortCustomEventNames(names []CustomEventName) {
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && names[j].StoreSeq < names[j-1].StoreSeq; j-- {
			names[j], names[j-1] = names[j-1], names[j]
		}
	}
}

// persistEventLog writes the current EventLog back to the events payload.
func (m *Member) persistEventLog() error {
	data, err := m.marshaller.Marshal(m.log)
	if err != nil {
		return fmt.Errorf("griddisco: marshaling event log: %w", err)
	}
	return m.store.SetData(m.catalog.EventsPath(), data, -1)
}

// --- coordinator-only watches -----------------------------------------------

func (m *Member) armAliveWatch() error {
	_, ch, err := m.store.ChildrenW(m.catalog.AliveNodesDir())
	if err != nil {
		return err
	}
	go m.awaitWatch(ch, m.onAliveWatchFired)
	return nil
}

func (m *Member) onAliveWatchFired(zk.Event) {
	if !m.isCoordinator {
		return
	}
	names, err := m.store.Children(m.catalog.AliveNodesDir())
	if err != nil {
		if !IsClientFailed(err) {
			m.logger.WithError(err).Error("reading alive children after watch fire")
		}
	} else {
		alive, err := decodeAliveChildren(names)
		if err != nil {
			m.logger.WithError(err).Error("decoding alive children after watch fire")
		} else if err := m.generateTopologyEvents(alive); err != nil {
			m.logger.WithError(err).Error("generating topology events")
		} else {
			if err := m.compactEventLog(); err != nil {
				m.logger.WithError(err).Warn("compacting event log")
			}
			if err := m.persistEventLog(); err != nil {
				m.logger.WithError(err).Error("persisting event log")
			}
		}
	}
	if err := m.armAliveWatch(); err != nil && !IsClientFailed(err) {
		m.logger.WithError(err).Error("re-arming alive watch")
	}
}

func (m *Member) armCustomEventsWatch() error {
	_, ch, err := m.store.ChildrenW(m.catalog.CustomEventsDir())
	if err != nil {
		return err
	}
	go m.awaitWatch(ch, m.onCustomWatchFired)
	return nil
}

func (m *Member) onCustomWatchFired(zk.Event) {
	if !m.isCoordinator {
		return
	}
	if err := m.generateCustomEvents(); err != nil {
		if !IsClientFailed(err) {
			m.logger.WithError(err).Error("generating custom events after watch fire")
		}
	} else {
		if err := m.compactEventLog(); err != nil {
			m.logger.WithError(err).Warn("compacting event log")
		}
		if err := m.persistEventLog(); err != nil {
			m.logger.WithError(err).Error("persisting event log after custom events")
		}
	}
	if err := m.armCustomEventsWatch(); err != nil && !IsClientFailed(err) {
		m.logger.WithError(err).Error("re-arming custom events watch")
	}
}

// watchCustomAcks arms a children watch on the custom event's own directory
// entry so that ack children posted by followers (postCustomAck) resolve
// the ackTracker's future. customEvents/ acks are written as plain children
// named after the acking node's internalId, directly under the message
// child itself.
func (m *Member) watchCustomAcks(childName string, eventID int64) error {
	return m.armCustomAckWatchOnce(childName, eventID)
}

func (m *Member) armCustomAckWatchOnce(childName string, eventID int64) error {
	ackDir := path.Join(m.catalog.CustomEventsDir(), childName)
	children, ch, err := m.store.ChildrenW(ackDir)
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	m.applyAcks(children, eventID)

	if n, tracked := m.ackTracker.Pending(eventID); !tracked || n == 0 {
		if err := m.compactEventLog(); err != nil {
			m.logger.WithError(err).Warn("compacting event log after acks resolved")
		} else if err := m.persistEventLog(); err != nil {
			m.logger.WithError(err).Warn("persisting event log after acks resolved")
		}
		return nil
	}
	go m.awaitWatch(ch, func(zk.Event) {
		if err := m.armCustomAckWatchOnce(childName, eventID); err != nil && !IsClientFailed(err) {
			m.logger.WithError(err).Warn("re-arming custom ack watch")
		}
	})
	return nil
}

func (m *Member) applyAcks(ackerInternalIDs []string, eventID int64) {
	for _, idStr := range ackerInternalIDs {
		internalID, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			continue
		}
		if n, ok := m.topo.ByInternalID(internalID); ok {
			m.ackTracker.Ack(eventID, n.NodeID)
		}
	}
}
