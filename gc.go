package griddisco

// compactEventLog is the coordinator's bounded event-log GC, resolving
// spec.md section 9's open question of unbounded log growth. It computes a
// floor below which no record is needed by anyone still watching, prunes
// everything below it, and best-effort deletes the dropped join records'
// side paths.
//
// The floor is the smaller of:
//   - the smallest eventId of any still-alive member's own NodeJoined
//     record (a member that has not yet bootstrapped off that record must
//     never lose it), and
//   - the smallest eventId of any CustomEvent record with outstanding acks
//     (a follower may still need its customEventPath to fetch the body).
//
// Only the coordinator calls this; it runs after generateTopologyEvents so
// the topology index it reads is current.
func (m *Member) compactEventLog() error {
	if !m.isCoordinator {
		return nil
	}

	floor := m.log.LastEventID() + 1
	for _, n := range m.topo.Snapshot() {
		id := m.joinEventIDFor(n)
		if id >= 0 && id < floor {
			floor = id
		}
	}
	for _, rec := range m.log.allRecords() {
		if rec.EventType != EventCustomMessage {
			continue
		}
		if _, tracked := m.ackTracker.Pending(rec.EventID); tracked && rec.EventID < floor {
			floor = rec.EventID
		}
	}
	if floor <= 0 {
		return nil
	}

	dropped := m.log.Prune(floor)
	if len(dropped) == 0 {
		return nil
	}
	m.metrics.addEventsPruned(len(dropped))

	for _, rec := range dropped {
		if rec.EventType != EventNodeJoined || rec.Node == nil {
			continue
		}
		if err := m.store.DeleteIfExists(m.catalog.JoinedDataPath(rec.EventID)); err != nil {
			m.logger.WithError(err).WithField("eventId", rec.EventID).Warn("deleting pruned joined snapshot")
		}
		if err := m.store.DeleteIfExists(m.catalog.EventPath(rec.EventID)); err != nil {
			m.logger.WithError(err).WithField("eventId", rec.EventID).Warn("deleting pruned join event path")
		}
	}
	return m.persistEventLog()
}

// joinEventIDFor finds the eventId of n's own NodeJoined record, or -1 if
// n joined before any record still in the log (including the first member,
// whose join was synthesized and never recorded at all).
func (m *Member) joinEventIDFor(n *ClusterNode) int64 {
	for _, rec := range m.log.allRecords() {
		if rec.EventType == EventNodeJoined && rec.Node != nil && rec.Node.NodeID == n.NodeID {
			return rec.EventID
		}
	}
	return -1
}
