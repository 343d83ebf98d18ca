package griddisco

// TopologyIndex is the coordinator/member's live view of cluster membership,
// rebuilt by replaying the event log (spec.md section 5). It is owned
// entirely by the dispatch goroutine that processes events; nothing else
// touches it, so it carries no locking of its own.
type TopologyIndex struct {
	byID         map[string]*ClusterNode
	byInternalID map[int64]*ClusterNode
	ordered      []*ClusterNode
}

func newTopologyIndex() *TopologyIndex {
	return &TopologyIndex{
		byID:         make(map[string]*ClusterNode),
		byInternalID: make(map[int64]*ClusterNode),
	}
}

// Add inserts n. Nodes are always added in increasing Order (the order the
// event log assigns them), so appending to ordered keeps it sorted.
func (t *TopologyIndex) Add(n *ClusterNode) {
	t.byID[n.NodeID] = n
	t.byInternalID[n.InternalID] = n
	t.ordered = append(t.ordered, n)
}

// Remove deletes nodeID from the index and returns the removed node, or nil
// if it was not present.
func (t *TopologyIndex) Remove(nodeID string) *ClusterNode {
	n, ok := t.byID[nodeID]
	if !ok {
		return nil
	}
	delete(t.byID, nodeID)
	delete(t.byInternalID, n.InternalID)
	for i, cur := range t.ordered {
		if cur.NodeID == nodeID {
			t.ordered = append(t.ordered[:i], t.ordered[i+1:]...)
			break
		}
	}
	return n
}

// ByID looks a node up by its node id.
func (t *TopologyIndex) ByID(nodeID string) (*ClusterNode, bool) {
	n, ok := t.byID[nodeID]
	return n, ok
}

// ByInternalID looks a node up by its store-assigned internal id, used by
// coordinator.go to match alive children and ack children to members.
func (t *TopologyIndex) ByInternalID(id int64) (*ClusterNode, bool) {
	n, ok := t.byInternalID[id]
	return n, ok
}

// Len returns the current member count.
func (t *TopologyIndex) Len() int { return len(t.ordered) }

// Snapshot returns the current membership in join order. The slice is a
// fresh copy; callers may retain it (event listeners do, as topSnapshot).
func (t *TopologyIndex) Snapshot() []*ClusterNode {
	out := make([]*ClusterNode, len(t.ordered))
	copy(out, t.ordered)
	return out
}

// MinInternalID returns the smallest InternalID currently present, and
// whether the index is non-empty. The node holding it is the coordinator
// by definition (spec.md section 4.4).
func (t *TopologyIndex) MinInternalID() (int64, bool) {
	if len(t.ordered) == 0 {
		return 0, false
	}
	min := t.ordered[0].InternalID
	for _, n := range t.ordered[1:] {
		if n.InternalID < min {
			min = n.InternalID
		}
	}
	return min, true
}
