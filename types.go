package griddisco

// ClusterNode is a member of the cluster topology. (nodeId, internalId,
// order) are unique and stable for the node's lifetime once assigned.
type ClusterNode struct {
	NodeID     string `json:"nodeId"`
	Local      bool   `json:"-"`
	Attributes []byte `json:"attributes,omitempty"`
	InternalID int64  `json:"internalId"`
	Order      int64  `json:"order"`

	// DiscoveryData is an opaque, consumer-supplied attachment. It round-trips
	// through the Marshaller the same way Attributes does, but is never
	// inspected by the core itself.
	DiscoveryData []byte `json:"discoveryData,omitempty"`
}

// DiscoveryEventType enumerates the kinds of notification delivered to a
// Listener.
type DiscoveryEventType int

const (
	EventNodeJoined DiscoveryEventType = iota
	EventNodeFailed
	EventNodeSegmented
	EventCustomMessage
)

func (t DiscoveryEventType) String() string {
	switch t {
	case EventNodeJoined:
		return "NODE_JOINED"
	case EventNodeFailed:
		return "NODE_FAILED"
	case EventNodeSegmented:
		return "NODE_SEGMENTED"
	case EventCustomMessage:
		return "EVT_DISCOVERY_CUSTOM_EVT"
	default:
		return "UNKNOWN"
	}
}

// TopologyHistory pairs a past topology version with the node snapshot that
// was current as of that version.
type TopologyHistory struct {
	TopVer int64
	Nodes  []*ClusterNode
}

// Listener is notified of every discovery event in an order every member
// observes identically. customMsg is non-nil only for EventCustomMessage.
type Listener func(
	evtType DiscoveryEventType,
	topVer int64,
	node *ClusterNode,
	topSnapshot []*ClusterNode,
	historicalTopologies []TopologyHistory,
	customMsg []byte,
)

// Bag carries the payloads exchanged during a join: the joining node's own
// data, and the common data the coordinator collects in response.
type Bag struct {
	JoiningNodeData []byte
	CommonData      []byte
}

// Exchange is the application-level data-exchange hook. Collect is called on
// a joining node to produce its joining payload, and on the coordinator to
// produce the common data delivered to a joiner. OnExchange is called on the
// coordinator with the joiner's payload and the common data, and on the
// joining node with the common data; other members do not call it.
type Exchange interface {
	Collect(bag *Bag) error
	OnExchange(bag *Bag) error
}

// Marshaller is a round-trip codec for opaque objects. The core is agnostic
// to the wire format so long as every member of a cluster lineage agrees on
// one; JSONMarshaller is the default (see marshaller.go).
type Marshaller interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

// ConnectionLostCallback is invoked exactly once when the store session
// transitions to its terminal Lost state.
type ConnectionLostCallback func(err error)

// JoiningNodeData is written once per join attempt to joinData/{uuid}|{seq}
// and read by the coordinator, which copies the raw bytes to the join
// event's side path events/{eventId} once the join has been promoted.
type JoiningNodeData struct {
	NodeID     string `json:"nodeId"`
	Attributes []byte `json:"attributes,omitempty"`
	Payload    []byte `json:"payload,omitempty"`
}

// JoinEventDataForJoined is the snapshot delivered to a newly joined node:
// the topology as of just before it joined, plus the exchange's common data.
type JoinEventDataForJoined struct {
	Snapshot   []*ClusterNode `json:"snapshot"`
	CommonData []byte         `json:"commonData,omitempty"`
}

// CustomMessageEnvelope is the payload stored at customEvents/{uuid}|{seq}.
type CustomMessageEnvelope struct {
	SenderNodeID string `json:"senderNodeId"`
	Body         []byte `json:"body"`
}
