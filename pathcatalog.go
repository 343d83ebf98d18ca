package griddisco

import (
	"fmt"
	"path"
	"strconv"
	"strings"
)

// storeSeqWidth is the zero-padded width ZooKeeper uses for sequential
// node suffixes.
const storeSeqWidth = 10

// PathCatalog derives the fixed set of store paths for a cluster and
// encodes/decodes the node-name format used under the alive, joinData and
// customEvents directories. It performs no I/O.
type PathCatalog struct {
	Base        string
	ClusterName string
}

// NewPathCatalog validates base and clusterName and returns a PathCatalog.
func NewPathCatalog(base, clusterName string) (*PathCatalog, error) {
	if err := validateStorePath(base); err != nil {
		return nil, fmt.Errorf("griddisco: invalid base path: %w", err)
	}
	if strings.TrimSpace(clusterName) == "" {
		return nil, fmt.Errorf("griddisco: clusterName must not be empty")
	}
	if strings.ContainsAny(clusterName, "/|") {
		return nil, fmt.Errorf("griddisco: clusterName must not contain '/' or '|'")
	}
	return &PathCatalog{Base: base, ClusterName: clusterName}, nil
}

func validateStorePath(p string) error {
	if p == "" || p == "/" {
		return nil
	}
	if !strings.HasPrefix(p, "/") {
		return fmt.Errorf("path %q must be absolute", p)
	}
	if strings.HasSuffix(p, "/") {
		return fmt.Errorf("path %q must not end with '/'", p)
	}
	return nil
}

// BasePath returns the configured root.
func (c *PathCatalog) BasePath() string { return c.Base }

// ClusterDir is base/clusterName.
func (c *PathCatalog) ClusterDir() string {
	return path.Join(c.Base, c.ClusterName)
}

// EventsPath is the single payload holding the marshaled EventLog.
func (c *PathCatalog) EventsPath() string {
	return path.Join(c.ClusterDir(), "events")
}

// EventPath is the per-event directory events/{eventId}.
func (c *PathCatalog) EventPath(eventID int64) string {
	return path.Join(c.EventsPath(), strconv.FormatInt(eventID, 10))
}

// JoinedDataPath is events/{eventId}/joined.
func (c *PathCatalog) JoinedDataPath(eventID int64) string {
	return path.Join(c.EventPath(eventID), "joined")
}

// JoinDataDir is the directory of ephemeral-sequential joiner payloads.
func (c *PathCatalog) JoinDataDir() string {
	return path.Join(c.ClusterDir(), "joinData")
}

// CustomEventsDir is the directory of persistent-sequential custom messages.
func (c *PathCatalog) CustomEventsDir() string {
	return path.Join(c.ClusterDir(), "customEvents")
}

// AliveNodesDir is the directory of ephemeral-sequential alive markers.
func (c *PathCatalog) AliveNodesDir() string {
	return path.Join(c.ClusterDir(), "alive")
}

// PathTree returns every persistent directory that must exist before a
// member can join, in creation order.
func (c *PathCatalog) PathTree() []string {
	return []string{
		c.Base,
		c.ClusterDir(),
		c.EventsPath(),
		c.JoinDataDir(),
		c.CustomEventsDir(),
		c.AliveNodesDir(),
	}
}

// EncodeJoinDataPrefix builds the prefix passed to a sequential create
// under JoinDataDir: "{uuid}|".
func EncodeJoinDataPrefix(nodeID string) string {
	return nodeID + "|"
}

// EncodeAliveNamePrefix builds the prefix passed to a sequential create
// under AliveNodesDir: "{uuid}|{joinSeq:010d}|".
func EncodeAliveNamePrefix(nodeID string, joinSeq int64) string {
	return fmt.Sprintf("%s|%s|", nodeID, padSeq(joinSeq))
}

// EncodeCustomEventPrefix builds the prefix passed to a sequential create
// under CustomEventsDir: "{uuid}|".
func EncodeCustomEventPrefix(senderNodeID string) string {
	return senderNodeID + "|"
}

func padSeq(seq int64) string {
	return fmt.Sprintf("%0*d", storeSeqWidth, seq)
}

// AliveNodeName is the decoded form of an alive/ child: {uuid}|{joinSeq}|{storeSeq}.
type AliveNodeName struct {
	NodeID   string
	JoinSeq  int64
	StoreSeq int64
}

// DecodeAliveName parses a full alive/ child name created by a sequential
// create against EncodeAliveNamePrefix.
func DecodeAliveName(name string) (AliveNodeName, error) {
	parts := strings.Split(name, "|")
	if len(parts) != 3 {
		return AliveNodeName{}, fmt.Errorf("griddisco: malformed alive node name %q", name)
	}
	joinSeq, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return AliveNodeName{}, fmt.Errorf("griddisco: malformed join sequence in %q: %w", name, err)
	}
	storeSeq, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return AliveNodeName{}, fmt.Errorf("griddisco: malformed store sequence in %q: %w", name, err)
	}
	return AliveNodeName{NodeID: parts[0], JoinSeq: joinSeq, StoreSeq: storeSeq}, nil
}

// JoinDataName is the decoded form of a joinData/ child: {uuid}|{storeSeq}.
type JoinDataName struct {
	NodeID   string
	StoreSeq int64
}

// DecodeJoinDataName parses a joinData/ child name.
func DecodeJoinDataName(name string) (JoinDataName, error) {
	parts := strings.Split(name, "|")
	if len(parts) != 2 {
		return JoinDataName{}, fmt.Errorf("griddisco: malformed join-data name %q", name)
	}
	seq, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return JoinDataName{}, fmt.Errorf("griddisco: malformed sequence in %q: %w", name, err)
	}
	return JoinDataName{NodeID: parts[0], StoreSeq: seq}, nil
}

// CustomEventName is the decoded form of a customEvents/ child: {uuid}|{storeSeq}.
type CustomEventName struct {
	SenderNodeID string
	StoreSeq     int64
}

// DecodeCustomEventName parses a customEvents/ child name.
func DecodeCustomEventName(name string) (CustomEventName, error) {
	parts := strings.Split(name, "|")
	if len(parts) != 2 {
		return CustomEventName{}, fmt.Errorf("griddisco: malformed custom-event name %q", name)
	}
	seq, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return CustomEventName{}, fmt.Errorf("griddisco: malformed sequence in %q: %w", name, err)
	}
	return CustomEventName{SenderNodeID: parts[0], StoreSeq: seq}, nil
}

// JoinDataPathFor derives the join-data path for an alive node name, used
// by the coordinator to look up the joiner's payload (spec.md 4.5 step 1).
func (c *PathCatalog) JoinDataPathFor(alive AliveNodeName) string {
	name := fmt.Sprintf("%s|%s", alive.NodeID, padSeq(alive.JoinSeq))
	return path.Join(c.JoinDataDir(), name)
}
