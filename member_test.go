package griddisco

import (
	"context"
	"testing"
	"time"

	"github.com/samuel/go-zookeeper/zk"
	"github.com/sirupsen/logrus"

	"github.com/coregrid/griddisco/fakezk"
)

func testConfig(t *testing.T, instance string) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ClusterName = "testcluster"
	cfg.ConnectString = "unused:2181"
	cfg.InstanceName = instance
	cfg.SessionTimeout = 2 * time.Second
	return cfg
}

func newTestStoreClientOn(conn *fakezk.Conn) *StoreClient {
	events := make(chan zk.Event, 1)
	events <- zk.Event{State: zk.StateHasSession}
	return newStoreClientWithConn(conn, events, 2*time.Second, nil, logrus.NewEntry(logrus.New()))
}

func joinMember(t *testing.T, m *Member, conn *fakezk.Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := m.joinWithStore(ctx, newTestStoreClientOn(conn)); err != nil {
		t.Fatalf("joinWithStore() = %v", err)
	}
}

func TestSingleMemberBootstrapsAsCoordinator(t *testing.T) {
	conn := fakezk.New()
	m, err := NewMember(testConfig(t, "node-1"), nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	joinMember(t, m, conn)

	if !m.isCoordinator {
		t.Fatal("sole member must elect itself coordinator")
	}
	if m.log.TopVer() != 1 {
		t.Fatalf("TopVer() = %d, want 1", m.log.TopVer())
	}
	if m.log.LastEventID() != 0 {
		t.Fatalf("LastEventID() = %d, want 0 (first member's join is synthesized)", m.log.LastEventID())
	}
	if m.topo.Len() != 1 {
		t.Fatalf("topology length = %d, want 1", m.topo.Len())
	}
}

func TestSecondMemberObservesFirst(t *testing.T) {
	conn := fakezk.New()

	first, err := NewMember(testConfig(t, "node-1"), nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Stop()
	joinMember(t, first, conn)

	var gotJoins []string
	second, err := NewMember(testConfig(t, "node-2"), nil, nil, func(evtType DiscoveryEventType, _ int64, node *ClusterNode, _ []*ClusterNode, _ []TopologyHistory, _ []byte) {
		if evtType == EventNodeJoined && node != nil {
			gotJoins = append(gotJoins, node.NodeID)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer second.Stop()
	joinMember(t, second, conn)

	if second.isCoordinator {
		t.Fatal("second member must not become coordinator while the first is alive")
	}
	if second.topo.Len() != 2 {
		t.Fatalf("second member's topology length = %d, want 2", second.topo.Len())
	}
	if _, ok := second.topo.ByID(first.local.NodeID); !ok {
		t.Fatal("second member should know about the first member")
	}
}

func TestEnsurePathTreeIdempotent(t *testing.T) {
	conn := fakezk.New()
	m, err := NewMember(testConfig(t, "node-1"), nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Stop()
	m.store = newTestStoreClientOn(conn)

	if err := m.ensurePathTree(); err != nil {
		t.Fatalf("ensurePathTree() first call = %v", err)
	}
	if err := m.ensurePathTree(); err != nil {
		t.Fatalf("ensurePathTree() second call = %v, want nil (idempotent)", err)
	}

	exists, err := m.store.Exists(m.catalog.AliveNodesDir())
	if err != nil {
		t.Fatal(err)
	}
	if !exists {
		t.Fatal("AliveNodesDir() should exist after ensurePathTree")
	}
}

func TestKnownNodeReflectsSnapshot(t *testing.T) {
	conn := fakezk.New()
	m, err := NewMember(testConfig(t, "node-1"), nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Stop()
	joinMember(t, m, conn)

	if !m.KnownNode(m.Self().NodeID) {
		t.Fatal("KnownNode(self) should be true after joining")
	}
	if m.KnownNode("nonexistent") {
		t.Fatal("KnownNode(nonexistent) should be false")
	}
}
