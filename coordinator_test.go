package griddisco

import (
	"testing"
	"time"

	"github.com/coregrid/griddisco/fakezk"
)

func TestCustomMessageDeliveredToAllMembers(t *testing.T) {
	conn := fakezk.New()

	var firstMsgs, secondMsgs [][]byte
	first, err := NewMember(testConfig(t, "node-1"), nil, nil, func(evtType DiscoveryEventType, _ int64, _ *ClusterNode, _ []*ClusterNode, _ []TopologyHistory, msg []byte) {
		if evtType == EventCustomMessage {
			firstMsgs = append(firstMsgs, msg)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer first.Stop()
	joinMember(t, first, conn)

	second, err := NewMember(testConfig(t, "node-2"), nil, nil, func(evtType DiscoveryEventType, _ int64, _ *ClusterNode, _ []*ClusterNode, _ []TopologyHistory, msg []byte) {
		if evtType == EventCustomMessage {
			secondMsgs = append(secondMsgs, msg)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer second.Stop()
	joinMember(t, second, conn)

	if _, err := second.SendCustomMessage([]byte("hello cluster")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(firstMsgs) > 0 && len(secondMsgs) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if len(firstMsgs) != 1 || string(firstMsgs[0]) != "hello cluster" {
		t.Fatalf("coordinator custom messages = %v, want one %q", firstMsgs, "hello cluster")
	}
	if len(secondMsgs) != 1 || string(secondMsgs[0]) != "hello cluster" {
		t.Fatalf("sender's own custom messages = %v, want one %q", secondMsgs, "hello cluster")
	}
}

func TestNodeFailureDetectedByCoordinator(t *testing.T) {
	conn := fakezk.New()

	var failed []string
	first, err := NewMember(testConfig(t, "node-1"), nil, nil, func(evtType DiscoveryEventType, _ int64, node *ClusterNode, _ []*ClusterNode, _ []TopologyHistory, _ []byte) {
		if evtType == EventNodeFailed && node != nil {
			failed = append(failed, node.NodeID)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer first.Stop()
	joinMember(t, first, conn)

	second, err := NewMember(testConfig(t, "node-2"), nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	joinMember(t, second, conn)

	aliveName := second.aliveName
	if aliveName == "" {
		t.Fatal("second member never recorded its alive name")
	}
	alivePath := first.catalog.AliveNodesDir() + "/" + aliveName
	if err := conn.DeletePath(alivePath); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(failed) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if len(failed) != 1 || failed[0] != second.local.NodeID {
		t.Fatalf("failed = %v, want exactly [%q]", failed, second.local.NodeID)
	}
}
