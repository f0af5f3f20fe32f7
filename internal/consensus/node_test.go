package consensus

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testConfig(id string, peers ...string) *Config {
	cfg := DefaultConfig(id)
	cfg.Peers = peers
	return cfg
}

func newTestCluster(t *testing.T, ids ...string) (*LocalNetwork, map[string]*Node) {
	t.Helper()
	net := NewLocalNetwork()
	nodes := make(map[string]*Node, len(ids))
	for _, id := range ids {
		var peers []string
		for _, other := range ids {
			if other != id {
				peers = append(peers, other)
			}
		}
		n := NewNode(testConfig(id, peers...), net.Transport(id), zerolog.Nop())
		net.Register(n)
		nodes[id] = n
	}
	return net, nodes
}

func startAll(t *testing.T, nodes map[string]*Node) {
	t.Helper()
	for _, n := range nodes {
		n.Start()
	}
	t.Cleanup(func() {
		for _, n := range nodes {
			n.Stop()
		}
	})
}

func leaders(nodes map[string]*Node) []*Node {
	var out []*Node
	for _, n := range nodes {
		if n.IsLeader() {
			out = append(out, n)
		}
	}
	return out
}

// waitForLeader polls until exactly one replica reports leadership.
func waitForLeader(t *testing.T, nodes map[string]*Node, within time.Duration) *Node {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if ls := leaders(nodes); len(ls) == 1 {
			return ls[0]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("No single leader elected within %v", within)
	return nil
}

func TestSingleReplicaIsLeaderImmediately(t *testing.T) {
	n := NewNode(testConfig("solo"), nil, zerolog.Nop())
	if !n.IsLeader() {
		t.Fatal("Single-replica node should assume leadership")
	}
	leader, err := n.Leader()
	if err != nil {
		t.Fatalf("Leader failed: %v", err)
	}
	if leader != "solo" {
		t.Errorf("Leader = %q, want solo", leader)
	}
	n.Start()
	n.Stop()
}

func TestThreeReplicasElectOneLeader(t *testing.T) {
	_, nodes := newTestCluster(t, "n1", "n2", "n3")
	startAll(t, nodes)

	leader := waitForLeader(t, nodes, 3*time.Second)

	// Followers settle on the same leader id once heartbeats arrive.
	deadline := time.Now().Add(time.Second)
	for _, n := range nodes {
		if n == leader {
			continue
		}
		for {
			id, err := n.Leader()
			if err == nil && id == leader.ID() {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("Follower %s sees leader %q (err %v), want %q", n.ID(), id, err, leader.ID())
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestVoteGrantedOncePerTerm(t *testing.T) {
	n := NewNode(testConfig("n1", "n2", "n3"), nil, zerolog.Nop())

	resp := n.HandleVote(VoteRequest{Term: 1, CandidateID: "n2"})
	if !resp.Granted {
		t.Fatal("First vote in a term should be granted")
	}
	resp = n.HandleVote(VoteRequest{Term: 1, CandidateID: "n3"})
	if resp.Granted {
		t.Error("Second candidate in the same term must be refused")
	}
	resp = n.HandleVote(VoteRequest{Term: 1, CandidateID: "n2"})
	if !resp.Granted {
		t.Error("Repeated request from the voted-for candidate stays granted")
	}
}

func TestVoteRejectsStaleTerm(t *testing.T) {
	n := NewNode(testConfig("n1", "n2", "n3"), nil, zerolog.Nop())

	n.HandleHeartbeat(HeartbeatRequest{Term: 5, LeaderID: "n2"})
	resp := n.HandleVote(VoteRequest{Term: 3, CandidateID: "n3"})
	if resp.Granted {
		t.Error("Vote for a stale term must be refused")
	}
	if resp.Term != 5 {
		t.Errorf("Response term = %d, want 5", resp.Term)
	}
}

func TestHigherTermVoteResetsBallot(t *testing.T) {
	n := NewNode(testConfig("n1", "n2", "n3"), nil, zerolog.Nop())

	if resp := n.HandleVote(VoteRequest{Term: 1, CandidateID: "n2"}); !resp.Granted {
		t.Fatal("First vote should be granted")
	}
	// A new term is a fresh ballot even for a different candidate.
	resp := n.HandleVote(VoteRequest{Term: 2, CandidateID: "n3"})
	if !resp.Granted {
		t.Error("Higher term should reset the recorded vote")
	}
	if resp.Term != 2 {
		t.Errorf("Response term = %d, want 2", resp.Term)
	}
}

func TestHeartbeatWithHigherTermDemotesLeader(t *testing.T) {
	n := NewNode(testConfig("solo"), nil, zerolog.Nop())
	if !n.IsLeader() {
		t.Fatal("Expected initial leadership")
	}

	resp := n.HandleHeartbeat(HeartbeatRequest{Term: 7, LeaderID: "other"})
	if !resp.Ok {
		t.Fatal("Heartbeat with higher term should be accepted")
	}
	if n.IsLeader() {
		t.Error("Node must step down on a higher-term heartbeat")
	}
	leader, err := n.Leader()
	if err != nil {
		t.Fatalf("Leader failed: %v", err)
	}
	if leader != "other" {
		t.Errorf("Leader = %q, want other", leader)
	}
	if n.Term() != 7 {
		t.Errorf("Term = %d, want 7", n.Term())
	}
}

func TestSubscribeSeesDemotion(t *testing.T) {
	n := NewNode(testConfig("solo"), nil, zerolog.Nop())
	roleCh := n.Subscribe()

	n.HandleHeartbeat(HeartbeatRequest{Term: 3, LeaderID: "other"})

	select {
	case role := <-roleCh:
		if role != RoleFollower {
			t.Errorf("Role = %s, want follower", role)
		}
	default:
		t.Error("Expected a role notification after demotion")
	}
}

func TestHeartbeatRejectsStaleLeader(t *testing.T) {
	n := NewNode(testConfig("n1", "n2", "n3"), nil, zerolog.Nop())

	n.HandleHeartbeat(HeartbeatRequest{Term: 4, LeaderID: "n2"})
	resp := n.HandleHeartbeat(HeartbeatRequest{Term: 2, LeaderID: "n3"})
	if resp.Ok {
		t.Error("Stale-term heartbeat must be rejected")
	}
	if leader, _ := n.Leader(); leader != "n2" {
		t.Errorf("Leader = %q, want n2", leader)
	}
}

func TestMinorityCannotElect(t *testing.T) {
	net, nodes := newTestCluster(t, "n1", "n2", "n3")
	startAll(t, nodes)

	leader := waitForLeader(t, nodes, 3*time.Second)
	net.Isolate(leader.ID())

	// The majority side re-elects; the isolated old leader cannot renew.
	deadline := time.Now().Add(3 * time.Second)
	var newLeader *Node
	for time.Now().Before(deadline) {
		for _, n := range nodes {
			if n.ID() != leader.ID() && n.IsLeader() {
				newLeader = n
			}
		}
		if newLeader != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if newLeader == nil {
		t.Fatal("Majority side failed to elect a new leader")
	}

	net.HealAll()

	// After healing, the higher term wins and only one leader remains.
	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if ls := leaders(nodes); len(ls) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Cluster did not converge to one leader after heal, have %d", len(leaders(nodes)))
}

func TestLeaderStepsDownWithoutQuorum(t *testing.T) {
	net, nodes := newTestCluster(t, "n1", "n2", "n3")
	startAll(t, nodes)

	leader := waitForLeader(t, nodes, 3*time.Second)
	net.Isolate(leader.ID())

	// The cut-off leader must relinquish once a majority stops answering;
	// otherwise a minority partition would keep accepting writes.
	deadline := time.Now().Add(2 * time.Second)
	for leader.IsLeader() {
		if time.Now().After(deadline) {
			t.Fatal("Isolated leader kept claiming leadership past the quorum window")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := leader.Leader(); err == nil {
		t.Error("A demoted leader should report no known leader")
	}
}

func TestIsolatedFollowerCannotWin(t *testing.T) {
	net, nodes := newTestCluster(t, "n1", "n2", "n3")
	net.Isolate("n3")
	startAll(t, nodes)

	waitForLeader(t, nodes, 3*time.Second)

	// However long it campaigns, the cut-off replica never gets a majority.
	time.Sleep(500 * time.Millisecond)
	if nodes["n3"].IsLeader() {
		t.Error("A replica without majority reach must not claim leadership")
	}
	if _, err := nodes["n3"].Leader(); err == nil {
		t.Error("Isolated replica should report no known leader")
	}
}
