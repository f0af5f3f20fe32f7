// Package consensus elects a single coordinator leader across replicas using
// a term-based voting protocol. Only election is implemented: the store is
// the replicated state's home, and followers forward writes to the leader
// rather than replaying a log.
package consensus

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrNoLeader is returned when no leader is currently known. Writes fail
// fast on it; reads degrade to stale-read mode.
var ErrNoLeader = errors.New("no leader elected")

// Role is a replica's current position in the protocol.
type Role string

const (
	RoleFollower  Role = "follower"
	RoleCandidate Role = "candidate"
	RoleLeader    Role = "leader"
)

// VoteRequest asks a peer for its vote in a term.
type VoteRequest struct {
	Term        uint64 `json:"term"`
	CandidateID string `json:"candidate_id"`
}

// VoteResponse carries a peer's vote decision.
type VoteResponse struct {
	Term    uint64 `json:"term"`
	Granted bool   `json:"granted"`
}

// HeartbeatRequest asserts leadership for a term.
type HeartbeatRequest struct {
	Term     uint64 `json:"term"`
	LeaderID string `json:"leader_id"`
}

// HeartbeatResponse acknowledges (or rejects) a leader's assertion.
type HeartbeatResponse struct {
	Term uint64 `json:"term"`
	Ok   bool   `json:"ok"`
}

// Transport carries protocol messages between replicas.
type Transport interface {
	RequestVote(ctx context.Context, peerID string, req VoteRequest) (VoteResponse, error)
	Heartbeat(ctx context.Context, peerID string, req HeartbeatRequest) (HeartbeatResponse, error)
}

// Config defines a replica's identity and timing.
type Config struct {
	// ID is this replica's identity.
	ID string `yaml:"id" mapstructure:"id"`
	// Peers are the other replica ids. Empty means single-replica mode:
	// the node short-circuits to leader.
	Peers []string `yaml:"peers" mapstructure:"peers"`
	// HeartbeatInterval is how often a leader asserts itself.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	// ElectionTimeoutMin/Max bound the randomized election timeout. The
	// randomization avoids repeated split votes.
	ElectionTimeoutMin time.Duration `yaml:"election_timeout_min" mapstructure:"election_timeout_min"`
	ElectionTimeoutMax time.Duration `yaml:"election_timeout_max" mapstructure:"election_timeout_max"`
	// RPCTimeout bounds each vote or heartbeat round-trip.
	RPCTimeout time.Duration `yaml:"rpc_timeout" mapstructure:"rpc_timeout"`
}

// DefaultConfig returns default consensus timing for the given replica id.
func DefaultConfig(id string) *Config {
	return &Config{
		ID:                 id,
		HeartbeatInterval:  50 * time.Millisecond,
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		RPCTimeout:         50 * time.Millisecond,
	}
}

// Node is one replica in the election protocol.
type Node struct {
	cfg       *Config
	transport Transport
	log       zerolog.Logger

	mu        sync.Mutex
	term      uint64
	votedFor  string
	role      Role
	leaderID  string
	lastHeard time.Time
	timeout   time.Duration
	rng       *rand.Rand
	watchers  []chan Role
	peerAcks  map[string]time.Time // last successful heartbeat ack per peer

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewNode creates a replica. Single-replica configurations become leader
// immediately and never run elections.
func NewNode(cfg *Config, transport Transport, log zerolog.Logger) *Node {
	n := &Node{
		cfg:       cfg,
		transport: transport,
		log:       log,
		role:      RoleFollower,
		lastHeard: time.Now(),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		stop:      make(chan struct{}),
	}
	n.timeout = n.randomTimeout()

	if len(cfg.Peers) == 0 {
		n.role = RoleLeader
		n.leaderID = cfg.ID
	}
	return n
}

// Start begins the election loop. A no-op in single-replica mode.
func (n *Node) Start() {
	if len(n.cfg.Peers) == 0 {
		n.log.Info().Str("id", n.cfg.ID).Msg("single replica, assuming leadership")
		return
	}
	n.wg.Add(1)
	go n.loop()
	n.log.Info().Str("id", n.cfg.ID).Int("peers", len(n.cfg.Peers)).Msg("consensus node started")
}

// Stop halts the election loop.
func (n *Node) Stop() {
	if len(n.cfg.Peers) == 0 {
		return
	}
	close(n.stop)
	n.wg.Wait()
}

// ID returns this replica's id.
func (n *Node) ID() string {
	return n.cfg.ID
}

// Subscribe returns a channel receiving role transitions. Notifications are
// best-effort: a slow receiver misses intermediate states, not the latest.
func (n *Node) Subscribe() <-chan Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch := make(chan Role, 4)
	n.watchers = append(n.watchers, ch)
	return ch
}

// setRoleLocked changes the role and fans out to subscribers. Caller holds
// the mutex.
func (n *Node) setRoleLocked(role Role) {
	if n.role == role {
		return
	}
	n.role = role
	for _, ch := range n.watchers {
		select {
		case ch <- role:
		default:
		}
	}
}

// IsLeader reports whether this replica currently holds leadership.
func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role == RoleLeader
}

// Term returns the replica's current term.
func (n *Node) Term() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.term
}

// Leader returns the current leader's id, or ErrNoLeader when none is known
// or the last leader contact is stale.
func (n *Node) Leader() (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role == RoleLeader {
		return n.cfg.ID, nil
	}
	if n.leaderID == "" || time.Since(n.lastHeard) > n.timeout {
		return "", ErrNoLeader
	}
	return n.leaderID, nil
}

// HandleVote processes an incoming vote request. One vote per term.
func (n *Node) HandleVote(req VoteRequest) VoteResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term < n.term {
		return VoteResponse{Term: n.term, Granted: false}
	}
	if req.Term > n.term {
		n.stepDownLocked(req.Term)
	}

	if n.votedFor == "" || n.votedFor == req.CandidateID {
		n.votedFor = req.CandidateID
		n.lastHeard = time.Now()
		return VoteResponse{Term: n.term, Granted: true}
	}
	return VoteResponse{Term: n.term, Granted: false}
}

// HandleHeartbeat processes a leader's assertion.
func (n *Node) HandleHeartbeat(req HeartbeatRequest) HeartbeatResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term < n.term {
		return HeartbeatResponse{Term: n.term, Ok: false}
	}
	if req.Term > n.term {
		n.stepDownLocked(req.Term)
	}

	n.setRoleLocked(RoleFollower)
	n.leaderID = req.LeaderID
	n.lastHeard = time.Now()
	return HeartbeatResponse{Term: n.term, Ok: true}
}

func (n *Node) loop() {
	defer n.wg.Done()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	lastBeat := time.Time{}
	for {
		select {
		case <-n.stop:
			return
		case <-ticker.C:
		}

		n.mu.Lock()
		role := n.role
		overdue := time.Since(n.lastHeard) > n.timeout
		n.mu.Unlock()

		switch role {
		case RoleLeader:
			if time.Since(lastBeat) >= n.cfg.HeartbeatInterval {
				lastBeat = time.Now()
				n.broadcastHeartbeat()
			}
			n.checkQuorum()
		default:
			if overdue {
				n.runElection()
			}
		}
	}
}

// runElection starts a new term and solicits votes. Becoming leader requires
// a strict majority of all known replicas within the randomized timeout.
func (n *Node) runElection() {
	n.mu.Lock()
	n.term++
	term := n.term
	n.setRoleLocked(RoleCandidate)
	n.votedFor = n.cfg.ID
	n.leaderID = ""
	n.lastHeard = time.Now()
	n.timeout = n.randomTimeout()
	n.mu.Unlock()

	n.log.Debug().Uint64("term", term).Msg("starting election")

	votes := 1 // own vote
	needed := (len(n.cfg.Peers)+1)/2 + 1

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, peer := range n.cfg.Peers {
		wg.Add(1)
		go func(peer string) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RPCTimeout)
			defer cancel()

			resp, err := n.transport.RequestVote(ctx, peer, VoteRequest{Term: term, CandidateID: n.cfg.ID})
			if err != nil {
				return
			}
			if resp.Term > term {
				n.mu.Lock()
				n.stepDownLocked(resp.Term)
				n.mu.Unlock()
				return
			}
			if resp.Granted {
				mu.Lock()
				votes++
				mu.Unlock()
			}
		}(peer)
	}
	wg.Wait()

	n.mu.Lock()
	defer n.mu.Unlock()
	// The term may have moved on while votes were in flight.
	if n.term != term || n.role != RoleCandidate {
		return
	}
	if votes >= needed {
		n.setRoleLocked(RoleLeader)
		n.leaderID = n.cfg.ID
		n.peerAcks = make(map[string]time.Time, len(n.cfg.Peers))
		now := time.Now()
		for _, peer := range n.cfg.Peers {
			n.peerAcks[peer] = now
		}
		n.log.Info().Uint64("term", term).Int("votes", votes).Msg("won election")
		n.broadcastHeartbeatLocked()
		return
	}
	// Lost or split; wait out the (re-randomized) timeout as follower.
	n.setRoleLocked(RoleFollower)
}

func (n *Node) broadcastHeartbeat() {
	n.mu.Lock()
	n.broadcastHeartbeatLocked()
	n.mu.Unlock()
}

// broadcastHeartbeatLocked fires heartbeats without waiting for responses;
// step-down on a higher term happens when the response arrives.
func (n *Node) broadcastHeartbeatLocked() {
	term := n.term
	for _, peer := range n.cfg.Peers {
		go func(peer string) {
			ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RPCTimeout)
			defer cancel()

			resp, err := n.transport.Heartbeat(ctx, peer, HeartbeatRequest{Term: term, LeaderID: n.cfg.ID})
			if err != nil {
				return
			}
			n.mu.Lock()
			if resp.Term > term {
				n.stepDownLocked(resp.Term)
			} else if n.peerAcks != nil {
				n.peerAcks[peer] = time.Now()
			}
			n.mu.Unlock()
		}(peer)
	}
}

// checkQuorum steps a leader down when it has not heard from a strict
// majority within the election-timeout window. Without this an old leader
// isolated in a minority partition would keep claiming leadership, and the
// control plane would keep accepting writes on it.
func (n *Node) checkQuorum() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != RoleLeader {
		return
	}

	cutoff := time.Now().Add(-n.cfg.ElectionTimeoutMax)
	reachable := 1 // self
	for _, peer := range n.cfg.Peers {
		if ack, ok := n.peerAcks[peer]; ok && ack.After(cutoff) {
			reachable++
		}
	}

	needed := (len(n.cfg.Peers)+1)/2 + 1
	if reachable >= needed {
		return
	}

	n.log.Warn().Uint64("term", n.term).Int("reachable", reachable).Msg("lost contact with majority, stepping down")
	n.setRoleLocked(RoleFollower)
	n.leaderID = ""
	n.lastHeard = time.Now()
	n.timeout = n.randomTimeout()
}

// stepDownLocked adopts a higher term and reverts to follower. Caller holds
// the mutex.
func (n *Node) stepDownLocked(term uint64) {
	n.term = term
	n.votedFor = ""
	n.setRoleLocked(RoleFollower)
	n.leaderID = ""
}

func (n *Node) randomTimeout() time.Duration {
	min := n.cfg.ElectionTimeoutMin
	max := n.cfg.ElectionTimeoutMax
	if max <= min {
		return min
	}
	return min + time.Duration(n.rng.Int63n(int64(max-min)))
}
