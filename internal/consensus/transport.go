package consensus

import (
	"context"
	"errors"
	"sync"
)

// ErrPeerUnreachable is returned for messages to disconnected or unknown peers.
var ErrPeerUnreachable = errors.New("peer unreachable")

// LocalNetwork is an in-process Transport connecting replicas directly. It
// supports severing links to simulate partitions, which is how the minority
// write-safety property is exercised in tests.
type LocalNetwork struct {
	mu       sync.Mutex
	nodes    map[string]*Node
	severed  map[string]bool // "a|b" undirected link down
	isolated map[string]bool
}

// NewLocalNetwork creates an empty in-process network.
func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{
		nodes:    make(map[string]*Node),
		severed:  make(map[string]bool),
		isolated: make(map[string]bool),
	}
}

// Register attaches a node to the network under its configured id.
func (ln *LocalNetwork) Register(n *Node) {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	ln.nodes[n.cfg.ID] = n
}

// Transport returns the Transport view for the given replica id.
func (ln *LocalNetwork) Transport(id string) Transport {
	return &localTransport{net: ln, from: id}
}

// Isolate cuts a replica off from every peer.
func (ln *LocalNetwork) Isolate(id string) {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	ln.isolated[id] = true
}

// Heal reconnects a previously isolated replica.
func (ln *LocalNetwork) Heal(id string) {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	delete(ln.isolated, id)
}

// Partition severs every link between the two groups.
func (ln *LocalNetwork) Partition(groupA, groupB []string) {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	for _, a := range groupA {
		for _, b := range groupB {
			ln.severed[linkKey(a, b)] = true
		}
	}
}

// HealAll restores every severed link and isolated replica.
func (ln *LocalNetwork) HealAll() {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	ln.severed = make(map[string]bool)
	ln.isolated = make(map[string]bool)
}

func (ln *LocalNetwork) reachable(from, to string) (*Node, bool) {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	if ln.isolated[from] || ln.isolated[to] || ln.severed[linkKey(from, to)] {
		return nil, false
	}
	n, ok := ln.nodes[to]
	return n, ok
}

func linkKey(a, b string) string {
	if a < b {
		return a + "|" + b
	}
	return b + "|" + a
}

type localTransport struct {
	net  *LocalNetwork
	from string
}

func (t *localTransport) RequestVote(ctx context.Context, peerID string, req VoteRequest) (VoteResponse, error) {
	if err := ctx.Err(); err != nil {
		return VoteResponse{}, err
	}
	peer, ok := t.net.reachable(t.from, peerID)
	if !ok {
		return VoteResponse{}, ErrPeerUnreachable
	}
	return peer.HandleVote(req), nil
}

func (t *localTransport) Heartbeat(ctx context.Context, peerID string, req HeartbeatRequest) (HeartbeatResponse, error) {
	if err := ctx.Err(); err != nil {
		return HeartbeatResponse{}, err
	}
	peer, ok := t.net.reachable(t.from, peerID)
	if !ok {
		return HeartbeatResponse{}, ErrPeerUnreachable
	}
	return peer.HandleHeartbeat(req), nil
}
