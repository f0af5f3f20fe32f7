package consensus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPTransport carries protocol messages to peers over HTTP. Peer ids map
// to base URLs (http://host:port).
type HTTPTransport struct {
	peers  map[string]string
	client *http.Client
}

// NewHTTPTransport creates a transport for the given peer id -> base URL map.
func NewHTTPTransport(peers map[string]string) *HTTPTransport {
	return &HTTPTransport{
		peers:  peers,
		client: &http.Client{Timeout: 2 * time.Second},
	}
}

// RequestVote implements Transport.
func (t *HTTPTransport) RequestVote(ctx context.Context, peerID string, req VoteRequest) (VoteResponse, error) {
	var resp VoteResponse
	err := t.post(ctx, peerID, "/consensus/vote", req, &resp)
	return resp, err
}

// Heartbeat implements Transport.
func (t *HTTPTransport) Heartbeat(ctx context.Context, peerID string, req HeartbeatRequest) (HeartbeatResponse, error) {
	var resp HeartbeatResponse
	err := t.post(ctx, peerID, "/consensus/heartbeat", req, &resp)
	return resp, err
}

func (t *HTTPTransport) post(ctx context.Context, peerID, path string, payload, out interface{}) error {
	base, ok := t.peers[peerID]
	if !ok {
		return ErrPeerUnreachable
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("peer %s returned %d", peerID, httpResp.StatusCode)
	}
	return json.NewDecoder(httpResp.Body).Decode(out)
}

// Handler returns HTTP handlers for a node's side of the protocol, mounted
// by the control-plane server.
func Handler(n *Node) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/consensus/vote", func(w http.ResponseWriter, r *http.Request) {
		var req VoteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(n.HandleVote(req))
	})

	mux.HandleFunc("/consensus/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		var req HeartbeatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(n.HandleHeartbeat(req))
	})

	return mux
}
