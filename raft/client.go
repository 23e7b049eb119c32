package raft

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// HTTPRaftClient is the outbound transport adapter (the RaftClient
// implementation used by cmd/raftnode): it serializes RPC arguments to
// JSON and posts them to the peer's HTTP endpoint, attaching an
// X-Request-Id header that is also logged here on transport failure. The
// inbound handlers in transport_http.go do not read or log the header.
type HTTPRaftClient struct {
	peers      map[uint32]string // peer id -> "host:port"
	httpClient *http.Client
}

func NewHTTPRaftClient(peers map[uint32]string, timeout time.Duration) *HTTPRaftClient {
	return &HTTPRaftClient{
		peers: peers,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *HTTPRaftClient) post(peerID uint32, path string, body interface{}, out interface{}) error {
	addr, ok := c.peers[peerID]
	if !ok {
		return fmt.Errorf("raft: unknown peer id %d", peerID)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("raft: cannot marshal request to %s: %w", path, err)
	}

	url := fmt.Sprintf("http://%s%s", addr, path)
	requestID := uuid.NewString()

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBuffer(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", requestID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.WithFields(log.Fields{"peer": peerID, "path": path, "request_id": requestID}).
			WithError(err).Debug("raft rpc transport failure")
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("raft: unexpected status %d from %s%s", resp.StatusCode, addr, path)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPRaftClient) sendRequestVote(peerID uint32, req *RequestVoteRequest) (*RequestVoteResponse, error) {
	var resp RequestVoteResponse
	if err := c.post(peerID, "/request_vote", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPRaftClient) sendAppendEntries(peerID uint32, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	var resp AppendEntriesResponse
	if err := c.post(peerID, "/append_entries", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPRaftClient) sendInstallSnapshot(peerID uint32, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
	var resp InstallSnapshotResponse
	if err := c.post(peerID, "/install_snapshot", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
