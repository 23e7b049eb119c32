package raft

import (
	"encoding/json"
	"io"
	"net/http"

	log "github.com/sirupsen/logrus"
)

// HTTPTransport is the thin inbound glue of component C6: it decodes a
// request body, delegates straight to the Node's Handle* method, and
// encodes the reply. It never mutates Raft state itself; /health only
// reads term, role and commitIndex.
type HTTPTransport struct {
	node *Node
	// commandFn is wired by cmd/raftnode: it receives the raw client
	// request body, decodes it into an upper-layer command, encodes that
	// into the opaque envelope Node.Start expects, and submits it. This
	// package never parses command semantics itself (spec.md's command
	// envelope is opaque bytes at the consensus layer).
	commandFn func(body []byte) error
}

func NewHTTPTransport(node *Node, commandFn func(cmd []byte) error) *HTTPTransport {
	return &HTTPTransport{node: node, commandFn: commandFn}
}

func (t *HTTPTransport) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/request_vote", t.handleRequestVote)
	mux.HandleFunc("/append_entries", t.handleAppendEntries)
	mux.HandleFunc("/install_snapshot", t.handleInstallSnapshot)
	mux.HandleFunc("/command", t.handleCommand)
	mux.HandleFunc("/health", t.handleHealth)
}

func (t *HTTPTransport) handleRequestVote(w http.ResponseWriter, r *http.Request) {
	var req RequestVoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, t.node.HandleRequestVote(&req))
}

func (t *HTTPTransport) handleAppendEntries(w http.ResponseWriter, r *http.Request) {
	var req AppendEntriesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, t.node.HandleAppendEntries(&req))
}

func (t *HTTPTransport) handleInstallSnapshot(w http.ResponseWriter, r *http.Request) {
	var req InstallSnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, t.node.HandleInstallSnapshot(&req))
}

func (t *HTTPTransport) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := t.commandFn(body); err != nil {
		log.WithError(err).Debug("rejected client command")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type healthResponse struct {
	Term        int    `json:"term"`
	IsLeader    bool   `json:"isLeader"`
	CommitIndex uint32 `json:"commitIndex"`
}

func (t *HTTPTransport) handleHealth(w http.ResponseWriter, r *http.Request) {
	term, isLeader := t.node.GetState()
	t.node.mx.Lock()
	commitIndex := t.node.commitIndex
	t.node.mx.Unlock()

	writeJSON(w, healthResponse{Term: term, IsLeader: isLeader, CommitIndex: commitIndex})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
