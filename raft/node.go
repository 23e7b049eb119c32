package raft

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Role is where a node sits in the state-machine summary of spec.md §4.6.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// RaftClient is the outbound transport contract. Node never knows how a
// call reaches a peer — HTTP today, anything tomorrow — only that it
// returns a reply or an error (spec.md §7: transport failure surfaces as
// an error, never a panic).
type RaftClient interface {
	sendRequestVote(peerID uint32, req *RequestVoteRequest) (*RequestVoteResponse, error)
	sendAppendEntries(peerID uint32, req *AppendEntriesRequest) (*AppendEntriesResponse, error)
	sendInstallSnapshot(peerID uint32, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error)
}

// leaderState is the data a leader tracks about what each follower has
// replicated; reinitialized on every election (spec.md §3).
type leaderState struct {
	nextIndex  map[uint32]uint32
	matchIndex map[uint32]uint32
}

// Node owns every field in spec.md §3 and is the sole mutator of Raft
// state (component C1). All inspection and mutation happens under mx;
// outbound RPCs are built under the lock, sent without it, and their
// replies are applied back under the lock (spec.md §5).
type Node struct {
	ID    uint32
	peers []uint32 // includes ID

	mx        sync.Mutex
	applyCond *sync.Cond

	persister *Persister
	client    RaftClient
	applyCh   chan ApplyMsg
	cfg       TimingConfig
	logger    *log.Entry

	// persistent state
	currentTerm uint32
	votedFor    uint32
	log         []logEntry // log[0] is the snapshot sentinel

	// volatile state, all nodes
	commitIndex uint32
	lastApplied uint32
	role        Role

	lastResetElectionTime  time.Time
	electionTimeout        time.Duration
	lastResetHeartbeatTime time.Time

	// volatile, leader only
	leaderState leaderState

	heartbeatTicker *time.Ticker

	// pendingSnapshot is queued by the InstallSnapshot handler and
	// drained by the apply pump ahead of any ordinary committed entry,
	// so the single applyCh writer invariant holds (spec.md §4.4).
	pendingSnapshot *ApplyMsg

	stopped      bool
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// NewNode creates a node, rehydrating persisted state if any exists, and
// starts no goroutines yet — call Run to do that (spec.md §3 Lifecycle).
func NewNode(id uint32, peers []uint32, dataDir string, client RaftClient, applyCh chan ApplyMsg, cfg TimingConfig) (*Node, error) {
	persister, err := NewPersister(dataDir)
	if err != nil {
		return nil, err
	}

	n := &Node{
		ID:        id,
		peers:     peers,
		persister: persister,
		client:    client,
		applyCh:   applyCh,
		cfg:       cfg,
		role:      Follower,
		log:       []logEntry{newSentinel(0, 0)},
		leaderState: leaderState{
			nextIndex:  make(map[uint32]uint32),
			matchIndex: make(map[uint32]uint32),
		},
		shutdownCh: make(chan struct{}),
	}
	n.applyCond = sync.NewCond(&n.mx)
	n.logger = log.WithField("node", id)

	if err := n.restore(); err != nil {
		return nil, fmt.Errorf("raft: cannot restore persisted state: %w", err)
	}

	return n, nil
}

// Run starts the election loop and the apply pump described in spec.md §4
// and §5; the heartbeat loop is started by becomeLeaderLocked each time
// this node wins an election. It returns immediately; loops run in
// background goroutines until Shutdown.
func (n *Node) Run() {
	n.mx.Lock()
	n.resetElectionTimerLocked()
	n.mx.Unlock()

	go n.electionLoop()
	go n.applyLoop()
}

func (n *Node) Shutdown() {
	n.shutdownOnce.Do(func() {
		close(n.shutdownCh)
		n.mx.Lock()
		n.stopped = true
		if n.heartbeatTicker != nil {
			n.heartbeatTicker.Stop()
		}
		n.mx.Unlock()
		n.applyCond.Broadcast()
	})
}

// LastSnapshot returns the most recently persisted snapshot blob, or nil
// if none exists yet. Used by cmd/raftnode at startup to rehydrate the
// upper-layer state machine before Run begins delivering applyCh traffic.
func (n *Node) LastSnapshot() []byte {
	return n.persister.ReadSnapshot()
}

// GetState returns (currentTerm, isLeader) — a snapshot of observable
// identity (spec.md §4.1).
func (n *Node) GetState() (int, bool) {
	n.mx.Lock()
	defer n.mx.Unlock()
	return int(n.currentTerm), n.role == Leader
}

// Start appends a new command if this node is the leader. It does not
// wait for the entry to commit (spec.md §4.1).
func (n *Node) Start(command []byte) (index int, term int, isLeader bool) {
	n.mx.Lock()
	defer n.mx.Unlock()

	if n.role != Leader {
		return -1, int(n.currentTerm), false
	}

	newIndex := n.lastLogIndex() + 1
	entry := logEntry{Term: n.currentTerm, Index: newIndex, Command: command}
	n.log = append(n.log, entry)

	if err := n.persistLocked(); err != nil {
		n.logger.WithError(err).Fatal("raft: persistence failure, aborting")
	}

	n.logger.WithFields(log.Fields{"index": newIndex, "term": n.currentTerm}).Debug("appended new entry")
	return int(newIndex), int(n.currentTerm), true
}

// stepDownLocked handles "any path receiving a term T > currentTerm"
// (spec.md §4.1): update term, clear vote, become Follower, persist,
// reset the election timer. Caller must hold mx.
func (n *Node) stepDownLocked(newTerm uint32) {
	wasLeader := n.role == Leader
	n.currentTerm = newTerm
	n.votedFor = 0
	n.role = Follower

	if err := n.persistLocked(); err != nil {
		n.logger.WithError(err).Fatal("raft: persistence failure, aborting")
	}
	n.resetElectionTimerLocked()

	if wasLeader && n.heartbeatTicker != nil {
		n.heartbeatTicker.Stop()
	}
}

// persistLocked writes currentTerm/votedFor/log (and the snapshot
// boundary embedded in log[0]) to the Persister. Caller must hold mx.
// A failure here is fatal: spec.md §7 treats persistence failure as
// unrecoverable because L7 (persist-before-reply) cannot be honored.
func (n *Node) persistLocked() error {
	data := encodePersistentState(persistentSnapshot{
		currentTerm:              n.currentTerm,
		votedFor:                 n.votedFor,
		lastSnapshotIncludeIndex: n.log[0].Index,
		lastSnapshotIncludeTerm:  n.log[0].Term,
		log:                      n.log,
	})
	return n.persister.SaveState(data)
}

func (n *Node) restore() error {
	data := n.persister.ReadState()
	if len(data) == 0 {
		return nil
	}

	s, err := decodePersistentState(data)
	if err != nil {
		return err
	}

	n.currentTerm = s.currentTerm
	n.votedFor = s.votedFor
	n.log = s.log
	n.commitIndex = s.lastSnapshotIncludeIndex
	n.lastApplied = s.lastSnapshotIncludeIndex
	return nil
}

// resetElectionTimerLocked rearms the election deadline. It never touches a
// shared *time.Timer: electionLoop is the only goroutine that ever blocks
// waiting for a timeout, so every other path (HandleAppendEntries,
// HandleInstallSnapshot, HandleRequestVote, stepDownLocked) just records a
// new deadline here and lets electionLoop's next poll notice it (grounded on
// bachmanity1-6.5840/src/raft/raft.go's ticker(), which checks
// time.Since(rf.lastSuccessRpc) against electionTimeout on a poll interval
// instead of resetting a timer shared across goroutines). Caller must hold mx.
func (n *Node) resetElectionTimerLocked() {
	n.electionTimeout = randomElectionTimeout(n.cfg)
	n.lastResetElectionTime = time.Now()
}

func randomElectionTimeout(cfg TimingConfig) time.Duration {
	span := cfg.electionTimeoutMax() - cfg.electionTimeoutMin()
	if span <= 0 {
		return cfg.electionTimeoutMin()
	}
	return cfg.electionTimeoutMin() + time.Duration(rand.Int63n(int64(span)))
}
