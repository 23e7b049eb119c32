package raft

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// electionPollInterval is how often electionLoop checks whether the
// election deadline has elapsed. It must stay well below
// electionTimeoutMin so the poll granularity never masks a real timeout.
const electionPollInterval = 10 * time.Millisecond

// electionLoop is component C2. Rather than blocking on a single shared
// *time.Timer — which would leave this goroutine parked on a dead channel
// the instant some other goroutine's resetElectionTimerLocked swapped the
// timer out from under it — it polls lastResetElectionTime/electionTimeout,
// both of which any goroutine holding mx can update in place. On expiry it
// either does nothing (leaders don't hold elections — just reschedule) or
// starts a new election (spec.md §4.2).
func (n *Node) electionLoop() {
	ticker := time.NewTicker(electionPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.shutdownCh:
			return
		case <-ticker.C:
		}

		n.mx.Lock()
		if n.role == Leader {
			n.mx.Unlock()
			continue
		}
		elapsed := time.Since(n.lastResetElectionTime)
		timedOut := elapsed >= n.electionTimeout
		n.mx.Unlock()

		if timedOut {
			n.startElection()
		}
	}
}

// startElection runs the candidate protocol: become Candidate, bump the
// term, vote for self, persist, then fan RequestVote out to every peer
// in parallel. Votes are aggregated against the term this election
// started at; a reply for any other term is stale and ignored.
func (n *Node) startElection() {
	n.mx.Lock()
	n.role = Candidate
	n.currentTerm++
	termAtStart := n.currentTerm
	n.votedFor = n.ID

	if err := n.persistLocked(); err != nil {
		n.logger.WithError(err).Fatal("raft: persistence failure, aborting")
	}

	lastLogIndex := n.lastLogIndex()
	lastLogTerm := n.lastLogTerm()
	n.resetElectionTimerLocked()
	n.mx.Unlock()

	n.logger.WithField("term", termAtStart).Info("became candidate, requesting votes")

	grantedVotes := 1 // self-vote; mutated only while holding n.mx below
	majority := len(n.peers)/2 + 1

	for _, peerID := range n.peers {
		if peerID == n.ID {
			continue
		}

		go func(peer uint32) {
			req := &RequestVoteRequest{
				Term:         termAtStart,
				CandidateID:  n.ID,
				LastLogIndex: lastLogIndex,
				LastLogTerm:  lastLogTerm,
			}

			resp, err := n.client.sendRequestVote(peer, req)
			if err != nil {
				n.logger.WithError(err).WithField("peer", peer).Debug("RequestVote RPC failed")
				return
			}

			n.mx.Lock()
			defer n.mx.Unlock()

			if resp.Term > n.currentTerm {
				n.stepDownLocked(resp.Term)
				return
			}
			if n.role != Candidate || n.currentTerm != termAtStart {
				return // stale: either stepped down or moved to a later term
			}
			if !resp.VoteGranted {
				return
			}

			grantedVotes++
			if grantedVotes >= majority {
				n.becomeLeaderLocked()
			}
		}(peerID)
	}
}

// becomeLeaderLocked promotes a still-Candidate node to Leader, resets
// leader-only volatile state, and kicks off the heartbeat loop. Caller
// must hold mx. A leader never appends a no-op on election in this
// design (spec.md §4.1) — commit of older-term entries waits until a
// current-term entry replicates.
func (n *Node) becomeLeaderLocked() {
	if n.role != Candidate {
		return
	}
	n.role = Leader

	last := n.lastLogIndex()
	for _, peer := range n.peers {
		if peer == n.ID {
			continue
		}
		n.leaderState.nextIndex[peer] = last + 1
		n.leaderState.matchIndex[peer] = 0
	}
	n.leaderState.matchIndex[n.ID] = last

	n.heartbeatTicker = time.NewTicker(n.cfg.heartbeatInterval())

	n.logger.WithField("term", n.currentTerm).Info("became leader")

	go n.heartbeatLoop()
	go n.broadcastAppendEntries()
}

// HandleRequestVote implements the vote-granting policy of spec.md §4.2.
func (n *Node) HandleRequestVote(req *RequestVoteRequest) *RequestVoteResponse {
	n.mx.Lock()
	defer n.mx.Unlock()

	resp := &RequestVoteResponse{Term: n.currentTerm, VoteState: VoteNormal}

	if req.Term < n.currentTerm {
		resp.VoteState = VoteExpired
		return resp
	}

	if req.Term > n.currentTerm {
		n.stepDownLocked(req.Term)
		resp.Term = n.currentTerm
	}

	if n.votedFor != 0 && n.votedFor != req.CandidateID {
		resp.VoteState = VoteVoted
		return resp
	}

	lastLogIndex := n.lastLogIndex()
	lastLogTerm := n.lastLogTerm()
	upToDate := req.LastLogTerm > lastLogTerm ||
		(req.LastLogTerm == lastLogTerm && req.LastLogIndex >= lastLogIndex)
	if !upToDate {
		return resp
	}

	n.votedFor = req.CandidateID
	if err := n.persistLocked(); err != nil {
		n.logger.WithError(err).Fatal("raft: persistence failure, aborting")
	}
	n.resetElectionTimerLocked()

	resp.VoteGranted = true
	resp.VoteState = VoteVoted

	n.logger.WithFields(log.Fields{"candidate": req.CandidateID, "term": req.Term}).Info("granted vote")
	return resp
}
