package raft

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandleRequestVote_RejectsStaleTerm(t *testing.T) {
	n := newTestNode(t, 1, []uint32{1, 2, 3})
	n.mx.Lock()
	n.currentTerm = 5
	n.mx.Unlock()

	resp := n.HandleRequestVote(&RequestVoteRequest{Term: 4, CandidateID: 2})
	require.False(t, resp.VoteGranted)
	require.Equal(t, VoteExpired, resp.VoteState)
	require.Equal(t, uint32(5), resp.Term)
}

func TestHandleRequestVote_GrantsWhenUpToDateAndUnvoted(t *testing.T) {
	n := newTestNode(t, 1, []uint32{1, 2, 3})
	resp := n.HandleRequestVote(&RequestVoteRequest{Term: 1, CandidateID: 2})
	require.True(t, resp.VoteGranted)

	n.mx.Lock()
	require.Equal(t, uint32(2), n.votedFor)
	n.mx.Unlock()
}

func TestHandleRequestVote_RefusesSecondVoteSameTerm(t *testing.T) {
	n := newTestNode(t, 1, []uint32{1, 2, 3})
	resp1 := n.HandleRequestVote(&RequestVoteRequest{Term: 1, CandidateID: 2})
	require.True(t, resp1.VoteGranted)

	resp2 := n.HandleRequestVote(&RequestVoteRequest{Term: 1, CandidateID: 3})
	require.False(t, resp2.VoteGranted)
	require.Equal(t, VoteVoted, resp2.VoteState)
}

func TestHandleRequestVote_RejectsOutOfDateCandidate(t *testing.T) {
	n := newTestNode(t, 1, []uint32{1, 2, 3})
	n.mx.Lock()
	n.currentTerm = 3
	n.log = append(n.log, logEntry{Term: 3, Index: 1, Command: []byte("x")})
	n.mx.Unlock()

	resp := n.HandleRequestVote(&RequestVoteRequest{Term: 3, CandidateID: 2, LastLogTerm: 1, LastLogIndex: 0})
	require.False(t, resp.VoteGranted)
}

func TestHandleRequestVote_HigherTermStepsDownAndGrants(t *testing.T) {
	n := newTestNode(t, 1, []uint32{1, 2, 3})
	n.mx.Lock()
	n.role = Leader
	n.currentTerm = 2
	n.votedFor = 1
	n.mx.Unlock()

	resp := n.HandleRequestVote(&RequestVoteRequest{Term: 5, CandidateID: 2})
	require.True(t, resp.VoteGranted)
	require.Equal(t, uint32(5), resp.Term)

	n.mx.Lock()
	require.Equal(t, Follower, n.role)
	n.mx.Unlock()
}

func TestBecomeLeaderLocked_NoopIfNoLongerCandidate(t *testing.T) {
	n := newTestNode(t, 1, []uint32{1, 2, 3})
	n.mx.Lock()
	n.role = Follower
	n.becomeLeaderLocked()
	require.Equal(t, Follower, n.role)
	n.mx.Unlock()
}

func TestBecomeLeaderLocked_InitializesLeaderState(t *testing.T) {
	n := newTestNode(t, 1, []uint32{1, 2, 3})
	n.mx.Lock()
	n.role = Candidate
	n.log = append(n.log, logEntry{Term: 1, Index: 1})
	n.becomeLeaderLocked()
	require.Equal(t, Leader, n.role)
	require.Equal(t, uint32(2), n.leaderState.nextIndex[2])
	require.Equal(t, uint32(0), n.leaderState.matchIndex[2])
	if n.heartbeatTicker != nil {
		n.heartbeatTicker.Stop()
	}
	n.mx.Unlock()
}
