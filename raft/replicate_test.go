package raft

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandleAppendEntries_RejectsStaleTerm(t *testing.T) {
	n := newTestNode(t, 1, []uint32{1, 2, 3})
	n.mx.Lock()
	n.currentTerm = 5
	n.mx.Unlock()

	resp := n.HandleAppendEntries(&AppendEntriesRequest{Term: 4, LeaderID: 2})
	require.False(t, resp.Success)
	require.Equal(t, uint32(5), resp.Term)
}

func TestHandleAppendEntries_AppendsAndAdvancesCommit(t *testing.T) {
	n := newTestNode(t, 1, []uint32{1, 2, 3})

	resp := n.HandleAppendEntries(&AppendEntriesRequest{
		Term:         1,
		LeaderID:     2,
		PrevLogIndex: 0,
		PrevLogTerm:  0,
		Entries: []logEntry{
			{Term: 1, Index: 1, Command: []byte("a")},
			{Term: 1, Index: 2, Command: []byte("b")},
		},
		LeaderCommit: 1,
	})
	require.True(t, resp.Success)

	n.mx.Lock()
	require.Len(t, n.log, 3) // sentinel + 2
	require.Equal(t, uint32(1), n.commitIndex)
	n.mx.Unlock()
}

func TestHandleAppendEntries_ConflictRepair(t *testing.T) {
	n := newTestNode(t, 1, []uint32{1, 2, 3})
	n.mx.Lock()
	n.currentTerm = 2
	n.log = append(n.log,
		logEntry{Term: 1, Index: 1, Command: []byte("stale-a")},
		logEntry{Term: 1, Index: 2, Command: []byte("stale-b")},
	)
	n.mx.Unlock()

	// leader's term-2 entry at index 2 conflicts with our term-1 entry
	resp := n.HandleAppendEntries(&AppendEntriesRequest{
		Term:         2,
		LeaderID:     2,
		PrevLogIndex: 1,
		PrevLogTerm:  1,
		Entries: []logEntry{
			{Term: 2, Index: 2, Command: []byte("fresh-b")},
		},
		LeaderCommit: 2,
	})
	require.True(t, resp.Success)

	n.mx.Lock()
	require.Len(t, n.log, 3)
	require.Equal(t, []byte("fresh-b"), n.log[2].Command)
	require.Equal(t, uint32(2), n.log[2].Term)
	n.mx.Unlock()
}

func TestHandleAppendEntries_ReturnsConflictHintOnTermMismatch(t *testing.T) {
	n := newTestNode(t, 1, []uint32{1, 2, 3})
	n.mx.Lock()
	n.currentTerm = 3
	n.log = append(n.log,
		logEntry{Term: 1, Index: 1, Command: []byte("a")},
		logEntry{Term: 2, Index: 2, Command: []byte("b")},
	)
	n.mx.Unlock()

	resp := n.HandleAppendEntries(&AppendEntriesRequest{
		Term:         3,
		LeaderID:     2,
		PrevLogIndex: 2,
		PrevLogTerm:  9, // does not match our term-2 entry at index 2
	})
	require.False(t, resp.Success)
	require.Equal(t, uint32(2), resp.ConflictTerm)
	require.Equal(t, uint32(2), resp.ConflictIndex)
}

func TestHandleAppendEntries_BeyondLogEndReturnsConflictIndex(t *testing.T) {
	n := newTestNode(t, 1, []uint32{1, 2, 3})

	resp := n.HandleAppendEntries(&AppendEntriesRequest{
		Term:         1,
		LeaderID:     2,
		PrevLogIndex: 5,
		PrevLogTerm:  1,
	})
	require.False(t, resp.Success)
	require.Equal(t, uint32(1), resp.ConflictIndex)
}

func TestApplyConflictHintLocked_JumpsPastWholeTerm(t *testing.T) {
	n := newTestNode(t, 1, []uint32{1, 2, 3})
	n.mx.Lock()
	n.role = Leader
	n.leaderState.nextIndex[2] = 10
	n.log = append(n.log,
		logEntry{Term: 1, Index: 1},
		logEntry{Term: 1, Index: 2},
		logEntry{Term: 2, Index: 3},
	)
	n.applyConflictHintLocked(2, &AppendEntriesResponse{ConflictTerm: 1, ConflictIndex: 1})
	require.Equal(t, uint32(3), n.leaderState.nextIndex[2])
	n.mx.Unlock()
}

func TestApplyConflictHintLocked_FallsBackToConflictIndex(t *testing.T) {
	n := newTestNode(t, 1, []uint32{1, 2, 3})
	n.mx.Lock()
	n.role = Leader
	n.applyConflictHintLocked(2, &AppendEntriesResponse{ConflictTerm: 99, ConflictIndex: 4})
	require.Equal(t, uint32(4), n.leaderState.nextIndex[2])
	n.mx.Unlock()
}

func TestUpdateCommitIndexLocked_RequiresCurrentTermEntry(t *testing.T) {
	n := newTestNode(t, 1, []uint32{1, 2, 3})
	n.mx.Lock()
	n.role = Leader
	n.currentTerm = 2
	n.log = append(n.log, logEntry{Term: 1, Index: 1, Command: []byte("old-term")})
	n.leaderState.matchIndex[2] = 1
	n.leaderState.matchIndex[3] = 1

	n.updateCommitIndexLocked()
	require.Equal(t, uint32(0), n.commitIndex, "must not commit an old-term entry solely via majority replication (Figure 8)")
	n.mx.Unlock()
}

func TestUpdateCommitIndexLocked_AdvancesOnCurrentTermMajority(t *testing.T) {
	n := newTestNode(t, 1, []uint32{1, 2, 3})
	n.mx.Lock()
	n.role = Leader
	n.currentTerm = 2
	n.log = append(n.log, logEntry{Term: 2, Index: 1, Command: []byte("new-term")})
	n.leaderState.matchIndex[2] = 1
	n.leaderState.matchIndex[3] = 0

	n.updateCommitIndexLocked()
	require.Equal(t, uint32(1), n.commitIndex)
	n.mx.Unlock()
}
