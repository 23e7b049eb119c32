package raft

import log "github.com/sirupsen/logrus"

// Snapshot is called by the upper layer once it has durably captured
// everything up to and including index. It truncates the local log so
// the sentinel becomes (term_of(index), index) and persists state+blob
// together (spec.md §4.1).
func (n *Node) Snapshot(index int, blob []byte) {
	n.mx.Lock()
	defer n.mx.Unlock()

	global := uint32(index)
	if global <= n.log[0].Index {
		return // already covered by a newer or equal snapshot
	}

	term, ok := n.termAtIndex(global)
	if !ok {
		// spec.md §7: the leader never asks to snapshot past its own log;
		// if the upper layer does, that is a caller bug.
		panic("raft: Snapshot called with an index beyond the local log")
	}

	localIdx := n.localIndex(global)
	remaining := make([]logEntry, len(n.log)-localIdx)
	copy(remaining, n.log[localIdx:])
	remaining[0] = newSentinel(term, global)
	n.log = remaining

	data := encodePersistentState(persistentSnapshot{
		currentTerm:              n.currentTerm,
		votedFor:                 n.votedFor,
		lastSnapshotIncludeIndex: n.log[0].Index,
		lastSnapshotIncludeTerm:  n.log[0].Term,
		log:                      n.log,
	})

	if err := n.persister.SaveStateAndSnapshot(data, blob); err != nil {
		n.logger.WithError(err).Fatal("raft: persistence failure during snapshot, aborting")
	}

	n.logger.WithField("index", global).Info("compacted log into snapshot")
}

// CondInstallSnapshot is offered to the upper layer so it can decide,
// after receiving a snapshot via the apply channel, whether to actually
// adopt it (spec.md §4.1). It accepts only if the snapshot is ahead of
// what we've already committed; on acceptance it discards any log
// prefix through lastIndex, discarding the whole log if nothing there
// matches (lastTerm, lastIndex).
func (n *Node) CondInstallSnapshot(lastTerm, lastIndex int, blob []byte) bool {
	n.mx.Lock()
	defer n.mx.Unlock()

	global := uint32(lastIndex)
	if global <= n.commitIndex {
		return false
	}

	term, ok := n.termAtIndex(global)
	if ok && term == uint32(lastTerm) {
		localIdx := n.localIndex(global)
		remaining := make([]logEntry, len(n.log)-localIdx)
		copy(remaining, n.log[localIdx:])
		remaining[0] = newSentinel(term, global)
		n.log = remaining
	} else {
		n.log = []logEntry{newSentinel(uint32(lastTerm), global)}
	}

	n.commitIndex = global
	n.lastApplied = global

	data := encodePersistentState(persistentSnapshot{
		currentTerm:              n.currentTerm,
		votedFor:                 n.votedFor,
		lastSnapshotIncludeIndex: n.log[0].Index,
		lastSnapshotIncludeTerm:  n.log[0].Term,
		log:                      n.log,
	})
	if err := n.persister.SaveStateAndSnapshot(data, blob); err != nil {
		n.logger.WithError(err).Fatal("raft: persistence failure during snapshot install, aborting")
	}

	n.logger.WithFields(log.Fields{"index": global, "term": lastTerm}).Info("installed remote snapshot")
	return true
}
