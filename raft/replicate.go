package raft

import "sort"

// heartbeatLoop drives component C3 while this node remains leader: on
// every tick it fans AppendEntries/InstallSnapshot out to each peer. It
// exits as soon as the node is no longer leader (spec.md §4.3).
func (n *Node) heartbeatLoop() {
	n.mx.Lock()
	ticker := n.heartbeatTicker
	n.mx.Unlock()
	if ticker == nil {
		return
	}

	for {
		select {
		case <-n.shutdownCh:
			return
		case <-ticker.C:
			n.mx.Lock()
			stillLeader := n.role == Leader
			n.mx.Unlock()
			if !stillLeader {
				return
			}
			n.broadcastAppendEntries()
		}
	}
}

func (n *Node) broadcastAppendEntries() {
	n.mx.Lock()
	if n.role != Leader {
		n.mx.Unlock()
		return
	}
	peers := n.peers
	n.mx.Unlock()

	for _, peer := range peers {
		if peer == n.ID {
			continue
		}
		go n.replicateToPeer(peer)
	}
}

// replicateToPeer sends exactly one replication RPC to peer: a snapshot
// if the peer has fallen behind the local snapshot boundary, otherwise
// AppendEntries carrying whatever the peer is missing (possibly empty,
// i.e. a heartbeat). Args are built under the lock, the RPC itself runs
// without it, and the reply is applied back under the lock after
// re-checking the term/role invariance (spec.md §4.3, §5).
func (n *Node) replicateToPeer(peer uint32) {
	n.mx.Lock()
	if n.role != Leader {
		n.mx.Unlock()
		return
	}

	nextIdx := n.leaderState.nextIndex[peer]
	if nextIdx <= n.log[0].Index {
		n.sendSnapshotToPeer(peer)
		return
	}

	prevLogIndex := nextIdx - 1
	prevLogTerm, _ := n.termAtIndex(prevLogIndex)
	entries := n.entriesFrom(nextIdx)
	term := n.currentTerm

	req := &AppendEntriesRequest{
		Term:         term,
		LeaderID:     n.ID,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  prevLogTerm,
		Entries:      entries,
		LeaderCommit: n.commitIndex,
	}
	n.mx.Unlock()

	resp, err := n.client.sendAppendEntries(peer, req)
	if err != nil {
		n.logger.WithError(err).WithField("peer", peer).Debug("AppendEntries RPC failed")
		return
	}

	n.mx.Lock()
	defer n.mx.Unlock()

	if n.role != Leader || n.currentTerm != term {
		return // stepped down or moved on since we sent this
	}

	if resp.Term > n.currentTerm {
		n.stepDownLocked(resp.Term)
		return
	}

	if resp.Success {
		matchIdx := prevLogIndex + uint32(len(entries))
		if matchIdx > n.leaderState.matchIndex[peer] {
			n.leaderState.matchIndex[peer] = matchIdx
		}
		n.leaderState.nextIndex[peer] = n.leaderState.matchIndex[peer] + 1
		n.updateCommitIndexLocked()
		return
	}

	n.applyConflictHintLocked(peer, resp)
}

// applyConflictHintLocked backs nextIndex[peer] up using the fast-backoff
// hint from a failed AppendEntries: if the leader has any entry in
// conflictTerm, skip to just past its last one; otherwise jump straight
// to conflictIndex. Caller must hold mx.
func (n *Node) applyConflictHintLocked(peer uint32, resp *AppendEntriesResponse) {
	var next uint32
	if resp.ConflictTerm != 0 {
		if lastIdx, ok := n.lastIndexOfTerm(resp.ConflictTerm); ok {
			next = lastIdx + 1
		} else {
			next = resp.ConflictIndex
		}
	} else {
		next = resp.ConflictIndex
	}
	if next < 1 {
		next = 1
	}
	n.leaderState.nextIndex[peer] = next
}

// sendSnapshotToPeer must be called with mx held; it unlocks for the RPC,
// re-locks only to apply the reply, and always returns with mx released.
func (n *Node) sendSnapshotToPeer(peer uint32) {
	req := &InstallSnapshotRequest{
		Term:              n.currentTerm,
		LeaderID:          n.ID,
		LastIncludedIndex: n.log[0].Index,
		LastIncludedTerm:  n.log[0].Term,
		Data:              n.persister.ReadSnapshot(),
	}
	term := n.currentTerm
	n.mx.Unlock()

	resp, err := n.client.sendInstallSnapshot(peer, req)
	if err != nil {
		n.logger.WithError(err).WithField("peer", peer).Debug("InstallSnapshot RPC failed")
		return
	}

	n.mx.Lock()
	defer n.mx.Unlock()

	if n.role != Leader || n.currentTerm != term {
		return
	}
	if resp.Term > n.currentTerm {
		n.stepDownLocked(resp.Term)
		return
	}

	if req.LastIncludedIndex > n.leaderState.matchIndex[peer] {
		n.leaderState.matchIndex[peer] = req.LastIncludedIndex
	}
	n.leaderState.nextIndex[peer] = req.LastIncludedIndex + 1
	n.updateCommitIndexLocked()
}

// updateCommitIndexLocked implements the median rule of spec.md §4.3: the
// element at position ⌊(N-1)/2⌋ of the ascending sort of {matchIndex[p]} ∪
// {lastLogIndex(self)} is held by ⌊N/2⌋+1 nodes, so it is the highest
// index replicated on a majority; it is advanced into commitIndex only
// if it belongs to the current term (the Figure 8 safety constraint).
// Caller must hold mx.
func (n *Node) updateCommitIndexLocked() {
	if n.role != Leader {
		return
	}

	matchIndices := make([]uint32, 0, len(n.peers))
	for _, peer := range n.peers {
		if peer == n.ID {
			matchIndices = append(matchIndices, n.lastLogIndex())
		} else {
			matchIndices = append(matchIndices, n.leaderState.matchIndex[peer])
		}
	}
	sort.Slice(matchIndices, func(i, j int) bool { return matchIndices[i] < matchIndices[j] })
	median := matchIndices[(len(matchIndices)-1)/2]

	if median <= n.commitIndex {
		return
	}
	if term, ok := n.termAtIndex(median); ok && term == n.currentTerm {
		n.commitIndex = median
		n.signalCommitAdvanced()
	}
}

// HandleAppendEntries implements the follower policy of spec.md §4.3.
func (n *Node) HandleAppendEntries(req *AppendEntriesRequest) *AppendEntriesResponse {
	n.mx.Lock()
	defer n.mx.Unlock()

	resp := &AppendEntriesResponse{Term: n.currentTerm, AppState: AppNormal}

	if req.Term < n.currentTerm {
		return resp
	}

	n.resetElectionTimerLocked()
	if req.Term > n.currentTerm {
		n.stepDownLocked(req.Term)
	} else if n.role == Candidate {
		n.role = Follower
	}
	resp.Term = n.currentTerm

	if req.PrevLogIndex < n.log[0].Index {
		// the leader's prevLogIndex is already inside our snapshot; point it
		// just past our snapshot boundary
		resp.ConflictTerm = 0
		resp.ConflictIndex = n.log[0].Index + 1
		return resp
	}

	if req.PrevLogIndex > n.lastLogIndex() {
		resp.ConflictTerm = 0
		resp.ConflictIndex = n.lastLogIndex() + 1
		return resp
	}

	prevTerm, _ := n.termAtIndex(req.PrevLogIndex)
	if prevTerm != req.PrevLogTerm {
		resp.ConflictTerm = prevTerm
		if idx, found := n.firstIndexOfTerm(prevTerm); found {
			resp.ConflictIndex = idx
		} else {
			resp.ConflictIndex = req.PrevLogIndex
		}
		return resp
	}

	n.appendNewEntries(req.Entries)
	if len(req.Entries) > 0 {
		if err := n.persistLocked(); err != nil {
			n.logger.WithError(err).Fatal("raft: persistence failure, aborting")
		}
	}

	if req.LeaderCommit > n.commitIndex {
		lastNewIndex := req.PrevLogIndex + uint32(len(req.Entries))
		if req.LeaderCommit < lastNewIndex {
			n.commitIndex = req.LeaderCommit
		} else {
			n.commitIndex = lastNewIndex
		}
		n.signalCommitAdvanced()
	}

	resp.Success = true
	return resp
}

// HandleInstallSnapshot implements spec.md §4.1/§4.3's InstallSnapshot
// side: it never mutates the log directly. It only queues the snapshot
// for delivery via the apply channel; the upper layer adopts it (or not)
// through CondInstallSnapshot.
func (n *Node) HandleInstallSnapshot(req *InstallSnapshotRequest) *InstallSnapshotResponse {
	n.mx.Lock()
	defer n.mx.Unlock()

	resp := &InstallSnapshotResponse{Term: n.currentTerm}

	if req.Term < n.currentTerm {
		return resp
	}

	n.resetElectionTimerLocked()
	if req.Term > n.currentTerm {
		n.stepDownLocked(req.Term)
	} else if n.role == Candidate {
		n.role = Follower
	}
	resp.Term = n.currentTerm

	if req.LastIncludedIndex <= n.commitIndex {
		return resp // stale, we've already committed past this point
	}

	n.queueSnapshotDelivery(ApplyMsg{
		SnapshotValid: true,
		Snapshot:      req.Data,
		SnapshotIndex: req.LastIncludedIndex,
		SnapshotTerm:  req.LastIncludedTerm,
	})

	return resp
}
