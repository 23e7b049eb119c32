package raft

// ApplyMsg is the FIFO delivery the upper layer consumes (spec.md §6).
// Exactly one of the two halves is valid per message.
type ApplyMsg struct {
	CommandValid bool
	Command      []byte
	CommandIndex uint32
	CommandTerm  uint32

	SnapshotValid bool
	Snapshot      []byte
	SnapshotIndex uint32
	SnapshotTerm  uint32
}

// applyLoop is component C4. It blocks until there is either a pending
// snapshot delivery or lastApplied < commitIndex, then drains exactly
// one message at a time onto applyCh in strict index order (L6). A full
// applyCh blocks this goroutine, which stalls lastApplied but never
// commitIndex or replication (spec.md §5 backpressure).
func (n *Node) applyLoop() {
	n.mx.Lock()
	defer n.mx.Unlock()

	for {
		for !n.stopped && n.pendingSnapshot == nil && n.lastApplied >= n.commitIndex {
			n.applyCond.Wait()
		}

		if n.stopped {
			return
		}

		if n.pendingSnapshot != nil {
			msg := *n.pendingSnapshot
			n.pendingSnapshot = nil
			n.mx.Unlock()
			n.deliver(msg)
			n.mx.Lock()
			continue
		}

		n.lastApplied++
		local := n.localIndex(n.lastApplied)
		if local <= 0 {
			// already compacted into a concurrent snapshot (position 0 is the
			// sentinel, which carries no command); nothing to deliver for it.
			continue
		}
		entry := n.log[local]
		msg := ApplyMsg{
			CommandValid: true,
			Command:      entry.Command,
			CommandIndex: entry.Index,
			CommandTerm:  entry.Term,
		}
		n.mx.Unlock()
		n.deliver(msg)
		n.mx.Lock()
	}
}

// deliver sends msg without holding mx, so a blocked consumer never
// stalls an unrelated RPC handler waiting on the lock.
func (n *Node) deliver(msg ApplyMsg) {
	select {
	case n.applyCh <- msg:
	case <-n.shutdownCh:
	}
}

// queueSnapshotDelivery hands a received snapshot to the apply pump.
// Caller must hold mx.
func (n *Node) queueSnapshotDelivery(msg ApplyMsg) {
	n.pendingSnapshot = &msg
	n.applyCond.Broadcast()
}

// signalCommitAdvanced wakes the apply pump after commitIndex moves
// forward. Caller must hold mx.
func (n *Node) signalCommitAdvanced() {
	n.applyCond.Broadcast()
}
