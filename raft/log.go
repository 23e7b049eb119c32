package raft

// logEntry is one replicated command. Index and Term are the entry's
// global position; Command is an opaque byte string handed to the
// upper-layer state machine on apply.
type logEntry struct {
	Term    uint32
	Index   uint32
	Command []byte
}

// log[0] is always a sentinel carrying (lastSnapshotIncludeTerm,
// lastSnapshotIncludeIndex, nil) — it anchors the index-translation
// arithmetic below and is never delivered to the upper layer.
func newSentinel(term, index uint32) logEntry {
	return logEntry{Term: term, Index: index, Command: nil}
}

// localIndex maps a global log index to the position in n.log, or -1 if
// the index has already been compacted into the snapshot (other than the
// boundary itself, which lives at position 0).
func (n *Node) localIndex(global uint32) int {
	base := n.log[0].Index
	if global < base {
		return -1
	}
	idx := int(global - base)
	if idx >= len(n.log) {
		return -1
	}
	return idx
}

func (n *Node) lastLogIndex() uint32 {
	return n.log[len(n.log)-1].Index
}

func (n *Node) lastLogTerm() uint32 {
	return n.log[len(n.log)-1].Term
}

// termAtIndex returns the term of the entry at the given global index.
// ok is false if the index is not present locally (either beyond the end
// of the log, or compacted away below the snapshot boundary).
func (n *Node) termAtIndex(global uint32) (term uint32, ok bool) {
	i := n.localIndex(global)
	if i < 0 {
		return 0, false
	}
	return n.log[i].Term, true
}

// firstIndexOfTerm returns the lowest global index in the log carrying
// the given term, used to build the fast-backoff conflictIndex hint.
func (n *Node) firstIndexOfTerm(term uint32) (uint32, bool) {
	for _, e := range n.log {
		if e.Term == term {
			return e.Index, true
		}
	}
	return 0, false
}

// lastIndexOfTerm returns the highest global index in the log carrying
// the given term, used by the leader to fast-forward nextIndex past a
// whole conflicting term at once.
func (n *Node) lastIndexOfTerm(term uint32) (uint32, bool) {
	found := false
	var idx uint32
	for _, e := range n.log {
		if e.Term == term {
			found = true
			idx = e.Index
		}
	}
	return idx, found
}

// truncateFrom discards every entry at or after the given global index.
// The caller must hold n.mx and persist afterwards.
func (n *Node) truncateFrom(global uint32) {
	i := n.localIndex(global)
	if i < 0 {
		return
	}
	n.log = n.log[:i]
}

// entriesFrom returns a copy of every entry at or after the given global
// index, suitable for sending to a follower. Returns nil (a heartbeat)
// when the follower is already caught up. Panics if the leader does not
// hold the entry just before global (spec.md §7: a caller bug).
func (n *Node) entriesFrom(global uint32) []logEntry {
	if global <= n.log[0].Index || global > n.lastLogIndex()+1 {
		panic("raft: leader has no log entry before the requested index")
	}
	i := n.localIndex(global)
	if i < 0 || i >= len(n.log) {
		return nil
	}
	out := make([]logEntry, len(n.log)-i)
	copy(out, n.log[i:])
	return out
}

// appendNewEntries appends an incoming batch from the leader, assuming
// prevLogIndex consistency has already been checked by the caller. Any
// local entry conflicting on term is discarded along with everything
// after it (L4: log matching).
func (n *Node) appendNewEntries(entries []logEntry) {
	for _, incoming := range entries {
		i := n.localIndex(incoming.Index)
		switch {
		case i < 0 && int(incoming.Index-n.log[0].Index) == len(n.log):
			// first genuinely new entry
			n.log = append(n.log, incoming)
		case i < 0:
			// stale entry already covered by the snapshot; ignore
			continue
		case n.log[i].Term != incoming.Term:
			n.log = n.log[:i]
			n.log = append(n.log, incoming)
		default:
			// already present and matching, nothing to do
		}
	}
}
