package raft

import (
	"encoding/binary"
	"fmt"
)

// persistentSnapshot is the sentinel/voting/term data the caller must
// persist together with the log (spec.md §3, §4.5). It mirrors exactly
// the fields that survive a crash.
type persistentSnapshot struct {
	currentTerm              uint32
	votedFor                 uint32 // 0 == NONE; peer ids start at 1
	lastSnapshotIncludeIndex uint32
	lastSnapshotIncludeTerm  uint32
	log                      []logEntry // includes the sentinel at [0]
}

// encodePersistentState lays the raftstate blob out as a fixed 20-byte
// header followed by one (term, index, commandLen, command) record per
// log entry, all fields big-endian — the same byte layout
// Konstantsiy-casual-raft/raft-server/state.go uses, generalized to also
// carry the snapshot boundary.
func encodePersistentState(s persistentSnapshot) []byte {
	buf := make([]byte, 20)
	binary.BigEndian.PutUint32(buf[0:4], s.currentTerm)
	binary.BigEndian.PutUint32(buf[4:8], s.votedFor)
	binary.BigEndian.PutUint32(buf[8:12], s.lastSnapshotIncludeIndex)
	binary.BigEndian.PutUint32(buf[12:16], s.lastSnapshotIncludeTerm)
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(s.log)))

	for _, e := range s.log {
		var entryHeader [12]byte
		binary.BigEndian.PutUint32(entryHeader[0:4], e.Term)
		binary.BigEndian.PutUint32(entryHeader[4:8], e.Index)
		binary.BigEndian.PutUint32(entryHeader[8:12], uint32(len(e.Command)))
		buf = append(buf, entryHeader[:]...)
		buf = append(buf, e.Command...)
	}

	return buf
}

func decodePersistentState(data []byte) (persistentSnapshot, error) {
	var s persistentSnapshot

	if len(data) < 20 {
		return s, fmt.Errorf("raft: persisted state header too short: %d bytes", len(data))
	}

	s.currentTerm = binary.BigEndian.Uint32(data[0:4])
	s.votedFor = binary.BigEndian.Uint32(data[4:8])
	s.lastSnapshotIncludeIndex = binary.BigEndian.Uint32(data[8:12])
	s.lastSnapshotIncludeTerm = binary.BigEndian.Uint32(data[12:16])
	logLen := binary.BigEndian.Uint32(data[16:20])

	offset := 20
	s.log = make([]logEntry, 0, logLen)
	for i := uint32(0); i < logLen; i++ {
		if offset+12 > len(data) {
			return s, fmt.Errorf("raft: truncated log entry header at record %d", i)
		}
		term := binary.BigEndian.Uint32(data[offset : offset+4])
		index := binary.BigEndian.Uint32(data[offset+4 : offset+8])
		cmdLen := binary.BigEndian.Uint32(data[offset+8 : offset+12])
		offset += 12

		if offset+int(cmdLen) > len(data) {
			return s, fmt.Errorf("raft: truncated log entry command at record %d", i)
		}
		var cmd []byte
		if cmdLen > 0 {
			cmd = append([]byte(nil), data[offset:offset+int(cmdLen)]...)
		}
		offset += int(cmdLen)

		s.log = append(s.log, logEntry{Term: term, Index: index, Command: cmd})
	}

	return s, nil
}
