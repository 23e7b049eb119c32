// Package statemachine implements the upper-layer key-value store applied
// on top of the raft package's committed log. It has no knowledge of
// consensus: it only ever sees opaque command bytes handed to it in
// commit order by cmd/raftnode's apply-channel consumer.
package statemachine

import (
	"fmt"
	"sync"
)

// StateMachine is the contract the node's apply-channel consumer drives.
type StateMachine interface {
	Apply(cmd []byte) ([]byte, error)
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}

// KV is a single-key-space, in-memory store guarded by its own mutex. It
// is generalized from the teacher's sync.Map-backed stateMachine since a
// consistent point-in-time Snapshot dump needs a lock a sync.Map can't
// give us.
type KV struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewKV() *KV {
	return &KV{data: make(map[string]string)}
}

// Apply decodes and executes one command, returning the GET result (nil
// for PUT/APPEND).
func (sm *KV) Apply(msg []byte) ([]byte, error) {
	cmd, err := sm.decodeCmd(msg)
	if err != nil {
		return nil, err
	}

	switch cmd.kind {
	case cmdPut:
		sm.mu.Lock()
		sm.data[cmd.key] = cmd.value
		sm.mu.Unlock()

	case cmdAppend:
		sm.mu.Lock()
		sm.data[cmd.key] += cmd.value
		sm.mu.Unlock()

	case cmdGet:
		sm.mu.RLock()
		value, ok := sm.data[cmd.key]
		sm.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("key not found: %s", cmd.key)
		}
		return []byte(value), nil
	}

	return nil, nil
}

// Snapshot serializes the entire key space: a 4-byte entry count
// followed by length-prefixed key/value pairs.
func (sm *KV) Snapshot() ([]byte, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	buf := make([]byte, 4)
	putUint32(buf, uint32(len(sm.data)))

	for k, v := range sm.data {
		buf = appendLenPrefixed(buf, k)
		buf = appendLenPrefixed(buf, v)
	}
	return buf, nil
}

// Restore replaces the key space wholesale from a Snapshot blob. Used by
// CondInstallSnapshot delivery and by node startup recovery when the
// persister already holds a snapshot.
func (sm *KV) Restore(data []byte) error {
	if len(data) == 0 {
		sm.mu.Lock()
		sm.data = make(map[string]string)
		sm.mu.Unlock()
		return nil
	}

	if len(data) < 4 {
		return fmt.Errorf("snapshot too short: %d bytes", len(data))
	}
	count := getUint32(data[0:4])
	offset := 4

	next := make(map[string]string, count)
	for i := uint32(0); i < count; i++ {
		key, n, err := readLenPrefixed(data, offset)
		if err != nil {
			return fmt.Errorf("snapshot entry %d: %w", i, err)
		}
		offset = n

		value, n, err := readLenPrefixed(data, offset)
		if err != nil {
			return fmt.Errorf("snapshot entry %d: %w", i, err)
		}
		offset = n

		next[key] = value
	}

	sm.mu.Lock()
	sm.data = next
	sm.mu.Unlock()
	return nil
}
