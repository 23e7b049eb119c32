package raft

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Persister is the opaque blob store backing component C5. It knows
// nothing about Raft semantics — it stores and retrieves two named
// blobs, raftstate and snapshot, and guarantees that a write of either
// is atomic: a crash mid-write leaves the prior blob in place, never a
// torn one (spec.md L7 / §4.5).
type Persister struct {
	mu sync.Mutex

	dir          string
	stateFile    string
	snapshotFile string

	stateBytes    []byte
	snapshotBytes []byte
}

func NewPersister(dataDir string) (*Persister, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("raft: cannot create data dir %s: %w", dataDir, err)
	}

	p := &Persister{
		dir:          dataDir,
		stateFile:    filepath.Join(dataDir, "raftstate.bin"),
		snapshotFile: filepath.Join(dataDir, "snapshot.bin"),
	}

	var err error
	p.stateBytes, err = readFileIfExists(p.stateFile)
	if err != nil {
		return nil, err
	}
	p.snapshotBytes, err = readFileIfExists(p.snapshotFile)
	if err != nil {
		return nil, err
	}

	return p, nil
}

func readFileIfExists(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("raft: cannot read %s: %w", path, err)
	}
	return data, nil
}

// writeAtomic writes data to path via a temp file in the same directory
// followed by a rename, so a crash never leaves a partially-written file.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("raft: cannot create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("raft: cannot write temp file for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("raft: cannot sync temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("raft: cannot close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("raft: cannot rename temp file into %s: %w", path, err)
	}
	return nil
}

// SaveState persists raftstate alone — the common case, used whenever
// currentTerm, votedFor, or the log changes but no new snapshot exists.
func (p *Persister) SaveState(stateBytes []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := writeAtomic(p.stateFile, stateBytes); err != nil {
		return err
	}
	p.stateBytes = append([]byte(nil), stateBytes...)
	return nil
}

// SaveStateAndSnapshot persists both blobs together, used on snapshot
// transitions (local Snapshot() and remote CondInstallSnapshot()).
// Snapshot is written first: if the process crashes between the two
// writes, recovery sees the new snapshot with the old raftstate, which
// still satisfies L3 (the old log's sentinel boundary is <= the new
// snapshot index) — the reverse order would not.
func (p *Persister) SaveStateAndSnapshot(stateBytes, snapshotBytes []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := writeAtomic(p.snapshotFile, snapshotBytes); err != nil {
		return err
	}
	if err := writeAtomic(p.stateFile, stateBytes); err != nil {
		return err
	}
	p.snapshotBytes = append([]byte(nil), snapshotBytes...)
	p.stateBytes = append([]byte(nil), stateBytes...)
	return nil
}

func (p *Persister) ReadState() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.stateBytes...)
}

func (p *Persister) ReadSnapshot() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.snapshotBytes...)
}

func (p *Persister) StateSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.stateBytes)
}

func (p *Persister) SnapshotSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.snapshotBytes)
}
