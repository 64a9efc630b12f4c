package raft

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var errSnapshotStoreNotOpen = errors.New("snapshot storage is not open")

// SnapshotMeta describes a snapshot of the state machine.
type SnapshotMeta struct {
	// A unique identifier for the snapshot.
	ID string

	// The LogID of the last entry applied to the state machine when the
	// snapshot was taken.
	LastLogID LogID
}

// Snapshot is a snapshot of the replicated state machine.
type Snapshot struct {
	// Metadata describing the snapshot.
	Meta SnapshotMeta

	// The serialized state of the state machine.
	Data []byte
}

// NewSnapshot creates a new Snapshot covering the log up to and
// including lastLogID, with the provided state machine data.
func NewSnapshot(lastLogID LogID, data []byte) *Snapshot {
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)
	return &Snapshot{
		Meta: SnapshotMeta{ID: uuid.NewString(), LastLogID: lastLogID},
		Data: dataCopy,
	}
}

// SnapshotStorage is the component that manages persistently storing
// snapshots of the state machine. Implementations must be safe for
// concurrent use. Within this package only the leader loop reads and
// saves snapshots; replication streams receive them through the leader.
type SnapshotStorage interface {
	PersistentStorage

	// LastSnapshot returns the most recently saved snapshot if it
	// exists and nil otherwise. An error is returned if the storage is
	// not open.
	LastSnapshot() (*Snapshot, error)

	// SaveSnapshot persists the provided snapshot.
	SaveSnapshot(snapshot *Snapshot) error

	// ListSnapshots returns the snapshots that have been persisted.
	// An error is returned if the storage is not open.
	ListSnapshots() ([]Snapshot, error)
}

// persistentSnapshotStorage is an implementation of the SnapshotStorage
// interface.
type persistentSnapshotStorage struct {
	// All snapshots that have been persisted. This array is empty
	// if no snapshots have been persisted or the storage has not
	// been opened.
	snapshots []Snapshot

	// The directory where snapshots are persisted.
	path string

	// The file that the snapshots are persisted to. This value is nil
	// if the storage has not been opened.
	file *os.File

	mu sync.RWMutex
}

// NewSnapshotStorage creates a new instance of SnapshotStorage at the
// provided path.
func NewSnapshotStorage(path string) SnapshotStorage {
	return &persistentSnapshotStorage{path: path}
}

func (p *persistentSnapshotStorage) Open() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.file != nil {
		return nil
	}

	fileName := filepath.Join(p.path, "snapshots.bin")
	file, err := os.OpenFile(fileName, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return errors.Wrap(err, "failed to open snapshot storage")
	}

	p.file = file
	p.snapshots = make([]Snapshot, 0)

	return nil
}

func (p *persistentSnapshotStorage) Replay() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.file == nil {
		return errSnapshotStoreNotOpen
	}

	reader := bufio.NewReader(p.file)

	for {
		snapshot, err := decodeSnapshot(reader)
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "failed while replaying snapshot storage")
		}
		p.snapshots = append(p.snapshots, snapshot)
	}

	return nil
}

func (p *persistentSnapshotStorage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.file == nil {
		return nil
	}

	if err := p.file.Close(); err != nil {
		return errors.Wrap(err, "failed to close snapshot storage")
	}
	p.snapshots = nil
	p.file = nil

	return nil
}

func (p *persistentSnapshotStorage) LastSnapshot() (*Snapshot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.file == nil {
		return nil, errSnapshotStoreNotOpen
	}
	if len(p.snapshots) == 0 {
		return nil, nil
	}
	return &p.snapshots[len(p.snapshots)-1], nil
}

func (p *persistentSnapshotStorage) ListSnapshots() ([]Snapshot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.file == nil {
		return nil, errSnapshotStoreNotOpen
	}
	return p.snapshots, nil
}

func (p *persistentSnapshotStorage) SaveSnapshot(snapshot *Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.file == nil {
		return errSnapshotStoreNotOpen
	}

	writer := bufio.NewWriter(p.file)
	if err := encodeSnapshot(writer, snapshot); err != nil {
		return errors.Wrap(err, "failed to save snapshot")
	}
	if err := writer.Flush(); err != nil {
		return errors.Wrap(err, "failed to save snapshot")
	}
	if err := p.file.Sync(); err != nil {
		return errors.Wrap(err, "failed to save snapshot")
	}

	p.snapshots = append(p.snapshots, *snapshot)

	return nil
}
