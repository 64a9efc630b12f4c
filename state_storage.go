package raft

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

var errStateStorageNotOpen = errors.New("state storage is not open")

// HardState is the state that must survive a crash for the protocol to
// remain safe: the current term and the vote cast in it.
type HardState struct {
	// The current term.
	CurrentTerm uint64

	// The ID of the node voted for in the current term. Empty if no
	// vote has been cast.
	VotedFor NodeID
}

// StateStorage is the component responsible for persistently storing the
// hard state.
type StateStorage interface {
	PersistentStorage

	// SetHardState persists the provided hard state. The storage must be
	// open otherwise an error is returned.
	SetHardState(state HardState) error

	// HardState returns the most recently persisted hard state. If there
	// is no pre-existing state, the zero HardState is returned. If the
	// storage is not open, an error is returned.
	HardState() (HardState, error)
}

// persistentStateStorage implements the StateStorage interface.
// This implementation is not concurrent safe; only the leader loop
// persists hard state.
type persistentStateStorage struct {
	// The directory where the state will be persisted.
	path string

	// The file associated with the storage, nil if storage is closed.
	file *os.File

	// The most recently persisted state.
	state HardState
}

// NewStateStorage creates a new StateStorage at the provided path.
func NewStateStorage(path string) StateStorage {
	return &persistentStateStorage{path: path}
}

func (p *persistentStateStorage) Open() error {
	fileName := filepath.Join(p.path, "state.bin")
	file, err := os.OpenFile(fileName, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return errors.Wrap(err, "failed to open state storage file")
	}
	p.file = file
	return nil
}

func (p *persistentStateStorage) Close() error {
	if p.file == nil {
		return nil
	}
	if err := p.file.Close(); err != nil {
		return errors.Wrap(err, "failed to close state storage file")
	}
	p.state = HardState{}
	p.file = nil
	return nil
}

func (p *persistentStateStorage) Replay() error {
	if p.file == nil {
		return errStateStorageNotOpen
	}

	// Read the contents of the file associated with the storage.
	state, err := decodeHardState(p.file)
	if err != nil && err != io.EOF {
		return errors.Wrap(err, "failed while replaying state storage")
	}

	p.state = state

	return nil
}

func (p *persistentStateStorage) SetHardState(state HardState) error {
	if p.file == nil {
		return errStateStorageNotOpen
	}

	// Create a temporary file that will replace the file currently associated
	// with storage. Note that it is NOT safe to truncate the file and then
	// write the new state - it must be atomic.
	tmpFile, err := os.CreateTemp(p.path, "tmp-")
	if err != nil {
		return errors.Wrap(err, "failed while persisting state")
	}

	// Write the new state to the temporary file.
	p.state = state
	if err := encodeHardState(tmpFile, &p.state); err != nil {
		return errors.Wrap(err, "failed while persisting state")
	}
	if err := tmpFile.Sync(); err != nil {
		return errors.Wrap(err, "failed while persisting state")
	}

	// Close the files to prepare for the rename.
	if err := tmpFile.Close(); err != nil {
		return errors.Wrap(err, "failed while persisting state")
	}
	if err := p.file.Close(); err != nil {
		return errors.Wrap(err, "failed while persisting state")
	}

	// Perform atomic rename to swap the newly persisted state with the old.
	if err := os.Rename(tmpFile.Name(), p.file.Name()); err != nil {
		return errors.Wrap(err, "failed while persisting state")
	}

	// Open the state storage for future writes.
	fileName := filepath.Join(p.path, "state.bin")
	p.file, err = os.OpenFile(fileName, os.O_RDWR, 0o666)
	if err != nil {
		return errors.Wrap(err, "failed while persisting state")
	}
	if _, err := p.file.Seek(0, io.SeekEnd); err != nil {
		return errors.Wrap(err, "failed while persisting state")
	}

	return nil
}

func (p *persistentStateStorage) HardState() (HardState, error) {
	if p.file == nil {
		return HardState{}, errStateStorageNotOpen
	}
	return p.state, nil
}
