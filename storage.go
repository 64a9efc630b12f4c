package raft

// PersistentStorage is a storage component whose contents survive
// restarts. A storage must be opened and replayed before use.
type PersistentStorage interface {
	// Open prepares the storage for reads and writes.
	Open() error

	// Replay reads the persisted contents of the storage into memory.
	// The storage must be open.
	Replay() error

	// Close releases any resources held by the storage.
	Close() error
}
