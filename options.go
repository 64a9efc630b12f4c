package raft

import (
	"errors"
	"time"
)

const (
	minHeartbeat     = time.Duration(25 * time.Millisecond)
	maxHeartbeat     = time.Duration(300 * time.Millisecond)
	defaultHeartbeat = time.Duration(50 * time.Millisecond)

	minMaxEntriesPerRPC     = 50
	maxMaxEntriesPerRPC     = 500
	defaultMaxEntriesPerRPC = 100

	defaultLineRateLag   = 8
	defaultRemoveAfter   = time.Duration(30 * time.Second)
	defaultLogsSinceLast = 5000
)

// Logger supports logging messages at the debug, info, warn, error, and fatal level.
type Logger interface {
	// Debug logs a message at debug level.
	Debug(args ...interface{})

	// Debugf logs a formatted message at debug level.
	Debugf(format string, args ...interface{})

	// Info logs a message at info level.
	Info(args ...interface{})

	// Infof logs a formatted message at info level.
	Infof(format string, args ...interface{})

	// Warn logs a message at warn level.
	Warn(args ...interface{})

	// Warnf logs a formatted message at warn level.
	Warnf(format string, args ...interface{})

	// Error logs a message at error level.
	Error(args ...interface{})

	// Errorf logs a formatted message at error level.
	Errorf(format string, args ...interface{})

	// Fatal logs a message at fatal level.
	Fatal(args ...interface{})

	// Fatalf logs a formatted message at fatal level.
	Fatalf(format string, args ...interface{})
}

// SnapshotPolicy determines when the leader builds a new snapshot.
type SnapshotPolicy struct {
	// LogsSinceLast is the approximate number of log entries between
	// successive snapshots. An existing snapshot within half of this
	// distance of the leader's last log index is still considered fresh.
	LogsSinceLast uint64
}

type options struct {
	// The interval between AppendEntries RPCs that a replication stream
	// sends to its peer when there is nothing new to replicate.
	heartbeatInterval time.Duration

	// The maximum number of log entries that will be transmitted via
	// an AppendEntries RPC.
	maxEntriesPerRPC int

	// The maximum number of entries a peer may be behind the leader's
	// last log index and still be considered at line rate.
	lineRateLag uint64

	// How long a demoted peer's replication stream is kept alive before
	// it becomes eligible for removal.
	removeAfter time.Duration

	// The snapshot policy.
	snapshotPolicy SnapshotPolicy

	// A logger for debugging and important events.
	logger Logger

	// The log used by the leader. Defaults to a file-backed log.
	log Log

	// The state storage used by the leader. Defaults to a file-backed
	// storage.
	stateStorage StateStorage

	// The snapshot storage used by the leader. Defaults to a file-backed
	// storage.
	snapshotStorage SnapshotStorage
}

// Option is a function that updates the options associated with a Leader.
type Option func(options *options) error

// WithHeartbeatInterval sets the heartbeat interval of the replication streams.
func WithHeartbeatInterval(interval time.Duration) Option {
	return func(options *options) error {
		if interval < minHeartbeat || interval > maxHeartbeat {
			return errors.New("heartbeat interval value is invalid")
		}
		options.heartbeatInterval = interval
		return nil
	}
}

// WithMaxEntriesPerRPC sets the maximum number of log entries that can be
// transmitted via an AppendEntries RPC.
func WithMaxEntriesPerRPC(maxEntriesPerRPC int) Option {
	return func(options *options) error {
		if maxEntriesPerRPC < minMaxEntriesPerRPC || maxEntriesPerRPC > maxMaxEntriesPerRPC {
			return errors.New("maximum entries per RPC value is invalid")
		}
		options.maxEntriesPerRPC = maxEntriesPerRPC
		return nil
	}
}

// WithLineRateLag sets the maximum lag at which a peer is considered to
// be replicating at line rate.
func WithLineRateLag(lag uint64) Option {
	return func(options *options) error {
		options.lineRateLag = lag
		return nil
	}
}

// WithRemoveAfter sets how long a demoted peer's replication stream is
// retained before removal.
func WithRemoveAfter(d time.Duration) Option {
	return func(options *options) error {
		if d < 0 {
			return errors.New("remove after value is invalid")
		}
		options.removeAfter = d
		return nil
	}
}

// WithSnapshotPolicy sets the snapshot policy.
func WithSnapshotPolicy(policy SnapshotPolicy) Option {
	return func(options *options) error {
		if policy.LogsSinceLast == 0 {
			return errors.New("snapshot policy value is invalid")
		}
		options.snapshotPolicy = policy
		return nil
	}
}

// WithLogger sets the logger used by the Leader.
func WithLogger(logger Logger) Option {
	return func(options *options) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		options.logger = logger
		return nil
	}
}

// WithLog sets the log used by the Leader.
func WithLog(log Log) Option {
	return func(options *options) error {
		if log == nil {
			return errors.New("log must not be nil")
		}
		options.log = log
		return nil
	}
}

// WithStateStorage sets the state storage used by the Leader.
func WithStateStorage(storage StateStorage) Option {
	return func(options *options) error {
		if storage == nil {
			return errors.New("state storage must not be nil")
		}
		options.stateStorage = storage
		return nil
	}
}

// WithSnapshotStorage sets the snapshot storage used by the Leader.
func WithSnapshotStorage(storage SnapshotStorage) Option {
	return func(options *options) error {
		if storage == nil {
			return errors.New("snapshot storage must not be nil")
		}
		options.snapshotStorage = storage
		return nil
	}
}
