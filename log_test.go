package raft

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T) Log {
	t.Helper()
	log := NewLog(t.TempDir())
	require.NoError(t, log.Open())
	require.NoError(t, log.Replay())
	t.Cleanup(func() { require.NoError(t, log.Close()) })
	return log
}

func TestLogAppendAndGet(t *testing.T) {
	log := openTestLog(t)

	require.Equal(t, uint64(0), log.LastIndex())
	require.Equal(t, uint64(1), log.NextIndex())
	require.Equal(t, LogID{}, log.LastID())

	entry1 := NewLogEntry(1, 1, []byte("one"), OperationEntry)
	entry2 := NewLogEntry(2, 1, []byte("two"), OperationEntry)
	require.NoError(t, log.AppendEntries([]*LogEntry{entry1, entry2}))

	require.Equal(t, uint64(2), log.LastIndex())
	require.Equal(t, NewLogID(1, 2), log.LastID())
	require.True(t, log.Contains(1))
	require.False(t, log.Contains(3))

	got, err := log.GetEntry(1)
	require.NoError(t, err)
	require.Equal(t, []byte("one"), got.Data)

	_, err = log.GetEntry(3)
	require.ErrorIs(t, err, errIndexDoesNotExist)
}

func TestLogPersistsAcrossReopen(t *testing.T) {
	tmpDir := t.TempDir()
	log := NewLog(tmpDir)
	require.NoError(t, log.Open())
	require.NoError(t, log.Replay())

	entry := NewLogEntry(1, 3, []byte("op"), OperationEntry)
	require.NoError(t, log.AppendEntry(entry))
	require.NoError(t, log.Close())

	require.NoError(t, log.Open())
	require.NoError(t, log.Replay())
	defer func() { require.NoError(t, log.Close()) }()

	require.Equal(t, NewLogID(3, 1), log.LastID())
	got, err := log.GetEntry(1)
	require.NoError(t, err)
	require.Equal(t, []byte("op"), got.Data)
	require.Equal(t, OperationEntry, got.EntryType)
}

func TestLogTruncate(t *testing.T) {
	log := openTestLog(t)

	for index := uint64(1); index <= 5; index++ {
		require.NoError(t, log.AppendEntry(NewLogEntry(index, 1, []byte("op"), OperationEntry)))
	}

	require.NoError(t, log.Truncate(3))

	require.Equal(t, uint64(2), log.LastIndex())
	require.False(t, log.Contains(3))
	require.True(t, log.Contains(2))
}

func TestLogCompact(t *testing.T) {
	log := openTestLog(t)

	for index := uint64(1); index <= 5; index++ {
		require.NoError(t, log.AppendEntry(NewLogEntry(index, 2, []byte("op"), OperationEntry)))
	}

	require.NoError(t, log.Compact(3))

	// Entries up to and including the compaction point are gone.
	require.Equal(t, NewLogID(2, 3), log.FirstID())
	require.False(t, log.Contains(3))
	require.True(t, log.Contains(4))
	require.Equal(t, uint64(5), log.LastIndex())

	// The log keeps accepting appends after compaction.
	require.NoError(t, log.AppendEntry(NewLogEntry(6, 2, []byte("op"), OperationEntry)))
	require.Equal(t, uint64(6), log.LastIndex())
}
