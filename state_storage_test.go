package raft

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateStorageSetGet(t *testing.T) {
	tmpDir := t.TempDir()
	storage := NewStateStorage(tmpDir)

	require.NoError(t, storage.Open())

	state := HardState{CurrentTerm: 1, VotedFor: "test"}
	require.NoError(t, storage.SetHardState(state))

	require.NoError(t, storage.Close())
	require.NoError(t, storage.Open())
	require.NoError(t, storage.Replay())
	defer func() { require.NoError(t, storage.Close()) }()

	recovered, err := storage.HardState()

	require.NoError(t, err)
	require.Equal(t, state, recovered)
}

func TestStateStorageOverwrite(t *testing.T) {
	tmpDir := t.TempDir()
	storage := NewStateStorage(tmpDir)

	require.NoError(t, storage.Open())
	require.NoError(t, storage.Replay())
	defer func() { require.NoError(t, storage.Close()) }()

	require.NoError(t, storage.SetHardState(HardState{CurrentTerm: 1, VotedFor: "1"}))
	require.NoError(t, storage.SetHardState(HardState{CurrentTerm: 7}))

	recovered, err := storage.HardState()

	require.NoError(t, err)
	require.Equal(t, HardState{CurrentTerm: 7}, recovered)
}
