package raft

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"
)

// Storage records are written as a big-endian int32 payload size followed
// by the payload itself so that partially written trailing records can be
// detected on replay.

func writeFrame(w io.Writer, payload []byte) error {
	size := int32(len(payload))
	if err := binary.Write(w, binary.BigEndian, size); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var size int32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, err
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func encodeLogEntry(w io.Writer, entry *LogEntry) error {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, entry.Index)
	binary.Write(&buf, binary.BigEndian, entry.Term)
	binary.Write(&buf, binary.BigEndian, entry.Offset)
	binary.Write(&buf, binary.BigEndian, uint32(entry.EntryType))
	binary.Write(&buf, binary.BigEndian, uint32(len(entry.Data)))
	buf.Write(entry.Data)
	return writeFrame(w, buf.Bytes())
}

func decodeLogEntry(r io.Reader) (LogEntry, error) {
	payload, err := readFrame(r)
	if err != nil {
		return LogEntry{}, err
	}

	var entry LogEntry
	var entryType uint32
	var dataLen uint32
	buf := bytes.NewReader(payload)
	if err := binary.Read(buf, binary.BigEndian, &entry.Index); err != nil {
		return LogEntry{}, err
	}
	if err := binary.Read(buf, binary.BigEndian, &entry.Term); err != nil {
		return LogEntry{}, err
	}
	if err := binary.Read(buf, binary.BigEndian, &entry.Offset); err != nil {
		return LogEntry{}, err
	}
	if err := binary.Read(buf, binary.BigEndian, &entryType); err != nil {
		return LogEntry{}, err
	}
	if err := binary.Read(buf, binary.BigEndian, &dataLen); err != nil {
		return LogEntry{}, err
	}
	entry.EntryType = LogEntryType(entryType)
	entry.Data = make([]byte, dataLen)
	if _, err := io.ReadFull(buf, entry.Data); err != nil {
		return LogEntry{}, err
	}

	return entry, nil
}

func marshalMembership(config MembershipConfig) []byte {
	var buf bytes.Buffer

	writeSet := func(set map[NodeID]struct{}) {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, string(id))
		}
		sort.Strings(ids)
		binary.Write(&buf, binary.BigEndian, uint32(len(ids)))
		for _, id := range ids {
			binary.Write(&buf, binary.BigEndian, uint32(len(id)))
			buf.WriteString(id)
		}
	}

	writeSet(config.Members)
	if config.MembersAfterConsensus != nil {
		buf.WriteByte(1)
		writeSet(config.MembersAfterConsensus)
	} else {
		buf.WriteByte(0)
	}

	return buf.Bytes()
}

func unmarshalMembership(data []byte) (MembershipConfig, error) {
	buf := bytes.NewReader(data)

	readSet := func() (map[NodeID]struct{}, error) {
		var count uint32
		if err := binary.Read(buf, binary.BigEndian, &count); err != nil {
			return nil, err
		}
		set := make(map[NodeID]struct{}, count)
		for i := uint32(0); i < count; i++ {
			var idLen uint32
			if err := binary.Read(buf, binary.BigEndian, &idLen); err != nil {
				return nil, err
			}
			id := make([]byte, idLen)
			if _, err := io.ReadFull(buf, id); err != nil {
				return nil, err
			}
			set[NodeID(id)] = struct{}{}
		}
		return set, nil
	}

	var config MembershipConfig
	var err error
	if config.Members, err = readSet(); err != nil {
		return MembershipConfig{}, err
	}
	joint, err := buf.ReadByte()
	if err != nil {
		return MembershipConfig{}, err
	}
	if joint == 1 {
		if config.MembersAfterConsensus, err = readSet(); err != nil {
			return MembershipConfig{}, err
		}
	}

	return config, nil
}

func encodeHardState(w io.Writer, state *HardState) error {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, state.CurrentTerm)
	binary.Write(&buf, binary.BigEndian, uint32(len(state.VotedFor)))
	buf.WriteString(string(state.VotedFor))
	return writeFrame(w, buf.Bytes())
}

func decodeHardState(r io.Reader) (HardState, error) {
	payload, err := readFrame(r)
	if err != nil {
		return HardState{}, err
	}

	var state HardState
	var votedForLen uint32
	buf := bytes.NewReader(payload)
	if err := binary.Read(buf, binary.BigEndian, &state.CurrentTerm); err != nil {
		return HardState{}, err
	}
	if err := binary.Read(buf, binary.BigEndian, &votedForLen); err != nil {
		return HardState{}, err
	}
	votedFor := make([]byte, votedForLen)
	if _, err := io.ReadFull(buf, votedFor); err != nil {
		return HardState{}, err
	}
	state.VotedFor = NodeID(votedFor)

	return state, nil
}

func encodeSnapshot(w io.Writer, snapshot *Snapshot) error {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(len(snapshot.Meta.ID)))
	buf.WriteString(snapshot.Meta.ID)
	binary.Write(&buf, binary.BigEndian, snapshot.Meta.LastLogID.Term)
	binary.Write(&buf, binary.BigEndian, snapshot.Meta.LastLogID.Index)
	binary.Write(&buf, binary.BigEndian, uint32(len(snapshot.Data)))
	buf.Write(snapshot.Data)
	return writeFrame(w, buf.Bytes())
}

func decodeSnapshot(r io.Reader) (Snapshot, error) {
	payload, err := readFrame(r)
	if err != nil {
		return Snapshot{}, err
	}

	var snapshot Snapshot
	var idLen uint32
	var dataLen uint32
	buf := bytes.NewReader(payload)
	if err := binary.Read(buf, binary.BigEndian, &idLen); err != nil {
		return Snapshot{}, err
	}
	id := make([]byte, idLen)
	if _, err := io.ReadFull(buf, id); err != nil {
		return Snapshot{}, err
	}
	snapshot.Meta.ID = string(id)
	if err := binary.Read(buf, binary.BigEndian, &snapshot.Meta.LastLogID.Term); err != nil {
		return Snapshot{}, err
	}
	if err := binary.Read(buf, binary.BigEndian, &snapshot.Meta.LastLogID.Index); err != nil {
		return Snapshot{}, err
	}
	if err := binary.Read(buf, binary.BigEndian, &dataLen); err != nil {
		return Snapshot{}, err
	}
	snapshot.Data = make([]byte, dataLen)
	if _, err := io.ReadFull(buf, snapshot.Data); err != nil {
		return Snapshot{}, err
	}

	return snapshot, nil
}
