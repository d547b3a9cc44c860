package ctdbproto

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// EncodeNodeMap serializes a NodeMap as: uint32 count, then count *
// (uint32 nid, uint32 flags), all big-endian.
func EncodeNodeMap(m NodeMap) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, uint32(len(m.Nodes))) //nolint:errcheck // bytes.Buffer never errors
	for _, e := range m.Nodes {
		binary.Write(buf, binary.BigEndian, uint32(e.NID))
		binary.Write(buf, binary.BigEndian, uint32(e.Flags))
	}
	return buf.Bytes()
}

// DecodeNodeMap is the inverse of EncodeNodeMap.
func DecodeNodeMap(data []byte) (NodeMap, error) {
	r := bytes.NewReader(data)

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return NodeMap{}, fmt.Errorf("decode node map count: %w", err)
	}

	nodes := make([]NodeMapEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		var nid, flags uint32
		if err := binary.Read(r, binary.BigEndian, &nid); err != nil {
			return NodeMap{}, fmt.Errorf("decode node map entry %d nid: %w", i, err)
		}
		if err := binary.Read(r, binary.BigEndian, &flags); err != nil {
			return NodeMap{}, fmt.Errorf("decode node map entry %d flags: %w", i, err)
		}
		nodes = append(nodes, NodeMapEntry{NID: NID(nid), Flags: NodeFlags(flags)})
	}

	return NodeMap{Nodes: nodes}, nil
}

// EncodeDatabaseMap serializes a DatabaseMap as: uint32 count, then count *
// uint32 id, big-endian.
func EncodeDatabaseMap(m DatabaseMap) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, uint32(len(m.IDs))) //nolint:errcheck
	for _, id := range m.IDs {
		binary.Write(buf, binary.BigEndian, uint32(id))
	}
	return buf.Bytes()
}

// DecodeDatabaseMap is the inverse of EncodeDatabaseMap.
func DecodeDatabaseMap(data []byte) (DatabaseMap, error) {
	r := bytes.NewReader(data)

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return DatabaseMap{}, fmt.Errorf("decode database map count: %w", err)
	}

	ids := make([]DatabaseID, 0, count)
	for i := uint32(0); i < count; i++ {
		var id uint32
		if err := binary.Read(r, binary.BigEndian, &id); err != nil {
			return DatabaseMap{}, fmt.Errorf("decode database map entry %d: %w", i, err)
		}
		ids = append(ids, DatabaseID(id))
	}

	return DatabaseMap{IDs: ids}, nil
}

// EncodeRoutingMap serializes a RoutingMap as: uint32 generation, uint32
// size, then size * uint32 nid, big-endian.
func EncodeRoutingMap(m RoutingMap) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, m.Generation) //nolint:errcheck
	binary.Write(buf, binary.BigEndian, uint32(len(m.Sequence)))
	for _, nid := range m.Sequence {
		binary.Write(buf, binary.BigEndian, uint32(nid))
	}
	return buf.Bytes()
}

// DecodeRoutingMap is the inverse of EncodeRoutingMap.
func DecodeRoutingMap(data []byte) (RoutingMap, error) {
	r := bytes.NewReader(data)

	var generation, size uint32
	if err := binary.Read(r, binary.BigEndian, &generation); err != nil {
		return RoutingMap{}, fmt.Errorf("decode routing map generation: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return RoutingMap{}, fmt.Errorf("decode routing map size: %w", err)
	}

	seq := make([]NID, 0, size)
	for i := uint32(0); i < size; i++ {
		var nid uint32
		if err := binary.Read(r, binary.BigEndian, &nid); err != nil {
			return RoutingMap{}, fmt.Errorf("decode routing map sequence %d: %w", i, err)
		}
		seq = append(seq, NID(nid))
	}

	return RoutingMap{Generation: generation, Size: size, Sequence: seq}, nil
}

// EncodeRecordHeader serializes a RecordHeader as: uint32 dmaster, uint64
// sequence, big-endian.
func EncodeRecordHeader(h RecordHeader) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, uint32(h.DMaster)) //nolint:errcheck
	binary.Write(buf, binary.BigEndian, h.Sequence)
	return buf.Bytes()
}

// DecodeRecordHeader is the inverse of EncodeRecordHeader.
func DecodeRecordHeader(data []byte) (RecordHeader, error) {
	r := bytes.NewReader(data)

	var dmaster uint32
	var seq uint64
	if err := binary.Read(r, binary.BigEndian, &dmaster); err != nil {
		return RecordHeader{}, fmt.Errorf("decode record header dmaster: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &seq); err != nil {
		return RecordHeader{}, fmt.Errorf("decode record header sequence: %w", err)
	}

	return RecordHeader{DMaster: NID(dmaster), Sequence: seq}, nil
}
