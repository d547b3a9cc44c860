// Package ctdbproto defines the cluster's shared data model — node
// identifiers, node and routing maps, database identifiers, and record
// headers — plus a length-prefixed binary encoding used to move them
// between the client library and peer nodes.
//
// The peer wire byte layout is explicitly out of scope for this codebase;
// this package's encoding is this rewrite's own contract, not a
// reproduction of any on-wire format used by a real ctdbd.
package ctdbproto

import "fmt"

// NID is a persistent node number, the cluster-wide identifier of a node.
type NID uint32

const (
	// CurrentNode addresses "the local daemon" in client RPCs.
	CurrentNode NID = 0xFFFFFFFF

	// AnyMaster addresses "no specific logical-master" in database-copy
	// operations.
	AnyMaster NID = 0xFFFFFFFE
)

func (n NID) String() string {
	switch n {
	case CurrentNode:
		return "CURRENT_NODE"
	case AnyMaster:
		return "ANY_MASTER"
	default:
		return fmt.Sprintf("%d", uint32(n))
	}
}

// NodeFlags is a per-node bitset. The only flag the controller inspects is
// Connected.
type NodeFlags uint32

const (
	// FlagConnected marks a node as reachable. Any node without this flag
	// is skipped on every control loop iteration.
	FlagConnected NodeFlags = 1 << iota
)

// Connected reports whether the Connected flag is set.
func (f NodeFlags) Connected() bool {
	return f&FlagConnected != 0
}

// NodeMapEntry is one member of a NodeMap.
type NodeMapEntry struct {
	NID   NID
	Flags NodeFlags
}

// Connected reports whether this entry's Connected flag is set.
func (e NodeMapEntry) Connected() bool {
	return e.Flags.Connected()
}

// NodeMap is an ordered sequence of node entries. Its length and element
// order are part of the identity that peers must agree on (spec invariant
// 1).
type NodeMap struct {
	Nodes []NodeMapEntry
}

// ConnectedNIDs returns the NIDs of all Connected entries, preserving the
// node map's existing order.
func (m NodeMap) ConnectedNIDs() []NID {
	var out []NID
	for _, n := range m.Nodes {
		if n.Flags.Connected() {
			out = append(out, n.NID)
		}
	}
	return out
}

// NumActive returns the count of Connected entries.
func (m NodeMap) NumActive() int {
	n := 0
	for _, e := range m.Nodes {
		if e.Flags.Connected() {
			n++
		}
	}
	return n
}

// Equal reports whether m and other have identical length and identical
// (NID, Flags) entries at every index (spec invariant 1).
func (m NodeMap) Equal(other NodeMap) bool {
	if len(m.Nodes) != len(other.Nodes) {
		return false
	}
	for i := range m.Nodes {
		if m.Nodes[i] != other.Nodes[i] {
			return false
		}
	}
	return true
}

// DatabaseID uniquely identifies a database within the cluster.
type DatabaseID uint32

// DatabaseMap is the set of database ids known to a node. Order is not
// semantically significant; equality is tested as a set.
type DatabaseMap struct {
	IDs []DatabaseID
}

// Contains reports whether id is present in the map.
func (m DatabaseMap) Contains(id DatabaseID) bool {
	for _, v := range m.IDs {
		if v == id {
			return true
		}
	}
	return false
}

// SetEqual reports whether m and other contain the same set of ids,
// irrespective of order.
func (m DatabaseMap) SetEqual(other DatabaseMap) bool {
	if len(m.IDs) != len(other.IDs) {
		return false
	}
	seen := make(map[DatabaseID]bool, len(m.IDs))
	for _, id := range m.IDs {
		seen[id] = true
	}
	for _, id := range other.IDs {
		if !seen[id] {
			return false
		}
	}
	return true
}

// RoutingMap (vnnmap) describes which nodes are logical-masters for the
// current epoch.
type RoutingMap struct {
	// Generation is an opaque monotonic-per-recovery tag chosen freshly at
	// the start of each recovery.
	Generation uint32
	// Size is the number of logical-masters; equals len(Sequence).
	Size uint32
	// Sequence lists, in a fixed order, the NIDs that are logical-masters
	// for the current epoch.
	Sequence []NID
}

// Equal reports whether m and other carry the same generation, size, and
// sequence (spec invariant 4).
func (m RoutingMap) Equal(other RoutingMap) bool {
	if m.Generation != other.Generation || m.Size != other.Size {
		return false
	}
	if len(m.Sequence) != len(other.Sequence) {
		return false
	}
	for i := range m.Sequence {
		if m.Sequence[i] != other.Sequence[i] {
			return false
		}
	}
	return true
}

// Contains reports whether nid appears in Sequence.
func (m RoutingMap) Contains(nid NID) bool {
	for _, n := range m.Sequence {
		if n == nid {
			return true
		}
	}
	return false
}

// RecordHeader is stored alongside every record value. It identifies the
// current data-master and carries a monotonic per-record sequence number
// used to resolve merges (copy_db: higher sequence wins).
type RecordHeader struct {
	DMaster  NID
	Sequence uint64
}
