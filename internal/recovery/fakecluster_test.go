package recovery_test

import (
	"context"
	"errors"
	"sync"

	"github.com/ctdbgo/recoverd/internal/client"
	"github.com/ctdbgo/recoverd/internal/ctdbproto"
	"github.com/ctdbgo/recoverd/internal/rbtree"
	"github.com/ctdbgo/recoverd/internal/store"
)

// fakeCluster is an in-process stand-in for a set of peer node daemons,
// letting internal/recovery's tests exercise the R1-R8 protocol and the
// control loop's consistency check without real sockets (spec.md §8's
// concrete end-to-end scenarios).
type fakeCluster struct {
	mu       sync.Mutex
	nodes    map[ctdbproto.NID]*fakeNode
	nextDBID ctdbproto.DatabaseID

	migrateErr error // not read: fakePeer implements no CALL (migration) operation
}

// fakeNode is one cluster member's observable state.
type fakeNode struct {
	id      ctdbproto.NID
	flags   ctdbproto.NodeFlags
	vnnMap  ctdbproto.RoutingMap
	dbNames map[ctdbproto.DatabaseID]string
	dbs     map[ctdbproto.DatabaseID]*store.MemStore
	recMode client.RecMode

	// dbIndex is a red-black tree of record keys per database, kept in
	// step with dbs by seedRecord and CopyDB (spec.md §4.8's role as the
	// fake-peer harness's record index); no test assertion walks it.
	dbIndex map[ctdbproto.DatabaseID]*rbtree.Tree[string, struct{}]

	down bool // true once disconnected; RPCs to it fail
}

func newFakeCluster(nids ...ctdbproto.NID) *fakeCluster {
	c := &fakeCluster{nodes: make(map[ctdbproto.NID]*fakeNode)}
	for _, nid := range nids {
		c.nodes[nid] = &fakeNode{
			id:      nid,
			flags:   ctdbproto.FlagConnected,
			dbNames: make(map[ctdbproto.DatabaseID]string),
			dbs:     make(map[ctdbproto.DatabaseID]*store.MemStore),
			dbIndex: make(map[ctdbproto.DatabaseID]*rbtree.Tree[string, struct{}]),
		}
	}
	return c
}

func (c *fakeCluster) nodeMap() ctdbproto.NodeMap {
	c.mu.Lock()
	defer c.mu.Unlock()

	var entries []ctdbproto.NodeMapEntry
	for _, n := range c.nodes {
		entries = append(entries, ctdbproto.NodeMapEntry{NID: n.id, Flags: n.flags})
	}
	// Stable order: sort by NID for determinism across test runs.
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].NID < entries[j-1].NID; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
	return ctdbproto.NodeMap{Nodes: entries}
}

func (c *fakeCluster) disconnect(nid ctdbproto.NID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.nodes[nid]; ok {
		n.flags = 0
		n.down = true
	}
}

// peerFor returns a client.Peer bound to node nid. Every node can be
// addressed this way, including the local node.
func (c *fakeCluster) peerFor(nid ctdbproto.NID) client.Peer {
	return &fakePeer{cluster: c, nid: nid}
}

// seedDB creates a database named name under a fresh cluster-wide id on
// each listed node, used to seed test fixtures directly.
func (c *fakeCluster) seedDB(name string, on ...ctdbproto.NID) ctdbproto.DatabaseID {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextDBID++
	id := c.nextDBID
	for _, nid := range on {
		n := c.nodes[nid]
		n.dbNames[id] = name
		n.dbs[id] = store.NewMemStore()
		n.dbIndex[id] = rbtree.New[string, struct{}]()
	}
	return id
}

func (c *fakeCluster) seedRecord(nid ctdbproto.NID, db ctdbproto.DatabaseID, key string, dmaster ctdbproto.NID, seq uint64, value []byte) {
	c.mu.Lock()
	n := c.nodes[nid]
	st := n.dbs[db]
	idx := n.dbIndex[db]
	c.mu.Unlock()

	st.Store([]byte(key), &ctdbproto.RecordHeader{DMaster: dmaster, Sequence: seq}, value) //nolint:errcheck
	idx.Insert(key, func() struct{} { return struct{}{} }, func(*struct{}) {})
}

var errNodeDown = errors.New("fakecluster: node is down")

// fakePeer implements client.Peer against one fakeCluster node.
type fakePeer struct {
	cluster *fakeCluster
	nid     ctdbproto.NID
}

func (p *fakePeer) node() (*fakeNode, error) {
	p.cluster.mu.Lock()
	defer p.cluster.mu.Unlock()
	n, ok := p.cluster.nodes[p.nid]
	if !ok || n.down {
		return nil, errNodeDown
	}
	return n, nil
}

func (p *fakePeer) GetPNN(ctx context.Context) (ctdbproto.NID, error) {
	if _, err := p.node(); err != nil {
		return 0, err
	}
	return p.nid, nil
}

func (p *fakePeer) GetNodeMap(ctx context.Context) (ctdbproto.NodeMap, error) {
	if _, err := p.node(); err != nil {
		return ctdbproto.NodeMap{}, err
	}
	return p.cluster.nodeMap(), nil
}

func (p *fakePeer) GetVNNMap(ctx context.Context) (ctdbproto.RoutingMap, error) {
	n, err := p.node()
	if err != nil {
		return ctdbproto.RoutingMap{}, err
	}
	p.cluster.mu.Lock()
	defer p.cluster.mu.Unlock()
	return n.vnnMap, nil
}

func (p *fakePeer) SetVNNMap(ctx context.Context, m ctdbproto.RoutingMap) error {
	n, err := p.node()
	if err != nil {
		return err
	}
	p.cluster.mu.Lock()
	defer p.cluster.mu.Unlock()
	n.vnnMap = m
	return nil
}

func (p *fakePeer) GetDBMap(ctx context.Context) (ctdbproto.DatabaseMap, error) {
	n, err := p.node()
	if err != nil {
		return ctdbproto.DatabaseMap{}, err
	}
	p.cluster.mu.Lock()
	defer p.cluster.mu.Unlock()
	var ids []ctdbproto.DatabaseID
	for id := range n.dbNames {
		ids = append(ids, id)
	}
	return ctdbproto.DatabaseMap{IDs: ids}, nil
}

func (p *fakePeer) GetDBName(ctx context.Context, id ctdbproto.DatabaseID) (string, error) {
	n, err := p.node()
	if err != nil {
		return "", err
	}
	p.cluster.mu.Lock()
	defer p.cluster.mu.Unlock()
	name, ok := n.dbNames[id]
	if !ok {
		return "", errors.New("fakecluster: unknown database")
	}
	return name, nil
}

func (p *fakePeer) CreateDB(ctx context.Context, name string) (ctdbproto.DatabaseID, error) {
	n, err := p.node()
	if err != nil {
		return 0, err
	}

	p.cluster.mu.Lock()
	defer p.cluster.mu.Unlock()

	for id, existing := range n.dbNames {
		if existing == name {
			return id, nil
		}
	}

	// A name already present elsewhere keeps its cluster-wide id.
	var id ctdbproto.DatabaseID
	for _, other := range p.cluster.nodes {
		for oid, existing := range other.dbNames {
			if existing == name {
				id = oid
			}
		}
	}
	if id == 0 {
		p.cluster.nextDBID++
		id = p.cluster.nextDBID
	}
	n.dbNames[id] = name
	n.dbs[id] = store.NewMemStore()
	n.dbIndex[id] = rbtree.New[string, struct{}]()
	return id, nil
}

func (p *fakePeer) CopyDB(ctx context.Context, src, dst ctdbproto.NID, db ctdbproto.DatabaseID, lmaster ctdbproto.NID) error {
	p.cluster.mu.Lock()
	srcNode, srcOK := p.cluster.nodes[src]
	dstNode, dstOK := p.cluster.nodes[dst]
	p.cluster.mu.Unlock()

	if !srcOK || !dstOK || srcNode.down || dstNode.down {
		return errNodeDown
	}

	p.cluster.mu.Lock()
	srcStore := srcNode.dbs[db]
	dstStore := dstNode.dbs[db]
	dstIdx := dstNode.dbIndex[db]
	p.cluster.mu.Unlock()

	if srcStore == nil || dstStore == nil {
		return errors.New("fakecluster: database absent on src or dst")
	}

	srcStore.Walk(func(key []byte, h ctdbproto.RecordHeader, value []byte) bool {
		existing, _, err := dstStore.Fetch(key)
		if err == nil && existing.Sequence >= h.Sequence {
			return true
		}
		dstStore.Store(key, &h, value) //nolint:errcheck
		dstIdx.Insert(string(key), func() struct{} { return struct{}{} }, func(*struct{}) {})
		return true
	})
	return nil
}

func (p *fakePeer) SetDMaster(ctx context.Context, node ctdbproto.NID, db ctdbproto.DatabaseID, newMaster ctdbproto.NID) error {
	p.cluster.mu.Lock()
	target, ok := p.cluster.nodes[node]
	p.cluster.mu.Unlock()
	if !ok || target.down {
		return errNodeDown
	}

	p.cluster.mu.Lock()
	st := target.dbs[db]
	p.cluster.mu.Unlock()
	if st == nil {
		return nil
	}

	var keys [][]byte
	var headers []ctdbproto.RecordHeader
	var values [][]byte
	st.Walk(func(key []byte, h ctdbproto.RecordHeader, value []byte) bool {
		keys = append(keys, append([]byte(nil), key...))
		headers = append(headers, h)
		values = append(values, value)
		return true
	})
	for i, key := range keys {
		h := headers[i]
		h.DMaster = newMaster
		st.Store(key, &h, values[i]) //nolint:errcheck
	}
	return nil
}

func (p *fakePeer) SetRecMode(ctx context.Context, node ctdbproto.NID, mode client.RecMode) error {
	p.cluster.mu.Lock()
	target, ok := p.cluster.nodes[node]
	p.cluster.mu.Unlock()
	if !ok || target.down {
		return errNodeDown
	}

	p.cluster.mu.Lock()
	target.recMode = mode
	p.cluster.mu.Unlock()
	return nil
}

var _ client.Peer = (*fakePeer)(nil)
