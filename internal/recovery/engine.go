// Package recovery implements the recovery protocol engine (phases R1-R8)
// and the steady-state recovery control loop that triggers it, the core of
// the controller.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ctdbgo/recoverd/internal/client"
	"github.com/ctdbgo/recoverd/internal/ctdbproto"
)

// Phase names in execution order, used as metric/log labels.
const (
	PhaseR1 = "R1"
	PhaseR2 = "R2"
	PhaseR3 = "R3"
	PhaseR4 = "R4"
	PhaseR5 = "R5"
	PhaseR6 = "R6"
	PhaseR7 = "R7"
	PhaseR8 = "R8"
)

// ErrPhaseFailed wraps any RPC failure encountered during a recovery phase.
var ErrPhaseFailed = errors.New("recovery: phase failed")

// Metrics is the subset of internal/metrics.Collector the engine and
// control loop report through, kept as an interface so tests do not need a
// live registry.
type Metrics interface {
	RecordRecovery(reason string)
	ObservePhaseDuration(phase string, seconds float64)
	IncRPCFailure(operation string)
	SetActiveNodes(n int)
	SetGeneration(generation uint32)
}

// Engine runs the recovery protocol (spec.md §4.6) against the local node
// and a set of peers. It holds no cross-recovery mutable state beyond its
// collaborators; every call to Do is independent, matching the control
// loop's "retry from the beginning on its next tick" design.
type Engine struct {
	logger  *slog.Logger
	metrics Metrics

	local   client.Peer
	localID ctdbproto.NID
	peers   map[ctdbproto.NID]client.Peer
}

// NewEngine creates a recovery engine. local is the Peer talking to this
// node's daemon; peers maps every other NID the control loop knows about to
// its Peer. Only entries in peers that are CONNECTED in the supplied node
// map (per Do's argument) participate in a given recovery.
func NewEngine(logger *slog.Logger, metrics Metrics, localID ctdbproto.NID, local client.Peer, peers map[ctdbproto.NID]client.Peer) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		logger:  logger.With(slog.String("component", "recovery")),
		metrics: metrics,
		local:   local,
		localID: localID,
		peers:   peers,
	}
}

// connectedPeers returns the Peer for every CONNECTED node in nm other than
// localID, in node-map order.
func (e *Engine) connectedPeers(nm ctdbproto.NodeMap) ([]ctdbproto.NID, []client.Peer, error) {
	var ids []ctdbproto.NID
	var peers []client.Peer
	for _, n := range nm.Nodes {
		if n.NID == e.localID || !n.Connected() {
			continue
		}
		p, ok := e.peers[n.NID]
		if !ok {
			return nil, nil, fmt.Errorf("recovery: no peer connection known for node %s", n.NID)
		}
		ids = append(ids, n.NID)
		peers = append(peers, p)
	}
	return ids, peers, nil
}

// Do runs the full R1-R8 recovery protocol. nodeMap is the caller's current
// view (typically the one that triggered recovery); the local routing map
// is fetched from the local node. numActive is the connected-node count. Any phase failure
// aborts the run and returns a wrapped error; the control loop retries on
// its next tick, relying on the stamped generation to force re-entry
// (spec.md §4.6).
func (e *Engine) Do(ctx context.Context, nodeMap ctdbproto.NodeMap, numActive int) error {
	generation := newGeneration(e.currentGenerationHint())

	phases := []struct {
		name string
		fn   func(context.Context, ctdbproto.NodeMap, uint32, int) error
	}{
		{PhaseR1, e.phaseR1},
		{PhaseR2, e.phaseR2},
		{PhaseR3, e.phaseR3},
		{PhaseR4, e.phaseR4},
		{PhaseR5, e.phaseR5},
		{PhaseR6, e.phaseR6},
		{PhaseR7, e.phaseR7},
		{PhaseR8, e.phaseR8},
	}

	e.logger.Info("starting recovery", slog.Uint64("generation", uint64(generation)), slog.Int("num_active", numActive))

	for _, p := range phases {
		start := time.Now()
		err := p.fn(ctx, nodeMap, generation, numActive)
		elapsed := time.Since(start).Seconds()
		if e.metrics != nil {
			e.metrics.ObservePhaseDuration(p.name, elapsed)
		}
		if err != nil {
			e.logger.Error("recovery phase failed", slog.String("phase", p.name), slog.Any("error", err))
			return fmt.Errorf("%w: phase %s: %w", ErrPhaseFailed, p.name, err)
		}
		e.logger.Debug("recovery phase complete", slog.String("phase", p.name), slog.Float64("seconds", elapsed))
	}

	e.logger.Info("recovery complete", slog.Uint64("generation", uint64(generation)))
	return nil
}

// currentGenerationHint fetches the local routing map's generation to seed
// newGeneration's avoid-list; a fetch failure is tolerated (any fresh
// 32-bit draw is acceptable per spec.md §4.6).
func (e *Engine) currentGenerationHint() uint32 {
	vnn, err := e.local.GetVNNMap(context.Background())
	if err != nil {
		return 0
	}
	return vnn.Generation
}

// newGeneration draws a fresh generation not trivially equal to previous.
func newGeneration(previous uint32) uint32 {
	for {
		g := rand.Uint32()
		if g != previous {
			return g
		}
	}
}

// phaseR1 stamps the new generation locally only (spec.md §4.6 R1).
func (e *Engine) phaseR1(ctx context.Context, nodeMap ctdbproto.NodeMap, generation uint32, numActive int) error {
	current, err := e.local.GetVNNMap(ctx)
	if err != nil {
		e.failRPC("get_vnnmap")
		return err
	}
	current.Generation = generation
	if err := e.local.SetVNNMap(ctx, current); err != nil {
		e.failRPC("set_vnnmap")
		return err
	}
	return nil
}

// phaseR2 quiesces every CONNECTED peer (spec.md §4.6 R2).
func (e *Engine) phaseR2(ctx context.Context, nodeMap ctdbproto.NodeMap, generation uint32, numActive int) error {
	return e.forEachConnected(ctx, nodeMap, "set_recmode", func(gctx context.Context, nid ctdbproto.NID, p client.Peer) error {
		return p.SetRecMode(gctx, nid, client.RecModeActive)
	})
}

// phaseR3 converges the database set across every CONNECTED node
// (spec.md §4.6 R3): create each local database on every peer lacking it,
// then create peer-only databases locally. Both steps run twice, so
// databases learned in the first pull reach every peer in the second
// propagate step.
func (e *Engine) phaseR3(ctx context.Context, nodeMap ctdbproto.NodeMap, generation uint32, numActive int) error {
	_, peers, err := e.connectedPeers(nodeMap)
	if err != nil {
		return err
	}

	propagateLocalToPeer := func(ctx context.Context, p client.Peer) error {
		localMap, err := e.local.GetDBMap(ctx)
		if err != nil {
			return err
		}
		peerMap, err := p.GetDBMap(ctx)
		if err != nil {
			return err
		}
		for _, id := range localMap.IDs {
			if peerMap.Contains(id) {
				continue
			}
			name, err := e.local.GetDBName(ctx, id)
			if err != nil {
				return err
			}
			if _, err := p.CreateDB(ctx, name); err != nil {
				return err
			}
		}
		return nil
	}

	pullPeerToLocal := func(ctx context.Context, p client.Peer) error {
		localMap, err := e.local.GetDBMap(ctx)
		if err != nil {
			return err
		}
		peerMap, err := p.GetDBMap(ctx)
		if err != nil {
			return err
		}
		for _, id := range peerMap.IDs {
			if localMap.Contains(id) {
				continue
			}
			name, err := p.GetDBName(ctx, id)
			if err != nil {
				return err
			}
			if _, err := e.local.CreateDB(ctx, name); err != nil {
				return err
			}
			localMap.IDs = append(localMap.IDs, id)
		}
		return nil
	}

	for pass := 0; pass < 2; pass++ {
		g, gctx := errgroup.WithContext(ctx)
		for _, p := range peers {
			p := p
			g.Go(func() error { return propagateLocalToPeer(gctx, p) })
		}
		if err := g.Wait(); err != nil {
			e.failRPC("db_converge")
			return err
		}

		g, gctx = errgroup.WithContext(ctx)
		for _, p := range peers {
			p := p
			g.Go(func() error { return pullPeerToLocal(gctx, p) })
		}
		if err := g.Wait(); err != nil {
			e.failRPC("db_converge")
			return err
		}
	}

	return nil
}

// phaseR4 collects every peer's records into the local store
// (spec.md §4.6 R4).
func (e *Engine) phaseR4(ctx context.Context, nodeMap ctdbproto.NodeMap, generation uint32, numActive int) error {
	dbMap, err := e.local.GetDBMap(ctx)
	if err != nil {
		e.failRPC("get_dbmap")
		return err
	}

	ids, _, err := e.connectedPeers(nodeMap)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, db := range dbMap.IDs {
		for _, srcNID := range ids {
			db, srcNID := db, srcNID
			g.Go(func() error {
				return e.local.CopyDB(gctx, srcNID, e.localID, db, ctdbproto.AnyMaster)
			})
		}
	}
	if err := g.Wait(); err != nil {
		e.failRPC("copy_db")
		return err
	}
	return nil
}

// phaseR5 retakes ownership of every record in every database
// (spec.md §4.6 R5).
func (e *Engine) phaseR5(ctx context.Context, nodeMap ctdbproto.NodeMap, generation uint32, numActive int) error {
	dbMap, err := e.local.GetDBMap(ctx)
	if err != nil {
		e.failRPC("get_dbmap")
		return err
	}

	ids, peers, err := e.connectedPeers(nodeMap)
	if err != nil {
		return err
	}
	allIDs := append([]ctdbproto.NID{e.localID}, ids...)
	allPeers := append([]client.Peer{e.local}, peers...)

	g, gctx := errgroup.WithContext(ctx)
	for _, db := range dbMap.IDs {
		for i := range allPeers {
			db, nid, p := db, allIDs[i], allPeers[i]
			g.Go(func() error {
				return p.SetDMaster(gctx, nid, db, e.localID)
			})
		}
	}
	if err := g.Wait(); err != nil {
		e.failRPC("set_dmaster")
		return err
	}
	return nil
}

// phaseR6 distributes the now-authoritative local records to every
// CONNECTED peer (spec.md §4.6 R6).
func (e *Engine) phaseR6(ctx context.Context, nodeMap ctdbproto.NodeMap, generation uint32, numActive int) error {
	dbMap, err := e.local.GetDBMap(ctx)
	if err != nil {
		e.failRPC("get_dbmap")
		return err
	}

	ids, _, err := e.connectedPeers(nodeMap)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, db := range dbMap.IDs {
		for _, dstNID := range ids {
			db, dstNID := db, dstNID
			g.Go(func() error {
				return e.local.CopyDB(gctx, e.localID, dstNID, db, ctdbproto.AnyMaster)
			})
		}
	}
	if err := g.Wait(); err != nil {
		e.failRPC("copy_db")
		return err
	}
	return nil
}

// phaseR7 pushes the new routing map to every CONNECTED node
// (spec.md §4.6 R7).
func (e *Engine) phaseR7(ctx context.Context, nodeMap ctdbproto.NodeMap, generation uint32, numActive int) error {
	var sequence []ctdbproto.NID
	for _, n := range nodeMap.Nodes {
		if n.Connected() {
			sequence = append(sequence, n.NID)
		}
	}
	newMap := ctdbproto.RoutingMap{Generation: generation, Size: uint32(numActive), Sequence: sequence}

	if err := e.local.SetVNNMap(ctx, newMap); err != nil {
		e.failRPC("set_vnnmap")
		return err
	}

	return e.forEachConnected(ctx, nodeMap, "set_vnnmap", func(gctx context.Context, nid ctdbproto.NID, p client.Peer) error {
		return p.SetVNNMap(gctx, newMap)
	})
}

// phaseR8 unquiesces every CONNECTED peer (spec.md §4.6 R8).
func (e *Engine) phaseR8(ctx context.Context, nodeMap ctdbproto.NodeMap, generation uint32, numActive int) error {
	return e.forEachConnected(ctx, nodeMap, "set_recmode", func(gctx context.Context, nid ctdbproto.NID, p client.Peer) error {
		return p.SetRecMode(gctx, nid, client.RecModeNormal)
	})
}

// forEachConnected runs fn concurrently for every CONNECTED peer
// (excluding local) and awaits the group, matching the "RPCs to distinct
// peers may be issued concurrently but must be awaited collectively"
// requirement (spec.md §5).
func (e *Engine) forEachConnected(ctx context.Context, nodeMap ctdbproto.NodeMap, op string, fn func(context.Context, ctdbproto.NID, client.Peer) error) error {
	ids, peers, err := e.connectedPeers(nodeMap)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range peers {
		nid, p := ids[i], peers[i]
		g.Go(func() error { return fn(gctx, nid, p) })
	}
	if err := g.Wait(); err != nil {
		e.failRPC(op)
		return err
	}
	return nil
}

func (e *Engine) failRPC(op string) {
	if e.metrics != nil {
		e.metrics.IncRPCFailure(op)
	}
}
