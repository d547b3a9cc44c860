package recovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ctdbgo/recoverd/internal/client"
	"github.com/ctdbgo/recoverd/internal/ctdbproto"
	"github.com/ctdbgo/recoverd/internal/event"
)

// Reason labels for triggered recoveries, used for metrics and logging
// (spec.md §9 Open question: make divergence-vs-failure explicit — RPC
// failure during the consistency check never appears here, it only skips
// the current iteration).
const (
	ReasonNodeMapMismatch    = "nodemap-mismatch"
	ReasonVNNSizeMismatch    = "vnnmap-size"
	ReasonVNNMembership      = "vnnmap-membership"
	ReasonVNNContentMismatch = "vnnmap-content"
	ReasonForced             = "forced"
)

// Status is the control loop's last-known outcome, exposed read-only to the
// admin surface (SPEC_FULL.md §4.13).
type Status struct {
	LocalNID      ctdbproto.NID
	NumActive     int
	Generation    uint32
	NodeMap       ctdbproto.NodeMap
	RoutingMap    ctdbproto.RoutingMap
	LastRecovery  time.Time
	LastReason    string
	RecoveryCount int
	LastError     string
}

// ControlLoop implements the steady-state consistency check and recovery
// trigger (spec.md §4.7). One tick per TickInterval; any RPC failure during
// the checks skips the remainder of the iteration, while a detected
// disagreement runs a full recovery (spec.md §4.7 closing paragraph and §9
// Open question).
type ControlLoop struct {
	logger  *slog.Logger
	metrics Metrics
	engine  *Engine

	local   client.Peer
	localID ctdbproto.NID
	peers   map[ctdbproto.NID]client.Peer

	tickInterval time.Duration

	statusMu sync.Mutex
	status   Status

	loop    *event.Loop
	tickCh  chan struct{}
	forceCh chan struct{}
}

// NewControlLoop creates a control loop. peers must contain a Peer for
// every NID the loop may observe as CONNECTED.
func NewControlLoop(logger *slog.Logger, metrics Metrics, engine *Engine, localID ctdbproto.NID, local client.Peer, peers map[ctdbproto.NID]client.Peer, tickInterval time.Duration) *ControlLoop {
	if logger == nil {
		logger = slog.Default()
	}
	return &ControlLoop{
		logger:       logger.With(slog.String("component", "controlloop")),
		metrics:      metrics,
		engine:       engine,
		local:        local,
		localID:      localID,
		peers:        peers,
		tickInterval: tickInterval,
		loop:         event.New(logger),
		tickCh:       make(chan struct{}, 1),
		forceCh:      make(chan struct{}, 1),
	}
}

// Status returns a snapshot of the loop's last-known outcome.
func (c *ControlLoop) Status() Status {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	return c.status
}

// ForceRecovery requests an out-of-band recovery pass on the next
// iteration boundary, independent of whether the consistency check finds
// disagreement (SPEC_FULL.md §4.13 POST /recover). Non-blocking: a
// already-pending force request is not duplicated.
func (c *ControlLoop) ForceRecovery() {
	select {
	case c.forceCh <- struct{}{}:
	default:
	}
}

// Run executes ticks until ctx is cancelled (spec.md §4.7). Each tick:
// discards the previous iteration's scratch state (step 1, naturally the
// fresh `tickScratch` below), waits tickInterval (step 2), then runs the
// consistency checks (steps 3-9).
//
// The wait is an event.Loop timed registration that sets a tick flag
// (spec §4.1: "a timed event sets a tick flag") by signalling tickCh; the
// select loop below is the inner event loop that runs until the flag is
// set, performs one iteration, and rearms the timer for the next tick.
func (c *ControlLoop) Run(ctx context.Context) error {
	var scheduleTick func()
	scheduleTick = func() {
		c.loop.AddAfter(c.tickInterval, func(time.Time) {
			select {
			case c.tickCh <- struct{}{}:
			default:
			}
		})
	}
	scheduleTick()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.forceCh:
			c.runIteration(ctx, ReasonForced)
		case <-c.tickCh:
			c.runIteration(ctx, "")
			scheduleTick()
		}
	}
}

// tickScratch holds the per-iteration state fetched during the
// consistency check; a fresh value is created on every call to runIteration
// and discarded at its end (spec.md §9 "arena lifetime for per-iteration
// scratch" — Go's garbage collector plays the arena's role here).
type tickScratch struct {
	nodeMap    ctdbproto.NodeMap
	numActive  int
	routingMap ctdbproto.RoutingMap
}

// runIteration performs one consistency-check pass. forcedReason, when
// non-empty, skips the checks and runs recovery unconditionally (used by
// ForceRecovery).
func (c *ControlLoop) runIteration(ctx context.Context, forcedReason string) {
	scratch := &tickScratch{}

	localID, err := c.local.GetPNN(ctx)
	if err != nil {
		c.logger.Warn("get_pnn failed, skipping iteration", slog.Any("error", err))
		return
	}
	c.localID = localID

	scratch.nodeMap, err = c.local.GetNodeMap(ctx)
	if err != nil {
		c.logger.Warn("get_nodemap failed, skipping iteration", slog.Any("error", err))
		return
	}
	scratch.numActive = scratch.nodeMap.NumActive()
	if c.metrics != nil {
		c.metrics.SetActiveNodes(scratch.numActive)
	}

	if forcedReason == "" {
		reason, ok, err := c.checkConsistency(ctx, scratch)
		if err != nil {
			// An RPC failure during the check skips the remainder of this
			// iteration; it is never treated as divergence (spec.md §4.7,
			// §9 Open question).
			c.logger.Warn("consistency check failed, skipping iteration", slog.Any("error", err))
			return
		}
		if !ok {
			c.recordTick(scratch)
			return
		}
		forcedReason = reason
	}

	c.logger.Info("triggering recovery", slog.String("reason", forcedReason))
	if c.metrics != nil {
		c.metrics.RecordRecovery(forcedReason)
	}

	err = c.engine.Do(ctx, scratch.nodeMap, scratch.numActive)

	c.statusMu.Lock()
	c.status.LocalNID = c.localID
	c.status.NumActive = scratch.numActive
	c.status.NodeMap = scratch.nodeMap
	c.status.LastRecovery = time.Now()
	c.status.LastReason = forcedReason
	c.status.RecoveryCount++
	if err != nil {
		c.status.LastError = err.Error()
	} else {
		c.status.LastError = ""
		if vnn, vErr := c.local.GetVNNMap(ctx); vErr == nil {
			c.status.Generation = vnn.Generation
			c.status.RoutingMap = vnn
			if c.metrics != nil {
				c.metrics.SetGeneration(vnn.Generation)
			}
		}
	}
	c.statusMu.Unlock()
}

// checkConsistency runs spec.md §4.7 steps 5-8. It returns (reason, true,
// nil) on the first detected disagreement, (_, false, nil) when every
// CONNECTED peer agrees, or (_, false, err) when an RPC failed.
func (c *ControlLoop) checkConsistency(ctx context.Context, scratch *tickScratch) (string, bool, error) {
	var err error
	scratch.routingMap, err = c.local.GetVNNMap(ctx)
	if err != nil {
		return "", false, err
	}

	for _, n := range scratch.nodeMap.Nodes {
		if n.NID == c.localID || !n.Connected() {
			continue
		}
		p, ok := c.peers[n.NID]
		if !ok {
			return "", false, errUnknownPeer(n.NID)
		}

		peerNodeMap, err := p.GetNodeMap(ctx)
		if err != nil {
			return "", false, err
		}
		if !peerNodeMap.Equal(scratch.nodeMap) {
			return ReasonNodeMapMismatch, true, nil
		}
	}

	if scratch.routingMap.Size != uint32(scratch.numActive) {
		return ReasonVNNSizeMismatch, true, nil
	}

	for _, n := range scratch.nodeMap.Nodes {
		if n.NID == c.localID || !n.Connected() {
			continue
		}
		if !scratch.routingMap.Contains(n.NID) {
			return ReasonVNNMembership, true, nil
		}
	}

	for _, n := range scratch.nodeMap.Nodes {
		if n.NID == c.localID || !n.Connected() {
			continue
		}
		p, ok := c.peers[n.NID]
		if !ok {
			return "", false, errUnknownPeer(n.NID)
		}

		peerVNN, err := p.GetVNNMap(ctx)
		if err != nil {
			return "", false, err
		}
		if !peerVNN.Equal(scratch.routingMap) {
			return ReasonVNNContentMismatch, true, nil
		}
	}

	return "", false, nil
}

func (c *ControlLoop) recordTick(scratch *tickScratch) {
	if c.metrics != nil {
		c.metrics.SetGeneration(scratch.routingMap.Generation)
	}

	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	c.status.LocalNID = c.localID
	c.status.NumActive = scratch.numActive
	c.status.NodeMap = scratch.nodeMap
	c.status.RoutingMap = scratch.routingMap
	c.status.Generation = scratch.routingMap.Generation
}

type errUnknownPeer ctdbproto.NID

func (e errUnknownPeer) Error() string {
	return "recovery: no peer connection known for node " + ctdbproto.NID(e).String()
}
