// Package client implements the asynchronous control RPC surface and the
// record-lock/migration protocol a recovery engine drives against peer
// nodes: attach database, get node map, get/set routing map, copy
// database, set/clear recovery mode, set data-master (spec §4.4), plus the
// record-lock fast-path/slow-path protocol (spec §4.5).
package client

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ctdbgo/recoverd/internal/ctdbproto"
	"github.com/ctdbgo/recoverd/internal/event"
	"github.com/ctdbgo/recoverd/internal/reqmux"
	"github.com/ctdbgo/recoverd/internal/wire"
)

// Control codes carried as the first 4 bytes of every control RPC payload,
// matching the ten operations spec §4.4 requires of the recovery engine.
const (
	CtlGetPNN uint32 = iota + 1
	CtlGetNodeMap
	CtlGetVNNMap
	CtlSetVNNMap
	CtlGetDBMap
	CtlGetDBName
	CtlCreateDB
	CtlCopyDB
	CtlSetDMaster
	CtlSetRecMode
)

// RecMode is the per-node recovery mode (spec §4.4 set_recmode).
type RecMode uint32

const (
	// RecModeNormal allows client mutations.
	RecModeNormal RecMode = iota
	// RecModeActive blocks client mutations during recovery.
	RecModeActive
)

func (m RecMode) String() string {
	if m == RecModeActive {
		return "ACTIVE"
	}
	return "NORMAL"
}

// ErrTimeout is returned when a control RPC does not complete within its
// per-call deadline.
var ErrTimeout = errors.New("client: rpc timeout")

// ErrRPCFailed is returned when a control RPC replies with non-zero status.
var ErrRPCFailed = errors.New("client: rpc failed")

// Peer is the set of control operations the recovery engine needs from one
// cluster peer (spec §4.4's table, one method per row). Connection
// implements Peer over the wire; tests and the recovery package's fake
// cluster harness use an in-memory implementation instead.
type Peer interface {
	GetPNN(ctx context.Context) (ctdbproto.NID, error)
	GetNodeMap(ctx context.Context) (ctdbproto.NodeMap, error)
	GetVNNMap(ctx context.Context) (ctdbproto.RoutingMap, error)
	SetVNNMap(ctx context.Context, m ctdbproto.RoutingMap) error
	GetDBMap(ctx context.Context) (ctdbproto.DatabaseMap, error)
	GetDBName(ctx context.Context, id ctdbproto.DatabaseID) (string, error)
	CreateDB(ctx context.Context, name string) (ctdbproto.DatabaseID, error)
	CopyDB(ctx context.Context, src, dst ctdbproto.NID, db ctdbproto.DatabaseID, lmaster ctdbproto.NID) error
	SetDMaster(ctx context.Context, node ctdbproto.NID, db ctdbproto.DatabaseID, newMaster ctdbproto.NID) error
	SetRecMode(ctx context.Context, node ctdbproto.NID, mode RecMode) error
}

// Connection is a client connection to one peer's local node daemon,
// carrying a request multiplexer and the background service loop that
// drains its outbound queue and dispatches inbound frames.
type Connection struct {
	mux      *reqmux.Mux
	conn     net.Conn
	logger   *slog.Logger
	deadline time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Dial opens a connection to address over network and starts its service
// loop. deadline is the per-call RPC deadline applied to every control
// operation (spec §4.4: "1-2 seconds typical").
func Dial(ctx context.Context, network, address string, deadline time.Duration, logger *slog.Logger) (*Connection, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s %s: %w", network, address, err)
	}
	return NewConnection(conn, deadline, logger), nil
}

// NewConnection wraps an already-established net.Conn, starting its
// service loop. Used by Dial and directly by tests driving a net.Pipe.
func NewConnection(conn net.Conn, deadline time.Duration, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		mux:      reqmux.New(logger),
		conn:     conn,
		logger:   logger.With(slog.String("component", "client")),
		deadline: deadline,
		cancel:   cancel,
	}
	c.wg.Add(1)
	go c.serviceLoop(ctx)
	return c
}

// Close stops the service loop and closes the underlying connection.
func (c *Connection) Close() error {
	c.cancel()
	c.wg.Wait()
	return c.conn.Close()
}

// Broken reports whether the connection has latched a failure.
func (c *Connection) Broken() bool {
	return c.mux.Broken()
}

// serviceLoop drains the outbound queue and dispatches inbound frames
// until ctx is cancelled or the connection breaks. Short read/write
// deadlines stand in for the original's poll()-driven readiness reactor
// (spec §4.1): each pass is one event.Loop timed registration that
// reschedules itself, rather than an fd-readiness callback registration.
func (c *Connection) serviceLoop(ctx context.Context) {
	defer c.wg.Done()
	c.mux.EnterService()

	const pollInterval = 50 * time.Millisecond

	loop := event.New(c.logger)
	done := make(chan struct{})

	var poll event.TimedFunc
	poll = func(time.Time) {
		select {
		case <-ctx.Done():
			close(done)
			return
		default:
		}

		c.conn.SetWriteDeadline(time.Now().Add(pollInterval)) //nolint:errcheck
		if _, err := c.mux.Out.TryWrite(c.conn); err != nil && !errors.Is(err, wire.ErrWouldBlock) {
			c.mux.MarkBroken(err)
			close(done)
			return
		}

		c.conn.SetReadDeadline(time.Now().Add(pollInterval)) //nolint:errcheck
		frame, err := c.mux.In.TryRead(c.conn)
		switch {
		case err == nil:
			c.mux.Dispatch(frame)
		case !errors.Is(err, wire.ErrWouldBlock):
			c.mux.MarkBroken(err)
			close(done)
			return
		}

		loop.AddAfter(0, poll)
	}

	loop.AddAfter(0, poll)
	<-done
}

// sendControlSync sends a control RPC with the given control code and
// payload, blocking until the reply arrives, ctx is cancelled, or the
// per-call deadline expires.
func (c *Connection) sendControlSync(ctx context.Context, code uint32, body []byte) ([]byte, error) {
	payload := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(payload[0:4], code)
	copy(payload[4:], body)

	type result struct {
		frame wire.Frame
		err   error
	}
	done := make(chan result, 1)

	reqID := c.mux.Send(reqmux.OpReqControl, 0, 0, payload, func(f wire.Frame, err error) {
		done <- result{frame: f, err: err}
	})

	timer := time.NewTimer(c.deadline)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		return decodeReply(r.frame)
	case <-ctx.Done():
		c.mux.Cancel(reqID)
		return nil, ctx.Err()
	case <-timer.C:
		c.mux.Cancel(reqID)
		return nil, ErrTimeout
	}
}

func decodeReply(f wire.Frame) ([]byte, error) {
	if len(f.Payload) < 4 {
		return nil, fmt.Errorf("%w: short reply payload", ErrRPCFailed)
	}
	status := binary.BigEndian.Uint32(f.Payload[0:4])
	if status != 0 {
		return nil, fmt.Errorf("%w: status=%d", ErrRPCFailed, status)
	}
	return f.Payload[4:], nil
}

// -------------------------------------------------------------------------
// Control operations
// -------------------------------------------------------------------------

// GetPNN returns the peer's own node id.
func (c *Connection) GetPNN(ctx context.Context) (ctdbproto.NID, error) {
	reply, err := c.sendControlSync(ctx, CtlGetPNN, nil)
	if err != nil {
		return 0, err
	}
	if len(reply) < 4 {
		return 0, fmt.Errorf("%w: short get_pnn reply", ErrRPCFailed)
	}
	return ctdbproto.NID(binary.BigEndian.Uint32(reply)), nil
}

// GetNodeMap returns the peer's node map.
func (c *Connection) GetNodeMap(ctx context.Context) (ctdbproto.NodeMap, error) {
	reply, err := c.sendControlSync(ctx, CtlGetNodeMap, nil)
	if err != nil {
		return ctdbproto.NodeMap{}, err
	}
	return ctdbproto.DecodeNodeMap(reply)
}

// GetVNNMap returns the peer's routing map.
func (c *Connection) GetVNNMap(ctx context.Context) (ctdbproto.RoutingMap, error) {
	reply, err := c.sendControlSync(ctx, CtlGetVNNMap, nil)
	if err != nil {
		return ctdbproto.RoutingMap{}, err
	}
	return ctdbproto.DecodeRoutingMap(reply)
}

// SetVNNMap replaces the peer's routing map.
func (c *Connection) SetVNNMap(ctx context.Context, m ctdbproto.RoutingMap) error {
	_, err := c.sendControlSync(ctx, CtlSetVNNMap, ctdbproto.EncodeRoutingMap(m))
	return err
}

// GetDBMap returns the peer's database set.
func (c *Connection) GetDBMap(ctx context.Context) (ctdbproto.DatabaseMap, error) {
	reply, err := c.sendControlSync(ctx, CtlGetDBMap, nil)
	if err != nil {
		return ctdbproto.DatabaseMap{}, err
	}
	return ctdbproto.DecodeDatabaseMap(reply)
}

// GetDBName returns the string name of database id.
func (c *Connection) GetDBName(ctx context.Context, id ctdbproto.DatabaseID) (string, error) {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, uint32(id))

	reply, err := c.sendControlSync(ctx, CtlGetDBName, body)
	if err != nil {
		return "", err
	}
	return string(reply), nil
}

// CreateDB creates a database named name if absent and returns its id.
func (c *Connection) CreateDB(ctx context.Context, name string) (ctdbproto.DatabaseID, error) {
	reply, err := c.sendControlSync(ctx, CtlCreateDB, []byte(name))
	if err != nil {
		return 0, err
	}
	if len(reply) < 4 {
		return 0, fmt.Errorf("%w: short create_db reply", ErrRPCFailed)
	}
	return ctdbproto.DatabaseID(binary.BigEndian.Uint32(reply)), nil
}

// CopyDB copies database db's records from src to dst, merging by
// per-record sequence number (higher wins).
func (c *Connection) CopyDB(ctx context.Context, src, dst ctdbproto.NID, db ctdbproto.DatabaseID, lmaster ctdbproto.NID) error {
	body := make([]byte, 16)
	binary.BigEndian.PutUint32(body[0:4], uint32(src))
	binary.BigEndian.PutUint32(body[4:8], uint32(dst))
	binary.BigEndian.PutUint32(body[8:12], uint32(db))
	binary.BigEndian.PutUint32(body[12:16], uint32(lmaster))

	_, err := c.sendControlSync(ctx, CtlCopyDB, body)
	return err
}

// SetDMaster reassigns all records in db on node to have newMaster as
// data-master.
func (c *Connection) SetDMaster(ctx context.Context, node ctdbproto.NID, db ctdbproto.DatabaseID, newMaster ctdbproto.NID) error {
	body := make([]byte, 12)
	binary.BigEndian.PutUint32(body[0:4], uint32(node))
	binary.BigEndian.PutUint32(body[4:8], uint32(db))
	binary.BigEndian.PutUint32(body[8:12], uint32(newMaster))

	_, err := c.sendControlSync(ctx, CtlSetDMaster, body)
	return err
}

// SetRecMode puts node into the given recovery mode.
func (c *Connection) SetRecMode(ctx context.Context, node ctdbproto.NID, mode RecMode) error {
	body := make([]byte, 8)
	binary.BigEndian.PutUint32(body[0:4], uint32(node))
	binary.BigEndian.PutUint32(body[4:8], uint32(mode))

	_, err := c.sendControlSync(ctx, CtlSetRecMode, body)
	return err
}

var _ Peer = (*Connection)(nil)
