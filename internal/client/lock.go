package client

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/maphash"

	"github.com/ctdbgo/recoverd/internal/ctdbproto"
	"github.com/ctdbgo/recoverd/internal/reqmux"
	"github.com/ctdbgo/recoverd/internal/store"
	"github.com/ctdbgo/recoverd/internal/wire"
)

// Call opcodes and flags for the migration RPC (spec §6: "REQ_CALL /
// REPLY_CALL with function id NULL_FUNC and flag IMMEDIATE_MIGRATION").
const (
	callFuncNull               uint32 = 0
	callFlagImmediateMigration uint32 = 1
)

// magicSeed is created once per process. The original derives a lock's
// magic cookie from the key's pointer identity; Go has no stable
// pointer-to-integer identity across a relocatable heap, so this rewrite
// hashes the key's bytes instead, preserving "deterministic function of
// the key" (spec §9 Design Notes) while remaining memory-safe.
var magicSeed = maphash.MakeSeed()

// keyMagic computes the deterministic magic cookie for key.
func keyMagic(key []byte) uint64 {
	h := maphash.Bytes(magicSeed, key)
	return (h ^ 0xBADC0FFEEBADC0DE) | 1
}

// ErrWrongDatabase indicates a lock is being used against a database other
// than the one it was acquired on.
var ErrWrongDatabase = errors.New("client: lock used against wrong database")

// ErrStaleLock indicates a lock handle's magic cookie does not match the
// deterministic function of its key — either the handle was corrupted or
// it has already been released.
var ErrStaleLock = errors.New("client: stale lock handle")

// ErrPersistentWrite indicates a write was attempted against a persistent
// database, which this protocol rejects (spec §4.5 step 4).
var ErrPersistentWrite = errors.New("client: write to persistent database rejected")

// Lock is an opaque handle returned by LockManager.ReadRecordLock. It is
// self-validating: Write and Release check Lock.magic against the
// deterministic function of its key before acting (spec §9: "self
// validating lock handle").
type Lock struct {
	db         ctdbproto.DatabaseID
	key        []byte
	header     ctdbproto.RecordHeader
	magic      uint64
	unlock     func()
	persistent bool
	released   bool
}

// Persistent reports whether the lock was acquired against a database
// registered as persistent, which rejects writes (spec §4.5 step 4).
func (l *Lock) Persistent() bool {
	return l.persistent
}

// Magic returns the lock's magic cookie, exposed for tests asserting it
// equals the deterministic function of the locked key (spec §8 scenario 4).
func (l *Lock) Magic() uint64 {
	return l.magic
}

// LockManager drives the record-lock and migration protocol against a
// local store and the local node daemon connection used to request
// migration (spec §4.5).
type LockManager struct {
	localNID      ctdbproto.NID
	store         store.Store
	conn          *Connection
	mux           *reqmux.Mux
	persistentDBs map[ctdbproto.DatabaseID]bool
}

// NewLockManager creates a LockManager. conn is the connection to the
// local node daemon, used only to issue migration CALL requests; its
// multiplexer also enforces the at-most-one-lock-per-connection invariant.
// persistentDBs marks which database ids were attached with
// DB_ATTACH_PERSISTENT (spec §4.4, §4.5 step 4); writes against them are
// rejected. A nil map means no database on this node is persistent.
func NewLockManager(localNID ctdbproto.NID, st store.Store, conn *Connection, persistentDBs map[ctdbproto.DatabaseID]bool) *LockManager {
	return &LockManager{
		localNID:      localNID,
		store:         st,
		conn:          conn,
		mux:           conn.mux,
		persistentDBs: persistentDBs,
	}
}

// ReadRecordLock acquires an exclusive lock on key in database db. If the
// local node is not yet the record's data-master, it drives the slow-path
// migration protocol (spec §4.5 steps 2-3) until it becomes data-master,
// retrying unboundedly unless ctx is cancelled.
func (lm *LockManager) ReadRecordLock(ctx context.Context, db ctdbproto.DatabaseID, key []byte) (*Lock, []byte, error) {
	if err := lm.mux.HoldLock(); err != nil {
		return nil, nil, err
	}

	for {
		lock, value, isMaster, err := lm.tryFastPath(db, key)
		if err != nil {
			lm.mux.ReleaseLock()
			return nil, nil, err
		}
		if isMaster {
			return lock, value, nil
		}

		// Slow path: request migration, then retry the fast path.
		if err := lm.requestMigration(ctx, key); err != nil {
			lm.mux.ReleaseLock()
			return nil, nil, err
		}

		select {
		case <-ctx.Done():
			lm.mux.ReleaseLock()
			return nil, nil, ctx.Err()
		default:
		}
	}
}

// tryFastPath is the fast path of spec §4.5 step 1: acquire the chain
// lock, fetch the header, and check data-mastership. It returns isMaster
// = false (with the chain lock released) when migration is required.
func (lm *LockManager) tryFastPath(db ctdbproto.DatabaseID, key []byte) (*Lock, []byte, bool, error) {
	unlock, err := lm.store.ChainLock(key)
	if err != nil {
		return nil, nil, false, fmt.Errorf("client: chain lock: %w", err)
	}

	header, value, err := lm.store.Fetch(key)
	if errors.Is(err, store.ErrNotFound) {
		// First write: this node originates the record and is trivially
		// its own data-master.
		header = &ctdbproto.RecordHeader{DMaster: lm.localNID, Sequence: 0}
		if err := lm.store.Store(key, header, nil); err != nil {
			unlock()
			return nil, nil, false, fmt.Errorf("client: initialize record: %w", err)
		}
		value = nil
	} else if err != nil {
		unlock()
		return nil, nil, false, fmt.Errorf("client: fetch: %w", err)
	}

	if header.DMaster != lm.localNID {
		unlock()
		return nil, nil, false, nil
	}

	lock := &Lock{
		db:         db,
		key:        append([]byte(nil), key...),
		header:     *header,
		magic:      keyMagic(key),
		unlock:     unlock,
		persistent: lm.persistentDBs[db],
	}
	return lock, value, true, nil
}

// requestMigration sends the NULL_FUNC CALL with IMMEDIATE_MIGRATION to
// CURRENT_NODE and waits for the reply (spec §4.5 step 2-3).
func (lm *LockManager) requestMigration(ctx context.Context, key []byte) error {
	payload := make([]byte, 8+len(key))
	binary.BigEndian.PutUint32(payload[0:4], callFuncNull)
	binary.BigEndian.PutUint32(payload[4:8], callFlagImmediateMigration)
	copy(payload[8:], key)

	type result struct {
		frame wire.Frame
		err   error
	}
	done := make(chan result, 1)

	reqID := lm.mux.Send(reqmux.OpReqCall, uint32(ctdbproto.CurrentNode), 0, payload, func(f wire.Frame, err error) {
		done <- result{frame: f, err: err}
	})

	select {
	case r := <-done:
		if r.err != nil {
			return r.err
		}
		_, err := decodeReply(r.frame)
		return err
	case <-ctx.Done():
		lm.mux.Cancel(reqID)
		return ctx.Err()
	}
}

// WriteRecord validates the lock and writes data under it. Writes that
// change neither the header nor the value are optimized to a no-op by the
// underlying store.
func (lm *LockManager) WriteRecord(l *Lock, data []byte) error {
	if err := lm.validate(l); err != nil {
		return err
	}
	if l.persistent {
		return ErrPersistentWrite
	}
	return lm.store.Store(l.key, &l.header, data)
}

// ReleaseLock validates the lock, drops the chain lock, and invalidates
// the handle. Using a released lock afterward is an error.
func (lm *LockManager) ReleaseLock(l *Lock) error {
	if err := lm.validate(l); err != nil {
		return err
	}
	l.unlock()
	l.released = true
	l.magic = 0
	lm.mux.ReleaseLock()
	return nil
}

func (lm *LockManager) validate(l *Lock) error {
	if l == nil || l.released {
		return ErrStaleLock
	}
	if l.magic != keyMagic(l.key) {
		return ErrStaleLock
	}
	return nil
}
