// Package wire implements the frame accumulation and outbound queueing this
// rewrite uses to move requests and replies between the client library and
// peer connections. The peer wire byte layout is explicitly out of scope
// for this codebase (spec §6); this package defines its own length-prefixed
// framing rather than any real ctdbd on-wire format.
package wire

import (
	"container/list"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

// HeaderSize is the fixed size, in bytes, of every frame's header.
const HeaderSize = 20

// Header is the fixed portion of every frame: {length, operation, reqid,
// destnode, srcnode}, all uint32, matching spec §6's wire contract.
type Header struct {
	Length   uint32
	Op       uint32
	ReqID    uint32
	DestNode uint32
	SrcNode  uint32
}

// Frame is one complete message: a header plus its opcode-specific payload.
// Length always equals HeaderSize + len(Payload).
type Frame struct {
	Header  Header
	Payload []byte
}

// ErrWouldBlock indicates the operation could not complete without
// blocking; it is not an error condition, only a signal to retry later.
var ErrWouldBlock = errors.New("wire: would block")

// ErrBroken indicates the connection is no longer usable (EOF or a
// protocol-level I/O error was previously observed).
var ErrBroken = errors.New("wire: connection broken")

// Encode serializes f as a contiguous byte slice ready for TryWrite.
func Encode(f Frame) []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(HeaderSize+len(f.Payload)))
	binary.BigEndian.PutUint32(buf[4:8], f.Header.Op)
	binary.BigEndian.PutUint32(buf[8:12], f.Header.ReqID)
	binary.BigEndian.PutUint32(buf[12:16], f.Header.DestNode)
	binary.BigEndian.PutUint32(buf[16:20], f.Header.SrcNode)
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// -------------------------------------------------------------------------
// Outbound queue
// -------------------------------------------------------------------------

// OutQueue is a FIFO of pending outbound byte buffers, one entry per frame,
// with byte-level progress tracked within the head entry.
type OutQueue struct {
	l *list.List
}

type outEntry struct {
	buf []byte
	off int
}

// NewOutQueue returns an empty outbound queue.
func NewOutQueue() *OutQueue {
	return &OutQueue{l: list.New()}
}

// Enqueue appends an encoded frame to the tail of the queue.
func (q *OutQueue) Enqueue(encoded []byte) {
	q.l.PushBack(&outEntry{buf: encoded})
}

// Empty reports whether the queue has no pending frames.
func (q *OutQueue) Empty() bool {
	return q.l.Len() == 0
}

// TryWrite writes as much of the head-of-queue frame as w accepts without
// blocking. A short write (w.Write returning less than requested, or
// io.ErrShortWrite) is folded into ErrWouldBlock rather than propagated as
// an error, consistent with the "would_block is not an error" contract of
// the original buffer component.
func (q *OutQueue) TryWrite(w io.Writer) (int, error) {
	total := 0
	for {
		front := q.l.Front()
		if front == nil {
			return total, nil
		}
		entry := front.Value.(*outEntry)

		n, err := w.Write(entry.buf[entry.off:])
		total += n
		entry.off += n

		if err != nil {
			if ne, ok := err.(net.Error); (ok && ne.Timeout()) || err == io.ErrShortWrite {
				return total, ErrWouldBlock
			}
			return total, fmt.Errorf("%w: %v", ErrBroken, err)
		}

		if entry.off < len(entry.buf) {
			return total, ErrWouldBlock
		}

		q.l.Remove(front)
	}
}

// -------------------------------------------------------------------------
// Inbound assembly
// -------------------------------------------------------------------------

// InAssembler holds at most one partially-received inbound frame.
type InAssembler struct {
	buf []byte
}

// NewInAssembler returns an empty inbound assembler.
func NewInAssembler() *InAssembler {
	return &InAssembler{}
}

// TryRead reads as much as r offers without blocking and returns a complete
// Frame once the header and payload are fully assembled. It returns
// ErrWouldBlock if a full frame is not yet available, or ErrBroken wrapping
// io.EOF / the underlying error if the connection has failed.
func (a *InAssembler) TryRead(r io.Reader) (Frame, error) {
	chunk := make([]byte, 4096)
	for {
		if complete, ok := a.tryExtract(); ok {
			return complete, nil
		}

		n, err := r.Read(chunk)
		if n > 0 {
			a.buf = append(a.buf, chunk[:n]...)
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return Frame{}, ErrWouldBlock
			}
			return Frame{}, fmt.Errorf("%w: %v", ErrBroken, err)
		}
		if n == 0 {
			return Frame{}, ErrWouldBlock
		}
	}
}

func (a *InAssembler) tryExtract() (Frame, bool) {
	if len(a.buf) < HeaderSize {
		return Frame{}, false
	}

	length := binary.BigEndian.Uint32(a.buf[0:4])
	if length < HeaderSize {
		return Frame{}, false
	}
	if uint32(len(a.buf)) < length {
		return Frame{}, false
	}

	hdr := Header{
		Length:   length,
		Op:       binary.BigEndian.Uint32(a.buf[4:8]),
		ReqID:    binary.BigEndian.Uint32(a.buf[8:12]),
		DestNode: binary.BigEndian.Uint32(a.buf[12:16]),
		SrcNode:  binary.BigEndian.Uint32(a.buf[16:20]),
	}

	payload := make([]byte, length-HeaderSize)
	copy(payload, a.buf[HeaderSize:length])

	remainder := make([]byte, len(a.buf)-int(length))
	copy(remainder, a.buf[length:])
	a.buf = remainder

	return Frame{Header: hdr, Payload: payload}, true
}
