//go:build unix

// File: internal/transport/endpoint_unix.go
// Package transport - framed endpoint over a nonblocking AF_UNIX stream.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// An Endpoint owns one connected socket descriptor and runs two
// independent state machines over it. The reader is strictly two-phase:
// exactly the 8-byte preamble first, then the declared remainder. The
// writer drains a FIFO of frames, one scheduled write per frame; a frame
// may carry a descriptor, shipped as SCM_RIGHTS ancillary data with the
// frame's first byte. Any I/O error other than would-block latches the
// endpoint into the disconnected state, after which no frames are read
// or written and every unshipped descriptor is closed.

package transport

import (
	"errors"
	"fmt"
	"sync"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"

	"github.com/momentics/mwrs/protocol"
)

// ErrClosed is returned once the endpoint has latched disconnected.
var ErrClosed = errors.New("endpoint is closed")

// readBurst bounds frames consumed per tick so one chatty peer cannot
// monopolize its worker; level-triggered polling re-fires for the rest.
const readBurst = 32

type outFrame struct {
	frame []byte
	fd    int // descriptor riding along, -1 for none
}

// Endpoint is a framed duplex channel over one socket descriptor.
// The read side is single-owner (the worker goroutine); the write queue
// accepts frames from any goroutine.
type Endpoint struct {
	fd int

	// Reader state, owned by the ticking goroutine.
	preamble [protocol.PreambleSize]byte
	preGot   int
	body     []byte
	bodyGot  int

	mu           sync.Mutex
	wq           *queue.Queue // of *outFrame
	cur          *outFrame
	curOff       int
	disconnected bool
}

// NewEndpoint wraps an already-connected nonblocking descriptor.
func NewEndpoint(fd int) *Endpoint {
	return &Endpoint{fd: fd, wq: queue.New()}
}

// Fd exposes the descriptor for poller registration.
func (e *Endpoint) Fd() int { return e.fd }

// Disconnected reports whether the endpoint has latched closed.
func (e *Endpoint) Disconnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disconnected
}

// Enqueue appends one frame to the write queue, taking ownership of fd
// (pass -1 for none). If the endpoint is already disconnected the frame
// is dropped and the descriptor closed immediately, preserving the
// exactly-once transfer invariant.
func (e *Endpoint) Enqueue(frame []byte, fd int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disconnected {
		if fd >= 0 {
			unix.Close(fd)
		}
		return ErrClosed
	}
	e.wq.Add(&outFrame{frame: frame, fd: fd})
	return nil
}

// HasPending reports whether the writer still has frames to drain.
func (e *Endpoint) HasPending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.disconnected && (e.cur != nil || e.wq.Length() > 0)
}

// ReadFrames advances the read state machine until the socket would
// block, the burst limit is hit, or the peer is gone. It returns the
// complete frames received. EOF and fatal socket errors latch the
// endpoint and surface as ErrClosed; a preamble that violates the frame
// contract surfaces the protocol error itself.
func (e *Endpoint) ReadFrames() ([][]byte, error) {
	if e.Disconnected() {
		return nil, ErrClosed
	}
	var frames [][]byte
	for len(frames) < readBurst {
		if e.preGot < protocol.PreambleSize {
			n, err := unix.Read(e.fd, e.preamble[e.preGot:])
			if stop, rerr := e.readOutcome(n, err); stop {
				return frames, rerr
			}
			e.preGot += n
			if e.preGot < protocol.PreambleSize {
				continue
			}
			length, err := protocol.FrameLength(e.preamble[:])
			if err != nil {
				e.latch()
				return frames, err
			}
			e.body = make([]byte, length-protocol.PreambleSize)
			e.bodyGot = 0
		}
		for e.bodyGot < len(e.body) {
			n, err := unix.Read(e.fd, e.body[e.bodyGot:])
			if stop, rerr := e.readOutcome(n, err); stop {
				return frames, rerr
			}
			e.bodyGot += n
		}

		frame := make([]byte, protocol.PreambleSize+len(e.body))
		copy(frame, e.preamble[:])
		copy(frame[protocol.PreambleSize:], e.body)
		frames = append(frames, frame)
		e.preGot = 0
		e.body = nil
		e.bodyGot = 0
	}
	return frames, nil
}

// readOutcome folds a read result into (stop, error). A zero-byte read
// is EOF; EAGAIN pauses the state machine without error.
func (e *Endpoint) readOutcome(n int, err error) (bool, error) {
	switch {
	case err == unix.EAGAIN:
		return true, nil
	case err == unix.EINTR:
		return false, nil
	case err != nil:
		e.latch()
		return true, fmt.Errorf("read: %v: %w", err, ErrClosed)
	case n == 0:
		e.latch()
		return true, ErrClosed
	}
	return false, nil
}

// Flush drains the write queue until it empties or the socket would
// block. It reports whether output remains pending (the caller then
// enables write-readiness polling).
func (e *Endpoint) Flush() (pending bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disconnected {
		return false, ErrClosed
	}
	for {
		if e.cur == nil {
			if e.wq.Length() == 0 {
				return false, nil
			}
			e.cur = e.wq.Remove().(*outFrame)
			e.curOff = 0
		}

		var n int
		var werr error
		if e.curOff == 0 && e.cur.fd >= 0 {
			// Ancillary payload rides with the first byte of the frame.
			n, werr = unix.SendmsgN(e.fd, e.cur.frame, unix.UnixRights(e.cur.fd), nil, 0)
			if werr == nil && n > 0 {
				// The kernel holds its own reference now; the local copy
				// is done regardless of how the rest of the frame fares.
				unix.Close(e.cur.fd)
				e.cur.fd = -1
			}
		} else {
			n, werr = unix.Write(e.fd, e.cur.frame[e.curOff:])
		}

		switch {
		case werr == unix.EAGAIN:
			return true, nil
		case werr == unix.EINTR:
			continue
		case werr != nil:
			e.latchLocked()
			return false, fmt.Errorf("write: %v: %w", werr, ErrClosed)
		}

		e.curOff += n
		if e.curOff == len(e.cur.frame) {
			e.cur = nil
		}
	}
}

func (e *Endpoint) latch() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.latchLocked()
}

// latchLocked marks the endpoint disconnected and closes every
// descriptor still waiting in the queue.
func (e *Endpoint) latchLocked() {
	if e.disconnected {
		return
	}
	e.disconnected = true
	if e.cur != nil && e.cur.fd >= 0 {
		unix.Close(e.cur.fd)
		e.cur.fd = -1
	}
	e.cur = nil
	for e.wq.Length() > 0 {
		if f := e.wq.Remove().(*outFrame); f.fd >= 0 {
			unix.Close(f.fd)
		}
	}
}

// Close latches the endpoint and closes the socket itself.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	first := !e.disconnected
	e.latchLocked()
	if first {
		return unix.Close(e.fd)
	}
	return nil
}
