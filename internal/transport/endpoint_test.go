//go:build linux

// File: internal/transport/endpoint_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport_test

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/momentics/mwrs"
	"github.com/momentics/mwrs/internal/transport"
	"github.com/momentics/mwrs/protocol"
)

// pair returns a nonblocking endpoint, the blocking peer fd, and an
// idempotent closer for the peer side.
func pair(t *testing.T) (*transport.Endpoint, int, func()) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		t.Fatalf("set nonblock: %v", err)
	}
	ep := transport.NewEndpoint(fds[0])
	peer := fds[1]
	closed := false
	closePeer := func() {
		if !closed {
			closed = true
			unix.Close(peer)
		}
	}
	t.Cleanup(func() { ep.Close(); closePeer() })
	return ep, peer, closePeer
}

func TestReadReassemblesSplitFrames(t *testing.T) {
	ep, peer, _ := pair(t)

	frame, err := protocol.EncodeResourceRequest(protocol.ClOpen, mwrs.OpenRead, "some/id")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	// Byte-dribble the frame: the two-phase reader must hold partial
	// state across ticks and yield exactly one frame at the end.
	for i := range frame {
		if _, err := unix.Write(peer, frame[i:i+1]); err != nil {
			t.Fatalf("peer write: %v", err)
		}
		frames, err := ep.ReadFrames()
		if err != nil {
			t.Fatalf("ReadFrames at byte %d: %v", i, err)
		}
		if i < len(frame)-1 {
			if len(frames) != 0 {
				t.Fatalf("frame yielded early at byte %d", i)
			}
			continue
		}
		if len(frames) != 1 || !bytes.Equal(frames[0], frame) {
			t.Fatalf("final tick: got %d frames", len(frames))
		}
	}
}

func TestReadManyFramesOneTick(t *testing.T) {
	ep, peer, _ := pair(t)

	var sent [][]byte
	for i := 0; i < 5; i++ {
		f := protocol.EncodeCloseWatcher(mwrs.WatcherID(i + 1))
		sent = append(sent, f)
		if _, err := unix.Write(peer, f); err != nil {
			t.Fatalf("peer write: %v", err)
		}
	}
	frames, err := ep.ReadFrames()
	if err != nil {
		t.Fatalf("ReadFrames: %v", err)
	}
	if len(frames) != len(sent) {
		t.Fatalf("got %d frames, want %d", len(frames), len(sent))
	}
	for i := range sent {
		if !bytes.Equal(frames[i], sent[i]) {
			t.Errorf("frame %d mismatch", i)
		}
	}
}

func TestReadRejectsOversizeFrame(t *testing.T) {
	ep, peer, _ := pair(t)

	var pre [8]byte
	pre[4] = 0xff
	pre[5] = 0xff
	pre[6] = 0xff // length = 0x00ffffff, far above the ceiling
	if _, err := unix.Write(peer, pre[:]); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	if _, err := ep.ReadFrames(); !errors.Is(err, protocol.ErrFrameTooLarge) {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}
	if !ep.Disconnected() {
		t.Error("endpoint not latched after protocol violation")
	}
}

func TestReadEOF(t *testing.T) {
	ep, _, closePeer := pair(t)
	closePeer()

	if _, err := ep.ReadFrames(); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
	if err := ep.Enqueue(protocol.EncodeHandshakeAck(mwrs.StatusSuccess), -1); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Enqueue after EOF: err = %v", err)
	}
}

func TestFlushDrainsInOrder(t *testing.T) {
	ep, peer, _ := pair(t)

	first := protocol.EncodeHandshakeAck(mwrs.StatusSuccess)
	second := protocol.EncodeEvent(3, mwrs.EventReady)
	if err := ep.Enqueue(first, -1); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := ep.Enqueue(second, -1); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	pending, err := ep.Flush()
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if pending {
		t.Fatal("small frames left pending")
	}

	buf := make([]byte, 64)
	n, err := unix.Read(peer, buf)
	if err != nil {
		t.Fatalf("peer read: %v", err)
	}
	if want := append(append([]byte{}, first...), second...); !bytes.Equal(buf[:n], want) {
		t.Fatalf("peer received %d bytes, want %d in order", n, len(want))
	}
}

func TestDescriptorShipsWithFrame(t *testing.T) {
	ep, peer, _ := pair(t)

	tmp, err := os.CreateTemp(t.TempDir(), "payload")
	if err != nil {
		t.Fatalf("temp file: %v", err)
	}
	if _, err := tmp.WriteString("hello"); err != nil {
		t.Fatalf("write: %v", err)
	}
	tmp.Close()

	f, err := os.Open(tmp.Name())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	dup, err := unix.Dup(int(f.Fd()))
	if err != nil {
		t.Fatalf("dup: %v", err)
	}
	f.Close()

	frame := protocol.EncodeCommonResponse(protocol.CommonResponse{
		Status: mwrs.StatusSuccess,
		Flags:  mwrs.OpenRead,
		Handle: uint32(dup),
	})
	if err := ep.Enqueue(frame, dup); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := ep.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	buf := make([]byte, 128)
	oob := make([]byte, 128)
	n, oobn, _, _, err := unix.Recvmsg(peer, buf, oob, 0)
	if err != nil {
		t.Fatalf("recvmsg: %v", err)
	}
	if !bytes.Equal(buf[:n], frame) {
		t.Fatalf("frame bytes differ across the socket")
	}
	scms, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil || len(scms) != 1 {
		t.Fatalf("control messages: %v (%d)", err, len(scms))
	}
	fds, err := unix.ParseUnixRights(&scms[0])
	if err != nil || len(fds) != 1 {
		t.Fatalf("unix rights: %v (%d)", err, len(fds))
	}
	got := os.NewFile(uintptr(fds[0]), "received")
	defer got.Close()
	data := make([]byte, 16)
	rn, err := got.Read(data)
	if err != nil {
		t.Fatalf("read through received fd: %v", err)
	}
	if string(data[:rn]) != "hello" {
		t.Fatalf("read %q through received fd", data[:rn])
	}
}

func TestUnshippedDescriptorClosedOnLatch(t *testing.T) {
	ep, _, closePeer := pair(t)
	closePeer()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer w.Close()
	fd, err := unix.Dup(int(r.Fd()))
	if err != nil {
		t.Fatalf("dup: %v", err)
	}
	r.Close()

	if err := ep.Enqueue(protocol.EncodeHandshakeAck(mwrs.StatusSuccess), fd); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := ep.Flush(); err == nil {
		t.Fatal("flush to dead peer succeeded")
	}
	// The duplicated read end must be closed by the latch: writing to the
	// pipe now fails with EPIPE instead of blocking on a full buffer.
	if _, err := unix.Write(int(w.Fd()), []byte("x")); err != unix.EPIPE {
		t.Fatalf("pipe write err = %v, want EPIPE", err)
	}
}
