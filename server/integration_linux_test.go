//go:build linux

// File: server/integration_linux_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// End-to-end tests running a real server and real clients over an
// AF_UNIX socket in a per-test temp directory.

package server_test

import (
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/momentics/mwrs"
	"github.com/momentics/mwrs/client"
	"github.com/momentics/mwrs/protocol"
	"github.com/momentics/mwrs/server"
)

type harness struct {
	t    *testing.T
	srv  *server.Server
	path string
	root string

	connects    atomic.Int64
	disconnects atomic.Int64
	watches     atomic.Int64
	unwatches   atomic.Int64

	lastArgv atomic.Value // []string
}

// start runs a file-exporting server: ids are paths under root, "ready"
// means the file exists.
func start(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, root: t.TempDir()}
	h.path = filepath.Join(t.TempDir(), "broker.sock")

	cb := server.Callbacks{
		Connect: func(c *server.Client, argv []string) mwrs.Status {
			h.connects.Add(1)
			h.lastArgv.Store(append([]string{}, argv...))
			if len(argv) > 0 && argv[0] == "deny" {
				return mwrs.StatusRefused
			}
			return mwrs.StatusSuccess
		},
		Disconnect: func(c *server.Client) { h.disconnects.Add(1) },
		Open: func(c *server.Client, id string, flags mwrs.OpenFlags) (server.ResourceSource, mwrs.Status) {
			full := filepath.Join(h.root, id)
			if _, err := os.Stat(full); err != nil {
				return server.ResourceSource{}, mwrs.StatusNotFound
			}
			return server.PathSource(full), mwrs.StatusSuccess
		},
		Stat: func(c *server.Client, id string) (mwrs.ResourceStatus, mwrs.Status) {
			fi, err := os.Stat(filepath.Join(h.root, id))
			if err != nil {
				return mwrs.ResourceStatus{State: mwrs.StatNotFound}, mwrs.StatusSuccess
			}
			return mwrs.ResourceStatus{
				State: mwrs.StatReady,
				Size:  fi.Size(),
				MTime: int32(fi.ModTime().Unix()),
			}, mwrs.StatusSuccess
		},
		Watch:   func(id string) mwrs.Status { h.watches.Add(1); return mwrs.StatusSuccess },
		Unwatch: func(id string) mwrs.Status { h.unwatches.Add(1); return mwrs.StatusSuccess },
	}

	srv, err := server.New("it", cb, server.WithSocketPath(h.path))
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	h.srv = srv
	t.Cleanup(func() { srv.Shutdown() })
	return h
}

func (h *harness) put(id, content string) {
	h.t.Helper()
	full := filepath.Join(h.root, id)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		h.t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		h.t.Fatalf("write: %v", err)
	}
}

func (h *harness) dial(argv ...string) *client.Conn {
	h.t.Helper()
	c, err := client.Dial("it", argv, client.WithSocketPath(h.path))
	if err != nil {
		h.t.Fatalf("client.Dial: %v", err)
	}
	h.t.Cleanup(func() { c.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHandshakeDeliversArgv(t *testing.T) {
	h := start(t)
	h.dial("alpha", "beta")

	waitFor(t, "connect callback", func() bool { return h.connects.Load() == 1 })
	argv := h.lastArgv.Load().([]string)
	if len(argv) != 2 || argv[0] != "alpha" || argv[1] != "beta" {
		t.Fatalf("argv = %q", argv)
	}
}

func TestConnectRejection(t *testing.T) {
	h := start(t)
	_, err := client.Dial("it", []string{"deny"}, client.WithSocketPath(h.path))
	if err != mwrs.StatusRefused {
		t.Fatalf("err = %v, want StatusRefused", err)
	}
	if h.disconnects.Load() != 0 {
		t.Error("disconnect fired for a rejected session")
	}
}

func TestOpenTransfersHandle(t *testing.T) {
	h := start(t)
	h.put("data/test.txt", "hello")
	c := h.dial()

	res, err := c.Open("data/test.txt", mwrs.OpenRead)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer res.Close()
	if !res.Flags().Has(mwrs.OpenRead) {
		t.Errorf("granted flags = %#x", res.Flags())
	}

	buf := make([]byte, 128)
	n, err := res.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 5 || string(buf[:n]) != "hello" {
		t.Fatalf("read %q (%d bytes), want hello", buf[:n], n)
	}
}

func TestOpenNotFound(t *testing.T) {
	h := start(t)
	c := h.dial()

	if _, err := c.Open("nope", mwrs.OpenRead); err != mwrs.StatusNotFound {
		t.Fatalf("err = %v, want StatusNotFound", err)
	}
}

func TestWritePermissionGating(t *testing.T) {
	h := start(t)
	h.put("ro.txt", "x")
	c := h.dial()

	res, err := c.Open("ro.txt", mwrs.OpenRead)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer res.Close()
	if _, err := res.Write([]byte("y")); err != mwrs.StatusPerm {
		t.Fatalf("Write err = %v, want StatusPerm", err)
	}
	if _, err := res.Seek(0, mwrs.SeekSet); err != mwrs.StatusPerm {
		t.Fatalf("Seek without SEEK flag err = %v, want StatusPerm", err)
	}
	if _, err := res.Tell(); err != mwrs.StatusPerm {
		t.Fatalf("Tell without SEEK flag err = %v, want StatusPerm", err)
	}
}

func TestSeekAndTell(t *testing.T) {
	h := start(t)
	h.put("s.txt", "0123456789")
	c := h.dial()

	res, err := c.Open("s.txt", mwrs.OpenRead|mwrs.OpenSeek)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer res.Close()
	if pos, err := res.Seek(4, mwrs.SeekSet); err != nil || pos != 4 {
		t.Fatalf("Seek = %d, %v", pos, err)
	}
	if pos, err := res.Tell(); err != nil || pos != 4 {
		t.Fatalf("Tell = %d, %v", pos, err)
	}
	buf := make([]byte, 2)
	if _, err := res.Read(buf); err != nil || string(buf) != "45" {
		t.Fatalf("read after seek = %q, %v", buf, err)
	}
}

func TestStat(t *testing.T) {
	h := start(t)
	h.put("st.txt", "abcde")
	c := h.dial()

	rs, err := c.Stat("st.txt")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if rs.State != mwrs.StatReady || rs.Size != 5 || rs.MTime == 0 {
		t.Fatalf("stat = %+v", rs)
	}

	rs, err = c.Stat("missing")
	if err != nil {
		t.Fatalf("Stat missing: %v", err)
	}
	if rs.State != mwrs.StatNotFound {
		t.Fatalf("missing state = %v", rs.State)
	}
}

func TestWatchEdgeSemantics(t *testing.T) {
	h := start(t)
	h.put("X", "ready")
	c1 := h.dial()
	c2 := h.dial()

	w1, err := c1.Watch("X")
	if err != nil {
		t.Fatalf("watch 1: %v", err)
	}
	w2, err := c2.Watch("X")
	if err != nil {
		t.Fatalf("watch 2: %v", err)
	}
	if h.watches.Load() != 1 {
		t.Fatalf("watch callbacks = %d, want 1", h.watches.Load())
	}

	// X exists, so both watchers get a synthesized READY after their
	// responses.
	for i, c := range []*client.Conn{c1, c2} {
		ev, err := c.WaitEvent()
		if err != nil {
			t.Fatalf("client %d WaitEvent: %v", i+1, err)
		}
		if ev.Type != mwrs.EventReady {
			t.Fatalf("client %d event = %+v, want READY", i+1, ev)
		}
	}

	if err := c1.CloseWatcher(w1); err != nil {
		t.Fatalf("close watcher 1: %v", err)
	}
	if h.unwatches.Load() != 0 {
		t.Fatal("unwatch fired with a subscriber left")
	}
	if err := c2.CloseWatcher(w2); err != nil {
		t.Fatalf("close watcher 2: %v", err)
	}
	if h.unwatches.Load() != 1 {
		t.Fatalf("unwatch callbacks = %d, want 1", h.unwatches.Load())
	}
}

func TestPushEventBroadcast(t *testing.T) {
	h := start(t)
	c1 := h.dial()
	c2 := h.dial()

	w1, err := c1.Watch("topic")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	w2, err := c2.Watch("topic")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	if st := h.srv.PushEvent("topic", mwrs.EventUpdate); st != mwrs.StatusSuccess {
		t.Fatalf("PushEvent: %v", st)
	}

	ev1, err := c1.WaitEvent()
	if err != nil {
		t.Fatalf("WaitEvent 1: %v", err)
	}
	ev2, err := c2.WaitEvent()
	if err != nil {
		t.Fatalf("WaitEvent 2: %v", err)
	}
	if ev1.Type != mwrs.EventUpdate || ev1.Watcher != w1.ID {
		t.Errorf("event 1 = %+v", ev1)
	}
	if ev2.Type != mwrs.EventUpdate || ev2.Watcher != w2.ID {
		t.Errorf("event 2 = %+v", ev2)
	}
}

func TestOpenWatchFailedOpenKeepsWatcher(t *testing.T) {
	h := start(t)
	c := h.dial()

	res, w, err := c.OpenWatch("ghost", mwrs.OpenRead)
	if err != mwrs.StatusNotFound {
		t.Fatalf("err = %v, want StatusNotFound", err)
	}
	if res != nil {
		t.Fatal("resource returned for failed open")
	}
	if !w.IsValid() {
		t.Fatal("watcher invalid after failed open")
	}

	// The watcher is live: creating the file and pushing READY reaches
	// this client.
	h.put("ghost", "now")
	if st := h.srv.PushEvent("ghost", mwrs.EventReady); st != mwrs.StatusSuccess {
		t.Fatalf("PushEvent: %v", st)
	}
	ev, err := c.WaitEvent()
	if err != nil {
		t.Fatalf("WaitEvent: %v", err)
	}
	if ev.Watcher != w.ID || ev.Type != mwrs.EventReady {
		t.Fatalf("event = %+v", ev)
	}

	if err := c.CloseWatcher(w); err != nil {
		t.Fatalf("CloseWatcher: %v", err)
	}
}

func TestOpenWatchSuppressesReady(t *testing.T) {
	h := start(t)
	h.put("present", "x")
	c := h.dial()

	res, w, err := c.OpenWatch("present", mwrs.OpenRead)
	if err != nil {
		t.Fatalf("OpenWatch: %v", err)
	}
	defer res.Close()
	if !w.IsValid() {
		t.Fatal("watcher invalid")
	}
	if ev, err := c.PollEvent(); err != mwrs.StatusAgain {
		t.Fatalf("PollEvent = %+v, %v; want StatusAgain", ev, err)
	}
}

func TestStatWatchSuppressesReady(t *testing.T) {
	h := start(t)
	h.put("sw.txt", "x")
	c := h.dial()

	rs, w, err := c.StatWatch("sw.txt")
	if err != nil {
		t.Fatalf("StatWatch: %v", err)
	}
	if rs.State != mwrs.StatReady || !w.IsValid() {
		t.Fatalf("state = %v, watcher valid = %v", rs.State, w.IsValid())
	}
	if _, err := c.PollEvent(); err != mwrs.StatusAgain {
		t.Fatalf("PollEvent err = %v, want StatusAgain", err)
	}
}

func TestWatcherOpen(t *testing.T) {
	h := start(t)
	h.put("wo.txt", "via watcher")
	c := h.dial()

	w, err := c.Watch("wo.txt")
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	res, err := c.WatcherOpen(w, mwrs.OpenRead)
	if err != nil {
		t.Fatalf("WatcherOpen: %v", err)
	}
	defer res.Close()
	buf := make([]byte, 32)
	n, _ := res.Read(buf)
	if string(buf[:n]) != "via watcher" {
		t.Fatalf("read %q", buf[:n])
	}
}

func TestResponseOrdering(t *testing.T) {
	h := start(t)
	c := h.dial()
	for i := 0; i < 20; i++ {
		id := filepath.Join("ord", string(rune('a'+i%26)))
		h.put(id, "x")
		rs, err := c.Stat(id)
		if err != nil {
			t.Fatalf("stat %d: %v", i, err)
		}
		if rs.State != mwrs.StatReady {
			t.Fatalf("stat %d state = %v", i, rs.State)
		}
	}
}

func TestDisconnectCleansWatchers(t *testing.T) {
	h := start(t)
	c := h.dial()
	if _, err := c.Watch("gone"); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if h.watches.Load() != 1 {
		t.Fatalf("watch callbacks = %d", h.watches.Load())
	}

	c.Close()
	waitFor(t, "disconnect", func() bool { return h.disconnects.Load() == 1 })
	waitFor(t, "unwatch on teardown", func() bool { return h.unwatches.Load() == 1 })
}

func TestProtocolErrorIsolation(t *testing.T) {
	h := start(t)
	h.put("ok.txt", "fine")
	good := h.dial()
	waitFor(t, "connect", func() bool { return h.connects.Load() == 1 })

	// Closing an unknown watcher is a protocol error: the offending
	// session dies, the other keeps working.
	rawViolation(t, h.path)

	if _, err := good.Open("ok.txt", mwrs.OpenRead); err != nil {
		t.Fatalf("good session affected: %v", err)
	}
}

// rawViolation handshakes and then closes a watcher that was never
// created, checking the session is torn down by the server.
func rawViolation(t *testing.T, path string) {
	t.Helper()
	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("raw dial: %v", err)
	}
	defer conn.Close()

	hs, err := protocol.EncodeHandshake(mwrs.Version, uint32(os.Getpid()), nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := conn.Write(hs); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	ack := readRawFrame(t, conn)
	msg, err := protocol.DecodeServer(ack)
	if err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if a := msg.(protocol.HandshakeAck); a.Status != mwrs.StatusSuccess {
		t.Fatalf("ack = %v", a.Status)
	}

	if _, err := conn.Write(protocol.EncodeCloseWatcher(424242)); err != nil {
		t.Fatalf("write violation: %v", err)
	}
	// Teardown without a response: the next read sees EOF.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	one := make([]byte, 1)
	if _, err := conn.Read(one); err == nil {
		t.Fatal("server answered a protocol violation instead of closing")
	}
}

func readRawFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	pre := make([]byte, protocol.PreambleSize)
	if _, err := readFullConn(conn, pre); err != nil {
		t.Fatalf("read preamble: %v", err)
	}
	length := binary.LittleEndian.Uint32(pre[4:8])
	frame := make([]byte, length)
	copy(frame, pre)
	if _, err := readFullConn(conn, frame[protocol.PreambleSize:]); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return frame
}

func readFullConn(conn net.Conn, p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := conn.Read(p[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestVersionMismatch(t *testing.T) {
	h := start(t)
	conn, err := net.Dial("unix", h.path)
	if err != nil {
		t.Fatalf("raw dial: %v", err)
	}
	defer conn.Close()

	hs, err := protocol.EncodeHandshake(0x00000001, uint32(os.Getpid()), nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := conn.Write(hs); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg, err := protocol.DecodeServer(readRawFrame(t, conn))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if a := msg.(protocol.HandshakeAck); a.Status != mwrs.StatusNotSupported {
		t.Fatalf("ack = %v, want StatusNotSupported", a.Status)
	}
	// The session closes after the ack.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	one := make([]byte, 1)
	if _, err := conn.Read(one); err == nil {
		t.Fatal("session stayed open after version mismatch")
	}
	if h.connects.Load() != 0 {
		t.Error("connect callback fired despite version mismatch")
	}
}

func TestManySessionsSpanWorkers(t *testing.T) {
	h := start(t)
	h.put("f.txt", "data")

	// More sessions than one worker's cap forces a second worker.
	conns := make([]*client.Conn, 20)
	for i := range conns {
		conns[i] = h.dial()
	}
	for i, c := range conns {
		rs, err := c.Stat("f.txt")
		if err != nil || rs.State != mwrs.StatReady {
			t.Fatalf("conn %d stat = %+v, %v", i, rs, err)
		}
	}
}

func TestShutdownRunsDisconnects(t *testing.T) {
	h := start(t)
	h.dial()
	h.dial()
	waitFor(t, "connects", func() bool { return h.connects.Load() == 2 })

	h.srv.Shutdown()
	waitFor(t, "disconnects on shutdown", func() bool { return h.disconnects.Load() == 2 })

	if _, err := client.Dial("it", nil, client.WithSocketPath(h.path)); err != mwrs.StatusUnavail {
		t.Fatalf("dial after shutdown err = %v, want StatusUnavail", err)
	}
}
