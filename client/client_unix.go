//go:build unix

// File: client/client_unix.go
// Package client implements the broker's consuming side: one blocking
// connection to a local server, request/response round-trips, and the
// event queue fed by watcher notifications.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The API is blocking and synchronous by contract: a mutex serializes
// round-trips, so at most one request is in flight per connection. A
// dedicated reader goroutine demultiplexes responses from asynchronous
// events; descriptors received as ancillary data pair with responses in
// arrival order. Resource I/O never touches the connection — it runs
// directly on the transferred descriptor.

package client

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
	"pkt.systems/pslog"

	"github.com/momentics/mwrs"
	"github.com/momentics/mwrs/protocol"
)

// dialRetry bounds how long Dial keeps retrying a refused socket before
// reporting the server unavailable.
const dialRetry = 2 * time.Second

type response struct {
	msg  protocol.ServerMessage
	file *os.File
}

// Conn is one live connection to a broker server.
type Conn struct {
	fd  int
	log pslog.Logger

	reqMu  sync.Mutex // serializes request/response round-trips
	respCh chan response

	events *eventQueue

	broken     atomic.Bool
	closeOnce  sync.Once
	readerDone chan struct{}
}

type dialConfig struct {
	socketPath string
	logger     pslog.Logger
}

// DialOption adjusts Dial behavior.
type DialOption func(*dialConfig)

// WithLogger installs a structured logger on the connection.
func WithLogger(l pslog.Logger) DialOption {
	return func(c *dialConfig) { c.logger = l }
}

// WithSocketPath overrides the rendezvous path derived from the name.
func WithSocketPath(path string) DialOption {
	return func(c *dialConfig) { c.socketPath = path }
}

// Dial connects to the local server named serverName, performs the
// handshake and hands argv to the server's connect callback. The error,
// when non-nil, is always a mwrs.Status.
func Dial(serverName string, argv []string, opts ...DialOption) (*Conn, error) {
	if !mwrs.ValidServerName(serverName) {
		return nil, mwrs.StatusArgs
	}
	cfg := dialConfig{logger: pslog.NoopLogger()}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.socketPath == "" {
		cfg.socketPath = mwrs.SocketPath(serverName)
	}

	fd, st := connectSocket(cfg.socketPath)
	if st != mwrs.StatusSuccess {
		return nil, st
	}

	c := &Conn{
		fd:         fd,
		log:        cfg.logger,
		respCh:     make(chan response, 1),
		events:     newEventQueue(),
		readerDone: make(chan struct{}),
	}

	hs, err := protocol.EncodeHandshake(mwrs.Version, uint32(os.Getpid()), argv)
	if err != nil {
		unix.Close(fd)
		return nil, mwrs.StatusArgs
	}
	if !c.writeAll(hs) {
		unix.Close(fd)
		return nil, mwrs.StatusBroken
	}

	// The ack is the first server frame; nothing can precede it, so a
	// direct blocking read here cannot swallow later traffic.
	ackFrame, st := readFrame(fd)
	if st != mwrs.StatusSuccess {
		unix.Close(fd)
		return nil, st
	}
	msg, derr := protocol.DecodeServer(ackFrame)
	if derr != nil {
		unix.Close(fd)
		return nil, mwrs.StatusProtocol
	}
	ack, ok := msg.(protocol.HandshakeAck)
	if !ok {
		unix.Close(fd)
		return nil, mwrs.StatusProtocol
	}
	if ack.Status != mwrs.StatusSuccess {
		unix.Close(fd)
		return nil, ack.Status
	}

	go c.readLoop()
	c.log.Debug("connected", "server", serverName, "socket", cfg.socketPath)
	return c, nil
}

func connectSocket(path string) (int, mwrs.Status) {
	deadline := time.Now().Add(dialRetry)
	for {
		fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			return -1, mwrs.StatusSystem
		}
		err = unix.Connect(fd, &unix.SockaddrUnix{Name: path})
		if err == nil {
			return fd, mwrs.StatusSuccess
		}
		unix.Close(fd)
		switch err {
		case unix.ENOENT:
			return -1, mwrs.StatusUnavail
		case unix.ECONNREFUSED:
			// A stale socket or a server mid-restart; retry briefly.
			if time.Now().After(deadline) {
				return -1, mwrs.StatusUnavail
			}
			time.Sleep(50 * time.Millisecond)
		case unix.EINTR:
		default:
			return -1, mwrs.StatusSystem
		}
	}
}

// readFrame performs one blocking exact-length frame read.
func readFrame(fd int) ([]byte, mwrs.Status) {
	pre := make([]byte, protocol.PreambleSize)
	if st := readFull(fd, pre); st != mwrs.StatusSuccess {
		return nil, st
	}
	length, err := protocol.FrameLength(pre)
	if err != nil {
		return nil, mwrs.StatusProtocol
	}
	frame := make([]byte, length)
	copy(frame, pre)
	if st := readFull(fd, frame[protocol.PreambleSize:]); st != mwrs.StatusSuccess {
		return nil, st
	}
	return frame, mwrs.StatusSuccess
}

func readFull(fd int, p []byte) mwrs.Status {
	for len(p) > 0 {
		n, err := unix.Read(fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return mwrs.StatusSystem
		}
		if n == 0 {
			return mwrs.StatusBroken
		}
		p = p[n:]
	}
	return mwrs.StatusSuccess
}

func (c *Conn) writeAll(p []byte) bool {
	for len(p) > 0 {
		n, err := unix.Write(c.fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false
		}
		p = p[n:]
	}
	return true
}

// readLoop owns the socket's receive side until the connection dies:
// events go to the queue, responses to the single waiting round-trip.
func (c *Conn) readLoop() {
	defer close(c.readerDone)
	defer c.markBroken()

	var acc []byte
	var fdq []int
	defer func() {
		for _, fd := range fdq {
			unix.Close(fd)
		}
	}()

	buf := make([]byte, 32*1024)
	oob := make([]byte, 256)
	for {
		n, oobn, _, _, err := unix.Recvmsg(c.fd, buf, oob, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil || n == 0 {
			return
		}
		if oobn > 0 {
			fdq = append(fdq, parseRights(oob[:oobn])...)
		}
		acc = append(acc, buf[:n]...)

		for len(acc) >= protocol.PreambleSize {
			length, err := protocol.FrameLength(acc[:protocol.PreambleSize])
			if err != nil {
				c.log.Warn("protocol violation from server", "error", err)
				return
			}
			if len(acc) < length {
				break
			}
			frame := acc[:length:length]
			acc = acc[length:]
			if !c.consumeFrame(frame, &fdq) {
				return
			}
		}
	}
}

func parseRights(oob []byte) []int {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil
	}
	var fds []int
	for i := range scms {
		got, err := unix.ParseUnixRights(&scms[i])
		if err != nil {
			continue
		}
		for _, fd := range got {
			unix.CloseOnExec(fd)
			fds = append(fds, fd)
		}
	}
	return fds
}

func (c *Conn) consumeFrame(frame []byte, fdq *[]int) bool {
	msg, err := protocol.DecodeServer(frame)
	if err != nil {
		c.log.Warn("malformed server frame", "error", err)
		return false
	}
	switch m := msg.(type) {
	case protocol.Event:
		c.events.push(mwrs.Event{Watcher: m.Watcher, Type: m.Type})
		return true

	case protocol.CommonResponse:
		var file *os.File
		if m.Handle != 0 {
			if len(*fdq) == 0 {
				// Handle advertised but no descriptor arrived.
				c.log.Warn("response advertised a handle without a descriptor")
				return false
			}
			file = os.NewFile(uintptr((*fdq)[0]), "mwrs-resource")
			*fdq = (*fdq)[1:]
		}
		select {
		case c.respCh <- response{msg: m, file: file}:
			return true
		default:
			// No round-trip is waiting: the server broke the strict
			// request/response contract.
			if file != nil {
				file.Close()
			}
			return false
		}

	default:
		// A handshake ack after the handshake completed.
		return false
	}
}

// roundTrip sends one request frame and blocks for its response.
func (c *Conn) roundTrip(frame []byte) (protocol.CommonResponse, *os.File, mwrs.Status) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	if c.broken.Load() {
		return protocol.CommonResponse{}, nil, mwrs.StatusBroken
	}
	if !c.writeAll(frame) {
		c.markBroken()
		return protocol.CommonResponse{}, nil, mwrs.StatusBroken
	}
	select {
	case resp := <-c.respCh:
		cr, ok := resp.msg.(protocol.CommonResponse)
		if !ok {
			if resp.file != nil {
				resp.file.Close()
			}
			return protocol.CommonResponse{}, nil, mwrs.StatusProtocol
		}
		return cr, resp.file, mwrs.StatusSuccess
	case <-c.readerDone:
		// The reader may have delivered the response just before dying;
		// prefer it over reporting a broken connection.
		select {
		case resp := <-c.respCh:
			if cr, ok := resp.msg.(protocol.CommonResponse); ok {
				return cr, resp.file, mwrs.StatusSuccess
			}
			if resp.file != nil {
				resp.file.Close()
			}
		default:
		}
		return protocol.CommonResponse{}, nil, mwrs.StatusBroken
	}
}

func (c *Conn) markBroken() {
	if c.broken.CompareAndSwap(false, true) {
		unix.Shutdown(c.fd, unix.SHUT_RDWR)
		c.events.close()
	}
}

// Close tears the connection down. Outstanding resource handles stay
// usable; watcher operations fail with StatusBroken. Events queued
// before the close can still be drained with PollEvent/WaitEvent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.markBroken()
		<-c.readerDone
		unix.Close(c.fd)
		c.log.Debug("closed")
	})
	return nil
}
