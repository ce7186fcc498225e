// File: protocol/messages.go
// Package protocol implements the broker wire codec.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Every frame starts with an 8-byte preamble (type u32, length u32),
// little-endian, where length counts the whole frame including the
// preamble. Bodies are packed with no implicit padding. Variable-length
// fields (resource id, argv) occupy the tail and are accounted for in
// length. Frames above the 64 KiB ceiling are rejected outright.

package protocol

import "github.com/momentics/mwrs"

// PreambleSize is the fixed frame header: type u32 + length u32.
const PreambleSize = 8

// MaxFrame is the hard ceiling on a single frame.
const MaxFrame = mwrs.MaxFrame

// ClMsgType enumerates client-to-server frames.
type ClMsgType uint32

const (
	ClOpen ClMsgType = iota
	ClWatch
	ClOpenWatch
	ClStat
	ClStatWatch
	ClWatcherOpen
	ClCloseWatcher
	ClHandshake
)

// SvMsgType enumerates server-to-client frames.
type SvMsgType uint32

const (
	SvCommonResponse SvMsgType = iota
	SvHandshakeAck
	SvEvent
)

// Fixed body sizes (variable tails excluded).
const (
	handshakeFixed   = 12 // version u32, pid u32, argc u32
	resourceFixed    = 4  // flags u32; id tail follows
	watcherOpenBody  = 12 // watcher u64, flags u32
	closeWatcherBody = 8  // watcher u64

	handshakeAckBody   = 4  // status u32
	commonResponseBody = 36 // status u32, flags u32, handle u32, stat{u32,i64,i32}, watcher u64
	eventBody          = 12 // watcher u64, type u32
)

// ClientMessage is one decoded client-to-server frame.
type ClientMessage interface{ clientMessage() }

// Handshake opens a session: protocol version, client process id and the
// argv blob forwarded verbatim to the connect callback.
type Handshake struct {
	Version uint32
	PID     uint32
	Argv    []string
}

// ResourceRequest covers the five id-addressed requests; Type tells which.
type ResourceRequest struct {
	Type  ClMsgType
	Flags mwrs.OpenFlags
	ID    string
}

// WatcherOpen opens the resource a live watcher points at.
type WatcherOpen struct {
	Watcher mwrs.WatcherID
	Flags   mwrs.OpenFlags
}

// CloseWatcher tears down one watcher.
type CloseWatcher struct {
	Watcher mwrs.WatcherID
}

func (Handshake) clientMessage()       {}
func (ResourceRequest) clientMessage() {}
func (WatcherOpen) clientMessage()     {}
func (CloseWatcher) clientMessage()    {}

// ServerMessage is one decoded server-to-client frame.
type ServerMessage interface{ serverMessage() }

// HandshakeAck answers a Handshake.
type HandshakeAck struct {
	Status mwrs.Status
}

// CommonResponse answers every non-handshake request. Handle is the
// 32-bit wire image of a transferred handle; on platforms whose native
// handles are wider only the low 32 bits travel, never sign-extended.
// With descriptor passing the ancillary payload is authoritative and the
// field is just a nonzero marker.
type CommonResponse struct {
	Status  mwrs.Status
	Flags   mwrs.OpenFlags
	Handle  uint32
	Stat    mwrs.ResourceStatus
	Watcher mwrs.WatcherID
}

// Event is an asynchronous watcher notification.
type Event struct {
	Watcher mwrs.WatcherID
	Type    mwrs.EventType
}

func (HandshakeAck) serverMessage()   {}
func (CommonResponse) serverMessage() {}
func (Event) serverMessage()         {}
