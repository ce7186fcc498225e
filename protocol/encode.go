// File: protocol/encode.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/momentics/mwrs"
)

var le = binary.LittleEndian

func newFrame(typ uint32, bodyLen int) []byte {
	frame := make([]byte, PreambleSize+bodyLen)
	le.PutUint32(frame[0:4], typ)
	le.PutUint32(frame[4:8], uint32(PreambleSize+bodyLen))
	return frame
}

// EncodeHandshake builds a ClHandshake frame. Arguments longer than the
// frame ceiling allows are rejected rather than truncated.
func EncodeHandshake(version, pid uint32, argv []string) ([]byte, error) {
	blob := 0
	for _, a := range argv {
		if strings.ContainsRune(a, 0) {
			return nil, fmt.Errorf("argument with embedded NUL: %w", ErrBadArgv)
		}
		blob += len(a) + 1
	}
	if PreambleSize+handshakeFixed+blob > MaxFrame {
		return nil, fmt.Errorf("handshake: %w", ErrFrameTooLarge)
	}

	frame := newFrame(uint32(ClHandshake), handshakeFixed+blob)
	body := frame[PreambleSize:]
	le.PutUint32(body[0:4], version)
	le.PutUint32(body[4:8], pid)
	le.PutUint32(body[8:12], uint32(len(argv)))
	off := handshakeFixed
	for _, a := range argv {
		copy(body[off:], a)
		off += len(a)
		body[off] = 0
		off++
	}
	return frame, nil
}

// EncodeResourceRequest builds one of the five id-addressed request
// frames. The id is validated against the wire limits here so malformed
// identifiers never leave the client.
func EncodeResourceRequest(typ ClMsgType, flags mwrs.OpenFlags, id string) ([]byte, error) {
	switch typ {
	case ClOpen, ClWatch, ClOpenWatch, ClStat, ClStatWatch:
	default:
		return nil, fmt.Errorf("type %d: %w", typ, ErrBadType)
	}
	if !mwrs.ValidID(id) {
		return nil, fmt.Errorf("resource id: %w", ErrBadID)
	}

	frame := newFrame(uint32(typ), resourceFixed+len(id)+1)
	body := frame[PreambleSize:]
	le.PutUint32(body[0:4], uint32(flags))
	copy(body[resourceFixed:], id)
	// Trailing NUL is already zero from allocation.
	return frame, nil
}

// EncodeWatcherOpen builds a ClWatcherOpen frame.
func EncodeWatcherOpen(watcher mwrs.WatcherID, flags mwrs.OpenFlags) []byte {
	frame := newFrame(uint32(ClWatcherOpen), watcherOpenBody)
	body := frame[PreambleSize:]
	le.PutUint64(body[0:8], uint64(watcher))
	le.PutUint32(body[8:12], uint32(flags))
	return frame
}

// EncodeCloseWatcher builds a ClCloseWatcher frame.
func EncodeCloseWatcher(watcher mwrs.WatcherID) []byte {
	frame := newFrame(uint32(ClCloseWatcher), closeWatcherBody)
	le.PutUint64(frame[PreambleSize:], uint64(watcher))
	return frame
}

// EncodeHandshakeAck builds a SvHandshakeAck frame.
func EncodeHandshakeAck(status mwrs.Status) []byte {
	frame := newFrame(uint32(SvHandshakeAck), handshakeAckBody)
	le.PutUint32(frame[PreambleSize:], uint32(status))
	return frame
}

// EncodeCommonResponse builds a SvCommonResponse frame.
func EncodeCommonResponse(r CommonResponse) []byte {
	frame := newFrame(uint32(SvCommonResponse), commonResponseBody)
	body := frame[PreambleSize:]
	le.PutUint32(body[0:4], uint32(r.Status))
	le.PutUint32(body[4:8], uint32(r.Flags))
	le.PutUint32(body[8:12], r.Handle)
	le.PutUint32(body[12:16], uint32(r.Stat.State))
	le.PutUint64(body[16:24], uint64(r.Stat.Size))
	le.PutUint32(body[24:28], uint32(r.Stat.MTime))
	le.PutUint64(body[28:36], uint64(r.Watcher))
	return frame
}

// EncodeEvent builds a SvEvent frame.
func EncodeEvent(watcher mwrs.WatcherID, typ mwrs.EventType) []byte {
	frame := newFrame(uint32(SvEvent), eventBody)
	body := frame[PreambleSize:]
	le.PutUint64(body[0:8], uint64(watcher))
	le.PutUint32(body[8:12], uint32(typ))
	return frame
}
