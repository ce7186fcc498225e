// File: protocol/decode.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Decoder contracts: a frame is rejected when its declared length is
// shorter than the minimum body for its type, above the ceiling, or when
// a variable tail (resource id, argv) is not NUL-terminated within its
// declared extent. Every rejection maps to a protocol error upstream.

package protocol

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/momentics/mwrs"
)

// Decode failure sentinels.
var (
	ErrFrameTooLarge = errors.New("frame exceeds size ceiling")
	ErrFrameShort    = errors.New("frame shorter than declared type requires")
	ErrBadType       = errors.New("unknown message type")
	ErrBadID         = errors.New("resource id invalid or not NUL-terminated")
	ErrBadArgv       = errors.New("argv blob truncated or not NUL-terminated")
)

// FrameLength validates a preamble and returns the total frame length.
// The transport reads exactly PreambleSize bytes, calls this, then reads
// the remaining length-PreambleSize bytes.
func FrameLength(preamble []byte) (int, error) {
	if len(preamble) < PreambleSize {
		return 0, ErrFrameShort
	}
	length := int(le.Uint32(preamble[4:8]))
	if length < PreambleSize {
		return 0, ErrFrameShort
	}
	if length > MaxFrame {
		return 0, ErrFrameTooLarge
	}
	return length, nil
}

// cString returns the bytes of b before its first NUL; ok is false when
// b holds no NUL. Bytes after the first NUL are not inspected.
func cString(b []byte) (string, bool) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return "", false
	}
	return string(b[:i]), true
}

// DecodeClient parses one complete client-to-server frame.
func DecodeClient(frame []byte) (ClientMessage, error) {
	if len(frame) < PreambleSize {
		return nil, ErrFrameShort
	}
	if declared := int(le.Uint32(frame[4:8])); declared != len(frame) {
		return nil, fmt.Errorf("declared %d, got %d: %w", declared, len(frame), ErrFrameShort)
	}
	typ := ClMsgType(le.Uint32(frame[0:4]))
	body := frame[PreambleSize:]

	switch typ {
	case ClOpen, ClWatch, ClOpenWatch, ClStat, ClStatWatch:
		if len(body) < resourceFixed+2 { // flags + at least one id byte + NUL
			return nil, ErrFrameShort
		}
		idField := body[resourceFixed:]
		if len(idField) > mwrs.MaxID {
			return nil, ErrBadID
		}
		id, ok := cString(idField)
		if !ok || id == "" {
			return nil, ErrBadID
		}
		return ResourceRequest{
			Type:  typ,
			Flags: mwrs.OpenFlags(le.Uint32(body[0:4])),
			ID:    id,
		}, nil

	case ClWatcherOpen:
		if len(body) < watcherOpenBody {
			return nil, ErrFrameShort
		}
		return WatcherOpen{
			Watcher: mwrs.WatcherID(le.Uint64(body[0:8])),
			Flags:   mwrs.OpenFlags(le.Uint32(body[8:12])),
		}, nil

	case ClCloseWatcher:
		if len(body) < closeWatcherBody {
			return nil, ErrFrameShort
		}
		return CloseWatcher{Watcher: mwrs.WatcherID(le.Uint64(body[0:8]))}, nil

	case ClHandshake:
		if len(body) < handshakeFixed {
			return nil, ErrFrameShort
		}
		argc := int(le.Uint32(body[8:12]))
		argv, err := parseArgv(body[handshakeFixed:], argc)
		if err != nil {
			return nil, err
		}
		return Handshake{
			Version: le.Uint32(body[0:4]),
			PID:     le.Uint32(body[4:8]),
			Argv:    argv,
		}, nil
	}
	return nil, fmt.Errorf("client type %d: %w", typ, ErrBadType)
}

// parseArgv splits argc NUL-terminated strings out of blob. Trailing
// garbage after the last terminator is a protocol error.
func parseArgv(blob []byte, argc int) ([]string, error) {
	if argc < 0 || argc > len(blob) {
		return nil, ErrBadArgv
	}
	argv := make([]string, 0, argc)
	for i := 0; i < argc; i++ {
		s, ok := cString(blob)
		if !ok {
			return nil, ErrBadArgv
		}
		argv = append(argv, s)
		blob = blob[len(s)+1:]
	}
	if len(blob) != 0 {
		return nil, ErrBadArgv
	}
	return argv, nil
}

// DecodeServer parses one complete server-to-client frame.
func DecodeServer(frame []byte) (ServerMessage, error) {
	if len(frame) < PreambleSize {
		return nil, ErrFrameShort
	}
	if declared := int(le.Uint32(frame[4:8])); declared != len(frame) {
		return nil, fmt.Errorf("declared %d, got %d: %w", declared, len(frame), ErrFrameShort)
	}
	typ := SvMsgType(le.Uint32(frame[0:4]))
	body := frame[PreambleSize:]

	switch typ {
	case SvHandshakeAck:
		if len(body) < handshakeAckBody {
			return nil, ErrFrameShort
		}
		return HandshakeAck{Status: mwrs.Status(le.Uint32(body[0:4]))}, nil

	case SvCommonResponse:
		if len(body) < commonResponseBody {
			return nil, ErrFrameShort
		}
		return CommonResponse{
			Status: mwrs.Status(le.Uint32(body[0:4])),
			Flags:  mwrs.OpenFlags(le.Uint32(body[4:8])),
			Handle: le.Uint32(body[8:12]),
			Stat: mwrs.ResourceStatus{
				State: mwrs.StatState(le.Uint32(body[12:16])),
				Size:  int64(le.Uint64(body[16:24])),
				MTime: int32(le.Uint32(body[24:28])),
			},
			Watcher: mwrs.WatcherID(le.Uint64(body[28:36])),
		}, nil

	case SvEvent:
		if len(body) < eventBody {
			return nil, ErrFrameShort
		}
		return Event{
			Watcher: mwrs.WatcherID(le.Uint64(body[0:8])),
			Type:    mwrs.EventType(le.Uint32(body[8:12])),
		}, nil
	}
	return nil, fmt.Errorf("server type %d: %w", typ, ErrBadType)
}
