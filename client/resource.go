// File: client/resource.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Resource wraps the transferred OS handle. All I/O here goes straight
// to the kernel; the broker connection is not involved. Operations are
// gated client-side by the granted open flags.

package client

import (
	"io"
	"os"

	"github.com/momentics/mwrs"
)

// Resource is a handle to an open byte stream owned exclusively by this
// process. The zero value is invalid.
type Resource struct {
	file  *os.File
	flags mwrs.OpenFlags
}

// IsValid reports whether the handle is open.
func (r *Resource) IsValid() bool { return r != nil && r.file != nil }

// Flags returns the open flags the server granted.
func (r *Resource) Flags() mwrs.OpenFlags {
	if r == nil {
		return 0
	}
	return r.flags
}

// File exposes the underlying file for integration with code expecting
// an *os.File. The resource keeps ownership.
func (r *Resource) File() *os.File {
	if r == nil {
		return nil
	}
	return r.file
}

// Read reads from the stream. Requires the READ flag.
func (r *Resource) Read(p []byte) (int, error) {
	if !r.IsValid() {
		return 0, mwrs.StatusNotOpen
	}
	if !r.flags.Has(mwrs.OpenRead) {
		return 0, mwrs.StatusPerm
	}
	return r.file.Read(p)
}

// Write writes to the stream. Requires the WRITE flag.
func (r *Resource) Write(p []byte) (int, error) {
	if !r.IsValid() {
		return 0, mwrs.StatusNotOpen
	}
	if !r.flags.Has(mwrs.OpenWrite) {
		return 0, mwrs.StatusPerm
	}
	return r.file.Write(p)
}

// Seek repositions the stream. Requires the SEEK flag.
func (r *Resource) Seek(offset int64, origin mwrs.SeekOrigin) (int64, error) {
	if !r.IsValid() {
		return 0, mwrs.StatusNotOpen
	}
	if !r.flags.Has(mwrs.OpenSeek) {
		return 0, mwrs.StatusPerm
	}
	var whence int
	switch origin {
	case mwrs.SeekSet:
		whence = io.SeekStart
	case mwrs.SeekCur:
		whence = io.SeekCurrent
	case mwrs.SeekEnd:
		whence = io.SeekEnd
	default:
		return 0, mwrs.StatusArgs
	}
	return r.file.Seek(offset, whence)
}

// Tell reports the current stream position. Gated like Seek.
func (r *Resource) Tell() (int64, error) {
	if !r.IsValid() {
		return 0, mwrs.StatusNotOpen
	}
	if !r.flags.Has(mwrs.OpenSeek) {
		return 0, mwrs.StatusPerm
	}
	return r.file.Seek(0, io.SeekCurrent)
}

// Close releases the handle. A second Close reports StatusNotOpen.
func (r *Resource) Close() error {
	if !r.IsValid() {
		return mwrs.StatusNotOpen
	}
	err := r.file.Close()
	r.file = nil
	return err
}
