//go:build linux

// File: server/handle_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Handle normalization for the transfer path: whatever variant the Open
// callback produced becomes one owned descriptor whose access mode can
// satisfy the granted flags. Callers own the returned descriptor until
// they hand it to the endpoint.

package server

import (
	"golang.org/x/sys/unix"

	"github.com/momentics/mwrs"
)

// openFromSource normalizes src into an owned descriptor. On any
// non-success status no descriptor is leaked.
func openFromSource(src ResourceSource, flags mwrs.OpenFlags) (int, mwrs.Status) {
	var fd int
	switch src.kind {
	case sourcePath:
		acc := unix.O_RDONLY
		switch {
		case flags.Has(mwrs.OpenRead | mwrs.OpenWrite):
			acc = unix.O_RDWR
		case flags.Has(mwrs.OpenWrite):
			acc = unix.O_WRONLY
		}
		if flags.Has(mwrs.OpenAppend) {
			acc |= unix.O_APPEND
		}
		opened, err := unix.Open(src.path, acc|unix.O_CLOEXEC, 0)
		switch err {
		case nil:
		case unix.ENOENT:
			return -1, mwrs.StatusNotFound
		case unix.EACCES:
			return -1, mwrs.StatusPerm
		default:
			return -1, mwrs.StatusSystem
		}
		fd = opened

	case sourceFile:
		if src.file == nil {
			return -1, mwrs.StatusServerImpl
		}
		// Detach from the os.File so its finalizer cannot reclaim the
		// descriptor while it waits in the write queue.
		dup, err := unix.Dup(int(src.file.Fd()))
		src.file.Close()
		if err != nil {
			return -1, mwrs.StatusSystem
		}
		fd = dup

	case sourceFD:
		if src.fd < 0 {
			return -1, mwrs.StatusServerImpl
		}
		fd = src.fd

	default:
		return -1, mwrs.StatusServerImpl
	}

	if st := checkAccess(fd, flags); st != mwrs.StatusSuccess {
		unix.Close(fd)
		return -1, st
	}
	return fd, mwrs.StatusSuccess
}

// checkAccess rejects descriptors whose access mode falls short of the
// granted flags instead of silently downgrading.
func checkAccess(fd int, flags mwrs.OpenFlags) mwrs.Status {
	fl, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return mwrs.StatusServerImpl
	}
	mode := fl & unix.O_ACCMODE
	if flags.Has(mwrs.OpenRead) && mode != unix.O_RDONLY && mode != unix.O_RDWR {
		return mwrs.StatusServerImpl
	}
	if flags.Has(mwrs.OpenWrite) && mode != unix.O_WRONLY && mode != unix.O_RDWR {
		return mwrs.StatusServerImpl
	}
	return mwrs.StatusSuccess
}
