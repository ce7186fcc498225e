//go:build linux

// File: server/handle_linux_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/momentics/mwrs"
)

func TestOpenFromPathSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.txt")
	if err := os.WriteFile(path, []byte("abc"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	fd, st := openFromSource(PathSource(path), mwrs.OpenRead)
	if st != mwrs.StatusSuccess {
		t.Fatalf("status = %v", st)
	}
	buf := make([]byte, 8)
	n, err := unix.Read(fd, buf)
	unix.Close(fd)
	if err != nil || string(buf[:n]) != "abc" {
		t.Fatalf("read %q, %v", buf[:n], err)
	}

	if _, st := openFromSource(PathSource(filepath.Join(t.TempDir(), "missing")), mwrs.OpenRead); st != mwrs.StatusNotFound {
		t.Errorf("missing path status = %v, want StatusNotFound", st)
	}
}

func TestOpenFromFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.txt")
	if err := os.WriteFile(path, []byte("xyz"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	fd, st := openFromSource(FileSource(f), mwrs.OpenRead)
	if st != mwrs.StatusSuccess {
		t.Fatalf("status = %v", st)
	}
	defer unix.Close(fd)
	buf := make([]byte, 8)
	n, err := unix.Read(fd, buf)
	if err != nil || string(buf[:n]) != "xyz" {
		t.Fatalf("read %q, %v", buf[:n], err)
	}
}

func TestAccessShortfallRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ro.txt")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	f, err := os.Open(path) // read-only descriptor
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// Granting READ|WRITE on a read-only descriptor must fail rather
	// than silently downgrade.
	if _, st := openFromSource(FileSource(f), mwrs.OpenRead|mwrs.OpenWrite); st != mwrs.StatusServerImpl {
		t.Fatalf("status = %v, want StatusServerImpl", st)
	}
}

func TestBadSourceVariants(t *testing.T) {
	if _, st := openFromSource(ResourceSource{}, mwrs.OpenRead); st != mwrs.StatusServerImpl {
		t.Errorf("zero source status = %v", st)
	}
	if _, st := openFromSource(FDSource(-5), mwrs.OpenRead); st != mwrs.StatusServerImpl {
		t.Errorf("negative fd status = %v", st)
	}
	if _, st := openFromSource(FileSource(nil), mwrs.OpenRead); st != mwrs.StatusServerImpl {
		t.Errorf("nil file status = %v", st)
	}
}
