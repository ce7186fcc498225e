//go:build linux

// File: internal/reactor/poller_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Linux poller: epoll for session descriptors, an eventfd for wake-ups.

package reactor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Poller is a level-triggered epoll instance with a wake descriptor.
// All methods except Wait and Wake must be called from the owning worker.
type Poller struct {
	epfd   int
	wakefd int
}

// NewPoller creates the epoll instance and its eventfd.
func NewPoller() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(epfd)
		unix.Close(wakefd)
		return nil, fmt.Errorf("epoll ctl add wake: %w", err)
	}
	return &Poller{epfd: epfd, wakefd: wakefd}, nil
}

func epollBits(writable bool) uint32 {
	bits := uint32(unix.EPOLLIN)
	if writable {
		bits |= unix.EPOLLOUT
	}
	return bits
}

// Add registers fd. Read readiness is always watched; write readiness
// only while the owner has queued output.
func (p *Poller) Add(fd int, writable bool) error {
	ev := unix.EpollEvent{Events: epollBits(writable), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl add: %w", err)
	}
	return nil
}

// SetWrite toggles write-readiness interest for a registered fd.
func (p *Poller) SetWrite(fd int, writable bool) error {
	ev := unix.EpollEvent{Events: epollBits(writable), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl mod: %w", err)
	}
	return nil
}

// Del removes fd from the watch set.
func (p *Poller) Del(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll ctl del: %w", err)
	}
	return nil
}

// Wait blocks until at least one descriptor is ready or Wake is called.
// It fills events and reports whether the wake descriptor fired.
func (p *Poller) Wait(events []Event) (n int, woken bool, err error) {
	raw := make([]unix.EpollEvent, len(events))
	for {
		rn, werr := unix.EpollWait(p.epfd, raw, -1)
		if werr == unix.EINTR {
			continue
		}
		if werr != nil {
			return 0, false, fmt.Errorf("epoll wait: %w", werr)
		}
		for i := 0; i < rn; i++ {
			fd := int(raw[i].Fd)
			if fd == p.wakefd {
				p.drainWake()
				woken = true
				continue
			}
			events[n] = Event{
				Fd:       fd,
				Readable: raw[i].Events&unix.EPOLLIN != 0,
				Writable: raw[i].Events&unix.EPOLLOUT != 0,
				Closed:   raw[i].Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0,
			}
			n++
		}
		return n, woken, nil
	}
}

func (p *Poller) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wakefd, buf[:]); err != nil {
			return
		}
	}
}

// Wake unblocks a concurrent Wait. Safe from any goroutine.
func (p *Poller) Wake() {
	var one [8]byte
	one[0] = 1
	_, _ = unix.Write(p.wakefd, one[:])
}

// Close releases both descriptors.
func (p *Poller) Close() error {
	unix.Close(p.wakefd)
	return unix.Close(p.epfd)
}
