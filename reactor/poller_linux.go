//go:build linux
// +build linux

// File: reactor/poller_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux epoll(7)-based poller. Level triggered; an eventfd interrupts Wait.

package reactor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// epollPoller is an epoll-based readiness multiplexer.
type epollPoller struct {
	epfd int
	efd  int // eventfd used by Wake
	raw  []unix.EpollEvent
}

func newPoller() (poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	p := &epollPoller{epfd: epfd, efd: efd}
	if err := p.Add(efd, false); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func interest(write bool) uint32 {
	ev := uint32(unix.EPOLLIN | unix.EPOLLRDHUP)
	if write {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// Add registers fd with epoll.
func (p *epollPoller) Add(fd int, write bool) error {
	ev := unix.EpollEvent{Events: interest(write), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl add: %w", err)
	}
	return nil
}

func (p *epollPoller) Modify(fd int, write bool) error {
	ev := unix.EpollEvent{Events: interest(write), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl mod: %w", err)
	}
	return nil
}

func (p *epollPoller) Remove(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll ctl del: %w", err)
	}
	return nil
}

// Wait waits for epoll events and fills the result into events.
func (p *epollPoller) Wait(events []Event, timeout time.Duration) (int, error) {
	if cap(p.raw) < len(events) {
		p.raw = make([]unix.EpollEvent, len(events))
	}
	raw := p.raw[:len(events)]
	ms := -1
	if timeout >= 0 {
		ms = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}
	n, err := unix.EpollWait(p.epfd, raw, ms)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll wait: %w", err)
	}
	out := 0
	for i := 0; i < n; i++ {
		ev := raw[i]
		if int(ev.Fd) == p.efd {
			p.drainWake()
			continue
		}
		var mask EventMask
		if ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
			mask |= EventRead
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			mask |= EventWrite
		}
		if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			mask |= EventError
		}
		events[out] = Event{Fd: int(ev.Fd), Mask: mask}
		out++
	}
	return out, nil
}

// Wake interrupts a blocked Wait. Safe for concurrent use.
func (p *epollPoller) Wake() error {
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	_, err := unix.Write(p.efd, one[:])
	if errors.Is(err, unix.EAGAIN) {
		// counter saturated, a wakeup is already pending
		return nil
	}
	return err
}

func (p *epollPoller) drainWake() {
	var buf [8]byte
	_, _ = unix.Read(p.efd, buf[:])
}

// Close closes the epoll instance and the eventfd.
func (p *epollPoller) Close() error {
	err := unix.Close(p.efd)
	if cerr := unix.Close(p.epfd); err == nil {
		err = cerr
	}
	return err
}
