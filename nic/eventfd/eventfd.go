// Package eventfd wraps the eventfd and epoll system calls used as a
// doorbell between a producer and a device worker goroutine.
package eventfd

import (
	"encoding/binary"
	"errors"

	"golang.org/x/sys/unix"
)

// EventFD is a non-blocking eventfd counter.
type EventFD struct {
	fd  int
	buf [8]byte
}

func New() (*EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &EventFD{fd: fd}, nil
}

// Kick adds 1 to the counter, waking up anyone waiting on it.
func (e *EventFD) Kick() error {
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)
	_, err := unix.Write(e.fd, b[:])
	return err
}

// Clear resets the counter and returns its value. A counter that is
// already 0 is not an error.
func (e *EventFD) Clear() (uint64, error) {
	_, err := unix.Read(e.fd, e.buf[:])
	if errors.Is(err, unix.EAGAIN) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return binary.NativeEndian.Uint64(e.buf[:]), nil
}

func (e *EventFD) Close() error {
	if e.fd < 0 {
		return nil
	}
	err := unix.Close(e.fd)
	e.fd = -1
	return err
}

func (e *EventFD) FD() int {
	return e.fd
}

// Epoll waits for file descriptors to become readable.
type Epoll struct {
	fd     int
	events []unix.EpollEvent
}

func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:     fd,
		events: make([]unix.EpollEvent, 1),
	}, nil
}

func (ep *Epoll) AddEvent(fdToAdd int) error {
	event := unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fdToAdd),
	}
	return unix.EpollCtl(ep.fd, unix.EPOLL_CTL_ADD, fdToAdd, &event)
}

// Block waits until a registered descriptor is readable and returns the
// number of ready descriptors. An interrupted wait returns 0.
func (ep *Epoll) Block() (int, error) {
	n, err := unix.EpollWait(ep.fd, ep.events, -1)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return -1, err
	}
	return n, nil
}

func (ep *Epoll) Close() error {
	if ep.fd < 0 {
		return nil
	}
	err := unix.Close(ep.fd)
	ep.fd = -1
	return err
}
