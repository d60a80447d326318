package reactor

import (
	"sync"

	"golang.org/x/sys/unix"

	"busy-cloud/mqttchan/channel"
)

// entry is both the reactor's per-connection bookkeeping and the
// channel.Interest implementation a Channel pushes its readiness interest
// into. Its flags may be flipped from a goroutine other than the reactor's
// own loop (e.g. a pool worker calling Channel.Send), so every mutation is
// serialized through mu; epoll_ctl itself is safe to call concurrently
// with an in-progress epoll_wait on the same epoll fd.
type entry struct {
	fd     int
	epfd   int
	ch     *channel.Channel
	submit func(func())

	mu         sync.Mutex
	writeArmed bool
	readPaused bool
}

func (e *entry) ArmWrite() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.writeArmed {
		return
	}
	e.writeArmed = true
	e.apply()
}

func (e *entry) DisarmWrite() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.writeArmed {
		return
	}
	e.writeArmed = false
	e.apply()
}

func (e *entry) PauseRead() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.readPaused {
		return
	}
	e.readPaused = true
	e.apply()
}

func (e *entry) ResumeRead() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.readPaused {
		return
	}
	e.readPaused = false
	e.apply()
}

func (e *entry) Cancel() {
	var ev unix.EpollEvent
	_ = unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, e.fd, &ev)
}

// Submit hands fn to the reactor's cross-goroutine task queue, waking the
// epoll_wait loop via the reactor's wake fd so fn runs promptly on the
// owner goroutine instead of waiting out the next housekeeping tick.
func (e *entry) Submit(fn func()) { e.submit(fn) }

// apply pushes the current interest to the kernel. Callers must hold mu.
func (e *entry) apply() {
	events := uint32(0)
	if !e.readPaused {
		events |= unix.EPOLLIN
	}
	if e.writeArmed {
		events |= unix.EPOLLOUT
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(e.fd)}
	_ = unix.EpollCtl(e.epfd, unix.EPOLL_CTL_MOD, e.fd, &ev)
}
