package reactor

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"busy-cloud/mqttchan/channel"
)

// housekeepInterval is the longest gap Run leaves between two Housekeep
// passes. A deadline reported by a channel (channel/housekeep.go) that is
// sooner than this brings the next pass forward; a later one does not push
// it back, because state created after a pass (a newly sent in-flight
// packet, a delivery queued by the broker) is only seen by the next pass.
const housekeepInterval = 100 * time.Millisecond

// NewHandler constructs the channel.Handler/channel.RoleHooks pair a
// freshly accepted connection should be driven with.
type NewHandler func() (channel.Handler, channel.RoleHooks)

// Reactor drives one epoll instance over one listening socket and every
// channel accepted from it.
type Reactor struct {
	epfd     int
	listenFd int
	port     int

	resendIntervalMillis int64
	newHandler           NewHandler

	mu      sync.Mutex
	entries map[int]*entry

	// wakeFd and tasks let a goroutine other than Run's (e.g. an ants
	// fan-out pool worker calling Channel.RunOnOwner) hand a closure to
	// the reactor to run on its own goroutine, waking epoll_wait
	// immediately instead of waiting out the next housekeeping tick.
	wakeFd int
	tasks  chan func()

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New binds port (0 for an ephemeral port) and prepares a Reactor; it does
// not start accepting until Run is called.
func New(port int, resendIntervalMillis int64, newHandler NewHandler) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("mqttchan/reactor: epoll_create1: %w", err)
	}
	listenFd, boundPort, err := listenTCP4(port)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("mqttchan/reactor: listen on port %d: %w", port, err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(listenFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, listenFd, &ev); err != nil {
		unix.Close(listenFd)
		unix.Close(epfd)
		return nil, fmt.Errorf("mqttchan/reactor: register listener: %w", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(listenFd)
		unix.Close(epfd)
		return nil, fmt.Errorf("mqttchan/reactor: eventfd: %w", err)
	}
	wakeEv := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &wakeEv); err != nil {
		unix.Close(wakeFd)
		unix.Close(listenFd)
		unix.Close(epfd)
		return nil, fmt.Errorf("mqttchan/reactor: register wake fd: %w", err)
	}
	return &Reactor{
		epfd:                  epfd,
		listenFd:              listenFd,
		port:                  boundPort,
		resendIntervalMillis:  resendIntervalMillis,
		newHandler:            newHandler,
		entries:               make(map[int]*entry),
		wakeFd:                wakeFd,
		tasks:                 make(chan func(), 4096),
		stop:                  make(chan struct{}),
		done:                  make(chan struct{}),
	}, nil
}

// submit implements the cross-goroutine handoff entries expose as
// channel.Interest.Submit: it queues fn and wakes the epoll_wait loop so
// fn runs promptly rather than waiting for the next ready fd or
// housekeeping tick.
func (r *Reactor) submit(fn func()) {
	r.tasks <- fn
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, _ = unix.Write(r.wakeFd, buf[:])
}

func (r *Reactor) drainTasks() {
	var buf [8]byte
	_, _ = unix.Read(r.wakeFd, buf[:])
	for {
		select {
		case fn := <-r.tasks:
			fn()
		default:
			return
		}
	}
}

// Port returns the bound TCP port, resolved even when New was called with
// port 0.
func (r *Reactor) Port() int { return r.port }

// Run drives the epoll loop until Stop is called. It is the single
// goroutine permitted to call Read/Write/Housekeep on any channel it owns
// (§5).
func (r *Reactor) Run() error {
	defer close(r.done)
	events := make([]unix.EpollEvent, 128)
	nextHousekeep := time.Now().Add(housekeepInterval)

	for {
		select {
		case <-r.stop:
			r.shutdown()
			return nil
		default:
		}

		timeout := int(time.Until(nextHousekeep).Milliseconds())
		if timeout < 0 {
			timeout = 0
		}
		n, err := unix.EpollWait(r.epfd, events, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("mqttchan/reactor: epoll_wait: %w", err)
		}

		now := time.Now().UnixMilli()
		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)
			if fd == r.listenFd {
				r.acceptAll(now)
				continue
			}
			if fd == r.wakeFd {
				r.drainTasks()
				continue
			}
			r.mu.Lock()
			e, ok := r.entries[fd]
			r.mu.Unlock()
			if !ok {
				continue
			}
			r.serviceEvent(e, ev, now)
		}

		if !time.Now().Before(nextHousekeep) {
			deadline := r.housekeepAll(time.Now().UnixMilli())
			nextHousekeep = time.Now().Add(housekeepInterval)
			if deadline > 0 && time.UnixMilli(deadline).Before(nextHousekeep) {
				nextHousekeep = time.UnixMilli(deadline)
			}
		}
	}
}

// Stop tears down the listener and every accepted connection (scenario
// S6): after Stop returns, a new connection attempt to Port() fails.
func (r *Reactor) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

func (r *Reactor) shutdown() {
	unix.Close(r.listenFd)
	unix.Close(r.wakeFd)
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()
	for _, e := range entries {
		e.ch.Close(nil)
	}
	unix.Close(r.epfd)
}

func (r *Reactor) acceptAll(now int64) {
	for {
		fd, _, err := unix.Accept4(r.listenFd, unix.SOCK_NONBLOCK)
		if err != nil {
			return
		}
		r.registerAccepted(fd, now)
	}
}

func (r *Reactor) registerAccepted(fd int, now int64) {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		unix.Close(fd)
		return
	}
	e := &entry{fd: fd, epfd: r.epfd, submit: r.submit}
	handler, role := r.newHandler()
	e.ch = channel.NewIncomingChannel(&fdConn{fd: fd}, handler, role, r.resendIntervalMillis, channel.WithInterest(e))

	r.mu.Lock()
	r.entries[fd] = e
	r.mu.Unlock()
}

func (r *Reactor) serviceEvent(e *entry, ev unix.EpollEvent, now int64) {
	open := true
	if ev.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		e.ch.Close(nil)
		open = false
	}
	if open && ev.Events&unix.EPOLLIN != 0 {
		open = e.ch.Read(now)
	}
	if open && ev.Events&unix.EPOLLOUT != 0 {
		open = e.ch.Write(now)
	}
	if !open {
		r.removeEntry(e.fd)
	}
}

// housekeepAll runs Housekeep on every entry and returns the earliest
// deadline any of them reported (channel/housekeep.go:11-13), or -1 if none
// has a deadline pending (every channel idle or closed). Run uses this to
// bring its next epoll_wait timeout forward when a deadline falls within
// housekeepInterval; otherwise the next pass runs after housekeepInterval.
func (r *Reactor) housekeepAll(now int64) int64 {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	next := int64(-1)
	for _, e := range entries {
		deadline := e.ch.Housekeep(now)
		if !e.ch.IsOpen() {
			r.removeEntry(e.fd)
			continue
		}
		if deadline > 0 && (next < 0 || deadline < next) {
			next = deadline
		}
	}
	return next
}

func (r *Reactor) removeEntry(fd int) {
	r.mu.Lock()
	delete(r.entries, fd)
	r.mu.Unlock()
}
