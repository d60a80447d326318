package wsconn

import (
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"busy-cloud/mqttchan/channel"
)

// housekeepInterval mirrors internal/reactor's polling cadence so the two
// transports honor resend and keep-alive timing identically.
const housekeepInterval = 100 * time.Millisecond

// NewHandler constructs the channel.Handler/channel.RoleHooks pair a
// freshly accepted connection should be driven with; the broker passes the
// same factory it gives internal/reactor.
type NewHandler func() (channel.Handler, channel.RoleHooks)

// Server upgrades incoming HTTP connections to the "mqtt" WebSocket
// subprotocol and drives each resulting channel.Channel on its own
// goroutine, since gorilla/websocket's blocking connection cannot share
// the raw-fd epoll reactor TCP clients use.
type Server struct {
	addr                 string
	resendIntervalMillis int64
	newHandler           NewHandler
	log                  *slog.Logger

	upgrader websocket.Upgrader
	listener net.Listener
	closing  atomic.Bool
}

func NewServer(addr string, resendIntervalMillis int64, newHandler NewHandler, log *slog.Logger) *Server {
	return &Server{
		addr:                 addr,
		resendIntervalMillis: resendIntervalMillis,
		newHandler:           newHandler,
		log:                  log,
		upgrader: websocket.Upgrader{
			Subprotocols:    []string{Subprotocol},
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Serve blocks, accepting and driving WebSocket connections until Close is
// called.
func (s *Server) Serve() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln
	err = http.Serve(ln, http.HandlerFunc(s.handle))
	if s.closing.Load() {
		return nil
	}
	return err
}

func (s *Server) Close() error {
	s.closing.Store(true)
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if protos := websocket.Subprotocols(r); len(protos) == 0 || protos[0] != Subprotocol {
		http.Error(w, "subprotocol must be 'mqtt'", http.StatusNotAcceptable)
		return
	}
	wsc, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("mqttchan/wsconn: upgrade failed", "err", err)
		return
	}
	conn := New(wsc)
	handler, role := s.newHandler()
	interest := &driveInterest{tasks: make(chan func(), 256)}
	ch := channel.NewIncomingChannel(conn, handler, role, s.resendIntervalMillis, channel.WithInterest(interest))
	go s.drive(ch, interest)
}

// drive polls the channel's Read/Write at a fixed cadence rather than on
// raw socket readiness: the underlying websocket reader goroutine already
// decouples blocking I/O from this loop, so Read never actually blocks
// here, it merely drains whatever the reader goroutine has buffered since
// the last tick. It also drains interest's task queue on every read tick,
// so a goroutine other than this one (e.g. a broker fan-out pool worker
// calling Channel.RunOnOwner) can still safely touch ch.
//
// Housekeep runs on its own timer, reset to the deadline Housekeep itself
// returns (channel/housekeep.go:11-13) when that is sooner than
// housekeepInterval, and to housekeepInterval otherwise, so a deadline
// created after a pass (a newly sent in-flight packet) is still picked up
// within one interval.
func (s *Server) drive(ch *channel.Channel, interest *driveInterest) {
	readTicker := time.NewTicker(housekeepInterval)
	defer readTicker.Stop()

	housekeepTimer := time.NewTimer(housekeepInterval)
	defer housekeepTimer.Stop()

	for {
		select {
		case <-readTicker.C:
			interest.drainTasks()
			now := time.Now().UnixMilli()
			if !ch.Read(now) {
				return
			}
			if !ch.Write(now) {
				return
			}
			if !ch.IsOpen() {
				return
			}

		case <-housekeepTimer.C:
			deadline := ch.Housekeep(time.Now().UnixMilli())
			if !ch.IsOpen() {
				return
			}
			wait := housekeepInterval
			if deadline > 0 {
				if d := time.Until(time.UnixMilli(deadline)); d < wait {
					wait = d
				}
			}
			housekeepTimer.Reset(wait)
		}
	}
}

// driveInterest is the channel.Interest for a WebSocket connection: arm/
// disarm/pause/resume are no-ops since drive polls unconditionally, but
// Submit gives goroutines other than drive's a way to schedule work on it.
type driveInterest struct {
	tasks chan func()
}

func (*driveInterest) ArmWrite()    {}
func (*driveInterest) DisarmWrite() {}
func (*driveInterest) PauseRead()   {}
func (*driveInterest) ResumeRead()  {}
func (*driveInterest) Cancel()      {}

func (d *driveInterest) Submit(fn func()) { d.tasks <- fn }

func (d *driveInterest) drainTasks() {
	for {
		select {
		case fn := <-d.tasks:
			fn()
		default:
			return
		}
	}
}
