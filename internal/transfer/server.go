package transfer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultAcceptPollInterval bounds each accept wait so shutdown is noticed.
const DefaultAcceptPollInterval = time.Second

// ServerOptions configures the listening side.
type ServerOptions struct {
	Host               string
	Port               int
	AcceptPollInterval time.Duration
}

// Server accepts connections and runs one receiver per connection.
type Server struct {
	opts     ServerOptions
	receiver *Receiver
	log      *logrus.Logger

	mu       sync.Mutex
	listener *net.TCPListener
	conns    map[net.Conn]struct{}
	stopped  bool
	wg       sync.WaitGroup
}

// NewServer creates a server handing connections to receiver.
func NewServer(opts ServerOptions, receiver *Receiver, log *logrus.Logger) *Server {
	if opts.AcceptPollInterval <= 0 {
		opts.AcceptPollInterval = DefaultAcceptPollInterval
	}
	return &Server{
		opts:     opts,
		receiver: receiver,
		log:      log,
		conns:    make(map[net.Conn]struct{}),
	}
}

// Listen binds the configured endpoint.
func (s *Server) Listen() error {
	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return &ConnectionError{Op: "listen", Addr: addr, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		ln.Close()
		return &ConnectionError{Op: "listen", Addr: addr, Err: net.ErrClosed}
	}
	s.listener = ln.(*net.TCPListener)
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe binds and then serves until ctx is done or Stop is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve runs the accept loop. Each wait is bounded by AcceptPollInterval so
// a cancelled ctx is seen within one interval. Serve returns nil on shutdown.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return fmt.Errorf("server is not listening")
	}
	defer s.Stop()

	s.log.WithField("addr", ln.Addr().String()).Info("Waiting for incoming transfers")

	for {
		if ctx.Err() != nil || s.isStopped() {
			return nil
		}
		if err := ln.SetDeadline(time.Now().Add(s.opts.AcceptPollInterval)); err != nil {
			if s.isStopped() {
				return nil
			}
			return &ConnectionError{Op: "accept", Addr: ln.Addr().String(), Err: err}
		}

		conn, err := ln.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if s.isStopped() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return &ConnectionError{Op: "accept", Addr: ln.Addr().String(), Err: err}
		}

		if !s.track(conn) {
			conn.Close()
			return nil
		}
		go s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)

	log := s.log.WithField("remote", remoteAddr(conn))
	log.Info("Partner connected")

	snap, err := s.receiver.Receive(ctx, conn)
	switch {
	case err == nil && snap.Warning != "":
		log.WithField("transfer_id", snap.ID).Warn("Transfer completed with integrity warning")
	case err == nil:
		log.WithField("transfer_id", snap.ID).Info("Transfer completed")
	default:
		log.WithError(err).WithField("transfer_id", snap.ID).Error("Transfer failed")
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *Server) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Stop closes the listener and every active connection, then waits for the
// handlers to return. It is safe to call more than once.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		if s.listener != nil {
			s.listener.Close()
		}
		for conn := range s.conns {
			conn.Close()
		}
		s.log.Info("Transfer server stopped")
	}
	s.mu.Unlock()

	s.wg.Wait()
}
