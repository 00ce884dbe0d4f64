// Package server implements the TCP front-end: the accept loop with
// admission control and the per-connection registration handler.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prismhq/prism/internal/config"
	"github.com/prismhq/prism/internal/protocol"
	"github.com/prismhq/prism/internal/registry"
	"github.com/prismhq/prism/internal/stats"
	"github.com/prismhq/prism/internal/validation"
)

// Server accepts registration connections and dispatches them to
// per-connection handlers.
type Server struct {
	cfg       config.ServerConfig
	proto     config.ProtocolConfig
	validator *validation.Validator
	processor *registry.Processor
	stats     *stats.Collector
	logger    *slog.Logger

	listener net.Listener

	activeConns int64
	running     atomic.Bool
	shutdownCh  chan struct{}
	wg          sync.WaitGroup

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

// New creates a Server. Call Start to begin accepting.
func New(cfg config.ServerConfig, proto config.ProtocolConfig, validator *validation.Validator, processor *registry.Processor, collector *stats.Collector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:        cfg,
		proto:      proto,
		validator:  validator,
		processor:  processor,
		stats:      collector,
		logger:     logger,
		shutdownCh: make(chan struct{}),
		conns:      make(map[net.Conn]struct{}),
	}
}

// Start binds the listener and launches the accept loop.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.TCPPort)
	lc := net.ListenConfig{}
	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", addr, err)
	}

	s.listener = listener
	s.running.Store(true)

	s.logger.Info("tcp server listening",
		slog.String("addr", listener.Addr().String()),
		slog.Int("max_connections", s.cfg.MaxConnections))

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop performs the graceful shutdown sequence: stop accepting, signal
// handlers, wait up to the graceful timeout, then force-close stragglers.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	close(s.shutdownCh)
	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timeout := s.cfg.GracefulShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case <-done:
		s.logger.Info("tcp server stopped gracefully")
		return nil
	case <-time.After(timeout):
	}

	s.connMu.Lock()
	remaining := len(s.conns)
	for conn := range s.conns {
		conn.Close()
	}
	s.connMu.Unlock()
	s.logger.Warn("graceful shutdown timed out, force-closed connections",
		slog.Int("connections", remaining))

	<-done
	return nil
}

// ActiveConnections returns the number of admitted live connections.
func (s *Server) ActiveConnections() int64 {
	return atomic.LoadInt64(&s.activeConns)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdownCh:
				return
			default:
			}
			s.logger.Error("accept failed", slog.String("error", err.Error()))
			continue
		}

		if !s.acquireConnection() {
			// Written off the accept loop so a slow peer cannot stall
			// admission of other connections.
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.rejectAtCapacity(conn)
			}()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.releaseConnection()
			s.trackConn(conn)
			defer s.untrackConn(conn)
			s.handleConnection(conn)
		}()
	}
}

// acquireConnection claims an admission slot, failing at max_connections.
func (s *Server) acquireConnection() bool {
	for {
		current := atomic.LoadInt64(&s.activeConns)
		if current >= int64(s.cfg.MaxConnections) {
			return false
		}
		if atomic.CompareAndSwapInt64(&s.activeConns, current, current+1) {
			return true
		}
	}
}

func (s *Server) releaseConnection() {
	atomic.AddInt64(&s.activeConns, -1)
}

// rejectAtCapacity writes a single error response and closes the socket
// without entering the handler.
func (s *Server) rejectAtCapacity(conn net.Conn) {
	defer conn.Close()
	if s.stats != nil {
		s.stats.ConnectionRejected()
	}
	s.logger.Warn("connection rejected at capacity",
		slog.String("remote", conn.RemoteAddr().String()))

	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	enc := protocol.NewEncoder(s.proto.MaxMessageSize)
	frame, err := enc.Encode(protocol.ErrorResponse("server at capacity, try again later"))
	if err != nil {
		return
	}
	conn.Write(frame)
}

func (s *Server) trackConn(conn net.Conn) {
	s.connMu.Lock()
	s.conns[conn] = struct{}{}
	s.connMu.Unlock()
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
}
