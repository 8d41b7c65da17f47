// Package ws is the gateway transport. It upgrades HTTP requests to
// WebSocket connections, multiplexes reads with epoll onto a bounded worker
// pool, tracks live connections and runs the liveness sweep. Protocol
// semantics live behind the Handler interface.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hearth/gateway/internal/metrics"
)

// MaxFrameSize bounds a single inbound data frame.
const MaxFrameSize = 64 << 10

// Handler receives connection lifecycle callbacks. OnFrame is never called
// concurrently for the same peer.
type Handler interface {
	OnConnect(p Peer)
	OnFrame(p Peer, data []byte)
	OnDisconnect(p Peer)
}

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr        string        // address to listen on, e.g. ":8080"
	WorkerPoolSize    int           // max concurrent read-worker goroutines
	MaxConnections    int           // hard cap on total connections
	ReadTimeout       time.Duration // timeout for WebSocket read operations
	WriteTimeout      time.Duration // timeout for WebSocket write operations
	HeartbeatInterval time.Duration // liveness sweep period
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:        ":8080",
		WorkerPoolSize:    256,
		MaxConnections:    100000,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
	}
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections, registers them with an epoll instance for I/O
// readiness notifications, and dispatches ready connections to a bounded
// worker pool for frame reading.
type Server struct {
	config     ServerConfig
	handler    Handler
	logger     zerolog.Logger
	epoll      *Epoll
	conns      *ConnectionManager
	workerPool chan struct{} // semaphore limiting concurrent read workers
	httpServer *http.Server
	startOnce  sync.Once
	startErr   error
	done       chan struct{}
	closeOnce  sync.Once
	startedAt  time.Time
}

// NewServer creates a Server that reports connection events to handler.
func NewServer(config ServerConfig, handler Handler, logger zerolog.Logger) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultServerConfig().HeartbeatInterval
	}
	return &Server{
		config:     config,
		handler:    handler,
		logger:     logger.With().Str("component", "ws").Logger(),
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
	}
}

// start creates the epoll instance and launches the event loop and the
// heartbeat sweep. It runs once.
func (s *Server) start() error {
	s.startOnce.Do(func() {
		s.epoll, s.startErr = NewEpoll()
		if s.startErr != nil {
			s.startErr = fmt.Errorf("ws: failed to create epoll: %w", s.startErr)
			return
		}
		s.startedAt = time.Now()
		s.httpServer = &http.Server{
			Addr:              s.config.ListenAddr,
			Handler:           s.Mux(),
			ReadHeaderTimeout: s.config.ReadTimeout,
		}
		go s.startEventLoop()
		go s.runHeartbeat()
	})
	return s.startErr
}

// Mux returns the HTTP routes served by the gateway: the WebSocket endpoint,
// a health probe and Prometheus metrics.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/gateway", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start listens on the configured address and blocks until Shutdown.
func (s *Server) Start() error {
	if err := s.start(); err != nil {
		return err
	}

	s.logger.Info().
		Str("addr", s.config.ListenAddr).
		Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).
		Msg("server listening")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	if err := s.start(); err != nil {
		return err
	}
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using the
// gobwas/ws zero-copy upgrader, registers it and hands it to the handler
// before any frame can be read from it.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug().Err(err).Msg("upgrade failed")
		return
	}

	c := newConnection(uuid.NewString(), conn, s)
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()
	s.handler.OnConnect(c)

	if err := s.epoll.Add(conn, c.id, c.reader); err != nil {
		s.logger.Error().Err(err).Str("session_id", c.id).Msg("epoll add failed")
		s.RemoveConnection(c)
		return
	}

	s.logger.Debug().
		Str("session_id", c.id).
		Str("remote_ip", c.remoteIP).
		Int("total", s.conns.Count()).
		Msg("connection opened")
}

// handleHealth responds with the server's health status as JSON.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. Each ready connection is handed
// to a worker goroutine bounded by the worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		ids, err := s.epoll.Wait(100)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if isEINTR(err) {
				continue
			}
			s.logger.Error().Err(err).Msg("epoll wait error")
			continue
		}

		for _, id := range ids {
			id := id

			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(id)
				s.epoll.Resume(id)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection. Control
// frames are handled here; data frames go to the handler. Any read failure
// removes the connection.
func (s *Server) handleConn(id string) {
	c := s.conns.Get(id)
	if c == nil {
		return
	}

	// Guard against a second dispatch while a frame is still being handled.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(c.reader, ws.StateServerSide)
	if err != nil {
		// A timeout means a stale dispatch with no data; liveness is the
		// sweep's job.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = c.Conn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.MarkAlive()

	switch header.OpCode {
	case ws.OpClose:
		s.RemoveConnection(c)
		return
	case ws.OpPing:
		payload, err := io.ReadAll(reader)
		if err == nil {
			err = c.writePong(payload)
		}
		if err != nil {
			s.RemoveConnection(c)
		}
		return
	case ws.OpPong:
		_, _ = io.Copy(io.Discard, reader)
		return
	}

	if header.Length > MaxFrameSize {
		_ = c.Close(int(ws.StatusMessageTooBig), "frame too large")
		return
	}

	data, err := io.ReadAll(io.LimitReader(reader, MaxFrameSize+1))
	if err != nil || len(data) > MaxFrameSize {
		s.RemoveConnection(c)
		return
	}
	if len(data) == 0 || header.OpCode == ws.OpBinary {
		return
	}

	s.handler.OnFrame(c, data)
}

// RemoveConnection removes a connection from epoll and the registry, closes
// the socket and notifies the handler. Only the first call for a connection
// has any effect, so a read error racing the heartbeat sweep is harmless.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}

	if !s.conns.Remove(c.id) {
		return
	}
	metrics.ConnectionsTotal.Dec()
	s.handler.OnDisconnect(c)

	s.logger.Debug().
		Str("session_id", c.id).
		Int("total", s.conns.Count()).
		Msg("connection closed")
}

// Connections returns the live connection registry.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener, closes every connection with 1001 and
// releases the epoll instance.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.logger.Info().Msg("shutting down server")
		close(s.done)

		if s.httpServer != nil {
			if herr := s.httpServer.Shutdown(ctx); herr != nil {
				err = fmt.Errorf("ws: http shutdown: %w", herr)
			}
		}

		for _, c := range s.conns.All() {
			_ = c.Close(int(ws.StatusGoingAway), "server shutting down")
		}

		if s.epoll != nil {
			_ = s.epoll.Close()
		}
		s.logger.Info().Msg("server stopped")
	})
	return err
}
