package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/huddle/pkg/database"
	"github.com/aeolun/huddle/pkg/protocol"
	"github.com/aeolun/huddle/pkg/storage"
	"github.com/rs/zerolog"
)

// Server accepts client connections and owns the shared services their
// dispatchers use. Everything is created in NewServer and released in
// Stop.
type Server struct {
	config   ServerConfig
	store    database.Store
	uploader storage.Uploader
	logger   zerolog.Logger
	now      func() time.Time

	registry   *Registry
	router     *Router
	calls      *CallManager
	visibility *VisibilityStore
	metrics    *Metrics

	ctx    context.Context
	cancel context.CancelFunc

	listener      net.Listener
	metricsServer *http.Server
	shutdown      chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup

	connMu     sync.Mutex
	conns      map[uint64]*Conn
	nextConnID atomic.Uint64
}

// NewServer wires the services together. relay may be nil when media
// relaying is disabled. Deletion marks are loaded from store.
func NewServer(config ServerConfig, store database.Store, uploader storage.Uploader, relay MediaRelay, logger zerolog.Logger) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if uploader == nil {
		return nil, errors.New("uploader is required")
	}

	ports, err := NewPortAllocator(config.RelayPortMin, config.RelayPortMax)
	if err != nil {
		return nil, err
	}

	marks, err := store.ListDeletionMarks()
	if err != nil {
		return nil, fmt.Errorf("failed to load deletion marks: %w", err)
	}

	logger = logger.With().Str("com", "server").Logger()
	metrics := NewMetrics()
	registry := NewRegistry()
	router := NewRouter(registry, metrics, logger)
	visibility := NewVisibilityStore(store, serverClock)
	visibility.Load(marks)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:     config,
		store:      store,
		uploader:   uploader,
		logger:     logger,
		now:        serverClock,
		registry:   registry,
		router:     router,
		calls:      NewCallManager(store, router, ports, relay, config.RelayPublicHost, metrics, logger),
		visibility: visibility,
		metrics:    metrics,
		ctx:        ctx,
		cancel:     cancel,
		shutdown:   make(chan struct{}),
		conns:      make(map[uint64]*Conn),
	}
	return s, nil
}

// Start listens for clients and, if configured, serves /metrics
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.BindAddress, strconv.Itoa(s.config.TCPPort))

	// Use ListenConfig to enable SO_REUSEADDR
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var opErr error
			err := c.Control(func(fd uintptr) {
				opErr = setSocketOptions(fd)
			})
			if err != nil {
				return err
			}
			return opErr
		},
	}

	listener, err := lc.Listen(s.ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.logger.Info().Str("addr", listener.Addr().String()).Msg("listening")

	// Metrics HTTP server (internal only - never expose publicly!)
	if s.config.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		s.metricsServer = &http.Server{
			Addr:              net.JoinHostPort(s.config.BindAddress, strconv.Itoa(s.config.MetricsPort)),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logger.Info().Str("addr", s.metricsServer.Addr).Msg("metrics server listening (/metrics) - INTERNAL ONLY")
			if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error().Err(err).Msg("metrics server error")
			}
		}()
	}

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the client listener address, nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every connection, waits for all
// connection goroutines, then ends all calls. The store is left open.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.logger.Info().Msg("graceful shutdown initiated")
		close(s.shutdown)
		s.cancel()

		if s.listener != nil {
			s.listener.Close()
		}
		if s.metricsServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.metricsServer.Shutdown(ctx)
			cancel()
		}

		s.connMu.Lock()
		for _, c := range s.conns {
			c.Close()
		}
		s.connMu.Unlock()

		s.wg.Wait()
		s.calls.Shutdown()
		s.logger.Info().Msg("graceful shutdown complete")
	})
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				s.logger.Error().Err(err).Msg("accept error")
				if errors.Is(err, net.ErrClosed) {
					return
				}
				continue
			}
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(nc net.Conn) {
	defer s.wg.Done()

	// Disable Nagle's algorithm for immediate sends
	if tcpConn, ok := nc.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	conn := NewConn(s.nextConnID.Add(1), nc, s.config.MaxRecordBytes, s.config.MaxUploadBytes)
	if !s.track(conn) {
		conn.Close()
		return
	}
	defer s.untrack(conn)

	s.logger.Debug().Uint64("conn", conn.ID).Str("remote", nc.RemoteAddr().String()).Msg("new connection")
	newDispatcher(s, conn).run()
}

// track registers conn for shutdown; false once Stop has begun
func (s *Server) track(conn *Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	select {
	case <-s.shutdown:
		return false
	default:
	}
	s.conns[conn.ID] = conn
	s.metrics.RecordActiveConnections(len(s.conns))
	return true
}

func (s *Server) untrack(conn *Conn) {
	s.connMu.Lock()
	delete(s.conns, conn.ID)
	n := len(s.conns)
	s.connMu.Unlock()
	s.metrics.RecordActiveConnections(n)
}

// broadcastPresence tells the online co-members of userID's
// conversations that their status changed
func (s *Server) broadcastPresence(userID, status string) {
	convs, err := s.store.ListConversations(userID)
	if err != nil {
		s.logger.Warn().Err(err).Str("user", userID).Msg("failed to list conversations for presence")
		return
	}

	var targets []string
	for _, c := range convs {
		for _, m := range c.Members {
			if m != userID {
				targets = append(targets, m)
			}
		}
	}
	s.router.Deliver(targets, protocol.Event(protocol.EventPresence, userID, status))
}

// Registry exposes the connection registry
func (s *Server) Registry() *Registry {
	return s.registry
}

// Calls exposes the call manager
func (s *Server) Calls() *CallManager {
	return s.calls
}

// Metrics exposes the server's collectors
func (s *Server) Metrics() *Metrics {
	return s.metrics
}
