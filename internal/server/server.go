// Package server implements the TCP accept loop and per-client admission
// control in front of a session.Session: the global max_clients cap, TCP
// socket tuning on each accepted connection, and a periodic human-readable
// stats log.
package server

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/badvpn/udpgw-server/internal/config"
	"github.com/badvpn/udpgw-server/internal/logging"
	"github.com/badvpn/udpgw-server/internal/metrics"
	"github.com/badvpn/udpgw-server/internal/recovery"
	"github.com/badvpn/udpgw-server/internal/session"
)

// acceptPollInterval bounds how long Accept blocks between checks of the
// shutdown flag, so Shutdown returns promptly even mid-Accept.
const acceptPollInterval = 1 * time.Second

// Server accepts TCP clients on one listen address, admits them against
// max_clients, and hands each surviving connection to a new session.Session.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	ln      net.Listener
	readyCh chan struct{}
	wg      sync.WaitGroup

	mu               sync.Mutex
	clientCount      int
	totalConnections uint64
	shuttingDown     bool
}

// New constructs a Server. It does not start listening until ListenAndServe.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Server {
	return &Server{cfg: cfg, logger: logger, metrics: m, readyCh: make(chan struct{})}
}

// Addr blocks until the listener is open and returns its address. Tests use
// this to discover the ephemeral port chosen for "127.0.0.1:0".
func (s *Server) Addr() net.Addr {
	<-s.readyCh
	return s.ln.Addr()
}

// ListenAndServe opens the listening socket, runs the accept loop and (if
// configured) the stats logger, and blocks until ctx is done, at which
// point it stops the listener and waits for every in-flight session to
// finish tearing down before returning.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.ln = ln
	close(s.readyCh)
	s.logger.Info("listening", logging.KeyListenAddr, s.cfg.ListenAddr)

	s.wg.Add(1)
	go s.acceptLoop()

	if s.cfg.StatsInterval > 0 {
		s.wg.Add(1)
		go s.statsLoop(ctx)
	}

	<-ctx.Done()
	s.Shutdown()
	s.wg.Wait()
	return nil
}

// Shutdown stops accepting new connections. Sessions already accepted keep
// running until their own idle timeouts or client disconnects retire them;
// this mirrors the reference server's cooperative (not forced) shutdown.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.shuttingDown = true
	s.mu.Unlock()
	if s.ln != nil {
		_ = s.ln.Close()
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "server.acceptLoop")

	tcpLn, ok := s.ln.(*net.TCPListener)
	for {
		if ok {
			_ = tcpLn.SetDeadline(time.Now().Add(acceptPollInterval))
		}

		conn, err := s.ln.Accept()
		if err != nil {
			if s.isShuttingDown() {
				return
			}
			if ne, isNetErr := err.(net.Error); isNetErr && ne.Timeout() {
				continue
			}
			s.logger.Debug("accept error", logging.KeyError, err)
			continue
		}

		s.handleAccept(conn)
	}
}

func (s *Server) isShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shuttingDown
}

func (s *Server) handleAccept(conn net.Conn) {
	s.mu.Lock()
	if s.cfg.MaxClients > 0 && s.clientCount >= s.cfg.MaxClients {
		s.mu.Unlock()
		s.metrics.RecordClientRejected()
		conn.Close()
		return
	}
	s.clientCount++
	s.totalConnections++
	s.mu.Unlock()

	s.metrics.RecordClientAccepted()
	s.logger.Debug("client accepted", logging.KeyClientAddr, conn.RemoteAddr())

	applyTCPTuning(conn, s.cfg, s.logger)

	sess := session.New(conn, s.cfg, s.logger, s.metrics, func() {
		s.mu.Lock()
		s.clientCount--
		s.mu.Unlock()
		s.metrics.RecordClientClosed()
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer recovery.RecoverWithLog(s.logger, "server.session")
		sess.Run()
	}()
}

// applyTCPTuning applies the configured socket options to a freshly
// accepted connection. Every call is best effort: a platform that refuses
// one of these options is not a reason to drop the client.
func applyTCPTuning(conn net.Conn, cfg *config.Config, logger *slog.Logger) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tc.SetNoDelay(cfg.TCPNoDelay); err != nil {
		logger.Debug("set TCP_NODELAY failed", logging.KeyError, err)
	}
	if cfg.TCPKeepalive {
		if err := tc.SetKeepAlive(true); err != nil {
			logger.Debug("set SO_KEEPALIVE failed", logging.KeyError, err)
		}
	}
	if cfg.TCPBuffer > 0 {
		_ = tc.SetReadBuffer(cfg.TCPBuffer)
		_ = tc.SetWriteBuffer(cfg.TCPBuffer)
	}
}

// statsLoop periodically logs the active and total client counts in
// human-readable form until ctx is done.
func (s *Server) statsLoop(ctx context.Context) {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "server.statsLoop")

	ticker := time.NewTicker(s.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logStats()
		}
	}
}

func (s *Server) logStats() {
	s.mu.Lock()
	active := s.clientCount
	total := s.totalConnections
	s.mu.Unlock()

	s.logger.Info("stats",
		"active", humanize.Comma(int64(active)),
		"total", humanize.Comma(int64(total)),
	)
}
