// Package session implements one UDPGW client session: the TCP connection's
// read loop, its table of active PortForwards keyed by conn_id, and the
// serialized downstream writer every relay task shares.
package session

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/badvpn/udpgw-server/internal/config"
	"github.com/badvpn/udpgw-server/internal/logging"
	"github.com/badvpn/udpgw-server/internal/metrics"
	"github.com/badvpn/udpgw-server/internal/protocol"
	"github.com/badvpn/udpgw-server/internal/recovery"
)

// relayAwaitTimeout bounds how long the read loop waits for a superseded
// PortForward's relay task to observe its socket closing before moving on.
const relayAwaitTimeout = 2 * time.Second

// Session owns one TCP client connection and every PortForward it has
// opened. All writes to conn — both the session's own, if any were needed,
// and every relay task's downstream frame — pass through writeFrame so two
// goroutines never interleave partial writes on the wire.
type Session struct {
	conn    net.Conn
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	onClose func()

	mu       sync.Mutex
	forwards map[uint16]*PortForward

	writeMu sync.Mutex
}

// New constructs a Session around an accepted TCP connection. onClose, if
// non-nil, runs exactly once after the session and every PortForward it
// owned have been torn down — the caller uses it to release its admission
// slot.
func New(conn net.Conn, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, onClose func()) *Session {
	return &Session{
		conn:     conn,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		onClose:  onClose,
		forwards: make(map[uint16]*PortForward),
	}
}

// Run decodes upstream frames until the connection ends, a frame violates
// the wire format, or the client goes idle past ClientTimeout. It blocks
// until the session is torn down, including waiting for every
// PortForward's relay task to exit, at most relayAwaitTimeout per task.
func (s *Session) Run() {
	defer s.teardown()

	dec := protocol.NewDecoder(s.conn)
	dec.OnKeepalive = s.metrics.RecordKeepalive
	for {
		if s.cfg.ClientTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ClientTimeout))
		}

		frame, err := dec.ReadFrame()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) {
				s.metrics.RecordMalformedFrame()
				s.logger.Debug("ending session on malformed frame", logging.KeyError, err)
			} else {
				s.logger.Debug("session read loop ended", logging.KeyError, err)
			}
			return
		}

		s.metrics.RecordFrameDecoded()
		s.handleFrame(frame)
	}
}

// handleFrame implements the per-conn_id admission and routing rule: evict
// a stale PortForward on rebind or remote-endpoint mismatch, open a new one
// within the per-client cap, then deliver the payload.
func (s *Session) handleFrame(f *protocol.Frame) {
	s.mu.Lock()
	pf := s.forwards[f.ConnID]
	s.mu.Unlock()

	if pf != nil && (f.IsRebind() || !pf.Matches(f.RemoteIP, f.RemotePort)) {
		pf.Close("rebind")
		s.awaitRelay(pf)
		s.mu.Lock()
		if s.forwards[f.ConnID] == pf {
			delete(s.forwards, f.ConnID)
		}
		s.mu.Unlock()
		pf = nil
	}

	if pf == nil {
		s.mu.Lock()
		active := len(s.forwards)
		s.mu.Unlock()

		if s.cfg.MaxConnectionsForClient > 0 && active >= s.cfg.MaxConnectionsForClient {
			s.metrics.RecordPerClientCapDrop()
			return
		}

		conn, err := dialRemoteUDP(f.RemoteIP, f.RemotePort, s.cfg)
		if err != nil {
			s.logger.Debug("udp socket creation failed, dropping frame",
				logging.KeyConnID, f.ConnID, logging.KeyError, err)
			return
		}

		pf = newPortForward(f.ConnID, f.RemoteIP, f.RemotePort, conn, s)
		s.mu.Lock()
		s.forwards[f.ConnID] = pf
		s.mu.Unlock()
		s.metrics.RecordPortForwardOpened()
		go s.runRelay(pf)
	}

	if err := pf.Send(f.Payload); err != nil {
		s.metrics.RecordUDPSendError()
		pf.Close("udp_send_error")
		s.mu.Lock()
		if s.forwards[f.ConnID] == pf {
			delete(s.forwards, f.ConnID)
		}
		s.mu.Unlock()
		return
	}
	s.metrics.RecordUpstream(len(f.Payload))
}

// runRelay drives one PortForward's relayLoop and removes it from the
// session's table once the loop exits for any reason, including a panic.
func (s *Session) runRelay(pf *PortForward) {
	defer close(pf.done)
	defer recovery.RecoverWithCallback(s.logger, "session.relay", func(any) { pf.Close("panic") })

	pf.relayLoop(s.cfg.UDPTimeout)

	s.mu.Lock()
	if s.forwards[pf.connID] == pf {
		delete(s.forwards, pf.connID)
	}
	s.mu.Unlock()
}

// awaitRelay waits for a closed PortForward's relay task to exit, bounded
// so a misbehaving remote peer can never stall the read loop indefinitely.
func (s *Session) awaitRelay(pf *PortForward) {
	select {
	case <-pf.done:
	case <-time.After(relayAwaitTimeout):
	}
}

// writeFrame serializes every downstream write — one per relay task — onto
// the single TCP connection so frames are never interleaved mid-write.
func (s *Session) writeFrame(b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(b)
	return err
}

// teardown closes every remaining PortForward, waits (bounded) for their
// relay tasks to exit, closes the TCP connection, and finally invokes
// onClose so the caller can release its admission slot.
func (s *Session) teardown() {
	s.mu.Lock()
	forwards := make([]*PortForward, 0, len(s.forwards))
	for _, pf := range s.forwards {
		forwards = append(forwards, pf)
	}
	s.forwards = make(map[uint16]*PortForward)
	s.mu.Unlock()

	for _, pf := range forwards {
		pf.Close("session_closed")
		s.awaitRelay(pf)
	}

	_ = s.conn.Close()

	if s.onClose != nil {
		s.onClose()
	}
}

// dialRemoteUDP opens a connected UDP socket to remoteIP:remotePort so the
// kernel filters out datagrams from any other source address, matching the
// PortForward's pinned-endpoint semantics. Buffer sizes are applied best
// effort: a failure to size them is not a reason to refuse the connection.
func dialRemoteUDP(remoteIP net.IP, remotePort uint16, cfg *config.Config) (*net.UDPConn, error) {
	network := "udp4"
	if len(remoteIP) == 16 {
		network = "udp6"
	}

	conn, err := net.DialUDP(network, nil, &net.UDPAddr{IP: remoteIP, Port: int(remotePort)})
	if err != nil {
		return nil, err
	}
	if cfg.UDPBuffer > 0 {
		_ = conn.SetReadBuffer(cfg.UDPBuffer)
		_ = conn.SetWriteBuffer(cfg.UDPBuffer)
	}
	return conn, nil
}

// ActiveForwards returns the number of currently open PortForwards. Used by
// tests.
func (s *Session) ActiveForwards() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.forwards)
}
