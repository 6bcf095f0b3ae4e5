package session

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/badvpn/udpgw-server/internal/logging"
	"github.com/badvpn/udpgw-server/internal/protocol"
)

// PortForward owns one kernel UDP socket bound (via connect) to a single
// remote_ip/remote_port pair on behalf of one conn_id within a session.
// The session's read loop writes to conn through Send; its relay task is the
// only goroutine that reads from it. Close is safe to call concurrently from
// the session's read loop.
type PortForward struct {
	connID     uint16
	remoteIP   net.IP
	remotePort uint16

	conn    *net.UDPConn
	session *Session
	limiter *rate.Limiter // nil when UDPRateLimit is 0 (unlimited)

	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}
}

func newPortForward(connID uint16, remoteIP net.IP, remotePort uint16, conn *net.UDPConn, sess *Session) *PortForward {
	pf := &PortForward{
		connID:     connID,
		remoteIP:   remoteIP,
		remotePort: remotePort,
		conn:       conn,
		session:    sess,
		done:       make(chan struct{}),
	}
	if sess.cfg.UDPRateLimit > 0 {
		pf.limiter = rate.NewLimiter(rate.Limit(sess.cfg.UDPRateLimit), int(protocol.MaxPayloadSize))
	}
	return pf
}

// Matches reports whether an upstream frame's destination still addresses
// this PortForward's pinned remote endpoint.
func (pf *PortForward) Matches(remoteIP net.IP, remotePort uint16) bool {
	return pf.remotePort == remotePort && pf.remoteIP.Equal(remoteIP)
}

// Send forwards an upstream payload to the pinned remote endpoint.
func (pf *PortForward) Send(payload []byte) error {
	_, err := pf.conn.Write(payload)
	return err
}

// IsClosed reports whether Close has already run.
func (pf *PortForward) IsClosed() bool { return pf.closed.Load() }

// Close tears the PortForward down exactly once: it closes the UDP socket
// (unblocking relayLoop's Read) and records the closing reason. Safe to call
// from multiple goroutines and multiple times; only the first call has any
// effect.
func (pf *PortForward) Close(reason string) {
	pf.closeOnce.Do(func() {
		pf.closed.Store(true)
		pf.conn.Close()
		pf.session.metrics.RecordPortForwardClosed(reason)
		pf.session.logger.Debug("portforward closed",
			logging.KeyConnID, pf.connID,
			"reason", reason)
	})
}

// relayLoop reads datagrams arriving from the pinned remote endpoint and
// writes each one back to the TCP client as a downstream frame, until the
// socket is closed or a non-timeout receive error occurs. It never
// recurses and never blocks indefinitely: SetReadDeadline bounds every
// Read so a Close from another goroutine is noticed within one udpTimeout
// interval at most.
func (pf *PortForward) relayLoop(udpTimeout time.Duration) {
	preamble := protocol.PreambleSizeFor(len(pf.remoteIP))
	buf := make([]byte, preamble+protocol.MaxPayloadSize+1)

	for {
		if pf.IsClosed() {
			return
		}

		_ = pf.conn.SetReadDeadline(time.Now().Add(udpTimeout))
		n, err := pf.conn.Read(buf[preamble:])
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue // liveness probe only; the PortForward stays open
			}
			pf.session.metrics.RecordUDPRecvError()
			pf.Close("udp_recv_error")
			return
		}

		if n > protocol.MaxPayloadSize {
			pf.session.metrics.RecordOversizeDatagramDropped()
			continue
		}

		if pf.limiter != nil {
			if r := pf.limiter.ReserveN(time.Now(), n); r.OK() {
				time.Sleep(r.Delay())
			}
		}

		total, err := protocol.WritePreamble(buf[:preamble+n], pf.connID, pf.remoteIP, pf.remotePort, n)
		if err != nil {
			pf.session.logger.Error("encode downstream frame", logging.KeyConnID, pf.connID, logging.KeyError, err)
			pf.Close("encode_error")
			return
		}

		if err := pf.session.writeFrame(buf[:total]); err != nil {
			pf.session.metrics.RecordTCPWriteError()
			pf.Close("tcp_write_error")
			return
		}
		pf.session.metrics.RecordDownstream(n)
	}
}
