package session

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/badvpn/udpgw-server/internal/config"
	"github.com/badvpn/udpgw-server/internal/logging"
	"github.com/badvpn/udpgw-server/internal/metrics"
	"github.com/badvpn/udpgw-server/internal/protocol"
)

func newTestSession(t *testing.T, conn net.Conn, cfg *config.Config) (*Session, *metrics.Metrics) {
	t.Helper()
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	sess := New(conn, cfg, logging.NopLogger(), m, nil)
	return sess, m
}

// buildUpstreamFrame encodes one client->server wire frame by hand,
// mirroring the layout internal/protocol.Decoder expects.
func buildUpstreamFrame(flags uint8, connID uint16, remoteIP net.IP, port uint16, payload []byte) []byte {
	ip := remoteIP.To4()
	if ip == nil {
		ip = remoteIP.To16()
		flags |= protocol.FlagIPv6
	}
	body := make([]byte, 1+2+len(ip)+2+len(payload))
	body[0] = flags
	binary.LittleEndian.PutUint16(body[1:3], connID)
	copy(body[3:3+len(ip)], ip)
	binary.BigEndian.PutUint16(body[3+len(ip):5+len(ip)], port)
	copy(body[5+len(ip):], payload)

	frame := make([]byte, 2+len(body))
	binary.LittleEndian.PutUint16(frame[0:2], uint16(len(body)))
	copy(frame[2:], body)
	return frame
}

func startUDPEcho(t *testing.T) *net.UDPAddr {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 65536)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			_, _ = conn.WriteToUDP(buf[:n], addr)
		}
	}()

	return conn.LocalAddr().(*net.UDPAddr)
}

func TestSession_RelaysDownstreamFromEcho(t *testing.T) {
	echoAddr := startUDPEcho(t)

	client, server := net.Pipe()
	defer client.Close()

	cfg := config.Default()
	cfg.ClientTimeout = 0
	cfg.UDPTimeout = 200 * time.Millisecond
	sess, m := newTestSession(t, server, cfg)

	done := make(chan struct{})
	go func() { sess.Run(); close(done) }()

	payload := []byte("hello-world")
	frame := buildUpstreamFrame(0, 42, echoAddr.IP, uint16(echoAddr.Port), payload)
	if _, err := client.Write(frame); err != nil {
		t.Fatalf("write upstream frame: %v", err)
	}

	dec := protocol.NewDecoder(client)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := dec.ReadFrame()
	if err != nil {
		t.Fatalf("read downstream frame: %v", err)
	}
	if reply.ConnID != 42 {
		t.Errorf("ConnID = %d, want 42", reply.ConnID)
	}
	if string(reply.Payload) != string(payload) {
		t.Errorf("Payload = %q, want %q", reply.Payload, payload)
	}
	if got := testutil.ToFloat64(m.PortForwardsOpened); got != 1 {
		t.Errorf("PortForwardsOpened = %v, want 1", got)
	}

	client.Close()
	<-done
}

func TestSession_KeepalivesAreCountedAndNeverRouted(t *testing.T) {
	echoAddr := startUDPEcho(t)

	client, server := net.Pipe()
	defer client.Close()

	cfg := config.Default()
	cfg.ClientTimeout = 0
	cfg.UDPTimeout = 200 * time.Millisecond
	sess, m := newTestSession(t, server, cfg)

	done := make(chan struct{})
	go func() { sess.Run(); close(done) }()

	for i := 0; i < 3; i++ {
		client.Write(buildUpstreamFrame(protocol.FlagKeepalive, 0, echoAddr.IP, 0, nil))
	}
	payload := []byte("after-keepalives")
	client.Write(buildUpstreamFrame(0, 1, echoAddr.IP, uint16(echoAddr.Port), payload))

	dec := protocol.NewDecoder(client)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := dec.ReadFrame()
	if err != nil {
		t.Fatalf("read downstream frame: %v", err)
	}
	if string(reply.Payload) != string(payload) {
		t.Errorf("Payload = %q, want %q", reply.Payload, payload)
	}
	if got := testutil.ToFloat64(m.KeepalivesSeen); got != 3 {
		t.Errorf("KeepalivesSeen = %v, want 3", got)
	}

	client.Close()
	<-done
}

func TestSession_RebindEvictsStalePortForward(t *testing.T) {
	echoA := startUDPEcho(t)
	echoB := startUDPEcho(t)

	client, server := net.Pipe()
	defer client.Close()

	cfg := config.Default()
	cfg.ClientTimeout = 0
	cfg.UDPTimeout = 200 * time.Millisecond
	sess, m := newTestSession(t, server, cfg)

	done := make(chan struct{})
	go func() { sess.Run(); close(done) }()

	dec := protocol.NewDecoder(client)

	first := buildUpstreamFrame(0, 7, echoA.IP, uint16(echoA.Port), []byte("a"))
	client.Write(first)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := dec.ReadFrame(); err != nil {
		t.Fatalf("read first reply: %v", err)
	}

	second := buildUpstreamFrame(0, 7, echoB.IP, uint16(echoB.Port), []byte("b"))
	client.Write(second)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := dec.ReadFrame()
	if err != nil {
		t.Fatalf("read second reply: %v", err)
	}
	if string(reply.Payload) != "b" {
		t.Errorf("Payload = %q, want %q (should come from the new endpoint)", reply.Payload, "b")
	}

	time.Sleep(50 * time.Millisecond) // let the evicted relay task finish closing
	if got := testutil.ToFloat64(m.PortForwardsClosed.WithLabelValues("rebind")); got != 1 {
		t.Errorf("PortForwardsClosed{rebind} = %v, want 1", got)
	}

	client.Close()
	<-done
}

func TestSession_PerClientCapDropsExcessConnIDs(t *testing.T) {
	echoA := startUDPEcho(t)
	echoB := startUDPEcho(t)

	client, server := net.Pipe()
	defer client.Close()

	cfg := config.Default()
	cfg.ClientTimeout = 0
	cfg.MaxConnectionsForClient = 1
	cfg.UDPTimeout = 200 * time.Millisecond
	sess, m := newTestSession(t, server, cfg)

	done := make(chan struct{})
	go func() { sess.Run(); close(done) }()

	dec := protocol.NewDecoder(client)

	client.Write(buildUpstreamFrame(0, 1, echoA.IP, uint16(echoA.Port), []byte("a")))
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := dec.ReadFrame(); err != nil {
		t.Fatalf("read first reply: %v", err)
	}

	// Second conn_id exceeds the per-client cap and must be dropped silently:
	// no reply frame ever arrives for it.
	client.Write(buildUpstreamFrame(0, 2, echoB.IP, uint16(echoB.Port), []byte("b")))
	time.Sleep(100 * time.Millisecond)

	if got := testutil.ToFloat64(m.FramesDroppedPerClientCap); got != 1 {
		t.Errorf("FramesDroppedPerClientCap = %v, want 1", got)
	}
	if got := sess.ActiveForwards(); got != 1 {
		t.Errorf("ActiveForwards = %d, want 1", got)
	}

	client.Close()
	<-done
}

func TestSession_TeardownClosesAllPortForwards(t *testing.T) {
	echoAddr := startUDPEcho(t)

	client, server := net.Pipe()
	cfg := config.Default()
	cfg.ClientTimeout = 0
	cfg.UDPTimeout = 200 * time.Millisecond
	sess, m := newTestSession(t, server, cfg)

	done := make(chan struct{})
	go func() { sess.Run(); close(done) }()

	dec := protocol.NewDecoder(client)
	client.Write(buildUpstreamFrame(0, 9, echoAddr.IP, uint16(echoAddr.Port), []byte("x")))
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := dec.ReadFrame(); err != nil {
		t.Fatalf("read reply: %v", err)
	}

	client.Close()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("session did not tear down after the client connection closed")
	}

	if sess.ActiveForwards() != 0 {
		t.Error("expected no active PortForwards after teardown")
	}
	if got := testutil.ToFloat64(m.PortForwardsClosed.WithLabelValues("session_closed")); got != 1 {
		t.Errorf("PortForwardsClosed{session_closed} = %v, want 1", got)
	}
}
