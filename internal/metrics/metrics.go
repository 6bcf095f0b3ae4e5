// Package metrics provides Prometheus metrics for the udpgw server.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "udpgw"

// Metrics contains all Prometheus metrics for the server.
type Metrics struct {
	// Admission (C5)
	ClientsActive         prometheus.Gauge
	ClientsTotal          prometheus.Counter
	ClientsRejectedGlobal prometheus.Counter

	// Sessions / PortForwards (C3)
	PortForwardsActive        prometheus.Gauge
	PortForwardsOpened        prometheus.Counter
	PortForwardsClosed        *prometheus.CounterVec // labeled by reason
	FramesDroppedPerClientCap prometheus.Counter

	// Frame codec (C1)
	FramesDecoded   prometheus.Counter
	FramesMalformed prometheus.Counter
	KeepalivesSeen  prometheus.Counter
	FramesEncoded   prometheus.Counter

	// Data transfer (C2/C4)
	UpstreamBytes            prometheus.Counter
	DownstreamBytes          prometheus.Counter
	UDPSendErrors            prometheus.Counter
	UDPRecvErrors            prometheus.Counter
	OversizeDatagramsDropped prometheus.Counter

	// TCP write failures (C3 serialized writer)
	TCPWriteErrors prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide metrics instance, backed by
// prometheus.DefaultRegisterer.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a Metrics instance registered against the default
// Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a Metrics instance against a specific
// registry — tests use a fresh prometheus.NewRegistry() so repeated runs
// don't collide on the default one.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ClientsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "clients_active",
			Help: "Number of currently connected TCP client sessions",
		}),
		ClientsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "clients_total",
			Help: "Total number of TCP client sessions accepted",
		}),
		ClientsRejectedGlobal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "clients_rejected_global_total",
			Help: "Total connections closed immediately because max_clients was reached",
		}),

		PortForwardsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "portforwards_active",
			Help: "Number of currently active PortForwards across all sessions",
		}),
		PortForwardsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "portforwards_opened_total",
			Help: "Total PortForwards created",
		}),
		PortForwardsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "portforwards_closed_total",
			Help: "Total PortForwards closed, labeled by reason",
		}, []string{"reason"}),
		FramesDroppedPerClientCap: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_dropped_per_client_cap_total",
			Help: "Total frames silently dropped due to max_connections_for_client",
		}),

		FramesDecoded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_decoded_total",
			Help: "Total non-keepalive upstream frames decoded",
		}),
		FramesMalformed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_malformed_total",
			Help: "Total sessions ended due to a malformed frame",
		}),
		KeepalivesSeen: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "keepalives_total",
			Help: "Total keepalive frames discarded",
		}),
		FramesEncoded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_encoded_total",
			Help: "Total downstream frames written to TCP clients",
		}),

		UpstreamBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "upstream_bytes_total",
			Help: "Total payload bytes sent to remote UDP endpoints",
		}),
		DownstreamBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "downstream_bytes_total",
			Help: "Total payload bytes relayed back to TCP clients",
		}),
		UDPSendErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "udp_send_errors_total",
			Help: "Total UDP sendto errors (each closes its PortForward)",
		}),
		UDPRecvErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "udp_recv_errors_total",
			Help: "Total non-timeout UDP receive errors",
		}),
		OversizeDatagramsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "oversize_datagrams_dropped_total",
			Help: "Total inbound UDP datagrams dropped for exceeding MaxPayloadSize",
		}),

		TCPWriteErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tcp_write_errors_total",
			Help: "Total failed writes to a TCP client (relay task exits)",
		}),
	}
}

// RecordClientAccepted records a session being admitted.
func (m *Metrics) RecordClientAccepted() {
	m.ClientsActive.Inc()
	m.ClientsTotal.Inc()
}

// RecordClientRejected records the global-cap rejection path (C5).
func (m *Metrics) RecordClientRejected() {
	m.ClientsRejectedGlobal.Inc()
}

// RecordClientClosed records a session's final teardown.
func (m *Metrics) RecordClientClosed() {
	m.ClientsActive.Dec()
}

// RecordPortForwardOpened records a new PortForward (§4.3 step 4).
func (m *Metrics) RecordPortForwardOpened() {
	m.PortForwardsActive.Inc()
	m.PortForwardsOpened.Inc()
}

// RecordPortForwardClosed records a PortForward's ACTIVE -> CLOSING
// transition, labeled with the triggering reason.
func (m *Metrics) RecordPortForwardClosed(reason string) {
	m.PortForwardsActive.Dec()
	m.PortForwardsClosed.WithLabelValues(reason).Inc()
}

// RecordPerClientCapDrop records the silent per-client admission drop (§7).
func (m *Metrics) RecordPerClientCapDrop() {
	m.FramesDroppedPerClientCap.Inc()
}

// RecordFrameDecoded records one successfully decoded non-keepalive frame.
func (m *Metrics) RecordFrameDecoded() {
	m.FramesDecoded.Inc()
}

// RecordKeepalive records a discarded keepalive frame.
func (m *Metrics) RecordKeepalive() {
	m.KeepalivesSeen.Inc()
}

// RecordMalformedFrame records a session-ending framing violation.
func (m *Metrics) RecordMalformedFrame() {
	m.FramesMalformed.Inc()
}

// RecordUpstream records a successful sendto to a remote UDP endpoint.
func (m *Metrics) RecordUpstream(bytes int) {
	m.UpstreamBytes.Add(float64(bytes))
}

// RecordDownstream records a successful encode+write back to the TCP client.
func (m *Metrics) RecordDownstream(bytes int) {
	m.DownstreamBytes.Add(float64(bytes))
	m.FramesEncoded.Inc()
}

// RecordUDPSendError records a failed sendto (closes the PortForward).
func (m *Metrics) RecordUDPSendError() {
	m.UDPSendErrors.Inc()
}

// RecordUDPRecvError records a non-timeout UDP receive error.
func (m *Metrics) RecordUDPRecvError() {
	m.UDPRecvErrors.Inc()
}

// RecordOversizeDatagramDropped records an oversize inbound UDP datagram
// being dropped (continue, not close — §4.2/§4.4).
func (m *Metrics) RecordOversizeDatagramDropped() {
	m.OversizeDatagramsDropped.Inc()
}

// RecordTCPWriteError records a failed write to the TCP client.
func (m *Metrics) RecordTCPWriteError() {
	m.TCPWriteErrors.Inc()
}
