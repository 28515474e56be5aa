// Package metrics holds VSTP's Prometheus instrumentation: frame
// throughput, decode failures by kind, fragmentation/reassembly activity,
// reliable-datagram retries, and circuit breaker transitions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every VSTP Prometheus collector.
type Metrics struct {
	FramesEncoded *prometheus.CounterVec
	FramesDecoded *prometheus.CounterVec
	DecodeErrors  *prometheus.CounterVec
	FrameBytes    *prometheus.HistogramVec

	FragmentsSplit      *prometheus.CounterVec
	FragmentsReassembled *prometheus.CounterVec
	ReassemblySessions   prometheus.Gauge
	ReassemblyTimeouts   *prometheus.CounterVec

	DatagramRetries     *prometheus.CounterVec
	DatagramAckLatency  *prometheus.HistogramVec
	DatagramTimeouts    *prometheus.CounterVec
	DedupHits           *prometheus.CounterVec

	StreamSessions      prometheus.Gauge
	StreamHandshakes    *prometheus.CounterVec

	BreakerState *prometheus.GaugeVec
}

// New creates and registers every collector with the default registry.
func New() *Metrics {
	return &Metrics{
		FramesEncoded: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "vstp_frames_encoded_total", Help: "Total frames encoded for transmission."},
			[]string{"transport", "frame_type"},
		),
		FramesDecoded: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "vstp_frames_decoded_total", Help: "Total frames successfully decoded."},
			[]string{"transport", "frame_type"},
		),
		DecodeErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "vstp_decode_errors_total", Help: "Total decode failures by error kind."},
			[]string{"transport", "kind"},
		),
		FrameBytes: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vstp_frame_bytes",
				Help:    "Encoded frame size in bytes.",
				Buckets: prometheus.ExponentialBuckets(64, 2, 16),
			},
			[]string{"transport"},
		),

		FragmentsSplit: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "vstp_fragments_split_total", Help: "Total fragments produced by Split."},
			[]string{"peer"},
		),
		FragmentsReassembled: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "vstp_fragments_reassembled_total", Help: "Total logical frames completed by reassembly."},
			[]string{"peer"},
		),
		ReassemblySessions: promauto.NewGauge(
			prometheus.GaugeOpts{Name: "vstp_reassembly_sessions", Help: "Current live reassembly sessions."},
		),
		ReassemblyTimeouts: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "vstp_reassembly_timeouts_total", Help: "Total reassembly sessions evicted by timeout or capacity."},
			[]string{"reason"}, // "timeout" or "capacity"
		),

		DatagramRetries: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "vstp_datagram_retries_total", Help: "Total SendWithAck retransmissions."},
			[]string{"peer"},
		),
		DatagramAckLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vstp_datagram_ack_latency_seconds",
				Help:    "Time from first send to ACK receipt.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"peer"},
		),
		DatagramTimeouts: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "vstp_datagram_timeouts_total", Help: "Total SendWithAck calls exhausting their retry budget."},
			[]string{"peer"},
		),
		DedupHits: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "vstp_dedup_hits_total", Help: "Total inbound datagrams suppressed as duplicates."},
			[]string{"peer"},
		),

		StreamSessions: promauto.NewGauge(
			prometheus.GaugeOpts{Name: "vstp_stream_sessions", Help: "Current active stream sessions."},
		),
		StreamHandshakes: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "vstp_stream_handshakes_total", Help: "Total HELLO/WELCOME handshakes by outcome."},
			[]string{"outcome"}, // "ok", "rejected", "failed"
		),

		BreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{Name: "vstp_breaker_state", Help: "Circuit breaker state per peer (0=closed, 1=half_open, 2=open)."},
			[]string{"peer"},
		),
	}
}

// RecordDecodeError increments the decode-error counter for the given
// transport and *vstp.Error Kind string.
func (m *Metrics) RecordDecodeError(transport, kind string) {
	m.DecodeErrors.WithLabelValues(transport, kind).Inc()
}

// RecordEncoded records one successfully encoded frame.
func (m *Metrics) RecordEncoded(transport, frameType string, size int) {
	m.FramesEncoded.WithLabelValues(transport, frameType).Inc()
	m.FrameBytes.WithLabelValues(transport).Observe(float64(size))
}

// RecordDecoded records one successfully decoded frame.
func (m *Metrics) RecordDecoded(transport, frameType string) {
	m.FramesDecoded.WithLabelValues(transport, frameType).Inc()
}
