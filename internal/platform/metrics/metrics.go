package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the encoder.
// All methods are safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	registry              *prometheus.Registry
	ringOverflowFrames    prometheus.Counter
	encodedBytes          prometheus.Counter
	connectorState        *prometheus.GaugeVec
	connectorTransitions  *prometheus.CounterVec
	conveyorTransfers     *prometheus.CounterVec
	conveyorQueueDepth    prometheus.Gauge
	hlsSegments           prometheus.Counter
	hlsLiveSegments       prometheus.Gauge
	listeners             prometheus.Gauge
	metadataUpdates       *prometheus.CounterVec
	adminRequestsTotal    prometheus.Counter
	adminErrorsTotal      prometheus.Counter
}

// New creates and registers Prometheus metrics for the encoder.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		ringOverflowFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "glasscoder_ring_overflow_frames_total",
			Help: "Audio frames dropped because the ring buffer was full",
		}),
		encodedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "glasscoder_encoded_bytes_total",
			Help: "Encoded bytes handed to connectors",
		}),
		connectorState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "glasscoder_connector_state",
			Help: "Current connector state (0 idle, 1 connecting, 2 connected, 3 failed, 4 stopping, 5 stopped)",
		}, []string{"connector"}),
		connectorTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "glasscoder_connector_transitions_total",
			Help: "Connector state transitions by target state",
		}, []string{"connector", "state"}),
		conveyorTransfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "glasscoder_conveyor_transfers_total",
			Help: "Completed conveyor transfers by method and result",
		}, []string{"method", "result"}),
		conveyorQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "glasscoder_conveyor_queue_depth",
			Help: "Transfers waiting in the conveyor, including the one in flight",
		}),
		hlsSegments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "glasscoder_hls_segments_total",
			Help: "HLS media segments closed and published",
		}),
		hlsLiveSegments: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "glasscoder_hls_live_segments",
			Help: "HLS segments currently tracked across all renditions",
		}),
		listeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "glasscoder_listeners",
			Help: "Players connected to the embedded stream server",
		}),
		metadataUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "glasscoder_metadata_updates_total",
			Help: "Metadata updates received by source",
		}, []string{"source"}),
		adminRequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "glasscoder_admin_requests_total",
			Help: "Total number of admin HTTP requests received",
		}),
		adminErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "glasscoder_admin_errors_total",
			Help: "Total number of admin HTTP responses with error status (4xx or 5xx)",
		}),
	}

	registry.MustRegister(
		m.ringOverflowFrames,
		m.encodedBytes,
		m.connectorState,
		m.connectorTransitions,
		m.conveyorTransfers,
		m.conveyorQueueDepth,
		m.hlsSegments,
		m.hlsLiveSegments,
		m.listeners,
		m.metadataUpdates,
		m.adminRequestsTotal,
		m.adminErrorsTotal,
	)

	return m
}

// AddRingOverflow records frames dropped by the ring buffer writer.
func (m *Metrics) AddRingOverflow(frames int) {
	if m == nil || frames <= 0 {
		return
	}
	m.ringOverflowFrames.Add(float64(frames))
}

// AddEncodedBytes records bytes produced by a codec.
func (m *Metrics) AddEncodedBytes(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.encodedBytes.Add(float64(n))
}

// SetConnectorState records the numeric state of the named connector and
// counts the transition.
func (m *Metrics) SetConnectorState(connector string, state int, stateName string) {
	if m == nil {
		return
	}
	m.connectorState.WithLabelValues(connector).Set(float64(state))
	m.connectorTransitions.WithLabelValues(connector, stateName).Inc()
}

// IncTransfer counts one completed conveyor transfer.
func (m *Metrics) IncTransfer(method string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.conveyorTransfers.WithLabelValues(method, result).Inc()
}

// SetQueueDepth sets the conveyor queue depth gauge.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.conveyorQueueDepth.Set(float64(n))
}

// IncSegments counts one published HLS segment.
func (m *Metrics) IncSegments() {
	if m == nil {
		return
	}
	m.hlsSegments.Inc()
}

// SetLiveSegments sets the tracked HLS segment gauge.
func (m *Metrics) SetLiveSegments(n int) {
	if m == nil {
		return
	}
	m.hlsLiveSegments.Set(float64(n))
}

// SetListeners sets the embedded server listener gauge.
func (m *Metrics) SetListeners(n int) {
	if m == nil {
		return
	}
	m.listeners.Set(float64(n))
}

// IncMetadataUpdates counts one metadata update from source.
func (m *Metrics) IncMetadataUpdates(source string) {
	if m == nil {
		return
	}
	m.metadataUpdates.WithLabelValues(source).Inc()
}

// IncRequests increments the admin request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.adminRequestsTotal.Inc()
}

// IncErrors increments the admin error counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.adminErrorsTotal.Inc()
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
