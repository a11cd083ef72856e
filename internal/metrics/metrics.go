// Package metrics holds the Prometheus collectors shared by the services
// and the gateway.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BusRecorder receives events from the message bus client.
type BusRecorder interface {
	SetConnected(connected bool)
	IncReconnects()
	IncMessages()
	IncErrors(kind string)
	ObserveRequest(d time.Duration)
}

// Nop discards all bus events. Used where no registry is wired, such as
// tests.
type Nop struct{}

func (Nop) SetConnected(bool)             {}
func (Nop) IncReconnects()                {}
func (Nop) IncMessages()                  {}
func (Nop) IncErrors(string)              {}
func (Nop) ObserveRequest(time.Duration)  {}

type Metrics struct {
	busConnected  prometheus.Gauge
	busReconnects prometheus.Counter
	busMessages   prometheus.Counter
	busErrors     *prometheus.CounterVec
	busRequest    prometheus.Histogram

	SessionsActive    prometheus.Gauge
	CharactersActive  prometheus.Gauge
	StreamsActive     prometheus.Gauge
	StreamFramesIn    prometheus.Counter
	StreamFramesOut   prometheus.Counter
	PresenceSize      *prometheus.GaugeVec
	ChatterRelayed    prometheus.Counter
}

// New registers the collectors on reg. Register at most once per process.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		busConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bus_connected",
			Help: "Whether the NATS connection is currently established (1/0)",
		}),
		busReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "bus_reconnects_total",
			Help: "Total number of NATS reconnects",
		}),
		busMessages: factory.NewCounter(prometheus.CounterOpts{
			Name: "bus_messages_total",
			Help: "Total number of bus messages dispatched to handlers",
		}),
		busErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bus_errors_total",
			Help: "Total number of bus errors by kind",
		}, []string{"kind"}),
		busRequest: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "bus_request_duration_seconds",
			Help:    "Latency of bus request/reply calls",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0, 10.0},
		}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sessions_active",
			Help: "Number of live session instances",
		}),
		CharactersActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "characters_active",
			Help: "Number of live character instances",
		}),
		StreamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_streams_active",
			Help: "Number of connected client streams",
		}),
		StreamFramesIn: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_stream_frames_in_total",
			Help: "Total frames received from clients",
		}),
		StreamFramesOut: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_stream_frames_out_total",
			Help: "Total frames sent to clients",
		}),
		PresenceSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "system_presence_size",
			Help: "Number of characters present per star system",
		}, []string{"system_id"}),
		ChatterRelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatter_messages_relayed_total",
			Help: "Total chatter messages relayed between in and out topics",
		}),
	}
}

func (m *Metrics) SetConnected(connected bool) {
	if connected {
		m.busConnected.Set(1)
	} else {
		m.busConnected.Set(0)
	}
}

func (m *Metrics) IncReconnects() {
	m.busReconnects.Inc()
}

func (m *Metrics) IncMessages() {
	m.busMessages.Inc()
}

func (m *Metrics) IncErrors(kind string) {
	m.busErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveRequest(d time.Duration) {
	m.busRequest.Observe(d.Seconds())
}
