// Package prom exports relay metrics to Prometheus.
package prom

import (
	"net/http"
	"time"

	"github.com/pinch-protocol/pinch-sub002/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// RelayObserver exports relay metrics to Prometheus.
type RelayObserver struct {
	connGauge     prometheus.Gauge
	authTotal     *prometheus.CounterVec
	routeTotal    *prometheus.CounterVec
	queueDepth    *prometheus.GaugeVec
	flushLatency  prometheus.Histogram
	flushMessages prometheus.Counter
	sweepRemoved  prometheus.Counter
}

// NewRelayObserver registers relay metrics on the registry.
func NewRelayObserver(reg *prometheus.Registry) *RelayObserver {
	o := &RelayObserver{
		connGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pinch_relay_connections",
			Help: "Current authenticated connection count.",
		}),
		authTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pinch_relay_auth_total",
			Help: "Auth handshake outcomes.",
		}, []string{"result"}),
		routeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pinch_relay_route_total",
			Help: "route_message outcomes.",
		}, []string{"outcome"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pinch_relay_queue_depth",
			Help: "Pending queue depth by recipient address.",
		}, []string{"address"}),
		flushLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pinch_relay_flush_batch_seconds",
			Help:    "Latency of a single flush batch.",
			Buckets: prometheus.DefBuckets,
		}),
		flushMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pinch_relay_flush_messages_total",
			Help: "Messages drained by the flush engine.",
		}),
		sweepRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pinch_relay_sweep_removed_total",
			Help: "Queue entries removed by the TTL sweep.",
		}),
	}
	reg.MustRegister(
		o.connGauge,
		o.authTotal,
		o.routeTotal,
		o.queueDepth,
		o.flushLatency,
		o.flushMessages,
		o.sweepRemoved,
	)
	return o
}

func (o *RelayObserver) ConnCount(n int64) {
	o.connGauge.Set(float64(n))
}

func (o *RelayObserver) Auth(result observability.AuthResult) {
	o.authTotal.WithLabelValues(string(result)).Inc()
}

func (o *RelayObserver) Route(outcome observability.RouteOutcome) {
	o.routeTotal.WithLabelValues(string(outcome)).Inc()
}

func (o *RelayObserver) QueueDepth(address string, n int) {
	o.queueDepth.WithLabelValues(address).Set(float64(n))
}

func (o *RelayObserver) FlushBatch(address string, n int, d time.Duration) {
	o.flushLatency.Observe(d.Seconds())
	o.flushMessages.Add(float64(n))
}

func (o *RelayObserver) Sweep(removed int) {
	o.sweepRemoved.Add(float64(removed))
}
