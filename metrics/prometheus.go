package metrics

import (
	"net/http"
	"time"

	"github.com/glimte/eventbus-go/internal/rabbitmq"
	"github.com/glimte/eventbus-go/messaging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "eventbus"

// PrometheusCollector exports bus and connection metrics to Prometheus
type PrometheusCollector struct {
	registry *prometheus.Registry

	published       *prometheus.CounterVec
	publishDuration *prometheus.HistogramVec
	publishRetries  *prometheus.CounterVec
	dispatched      *prometheus.CounterVec
	dispatchTime    *prometheus.HistogramVec
	deadLettered    *prometheus.CounterVec
	connected       prometheus.Gauge
	disconnects     prometheus.Counter
	reconnects      prometheus.Counter
}

var (
	_ messaging.MetricsCollector       = (*PrometheusCollector)(nil)
	_ rabbitmq.ConnectionStateListener = (*PrometheusCollector)(nil)
)

// NewPrometheusCollector registers the eventbus series on a fresh registry
// that also carries the Go and process collectors.
func NewPrometheusCollector() *PrometheusCollector {
	c := &PrometheusCollector{
		registry: prometheus.NewRegistry(),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_total",
			Help:      "Events published, by outcome.",
		}, []string{"event", "outcome"}),
		publishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_duration_seconds",
			Help:      "Time spent publishing an event, retries included.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30, 60},
		}, []string{"event"}),
		publishRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_retries_total",
			Help:      "Publish attempts that failed and were retried.",
		}, []string{"event"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatched_total",
			Help:      "Handler invocations, by outcome.",
		}, []string{"event", "handler", "outcome"}),
		dispatchTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Time spent in event handlers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event", "handler"}),
		deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_lettered_total",
			Help:      "Deliveries routed to the dead letter exchange.",
		}, []string{"event"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_up",
			Help:      "1 while the broker connection is open.",
		}),
		disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Broker connections lost.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Broker connect attempts that were retried.",
		}),
	}

	c.registry.MustRegister(
		c.published,
		c.publishDuration,
		c.publishRetries,
		c.dispatched,
		c.dispatchTime,
		c.deadLettered,
		c.connected,
		c.disconnects,
		c.reconnects,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the registry the series live on
func (c *PrometheusCollector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// RecordPublish implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordPublish(eventName string, duration time.Duration, success bool) {
	c.published.WithLabelValues(eventName, outcome(success)).Inc()
	c.publishDuration.WithLabelValues(eventName).Observe(duration.Seconds())
}

// RecordPublishRetry implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordPublishRetry(eventName string, attempt int) {
	c.publishRetries.WithLabelValues(eventName).Inc()
}

// RecordDispatch implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordDispatch(eventName string, handler string, duration time.Duration, err error) {
	c.dispatched.WithLabelValues(eventName, handler, outcome(err == nil)).Inc()
	c.dispatchTime.WithLabelValues(eventName, handler).Observe(duration.Seconds())
}

// RecordDeadLetter implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordDeadLetter(eventName string) {
	c.deadLettered.WithLabelValues(eventName).Inc()
}

// OnConnected implements rabbitmq.ConnectionStateListener
func (c *PrometheusCollector) OnConnected() {
	c.connected.Set(1)
}

// OnDisconnected implements rabbitmq.ConnectionStateListener
func (c *PrometheusCollector) OnDisconnected(err error) {
	c.connected.Set(0)
	c.disconnects.Inc()
}

// OnReconnecting implements rabbitmq.ConnectionStateListener
func (c *PrometheusCollector) OnReconnecting(attempt int) {
	c.reconnects.Inc()
}
