package prometheus

import (
	"time"

	"github.com/aescanero/dagomon/pkg/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var statuses = []ports.Status{
	ports.StatusConnecting,
	ports.StatusConnected,
	ports.StatusReconnecting,
	ports.StatusDisconnected,
	ports.StatusError,
}

// Collector implements ports.MetricsCollector using Prometheus
type Collector struct {
	connectionStatus  *prometheus.GaugeVec
	reconnectAttempts *prometheus.CounterVec
	fallbacks         *prometheus.CounterVec
	messagesSent      *prometheus.CounterVec
	messagesReceived  *prometheus.CounterVec
	messagesDropped   *prometheus.CounterVec
	bytesTransferred  *prometheus.CounterVec
	queueDepth        *prometheus.GaugeVec
	heartbeatLatency  *prometheus.HistogramVec
	subscribers       prometheus.Gauge
	connections       prometheus.Gauge
	activeConnections prometheus.Gauge
}

var _ ports.MetricsCollector = (*Collector)(nil)

// NewCollector creates a Prometheus metrics collector registered on reg.
// A nil reg uses the default registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		connectionStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dagomon_connection_status",
				Help: "Current connection status, 1 for the active status",
			},
			[]string{"connection_id", "protocol", "status"},
		),
		reconnectAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagomon_reconnect_attempts_total",
				Help: "Total number of scheduled reconnect attempts",
			},
			[]string{"connection_id"},
		),
		fallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagomon_fallbacks_total",
				Help: "Total number of socket to push fallbacks",
			},
			[]string{"connection_id"},
		),
		messagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagomon_messages_sent_total",
				Help: "Total number of envelopes sent",
			},
			[]string{"connection_id", "type"},
		),
		messagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagomon_messages_received_total",
				Help: "Total number of envelopes received",
			},
			[]string{"connection_id", "type"},
		),
		messagesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagomon_messages_dropped_total",
				Help: "Total number of envelopes dropped",
			},
			[]string{"connection_id", "reason"},
		),
		bytesTransferred: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagomon_bytes_transferred_total",
				Help: "Total number of envelope bytes sent and received",
			},
			[]string{"connection_id", "direction"},
		),
		queueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dagomon_queue_depth",
				Help: "Current depth of the outbound queue",
			},
			[]string{"connection_id"},
		),
		heartbeatLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dagomon_heartbeat_latency_seconds",
				Help:    "Heartbeat round trip latency in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"connection_id"},
		),
		subscribers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dagomon_subscribers",
				Help: "Number of router subscribers",
			},
		),
		connections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dagomon_connections",
				Help: "Number of managed connections",
			},
		),
		activeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dagomon_active_connections",
				Help: "Number of connected connections",
			},
		),
	}
}

// RecordStatus sets the status gauge of a connection
func (c *Collector) RecordStatus(connectionID string, protocol ports.Protocol, status ports.Status) {
	for _, s := range statuses {
		v := 0.0
		if s == status {
			v = 1
		}
		c.connectionStatus.WithLabelValues(connectionID, string(protocol), string(s)).Set(v)
	}
}

// IncReconnectAttempts increments the reconnect counter of a connection
func (c *Collector) IncReconnectAttempts(connectionID string) {
	c.reconnectAttempts.WithLabelValues(connectionID).Inc()
}

// IncFallbacks increments the fallback counter of a connection
func (c *Collector) IncFallbacks(connectionID string) {
	c.fallbacks.WithLabelValues(connectionID).Inc()
}

// IncMessagesSent counts a sent envelope
func (c *Collector) IncMessagesSent(connectionID, msgType string, bytes int) {
	c.messagesSent.WithLabelValues(connectionID, msgType).Inc()
	c.bytesTransferred.WithLabelValues(connectionID, "out").Add(float64(bytes))
}

// IncMessagesReceived counts a received envelope
func (c *Collector) IncMessagesReceived(connectionID, msgType string, bytes int) {
	c.messagesReceived.WithLabelValues(connectionID, msgType).Inc()
	c.bytesTransferred.WithLabelValues(connectionID, "in").Add(float64(bytes))
}

// IncMessagesDropped counts a dropped envelope
func (c *Collector) IncMessagesDropped(connectionID, reason string) {
	c.messagesDropped.WithLabelValues(connectionID, reason).Inc()
}

// SetQueueDepth sets the outbound queue depth of a connection
func (c *Collector) SetQueueDepth(connectionID string, depth int) {
	c.queueDepth.WithLabelValues(connectionID).Set(float64(depth))
}

// ObserveLatency records a heartbeat round trip
func (c *Collector) ObserveLatency(connectionID string, latency time.Duration) {
	c.heartbeatLatency.WithLabelValues(connectionID).Observe(latency.Seconds())
}

// SetSubscribers sets the number of router subscribers
func (c *Collector) SetSubscribers(count int) {
	c.subscribers.Set(float64(count))
}

// SetConnections sets the number of managed and connected connections
func (c *Collector) SetConnections(total, active int) {
	c.connections.Set(float64(total))
	c.activeConnections.Set(float64(active))
}

// RemoveConnection deletes every series labelled with connectionID
func (c *Collector) RemoveConnection(connectionID string) {
	labels := prometheus.Labels{"connection_id": connectionID}
	c.connectionStatus.DeletePartialMatch(labels)
	c.reconnectAttempts.DeletePartialMatch(labels)
	c.fallbacks.DeletePartialMatch(labels)
	c.messagesSent.DeletePartialMatch(labels)
	c.messagesReceived.DeletePartialMatch(labels)
	c.messagesDropped.DeletePartialMatch(labels)
	c.bytesTransferred.DeletePartialMatch(labels)
	c.queueDepth.DeletePartialMatch(labels)
	c.heartbeatLatency.DeletePartialMatch(labels)
}
