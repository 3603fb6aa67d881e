package monitoring

import (
	"sync"
	"time"

	"github.com/aescanero/dagomon/pkg/ports"
	"go.uber.org/zap"
)

// StatusReporter receives the outcome of every health check
type StatusReporter interface {
	SetServing(serving bool)
}

// HealthMonitor periodically checks connection health
type HealthMonitor struct {
	manager   *Manager
	metrics   ports.MetricsCollector
	interval  time.Duration
	reporters []StatusReporter
	logger    *zap.Logger

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
}

// HealthStatus represents the health status of the managed connections
type HealthStatus struct {
	Connections       int
	ActiveConnections int
	Reconnecting      int
	FailedConnections int
	Subscribers       int
	Healthy           bool
	Timestamp         time.Time
}

// NewHealthMonitor creates a new health monitor
func NewHealthMonitor(manager *Manager, metrics ports.MetricsCollector, interval time.Duration, logger *zap.Logger, reporters ...StatusReporter) *HealthMonitor {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &HealthMonitor{
		manager:   manager,
		metrics:   metrics,
		interval:  interval,
		reporters: reporters,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// Start starts the health monitor
func (h *HealthMonitor) Start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()

	h.checkHealth()
	go h.run()
}

// Stop stops the health monitor
func (h *HealthMonitor) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()

	close(h.stopCh)
}

// run is the main health monitoring loop
func (h *HealthMonitor) run() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.checkHealth()
		}
	}
}

// checkHealth checks connection health, logs and reports it
func (h *HealthMonitor) checkHealth() {
	status := h.GetStatus()

	h.logger.Info("connection health check",
		zap.Int("connections", status.Connections),
		zap.Int("active", status.ActiveConnections),
		zap.Int("reconnecting", status.Reconnecting),
		zap.Int("failed", status.FailedConnections),
		zap.Int("subscribers", status.Subscribers),
		zap.Bool("healthy", status.Healthy))

	h.metrics.SetConnections(status.Connections, status.ActiveConnections)
	h.metrics.SetSubscribers(status.Subscribers)

	if !status.Healthy {
		h.logger.Warn("no connection is active",
			zap.Int("connections", status.Connections),
			zap.Int("reconnecting", status.Reconnecting))
	}

	for _, r := range h.reporters {
		r.SetServing(status.Healthy)
	}
}

// GetStatus returns the current health status
func (h *HealthMonitor) GetStatus() *HealthStatus {
	stats := h.manager.GetStatistics()

	var reconnecting, failed int
	for _, st := range stats.States {
		switch st.Status {
		case ports.StatusReconnecting, ports.StatusConnecting:
			reconnecting++
		case ports.StatusError:
			failed++
		}
	}

	return &HealthStatus{
		Connections:       stats.Connections,
		ActiveConnections: stats.ActiveConnections,
		Reconnecting:      reconnecting,
		FailedConnections: failed,
		Subscribers:       stats.Subscribers,
		Healthy:           stats.Connections == 0 || stats.ActiveConnections > 0,
		Timestamp:         time.Now(),
	}
}

// IsHealthy returns true if no connection exists or at least one is active
func (h *HealthMonitor) IsHealthy() bool {
	return h.GetStatus().Healthy
}
