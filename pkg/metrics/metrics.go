// Package metrics exposes this node's reliability counters over Prometheus'
// client_golang. lanmesh has no per-connection state worth a custom
// Collector; a handful of promauto counters/gauges registered against a
// private Registry covers the peer/ack/transfer observability a running
// node needs.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/appnet-org/lanmesh/pkg/logging"
)

// Metrics holds every counter/gauge a Node updates as it runs.
type Metrics struct {
	registry *prometheus.Registry

	PeersAlive        prometheus.Gauge
	HeartbeatsSent    prometheus.Counter
	AcksOutstanding   prometheus.Gauge
	Retransmits       prometheus.Counter
	NacksReceived     prometheus.Counter
	BytesSent         prometheus.Counter
	BytesReceived     prometheus.Counter
	TransferFailures  *prometheus.CounterVec
	TransfersComplete prometheus.Counter
}

// New builds a Metrics bound to a private registry (not the global default,
// so multiple Nodes in one process — as the test suite runs — never collide
// on metric registration) labeled with runID, the process-run correlation id
// also logged when a Node is initialized.
func New(runID string) *Metrics {
	reg := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"run_id": runID}

	return &Metrics{
		registry: reg,
		PeersAlive: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace:   "lanmesh",
			Name:        "peers_alive",
			Help:        "Number of peers currently live in the peer table.",
			ConstLabels: constLabels,
		}),
		HeartbeatsSent: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace:   "lanmesh",
			Name:        "heartbeats_sent_total",
			Help:        "Total HEARTBEAT datagrams broadcast.",
			ConstLabels: constLabels,
		}),
		AcksOutstanding: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace:   "lanmesh",
			Name:        "acks_outstanding",
			Help:        "Pending-ack registry entries currently awaiting acknowledgment.",
			ConstLabels: constLabels,
		}),
		Retransmits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace:   "lanmesh",
			Name:        "retransmits_total",
			Help:        "Total stop-and-wait retransmit attempts beyond the first send.",
			ConstLabels: constLabels,
		}),
		NacksReceived: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace:   "lanmesh",
			Name:        "nacks_received_total",
			Help:        "Total NACK datagrams received.",
			ConstLabels: constLabels,
		}),
		BytesSent: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace:   "lanmesh",
			Name:        "file_bytes_sent_total",
			Help:        "Total raw file bytes sent across all transfers.",
			ConstLabels: constLabels,
		}),
		BytesReceived: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace:   "lanmesh",
			Name:        "file_bytes_received_total",
			Help:        "Total raw file bytes received across all transfers.",
			ConstLabels: constLabels,
		}),
		TransferFailures: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace:   "lanmesh",
			Name:        "transfer_failures_total",
			Help:        "Total file transfers that ended in failure, by reason.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		TransfersComplete: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace:   "lanmesh",
			Name:        "transfers_complete_total",
			Help:        "Total file transfers that completed and passed integrity check.",
			ConstLabels: constLabels,
		}),
	}
}

// Server exposes /metrics over HTTP, started and stopped alongside the rest
// of a Node's background goroutines.
type Server struct {
	http *http.Server
}

// NewServer binds an HTTP server on addr serving m's registry at /metrics.
// It does not start listening until Serve is called.
func NewServer(addr string, m *Metrics) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	return &Server{http: &http.Server{Addr: addr, Handler: mux}}
}

// Serve blocks, serving /metrics until Close is called. It returns nil on a
// clean shutdown rather than http.ErrServerClosed.
func (s *Server) Serve() error {
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics: serve: %w", err)
	}
	return nil
}

// Close shuts the metrics HTTP server down, logging the outcome the way
// every other lanmesh component reports failures.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		logging.Warn("metrics: shutdown", zap.Error(err))
		return fmt.Errorf("metrics: shutdown: %w", err)
	}
	return nil
}
