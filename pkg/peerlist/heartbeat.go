package peerlist

import (
	"time"

	"go.uber.org/zap"

	"github.com/appnet-org/lanmesh/pkg/logging"
	"github.com/appnet-org/lanmesh/pkg/metrics"
	"github.com/appnet-org/lanmesh/pkg/transport"
	"github.com/appnet-org/lanmesh/pkg/wire"
)

// Broadcaster periodically announces this node's own HEARTBEAT and drives the
// peer table's expiry sweep. Both run on one goroutine so a broadcast and a
// sweep can never race each other.
type Broadcaster struct {
	name      string
	port      uint16
	transport *transport.UDPTransport
	table     *Table
	metrics   *metrics.Metrics

	stop chan struct{}
	done chan struct{}
}

// SetMetrics attaches m so each broadcast and peer-table sweep updates its
// counters/gauges. Optional; set before Start.
func (b *Broadcaster) SetMetrics(m *metrics.Metrics) {
	b.metrics = m
}

// NewBroadcaster returns a Broadcaster that will announce name on port port.
func NewBroadcaster(name string, port uint16, t *transport.UDPTransport, table *Table) *Broadcaster {
	return &Broadcaster{
		name:      name,
		port:      port,
		transport: t,
		table:     table,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the announce loop: a HEARTBEAT broadcast every
// HeartbeatPeriod and a table sweep every SweepInterval.
func (b *Broadcaster) Start() {
	go b.loop()
}

func (b *Broadcaster) loop() {
	defer close(b.done)

	beat := time.NewTicker(wire.HeartbeatPeriod)
	defer beat.Stop()
	sweep := time.NewTicker(wire.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-beat.C:
			b.beat()
		case <-sweep.C:
			b.sweep()
		}
	}
}

func (b *Broadcaster) sweep() {
	b.table.Sweep()
	if b.metrics != nil {
		b.metrics.PeersAlive.Set(float64(len(b.table.List())))
	}
}

// Stop ends the announce loop started by Start and waits for it to exit.
func (b *Broadcaster) Stop() {
	close(b.stop)
	<-b.done
}

// Announce broadcasts one HEARTBEAT immediately, outside the periodic
// schedule, for the programmatic announce() operation.
func (b *Broadcaster) Announce() {
	b.beat()
}

func (b *Broadcaster) beat() {
	msg := wire.Heartbeat{Name: b.name, Port: b.port}
	if err := b.transport.Broadcast(wire.Encode(msg)); err != nil {
		logging.Error("heartbeat broadcast failed", zap.Error(err))
		return
	}
	if b.metrics != nil {
		b.metrics.HeartbeatsSent.Inc()
	}
}
