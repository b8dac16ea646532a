// Package ackreg implements the pending-ack registry, the source of truth
// for "is this message in flight". Every outbound application message (TALK,
// FILE, CHUNK, END) is registered here before it hits the transport; the
// registry owns stop-and-wait retransmission synchronously on the sender's
// own goroutine, with a per-id channel waking the waiter the instant an ACK
// arrives. The only background activity is a periodic sweep that reclaims
// entries a caller abandoned outright; it never retransmits or decides
// success/failure on a caller's behalf.
package ackreg

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/appnet-org/lanmesh/pkg/clock"
	"github.com/appnet-org/lanmesh/pkg/logging"
	"github.com/appnet-org/lanmesh/pkg/metrics"
	"github.com/appnet-org/lanmesh/pkg/transport"
	"github.com/appnet-org/lanmesh/pkg/wire"
)

// ErrTimeout is returned when MaxAttempts sends all went unacknowledged.
var ErrTimeout = errors.New("ackreg: timed out waiting for ack")

// abandonAfter bounds how long an orphaned entry (one whose waiter gave up
// via context cancellation rather than exhausting its own attempts) is kept
// before the background sweep reclaims it.
const abandonAfter = wire.AckWait*time.Duration(wire.MaxAttempts) + wire.AckWait

type entry struct {
	id        string
	bytes     []byte
	dest      *net.UDPAddr
	firstSend time.Time
	attempts  uint
	acked     bool
	ackCh     chan struct{}
}

// Registry tracks outbound messages awaiting acknowledgment and drives their
// retransmission.
type Registry struct {
	mu        sync.Mutex
	pending   map[string]*entry
	transport *transport.UDPTransport
	clock     clock.Clock
	metrics   *metrics.Metrics

	stop chan struct{}
	done chan struct{}
}

// SetMetrics attaches m so subsequent sends, retries and acks update its
// counters/gauges. Optional — a Registry with no metrics attached behaves
// exactly as before.
func (r *Registry) SetMetrics(m *metrics.Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
}

// New returns a Registry sending over t and timed by c. It starts the
// background sweep goroutine; call Stop to end it.
func New(t *transport.UDPTransport, c clock.Clock) *Registry {
	r := &Registry{
		pending:   make(map[string]*entry),
		transport: t,
		clock:     c,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go r.gcLoop()
	return r
}

// gcLoop periodically reclaims abandoned entries until Stop is called.
func (r *Registry) gcLoop() {
	defer close(r.done)
	ticker := time.NewTicker(wire.AckWait)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.collectAbandoned()
		}
	}
}

// Stop ends the background sweep goroutine and waits for it to exit.
func (r *Registry) Stop() {
	close(r.stop)
	<-r.done
}

// SendAndWait registers id as in-flight and sends payload to dest up to
// MaxAttempts times in all (the first send included), waiting AckWait after
// each send, until an ACK for id is observed via Ack. It returns nil on success, ErrTimeout if every attempt
// went unacknowledged, or ctx.Err() if ctx is canceled first — in which case
// the entry is left registered for the background sweep to reclaim rather
// than retransmitted further.
func (r *Registry) SendAndWait(ctx context.Context, id string, payload []byte, dest *net.UDPAddr) error {
	e := &entry{
		id:        id,
		bytes:     payload,
		dest:      dest,
		firstSend: r.clock.Now(),
		ackCh:     make(chan struct{}),
	}

	r.mu.Lock()
	r.pending[id] = e
	m := r.metrics
	r.mu.Unlock()
	r.reportOutstanding()

	for attempt := uint(1); attempt <= wire.MaxAttempts; attempt++ {
		r.mu.Lock()
		e.attempts = attempt
		r.mu.Unlock()

		if attempt > 1 && m != nil {
			m.Retransmits.Inc()
		}

		if err := r.transport.Send(dest, payload); err != nil {
			logging.Error("ackreg: send failed, will retry",
				zap.String("id", id), zap.Uint("attempt", attempt), zap.Error(err))
		}

		select {
		case <-e.ackCh:
			r.mu.Lock()
			delete(r.pending, id)
			r.mu.Unlock()
			r.reportOutstanding()
			return nil

		case <-ctx.Done():
			// Caller abandoned the wait. Leave the entry for the GC sweep;
			// we must not keep retransmitting on its behalf.
			return ctx.Err()

		case <-time.After(wire.AckWait):
			// fall through to next attempt
		}
	}

	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
	r.reportOutstanding()
	return fmt.Errorf("%w: id=%s after %d attempts", ErrTimeout, id, wire.MaxAttempts)
}

// Ack flips the acked flag for id and wakes any waiter. Unknown ids (already
// acked-and-removed, or never registered — e.g. a late duplicate ACK) are a
// no-op, making duplicate ACK delivery idempotent.
func (r *Registry) Ack(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.pending[id]
	if !ok || e.acked {
		return
	}
	e.acked = true
	close(e.ackCh)
}

// reportOutstanding publishes the current pending-entry count to the
// attached metrics, if any.
func (r *Registry) reportOutstanding() {
	r.mu.Lock()
	m, n := r.metrics, len(r.pending)
	r.mu.Unlock()
	if m != nil {
		m.AcksOutstanding.Set(float64(n))
	}
}

// Pending reports whether id currently has an outstanding entry.
func (r *Registry) Pending(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[id]
	return ok
}

// collectAbandoned removes entries whose waiter has been gone long enough
// that no legitimate retry loop could still be running. It never sends.
func (r *Registry) collectAbandoned() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	for id, e := range r.pending {
		if e.acked {
			continue
		}
		if now.Sub(e.firstSend) > abandonAfter {
			delete(r.pending, id)
			logging.Debug("ackreg: reclaimed abandoned entry", zap.String("id", id))
		}
	}
}
