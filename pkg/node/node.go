// Package node wires the core components (transport, wire codec, peer
// table, heartbeat engine, pending-ack registry, router, file transfer
// manager) into the four operations the external command shell drives:
// Announce, ListPeers, SendText, SendFile.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/xid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/appnet-org/lanmesh/pkg/ackreg"
	"github.com/appnet-org/lanmesh/pkg/clock"
	"github.com/appnet-org/lanmesh/pkg/dedup"
	"github.com/appnet-org/lanmesh/pkg/logging"
	"github.com/appnet-org/lanmesh/pkg/metrics"
	"github.com/appnet-org/lanmesh/pkg/peerlist"
	"github.com/appnet-org/lanmesh/pkg/router"
	"github.com/appnet-org/lanmesh/pkg/transport"
	"github.com/appnet-org/lanmesh/pkg/wire"
	"github.com/appnet-org/lanmesh/pkg/xfer"
)

// Errors surfaced to the external command shell. ackreg.ErrTimeout and
// xfer.ErrIntegrityFailure are not translated into sentinels of this
// package: they are wrapped with %w and context, so callers errors.Is
// against the lower package's sentinel for those and against this package's
// for the two below.
var (
	ErrPeerNotFound = errors.New("node: peer not found")
	ErrFileNotFound = errors.New("node: file not found")
)

// dedupWindow comfortably exceeds a stop-and-wait sender's own retransmit
// window (AckWait * MaxAttempts) so a peer's retries are still caught, while
// staying bounded for a long-running process.
const dedupWindow = wire.AckWait*time.Duration(wire.MaxAttempts) + wire.AckWait

// Config configures a Node.
type Config struct {
	// Name is this node's identity, announced in every HEARTBEAT.
	Name string
	// Port is the UDP port to bind; 0 lets the OS assign one (tests only —
	// production nodes must agree on wire.DefaultPort to discover peers).
	Port int
	// RecvDir is the directory inbound file transfers are written under.
	// Defaults to the current working directory.
	RecvDir string
	// MetricsAddr, if non-empty, is the address the /metrics HTTP endpoint
	// is served on (e.g. ":9090"). Empty disables the metrics server.
	MetricsAddr string
	// TalkHandler receives each inbound TALK's sender and text. May be nil.
	TalkHandler router.TalkHandler
}

// Node is one running lanmesh peer: the announce/list_peers/send_text/
// send_file programmatic surface, plus the background goroutines (receive
// loop, heartbeat, sweeper, ack-registry GC, metrics server) that keep it
// alive.
type Node struct {
	cfg        Config
	runID      string
	transp     *transport.UDPTransport
	clock      clock.Clock
	peers      *peerlist.Table
	beacon     *peerlist.Broadcaster
	acks       *ackreg.Registry
	seen       *dedup.Set
	xferMgr    *xfer.Manager
	rtr        *router.Router
	metrics    *metrics.Metrics
	metricsSrv *metrics.Server

	group  *errgroup.Group
	cancel context.CancelFunc
}

// New builds a Node bound to cfg.Port but does not start its background
// goroutines; call Run for that.
func New(cfg Config) (*Node, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("node: Config.Name is required")
	}
	if cfg.RecvDir == "" {
		cfg.RecvDir = "."
	}

	runID := xid.New().String()

	transp, err := transport.New(cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}

	rc := clock.Real{}
	peers := peerlist.New(rc)
	acks := ackreg.New(transp, rc)
	xferMgr := xfer.New(transp, acks, cfg.RecvDir)
	seen := dedup.New(dedupWindow, rc)
	beacon := peerlist.NewBroadcaster(cfg.Name, uint16(transp.LocalPort()), transp, peers)
	rtr := router.New(cfg.Name, transp, peers, acks, xferMgr, seen, cfg.TalkHandler)

	n := &Node{
		cfg:     cfg,
		runID:   runID,
		transp:  transp,
		clock:   rc,
		peers:   peers,
		beacon:  beacon,
		acks:    acks,
		seen:    seen,
		xferMgr: xferMgr,
		rtr:     rtr,
	}

	if cfg.MetricsAddr != "" {
		n.metrics = metrics.New(runID)
		acks.SetMetrics(n.metrics)
		xferMgr.SetMetrics(n.metrics)
		beacon.SetMetrics(n.metrics)
		n.metricsSrv = metrics.NewServer(cfg.MetricsAddr, n.metrics)
	}

	logging.Info("node: initialized",
		zap.String("run_id", runID),
		zap.String("name", cfg.Name),
		zap.Int("port", transp.LocalPort()))

	return n, nil
}

// Run starts every background goroutine (receive loop, heartbeat, sweeper,
// dedup pruning, ack-registry GC already running inside New, and the metrics
// server) and blocks until ctx is canceled or a goroutine fails. It always
// returns a non-nil error on exit; context.Canceled on a clean shutdown.
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	n.group = g

	stop := make(chan struct{})
	g.Go(func() error {
		n.rtr.Run(stop)
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(dedupWindow)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				n.seen.Prune()
			}
		}
	})

	n.beacon.Start()

	if n.metricsSrv != nil {
		g.Go(func() error {
			if err := n.metricsSrv.Serve(); err != nil {
				return fmt.Errorf("node: metrics server: %w", err)
			}
			return nil
		})
	}

	<-gctx.Done()

	// Tear down in the order that unblocks every background goroutine:
	// the router's receive loop is parked in a blocking read on the socket,
	// so closing stop alone can't wake it — closing the transport does.
	close(stop)
	n.beacon.Stop()
	n.acks.Stop()

	var teardownErr error
	if n.metricsSrv != nil {
		teardownErr = multierr.Append(teardownErr, n.metricsSrv.Close())
	}
	teardownErr = multierr.Append(teardownErr, n.transp.Close())

	if err := g.Wait(); err != nil {
		teardownErr = multierr.Append(teardownErr, err)
	}
	if teardownErr != nil {
		return teardownErr
	}
	return ctx.Err()
}

// Close requests Run's shutdown teardown (closing the transport, stopping
// the heartbeat/sweep/GC loops, shutting down the metrics server) by
// canceling the context Run is blocked on. It does not itself wait for Run
// to return — callers that need that should await Run's return value, e.g.
// via an errgroup or a done channel around the call to Run.
func (n *Node) Close() error {
	if n.cancel != nil {
		n.cancel()
	}
	return nil
}

// Announce broadcasts this node's HEARTBEAT immediately.
func (n *Node) Announce() {
	n.beacon.Announce()
}

// ListPeers returns every peer currently live (last HEARTBEAT within
// wire.PeerTTL), sorted by name.
func (n *Node) ListPeers() []peerlist.Info {
	return n.peers.List()
}

// SendText delivers text to the named peer, blocking until it is
// acknowledged, rejected as unreachable, or the stop-and-wait retry budget
// is exhausted.
func (n *Node) SendText(ctx context.Context, name, text string) error {
	dest, ok := n.peers.Resolve(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, name)
	}

	uid := wire.NewMessageID()
	msg := wire.Talk{UID: uid, Text: text}
	if err := n.acks.SendAndWait(ctx, uid, wire.Encode(msg), dest); err != nil {
		return fmt.Errorf("node: send_text to %s: %w", name, err)
	}
	return nil
}

// SendFile transfers the file at path to the named peer, blocking until the
// transfer completes, is rejected, or fails. Peer and file existence are
// checked before any network I/O.
func (n *Node) SendFile(ctx context.Context, name, path string) error {
	dest, ok := n.peers.Resolve(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, name)
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return fmt.Errorf("node: stat %s: %w", path, err)
	}

	if err := n.xferMgr.SendFile(ctx, dest, path); err != nil {
		return fmt.Errorf("node: send_file %s to %s: %w", path, name, err)
	}
	return nil
}

// LocalAddr returns a loopback address for this node's bound port, mainly
// for tests that bind several nodes on ephemeral ports in one process.
func (n *Node) LocalAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: n.transp.LocalPort()}
}

// RunID is the process-run correlation id tagging this node's metrics and
// (when the caller attaches it with logging.With) its log lines.
func (n *Node) RunID() string {
	return n.runID
}
