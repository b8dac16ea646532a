// Package router runs the transport's blocking receive loop, decodes each
// datagram, suppresses duplicate application messages by identifier, and
// dispatches by verb to the peer table, ack registry, or file transfer
// manager.
package router

import (
	"net"

	"go.uber.org/zap"

	"github.com/appnet-org/lanmesh/pkg/ackreg"
	"github.com/appnet-org/lanmesh/pkg/dedup"
	"github.com/appnet-org/lanmesh/pkg/logging"
	"github.com/appnet-org/lanmesh/pkg/peerlist"
	"github.com/appnet-org/lanmesh/pkg/transport"
	"github.com/appnet-org/lanmesh/pkg/wire"
	"github.com/appnet-org/lanmesh/pkg/xfer"
)

// TalkHandler is called for every inbound TALK once its ACK has been sent,
// letting the node surface received text (e.g. to stdout or a UI) without
// the router depending on any presentation concern.
type TalkHandler func(from string, text string)

// Router owns the receive loop and dedup set, and wires the other
// components together.
type Router struct {
	selfName  string
	transport *transport.UDPTransport
	peers     *peerlist.Table
	acks      *ackreg.Registry
	xfer      *xfer.Manager
	seen      *dedup.Set

	onTalk TalkHandler
}

// New returns a Router dispatching decoded datagrams to peers, acks, and
// xfer. selfName is this node's own announced name, used to ignore its own
// looped-back HEARTBEAT broadcasts. onTalk may be nil.
func New(selfName string, t *transport.UDPTransport, peers *peerlist.Table, acks *ackreg.Registry, xferMgr *xfer.Manager, seen *dedup.Set, onTalk TalkHandler) *Router {
	return &Router{
		selfName:  selfName,
		transport: t,
		peers:     peers,
		acks:      acks,
		xfer:      xferMgr,
		seen:      seen,
		onTalk:    onTalk,
	}
}

// Run blocks, reading and dispatching datagrams until stop is closed. A read
// blocked when stop closes returns once the transport is closed (or another
// datagram arrives); a receive error while stop is still open is logged and
// the loop keeps reading, so callers close stop before the transport.
func (r *Router) Run(stop <-chan struct{}) {
	buf := make([]byte, wire.MaxDatagramSize)
	for {
		select {
		case <-stop:
			return
		default:
		}

		data, from, err := r.transport.Receive(buf)
		if err != nil {
			select {
			case <-stop:
				return
			default:
				logging.Warn("router: receive error", zap.Error(err))
				continue
			}
		}

		msg, err := wire.Decode(data)
		if err != nil {
			logging.Debug("router: dropping malformed datagram", zap.String("from", from.String()), zap.Error(err))
			continue
		}

		r.dispatch(msg, from)
	}
}

// dedupable reports whether a verb's identifier goes through the
// recently_seen set. Only application messages whose handler has a
// non-idempotent side effect qualify: ACK and NACK are idempotent at their
// consumers and share identifier space with the messages they answer, and a
// re-emitted END after a NACK-driven retransmit round carries the same
// identifier as the first END but must be re-processed, so the transfer
// state machine handles END's idempotence itself.
func dedupable(v wire.Verb) bool {
	return v == wire.VerbTalk || v == wire.VerbFile || v == wire.VerbChunk
}

func (r *Router) dispatch(msg wire.Message, from *net.UDPAddr) {
	if dedupable(msg.Verb()) && r.seen.Observe(msg.Identifier()) {
		logging.Debug("router: dropping duplicate", zap.String("verb", string(msg.Verb())), zap.String("id", msg.Identifier()))
		return
	}

	switch v := msg.(type) {
	case wire.Heartbeat:
		if v.Name == r.selfName {
			return
		}
		addr := &net.UDPAddr{IP: from.IP, Port: int(v.Port)}
		r.peers.Upsert(v.Name, addr)

	case wire.Talk:
		if err := r.transport.Send(from, wire.Encode(wire.Ack{ID: v.UID})); err != nil {
			logging.Error("router: ack TALK", zap.Error(err))
		}
		if r.onTalk != nil {
			r.onTalk(from.String(), v.Text)
		}

	case wire.Ack:
		r.acks.Ack(v.ID)

	case wire.Nack:
		r.xfer.HandleNack(v)

	case wire.File:
		r.xfer.HandleFile(v, from)

	case wire.Chunk:
		r.xfer.HandleChunk(v, from)

	case wire.End:
		r.xfer.HandleEnd(v, from)

	default:
		logging.Warn("router: no handler for verb", zap.String("verb", string(msg.Verb())))
	}
}
