// Package peerlist maintains the live view of reachable peers: a name-keyed
// table refreshed by inbound HEARTBEATs and swept for expiry, plus the
// periodic broadcaster that announces this node's own HEARTBEAT.
package peerlist

import (
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/appnet-org/lanmesh/pkg/clock"
	"github.com/appnet-org/lanmesh/pkg/logging"
	"github.com/appnet-org/lanmesh/pkg/wire"
	"go.uber.org/zap"
)

// Info describes one live peer as returned to the programmatic surface.
type Info struct {
	Name string
	Addr net.IP
	Port uint16
	Age  time.Duration
}

type entry struct {
	addr     *net.UDPAddr
	lastSeen time.Time
}

// Table is the name -> (address, port, last-seen) peer directory. A second
// HEARTBEAT for a known name updates its entry in place; it is never mutated
// by the sending side of a file transfer.
type Table struct {
	mu    sync.RWMutex
	peers map[string]*entry
	clock clock.Clock
}

// New returns an empty peer table driven by clock c.
func New(c clock.Clock) *Table {
	return &Table{
		peers: make(map[string]*entry),
		clock: c,
	}
}

// Upsert records or refreshes a peer's address on receipt of a HEARTBEAT.
func (t *Table) Upsert(name string, addr *net.UDPAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	if e, ok := t.peers[name]; ok {
		e.addr = addr
		e.lastSeen = now
		return
	}

	t.peers[name] = &entry{addr: addr, lastSeen: now}
	logging.Debug("peer discovered", zap.String("name", name), zap.String("addr", addr.String()))
}

// Resolve returns the current address for a live peer, the sole name->address
// resolver application operations use to find a destination.
func (t *Table) Resolve(name string) (*net.UDPAddr, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.peers[name]
	if !ok || t.clock.Now().Sub(e.lastSeen) > wire.PeerTTL {
		return nil, false
	}
	return e.addr, true
}

// List returns the currently live subset (last seen within PeerTTL), sorted
// case-insensitively by name for deterministic display.
func (t *Table) List() []Info {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.clock.Now()
	out := make([]Info, 0, len(t.peers))
	for name, e := range t.peers {
		age := now.Sub(e.lastSeen)
		if age > wire.PeerTTL {
			continue
		}
		out = append(out, Info{
			Name: name,
			Addr: e.addr.IP,
			Port: uint16(e.addr.Port),
			Age:  age,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out
}

// Sweep removes any peer whose last HEARTBEAT is older than PeerTTL. Intended
// to run on a 1s timer.
func (t *Table) Sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	for name, e := range t.peers {
		if now.Sub(e.lastSeen) > wire.PeerTTL {
			delete(t.peers, name)
			logging.Debug("peer expired", zap.String("name", name))
		}
	}
}
