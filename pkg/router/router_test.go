package router

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/appnet-org/lanmesh/pkg/ackreg"
	"github.com/appnet-org/lanmesh/pkg/clock"
	"github.com/appnet-org/lanmesh/pkg/dedup"
	"github.com/appnet-org/lanmesh/pkg/peerlist"
	"github.com/appnet-org/lanmesh/pkg/transport"
	"github.com/appnet-org/lanmesh/pkg/wire"
	"github.com/appnet-org/lanmesh/pkg/xfer"
)

type harness struct {
	transport *transport.UDPTransport
	router    *Router
	peers     *peerlist.Table
}

func newHarness(t *testing.T, onTalk TalkHandler) *harness {
	t.Helper()
	tr, err := transport.New(0)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	fc := clock.NewFake(time.Unix(0, 0))
	peers := peerlist.New(fc)
	acks := ackreg.New(tr, fc)
	t.Cleanup(acks.Stop)
	xferMgr := xfer.New(tr, acks, t.TempDir())
	seen := dedup.New(time.Minute, fc)

	r := New("self", tr, peers, acks, xferMgr, seen, onTalk)

	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go r.Run(stop)

	return &harness{transport: tr, router: r, peers: peers}
}

func TestRouterUpsertsPeerOnHeartbeat(t *testing.T) {
	h := newHarness(t, nil)

	src, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer src.Close()

	dest := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: h.transport.LocalPort()}
	_, err = src.WriteToUDP(wire.Encode(wire.Heartbeat{Name: "alice", Port: 7000}), dest)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := h.peers.Resolve("alice")
		return ok
	}, time.Second, time.Millisecond)
}

func TestRouterAcksTalkAndInvokesHandler(t *testing.T) {
	var mu sync.Mutex
	var gotText string
	h := newHarness(t, func(from, text string) {
		mu.Lock()
		gotText = text
		mu.Unlock()
	})

	src, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer src.Close()
	src.SetReadDeadline(time.Now().Add(2 * time.Second))

	dest := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: h.transport.LocalPort()}
	_, err = src.WriteToUDP(wire.Encode(wire.Talk{UID: "uid-1", Text: "hello"}), dest)
	require.NoError(t, err)

	buf := make([]byte, 512)
	n, _, err := src.ReadFromUDP(buf)
	require.NoError(t, err)
	msg, err := wire.Decode(buf[:n])
	require.NoError(t, err)
	require.Equal(t, wire.Ack{ID: "uid-1"}, msg)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotText == "hello"
	}, time.Second, time.Millisecond)
}

func TestRouterDropsDuplicateTalkByIdentifier(t *testing.T) {
	var mu sync.Mutex
	count := 0
	h := newHarness(t, func(from, text string) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	src, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer src.Close()

	dest := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: h.transport.LocalPort()}
	payload := wire.Encode(wire.Talk{UID: "uid-dup", Text: "hi"})
	_, err = src.WriteToUDP(payload, dest)
	require.NoError(t, err)
	_, err = src.WriteToUDP(payload, dest)
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, count)
}

func TestRouterIgnoresOwnHeartbeat(t *testing.T) {
	h := newHarness(t, nil)

	src, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer src.Close()

	dest := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: h.transport.LocalPort()}
	_, err = src.WriteToUDP(wire.Encode(wire.Heartbeat{Name: "self", Port: 7000}), dest)
	require.NoError(t, err)
	_, err = src.WriteToUDP(wire.Encode(wire.Heartbeat{Name: "other", Port: 7001}), dest)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := h.peers.Resolve("other")
		return ok
	}, time.Second, time.Millisecond)
	_, ok := h.peers.Resolve("self")
	require.False(t, ok)
}

// A NACK's uid matches the identifier of the ACK that preceded it in the same
// transfer (both carry the transfer uid), so the router must not treat the
// NACK as a duplicate of the ACK.
func TestRouterPassesNackAfterAckWithSameUID(t *testing.T) {
	h := newHarness(t, nil)

	src, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer src.Close()

	dest := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: h.transport.LocalPort()}
	_, err = src.WriteToUDP(wire.Encode(wire.Ack{ID: "uid-42"}), dest)
	require.NoError(t, err)
	_, err = src.WriteToUDP(wire.Encode(wire.Nack{UID: "uid-42", Detail: "1 3"}), dest)
	require.NoError(t, err)

	// The NACK has no SendFile waiter in this harness; reaching the transfer
	// manager without being dropped is observable as the absence of a
	// duplicate-drop: send a TALK with the same uid afterwards and confirm its
	// ACK still comes back, proving the seen set never recorded "uid-42".
	src.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = src.WriteToUDP(wire.Encode(wire.Talk{UID: "uid-42", Text: "still fresh"}), dest)
	require.NoError(t, err)

	buf := make([]byte, 512)
	n, _, err := src.ReadFromUDP(buf)
	require.NoError(t, err)
	msg, err := wire.Decode(buf[:n])
	require.NoError(t, err)
	require.Equal(t, wire.Ack{ID: "uid-42"}, msg)
}
