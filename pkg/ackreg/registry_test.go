package ackreg

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/appnet-org/lanmesh/pkg/clock"
	"github.com/appnet-org/lanmesh/pkg/transport"
)

func newTestRegistry(t *testing.T) (*Registry, *transport.UDPTransport, *clock.Fake) {
	t.Helper()

	tr, err := transport.New(0)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	fc := clock.NewFake(time.Unix(0, 0))
	r := New(tr, fc)
	t.Cleanup(r.Stop)

	return r, tr, fc
}

func TestSendAndWaitSucceedsOnImmediateAck(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	dest := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9}
	done := make(chan error, 1)
	go func() {
		done <- r.SendAndWait(context.Background(), "msg-1", []byte("payload"), dest)
	}()

	// Give the sender a moment to register the entry before acking it.
	require.Eventually(t, func() bool { return r.Pending("msg-1") }, time.Second, time.Millisecond)
	r.Ack("msg-1")

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("SendAndWait did not return after Ack")
	}
	require.False(t, r.Pending("msg-1"))
}

func TestAckIsIdempotentForUnknownID(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	require.NotPanics(t, func() { r.Ack("never-registered") })
}

func TestSendAndWaitRespectsCancellation(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	dest := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- r.SendAndWait(ctx, "msg-2", []byte("payload"), dest)
	}()

	require.Eventually(t, func() bool { return r.Pending("msg-2") }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("SendAndWait did not return after cancellation")
	}

	// The entry is deliberately left behind for the background sweep rather
	// than cleaned up inline by a canceled caller.
	require.True(t, r.Pending("msg-2"))
}

func TestCollectAbandonedReclaimsOldEntries(t *testing.T) {
	r, _, fc := newTestRegistry(t)

	dest := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- r.SendAndWait(ctx, "msg-3", []byte("payload"), dest)
	}()
	require.Eventually(t, func() bool { return r.Pending("msg-3") }, time.Second, time.Millisecond)
	cancel()
	<-done

	require.True(t, r.Pending("msg-3"))
	fc.Advance(abandonAfter + time.Second)
	r.collectAbandoned()
	require.False(t, r.Pending("msg-3"))
}
