package transport

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSendReceiveRoundTrip(t *testing.T) {
	a, err := New(0)
	require.NoError(t, err)
	defer a.Close()

	b, err := New(0)
	require.NoError(t, err)
	defer b.Close()

	dest := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: b.LocalPort()}
	require.NoError(t, a.Send(dest, []byte("ping")))

	buf := make([]byte, 64)
	data, from, err := b.Receive(buf)
	require.NoError(t, err)
	require.Equal(t, []byte("ping"), data)
	require.Equal(t, a.LocalPort(), from.Port)
}

func TestSendAfterCloseIsTransportError(t *testing.T) {
	tr, err := New(0)
	require.NoError(t, err)
	require.NoError(t, tr.Close())

	dest := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9}
	err = tr.Send(dest, []byte("late"))
	require.ErrorIs(t, err, ErrTransport)
}
