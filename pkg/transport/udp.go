// Package transport provides the single bound UDP endpoint lanmesh sends and
// receives all protocol datagrams through: a dumb pipe with no retry logic of
// its own, reuse-address and broadcast enabled, and a mutex serializing the
// send side so concurrent callers never interleave bytes at the kernel
// boundary.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"

	"github.com/appnet-org/lanmesh/pkg/logging"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ErrTransport marks a send that failed at the socket boundary, so callers
// several layers up (the ack registry's retry loop, the file transfer
// manager) can errors.Is a transport failure apart from timeouts and
// integrity failures.
var ErrTransport = errors.New("transport: send failed")

// sockBufBytes is the target size for the socket's send and receive buffers.
const sockBufBytes = 1 << 20

// UDPTransport is a single bound UDP socket shared by the heartbeat
// broadcaster, the file transfer manager and the ack registry's
// retransmitters.
type UDPTransport struct {
	conn          *net.UDPConn
	broadcastAddr *net.UDPAddr
	sendMu        sync.Mutex
}

// New binds a UDP endpoint on the given port, enabling SO_REUSEADDR and
// SO_BROADCAST and enlarging the socket buffers. port 0 lets the OS assign an
// ephemeral port, used by tests that run several nodes in one process.
func New(port int) (*UDPTransport, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("transport: listen: %w", err)
	}
	conn := pc.(*net.UDPConn)

	t := &UDPTransport{
		conn:          conn,
		broadcastAddr: &net.UDPAddr{IP: net.IPv4bcast, Port: localPort(conn)},
	}

	if err := t.tune(); err != nil {
		conn.Close()
		return nil, err
	}

	logging.Info("transport bound",
		zap.String("addr", conn.LocalAddr().String()))

	return t, nil
}

// tune enables broadcast and enlarges the socket's kernel buffers. The
// stdlib net package exposes no knob for either, so this reaches into the
// raw file descriptor.
func (t *UDPTransport) tune() error {
	raw, err := t.conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("transport: syscall conn: %w", err)
	}

	var sockErr error
	err = raw.Control(func(fd uintptr) {
		if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1); sockErr != nil {
			return
		}
		if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, sockBufBytes); sockErr != nil {
			return
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, sockBufBytes)
	})
	if err != nil {
		return fmt.Errorf("transport: control: %w", err)
	}
	return sockErr
}

// Send writes data to addr. Concurrent Send calls from different goroutines
// never interleave: the send side of the socket is guarded by sendMu. A
// transient OS error is returned to the caller (the pending-ack registry),
// which owns retransmission; Send itself never retries.
func (t *UDPTransport) Send(addr *net.UDPAddr, data []byte) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	_, err := t.conn.WriteToUDP(data, addr)
	if err != nil {
		return fmt.Errorf("%w: to %s: %w", ErrTransport, addr, err)
	}
	return nil
}

// Broadcast writes data to the limited broadcast address 255.255.255.255 on
// this transport's bound port, used for HEARTBEAT.
func (t *UDPTransport) Broadcast(data []byte) error {
	return t.Send(t.broadcastAddr, data)
}

// Receive blocks until a datagram arrives and returns its payload and source
// address. buf must be at least wire.MaxDatagramSize; the returned slice
// aliases buf and is only valid until the next Receive call.
func (t *UDPTransport) Receive(buf []byte) ([]byte, *net.UDPAddr, error) {
	n, addr, err := t.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, nil, fmt.Errorf("transport: receive: %w", err)
	}
	return buf[:n], addr, nil
}

// LocalPort returns the UDP port this transport is bound to.
func (t *UDPTransport) LocalPort() int {
	return localPort(t.conn)
}

// Close releases the underlying socket.
func (t *UDPTransport) Close() error {
	return t.conn.Close()
}

func localPort(conn *net.UDPConn) int {
	return conn.LocalAddr().(*net.UDPAddr).Port
}
