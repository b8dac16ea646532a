// Package wire implements the ASCII text codec of the lanmesh protocol:
// parsing and serializing the seven verbs in and out of UDP datagrams.
package wire

import "time"

const (
	// DefaultPort is the well-known UDP port the node binds to.
	DefaultPort = 5000

	// HeartbeatPeriod is the interval between broadcast HEARTBEATs.
	HeartbeatPeriod = 5 * time.Second

	// PeerTTL is how long a peer is considered live after its last HEARTBEAT.
	PeerTTL = 10 * time.Second

	// SweepInterval is how often the peer table is swept for expiry.
	SweepInterval = 1 * time.Second

	// AckWait is how long a stop-and-wait sender waits for an ACK before
	// retrying.
	AckWait = 5 * time.Second

	// MaxAttempts is the number of sends (including the first) before a
	// pending message is abandoned.
	MaxAttempts = 5

	// ChunkSize is the number of raw file bytes carried per CHUNK.
	ChunkSize = 800

	// MaxDatagramSize upper-bounds a single receive buffer; it must comfortably
	// exceed a base64-encoded ChunkSize payload plus verb/id overhead.
	MaxDatagramSize = 65507

	// ChunkPacing is the minimum spacing between consecutive CHUNK sends for
	// a single transfer, to avoid overrunning the kernel send buffer.
	ChunkPacing = 1 * time.Millisecond
)
