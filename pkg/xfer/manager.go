// Package xfer drives the file transfer sender and receiver state machines:
// chunking, base64 encoding, SHA-256 integrity, and NACK-driven selective
// retransmission.
package xfer

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/colega/zeropool"
	"go.uber.org/zap"

	"github.com/appnet-org/lanmesh/pkg/ackreg"
	"github.com/appnet-org/lanmesh/pkg/bitset"
	"github.com/appnet-org/lanmesh/pkg/logging"
	"github.com/appnet-org/lanmesh/pkg/metrics"
	"github.com/appnet-org/lanmesh/pkg/transport"
	"github.com/appnet-org/lanmesh/pkg/wire"
)

// ErrIntegrityFailure is returned to the sender when the receiver reports a
// hash mismatch after a complete transfer.
var ErrIntegrityFailure = errors.New("xfer: receiver reported hash mismatch")

// chunkBufPool reuses the ChunkSize scratch buffers hashReader reads a file
// through while computing its SHA-256.
var chunkBufPool = zeropool.New(func() []byte {
	return make([]byte, 0, wire.ChunkSize)
})

type receiveState struct {
	path        string
	source      *net.UDPAddr
	totalChunks uint32
	received    *bitset.Bitset
	chunks      map[uint32][]byte
}

// Manager owns both halves of file transfer: SendFile drives the sender
// state machine, and the Handle* methods — called from the router's receive
// loop — drive the receiver state machine.
type Manager struct {
	transport *transport.UDPTransport
	acks      *ackreg.Registry
	recvDir   string

	mu       sync.Mutex
	recv     map[string]*receiveState
	nackSubs map[string]chan wire.Nack
	metrics  *metrics.Metrics
}

// SetMetrics attaches m so subsequent transfers update its counters.
// Optional.
func (m *Manager) SetMetrics(mt *metrics.Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = mt
}

// New returns a Manager that sends over t, waits on acks via acks, and
// writes received files under recvDir.
func New(t *transport.UDPTransport, acks *ackreg.Registry, recvDir string) *Manager {
	return &Manager{
		transport: t,
		acks:      acks,
		recvDir:   recvDir,
		recv:      make(map[string]*receiveState),
		nackSubs:  make(map[string]chan wire.Nack),
	}
}

// --- sender ---------------------------------------------------------------

// SendFile transfers the file at path to dest, blocking until the transfer
// completes, is rejected by the receiver, or times out.
func (m *Manager) SendFile(ctx context.Context, dest *net.UDPAddr, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("xfer: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("xfer: stat %s: %w", path, err)
	}
	size := info.Size()

	uid := wire.NewMessageID()
	name := filepath.Base(path)

	if err := m.acks.SendAndWait(ctx, uid, wire.Encode(wire.File{UID: uid, Name: name, Size: size}), dest); err != nil {
		m.recordFailure("timeout")
		return fmt.Errorf("xfer: FILE %s: %w", uid, err)
	}

	total := uint32((size + wire.ChunkSize - 1) / wire.ChunkSize)

	sendRange := func(seqs []uint32) error {
		for _, seq := range seqs {
			buf := make([]byte, wire.ChunkSize)
			n, err := f.ReadAt(buf, int64(seq)*wire.ChunkSize)
			if err != nil && n == 0 {
				return fmt.Errorf("xfer: read chunk %d: %w", seq, err)
			}
			chunk := wire.Chunk{UID: uid, Seq: seq, PayloadB64: base64.StdEncoding.EncodeToString(buf[:n])}
			if err := m.acks.SendAndWait(ctx, chunk.Identifier(), wire.Encode(chunk), dest); err != nil {
				m.recordFailure("timeout")
				return fmt.Errorf("xfer: CHUNK %s: %w", chunk.Identifier(), err)
			}
			time.Sleep(wire.ChunkPacing)
		}
		return nil
	}

	if total > 0 {
		all := make([]uint32, total)
		for i := range all {
			all[i] = uint32(i)
		}
		if err := sendRange(all); err != nil {
			return err
		}
	}

	hash, err := hashReader(f)
	if err != nil {
		return fmt.Errorf("xfer: hash %s: %w", path, err)
	}

	for {
		outcome, err := m.sendEndRound(ctx, uid, dest, hash)
		if err != nil {
			m.recordFailure("timeout")
			return fmt.Errorf("xfer: END %s: %w", uid, err)
		}
		switch {
		case outcome.success:
			m.recordSent(size)
			return nil
		case outcome.hashMismatch:
			m.recordFailure("integrity")
			return fmt.Errorf("%w: uid=%s", ErrIntegrityFailure, uid)
		default:
			logging.Warn("xfer: receiver reported missing chunks, retransmitting",
				zap.String("uid", uid), zap.Int("count", len(outcome.missing)))
			if err := sendRange(outcome.missing); err != nil {
				return err
			}
		}
	}
}

type endOutcome struct {
	success      bool
	hashMismatch bool
	missing      []uint32
}

// sendEndRound sends one END datagram (with the registry's own internal
// retries) and races it against either that registry resolving with an ACK,
// or a NACK for uid arriving through the router. Only one of the two ever
// produces the outcome; the loser is canceled.
func (m *Manager) sendEndRound(ctx context.Context, uid string, dest *net.UDPAddr, hash string) (endOutcome, error) {
	nackCh := make(chan wire.Nack, 1)
	m.mu.Lock()
	m.nackSubs[uid] = nackCh
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.nackSubs, uid)
		m.mu.Unlock()
	}()

	ackCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ackDone := make(chan error, 1)
	go func() {
		ackDone <- m.acks.SendAndWait(ackCtx, uid+"_end", wire.Encode(wire.End{UID: uid, Hash: hash}), dest)
	}()

	select {
	case err := <-ackDone:
		if err != nil {
			return endOutcome{}, err
		}
		return endOutcome{success: true}, nil

	case n := <-nackCh:
		cancel()
		<-ackDone
		if n.IsHashMismatch() {
			return endOutcome{hashMismatch: true}, nil
		}
		missing, err := wire.ParseMissing(n.Detail)
		if err != nil {
			return endOutcome{}, err
		}
		return endOutcome{missing: missing}, nil
	}
}

func (m *Manager) recordSent(size int64) {
	m.mu.Lock()
	mt := m.metrics
	m.mu.Unlock()
	if mt == nil {
		return
	}
	mt.BytesSent.Add(float64(size))
	mt.TransfersComplete.Inc()
}

func (m *Manager) recordReceived(st *receiveState) {
	m.mu.Lock()
	mt := m.metrics
	m.mu.Unlock()
	if mt == nil {
		return
	}
	var total int64
	for _, c := range st.chunks {
		total += int64(len(c))
	}
	mt.BytesReceived.Add(float64(total))
	mt.TransfersComplete.Inc()
}

func (m *Manager) recordFailure(reason string) {
	m.mu.Lock()
	mt := m.metrics
	m.mu.Unlock()
	if mt != nil {
		mt.TransferFailures.WithLabelValues(reason).Inc()
	}
}

func hashReader(f *os.File) (string, error) {
	if _, err := f.Seek(0, 0); err != nil {
		return "", err
	}
	h := sha256.New()
	buf := chunkBufPool.Get()
	defer chunkBufPool.Put(buf[:0])
	buf = buf[:cap(buf)]
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// --- receiver ---------------------------------------------------------------

// HandleFile begins a new inbound transfer and ACKs the FILE announcement.
// A filename carrying path separators is rejected outright so a malicious or
// buggy peer cannot steer the receive path outside recvDir.
func (m *Manager) HandleFile(f wire.File, from *net.UDPAddr) {
	if strings.ContainsAny(f.Name, `/\`) {
		logging.Warn("xfer: rejecting filename with path separators", zap.String("uid", f.UID), zap.String("name", f.Name))
		return
	}

	total := uint32(0)
	if f.Size > 0 {
		total = uint32((f.Size + wire.ChunkSize - 1) / wire.ChunkSize)
	}

	path := m.resolvePath(filepath.Base(f.Name))
	fh, err := os.Create(path)
	if err != nil {
		logging.Error("xfer: create receive file", zap.String("path", path), zap.Error(err))
		return
	}
	fh.Close()

	m.mu.Lock()
	m.recv[f.UID] = &receiveState{
		path:        path,
		source:      from,
		totalChunks: total,
		received:    bitset.New(total),
		chunks:      make(map[uint32][]byte),
	}
	m.mu.Unlock()

	logging.Info("xfer: receiving file", zap.String("uid", f.UID), zap.String("path", path), zap.Int64("size", f.Size))
	m.send(from, wire.Ack{ID: f.UID})
}

// HandleChunk records one chunk of an in-progress transfer, ACKing it the
// first time it is seen. A CHUNK for an unknown uid, an already-seen
// sequence, or a source address that doesn't match the FILE that opened this
// uid (a same-millisecond uid collision from a different peer) is silently
// dropped.
func (m *Manager) HandleChunk(c wire.Chunk, from *net.UDPAddr) {
	m.mu.Lock()
	st, ok := m.recv[c.UID]
	m.mu.Unlock()
	if !ok || !sameHost(st.source, from) {
		return
	}

	if st.received.Get(c.Seq) {
		return
	}

	decoded, err := base64.StdEncoding.DecodeString(c.PayloadB64)
	if err != nil {
		logging.Warn("xfer: malformed CHUNK payload", zap.String("uid", c.UID), zap.Uint32("seq", c.Seq), zap.Error(err))
		return
	}

	m.mu.Lock()
	st.chunks[c.Seq] = decoded
	st.received.Set(c.Seq, true)
	m.mu.Unlock()

	m.send(from, wire.Ack{ID: c.Identifier()})
}

// HandleEnd finalizes or rejects an in-progress transfer depending on
// whether every chunk arrived and the assembled file's hash matches.
func (m *Manager) HandleEnd(e wire.End, from *net.UDPAddr) {
	m.mu.Lock()
	st, ok := m.recv[e.UID]
	m.mu.Unlock()
	if !ok || !sameHost(st.source, from) {
		return
	}

	missing := st.received.Missing(st.totalChunks)
	if len(missing) > 0 {
		m.send(from, wire.Nack{UID: e.UID, Detail: wire.FormatMissing(missing)})
		return
	}

	if err := m.assemble(st); err != nil {
		logging.Error("xfer: assemble", zap.String("uid", e.UID), zap.Error(err))
		return
	}

	localHash, err := hashFile(st.path)
	if err != nil {
		logging.Error("xfer: hash received file", zap.String("uid", e.UID), zap.Error(err))
		return
	}

	m.mu.Lock()
	delete(m.recv, e.UID)
	m.mu.Unlock()

	if localHash != e.Hash {
		os.Remove(st.path)
		m.send(from, wire.Nack{UID: e.UID, Detail: "hash mismatch"})
		m.recordFailure("integrity")
		logging.Warn("xfer: file failed integrity check", zap.String("uid", e.UID), zap.String("path", st.path))
		return
	}

	m.send(from, wire.Ack{ID: e.UID + "_end"})
	m.recordReceived(st)
	logging.Info("xfer: file received", zap.String("uid", e.UID), zap.String("path", st.path))
}

// HandleNack routes a NACK to whichever SendFile call is awaiting its END
// outcome. A NACK for a uid with no waiter (a stray or late retransmit) is
// dropped, matching the unknown-uid handling elsewhere in this protocol.
func (m *Manager) HandleNack(n wire.Nack) {
	m.mu.Lock()
	ch, ok := m.nackSubs[n.UID]
	mt := m.metrics
	m.mu.Unlock()
	if mt != nil {
		mt.NacksReceived.Inc()
	}
	if !ok {
		return
	}
	select {
	case ch <- n:
	default:
	}
}

func (m *Manager) assemble(st *receiveState) error {
	f, err := os.Create(st.path)
	if err != nil {
		return err
	}
	defer f.Close()

	seqs := make([]uint32, 0, len(st.chunks))
	for seq := range st.chunks {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	for _, seq := range seqs {
		if _, err := f.Write(st.chunks[seq]); err != nil {
			return err
		}
	}
	return nil
}

// resolvePath returns a non-colliding destination path under recvDir for
// name, appending "_1", "_2", ... before the extension until an unused name
// is found.
func (m *Manager) resolvePath(name string) string {
	dir := m.recvDir
	if dir == "" {
		dir = "."
	}
	ext := filepath.Ext(name)
	base := name[:len(name)-len(ext)]

	candidate := filepath.Join(dir, name)
	for counter := 1; ; counter++ {
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s_%d%s", base, counter, ext))
	}
}

func (m *Manager) send(to *net.UDPAddr, msg wire.Message) {
	if err := m.transport.Send(to, wire.Encode(msg)); err != nil {
		logging.Error("xfer: send", zap.String("verb", string(msg.Verb())), zap.Error(err))
	}
}

// sameHost reports whether two UDP addresses share an IP, ignoring port —
// FILE/CHUNK/END of one transfer always originate from the same socket, so
// this is enough to reject a same-millisecond uid collision from a
// different peer without needing to track source ports.
func sameHost(a, b *net.UDPAddr) bool {
	return a != nil && b != nil && a.IP.Equal(b.IP)
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return hashReader(f)
}
