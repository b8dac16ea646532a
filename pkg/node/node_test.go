package node

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/appnet-org/lanmesh/pkg/router"
)

// pairNodes starts two Nodes on ephemeral ports and upserts each into the
// other's peer table directly, standing in for the HEARTBEAT discovery this
// test harness can't rely on broadcast for across distinct ephemeral ports.
func pairNodes(t *testing.T, onTalkB router.TalkHandler) (a, b *Node) {
	t.Helper()

	var err error
	a, err = New(Config{Name: "alice", Port: 0, RecvDir: t.TempDir()})
	require.NoError(t, err)
	b, err = New(Config{Name: "bob", Port: 0, RecvDir: t.TempDir(), TalkHandler: onTalkB})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	doneA := make(chan struct{})
	doneB := make(chan struct{})
	go func() { a.Run(ctx); close(doneA) }()
	go func() { b.Run(ctx); close(doneB) }()

	t.Cleanup(func() {
		cancel()
		<-doneA
		<-doneB
	})

	a.peers.Upsert("bob", b.LocalAddr())
	b.peers.Upsert("alice", a.LocalAddr())

	return a, b
}

func TestSendTextDeliversToPeer(t *testing.T) {
	var mu sync.Mutex
	var got string
	a, _ := pairNodes(t, func(from, text string) {
		mu.Lock()
		got = text
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.SendText(ctx, "bob", "hi"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got == "hi"
	}, time.Second, 10*time.Millisecond)
}

func TestSendTextUnknownPeer(t *testing.T) {
	a, err := New(Config{Name: "solo", Port: 0, RecvDir: t.TempDir()})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)
	t.Cleanup(cancel)

	err = a.SendText(context.Background(), "nobody", "hi")
	require.ErrorIs(t, err, ErrPeerNotFound)
}

func TestSendFileUnknownFile(t *testing.T) {
	a, b := pairNodes(t, nil)
	_ = b

	err := a.SendFile(context.Background(), "bob", filepath.Join(t.TempDir(), "missing.bin"))
	require.ErrorIs(t, err, ErrFileNotFound)
}

func TestSendFileRoundTrip(t *testing.T) {
	a, b := pairNodes(t, nil)

	srcDir := t.TempDir()
	content := make([]byte, 2000)
	for i := range content {
		content[i] = byte(i % 251)
	}
	srcPath := filepath.Join(srcDir, "f.bin")
	require.NoError(t, os.WriteFile(srcPath, content, 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.SendFile(ctx, "bob", srcPath))

	wantHash := sha256.Sum256(content)

	var gotPath string
	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(b.cfg.RecvDir)
		if err != nil || len(entries) == 0 {
			return false
		}
		gotPath = filepath.Join(b.cfg.RecvDir, entries[0].Name())
		return true
	}, 2*time.Second, 10*time.Millisecond)

	got, err := os.ReadFile(gotPath)
	require.NoError(t, err)
	gotHash := sha256.Sum256(got)
	require.Equal(t, hex.EncodeToString(wantHash[:]), hex.EncodeToString(gotHash[:]))
}

func TestAnnounceAndListPeers(t *testing.T) {
	a, b := pairNodes(t, nil)
	_ = b

	require.NotPanics(t, a.Announce)

	peers := a.ListPeers()
	require.Len(t, peers, 1)
	require.Equal(t, "bob", peers[0].Name)
}
