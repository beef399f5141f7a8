package swarm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kotormodsync/dcc/pkg/bandwidth"
)

// stubHandle is a minimal in-package TorrentHandle for manager tests (the
// shared diagnostics.FakeClient lives in a separate package to avoid an
// import cycle, since it itself depends on this package's Client
// interface).
type stubHandle struct {
	mu           sync.Mutex
	length       int64
	completed    int64
	peerAddrs    []string
	peerUploaded map[string]int64
}

func (h *stubHandle) BytesCompleted() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.completed
}
func (h *stubHandle) Length() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.length
}
func (h *stubHandle) Peers() []PeerStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]PeerStats, 0, len(h.peerAddrs))
	for _, a := range h.peerAddrs {
		out = append(out, PeerStats{Addr: a, BytesUploaded: h.peerUploaded[a]})
	}
	return out
}
func (h *stubHandle) DropPeer(addr string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	filtered := h.peerAddrs[:0]
	for _, a := range h.peerAddrs {
		if a != addr {
			filtered = append(filtered, a)
		}
	}
	h.peerAddrs = filtered
	return nil
}
func (h *stubHandle) Close() error { return nil }

func (h *stubHandle) complete() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.completed = h.length
}

type stubClient struct {
	handle *stubHandle
	joined chan struct{}
}

func (c *stubClient) Join(_ context.Context, _ []byte, _ string) (TorrentHandle, error) {
	select {
	case c.joined <- struct{}{}:
	default:
	}
	return c.handle, nil
}
func (c *stubClient) ListenAddrs() []string { return nil }
func (c *stubClient) Close() error          { return nil }

func TestManagerReachesSeedingOnCompletion(t *testing.T) {
	handle := &stubHandle{length: 1000}
	client := &stubClient{handle: handle, joined: make(chan struct{}, 1)}
	mgr := NewManager("share-1", []byte("descriptor"), t.TempDir(), client, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-client.joined:
	case <-time.After(2 * time.Second):
		t.Fatal("manager never called Join")
	}

	handle.complete()

	deadline := time.After(3 * time.Second)
	for {
		if mgr.State() == Seeding {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("manager never reached Seeding, state=%s", mgr.State())
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestManagerPauseStopsLoop(t *testing.T) {
	handle := &stubHandle{length: 1000}
	client := &stubClient{handle: handle, joined: make(chan struct{}, 1)}
	mgr := NewManager("share-2", []byte("descriptor"), t.TempDir(), client, nil, zerolog.Nop())

	ctx := context.Background()
	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-client.joined:
	case <-time.After(2 * time.Second):
		t.Fatal("manager never called Join")
	}

	mgr.Pause()

	deadline := time.After(2 * time.Second)
	for {
		if mgr.State() == Paused {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("manager never reached Paused, state=%s", mgr.State())
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestRecordPieceMismatchDisconnectsAfterCap(t *testing.T) {
	handle := &stubHandle{length: 1000, peerAddrs: []string{"peer-a"}}
	client := &stubClient{handle: handle, joined: make(chan struct{}, 1)}
	mgr := NewManager("share-3", []byte("descriptor"), t.TempDir(), client, nil, zerolog.Nop())
	mgr.handle = handle

	for i := 0; i < 3; i++ {
		mgr.RecordPieceMismatch("peer-a")
	}

	if !mgr.IsUntrustworthy("peer-a") {
		t.Error("expected peer-a to be tagged untrustworthy after reaching the mismatch cap")
	}
}

func TestManagerAdmitPeersDropsPeerBeyondConnectionCap(t *testing.T) {
	handle := &stubHandle{length: 1000, peerAddrs: []string{"peer-a", "peer-b"}}
	client := &stubClient{handle: handle, joined: make(chan struct{}, 1)}
	gov := bandwidth.New(0, 1) // only one connection slot available
	mgr := NewManager("share-5", []byte("descriptor"), t.TempDir(), client, gov, zerolog.Nop())

	mgr.admitPeers(context.Background(), handle)

	handle.mu.Lock()
	remaining := append([]string(nil), handle.peerAddrs...)
	handle.mu.Unlock()
	if len(remaining) != 1 {
		t.Fatalf("expected exactly one peer to survive admission under a 1-connection cap, got %v", remaining)
	}

	mgr.releaseAllConns()
}

func TestManagerAdmitPeersReleasesSlotWhenPeerLeaves(t *testing.T) {
	handle := &stubHandle{length: 1000, peerAddrs: []string{"peer-a"}}
	client := &stubClient{handle: handle, joined: make(chan struct{}, 1)}
	gov := bandwidth.New(0, 1)
	mgr := NewManager("share-6", []byte("descriptor"), t.TempDir(), client, gov, zerolog.Nop())

	mgr.admitPeers(context.Background(), handle)
	if _, ok := gov.TryAcquireConn(); ok {
		t.Fatal("expected the single connection slot to be held by peer-a")
	}

	_ = handle.DropPeer("peer-a")
	mgr.admitPeers(context.Background(), handle)

	release, ok := gov.TryAcquireConn()
	if !ok {
		t.Fatal("expected the connection slot to be released once peer-a disconnected")
	}
	release()
}

func TestManagerAccountUploadPacesThroughGovernor(t *testing.T) {
	handle := &stubHandle{
		length:       1000,
		peerAddrs:    []string{"peer-a"},
		peerUploaded: map[string]int64{"peer-a": 500},
	}
	client := &stubClient{handle: handle, joined: make(chan struct{}, 1)}
	gov := bandwidth.New(1000, 0) // 1000 B/s cap (burst covers the 500-byte delta), no connection cap
	mgr := NewManager("share-7", []byte("descriptor"), t.TempDir(), client, gov, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	mgr.accountUpload(ctx, handle)

	if got := mgr.Stats().Uploaded; got != 500 {
		t.Fatalf("Uploaded = %d, want 500 once WaitUpload's budget drains", got)
	}
}

func TestRecordPieceMismatchBelowCapDoesNotDisconnect(t *testing.T) {
	handle := &stubHandle{length: 1000, peerAddrs: []string{"peer-b"}}
	client := &stubClient{handle: handle, joined: make(chan struct{}, 1)}
	mgr := NewManager("share-4", []byte("descriptor"), t.TempDir(), client, nil, zerolog.Nop())
	mgr.handle = handle

	mgr.RecordPieceMismatch("peer-b")
	mgr.RecordPieceMismatch("peer-b")

	if mgr.IsUntrustworthy("peer-b") {
		t.Error("peer-b should not be untrustworthy before reaching the mismatch cap")
	}
}
