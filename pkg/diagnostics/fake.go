// Package diagnostics implements the test-only harness (C10): a synthetic
// swarm client whose managers can be registered and programmed with fake
// stats, grounded on this codebase's own MockDHT pattern (a same-interface
// stand-in with deterministic, settable state instead of real sockets).
package diagnostics

import (
	"context"
	"sync"

	"github.com/kotormodsync/dcc/pkg/swarm"
)

// FakeStats is the programmable state behind one synthetic managed share.
type FakeStats struct {
	Downloaded int64
	Uploaded   int64
	Length     int64
	PeerAddrs  []string
}

// FakeClient implements swarm.Client without any real networking. Tests
// register shares directly via RegisterShare/UnregisterShare rather than
// through the normal Join discovery path.
type FakeClient struct {
	mu          sync.RWMutex
	listenAddrs []string
	shares      map[string]*FakeStats
	closed      bool
}

// NewFakeClient returns an empty synthetic client.
func NewFakeClient() *FakeClient {
	return &FakeClient{shares: make(map[string]*FakeStats)}
}

// RegisterShare programs a synthetic share's stats, keyed by the dataDir
// that Join would have been called with. Re-registering the same key
// overwrites its stats.
func (f *FakeClient) RegisterShare(key string, stats FakeStats) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := stats
	f.shares[key] = &s
}

// UnregisterShare removes a previously registered synthetic share.
func (f *FakeClient) UnregisterShare(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.shares, key)
}

// SetListenAddrs programs the addresses ListenAddrs reports.
func (f *FakeClient) SetListenAddrs(addrs []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listenAddrs = addrs
}

func (f *FakeClient) Join(_ context.Context, _ []byte, dataDir string) (swarm.TorrentHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.shares[dataDir]
	if !ok {
		s = &FakeStats{}
		f.shares[dataDir] = s
	}
	return &fakeHandle{client: f, key: dataDir}, nil
}

func (f *FakeClient) ListenAddrs() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]string(nil), f.listenAddrs...)
}

func (f *FakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.shares = make(map[string]*FakeStats)
	return nil
}

// Closed reports whether Close has been called, for shutdown assertions.
func (f *FakeClient) Closed() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.closed
}

type fakeHandle struct {
	client *FakeClient
	key    string
}

func (h *fakeHandle) stats() FakeStats {
	h.client.mu.RLock()
	defer h.client.mu.RUnlock()
	if s, ok := h.client.shares[h.key]; ok {
		return *s
	}
	return FakeStats{}
}

func (h *fakeHandle) BytesCompleted() int64 { return h.stats().Downloaded }
func (h *fakeHandle) Length() int64         { return h.stats().Length }

func (h *fakeHandle) Peers() []swarm.PeerStats {
	s := h.stats()
	out := make([]swarm.PeerStats, 0, len(s.PeerAddrs))
	for _, a := range s.PeerAddrs {
		out = append(out, swarm.PeerStats{Addr: a})
	}
	return out
}

func (h *fakeHandle) DropPeer(addr string) error {
	h.client.mu.Lock()
	defer h.client.mu.Unlock()
	s, ok := h.client.shares[h.key]
	if !ok {
		return nil
	}
	filtered := s.PeerAddrs[:0]
	for _, a := range s.PeerAddrs {
		if a != addr {
			filtered = append(filtered, a)
		}
	}
	s.PeerAddrs = filtered
	return nil
}

func (h *fakeHandle) Close() error { return nil }
