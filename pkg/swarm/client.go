package swarm

import (
	"context"
	"time"
)

// PeerStats describes a single connected peer, enough for penalty
// bookkeeping and diagnostics (§4.8, §4.10).
type PeerStats struct {
	Addr               string
	BytesDownloaded    int64
	BytesUploaded      int64
	PieceMismatchCount int
}

// TorrentHandle is the per-share handle a Client returns from Join. It
// mirrors the subset of anacrolix/torrent's *torrent.Torrent surface the
// engine needs, kept narrow so pkg/diagnostics can implement it trivially.
type TorrentHandle interface {
	BytesCompleted() int64
	Length() int64
	Peers() []PeerStats
	DropPeer(addr string) error
	Close() error
}

// Client is the embedded swarm library boundary (§6: "compose an existing
// swarm library's DHT and peer-exchange features behind a stable
// interface"). The real implementation wraps *anacrolix/torrent.Client;
// pkg/diagnostics provides a synthetic one for deterministic tests.
type Client interface {
	// Join starts discovering peers and downloading descriptorBytes's
	// content into dataDir, returning a handle to track progress.
	Join(ctx context.Context, descriptorBytes []byte, dataDir string) (TorrentHandle, error)

	// ListenAddrs reports the addresses this client is reachable on, used
	// to seed direct peer connections when DHT bootstrap is slow.
	ListenAddrs() []string

	// Close releases the client's sockets. Idempotent.
	Close() error
}

// PeerDiscoveryTimeout is the policy window §4.8 refers to: "no peers
// found within policy window" surfaces PeerDiscoveryTimeout.
const PeerDiscoveryTimeout = 60 * time.Second
