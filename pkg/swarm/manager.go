package swarm

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kotormodsync/dcc/pkg/bandwidth"
	"github.com/kotormodsync/dcc/pkg/config"
	"github.com/kotormodsync/dcc/pkg/dcerrors"
)

// Stats is the diagnostic snapshot §4.10/S5 reads back: uploaded,
// downloaded, progress, peers, state.
type Stats struct {
	State      State
	Progress   float64
	Downloaded int64
	Uploaded   int64
	Peers      int
	Seeds      int
}

// Manager owns one ShareHandle's lifecycle: peer discovery, piece
// verification, and the retry/backoff loop, mirroring how this codebase's
// internal/dht node owns a single routing-table lifecycle.
type Manager struct {
	key             string
	descriptorBytes []byte
	dataDir         string

	client   Client
	governor *bandwidth.Governor
	log      zerolog.Logger

	mu               sync.RWMutex
	state            State
	handle           TorrentHandle
	mismatches       map[string]int
	untrustworthy    map[string]bool
	uploaded         int64
	observedUploaded int64
	connSlots        map[string]func()

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a Manager for key, not yet started. governor may be
// nil, in which case peer admission and upload pacing are unbounded.
func NewManager(key string, descriptorBytes []byte, dataDir string, client Client, governor *bandwidth.Governor, log zerolog.Logger) *Manager {
	return &Manager{
		key:             key,
		descriptorBytes: descriptorBytes,
		dataDir:         dataDir,
		client:          client,
		governor:        governor,
		log:             log.With().Str("share", key).Logger(),
		state:           Initializing,
		mismatches:      make(map[string]int),
		untrustworthy:   make(map[string]bool),
		connSlots:       make(map[string]func()),
	}
}

// Key returns the share's registry key.
func (m *Manager) Key() string { return m.key }

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) transition(to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !canTransition(m.state, to) {
		return false
	}
	m.log.Debug().Stringer("from", m.state).Stringer("to", to).Msg("share transition")
	m.state = to
	return true
}

// Start begins the discover/download/verify loop in the background and
// returns as soon as the share has moved to Discovering. The loop runs
// until the share reaches Seeding or Failed, or ctx is canceled.
func (m *Manager) Start(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	m.mu.Lock()
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	if !m.transition(Discovering) {
		return dcerrors.NewInvalidArgument("share cannot be started from its current state")
	}

	go m.run(ctx)
	return nil
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			m.transition(Paused)
			return
		default:
		}

		discoverCtx, discoverCancel := context.WithTimeout(ctx, PeerDiscoveryTimeout)
		handle, err := m.client.Join(discoverCtx, m.descriptorBytes, m.dataDir)
		discoverCancel()
		if err != nil {
			if ctx.Err() != nil {
				m.transition(Paused)
				return
			}
			attempt++
			if attempt > 10 {
				m.transition(Failed)
				return
			}
			m.log.Warn().Err(err).Int("attempt", attempt).Msg("discovery failed, backing off")
			select {
			case <-time.After(backoff(attempt)):
				continue
			case <-ctx.Done():
				m.transition(Paused)
				return
			}
		}

		m.mu.Lock()
		m.handle = handle
		m.mu.Unlock()

		if !m.transition(Downloading) {
			handle.Close()
			return
		}

		if m.waitForCompletion(ctx, handle) {
			m.transition(Verifying)
			m.transition(Seeding)
			return
		}

		if ctx.Err() != nil {
			m.transition(Paused)
			return
		}

		attempt++
		if attempt > 10 {
			m.transition(Failed)
			return
		}
		m.transition(Discovering)
		select {
		case <-time.After(backoff(attempt)):
		case <-ctx.Done():
			m.transition(Paused)
			return
		}
	}
}

func (m *Manager) waitForCompletion(ctx context.Context, handle TorrentHandle) bool {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.releaseAllConns()
			return false
		case <-ticker.C:
			m.admitPeers(ctx, handle)
			m.accountUpload(ctx, handle)
			if handle.Length() > 0 && handle.BytesCompleted() >= handle.Length() {
				return true
			}
			m.penalizeMismatches(handle)
		}
	}
}

// admitPeers enforces the governor's process-wide connection cap (§4.8,
// §5) against the handle's live peer set: a peer beyond the available
// slots is dropped rather than left holding an unbudgeted connection.
func (m *Manager) admitPeers(ctx context.Context, handle TorrentHandle) {
	if m.governor == nil {
		return
	}

	peers := handle.Peers()
	seen := make(map[string]struct{}, len(peers))
	for _, p := range peers {
		seen[p.Addr] = struct{}{}

		m.mu.RLock()
		_, have := m.connSlots[p.Addr]
		m.mu.RUnlock()
		if have {
			continue
		}

		release, ok := m.governor.TryAcquireConn()
		if !ok {
			_ = handle.DropPeer(p.Addr)
			continue
		}
		m.mu.Lock()
		m.connSlots[p.Addr] = release
		m.mu.Unlock()
	}

	m.mu.Lock()
	for addr, release := range m.connSlots {
		if _, ok := seen[addr]; !ok {
			release()
			delete(m.connSlots, addr)
		}
	}
	m.mu.Unlock()
}

// accountUpload folds newly observed upload bytes into m.uploaded, pacing
// the increment through the governor's aggregate upload-rate budget
// (§4.8's 100 KB/s cap) before it is reflected in Stats/NetworkStats.
func (m *Manager) accountUpload(ctx context.Context, handle TorrentHandle) {
	var total int64
	for _, p := range handle.Peers() {
		total += p.BytesUploaded
	}

	m.mu.Lock()
	delta := total - m.observedUploaded
	if delta > 0 {
		m.observedUploaded = total
	}
	m.mu.Unlock()

	if delta <= 0 {
		return
	}
	if m.governor != nil {
		_ = m.governor.WaitUpload(ctx, int(delta))
	}

	m.mu.Lock()
	m.uploaded += delta
	m.mu.Unlock()
}

// releaseAllConns returns every connection slot this manager currently
// holds to the governor.
func (m *Manager) releaseAllConns() {
	m.mu.Lock()
	slots := m.connSlots
	m.connSlots = make(map[string]func())
	m.mu.Unlock()
	for _, release := range slots {
		release()
	}
}

// RecordPieceMismatch tracks a failed piece verification from addr (§4.8):
// after config.PieceMismatchCap mismatches from the same peer, it is
// disconnected and tagged untrustworthy for this share.
func (m *Manager) RecordPieceMismatch(addr string) {
	m.mu.Lock()
	m.mismatches[addr]++
	count := m.mismatches[addr]
	handle := m.handle
	m.mu.Unlock()

	if count >= config.PieceMismatchCap {
		m.mu.Lock()
		m.untrustworthy[addr] = true
		m.mu.Unlock()
		if handle != nil {
			_ = handle.DropPeer(addr)
		}
		m.log.Warn().Str("peer", addr).Msg("peer exceeded piece mismatch cap, disconnected")
	}
}

// IsUntrustworthy reports whether addr was tagged untrustworthy for this
// share.
func (m *Manager) IsUntrustworthy(addr string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.untrustworthy[addr]
}

func (m *Manager) penalizeMismatches(handle TorrentHandle) {
	for _, p := range handle.Peers() {
		if p.PieceMismatchCount > 0 {
			for i := 0; i < p.PieceMismatchCount; i++ {
				m.RecordPieceMismatch(p.Addr)
			}
		}
	}
}

// Stats returns the current diagnostic snapshot.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{State: m.state, Uploaded: m.uploaded}
	if m.handle != nil {
		length := m.handle.Length()
		completed := m.handle.BytesCompleted()
		if length > 0 {
			s.Progress = float64(completed) / float64(length)
		}
		s.Downloaded = completed
		peers := m.handle.Peers()
		s.Peers = len(peers)
		if s.State == Seeding {
			s.Seeds = 1
		}
	}
	return s
}

// Pause transitions the share to Paused, stopping its background loop.
func (m *Manager) Pause() {
	m.mu.RLock()
	cancel := m.cancel
	m.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// Close releases the share's resources. Idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	cancel := m.cancel
	handle := m.handle
	done := m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	m.releaseAllConns()
	if handle != nil {
		return handle.Close()
	}
	return nil
}
