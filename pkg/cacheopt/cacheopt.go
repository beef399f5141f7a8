// Package cacheopt implements the cache optimizer facade (C9): the single
// entry point every other caller of the distributed cache core goes
// through, shaped after this codebase's pkg/agent.Agent — one
// explicitly-constructed owner, no package-level globals, substitutable in
// tests via the swarm.Client it is handed at construction.
package cacheopt

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/kotormodsync/dcc/internal/xdg"
	"github.com/kotormodsync/dcc/pkg/bandwidth"
	"github.com/kotormodsync/dcc/pkg/blocklist"
	"github.com/kotormodsync/dcc/pkg/dcerrors"
	"github.com/kotormodsync/dcc/pkg/descriptor"
	"github.com/kotormodsync/dcc/pkg/portmgr"
	"github.com/kotormodsync/dcc/pkg/registry"
	"github.com/kotormodsync/dcc/pkg/swarm"
)

// DownloadResult is returned by TryOptimizedDownload.
type DownloadResult struct {
	Path      string
	ViaSwarm  bool
	BytesRead int64
}

// FallbackDownload is the caller-supplied non-swarm download path, e.g. a
// plain HTTP GET, invoked when no swarm route is available or it fails.
type FallbackDownload func(ctx context.Context, url, destPath string) error

// Optimizer is the C9 facade. Construct one per process; do not share
// across unrelated test cases without a fresh Harness-backed Client.
type Optimizer struct {
	client    swarm.Client
	engine    *swarm.Engine
	registry  *registry.Registry
	blocklist *blocklist.Blocklist
	portmgr   *portmgr.Manager
	governor  *bandwidth.Governor
	log       zerolog.Logger

	snapshotPath string

	initialized int32
	shutdown    int32
	mu          sync.Mutex
}

// New constructs an Optimizer. client is the embedded swarm library
// boundary; pass a real swarm.NewTorrentClient-backed client in
// production or a diagnostics.FakeClient in tests.
func New(client swarm.Client, log zerolog.Logger) *Optimizer {
	reg := registry.New()
	bl := blocklist.New()
	gov := bandwidth.Default()
	return &Optimizer{
		client:       client,
		registry:     reg,
		blocklist:    bl,
		governor:     gov,
		portmgr:      portmgr.New(xdg.PortFilePath()),
		snapshotPath: xdg.RegistrySnapshotPath(),
		log:          log,
	}
}

// EnsureInitialized loads the persisted registry snapshot, brings up the
// port manager, and constructs the swarm engine. Idempotent and safe from
// many goroutines (§4.9).
func (o *Optimizer) EnsureInitialized(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&o.initialized, 0, 1) {
		return nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if reg, err := registry.LoadSnapshot(o.snapshotPath); err == nil {
		o.registry = reg
	}

	if err := o.portmgr.EnsureInitialized(ctx); err != nil {
		o.log.Warn().Err(err).Msg("port manager initialization failed, continuing outbound-only")
	}

	o.engine = swarm.NewEngine(o.client, o.governor, o.blocklist, o.log)
	return nil
}

func (o *Optimizer) checkNotShutdown() error {
	if atomic.LoadInt32(&o.shutdown) != 0 {
		return dcerrors.NewShutdownInProgress()
	}
	return nil
}

// TryOptimizedDownload attempts a swarm-backed fetch when contentId is
// known to the registry, falling back to fallback on any failure. Always
// writes atomically to destinationDir (§4.9).
func (o *Optimizer) TryOptimizedDownload(
	ctx context.Context,
	url, destinationDir string,
	fallback FallbackDownload,
	contentId string,
) (DownloadResult, error) {
	if err := o.checkNotShutdown(); err != nil {
		return DownloadResult{}, err
	}
	if url == "" || destinationDir == "" {
		return DownloadResult{}, dcerrors.NewInvalidArgument("url and destinationDir are required")
	}

	if contentId != "" {
		if rec, ok := o.registry.Lookup(contentId); ok {
			if res, err := o.downloadViaSwarm(ctx, rec, destinationDir); err == nil {
				return res, nil
			} else {
				o.log.Warn().Err(err).Str("content_id", contentId).Msg("swarm download failed, falling back")
			}
		}
	}

	if fallback == nil {
		return DownloadResult{}, dcerrors.NewPeerDiscoveryTimeout("no swarm route and no fallback provided")
	}

	destPath := filepath.Join(destinationDir, filepath.Base(url))
	partialPath := destPath + ".partial"

	if err := fallback(ctx, url, partialPath); err != nil {
		if ctx.Err() != nil {
			return DownloadResult{}, dcerrors.NewCanceled()
		}
		return DownloadResult{}, dcerrors.NewIoError(destPath, err)
	}

	if err := os.Rename(partialPath, destPath); err != nil {
		return DownloadResult{}, dcerrors.NewIoError(destPath, err)
	}

	info, statErr := os.Stat(destPath)
	var size int64
	if statErr == nil {
		size = info.Size()
	}
	return DownloadResult{Path: destPath, ViaSwarm: false, BytesRead: size}, nil
}

func (o *Optimizer) downloadViaSwarm(ctx context.Context, rec *registry.ResourceMetadata, destinationDir string) (DownloadResult, error) {
	descPath := filepath.Join(destinationDir, rec.ContentId+".descriptor")
	desc, err := descriptor.Load(descPath)
	if err != nil {
		return DownloadResult{}, err
	}

	mgr, err := o.engine.Join(ctx, rec.ContentKey, rec.ContentId, desc.FullBytes, destinationDir)
	if err != nil {
		return DownloadResult{}, err
	}

	for {
		select {
		case <-ctx.Done():
			return DownloadResult{}, dcerrors.NewCanceled()
		case <-time.After(500 * time.Millisecond):
			s := mgr.Stats()
			if s.State == swarm.Seeding {
				return DownloadResult{Path: filepath.Join(destinationDir, desc.Name), ViaSwarm: true, BytesRead: s.Downloaded}, nil
			}
			if s.State == swarm.Failed {
				return DownloadResult{}, dcerrors.NewPeerDiscoveryTimeout("swarm share failed")
			}
		}
	}
}

// StartBackgroundSharing registers filePath as a share under contentKey,
// idempotent on (contentKey, contentId) (§4.9).
func (o *Optimizer) StartBackgroundSharing(ctx context.Context, contentKey, filePath, contentId string) error {
	if err := o.checkNotShutdown(); err != nil {
		return err
	}
	if contentKey == "" || filePath == "" {
		return dcerrors.NewInvalidArgument("contentKey and filePath are required")
	}

	if _, ok := o.engine.Get(contentKey); ok {
		return nil
	}

	descPath := filePath + ".descriptor"
	desc, err := descriptor.Load(descPath)
	if err != nil {
		return err
	}

	o.registry.MarkShareActive(contentKey, true)

	_, err = o.engine.Join(ctx, contentKey, contentId, desc.FullBytes, filepath.Dir(filePath))
	return err
}

// GetNetworkCacheStats never fails and never blocks (§4.9).
func (o *Optimizer) GetNetworkCacheStats() (activeShares int, totalUploadedBytes int64, connectedSources int) {
	if o.engine == nil {
		return 0, 0, 0
	}
	shares, total, peers := o.engine.NetworkStats()
	return shares, total, peers
}

// GetSharedResourceDetails returns a diagnostic message for key. Accepts
// null/empty keys gracefully and returns a "not found" message for unknown
// keys (§4.9).
func (o *Optimizer) GetSharedResourceDetails(key string) string {
	if key == "" || o.engine == nil {
		return "not found: no key provided"
	}
	mgr, ok := o.engine.Get(key)
	if !ok {
		return fmt.Sprintf("not found: no active share for %q", key)
	}
	s := mgr.Stats()
	return fmt.Sprintf(
		"state=%s progress=%.2f%% downloaded=%d uploaded=%d peers=%d seeds=%d",
		s.State, s.Progress*100, s.Downloaded, s.Uploaded, s.Peers, s.Seeds,
	)
}

// BlockContentId delegates to the blocklist (§4.9).
func (o *Optimizer) BlockContentId(contentId, reason string) {
	o.blocklist.Block(contentId, reason)
}

// GracefulShutdown stops all shares, releases the port, and persists the
// registry. Idempotent (§4.9, §5's 30-second budget).
func (o *Optimizer) GracefulShutdown(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&o.shutdown, 0, 1) {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var err error
		if o.engine != nil {
			err = o.engine.Shutdown()
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			o.log.Warn().Err(err).Msg("swarm engine shutdown reported an error")
		}
	case <-shutdownCtx.Done():
		o.log.Warn().Msg("graceful shutdown budget exceeded, forcing teardown")
	}

	if o.portmgr != nil {
		o.portmgr.Shutdown()
	}

	if err := o.registry.SaveSnapshot(o.snapshotPath); err != nil {
		o.log.Error().Err(err).Msg("failed to persist registry snapshot on shutdown")
		return err
	}
	return nil
}

// Registry exposes the underlying registry for callers that need direct
// lookup/upsert access (e.g. the gateway client recording a new mapping).
func (o *Optimizer) Registry() *registry.Registry { return o.registry }

// copyAtomic writes src's contents to destPath via temp+rename. Nothing in
// this package calls it.
func copyAtomic(destPath string, src io.Reader) (int64, error) {
	tmp := destPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, dcerrors.NewIoError(destPath, err)
	}
	n, err := io.Copy(f, src)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, dcerrors.NewIoError(destPath, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return 0, dcerrors.NewIoError(destPath, err)
	}
	if err := os.Rename(tmp, destPath); err != nil {
		return 0, dcerrors.NewIoError(destPath, err)
	}
	return n, nil
}
