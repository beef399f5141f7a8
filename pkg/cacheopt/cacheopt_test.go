package cacheopt

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kotormodsync/dcc/pkg/descriptor"
	"github.com/kotormodsync/dcc/pkg/diagnostics"
	"github.com/kotormodsync/dcc/pkg/registry"
)

// setupDataDir isolates internal/xdg.DataDir() to a scratch directory by
// pointing $XDG_CONFIG_HOME at it, the same environment variable
// os.UserConfigDir consults on its own.
func setupDataDir(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
}

func TestTryOptimizedDownloadFallsBackWithoutRegistryEntry(t *testing.T) {
	setupDataDir(t)
	fc := diagnostics.NewFakeClient()
	opt := New(fc, zerolog.Nop())
	ctx := context.Background()
	if err := opt.EnsureInitialized(ctx); err != nil {
		t.Fatalf("EnsureInitialized: %v", err)
	}

	destDir := t.TempDir()
	var fallbackCalled bool
	fallback := func(_ context.Context, url, destPath string) error {
		fallbackCalled = true
		return os.WriteFile(destPath, []byte("payload"), 0o644)
	}

	res, err := opt.TryOptimizedDownload(ctx, "http://example.org/file.bin", destDir, fallback, "")
	if err != nil {
		t.Fatalf("TryOptimizedDownload: %v", err)
	}
	if !fallbackCalled {
		t.Error("expected fallback to be invoked when no ContentId is provided")
	}
	if res.ViaSwarm {
		t.Error("expected ViaSwarm=false for a fallback download")
	}
	if res.Path != filepath.Join(destDir, "file.bin") {
		t.Errorf("Path = %q, want %s", res.Path, filepath.Join(destDir, "file.bin"))
	}
	if _, err := os.Stat(res.Path); err != nil {
		t.Errorf("expected destination file to exist: %v", err)
	}
}

func TestTryOptimizedDownloadRejectsEmptyArguments(t *testing.T) {
	setupDataDir(t)
	fc := diagnostics.NewFakeClient()
	opt := New(fc, zerolog.Nop())
	ctx := context.Background()
	_ = opt.EnsureInitialized(ctx)

	if _, err := opt.TryOptimizedDownload(ctx, "", t.TempDir(), nil, ""); err == nil {
		t.Error("expected an error for an empty url")
	}
	if _, err := opt.TryOptimizedDownload(ctx, "http://example.org/x", "", nil, ""); err == nil {
		t.Error("expected an error for an empty destinationDir")
	}
}

func TestTryOptimizedDownloadNoFallbackNoSwarmRouteIsError(t *testing.T) {
	setupDataDir(t)
	fc := diagnostics.NewFakeClient()
	opt := New(fc, zerolog.Nop())
	ctx := context.Background()
	_ = opt.EnsureInitialized(ctx)

	_, err := opt.TryOptimizedDownload(ctx, "http://example.org/x", t.TempDir(), nil, "")
	if err == nil {
		t.Fatal("expected an error when neither a swarm route nor a fallback is available")
	}
}

func TestTryOptimizedDownloadUsesSwarmWhenRegistryKnowsContentId(t *testing.T) {
	setupDataDir(t)
	destDir := t.TempDir()

	srcPath := filepath.Join(t.TempDir(), "mod.zip")
	if err := os.WriteFile(srcPath, []byte("some mod payload bytes"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	desc, err := descriptor.Build(descriptor.BuildOptions{FilePath: srcPath})
	if err != nil {
		t.Fatalf("descriptor.Build: %v", err)
	}
	descPath := filepath.Join(destDir, desc.ContentId+".descriptor")
	if err := desc.WriteAtomic(descPath); err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}

	fc := diagnostics.NewFakeClient()
	fc.RegisterShare(destDir, diagnostics.FakeStats{
		Downloaded: desc.Length,
		Length:     desc.Length,
	})

	opt := New(fc, zerolog.Nop())
	ctx := context.Background()
	if err := opt.EnsureInitialized(ctx); err != nil {
		t.Fatalf("EnsureInitialized: %v", err)
	}

	reg := opt.Registry()
	reg.UpsertByMetadata("mh-1", registry.ProviderRecord{
		URL: "http://example.org/mod.zip", AdvertisedName: "mod.zip", AdvertisedSize: desc.Length,
	})
	reg.UpgradeToContentId("mh-1", desc.ContentId, desc.ContentSHA256)

	dlCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := opt.TryOptimizedDownload(dlCtx, "http://example.org/mod.zip", destDir, nil, desc.ContentId)
	if err != nil {
		t.Fatalf("TryOptimizedDownload: %v", err)
	}
	if !res.ViaSwarm {
		t.Error("expected a swarm-backed download when the registry knows the ContentId")
	}
	if res.BytesRead != desc.Length {
		t.Errorf("BytesRead = %d, want %d", res.BytesRead, desc.Length)
	}
}

func TestStartBackgroundSharingIsIdempotent(t *testing.T) {
	setupDataDir(t)
	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "mod.zip")
	if err := os.WriteFile(srcPath, []byte("payload"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	desc, err := descriptor.Build(descriptor.BuildOptions{FilePath: srcPath})
	if err != nil {
		t.Fatalf("descriptor.Build: %v", err)
	}
	if err := desc.WriteAtomic(srcPath + ".descriptor"); err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}

	fc := diagnostics.NewFakeClient()
	fc.RegisterShare(srcDir, diagnostics.FakeStats{Downloaded: desc.Length, Length: desc.Length})

	opt := New(fc, zerolog.Nop())
	ctx := context.Background()
	if err := opt.EnsureInitialized(ctx); err != nil {
		t.Fatalf("EnsureInitialized: %v", err)
	}

	if err := opt.StartBackgroundSharing(ctx, "content-key-1", srcPath, desc.ContentId); err != nil {
		t.Fatalf("StartBackgroundSharing: %v", err)
	}
	// Second call for the same key is a no-op, not an error or a duplicate join.
	if err := opt.StartBackgroundSharing(ctx, "content-key-1", srcPath, desc.ContentId); err != nil {
		t.Fatalf("second StartBackgroundSharing: %v", err)
	}
}

func TestGetSharedResourceDetailsUnknownAndEmptyKey(t *testing.T) {
	setupDataDir(t)
	fc := diagnostics.NewFakeClient()
	opt := New(fc, zerolog.Nop())
	_ = opt.EnsureInitialized(context.Background())

	if got := opt.GetSharedResourceDetails(""); got == "" {
		t.Error("expected a non-empty message for an empty key")
	}
	if got := opt.GetSharedResourceDetails("no-such-key"); got == "" {
		t.Error("expected a non-empty not-found message for an unknown key")
	}
}

func TestGetNetworkCacheStatsBeforeInitializationNeverPanics(t *testing.T) {
	fc := diagnostics.NewFakeClient()
	opt := New(fc, zerolog.Nop())

	shares, total, peers := opt.GetNetworkCacheStats()
	if shares != 0 || total != 0 || peers != 0 {
		t.Errorf("expected all-zero stats before initialization, got (%d, %d, %d)", shares, total, peers)
	}
}

func TestBlockContentIdDoesNotDisruptFallbackForUnregisteredId(t *testing.T) {
	setupDataDir(t)
	fc := diagnostics.NewFakeClient()
	opt := New(fc, zerolog.Nop())
	ctx := context.Background()
	_ = opt.EnsureInitialized(ctx)

	opt.BlockContentId("badid", "known malware")

	destDir := t.TempDir()
	_, err := opt.TryOptimizedDownload(ctx, "http://example.org/x", destDir, func(_ context.Context, _, destPath string) error {
		return os.WriteFile(destPath, []byte("x"), 0o644)
	}, "badid")
	// BlockContentId only blocks the swarm route; Lookup("badid") finds nothing
	// since it was never registered, so this falls through to the fallback
	// rather than surfacing the block itself. This exercises that the block
	// does not panic or otherwise disrupt the fallback path.
	if err != nil {
		t.Fatalf("TryOptimizedDownload with a blocked, unregistered id: %v", err)
	}
}

func TestGracefulShutdownIsIdempotent(t *testing.T) {
	setupDataDir(t)
	fc := diagnostics.NewFakeClient()
	opt := New(fc, zerolog.Nop())
	ctx := context.Background()
	if err := opt.EnsureInitialized(ctx); err != nil {
		t.Fatalf("EnsureInitialized: %v", err)
	}

	if err := opt.GracefulShutdown(ctx); err != nil {
		t.Fatalf("first GracefulShutdown: %v", err)
	}
	if err := opt.GracefulShutdown(ctx); err != nil {
		t.Fatalf("second GracefulShutdown: %v", err)
	}

	if err := opt.checkNotShutdown(); err == nil {
		t.Error("expected checkNotShutdown to report an error after shutdown")
	}
}
