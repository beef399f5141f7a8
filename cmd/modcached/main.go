// Package main implements the modcached daemon entrypoint: it owns one
// cacheopt.Optimizer for the process and exposes it over the control API,
// adapted from this codebase's own cmd/bee daemon bring-up sequence.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/kotormodsync/dcc/internal/xdg"
	"github.com/kotormodsync/dcc/pkg/cacheopt"
	"github.com/kotormodsync/dcc/pkg/config"
	"github.com/kotormodsync/dcc/pkg/control"
	"github.com/kotormodsync/dcc/pkg/portmgr"
	"github.com/kotormodsync/dcc/pkg/swarm"
)

// Build-time variables set by ldflags.
var (
	version    = "dev"
	buildTime  = "unknown"
	commitHash = "unknown"
)

func main() {
	listenAddr := flag.String("control-addr", "127.0.0.1:4780", "control API listen address")
	dataDir := flag.String("data-dir", "", "swarm data directory (defaults to the app data dir)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("modcached %s (built %s, commit %s)\n", version, buildTime, commitHash)
		return
	}

	if err := run(*listenAddr, *dataDir); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(listenAddr, dataDir string) error {
	log := config.NewLogger("modcached")

	if dataDir == "" {
		dataDir = xdg.ShareStateDir()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Select and persist the listen port up front so the embedded swarm
	// client and the optimizer's own port manager (brought up inside
	// EnsureInitialized) agree on the same value via the shared port file.
	portSelector := portmgr.New(xdg.PortFilePath())
	if err := portSelector.EnsureInitialized(ctx); err != nil {
		log.Warn().Err(err).Msg("port selection degraded, continuing outbound-only")
	}
	defer portSelector.Shutdown()

	client, err := swarm.NewTorrentClient(dataDir, portSelector.Port())
	if err != nil {
		return fmt.Errorf("starting swarm client: %w", err)
	}

	opt := cacheopt.New(client, log)

	if err := opt.EnsureInitialized(ctx); err != nil {
		return fmt.Errorf("initializing cache optimizer: %w", err)
	}

	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", listenAddr, err)
	}
	defer listener.Close()

	server := control.NewServer(opt, log)
	log.Info().Str("addr", listenAddr).Msg("control API listening")

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(ctx, listener)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("control API server exited unexpectedly")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.GracefulShutdownBudget)
	defer cancel()
	return opt.GracefulShutdown(shutdownCtx)
}
