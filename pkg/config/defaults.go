// Package config defines cross-cutting defaults and environment knobs for the
// distributed cache core, following the same const-block-with-doc-comment
// style the rest of this codebase's ambient configuration uses.
package config

import (
	"os"
	"time"
)

// Piece length candidates, in ascending order, per §3: the smallest value
// that keeps the piece count at or under MaxPieceCount is chosen.
var PieceLengthCandidates = []int64{
	64 * 1024,
	128 * 1024,
	256 * 1024,
	512 * 1024,
	1024 * 1024,
	2 * 1024 * 1024,
	4 * 1024 * 1024,
}

const (
	// MaxPieceCount bounds how many pieces a single descriptor may have.
	MaxPieceCount = 1 << 20 // 1,048,576

	// FallbackPieceLength is used when no candidate satisfies MaxPieceCount.
	FallbackPieceLength = 4 * 1024 * 1024
)

// Swarm engine caps (§4.8). Configurable; these are the defaults.
const (
	DefaultMaxUploadBytesPerSecond = 100 * 1024 // 100 KB/s aggregate
	DefaultMaxConnections          = 150
)

// Backoff parameters for transient swarm failures (§4.8).
const (
	BackoffInitial    = 200 * time.Millisecond
	BackoffMax        = 30 * time.Second
	BackoffFactor     = 2.0
	PieceMismatchCap  = 3 // mismatches from one peer before disconnect
)

// Cancellation honor-time budget (§5, §8 invariant 9).
const CancelHonorBudget = 250 * time.Millisecond

// Gateway timeouts (§4.11).
const (
	GatewayRegistrationTimeout = 45 * time.Second
	GatewayCallTimeout         = 30 * time.Second
)

// GracefulShutdownBudget bounds how long GracefulShutdown waits before
// forcibly tearing down remaining shares (§5).
const GracefulShutdownBudget = 30 * time.Second

// NAT re-probe cadence (supplemental, §4 of SPEC_FULL.md): detect a router
// reboot without requiring a process restart.
const NatReprobeInterval = 5 * time.Minute

// Candidate ports tried by the port manager before falling back to random
// high ports (§4.6).
var CandidatePorts = []int{6881, 6882, 6883, 6889, 51413}

// Environment knobs (§6): the only configuration consumed from the
// environment.
const (
	EnvDebug      = "MODCACHE_DEBUG"
	EnvTestRunner = "MODCACHE_TEST_RUNNER"
)

// DebugEnabled reports whether verbose logging was requested.
func DebugEnabled() bool {
	return os.Getenv(EnvDebug) != ""
}

// TestRunnerMode reports whether log output should route to stderr instead
// of the normal sink (set by CI/test harnesses).
func TestRunnerMode() bool {
	return os.Getenv(EnvTestRunner) != ""
}
