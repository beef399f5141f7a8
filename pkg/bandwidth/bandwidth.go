// Package bandwidth implements the aggregate upload governor and
// connection-admission controller shared by every active share (§5),
// built on the same golang.org/x/time/rate idiom the wider pack reaches
// for when it needs a token bucket, paired with a counting semaphore for
// connection admission.
package bandwidth

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/kotormodsync/dcc/pkg/config"
)

// Governor enforces a process-wide upload cap and a process-wide
// connection-count cap across every swarm share.
type Governor struct {
	mu sync.Mutex

	limiter     *rate.Limiter
	maxBytesSec int64

	slots     chan struct{}
	maxConns  int
}

// New creates a Governor with the given caps. A non-positive maxBytesSec
// means unlimited upload; a non-positive maxConns means unlimited
// connections.
func New(maxBytesSec int64, maxConns int) *Governor {
	g := &Governor{maxBytesSec: maxBytesSec, maxConns: maxConns}
	if maxBytesSec > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(maxBytesSec), int(maxBytesSec))
	}
	if maxConns > 0 {
		g.slots = make(chan struct{}, maxConns)
	}
	return g
}

// Default returns a Governor configured from config.Default{MaxUpload,MaxConnections}.
func Default() *Governor {
	return New(config.DefaultMaxUploadBytesPerSecond, config.DefaultMaxConnections)
}

// WaitUpload blocks until n bytes of upload budget are available, or ctx is
// canceled.
func (g *Governor) WaitUpload(ctx context.Context, n int) error {
	if g.limiter == nil {
		return nil
	}
	return g.limiter.WaitN(ctx, n)
}

// AcquireConn blocks until a connection slot is free, or ctx is canceled.
// The returned release func must be called exactly once.
func (g *Governor) AcquireConn(ctx context.Context) (func(), error) {
	slots := g.slots
	if slots == nil {
		return func() {}, nil
	}
	select {
	case slots <- struct{}{}:
		return func() { <-slots }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryAcquireConn is the non-blocking variant used when a peer connection
// should be refused outright rather than queued (§5's admission refusal
// path). The swarm manager drops a peer that is refused here; it does not
// re-queue it.
func (g *Governor) TryAcquireConn() (func(), bool) {
	slots := g.slots
	if slots == nil {
		return func() {}, true
	}
	select {
	case slots <- struct{}{}:
		return func() { <-slots }, true
	default:
		return nil, false
	}
}

// SetLimits adjusts the caps at runtime, e.g. from user-facing settings.
func (g *Governor) SetLimits(maxBytesSec int64, maxConns int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.maxBytesSec = maxBytesSec
	if maxBytesSec > 0 {
		if g.limiter == nil {
			g.limiter = rate.NewLimiter(rate.Limit(maxBytesSec), int(maxBytesSec))
		} else {
			g.limiter.SetLimit(rate.Limit(maxBytesSec))
			g.limiter.SetBurst(int(maxBytesSec))
		}
	} else {
		g.limiter = nil
	}

	if maxConns != g.maxConns {
		g.maxConns = maxConns
		if maxConns > 0 {
			g.slots = make(chan struct{}, maxConns)
		} else {
			g.slots = nil
		}
	}
}

// Limits returns the currently configured caps.
func (g *Governor) Limits() (maxBytesSec int64, maxConns int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxBytesSec, g.maxConns
}
