package swarm

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kotormodsync/dcc/pkg/bandwidth"
	"github.com/kotormodsync/dcc/pkg/blocklist"
	"github.com/kotormodsync/dcc/pkg/dcerrors"
)

// Engine owns the set of active share managers (C8), enforcing bandwidth
// and connection caps through a shared Governor and short-circuiting any
// blocked ContentId before a join or resume.
type Engine struct {
	client    Client
	governor  *bandwidth.Governor
	blocklist *blocklist.Blocklist
	log       zerolog.Logger

	mu       sync.RWMutex
	managers map[string]*Manager
}

// NewEngine creates an Engine. client is the embedded swarm library
// boundary; pkg/diagnostics substitutes a fake one in tests.
func NewEngine(client Client, governor *bandwidth.Governor, bl *blocklist.Blocklist, log zerolog.Logger) *Engine {
	return &Engine{
		client:    client,
		governor:  governor,
		blocklist: bl,
		log:       log,
		managers:  make(map[string]*Manager),
	}
}

// Join registers a share for key and starts its discover/download loop.
// Returns dcerrors.KindBlocked if key's ContentId is on the blocklist
// (§4.7: "takes effect before the next swarm state transition").
func (e *Engine) Join(ctx context.Context, key, contentId string, descriptorBytes []byte, dataDir string) (*Manager, error) {
	if contentId != "" && e.blocklist.IsBlocked(contentId) {
		reason, _ := e.blocklist.Reason(contentId)
		return nil, dcerrors.NewBlocked(reason)
	}

	e.mu.Lock()
	if existing, ok := e.managers[key]; ok {
		e.mu.Unlock()
		return existing, nil
	}
	mgr := NewManager(key, descriptorBytes, dataDir, e.client, e.governor, e.log)
	e.managers[key] = mgr
	e.mu.Unlock()

	if err := mgr.Start(ctx); err != nil {
		e.mu.Lock()
		delete(e.managers, key)
		e.mu.Unlock()
		return nil, err
	}
	return mgr, nil
}

// Get returns the manager for key, if any.
func (e *Engine) Get(key string) (*Manager, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	mgr, ok := e.managers[key]
	return mgr, ok
}

// Unshare stops and removes the manager for key. Idempotent.
func (e *Engine) Unshare(key string) error {
	e.mu.Lock()
	mgr, ok := e.managers[key]
	delete(e.managers, key)
	e.mu.Unlock()
	if !ok {
		return nil
	}
	return mgr.Close()
}

// Managers returns a snapshot of every active manager.
func (e *Engine) Managers() []*Manager {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Manager, 0, len(e.managers))
	for _, m := range e.managers {
		out = append(out, m)
	}
	return out
}

// NetworkStats aggregates every active manager's stats: active share
// count, total uploaded bytes, total connected peers (§4.9, S5).
func (e *Engine) NetworkStats() (shares int, totalBytes int64, peers int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, m := range e.managers {
		s := m.Stats()
		shares++
		totalBytes += s.Uploaded
		peers += s.Peers
	}
	return shares, totalBytes, peers
}

// Shutdown stops every active manager concurrently (closing a manager
// waits for its run loop to drain, so shares are closed in parallel rather
// than paying that drain latency once per share) and releases the embedded
// client. Idempotent.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	managers := make([]*Manager, 0, len(e.managers))
	for _, m := range e.managers {
		managers = append(managers, m)
	}
	e.managers = make(map[string]*Manager)
	e.mu.Unlock()

	var g errgroup.Group
	for _, m := range managers {
		m := m
		g.Go(func() error {
			return m.Close()
		})
	}
	_ = g.Wait()

	if e.client != nil {
		return e.client.Close()
	}
	return nil
}
