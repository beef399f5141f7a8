package diagnostics

import (
	"github.com/kotormodsync/dcc/pkg/portmgr"
)

// ClientSettings mirrors the subset of swarm client configuration tests
// need to assert against: listen port, connection cap, and whether port
// forwarding succeeded.
type ClientSettings struct {
	ListenPort      int
	MaxConnections  int
	ForwardingOK    bool
}

// Harness is the attach point §4.10 describes: it substitutes a FakeClient
// for the real swarm client, and exposes setters for NAT status and client
// settings so deterministic tests can drive edge cases without real
// sockets.
type Harness struct {
	Client   *FakeClient
	settings ClientSettings
	portPath string
}

// NewHarness creates a Harness with a fresh FakeClient attached.
func NewHarness(portFilePath string) *Harness {
	return &Harness{
		Client:   NewFakeClient(),
		portPath: portFilePath,
	}
}

// PortFilePath returns the path tests should use to round-trip the
// persisted port (§4.10).
func (h *Harness) PortFilePath() string {
	return h.portPath
}

// SetNATStatus injects a synthetic NAT status into mgr, bypassing any real
// UPnP/NAT-PMP probing.
func (h *Harness) SetNATStatus(mgr *portmgr.Manager, status portmgr.NatStatus) {
	mgr.SetNATStatus(status)
}

// SetClientSettings programs the listen port, connection cap, and
// forwarding flag tests observe.
func (h *Harness) SetClientSettings(s ClientSettings) {
	h.settings = s
}

// ClientSettings returns the currently programmed settings.
func (h *Harness) ClientSettings() ClientSettings {
	return h.settings
}

// Detach releases the synthetic client's state. After Detach, a fresh
// Harness should be constructed for further use — this models the
// "attach_synthetic_client() scope whose destruction restores real
// behavior" contract without needing language-level scope guards.
func (h *Harness) Detach() {
	_ = h.Client.Close()
}
