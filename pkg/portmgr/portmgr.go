// Package portmgr implements persistent port selection and best-effort NAT
// traversal (C6), grounded on internal/dht/bootstrap.go's
// persist-at-startup shape and internal/dht/presence.go's TTL/refresh timer
// (reused here for the periodic NAT re-probe).
package portmgr

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/upnp"

	"github.com/kotormodsync/dcc/pkg/config"
	"github.com/kotormodsync/dcc/pkg/dcerrors"
)

// NatStatus mirrors §3: (successful, port, last_check).
type NatStatus struct {
	Successful bool
	Port       int
	LastCheck  time.Time
}

// Manager owns the persisted port and periodic NAT re-probing.
type Manager struct {
	portFilePath string

	mu     sync.RWMutex
	port   int
	status NatStatus

	stopReprobe context.CancelFunc
}

// New creates a port manager backed by portFilePath.
func New(portFilePath string) *Manager {
	return &Manager{portFilePath: portFilePath}
}

// EnsureInitialized reads the persisted port, or probes and persists a new
// one, then performs a best-effort NAT traversal attempt. Never fails
// fatally: a closed NAT degrades to incoming-only-if-reachable (§4.6).
func (m *Manager) EnsureInitialized(ctx context.Context) error {
	port, err := m.loadPersistedPort()
	if err != nil || port == 0 {
		port, err = m.selectPort()
		if err != nil {
			return err
		}
		if err := m.persistPort(port); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.port = port
	m.mu.Unlock()

	m.probeNAT(ctx, port)

	reprobeCtx, cancel := context.WithCancel(context.Background())
	m.stopReprobe = cancel
	go m.reprobeLoop(reprobeCtx, port)

	return nil
}

// Port returns the currently selected port.
func (m *Manager) Port() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.port
}

// NATStatus returns the most recently observed NAT status.
func (m *Manager) NATStatus() NatStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// SetNATStatus allows the diagnostics harness to inject a synthetic status.
func (m *Manager) SetNATStatus(status NatStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
}

// Shutdown stops the NAT re-probe loop. Idempotent.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	stop := m.stopReprobe
	m.stopReprobe = nil
	m.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (m *Manager) reprobeLoop(ctx context.Context, port int) {
	ticker := time.NewTicker(config.NatReprobeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeNAT(ctx, port)
		}
	}
}

// probeNAT attempts UPnP first, NAT-PMP second, recording whichever
// succeeds (or neither) in NatStatus. Never returns an error: per §4.6 this
// path is always best-effort.
func (m *Manager) probeNAT(ctx context.Context, port int) {
	success := tryUPnP(ctx, port)
	if !success {
		success = tryNATPMP(ctx, port)
	}

	m.mu.Lock()
	m.status = NatStatus{Successful: success, Port: port, LastCheck: time.Now()}
	m.mu.Unlock()
}

// tryUPnP attempts to add a port mapping via UPnP IGD discovery.
func tryUPnP(ctx context.Context, port int) bool {
	discoverCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	devices, err := upnp.Discover(discoverCtx, 2, 3*time.Second)
	if err != nil || len(devices) == 0 {
		return false
	}

	for _, d := range devices {
		if err := d.Forward(uint16(port), "modcache swarm"); err == nil {
			return true
		}
	}
	return false
}

// NAT-PMP (RFC 6886) constants for the "Map Port" request/response pair.
const (
	natPMPVersion      = 0
	natPMPOpcodeMapUDP = 1
	natPMPOpcodeMapTCP = 2
	natPMPLifetimeSecs = 3600
)

// tryNATPMP is the second-choice traversal attempt when UPnP discovery
// finds no IGD: it speaks NAT-PMP directly to the default gateway on
// UDP/5351, requesting a mapping for port under both opcodes since the
// swarm engine listens for peers over both TCP and uTP/UDP.
func tryNATPMP(ctx context.Context, port int) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	gw, err := defaultGatewayAddr()
	if err != nil {
		return false
	}
	conn, err := net.DialTimeout("udp", net.JoinHostPort(gw, "5351"), 2*time.Second)
	if err != nil {
		return false
	}
	defer conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	if d, ok := probeCtx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	okTCP := natPMPMapPort(conn, natPMPOpcodeMapTCP, port)
	okUDP := natPMPMapPort(conn, natPMPOpcodeMapUDP, port)
	return okTCP || okUDP
}

// natPMPMapPort sends one NAT-PMP "Map Port" request (RFC 6886 §3.3) over
// conn and reports whether the gateway granted the mapping (result code 0).
func natPMPMapPort(conn net.Conn, opcode byte, port int) bool {
	req := make([]byte, 12)
	req[0] = natPMPVersion
	req[1] = opcode
	binary.BigEndian.PutUint16(req[4:6], uint16(port))
	binary.BigEndian.PutUint16(req[6:8], uint16(port))
	binary.BigEndian.PutUint32(req[8:12], natPMPLifetimeSecs)

	if _, err := conn.Write(req); err != nil {
		return false
	}

	resp := make([]byte, 16)
	n, err := conn.Read(resp)
	if err != nil || n < 12 {
		return false
	}
	if resp[0] != natPMPVersion || resp[1] != opcode|0x80 {
		return false
	}
	return binary.BigEndian.Uint16(resp[2:4]) == 0
}

func defaultGatewayAddr() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	host, _, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		return "", err
	}
	parts := strings.Split(host, ".")
	if len(parts) != 4 {
		return "", fmt.Errorf("unexpected local address %q", host)
	}
	parts[3] = "1"
	return strings.Join(parts, "."), nil
}

func (m *Manager) loadPersistedPort() (int, error) {
	data, err := os.ReadFile(m.portFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, dcerrors.NewIoError(m.portFilePath, err)
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || port <= 0 || port > 65535 {
		return 0, nil
	}
	if !canBind(port) {
		return 0, nil
	}
	return port, nil
}

func (m *Manager) persistPort(port int) error {
	data := []byte(strconv.Itoa(port))
	tmp := m.portFilePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return dcerrors.NewIoError(m.portFilePath, err)
	}
	if err := os.Rename(tmp, m.portFilePath); err != nil {
		return dcerrors.NewIoError(m.portFilePath, err)
	}
	return nil
}

// selectPort probes the well-known candidate ports, then random high ports,
// validating by attempting to bind (§4.6).
func (m *Manager) selectPort() (int, error) {
	for _, candidate := range config.CandidatePorts {
		if canBind(candidate) {
			return candidate, nil
		}
	}

	for attempt := 0; attempt < 50; attempt++ {
		candidate := 1024 + rand.Intn(65535-1024)
		if canBind(candidate) {
			return candidate, nil
		}
	}

	return 0, dcerrors.NewIoError(m.portFilePath, fmt.Errorf("no bindable port found"))
}

func canBind(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
