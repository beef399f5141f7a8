// Package swarm implements the swarm engine (C8): one Manager per
// ShareHandle, each wrapping an embedded swarm library client behind the
// Client interface so pkg/diagnostics can substitute a synthetic one.
//
// The state machine and peer-mismatch bookkeeping follow this codebase's
// internal/dht node lifecycle (register/refresh/expire) in shape; the
// actual piece exchange is delegated to anacrolix/torrent, the same
// embedding the wider example pack converges on for "compose an existing
// swarm library" transports.
package swarm

import "fmt"

// State is a share's position in the lifecycle (§4.8).
type State int

const (
	Initializing State = iota
	Discovering
	Downloading
	Verifying
	Seeding
	Paused
	Failed
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Discovering:
		return "discovering"
	case Downloading:
		return "downloading"
	case Verifying:
		return "verifying"
	case Seeding:
		return "seeding"
	case Paused:
		return "paused"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// transitions enumerates the legal edges of §4.8's diagram. Anything not
// listed here is rejected by Manager.transition.
var transitions = map[State]map[State]bool{
	Initializing: {Discovering: true, Failed: true},
	Discovering:  {Downloading: true, Failed: true, Paused: true},
	Downloading:  {Verifying: true, Discovering: true, Failed: true, Paused: true},
	Verifying:    {Seeding: true, Downloading: true, Failed: true, Paused: true},
	Seeding:      {Paused: true, Failed: true, Downloading: true},
	Paused:       {Discovering: true, Downloading: true, Failed: true},
	Failed:       {Discovering: true},
}

func canTransition(from, to State) bool {
	edges, ok := transitions[from]
	if !ok {
		return false
	}
	return edges[to]
}
