package core

import (
	"github.com/encodeous/skymesh/state"
)

// Policy captures the few places endpoint behavior diverges between clients
// and the two server kinds. Everything else in the engine is shared.
type Policy interface {
	// CostAware selects loss-weighted path resolution instead of plain
	// hop count.
	CostAware() bool
	// OnMessage runs when an inbound message completes reassembly, after
	// the MessageAssembled event has been emitted.
	OnMessage(s *state.State, from state.NodeId, session uint64, data []byte)
}

// ClientPolicy routes around lossy drones using observed drop rates; the
// application layer above consumes its completion events.
type ClientPolicy struct{}

func (ClientPolicy) CostAware() bool { return true }

func (ClientPolicy) OnMessage(s *state.State, from state.NodeId, session uint64, data []byte) {
	s.Log.Info("message assembled", "from", from, "session", session, "bytes", len(data))
}

// ServerPolicy is shared by communication and content servers: hop-count
// routing, with the serving logic layered externally on completion events.
type ServerPolicy struct {
	Role state.Role
}

func (ServerPolicy) CostAware() bool { return false }

func (p ServerPolicy) OnMessage(s *state.State, from state.NodeId, session uint64, data []byte) {
	s.Log.Info("message assembled", "role", p.Role, "from", from, "session", session, "bytes", len(data))
}

func PolicyFor(role state.Role) Policy {
	if role == state.RoleClient {
		return ClientPolicy{}
	}
	return ServerPolicy{Role: role}
}
