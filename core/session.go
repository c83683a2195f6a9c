package core

import (
	"github.com/encodeous/skymesh/state"
)

// Session is the sender-side record of one outbound message: every fragment
// still awaiting acknowledgment, plus retry bookkeeping per faulting hop.
type Session struct {
	Id          uint64
	Destination state.NodeId
	Total       uint32
	outstanding map[uint32]state.Fragment
	// nacks counts nacks per (fragment, faulting hop); crossing the retry
	// bound without a fresh path escalates to DeliveryFailed
	nacks map[state.Pair[uint32, state.NodeId]]int
	// drops counts consecutive simulated drops per fragment, to allow one
	// same-path retry before the path is invalidated
	drops map[uint32]int
}

func (s *Session) Fragment(index uint32) (state.Fragment, bool) {
	f, ok := s.outstanding[index]
	return f, ok
}

// Acked marks one fragment acknowledged and reports whether the whole
// session is now complete.
func (s *Session) Acked(index uint32) bool {
	delete(s.outstanding, index)
	return len(s.outstanding) == 0
}

func (s *Session) RecordNack(index uint32, hop state.NodeId) int {
	key := state.Pair[uint32, state.NodeId]{V1: index, V2: hop}
	s.nacks[key]++
	return s.nacks[key]
}

// ClearNacks resets the per-hop retry counters for a fragment, called when a
// genuinely new path appears.
func (s *Session) ClearNacks(index uint32) {
	for key := range s.nacks {
		if key.V1 == index {
			delete(s.nacks, key)
		}
	}
}

func (s *Session) RecordDrop(index uint32) int {
	s.drops[index]++
	return s.drops[index]
}

func (s *Session) ClearDrops(index uint32) {
	delete(s.drops, index)
}

// pendingRef points at one fragment parked because its destination had no
// known path when we tried to send it.
type pendingRef struct {
	Session uint64
	Index   uint32
}

// SessionManager tracks outbound sessions and the pending queue of fragments
// waiting for a route to appear.
type SessionManager struct {
	nextId   uint64
	sessions map[uint64]*Session
	pending  map[state.NodeId][]pendingRef
}

func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[uint64]*Session),
		pending:  make(map[state.NodeId][]pendingRef),
	}
}

// NextId returns a fresh node-local session identifier.
func (m *SessionManager) NextId() uint64 {
	id := m.nextId
	m.nextId++
	return id
}

// Open creates a session owning the given fragments, all outstanding.
func (m *SessionManager) Open(id uint64, dest state.NodeId, frags []state.Fragment) *Session {
	s := &Session{
		Id:          id,
		Destination: dest,
		Total:       uint32(len(frags)),
		outstanding: make(map[uint32]state.Fragment, len(frags)),
		nacks:       make(map[state.Pair[uint32, state.NodeId]]int),
		drops:       make(map[uint32]int),
	}
	for _, f := range frags {
		s.outstanding[f.Index] = f
	}
	m.sessions[id] = s
	return s
}

func (m *SessionManager) Get(id uint64) (*Session, bool) {
	s, ok := m.sessions[id]
	return s, ok
}

// Close destroys a session, either fully acknowledged or abandoned. Pending
// queue entries referring to it are dropped lazily on replay.
func (m *SessionManager) Close(id uint64) {
	delete(m.sessions, id)
}

// Park queues a fragment for dest until a topology update makes it
// resolvable again.
func (m *SessionManager) Park(dest state.NodeId, session uint64, index uint32) {
	m.pending[dest] = append(m.pending[dest], pendingRef{Session: session, Index: index})
}

// TakePending removes and returns everything queued for dest. Entries that
// still cannot be resolved must be parked again by the caller.
func (m *SessionManager) TakePending(dest state.NodeId) []pendingRef {
	refs := m.pending[dest]
	delete(m.pending, dest)
	return refs
}

// PendingDestinations lists destinations with parked traffic, for replay
// after a topology update.
func (m *SessionManager) PendingDestinations() []state.NodeId {
	out := make([]state.NodeId, 0, len(m.pending))
	for dest := range m.pending {
		out = append(out, dest)
	}
	return out
}

func (m *SessionManager) PendingCount(dest state.NodeId) int {
	return len(m.pending[dest])
}

func (m *SessionManager) OpenSessions() int {
	return len(m.sessions)
}
