package core

import (
	"fmt"
	"slices"

	"github.com/encodeous/skymesh/state"
	"github.com/jellydator/ttlcache/v3"
)

// Engine is the per-node dispatcher: it receives every packet and command on
// the node loop, routes each to the flood coordinator, resolver, assembler or
// session manager, and emits outbound packets and events. It owns independent
// instances of those components; nothing in here is shared across nodes.
type Engine struct {
	policy    Policy
	flood     *FloodCoordinator
	resolver  *Resolver
	assembler *Assembler
	sessions  *SessionManager

	// dropsSinceFlood triggers a fresh discovery round every RefloodEvery
	// simulated drops, keeping loss estimates current
	dropsSinceFlood int
	sweepScheduled  bool
}

func (e *Engine) Init(s *state.State) error {
	s.Log.Debug("init engine")
	node, err := s.CentralCfg.GetNode(s.Id)
	if err != nil {
		return err
	}
	e.policy = PolicyFor(node.Role)
	e.flood = NewFloodCoordinator()
	e.resolver = NewResolver(e.policy.CostAware(),
		ttlcache.WithTTL[state.NodeId, []state.NodeId](s.PathCacheTTL))
	e.assembler = NewAssembler(s.ReassemblyTTL, s.Log)
	e.sessions = NewSessionManager()

	s.Topology = state.NewTopology(s.Id, node.Role.Kind())
	s.Phase = state.PhaseIdle
	s.Dispatch(e.attemptDiscovery)
	return nil
}

func (e *Engine) Cleanup(s *state.State) error {
	e.flood.Stop()
	e.resolver.Stop()
	e.assembler.Stop()
	return nil
}

// attemptDiscovery kicks a flood round, retrying on a timer until the
// orchestrator has attached at least one neighbor to flood through.
func (e *Engine) attemptDiscovery(s *state.State) error {
	if s.Phase == state.PhaseIdle {
		s.Phase = state.PhaseAwaitingTopology
	}
	err := e.flood.StartDiscovery(s)
	if err == ErrNoKnownNeighbors {
		s.ScheduleTask(e.attemptDiscovery, state.DiscoveryRetryDelay)
		return nil
	}
	return err
}

// HandlePacket processes one inbound wire packet to completion. Malformed
// packets and acks or nacks for unknown sessions are protocol errors: logged
// and discarded, never fatal.
func (e *Engine) HandlePacket(s *state.State, data []byte) error {
	pkt, err := state.DecodePacket(data)
	if err != nil {
		s.Log.Warn("discarding malformed packet", "error", err)
		return nil
	}

	from := pkt.Header.Source()
	if pkt.Req != nil {
		from = pkt.Req.Initiator
	}
	s.PushEvent(state.PacketReceived{Session: pkt.Session, Kind: pkt.Kind(), From: from})

	switch {
	case pkt.Frag != nil:
		e.handleFragment(s, pkt)
	case pkt.Ack != nil:
		e.handleAck(s, pkt)
	case pkt.Nack != nil:
		e.handleNack(s, pkt)
	case pkt.Req != nil:
		e.flood.OnFloodRequest(s, pkt.Req)
	case pkt.Resp != nil:
		e.flood.OnFloodResponse(s, pkt)
	}
	return nil
}

func (e *Engine) handleFragment(s *state.State, pkt *state.Packet) {
	self := s.Topology.Self()
	if pkt.Header.Hops[pkt.Header.HopIndex] != self {
		// mis-forwarded; bounce a nack back along the traversed prefix
		traversed := state.Header{Hops: pkt.Header.Hops[:pkt.Header.HopIndex+1]}
		back := traversed.Reversed()
		back.Hops[0] = self
		e.sendAlong(s, &state.Packet{
			Session: pkt.Session,
			Header:  back,
			Nack: &state.Nack{
				Index:       pkt.Frag.Index,
				Kind:        state.NackUnexpectedRecipient,
				FaultingHop: self,
			},
		})
		return
	}

	// ack first, reassemble second: the sender should not resend a
	// fragment we already hold
	e.sendAlong(s, &state.Packet{
		Session: pkt.Session,
		Header:  pkt.Header.Reversed(),
		Ack:     &state.Ack{Index: pkt.Frag.Index},
	})

	from := pkt.Header.Source()
	msg, done, err := e.assembler.Accept(from, pkt.Session, pkt.Frag)
	if err != nil {
		s.Log.Warn("discarding inconsistent fragment", "from", from, "session", pkt.Session, "error", err)
		return
	}
	if !done {
		return
	}
	s.PushEvent(state.MessageAssembled{Session: pkt.Session, From: from, Data: msg})
	e.policy.OnMessage(s, from, pkt.Session, msg)
}

func (e *Engine) handleAck(s *state.State, pkt *state.Packet) {
	sess, ok := e.sessions.Get(pkt.Session)
	if !ok {
		s.Log.Warn("discarding ack for unknown session", "session", pkt.Session)
		return
	}
	if _, outstanding := sess.Fragment(pkt.Ack.Index); !outstanding {
		// duplicate ack
		return
	}
	// every drone on the ack's return path forwarded our fragment
	s.Topology.ObserveTraversal(pkt.Header.Hops, "")
	sess.ClearDrops(pkt.Ack.Index)
	if sess.Acked(pkt.Ack.Index) {
		s.Log.Debug("session delivered", "session", sess.Id, "destination", sess.Destination)
		e.sessions.Close(sess.Id)
		s.PushEvent(state.MessageDelivered{Session: sess.Id, Destination: sess.Destination})
	}
}

func (e *Engine) handleNack(s *state.State, pkt *state.Packet) {
	nack := pkt.Nack
	sess, ok := e.sessions.Get(pkt.Session)
	if !ok {
		s.Log.Warn("discarding nack for unknown session", "session", pkt.Session, "kind", nack.Kind)
		return
	}
	if _, outstanding := sess.Fragment(nack.Index); !outstanding {
		// stale nack for an already acknowledged fragment
		return
	}
	s.Log.Debug("nack received", "session", sess.Id, "fragment", nack.Index,
		"kind", nack.Kind, "hop", nack.FaultingHop)

	if nack.Kind == state.NackSimulatedDrop {
		// the nack retraced the fragment's path: every drone before the
		// faulting one forwarded successfully and earns credit
		traversed := slices.Clone(pkt.Header.Hops)
		slices.Reverse(traversed)
		s.Topology.ObserveTraversal(traversed, nack.FaultingHop)
		e.dropsSinceFlood++
		if e.dropsSinceFlood >= s.RefloodEvery {
			e.dropsSinceFlood = 0
			e.resolver.Flush()
			if err := e.flood.StartDiscovery(s); err != nil {
				s.Log.Debug("reflood skipped", "error", err)
			}
		}
		// retry the same path once before giving up on it
		if sess.RecordDrop(nack.Index) <= 1 {
			e.sendFragment(s, sess, nack.Index)
			return
		}
		sess.ClearDrops(nack.Index)
	}

	e.resolver.Invalidate(sess.Destination, nack.FaultingHop)

	if sess.RecordNack(nack.Index, nack.FaultingHop) > s.RetryBound {
		e.abandonSession(s, sess, nack.FaultingHop, nack.Kind)
		return
	}
	e.sendFragment(s, sess, nack.Index)
}

// HandleCommand processes one orchestration command to completion.
func (e *Engine) HandleCommand(s *state.State, cmd state.Command) error {
	switch c := cmd.(type) {
	case state.AddEdge:
		if s.Topology.AddEdge(c.A, c.B) {
			s.Log.Debug("edge added", "a", c.A, "b", c.B)
			e.onTopologyUpdate(s)
		}
	case state.RemoveEdge:
		if s.Topology.RemoveEdge(c.A, c.B) {
			s.Log.Debug("edge removed", "a", c.A, "b", c.B)
			e.resolver.InvalidateEdge(c.A, c.B)
		}
	case state.RemoveNode:
		if s.Topology.RemoveNode(c.Node) {
			s.Log.Debug("node removed", "node", c.Node)
			e.resolver.InvalidateThrough(c.Node)
		}
	case state.SendMessage:
		e.sendMessage(s, c.Destination, c.Data)
	case state.Shutdown:
		s.Cancel(fmt.Errorf("shutdown command"))
	default:
		s.Log.Warn("discarding unknown command", "command", fmt.Sprintf("%T", cmd))
	}
	return nil
}

// sendMessage splits a message into fragments under a fresh session and
// attempts to dispatch each one. Fragments without a usable path, and all
// sends before the node is Ready, land in the pending queue.
func (e *Engine) sendMessage(s *state.State, dest state.NodeId, data []byte) {
	frags := SplitMessage(data, s.FragmentSize)
	id := e.sessions.NextId()
	sess := e.sessions.Open(id, dest, frags)
	s.Log.Debug("session opened", "session", id, "destination", dest, "fragments", len(frags))

	if s.Phase != state.PhaseReady {
		for _, f := range frags {
			e.sessions.Park(dest, id, f.Index)
		}
		e.schedulePendingSweep(s)
		return
	}
	for _, f := range frags {
		e.sendFragment(s, sess, f.Index)
	}
}

// sendFragment resolves a path and puts one fragment on the wire. Fragments
// without a usable path are parked. A first hop that refuses the packet gets
// the same treatment as an UnknownNextHop nack: the link layer only errors
// when the neighbor is not attached, so the fragment is retried under the
// usual bound instead of being dropped on the floor.
func (e *Engine) sendFragment(s *state.State, sess *Session, index uint32) {
	for {
		if _, open := e.sessions.Get(sess.Id); !open {
			// abandoned while an earlier fragment escalated
			return
		}
		frag, ok := sess.Fragment(index)
		if !ok {
			return
		}
		path, err := e.resolver.Resolve(s.Topology, sess.Destination)
		if err != nil {
			s.Log.Debug("no path, parking fragment", "session", sess.Id, "fragment", index, "destination", sess.Destination)
			e.sessions.Park(sess.Destination, sess.Id, index)
			e.schedulePendingSweep(s)
			return
		}
		if e.sendAlong(s, &state.Packet{
			Session: sess.Id,
			Header:  state.Header{Hops: path, HopIndex: 1},
			Frag:    &frag,
		}) {
			return
		}
		next := path[1]
		e.resolver.Invalidate(sess.Destination, next)
		if sess.RecordNack(index, next) > s.RetryBound {
			e.abandonSession(s, sess, next, state.NackUnknownNextHop)
			return
		}
	}
}

// onTopologyUpdate runs after any growth of the topology store: it promotes
// the node to Ready once the first edge is known and replays parked traffic
// whose destination became resolvable.
func (e *Engine) onTopologyUpdate(s *state.State) {
	if s.Phase != state.PhaseReady && s.Topology.EdgeCount() > 0 {
		s.Phase = state.PhaseReady
		s.Log.Info("node ready", "edges", s.Topology.EdgeCount())
	}
	for _, dest := range e.sessions.PendingDestinations() {
		if _, err := e.resolver.Resolve(s.Topology, dest); err != nil {
			continue
		}
		refs := e.sessions.TakePending(dest)
		s.Log.Debug("replaying pending fragments", "destination", dest, "count", len(refs))
		for _, ref := range refs {
			sess, ok := e.sessions.Get(ref.Session)
			if !ok {
				// session abandoned while parked
				continue
			}
			sess.ClearNacks(ref.Index)
			e.sendFragment(s, sess, ref.Index)
		}
	}
}

// schedulePendingSweep arms a deferred discovery round so parked traffic does
// not wait forever on a flood that already finished. At most one sweep is in
// flight at a time.
func (e *Engine) schedulePendingSweep(s *state.State) {
	if e.sweepScheduled {
		return
	}
	e.sweepScheduled = true
	s.ScheduleTask(e.pendingSweep, state.DiscoveryRetryDelay)
}

func (e *Engine) pendingSweep(s *state.State) error {
	e.sweepScheduled = false
	if len(e.sessions.PendingDestinations()) == 0 {
		return nil
	}
	// before Ready the initial discovery loop is still retrying on its own
	if s.Phase == state.PhaseReady {
		if err := e.flood.StartDiscovery(s); err != nil {
			s.Log.Debug("pending sweep could not flood", "error", err)
		}
	}
	e.schedulePendingSweep(s)
	return nil
}

// abandonSession gives up on an outbound session whose retry bound is
// exhausted and surfaces the failure upward.
func (e *Engine) abandonSession(s *state.State, sess *Session, hop state.NodeId, kind state.NackKind) {
	reason := fmt.Sprintf("retry bound exhausted at hop %s (%s)", hop, kind)
	s.Log.Warn("delivery failed", "session", sess.Id, "destination", sess.Destination, "reason", reason)
	e.sessions.Close(sess.Id)
	s.PushEvent(state.DeliveryFailed{Session: sess.Id, Destination: sess.Destination, Reason: reason})
}

// sendAlong transmits a source-routed packet to its next hop, assuming the
// header cursor already points past self. Returns false if the packet never
// made it onto a link.
func (e *Engine) sendAlong(s *state.State, pkt *state.Packet) bool {
	if int(pkt.Header.HopIndex) >= len(pkt.Header.Hops) {
		s.Log.Warn("dropping packet with exhausted hop list", "kind", pkt.Kind())
		return false
	}
	return e.transmit(s, pkt.Header.Hops[pkt.Header.HopIndex], pkt)
}

// transmit encodes a packet and hands it to the link layer.
func (e *Engine) transmit(s *state.State, to state.NodeId, pkt *state.Packet) bool {
	data, err := state.EncodePacket(pkt)
	if err != nil {
		s.Log.Error("packet encode failed", "kind", pkt.Kind(), "error", err)
		return false
	}
	if err := s.Send(to, data); err != nil {
		s.Log.Warn("link send failed", "to", to, "kind", pkt.Kind(), "error", err)
		return false
	}
	return true
}
