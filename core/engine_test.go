package core

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/encodeous/skymesh/state"
)

// testNode hosts one engine with a captured link layer. Handlers run directly
// on the test goroutine, the same serialization the node loop provides.
type testNode struct {
	t    *testing.T
	s    *state.State
	e    *Engine
	sent []state.Pair[state.NodeId, *state.Packet]
	evs  chan state.Event

	// failTo makes Send error for a neighbor: a positive count fails that
	// many attempts, -1 fails all of them.
	failTo map[state.NodeId]int

	dispatch chan func(*state.State) error
}

func testCentral() state.CentralCfg {
	return state.CentralCfg{
		Nodes: []state.NodeCfg{
			{Id: "c1", Role: state.RoleClient},
			{Id: "c2", Role: state.RoleClient},
			{Id: "d1", Role: state.RoleDrone},
			{Id: "d2", Role: state.RoleDrone},
			{Id: "s1", Role: state.RoleCommunication},
			{Id: "s2", Role: state.RoleContent},
		},
	}
}

func newTestNode(t *testing.T, id state.NodeId) *testNode {
	ctx, cancel := context.WithCancelCause(context.Background())
	t.Cleanup(func() { cancel(context.Canceled) })

	n := &testNode{
		t:        t,
		evs:      make(chan state.Event, 64),
		dispatch: make(chan func(*state.State) error, state.DispatchBuffer),
	}

	local := state.LocalCfg{Id: id}
	local.ApplyDefaults()

	n.s = &state.State{
		Modules: make(map[string]state.SkyModule),
		Env: &state.Env{
			DispatchChannel: n.dispatch,
			CentralCfg:      testCentral(),
			LocalCfg:        local,
			Context:         ctx,
			Cancel:          cancel,
			Log:             slog.New(slog.DiscardHandler),
			Events:          n.evs,
			Send: func(to state.NodeId, data []byte) error {
				if n.failTo[to] != 0 {
					if n.failTo[to] > 0 {
						n.failTo[to]--
					}
					return fmt.Errorf("no link from %s to %s", id, to)
				}
				pkt, err := state.DecodePacket(data)
				require.NoError(t, err)
				n.sent = append(n.sent, state.Pair[state.NodeId, *state.Packet]{V1: to, V2: pkt})
				return nil
			},
		},
	}

	n.e = &Engine{}
	n.s.Modules["*core.Engine"] = n.e
	require.NoError(t, n.e.Init(n.s))
	t.Cleanup(func() { _ = n.e.Cleanup(n.s) })
	return n
}

// drain runs everything queued on the dispatch channel.
func (n *testNode) drain() {
	for {
		select {
		case fun := <-n.dispatch:
			require.NoError(n.t, fun(n.s))
		default:
			return
		}
	}
}

func (n *testNode) receive(pkt *state.Packet) {
	data, err := state.EncodePacket(pkt)
	require.NoError(n.t, err)
	require.NoError(n.t, n.e.HandlePacket(n.s, data))
}

func (n *testNode) takeSent() []state.Pair[state.NodeId, *state.Packet] {
	out := n.sent
	n.sent = nil
	return out
}

// events drains and returns everything emitted so far, dropping the
// PacketReceived noise unless asked for.
func (n *testNode) events(includeReceives bool) []state.Event {
	var out []state.Event
	for {
		select {
		case ev := <-n.evs:
			if _, isRecv := ev.(state.PacketReceived); isRecv && !includeReceives {
				continue
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

// learnPath seeds the node's topology as if a discovery round had returned
// the given trace.
func (n *testNode) learnPath(hops ...state.FloodHop) {
	n.s.Topology.MergeTrace(hops)
	n.e.onTopologyUpdate(n.s)
	n.takeSent()
	n.events(true)
}

func clientServerPath() []state.FloodHop {
	return []state.FloodHop{
		{Id: "c1", Kind: state.KindClient},
		{Id: "d1", Kind: state.KindDrone},
		{Id: "s1", Kind: state.KindServer},
	}
}

func TestPhaseTransitions(t *testing.T) {
	n := newTestNode(t, "c1")
	assert.Equal(t, state.PhaseIdle, n.s.Phase)

	n.drain() // runs the initial discovery attempt
	assert.Equal(t, state.PhaseAwaitingTopology, n.s.Phase)

	require.NoError(t, n.e.HandleCommand(n.s, state.AddEdge{A: "c1", B: "d1"}))
	assert.Equal(t, state.PhaseReady, n.s.Phase)
}

func TestFragmentAckedAndAssembled(t *testing.T) {
	n := newTestNode(t, "s1")
	payload := []byte("hello across the mesh")
	frags := SplitMessage(payload, 8)

	for i, f := range frags {
		n.receive(&state.Packet{
			Session: 4,
			Header:  state.Header{Hops: []state.NodeId{"c1", "d1", "s1"}, HopIndex: 2},
			Frag:    &f,
		})

		sent := n.takeSent()
		require.Len(t, sent, 1, "every fragment is acked")
		assert.Equal(t, state.NodeId("d1"), sent[0].V1)
		ack := sent[0].V2
		require.NotNil(t, ack.Ack)
		assert.Equal(t, uint32(i), ack.Ack.Index)
		assert.Equal(t, []state.NodeId{"s1", "d1", "c1"}, ack.Header.Hops)
		assert.Equal(t, uint32(1), ack.Header.HopIndex)
	}

	evs := n.events(false)
	require.Len(t, evs, 1)
	asm, ok := evs[0].(state.MessageAssembled)
	require.True(t, ok)
	assert.Equal(t, payload, asm.Data)
	assert.Equal(t, state.NodeId("c1"), asm.From)
	assert.Equal(t, uint64(4), asm.Session)
}

func TestMisforwardedFragmentBounced(t *testing.T) {
	n := newTestNode(t, "s1")
	n.receive(&state.Packet{
		Session: 1,
		Header:  state.Header{Hops: []state.NodeId{"c1", "d1", "s2"}, HopIndex: 2},
		Frag:    &state.Fragment{Index: 0, Total: 1, Data: []byte("x")},
	})

	sent := n.takeSent()
	require.Len(t, sent, 1)
	nack := sent[0].V2
	require.NotNil(t, nack.Nack)
	assert.Equal(t, state.NackUnexpectedRecipient, nack.Nack.Kind)
	assert.Equal(t, state.NodeId("s1"), nack.Nack.FaultingHop)
	assert.Equal(t, state.NodeId("d1"), sent[0].V1)
	assert.Empty(t, n.events(false), "nothing is assembled from a mis-forwarded fragment")
}

func TestSendMessageBeforeReadyParks(t *testing.T) {
	n := newTestNode(t, "c1")
	n.drain()

	require.NoError(t, n.e.HandleCommand(n.s, state.SendMessage{
		Destination: "s1",
		Data:        make([]byte, 300),
	}))
	assert.Empty(t, n.takeSent(), "nothing goes on the wire before Ready")
	assert.Equal(t, 3, n.e.sessions.PendingCount("s1"))

	// a discovery response supplies the missing path and drains the queue
	n.receive(&state.Packet{
		Session: 9,
		Header:  state.Header{Hops: []state.NodeId{"d1", "c1"}, HopIndex: 1},
		Resp:    &state.FloodResponse{FloodId: 0, Trace: clientServerPath()},
	})

	sent := n.takeSent()
	require.Len(t, sent, 3, "all parked fragments replay once a path appears")
	for _, p := range sent {
		assert.Equal(t, state.NodeId("d1"), p.V1)
		require.NotNil(t, p.V2.Frag)
		assert.Equal(t, []state.NodeId{"c1", "d1", "s1"}, p.V2.Header.Hops)
		assert.Equal(t, uint32(1), p.V2.Header.HopIndex)
	}
	assert.Equal(t, 0, n.e.sessions.PendingCount("s1"))
}

func TestAckCompletesSession(t *testing.T) {
	n := newTestNode(t, "c1")
	n.drain()
	n.learnPath(clientServerPath()...)

	require.NoError(t, n.e.HandleCommand(n.s, state.SendMessage{Destination: "s1", Data: []byte("hi")}))
	sent := n.takeSent()
	require.Len(t, sent, 1)
	session := sent[0].V2.Session

	ack := &state.Packet{
		Session: session,
		Header:  state.Header{Hops: []state.NodeId{"s1", "d1", "c1"}, HopIndex: 2},
		Ack:     &state.Ack{Index: 0},
	}
	n.receive(ack)

	evs := n.events(false)
	require.Len(t, evs, 1)
	delivered, ok := evs[0].(state.MessageDelivered)
	require.True(t, ok)
	assert.Equal(t, session, delivered.Session)
	assert.Equal(t, state.NodeId("s1"), delivered.Destination)
	assert.Equal(t, 0, n.e.sessions.OpenSessions())

	// the ack's return path counts as a successful traversal
	assert.Equal(t, uint64(1), n.s.Topology.Stats("d1").Traveled)

	// duplicate ack for a closed session is a protocol error, not a crash
	n.receive(ack)
	assert.Empty(t, n.events(false))
}

func TestNackRetryBoundEscalates(t *testing.T) {
	n := newTestNode(t, "c1")
	n.drain()
	n.learnPath(clientServerPath()...)

	require.NoError(t, n.e.HandleCommand(n.s, state.SendMessage{Destination: "s1", Data: []byte("hi")}))
	require.Len(t, n.takeSent(), 1)

	nack := &state.Packet{
		Session: 0,
		Header:  state.Header{Hops: []state.NodeId{"d1", "c1"}, HopIndex: 1},
		Nack:    &state.Nack{Index: 0, Kind: state.NackUnknownNextHop, FaultingHop: "d1"},
	}

	// within the bound every nack triggers a fresh resolve and resend
	for i := 0; i < n.s.RetryBound; i++ {
		n.receive(nack)
		resent := n.takeSent()
		require.Len(t, resent, 1, "nack %d should resend", i)
		require.NotNil(t, resent[0].V2.Frag)
	}
	assert.Empty(t, n.events(false))

	// one past the bound gives up
	n.receive(nack)
	assert.Empty(t, n.takeSent())
	evs := n.events(false)
	require.Len(t, evs, 1)
	failed, ok := evs[0].(state.DeliveryFailed)
	require.True(t, ok)
	assert.Equal(t, state.NodeId("s1"), failed.Destination)
	assert.Equal(t, 0, n.e.sessions.OpenSessions(), "the failed session is abandoned")
}

func TestSimulatedDropRetriesSamePathOnce(t *testing.T) {
	n := newTestNode(t, "c1")
	n.drain()
	n.learnPath(clientServerPath()...)

	require.NoError(t, n.e.HandleCommand(n.s, state.SendMessage{Destination: "s1", Data: []byte("hi")}))
	require.Len(t, n.takeSent(), 1)

	drop := &state.Packet{
		Session: 0,
		Header:  state.Header{Hops: []state.NodeId{"d1", "c1"}, HopIndex: 1},
		Nack:    &state.Nack{Index: 0, Kind: state.NackSimulatedDrop, FaultingHop: "d1"},
	}

	n.receive(drop)
	resent := n.takeSent()
	require.Len(t, resent, 1, "first drop retries the same path")
	assert.Equal(t, []state.NodeId{"c1", "d1", "s1"}, resent[0].V2.Header.Hops)
	assert.Equal(t, uint64(1), n.s.Topology.Stats("d1").Dropped)

	n.receive(drop)
	resent = n.takeSent()
	require.Len(t, resent, 1, "second drop re-resolves and resends")
	assert.Equal(t, uint64(2), n.s.Topology.Stats("d1").Dropped)
}

func TestFirstHopSendFailureRetries(t *testing.T) {
	n := newTestNode(t, "c1")
	n.drain()
	n.learnPath(clientServerPath()...)
	n.failTo = map[state.NodeId]int{"d1": 1}

	require.NoError(t, n.e.HandleCommand(n.s, state.SendMessage{Destination: "s1", Data: []byte("hi")}))

	sent := n.takeSent()
	require.Len(t, sent, 1, "a transient link failure is retried immediately")
	require.NotNil(t, sent[0].V2.Frag)
	assert.Equal(t, []state.NodeId{"c1", "d1", "s1"}, sent[0].V2.Header.Hops)
	assert.Empty(t, n.events(false))
	assert.Equal(t, 1, n.e.sessions.OpenSessions(), "the session stays open awaiting the ack")
}

func TestFirstHopSendFailureEscalates(t *testing.T) {
	n := newTestNode(t, "c1")
	n.drain()
	n.learnPath(clientServerPath()...)
	n.failTo = map[state.NodeId]int{"d1": -1}

	require.NoError(t, n.e.HandleCommand(n.s, state.SendMessage{Destination: "s1", Data: make([]byte, 200)}))

	assert.Empty(t, n.takeSent())
	evs := n.events(false)
	require.Len(t, evs, 1, "a permanently detached first hop fails the session exactly once")
	failed, ok := evs[0].(state.DeliveryFailed)
	require.True(t, ok)
	assert.Equal(t, state.NodeId("s1"), failed.Destination)
	assert.Equal(t, 0, n.e.sessions.OpenSessions())
	assert.Equal(t, 0, n.e.sessions.PendingCount("s1"))
}

func TestSimulatedDropCreditsForwardingDrones(t *testing.T) {
	n := newTestNode(t, "c1")
	n.drain()
	n.learnPath(
		state.FloodHop{Id: "c1", Kind: state.KindClient},
		state.FloodHop{Id: "d1", Kind: state.KindDrone},
		state.FloodHop{Id: "d2", Kind: state.KindDrone},
		state.FloodHop{Id: "s1", Kind: state.KindServer},
	)

	require.NoError(t, n.e.HandleCommand(n.s, state.SendMessage{Destination: "s1", Data: []byte("hi")}))
	require.Len(t, n.takeSent(), 1)

	// d2 dropped the fragment after d1 carried it faithfully
	n.receive(&state.Packet{
		Session: 0,
		Header:  state.Header{Hops: []state.NodeId{"d2", "d1", "c1"}, HopIndex: 1},
		Nack:    &state.Nack{Index: 0, Kind: state.NackSimulatedDrop, FaultingHop: "d2"},
	})

	assert.Equal(t, uint64(1), n.s.Topology.Stats("d1").Traveled)
	assert.Equal(t, uint64(0), n.s.Topology.Stats("d1").Dropped)
	assert.Equal(t, uint64(1), n.s.Topology.Stats("d2").Traveled)
	assert.Equal(t, uint64(1), n.s.Topology.Stats("d2").Dropped)
	require.Len(t, n.takeSent(), 1, "first drop retries the same path")
}

func TestNackForUnknownSessionDiscarded(t *testing.T) {
	n := newTestNode(t, "c1")
	n.drain()

	n.receive(&state.Packet{
		Session: 99,
		Header:  state.Header{Hops: []state.NodeId{"d1", "c1"}, HopIndex: 1},
		Nack:    &state.Nack{Index: 0, Kind: state.NackUnknownNextHop, FaultingHop: "d1"},
	})
	assert.Empty(t, n.takeSent())
	assert.Empty(t, n.events(false))
}

func TestMalformedPacketDiscarded(t *testing.T) {
	n := newTestNode(t, "c1")
	n.drain()

	require.NoError(t, n.e.HandlePacket(n.s, []byte{0xde, 0xad, 0xbe, 0xef}))
	assert.Empty(t, n.takeSent())
}

func TestRemoveEdgeInvalidatesPaths(t *testing.T) {
	n := newTestNode(t, "c1")
	n.drain()
	n.learnPath(clientServerPath()...)
	n.learnPath(
		state.FloodHop{Id: "c1", Kind: state.KindClient},
		state.FloodHop{Id: "d2", Kind: state.KindDrone},
		state.FloodHop{Id: "s1", Kind: state.KindServer},
	)

	path, err := n.e.resolver.Resolve(n.s.Topology, "s1")
	require.NoError(t, err)
	require.Equal(t, []state.NodeId{"c1", "d1", "s1"}, path)

	require.NoError(t, n.e.HandleCommand(n.s, state.RemoveEdge{A: "d1", B: "s1"}))
	fresh, err := n.e.resolver.Resolve(n.s.Topology, "s1")
	require.NoError(t, err)
	assert.Equal(t, []state.NodeId{"c1", "d2", "s1"}, fresh)
}

func TestRemoveNodeCommand(t *testing.T) {
	n := newTestNode(t, "c1")
	n.drain()
	n.learnPath(clientServerPath()...)
	n.learnPath(
		state.FloodHop{Id: "c1", Kind: state.KindClient},
		state.FloodHop{Id: "d2", Kind: state.KindDrone},
		state.FloodHop{Id: "s1", Kind: state.KindServer},
	)

	require.NoError(t, n.e.HandleCommand(n.s, state.RemoveNode{Node: "d1"}))
	assert.False(t, n.s.Topology.HasNode("d1"))

	path, err := n.e.resolver.Resolve(n.s.Topology, "s1")
	require.NoError(t, err)
	assert.Equal(t, []state.NodeId{"c1", "d2", "s1"}, path)
}

func TestShutdownCommand(t *testing.T) {
	n := newTestNode(t, "c1")
	require.NoError(t, n.e.HandleCommand(n.s, state.Shutdown{}))
	assert.Error(t, n.s.Context.Err())
}
