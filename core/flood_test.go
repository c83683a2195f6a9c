package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/encodeous/skymesh/state"
)

func TestStartDiscoveryRequiresNeighbors(t *testing.T) {
	n := newTestNode(t, "c1")
	assert.ErrorIs(t, n.e.flood.StartDiscovery(n.s), ErrNoKnownNeighbors)
	assert.Empty(t, n.takeSent())
}

func TestStartDiscoveryBroadcasts(t *testing.T) {
	n := newTestNode(t, "c1")
	n.s.Topology.AddEdge("c1", "d1")
	n.s.Topology.AddEdge("c1", "d2")

	require.NoError(t, n.e.flood.StartDiscovery(n.s))
	sent := n.takeSent()
	require.Len(t, sent, 2)
	assert.Equal(t, state.NodeId("d1"), sent[0].V1)
	assert.Equal(t, state.NodeId("d2"), sent[1].V1)
	for _, p := range sent {
		req := p.V2.Req
		require.NotNil(t, req)
		assert.Equal(t, state.NodeId("c1"), req.Initiator)
		assert.Equal(t, []state.FloodHop{{Id: "c1", Kind: state.KindClient}}, req.Trace)
	}
}

func TestStartDiscoveryAdvancesFloodId(t *testing.T) {
	n := newTestNode(t, "c1")
	n.s.Topology.AddEdge("c1", "d1")

	require.NoError(t, n.e.flood.StartDiscovery(n.s))
	require.NoError(t, n.e.flood.StartDiscovery(n.s))
	sent := n.takeSent()
	require.Len(t, sent, 2)
	assert.NotEqual(t, sent[0].V2.Req.FloodId, sent[1].V2.Req.FloodId)
}

func TestFloodRequestAnswered(t *testing.T) {
	n := newTestNode(t, "s1")
	n.receive(&state.Packet{
		Session: 5,
		Req: &state.FloodRequest{
			FloodId:   5,
			Initiator: "c1",
			Trace: []state.FloodHop{
				{Id: "c1", Kind: state.KindClient},
				{Id: "d1", Kind: state.KindDrone},
			},
		},
	})

	sent := n.takeSent()
	require.Len(t, sent, 1)
	assert.Equal(t, state.NodeId("d1"), sent[0].V1)
	resp := sent[0].V2
	require.NotNil(t, resp.Resp)
	assert.Equal(t, uint64(5), resp.Resp.FloodId)
	assert.Equal(t, []state.NodeId{"s1", "d1", "c1"}, resp.Header.Hops)
	assert.Equal(t, uint32(1), resp.Header.HopIndex)
	assert.Equal(t, []state.FloodHop{
		{Id: "c1", Kind: state.KindClient},
		{Id: "d1", Kind: state.KindDrone},
		{Id: "s1", Kind: state.KindServer},
	}, resp.Resp.Trace)

	// the request's trace is learned as topology along the way
	assert.True(t, n.s.Topology.HasEdge("c1", "d1"))
	assert.True(t, n.s.Topology.HasEdge("d1", "s1"))
	assert.Equal(t, state.PhaseReady, n.s.Phase)
}

func TestFloodRequestCycleDropped(t *testing.T) {
	n := newTestNode(t, "s1")
	n.receive(&state.Packet{
		Session: 1,
		Req: &state.FloodRequest{
			FloodId:   1,
			Initiator: "c1",
			Trace: []state.FloodHop{
				{Id: "c1", Kind: state.KindClient},
				{Id: "s1", Kind: state.KindServer},
				{Id: "d1", Kind: state.KindDrone},
			},
		},
	})
	assert.Empty(t, n.takeSent())
}

func TestFloodRequestDuplicateDropped(t *testing.T) {
	n := newTestNode(t, "s1")
	req := &state.Packet{
		Session: 2,
		Req: &state.FloodRequest{
			FloodId:   2,
			Initiator: "c1",
			Trace: []state.FloodHop{
				{Id: "c1", Kind: state.KindClient},
				{Id: "d1", Kind: state.KindDrone},
			},
		},
	}
	n.receive(req)
	require.Len(t, n.takeSent(), 1)

	// the same flood arriving over another branch is answered only once
	n.receive(req)
	assert.Empty(t, n.takeSent())
}

func TestFloodResponseForwarded(t *testing.T) {
	n := newTestNode(t, "c2")
	n.receive(&state.Packet{
		Session: 3,
		Header:  state.Header{Hops: []state.NodeId{"s1", "c2", "c1"}, HopIndex: 1},
		Resp: &state.FloodResponse{
			FloodId: 3,
			Trace: []state.FloodHop{
				{Id: "c1", Kind: state.KindClient},
				{Id: "c2", Kind: state.KindClient},
				{Id: "s1", Kind: state.KindServer},
			},
		},
	})

	sent := n.takeSent()
	require.Len(t, sent, 1)
	assert.Equal(t, state.NodeId("c1"), sent[0].V1)
	require.NotNil(t, sent[0].V2.Resp)
	assert.Equal(t, uint32(2), sent[0].V2.Header.HopIndex)

	// forwarding still merges the trace locally
	assert.True(t, n.s.Topology.HasEdge("c2", "s1"))
}

func TestRefloodAfterRepeatedDrops(t *testing.T) {
	n := newTestNode(t, "c1")
	n.drain()
	n.s.Env.LocalCfg.RefloodEvery = 2
	n.learnPath(clientServerPath()...)

	require.NoError(t, n.e.HandleCommand(n.s, state.SendMessage{Destination: "s1", Data: []byte("hi")}))
	require.Len(t, n.takeSent(), 1)

	drop := &state.Packet{
		Session: 0,
		Header:  state.Header{Hops: []state.NodeId{"d1", "c1"}, HopIndex: 1},
		Nack:    &state.Nack{Index: 0, Kind: state.NackSimulatedDrop, FaultingHop: "d1"},
	}

	n.receive(drop)
	sent := n.takeSent()
	require.Len(t, sent, 1, "first drop only retries")
	require.NotNil(t, sent[0].V2.Frag)

	n.receive(drop)
	sent = n.takeSent()
	require.Len(t, sent, 2, "second drop triggers a reflood alongside the resend")
	var reqs, frags int
	for _, p := range sent {
		switch {
		case p.V2.Req != nil:
			reqs++
		case p.V2.Frag != nil:
			frags++
		}
	}
	assert.Equal(t, 1, reqs)
	assert.Equal(t, 1, frags)
}
