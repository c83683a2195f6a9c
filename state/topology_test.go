package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddRemoveEdge(t *testing.T) {
	topo := NewTopology("a", KindClient)

	assert.True(t, topo.AddEdge("a", "d1"))
	assert.False(t, topo.AddEdge("a", "d1"), "re-adding a known edge must be a no-op")
	assert.False(t, topo.AddEdge("d1", "a"), "edges are undirected")
	assert.False(t, topo.AddEdge("a", "a"), "self loops are rejected")
	assert.True(t, topo.HasEdge("d1", "a"))
	assert.Equal(t, 1, topo.EdgeCount())

	assert.True(t, topo.RemoveEdge("d1", "a"))
	assert.False(t, topo.RemoveEdge("a", "d1"))
	assert.Equal(t, 0, topo.EdgeCount())
	assert.True(t, topo.HasNode("d1"), "removing an edge keeps the node")
}

func TestMergeTraceMonotonic(t *testing.T) {
	topo := NewTopology("c1", KindClient)
	trace := []FloodHop{
		{Id: "c1", Kind: KindClient},
		{Id: "d1", Kind: KindDrone},
		{Id: "d2", Kind: KindDrone},
		{Id: "s1", Kind: KindServer},
	}

	assert.True(t, topo.MergeTrace(trace))
	before := topo.EdgeCount()
	require.Equal(t, 3, before)

	// repeated discovery rounds only ever add information
	assert.False(t, topo.MergeTrace(trace))
	assert.Equal(t, before, topo.EdgeCount())

	assert.True(t, topo.MergeTrace([]FloodHop{
		{Id: "c1", Kind: KindClient},
		{Id: "d3", Kind: KindDrone},
		{Id: "s1", Kind: KindServer},
	}))
	assert.Equal(t, before+2, topo.EdgeCount())

	kind, ok := topo.KindOf("d2")
	require.True(t, ok)
	assert.Equal(t, KindDrone, kind)
	assert.NotNil(t, topo.Stats("d1"), "drones get stats on first sight")
	assert.Nil(t, topo.Stats("s1"))
}

func TestRemoveNode(t *testing.T) {
	topo := NewTopology("a", KindClient)
	topo.MergeTrace([]FloodHop{
		{Id: "a", Kind: KindClient},
		{Id: "d1", Kind: KindDrone},
		{Id: "s1", Kind: KindServer},
	})

	assert.True(t, topo.RemoveNode("d1"))
	assert.False(t, topo.RemoveNode("d1"))
	assert.False(t, topo.HasNode("d1"))
	assert.Equal(t, 0, topo.EdgeCount())
	assert.False(t, topo.RemoveNode("a"), "a node never removes itself")
}

func TestNeighborsSorted(t *testing.T) {
	topo := NewTopology("a", KindClient)
	for _, n := range []NodeId{"d3", "d1", "d2"} {
		topo.AddEdge("a", n)
	}
	assert.Equal(t, []NodeId{"d1", "d2", "d3"}, topo.Neighbors("a"))
	assert.Nil(t, topo.Neighbors("zz"))
}

func TestLossFactor(t *testing.T) {
	st := &DroneStats{}
	assert.Equal(t, 1.0, st.LossFactor(), "no observations means no penalty")

	for i := 0; i < 5; i++ {
		st.ObserveForwarded()
	}
	assert.Equal(t, 1.0, st.LossFactor())

	for i := 0; i < 5; i++ {
		st.ObserveDropped()
	}
	// pdr = 0.5, truncated geometric series just under 2
	assert.InDelta(t, 2.0, st.LossFactor(), 0.01)
	assert.Greater(t, st.LossFactor(), 1.0)

	var nilStats *DroneStats
	assert.Equal(t, 1.0, nilStats.LossFactor())
}

func TestObserveTraversal(t *testing.T) {
	topo := NewTopology("a", KindClient)
	topo.MergeTrace([]FloodHop{
		{Id: "a", Kind: KindClient},
		{Id: "d1", Kind: KindDrone},
		{Id: "d2", Kind: KindDrone},
		{Id: "s1", Kind: KindServer},
	})

	topo.ObserveTraversal([]NodeId{"a", "d1", "d2", "s1"}, "d2")
	assert.Equal(t, uint64(1), topo.Stats("d1").Traveled)
	assert.Equal(t, uint64(0), topo.Stats("d1").Dropped)
	assert.Equal(t, uint64(1), topo.Stats("d2").Dropped)

	topo.ObserveTraversal([]NodeId{"a", "d1", "d2", "s1"}, "")
	assert.Equal(t, uint64(2), topo.Stats("d1").Traveled)
	assert.Equal(t, uint64(2), topo.Stats("d2").Traveled)
}
