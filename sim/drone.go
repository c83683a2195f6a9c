package sim

import (
	"log/slog"
	"math/rand/v2"
	"slices"

	"github.com/encodeous/skymesh/state"
)

// Drone is a forwarding-only node of the simulated network. It never runs the
// endpoint engine: it extends and re-broadcasts flood requests, forwards
// source-routed packets hop by hop, and injects faults by dropping fragments
// with its configured loss rate.
type Drone struct {
	id       state.NodeId
	lossRate float64
	rng      *rand.Rand
	net      *Network
	inbox    chan []byte
	log      *slog.Logger

	// flood ids already handled; a repeated request is answered instead of
	// re-broadcast
	seen map[state.Pair[state.NodeId, uint64]]struct{}

	sessions uint64
}

func newDrone(id state.NodeId, lossRate float64, seed uint64, net *Network, log *slog.Logger) *Drone {
	return &Drone{
		id:       id,
		lossRate: lossRate,
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		net:      net,
		inbox:    make(chan []byte, state.DispatchBuffer),
		log:      log.With("drone", id),
		seen:     make(map[state.Pair[state.NodeId, uint64]]struct{}),
	}
}

func (d *Drone) run() {
	for {
		select {
		case data := <-d.inbox:
			d.handle(data)
		case <-d.net.ctx.Done():
			return
		}
	}
}

func (d *Drone) handle(data []byte) {
	pkt, err := state.DecodePacket(data)
	if err != nil {
		d.log.Warn("discarding malformed packet", "error", err)
		return
	}
	if pkt.Req != nil {
		d.handleFloodRequest(pkt)
		return
	}
	d.forward(pkt)
}

func (d *Drone) handleFloodRequest(pkt *state.Packet) {
	req := pkt.Req
	if slices.ContainsFunc(req.Trace, func(h state.FloodHop) bool { return h.Id == d.id }) {
		// cycle
		return
	}
	sender := req.Initiator
	if len(req.Trace) > 0 {
		sender = req.Trace[len(req.Trace)-1].Id
	}
	trace := append(slices.Clone(req.Trace), state.FloodHop{Id: d.id, Kind: state.KindDrone})

	key := state.Pair[state.NodeId, uint64]{V1: req.Initiator, V2: req.FloodId}
	_, dup := d.seen[key]
	d.seen[key] = struct{}{}

	var unvisited []state.NodeId
	for _, n := range d.net.neighborsOf(d.id) {
		if n != sender {
			unvisited = append(unvisited, n)
		}
	}

	if !dup && len(unvisited) > 0 {
		fwd := *pkt
		fwd.Req = &state.FloodRequest{FloodId: req.FloodId, Initiator: req.Initiator, Trace: trace}
		data, err := state.EncodePacket(&fwd)
		if err != nil {
			d.log.Error("flood request encode failed", "error", err)
			return
		}
		for _, n := range unvisited {
			d.net.deliver(d.id, n, data)
		}
		return
	}

	// dead end: answer with the trace gathered so far
	hops := make([]state.NodeId, 0, len(trace)+1)
	for i := len(trace) - 1; i >= 0; i-- {
		hops = append(hops, trace[i].Id)
	}
	if hops[len(hops)-1] != req.Initiator {
		hops = append(hops, req.Initiator)
	}
	d.sessions++
	d.send(hops[1], &state.Packet{
		Session: d.sessions,
		Header:  state.Header{Hops: hops, HopIndex: 1},
		Resp:    &state.FloodResponse{FloodId: req.FloodId, Trace: trace},
	})
}

// forward advances a source-routed packet one hop, producing the nack kinds
// of a misbehaving network where the hop list cannot be honored.
func (d *Drone) forward(pkt *state.Packet) {
	hdr := &pkt.Header
	if hdr.Hops[hdr.HopIndex] != d.id {
		d.nackBack(pkt, state.NackUnexpectedRecipient, d.id)
		return
	}
	next, ok := hdr.NextHop()
	if !ok {
		// the hop list terminates at a forwarding-only node
		d.nackBack(pkt, state.NackDestinationUnreachable, d.id)
		return
	}
	if !d.net.linked(d.id, next) {
		d.nackBack(pkt, state.NackUnknownNextHop, next)
		return
	}
	if pkt.Frag != nil && d.rng.Float64() < d.lossRate {
		d.nackBack(pkt, state.NackSimulatedDrop, d.id)
		return
	}
	fwd := *pkt
	fwd.Header.HopIndex++
	d.send(next, &fwd)
}

// nackBack reports a fragment delivery failure to the packet's origin, along
// the reverse of the hops already traversed. Failures of control packets are
// dropped silently; nacking a nack would only multiply traffic.
func (d *Drone) nackBack(pkt *state.Packet, kind state.NackKind, faulting state.NodeId) {
	if pkt.Frag == nil {
		d.log.Debug("dropping unroutable control packet", "kind", pkt.Kind(), "reason", kind)
		return
	}
	hops := slices.Clone(pkt.Header.Hops[:pkt.Header.HopIndex+1])
	slices.Reverse(hops)
	hops[0] = d.id
	if len(hops) < 2 {
		return
	}
	d.send(hops[1], &state.Packet{
		Session: pkt.Session,
		Header:  state.Header{Hops: hops, HopIndex: 1},
		Nack: &state.Nack{
			Index:       pkt.Frag.Index,
			Kind:        kind,
			FaultingHop: faulting,
		},
	})
}

func (d *Drone) send(to state.NodeId, pkt *state.Packet) {
	data, err := state.EncodePacket(pkt)
	if err != nil {
		d.log.Error("packet encode failed", "kind", pkt.Kind(), "error", err)
		return
	}
	if !d.net.deliver(d.id, to, data) {
		d.log.Debug("neighbor not attached", "to", to, "kind", pkt.Kind())
	}
}
