package state

import (
	"fmt"
	"slices"
)

type NodeId string

// NodeKind is the wire-level role tag carried in flood traces.
type NodeKind uint32

const (
	KindDrone NodeKind = iota
	KindClient
	KindServer
)

func (k NodeKind) String() string {
	switch k {
	case KindDrone:
		return "drone"
	case KindClient:
		return "client"
	case KindServer:
		return "server"
	}
	return fmt.Sprintf("kind(%d)", uint32(k))
}

type NackKind uint32

const (
	NackUnknownNextHop NackKind = iota
	NackDestinationUnreachable
	NackSimulatedDrop
	NackUnexpectedRecipient
)

func (k NackKind) String() string {
	switch k {
	case NackUnknownNextHop:
		return "unknown-next-hop"
	case NackDestinationUnreachable:
		return "destination-unreachable"
	case NackSimulatedDrop:
		return "simulated-drop"
	case NackUnexpectedRecipient:
		return "unexpected-recipient"
	}
	return fmt.Sprintf("nack(%d)", uint32(k))
}

// Header is the source-routed hop list a packet must traverse.
// HopIndex points at the node currently holding the packet.
type Header struct {
	Hops     []NodeId
	HopIndex uint32
}

// NextHop returns the node the packet should be forwarded to next.
func (h *Header) NextHop() (NodeId, bool) {
	next := int(h.HopIndex) + 1
	if next >= len(h.Hops) {
		return "", false
	}
	return h.Hops[next], true
}

func (h *Header) Destination() NodeId {
	if len(h.Hops) == 0 {
		return ""
	}
	return h.Hops[len(h.Hops)-1]
}

func (h *Header) Source() NodeId {
	if len(h.Hops) == 0 {
		return ""
	}
	return h.Hops[0]
}

// Reversed builds the return header for acks and flood responses, starting
// one hop past the current holder.
func (h *Header) Reversed() Header {
	rev := slices.Clone(h.Hops)
	slices.Reverse(rev)
	return Header{Hops: rev, HopIndex: 1}
}

type Fragment struct {
	Index uint32
	Total uint32
	Data  []byte
}

type Ack struct {
	Index uint32
}

type Nack struct {
	Index       uint32
	Kind        NackKind
	FaultingHop NodeId
}

// FloodHop is one entry of a flood trace, pairing a node with its kind so
// receivers can tag their topology view.
type FloodHop struct {
	Id   NodeId
	Kind NodeKind
}

type FloodRequest struct {
	FloodId   uint64
	Initiator NodeId
	Trace     []FloodHop
}

type FloodResponse struct {
	FloodId uint64
	Trace   []FloodHop
}

// Packet is the wire unit exchanged between nodes. Exactly one payload
// pointer is set, matching Kind.
type Packet struct {
	Session uint64
	Header  Header
	Frag    *Fragment
	Ack     *Ack
	Nack    *Nack
	Req     *FloodRequest
	Resp    *FloodResponse
}

func (p *Packet) Kind() string {
	switch {
	case p.Frag != nil:
		return "fragment"
	case p.Ack != nil:
		return "ack"
	case p.Nack != nil:
		return "nack"
	case p.Req != nil:
		return "flood-request"
	case p.Resp != nil:
		return "flood-response"
	}
	return "empty"
}

// Validate rejects malformed packets before they reach any engine state.
func (p *Packet) Validate() error {
	set := 0
	for _, ok := range []bool{p.Frag != nil, p.Ack != nil, p.Nack != nil, p.Req != nil, p.Resp != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("packet must carry exactly one payload, has %d", set)
	}
	// flood requests travel by broadcast, not by hop list
	if p.Req == nil {
		if len(p.Header.Hops) == 0 {
			return fmt.Errorf("%s packet with empty hop list", p.Kind())
		}
		if int(p.Header.HopIndex) >= len(p.Header.Hops) {
			return fmt.Errorf("hop index %d out of range for %d hops", p.Header.HopIndex, len(p.Header.Hops))
		}
	}
	if p.Frag != nil {
		if p.Frag.Total == 0 || p.Frag.Index >= p.Frag.Total {
			return fmt.Errorf("fragment index %d out of range for total %d", p.Frag.Index, p.Frag.Total)
		}
	}
	return nil
}
