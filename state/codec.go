package state

import (
	"fmt"

	"go.dedis.ch/protobuf"
)

// EncodePacket serializes a packet for the link layer.
func EncodePacket(p *Packet) ([]byte, error) {
	buf, err := protobuf.Encode(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s packet: %w", p.Kind(), err)
	}
	return buf, nil
}

// DecodePacket parses a wire packet and validates its shape. Anything that
// fails here is a protocol error and must be dropped by the caller, not acted
// upon.
func DecodePacket(buf []byte) (*Packet, error) {
	var p Packet
	if err := protobuf.Decode(buf, &p); err != nil {
		return nil, fmt.Errorf("decode packet: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
