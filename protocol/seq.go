// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package protocol

import "math/rand"

// Packet, ACK, and message sequence numbers are all 31-bit modular
// integers. Bit 31 is reserved by the NAK loss-list wire encoding (it
// flags the start of a range whose end is exclusive) and must never be set in a
// sequence value itself; SeqMask keeps every value in range.
const (
	SeqBits    = 31
	SeqMask    = uint32(1)<<SeqBits - 1 // 0x7FFFFFFF
	seqModulus = int64(1) << SeqBits
	seqHalf    = seqModulus / 2
)

// Mask drops bit 31, which callers must never interpret as part of a
// sequence value (it is the NAK range marker on the wire).
func Mask(seq uint32) uint32 {
	return seq & SeqMask
}

// SeqOffset returns the signed forward modular distance walking from a to
// b: positive when b is ahead of a, negative when b is behind, 0 when
// equal. All packet-sequence arithmetic elsewhere must route through this
// function or Generator's methods; direct "& 0x7FFFFFFF" math at call
// sites is forbidden.
func SeqOffset(a, b uint32) int32 {
	d := (int64(Mask(b)) - int64(Mask(a))) % seqModulus
	if d < 0 {
		d += seqModulus
	}
	if d > seqHalf {
		d -= seqModulus
	}
	return int32(d)
}

// Compare returns -1, 0, or +1 according to the forward distance from b to
// a. At exactly half the sequence space the sign is not well-defined (both
// orderings report the same distance); Compare(a,b) and Compare(b,a) are
// not required to be opposite in that case.
func Compare(a, b uint32) int {
	off := SeqOffset(b, a)
	switch {
	case off > 0:
		return 1
	case off < 0:
		return -1
	default:
		return 0
	}
}

// Inc wraps seq forward by one.
func Inc(seq uint32) uint32 {
	return Mask(seq + 1)
}

// Dec wraps seq backward by one.
func Dec(seq uint32) uint32 {
	return Mask(seq + uint32(SeqMask))
}

// Generator produces the monotonically-advancing sequence used for packet,
// ACK, and message numbers. A session owns three independent instances.
type Generator struct {
	cur uint32
}

// NewGenerator seeds a generator with a random starting value, as required
// for packet sequence numbers exchanged during the handshake.
func NewGenerator() *Generator {
	return &Generator{cur: Mask(rand.Uint32())}
}

// NewGeneratorAt seeds a generator at a specific value, used when the
// session must resume from a peer-exchanged initial sequence number.
func NewGeneratorAt(seq uint32) *Generator {
	return &Generator{cur: Mask(seq)}
}

// Current returns the next value to be produced, without consuming it.
func (g *Generator) Current() uint32 {
	return g.cur
}

// Next returns the current value and advances the generator.
func (g *Generator) Next() uint32 {
	v := g.cur
	g.cur = Inc(g.cur)
	return v
}
