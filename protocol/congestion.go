// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package protocol

import (
	"math/rand"
	"sync"
	"time"
)

// CongestionControl is the capability set a session's rate controller
// must satisfy (event sinks for send/receive/ACK/NAK/timeout/close, plus
// the sending-period and window readers the sender paces against). Any
// implementor may be swapped in; NativeCongestionControl implements the
// rate-based control UDT is known for: a slow start that behaves like TCP
// until the first loss, followed by an AIMD phase whose increase step is
// scaled by the estimated link capacity so the flow converges quickly on
// fast paths without the collapse a pure multiplicative decrease would
// cause on loss unrelated to congestion.
type CongestionControl interface {
	Init(initSeq uint32, maxWindowFlowSize uint32)
	OnPacketSent(seq uint32)
	OnPacketReceived(seq uint32)
	OnAck(ack *AckPayload, rtt time.Duration)
	OnLoss(nack *NAckPayload)
	OnTimeout()
	OnClose()
	UpdateLastSendSeqNum(seq uint32)
	SendingPeriod() time.Duration
	WindowFlowSize() uint32
}

const (
	synPeriod            = 10 * time.Millisecond
	slowStartInitialCwnd = 16
	minSendingPeriod     = 1 * time.Microsecond
)

// NativeCongestionControl is the module's built-in CongestionControl,
// enabled whenever a session isn't configured with an override.
type NativeCongestionControl struct {
	mu sync.Mutex

	maxWindowFlowSize uint32
	windowFlowSize    uint32

	slowStart bool

	sendingPeriod time.Duration

	lastAckSeq       uint32
	haveLastAck      bool
	lastSendSeq      uint32
	lastDecreaseSeq  uint32
	haveLastDecrease bool

	packetSize int
}

// NewNativeCongestionControl returns a congestion controller in its
// initial slow-start phase.
func NewNativeCongestionControl(packetSize int) *NativeCongestionControl {
	if packetSize <= 0 {
		packetSize = defaultPacketSize
	}
	return &NativeCongestionControl{
		slowStart:      true,
		windowFlowSize: slowStartInitialCwnd,
		packetSize:     packetSize,
	}
}

func (cc *NativeCongestionControl) Init(initSeq uint32, maxWindowFlowSize uint32) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.maxWindowFlowSize = maxWindowFlowSize
	cc.lastAckSeq = Mask(initSeq)
	cc.haveLastAck = true
	cc.lastSendSeq = Mask(initSeq)
}

func (cc *NativeCongestionControl) UpdateLastSendSeqNum(seq uint32) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.lastSendSeq = Mask(seq)
}

func (cc *NativeCongestionControl) OnPacketSent(uint32) {}

func (cc *NativeCongestionControl) OnPacketReceived(uint32) {}

// OnAck advances the congestion window: during slow start, one additional
// packet's worth of window per ACK'd packet, capped at the peer's
// advertised max; afterward, a smaller additive increase scaled by the
// bandwidth-delay product implied by the reported link capacity and RTT.
func (cc *NativeCongestionControl) OnAck(ack *AckPayload, rtt time.Duration) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	// an ACK arriving before Init seeds the baseline here, so the offset
	// below is zero rather than garbage
	if !cc.haveLastAck {
		cc.haveLastAck = true
		cc.lastAckSeq = ack.AckNumber
	}
	acked := SeqOffset(cc.lastAckSeq, ack.AckNumber)
	if acked < 0 {
		acked = 0
	}
	cc.lastAckSeq = ack.AckNumber

	if cc.slowStart {
		cc.windowFlowSize += uint32(acked)
		if cc.maxWindowFlowSize > 0 && cc.windowFlowSize > cc.maxWindowFlowSize {
			cc.windowFlowSize = cc.maxWindowFlowSize
			cc.slowStart = false
		}
	} else {
		inc := uint32(1)
		if ack.Full && ack.EstimatedLinkCapacity > 0 && rtt > 0 {
			bdp := float64(ack.EstimatedLinkCapacity) * rtt.Seconds()
			if bdp > float64(cc.windowFlowSize) {
				inc = uint32(bdp-float64(cc.windowFlowSize)) + 1
			}
		}
		cc.windowFlowSize += inc
		if cc.maxWindowFlowSize > 0 && cc.windowFlowSize > cc.maxWindowFlowSize {
			cc.windowFlowSize = cc.maxWindowFlowSize
		}
	}

	if ack.Full && rtt > 0 {
		cc.recomputeSendingPeriodLocked(ack, rtt)
	}
}

// OnLoss reacts to a NAK by leaving slow start (if still in it) and halving
// the window, gated so that a burst of NAKs describing the same loss event
// triggers at most one decrease, the way UDT's last_decrease_seq_num gate
// does: it only decreases again for a NAK whose newest range starts beyond
// the last sequence number that had been sent when the previous decrease
// happened.
func (cc *NativeCongestionControl) OnLoss(nack *NAckPayload) {
	if len(nack.Ranges) == 0 {
		return
	}
	cc.mu.Lock()
	defer cc.mu.Unlock()

	cc.slowStart = false

	newest := nack.Ranges[len(nack.Ranges)-1].Start
	if cc.haveLastDecrease && SeqOffset(cc.lastDecreaseSeq, newest) <= 0 {
		return
	}
	cc.lastDecreaseSeq = cc.lastSendSeq
	cc.haveLastDecrease = true

	cc.windowFlowSize = cc.windowFlowSize / 2
	if cc.windowFlowSize < 2 {
		cc.windowFlowSize = 2
	}
	// the period backs off by a randomized multiplicative factor in
	// [1.125, 1.25)
	factor := 1.125 + 0.125*rand.Float64()
	cc.sendingPeriod = time.Duration(float64(cc.sendingPeriod) * factor)
	if cc.sendingPeriod < minSendingPeriod {
		cc.sendingPeriod = minSendingPeriod
	}
}

// OnTimeout resets the controller to its initial slow-start state, the
// same floor a freshly-initialized session starts from.
func (cc *NativeCongestionControl) OnTimeout() {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.slowStart = true
	cc.windowFlowSize = slowStartInitialCwnd
	cc.sendingPeriod = 0
	cc.haveLastDecrease = false
}

func (cc *NativeCongestionControl) OnClose() {}

func (cc *NativeCongestionControl) SendingPeriod() time.Duration {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.sendingPeriod
}

func (cc *NativeCongestionControl) WindowFlowSize() uint32 {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.windowFlowSize
}

// recomputeSendingPeriodLocked derives the inter-packet send interval from
// the peer's reported arrival speed and link capacity (both in packets per
// second): one second divided by the capacity, or, when the arrival speed
// is positive and below capacity, one second divided by the arrival speed
// and scaled by the unused fraction (capacity-arrival)/capacity. The result
// is floored at minSendingPeriod; a non-positive capacity leaves the
// period unchanged.
func (cc *NativeCongestionControl) recomputeSendingPeriodLocked(ack *AckPayload, rtt time.Duration) {
	if !ack.Full {
		return
	}
	linkCapacity := float64(ack.EstimatedLinkCapacity)
	arrivalSpeed := float64(ack.PacketArrivalSpeed)

	if linkCapacity <= 0 {
		return
	}

	period := time.Duration(1e9 / linkCapacity)
	if arrivalSpeed > 0 && arrivalSpeed < linkCapacity {
		period = time.Duration(1e9 / arrivalSpeed * (linkCapacity - arrivalSpeed) / linkCapacity)
	}
	if period < minSendingPeriod {
		period = minSendingPeriod
	}
	cc.sendingPeriod = period
}

var _ CongestionControl = (*NativeCongestionControl)(nil)
