// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package protocol

import (
	"math"
	"time"
)

// Default timer periods and bounds a fresh ConnectionInfo falls back to
// before any RTT sample arrives.
const (
	defaultRTT        = 100 * time.Millisecond
	defaultRTTVar     = 50 * time.Millisecond
	minAckPeriod      = time.Millisecond
	minNAckPeriod     = 10 * time.Millisecond
	minExpPeriod      = 300 * time.Millisecond
	defaultPacketSize = 1500
)

// ConnectionInfo holds the per-peer link characteristics a session uses to
// pace itself: round-trip estimate, ACK/NAK/EXP timer periods derived from
// it, and the bandwidth estimates fed by the receiver's probe-pair and
// arrival-speed estimators. It is seeded from the connections-info cache on
// connect and written back on close, so repeat connections to the same
// remote host do not restart from nothing.
type ConnectionInfo struct {
	rtt    time.Duration
	rttVar time.Duration

	ackPeriod  time.Duration
	nackPeriod time.Duration
	expPeriod  time.Duration

	packetDataSize int

	packetArrivalSpeed    float64 // packets/sec
	estimatedLinkCapacity float64 // packets/sec
}

// NewConnectionInfo returns a ConnectionInfo seeded with the default RTT
// estimate used before any sample has been observed.
func NewConnectionInfo() *ConnectionInfo {
	ci := &ConnectionInfo{
		rtt:            defaultRTT,
		rttVar:         defaultRTTVar,
		packetDataSize: defaultPacketSize,
	}
	ci.UpdateAckPeriod()
	ci.UpdateNAckPeriod()
	ci.UpdateExpPeriod(0)
	return ci
}

// Clone returns a copy, used when seeding a new session from a cached entry
// without letting the new session mutate the cache's copy directly.
func (ci *ConnectionInfo) Clone() *ConnectionInfo {
	c := *ci
	return &c
}

func (ci *ConnectionInfo) RTT() time.Duration    { return ci.rtt }
func (ci *ConnectionInfo) RTTVar() time.Duration { return ci.rttVar }

func (ci *ConnectionInfo) AckPeriod() time.Duration  { return ci.ackPeriod }
func (ci *ConnectionInfo) NAckPeriod() time.Duration { return ci.nackPeriod }
func (ci *ConnectionInfo) ExpPeriod() time.Duration  { return ci.expPeriod }

func (ci *ConnectionInfo) PacketDataSize() int { return ci.packetDataSize }

// SetPacketDataSize overrides the assumed on-wire packet size, typically
// after path MTU discovery reports a smaller value for this host. Values
// too small to carry a header and any payload are ignored.
func (ci *ConnectionInfo) SetPacketDataSize(size int) {
	if size > headerSize {
		ci.packetDataSize = size
	}
}

func (ci *ConnectionInfo) PacketArrivalSpeed() float64    { return ci.packetArrivalSpeed }
func (ci *ConnectionInfo) EstimatedLinkCapacity() float64 { return ci.estimatedLinkCapacity }

// UpdateRTT folds a sample into the estimate with 7/8-1/8 exponential
// smoothing.
func (ci *ConnectionInfo) UpdateRTT(sample time.Duration) {
	ci.rtt = time.Duration((7*int64(ci.rtt) + int64(sample)) / 8)
}

// UpdateRTTVar applies the companion 3/4-1/4 smoothing to the absolute RTT
// deviation.
func (ci *ConnectionInfo) UpdateRTTVar(deviation time.Duration) {
	ci.rttVar = time.Duration((3*int64(ci.rttVar) + int64(deviation)) / 4)
}

// UpdateAckPeriod recomputes the ACK timer period from the current RTT,
// capped at the SYN interval: the ACK timer never fires slower than once
// per SYN even on a high-latency path (duplicate suppression keeps the
// wire quiet when nothing has changed), and never faster than the floor.
func (ci *ConnectionInfo) UpdateAckPeriod() {
	p := ci.rtt + 4*ci.rttVar
	if p > synPeriod {
		p = synPeriod
	}
	if p < minAckPeriod {
		p = minAckPeriod
	}
	ci.ackPeriod = p
}

// UpdateNAckPeriod recomputes the NAK timer period, following the same RTT
// basis as the ACK period with its own floor.
func (ci *ConnectionInfo) UpdateNAckPeriod() {
	p := ci.rtt + 4*ci.rttVar
	if p < minNAckPeriod {
		p = minNAckPeriod
	}
	ci.nackPeriod = p
}

// UpdateExpPeriod recomputes the EXP timer period from the RTT basis
// scaled by the number of consecutive EXP fires observed with no activity,
// so a silent link backs off instead of probing at a fixed rate.
func (ci *ConnectionInfo) UpdateExpPeriod(expCount int) {
	if expCount < 1 {
		expCount = 1
	}
	p := 4*ci.rtt + ci.rttVar + synPeriod
	if backoff := time.Duration(expCount)*(ci.rtt+4*ci.rttVar) + synPeriod; backoff > p {
		p = backoff
	}
	if p < minExpPeriod {
		p = minExpPeriod
	}
	ci.expPeriod = p
}

// UpdatePacketArrivalSpeed stores the receiver's latest arrival-speed
// estimate, used both to report to the peer in full ACKs and to drive this
// session's own congestion control when it is in turn the receiver.
func (ci *ConnectionInfo) UpdatePacketArrivalSpeed(speed float64) {
	if speed > 0 && !math.IsInf(speed, 0) && !math.IsNaN(speed) {
		ci.packetArrivalSpeed = speed
	}
}

// UpdateEstimatedLinkCapacity stores the receiver's latest probe-pair
// bandwidth estimate.
func (ci *ConnectionInfo) UpdateEstimatedLinkCapacity(capacity float64) {
	if capacity > 0 && !math.IsInf(capacity, 0) && !math.IsNaN(capacity) {
		ci.estimatedLinkCapacity = capacity
	}
}
