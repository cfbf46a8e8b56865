// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package protocol

import (
	"sync"
	"time"
)

// maxSendQueue bounds the number of segmented-but-unsent datagrams a
// sender will hold before Segment starts refusing bytes.
const maxSendQueue = 8192

// congestionControl is the subset of CongestionControl the sender drives
// packet pacing and window-limiting from.
type congestionControl interface {
	SendingPeriod() time.Duration
	WindowFlowSize() uint32
	UpdateLastSendSeqNum(seq uint32)
}

type nackEntry struct {
	datagram    *DataDatagram
	acked       bool
	pendingSend bool
}

// Sender is the data-sending half of a session. It segments outgoing bytes
// into datagrams, paces their transmission against the congestion
// controller's sending period, and retransmits whatever the loss list or
// an unacknowledged NAK entry names. The four mutexes have a strict
// acquisition order (nack -> loss -> packets-to-send -> sending-time);
// every method taking more than one must follow it.
type Sender struct {
	nackMu  sync.Mutex
	nack    map[uint32]*nackEntry
	lossMu  sync.Mutex
	loss    map[uint32]bool
	queueMu sync.Mutex
	queue   []*DataDatagram
	timeMu  sync.Mutex
	nextSendingTime time.Duration

	seqGen *Generator
	msgGen *Generator

	cc congestionControl

	packetDataSize    func() int
	peerWindowFlowSize func() uint32
	remoteSocketID    uint32
	startTime         time.Time

	// notify is called whenever new work becomes available (a fresh
	// datagram queued, a loss detected): it wakes the multiplexer's
	// scheduler for this session instead of waiting for its next tick.
	notify func()
}

// NewSender constructs a Sender. packetDataSize and peerWindowFlowSize are
// callbacks rather than plain values because both can change over the
// session's life (path MTU discovery, peer ACKs).
func NewSender(seqGen, msgGen *Generator, cc congestionControl, remoteSocketID uint32, startTime time.Time, packetDataSize func() int, peerWindowFlowSize func() uint32, notify func()) *Sender {
	if notify == nil {
		notify = func() {}
	}
	return &Sender{
		nack:               make(map[uint32]*nackEntry),
		loss:               make(map[uint32]bool),
		seqGen:             seqGen,
		msgGen:             msgGen,
		cc:                 cc,
		packetDataSize:     packetDataSize,
		peerWindowFlowSize: peerWindowFlowSize,
		remoteSocketID:     remoteSocketID,
		startTime:          startTime,
		notify:             notify,
	}
}

// HasNackPackets reports whether any sent-but-unacknowledged packet is
// outstanding.
func (s *Sender) HasNackPackets() bool {
	s.nackMu.Lock()
	defer s.nackMu.Unlock()
	return len(s.nack) > 0
}

// HasLossPackets reports whether the loss list is non-empty.
func (s *Sender) HasLossPackets() bool {
	s.lossMu.Lock()
	defer s.lossMu.Unlock()
	return len(s.loss) > 0
}

// HasPacketToSend reports whether there is anything to transmit right now:
// a queued fresh datagram or a loss retransmit.
func (s *Sender) HasPacketToSend() bool {
	s.queueMu.Lock()
	qn := len(s.queue)
	s.queueMu.Unlock()
	s.lossMu.Lock()
	ln := len(s.loss)
	s.lossMu.Unlock()
	return qn > 0 || ln > 0
}

// UpdateLossListFromNackDgr folds an incoming NAK's loss ranges into the
// loss list. Range ends are exclusive.
func (s *Sender) UpdateLossListFromNackDgr(nack *NAckPayload) {
	s.lossMu.Lock()
	for _, r := range nack.Ranges {
		for j := r.Start; j != r.End; j = Inc(j) {
			s.loss[j] = true
		}
	}
	empty := len(s.loss) == 0
	s.lossMu.Unlock()

	if empty {
		return
	}
	s.notify()
}

// UpdateLossListFromNackPackets moves every unacknowledged outstanding
// packet into the loss list and prunes nack entries that are both
// acknowledged and no longer pending send. This is the EXP timer's
// fallback path, invoked only when the sender has no loss packets of its
// own yet, so normal NAK-driven loss detection stays the session's single
// source of truth and this only engages when NAKs have stopped arriving
// entirely.
func (s *Sender) UpdateLossListFromNackPackets() {
	s.nackMu.Lock()
	s.lossMu.Lock()
	if len(s.nack) == 0 {
		s.lossMu.Unlock()
		s.nackMu.Unlock()
		return
	}
	for seq, entry := range s.nack {
		if !entry.acked {
			s.loss[seq] = true
			continue
		}
		if !entry.pendingSend {
			delete(s.nack, seq)
		}
	}
	s.lossMu.Unlock()
	s.nackMu.Unlock()

	s.notify()
}

// AckPackets retires every outstanding packet older than seq (exclusive),
// walking backward from Dec(seq) until the first already-retired entry,
// since an ACK only ever tells the sender the lowest not-yet-received
// sequence number rather than enumerating every packet it clears.
func (s *Sender) AckPackets(seq uint32) {
	seq = Mask(seq)

	s.nackMu.Lock()
	defer s.nackMu.Unlock()
	s.lossMu.Lock()
	defer s.lossMu.Unlock()

	cur := Dec(seq)
	for {
		entry, ok := s.nack[cur]
		if !ok {
			return
		}
		delete(s.loss, cur)
		entry.acked = true
		if !entry.pendingSend {
			delete(s.nack, cur)
		}
		cur = Dec(cur)
	}
}

// MarkSent clears the in-flight marker on a datagram once its
// transmission has actually completed. A datagram acknowledged while its
// send was still in flight is retired here instead.
func (s *Sender) MarkSent(seq uint32) {
	s.nackMu.Lock()
	defer s.nackMu.Unlock()
	if entry, ok := s.nack[Mask(seq)]; ok {
		entry.pendingSend = false
		if entry.acked {
			delete(s.nack, Mask(seq))
		}
	}
}

// NextScheduledPacket returns the next datagram due for transmission, or
// nil if nothing is ready: a loss retransmit takes priority over a fresh
// packet, and a fresh packet is withheld once too many are outstanding
// relative to the smaller of the local congestion window and the peer's
// advertised window, except for the packet-pair probe (every 16th packet)
// which always goes out so the link-capacity estimator keeps working.
func (s *Sender) NextScheduledPacket(now time.Time) *DataDatagram {
	if d := s.nextLossRetransmit(now); d != nil {
		return d
	}

	seqNum := s.seqGen.Current()

	s.nackMu.Lock()
	s.queueMu.Lock()
	if len(s.queue) == 0 {
		s.queueMu.Unlock()
		s.nackMu.Unlock()
		return nil
	}

	if Mask(seqNum)%16 != 1 {
		localWindow := s.cc.WindowFlowSize()
		peerWindow := s.peerWindowFlowSize()
		window := localWindow
		if peerWindow < window {
			window = peerWindow
		}
		if uint32(len(s.nack)) >= window {
			s.queueMu.Unlock()
			s.nackMu.Unlock()
			return nil
		}
	}

	d := s.queue[0]
	s.queue = s.queue[1:]
	s.queueMu.Unlock()

	d.Header.Timestamp = uint32(now.Sub(s.startTime).Microseconds())
	d.Header.PacketSeq = seqNum
	s.cc.UpdateLastSendSeqNum(seqNum)
	s.seqGen.Next()

	s.nack[Mask(seqNum)] = &nackEntry{datagram: d, pendingSend: true}
	s.nackMu.Unlock()

	s.updateNextSendingTime(d, now)
	return d
}

func (s *Sender) nextLossRetransmit(now time.Time) *DataDatagram {
	s.lossMu.Lock()
	var target uint32
	var found bool
	for seq := range s.loss {
		if !found || Compare(seq, target) < 0 {
			target, found = seq, true
		}
	}
	if found {
		delete(s.loss, target)
	}
	s.lossMu.Unlock()
	if !found {
		return nil
	}

	s.nackMu.Lock()
	entry, ok := s.nack[target]
	s.nackMu.Unlock()
	if !ok {
		return nil
	}
	if entry.acked {
		if !entry.pendingSend {
			s.nackMu.Lock()
			delete(s.nack, target)
			s.nackMu.Unlock()
		}
		return nil
	}

	s.updateNextSendingTime(entry.datagram, now)
	return entry.datagram
}

// updateNextSendingTime computes the delay before the next packet may be
// sent: zero on a packet-pair probe boundary or whenever loss packets are
// outstanding (so retransmits aren't held back by pacing), otherwise the
// congestion controller's sending period minus the time already spent
// generating this packet.
func (s *Sender) updateNextSendingTime(d *DataDatagram, start time.Time) {
	genTime := time.Since(start)

	s.lossMu.Lock()
	lossPending := len(s.loss) > 0
	s.lossMu.Unlock()

	if Mask(d.Header.PacketSeq)%16 == 0 || lossPending {
		s.timeMu.Lock()
		s.nextSendingTime = 0
		s.timeMu.Unlock()
		return
	}

	next := s.cc.SendingPeriod() - genTime
	if next < 0 {
		next = 0
	}
	s.timeMu.Lock()
	if next > 0 {
		// kept as an offset from startTime so the delay shrinks as time passes
		s.nextSendingTime = time.Since(s.startTime) + next
	} else {
		s.nextSendingTime = 0
	}
	s.timeMu.Unlock()
}

// NextScheduledPacketTime reports how long from now until the next packet
// is due, counting down the delay computed by the last call to
// NextScheduledPacket; zero means a packet may be sent immediately.
func (s *Sender) NextScheduledPacketTime() time.Duration {
	s.timeMu.Lock()
	defer s.timeMu.Unlock()
	if s.nextSendingTime == 0 {
		return 0
	}
	d := s.nextSendingTime - time.Since(s.startTime)
	if d < 0 {
		d = 0
	}
	return d
}

// Segment splits p into one or more datagrams sized to fit the current
// packet data size, labels each with its position within the message
// (First/Middle/Last/OnlyOnePacket), and enqueues them for sending. It
// returns the number of bytes actually queued, which is less than len(p)
// only when the send queue fills up mid-message; the last accepted
// fragment is then relabeled so the message is still well-formed on the
// wire.
func (s *Sender) Segment(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	payloadSize := s.packetDataSize() - headerSize
	if payloadSize <= 0 {
		payloadSize = defaultPacketSize - headerSize
	}

	msgNum := s.msgGen.Next()

	var datagrams []*DataDatagram
	total := 0
	full := false

	for total < len(p) {
		end := total + payloadSize
		if end > len(p) {
			end = len(p)
		}
		chunk := make([]byte, end-total)
		copy(chunk, p[total:end])

		d := &DataDatagram{
			Header: Header{
				MessageNumber:     msgNum,
				DestinationSocket: s.remoteSocketID,
			},
			Payload: chunk,
		}

		if !s.tryEnqueue(d, len(datagrams)) {
			full = true
			break
		}
		datagrams = append(datagrams, d)
		total = end
	}

	if len(datagrams) == 0 {
		return 0, NewError("segment", BufferFull)
	}

	last := datagrams[len(datagrams)-1]
	if len(datagrams) == 1 {
		last.Header.MessagePosition = OnlyOnePacket
	} else {
		last.Header.MessagePosition = Last
	}

	s.notify()

	if full {
		return total, NewError("segment", BufferFull)
	}
	return total, nil
}

func (s *Sender) tryEnqueue(d *DataDatagram, index int) bool {
	if index > 0 {
		d.Header.MessagePosition = Middle
	} else {
		d.Header.MessagePosition = First
	}

	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if len(s.queue) >= maxSendQueue {
		return false
	}
	s.queue = append(s.queue, d)
	return true
}
