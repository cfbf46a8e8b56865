// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package protocol

import (
	"context"
	"math"
	"net"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// SendControlFunc transmits a control datagram for a session. The session
// does not own a socket itself (the Multiplexer does); sessions only know
// how to build datagrams and hand them off.
type SendControlFunc func(typ ControlType, additionalInfo uint32, payload []byte)

// Session is the per-connection state machine: it owns a Sender, a
// Receiver, a CongestionControl, and the ConnectionInfo they share, and
// drives the ACK and EXP timers. Instead of a timer per session, a Session
// exposes Tick so the single Multiplexer timer can drive every session's
// timers in one loop.
type Session struct {
	mu sync.Mutex

	phase State

	localSocketID  uint32
	remoteSocketID uint32
	remoteAddr     string
	remoteEndpoint *net.UDPAddr

	packetSeqGen *Generator
	msgSeqGen    *Generator

	connInfo *ConnectionInfo
	cc       CongestionControl
	sender   *Sender
	receiver *Receiver

	infoCache *InfoCache

	windowFlowSize    uint32
	maxWindowFlowSize uint32
	peerAckedSeq      uint32
	havePeerAckedSeq  bool

	startTime time.Time

	ackDeadline time.Time
	expDeadline time.Time

	packetsSinceLightAck int

	closeReason Code

	sendControl SendControlFunc
	closeNotify func()

	log logr.Logger
}

// SessionConfig bundles what a Session needs to be constructed.
type SessionConfig struct {
	LocalSocketID     uint32
	RemoteSocketID    uint32
	RemoteAddr        string
	RemoteEndpoint    *net.UDPAddr
	InitPacketSeq     uint32 // our outgoing sequence space, exchanged in the handshake
	PeerInitPacketSeq uint32 // the peer's, seeding the receiver
	MaxWindowFlowSize uint32
	InfoCache         *InfoCache
	SendControl       SendControlFunc
	CloseNotify       func()
	Notify            func() // woken whenever the sender gains work
	Logger            logr.Logger
	StartTime         time.Time
	CongestionControl CongestionControl // nil uses NativeCongestionControl
}

// NewSession constructs a Session in the Connected phase, its link
// characteristics seeded from the connections-info cache when one is
// configured.
func NewSession(cfg SessionConfig) *Session {
	if cfg.SendControl == nil {
		cfg.SendControl = func(ControlType, uint32, []byte) {}
	}
	if cfg.CloseNotify == nil {
		cfg.CloseNotify = func() {}
	}
	if cfg.Logger.GetSink() == nil {
		cfg.Logger = logr.Discard()
	}

	var connInfo *ConnectionInfo
	if cfg.InfoCache != nil {
		connInfo = cfg.InfoCache.GetOrCreate(cfg.RemoteAddr)
	} else {
		connInfo = NewConnectionInfo()
	}

	cc := cfg.CongestionControl
	if cc == nil {
		cc = NewNativeCongestionControl(connInfo.PacketDataSize())
	}
	cc.Init(cfg.InitPacketSeq, cfg.MaxWindowFlowSize)

	s := &Session{
		phase:             ConnectedStateMarker{},
		localSocketID:     cfg.LocalSocketID,
		remoteSocketID:    cfg.RemoteSocketID,
		remoteAddr:        cfg.RemoteAddr,
		remoteEndpoint:    cfg.RemoteEndpoint,
		packetSeqGen:      NewGeneratorAt(cfg.InitPacketSeq),
		msgSeqGen:         NewGeneratorAt(0),
		connInfo:          connInfo,
		cc:                cc,
		infoCache:         cfg.InfoCache,
		windowFlowSize:    cfg.MaxWindowFlowSize,
		maxWindowFlowSize: cfg.MaxWindowFlowSize,
		startTime:         cfg.StartTime,
		sendControl:       cfg.SendControl,
		closeNotify:       cfg.CloseNotify,
		log:               cfg.Logger,
	}
	s.receiver = NewReceiver(cfg.PeerInitPacketSeq, connInfo.PacketDataSize()*int(cfg.MaxWindowFlowSize))
	s.sender = NewSender(
		s.packetSeqGen, s.msgSeqGen, cc, cfg.RemoteSocketID, cfg.StartTime,
		func() int { return s.connInfo.PacketDataSize() },
		func() uint32 { s.mu.Lock(); defer s.mu.Unlock(); return s.windowFlowSize },
		cfg.Notify,
	)

	now := cfg.StartTime
	s.ackDeadline = now.Add(connInfo.AckPeriod())
	s.connInfo.UpdateExpPeriod(0)
	s.expDeadline = now.Add(connInfo.ExpPeriod())

	return s
}

// ConnectedStateMarker is the State value a Session reports while
// connected; Session itself implements the connected-phase packet
// processing directly rather than through a separate type, since there is
// exactly one such implementation and it needs privileged access to the
// session's sender, receiver, and congestion control.
type ConnectedStateMarker struct{ BaseState }

func (ConnectedStateMarker) Type() StateType { return StateConnected }

// Phase reports the session's current position in the state machine.
func (s *Session) Phase() StateType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase.Type()
}

// Write segments p into datagrams and queues them for sending.
func (s *Session) Write(p []byte) (int, error) {
	return s.sender.Segment(p)
}

// Read blocks until reassembled bytes are available or ctx is done.
func (s *Session) Read(ctx context.Context, p []byte) (int, error) {
	return s.receiver.Read(ctx, p)
}

// HasPacketToSend, NextScheduledPacketTime, and NextScheduledPacket expose
// the sender's pacing decisions to the Multiplexer scheduler.
func (s *Session) HasPacketToSend() bool {
	return s.sender.HasPacketToSend()
}

func (s *Session) NextScheduledPacketTime() time.Duration {
	return s.sender.NextScheduledPacketTime()
}

// NextScheduledPacket returns the next datagram to transmit, notifying
// the congestion controller it was sent.
func (s *Session) NextScheduledPacket(now time.Time) *DataDatagram {
	d := s.sender.NextScheduledPacket(now)
	if d != nil {
		s.cc.OnPacketSent(d.Header.PacketSeq)
		d.Header.DestinationSocket = s.remoteSocketID
	}
	return d
}

// MarkSent confirms a previously-returned datagram actually reached the
// wire, clearing its in-flight marker.
func (s *Session) MarkSent(seq uint32) {
	s.sender.MarkSent(seq)
}

// OnDataDatagram processes an incoming data datagram: reset the EXP
// counter, feed the congestion controller and receiver, and fire an
// immediate light ACK every 64 packets so a fast sender doesn't have to
// wait a full ACK period to learn its data arrived.
func (s *Session) OnDataDatagram(d *DataDatagram, now time.Time) {
	s.mu.Lock()
	s.resetExpLocked(false, now)
	s.mu.Unlock()

	s.cc.OnPacketReceived(d.Header.PacketSeq)
	if gaps := s.receiver.OnDataDatagram(d, now); len(gaps) > 0 {
		s.log.V(1).Info("sequence gap detected, sending nak",
			"first-missing", gaps[0].Start, "received", d.Header.PacketSeq)
		nack := &NAckPayload{Ranges: gaps}
		s.sendControl(ControlNAck, 0, nack.Encode())
	}

	s.mu.Lock()
	s.packetsSinceLightAck++
	fireLight := s.packetsSinceLightAck >= 64
	s.mu.Unlock()

	if fireLight {
		s.fireAckTimer(now, true)
	}
}

// OnControlDatagram dispatches an incoming control datagram by type.
func (s *Session) OnControlDatagram(h Header, payload []byte, now time.Time) {
	switch h.Type {
	case ControlKeepAlive:
		s.mu.Lock()
		s.resetExpLocked(false, now)
		s.mu.Unlock()
	case ControlAck:
		s.mu.Lock()
		s.resetExpLocked(true, now)
		s.mu.Unlock()
		ack, err := DecodeAckPayload(payload)
		if err != nil {
			return
		}
		s.onAck(ack, h.AdditionalInfo, now)
	case ControlNAck:
		s.mu.Lock()
		s.resetExpLocked(true, now)
		s.mu.Unlock()
		nack, err := DecodeNAckPayload(payload)
		if err != nil {
			return
		}
		s.onNAck(nack)
	case ControlShutdown:
		s.mu.Lock()
		s.resetExpLocked(false, now)
		s.mu.Unlock()
		s.closePassive()
	case ControlAckOfAck:
		s.mu.Lock()
		s.resetExpLocked(false, now)
		s.mu.Unlock()
		s.onAckOfAck(h.AdditionalInfo, now)
	case ControlMessageDropRequest:
		s.mu.Lock()
		s.resetExpLocked(false, now)
		s.mu.Unlock()
	}
}

func (s *Session) resetExpLocked(withTimer bool, now time.Time) {
	s.receiver.ResetExpCounter()
	if withTimer || !s.sender.HasNackPackets() {
		s.launchExpTimerLocked(now)
	}
}

func (s *Session) launchExpTimerLocked(now time.Time) {
	s.connInfo.UpdateExpPeriod(s.receiver.ExpCount())
	s.expDeadline = now.Add(s.connInfo.ExpPeriod())
}

func (s *Session) launchAckTimerLocked(now time.Time) {
	s.ackDeadline = now.Add(s.connInfo.AckPeriod())
}

// Tick drives this session's ACK and EXP timers: a Multiplexer calls it
// on every session on each pass of its scheduling loop.
func (s *Session) Tick(now time.Time) {
	s.mu.Lock()
	if s.phase.Type() != StateConnected {
		s.mu.Unlock()
		return
	}
	fireAck := !now.Before(s.ackDeadline)
	fireExp := !now.Before(s.expDeadline)
	s.mu.Unlock()

	if fireAck {
		s.fireAckTimer(now, false)
	}
	if fireExp {
		s.fireExpTimer(now)
	}
}

// fireAckTimer builds and sends an ACK datagram. A full ACK whose ack
// number hasn't advanced since the last confirmed ACK, or that repeats the
// last ACK sent within two round-trip times, is skipped entirely.
func (s *Session) fireAckTimer(now time.Time, light bool) {
	s.mu.Lock()
	if !light {
		s.launchAckTimerLocked(now)
	}

	ackNumber := s.receiver.AckNumber()

	if !light {
		largestAcked := s.receiver.LargestAckNumberAcknowledged()
		lastAck := s.receiver.LastAckNumber()
		lastAckAt := s.receiver.LastAckTimestamp()
		rtt := s.connInfo.RTT()
		if ackNumber == largestAcked || (ackNumber == lastAck && !lastAckAt.IsZero() && now.Sub(lastAckAt) < 2*rtt) {
			s.mu.Unlock()
			return
		}
	}

	payload := &AckPayload{AckNumber: ackNumber}
	if light && s.packetsSinceLightAck >= 64 {
		s.packetsSinceLightAck = 0
	} else {
		payload.Full = true
		payload.RTT = uint32(s.connInfo.RTT().Microseconds())
		payload.RTTVar = uint32(s.connInfo.RTTVar().Microseconds())
		payload.AvailableBufferSize = s.receiver.AvailableReceiveBufferSize(s.connInfo.PacketDataSize())
		payload.PacketArrivalSpeed = uint32(math.Ceil(s.receiver.PacketArrivalSpeed()))
		payload.EstimatedLinkCapacity = uint32(math.Ceil(s.receiver.EstimatedLinkCapacity()))
	}
	s.mu.Unlock()

	ackSeqNum := s.receiver.NextAckSeq()
	s.receiver.StoreAck(ackSeqNum, ackNumber, now)

	s.sendControl(ControlAck, ackSeqNum, payload.Encode())
}

// fireExpTimer falls back to the nack-packets loss list only when nothing
// has been lost through the normal NAK path yet, declares the session dead
// on sustained silence, and otherwise probes with a keep-alive when there
// is nothing else to (re)send.
func (s *Session) fireExpTimer(now time.Time) {
	if !s.sender.HasLossPackets() {
		s.sender.UpdateLossListFromNackPackets()
	}

	if s.receiver.HasTimeout() {
		s.log.Info("peer silent past the expiration limit, closing session")
		s.cc.OnTimeout()
		s.closeTimeout()
		return
	}

	// re-request anything still missing, in case the immediate NAK was lost
	if ranges := s.receiver.LossRanges(); len(ranges) > 0 {
		nack := &NAckPayload{Ranges: ranges}
		s.sendControl(ControlNAck, 0, nack.Encode())
	}

	if !s.sender.HasLossPackets() {
		s.sendControl(ControlKeepAlive, 0, nil)
	}

	s.receiver.IncExpCounter()

	s.mu.Lock()
	s.launchExpTimerLocked(now)
	s.mu.Unlock()
}

// onAck processes a received ACK: it retires acknowledged outstanding
// packets, unconditionally replies with an ACK_OF_ACK (even for a light
// ACK, keyed by the ACK's own sequence number), and only advances RTT and
// window-flow bookkeeping for full ACKs. A light ACK still advances the
// peer's acknowledged-sequence high-water mark and adjusts window_flow_size
// by the implied offset, matching OnAck's IsLightAck() branch.
func (s *Session) onAck(ack *AckPayload, ackSeqNum uint32, now time.Time) {
	s.sender.AckPackets(ack.AckNumber)

	s.sendControl(ControlAckOfAck, ackSeqNum, nil)

	s.mu.Lock()
	defer s.mu.Unlock()

	advanced := !s.havePeerAckedSeq || Compare(ack.AckNumber, s.peerAckedSeq) >= 0

	if !ack.Full {
		if advanced {
			offset := int64(0)
			if s.havePeerAckedSeq {
				offset = int64(SeqOffset(s.peerAckedSeq, ack.AckNumber))
			}
			s.windowFlowSize = uint32(int64(s.windowFlowSize) - offset)
			s.peerAckedSeq = ack.AckNumber
			s.havePeerAckedSeq = true
		}
		return
	}

	rttSample := time.Duration(ack.RTT) * time.Microsecond
	s.connInfo.UpdateRTT(rttSample)
	rttVar := s.connInfo.RTT() - rttSample
	if rttVar < 0 {
		rttVar = -rttVar
	}
	s.connInfo.UpdateRTTVar(rttVar)
	s.connInfo.UpdateAckPeriod()
	s.connInfo.UpdateNAckPeriod()

	s.cc.OnAck(ack, s.connInfo.RTT())

	if ack.PacketArrivalSpeed > 0 {
		s.connInfo.UpdatePacketArrivalSpeed(float64(ack.PacketArrivalSpeed))
	}
	if ack.EstimatedLinkCapacity > 0 {
		s.connInfo.UpdateEstimatedLinkCapacity(float64(ack.EstimatedLinkCapacity))
	}

	if advanced {
		s.peerAckedSeq = ack.AckNumber
		s.havePeerAckedSeq = true
		s.windowFlowSize = ack.AvailableBufferSize
	}
}

// onNAck folds a received NAK's loss ranges into the sender's loss list
// and informs the congestion controller.
func (s *Session) onNAck(nack *NAckPayload) {
	s.log.V(1).Info("nak received, scheduling retransmits", "ranges", len(nack.Ranges))
	s.sender.UpdateLossListFromNackDgr(nack)
	s.cc.OnLoss(nack)
}

// onAckOfAck resolves a previously-sent ACK against the receiver's ACK
// history, using the measured round trip to refresh RTT bookkeeping.
func (s *Session) onAckOfAck(ackSeqNum uint32, now time.Time) {
	rtt, ok := s.receiver.AckAck(ackSeqNum, now)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.connInfo.UpdateRTT(rtt)
	rttVar := s.connInfo.RTT() - rtt
	if rttVar < 0 {
		rttVar = -rttVar
	}
	s.connInfo.UpdateRTTVar(rttVar)
	s.connInfo.UpdateAckPeriod()
	s.connInfo.UpdateNAckPeriod()
}

// Close performs a graceful shutdown: the congestion controller is told
// first (OnClose, before anything else), the connections-info cache is
// updated with this session's final measurements, and a SHUTDOWN datagram
// is sent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.phase.Type() != StateConnected {
		s.mu.Unlock()
		return nil
	}
	s.phase = ClosedState{}
	s.closeReason = Success
	connInfo := s.connInfo
	s.mu.Unlock()

	s.cc.OnClose()
	if s.infoCache != nil {
		s.infoCache.Update(s.remoteAddr, connInfo)
	}
	s.sendControl(ControlShutdown, 0, nil)
	s.receiver.Close()
	s.closeNotify()
	return nil
}

// closePassive tears the session down without sending a SHUTDOWN of its
// own, for when the peer is the one that sent it.
func (s *Session) closePassive() {
	s.mu.Lock()
	if s.phase.Type() != StateConnected {
		s.mu.Unlock()
		return
	}
	s.phase = ClosedState{}
	s.closeReason = Success
	s.mu.Unlock()

	s.receiver.Close()
	s.closeNotify()
}

// closeTimeout tears the session down after the EXP timer gives up,
// distinct from closePassive only in the phase and error it reports.
func (s *Session) closeTimeout() {
	s.mu.Lock()
	if s.phase.Type() != StateConnected {
		s.mu.Unlock()
		return
	}
	s.phase = TimeoutState{}
	s.closeReason = ConnectionAborted
	s.mu.Unlock()

	s.receiver.Close()
	s.closeNotify()
}

// Err reports why the session left the Connected phase, or nil while still
// connected or after a clean close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase.Type() == StateConnected || s.closeReason == Success {
		return nil
	}
	return NewError("session", s.closeReason)
}

// HasUnflushedData reports whether any queued or in-flight datagram is
// still awaiting transmission or acknowledgment, used by a graceful close
// to linger before sending SHUTDOWN.
func (s *Session) HasUnflushedData() bool {
	return s.sender.HasPacketToSend() || s.sender.HasNackPackets()
}

// RemoteAddr reports the peer host this session was built for, the key its
// connection info is cached under.
func (s *Session) RemoteAddr() string { return s.remoteAddr }

// RemoteEndpoint reports the peer's full UDP endpoint.
func (s *Session) RemoteEndpoint() *net.UDPAddr { return s.remoteEndpoint }

// LocalSocketID reports the socket id the multiplexer bound this session
// under.
func (s *Session) LocalSocketID() uint32 { return s.localSocketID }

// SetPacketDataSize applies a revised path-MTU-derived packet size to this
// session's pacing and segmentation.
func (s *Session) SetPacketDataSize(size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connInfo.SetPacketDataSize(size)
}

var _ State = ConnectedStateMarker{}
