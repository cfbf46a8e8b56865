// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package protocol

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-logr/logr"
)

const (
	// pollInterval bounds how long the flow's scheduling loop sleeps when
	// no session has named an earlier wake-up time.
	pollInterval = 5 * time.Millisecond

	// handshakeResendInterval paces retransmission of an unanswered
	// handshake request while a dial is in flight.
	handshakeResendInterval = 250 * time.Millisecond

	// defaultConnectTimeout caps a dial whose context carries no deadline
	// of its own.
	defaultConnectTimeout = 10 * time.Second

	// maxDatagramSize sizes the UDP read buffer; no single datagram this
	// engine emits exceeds the configured packet size, but a peer may have
	// negotiated a larger MTU.
	maxDatagramSize = 65536

	// sendBurst bounds how many packets one scheduling pass will drain
	// before re-checking timers, so a session with a deep queue cannot
	// starve the others' ACK/EXP processing.
	sendBurst = 64

	// DefaultMaxWindowFlowSize is the flow-window ceiling advertised in
	// handshakes when the caller does not configure one. The receive
	// buffer is sized to hold a full window of packets, so this also
	// bounds per-session memory.
	DefaultMaxWindowFlowSize = 1024

	// DefaultAcceptBacklog bounds pending accepted sessions.
	DefaultAcceptBacklog = 5
)

// MultiplexerConfig carries the knobs a Multiplexer is constructed with.
// Zero values fall back to the package defaults.
type MultiplexerConfig struct {
	Logger            logr.Logger
	InfoCache         *InfoCache
	MaxWindowFlowSize uint32
	AcceptBacklog     int
	MaxPacketSize     uint32
}

type sessionEntry struct {
	session    *Session
	remoteAddr *net.UDPAddr
}

// pendingConn tracks a dial whose handshake has not completed. Its phase
// value walks the Connecting half of the socket state machine; incoming
// datagrams other than the awaited handshake response are dropped by
// dispatch, since no session is registered under the local socket id yet.
type pendingConn struct {
	phase State

	localSocketID uint32
	initSeq       uint32
	remoteAddr    *net.UDPAddr
	request       []byte

	done    chan struct{}
	session *Session
	err     error
}

// acceptRecord remembers a completed passive handshake so a retransmitted
// request (the peer didn't see our response yet) is answered with the same
// response instead of spawning a second session.
type acceptRecord struct {
	localSocketID uint32
	response      []byte
}

// Multiplexer owns one UDP endpoint and every session bound to it: it
// demultiplexes inbound datagrams by destination socket id, runs the
// handshake exchanges that create sessions, and hosts the flow, the paced
// scheduler that drains one packet at a time from whichever session is due
// soonest.
type Multiplexer struct {
	udp *net.UDPConn
	log logr.Logger

	infoCache *InfoCache
	maxWindow uint32
	maxPacket uint32

	startTime time.Time

	mu       sync.Mutex
	sessions map[uint32]*sessionEntry
	pending  map[uint32]*pendingConn
	accepted map[string]*acceptRecord
	closing  bool
	started  bool

	acceptCh  chan *Session
	closeCh   chan struct{}
	wakeCh    chan struct{}
	runDone   chan struct{}
	readDone  chan struct{}
	listening bool

	// sendFilter, when non-nil, may veto an outgoing datagram; test shims
	// use it to induce loss without touching the socket.
	sendFilter func(buf []byte, addr *net.UDPAddr) bool
}

// NewMultiplexer wraps an already-bound UDP socket. Call Start before use;
// the multiplexer owns the socket from then on and closes it on Close.
func NewMultiplexer(udp *net.UDPConn, cfg MultiplexerConfig) *Multiplexer {
	if cfg.InfoCache == nil {
		cfg.InfoCache = NewInfoCache(DefaultInfoCacheSize)
	}
	if cfg.MaxWindowFlowSize == 0 {
		cfg.MaxWindowFlowSize = DefaultMaxWindowFlowSize
	}
	if cfg.AcceptBacklog <= 0 {
		cfg.AcceptBacklog = DefaultAcceptBacklog
	}
	if cfg.MaxPacketSize == 0 {
		cfg.MaxPacketSize = defaultPacketSize
	}
	if cfg.Logger.GetSink() == nil {
		cfg.Logger = logr.Discard()
	}
	return &Multiplexer{
		udp:       udp,
		log:       cfg.Logger,
		infoCache: cfg.InfoCache,
		maxWindow: cfg.MaxWindowFlowSize,
		maxPacket: cfg.MaxPacketSize,
		startTime: time.Now(),
		sessions:  make(map[uint32]*sessionEntry),
		pending:   make(map[uint32]*pendingConn),
		accepted:  make(map[string]*acceptRecord),
		acceptCh:  make(chan *Session, cfg.AcceptBacklog),
		closeCh:   make(chan struct{}),
		wakeCh:    make(chan struct{}, 1),
		runDone:   make(chan struct{}),
		readDone:  make(chan struct{}),
	}
}

// Start launches the read and scheduling loops.
func (m *Multiplexer) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()
	go m.readLoop()
	go m.run()
}

// Done is closed when the multiplexer shuts down, for auxiliary goroutines
// tied to its lifetime.
func (m *Multiplexer) Done() <-chan struct{} { return m.closeCh }

// SetListening marks this endpoint as willing to accept inbound
// handshakes; a dial-only endpoint drops them.
func (m *Multiplexer) SetListening(on bool) {
	m.mu.Lock()
	m.listening = on
	m.mu.Unlock()
}

// LocalAddr reports the bound UDP address.
func (m *Multiplexer) LocalAddr() net.Addr {
	return m.udp.LocalAddr()
}

// SetSendFilter installs a predicate consulted before every UDP write; a
// false return drops the datagram. Only for tests.
func (m *Multiplexer) SetSendFilter(f func(buf []byte, addr *net.UDPAddr) bool) {
	m.mu.Lock()
	m.sendFilter = f
	m.mu.Unlock()
}

// RemoteHosts returns the distinct remote IPs with live sessions, for
// platform code that learns of an MTU event without per-host attribution
// and must apply it endpoint-wide.
func (m *Multiplexer) RemoteHosts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool, len(m.sessions))
	var hosts []string
	for _, entry := range m.sessions {
		host := entry.remoteAddr.IP.String()
		if !seen[host] {
			seen[host] = true
			hosts = append(hosts, host)
		}
	}
	return hosts
}

// AdjustMTU records a revised path MTU for host, applying it to live
// sessions to that host and to the connections-info cache for future ones.
func (m *Multiplexer) AdjustMTU(host string, mtu int) {
	m.infoCache.SetPacketDataSize(host, mtu)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.sessions {
		if entry.remoteAddr.IP.String() == host {
			entry.session.SetPacketDataSize(mtu)
		}
	}
}

// Close tears down every session, rejects pending dials, and closes the
// socket.
func (m *Multiplexer) Close() error {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return nil
	}
	m.closing = true
	started := m.started
	sessions := make([]*Session, 0, len(m.sessions))
	for _, entry := range m.sessions {
		sessions = append(sessions, entry.session)
	}
	pending := make([]*pendingConn, 0, len(m.pending))
	for _, pc := range m.pending {
		pending = append(pending, pc)
	}
	m.pending = make(map[uint32]*pendingConn)
	m.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
	for _, pc := range pending {
		pc.err = NewError("dial", OperationCanceled)
		close(pc.done)
	}

	close(m.closeCh)
	err := m.udp.Close()
	if started {
		<-m.readDone
		<-m.runDone
	}
	close(m.acceptCh)
	return err
}

// Accept blocks until an inbound handshake has produced a session, the
// context ends, or the multiplexer closes (reported as net.ErrClosed).
func (m *Multiplexer) Accept(ctx context.Context) (*Session, error) {
	select {
	case s, ok := <-m.acceptCh:
		if !ok {
			return nil, net.ErrClosed
		}
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dial performs the connecting side of the handshake against raddr and
// returns the established session.
func (m *Multiplexer) Dial(ctx context.Context, raddr *net.UDPAddr) (*Session, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultConnectTimeout)
		defer cancel()
	}

	initSeq := Mask(rand.Uint32())
	pc := &pendingConn{
		phase:      ConnectingState{},
		initSeq:    initSeq,
		remoteAddr: raddr,
		done:       make(chan struct{}),
	}

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return nil, net.ErrClosed
	}
	pc.localSocketID = m.newSocketIDLocked()
	m.pending[pc.localSocketID] = pc
	m.mu.Unlock()

	hs := NewHandshakePayload(HandshakeRequest, initSeq, m.maxPacket, m.maxWindow, pc.localSocketID)
	pc.request = m.encodeControl(ControlHandshake, 0, 0, hs.Encode())
	m.writeUDP(pc.request, raddr)

	resend := time.NewTicker(handshakeResendInterval)
	defer resend.Stop()

	for {
		select {
		case <-pc.done:
			if pc.err != nil {
				return nil, pc.err
			}
			return pc.session, nil
		case <-resend.C:
			m.writeUDP(pc.request, raddr)
		case <-ctx.Done():
			m.mu.Lock()
			delete(m.pending, pc.localSocketID)
			m.mu.Unlock()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, NewError("dial", ConnectionRefused)
			}
			return nil, NewError("dial", OperationCanceled)
		case <-m.closeCh:
			return nil, net.ErrClosed
		}
	}
}

// readLoop pulls datagrams off the socket and dispatches them. Transient
// errors are retried; malformed datagrams are logged and dropped without
// touching any session.
func (m *Multiplexer) readLoop() {
	defer close(m.readDone)

	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := m.udp.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN) {
				continue
			}
			select {
			case <-m.closeCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			m.log.Error(err, "udp read failed")
			continue
		}

		h, err := DecodeHeader(buf[:n])
		if err != nil {
			m.log.Info("dropping malformed datagram", "remote", addr.String(), "len", n, "reason", err.Error())
			continue
		}
		m.dispatch(h, buf[:n], addr, time.Now())
	}
}

func (m *Multiplexer) dispatch(h Header, raw []byte, addr *net.UDPAddr, now time.Time) {
	if h.IsControl && h.Type == ControlHandshake {
		hs, err := DecodeHandshakePayload(raw[headerSize:])
		if err != nil {
			m.log.Info("dropping malformed handshake", "remote", addr.String(), "reason", err.Error())
			return
		}
		switch hs.ConnectionType {
		case HandshakeRequest:
			m.onHandshakeRequest(hs, addr)
		case HandshakeResponse:
			m.onHandshakeResponse(h.DestinationSocket, hs, addr)
		default:
			m.log.Info("dropping handshake with unknown connection type", "remote", addr.String(), "type", hs.ConnectionType)
		}
		return
	}

	if h.DestinationSocket == 0 {
		m.log.Info("dropping datagram for socket 0 that is not a handshake", "remote", addr.String())
		return
	}

	m.mu.Lock()
	entry := m.sessions[h.DestinationSocket]
	m.mu.Unlock()
	if entry == nil {
		m.log.V(1).Info("dropping datagram for unknown socket", "socket", h.DestinationSocket, "remote", addr.String())
		return
	}

	if h.IsControl {
		entry.session.OnControlDatagram(h, raw[headerSize:], now)
	} else {
		entry.session.OnDataDatagram(DecodeDataDatagram(h, raw), now)
	}
	m.wake()
}

// onHandshakeRequest runs the accepting side: allocate a socket id, build
// the session, answer with our own parameters, and queue the session for
// Accept. A retransmitted request is answered from the accept record
// without creating a second session.
func (m *Multiplexer) onHandshakeRequest(hs *HandshakePayload, addr *net.UDPAddr) {
	if !hs.VersionSupported() {
		m.log.Info("rejecting handshake with unsupported version", "remote", addr.String(), "version", hs.Version)
		return
	}

	key := addr.String() + "/" + strconv.FormatUint(uint64(hs.SocketID), 10)

	m.mu.Lock()
	if !m.listening || m.closing {
		m.mu.Unlock()
		return
	}
	if rec, ok := m.accepted[key]; ok {
		m.mu.Unlock()
		m.writeUDP(rec.response, addr)
		return
	}

	localID := m.newSocketIDLocked()
	initSeq := Mask(rand.Uint32())
	m.mu.Unlock()

	session := m.buildSession(localID, hs, initSeq, addr)

	reply := NewHandshakePayload(HandshakeResponse, initSeq, m.maxPacket, m.maxWindow, localID)
	response := m.encodeControl(ControlHandshake, 0, hs.SocketID, reply.Encode())

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return
	}
	m.sessions[localID] = &sessionEntry{session: session, remoteAddr: addr}
	m.accepted[key] = &acceptRecord{localSocketID: localID, response: response}
	m.mu.Unlock()

	select {
	case m.acceptCh <- session:
		m.writeUDP(response, addr)
		m.wake()
	default:
		// accept backlog full; drop the connection attempt entirely
		m.mu.Lock()
		delete(m.sessions, localID)
		delete(m.accepted, key)
		m.mu.Unlock()
		m.log.Info("accept backlog full, dropping handshake", "remote", addr.String())
	}
}

// onHandshakeResponse completes a dial in flight.
func (m *Multiplexer) onHandshakeResponse(destSocketID uint32, hs *HandshakePayload, addr *net.UDPAddr) {
	m.mu.Lock()
	pc, ok := m.pending[destSocketID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.pending, destSocketID)
	m.mu.Unlock()

	if !hs.VersionSupported() {
		pc.err = NewError("dial", WrongProtocolType)
		close(pc.done)
		return
	}

	pc.phase = ConnectedStateMarker{}
	session := m.buildSession(pc.localSocketID, hs, pc.initSeq, pc.remoteAddr)

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		_ = session.Close()
		pc.err = net.ErrClosed
		close(pc.done)
		return
	}
	m.sessions[pc.localSocketID] = &sessionEntry{session: session, remoteAddr: pc.remoteAddr}
	m.mu.Unlock()

	pc.session = session
	close(pc.done)
	m.wake()
}

// buildSession constructs a Connected session from a completed handshake,
// negotiating the packet size down to the smaller of the two announcements.
func (m *Multiplexer) buildSession(localID uint32, hs *HandshakePayload, localInitSeq uint32, addr *net.UDPAddr) *Session {
	window := m.maxWindow
	if hs.MaxWindowSize > 0 && hs.MaxWindowSize < window {
		window = hs.MaxWindowSize
	}

	remoteID := hs.SocketID
	session := NewSession(SessionConfig{
		LocalSocketID:     localID,
		RemoteSocketID:    remoteID,
		RemoteAddr:        addr.IP.String(),
		RemoteEndpoint:    addr,
		InitPacketSeq:     localInitSeq,
		PeerInitPacketSeq: hs.InitPacketSeq,
		MaxWindowFlowSize: window,
		InfoCache:         m.infoCache,
		SendControl:       m.sendControlFunc(remoteID, addr),
		CloseNotify:       func() { m.unbind(localID) },
		Notify:            m.wake,
		Logger:            m.log.WithValues("socket", localID),
		StartTime:         m.startTime,
	})

	// the wire packet size is the smaller of what we will emit and what
	// the peer announced, never raised above a cached path-MTU discovery
	pkt := int(m.maxPacket)
	if hs.MaxPacketSize > 0 && int(hs.MaxPacketSize) < pkt {
		pkt = int(hs.MaxPacketSize)
	}
	if pkt < session.connInfo.PacketDataSize() {
		session.SetPacketDataSize(pkt)
	}
	return session
}

// sendControlFunc builds the SendControlFunc a session transmits ACKs,
// NAKs, keep-alives, and shutdowns through.
func (m *Multiplexer) sendControlFunc(remoteID uint32, addr *net.UDPAddr) SendControlFunc {
	return func(typ ControlType, additionalInfo uint32, payload []byte) {
		m.writeUDP(m.encodeControl(typ, additionalInfo, remoteID, payload), addr)
	}
}

func (m *Multiplexer) encodeControl(typ ControlType, additionalInfo, destSocket uint32, payload []byte) []byte {
	h := Header{
		IsControl:         true,
		Type:              typ,
		AdditionalInfo:    additionalInfo,
		Timestamp:         uint32(time.Since(m.startTime).Microseconds()),
		DestinationSocket: destSocket,
	}
	buf := make([]byte, headerSize+len(payload))
	h.Encode(buf)
	copy(buf[headerSize:], payload)
	return buf
}

func (m *Multiplexer) writeUDP(buf []byte, addr *net.UDPAddr) {
	m.mu.Lock()
	filter := m.sendFilter
	m.mu.Unlock()
	if filter != nil && !filter(buf, addr) {
		return
	}

	for {
		_, err := m.udp.WriteToUDP(buf, addr)
		if err == nil {
			return
		}
		if errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN) {
			continue
		}
		if !errors.Is(err, net.ErrClosed) {
			m.log.Error(err, "udp write failed", "remote", addr.String())
		}
		return
	}
}

// unbind removes a closed session from the demux table and forgets its
// accept record.
func (m *Multiplexer) unbind(localID uint32) {
	m.mu.Lock()
	entry := m.sessions[localID]
	delete(m.sessions, localID)
	if entry != nil {
		for key, rec := range m.accepted {
			if rec.localSocketID == localID {
				delete(m.accepted, key)
				break
			}
		}
	}
	m.mu.Unlock()
	m.wake()
}

// newSocketIDLocked picks an unused nonzero 31-bit socket id.
func (m *Multiplexer) newSocketIDLocked() uint32 {
	for {
		id := Mask(rand.Uint32())
		if id == 0 {
			continue
		}
		if _, ok := m.sessions[id]; ok {
			continue
		}
		if _, ok := m.pending[id]; ok {
			continue
		}
		return id
	}
}

func (m *Multiplexer) wake() {
	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}

// run is the flow: every pass it drives session timers, then drains due
// packets, always picking the session whose next-scheduled-packet time is
// soonest so pacing is honored across all sessions sharing the endpoint.
func (m *Multiplexer) run() {
	defer close(m.runDone)

	timer := time.NewTimer(pollInterval)
	defer timer.Stop()

	for {
		select {
		case <-m.closeCh:
			return
		case <-m.wakeCh:
		case <-timer.C:
		}

		now := time.Now()
		m.tickSessions(now)
		next := m.pumpSend(now)

		if next <= 0 || next > pollInterval {
			next = pollInterval
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(next)
	}
}

func (m *Multiplexer) tickSessions(now time.Time) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, entry := range m.sessions {
		sessions = append(sessions, entry.session)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Tick(now)
	}
}

// pumpSend drains up to sendBurst packets, one per pick, and returns how
// long the flow may sleep before the earliest session is due again.
func (m *Multiplexer) pumpSend(now time.Time) time.Duration {
	for i := 0; i < sendBurst; i++ {
		m.mu.Lock()
		var due *sessionEntry
		var dueDelay time.Duration
		for _, entry := range m.sessions {
			if !entry.session.HasPacketToSend() {
				continue
			}
			delay := entry.session.NextScheduledPacketTime()
			if due == nil || delay < dueDelay {
				due = entry
				dueDelay = delay
			}
		}
		m.mu.Unlock()

		if due == nil {
			return 0
		}
		if dueDelay > 0 {
			return dueDelay
		}

		d := due.session.NextScheduledPacket(time.Now())
		if d == nil {
			// windowed out; nothing sendable until an ACK arrives
			return 0
		}
		m.writeUDP(d.Encode(), due.remoteAddr)
		due.session.MarkSent(d.Header.PacketSeq)
	}
	return 0
}
