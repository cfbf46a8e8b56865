// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package udt

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/respu/udt/protocol"
)

// writeRetryInterval is how long a blocked Write waits before re-offering
// its remaining bytes to the sender's queue.
const writeRetryInterval = 2 * time.Millisecond

// closeLingerTimeout caps how long Close waits for queued and in-flight
// data to drain before the SHUTDOWN goes out anyway.
const closeLingerTimeout = 5 * time.Second

// Addr is a UDT endpoint address: a UDP address reachable over this
// protocol.
type Addr struct {
	*net.UDPAddr
}

// Network returns "udt".
func (a *Addr) Network() string { return "udt" }

func (a *Addr) String() string {
	if a == nil || a.UDPAddr == nil {
		return "<nil>"
	}
	return a.UDPAddr.String()
}

// ResolveUDTAddr parses address for one of the networks "udt", "udt4", or
// "udt6" the same way net.ResolveUDPAddr parses the corresponding UDP
// networks.
func ResolveUDTAddr(network, address string) (*Addr, error) {
	udpNetwork, err := udpNetworkFor(network, "resolve", nil, nil)
	if err != nil {
		return nil, err
	}
	udpAddr, err := net.ResolveUDPAddr(udpNetwork, address)
	if err != nil {
		return nil, err
	}
	return &Addr{UDPAddr: udpAddr}, nil
}

func udpNetworkFor(network, op string, laddr, raddr net.Addr) (string, error) {
	switch network {
	case "udt", "udt4", "udt6":
		return "udp" + network[3:], nil
	}
	return "", &net.OpError{Op: op, Net: network, Source: laddr, Addr: raddr, Err: net.UnknownNetworkError(network)}
}

// ConnectOption customizes a Dial or Listen call.
type ConnectOption interface {
	apply(*connectConfig)
}

type connectConfig struct {
	logger        logr.Logger
	maxWindowSize uint32
	maxPacketSize uint32
	acceptBacklog int
}

type connectOptionFunc func(*connectConfig)

func (f connectOptionFunc) apply(cfg *connectConfig) { f(cfg) }

// WithLogger routes the engine's structured logging through the given
// logr.Logger. The default discards everything.
func WithLogger(logger logr.Logger) ConnectOption {
	return connectOptionFunc(func(cfg *connectConfig) {
		cfg.logger = logger
	})
}

// WithMaxWindowSize caps the flow window (in packets) advertised to peers.
func WithMaxWindowSize(packets uint32) ConnectOption {
	return connectOptionFunc(func(cfg *connectConfig) {
		cfg.maxWindowSize = packets
	})
}

// WithMaxPacketSize caps the on-wire datagram size announced in handshakes.
func WithMaxPacketSize(bytes uint32) ConnectOption {
	return connectOptionFunc(func(cfg *connectConfig) {
		cfg.maxPacketSize = bytes
	})
}

// WithAcceptBacklog sizes the queue of accepted-but-unclaimed connections
// on a Listener.
func WithAcceptBacklog(n int) ConnectOption {
	return connectOptionFunc(func(cfg *connectConfig) {
		cfg.acceptBacklog = n
	})
}

// connectionsInfoCache is process-wide: sessions to a host this process has
// talked to before start from that host's measured link characteristics.
var connectionsInfoCache = protocol.NewInfoCache(protocol.DefaultInfoCacheSize)

// udtSocket is shared functionality between Conn and Listener.
type udtSocket struct {
	localAddr net.UDPAddr

	// manager is shared by all sockets using the same local endpoint (for
	// outgoing connections, only the one connection; for a listener, every
	// accepted connection). It is reference-counted and cleans up the UDP
	// socket when the last related socket closes.
	manager *socketManager

	stateLock sync.Mutex
	closed    bool
}

func (u *udtSocket) Addr() net.Addr {
	localAddr := u.localAddr // copy
	return &Addr{UDPAddr: &localAddr}
}

func (u *udtSocket) releaseManager() error {
	u.stateLock.Lock()
	defer u.stateLock.Unlock()
	if u.closed {
		return errors.New("multiple calls to Close() not allowed")
	}
	u.closed = true
	if u.manager != nil {
		err := u.manager.decrementReferences()
		u.manager = nil
		return err
	}
	return nil
}

// Conn is a single reliable, ordered byte-stream connection over UDP.
type Conn struct {
	udtSocket

	session *protocol.Session

	deadlineLock  sync.Mutex
	readDeadline  time.Time
	writeDeadline time.Time
}

// Listener accepts inbound UDT connections on a UDP endpoint.
type Listener struct {
	udtSocket

	closeOnce sync.Once
	closeCh   chan struct{}
}

// Dial connects to the given address. For the networks "udt", "udt4", and
// "udt6" the connection is a UDT stream; other networks fall through to
// net.Dial.
func Dial(network, address string) (net.Conn, error) {
	switch network {
	case "udt", "udt4", "udt6":
		rAddr, err := ResolveUDTAddr(network, address)
		if err != nil {
			return nil, err
		}
		return DialUDT(network, nil, rAddr)
	}
	return net.Dial(network, address)
}

// DialUDT acts like Dial for UDT networks with explicit endpoints.
func DialUDT(network string, laddr, raddr *Addr) (net.Conn, error) {
	return DialUDTOptions(network, laddr, raddr)
}

// DialUDTOptions connects to raddr, optionally binding the local endpoint
// to laddr, with the given options applied.
func DialUDTOptions(network string, laddr, raddr *Addr, options ...ConnectOption) (net.Conn, error) {
	if raddr == nil || raddr.UDPAddr == nil {
		return nil, &net.OpError{Op: "dial", Net: network, Err: errors.New("missing remote address")}
	}
	var localUDP *net.UDPAddr
	if laddr != nil {
		localUDP = laddr.UDPAddr
	}
	manager, err := newSocketManager(network, "dial", localUDP, raddr.UDPAddr, options...)
	if err != nil {
		return nil, err
	}
	manager.start()

	session, err := manager.mx.Dial(context.Background(), raddr.UDPAddr)
	if err != nil {
		_ = manager.decrementReferences()
		return nil, err
	}

	conn := &Conn{
		udtSocket: udtSocket{
			localAddr: *manager.LocalAddr().(*net.UDPAddr),
			manager:   manager,
		},
		session: session,
	}
	return conn, nil
}

// Listen announces on the given address. For UDT networks the returned
// listener accepts UDT streams; other networks fall through to net.Listen.
func Listen(network, address string) (net.Listener, error) {
	switch network {
	case "udt", "udt4", "udt6":
		lAddr, err := ResolveUDTAddr(network, address)
		if err != nil {
			return nil, err
		}
		return ListenUDT(network, lAddr)
	}
	return net.Listen(network, address)
}

// ListenUDT acts like Listen for UDT networks with an explicit endpoint.
func ListenUDT(network string, laddr *Addr) (*Listener, error) {
	return ListenUDTOptions(network, laddr)
}

// ListenUDTOptions announces on laddr with the given options applied.
func ListenUDTOptions(network string, laddr *Addr, options ...ConnectOption) (*Listener, error) {
	var localUDP *net.UDPAddr
	if laddr != nil {
		localUDP = laddr.UDPAddr
	}
	manager, err := newSocketManager(network, "listen", localUDP, nil, options...)
	if err != nil {
		return nil, err
	}
	manager.mx.SetListening(true)
	manager.start()

	return &Listener{
		udtSocket: udtSocket{
			localAddr: *manager.LocalAddr().(*net.UDPAddr),
			manager:   manager,
		},
		closeCh: make(chan struct{}),
	}, nil
}

// Read reads from the connection, honoring any read deadline.
func (u *Conn) Read(buf []byte) (n int, err error) {
	ctx, cancel := u.deadlineContext(u.readDeadlineValue())
	defer cancel()
	return u.ReadContext(ctx, buf)
}

// ReadContext reads from the connection until at least one byte is
// available, the stream ends, or ctx is done.
func (u *Conn) ReadContext(ctx context.Context, buf []byte) (n int, err error) {
	n, err = u.session.Read(ctx, buf)
	if err == nil {
		return n, nil
	}
	if errors.Is(err, io.EOF) {
		if sessErr := u.session.Err(); sessErr != nil {
			return n, u.opError("read", sessErr)
		}
		return n, io.EOF
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return n, u.opError("read", timeoutError{})
	}
	return n, u.opError("read", err)
}

// Write writes to the connection, honoring any write deadline.
func (u *Conn) Write(buf []byte) (n int, err error) {
	ctx, cancel := u.deadlineContext(u.writeDeadlineValue())
	defer cancel()
	return u.WriteContext(ctx, buf)
}

// WriteContext queues buf for transmission, blocking while the sender's
// queue is full until everything is accepted, the session dies, or ctx is
// done. Acceptance means queued, not delivered; delivery is governed by
// the retransmission machinery until the peer acknowledges.
func (u *Conn) WriteContext(ctx context.Context, buf []byte) (n int, err error) {
	for n < len(buf) {
		if u.session.Phase() != protocol.StateConnected {
			if sessErr := u.session.Err(); sessErr != nil {
				return n, u.opError("write", sessErr)
			}
			return n, u.opError("write", protocol.NewError("write", protocol.NotConnected))
		}

		accepted, segErr := u.session.Write(buf[n:])
		n += accepted
		if segErr == nil {
			return n, nil
		}
		var protoErr *protocol.Error
		if !errors.As(segErr, &protoErr) || protoErr.Code != protocol.BufferFull {
			return n, u.opError("write", segErr)
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return n, u.opError("write", timeoutError{})
			}
			return n, u.opError("write", protocol.NewError("write", protocol.OperationCanceled))
		case <-time.After(writeRetryInterval):
		}
	}
	return n, nil
}

// Close flushes queued data (bounded by closeLingerTimeout), performs the
// protocol shutdown, and releases the shared socket manager.
func (u *Conn) Close() error {
	deadline := time.Now().Add(closeLingerTimeout)
	for u.session.Phase() == protocol.StateConnected && u.session.HasUnflushedData() && time.Now().Before(deadline) {
		time.Sleep(writeRetryInterval)
	}
	closeErr := u.session.Close()
	managerErr := u.releaseManager()
	if closeErr != nil {
		return closeErr
	}
	return managerErr
}

func (u *Conn) LocalAddr() net.Addr {
	return u.Addr()
}

func (u *Conn) RemoteAddr() net.Addr {
	return &Addr{UDPAddr: u.session.RemoteEndpoint()}
}

func (u *Conn) SetReadDeadline(t time.Time) error {
	u.deadlineLock.Lock()
	defer u.deadlineLock.Unlock()
	u.readDeadline = t
	return nil
}

func (u *Conn) SetWriteDeadline(t time.Time) error {
	u.deadlineLock.Lock()
	defer u.deadlineLock.Unlock()
	u.writeDeadline = t
	return nil
}

func (u *Conn) SetDeadline(t time.Time) error {
	u.deadlineLock.Lock()
	defer u.deadlineLock.Unlock()
	u.readDeadline = t
	u.writeDeadline = t
	return nil
}

func (u *Conn) readDeadlineValue() time.Time {
	u.deadlineLock.Lock()
	defer u.deadlineLock.Unlock()
	return u.readDeadline
}

func (u *Conn) writeDeadlineValue() time.Time {
	u.deadlineLock.Lock()
	defer u.deadlineLock.Unlock()
	return u.writeDeadline
}

func (u *Conn) deadlineContext(deadline time.Time) (context.Context, context.CancelFunc) {
	if deadline.IsZero() {
		return context.Background(), func() {}
	}
	return context.WithDeadline(context.Background(), deadline)
}

func (u *Conn) opError(op string, err error) error {
	return &net.OpError{
		Op:     op,
		Net:    "udt",
		Source: u.LocalAddr(),
		Addr:   u.RemoteAddr(),
		Err:    err,
	}
}

// timeoutError is what deadline expiry unwraps to, so callers see
// net.Error.Timeout() == true.
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var _ net.Conn = &Conn{}

// AcceptUDT waits for the next inbound connection.
func (u *Listener) AcceptUDT() (*Conn, error) {
	return u.AcceptUDTContext(context.Background())
}

// AcceptUDTContext waits for the next inbound connection or ctx done.
func (u *Listener) AcceptUDTContext(ctx context.Context) (*Conn, error) {
	u.stateLock.Lock()
	manager := u.manager
	u.stateLock.Unlock()
	if manager == nil {
		return nil, net.ErrClosed
	}

	// closing the listener must unblock a pending accept even while
	// accepted connections keep the shared manager alive
	acceptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-u.closeCh:
			cancel()
		case <-acceptCtx.Done():
		}
	}()

	session, err := manager.mx.Accept(acceptCtx)
	if err != nil {
		select {
		case <-u.closeCh:
			return nil, net.ErrClosed
		default:
		}
		return nil, err
	}
	manager.incrementReferences()
	return &Conn{
		udtSocket: udtSocket{
			localAddr: u.localAddr,
			manager:   manager,
		},
		session: session,
	}, nil
}

func (u *Listener) Accept() (net.Conn, error) {
	return u.AcceptUDT()
}

func (u *Listener) Close() error {
	u.closeOnce.Do(func() { close(u.closeCh) })
	return u.releaseManager()
}

var _ net.Listener = &Listener{}

// socketManager owns the shared UDP endpoint and the protocol multiplexer
// bound to it. Dialed connections get a manager of their own; a listener
// shares its manager with every connection it accepts.
type socketManager struct {
	mx        *protocol.Multiplexer
	udpSocket *net.UDPConn
	logger    logr.Logger

	refCountLock sync.Mutex
	refCount     int
	started      bool
}

func newSocketManager(network, op string, laddr, raddr *net.UDPAddr, options ...ConnectOption) (*socketManager, error) {
	udpNetwork, err := udpNetworkFor(network, op, laddr, raddr)
	if err != nil {
		return nil, err
	}

	cfg := connectConfig{logger: logr.Discard()}
	for _, option := range options {
		option.apply(&cfg)
	}

	udpSocket, err := net.ListenUDP(udpNetwork, laddr)
	if err != nil {
		return nil, err
	}

	sm := &socketManager{
		udpSocket: udpSocket,
		logger:    cfg.logger,
		refCount:  1,
	}
	if err := systemSetupUDPSocket(sm); err != nil {
		_ = udpSocket.Close()
		return nil, err
	}

	sm.mx = protocol.NewMultiplexer(udpSocket, protocol.MultiplexerConfig{
		Logger:            cfg.logger,
		InfoCache:         connectionsInfoCache,
		MaxWindowFlowSize: cfg.maxWindowSize,
		AcceptBacklog:     cfg.acceptBacklog,
		MaxPacketSize:     cfg.maxPacketSize,
	})
	return sm, nil
}

func (sm *socketManager) start() {
	sm.refCountLock.Lock()
	defer sm.refCountLock.Unlock()
	if sm.started {
		return
	}
	sm.started = true
	sm.mx.Start()
	go processUDPErrorQueue(sm)
}

func (sm *socketManager) LocalAddr() net.Addr {
	return sm.udpSocket.LocalAddr()
}

func (sm *socketManager) adjustMTUFor(host string, newMTU uint32) {
	sm.logger.Info("adjusting mtu for host", "host", host, "mtu", newMTU)
	sm.mx.AdjustMTU(host, int(newMTU))
}

func (sm *socketManager) incrementReferences() {
	sm.refCountLock.Lock()
	sm.refCount++
	sm.refCountLock.Unlock()
}

func (sm *socketManager) decrementReferences() error {
	sm.refCountLock.Lock()
	defer sm.refCountLock.Unlock()
	sm.refCount--
	if sm.refCount == 0 {
		return sm.mx.Close()
	}
	if sm.refCount < 0 {
		return errors.New("socketManager closed too many times!")
	}
	return nil
}
