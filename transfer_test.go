// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package udt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/zapr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/respu/udt/protocol"
)

func testListener(t *testing.T, options ...ConnectOption) *Listener {
	t.Helper()
	logger := zapr.NewLogger(zaptest.NewLogger(t))
	lAddr, err := ResolveUDTAddr("udt", "127.0.0.1:0")
	require.NoError(t, err)
	options = append([]ConnectOption{WithLogger(logger.WithName("server"))}, options...)
	l, err := ListenUDTOptions("udt", lAddr, options...)
	require.NoError(t, err)
	return l
}

func dialTest(t *testing.T, addr net.Addr, options ...ConnectOption) *Conn {
	t.Helper()
	logger := zapr.NewLogger(zaptest.NewLogger(t))
	options = append([]ConnectOption{WithLogger(logger.WithName("client"))}, options...)
	netConn, err := DialUDTOptions("udt", nil, addr.(*Addr), options...)
	require.NoError(t, err)
	return netConn.(*Conn)
}

func readContextFull(ctx context.Context, conn *Conn, buf []byte) (int, error) {
	got := 0
	for got < len(buf) {
		n, err := conn.ReadContext(ctx, buf[got:])
		got += n
		if err != nil {
			return got, err
		}
	}
	return got, nil
}

// echoConn copies everything read back to the writer until EOF.
func echoConn(conn *Conn) error {
	defer func() { _ = conn.Close() }()
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if _, werr := conn.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func TestSingleConnectionEcho(t *testing.T) {
	l := testListener(t)
	defer func() { _ = l.Close() }()

	var group errgroup.Group
	group.Go(func() error {
		conn, err := l.AcceptUDT()
		if err != nil {
			return err
		}
		return echoConn(conn)
	})

	conn := dialTest(t, l.Addr())

	const total = 10000
	payload := make([]byte, total)
	for i := range payload {
		payload[i] = byte(i % 256)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := conn.WriteContext(ctx, payload)
	require.NoError(t, err)
	require.Equal(t, total, n)

	echoed := make([]byte, total)
	_, err = readContextFull(ctx, conn, echoed)
	require.NoError(t, err)
	require.True(t, bytes.Equal(payload, echoed))

	require.NoError(t, conn.Close())
	require.NoError(t, group.Wait())
}

func TestMultipleParallelConnections(t *testing.T) {
	const clients = 20
	const perClient = 4 * 1024

	l := testListener(t, WithAcceptBacklog(clients))
	defer func() { _ = l.Close() }()

	var group errgroup.Group
	group.Go(func() error {
		for i := 0; i < clients; i++ {
			conn, err := l.AcceptUDT()
			if err != nil {
				return err
			}
			group.Go(func() error { return echoConn(conn) })
		}
		return nil
	})

	var clientGroup errgroup.Group
	for i := 0; i < clients; i++ {
		pattern := byte(i + 1)
		clientGroup.Go(func() error {
			conn := dialTest(t, l.Addr())
			defer func() { _ = conn.Close() }()

			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()

			payload := bytes.Repeat([]byte{pattern}, perClient)
			if _, err := conn.WriteContext(ctx, payload); err != nil {
				return err
			}
			echoed := make([]byte, perClient)
			if _, err := readContextFull(ctx, conn, echoed); err != nil {
				return err
			}
			if !bytes.Equal(payload, echoed) {
				return fmt.Errorf("client %d read back a different pattern", pattern)
			}
			return nil
		})
	}
	require.NoError(t, clientGroup.Wait())
	require.NoError(t, group.Wait())
}

func TestInducedPacketLoss(t *testing.T) {
	l := testListener(t)
	defer func() { _ = l.Close() }()

	const total = 1024 * 1024
	received := make([]byte, 0, total)
	done := make(chan error, 1)
	go func() {
		conn, err := l.AcceptUDT()
		if err != nil {
			done <- err
			return
		}
		defer func() { _ = conn.Close() }()
		buf := make([]byte, 64*1024)
		for len(received) < total {
			n, err := conn.Read(buf)
			received = append(received, buf[:n]...)
			if err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	conn := dialTest(t, l.Addr())
	defer func() { _ = conn.Close() }()

	// drop every 7th outbound datagram once the connection is up
	var mu sync.Mutex
	sent := 0
	conn.manager.mx.SetSendFilter(func(buf []byte, addr *net.UDPAddr) bool {
		mu.Lock()
		defer mu.Unlock()
		sent++
		return sent%7 != 0
	})

	payload := make([]byte, total)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	n, err := conn.WriteContext(ctx, payload)
	require.NoError(t, err)
	require.Equal(t, total, n)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("transfer did not complete under induced loss")
	}
	require.Equal(t, total, len(received))
	require.True(t, bytes.Equal(payload, received))
}

func TestPeerDisappearance(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the 10s session timeout")
	}

	l := testListener(t)
	defer func() { _ = l.Close() }()

	accepted := make(chan *Conn, 1)
	go func() {
		conn, err := l.AcceptUDT()
		if err == nil {
			go func() { _ = echoConn(conn) }()
			accepted <- conn
		}
	}()

	conn := dialTest(t, l.Addr())
	defer func() { _ = conn.releaseManager() }()

	server := <-accepted

	// let the RTT estimators settle on the real link before killing it
	warmup := bytes.Repeat([]byte{0x5a}, 256*1024)
	warmCtx, warmCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer warmCancel()
	_, err := conn.WriteContext(warmCtx, warmup)
	require.NoError(t, err)
	_, err = readContextFull(warmCtx, conn, warmup)
	require.NoError(t, err)

	// the peer vanishes: nothing goes out from either side anymore
	dropAll := func([]byte, *net.UDPAddr) bool { return false }
	conn.manager.mx.SetSendFilter(dropAll)
	server.manager.mx.SetSendFilter(dropAll)

	_, err = conn.WriteContext(context.Background(), bytes.Repeat([]byte{0xab}, 64*1024))
	require.NoError(t, err)

	deadline := time.Now().Add(20 * time.Second)
	for conn.session.Phase() != protocol.StateTimeout && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
	require.Equal(t, protocol.StateTimeout, conn.session.Phase())

	var protoErr *protocol.Error
	_, err = conn.Read(make([]byte, 16))
	require.Error(t, err)
	require.True(t, errors.As(err, &protoErr))
	require.Equal(t, protocol.ConnectionAborted, protoErr.Code)

	_, err = conn.WriteContext(context.Background(), []byte("more"))
	require.Error(t, err)
}

func TestLightAckCadence(t *testing.T) {
	l := testListener(t)
	defer func() { _ = l.Close() }()

	var mu sync.Mutex
	lightAcks, fullAcks := 0, 0

	received := make(chan error, 1)
	go func() {
		conn, err := l.AcceptUDT()
		if err != nil {
			received <- err
			return
		}
		defer func() { _ = conn.Close() }()

		// count the ACKs this side puts on the wire
		conn.manager.mx.SetSendFilter(func(buf []byte, addr *net.UDPAddr) bool {
			h, err := protocol.DecodeHeader(buf)
			if err == nil && h.IsControl && h.Type == protocol.ControlAck {
				mu.Lock()
				if len(buf) == protocol.HeaderSize+4 {
					lightAcks++
				} else {
					fullAcks++
				}
				mu.Unlock()
			}
			return true
		})

		buf := make([]byte, 64*1024)
		got := 0
		for got < 200*1400 {
			n, err := conn.Read(buf)
			got += n
			if err != nil {
				received <- err
				return
			}
		}
		received <- nil
	}()

	conn := dialTest(t, l.Addr(), WithMaxPacketSize(1400+protocol.HeaderSize))
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	// give the acceptor a moment to install its ACK counter
	time.Sleep(100 * time.Millisecond)

	// 200 packets of back-to-back data
	payload := make([]byte, 200*1400)
	_, err := conn.WriteContext(ctx, payload)
	require.NoError(t, err)

	require.NoError(t, <-received)

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, lightAcks, 3, "one light ACK per 64 packets")
	assert.GreaterOrEqual(t, fullAcks, 1, "at least one timer-driven full ACK")
}

func TestGracefulClose(t *testing.T) {
	l := testListener(t)
	defer func() { _ = l.Close() }()

	done := make(chan error, 1)
	go func() {
		conn, err := l.AcceptUDT()
		if err != nil {
			done <- err
			return
		}
		defer func() { _ = conn.Close() }()

		buf := make([]byte, 16)
		n, err := io.ReadFull(conn, buf[:5])
		if err != nil {
			done <- err
			return
		}
		if string(buf[:n]) != "hello" {
			done <- fmt.Errorf("read %q instead of hello", buf[:n])
			return
		}
		// peer closed cleanly; the next read is end-of-stream
		n, err = conn.Read(buf)
		if n != 0 || !errors.Is(err, io.EOF) {
			done <- fmt.Errorf("expected EOF after peer close, got n=%d err=%v", n, err)
			return
		}
		done <- nil
	}()

	conn := dialTest(t, l.Addr())
	_, err := conn.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	require.NoError(t, <-done)
}
