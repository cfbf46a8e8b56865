// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package protocol

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedControl struct {
	typ     ControlType
	info    uint32
	payload []byte
}

type controlCapture struct {
	mu    sync.Mutex
	items []capturedControl
}

func (c *controlCapture) send(typ ControlType, info uint32, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, capturedControl{typ: typ, info: info, payload: append([]byte(nil), payload...)})
}

func (c *controlCapture) ofType(typ ControlType) []capturedControl {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []capturedControl
	for _, item := range c.items {
		if item.typ == typ {
			out = append(out, item)
		}
	}
	return out
}

const (
	testLocalInitSeq = 100
	testPeerInitSeq  = 500
)

func newTestSession(t *testing.T, start time.Time) (*Session, *controlCapture) {
	t.Helper()
	capture := &controlCapture{}
	s := NewSession(SessionConfig{
		LocalSocketID:     1,
		RemoteSocketID:    2,
		RemoteAddr:        "127.0.0.1",
		InitPacketSeq:     testLocalInitSeq,
		PeerInitPacketSeq: testPeerInitSeq,
		MaxWindowFlowSize: 64,
		SendControl:       capture.send,
		StartTime:         start,
	})
	return s, capture
}

func peerData(seq uint32, payload string) *DataDatagram {
	return &DataDatagram{
		Header:  Header{PacketSeq: seq, MessagePosition: OnlyOnePacket},
		Payload: []byte(payload),
	}
}

// Two ACK timer fires without intervening data produce at most one wire
// ACK: the second is suppressed because the ACK number has not moved and
// less than two round trips have passed.
func TestAckTimerDuplicateSuppression(t *testing.T) {
	start := time.Now()
	s, capture := newTestSession(t, start)

	s.OnDataDatagram(peerData(testPeerInitSeq, "a"), start)
	s.OnDataDatagram(peerData(testPeerInitSeq+1, "b"), start)

	s.Tick(start.Add(11 * time.Millisecond))
	s.Tick(start.Add(22 * time.Millisecond))

	acks := capture.ofType(ControlAck)
	require.Len(t, acks, 1)

	payload, err := DecodeAckPayload(acks[0].payload)
	require.NoError(t, err)
	assert.True(t, payload.Full)
	assert.Equal(t, uint32(testPeerInitSeq+2), payload.AckNumber)
}

// Every 64th received data packet triggers an immediate light ACK carrying
// only the ACK number.
func TestLightAckCadence(t *testing.T) {
	start := time.Now()
	s, capture := newTestSession(t, start)

	for i := 0; i < 64; i++ {
		s.OnDataDatagram(peerData(testPeerInitSeq+uint32(i), "x"), start)
	}

	acks := capture.ofType(ControlAck)
	require.Len(t, acks, 1)
	assert.Len(t, acks[0].payload, 4, "light ACK carries only the ack number")

	payload, err := DecodeAckPayload(acks[0].payload)
	require.NoError(t, err)
	assert.False(t, payload.Full)
	assert.Equal(t, uint32(testPeerInitSeq+64), payload.AckNumber)
}

// An ACK-of-ACK closes the RTT measurement loop started by a sent ACK.
func TestAckOfAckUpdatesRTT(t *testing.T) {
	start := time.Now()
	s, capture := newTestSession(t, start)

	s.OnDataDatagram(peerData(testPeerInitSeq, "a"), start)
	ackAt := start.Add(11 * time.Millisecond)
	s.Tick(ackAt)

	acks := capture.ofType(ControlAck)
	require.Len(t, acks, 1)

	s.OnControlDatagram(Header{
		IsControl:      true,
		Type:           ControlAckOfAck,
		AdditionalInfo: acks[0].info,
	}, nil, ackAt.Add(40*time.Millisecond))

	// 7/8 smoothing applied to the default 100ms estimate with a 40ms sample
	assert.InDelta(t, 92500, s.connInfo.RTT().Microseconds(), 100)
}

// A sequence gap in arriving data puts a NAK on the wire immediately.
func TestImmediateNakOnGap(t *testing.T) {
	start := time.Now()
	s, capture := newTestSession(t, start)

	s.OnDataDatagram(peerData(testPeerInitSeq, "a"), start)
	s.OnDataDatagram(peerData(testPeerInitSeq+3, "d"), start)

	naks := capture.ofType(ControlNAck)
	require.Len(t, naks, 1)

	payload, err := DecodeNAckPayload(naks[0].payload)
	require.NoError(t, err)
	require.Len(t, payload.Ranges, 1)
	assert.Equal(t, LossRange{Start: testPeerInitSeq + 1, End: testPeerInitSeq + 3}, payload.Ranges[0])
}

// A full ACK retires in-flight packets and is answered with an ACK-of-ACK
// keyed by the ACK's own sequence number.
func TestAckRetiresInFlight(t *testing.T) {
	start := time.Now()
	s, capture := newTestSession(t, start)

	n, err := s.Write([]byte("ping"))
	require.NoError(t, err)
	require.Equal(t, 4, n)

	d := s.NextScheduledPacket(start)
	require.NotNil(t, d)
	require.Equal(t, uint32(testLocalInitSeq), d.Header.PacketSeq)
	s.MarkSent(d.Header.PacketSeq)
	require.True(t, s.sender.HasNackPackets())

	ack := &AckPayload{
		Full:                true,
		AckNumber:           testLocalInitSeq + 1,
		RTT:                 1000,
		RTTVar:              500,
		AvailableBufferSize: 64,
	}
	s.OnControlDatagram(Header{
		IsControl:      true,
		Type:           ControlAck,
		AdditionalInfo: 17,
	}, ack.Encode(), start.Add(time.Millisecond))

	assert.False(t, s.sender.HasNackPackets())

	ackOfAcks := capture.ofType(ControlAckOfAck)
	require.Len(t, ackOfAcks, 1)
	assert.Equal(t, uint32(17), ackOfAcks[0].info)
}

// A NAK moves the named sequences back into the loss list for priority
// retransmission.
func TestNakTriggersRetransmit(t *testing.T) {
	start := time.Now()
	s, _ := newTestSession(t, start)

	_, err := s.Write([]byte("payload"))
	require.NoError(t, err)
	d := s.NextScheduledPacket(start)
	require.NotNil(t, d)
	s.MarkSent(d.Header.PacketSeq)

	nack := &NAckPayload{Ranges: []LossRange{{Start: d.Header.PacketSeq, End: Inc(d.Header.PacketSeq)}}}
	s.OnControlDatagram(Header{IsControl: true, Type: ControlNAck}, nack.Encode(), start.Add(time.Millisecond))

	retrans := s.NextScheduledPacket(start.Add(2 * time.Millisecond))
	require.NotNil(t, retrans)
	assert.Equal(t, d.Header.PacketSeq, retrans.Header.PacketSeq)
}

// A peer SHUTDOWN closes the session without emitting a SHUTDOWN of its
// own, and pending reads end with the stream.
func TestPeerShutdown(t *testing.T) {
	start := time.Now()
	s, capture := newTestSession(t, start)

	s.OnControlDatagram(Header{IsControl: true, Type: ControlShutdown}, nil, start)
	assert.Equal(t, StateClosed, s.Phase())
	assert.Empty(t, capture.ofType(ControlShutdown))
	assert.NoError(t, s.Err())

	_, err := s.Read(context.Background(), make([]byte, 4))
	assert.ErrorIs(t, err, io.EOF)
}

// A local close sends SHUTDOWN and stores the session's link measurements
// back into the connections-info cache.
func TestCloseSendsShutdown(t *testing.T) {
	start := time.Now()
	capture := &controlCapture{}
	cache := NewInfoCache(8)
	s := NewSession(SessionConfig{
		LocalSocketID:     1,
		RemoteSocketID:    2,
		RemoteAddr:        "10.9.8.7",
		InitPacketSeq:     testLocalInitSeq,
		PeerInitPacketSeq: testPeerInitSeq,
		MaxWindowFlowSize: 64,
		InfoCache:         cache,
		SendControl:       capture.send,
		StartTime:         start,
	})

	require.NoError(t, s.Close())
	assert.Equal(t, StateClosed, s.Phase())
	assert.Len(t, capture.ofType(ControlShutdown), 1)
	assert.Equal(t, 1, cache.Len())

	// closing again is a no-op
	require.NoError(t, s.Close())
	assert.Len(t, capture.ofType(ControlShutdown), 1)
}

// A keep-alive resets the silence clock but produces no reply.
func TestKeepAlive(t *testing.T) {
	start := time.Now()
	s, capture := newTestSession(t, start)

	s.receiver.IncExpCounter()
	s.OnControlDatagram(Header{IsControl: true, Type: ControlKeepAlive}, nil, start)
	assert.Equal(t, 0, s.receiver.ExpCount())
	assert.Empty(t, capture.items)
}

// The EXP timer probes with a keep-alive when there is nothing to
// retransmit.
func TestExpTimerKeepAlive(t *testing.T) {
	start := time.Now()
	s, capture := newTestSession(t, start)

	s.Tick(start.Add(s.connInfo.ExpPeriod() + time.Millisecond))
	assert.Len(t, capture.ofType(ControlKeepAlive), 1)
	assert.Equal(t, StateConnected, s.Phase())
}
