// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package protocol

import (
	"encoding/binary"
	"fmt"
)

// MessagePosition marks where a segment falls within the user message it
// was split from.
type MessagePosition uint8

const (
	First MessagePosition = iota
	Middle
	Last
	OnlyOnePacket
)

// ControlType enumerates the control-datagram kinds exchanged by a
// session.
type ControlType uint16

const (
	ControlHandshake ControlType = iota
	ControlKeepAlive
	ControlAck
	ControlNAck
	ControlShutdown
	ControlAckOfAck
	ControlMessageDropRequest
)

// HeaderSize is the fixed 16-byte header every datagram (data or control)
// carries ahead of its payload: a flag+sequence/type word, a
// message-position+message-number word (or additional-info for control
// datagrams), a timestamp, and the destination socket id.
const HeaderSize = 16

const headerSize = HeaderSize

// controlFlag marks bit 31 of the first header word to distinguish
// control datagrams from data datagrams. The same high bit marks loss-list
// range starts inside NAK payloads.
const controlFlag = uint32(1) << 31

// Header is the fixed-size preamble shared by every datagram on the wire.
type Header struct {
	IsControl bool

	// Data datagrams only.
	PacketSeq       uint32
	MessagePosition MessagePosition
	MessageNumber   uint32 // 30 bits

	// Control datagrams only.
	Type           ControlType
	AdditionalInfo uint32

	Timestamp         uint32
	DestinationSocket uint32
}

// Encode writes the header into the first headerSize bytes of buf, which
// must be at least headerSize long.
func (h *Header) Encode(buf []byte) {
	_ = buf[headerSize-1]

	if h.IsControl {
		binary.BigEndian.PutUint32(buf[0:4], controlFlag|uint32(h.Type)<<16)
		binary.BigEndian.PutUint32(buf[4:8], h.AdditionalInfo)
	} else {
		binary.BigEndian.PutUint32(buf[0:4], Mask(h.PacketSeq))
		msgWord := uint32(h.MessagePosition)<<30 | (h.MessageNumber & 0x3FFFFFFF)
		binary.BigEndian.PutUint32(buf[4:8], msgWord)
	}
	binary.BigEndian.PutUint32(buf[8:12], h.Timestamp)
	binary.BigEndian.PutUint32(buf[12:16], h.DestinationSocket)
}

// DecodeHeader parses the fixed header out of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < headerSize {
		return Header{}, fmt.Errorf("protocol: short datagram header: %d bytes", len(buf))
	}
	w0 := binary.BigEndian.Uint32(buf[0:4])
	w1 := binary.BigEndian.Uint32(buf[4:8])

	h := Header{
		Timestamp:         binary.BigEndian.Uint32(buf[8:12]),
		DestinationSocket: binary.BigEndian.Uint32(buf[12:16]),
	}

	if w0&controlFlag != 0 {
		h.IsControl = true
		h.Type = ControlType((w0 >> 16) & 0x7FFF)
		h.AdditionalInfo = w1
	} else {
		h.PacketSeq = w0 & SeqMask
		h.MessagePosition = MessagePosition(w1 >> 30)
		h.MessageNumber = w1 & 0x3FFFFFFF
	}
	return h, nil
}

// DataDatagram is a segmented chunk of a user message.
type DataDatagram struct {
	Header  Header
	Payload []byte
}

// Encode serializes the datagram as a single wire buffer.
func (d *DataDatagram) Encode() []byte {
	buf := make([]byte, headerSize+len(d.Payload))
	d.Header.Encode(buf)
	copy(buf[headerSize:], d.Payload)
	return buf
}

// DecodeDataDatagram parses buf (header already confirmed non-control) into
// a DataDatagram.
func DecodeDataDatagram(h Header, buf []byte) *DataDatagram {
	payload := make([]byte, len(buf)-headerSize)
	copy(payload, buf[headerSize:])
	return &DataDatagram{Header: h, Payload: payload}
}

// Handshake connection types, carried in HandshakePayload.ConnectionType.
// A request opens a connection; a response completes one, echoing the
// responder's own parameters back.
const (
	HandshakeRequest  uint32 = 1
	HandshakeResponse uint32 = 0xFFFFFFFF
)

// handshakeVersion identifies this protocol revision in handshakes; peers
// speaking a different version are rejected during connection setup.
const handshakeVersion = 4

// HandshakePayload is the body of a HANDSHAKE control datagram: each side
// announces its protocol version, initial packet sequence number, largest
// packet it will emit, flow window, and the socket id the peer must stamp
// into every subsequent datagram's destination field.
type HandshakePayload struct {
	Version        uint32
	InitPacketSeq  uint32
	MaxPacketSize  uint32
	MaxWindowSize  uint32
	ConnectionType uint32
	SocketID       uint32
}

// NewHandshakePayload returns a payload for this revision of the protocol.
func NewHandshakePayload(connType, initSeq, maxPacketSize, maxWindow, socketID uint32) *HandshakePayload {
	return &HandshakePayload{
		Version:        handshakeVersion,
		InitPacketSeq:  Mask(initSeq),
		MaxPacketSize:  maxPacketSize,
		MaxWindowSize:  maxWindow,
		ConnectionType: connType,
		SocketID:       socketID,
	}
}

// VersionSupported reports whether the announcing peer speaks a revision
// this implementation can interoperate with.
func (p *HandshakePayload) VersionSupported() bool {
	return p.Version == handshakeVersion
}

// Encode serializes the handshake payload as 24 bytes.
func (p *HandshakePayload) Encode() []byte {
	buf := make([]byte, 24)
	binary.BigEndian.PutUint32(buf[0:4], p.Version)
	binary.BigEndian.PutUint32(buf[4:8], Mask(p.InitPacketSeq))
	binary.BigEndian.PutUint32(buf[8:12], p.MaxPacketSize)
	binary.BigEndian.PutUint32(buf[12:16], p.MaxWindowSize)
	binary.BigEndian.PutUint32(buf[16:20], p.ConnectionType)
	binary.BigEndian.PutUint32(buf[20:24], p.SocketID)
	return buf
}

// DecodeHandshakePayload parses a HANDSHAKE control datagram's payload.
func DecodeHandshakePayload(buf []byte) (*HandshakePayload, error) {
	if len(buf) < 24 {
		return nil, fmt.Errorf("protocol: short handshake payload: %d bytes", len(buf))
	}
	return &HandshakePayload{
		Version:        binary.BigEndian.Uint32(buf[0:4]),
		InitPacketSeq:  Mask(binary.BigEndian.Uint32(buf[4:8])),
		MaxPacketSize:  binary.BigEndian.Uint32(buf[8:12]),
		MaxWindowSize:  binary.BigEndian.Uint32(buf[12:16]),
		ConnectionType: binary.BigEndian.Uint32(buf[16:20]),
		SocketID:       binary.BigEndian.Uint32(buf[20:24]),
	}, nil
}

// AckPayload is the body of an ACK control datagram. Light ACKs only
// carry AckNumber; full ACKs additionally report RTT, RTT variance, free
// buffer space, and the receiver's bandwidth estimates.
type AckPayload struct {
	Full bool

	AckNumber uint32 // first unreceived sequence number (exclusive)

	RTT                   uint32 // microseconds
	RTTVar                uint32 // microseconds
	AvailableBufferSize   uint32 // packets, floored to 2
	PacketArrivalSpeed    uint32 // packets/sec, ceil'd
	EstimatedLinkCapacity uint32 // packets/sec, ceil'd
}

// Encode serializes the payload; full ACKs carry 24 bytes, light ACKs 4.
func (p *AckPayload) Encode() []byte {
	if !p.Full {
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, p.AckNumber)
		return buf
	}
	buf := make([]byte, 24)
	binary.BigEndian.PutUint32(buf[0:4], p.AckNumber)
	binary.BigEndian.PutUint32(buf[4:8], p.RTT)
	binary.BigEndian.PutUint32(buf[8:12], p.RTTVar)
	binary.BigEndian.PutUint32(buf[12:16], p.AvailableBufferSize)
	binary.BigEndian.PutUint32(buf[16:20], p.PacketArrivalSpeed)
	binary.BigEndian.PutUint32(buf[20:24], p.EstimatedLinkCapacity)
	return buf
}

// DecodeAckPayload parses an ACK control datagram's payload.
func DecodeAckPayload(buf []byte) (*AckPayload, error) {
	switch len(buf) {
	case 4:
		return &AckPayload{AckNumber: binary.BigEndian.Uint32(buf[0:4])}, nil
	case 24:
		return &AckPayload{
			Full:                  true,
			AckNumber:             binary.BigEndian.Uint32(buf[0:4]),
			RTT:                   binary.BigEndian.Uint32(buf[4:8]),
			RTTVar:                binary.BigEndian.Uint32(buf[8:12]),
			AvailableBufferSize:   binary.BigEndian.Uint32(buf[12:16]),
			PacketArrivalSpeed:    binary.BigEndian.Uint32(buf[16:20]),
			EstimatedLinkCapacity: binary.BigEndian.Uint32(buf[20:24]),
		}, nil
	default:
		return nil, fmt.Errorf("protocol: invalid ack payload length %d", len(buf))
	}
}

// NAckPayload carries loss ranges. Each range is encoded as either one
// sequence number (a single lost packet) or a pair where the first value
// has bit 31 set to mark the start of a range whose end (exclusive) is the
// following value with bit 31 clear.
type NAckPayload struct {
	Ranges []LossRange
}

// LossRange is a half-open [Start, End) range of lost sequence numbers. A
// single lost packet is represented with End == Inc(Start).
type LossRange struct {
	Start uint32
	End   uint32
}

// Encode serializes the loss list into the packed range format.
func (p *NAckPayload) Encode() []byte {
	buf := make([]byte, 0, len(p.Ranges)*8)
	var word [4]byte
	for _, r := range p.Ranges {
		if Inc(r.Start) == r.End {
			binary.BigEndian.PutUint32(word[:], Mask(r.Start))
			buf = append(buf, word[:]...)
			continue
		}
		binary.BigEndian.PutUint32(word[:], Mask(r.Start)|controlFlag)
		buf = append(buf, word[:]...)
		binary.BigEndian.PutUint32(word[:], Mask(r.End))
		buf = append(buf, word[:]...)
	}
	return buf
}

// DecodeNAckPayload parses the packed loss-range format back into ranges.
func DecodeNAckPayload(buf []byte) (*NAckPayload, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("protocol: invalid nack payload length %d", len(buf))
	}
	var ranges []LossRange
	for i := 0; i < len(buf); i += 4 {
		w := binary.BigEndian.Uint32(buf[i : i+4])
		if w&controlFlag != 0 {
			if i+8 > len(buf) {
				return nil, fmt.Errorf("protocol: truncated nack range")
			}
			start := w &^ controlFlag
			end := binary.BigEndian.Uint32(buf[i+4 : i+8])
			ranges = append(ranges, LossRange{Start: start, End: end})
			i += 4
			continue
		}
		ranges = append(ranges, LossRange{Start: w, End: Inc(w)})
	}
	return &NAckPayload{Ranges: ranges}, nil
}
