// Package rdt implements the sliding-window, selective-repeat reliable
// data transport protocol layered atop a lossy UDP substrate.
package rdt

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// PacketType tags a packet as carrying application data or acknowledging one.
type PacketType uint8

const (
	// DataPacket carries an application payload.
	DataPacket PacketType = 0
	// AckPacket acknowledges receipt of a DataPacket with the same SeqNum.
	AckPacket PacketType = 1
)

func (t PacketType) String() string {
	switch t {
	case DataPacket:
		return "data"
	case AckPacket:
		return "ack"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

const (
	headerLen = 3

	// MaxPayloadLen is the largest payload a single packet may carry.
	MaxPayloadLen = 1397
	// MaxPacketLen is the largest encoded packet, header included.
	MaxPacketLen = headerLen + MaxPayloadLen
)

// Packet is the unit exchanged with the peer: one octet of type, a 16-bit
// sequence number, and (for DataPacket) a US-ASCII payload.
type Packet struct {
	Type    PacketType
	SeqNum  uint16
	Payload string
}

func (p Packet) String() string {
	if p.Type == DataPacket {
		return fmt.Sprintf("data[%d] %q", p.SeqNum, p.Payload)
	}
	return fmt.Sprintf("ack[%d]", p.SeqNum)
}

// Encode packs a packet into its wire representation. It fails if the
// payload exceeds MaxPayloadLen.
func Encode(p Packet) ([]byte, error) {
	if len(p.Payload) > MaxPayloadLen {
		return nil, errors.Errorf("rdt: payload of %d bytes exceeds maximum of %d", len(p.Payload), MaxPayloadLen)
	}
	buf := make([]byte, headerLen+len(p.Payload))
	buf[0] = byte(p.Type)
	binary.BigEndian.PutUint16(buf[1:3], p.SeqNum)
	copy(buf[headerLen:], p.Payload)
	return buf, nil
}

// Decode unpacks a wire buffer into a Packet. It fails on a truncated
// buffer, an unrecognized type tag, or a payload that isn't US-ASCII.
func Decode(buf []byte) (Packet, error) {
	if len(buf) < headerLen {
		return Packet{}, errors.Errorf("rdt: packet too short: %d bytes", len(buf))
	}
	typ := PacketType(buf[0])
	if typ != DataPacket && typ != AckPacket {
		return Packet{}, errors.Errorf("rdt: unknown packet type %d", buf[0])
	}
	seqNum := binary.BigEndian.Uint16(buf[1:3])
	payload := buf[headerLen:]
	if !isASCII(payload) {
		return Packet{}, errors.New("rdt: payload is not valid US-ASCII")
	}
	return Packet{Type: typ, SeqNum: seqNum, Payload: string(payload)}, nil
}

func isASCII(b []byte) bool {
	for _, c := range b {
		if c > 127 {
			return false
		}
	}
	return true
}
