package packet

import (
	"encoding/binary"

	"github.com/pyr33x/goqtt/pkg/er"
)

// ParsePacketIDFrame decodes the common 4-byte acknowledgement frame shared
// by PUBACK, PUBREC, PUBREL and PUBCOMP: fixed header byte, remaining
// length 0x02, then a 2-byte packet identifier. want is matched against the
// packet type nibble.
func ParsePacketIDFrame(raw []byte, want PacketType) (uint16, error) {
	if len(raw) != 4 {
		return 0, &er.Err{Context: "ParsePacketIDFrame", Message: er.ErrInvalidPacketLength}
	}
	if PacketType(raw[0]&0xF0) != want {
		return 0, &er.Err{Context: "ParsePacketIDFrame", Message: er.ErrInvalidPacketType}
	}
	if raw[1] != 0x02 {
		return 0, &er.Err{Context: "ParsePacketIDFrame", Message: er.ErrInvalidPacketLength}
	}
	return binary.BigEndian.Uint16(raw[2:4]), nil
}

// Publish Acknowledge
func NewPubAck(packetID uint16) []byte {
	return []byte{
		byte(PUBACK),          // Packet Type (PUBACK)
		0x02,                  // Remaining Length
		byte(packetID >> 8),   // MSB of Packet Identifier
		byte(packetID & 0xFF), // LSB of Packet Identifier
	}
}

// Publish received (QoS 2 publish received, part 1)
func NewPubRec(packetID uint16) []byte {
	return []byte{
		byte(PUBREC),          // Packet Type (PUBREC)
		0x02,                  // Remaining Length
		byte(packetID >> 8),   // MSB of Packet Identifier
		byte(packetID & 0xFF), // LSB of Packet Identifier
	}
}

// Publish release (QoS 2 publish received, part 2)
func NewPubRel(packetID uint16) []byte {
	return []byte{
		byte(PUBREL),          // Packet Type (PUBREL)
		0x02,                  // Remaining Length
		byte(packetID >> 8),   // MSB of Packet Identifier
		byte(packetID & 0xFF), // LSB of Packet Identifier
	}
}

// Publish complete (QoS 2 publish received, part 3)
func NewPubComp(packetID uint16) []byte {
	return []byte{
		byte(PUBCOMP),         // Packet Type (PUBCOMP)
		0x02,                  // Remaining Length
		byte(packetID >> 8),   // MSB of Packet Identifier
		byte(packetID & 0xFF), // LSB of Packet Identifier
	}
}
