// Package feetech speaks the Feetech STS servo protocol: framed instruction packets with a
// one byte checksum over a half-duplex serial bus.
package feetech

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Instruction codes
const (
	InstPing  byte = 0x01
	InstRead  byte = 0x02
	InstWrite byte = 0x03
)

const (
	BroadcastID = 0xFE
	MaxServoID  = 0xFD

	header = 0xFF
)

// StatusError holds the error flags a servo sets in its response
type StatusError byte

const (
	ErrVoltage     StatusError = 1 << 0
	ErrAngleLimit  StatusError = 1 << 1
	ErrOverheat    StatusError = 1 << 2
	ErrRange       StatusError = 1 << 3
	ErrChecksum    StatusError = 1 << 4
	ErrOverload    StatusError = 1 << 5
	ErrInstruction StatusError = 1 << 6
)

var statusNames = []struct {
	flag StatusError
	name string
}{
	{ErrVoltage, "voltage"},
	{ErrAngleLimit, "angle limit"},
	{ErrOverheat, "overheat"},
	{ErrRange, "range"},
	{ErrChecksum, "checksum"},
	{ErrOverload, "overload"},
	{ErrInstruction, "instruction"},
}

func (e StatusError) Error() string {
	var names []string
	for _, s := range statusNames {
		if e&s.flag != 0 {
			names = append(names, s.name)
		}
	}
	return "servo status error: " + strings.Join(names, ", ")
}

// Packet is a decoded response
type Packet struct {
	ID         byte
	Status     StatusError
	Parameters []byte
}

// byteOrder is the STS word order
var byteOrder = binary.LittleEndian

// EncodeWord converts a 16-bit value to protocol byte order
func EncodeWord(v uint16) []byte {
	buf := make([]byte, 2)
	byteOrder.PutUint16(buf, v)
	return buf
}

// DecodeWord reads a 16-bit value in protocol byte order
func DecodeWord(data []byte) uint16 {
	if len(data) < 2 {
		return 0
	}
	return byteOrder.Uint16(data)
}

// DecodeSigned interprets a sign-magnitude value whose sign is stored in bit signBit
func DecodeSigned(raw uint16, signBit int) int {
	mask := uint16(1) << signBit
	if raw&mask != 0 {
		return -int(raw &^ mask)
	}
	return int(raw)
}

// EncodeSigned is the inverse of DecodeSigned
func EncodeSigned(v int, signBit int) uint16 {
	if v < 0 {
		return uint16(-v) | uint16(1)<<signBit
	}
	return uint16(v)
}

func checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return ^sum
}

// Encode frames an instruction: FF FF id len inst params... checksum
func Encode(id, inst byte, params []byte) []byte {
	buf := make([]byte, 0, 6+len(params))
	buf = append(buf, header, header, id, byte(len(params)+2), inst)
	buf = append(buf, params...)
	return append(buf, checksum(buf[2:]))
}

// Decode parses the first response packet in data and returns the number of bytes used
func Decode(data []byte) (Packet, int, error) {
	start := -1
	for i := 0; i+1 < len(data); i++ {
		if data[i] == header && data[i+1] == header {
			start = i
			break
		}
	}
	if start < 0 {
		return Packet{}, 0, fmt.Errorf("%w: header not found", ErrInvalidPacket)
	}

	frame := data[start:]
	if len(frame) < 6 {
		return Packet{}, 0, fmt.Errorf("%w: packet too short", ErrInvalidPacket)
	}

	length := int(frame[3])
	total := 4 + length
	if length < 2 || len(frame) < total {
		return Packet{}, 0, fmt.Errorf("%w: need %d bytes, have %d", ErrInvalidPacket, total, len(frame))
	}

	want := checksum(frame[2 : total-1])
	if got := frame[total-1]; got != want {
		return Packet{}, 0, fmt.Errorf("%w: checksum mismatch: expected 0x%02X, got 0x%02X", ErrInvalidPacket, want, got)
	}

	pkt := Packet{ID: frame[2], Status: StatusError(frame[4])}
	if n := length - 2; n > 0 {
		pkt.Parameters = append([]byte(nil), frame[5:5+n]...)
	}
	return pkt, start + total, nil
}

// ResponseLength is the wire size of a response carrying n data bytes
func ResponseLength(n int) int {
	return 6 + n
}

func PingPacket(id byte) []byte {
	return Encode(id, InstPing, nil)
}

func ReadPacket(id, address, length byte) []byte {
	return Encode(id, InstRead, []byte{address, length})
}

func WritePacket(id, address byte, data []byte) []byte {
	return Encode(id, InstWrite, append([]byte{address}, data...))
}
