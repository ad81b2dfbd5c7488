package modbus

import (
	"errors"
	"fmt"

	"github.com/sigurn/crc16"
)

// FnReadInputRegisters is the only function code this system issues.
const FnReadInputRegisters = 0x04

var (
	// ErrCRC is returned when a reply fails its CRC check.
	ErrCRC = errors.New("modbus: crc mismatch")

	// ErrBadFrame is returned when a reply is malformed or truncated.
	ErrBadFrame = errors.New("modbus: malformed frame")
)

// ExceptionError is a Modbus exception reply from the device.
type ExceptionError struct {
	Code byte
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus: device exception 0x%02X", e.Code)
}

var crcTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// appendCRC appends the RTU checksum, low byte first.
func appendCRC(frame []byte) []byte {
	sum := crc16.Checksum(frame, crcTable)
	return append(frame, byte(sum&0xFF), byte(sum>>8))
}

func checkCRC(frame []byte) bool {
	if len(frame) < 3 {
		return false
	}
	payload, trailer := frame[:len(frame)-2], frame[len(frame)-2:]
	sum := crc16.Checksum(payload, crcTable)
	return trailer[0] == byte(sum&0xFF) && trailer[1] == byte(sum>>8)
}

// ReadRequest builds a Read Input Registers request for count registers
// starting at register, addressed to the device at address.
func ReadRequest(address byte, register, count uint16) []byte {
	frame := []byte{
		address,
		FnReadInputRegisters,
		byte(register >> 8),
		byte(register),
		byte(count >> 8),
		byte(count),
	}
	return appendCRC(frame)
}

// ResponseLength returns the size of a successful reply to a count-register
// read: address, function, byte count, data, CRC.
func ResponseLength(count uint16) int {
	return 5 + 2*int(count)
}

// ParseReadResponse validates a reply against the request it answers and
// returns the register words. CRC, length, address and function mismatches
// are decode errors; an exception reply surfaces as *ExceptionError.
func ParseReadResponse(response []byte, address byte, count uint16) ([]uint16, error) {
	if len(response) < 5 {
		return nil, fmt.Errorf("%w: %d byte reply", ErrBadFrame, len(response))
	}
	if response[0] != address {
		return nil, fmt.Errorf("%w: reply from address %d, want %d", ErrBadFrame, response[0], address)
	}
	if response[1] == FnReadInputRegisters|0x80 {
		if !checkCRC(response[:5]) {
			return nil, ErrCRC
		}
		return nil, &ExceptionError{Code: response[2]}
	}
	if response[1] != FnReadInputRegisters {
		return nil, fmt.Errorf("%w: unexpected function 0x%02X", ErrBadFrame, response[1])
	}

	byteCount := int(response[2])
	if byteCount != 2*int(count) || len(response) != 3+byteCount+2 {
		return nil, fmt.Errorf("%w: byte count %d for %d registers", ErrBadFrame, byteCount, count)
	}
	if !checkCRC(response) {
		return nil, ErrCRC
	}

	registers := make([]uint16, count)
	for i := range registers {
		registers[i] = uint16(response[3+2*i])<<8 | uint16(response[4+2*i])
	}
	return registers, nil
}
