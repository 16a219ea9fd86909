// Package protocol defines the binary layouts of the flasher stub wire
// protocol: 8-byte command and response headers with little-endian fields,
// exchanged inside SLIP frames.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed size of both command and response headers.
const HeaderSize = 8

// dataHeaderSize is the per-block header inside FLASH_DATA payloads:
// length word, sequence word and two reserved words.
const dataHeaderSize = 16

// Command is a decoded inbound command.
//
// Wire layout: direction (0x00), op, data_len (u16 LE), checksum (u32 LE,
// low byte significant), then data_len bytes of payload.
type Command struct {
	Op       byte
	DataLen  uint16
	Checksum uint32
	Data     []byte
}

// ParseCommand interprets a decoded frame as a command. The payload is
// whatever followed the header, which may disagree with DataLen on a
// truncated or corrupted frame; callers must validate the two against
// each other.
func ParseCommand(buf []byte) (*Command, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("command too short: %d bytes", len(buf))
	}
	return &Command{
		Op:       buf[1],
		DataLen:  binary.LittleEndian.Uint16(buf[2:4]),
		Checksum: binary.LittleEndian.Uint32(buf[4:8]),
		Data:     buf[HeaderSize:],
	}, nil
}

// Arg returns the i-th 32-bit little-endian argument word of the payload,
// or 0 if the payload is too short to hold it.
func (c *Command) Arg(i int) uint32 {
	off := i * 4
	if off+4 > len(c.Data) {
		return 0
	}
	return binary.LittleEndian.Uint32(c.Data[off : off+4])
}

// BlockPayload returns the flash data that follows the 16-byte block
// header of a DATA command, or nil if the payload is shorter than the
// header.
func (c *Command) BlockPayload() []byte {
	if len(c.Data) < dataHeaderSize {
		return nil
	}
	return c.Data[dataHeaderSize:]
}

// Response is an outbound command response.
//
// Wire layout: direction (0x01), op echo, length (u16 LE), value (u32 LE),
// op-specific inline data, then the error code and an auxiliary status
// byte. Everything travels in a single SLIP frame.
type Response struct {
	Op    byte
	Value uint32
	Data  []byte
	Error Status
	Extra byte
}

// NewResponse returns a success response echoing op.
func NewResponse(op byte) *Response {
	return &Response{Op: op}
}

// Encode serializes the response (before SLIP encoding). The length field
// counts the inline data plus the two trailing status bytes; hosts ignore
// it, the frame boundary is authoritative.
func (r *Response) Encode() []byte {
	size := len(r.Data) + 2
	packet := make([]byte, HeaderSize+size)

	packet[0] = DirResponse
	packet[1] = r.Op
	binary.LittleEndian.PutUint16(packet[2:4], uint16(size))
	binary.LittleEndian.PutUint32(packet[4:8], r.Value)
	copy(packet[HeaderSize:], r.Data)
	packet[HeaderSize+len(r.Data)] = byte(r.Error)
	packet[HeaderSize+len(r.Data)+1] = r.Extra

	return packet
}

// IsSuccess returns true if the response indicates success.
func (r *Response) IsSuccess() bool {
	return r.Error == StatusOK
}

// Request is an outbound command as built by a host. It mirrors Command
// and is used by the selftest client and the package tests.
type Request struct {
	Op       byte
	Data     []byte
	Checksum uint32
}

// NewRequest creates a request with the payload checksum filled in. Only
// DATA commands have their checksum verified by the stub; setting it
// everywhere is harmless.
func NewRequest(op byte, data []byte) *Request {
	return &Request{
		Op:       op,
		Data:     data,
		Checksum: uint32(Checksum(data)),
	}
}

// NewDataRequest creates a DATA command request: 16-byte block header
// (length word, sequence word, two reserved words) followed by the block,
// with the checksum computed over the block only.
func NewDataRequest(op byte, block []byte, seq uint32) *Request {
	payload := make([]byte, dataHeaderSize+len(block))
	binary.LittleEndian.PutUint32(payload[0:4], uint32(len(block)))
	binary.LittleEndian.PutUint32(payload[4:8], seq)
	copy(payload[dataHeaderSize:], block)
	return &Request{
		Op:       op,
		Data:     payload,
		Checksum: uint32(Checksum(block)),
	}
}

// Encode serializes the request to bytes (before SLIP encoding).
func (r *Request) Encode() []byte {
	packet := make([]byte, HeaderSize+len(r.Data))

	packet[0] = DirRequest
	packet[1] = r.Op
	binary.LittleEndian.PutUint16(packet[2:4], uint16(len(r.Data)))
	binary.LittleEndian.PutUint32(packet[4:8], r.Checksum)
	copy(packet[HeaderSize:], r.Data)

	return packet
}

// DecodeResponse parses a response from raw bytes (after SLIP decoding).
// Used by the selftest client and tests.
func DecodeResponse(data []byte) (*Response, error) {
	if len(data) < HeaderSize+2 {
		return nil, fmt.Errorf("response too short: %d bytes", len(data))
	}

	if data[0] != DirResponse {
		return nil, fmt.Errorf("invalid direction byte: 0x%02X", data[0])
	}

	resp := &Response{
		Op:    data[1],
		Value: binary.LittleEndian.Uint32(data[4:8]),
	}

	// The trailing error/status pair is located from the frame length,
	// not the length field: the stub fills the field in but ROM loaders
	// leave it zero.
	resp.Data = data[HeaderSize : len(data)-2]
	resp.Error = Status(data[len(data)-2])
	resp.Extra = data[len(data)-1]

	return resp, nil
}

// ErrorString returns a human-readable failure description.
func (r *Response) ErrorString() string {
	if r.IsSuccess() {
		return ""
	}
	return fmt.Sprintf("error=0x%02X status=0x%02X (%s)", byte(r.Error), r.Extra, r.Error)
}
