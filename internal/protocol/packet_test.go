package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestChecksum_Empty(t *testing.T) {
	if got := Checksum(nil); got != ChecksumSeed {
		t.Errorf("Checksum(nil) = 0x%02X, want 0x%02X", got, ChecksumSeed)
	}
}

func TestChecksum_Known(t *testing.T) {
	tests := []struct {
		data     []byte
		expected byte
	}{
		{[]byte{0x00}, 0xEF},
		{[]byte{0xEF}, 0x00},
		{[]byte{0x01, 0x02, 0x03}, 0xEF ^ 0x01 ^ 0x02 ^ 0x03},
		{[]byte{0xFF, 0xFF}, 0xEF},
	}

	for _, tc := range tests {
		if got := Checksum(tc.data); got != tc.expected {
			t.Errorf("Checksum(%v) = 0x%02X, want 0x%02X", tc.data, got, tc.expected)
		}
	}
}

func TestChecksum_SingleByteSensitivity(t *testing.T) {
	data := []byte{0x10, 0x20, 0x30, 0x40, 0x50}
	base := Checksum(data)

	// Flipping any single byte must change the result. Multi-byte flips
	// can cancel out; that is the known weakness of an XOR checksum.
	for i := range data {
		mutated := append([]byte(nil), data...)
		mutated[i] ^= 0xA5
		if Checksum(mutated) == base {
			t.Errorf("checksum unchanged after mutating byte %d", i)
		}
	}

	if Checksum(data) != base {
		t.Error("checksum is not deterministic")
	}
}

func TestParseCommand_Valid(t *testing.T) {
	req := NewRequest(CmdEraseRegion, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	cmd, err := ParseCommand(req.Encode())
	if err != nil {
		t.Fatalf("ParseCommand: %v", err)
	}
	if cmd.Op != CmdEraseRegion {
		t.Errorf("Op = 0x%02X, want 0x%02X", cmd.Op, CmdEraseRegion)
	}
	if cmd.DataLen != 8 {
		t.Errorf("DataLen = %d, want 8", cmd.DataLen)
	}
	if !bytes.Equal(cmd.Data, req.Data) {
		t.Errorf("Data = %v, want %v", cmd.Data, req.Data)
	}
}

func TestParseCommand_TooShort(t *testing.T) {
	for _, n := range []int{0, 1, 7} {
		if _, err := ParseCommand(make([]byte, n)); err == nil {
			t.Errorf("ParseCommand(%d bytes) succeeded, want error", n)
		}
	}
}

func TestCommand_Arg(t *testing.T) {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[0:4], 0x1000)
	binary.LittleEndian.PutUint32(data[4:8], 0xDEADBEEF)

	cmd := &Command{Data: data}
	if got := cmd.Arg(0); got != 0x1000 {
		t.Errorf("Arg(0) = 0x%X, want 0x1000", got)
	}
	if got := cmd.Arg(1); got != 0xDEADBEEF {
		t.Errorf("Arg(1) = 0x%X, want 0xDEADBEEF", got)
	}
	if got := cmd.Arg(2); got != 0 {
		t.Errorf("Arg(2) past payload = 0x%X, want 0", got)
	}
}

func TestResponse_EncodeLayout(t *testing.T) {
	resp := &Response{
		Op:    CmdReadReg,
		Value: 0xDEADBEEF,
		Error: StatusOK,
	}
	packet := resp.Encode()

	expected := []byte{
		DirResponse, CmdReadReg,
		0x02, 0x00, // length: error + status
		0xEF, 0xBE, 0xAD, 0xDE,
		0x00, 0x00, // error, status
	}
	if !bytes.Equal(packet, expected) {
		t.Errorf("Encode() = %v, want %v", packet, expected)
	}
}

func TestResponse_EncodeInlineData(t *testing.T) {
	resp := &Response{
		Op:    CmdSpiFlashMD5,
		Data:  []byte{0xAA, 0xBB, 0xCC},
		Error: StatusFailedSPIOp,
		Extra: 0x01,
	}
	packet := resp.Encode()

	if got := binary.LittleEndian.Uint16(packet[2:4]); got != 5 {
		t.Errorf("length field = %d, want 5", got)
	}
	if !bytes.Equal(packet[8:11], resp.Data) {
		t.Errorf("inline data = %v, want %v", packet[8:11], resp.Data)
	}
	if packet[11] != byte(StatusFailedSPIOp) || packet[12] != 0x01 {
		t.Errorf("trailer = [0x%02X 0x%02X], want [0xC4 0x01]", packet[11], packet[12])
	}
}

func TestDecodeResponse_RoundTrip(t *testing.T) {
	resp := &Response{
		Op:    CmdFlashBegin,
		Value: 42,
		Data:  []byte{1, 2, 3},
		Error: StatusBadDataChecksum,
		Extra: 0xEE,
	}

	decoded, err := DecodeResponse(resp.Encode())
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if decoded.Op != resp.Op || decoded.Value != resp.Value ||
		decoded.Error != resp.Error || decoded.Extra != resp.Extra {
		t.Errorf("round trip mismatch: %+v != %+v", decoded, resp)
	}
	if !bytes.Equal(decoded.Data, resp.Data) {
		t.Errorf("Data = %v, want %v", decoded.Data, resp.Data)
	}
}

func TestDecodeResponse_Invalid(t *testing.T) {
	if _, err := DecodeResponse([]byte{1, 2, 3}); err == nil {
		t.Error("short response accepted")
	}
	bad := (&Response{Op: CmdSync}).Encode()
	bad[0] = DirRequest
	if _, err := DecodeResponse(bad); err == nil {
		t.Error("wrong direction byte accepted")
	}
}

func TestNewDataRequest(t *testing.T) {
	block := []byte{0x10, 0x20, 0x30}
	req := NewDataRequest(CmdFlashData, block, 7)

	if len(req.Data) != 16+len(block) {
		t.Fatalf("payload length = %d, want %d", len(req.Data), 16+len(block))
	}
	if got := binary.LittleEndian.Uint32(req.Data[0:4]); got != uint32(len(block)) {
		t.Errorf("length word = %d, want %d", got, len(block))
	}
	if got := binary.LittleEndian.Uint32(req.Data[4:8]); got != 7 {
		t.Errorf("sequence word = %d, want 7", got)
	}
	if req.Checksum != uint32(Checksum(block)) {
		t.Errorf("checksum = 0x%X, want 0x%X", req.Checksum, Checksum(block))
	}
	if !bytes.Equal(req.Data[16:], block) {
		t.Errorf("block = %v, want %v", req.Data[16:], block)
	}
}

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status   Status
		expected string
	}{
		{StatusOK, "ok"},
		{StatusBadDataLen, "bad data length"},
		{StatusBadDataChecksum, "bad data checksum"},
		{StatusNotInFlashMode, "not in flash mode"},
		{StatusInflateError, "inflate error"},
		{StatusNotImplemented, "command not implemented"},
		{Status(0x42), "unknown error"},
	}

	for _, tc := range tests {
		if got := tc.status.String(); got != tc.expected {
			t.Errorf("Status(0x%02X).String() = %q, want %q", byte(tc.status), got, tc.expected)
		}
	}
}
