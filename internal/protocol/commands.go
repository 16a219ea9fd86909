package protocol

// Flasher stub commands. SYNC and the MEM_* loader commands belong to the
// ROM loader and are answered with StatusNotImplemented here.
const (
	CmdFlashBegin     = 0x02
	CmdFlashData      = 0x03
	CmdFlashEnd       = 0x04
	CmdMemBegin       = 0x05
	CmdMemEnd         = 0x06
	CmdMemData        = 0x07
	CmdSync           = 0x08
	CmdWriteReg       = 0x09
	CmdReadReg        = 0x0A
	CmdSpiSetParams   = 0x0B
	CmdSpiAttach      = 0x0D
	CmdChangeBaud     = 0x0F
	CmdFlashDeflBegin = 0x10
	CmdFlashDeflData  = 0x11
	CmdFlashDeflEnd   = 0x12
	CmdSpiFlashMD5    = 0x13
	CmdEraseFlash     = 0xD0
	CmdEraseRegion    = 0xD1
	CmdReadFlash      = 0xD2
)

// Direction byte values
const (
	DirRequest  = 0x00
	DirResponse = 0x01
)

// Greeting is the magic word sent as a frame when a session starts,
// "OHAI" in little-endian byte order.
const Greeting uint32 = 0x4941484F

// MaxWriteBlock is the largest flash data block a command may carry.
// Command payloads larger than MaxWriteBlock plus the 16-byte data header
// are rejected outright.
const MaxWriteBlock = 0x4000

// Status is the single-byte result code carried in every response,
// alongside an auxiliary status byte.
type Status byte

const (
	StatusOK              Status = 0x00
	StatusBadDataLen      Status = 0xC0
	StatusBadDataChecksum Status = 0xC1
	StatusBadBlocksize    Status = 0xC2
	StatusInvalidCommand  Status = 0xC3
	StatusFailedSPIOp     Status = 0xC4
	StatusFailedSPIUnlock Status = 0xC5
	StatusNotInFlashMode  Status = 0xC6
	StatusInflateError    Status = 0xC7
	StatusNotEnoughData   Status = 0xC8
	StatusTooMuchData     Status = 0xC9
	StatusNotImplemented  Status = 0xFF
)

// String returns a human-readable name for the status code.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusBadDataLen:
		return "bad data length"
	case StatusBadDataChecksum:
		return "bad data checksum"
	case StatusBadBlocksize:
		return "bad block size"
	case StatusInvalidCommand:
		return "invalid command"
	case StatusFailedSPIOp:
		return "SPI operation failed"
	case StatusFailedSPIUnlock:
		return "SPI unlock failed"
	case StatusNotInFlashMode:
		return "not in flash mode"
	case StatusInflateError:
		return "inflate error"
	case StatusNotEnoughData:
		return "not enough data"
	case StatusTooMuchData:
		return "too much data"
	case StatusNotImplemented:
		return "command not implemented"
	default:
		return "unknown error"
	}
}

// ChecksumSeed is the initial value of the payload checksum fold.
const ChecksumSeed byte = 0xEF

// Checksum computes the protocol checksum: XOR of the seed and every
// byte of p.
func Checksum(p []byte) byte {
	res := ChecksumSeed
	for _, b := range p {
		res ^= b
	}
	return res
}
