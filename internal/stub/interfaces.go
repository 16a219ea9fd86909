package stub

import "github.com/bigbag/papyrix-stub/internal/protocol"

// Flash drives the flash read/write pipeline. Failures are reported as
// protocol status codes, never Go errors: the codes travel to the host
// verbatim in response trailers.
type Flash interface {
	// EraseChip erases the entire flash.
	EraseChip() protocol.Status
	// EraseRegion erases [addr, addr+length).
	EraseRegion(addr, length uint32) protocol.Status
	// BeginWrite opens a plain write session of totalSize bytes at offset.
	BeginWrite(totalSize, offset uint32) protocol.Status
	// BeginDeflWrite opens a compressed write session. totalSize counts
	// the compressed stream; uncompressed is the size after inflation.
	BeginDeflWrite(uncompressed, totalSize, offset uint32) protocol.Status
	// WriteBlock consumes one already-acknowledged block of a plain
	// write session.
	WriteBlock(block []byte)
	// WriteDeflBlock consumes one block of a compressed write session.
	WriteDeflBlock(block []byte)
	// EndWrite finalizes the current write session.
	EndWrite() protocol.Status
	// Read streams length bytes from offset back to the host in
	// blockSize frames, keeping at most maxInFlight unacknowledged,
	// followed by an MD5 frame. It drives the transport itself.
	Read(offset, length, blockSize, maxInFlight uint32) protocol.Status
	// MD5 computes the digest of [addr, addr+length).
	MD5(addr, length uint32) ([16]byte, protocol.Status)
	// InWriteMode reports whether a write session is open.
	InWriteMode() bool
	// LastError returns the sticky error of the current write session.
	LastError() protocol.Status
}

// SPI configures the flash peripheral and its geometry.
type SPI interface {
	// Attach connects the SPI flash peripheral.
	Attach(config, legacy uint32) protocol.Status
	// SetParams sets the flash geometry. The return value is the raw
	// peripheral status: zero on success, passed to the host as the
	// auxiliary status byte otherwise.
	SetParams(id, totalSize, blockSize, sectorSize, pageSize, statusMask uint32) byte
}

// Registers is raw register access for WRITE_REG/READ_REG.
type Registers interface {
	Read(addr uint32) uint32
	Write(addr, value uint32)
}

// Control covers the transport side effects that must happen only after a
// response has been flushed.
type Control interface {
	// SetBaudDivider reprograms the link speed from a UART divider.
	SetBaudDivider(divider uint32)
	// FlushOutput blocks until all written response bytes are on the wire.
	FlushOutput()
	// Reboot restarts the device into the application. Control never
	// returns to the engine afterwards; the session loop exits.
	Reboot()
}

// Reason tells the caller why a session ended.
type Reason int

const (
	// ReasonBootApp: a FLASH_END command requested a reboot into the
	// application. The normal way out.
	ReasonBootApp Reason = iota
	// ReasonLinkClosed: the byte source went away. Defensive fallback,
	// not a designed flow.
	ReasonLinkClosed
)

func (r Reason) String() string {
	switch r {
	case ReasonBootApp:
		return "boot into application"
	case ReasonLinkClosed:
		return "link closed"
	default:
		return "unknown"
	}
}
