// Package flashimg emulates the SPI flash behind the stub engine: an
// in-memory flash image with write sessions, erase, MD5 and streamed
// reads, reporting failures as protocol status codes.
package flashimg

import (
	"bytes"
	"compress/zlib"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/bigbag/papyrix-stub/internal/protocol"
)

// ProgressCallback is called as write sessions consume blocks.
type ProgressCallback func(current, total int)

// Image is a flash image implementing the engine's Flash and SPI
// collaborator interfaces. It is not safe for concurrent use; the engine
// drives it from the session loop only.
type Image struct {
	data []byte

	// geometry, set through SPI_SET_PARAMS
	blockSize  uint32
	sectorSize uint32
	pageSize   uint32
	statusMask uint32
	attached   bool

	// write session state
	writeMode bool
	deflated  bool
	offset    uint32
	remaining uint32
	total     uint32
	inflated  uint32 // announced uncompressed size
	deflBuf   []byte
	lastErr   protocol.Status

	// link for commands that stream their own frames
	send func(frame []byte) error
	recv func() ([]byte, bool)

	progress ProgressCallback
}

// New returns an empty image; capacity is established by the geometry the
// engine pushes at session start.
func New() *Image {
	return &Image{sectorSize: 4096}
}

// SetLink attaches the frame-level transport used by streamed reads: send
// emits one complete frame, recv yields the next inbound frame. recv may
// only be called from the session loop, which is where Read runs.
func (im *Image) SetLink(send func([]byte) error, recv func() ([]byte, bool)) {
	im.send = send
	im.recv = recv
}

// SetProgress installs a write progress callback.
func (im *Image) SetProgress(cb ProgressCallback) {
	im.progress = cb
}

// Load fills the start of the image with the contents of a file, growing
// the image if needed.
func (im *Image) Load(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read image file: %w", err)
	}
	if len(content) > len(im.data) {
		im.resize(uint32(len(content)))
	}
	copy(im.data, content)
	return nil
}

// Save writes the image contents to a file.
func (im *Image) Save(path string) error {
	if err := os.WriteFile(path, im.data, 0o644); err != nil {
		return fmt.Errorf("failed to write image file: %w", err)
	}
	return nil
}

// Bytes exposes the raw image contents.
func (im *Image) Bytes() []byte {
	return im.data
}

func (im *Image) resize(size uint32) {
	old := im.data
	im.data = make([]byte, size)
	for i := range im.data {
		im.data[i] = 0xFF
	}
	copy(im.data, old)
}

// Attach implements the SPI collaborator.
func (im *Image) Attach(config, legacy uint32) protocol.Status {
	im.attached = true
	return protocol.StatusOK
}

// SetParams implements the SPI collaborator: records the geometry and
// sizes the image to the announced capacity. Returns the raw peripheral
// status (always zero here except for a nonsensical geometry).
func (im *Image) SetParams(id, totalSize, blockSize, sectorSize, pageSize, statusMask uint32) byte {
	if totalSize == 0 || sectorSize == 0 {
		return 1
	}
	im.blockSize = blockSize
	im.sectorSize = sectorSize
	im.pageSize = pageSize
	im.statusMask = statusMask
	if uint32(len(im.data)) < totalSize {
		im.resize(totalSize)
	} else {
		im.data = im.data[:totalSize]
	}
	return 0
}

// EraseChip fills the whole image with 0xFF.
func (im *Image) EraseChip() protocol.Status {
	for i := range im.data {
		im.data[i] = 0xFF
	}
	return protocol.StatusOK
}

// EraseRegion erases [addr, addr+length). Both bounds must be sector
// aligned and inside the image.
func (im *Image) EraseRegion(addr, length uint32) protocol.Status {
	if addr%im.sectorSize != 0 || length%im.sectorSize != 0 {
		return protocol.StatusBadBlocksize
	}
	if !im.inBounds(addr, length) {
		return protocol.StatusFailedSPIOp
	}
	for i := addr; i < addr+length; i++ {
		im.data[i] = 0xFF
	}
	return protocol.StatusOK
}

func (im *Image) inBounds(addr, length uint32) bool {
	end := uint64(addr) + uint64(length)
	return end <= uint64(len(im.data))
}

// BeginWrite opens a plain write session.
func (im *Image) BeginWrite(totalSize, offset uint32) protocol.Status {
	if !im.inBounds(offset, totalSize) {
		return protocol.StatusTooMuchData
	}
	im.writeMode = true
	im.deflated = false
	im.offset = offset
	im.remaining = totalSize
	im.total = totalSize
	im.lastErr = protocol.StatusOK
	im.deflBuf = nil
	return protocol.StatusOK
}

// BeginDeflWrite opens a compressed write session. totalSize counts the
// compressed stream; the uncompressed result must fit at offset.
func (im *Image) BeginDeflWrite(uncompressed, totalSize, offset uint32) protocol.Status {
	if !im.inBounds(offset, uncompressed) {
		return protocol.StatusTooMuchData
	}
	im.writeMode = true
	im.deflated = true
	im.offset = offset
	im.remaining = totalSize
	im.total = totalSize
	im.inflated = uncompressed
	im.lastErr = protocol.StatusOK
	im.deflBuf = nil
	return protocol.StatusOK
}

// WriteBlock consumes one block of a plain write session. The block was
// already acknowledged; failures stick in the session error and surface
// on the next DATA or END command.
func (im *Image) WriteBlock(block []byte) {
	if !im.writeMode || im.deflated {
		return
	}
	n := uint32(len(block))
	if n > im.remaining {
		im.lastErr = protocol.StatusTooMuchData
		n = im.remaining
	}
	copy(im.data[im.offset:im.offset+n], block[:n])
	im.offset += n
	im.remaining -= n
	im.report()
}

// WriteDeflBlock consumes one block of a compressed write session. The
// stream is inflated when the session ends.
func (im *Image) WriteDeflBlock(block []byte) {
	if !im.writeMode || !im.deflated {
		return
	}
	n := uint32(len(block))
	if n > im.remaining {
		im.lastErr = protocol.StatusTooMuchData
		n = im.remaining
	}
	im.deflBuf = append(im.deflBuf, block[:n]...)
	im.remaining -= n
	im.report()
}

func (im *Image) report() {
	if im.progress != nil {
		im.progress(int(im.total-im.remaining), int(im.total))
	}
}

// EndWrite finalizes the session. Deflated sessions are inflated and
// committed here.
func (im *Image) EndWrite() protocol.Status {
	if !im.writeMode {
		return protocol.StatusNotInFlashMode
	}
	im.writeMode = false

	st := im.lastErr
	if im.remaining > 0 && st == protocol.StatusOK {
		st = protocol.StatusNotEnoughData
	}
	if im.deflated && st == protocol.StatusOK {
		st = im.commitDeflated()
	}
	return st
}

func (im *Image) commitDeflated() protocol.Status {
	zr, err := zlib.NewReader(bytes.NewReader(im.deflBuf))
	if err != nil {
		return protocol.StatusInflateError
	}
	defer zr.Close()

	out, err := io.ReadAll(zr)
	if err != nil {
		return protocol.StatusInflateError
	}
	if uint32(len(out)) != im.inflated {
		return protocol.StatusNotEnoughData
	}
	copy(im.data[im.offset:], out)
	return protocol.StatusOK
}

// InWriteMode reports whether a write session is open.
func (im *Image) InWriteMode() bool {
	return im.writeMode
}

// LastError returns the sticky session error.
func (im *Image) LastError() protocol.Status {
	return im.lastErr
}

// MD5 digests [addr, addr+length) of the image.
func (im *Image) MD5(addr, length uint32) ([16]byte, protocol.Status) {
	if !im.inBounds(addr, length) {
		return [16]byte{}, protocol.StatusFailedSPIOp
	}
	return md5.Sum(im.data[addr : addr+length]), protocol.StatusOK
}

// Read streams length bytes from offset back to the host: data frames of
// at most blockSize bytes, keeping no more than maxInFlight unacknowledged
// bytes on the wire, each acknowledged by a 4-byte frame carrying the
// total received so far, then a trailing MD5 frame over the streamed
// bytes. Runs after the command response has been flushed.
func (im *Image) Read(offset, length, blockSize, maxInFlight uint32) protocol.Status {
	if im.send == nil || im.recv == nil {
		return protocol.StatusFailedSPIOp
	}
	if blockSize == 0 || !im.inBounds(offset, length) {
		return protocol.StatusFailedSPIOp
	}

	digest := md5.New()
	var sent, acked uint32
	for acked < length && acked <= sent {
		for sent < length && sent-acked < maxInFlight {
			n := length - sent
			if n > blockSize {
				n = blockSize
			}
			chunk := im.data[offset+sent : offset+sent+n]
			digest.Write(chunk)
			if err := im.send(chunk); err != nil {
				return protocol.StatusFailedSPIOp
			}
			sent += n
		}
		frame, ok := im.recv()
		if !ok || len(frame) < 4 {
			return protocol.StatusFailedSPIOp
		}
		acked = binary.LittleEndian.Uint32(frame[:4])
	}

	if err := im.send(digest.Sum(nil)); err != nil {
		return protocol.StatusFailedSPIOp
	}
	return protocol.StatusOK
}
