// Package client is a minimal host-side driver for the stub protocol. It
// exists for the selftest path and integration tests: enough of a flasher
// to exercise a running engine end to end over any byte stream.
package client

import (
	"bytes"
	"compress/zlib"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/bigbag/papyrix-stub/internal/protocol"
	"github.com/bigbag/papyrix-stub/internal/slip"
)

// ProgressCallback is called to report flash progress.
type ProgressCallback func(current, total int)

// Client drives one stub session from the host side.
type Client struct {
	rw       io.ReadWriter
	buf      []byte
	progress ProgressCallback
}

// New creates a client on a byte stream connected to a stub engine.
func New(rw io.ReadWriter) *Client {
	return &Client{rw: rw}
}

// SetProgressCallback sets the progress callback function.
func (c *Client) SetProgressCallback(cb ProgressCallback) {
	c.progress = cb
}

func (c *Client) reportProgress(current, total int) {
	if c.progress != nil {
		c.progress(current, total)
	}
}

// readFrame blocks until one complete SLIP frame has arrived.
func (c *Client) readFrame() ([]byte, error) {
	for {
		frame, rest := slip.ReadFrame(c.buf)
		if frame != nil {
			c.buf = append([]byte(nil), rest...)
			return frame, nil
		}

		chunk := make([]byte, 4096)
		n, err := c.rw.Read(chunk)
		if n > 0 {
			c.buf = append(c.buf, chunk[:n]...)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read from stub: %w", err)
		}
	}
}

// WaitGreeting consumes the greeting frame a fresh session sends.
func (c *Client) WaitGreeting() error {
	frame, err := c.readFrame()
	if err != nil {
		return err
	}
	data := slip.Decode(frame)
	if len(data) != 4 || binary.LittleEndian.Uint32(data) != protocol.Greeting {
		return fmt.Errorf("unexpected greeting frame: %v", data)
	}
	return nil
}

// Command sends a request and returns the decoded response.
func (c *Client) Command(req *protocol.Request) (*protocol.Response, error) {
	if _, err := c.rw.Write(slip.Encode(req.Encode())); err != nil {
		return nil, fmt.Errorf("send command 0x%02X: %w", req.Op, err)
	}

	frame, err := c.readFrame()
	if err != nil {
		return nil, err
	}
	resp, err := protocol.DecodeResponse(slip.Decode(frame))
	if err != nil {
		return nil, err
	}
	if resp.Op != req.Op {
		return nil, fmt.Errorf("response echoes op 0x%02X, sent 0x%02X", resp.Op, req.Op)
	}
	return resp, nil
}

// run sends a request and fails unless the stub reports success.
func (c *Client) run(req *protocol.Request) (*protocol.Response, error) {
	resp, err := c.Command(req)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("command 0x%02X failed: %s", req.Op, resp.ErrorString())
	}
	return resp, nil
}

func args(words ...uint32) []byte {
	buf := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}
	return buf
}

func numBlocks(size, blockSize int) int {
	return (size + blockSize - 1) / blockSize
}

// FlashImage writes data at address using a plain write session. The
// session is left finalized but the device stays in the stub.
func (c *Client) FlashImage(data []byte, address uint32, blockSize int) error {
	total := numBlocks(len(data), blockSize)
	_, err := c.run(protocol.NewRequest(protocol.CmdFlashBegin,
		args(uint32(len(data)), uint32(total), uint32(blockSize), address)))
	if err != nil {
		return fmt.Errorf("flash begin failed: %w", err)
	}

	if err := c.sendBlocks(protocol.CmdFlashData, data, blockSize, total); err != nil {
		return err
	}

	if _, err := c.run(protocol.NewRequest(protocol.CmdFlashEnd, args(1))); err != nil {
		return fmt.Errorf("flash end failed: %w", err)
	}
	return nil
}

// FlashDeflImage writes data at address using a compressed write session.
func (c *Client) FlashDeflImage(data []byte, address uint32, blockSize int) error {
	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	if _, err := zw.Write(data); err != nil {
		return fmt.Errorf("compress image: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("compress image: %w", err)
	}

	total := numBlocks(compressed.Len(), blockSize)
	_, err := c.run(protocol.NewRequest(protocol.CmdFlashDeflBegin,
		args(uint32(len(data)), uint32(total), uint32(blockSize), address)))
	if err != nil {
		return fmt.Errorf("deflated flash begin failed: %w", err)
	}

	if err := c.sendBlocks(protocol.CmdFlashDeflData, compressed.Bytes(), blockSize, total); err != nil {
		return err
	}

	if _, err := c.run(protocol.NewRequest(protocol.CmdFlashDeflEnd, args(1))); err != nil {
		return fmt.Errorf("deflated flash end failed: %w", err)
	}
	return nil
}

// sendBlocks streams data in blockSize pieces, padding the tail with 0xFF
// the way the ROM flasher expects. Trailing pad bytes behind a zlib
// stream are ignored by the inflater.
func (c *Client) sendBlocks(op byte, data []byte, blockSize, total int) error {
	for seq := 0; seq < total; seq++ {
		start := seq * blockSize
		end := start + blockSize
		if end > len(data) {
			end = len(data)
		}

		block := data[start:end]
		if len(block) < blockSize {
			padded := make([]byte, blockSize)
			copy(padded, block)
			for i := len(block); i < blockSize; i++ {
				padded[i] = 0xFF
			}
			block = padded
		}

		if _, err := c.run(protocol.NewDataRequest(op, block, uint32(seq))); err != nil {
			return fmt.Errorf("flash data block %d failed: %w", seq, err)
		}
		c.reportProgress(seq+1, total)
	}
	return nil
}

// VerifyMD5 asks the stub for the digest of the flashed region and
// compares it against data. The stub answers with 16 raw digest bytes
// inline in the response.
func (c *Client) VerifyMD5(data []byte, address uint32) error {
	resp, err := c.run(protocol.NewRequest(protocol.CmdSpiFlashMD5,
		args(address, uint32(len(data)), 0, 0)))
	if err != nil {
		return err
	}

	expected := md5.Sum(data)
	if len(resp.Data) < md5.Size {
		return fmt.Errorf("MD5 response carries %d bytes", len(resp.Data))
	}
	if !bytes.Equal(resp.Data[:md5.Size], expected[:]) {
		return fmt.Errorf("MD5 mismatch: expected %x, got %x", expected, resp.Data[:md5.Size])
	}
	return nil
}

// ReadFlash streams length bytes from offset out of the device,
// acknowledging each data frame, and verifies the trailing digest frame.
func (c *Client) ReadFlash(offset, length, blockSize uint32) ([]byte, error) {
	_, err := c.run(protocol.NewRequest(protocol.CmdReadFlash,
		args(offset, length, blockSize, blockSize)))
	if err != nil {
		return nil, fmt.Errorf("read flash failed: %w", err)
	}

	var data []byte
	for uint32(len(data)) < length {
		frame, err := c.readFrame()
		if err != nil {
			return nil, err
		}
		data = append(data, slip.Decode(frame)...)

		ack := make([]byte, 4)
		binary.LittleEndian.PutUint32(ack, uint32(len(data)))
		if _, err := c.rw.Write(slip.Encode(ack)); err != nil {
			return nil, fmt.Errorf("send ack: %w", err)
		}
	}

	frame, err := c.readFrame()
	if err != nil {
		return nil, err
	}
	digest := slip.Decode(frame)
	expected := md5.Sum(data)
	if !bytes.Equal(digest, expected[:]) {
		return nil, fmt.Errorf("read digest mismatch: expected %x, got %x", expected, digest)
	}
	return data, nil
}

// ReadReg reads a register on the device.
func (c *Client) ReadReg(addr uint32) (uint32, error) {
	resp, err := c.run(protocol.NewRequest(protocol.CmdReadReg, args(addr)))
	if err != nil {
		return 0, err
	}
	return resp.Value, nil
}

// WriteReg writes a register on the device.
func (c *Client) WriteReg(addr, value uint32) error {
	_, err := c.run(protocol.NewRequest(protocol.CmdWriteReg, args(addr, value, 0xFFFFFFFF, 0)))
	return err
}

// EraseRegion erases [addr, addr+length) on the device.
func (c *Client) EraseRegion(addr, length uint32) error {
	_, err := c.run(protocol.NewRequest(protocol.CmdEraseRegion, args(addr, length)))
	return err
}

// Boot ends the session and reboots the device into the application: an
// empty write session finalized with the reboot flag, the way esptool
// soft-resets out of the stub.
func (c *Client) Boot() error {
	if _, err := c.run(protocol.NewRequest(protocol.CmdFlashBegin, args(0, 0, 0, 0))); err != nil {
		return fmt.Errorf("boot begin failed: %w", err)
	}
	if _, err := c.run(protocol.NewRequest(protocol.CmdFlashEnd, args(0))); err != nil {
		return fmt.Errorf("boot failed: %w", err)
	}
	return nil
}
