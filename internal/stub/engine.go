// Package stub implements the device side of the flasher protocol: a
// single-session engine that turns SLIP-framed commands into flash, SPI,
// register and transport operations and answers with framed responses.
package stub

import (
	"encoding/binary"
	"io"
	"time"

	"github.com/bigbag/papyrix-stub/internal/protocol"
	"github.com/bigbag/papyrix-stub/internal/slip"
)

// Default flash geometry applied at session start, until the host sends
// SPI_SET_PARAMS.
const (
	defaultFlashTotal = 16 * 1024 * 1024
	defaultFlashBlock = 64 * 1024
	flashSectorSize   = 4096
	flashPageSize     = 256
	defaultStatusMask = 0xFFFF
)

// DefaultMasterFreq is the UART clock baud dividers are derived from.
const DefaultMasterFreq = 52 * 1000 * 1000

// settleDelay is the pause between the final response and the boot
// handoff, giving the last frame time to drain.
const settleDelay = 10 * time.Millisecond

// dataHeaderSize is the block header inside DATA command payloads.
const dataHeaderSize = 16

// oversizeExtra is the fixed auxiliary status sent with the rejection of
// an oversized command.
const oversizeExtra = 0xEE

// Config wires the engine to its collaborators.
type Config struct {
	Flash     Flash
	SPI       SPI
	Registers Registers
	Control   Control

	// MasterFreq overrides the UART clock used to turn a requested baud
	// rate into a divider. Zero selects the default.
	MasterFreq uint32
}

// Engine runs one flasher session over a byte transport.
type Engine struct {
	w          *slip.Writer
	recv       *Receiver
	flash      Flash
	spi        SPI
	regs       Registers
	ctl        Control
	masterFreq uint32
}

// New creates an engine writing responses to out. Inbound bytes are pushed
// through OnByte by the transport pump.
func New(out io.Writer, cfg Config) *Engine {
	freq := cfg.MasterFreq
	if freq == 0 {
		freq = DefaultMasterFreq
	}
	return &Engine{
		w:          slip.NewWriter(out),
		recv:       NewReceiver(),
		flash:      cfg.Flash,
		spi:        cfg.SPI,
		regs:       cfg.Registers,
		ctl:        cfg.Control,
		masterFreq: freq,
	}
}

// OnByte feeds one raw inbound byte. Safe to call concurrently with Run
// (single producer only).
func (e *Engine) OnByte(b byte) {
	e.recv.OnByte(b)
}

// CloseInput signals that the byte source is gone. Run returns
// ReasonLinkClosed once the pending frame, if any, has been handled.
func (e *Engine) CloseInput() {
	e.recv.Close()
}

// SendFrame writes one complete frame to the transport, for collaborators
// that stream data outside the command/response exchange. The payload is
// escaped in place between delimiters rather than staged in an encoded
// copy; read streaming pushes flash-block-sized frames through here.
func (e *Engine) SendFrame(p []byte) error {
	if err := e.w.Delimiter(); err != nil {
		return err
	}
	if err := e.w.Escaped(p); err != nil {
		return err
	}
	return e.w.Delimiter()
}

// NextFrame yields the next inbound frame. It must only be called from a
// command handler, where it shares the session loop's consumer role; the
// flash read path uses it to pick up acknowledgement frames.
func (e *Engine) NextFrame() ([]byte, bool) {
	return e.recv.Next()
}

// Run executes the session: greeting, default flash configuration, then
// the command loop until a terminal FLASH_END or loss of the byte source.
func (e *Engine) Run() Reason {
	var greeting [4]byte
	binary.LittleEndian.PutUint32(greeting[:], protocol.Greeting)
	_ = e.w.Frame(greeting[:])

	e.spi.Attach(0, 0)
	e.spi.SetParams(0, defaultFlashTotal, defaultFlashBlock,
		flashSectorSize, flashPageSize, defaultStatusMask)

	for {
		frame, ok := e.recv.Next()
		if !ok {
			return ReasonLinkClosed
		}
		if e.dispatch(frame) {
			time.Sleep(settleDelay)
			return ReasonBootApp
		}
	}
}

// opSpec ties an opcode to its required payload length and its two-phase
// handler. pre runs before the response is emitted and produces the error
// code; post runs only on success, after the response bytes are written,
// for side effects that would disturb an in-flight frame. post reports
// whether the session is over.
type opSpec struct {
	dataLen int // exact required payload length, -1 for variable
	pre     func(e *Engine, cmd *protocol.Command, resp *protocol.Response) protocol.Status
	post    func(e *Engine, cmd *protocol.Command) bool
}

var handlers = map[byte]opSpec{
	protocol.CmdEraseFlash: {
		dataLen: 0,
		pre: func(e *Engine, cmd *protocol.Command, resp *protocol.Response) protocol.Status {
			return e.flash.EraseChip()
		},
	},
	protocol.CmdEraseRegion: {
		dataLen: 8,
		pre: func(e *Engine, cmd *protocol.Command, resp *protocol.Response) protocol.Status {
			return e.flash.EraseRegion(cmd.Arg(0), cmd.Arg(1))
		},
	},
	protocol.CmdChangeBaud: {
		// Two argument words; the second is ignored. The divider is
		// reprogrammed after the response is out.
		dataLen: 8,
		pre:     preOK,
		post: func(e *Engine, cmd *protocol.Command) bool {
			time.Sleep(10 * time.Millisecond)
			e.ctl.SetBaudDivider(e.baudDivider(cmd.Arg(0)))
			time.Sleep(time.Millisecond)
			return false
		},
	},
	protocol.CmdReadFlash: {
		dataLen: 16,
		pre:     preOK,
		post: func(e *Engine, cmd *protocol.Command) bool {
			// offset, length, block size, max blocks in flight
			e.flash.Read(cmd.Arg(0), cmd.Arg(1), cmd.Arg(2), cmd.Arg(3))
			return false
		},
	},
	protocol.CmdSpiFlashMD5: {
		// Four argument words on the wire, only addr and length matter.
		dataLen: 16,
		pre: func(e *Engine, cmd *protocol.Command, resp *protocol.Response) protocol.Status {
			digest, st := e.flash.MD5(cmd.Arg(0), cmd.Arg(1))
			if st == protocol.StatusOK {
				resp.Data = digest[:]
			}
			return st
		},
	},
	protocol.CmdFlashBegin: {
		// erase_size, num_blocks, block_size, offset; the total comes
		// from num_blocks*block_size, erase_size is ignored.
		dataLen: 16,
		pre: func(e *Engine, cmd *protocol.Command, resp *protocol.Response) protocol.Status {
			return e.flash.BeginWrite(cmd.Arg(1)*cmd.Arg(2), cmd.Arg(3))
		},
	},
	protocol.CmdFlashDeflBegin: {
		dataLen: 16,
		pre: func(e *Engine, cmd *protocol.Command, resp *protocol.Response) protocol.Status {
			return e.flash.BeginDeflWrite(cmd.Arg(0), cmd.Arg(1)*cmd.Arg(2), cmd.Arg(3))
		},
	},
	protocol.CmdFlashData: {
		dataLen: -1,
		pre:     preFlashData,
		post: func(e *Engine, cmd *protocol.Command) bool {
			e.flash.WriteBlock(cmd.BlockPayload())
			return false
		},
	},
	protocol.CmdFlashDeflData: {
		dataLen: -1,
		pre:     preFlashData,
		post: func(e *Engine, cmd *protocol.Command) bool {
			e.flash.WriteDeflBlock(cmd.BlockPayload())
			return false
		},
	},
	protocol.CmdFlashEnd:     {dataLen: -1, pre: preFlashEnd, post: postFlashEnd},
	protocol.CmdFlashDeflEnd: {dataLen: -1, pre: preFlashEnd, post: postFlashEnd},
	protocol.CmdSpiSetParams: {
		// fl_id, total_size, block_size, sector_size, page_size, status_mask
		dataLen: 24,
		pre: func(e *Engine, cmd *protocol.Command, resp *protocol.Response) protocol.Status {
			st := e.spi.SetParams(cmd.Arg(0), cmd.Arg(1), cmd.Arg(2),
				cmd.Arg(3), cmd.Arg(4), cmd.Arg(5))
			resp.Extra = st
			if st != 0 {
				return protocol.StatusFailedSPIOp
			}
			return protocol.StatusOK
		},
	},
	protocol.CmdSpiAttach: {
		dataLen: 8,
		pre: func(e *Engine, cmd *protocol.Command, resp *protocol.Response) protocol.Status {
			return e.spi.Attach(cmd.Arg(0), cmd.Arg(1)&0xFF)
		},
	},
	protocol.CmdWriteReg: {
		// addr, value, mask (ignored), delay_us (ignored)
		dataLen: 16,
		pre: func(e *Engine, cmd *protocol.Command, resp *protocol.Response) protocol.Status {
			e.regs.Write(cmd.Arg(0), cmd.Arg(1))
			return protocol.StatusOK
		},
	},
	protocol.CmdReadReg: {
		// The register value rides in the response header.
		dataLen: 4,
		pre: func(e *Engine, cmd *protocol.Command, resp *protocol.Response) protocol.Status {
			resp.Value = e.regs.Read(cmd.Arg(0))
			return protocol.StatusOK
		},
	},
}

func preOK(e *Engine, cmd *protocol.Command, resp *protocol.Response) protocol.Status {
	return protocol.StatusOK
}

// preFlashData validates a DATA command: write session open, embedded
// length word consistent, payload checksum matching the header. A checksum
// mismatch overrides a length mismatch, which overrides the session's
// sticky error.
func preFlashData(e *Engine, cmd *protocol.Command, resp *protocol.Response) protocol.Status {
	if !e.flash.InWriteMode() {
		return protocol.StatusNotInFlashMode
	}
	if len(cmd.Data) < dataHeaderSize {
		return protocol.StatusBadDataLen
	}
	st := e.flash.LastError()
	payload := cmd.BlockPayload()
	if cmd.Arg(0) != uint32(len(payload)) {
		st = protocol.StatusBadDataLen
	}
	if protocol.Checksum(payload) != byte(cmd.Checksum) {
		st = protocol.StatusBadDataChecksum
	}
	return st
}

func preFlashEnd(e *Engine, cmd *protocol.Command, resp *protocol.Response) protocol.Status {
	return e.flash.EndWrite()
}

// postFlashEnd reboots into the application when the first argument word
// is zero. The response is already written; flush it before the transport
// goes away.
func postFlashEnd(e *Engine, cmd *protocol.Command) bool {
	if len(cmd.Data) < 4 || cmd.Arg(0) != 0 {
		return false
	}
	e.ctl.FlushOutput()
	e.ctl.Reboot()
	return true
}

// dispatch handles one completed frame and reports whether the session is
// over. Every frame gets a response; validation failures degrade to error
// codes, never to silence.
func (e *Engine) dispatch(frame []byte) bool {
	cmd, err := protocol.ParseCommand(frame)
	if err != nil {
		resp := &protocol.Response{Error: protocol.StatusBadDataLen, Extra: oversizeExtra}
		_ = e.w.Frame(resp.Encode())
		return false
	}

	resp := protocol.NewResponse(cmd.Op)

	// A command larger than any supported payload is rejected before
	// dispatch, with a fixed error pair regardless of op.
	if int(cmd.DataLen) > protocol.MaxWriteBlock+dataHeaderSize {
		resp.Error = protocol.StatusBadDataLen
		resp.Extra = oversizeExtra
		_ = e.w.Frame(resp.Encode())
		return false
	}

	spec, known := handlers[cmd.Op]
	switch {
	case !known:
		resp.Error = protocol.StatusNotImplemented
	case int(cmd.DataLen) != len(cmd.Data):
		// Truncated or overlong frame relative to its own header;
		// happens when the receive buffer forced completion.
		resp.Error = protocol.StatusBadDataLen
	case spec.dataLen >= 0 && int(cmd.DataLen) != spec.dataLen:
		resp.Error = protocol.StatusBadDataLen
	default:
		resp.Error = spec.pre(e, cmd, resp)
	}

	_ = e.w.Frame(resp.Encode())

	if resp.Error == protocol.StatusOK && known && spec.post != nil {
		return spec.post(e, cmd)
	}
	return false
}

// baudDivider converts a requested baud rate into a UART divider,
// rounding to nearest.
func (e *Engine) baudDivider(baud uint32) uint32 {
	if baud == 0 {
		return 0
	}
	return (e.masterFreq + baud/2) / baud
}
