package stub

import (
	"github.com/bigbag/papyrix-stub/internal/protocol"
	"github.com/bigbag/papyrix-stub/internal/slip"
)

// bufSize fits the largest supported command plus header and slack.
const bufSize = protocol.MaxWriteBlock + 64

// Receiver assembles SLIP frames from an asynchronous byte source into a
// pair of fixed buffers and hands completed frames to the session loop
// through a depth-1 ready slot.
//
// OnByte is the interrupt-context analog: it is called once per raw byte
// from the transport pump and never blocks. The consumer side (Next) runs
// in the session loop. Correctness relies on single-producer/single-
// consumer use: after a buffer is published the producer immediately swaps
// to the other buffer, so a frame being processed is never written to.
type Receiver struct {
	dec    slip.Decoder
	bufs   [2][bufSize]byte
	active int
	n      int
	ready  chan []byte
	closed bool
}

// NewReceiver returns a Receiver with an empty ready slot.
func NewReceiver() *Receiver {
	return &Receiver{ready: make(chan []byte, 1)}
}

// OnByte feeds one raw transport byte through the SLIP decoder. Decoded
// bytes accumulate in the active buffer; a full buffer forces frame
// completion so the consumer still sees a terminated (if malformed)
// command, which the dispatcher rejects on its length fields.
func (r *Receiver) OnByte(raw byte) {
	if r.closed {
		return
	}

	b, ev := r.dec.Feed(raw)
	if ev == slip.EventByte {
		r.bufs[r.active][r.n] = b
		r.n++
		if r.n == bufSize {
			ev = slip.EventFrameEnd
		}
	}
	if ev != slip.EventFrameEnd {
		return
	}

	// Stray delimiters between frames produce empty completions; they
	// carry nothing and are not published.
	if r.n == 0 {
		return
	}

	frame := r.bufs[r.active][:r.n]
	r.active ^= 1
	r.n = 0

	select {
	case r.ready <- frame:
	default:
		// The previous frame was never picked up. Drop it in favor of
		// the new one; with two buffers, bursts deeper than one frame
		// beyond the command in progress are not supported.
		select {
		case <-r.ready:
		default:
		}
		r.ready <- frame
	}
}

// Next blocks until a completed frame is available. It returns false when
// the receiver has been closed and the slot drained.
func (r *Receiver) Next() ([]byte, bool) {
	frame, ok := <-r.ready
	return frame, ok
}

// Close ends the session from the transport side. Must be called from the
// producer context; OnByte becomes a no-op afterwards.
func (r *Receiver) Close() {
	if r.closed {
		return
	}
	r.closed = true
	close(r.ready)
}
