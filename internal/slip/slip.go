// Package slip implements the SLIP framing used on the flasher serial link.
package slip

import "io"

const (
	End    = 0xC0
	Esc    = 0xDB
	EscEnd = 0xDC
	EscEsc = 0xDD
)

// Decoder is a streaming SLIP decoder fed one raw byte at a time.
// Bytes outside a frame are discarded; a delimiter opens a frame and the
// next delimiter closes it.
type Decoder struct {
	state decodeState
}

type decodeState int

const (
	stateNoFrame decodeState = iota
	stateInFrame
	stateEscaping
)

// Event reports what a fed byte produced.
type Event int

const (
	// EventNone means the byte was framing overhead or inter-frame noise.
	EventNone Event = iota
	// EventByte means a decoded data byte is available.
	EventByte
	// EventFrameEnd means the current frame is complete.
	EventFrameEnd
)

// Feed consumes one raw byte from the link. When it returns EventByte the
// returned byte is decoded frame data.
func (d *Decoder) Feed(raw byte) (byte, Event) {
	if raw == End {
		if d.state == stateNoFrame {
			d.state = stateInFrame
			return 0, EventNone
		}
		d.state = stateNoFrame
		return 0, EventFrameEnd
	}

	switch d.state {
	case stateNoFrame:
		return 0, EventNone
	case stateEscaping:
		d.state = stateInFrame
		switch raw {
		case EscEnd:
			return End, EventByte
		case EscEsc:
			return Esc, EventByte
		default:
			// Unknown escape sequence; pass the raw byte through.
			return raw, EventByte
		}
	default:
		if raw == Esc {
			d.state = stateEscaping
			return 0, EventNone
		}
		return raw, EventByte
	}
}

// Writer emits SLIP frames to an underlying byte stream. Frames can be
// built up in pieces: Delimiter opens and closes a frame, Escaped writes
// data inside the open frame.
type Writer struct {
	w io.Writer
}

// NewWriter returns a Writer framing onto w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Delimiter writes a single frame boundary byte.
func (w *Writer) Delimiter() error {
	_, err := w.w.Write([]byte{End})
	return err
}

// Escaped writes p inside an open frame, escaping reserved bytes.
func (w *Writer) Escaped(p []byte) error {
	_, err := w.w.Write(escape(p))
	return err
}

// Frame writes p as one complete frame: delimiter, escaped data, delimiter.
func (w *Writer) Frame(p []byte) error {
	_, err := w.w.Write(Encode(p))
	return err
}

func escape(data []byte) []byte {
	out := make([]byte, 0, len(data)+8)
	for _, b := range data {
		switch b {
		case End:
			out = append(out, Esc, EscEnd)
		case Esc:
			out = append(out, Esc, EscEsc)
		default:
			out = append(out, b)
		}
	}
	return out
}

// Encode wraps data in SLIP framing.
// Adds END byte at start and end, escapes special bytes.
func Encode(data []byte) []byte {
	result := make([]byte, 0, len(data)+10)
	result = append(result, End)
	result = append(result, escape(data)...)
	result = append(result, End)
	return result
}

// Decode extracts data from a SLIP frame.
// Removes END bytes and unescapes special bytes.
func Decode(frame []byte) []byte {
	if len(frame) < 2 {
		return nil
	}

	// Strip leading/trailing END bytes
	start := 0
	end := len(frame)

	for start < end && frame[start] == End {
		start++
	}
	for end > start && frame[end-1] == End {
		end--
	}

	if start >= end {
		return nil
	}

	data := frame[start:end]
	result := make([]byte, 0, len(data))

	i := 0
	for i < len(data) {
		if data[i] == Esc && i+1 < len(data) {
			switch data[i+1] {
			case EscEnd:
				result = append(result, End)
			case EscEsc:
				result = append(result, Esc)
			default:
				result = append(result, data[i+1])
			}
			i += 2
		} else {
			result = append(result, data[i])
			i++
		}
	}

	return result
}

// ReadFrame reads a complete SLIP frame from a byte stream.
// Returns the frame (including END delimiters) and remaining bytes.
func ReadFrame(data []byte) (frame []byte, remaining []byte) {
	// Find start of frame (skip leading END bytes or find first END)
	start := -1
	for i, b := range data {
		if b == End {
			start = i
			break
		}
	}

	if start == -1 {
		return nil, data
	}

	// Find end of frame (next END after some data)
	inFrame := false
	for i := start; i < len(data); i++ {
		if data[i] == End {
			if inFrame {
				// Found the closing END
				return data[start : i+1], data[i+1:]
			}
		} else {
			inFrame = true
		}
	}

	// Frame not complete yet
	return nil, data
}
