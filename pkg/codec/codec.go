// Package codec implements the control-plane wire format (spec.md §4.5):
// newline-delimited JSON frames, one Message per line. Encoding appends
// "\n" and flushes; decoding preserves frame boundaries so a partial line
// stays buffered until the rest arrives, and a line past the configured
// maximum yields FrameTooLarge rather than growing without bound.
package codec

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/nstar-rt/nstar/pkg/errs"
)

// DefaultMaxLineBytes is the line-length bound spec.md §4.5 leaves to the
// implementer, at its recommended value.
const DefaultMaxLineBytes = 1 << 20

// Message is the top-level frame. Exactly one field is set; which one
// selects the payload variant the same way a Rust enum's tag would,
// translated to Go as a struct of optional pointers since encoding/json
// has no native tagged-union support.
type Message struct {
	Connect      *Connect      `json:"connect,omitempty"`
	ConnectAck   *ConnectAck   `json:"connect_ack,omitempty"`
	Request      *Request      `json:"request,omitempty"`
	Response     *Response     `json:"response,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
}

// variant returns a short name for logging/error messages and the count
// of payload fields actually set, so callers can reject an empty or
// over-full frame without a long type switch.
func (m Message) variant() (string, int) {
	name, n := "", 0
	set := func(ok bool, label string) {
		if ok {
			n++
			name = label
		}
	}
	set(m.Connect != nil, "connect")
	set(m.ConnectAck != nil, "connect_ack")
	set(m.Request != nil, "request")
	set(m.Response != nil, "response")
	set(m.Notification != nil, "notification")
	return name, n
}

// Connect is the first frame a client must send (spec.md §4.6 step 1).
type Connect struct {
	Version                string `json:"version"`
	SubscribeNotifications bool   `json:"subscribe_notifications"`
}

// ConnectAck is the server's reply to a Connect with a compatible version.
type ConnectAck struct{}

// Encoder writes Messages as newline-terminated JSON, flushing after
// every frame so a blocked reader on the other end never waits on data
// sitting in an application-level buffer.
type Encoder struct {
	w *bufio.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

func (e *Encoder) Encode(m Message) error {
	if _, n := m.variant(); n != 1 {
		return fmt.Errorf("codec: encode: message must set exactly one payload, got %d", n)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("codec: marshal: %w", err)
	}
	if _, err := e.w.Write(data); err != nil {
		return &errs.Io{Op: "codec write", Err: err}
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return &errs.Io{Op: "codec write", Err: err}
	}
	return e.w.Flush()
}

// Decoder reads newline-delimited Messages from an underlying stream.
// After an Install request header, the raw stream is
// still available via Reader so the session can pump the package bytes
// out-of-band (spec.md §4.6 step 5): Decode reads lines directly off the
// same *bufio.Reader a byte pump would read from, rather than through a
// bufio.Scanner, whose internal buffering would otherwise swallow bytes
// past the header line before the caller can claim them.
type Decoder struct {
	r   *bufio.Reader
	max int
}

// NewDecoder wraps r with the given maximum line length. A non-positive
// max selects DefaultMaxLineBytes.
func NewDecoder(r io.Reader, maxLineBytes int) *Decoder {
	if maxLineBytes <= 0 {
		maxLineBytes = DefaultMaxLineBytes
	}
	return &Decoder{r: bufio.NewReaderSize(r, 4096), max: maxLineBytes}
}

// Decode reads and parses the next frame. It returns io.EOF when the
// stream ends cleanly between frames, FrameTooLarge when a line exceeds
// the configured maximum, and a plain error wrapping the malformed JSON
// otherwise — any of which, per spec.md §4.5, means the caller must drop
// the connection rather than try to resynchronize.
func (d *Decoder) Decode() (Message, error) {
	line, err := d.readLine()
	if err != nil {
		return Message{}, err
	}
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return Message{}, fmt.Errorf("codec: malformed frame: %w", err)
	}
	if name, n := m.variant(); n != 1 {
		return Message{}, fmt.Errorf("codec: frame must set exactly one payload, got %d (%s)", n, name)
	}
	return m, nil
}

// readLine accumulates bytes up to and including '\n' via repeated
// ReadSlice calls, each of which returns only what fits in the reader's
// internal buffer; this is what lets the combined line grow past that
// buffer size while still enforcing d.max as a hard ceiling.
func (d *Decoder) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := d.r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > d.max {
			return nil, &errs.FrameTooLarge{}
		}
		if err == nil {
			return line[:len(line)-1], nil
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err == io.EOF {
			if len(line) == 0 {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("codec: %w: unterminated final frame", io.ErrUnexpectedEOF)
		}
		return nil, &errs.Io{Op: "codec read", Err: err}
	}
}

// Reader exposes the underlying buffered byte stream for an out-of-band
// byte pump (spec.md §4.6 step 5): bytes immediately following the last
// decoded line's '\n' are still sitting here, unread.
func (d *Decoder) Reader() *bufio.Reader { return d.r }
