package proto

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Terminator delimits envelopes on stream transports. Message bodies are
// normalized before storage so the byte can never appear inside a frame.
const Terminator byte = 0x00

// MaxFrameSize bounds a single envelope on the wire. Oversized frames are
// treated as malformed.
const MaxFrameSize = 4 << 20

// ErrMalformedFrame marks a frame that was consumed from the stream but
// could not be parsed. The decoder stays usable; callers log and continue.
var ErrMalformedFrame = errors.New("malformed frame")

// EncodeFrame serializes an envelope and appends the terminator.
func EncodeFrame(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return append(data, Terminator), nil
}

// WriteFrame writes one framed envelope in a single Write call.
func WriteFrame(w io.Writer, env Envelope) error {
	frame, err := EncodeFrame(env)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// WriteFrameDeadline writes a framed envelope under a write deadline, as
// used on peer connections where a stuck peer must not stall the caller.
func WriteFrameDeadline(conn net.Conn, env Envelope, timeout time.Duration) error {
	if timeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}
	return WriteFrame(conn, env)
}

// Decoder consumes NUL-delimited envelopes from a stream. It owns the
// buffering: partial frames are retained until the terminator arrives.
type Decoder struct {
	s *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), MaxFrameSize)
	s.Split(splitFrames)
	return &Decoder{s: s}
}

// Next returns the next complete envelope. It returns io.EOF when the
// stream ends cleanly, the underlying read error otherwise, and
// ErrMalformedFrame (wrapped) when a consumed frame fails to parse; after
// a malformed frame the decoder has already advanced past it.
func (d *Decoder) Next() (Envelope, error) {
	if !d.s.Scan() {
		if err := d.s.Err(); err != nil {
			return Envelope{}, err
		}
		return Envelope{}, io.EOF
	}
	raw := d.s.Bytes()
	if len(bytes.TrimSpace(raw)) == 0 {
		return Envelope{}, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return env, nil
}

// splitFrames is a bufio.SplitFunc yielding terminator-delimited frames
// without the terminator byte.
func splitFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.IndexByte(data, Terminator); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF && len(data) > 0 {
		// Trailing bytes without a terminator: an aborted frame. Drop it.
		return len(data), nil, nil
	}
	return 0, nil, nil
}
