package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// Default protocol limits.
const (
	DefaultMaxMessageSize = 65536
	DefaultMaxBufferSize  = 1048576

	lengthPrefixSize = 4
)

// FrameErrorKind classifies frame-level failures. All of them are
// connection-fatal: the stream cannot be re-synchronized after one.
type FrameErrorKind int

const (
	// FrameTooLarge means a frame length prefix exceeded MaxMessageSize.
	FrameTooLarge FrameErrorKind = iota
	// BufferOverflow means the receive buffer exceeded MaxBufferSize.
	BufferOverflow
	// DecodeError means the payload was not valid UTF-8 JSON.
	DecodeError
)

func (k FrameErrorKind) String() string {
	switch k {
	case FrameTooLarge:
		return "frame_too_large"
	case BufferOverflow:
		return "buffer_overflow"
	case DecodeError:
		return "decode_error"
	}
	return "unknown"
}

// FrameError is returned for any framing-level failure.
type FrameError struct {
	Kind FrameErrorKind
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("protocol: %s", e.Kind)
}

func (e *FrameError) Unwrap() error { return e.Err }

// Encoder serializes messages into length-prefixed JSON frames.
type Encoder struct {
	MaxMessageSize int
}

// NewEncoder returns an Encoder with the given frame size cap.
// Zero or negative selects DefaultMaxMessageSize.
func NewEncoder(maxMessageSize int) *Encoder {
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	return &Encoder{MaxMessageSize: maxMessageSize}
}

// Encode serializes v to JSON and prepends the 4-octet big-endian length.
func (e *Encoder) Encode(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, &FrameError{Kind: DecodeError, Err: err}
	}
	if len(payload) > e.MaxMessageSize {
		return nil, &FrameError{
			Kind: FrameTooLarge,
			Err:  fmt.Errorf("message is %d bytes, limit %d", len(payload), e.MaxMessageSize),
		}
	}
	frame := make([]byte, lengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(frame[:lengthPrefixSize], uint32(len(payload)))
	copy(frame[lengthPrefixSize:], payload)
	return frame, nil
}

// Decoder is a streaming frame decoder with partial-frame buffering.
// It is not safe for concurrent use; each connection owns one Decoder.
type Decoder struct {
	maxMessageSize int
	maxBufferSize  int
	buf            []byte
}

// NewDecoder returns a Decoder with the given limits.
// Zero or negative values select the defaults.
func NewDecoder(maxMessageSize, maxBufferSize int) *Decoder {
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	if maxBufferSize <= 0 {
		maxBufferSize = DefaultMaxBufferSize
	}
	return &Decoder{
		maxMessageSize: maxMessageSize,
		maxBufferSize:  maxBufferSize,
	}
}

// Feed appends data to the receive buffer and extracts every complete frame.
// Messages decoded before an error are returned alongside it; the caller must
// treat a non-nil error as connection-fatal.
func (d *Decoder) Feed(data []byte) ([]json.RawMessage, error) {
	if len(d.buf)+len(data) > d.maxBufferSize {
		return nil, &FrameError{
			Kind: BufferOverflow,
			Err:  fmt.Errorf("buffer would grow to %d bytes, limit %d", len(d.buf)+len(data), d.maxBufferSize),
		}
	}
	d.buf = append(d.buf, data...)

	var out []json.RawMessage
	for {
		if len(d.buf) < lengthPrefixSize {
			return out, nil
		}
		n := int(binary.BigEndian.Uint32(d.buf[:lengthPrefixSize]))
		if n > d.maxMessageSize {
			return out, &FrameError{
				Kind: FrameTooLarge,
				Err:  fmt.Errorf("frame length %d exceeds limit %d", n, d.maxMessageSize),
			}
		}
		if len(d.buf) < lengthPrefixSize+n {
			return out, nil
		}

		payload := make([]byte, n)
		copy(payload, d.buf[lengthPrefixSize:lengthPrefixSize+n])
		d.buf = d.buf[lengthPrefixSize+n:]

		if !utf8.Valid(payload) {
			return out, &FrameError{Kind: DecodeError, Err: fmt.Errorf("payload is not valid UTF-8")}
		}
		if !json.Valid(payload) {
			return out, &FrameError{Kind: DecodeError, Err: fmt.Errorf("payload is not valid JSON")}
		}
		out = append(out, json.RawMessage(payload))
	}
}

// Buffered reports how many bytes are waiting for frame completion.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Reset discards any partially received frame.
func (d *Decoder) Reset() { d.buf = nil }
