package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

func encodeFrame(t *testing.T, v any) []byte {
	t.Helper()
	enc := NewEncoder(0)
	frame, err := enc.Encode(v)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	return frame
}

func TestCodec_RoundTrip(t *testing.T) {
	msg := NewRegisterMessage("host-a.example.com", "")
	frame := encodeFrame(t, msg)

	dec := NewDecoder(0, 0)
	out, err := dec.Feed(frame)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 message, got %d", len(out))
	}

	var got RegisterMessage
	if err := json.Unmarshal(out[0], &got); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if got.Hostname != msg.Hostname || got.Version != msg.Version {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, *msg)
	}
	if dec.Buffered() != 0 {
		t.Errorf("decoder retained %d bytes after complete frame", dec.Buffered())
	}
}

func TestCodec_PartialFrame(t *testing.T) {
	frame := encodeFrame(t, NewRegisterMessage("host-b", ""))
	half := len(frame) / 2

	dec := NewDecoder(0, 0)
	out, err := dec.Feed(frame[:half])
	if err != nil {
		t.Fatalf("first half failed: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("emitted %d messages from a partial frame", len(out))
	}

	out, err = dec.Feed(frame[half:])
	if err != nil {
		t.Fatalf("second half failed: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 message after completion, got %d", len(out))
	}
}

func TestCodec_TwoFramesOneRead(t *testing.T) {
	a := encodeFrame(t, NewRegisterMessage("host-c", ""))
	b := encodeFrame(t, NewRegisterMessage("host-d", ""))

	dec := NewDecoder(0, 0)
	out, err := dec.Feed(append(append([]byte{}, a...), b...))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(out))
	}

	var first, second RegisterMessage
	json.Unmarshal(out[0], &first)
	json.Unmarshal(out[1], &second)
	if first.Hostname != "host-c" || second.Hostname != "host-d" {
		t.Errorf("messages out of order: %q then %q", first.Hostname, second.Hostname)
	}
}

func TestEncoder_RejectsOversizedMessage(t *testing.T) {
	enc := NewEncoder(64)
	_, err := enc.Encode(map[string]string{"pad": strings.Repeat("x", 128)})
	var fe *FrameError
	if !errors.As(err, &fe) || fe.Kind != FrameTooLarge {
		t.Fatalf("expected FrameTooLarge, got %v", err)
	}
}

func TestDecoder_ExactSizeBoundary(t *testing.T) {
	// A payload of exactly maxMessageSize is accepted, one more byte is not.
	payload := []byte(`"` + strings.Repeat("a", 30) + `"`)
	max := len(payload)

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)

	dec := NewDecoder(max, 0)
	out, err := dec.Feed(frame)
	if err != nil {
		t.Fatalf("frame of exactly max size rejected: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 message, got %d", len(out))
	}

	dec = NewDecoder(max-1, 0)
	_, err = dec.Feed(frame)
	var fe *FrameError
	if !errors.As(err, &fe) || fe.Kind != FrameTooLarge {
		t.Fatalf("expected FrameTooLarge, got %v", err)
	}
}

func TestDecoder_BufferOverflow(t *testing.T) {
	dec := NewDecoder(1024, 16)
	// Length prefix promises a frame that will never fit the buffer cap.
	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, 512)

	if _, err := dec.Feed(prefix); err != nil {
		t.Fatalf("prefix alone should buffer: %v", err)
	}
	_, err := dec.Feed(bytes.Repeat([]byte{0x41}, 32))
	var fe *FrameError
	if !errors.As(err, &fe) || fe.Kind != BufferOverflow {
		t.Fatalf("expected BufferOverflow, got %v", err)
	}
}

func TestDecoder_InvalidJSONAfterValidFrame(t *testing.T) {
	good := encodeFrame(t, NewRegisterMessage("host-e", ""))

	bad := []byte("{not json")
	frame := make([]byte, 4+len(bad))
	binary.BigEndian.PutUint32(frame, uint32(len(bad)))
	copy(frame[4:], bad)

	dec := NewDecoder(0, 0)
	out, err := dec.Feed(append(append([]byte{}, good...), frame...))
	var fe *FrameError
	if !errors.As(err, &fe) || fe.Kind != DecodeError {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	// The valid message decoded before the error is still emitted.
	if len(out) != 1 {
		t.Fatalf("expected 1 surviving message, got %d", len(out))
	}
}

// Splitting a byte stream at any position yields the same messages as feeding
// it whole.
func TestDecoder_SplitInvariance(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		count := rapid.IntRange(1, 5).Draw(t, "count")
		var stream []byte
		var hostnames []string
		enc := NewEncoder(0)
		for i := 0; i < count; i++ {
			name := rapid.StringMatching(`[a-z]{1,10}(-[a-z0-9]{1,5})?`).Draw(t, "hostname")
			hostnames = append(hostnames, name)
			frame, err := enc.Encode(NewRegisterMessage(name, ""))
			if err != nil {
				t.Fatalf("encode failed: %v", err)
			}
			stream = append(stream, frame...)
		}

		split := rapid.IntRange(0, len(stream)).Draw(t, "split")
		dec := NewDecoder(0, 0)
		first, err := dec.Feed(stream[:split])
		if err != nil {
			t.Fatalf("first chunk failed: %v", err)
		}
		second, err := dec.Feed(stream[split:])
		if err != nil {
			t.Fatalf("second chunk failed: %v", err)
		}

		all := append(first, second...)
		if len(all) != count {
			t.Fatalf("expected %d messages, got %d (split at %d)", count, len(all), split)
		}
		for i, raw := range all {
			var m RegisterMessage
			if err := json.Unmarshal(raw, &m); err != nil {
				t.Fatalf("unmarshal message %d: %v", i, err)
			}
			if m.Hostname != hostnames[i] {
				t.Fatalf("message %d: got hostname %q, want %q", i, m.Hostname, hostnames[i])
			}
		}
	})
}
