package wire

import (
	"bytes"
	"encoding/json"
)

// DefaultBufferSize is the initial/refill reserve for connection read
// buffers (spec: BUFFER_SIZE, default 8192).
const DefaultBufferSize = 8 * 1024

// Encode serializes v to JSON and appends the frame terminator. The
// returned slice is a fresh allocation safe to hand off to a writer.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	b = append(b, '\n')
	return b, nil
}

// Decode looks for the first '\n' in buf. If none is present it
// returns (zero, false) and leaves buf untouched for future appends.
// If one is present, the bytes up to it are parsed as JSON of shape T;
// regardless of whether that parse succeeds, the frame (including the
// newline) is always consumed from buf.
//
// A malformed frame therefore still advances the buffer, but Decode
// still reports false for it — callers that loop "until false" will
// stop at the first malformed frame even if well-formed frames follow
// it in the same read. Those later frames are picked up on the next
// call once more bytes (or just another decode pass) reach them. This
// mirrors the line-codec's original drop-and-continue policy: a bad
// frame stalls consumption of the rest of the buffer until the next
// readiness pass, it does not corrupt it.
func Decode[T any](buf *bytes.Buffer) (T, bool) {
	var zero T

	data := buf.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		return zero, false
	}

	frame := data[:idx]
	var v T
	err := json.Unmarshal(frame, &v)

	buf.Next(idx + 1) // always skip the newline
	buf.Grow(DefaultBufferSize)

	if err != nil {
		return zero, false
	}
	return v, true
}

// DecodeAll drains every complete frame currently available in buf,
// stopping at the first frame Decode can't yield (no trailing
// newline yet, or a malformed body).
func DecodeAll[T any](buf *bytes.Buffer) []T {
	var out []T
	for {
		v, ok := Decode[T](buf)
		if !ok {
			return out
		}
		out = append(out, v)
	}
}
