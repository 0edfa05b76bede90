// ABOUTME: Reassembles JSON messages split across arbitrary byte chunks from one source.
// ABOUTME: Complete lines are parsed or demoted to raw; a trailing fragment is retried as JSON.

package stream

import (
	"bytes"
	"encoding/json"
)

// Frame is one unit recovered from a byte stream: either a JSON object
// (Message) or a line that was not one (Raw).
type Frame struct {
	Message json.RawMessage
	Raw     string
}

// IsMessage reports whether the frame carries a parsed JSON object.
func (f Frame) IsMessage() bool { return f.Message != nil }

// Reassembler buffers one source's bytes until they form whole messages.
// It is not safe for concurrent use; give each source its own Reassembler.
type Reassembler struct {
	buf []byte
}

// Feed appends chunk and returns every frame that is now complete, in order.
//
// Newline-terminated lines are always complete: a JSON object becomes a
// message frame, anything else a raw frame, and blank lines are skipped. The
// unterminated tail is parsed opportunistically and dispatched if it is
// already a whole object; otherwise it stays buffered for the next chunk.
func (r *Reassembler) Feed(chunk []byte) []Frame {
	r.buf = append(r.buf, chunk...)

	var frames []Frame
	for {
		i := bytes.IndexByte(r.buf, '\n')
		if i < 0 {
			break
		}
		line := r.buf[:i]
		r.buf = r.buf[i+1:]
		if f, ok := frameFor(line); ok {
			frames = append(frames, f)
		}
	}

	if tail := bytes.TrimSpace(r.buf); len(tail) > 0 && isObject(tail) {
		frames = append(frames, Frame{Message: clone(tail)})
		r.buf = r.buf[:0]
	}

	if len(r.buf) == 0 {
		r.buf = nil
	}
	return frames
}

// Flush returns whatever remains buffered as a final frame and resets the buffer.
// Used when the source closes mid-message.
func (r *Reassembler) Flush() (Frame, bool) {
	line := r.buf
	r.buf = nil
	return frameFor(line)
}

// Pending returns the number of buffered bytes not yet dispatched.
func (r *Reassembler) Pending() int {
	return len(r.buf)
}

func frameFor(line []byte) (Frame, bool) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return Frame{}, false
	}
	if isObject(trimmed) {
		return Frame{Message: clone(trimmed)}, true
	}
	return Frame{Raw: string(bytes.TrimRight(line, "\r"))}, true
}

func isObject(b []byte) bool {
	return len(b) > 0 && b[0] == '{' && json.Valid(b)
}

func clone(b []byte) json.RawMessage {
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}
