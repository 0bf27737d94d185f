package bridge

import "bytes"

// DefaultMaxBufferSize caps the unterminated tail of a worker's output
// stream at 1 MiB. A worker that streams bytes without newlines past the cap
// is misbehaving; the bridge drops data rather than grow without bound.
const DefaultMaxBufferSize = 1 << 20

// streamBuffer accumulates the as-yet-unterminated tail of one worker's
// output stream. Not safe for concurrent use; the owning connection
// serializes access.
type streamBuffer struct {
	buf []byte
	cap int
}

func newStreamBuffer(maxSize int) *streamBuffer {
	if maxSize <= 0 {
		maxSize = DefaultMaxBufferSize
	}
	return &streamBuffer{cap: maxSize}
}

// feed appends a chunk and returns the complete lines extracted from the
// buffer. overflowed reports that the cap was breached: the buffer has been
// truncated per recoverTail and no lines were extracted from this chunk,
// bounding worst-case CPU and memory under adversarial input.
func (b *streamBuffer) feed(chunk []byte) (lines [][]byte, overflowed bool) {
	b.buf = append(b.buf, chunk...)
	if len(b.buf) > b.cap {
		b.recoverTail()
		return nil, true
	}
	for {
		i := bytes.IndexByte(b.buf, '\n')
		if i < 0 {
			break
		}
		line := make([]byte, i)
		copy(line, b.buf[:i])
		lines = append(lines, line)
		b.buf = b.buf[i+1:]
	}
	return lines, false
}

// recoverTail truncates an overflowed buffer: keep the tail after the last
// newline when that tail fits in half the cap, otherwise discard everything.
// The half-cap threshold is a tunable heuristic, not a guaranteed-correct
// algorithm; see the overflow policy note in the package docs.
func (b *streamBuffer) recoverTail() {
	last := bytes.LastIndexByte(b.buf, '\n')
	if last >= 0 {
		tail := b.buf[last+1:]
		if len(tail) <= b.cap/2 {
			kept := make([]byte, len(tail))
			copy(kept, tail)
			b.buf = kept
			return
		}
	}
	b.buf = nil
}

func (b *streamBuffer) len() int { return len(b.buf) }

func (b *streamBuffer) reset() { b.buf = nil }
