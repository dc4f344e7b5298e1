// Package ringbuf provides a fixed-capacity circular byte buffer used to stage
// protocol bytes between a socket and the record codec.
//
// A Buffer is owned by exactly one goroutine (one per connection and
// direction) and is never shared. None of its operations block: the fd based
// helpers assume the caller already knows the descriptor is ready, and short
// transfers are normal.
package ringbuf

import (
	"errors"
	"fmt"
	"io"
)

// ErrShortBuffer is returned when an operation needs more free space than the
// buffer currently has.
var ErrShortBuffer = errors.New("ringbuf: not enough free space")

// Buffer is a circular byte buffer addressed by two cursors.
//
// Invariant: 0 <= length <= cap(data) and
// (end - begin + cap) mod cap == length mod cap.
type Buffer struct {
	data   []byte
	begin  int
	end    int
	length int
}

// New allocates a buffer holding up to capacity bytes.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		panic(fmt.Sprintf("ringbuf: invalid capacity %d", capacity))
	}
	return &Buffer{data: make([]byte, capacity)}
}

// Cap returns the fixed capacity.
func (b *Buffer) Cap() int { return len(b.data) }

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int { return b.length }

// Free returns the number of bytes that can still be written.
func (b *Buffer) Free() int { return len(b.data) - b.length }

// Reset logically empties the buffer.
func (b *Buffer) Reset() {
	b.begin = 0
	b.end = 0
	b.length = 0
}

// AddedBytes records n bytes written directly into WritableRegion.
func (b *Buffer) AddedBytes(n int) {
	if n < 0 || n > b.Free() {
		panic(fmt.Sprintf("ringbuf: added %d bytes with %d free", n, b.Free()))
	}
	b.length += n
	b.end += n
	if b.end >= len(b.data) {
		b.end -= len(b.data)
	}
}

// RemovedBytes records n bytes consumed directly from ReadableRegion.
func (b *Buffer) RemovedBytes(n int) {
	if n < 0 || n > b.length {
		panic(fmt.Sprintf("ringbuf: removed %d bytes with %d buffered", n, b.length))
	}
	b.length -= n
	b.begin += n
	if b.begin >= len(b.data) {
		b.begin -= len(b.data)
	}
}

// ReadableRegion returns the longest run of buffered bytes starting at the
// read cursor that does not cross the wrap point. The slice aliases the
// buffer; call RemovedBytes after consuming from it.
func (b *Buffer) ReadableRegion() []byte {
	if b.length == 0 {
		return nil
	}
	if b.begin < b.end {
		return b.data[b.begin:b.end]
	}
	return b.data[b.begin:]
}

// WritableRegion returns the longest run of free space starting at the write
// cursor that does not cross the wrap point. Call AddedBytes after filling it.
func (b *Buffer) WritableRegion() []byte {
	if b.length == len(b.data) {
		return nil
	}
	if b.end < b.begin {
		return b.data[b.end:b.begin]
	}
	return b.data[b.end:]
}

// regions returns the free space as at most two slices, in write order.
func (b *Buffer) freeRegions() (first, second []byte) {
	first = b.WritableRegion()
	if len(first) < b.Free() {
		second = b.data[:b.begin]
	}
	return first, second
}

// usedRegions returns the buffered bytes as at most two slices, in read order.
func (b *Buffer) usedRegions() (first, second []byte) {
	first = b.ReadableRegion()
	if len(first) < b.length {
		second = b.data[:b.end]
	}
	return first, second
}

// CopyIn copies as much of p as fits, splitting across the wrap point, and
// returns the number of bytes copied.
func (b *Buffer) CopyIn(p []byte) int {
	total := 0
	for len(p) > 0 {
		w := b.WritableRegion()
		if len(w) == 0 {
			break
		}
		n := copy(w, p)
		b.AddedBytes(n)
		p = p[n:]
		total += n
	}
	return total
}

// CopyInString is CopyIn for a string source.
func (b *Buffer) CopyInString(s string) int {
	total := 0
	for len(s) > 0 {
		w := b.WritableRegion()
		if len(w) == 0 {
			break
		}
		n := copy(w, s)
		b.AddedBytes(n)
		s = s[n:]
		total += n
	}
	return total
}

// CopyOut moves up to len(p) buffered bytes into p and returns the count.
func (b *Buffer) CopyOut(p []byte) int {
	total := 0
	for len(p) > 0 {
		r := b.ReadableRegion()
		if len(r) == 0 {
			break
		}
		n := copy(p, r)
		b.RemovedBytes(n)
		p = p[n:]
		total += n
	}
	return total
}

// Peek copies up to len(p) buffered bytes into p without consuming them.
func (b *Buffer) Peek(p []byte) int {
	first, second := b.usedRegions()
	n := copy(p, first)
	n += copy(p[n:], second)
	return n
}

// Discard drops up to n buffered bytes and returns how many were dropped.
func (b *Buffer) Discard(n int) int {
	if n > b.length {
		n = b.length
	}
	if n > 0 {
		b.RemovedBytes(n)
	}
	return n
}

// Transfer moves up to n bytes from src to dst without an intermediate
// buffer. It stops early when src runs dry or dst fills up and returns the
// number of bytes moved.
func Transfer(dst, src *Buffer, n int) int {
	moved := 0
	for moved < n {
		r := src.ReadableRegion()
		w := dst.WritableRegion()
		m := min(len(r), len(w), n-moved)
		if m == 0 {
			break
		}
		copy(w, r[:m])
		dst.AddedBytes(m)
		src.RemovedBytes(m)
		moved += m
	}
	return moved
}

// Fill performs a single Read from r into the contiguous free region.
// It returns 0, nil when the buffer is already full.
func (b *Buffer) Fill(r io.Reader) (int, error) {
	w := b.WritableRegion()
	if len(w) == 0 {
		return 0, nil
	}
	n, err := r.Read(w)
	if n > 0 {
		b.AddedBytes(n)
	}
	return n, err
}

// Drain performs a single Write of the contiguous readable region to w.
// It returns 0, nil when the buffer is empty.
func (b *Buffer) Drain(w io.Writer) (int, error) {
	r := b.ReadableRegion()
	if len(r) == 0 {
		return 0, nil
	}
	n, err := w.Write(r)
	if n > 0 {
		b.RemovedBytes(n)
	}
	return n, err
}

// String reports the cursor state, mostly for test failures.
func (b *Buffer) String() string {
	return fmt.Sprintf("ringbuf{cap=%d len=%d begin=%d end=%d}", len(b.data), b.length, b.begin, b.end)
}
