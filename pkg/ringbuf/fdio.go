//go:build unix

package ringbuf

import (
	"io"

	"golang.org/x/sys/unix"
)

// ReceiveFrom performs one non-blocking read from fd into the free space.
// When the free space is split by the wrap point both segments are covered by
// a single vectored read. It returns (0, nil) when the buffer is full and
// (0, io.EOF) on a clean end of stream. EINTR is retried; any other errno,
// including EAGAIN, is returned as is.
func (b *Buffer) ReceiveFrom(fd int) (int, error) {
	if b.Free() == 0 {
		return 0, nil
	}
	first, second := b.freeRegions()
	for {
		n, err := readFd(fd, first, second)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, io.EOF
		}
		b.AddedBytes(n)
		return n, nil
	}
}

// SendTo performs one non-blocking write of the buffered bytes to fd, using a
// vectored write when the data wraps. It returns (0, nil) when the buffer is
// empty.
func (b *Buffer) SendTo(fd int) (int, error) {
	if b.length == 0 {
		return 0, nil
	}
	first, second := b.usedRegions()
	for {
		n, err := writeFd(fd, first, second)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		if n > 0 {
			b.RemovedBytes(n)
		}
		return n, nil
	}
}
