//go:build unix && !linux

package ringbuf

import (
	"golang.org/x/sys/unix"
)

// Vectored I/O is only wired up on linux; elsewhere the second segment is
// picked up by the next call.
func readFd(fd int, first, _ []byte) (int, error) {
	return unix.Read(fd, first)
}

func writeFd(fd int, first, _ []byte) (int, error) {
	return unix.Write(fd, first)
}
