//go:build linux

package ringbuf

import (
	"golang.org/x/sys/unix"
)

func readFd(fd int, first, second []byte) (int, error) {
	if len(second) == 0 {
		return unix.Read(fd, first)
	}
	return unix.Readv(fd, [][]byte{first, second})
}

func writeFd(fd int, first, second []byte) (int, error) {
	if len(second) == 0 {
		return unix.Write(fd, first)
	}
	return unix.Writev(fd, [][]byte{first, second})
}
