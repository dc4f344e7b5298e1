//go:build unix

package procmgr

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// EnsureFIFO creates the named pipe at path if nothing exists there yet
func EnsureFIFO(path string) error {
	fi, err := os.Stat(path)
	if err == nil {
		if fi.Mode()&fs.ModeNamedPipe == 0 {
			return fmt.Errorf("%s exists and is not a named pipe", path)
		}
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := unix.Mkfifo(path, 0o600); err != nil && !errors.Is(err, unix.EEXIST) {
		return fmt.Errorf("mkfifo %s: %w", path, err)
	}
	return nil
}

// FIFOSource reads signal messages from a named pipe. The pipe is opened
// read-write so the reader never sees end of file when posters come and go.
type FIFOSource struct {
	path   string
	file   *os.File
	logger *slog.Logger
}

// OpenFIFOSource creates the pipe if needed and opens it for reading
func OpenFIFOSource(path string, logger *slog.Logger) (*FIFOSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := EnsureFIFO(path); err != nil {
		return nil, ErrSignalChannelLost(path, err)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, ErrSignalChannelLost(path, err)
	}
	return &FIFOSource{
		path:   path,
		file:   f,
		logger: logger.With("component", "fifo-source", "path", path),
	}, nil
}

// Run forwards every well formed line into mb until ctx is done. Malformed
// lines are logged and dropped. A read failure is fatal and returned as a
// SIGNAL_CHANNEL_LOST PoolError.
func (s *FIFOSource) Run(ctx context.Context, mb *Mailbox) error {
	stop := context.AfterFunc(ctx, func() { s.file.Close() })
	defer stop()
	defer s.file.Close()

	r := bufio.NewReaderSize(s.file, maxMessageSize)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return ErrSignalChannelLost(s.path, err)
		}
		msg, perr := ParseMessage(line)
		if perr != nil {
			s.logger.Warn("dropping malformed signal message", "error", perr)
			continue
		}
		if err := mb.deliver(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return ErrSignalChannelLost(s.path, err)
		}
	}
}

// FIFOPoster writes signal messages into a named pipe. Each message goes out
// in one write no larger than the atomic pipe write size, so concurrent
// posters never interleave.
type FIFOPoster struct {
	mu     sync.Mutex
	path   string
	fd     int
	closed bool
}

// OpenFIFOPoster opens the pipe for non-blocking writes. It fails when no
// reader has the pipe open.
func OpenFIFOPoster(path string) (*FIFOPoster, error) {
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, ErrSignalChannelLost(path, err)
	}
	return &FIFOPoster{path: path, fd: fd}, nil
}

// Post writes msg. A full pipe rejects the whole message with ErrMailboxFull.
func (p *FIFOPoster) Post(msg Message) error {
	b, err := msg.Encode()
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrSignalChannelClosed
	}
	for {
		n, err := unix.Write(p.fd, b)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return ErrMailboxFull
		case err != nil:
			return ErrSignalChannelLost(p.path, err)
		case n != len(b):
			return ErrSignalChannelLost(p.path, io.ErrShortWrite)
		}
		return nil
	}
}

// Close releases the pipe
func (p *FIFOPoster) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return unix.Close(p.fd)
}

var _ Poster = (*FIFOPoster)(nil)
