//go:build unix

package fcgi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/jrepp/prism-fcgi/pkg/ringbuf"
)

// DefaultBufferSize is the capacity of each ring a Client allocates.
const DefaultBufferSize = 8 << 10

// ClientRequest is one request sent by a Client.
type ClientRequest struct {
	Role     Role
	KeepConn bool
	Params   []Pair
	// Stdin supplies the request body. Nil sends an empty body.
	Stdin io.Reader
	// IdleTimeout aborts the request when the application sends nothing
	// for that long. Zero leaves only the context deadline.
	IdleTimeout time.Duration
}

// Response is what came back for a ClientRequest. The body is written to the
// writer passed to Do.
type Response struct {
	Header         textproto.MIMEHeader
	AppStatus      uint32
	ProtocolStatus ProtocolStatus
	Stderr         []string
	BodyBytes      int64
}

// Client drives requests over stream connections to application processes.
// It is safe for concurrent use; each call uses its own buffers.
type Client struct {
	// BufferSize is the capacity of each staging ring.
	BufferSize int
	// ScanHeaders enables response header block parsing.
	ScanHeaders bool
	// MaxHeaderBytes bounds the header block when ScanHeaders is set.
	MaxHeaderBytes int
	// Logger receives stderr diagnostics.
	Logger *slog.Logger

	warn rate.Sometimes
}

// NewClient creates a client with default buffers and header scanning on.
func NewClient(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BufferSize:     DefaultBufferSize,
		ScanHeaders:    true,
		MaxHeaderBytes: DefaultMaxHeaderBytes,
		Logger:         logger,
		warn:           rate.Sometimes{Interval: time.Second},
	}
}

// Do dials address and runs req on the new connection.
func (c *Client) Do(ctx context.Context, network, address string, req *ClientRequest, stdout io.Writer) (*Response, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return c.DoConn(ctx, conn, req, stdout)
}

// DoConn runs req on an established connection. The request is sent from a
// second goroutine while the response is read, so an application may answer
// before it has consumed the body. The context deadline bounds the whole
// exchange and req.IdleTimeout bounds each wait for response bytes.
func (c *Client) DoConn(ctx context.Context, conn net.Conn, req *ClientRequest, stdout io.Writer) (*Response, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil, fmt.Errorf("fcgi: connection %T does not expose a file descriptor", conn)
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, err
		}
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	resp, err := c.exchange(ctx, cancel, conn, rc, req, stdout)
	if err != nil && ctx.Err() != nil {
		if cause := context.Cause(ctx); errors.Is(cause, errRequestBody) {
			return resp, cause
		}
		return resp, fmt.Errorf("fcgi: %w: %v", ctx.Err(), err)
	}
	return resp, err
}

func (c *Client) bufferSize() int {
	if c.BufferSize < HeaderSize*2+8 {
		return DefaultBufferSize
	}
	return c.BufferSize
}

const clientRequestID = 1

func (c *Client) exchange(ctx context.Context, cancel context.CancelCauseFunc, conn net.Conn, rc syscall.RawConn, req *ClientRequest, stdout io.Writer) (*Response, error) {
	sent := make(chan error, 1)
	go func() {
		err := c.send(rc, req)
		if errors.Is(err, errRequestBody) {
			cancel(err)
		}
		sent <- err
	}()

	resp, err := c.receive(ctx, conn, rc, req.IdleTimeout, stdout)

	// The application may end the request without reading all of stdin.
	_ = conn.SetWriteDeadline(time.Unix(1, 0))
	if werr := <-sent; err == nil && errors.Is(werr, errRequestBody) {
		err = werr
	}
	return resp, err
}

// send writes BEGIN_REQUEST, the PARAMS stream and the STDIN stream.
func (c *Client) send(rc syscall.RawConn, req *ClientRequest) error {
	size := c.bufferSize()
	out := ringbuf.New(size)
	stdin := ringbuf.New(size)

	enc := NewEncoder(clientRequestID)
	if err := enc.QueueBeginRequest(out, req.Role, req.KeepConn); err != nil {
		return err
	}

	var cursor EnvCursor
	stdinEOF := req.Stdin == nil
	for {
		paramsDone, err := enc.QueueEnvironment(out, req.Params, &cursor)
		if err != nil {
			return err
		}
		if paramsDone && !enc.StdinClosed() {
			if !stdinEOF && stdin.Free() > 0 {
				if _, err := stdin.Fill(req.Stdin); err != nil {
					if !errors.Is(err, io.EOF) {
						return fmt.Errorf("%w: %w", errRequestBody, err)
					}
					stdinEOF = true
				}
			}
			enc.QueueStdin(stdin, out, stdinEOF)
		}
		if out.Len() == 0 {
			if enc.StdinClosed() {
				return nil
			}
			continue
		}
		if err := writeRing(rc, out); err != nil {
			return fmt.Errorf("fcgi: write: %w", err)
		}
	}
}

// receive decodes the response until END_REQUEST, copying the body to stdout.
func (c *Client) receive(ctx context.Context, conn net.Conn, rc syscall.RawConn, idle time.Duration, stdout io.Writer) (*Response, error) {
	size := c.bufferSize()
	in := ringbuf.New(size)
	body := ringbuf.New(size)

	resp := &Response{}
	opts := []DecoderOption{
		WithDecoderLogger(c.Logger),
		WithWarnLimiter(&c.warn),
		WithStderrFunc(func(line string) {
			resp.Stderr = append(resp.Stderr, line)
		}),
	}
	if c.ScanHeaders {
		opts = append(opts, WithHeaderScan(c.MaxHeaderBytes))
	}
	dec := NewDecoder(clientRequestID, body, opts...)

	for !dec.Complete() {
		if in.Free() > 0 {
			if idle > 0 {
				deadline := time.Now().Add(idle)
				if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
					deadline = d
				}
				_ = conn.SetReadDeadline(deadline)
				// a cancellation that landed before the refresh must still win
				if err := ctx.Err(); err != nil {
					return resp, err
				}
			}
			if err := readRing(rc, in); err != nil {
				switch {
				case errors.Is(err, io.EOF):
					return resp, errors.New("fcgi: connection closed before END_REQUEST")
				case idle > 0 && errors.Is(err, os.ErrDeadlineExceeded) && ctx.Err() == nil:
					return resp, fmt.Errorf("%w after %v", ErrIdleTimeout, idle)
				}
				return resp, fmt.Errorf("fcgi: read: %w", err)
			}
		}
		if err := dec.Dequeue(in); err != nil {
			return resp, err
		}
		if err := drainTo(body, stdout, &resp.BodyBytes); err != nil {
			return resp, err
		}
	}
	if err := drainTo(body, stdout, &resp.BodyBytes); err != nil {
		return resp, err
	}

	resp.Header = dec.Header()
	resp.AppStatus = dec.AppStatus()
	resp.ProtocolStatus = dec.ProtocolStatus()
	return resp, nil
}

func drainTo(body *ringbuf.Buffer, w io.Writer, count *int64) error {
	for body.Len() > 0 {
		n, err := body.Drain(w)
		*count += int64(n)
		if err != nil {
			return fmt.Errorf("fcgi: writing response body: %w", err)
		}
	}
	return nil
}

// writeRing sends some of out, waiting for the socket to become writable.
func writeRing(rc syscall.RawConn, out *ringbuf.Buffer) error {
	var opErr error
	err := rc.Write(func(fd uintptr) bool {
		_, opErr = out.SendTo(int(fd))
		return !errors.Is(opErr, unix.EAGAIN)
	})
	if err != nil {
		return err
	}
	return opErr
}

// readRing receives into in, waiting for the socket to become readable.
func readRing(rc syscall.RawConn, in *ringbuf.Buffer) error {
	var opErr error
	err := rc.Read(func(fd uintptr) bool {
		_, opErr = in.ReceiveFrom(int(fd))
		return !errors.Is(opErr, unix.EAGAIN)
	})
	if err != nil {
		return err
	}
	return opErr
}
