package fcgi

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"

	"github.com/jrepp/prism-fcgi/pkg/ringbuf"
)

// Handler serves one request inside an application process. The returned
// value becomes the application status of END_REQUEST.
type Handler interface {
	ServeFCGI(req *Request, stdin io.Reader, stdout, stderr io.Writer) uint32
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(req *Request, stdin io.Reader, stdout, stderr io.Writer) uint32

// ServeFCGI calls f.
func (f HandlerFunc) ServeFCGI(req *Request, stdin io.Reader, stdout, stderr io.Writer) uint32 {
	return f(req, stdin, stdout, stderr)
}

// Server is the application side of the protocol. It answers one request at
// a time per connection.
type Server struct {
	Handler    Handler
	Logger     *slog.Logger
	BufferSize int
	// MaxConns is reported for FCGI_MAX_CONNS and FCGI_MAX_REQS.
	MaxConns int
}

// ListenerFromStdin returns the listening socket inherited on descriptor 0,
// which is how the process manager hands a class its socket.
func ListenerFromStdin() (net.Listener, error) {
	f := os.NewFile(0, "fcgi-listener")
	defer f.Close()
	l, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("fcgi: descriptor 0 is not a listening socket: %w", err)
	}
	return l, nil
}

func (s *Server) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// Serve accepts connections until l is closed.
func (s *Server) Serve(l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go func() {
			defer conn.Close()
			if err := s.ServeConn(conn); err != nil {
				s.logger().Warn("connection failed", "remote", conn.RemoteAddr(), "error", err)
			}
		}()
	}
}

// ServeConn serves requests on conn until the gateway closes it or sends a
// request without the keep-connection flag.
func (s *Server) ServeConn(conn io.ReadWriter) error {
	size := s.BufferSize
	if size <= HeaderSize*2 {
		size = DefaultBufferSize
	}
	in := ringbuf.New(size)
	out := ringbuf.New(size)
	stdin := ringbuf.New(size)
	dec := NewRequestDecoder(stdin)

	for {
		var body bytes.Buffer
		for {
			if err := dec.Dequeue(in); err != nil {
				return err
			}
			for stdin.Len() > 0 {
				if _, err := stdin.Drain(&body); err != nil {
					return err
				}
			}
			if err := s.answerManagement(conn, out, dec); err != nil {
				return err
			}
			if dec.Aborted() || (dec.ParamsDone() && dec.StdinDone()) {
				break
			}
			n, err := in.Fill(conn)
			if err != nil && n == 0 {
				if errors.Is(err, io.EOF) && dec.Request() == nil && in.Len() == 0 {
					return nil
				}
				return err
			}
		}

		req := dec.Request()
		enc := &ResponseEncoder{RequestID: req.ID}
		if err := s.respond(conn, out, enc, req, &body, dec.Aborted()); err != nil {
			return err
		}
		if !req.KeepConn {
			return nil
		}
		dec.Reset()
	}
}

func (s *Server) respond(w io.Writer, out *ringbuf.Buffer, enc *ResponseEncoder, req *Request, body *bytes.Buffer, aborted bool) error {
	var stdout, stderr bytes.Buffer
	var appStatus uint32
	status := StatusRequestComplete
	switch {
	case aborted:
		appStatus = 1
	case req.Role != RoleResponder:
		status = StatusUnknownRole
	default:
		appStatus = s.Handler.ServeFCGI(req, body, &stdout, &stderr)
	}

	if status != StatusRequestComplete {
		if err := stage(w, out, func() error { return enc.QueueEndRequest(out, 0, status) }); err != nil {
			return err
		}
		return flush(w, out)
	}

	for _, stream := range []struct {
		typ RecordType
		p   []byte
	}{{TypeStdout, stdout.Bytes()}, {TypeStderr, stderr.Bytes()}} {
		p := stream.p
		for len(p) > 0 {
			n := enc.QueueStream(out, stream.typ, p)
			p = p[n:]
			if len(p) > 0 {
				if err := flush(w, out); err != nil {
					return err
				}
			}
		}
		if err := stage(w, out, func() error { return enc.CloseStream(out, stream.typ) }); err != nil {
			return err
		}
	}
	if err := stage(w, out, func() error { return enc.QueueEndRequest(out, appStatus, status) }); err != nil {
		return err
	}
	return flush(w, out)
}

func (s *Server) answerManagement(w io.Writer, out *ringbuf.Buffer, dec *RequestDecoder) error {
	queries, unknown := dec.TakeManagement()
	if len(queries) == 0 && len(unknown) == 0 {
		return nil
	}
	maxConns := s.MaxConns
	if maxConns <= 0 {
		maxConns = 1
	}
	for _, q := range queries {
		var reply []Pair
		for _, p := range q {
			switch p.Name {
			case ValueMaxConns, ValueMaxReqs:
				reply = append(reply, Pair{Name: p.Name, Value: strconv.Itoa(maxConns)})
			case ValueMpxsConns:
				reply = append(reply, Pair{Name: p.Name, Value: "0"})
			}
		}
		if err := stage(w, out, func() error { return QueueGetValuesResult(out, reply) }); err != nil {
			return err
		}
	}
	for _, t := range unknown {
		if err := stage(w, out, func() error { return QueueUnknownType(out, t) }); err != nil {
			return err
		}
	}
	return flush(w, out)
}

// stage runs queue, flushing out to w first if it lacks room.
func stage(w io.Writer, out *ringbuf.Buffer, queue func() error) error {
	err := queue()
	if !errors.Is(err, ringbuf.ErrShortBuffer) {
		return err
	}
	if err := flush(w, out); err != nil {
		return err
	}
	return queue()
}

func flush(w io.Writer, out *ringbuf.Buffer) error {
	for out.Len() > 0 {
		if _, err := out.Drain(w); err != nil {
			return err
		}
	}
	return nil
}
