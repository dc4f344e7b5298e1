package fcgi

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"log/slog"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/jrepp/prism-fcgi/pkg/ringbuf"
)

// DefaultMaxHeaderBytes bounds the response header block when header
// scanning is enabled.
const DefaultMaxHeaderBytes = 8 << 10

// stderrLineMax is the longest stderr line delivered before truncation.
const stderrLineMax = 1023

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithHeaderScan makes the decoder collect the response header block from
// the start of STDOUT before passing body bytes on. max bounds the block;
// zero selects DefaultMaxHeaderBytes.
func WithHeaderScan(max int) DecoderOption {
	return func(d *Decoder) {
		d.scanHeaders = true
		if max > 0 {
			d.maxHeaderBytes = max
		}
	}
}

// WithStderrFunc receives each complete stderr line.
func WithStderrFunc(fn func(line string)) DecoderOption {
	return func(d *Decoder) {
		d.onStderr = fn
	}
}

// WithDecoderLogger sets the logger used for stderr diagnostics.
func WithDecoderLogger(logger *slog.Logger) DecoderOption {
	return func(d *Decoder) {
		d.logger = logger
	}
}

// WithWarnLimiter shares a warning throttle between decoders.
func WithWarnLimiter(s *rate.Sometimes) DecoderOption {
	return func(d *Decoder) {
		d.warn = s
	}
}

// Decoder consumes the response records of one request from an input ring.
// STDOUT content is moved into the stdout ring, applying backpressure when it
// is full. STDERR content is split into lines. END_REQUEST completes the
// request.
type Decoder struct {
	RequestID uint16

	stdout *ringbuf.Buffer
	logger *slog.Logger
	warn   *rate.Sometimes

	// record framing
	hdr         [HeaderSize]byte
	hdrHave     int
	inRecord    bool
	cur         Header
	contentLeft int
	paddingLeft int

	// response header scan
	scanHeaders    bool
	maxHeaderBytes int
	headerBuf      []byte
	headersDone    bool
	header         textproto.MIMEHeader
	pending        []byte
	stdoutClosed   bool

	// stderr line assembly
	stderrLine [stderrLineMax]byte
	stderrLen  int
	stderrSkip bool
	onStderr   func(string)

	endBody        [8]byte
	endHave        int
	complete       bool
	appStatus      uint32
	protocolStatus ProtocolStatus
}

// NewDecoder creates a decoder for the given request id that delivers body
// bytes into stdout.
func NewDecoder(requestID uint16, stdout *ringbuf.Buffer, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		RequestID:      requestID,
		stdout:         stdout,
		maxHeaderBytes: DefaultMaxHeaderBytes,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.warn == nil {
		d.warn = &rate.Sometimes{Interval: time.Second}
	}
	return d
}

// Complete reports whether END_REQUEST has been received.
func (d *Decoder) Complete() bool { return d.complete }

// HeadersDone reports whether the response header block has been parsed.
func (d *Decoder) HeadersDone() bool { return d.headersDone }

// Header returns the parsed response header block.
func (d *Decoder) Header() textproto.MIMEHeader { return d.header }

// StdoutClosed reports whether the zero-length STDOUT record was seen.
func (d *Decoder) StdoutClosed() bool { return d.stdoutClosed }

// AppStatus returns the application status from END_REQUEST.
func (d *Decoder) AppStatus() uint32 { return d.appStatus }

// ProtocolStatus returns the protocol status from END_REQUEST.
func (d *Decoder) ProtocolStatus() ProtocolStatus { return d.protocolStatus }

// Dequeue consumes as much of in as it can. It returns nil when it needs
// more input or when stdout is full, and a *ProtocolError when the stream is
// invalid. Bytes after END_REQUEST are left in in; calling Dequeue again
// while they are there returns ErrRequestComplete.
func (d *Decoder) Dequeue(in *ringbuf.Buffer) error {
	if d.complete {
		d.paddingLeft -= in.Discard(d.paddingLeft)
		if d.paddingLeft == 0 && in.Len() > 0 {
			return ErrRequestComplete
		}
		return nil
	}
	for {
		if len(d.pending) > 0 {
			n := d.stdout.CopyIn(d.pending)
			d.pending = d.pending[n:]
			if len(d.pending) > 0 {
				return nil
			}
			d.pending = nil
		}

		if !d.inRecord {
			if d.paddingLeft > 0 {
				d.paddingLeft -= in.Discard(d.paddingLeft)
				if d.paddingLeft > 0 {
					return nil
				}
			}
			if d.complete || in.Len() == 0 {
				return nil
			}
			d.hdrHave += in.CopyOut(d.hdr[d.hdrHave:])
			if d.hdrHave < HeaderSize {
				return nil
			}
			d.hdrHave = 0
			h := DecodeHeader(d.hdr[:])
			if err := d.checkHeader(h); err != nil {
				return err
			}
			d.cur = h
			d.inRecord = true
			d.contentLeft = int(h.ContentLength)
			d.paddingLeft = int(h.PaddingLength)
			d.endHave = 0
		}

		if d.contentLeft == 0 {
			if err := d.finishRecord(); err != nil {
				return err
			}
			continue
		}
		if in.Len() == 0 {
			return nil
		}

		switch d.cur.Type {
		case TypeStdout:
			progressed, err := d.readStdout(in)
			if err != nil {
				return err
			}
			if !progressed {
				return nil
			}
		case TypeStderr:
			d.readStderr(in)
		case TypeEndRequest:
			if err := d.readEndRequest(in); err != nil {
				return err
			}
		default:
			// GET_VALUES_RESULT, UNKNOWN_TYPE and anything else addressed to
			// the client is dropped.
			d.contentLeft -= in.Discard(d.contentLeft)
		}
	}
}

func (d *Decoder) checkHeader(h Header) error {
	if h.Version != Version1 {
		return &ProtocolError{Kind: ErrKindBadVersion, RecordType: h.Type, Detail: "unsupported version " + strconv.Itoa(int(h.Version))}
	}
	if h.Type == 0 || h.Type > MaxType {
		return &ProtocolError{Kind: ErrKindBadType, RecordType: h.Type, Detail: "unknown record type"}
	}
	switch h.Type {
	case TypeStdout, TypeStderr, TypeEndRequest:
		if h.RequestID != d.RequestID {
			return &ProtocolError{Kind: ErrKindBadRequestID, RecordType: h.Type,
				Detail: "got request id " + strconv.Itoa(int(h.RequestID)) + ", want " + strconv.Itoa(int(d.RequestID))}
		}
	}
	if h.Type == TypeEndRequest && h.ContentLength != 8 {
		return &ProtocolError{Kind: ErrKindBadEndRequest, RecordType: h.Type,
			Detail: "content length " + strconv.Itoa(int(h.ContentLength)) + ", want 8"}
	}
	return nil
}

// finishRecord runs once a record's content has been fully consumed.
func (d *Decoder) finishRecord() error {
	d.inRecord = false
	switch d.cur.Type {
	case TypeStdout:
		if d.cur.ContentLength == 0 {
			d.stdoutClosed = true
			return d.requireHeaders()
		}
	case TypeStderr:
		if d.cur.ContentLength == 0 {
			d.flushStderr()
		}
	}
	return nil
}

func (d *Decoder) requireHeaders() error {
	if d.scanHeaders && !d.headersDone {
		return &ProtocolError{Kind: ErrKindBadHeader, RecordType: TypeStdout, Detail: "response ended before the end of the header block"}
	}
	return nil
}

// readStdout reports whether any content was consumed.
func (d *Decoder) readStdout(in *ringbuf.Buffer) (bool, error) {
	if d.scanHeaders && !d.headersDone {
		n := min(d.contentLeft, in.Len())
		start := len(d.headerBuf)
		d.headerBuf = append(d.headerBuf, make([]byte, n)...)
		in.CopyOut(d.headerBuf[start:])
		d.contentLeft -= n
		return true, d.scanHeaderBlock()
	}
	if d.stdout.Free() == 0 {
		return false, nil
	}
	n := ringbuf.Transfer(d.stdout, in, d.contentLeft)
	d.contentLeft -= n
	return n > 0, nil
}

// scanHeaderBlock looks for the blank line ending the header block and
// parses it once found. Body bytes that arrived with it become pending.
func (d *Decoder) scanHeaderBlock() error {
	end, sep := headerBlockEnd(d.headerBuf)
	if end < 0 {
		if len(d.headerBuf) > d.maxHeaderBytes {
			return &ProtocolError{Kind: ErrKindHeaderOverflow, RecordType: TypeStdout,
				Detail: "response header block exceeds " + strconv.Itoa(d.maxHeaderBytes) + " bytes"}
		}
		return nil
	}
	if end > d.maxHeaderBytes {
		return &ProtocolError{Kind: ErrKindHeaderOverflow, RecordType: TypeStdout,
			Detail: "response header block exceeds " + strconv.Itoa(d.maxHeaderBytes) + " bytes"}
	}

	block := d.headerBuf[:end+sep]
	r := textproto.NewReader(bufio.NewReader(bytes.NewReader(block)))
	hdr, err := r.ReadMIMEHeader()
	if err != nil {
		return &ProtocolError{Kind: ErrKindBadHeader, RecordType: TypeStdout, Detail: err.Error()}
	}
	d.header = hdr
	d.headersDone = true
	if rest := d.headerBuf[end+sep:]; len(rest) > 0 {
		d.pending = rest
	}
	d.headerBuf = nil
	return nil
}

// headerBlockEnd returns the offset of the blank line ending a header block
// and the length of the separator, or -1.
func headerBlockEnd(p []byte) (int, int) {
	crlf := bytes.Index(p, []byte("\r\n\r\n"))
	lf := bytes.Index(p, []byte("\n\n"))
	switch {
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return crlf, 4
	case lf >= 0:
		return lf, 2
	default:
		return -1, 0
	}
}

func (d *Decoder) readStderr(in *ringbuf.Buffer) {
	for d.contentLeft > 0 && in.Len() > 0 {
		r := in.ReadableRegion()
		if len(r) > d.contentLeft {
			r = r[:d.contentLeft]
		}
		for _, c := range r {
			d.stderrByte(c)
		}
		in.RemovedBytes(len(r))
		d.contentLeft -= len(r)
	}
}

func (d *Decoder) stderrByte(c byte) {
	switch {
	case c == '\n':
		if d.stderrSkip {
			d.stderrSkip = false
			d.stderrLen = 0
			return
		}
		d.flushStderr()
	case d.stderrSkip:
	case c == 0:
		d.warn.Do(func() {
			d.logger.Warn("application stderr contains a NUL byte, discarding line",
				"request_id", d.RequestID)
		})
		d.stderrLen = 0
		d.stderrSkip = true
	case d.stderrLen == len(d.stderrLine):
		d.warn.Do(func() {
			d.logger.Warn("application stderr line too long, truncating",
				"request_id", d.RequestID, "limit", stderrLineMax)
		})
		d.flushStderr()
		d.stderrSkip = true
	default:
		d.stderrLine[d.stderrLen] = c
		d.stderrLen++
	}
}

func (d *Decoder) flushStderr() {
	line := strings.TrimSuffix(string(d.stderrLine[:d.stderrLen]), "\r")
	d.stderrLen = 0
	if line == "" {
		return
	}
	if d.onStderr != nil {
		d.onStderr(line)
		return
	}
	d.logger.Info("application stderr", "request_id", d.RequestID, "line", line)
}

func (d *Decoder) readEndRequest(in *ringbuf.Buffer) error {
	n := in.CopyOut(d.endBody[d.endHave:])
	d.endHave += n
	d.contentLeft -= n
	if d.endHave < len(d.endBody) {
		return nil
	}
	d.appStatus = binary.BigEndian.Uint32(d.endBody[0:4])
	d.protocolStatus = ProtocolStatus(d.endBody[4])
	d.inRecord = false
	if d.protocolStatus != StatusRequestComplete {
		return &ProtocolError{Kind: ErrKindBadStatus, RecordType: TypeEndRequest,
			Detail: "application ended request with " + d.protocolStatus.String()}
	}
	if d.stderrLen > 0 && !d.stderrSkip {
		d.flushStderr()
	}
	if err := d.requireHeaders(); err != nil {
		return err
	}
	d.complete = true
	return nil
}
