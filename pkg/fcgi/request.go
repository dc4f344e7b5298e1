package fcgi

import (
	"encoding/binary"
	"strconv"

	"github.com/jrepp/prism-fcgi/pkg/ringbuf"
)

// Request is the application side view of one request.
type Request struct {
	ID       uint16
	Role     Role
	KeepConn bool
	Params   []Pair
}

// Param returns the value of the named parameter.
func (r *Request) Param(name string) (string, bool) {
	for _, p := range r.Params {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// RequestDecoder consumes the records the gateway sends an application
// process: BEGIN_REQUEST, the PARAMS and STDIN streams, ABORT_REQUEST and
// management GET_VALUES queries. STDIN content is moved into the stdin ring.
type RequestDecoder struct {
	stdin *ringbuf.Buffer

	hdr         [HeaderSize]byte
	hdrHave     int
	inRecord    bool
	cur         Header
	contentLeft int
	paddingLeft int

	body []byte

	begun      bool
	req        Request
	paramBuf   []byte
	paramsDone bool
	stdinDone  bool
	aborted    bool

	queries [][]Pair
	unknown []RecordType
}

// NewRequestDecoder creates a decoder delivering STDIN content into stdin.
func NewRequestDecoder(stdin *ringbuf.Buffer) *RequestDecoder {
	return &RequestDecoder{stdin: stdin}
}

// Request returns the request assembled so far, or nil before BEGIN_REQUEST.
func (d *RequestDecoder) Request() *Request {
	if !d.begun {
		return nil
	}
	return &d.req
}

// ParamsDone reports whether the PARAMS terminator has arrived, which is the
// point at which the environment is complete.
func (d *RequestDecoder) ParamsDone() bool { return d.paramsDone }

// StdinDone reports whether the STDIN terminator has arrived.
func (d *RequestDecoder) StdinDone() bool { return d.stdinDone }

// Aborted reports whether ABORT_REQUEST arrived.
func (d *RequestDecoder) Aborted() bool { return d.aborted }

// TakeManagement returns and clears pending GET_VALUES queries and the
// unknown record types that must be answered with UNKNOWN_TYPE.
func (d *RequestDecoder) TakeManagement() (queries [][]Pair, unknown []RecordType) {
	queries, unknown = d.queries, d.unknown
	d.queries, d.unknown = nil, nil
	return queries, unknown
}

// Reset prepares the decoder for the next request on a kept connection.
func (d *RequestDecoder) Reset() {
	*d = RequestDecoder{stdin: d.stdin}
}

// Dequeue consumes as much of in as it can.
func (d *RequestDecoder) Dequeue(in *ringbuf.Buffer) error {
	for {
		if !d.inRecord {
			if d.paddingLeft > 0 {
				d.paddingLeft -= in.Discard(d.paddingLeft)
				if d.paddingLeft > 0 {
					return nil
				}
			}
			if in.Len() == 0 {
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
			d.body = d.body[:0]
		}

		if d.contentLeft > 0 {
			if in.Len() == 0 {
				return nil
			}
			switch d.cur.Type {
			case TypeStdin:
				if d.stdin.Free() == 0 {
					return nil
				}
				d.contentLeft -= ringbuf.Transfer(d.stdin, in, d.contentLeft)
			case TypeBeginRequest, TypeParams, TypeGetValues:
				n := min(d.contentLeft, in.Len())
				start := len(d.body)
				d.body = append(d.body, make([]byte, n)...)
				in.CopyOut(d.body[start:])
				d.contentLeft -= n
				if d.cur.Type == TypeParams {
					if err := d.parseParams(); err != nil {
						return err
					}
				}
			default:
				d.contentLeft -= in.Discard(d.contentLeft)
			}
			continue
		}

		if err := d.finishRecord(); err != nil {
			return err
		}
	}
}

func (d *RequestDecoder) checkHeader(h Header) error {
	if h.Version != Version1 {
		return &ProtocolError{Kind: ErrKindBadVersion, RecordType: h.Type, Detail: "unsupported version " + strconv.Itoa(int(h.Version))}
	}
	if h.Type == 0 {
		return &ProtocolError{Kind: ErrKindBadType, RecordType: h.Type, Detail: "record type 0"}
	}
	if h.RequestID == 0 {
		return nil
	}
	switch {
	case h.Type == TypeBeginRequest && d.begun:
		return &ProtocolError{Kind: ErrKindUnexpected, RecordType: h.Type, Detail: "second BEGIN_REQUEST on a connection that does not multiplex"}
	case h.Type != TypeBeginRequest && !d.begun:
		return &ProtocolError{Kind: ErrKindUnexpected, RecordType: h.Type, Detail: "record before BEGIN_REQUEST"}
	case d.begun && h.RequestID != d.req.ID:
		return &ProtocolError{Kind: ErrKindBadRequestID, RecordType: h.Type,
			Detail: "got request id " + strconv.Itoa(int(h.RequestID)) + ", want " + strconv.Itoa(int(d.req.ID))}
	case h.Type == TypeBeginRequest && h.ContentLength != 8:
		return &ProtocolError{Kind: ErrKindMalformedPair, RecordType: h.Type, Detail: "BEGIN_REQUEST body must be 8 bytes"}
	}
	return nil
}

// parseParams moves every complete pair out of paramBuf.
func (d *RequestDecoder) parseParams() error {
	d.paramBuf = append(d.paramBuf, d.body...)
	d.body = d.body[:0]
	for {
		nameLen, n1 := decodeLength(d.paramBuf)
		if n1 == 0 {
			return nil
		}
		valueLen, n2 := decodeLength(d.paramBuf[n1:])
		if n2 == 0 {
			return nil
		}
		start := n1 + n2
		if len(d.paramBuf)-start < nameLen+valueLen {
			return nil
		}
		d.req.Params = append(d.req.Params, Pair{
			Name:  string(d.paramBuf[start : start+nameLen]),
			Value: string(d.paramBuf[start+nameLen : start+nameLen+valueLen]),
		})
		d.paramBuf = d.paramBuf[start+nameLen+valueLen:]
	}
}

func (d *RequestDecoder) finishRecord() error {
	d.inRecord = false
	h := d.cur
	if h.RequestID == 0 {
		switch h.Type {
		case TypeGetValues:
			pairs, err := ParsePairs(d.body)
			if err != nil {
				return err
			}
			d.queries = append(d.queries, pairs)
		default:
			d.unknown = append(d.unknown, h.Type)
		}
		return nil
	}

	switch h.Type {
	case TypeBeginRequest:
		d.begun = true
		d.req = Request{
			ID:       h.RequestID,
			Role:     Role(binary.BigEndian.Uint16(d.body[0:2])),
			KeepConn: d.body[2]&FlagKeepConn != 0,
		}
	case TypeParams:
		if h.ContentLength == 0 {
			if len(d.paramBuf) > 0 {
				return &ProtocolError{Kind: ErrKindMalformedPair, RecordType: h.Type, Detail: "PARAMS stream ended inside a pair"}
			}
			d.paramsDone = true
		}
	case TypeStdin:
		if h.ContentLength == 0 {
			d.stdinDone = true
		}
	case TypeAbortRequest:
		d.aborted = true
	}
	return nil
}

// ResponseEncoder stages the records an application process sends back for
// one request.
type ResponseEncoder struct {
	RequestID uint16
}

// QueueStream stages as much of p as fits as STDOUT or STDERR records and
// returns how many bytes it consumed.
func (e *ResponseEncoder) QueueStream(out *ringbuf.Buffer, typ RecordType, p []byte) int {
	total := 0
	for len(p) > 0 {
		n := queueChunk(out, typ, e.RequestID, p)
		if n == 0 {
			break
		}
		p = p[n:]
		total += n
	}
	return total
}

// CloseStream stages the zero-length record ending a STDOUT or STDERR stream.
func (e *ResponseEncoder) CloseStream(out *ringbuf.Buffer, typ RecordType) error {
	return queueRecord(out, typ, e.RequestID, nil)
}

// QueueEndRequest stages END_REQUEST.
func (e *ResponseEncoder) QueueEndRequest(out *ringbuf.Buffer, appStatus uint32, status ProtocolStatus) error {
	var body [8]byte
	binary.BigEndian.PutUint32(body[0:4], appStatus)
	body[4] = uint8(status)
	return queueRecord(out, TypeEndRequest, e.RequestID, body[:])
}

// QueueGetValuesResult stages a management reply.
func QueueGetValuesResult(out *ringbuf.Buffer, pairs []Pair) error {
	var body []byte
	for _, p := range pairs {
		body = AppendPair(body, p.Name, p.Value)
	}
	return queueRecord(out, TypeGetValuesResult, 0, body)
}

// QueueUnknownType stages the reply to a management record that is not
// understood.
func QueueUnknownType(out *ringbuf.Buffer, t RecordType) error {
	var body [8]byte
	body[0] = uint8(t)
	return queueRecord(out, TypeUnknownType, 0, body[:])
}
