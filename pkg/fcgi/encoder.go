package fcgi

import (
	"encoding/binary"
	"os"
	"strings"

	"github.com/jrepp/prism-fcgi/pkg/ringbuf"
)

// writeHeader stages a record header. The caller has checked for space.
func writeHeader(out *ringbuf.Buffer, typ RecordType, id uint16, contentLen int) {
	var hdr [HeaderSize]byte
	Header{
		Version:       Version1,
		Type:          typ,
		RequestID:     id,
		ContentLength: uint16(contentLen),
	}.Encode(hdr[:])
	out.CopyIn(hdr[:])
}

// queueRecord stages a complete record, header and content, or nothing.
func queueRecord(out *ringbuf.Buffer, typ RecordType, id uint16, content []byte) error {
	if len(content) > MaxContentLength {
		return &ProtocolError{Kind: ErrKindPairTooLarge, RecordType: typ, Detail: "record content exceeds 65535 bytes"}
	}
	if out.Free() < HeaderSize+len(content) {
		return ringbuf.ErrShortBuffer
	}
	writeHeader(out, typ, id, len(content))
	out.CopyIn(content)
	return nil
}

// queueChunk stages one stream record carrying as much of p as fits and
// returns how many bytes of p it consumed. An empty p is never staged here.
func queueChunk(out *ringbuf.Buffer, typ RecordType, id uint16, p []byte) int {
	n := min(len(p), out.Free()-HeaderSize, MaxContentLength)
	if n <= 0 {
		return 0
	}
	writeHeader(out, typ, id, n)
	out.CopyIn(p[:n])
	return n
}

// queueTransfer stages one stream record carrying bytes moved out of src.
func queueTransfer(out, src *ringbuf.Buffer, typ RecordType, id uint16) int {
	n := min(src.Len(), out.Free()-HeaderSize, MaxContentLength)
	if n <= 0 {
		return 0
	}
	writeHeader(out, typ, id, n)
	return ringbuf.Transfer(out, src, n)
}

// Encoder stages the records of one outbound request.
type Encoder struct {
	RequestID   uint16
	stdinClosed bool
}

// NewEncoder creates an encoder for the given request id.
func NewEncoder(requestID uint16) *Encoder {
	return &Encoder{RequestID: requestID}
}

// QueueBeginRequest stages BEGIN_REQUEST. It needs 16 free bytes and returns
// ringbuf.ErrShortBuffer without writing anything when they are missing.
func (e *Encoder) QueueBeginRequest(out *ringbuf.Buffer, role Role, keepConn bool) error {
	var body [8]byte
	binary.BigEndian.PutUint16(body[0:2], uint16(role))
	if keepConn {
		body[2] = FlagKeepConn
	}
	return queueRecord(out, TypeBeginRequest, e.RequestID, body[:])
}

// QueueAbortRequest stages ABORT_REQUEST.
func (e *Encoder) QueueAbortRequest(out *ringbuf.Buffer) error {
	return queueRecord(out, TypeAbortRequest, e.RequestID, nil)
}

// QueueGetValues stages a management GET_VALUES query for the named
// variables.
func QueueGetValues(out *ringbuf.Buffer, names ...string) error {
	var body []byte
	for _, name := range names {
		body = AppendPair(body, name, "")
	}
	return queueRecord(out, TypeGetValues, 0, body)
}

// EnvCursor records how far an environment has been staged so that
// QueueEnvironment can resume after the output buffer drains. The zero value
// starts at the first pair.
type EnvCursor struct {
	// Pair is the index of the pair currently being staged.
	Pair int

	prefix     []byte
	total      int
	offset     int
	recordLeft int
	terminated bool
}

// Done reports whether the whole environment, terminator included, has been
// staged.
func (c *EnvCursor) Done() bool { return c.terminated }

// Reset rewinds the cursor to the first pair.
func (c *EnvCursor) Reset() { *c = EnvCursor{} }

func (c *EnvCursor) advance() {
	c.Pair++
	c.prefix = nil
	c.total = 0
	c.offset = 0
}

// QueueEnvironment stages as much of the PARAMS stream for pairs as out can
// hold and reports whether the stream, including its zero-length terminator,
// is complete. A record header and the length prefix of the pair it opens
// are always staged together. Pairs longer than one record are split at
// fixed MaxContentLength boundaries regardless of free space, so the record
// layout is the same however often the call is resumed.
func (e *Encoder) QueueEnvironment(out *ringbuf.Buffer, pairs []Pair, cur *EnvCursor) (bool, error) {
	for !cur.terminated {
		if cur.Pair >= len(pairs) {
			if out.Free() < HeaderSize {
				return false, nil
			}
			writeHeader(out, TypeParams, e.RequestID, 0)
			cur.terminated = true
			break
		}

		p := pairs[cur.Pair]
		if cur.prefix == nil {
			if len(p.Name) > maxPairLength || len(p.Value) > maxPairLength {
				return false, &ProtocolError{Kind: ErrKindPairTooLarge, RecordType: TypeParams, Detail: "pair " + p.Name + " too large to encode"}
			}
			cur.prefix = pairPrefix(p.Name, p.Value)
			cur.total = len(cur.prefix) + len(p.Name) + len(p.Value)
		}

		if cur.recordLeft == 0 {
			if cur.offset == cur.total {
				cur.advance()
				continue
			}
			chunk := min(cur.total-cur.offset, MaxContentLength)
			need := HeaderSize
			if cur.offset == 0 {
				need += len(cur.prefix)
			}
			if out.Free() < need {
				return false, nil
			}
			writeHeader(out, TypeParams, e.RequestID, chunk)
			cur.recordLeft = chunk
			if cur.offset == 0 {
				out.CopyIn(cur.prefix)
				cur.offset = len(cur.prefix)
				cur.recordLeft -= len(cur.prefix)
			}
			continue
		}

		pos := cur.offset - len(cur.prefix)
		var s string
		if pos < len(p.Name) {
			s = p.Name[pos:]
		} else {
			s = p.Value[pos-len(p.Name):]
		}
		if len(s) > cur.recordLeft {
			s = s[:cur.recordLeft]
		}
		n := out.CopyInString(s)
		if n == 0 {
			return false, nil
		}
		cur.offset += n
		cur.recordLeft -= n
	}
	return true, nil
}

// QueueStdin moves request body bytes from in to out as STDIN records and
// returns how many content bytes were staged. Once eof is set and in is
// empty the zero-length STDIN terminator is staged, exactly once.
func (e *Encoder) QueueStdin(in, out *ringbuf.Buffer, eof bool) int {
	if e.stdinClosed {
		return 0
	}
	total := 0
	for in.Len() > 0 {
		n := queueTransfer(out, in, TypeStdin, e.RequestID)
		if n == 0 {
			return total
		}
		total += n
	}
	if eof && out.Free() >= HeaderSize {
		writeHeader(out, TypeStdin, e.RequestID, 0)
		e.stdinClosed = true
	}
	return total
}

// StdinClosed reports whether the STDIN terminator has been staged.
func (e *Encoder) StdinClosed() bool { return e.stdinClosed }

// PairsFromEnv converts KEY=VALUE strings, such as os.Environ output, into
// pairs. Entries without '=' are skipped.
func PairsFromEnv(env []string) []Pair {
	pairs := make([]Pair, 0, len(env))
	for _, kv := range env {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			continue
		}
		pairs = append(pairs, Pair{Name: name, Value: value})
	}
	return pairs
}

// InheritedPairs returns pairs for the named variables from the current
// process environment, skipping the ones that are unset.
func InheritedPairs(names ...string) []Pair {
	var pairs []Pair
	for _, name := range names {
		if v, ok := os.LookupEnv(name); ok {
			pairs = append(pairs, Pair{Name: name, Value: v})
		}
	}
	return pairs
}
