package fcgi

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrepp/prism-fcgi/pkg/ringbuf"
)

func endRequest(id uint16, appStatus uint32, status ProtocolStatus) []byte {
	var body [8]byte
	binary.BigEndian.PutUint32(body[0:4], appStatus)
	body[4] = uint8(status)
	return record(TypeEndRequest, id, body[:], 0)
}

// decodeAll feeds wire to dec in chunks of the given size, draining stdout as
// it goes, and returns the body bytes and the first error.
func decodeAll(dec *Decoder, stdout *ringbuf.Buffer, wire []byte, chunk int) ([]byte, error) {
	in := ringbuf.New(64)
	var body []byte
	for {
		if len(wire) > 0 {
			n := in.CopyIn(wire[:min(chunk, len(wire))])
			wire = wire[n:]
		}
		if err := dec.Dequeue(in); err != nil {
			return body, err
		}
		body = append(body, drainAll(stdout)...)
		if dec.Complete() || (len(wire) == 0 && in.Len() == 0) {
			return body, nil
		}
	}
}

// TestDecoder_Response tests a complete response with header scanning
func TestDecoder_Response(t *testing.T) {
	var wire []byte
	wire = append(wire, record(TypeStdout, 1, []byte("Status: 200 OK\r\nContent-"), 3)...)
	wire = append(wire, record(TypeStderr, 1, []byte("first line\nsecond "), 0)...)
	wire = append(wire, record(TypeStdout, 1, []byte("Type: text/plain\r\n\r\nhello "), 0)...)
	wire = append(wire, record(TypeStdout, 1, []byte("world"), 5)...)
	wire = append(wire, record(TypeStderr, 1, []byte("line\n"), 0)...)
	wire = append(wire, record(TypeStdout, 1, nil, 0)...)
	wire = append(wire, endRequest(1, 42, StatusRequestComplete)...)

	for _, chunk := range []int{1, 3, 8, 64} {
		stdout := ringbuf.New(4)
		var lines []string
		dec := NewDecoder(1, stdout, WithHeaderScan(0), WithStderrFunc(func(l string) {
			lines = append(lines, l)
		}))
		body, err := decodeAll(dec, stdout, wire, chunk)
		require.NoError(t, err, "chunk %d", chunk)

		assert.True(t, dec.Complete())
		assert.True(t, dec.StdoutClosed())
		assert.Equal(t, "hello world", string(body))
		assert.Equal(t, "200 OK", dec.Header().Get("Status"))
		assert.Equal(t, "text/plain", dec.Header().Get("Content-Type"))
		assert.Equal(t, []string{"first line", "second line"}, lines)
		assert.Equal(t, uint32(42), dec.AppStatus())
	}
}

// TestDecoder_PassThroughWithoutHeaderScan tests raw STDOUT delivery
func TestDecoder_PassThroughWithoutHeaderScan(t *testing.T) {
	wire := append(record(TypeStdout, 9, []byte("raw\n\nbytes"), 0), endRequest(9, 0, StatusRequestComplete)...)
	stdout := ringbuf.New(64)
	dec := NewDecoder(9, stdout)
	body, err := decodeAll(dec, stdout, wire, 5)
	require.NoError(t, err)
	assert.Equal(t, "raw\n\nbytes", string(body))
	assert.Nil(t, dec.Header())
}

// TestDecoder_Backpressure tests that a full stdout ring stops consumption
func TestDecoder_Backpressure(t *testing.T) {
	wire := append(record(TypeStdout, 1, []byte("0123456789"), 0), endRequest(1, 0, StatusRequestComplete)...)
	in := ringbuf.New(128)
	in.CopyIn(wire)
	stdout := ringbuf.New(4)
	dec := NewDecoder(1, stdout)

	require.NoError(t, dec.Dequeue(in))
	assert.Equal(t, 4, stdout.Len())
	assert.False(t, dec.Complete())
	assert.Greater(t, in.Len(), 0)

	var body []byte
	for !dec.Complete() {
		body = append(body, drainAll(stdout)...)
		require.NoError(t, dec.Dequeue(in))
	}
	body = append(body, drainAll(stdout)...)
	assert.Equal(t, "0123456789", string(body))
	assert.Equal(t, 0, in.Len())
}

// TestDecoder_DiscardsOtherRecords tests that management replies are skipped
func TestDecoder_DiscardsOtherRecords(t *testing.T) {
	var wire []byte
	wire = append(wire, record(TypeGetValuesResult, 0, []byte{1, 1, 'a', 'b'}, 4)...)
	wire = append(wire, record(TypeUnknownType, 0, make([]byte, 8), 0)...)
	wire = append(wire, record(TypeStdout, 1, []byte("ok"), 0)...)
	wire = append(wire, endRequest(1, 0, StatusRequestComplete)...)

	stdout := ringbuf.New(64)
	dec := NewDecoder(1, stdout)
	body, err := decodeAll(dec, stdout, wire, 7)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.True(t, dec.Complete())
}

// TestDecoder_LeavesTrailingBytes tests that input after END_REQUEST is untouched
func TestDecoder_LeavesTrailingBytes(t *testing.T) {
	wire := append(endRequest(1, 0, StatusRequestComplete), record(TypeStdout, 1, []byte("late"), 0)...)
	in := ringbuf.New(64)
	in.CopyIn(wire)
	dec := NewDecoder(1, ringbuf.New(16))
	require.NoError(t, dec.Dequeue(in))
	assert.True(t, dec.Complete())
	assert.Equal(t, HeaderSize+4, in.Len())

	// Further input for a finished request is refused and left in place
	assert.ErrorIs(t, dec.Dequeue(in), ErrRequestComplete)
	assert.Equal(t, HeaderSize+4, in.Len())

	in.Reset()
	assert.NoError(t, dec.Dequeue(in))
}

// TestDecoder_CompleteSkipsPadding tests that END_REQUEST padding is not
// mistaken for trailing input
func TestDecoder_CompleteSkipsPadding(t *testing.T) {
	var body [8]byte
	padded := record(TypeEndRequest, 1, body[:], 6)

	in := ringbuf.New(64)
	in.CopyIn(record(TypeStdout, 1, nil, 0))
	in.CopyIn(padded[:len(padded)-3])
	dec := NewDecoder(1, ringbuf.New(16))
	require.NoError(t, dec.Dequeue(in))
	require.True(t, dec.Complete())

	in.CopyIn(padded[len(padded)-3:])
	assert.NoError(t, dec.Dequeue(in))
	assert.Zero(t, in.Len())
}

// TestDecoder_ProtocolErrors tests the fatal stream violations
func TestDecoder_ProtocolErrors(t *testing.T) {
	badVersion := record(TypeStdout, 1, nil, 0)
	badVersion[0] = 2

	tests := []struct {
		name string
		wire []byte
		scan bool
		kind ErrKind
	}{
		{name: "bad version", wire: badVersion, kind: ErrKindBadVersion},
		{name: "type zero", wire: record(0, 1, nil, 0), kind: ErrKindBadType},
		{name: "type above max", wire: record(MaxType+1, 1, nil, 0), kind: ErrKindBadType},
		{name: "stdout for other request", wire: record(TypeStdout, 2, []byte("x"), 0), kind: ErrKindBadRequestID},
		{name: "stderr for other request", wire: record(TypeStderr, 2, []byte("x"), 0), kind: ErrKindBadRequestID},
		{name: "short end request", wire: record(TypeEndRequest, 1, make([]byte, 7), 0), kind: ErrKindBadEndRequest},
		{name: "overloaded", wire: endRequest(1, 0, StatusOverloaded), kind: ErrKindBadStatus},
		{name: "cant mpx", wire: endRequest(1, 0, StatusCantMpxConn), kind: ErrKindBadStatus},
		{
			name: "header overflow",
			wire: record(TypeStdout, 1, []byte("X-Long: "+strings.Repeat("a", DefaultMaxHeaderBytes)), 0),
			scan: true,
			kind: ErrKindHeaderOverflow,
		},
		{
			name: "end before header block",
			wire: append(record(TypeStdout, 1, []byte("Status: 200\r\n"), 0), endRequest(1, 0, StatusRequestComplete)...),
			scan: true,
			kind: ErrKindBadHeader,
		},
		{
			name: "malformed header line",
			wire: record(TypeStdout, 1, []byte("no colon here\r\n\r\n"), 0),
			scan: true,
			kind: ErrKindBadHeader,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stdout := ringbuf.New(64)
			var opts []DecoderOption
			if tt.scan {
				opts = append(opts, WithHeaderScan(0))
			}
			dec := NewDecoder(1, stdout, opts...)
			_, err := decodeAll(dec, stdout, tt.wire, 64)
			require.Error(t, err)
			var pe *ProtocolError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.kind, pe.Kind)
			assert.False(t, dec.Complete())
		})
	}
}

// TestDecoder_StderrViolations tests NUL handling and long line truncation
func TestDecoder_StderrViolations(t *testing.T) {
	long := strings.Repeat("e", stderrLineMax+50)
	var stderr bytes.Buffer
	stderr.WriteString("before\n")
	stderr.WriteString("bad\x00line\n")
	stderr.WriteString(long + "\n")
	stderr.WriteString("after\r\n")
	stderr.WriteString("unterminated")

	var wire []byte
	p := stderr.Bytes()
	for len(p) > 0 {
		n := min(len(p), 100)
		wire = append(wire, record(TypeStderr, 1, p[:n], 0)...)
		p = p[n:]
	}
	wire = append(wire, endRequest(1, 0, StatusRequestComplete)...)

	var lines []string
	stdout := ringbuf.New(16)
	dec := NewDecoder(1, stdout, WithStderrFunc(func(l string) { lines = append(lines, l) }))
	_, err := decodeAll(dec, stdout, wire, 33)
	require.NoError(t, err)

	require.Len(t, lines, 4)
	assert.Equal(t, "before", lines[0])
	assert.Equal(t, long[:stderrLineMax], lines[1])
	assert.Equal(t, "after", lines[2])
	assert.Equal(t, "unterminated", lines[3])
}
