// Package fcgi implements the framed record protocol spoken between the
// gateway and its application processes, staged through ringbuf buffers.
//
// Every record is an 8 byte header followed by contentLength content bytes and
// paddingLength ignorable bytes. Multi-byte header fields are big-endian.
package fcgi

import (
	"encoding/binary"
	"fmt"
)

// Version1 is the only protocol version spoken.
const Version1 uint8 = 1

// HeaderSize is the fixed size of a record header.
const HeaderSize = 8

// MaxContentLength is the largest content a single record can carry.
const MaxContentLength = 0xffff

// RecordType identifies the kind of record.
type RecordType uint8

const (
	TypeBeginRequest    RecordType = 1
	TypeAbortRequest    RecordType = 2
	TypeEndRequest      RecordType = 3
	TypeParams          RecordType = 4
	TypeStdin           RecordType = 5
	TypeStdout          RecordType = 6
	TypeStderr          RecordType = 7
	TypeData            RecordType = 8
	TypeGetValues       RecordType = 9
	TypeGetValuesResult RecordType = 10
	TypeUnknownType     RecordType = 11

	// MaxType is the highest record type this implementation understands.
	MaxType = TypeUnknownType
)

func (t RecordType) String() string {
	switch t {
	case TypeBeginRequest:
		return "BEGIN_REQUEST"
	case TypeAbortRequest:
		return "ABORT_REQUEST"
	case TypeEndRequest:
		return "END_REQUEST"
	case TypeParams:
		return "PARAMS"
	case TypeStdin:
		return "STDIN"
	case TypeStdout:
		return "STDOUT"
	case TypeStderr:
		return "STDERR"
	case TypeData:
		return "DATA"
	case TypeGetValues:
		return "GET_VALUES"
	case TypeGetValuesResult:
		return "GET_VALUES_RESULT"
	case TypeUnknownType:
		return "UNKNOWN_TYPE"
	default:
		return fmt.Sprintf("TYPE(%d)", uint8(t))
	}
}

// Role is the role requested in BEGIN_REQUEST.
type Role uint16

const (
	RoleResponder  Role = 1
	RoleAuthorizer Role = 2
	RoleFilter     Role = 3
)

func (r Role) String() string {
	switch r {
	case RoleResponder:
		return "RESPONDER"
	case RoleAuthorizer:
		return "AUTHORIZER"
	case RoleFilter:
		return "FILTER"
	default:
		return fmt.Sprintf("ROLE(%d)", uint16(r))
	}
}

// FlagKeepConn is bit 0 of the BEGIN_REQUEST flags byte.
const FlagKeepConn uint8 = 1

// ProtocolStatus is the protocol level outcome carried by END_REQUEST.
type ProtocolStatus uint8

const (
	StatusRequestComplete ProtocolStatus = 0
	StatusCantMpxConn     ProtocolStatus = 1
	StatusOverloaded      ProtocolStatus = 2
	StatusUnknownRole     ProtocolStatus = 3
)

func (s ProtocolStatus) String() string {
	switch s {
	case StatusRequestComplete:
		return "REQUEST_COMPLETE"
	case StatusCantMpxConn:
		return "CANT_MPX_CONN"
	case StatusOverloaded:
		return "OVERLOADED"
	case StatusUnknownRole:
		return "UNKNOWN_ROLE"
	default:
		return fmt.Sprintf("STATUS(%d)", uint8(s))
	}
}

// Management variable names answered in GET_VALUES_RESULT.
const (
	ValueMaxConns  = "FCGI_MAX_CONNS"
	ValueMaxReqs   = "FCGI_MAX_REQS"
	ValueMpxsConns = "FCGI_MPXS_CONNS"
)

// Header is a decoded record header.
type Header struct {
	Version       uint8
	Type          RecordType
	RequestID     uint16
	ContentLength uint16
	PaddingLength uint8
}

// Encode writes the 8 byte wire form of h into p.
func (h Header) Encode(p []byte) {
	_ = p[HeaderSize-1]
	p[0] = h.Version
	p[1] = uint8(h.Type)
	binary.BigEndian.PutUint16(p[2:4], h.RequestID)
	binary.BigEndian.PutUint16(p[4:6], h.ContentLength)
	p[6] = h.PaddingLength
	p[7] = 0
}

// DecodeHeader parses the first 8 bytes of p.
func DecodeHeader(p []byte) Header {
	_ = p[HeaderSize-1]
	return Header{
		Version:       p[0],
		Type:          RecordType(p[1]),
		RequestID:     binary.BigEndian.Uint16(p[2:4]),
		ContentLength: binary.BigEndian.Uint16(p[4:6]),
		PaddingLength: p[6],
	}
}

// Pair is one name/value entry of a PARAMS or GET_VALUES stream.
type Pair struct {
	Name  string
	Value string
}

// maxPairLength is the largest length a 4 byte prefix can express.
const maxPairLength = 1<<31 - 1

// lengthPrefixSize returns how many bytes the prefix for n occupies.
func lengthPrefixSize(n int) int {
	if n < 128 {
		return 1
	}
	return 4
}

// appendLength appends the 1 or 4 byte length prefix for n.
func appendLength(p []byte, n int) []byte {
	if n < 128 {
		return append(p, byte(n))
	}
	return binary.BigEndian.AppendUint32(p, uint32(n)|1<<31)
}

// pairPrefix returns the name and value length prefixes for a pair.
func pairPrefix(name, value string) []byte {
	p := make([]byte, 0, 8)
	p = appendLength(p, len(name))
	return appendLength(p, len(value))
}

// AppendPair appends the complete encoding of one pair.
func AppendPair(p []byte, name, value string) []byte {
	p = appendLength(p, len(name))
	p = appendLength(p, len(value))
	p = append(p, name...)
	return append(p, value...)
}

// decodeLength reads one length prefix. It returns the length and the number
// of bytes consumed, or 0 consumed when p is too short.
func decodeLength(p []byte) (int, int) {
	if len(p) == 0 {
		return 0, 0
	}
	if p[0]&0x80 == 0 {
		return int(p[0]), 1
	}
	if len(p) < 4 {
		return 0, 0
	}
	return int(binary.BigEndian.Uint32(p) &^ (1 << 31)), 4
}

// ParsePairs decodes a complete name/value block, such as the body of a
// GET_VALUES record.
func ParsePairs(p []byte) ([]Pair, error) {
	var pairs []Pair
	for len(p) > 0 {
		nameLen, n1 := decodeLength(p)
		if n1 == 0 {
			return pairs, &ProtocolError{Kind: ErrKindMalformedPair, Detail: "truncated name length"}
		}
		valueLen, n2 := decodeLength(p[n1:])
		if n2 == 0 {
			return pairs, &ProtocolError{Kind: ErrKindMalformedPair, Detail: "truncated value length"}
		}
		p = p[n1+n2:]
		if nameLen+valueLen > len(p) {
			return pairs, &ProtocolError{Kind: ErrKindMalformedPair, Detail: "truncated name/value"}
		}
		pairs = append(pairs, Pair{Name: string(p[:nameLen]), Value: string(p[nameLen : nameLen+valueLen])})
		p = p[nameLen+valueLen:]
	}
	return pairs, nil
}
