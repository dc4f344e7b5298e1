package fcgi

import (
	"errors"
	"fmt"
)

// ErrRequestComplete is returned by Decoder.Dequeue when input is left over
// after END_REQUEST.
var ErrRequestComplete = errors.New("fcgi: request already complete")

// ErrIdleTimeout is returned by Client when the application stays silent
// longer than the request's idle timeout.
var ErrIdleTimeout = errors.New("fcgi: application idle timeout")

var errRequestBody = errors.New("fcgi: reading request body")

// ErrKind classifies protocol violations.
type ErrKind string

const (
	ErrKindBadVersion     ErrKind = "bad_version"
	ErrKindBadType        ErrKind = "bad_type"
	ErrKindBadRequestID   ErrKind = "bad_request_id"
	ErrKindBadEndRequest  ErrKind = "bad_end_request"
	ErrKindBadStatus      ErrKind = "bad_protocol_status"
	ErrKindHeaderOverflow ErrKind = "header_overflow"
	ErrKindBadHeader      ErrKind = "bad_header"
	ErrKindMalformedPair  ErrKind = "malformed_pair"
	ErrKindPairTooLarge   ErrKind = "pair_too_large"
	ErrKindUnexpected     ErrKind = "unexpected_record"
)

// ProtocolError is a violation of the record protocol. It is fatal to the
// connection that produced it and nothing else.
type ProtocolError struct {
	Kind       ErrKind
	RecordType RecordType
	Detail     string
}

func (e *ProtocolError) Error() string {
	if e.RecordType != 0 {
		return fmt.Sprintf("fcgi protocol error (%s, record %s): %s", e.Kind, e.RecordType, e.Detail)
	}
	return fmt.Sprintf("fcgi protocol error (%s): %s", e.Kind, e.Detail)
}

// IsProtocolError reports whether err wraps a *ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
