package procmgr

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
)

// Opcode is the kind of a signal message
type Opcode byte

const (
	// OpStart asks for a class to have at least one instance
	OpStart Opcode = 'S'
	// OpRestart asks for instances older than the executable to be replaced
	OpRestart Opcode = 'R'
	// OpTimeout reports that a request could not reach an instance in time
	OpTimeout Opcode = 'T'
	// OpComplete reports the queue and run time of a finished request
	OpComplete Opcode = 'C'
)

// String returns the string representation of an Opcode
func (op Opcode) String() string {
	switch op {
	case OpStart:
		return "start"
	case OpRestart:
		return "restart"
	case OpTimeout:
		return "timeout"
	case OpComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// ParseOpcode accepts an opcode by name ("start") or wire letter ("S")
func ParseOpcode(s string) (Opcode, error) {
	if len(s) == 1 && Opcode(s[0]).valid() {
		return Opcode(s[0]), nil
	}
	for _, op := range []Opcode{OpStart, OpRestart, OpTimeout, OpComplete} {
		if strings.EqualFold(s, op.String()) {
			return op, nil
		}
	}
	return 0, ErrInvalidMessage(s, "unknown opcode")
}

func (op Opcode) valid() bool {
	switch op {
	case OpStart, OpRestart, OpTimeout, OpComplete:
		return true
	}
	return false
}

// Message is one load signal from a request handling context
type Message struct {
	Op          Opcode
	Class       ClassID
	QueueMicros int64
	RunMicros   int64
}

// Wire format: "<op> <path> <user> <group>[ <queueMicros> <runMicros>]*\n".
// An empty user or group is sent as "-".
const (
	fieldSep       = " "
	messageEnd     = "*\n"
	emptyField     = "-"
	maxMessageSize = 512
)

// Encode returns the wire form of m
func (m Message) Encode() ([]byte, error) {
	if !m.Op.valid() {
		return nil, ErrInvalidMessage(string(m.Op), "unknown opcode")
	}
	fields := []string{string(m.Op), m.Class.Path, orEmpty(m.Class.User), orEmpty(m.Class.Group)}
	for _, f := range fields[1:] {
		if f == "" || strings.ContainsAny(f, " \t\r\n*") {
			return nil, ErrInvalidMessage(f, "field is empty or contains a separator")
		}
	}
	if m.Op == OpComplete {
		fields = append(fields, strconv.FormatInt(m.QueueMicros, 10), strconv.FormatInt(m.RunMicros, 10))
	}
	line := strings.Join(fields, fieldSep) + messageEnd
	if len(line) > maxMessageSize {
		return nil, ErrInvalidMessage(line[:32], "message longer than an atomic pipe write")
	}
	return []byte(line), nil
}

func orEmpty(s string) string {
	if s == "" {
		return emptyField
	}
	return s
}

func fromEmpty(s string) string {
	if s == emptyField {
		return ""
	}
	return s
}

// ParseMessage decodes one wire line. The trailing delimiter is optional.
func ParseMessage(line string) (Message, error) {
	body := strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "*")
	fields := strings.Split(body, fieldSep)
	if len(fields) != 4 && len(fields) != 6 {
		return Message{}, ErrInvalidMessage(line, "wrong number of fields")
	}
	if len(fields[0]) != 1 || !Opcode(fields[0][0]).valid() {
		return Message{}, ErrInvalidMessage(line, "unknown opcode")
	}
	m := Message{
		Op: Opcode(fields[0][0]),
		Class: ClassID{
			Path:  fields[1],
			User:  fromEmpty(fields[2]),
			Group: fromEmpty(fields[3]),
		},
	}
	if m.Class.Path == "" {
		return Message{}, ErrInvalidMessage(line, "empty path")
	}
	if len(fields) == 6 {
		var err error
		if m.QueueMicros, err = strconv.ParseInt(fields[4], 10, 64); err != nil || m.QueueMicros < 0 {
			return Message{}, ErrInvalidMessage(line, "bad queue time").WithCause(err)
		}
		if m.RunMicros, err = strconv.ParseInt(fields[5], 10, 64); err != nil || m.RunMicros < 0 {
			return Message{}, ErrInvalidMessage(line, "bad run time").WithCause(err)
		}
	} else if m.Op == OpComplete {
		return Message{}, ErrInvalidMessage(line, "complete without timings")
	}
	return m, nil
}

// Poster accepts signal messages. Post either delivers the whole message or
// rejects it.
type Poster interface {
	Post(msg Message) error
}

// ErrMailboxFull is returned when a message cannot be queued
var ErrMailboxFull = errors.New("signal mailbox full")

// ErrSignalChannelClosed is returned by Post after Close
var ErrSignalChannelClosed = errors.New("signal channel closed")

// Mailbox is the in-process signal channel: many posters, one reader
type Mailbox struct {
	ch     chan Message
	mu     sync.RWMutex
	closed bool
}

// NewMailbox creates a mailbox holding up to size messages
func NewMailbox(size int) *Mailbox {
	if size <= 0 {
		size = 1
	}
	return &Mailbox{ch: make(chan Message, size)}
}

// Post queues msg without blocking
func (m *Mailbox) Post(msg Message) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrSignalChannelClosed
	}
	select {
	case m.ch <- msg:
		return nil
	default:
		return ErrMailboxFull
	}
}

// deliver queues msg, waiting for room. It is used by forwarders that must
// not drop messages.
func (m *Mailbox) deliver(ctx context.Context, msg Message) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrSignalChannelClosed
	}
	select {
	case m.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// C returns the receive side
func (m *Mailbox) C() <-chan Message {
	return m.ch
}

// Len returns the number of queued messages
func (m *Mailbox) Len() int {
	return len(m.ch)
}

// Close rejects further posts
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

var _ Poster = (*Mailbox)(nil)
