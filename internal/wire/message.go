// Package wire implements the five-field text message peers exchange and its
// length-prefixed framing.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/zde37/simpledht/pkg"
)

// Op is the operation tag carried by every message.
type Op string

const (
	OpInsert    Op = "insert"
	OpDelete    Op = "delete"
	OpQuery     Op = "query"
	OpQueryResp Op = "query_resp"
	OpJoin      Op = "join"
	OpJoinResp  Op = "join_resp"
)

const (
	// FieldSeparator splits the five fields. Identifiers contain ':' so a single colon won't do.
	FieldSeparator = ":::"

	// RowSeparator packs multi-row payloads inside the key and value fields.
	RowSeparator = "~~~"

	// NotApplicable marks an empty field, e.g. an unchanged pointer in join_resp.
	NotApplicable = "---"

	// NoSuchKey in a query_resp key field means the lookup found nothing.
	NoSuchKey = "..."

	// DefaultMaxFrameSize bounds a single frame.
	DefaultMaxFrameSize = 16 << 20

	headerSize = 4
	fieldCount = 5
)

var knownOps = map[Op]bool{
	OpInsert:    true,
	OpDelete:    true,
	OpQuery:     true,
	OpQueryResp: true,
	OpJoin:      true,
	OpJoinResp:  true,
}

// Message is one exchange between two peers. Empty fields travel as NotApplicable.
type Message struct {
	Op       Op
	Sender   string
	Receiver string
	Key      string
	Value    string
}

// String renders the message for logs.
func (m *Message) String() string {
	if m == nil {
		return "Message{nil}"
	}
	return fmt.Sprintf("Message{%s %s->%s key=%q value=%q}", m.Op, m.Sender, m.Receiver, m.Key, m.Value)
}

// Encode renders the message payload (without the length prefix).
func (m *Message) Encode() []byte {
	fields := [fieldCount]string{string(m.Op), m.Sender, m.Receiver, m.Key, m.Value}
	for i, f := range fields {
		if f == "" {
			fields[i] = NotApplicable
		}
	}
	return []byte(strings.Join(fields[:], FieldSeparator))
}

// Decode parses a payload produced by Encode.
func Decode(payload []byte) (*Message, error) {
	parts := strings.Split(string(payload), FieldSeparator)
	if len(parts) != fieldCount {
		return nil, fmt.Errorf("%w: expected %d fields, got %d", pkg.ErrMalformedMessage, fieldCount, len(parts))
	}
	for i, p := range parts {
		if p == NotApplicable {
			parts[i] = ""
		}
	}

	op := Op(parts[0])
	if !knownOps[op] {
		return nil, fmt.Errorf("%w: unknown operation %q", pkg.ErrMalformedMessage, parts[0])
	}

	return &Message{
		Op:       op,
		Sender:   parts[1],
		Receiver: parts[2],
		Key:      parts[3],
		Value:    parts[4],
	}, nil
}

// WriteFrame writes a 4-byte big-endian length followed by the encoded message.
func WriteFrame(w io.Writer, m *Message) error {
	payload := m.Encode()
	frame := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[headerSize:], payload)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadFrame reads and decodes one frame. io.EOF is returned untouched when the
// stream ends cleanly between frames.
func ReadFrame(r io.Reader, maxSize int) (*Message, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}

	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read frame header: %w", err)
	}

	size := binary.BigEndian.Uint32(header[:])
	if uint64(size) > uint64(maxSize) {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds limit %d", pkg.ErrMalformedMessage, size, maxSize)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read frame payload: %w", err)
	}
	return Decode(payload)
}

// ValidField reports whether s can be carried as a user key or value without
// colliding with separators or sentinels. A leading or trailing ':' or '~' would
// merge with an adjacent separator, so those are rejected too.
func ValidField(s string) bool {
	if s == NotApplicable || s == NoSuchKey {
		return false
	}
	if strings.Contains(s, FieldSeparator) || strings.Contains(s, RowSeparator) {
		return false
	}
	if s == "" {
		return true
	}
	first, last := s[0], s[len(s)-1]
	return first != ':' && first != '~' && last != ':' && last != '~'
}
