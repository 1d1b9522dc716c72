// Package protocol defines the fixed-width binary record exchanged between
// chat clients and the server, together with the handshake that precedes it.
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// Kind tags the purpose of a record.
type Kind uint8

// Record kinds. The numeric values are part of the wire format.
const (
	KindText      Kind = 0x01
	KindJoin      Kind = 0x02
	KindLeave     Kind = 0x03
	KindAudio     Kind = 0x04
	KindVideo     Kind = 0x05
	KindStatus    Kind = 0x06
	KindCacheTest Kind = 0x07
)

// Field widths of the record layout.
const (
	SenderWidth  = 64
	PayloadWidth = 4096

	// MaxSenderLen leaves room for the NUL terminator legacy clients expect.
	MaxSenderLen = SenderWidth - 1
	// MaxPayloadLen is the longest payload New produces, for the same reason.
	MaxPayloadLen = PayloadWidth - 1

	kindOffset      = 0
	senderOffset    = kindOffset + 1
	lengthOffset    = senderOffset + SenderWidth
	payloadOffset   = lengthOffset + 4
	timestampOffset = payloadOffset + PayloadWidth

	// RecordSize is the exact size of every encoded record.
	RecordSize = timestampOffset + 8
)

// ServerSender is the sender name used for server-synthesised replies.
const ServerSender = "SERVER"

var kindNames = map[Kind]string{
	KindText:      "text",
	KindJoin:      "join",
	KindLeave:     "leave",
	KindAudio:     "audio",
	KindVideo:     "video",
	KindStatus:    "status",
	KindCacheTest: "cache-test",
}

// Valid reports whether k is a known record kind.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(0x%02x)", uint8(k))
}

// Message is the decoded form of a wire record.
type Message struct {
	Kind      Kind
	Sender    string
	Payload   string
	Timestamp int64
}

// New builds a message, truncating sender and payload so each keeps a NUL
// terminator inside its field.
func New(kind Kind, sender, payload string, ts time.Time) Message {
	return Message{
		Kind:      kind,
		Sender:    truncate(sender, MaxSenderLen),
		Payload:   truncate(payload, MaxPayloadLen),
		Timestamp: ts.Unix(),
	}
}

// Time returns the message timestamp as a time.Time.
func (m Message) Time() time.Time {
	return time.Unix(m.Timestamp, 0)
}

// Encode serialises m into a RecordSize byte slice.
func (m Message) Encode() ([]byte, error) {
	if !m.Kind.Valid() {
		return nil, fmt.Errorf("encode: %w: %s", ErrUnknownKind, m.Kind)
	}
	if len(m.Sender) > MaxSenderLen {
		return nil, fmt.Errorf("encode: %w: %d bytes", ErrSenderTooLong, len(m.Sender))
	}
	if len(m.Payload) > PayloadWidth {
		return nil, fmt.Errorf("encode: %w: %d bytes", ErrPayloadTooLong, len(m.Payload))
	}

	buf := make([]byte, RecordSize)
	buf[kindOffset] = byte(m.Kind)
	copy(buf[senderOffset:senderOffset+SenderWidth], m.Sender)
	binary.BigEndian.PutUint32(buf[lengthOffset:payloadOffset], uint32(len(m.Payload)))
	copy(buf[payloadOffset:payloadOffset+PayloadWidth], m.Payload)
	binary.BigEndian.PutUint64(buf[timestampOffset:], uint64(m.Timestamp))
	return buf, nil
}

// Decode parses a single record. The buffer must be exactly RecordSize bytes.
func Decode(buf []byte) (Message, error) {
	if len(buf) != RecordSize {
		return Message{}, fmt.Errorf("decode: %w: got %d, want %d", ErrFrameSize, len(buf), RecordSize)
	}

	kind := Kind(buf[kindOffset])
	if !kind.Valid() {
		return Message{}, fmt.Errorf("decode: %w: %s", ErrUnknownKind, kind)
	}

	size := binary.BigEndian.Uint32(buf[lengthOffset:payloadOffset])
	if size > PayloadWidth {
		return Message{}, fmt.Errorf("decode: %w: %d", ErrPayloadLength, size)
	}

	return Message{
		Kind:      kind,
		Sender:    cString(buf[senderOffset : senderOffset+SenderWidth]),
		Payload:   string(buf[payloadOffset : payloadOffset+int(size)]),
		Timestamp: int64(binary.BigEndian.Uint64(buf[timestampOffset:])),
	}, nil
}

// EncodeHandshake pads a user identifier to the fixed handshake width.
func EncodeHandshake(user string) ([]byte, error) {
	if user == "" || len(user) > MaxSenderLen {
		return nil, fmt.Errorf("%w: user identifier must be 1-%d bytes", ErrInvalidHandshake, MaxSenderLen)
	}
	buf := make([]byte, SenderWidth)
	copy(buf, user)
	return buf, nil
}

// DecodeHandshake extracts and validates the user identifier of a handshake
// frame. maxLen bounds the accepted identifier length.
func DecodeHandshake(buf []byte, maxLen int) (string, error) {
	if len(buf) > SenderWidth {
		return "", fmt.Errorf("%w: %d bytes", ErrInvalidHandshake, len(buf))
	}
	user := strings.TrimSpace(cString(buf))
	if user == "" {
		return "", fmt.Errorf("%w: empty user identifier", ErrInvalidHandshake)
	}
	if maxLen <= 0 || maxLen > MaxSenderLen {
		maxLen = MaxSenderLen
	}
	if len(user) > maxLen {
		return "", fmt.Errorf("%w: user identifier longer than %d bytes", ErrInvalidHandshake, maxLen)
	}
	return user, nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
