package protocol

import "errors"

// Codec errors. Callers distinguish them with errors.Is.
var (
	ErrFrameSize        = errors.New("frame size does not match record size")
	ErrUnknownKind      = errors.New("unknown message kind")
	ErrSenderTooLong    = errors.New("sender exceeds field width")
	ErrPayloadTooLong   = errors.New("payload exceeds field width")
	ErrPayloadLength    = errors.New("declared payload length out of range")
	ErrInvalidHandshake = errors.New("invalid handshake")
)
