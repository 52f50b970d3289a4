package websocket

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"slices"
)

var randReader io.Reader = rand.Reader

// FormatCloseMessage formats closeCode and text as a WebSocket close message
// per RFC 6455, section 5.5.1. The close frame body consists of a 2-byte
// status code followed by optional UTF-8 encoded reason text. A zero code or
// CloseNoStatusReceived produces an empty body.
func FormatCloseMessage(closeCode int, text string) []byte {
	if closeCode == 0 || closeCode == CloseNoStatusReceived {
		return []byte{}
	}
	buf := make([]byte, 2+len(text))
	binary.BigEndian.PutUint16(buf, uint16(closeCode))
	copy(buf[2:], text)
	return buf
}

// IsCloseError returns true if the error is a CloseError with one of the specified codes.
// Close codes are defined in RFC 6455, section 7.4.1.
func IsCloseError(err error, codes ...int) bool {
	var closeErr *CloseError
	if !errors.As(err, &closeErr) {
		return false
	}
	return slices.Contains(codes, closeErr.Code)
}

// IsUnexpectedCloseError returns true if the error is a CloseError with a code
// NOT in the expected codes list. Close codes are defined in RFC 6455, section 7.4.1.
func IsUnexpectedCloseError(err error, expectedCodes ...int) bool {
	var closeErr *CloseError
	if !errors.As(err, &closeErr) {
		return false
	}
	return !slices.Contains(expectedCodes, closeErr.Code)
}

// isValidCloseCode reports whether a status code may travel in a Close frame
// per RFC 6455, section 7.4. 1005, 1006 and 1015 are reserved for local use
// and must never appear on the wire.
func isValidCloseCode(code int) bool {
	switch {
	case code >= CloseNormalClosure && code <= CloseUnsupportedData:
		return true
	case code >= CloseInvalidFramePayloadData && code <= 1014:
		return true
	case code >= 3000 && code <= 4999:
		return true
	default:
		return false
	}
}

// isProtocolViolation reports whether err is a peer protocol violation that
// warrants announcing a close code, as opposed to a transport failure.
func isProtocolViolation(err error) bool {
	for _, v := range []error{
		ErrInvalidOpcode,
		ErrReservedBits,
		ErrFragmentedControlFrame,
		ErrControlFramePayloadTooBig,
		ErrNonMinimalLength,
		ErrUnmaskedFrame,
		ErrMaskedFrame,
		ErrUnexpectedContinuation,
		ErrExpectedContinuation,
		ErrMessageTooLarge,
		ErrInvalidUTF8,
		ErrInvalidCloseCode,
	} {
		if errors.Is(err, v) {
			return true
		}
	}
	return false
}
