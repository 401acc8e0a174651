package smtp

import "errors"

// Sentinel errors distinguishing the session I/O failure modes from spec
// §7. ErrLineTooLong and ErrUnexpectedEOF terminate the session silently,
// logged at debug with a concrete cause; ErrMessageTooLarge is answered
// with 552 and the session continues.
var (
	// ErrLineTooLong is returned when a command line exceeds the
	// configured maximum before a newline arrives.
	ErrLineTooLong = errors.New("smtp: line exceeds maximum length")

	// ErrMessageTooLarge is returned when a DATA payload exceeds the
	// configured maximum message size.
	ErrMessageTooLarge = errors.New("smtp: message exceeds maximum size")

	// ErrUnexpectedEOF is returned when the connection closes mid-DATA,
	// before the terminating line is seen.
	ErrUnexpectedEOF = errors.New("smtp: unexpected eof while reading data")
)
