package ebus

import "errors"

// Domain errors for the eBUS bridge package.
var (
	// ErrConfiguration is returned when a required option is missing or invalid.
	ErrConfiguration = errors.New("ebus: invalid configuration")

	// ErrPort is returned when the serial transport cannot be opened,
	// claimed, read or written.
	ErrPort = errors.New("ebus: port error")

	// ErrNoSuchPort is returned (wrapped with ErrPort) when the device does not exist.
	ErrNoSuchPort = errors.New("ebus: no such port")

	// ErrPortInUse is returned (wrapped with ErrPort) when another process holds the device.
	ErrPortInUse = errors.New("ebus: port in use")

	// ErrGrammarLoad is returned when the decoding grammar cannot be loaded or parsed.
	ErrGrammarLoad = errors.New("ebus: grammar load failed")

	// ErrQueueFull is returned by Send when the output queue is at capacity.
	ErrQueueFull = errors.New("ebus: send queue is full")

	// ErrFrameChecksum is recorded when a received telegram fails CRC validation.
	ErrFrameChecksum = errors.New("ebus: telegram checksum mismatch")

	// ErrInvalidTelegram is returned when a telegram is malformed.
	ErrInvalidTelegram = errors.New("ebus: invalid telegram")

	// ErrDecodeType is recorded when a decoder hands back a value outside the
	// supported set (number, boolean, text, absent).
	ErrDecodeType = errors.New("ebus: unsupported decoded value type")

	// ErrNotOpen is returned when an operation needs an open link.
	ErrNotOpen = errors.New("ebus: connector is not open")

	// ErrAlreadyOpen is returned by Open when the link is already open.
	ErrAlreadyOpen = errors.New("ebus: connector is already open")
)
