package audio

import "errors"

var (
	// ErrUnsupportedFormat is returned for any WAV format code other than PCM (1).
	ErrUnsupportedFormat = errors.New("unsupported audio format")

	// ErrPayloadTooLarge is returned when the payload does not fit the 32-bit RIFF size fields.
	ErrPayloadTooLarge = errors.New("payload too large for WAV container")

	ErrInvalidConfiguration = errors.New("invalid audio configuration")

	// ErrLengthMismatch means the declared total length differs from the sum of chunk lengths.
	ErrLengthMismatch = errors.New("payload length mismatch")

	// ErrOutOfOrder is returned by the aggregator when a chunk arrives with an unexpected sequence index.
	ErrOutOfOrder = errors.New("audio chunk out of order")

	ErrFinalized = errors.New("aggregator already finalized")

	ErrInvalidWAV = errors.New("invalid WAV data")
)
