// Package protocol implements the TLV packet format used by network audio
// producers: an 8-byte header followed by an audio or end-of-stream payload.
package protocol
