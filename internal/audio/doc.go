// Package audio holds the recording data model and the capture-to-container core:
// validated PCM configuration, ordered chunk aggregation, and byte-exact
// encoding of the canonical 44-byte RIFF/WAVE PCM header plus payload.
package audio
