package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"
)

// HeaderSize is the size of the canonical PCM WAV header. It is only valid
// for format 1; other formats carry a variable-size fmt chunk.
const HeaderSize = 44

// MaxPayload is the largest payload the 32-bit RIFF size fields can describe
const MaxPayload = math.MaxUint32 - HeaderSize

// pcmFmtChunkSize is the size of the "fmt " sub-chunk body for PCM
const pcmFmtChunkSize = 16

// WAVHeader represents the header structure of a WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16  // Number of channels
	SampleRate    uint32  // Sample rate
	ByteRate      uint32  // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16  // NumChannels * BitsPerSample / 8
	BitsPerSample uint16  // Bits per sample
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

// WaveFile is a finished WAV container: a 44-byte header followed by the
// chunk payloads in capture order. It is never mutated after Encode.
type WaveFile struct {
	header     [HeaderSize]byte
	payload    [][]byte
	payloadLen uint64
	config     Configuration
}

// EncodeHeader builds the 44-byte PCM header for totalLength payload bytes.
func EncodeHeader(cfg Configuration, totalLength uint64) ([HeaderSize]byte, error) {
	var out [HeaderSize]byte

	if cfg.Format() != FormatPCM {
		return out, fmt.Errorf("%w: format %d", ErrUnsupportedFormat, cfg.Format())
	}

	if totalLength > MaxPayload {
		return out, fmt.Errorf("%w: %d payload bytes exceeds %d", ErrPayloadTooLarge,
			totalLength, uint64(MaxPayload))
	}

	header := WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(totalLength + HeaderSize - 8),
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: pcmFmtChunkSize,
		AudioFormat:   FormatPCM,
		NumChannels:   cfg.Channels(),
		SampleRate:    cfg.SampleRate(),
		ByteRate:      cfg.ByteRate(),
		BlockAlign:    cfg.BlockAlign(),
		BitsPerSample: cfg.BitDepth(),
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: uint32(totalLength),
	}

	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return out, fmt.Errorf("failed to write WAV header: %w", err)
	}
	copy(out[:], buf.Bytes())

	return out, nil
}

// Encode builds the WAV container for the given chunks. It is a pure
// function of its inputs: totalLength must equal the sum of the chunk lengths.
func Encode(cfg Configuration, totalLength uint64, chunks []Chunk) (*WaveFile, error) {
	header, err := EncodeHeader(cfg, totalLength)
	if err != nil {
		return nil, err
	}

	var sum uint64
	payload := make([][]byte, 0, len(chunks))
	for _, c := range chunks {
		if len(c.Data) == 0 {
			continue
		}
		sum += uint64(len(c.Data))
		payload = append(payload, c.Data)
	}
	if sum != totalLength {
		return nil, fmt.Errorf("%w: declared %d bytes, chunks hold %d", ErrLengthMismatch, totalLength, sum)
	}

	return &WaveFile{
		header:     header,
		payload:    payload,
		payloadLen: totalLength,
		config:     cfg,
	}, nil
}

// Header returns a copy of the 44-byte header
func (w *WaveFile) Header() [HeaderSize]byte {
	return w.header
}

// PayloadLen returns the number of PCM bytes after the header
func (w *WaveFile) PayloadLen() uint64 {
	return w.payloadLen
}

// Len returns the total container size in bytes
func (w *WaveFile) Len() int64 {
	return int64(w.payloadLen) + HeaderSize
}

// Config returns the configuration the file was encoded with
func (w *WaveFile) Config() Configuration {
	return w.config
}

// Duration returns the playback duration of the payload
func (w *WaveFile) Duration() time.Duration {
	return w.config.Duration(w.payloadLen)
}

// Payload returns the payload slices in order. Callers must not modify them.
func (w *WaveFile) Payload() [][]byte {
	return w.payload
}

// WriteTo writes header and payload to wr.
func (w *WaveFile) WriteTo(wr io.Writer) (int64, error) {
	var total int64

	n, err := wr.Write(w.header[:])
	total += int64(n)
	if err != nil {
		return total, err
	}

	for _, p := range w.payload {
		n, err := wr.Write(p)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}

	return total, nil
}

// Reader returns a fresh reader over the whole container.
func (w *WaveFile) Reader() io.Reader {
	readers := make([]io.Reader, 0, len(w.payload)+1)
	readers = append(readers, bytes.NewReader(w.header[:]))
	for _, p := range w.payload {
		readers = append(readers, bytes.NewReader(p))
	}
	return io.MultiReader(readers...)
}

// Bytes returns the container as one contiguous slice.
func (w *WaveFile) Bytes() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, w.Len()))
	_, _ = w.WriteTo(buf)
	return buf.Bytes()
}

// ParseHeader reads and validates a canonical 44-byte PCM header.
func ParseHeader(data []byte) (*WAVHeader, error) {
	if err := ValidateWAV(data); err != nil {
		return nil, err
	}

	var header WAVHeader
	if err := binary.Read(bytes.NewReader(data[:HeaderSize]), binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read WAV header: %w", err)
	}

	if header.AudioFormat != FormatPCM {
		return nil, fmt.Errorf("%w: format %d (only PCM is supported)", ErrUnsupportedFormat, header.AudioFormat)
	}

	if header.Subchunk1Size != pcmFmtChunkSize {
		return nil, fmt.Errorf("%w: fmt chunk size %d, expected %d", ErrInvalidWAV, header.Subchunk1Size, pcmFmtChunkSize)
	}

	return &header, nil
}

// ValidateWAV validates a WAV file format without decoding the entire audio data
func ValidateWAV(data []byte) error {
	if len(data) < HeaderSize {
		return fmt.Errorf("%w: need at least %d bytes, got %d", ErrInvalidWAV, HeaderSize, len(data))
	}

	if string(data[0:4]) != "RIFF" {
		return fmt.Errorf("%w: missing RIFF header", ErrInvalidWAV)
	}

	if string(data[8:12]) != "WAVE" {
		return fmt.Errorf("%w: missing WAVE format", ErrInvalidWAV)
	}

	if string(data[12:16]) != "fmt " {
		return fmt.Errorf("%w: missing fmt chunk", ErrInvalidWAV)
	}

	if string(data[36:40]) != "data" {
		return fmt.Errorf("%w: missing data chunk", ErrInvalidWAV)
	}

	return nil
}

// WAVInfo describes a parsed WAV header
type WAVInfo struct {
	SampleRate    uint32        `json:"sample_rate"`
	Channels      uint16        `json:"channels"`
	BitsPerSample uint16        `json:"bits_per_sample"`
	ByteRate      uint32        `json:"byte_rate"`
	BlockAlign    uint16        `json:"block_align"`
	DataSize      uint32        `json:"data_size_bytes"`
	FileSize      uint64        `json:"file_size_bytes"`
	Frames        uint32        `json:"frames"`
	Duration      time.Duration `json:"duration"`
}

// Info extracts metadata from WAV data
func Info(data []byte) (*WAVInfo, error) {
	header, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}

	info := &WAVInfo{
		SampleRate:    header.SampleRate,
		Channels:      header.NumChannels,
		BitsPerSample: header.BitsPerSample,
		ByteRate:      header.ByteRate,
		BlockAlign:    header.BlockAlign,
		DataSize:      header.Subchunk2Size,
		FileSize:      uint64(header.ChunkSize) + 8,
	}

	if header.BlockAlign > 0 {
		info.Frames = header.Subchunk2Size / uint32(header.BlockAlign)
	}
	if header.ByteRate > 0 {
		info.Duration = time.Duration(float64(header.Subchunk2Size) / float64(header.ByteRate) * float64(time.Second))
	}

	return info, nil
}
