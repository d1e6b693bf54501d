package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Protocol constants
const (
	// Packet types. 0x01 is reserved.
	PacketTypeAudio = 0x02
	PacketTypeEnd   = 0x03

	// Direction types
	DirectionRX = 0x01 // Received audio
	DirectionTX = 0x02 // Transmitted audio

	// Packet structure sizes
	HeaderSize             = 8 // 1 + 2 + 4 + 1 bytes
	AudioPayloadHeaderSize = 4 // Sequence number (4 bytes)
	EndPayloadSize         = 4 // Next sequence number (4 bytes)

	// MaxAudioData is the largest audio payload that fits the 16-bit length field
	MaxAudioData = 0xFFFF - HeaderSize - AudioPayloadHeaderSize
)

// ErrMalformedPacket wraps every parse and validation failure
var ErrMalformedPacket = errors.New("malformed TLV packet")

// Header represents the 8-byte TLV packet header
// Layout: [PacketType:1][PacketLen:2][StreamID:4][Direction:1]
type Header struct {
	PacketType uint8  // 0x02=Audio, 0x03=End
	PacketLen  uint16 // Total packet size (header + payload)
	StreamID   uint32 // Unique stream identifier
	Direction  uint8  // 0x01=RX, 0x02=TX
}

// AudioPayload represents the audio packet payload
// Layout: [Sequence:4][AudioData:N]
type AudioPayload struct {
	Sequence  uint32 // Packet sequence number
	AudioData []byte // PCM audio data (variable length)
}

// EndPayload marks the end of a stream
// Layout: [NextSequence:4]
type EndPayload struct {
	NextSequence uint32 // One past the last audio sequence sent
}

// ParsedPacket represents a fully parsed TLV packet
type ParsedPacket struct {
	Header *Header
	Audio  *AudioPayload // Only set for audio packets
	End    *EndPayload   // Only set for end packets
}

// ParseHeader parses the 8-byte TLV packet header
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: header too short: expected %d bytes, got %d", ErrMalformedPacket, HeaderSize, len(data))
	}

	header := &Header{
		PacketType: data[0],
		PacketLen:  binary.BigEndian.Uint16(data[1:3]),
		StreamID:   binary.BigEndian.Uint32(data[3:7]),
		Direction:  data[7],
	}

	return header, nil
}

// ParseAudioPayload parses the audio packet payload (4-byte sequence + audio data)
func ParseAudioPayload(data []byte) (*AudioPayload, error) {
	if len(data) < AudioPayloadHeaderSize {
		return nil, fmt.Errorf("%w: audio payload too short: expected at least %d bytes, got %d",
			ErrMalformedPacket, AudioPayloadHeaderSize, len(data))
	}

	payload := &AudioPayload{
		Sequence: binary.BigEndian.Uint32(data[0:4]),
	}

	// Copy audio data (remaining bytes after sequence)
	if len(data) > AudioPayloadHeaderSize {
		payload.AudioData = make([]byte, len(data)-AudioPayloadHeaderSize)
		copy(payload.AudioData, data[AudioPayloadHeaderSize:])
	}

	return payload, nil
}

// ParseEndPayload parses the 4-byte end payload
func ParseEndPayload(data []byte) (*EndPayload, error) {
	if len(data) < EndPayloadSize {
		return nil, fmt.Errorf("%w: end payload too short: expected %d bytes, got %d",
			ErrMalformedPacket, EndPayloadSize, len(data))
	}

	return &EndPayload{NextSequence: binary.BigEndian.Uint32(data[0:4])}, nil
}

// ParsePacket parses a complete TLV packet (header + payload)
func ParsePacket(data []byte) (*ParsedPacket, error) {
	header, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}

	// Validate packet length matches actual data
	if int(header.PacketLen) != len(data) {
		return nil, fmt.Errorf("%w: packet length mismatch: header says %d bytes, got %d bytes",
			ErrMalformedPacket, header.PacketLen, len(data))
	}

	if err := ValidateHeader(header); err != nil {
		return nil, err
	}

	packet := &ParsedPacket{Header: header}
	payloadData := data[HeaderSize:]

	switch header.PacketType {
	case PacketTypeAudio:
		payload, err := ParseAudioPayload(payloadData)
		if err != nil {
			return nil, err
		}
		packet.Audio = payload

	case PacketTypeEnd:
		payload, err := ParseEndPayload(payloadData)
		if err != nil {
			return nil, err
		}
		packet.End = payload
	}

	return packet, nil
}

// ValidateHeader validates the packet header fields
func ValidateHeader(header *Header) error {
	if !IsValidPacketType(header.PacketType) {
		return fmt.Errorf("%w: invalid packet type: 0x%02x", ErrMalformedPacket, header.PacketType)
	}

	if !IsValidDirection(header.Direction) {
		return fmt.Errorf("%w: invalid direction: 0x%02x", ErrMalformedPacket, header.Direction)
	}

	if header.PacketLen < HeaderSize {
		return fmt.Errorf("%w: packet length too small: %d (minimum %d)", ErrMalformedPacket, header.PacketLen, HeaderSize)
	}

	payloadSize := int(header.PacketLen) - HeaderSize
	switch header.PacketType {
	case PacketTypeAudio:
		if payloadSize < AudioPayloadHeaderSize {
			return fmt.Errorf("%w: audio packet payload too small: expected at least %d, got %d",
				ErrMalformedPacket, AudioPayloadHeaderSize, payloadSize)
		}
	case PacketTypeEnd:
		if payloadSize != EndPayloadSize {
			return fmt.Errorf("%w: end packet payload size mismatch: expected %d, got %d",
				ErrMalformedPacket, EndPayloadSize, payloadSize)
		}
	}

	return nil
}

// IsValidPacketType checks if the packet type is valid
func IsValidPacketType(ptype uint8) bool {
	return ptype == PacketTypeAudio || ptype == PacketTypeEnd
}

// IsValidDirection checks if the direction is valid
func IsValidDirection(dir uint8) bool {
	return dir == DirectionRX || dir == DirectionTX
}

// MarshalAudio builds an audio packet
func MarshalAudio(streamID uint32, direction uint8, sequence uint32, audio []byte) ([]byte, error) {
	if len(audio) > MaxAudioData {
		return nil, fmt.Errorf("audio data too large: %d bytes (maximum %d)", len(audio), MaxAudioData)
	}

	n := HeaderSize + AudioPayloadHeaderSize + len(audio)
	buf := make([]byte, n)
	putHeader(buf, PacketTypeAudio, uint16(n), streamID, direction)
	binary.BigEndian.PutUint32(buf[HeaderSize:], sequence)
	copy(buf[HeaderSize+AudioPayloadHeaderSize:], audio)

	return buf, nil
}

// MarshalEnd builds an end-of-stream packet
func MarshalEnd(streamID uint32, direction uint8, nextSequence uint32) []byte {
	buf := make([]byte, HeaderSize+EndPayloadSize)
	putHeader(buf, PacketTypeEnd, uint16(len(buf)), streamID, direction)
	binary.BigEndian.PutUint32(buf[HeaderSize:], nextSequence)
	return buf
}

func putHeader(buf []byte, ptype uint8, length uint16, streamID uint32, direction uint8) {
	buf[0] = ptype
	binary.BigEndian.PutUint16(buf[1:3], length)
	binary.BigEndian.PutUint32(buf[3:7], streamID)
	buf[7] = direction
}

// DirectionString converts a direction code to a human-readable string
func DirectionString(direction uint8) string {
	switch direction {
	case DirectionRX:
		return "RX"
	case DirectionTX:
		return "TX"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", direction)
	}
}

// String returns a human-readable representation of the header
func (h *Header) String() string {
	var packetType string

	switch h.PacketType {
	case PacketTypeAudio:
		packetType = "Audio"
	case PacketTypeEnd:
		packetType = "End"
	default:
		packetType = fmt.Sprintf("Unknown(0x%02x)", h.PacketType)
	}

	return fmt.Sprintf("Header{Type:%s, Len:%d, StreamID:%d, Direction:%s}",
		packetType, h.PacketLen, h.StreamID, DirectionString(h.Direction))
}

// String returns a human-readable representation of the audio payload
func (a *AudioPayload) String() string {
	return fmt.Sprintf("AudioPayload{Sequence:%d, AudioDataLen:%d}", a.Sequence, len(a.AudioData))
}
