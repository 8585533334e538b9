package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Packet types
	PacketTypeStart = 0x01
	PacketTypeAudio = 0x02
	PacketTypeEnd   = 0x03

	// Version is the only supported protocol version.
	Version = 0x01

	// Packet structure sizes
	HeaderSize             = 8   // 1 + 2 + 4 + 1 bytes
	StartPayloadSize       = 104 // 64 + 32 + 4 + 4 bytes
	AudioPayloadHeaderSize = 4   // Sequence number
	EndPayloadSize         = 4   // Last sequence number

	// MaxPacketSize is the largest length the 16-bit length field can express.
	MaxPacketSize = 0xFFFF

	// Field sizes in the start payload
	TitleSize      = 64
	ShowSize       = 32
	SampleRateSize = 4
	TimestampSize  = 4
)

var (
	ErrShortPacket = errors.New("packet too short")
	ErrMalformed   = errors.New("malformed packet")
)

// Header represents the 8-byte TLV packet header
// Layout: [PacketType:1][PacketLen:2][StreamID:4][Version:1]
type Header struct {
	PacketType uint8  // 0x01=Start, 0x02=Audio, 0x03=End
	PacketLen  uint16 // Total packet size (header + payload)
	StreamID   uint32 // Unique stream identifier
	Version    uint8
}

// StartPayload announces a new stream.
// Layout: [Title:64][Show:32][SampleRate:4][Timestamp:4]
type StartPayload struct {
	Title      [TitleSize]byte // Null-terminated string
	Show       [ShowSize]byte  // Null-terminated string
	SampleRate uint32
	Timestamp  uint32 // Unix timestamp
}

// AudioPayload represents the audio packet payload
// Layout: [Sequence:4][AudioData:N]
type AudioPayload struct {
	Sequence  uint32 // Packet sequence number
	AudioData []byte // Mono 16-bit little-endian PCM
}

// EndPayload closes a stream.
// Layout: [LastSequence:4]
type EndPayload struct {
	LastSequence uint32
}

// ParsedPacket represents a fully parsed TLV packet
type ParsedPacket struct {
	Header *Header
	Start  *StartPayload // Only set for start packets
	Audio  *AudioPayload // Only set for audio packets
	End    *EndPayload   // Only set for end packets
}

// ParseHeader parses the 8-byte TLV packet header
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: header too short: expected %d bytes, got %d", ErrShortPacket, HeaderSize, len(data))
	}

	return &Header{
		PacketType: data[0],
		PacketLen:  binary.BigEndian.Uint16(data[1:3]),
		StreamID:   binary.BigEndian.Uint32(data[3:7]),
		Version:    data[7],
	}, nil
}

// ParseStartPayload parses the 104-byte start payload
func ParseStartPayload(data []byte) (*StartPayload, error) {
	if len(data) < StartPayloadSize {
		return nil, fmt.Errorf("%w: start payload too short: expected %d bytes, got %d",
			ErrShortPacket, StartPayloadSize, len(data))
	}

	payload := &StartPayload{}
	copy(payload.Title[:], data[0:TitleSize])
	copy(payload.Show[:], data[TitleSize:TitleSize+ShowSize])

	offset := TitleSize + ShowSize
	payload.SampleRate = binary.BigEndian.Uint32(data[offset : offset+SampleRateSize])
	offset += SampleRateSize
	payload.Timestamp = binary.BigEndian.Uint32(data[offset : offset+TimestampSize])

	return payload, nil
}

// ParseAudioPayload parses the audio packet payload (4-byte sequence + audio data)
func ParseAudioPayload(data []byte) (*AudioPayload, error) {
	if len(data) < AudioPayloadHeaderSize {
		return nil, fmt.Errorf("%w: audio payload too short: expected at least %d bytes, got %d",
			ErrShortPacket, AudioPayloadHeaderSize, len(data))
	}

	payload := &AudioPayload{
		Sequence: binary.BigEndian.Uint32(data[0:4]),
	}

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
			ErrShortPacket, EndPayloadSize, len(data))
	}
	return &EndPayload{LastSequence: binary.BigEndian.Uint32(data[0:4])}, nil
}

// ParsePacket parses a complete TLV packet (header + payload)
func ParsePacket(data []byte) (*ParsedPacket, error) {
	header, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}

	if int(header.PacketLen) != len(data) {
		return nil, fmt.Errorf("%w: length mismatch: header says %d bytes, got %d bytes",
			ErrMalformed, header.PacketLen, len(data))
	}

	if err := ValidateHeader(header); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}

	packet := &ParsedPacket{Header: header}
	payloadData := data[HeaderSize:]

	switch header.PacketType {
	case PacketTypeStart:
		payload, err := ParseStartPayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse start payload: %w", err)
		}
		packet.Start = payload

	case PacketTypeAudio:
		payload, err := ParseAudioPayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse audio payload: %w", err)
		}
		packet.Audio = payload

	case PacketTypeEnd:
		payload, err := ParseEndPayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse end payload: %w", err)
		}
		packet.End = payload
	}

	return packet, nil
}

// ValidateHeader validates the packet header fields
func ValidateHeader(header *Header) error {
	if !IsValidPacketType(header.PacketType) {
		return fmt.Errorf("%w: invalid packet type: 0x%02x", ErrMalformed, header.PacketType)
	}

	if header.Version != Version {
		return fmt.Errorf("%w: unsupported version: 0x%02x", ErrMalformed, header.Version)
	}

	if header.PacketLen < HeaderSize {
		return fmt.Errorf("%w: packet length too small: %d (minimum %d)", ErrMalformed, header.PacketLen, HeaderSize)
	}

	payloadSize := int(header.PacketLen) - HeaderSize
	switch header.PacketType {
	case PacketTypeStart:
		if payloadSize != StartPayloadSize {
			return fmt.Errorf("%w: start payload size mismatch: expected %d, got %d",
				ErrMalformed, StartPayloadSize, payloadSize)
		}
	case PacketTypeAudio:
		if payloadSize < AudioPayloadHeaderSize {
			return fmt.Errorf("%w: audio payload too small: expected at least %d, got %d",
				ErrMalformed, AudioPayloadHeaderSize, payloadSize)
		}
		if (payloadSize-AudioPayloadHeaderSize)%2 != 0 {
			return fmt.Errorf("%w: audio data is not whole 16-bit samples (%d bytes)",
				ErrMalformed, payloadSize-AudioPayloadHeaderSize)
		}
	case PacketTypeEnd:
		if payloadSize != EndPayloadSize {
			return fmt.Errorf("%w: end payload size mismatch: expected %d, got %d",
				ErrMalformed, EndPayloadSize, payloadSize)
		}
	}

	return nil
}

// IsValidPacketType checks if the packet type is valid
func IsValidPacketType(ptype uint8) bool {
	return ptype == PacketTypeStart || ptype == PacketTypeAudio || ptype == PacketTypeEnd
}

// ExtractString extracts a null-terminated string from a fixed-size byte array
func ExtractString(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}

// GetTitle extracts the episode title
func (s *StartPayload) GetTitle() string {
	return ExtractString(s.Title[:])
}

// GetShow extracts the show name
func (s *StartPayload) GetShow() string {
	return ExtractString(s.Show[:])
}

// String returns a human-readable representation of the header
func (h *Header) String() string {
	var packetType string
	switch h.PacketType {
	case PacketTypeStart:
		packetType = "Start"
	case PacketTypeAudio:
		packetType = "Audio"
	case PacketTypeEnd:
		packetType = "End"
	default:
		packetType = fmt.Sprintf("Unknown(0x%02x)", h.PacketType)
	}

	return fmt.Sprintf("Header{Type:%s, Len:%d, StreamID:%d, Version:%d}",
		packetType, h.PacketLen, h.StreamID, h.Version)
}

// String returns a human-readable representation of the start payload
func (s *StartPayload) String() string {
	return fmt.Sprintf("StartPayload{Title:%q, Show:%q, SampleRate:%d, Timestamp:%d}",
		s.GetTitle(), s.GetShow(), s.SampleRate, s.Timestamp)
}

// String returns a human-readable representation of the audio payload
func (a *AudioPayload) String() string {
	return fmt.Sprintf("AudioPayload{Sequence:%d, AudioDataLen:%d}", a.Sequence, len(a.AudioData))
}
