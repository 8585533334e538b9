package protocol

import (
	"encoding/binary"
	"fmt"
)

func appendHeader(dst []byte, packetType uint8, streamID uint32, payloadLen int) []byte {
	dst = append(dst, packetType)
	dst = binary.BigEndian.AppendUint16(dst, uint16(HeaderSize+payloadLen))
	dst = binary.BigEndian.AppendUint32(dst, streamID)
	return append(dst, Version)
}

// EncodeStart builds a start packet. Title and show are truncated to their
// field sizes, keeping room for the terminating zero.
func EncodeStart(streamID uint32, title, show string, sampleRate, timestamp uint32) []byte {
	pkt := make([]byte, 0, HeaderSize+StartPayloadSize)
	pkt = appendHeader(pkt, PacketTypeStart, streamID, StartPayloadSize)

	var titleField [TitleSize]byte
	copy(titleField[:TitleSize-1], title)
	var showField [ShowSize]byte
	copy(showField[:ShowSize-1], show)

	pkt = append(pkt, titleField[:]...)
	pkt = append(pkt, showField[:]...)
	pkt = binary.BigEndian.AppendUint32(pkt, sampleRate)
	return binary.BigEndian.AppendUint32(pkt, timestamp)
}

// EncodeAudio builds an audio packet.
func EncodeAudio(streamID, sequence uint32, pcm []byte) ([]byte, error) {
	payloadLen := AudioPayloadHeaderSize + len(pcm)
	if HeaderSize+payloadLen > MaxPacketSize {
		return nil, fmt.Errorf("audio data too large: %d bytes (maximum %d)", len(pcm), MaxPacketSize-HeaderSize-AudioPayloadHeaderSize)
	}

	pkt := make([]byte, 0, HeaderSize+payloadLen)
	pkt = appendHeader(pkt, PacketTypeAudio, streamID, payloadLen)
	pkt = binary.BigEndian.AppendUint32(pkt, sequence)
	return append(pkt, pcm...), nil
}

// EncodeEnd builds an end packet.
func EncodeEnd(streamID, lastSequence uint32) []byte {
	pkt := make([]byte, 0, HeaderSize+EndPayloadSize)
	pkt = appendHeader(pkt, PacketTypeEnd, streamID, EndPayloadSize)
	return binary.BigEndian.AppendUint32(pkt, lastSequence)
}
