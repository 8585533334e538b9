package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/riff"
	"github.com/go-audio/wav"
)

const (
	wavFormatPCM        = 1
	wavFormatExtensible = 0xFFFE
	outputDepth         = 16
)

var (
	ErrInvalidWAV        = errors.New("invalid WAV file")
	ErrUnsupportedFormat = errors.New("unsupported WAV encoding")
)

// PCM is decoded audio: little-endian 16-bit samples, interleaved when
// Channels > 1.
type PCM struct {
	Data           []byte
	SampleRate     int
	Channels       int
	SourceBitDepth int
}

// Duration returns the length of the audio in seconds.
func (p *PCM) Duration() float64 {
	if p.SampleRate <= 0 || p.Channels <= 0 {
		return 0
	}
	return float64(len(p.Data)/2/p.Channels) / float64(p.SampleRate)
}

// ReadWAV decodes an integer PCM WAV stream, plain or WAVE_FORMAT_EXTENSIBLE
// with a PCM subformat. 8, 16, 24 and 32-bit input is converted to 16-bit.
func ReadWAV(r io.ReadSeeker) (*PCM, error) {
	decoder := wav.NewDecoder(r)
	if !decoder.IsValidFile() {
		return nil, ErrInvalidWAV
	}

	format := decoder.WavAudioFormat
	if format == wavFormatExtensible {
		sub, err := extensibleSubFormat(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidWAV, err)
		}
		if sub != wavFormatPCM {
			return nil, fmt.Errorf("%w: extensible subformat %d (only integer PCM is supported)", ErrUnsupportedFormat, sub)
		}
		// The scan moved the reader; decode from the start again.
		if _, err := r.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("failed to rewind audio: %w", err)
		}
		decoder = wav.NewDecoder(r)
		if !decoder.IsValidFile() {
			return nil, ErrInvalidWAV
		}
	} else if format != wavFormatPCM {
		return nil, fmt.Errorf("%w: audio format %d (only integer PCM is supported)", ErrUnsupportedFormat, format)
	}

	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to read PCM buffer: %w", err)
	}

	depth := int(decoder.BitDepth)
	data := make([]byte, len(buf.Data)*2)
	for i, v := range buf.Data {
		s, err := to16Bit(v, depth)
		if err != nil {
			return nil, err
		}
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}

	return &PCM{
		Data:           data,
		SampleRate:     buf.Format.SampleRate,
		Channels:       buf.Format.NumChannels,
		SourceBitDepth: depth,
	}, nil
}

// ReadWAVFile opens and decodes a WAV file.
func ReadWAVFile(path string) (*PCM, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio file: %w", err)
	}
	defer f.Close()

	pcm, err := ReadWAV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return pcm, nil
}

// WriteWAV encodes mono 16-bit PCM to w.
func WriteWAV(w io.WriteSeeker, pcm []byte, sampleRate int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	if len(pcm)%2 != 0 {
		return fmt.Errorf("audio data length must be even (got %d bytes)", len(pcm))
	}

	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}

	encoder := wav.NewEncoder(w, sampleRate, outputDepth, 1, wavFormatPCM)
	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{
			NumChannels: 1,
			SampleRate:  sampleRate,
		},
		Data:           samples,
		SourceBitDepth: outputDepth,
	}

	if err := encoder.Write(buf); err != nil {
		return fmt.Errorf("failed to write audio: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("failed to close encoder: %w", err)
	}
	return nil
}

// WriteWAVFile writes mono 16-bit PCM to path, replacing any existing file.
func WriteWAVFile(path string, pcm []byte, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}

	if err := WriteWAV(f, pcm, sampleRate); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

// fmtExtensible is the fmt chunk body of a WAVE_FORMAT_EXTENSIBLE file.
type fmtExtensible struct {
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	ExtraSize     uint16
	ValidBits     uint16
	ChannelMask   uint32
	SubFormat     [16]byte // GUID; the first two bytes are the format code
}

// extensibleSubFormat reads the format code out of the SubFormat GUID.
func extensibleSubFormat(r io.ReadSeeker) (uint16, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}

	parser := riff.New(r)
	if err := parser.ParseHeaders(); err != nil {
		return 0, err
	}
	for {
		chunk, err := parser.NextChunk()
		if err != nil {
			return 0, fmt.Errorf("fmt chunk not found: %w", err)
		}
		if chunk.ID != riff.FmtID {
			chunk.Drain()
			continue
		}
		if chunk.Size < binary.Size(fmtExtensible{}) {
			return 0, fmt.Errorf("extensible fmt chunk too short (%d bytes)", chunk.Size)
		}
		var f fmtExtensible
		if err := chunk.ReadLE(&f); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint16(f.SubFormat[:2]), nil
	}
}

func to16Bit(v, depth int) (int16, error) {
	switch depth {
	case 8:
		// 8-bit WAV samples are unsigned.
		return int16((v - 128) << 8), nil
	case 16:
		return int16(v), nil
	case 24:
		return int16(v >> 8), nil
	case 32:
		return int16(v >> 16), nil
	default:
		return 0, fmt.Errorf("%w: %d-bit samples", ErrUnsupportedFormat, depth)
	}
}

// wavHeader is the canonical 44-byte header of a PCM WAV file.
type wavHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32 // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16 // NumChannels * BitsPerSample / 8
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

// EncodeWAV wraps mono 16-bit PCM in a WAV header in memory, for responses
// that have no seekable writer.
func EncodeWAV(pcm []byte, sampleRate int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("audio data length must be even (got %d bytes)", len(pcm))
	}

	numChannels := uint16(1)
	bitsPerSample := uint16(outputDepth)
	dataSize := uint32(len(pcm))

	header := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   wavFormatPCM,
		NumChannels:   numChannels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * uint32(numChannels) * uint32(bitsPerSample) / 8,
		BlockAlign:    numChannels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(pcm)))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	buf.Write(pcm)

	return buf.Bytes(), nil
}
