package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func rampPCM(samples int) []byte {
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(i*37-9000)))
	}
	return pcm
}

func TestEncodeWAV(t *testing.T) {
	pcm := rampPCM(160)

	data, err := EncodeWAV(pcm, 8000)
	if err != nil {
		t.Fatalf("Failed to encode WAV: %v", err)
	}

	if len(data) != 44+len(pcm) {
		t.Errorf("Expected %d bytes, got %d", 44+len(pcm), len(data))
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" || string(data[36:40]) != "data" {
		t.Error("Missing RIFF/WAVE/data markers")
	}
	if rate := binary.LittleEndian.Uint32(data[24:28]); rate != 8000 {
		t.Errorf("Expected sample rate 8000, got %d", rate)
	}
	if size := binary.LittleEndian.Uint32(data[40:44]); size != uint32(len(pcm)) {
		t.Errorf("Expected data size %d, got %d", len(pcm), size)
	}

	// The in-memory encoding must be readable by the decoder.
	decoded, err := ReadWAV(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Failed to decode encoded WAV: %v", err)
	}
	if !bytes.Equal(decoded.Data, pcm) {
		t.Error("Decoded PCM differs from input")
	}
}

func TestEncodeWAVInvalid(t *testing.T) {
	if _, err := EncodeWAV(make([]byte, 4), 0); err == nil {
		t.Error("Expected error for zero sample rate")
	}
	if _, err := EncodeWAV(make([]byte, 3), 8000); err == nil {
		t.Error("Expected error for odd-length PCM")
	}
}

func TestWriteAndReadWAVFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	pcm := rampPCM(16000)

	if err := WriteWAVFile(path, pcm, 16000); err != nil {
		t.Fatalf("WriteWAVFile failed: %v", err)
	}

	got, err := ReadWAVFile(path)
	if err != nil {
		t.Fatalf("ReadWAVFile failed: %v", err)
	}

	if got.SampleRate != 16000 {
		t.Errorf("Expected sample rate 16000, got %d", got.SampleRate)
	}
	if got.Channels != 1 {
		t.Errorf("Expected 1 channel, got %d", got.Channels)
	}
	if got.SourceBitDepth != 16 {
		t.Errorf("Expected 16-bit source, got %d", got.SourceBitDepth)
	}
	if !bytes.Equal(got.Data, pcm) {
		t.Error("Round-tripped PCM differs from input")
	}
	if d := got.Duration(); d != 1.0 {
		t.Errorf("Expected duration 1.0, got %f", d)
	}
}

// extensibleWAV builds a WAVE_FORMAT_EXTENSIBLE file of mono samples with
// the given subformat code.
func extensibleWAV(t *testing.T, pcm []byte, bits int, subFormat uint16) []byte {
	t.Helper()

	blockAlign := uint16(bits / 8)
	f := fmtExtensible{
		AudioFormat:   wavFormatExtensible,
		NumChannels:   1,
		SampleRate:    8000,
		ByteRate:      8000 * uint32(blockAlign),
		BlockAlign:    blockAlign,
		BitsPerSample: uint16(bits),
		ExtraSize:     22,
		ValidBits:     uint16(bits),
		ChannelMask:   0x4,
	}
	binary.LittleEndian.PutUint16(f.SubFormat[:2], subFormat)
	copy(f.SubFormat[2:], []byte{0x00, 0x00, 0x00, 0x00, 0x10, 0x00, 0x80, 0x00, 0x00, 0xAA, 0x00, 0x38, 0x9B, 0x71})

	var buf bytes.Buffer
	write := func(v any) {
		if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
			t.Fatalf("binary.Write failed: %v", err)
		}
	}
	fmtSize := uint32(binary.Size(f))
	buf.WriteString("RIFF")
	write(uint32(4 + 8 + fmtSize + 8 + uint32(len(pcm))))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	write(fmtSize)
	write(f)
	buf.WriteString("data")
	write(uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}

func TestReadWAVExtensible(t *testing.T) {
	// 24-bit samples whose top 16 bits are the ramp.
	ramp := rampPCM(800)
	pcm24 := make([]byte, 0, 800*3)
	for i := 0; i < len(ramp); i += 2 {
		pcm24 = append(pcm24, 0x00, ramp[i], ramp[i+1])
	}

	tests := []struct {
		name    string
		data    []byte
		want    []byte
		wantErr error
	}{
		{name: "16-bit PCM", data: extensibleWAV(t, ramp, 16, wavFormatPCM), want: ramp},
		{name: "24-bit PCM", data: extensibleWAV(t, pcm24, 24, wavFormatPCM), want: ramp},
		{name: "float subformat", data: extensibleWAV(t, make([]byte, 3200), 32, 3), wantErr: ErrUnsupportedFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReadWAV(bytes.NewReader(tt.data))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ReadWAV failed: %v", err)
			}
			if got.SampleRate != 8000 || got.Channels != 1 {
				t.Errorf("Unexpected format %d Hz, %d channels", got.SampleRate, got.Channels)
			}
			if !bytes.Equal(got.Data, tt.want) {
				t.Errorf("Decoded samples differ (%d bytes, want %d)", len(got.Data), len(tt.want))
			}
		})
	}
}

func TestReadWAVInvalid(t *testing.T) {
	if _, err := ReadWAV(bytes.NewReader([]byte("definitely not a wav file at all, just text"))); !errors.Is(err, ErrInvalidWAV) {
		t.Errorf("Expected ErrInvalidWAV, got %v", err)
	}

	if _, err := ReadWAVFile(filepath.Join(t.TempDir(), "missing.wav")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestWriteWAVFileInvalidPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "no", "such", "dir", "out.wav")
	if err := WriteWAVFile(path, rampPCM(10), 8000); err == nil {
		t.Error("Expected error for invalid path")
	}
	if _, err := os.Stat(path); err == nil {
		t.Error("Expected no file to be created")
	}
}
