package vad

import (
	"bytes"
	"errors"
	"testing"
)

func TestFrameSize(t *testing.T) {
	tests := []struct {
		rate     int
		ms       int
		expected int
	}{
		{8000, 10, 160},
		{8000, 30, 480},
		{16000, 20, 640},
		{32000, 30, 1920},
		{48000, 10, 960},
		{48000, 30, 2880},
	}

	for _, tt := range tests {
		if got := FrameSize(tt.rate, tt.ms); got != tt.expected {
			t.Errorf("FrameSize(%d, %d) = %d, expected %d", tt.rate, tt.ms, got, tt.expected)
		}
	}
}

func TestFramesValidation(t *testing.T) {
	tests := []struct {
		name    string
		rate    int
		ms      int
		wantErr error
	}{
		{"valid", 16000, 30, nil},
		{"unsupported rate", 44100, 30, ErrUnsupportedSampleRate},
		{"zero rate", 0, 30, ErrUnsupportedSampleRate},
		{"unsupported duration", 16000, 25, ErrUnsupportedFrameDuration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Frames(nil, tt.rate, tt.ms)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestFramesCount(t *testing.T) {
	n := FrameSize(testRate, testFrameMs)

	tests := []struct {
		name     string
		length   int
		expected int
	}{
		{"empty", 0, 0},
		{"shorter than one frame", n - 1, 0},
		{"exactly one frame", n, 1},
		{"exact multiple", 3 * n, 3},
		{"trailing partial frame", 3*n + 2, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frames, err := SliceFrames(make([]byte, tt.length), testRate, testFrameMs)
			if err != nil {
				t.Fatalf("SliceFrames failed: %v", err)
			}
			if len(frames) != tt.expected {
				t.Errorf("Expected %d frames, got %d", tt.expected, len(frames))
			}
		})
	}
}

func TestFramesTimestamps(t *testing.T) {
	pcm := make([]byte, FrameSize(16000, 10)*250)
	for i := range pcm {
		pcm[i] = byte(i)
	}

	frames, err := SliceFrames(pcm, 16000, 10)
	if err != nil {
		t.Fatalf("SliceFrames failed: %v", err)
	}

	for k, f := range frames {
		if !almostEqual(f.Timestamp, float64(k)*0.01) {
			t.Fatalf("Frame %d: expected timestamp %f, got %f", k, float64(k)*0.01, f.Timestamp)
		}
		if !almostEqual(f.Duration, 0.01) {
			t.Fatalf("Frame %d: expected duration 0.01, got %f", k, f.Duration)
		}
		off := k * len(f.Bytes)
		if !bytes.Equal(f.Bytes, pcm[off:off+len(f.Bytes)]) {
			t.Fatalf("Frame %d bytes do not match input", k)
		}
	}
}

func TestFramesRestartable(t *testing.T) {
	pcm := make([]byte, FrameSize(testRate, testFrameMs)*5)
	seq, err := Frames(pcm, testRate, testFrameMs)
	if err != nil {
		t.Fatalf("Frames failed: %v", err)
	}

	for pass := 0; pass < 2; pass++ {
		count := 0
		for f := range seq {
			if !almostEqual(f.Timestamp, float64(count)*0.03) {
				t.Errorf("Pass %d frame %d: unexpected timestamp %f", pass, count, f.Timestamp)
			}
			count++
		}
		if count != 5 {
			t.Errorf("Pass %d: expected 5 frames, got %d", pass, count)
		}
	}
}

func TestFramesEarlyStop(t *testing.T) {
	pcm := make([]byte, FrameSize(testRate, testFrameMs)*10)
	seq, err := Frames(pcm, testRate, testFrameMs)
	if err != nil {
		t.Fatalf("Frames failed: %v", err)
	}

	count := 0
	for range seq {
		count++
		if count == 3 {
			break
		}
	}
	if count != 3 {
		t.Errorf("Expected to stop after 3 frames, got %d", count)
	}
}

func TestSlicerMatchesFrames(t *testing.T) {
	n := FrameSize(testRate, testFrameMs)
	pcm := make([]byte, n*7+123)
	for i := range pcm {
		pcm[i] = byte(i * 7)
	}

	want, err := SliceFrames(pcm, testRate, testFrameMs)
	if err != nil {
		t.Fatalf("SliceFrames failed: %v", err)
	}

	slicer, err := NewSlicer(testRate, testFrameMs)
	if err != nil {
		t.Fatalf("NewSlicer failed: %v", err)
	}

	var got []Frame
	for off := 0; off < len(pcm); off += 100 {
		end := min(off+100, len(pcm))
		got = append(got, slicer.Write(pcm[off:end])...)
	}

	if len(got) != len(want) {
		t.Fatalf("Expected %d frames, got %d", len(want), len(got))
	}
	for i := range want {
		if !bytes.Equal(got[i].Bytes, want[i].Bytes) {
			t.Errorf("Frame %d: bytes differ", i)
		}
		if !almostEqual(got[i].Timestamp, want[i].Timestamp) {
			t.Errorf("Frame %d: expected timestamp %f, got %f", i, want[i].Timestamp, got[i].Timestamp)
		}
	}

	if slicer.Pending() != 123 {
		t.Errorf("Expected 123 pending bytes, got %d", slicer.Pending())
	}
	if slicer.Emitted() != 7 {
		t.Errorf("Expected 7 emitted frames, got %d", slicer.Emitted())
	}
}

func TestSlicerOwnsFrameBytes(t *testing.T) {
	slicer, err := NewSlicer(testRate, 10)
	if err != nil {
		t.Fatalf("NewSlicer failed: %v", err)
	}

	input := make([]byte, FrameSize(testRate, 10))
	input[0] = 42
	frames := slicer.Write(input)
	if len(frames) != 1 {
		t.Fatalf("Expected 1 frame, got %d", len(frames))
	}

	input[0] = 0
	if frames[0].Bytes[0] != 42 {
		t.Error("Frame bytes changed after caller reused its buffer")
	}
}
