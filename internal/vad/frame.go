package vad

import (
	"errors"
	"fmt"
	"iter"
)

// BytesPerSample is the only supported sample width (16-bit signed PCM).
const BytesPerSample = 2

var (
	ErrUnsupportedSampleRate    = errors.New("unsupported sample rate")
	ErrUnsupportedFrameDuration = errors.New("unsupported frame duration")
	ErrPaddingTooShort          = errors.New("padding duration shorter than one frame")
	ErrOddPCMLength             = errors.New("pcm length is not a whole number of 16-bit samples")
)

// SupportedSampleRates lists the sample rates accepted by the frame classifiers.
var SupportedSampleRates = []int{8000, 16000, 32000, 48000}

// SupportedFrameDurations lists the frame durations (ms) accepted by the frame classifiers.
var SupportedFrameDurations = []int{10, 20, 30}

// Frame is a fixed-duration slice of PCM audio.
type Frame struct {
	Bytes     []byte
	Timestamp float64 // seconds from the start of the stream
	Duration  float64 // seconds
}

// End returns the timestamp at which the frame ends.
func (f Frame) End() float64 {
	return f.Timestamp + f.Duration
}

// ValidateSampleRate checks the rate against SupportedSampleRates.
func ValidateSampleRate(sampleRate int) error {
	for _, r := range SupportedSampleRates {
		if r == sampleRate {
			return nil
		}
	}
	return fmt.Errorf("%w: %d Hz (must be one of %v)", ErrUnsupportedSampleRate, sampleRate, SupportedSampleRates)
}

// ValidateFrameDuration checks the duration against SupportedFrameDurations.
func ValidateFrameDuration(frameDurationMs int) error {
	for _, d := range SupportedFrameDurations {
		if d == frameDurationMs {
			return nil
		}
	}
	return fmt.Errorf("%w: %d ms (must be one of %v)", ErrUnsupportedFrameDuration, frameDurationMs, SupportedFrameDurations)
}

// FrameSize returns the byte length of one frame.
func FrameSize(sampleRate, frameDurationMs int) int {
	return sampleRate * frameDurationMs / 1000 * BytesPerSample
}

// frameDuration returns the duration in seconds of a frame of n bytes.
func frameDuration(n, sampleRate int) float64 {
	return float64(n) / float64(sampleRate) / BytesPerSample
}

// Frames returns a lazy sequence of frames over pcm. Each range over the
// returned sequence starts again from the beginning of pcm. Frames are views
// into pcm; a trailing partial frame is dropped.
func Frames(pcm []byte, sampleRate, frameDurationMs int) (iter.Seq[Frame], error) {
	if err := ValidateSampleRate(sampleRate); err != nil {
		return nil, err
	}
	if err := ValidateFrameDuration(frameDurationMs); err != nil {
		return nil, err
	}

	n := FrameSize(sampleRate, frameDurationMs)
	duration := frameDuration(n, sampleRate)

	return func(yield func(Frame) bool) {
		for k, offset := 0, 0; offset+n <= len(pcm); k, offset = k+1, offset+n {
			frame := Frame{
				Bytes:     pcm[offset : offset+n : offset+n],
				Timestamp: float64(k) * duration,
				Duration:  duration,
			}
			if !yield(frame) {
				return
			}
		}
	}, nil
}

// SliceFrames is the materialized form of Frames.
func SliceFrames(pcm []byte, sampleRate, frameDurationMs int) ([]Frame, error) {
	seq, err := Frames(pcm, sampleRate, frameDurationMs)
	if err != nil {
		return nil, err
	}

	frames := make([]Frame, 0, len(pcm)/FrameSize(sampleRate, frameDurationMs))
	for f := range seq {
		frames = append(frames, f)
	}
	return frames, nil
}

// Slicer cuts frames out of PCM that arrives in arbitrary-sized pieces, such
// as network packets. The partial tail of each write is kept for the next one
// and timestamps continue across writes.
type Slicer struct {
	frameSize int
	duration  float64
	pending   []byte
	emitted   int
}

// NewSlicer creates a streaming slicer.
func NewSlicer(sampleRate, frameDurationMs int) (*Slicer, error) {
	if err := ValidateSampleRate(sampleRate); err != nil {
		return nil, err
	}
	if err := ValidateFrameDuration(frameDurationMs); err != nil {
		return nil, err
	}

	n := FrameSize(sampleRate, frameDurationMs)
	return &Slicer{
		frameSize: n,
		duration:  frameDuration(n, sampleRate),
		pending:   make([]byte, 0, n),
	}, nil
}

// Write appends p and returns every frame that became complete. Returned
// frames own their bytes.
func (s *Slicer) Write(p []byte) []Frame {
	s.pending = append(s.pending, p...)

	var frames []Frame
	offset := 0
	for offset+s.frameSize <= len(s.pending) {
		buf := make([]byte, s.frameSize)
		copy(buf, s.pending[offset:offset+s.frameSize])
		frames = append(frames, Frame{
			Bytes:     buf,
			Timestamp: float64(s.emitted) * s.duration,
			Duration:  s.duration,
		})
		s.emitted++
		offset += s.frameSize
	}

	rest := copy(s.pending, s.pending[offset:])
	s.pending = s.pending[:rest]
	return frames
}

// Pending returns the number of buffered bytes not yet forming a full frame.
func (s *Slicer) Pending() int {
	return len(s.pending)
}

// Emitted returns the number of frames produced so far.
func (s *Slicer) Emitted() int {
	return s.emitted
}
