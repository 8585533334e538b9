//go:build cgo

package vad

import (
	"fmt"
	"log/slog"

	"github.com/visvasity/webrtcvad"
)

// WebRTCClassifier wraps the WebRTC voice activity detector. An instance
// holds native state and must not be shared between goroutines.
type WebRTCClassifier struct {
	vad        *webrtcvad.VAD
	sampleRate int
	frameSize  int
}

// NewWebRTCClassifier creates a WebRTC classifier in the given mode
// (0 = least aggressive, 3 = most aggressive about filtering out non-speech).
func NewWebRTCClassifier(aggressiveness, sampleRate, frameDurationMs int) (*WebRTCClassifier, error) {
	if err := ValidateAggressiveness(aggressiveness); err != nil {
		return nil, err
	}
	if err := ValidateSampleRate(sampleRate); err != nil {
		return nil, err
	}
	if err := ValidateFrameDuration(frameDurationMs); err != nil {
		return nil, err
	}

	v, err := webrtcvad.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create webrtc vad: %w", err)
	}
	if err := v.SetMode(aggressiveness); err != nil {
		return nil, fmt.Errorf("failed to set webrtc vad mode %d: %w", aggressiveness, err)
	}

	return &WebRTCClassifier{
		vad:        v,
		sampleRate: sampleRate,
		frameSize:  FrameSize(sampleRate, frameDurationMs),
	}, nil
}

// IsSpeech implements Classifier. Frames the detector rejects count as non-speech.
func (c *WebRTCClassifier) IsSpeech(frame []byte, sampleRate int) bool {
	if len(frame) != c.frameSize || sampleRate != c.sampleRate {
		return false
	}

	speech, err := c.vad.Process(sampleRate, frame)
	if err != nil {
		slog.Warn("webrtc vad rejected frame",
			slog.Int("sample_rate", sampleRate),
			slog.Int("frame_bytes", len(frame)),
			slog.String("error", err.Error()),
		)
		return false
	}
	return speech
}
