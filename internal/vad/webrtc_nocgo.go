//go:build !cgo

package vad

// WebRTCClassifier is unavailable in builds without cgo.
type WebRTCClassifier struct{}

// NewWebRTCClassifier always fails without cgo; use the energy classifier.
func NewWebRTCClassifier(aggressiveness, sampleRate, frameDurationMs int) (*WebRTCClassifier, error) {
	return nil, ErrWebRTCUnavailable
}

// IsSpeech implements Classifier.
func (c *WebRTCClassifier) IsSpeech(frame []byte, sampleRate int) bool {
	return false
}
