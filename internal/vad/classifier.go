package vad

import (
	"errors"
	"fmt"
)

// Classifier decides whether a single frame of 16-bit mono PCM contains
// speech. The frame is exactly one 10, 20 or 30 ms frame at one of
// SupportedSampleRates. Implementations must be deterministic for the
// segmentation to be reproducible.
type Classifier interface {
	IsSpeech(frame []byte, sampleRate int) bool
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(frame []byte, sampleRate int) bool

// IsSpeech calls f(frame, sampleRate).
func (f ClassifierFunc) IsSpeech(frame []byte, sampleRate int) bool {
	return f(frame, sampleRate)
}

// ClassifierFactory creates a classifier for one stream. A classifier may keep
// native state, so each Collector gets its own instance.
type ClassifierFactory func(sampleRate, frameDurationMs int) (Classifier, error)

const (
	ClassifierWebRTC = "webrtc"
	ClassifierEnergy = "energy"
)

var (
	ErrUnsupportedAggressiveness = errors.New("unsupported aggressiveness")
	ErrWebRTCUnavailable         = errors.New("webrtc classifier requires cgo")
)

// ValidateAggressiveness checks the 0 (least) .. 3 (most aggressive) mode range.
func ValidateAggressiveness(aggressiveness int) error {
	if aggressiveness < 0 || aggressiveness > 3 {
		return fmt.Errorf("%w: %d (must be between 0 and 3)", ErrUnsupportedAggressiveness, aggressiveness)
	}
	return nil
}

// NewClassifierFactory returns a factory for the named classifier kind.
// energyThreshold is only used by the energy classifier.
func NewClassifierFactory(kind string, aggressiveness int, energyThreshold float64) (ClassifierFactory, error) {
	if err := ValidateAggressiveness(aggressiveness); err != nil {
		return nil, err
	}

	switch kind {
	case ClassifierWebRTC:
		return func(sampleRate, frameDurationMs int) (Classifier, error) {
			c, err := NewWebRTCClassifier(aggressiveness, sampleRate, frameDurationMs)
			if err != nil {
				return nil, err
			}
			return c, nil
		}, nil
	case ClassifierEnergy:
		if energyThreshold <= 0 {
			return nil, fmt.Errorf("energy threshold must be positive, got %f", energyThreshold)
		}
		return func(sampleRate, frameDurationMs int) (Classifier, error) {
			if err := ValidateSampleRate(sampleRate); err != nil {
				return nil, err
			}
			if err := ValidateFrameDuration(frameDurationMs); err != nil {
				return nil, err
			}
			return NewEnergyClassifier(energyThreshold, aggressiveness), nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown classifier %q (must be %q or %q)", kind, ClassifierWebRTC, ClassifierEnergy)
	}
}
