package vad

import (
	"encoding/binary"
	"math"
)

// EnergyClassifier is a pure-Go classifier that marks a frame as speech when
// its RMS level reaches a threshold. Higher aggressiveness raises the
// threshold by half of the base value per step.
type EnergyClassifier struct {
	threshold float64
}

// NewEnergyClassifier creates an energy classifier. baseThreshold is an RMS
// level in int16 sample units.
func NewEnergyClassifier(baseThreshold float64, aggressiveness int) *EnergyClassifier {
	return &EnergyClassifier{
		threshold: baseThreshold * (1 + 0.5*float64(aggressiveness)),
	}
}

// Threshold returns the effective RMS threshold.
func (c *EnergyClassifier) Threshold() float64 {
	return c.threshold
}

// IsSpeech implements Classifier.
func (c *EnergyClassifier) IsSpeech(frame []byte, _ int) bool {
	return RMS(frame) >= c.threshold
}

// RMS returns the root-mean-square level of little-endian 16-bit PCM.
func RMS(pcm []byte) float64 {
	samples := len(pcm) / BytesPerSample
	if samples == 0 {
		return 0
	}

	var sum float64
	for i := 0; i < samples; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(samples))
}
