package vad

import (
	"io"
	"log/slog"
	"math"
)

const (
	testRate      = 8000
	testFrameMs   = 30
	testPaddingMs = 600
)

// markerClassifier treats a frame as speech when its first byte is 1.
var markerClassifier = ClassifierFunc(func(frame []byte, _ int) bool {
	return len(frame) > 0 && frame[0] == 1
})

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() CollectorConfig {
	return CollectorConfig{
		SampleRate:        testRate,
		FrameDurationMs:   testFrameMs,
		PaddingDurationMs: testPaddingMs,
	}
}

// buildPCM produces one frame per pattern entry, filled with 1 for speech
// and 0 for silence.
func buildPCM(pattern []bool) []byte {
	n := FrameSize(testRate, testFrameMs)
	pcm := make([]byte, 0, n*len(pattern))
	for _, speech := range pattern {
		var b byte
		if speech {
			b = 1
		}
		for i := 0; i < n; i++ {
			pcm = append(pcm, b)
		}
	}
	return pcm
}

// speechPattern returns total frames where frames [from, to) are speech.
func speechPattern(total, from, to int) []bool {
	p := make([]bool, total)
	for i := from; i < to && i < total; i++ {
		p[i] = true
	}
	return p
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}
