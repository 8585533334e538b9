package audio

import (
	"encoding/binary"
	"math"
	"testing"
)

func TestNearestSupportedRate(t *testing.T) {
	tests := []struct {
		rate     int
		expected int
	}{
		{8000, 8000},
		{11025, 8000},
		{12000, 8000}, // tie goes low
		{16000, 16000},
		{22050, 16000},
		{24000, 16000}, // tie goes low
		{44100, 48000},
		{48000, 48000},
		{96000, 48000},
	}

	for _, tt := range tests {
		if got := NearestSupportedRate(tt.rate); got != tt.expected {
			t.Errorf("NearestSupportedRate(%d) = %d, expected %d", tt.rate, got, tt.expected)
		}
	}
}

func samplesToPCM(samples ...int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	return pcm
}

func pcmToSamples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

func TestDownmixToMono(t *testing.T) {
	stereo := samplesToPCM(100, 300, -200, -400)
	got := pcmToSamples(DownmixToMono(stereo, 2))
	if len(got) != 2 || got[0] != 200 || got[1] != -300 {
		t.Errorf("Unexpected stereo downmix %v", got)
	}

	three := samplesToPCM(30, 60, 90, -3, -6, -9)
	got = pcmToSamples(DownmixToMono(three, 3))
	if len(got) != 2 || got[0] != 60 || got[1] != -6 {
		t.Errorf("Unexpected 3-channel downmix %v", got)
	}

	mono := samplesToPCM(1, 2, 3)
	if got := DownmixToMono(mono, 1); len(got) != len(mono) {
		t.Error("Mono input should pass through")
	}
}

func TestResampleMono16(t *testing.T) {
	src := samplesToPCM(0, 100, 200, 300)

	up := pcmToSamples(ResampleMono16(src, 8000, 16000))
	if len(up) != 8 {
		t.Fatalf("Expected 8 samples, got %d", len(up))
	}
	if up[1] != 50 || up[2] != 100 {
		t.Errorf("Unexpected interpolation %v", up)
	}

	flat := make([]int16, 400)
	for i := range flat {
		flat[i] = 1000
	}
	down := pcmToSamples(ResampleMono16(samplesToPCM(flat...), 16000, 8000))
	if len(down) != 200 {
		t.Fatalf("Expected 200 samples, got %d", len(down))
	}
	for i, v := range down {
		if v != 1000 {
			t.Fatalf("Sample %d: expected DC level 1000, got %d", i, v)
		}
	}

	if got := ResampleMono16(src, 8000, 8000); len(got) != len(src) {
		t.Error("Equal rates should pass through")
	}
}

func toneRMS(samples []int16) float64 {
	// Skip the edges where the filter sees repeated samples.
	samples = samples[len(samples)/10 : len(samples)*9/10]
	var sum float64
	for _, v := range samples {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func TestResampleMono16AntiAliasing(t *testing.T) {
	const srcRate, dstRate = 22050, 16000

	tone := func(freq float64) []byte {
		s := make([]int16, srcRate)
		for i := range s {
			s[i] = int16(8000 * math.Sin(2*math.Pi*freq*float64(i)/srcRate))
		}
		return samplesToPCM(s...)
	}
	inputRMS := 8000 / math.Sqrt2

	tests := []struct {
		name     string
		freq     float64
		minRatio float64
		maxRatio float64
	}{
		// 10 kHz is above the new 8 kHz Nyquist and would fold back to 6 kHz.
		{name: "above target nyquist is removed", freq: 10000, maxRatio: 0.05},
		{name: "passband is kept", freq: 1000, minRatio: 0.9, maxRatio: 1.05},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := pcmToSamples(ResampleMono16(tone(tt.freq), srcRate, dstRate))
			if len(out) != dstRate {
				t.Fatalf("Expected %d samples, got %d", dstRate, len(out))
			}
			ratio := toneRMS(out) / inputRMS
			if ratio < tt.minRatio || ratio > tt.maxRatio {
				t.Errorf("Output/input RMS %.3f outside [%.2f, %.2f]", ratio, tt.minRatio, tt.maxRatio)
			}
		})
	}
}

func TestPrepareForVAD(t *testing.T) {
	in := &PCM{
		Data:       samplesToPCM(make([]int16, 44100*2)...),
		SampleRate: 44100,
		Channels:   2,
	}

	out, err := PrepareForVAD(in)
	if err != nil {
		t.Fatalf("PrepareForVAD failed: %v", err)
	}
	if out.SampleRate != 48000 || out.Channels != 1 {
		t.Errorf("Expected 48000 Hz mono, got %d Hz %d ch", out.SampleRate, out.Channels)
	}
	if len(out.Data) != 48000*2 {
		t.Errorf("Expected %d bytes, got %d", 48000*2, len(out.Data))
	}

	ready := &PCM{Data: samplesToPCM(1, 2), SampleRate: 16000, Channels: 1}
	same, err := PrepareForVAD(ready)
	if err != nil {
		t.Fatalf("PrepareForVAD failed: %v", err)
	}
	if same != ready {
		t.Error("Expected already-compatible audio to be returned as is")
	}

	if _, err := PrepareForVAD(&PCM{SampleRate: 8000}); err == nil {
		t.Error("Expected error for zero channels")
	}
}
