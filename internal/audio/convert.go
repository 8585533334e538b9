package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"

	"github.com/skypro1111/podcast-desilence-service/internal/vad"
)

// NearestSupportedRate returns the classifier sample rate closest to rate.
// When two rates are equally close the lower one wins.
func NearestSupportedRate(rate int) int {
	best := vad.SupportedSampleRates[0]
	bestDiff := absInt(best - rate)
	for _, r := range vad.SupportedSampleRates[1:] {
		if d := absInt(r - rate); d < bestDiff {
			best, bestDiff = r, d
		}
	}
	return best
}

// PrepareForVAD converts decoded audio to mono 16-bit PCM at the nearest
// supported sample rate. Audio that already qualifies is returned as is.
func PrepareForVAD(p *PCM) (*PCM, error) {
	if p == nil {
		return nil, fmt.Errorf("audio cannot be nil")
	}
	if p.Channels <= 0 {
		return nil, fmt.Errorf("invalid channel count %d", p.Channels)
	}
	if p.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", p.SampleRate)
	}

	target := NearestSupportedRate(p.SampleRate)
	if p.Channels == 1 && p.SampleRate == target {
		return p, nil
	}

	slog.Debug("converting audio for voice detection",
		slog.Int("from_rate", p.SampleRate),
		slog.Int("to_rate", target),
		slog.Int("channels", p.Channels),
	)

	data := DownmixToMono(p.Data, p.Channels)
	data = ResampleMono16(data, p.SampleRate, target)

	return &PCM{
		Data:           data,
		SampleRate:     target,
		Channels:       1,
		SourceBitDepth: p.SourceBitDepth,
	}, nil
}

// DownmixToMono averages interleaved 16-bit channels into one.
func DownmixToMono(pcm []byte, channels int) []byte {
	switch {
	case channels <= 1:
		return pcm
	case channels == 2:
		return StereoToMono(pcm)
	}

	frameBytes := channels * 2
	frames := len(pcm) / frameBytes
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int32
		for c := range channels {
			sum += int32(int16(binary.LittleEndian.Uint16(pcm[i*frameBytes+c*2:])))
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(sum/int32(channels))))
	}
	return out
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(binary.LittleEndian.Uint16(pcm[i*4:])))
		r := int32(int16(binary.LittleEndian.Uint16(pcm[i*4+2:])))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16((l+r)/2)))
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate. When
// downsampling, the input first goes through a windowed-sinc low-pass at 90%
// of the new Nyquist frequency so content above it does not alias; samples
// are then linearly interpolated. This is cheaper than a polyphase resampler
// and slightly softens the top of the passband. If the rates match the input
// is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}

	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	src := make([]float64, srcSamples)
	for i := range src {
		src[i] = float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}

	ratio := float64(srcRate) / float64(dstRate)
	if ratio > 1 {
		src = lowPass(src, antiAliasCutoff*0.5/ratio, int(math.Ceil(tapsPerRatio*ratio)))
	}

	out := make([]byte, dstSamples*2)
	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := src[srcIdx]
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = src[srcIdx+1]
		}

		binary.LittleEndian.PutUint16(out[i*2:], uint16(clampInt16(s0*(1-frac)+s1*frac)))
	}
	return out
}

const (
	antiAliasCutoff = 0.9 // fraction of the target Nyquist frequency
	tapsPerRatio    = 16  // filter half-width per unit of decimation ratio
)

// lowPass applies a Blackman-windowed sinc filter with 2*half+1 taps.
// cutoff is in cycles per sample. Edges repeat the first and last samples.
func lowPass(x []float64, cutoff float64, half int) []float64 {
	n := 2*half + 1
	taps := make([]float64, n)
	var sum float64
	for i := range taps {
		k := float64(i - half)
		h := 2 * cutoff
		if k != 0 {
			h = math.Sin(2*math.Pi*cutoff*k) / (math.Pi * k)
		}
		w := 0.42 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n-1)) + 0.08*math.Cos(4*math.Pi*float64(i)/float64(n-1))
		taps[i] = h * w
		sum += taps[i]
	}
	for i := range taps {
		taps[i] /= sum
	}

	last := len(x) - 1
	y := make([]float64, len(x))
	for i := range x {
		var acc float64
		for j, t := range taps {
			idx := min(max(i+j-half, 0), last)
			acc += t * x[idx]
		}
		y[i] = acc
	}
	return y
}

func clampInt16(v float64) int16 {
	v = math.Round(v)
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
