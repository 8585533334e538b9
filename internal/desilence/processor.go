package desilence

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"time"

	"github.com/skypro1111/podcast-desilence-service/internal/audio"
	"github.com/skypro1111/podcast-desilence-service/internal/library"
	"github.com/skypro1111/podcast-desilence-service/internal/metrics"
	"github.com/skypro1111/podcast-desilence-service/internal/vad"
)

// Options configures a Processor.
type Options struct {
	FrameDurationMs   int
	PaddingDurationMs int
	Classifier        vad.ClassifierFactory
	// Source labels job metrics, e.g. "http", "inbox" or "cli".
	Source string
}

// SegmentInfo locates one kept segment in the source audio.
type SegmentInfo struct {
	Start  float64 `json:"start"`
	End    float64 `json:"end"`
	Frames int     `json:"frames"`
}

// Result is the outcome of one job.
type Result struct {
	Audio          []byte // mono 16-bit PCM at SampleRate
	SampleRate     int
	Segments       []SegmentInfo
	InputDuration  float64
	OutputDuration float64
}

// RemovedRatio returns the fraction of the input that was dropped.
func (r *Result) RemovedRatio() float64 {
	if r.InputDuration <= 0 {
		return 0
	}
	return 1 - r.OutputDuration/r.InputDuration
}

// Episode describes the result as library metadata.
func (r *Result) Episode(title, show, source string) library.Episode {
	spans := make([]library.Span, len(r.Segments))
	for i, s := range r.Segments {
		spans[i] = library.Span{Start: s.Start, End: s.End}
	}
	return library.Episode{
		Title:         title,
		Show:          show,
		Source:        source,
		SampleRate:    r.SampleRate,
		InputDuration: r.InputDuration,
		Segments:      spans,
	}
}

// Processor de-silences whole recordings. It is safe for concurrent use;
// every call gets its own classifier and collector.
type Processor struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewProcessor validates opts against every supported sample rate, so a bad
// configuration fails here rather than on the first file.
func NewProcessor(opts Options, logger *slog.Logger, m *metrics.Metrics) (*Processor, error) {
	if opts.Classifier == nil {
		return nil, fmt.Errorf("classifier factory cannot be nil")
	}
	if opts.Source == "" {
		opts.Source = "batch"
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := vad.CollectorConfig{
		SampleRate:        vad.SupportedSampleRates[0],
		FrameDurationMs:   opts.FrameDurationMs,
		PaddingDurationMs: opts.PaddingDurationMs,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Processor{
		opts:    opts,
		logger:  logger,
		metrics: m,
	}, nil
}

// Process de-silences a WAV stream. On cancellation it stops and returns
// ctx.Err() without a partial result.
func (p *Processor) Process(ctx context.Context, r io.ReadSeeker) (*Result, error) {
	start := time.Now()

	result, err := p.process(ctx, r)

	status := "success"
	ratio := 0.0
	if err != nil {
		status = "error"
	} else {
		ratio = result.RemovedRatio()
	}
	p.metrics.RecordJob(p.opts.Source, status, time.Since(start).Seconds(), ratio)

	return result, err
}

func (p *Processor) process(ctx context.Context, r io.ReadSeeker) (*Result, error) {
	decoded, err := audio.ReadWAV(r)
	if err != nil {
		return nil, err
	}

	pcm, err := audio.PrepareForVAD(decoded)
	if err != nil {
		return nil, err
	}

	cfg := vad.CollectorConfig{
		SampleRate:        pcm.SampleRate,
		FrameDurationMs:   p.opts.FrameDurationMs,
		PaddingDurationMs: p.opts.PaddingDurationMs,
	}

	classifier, err := p.opts.Classifier(cfg.SampleRate, cfg.FrameDurationMs)
	if err != nil {
		return nil, fmt.Errorf("failed to create classifier: %w", err)
	}

	collector, err := vad.NewCollector(cfg, Metered(classifier, p.metrics), p.logger)
	if err != nil {
		return nil, err
	}

	frames, err := vad.Frames(pcm.Data, cfg.SampleRate, cfg.FrameDurationMs)
	if err != nil {
		return nil, err
	}

	result := &Result{
		SampleRate:    cfg.SampleRate,
		InputDuration: pcm.Duration(),
	}

	var segments []vad.Segment
	for seg := range collector.Collect(untilDone(ctx, frames)) {
		p.metrics.RecordSegment(seg.Duration())
		segments = append(segments, seg)
		result.Segments = append(result.Segments, SegmentInfo{
			Start:  seg.Start,
			End:    seg.End,
			Frames: seg.Frames,
		})
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result.Audio = vad.Join(segments)
	result.OutputDuration = float64(len(result.Audio)/vad.BytesPerSample) / float64(cfg.SampleRate)

	p.logger.Info("Recording de-silenced",
		slog.String("source", p.opts.Source),
		slog.Int("sample_rate", cfg.SampleRate),
		slog.Int("segments", len(result.Segments)),
		slog.Float64("input_seconds", result.InputDuration),
		slog.Float64("output_seconds", result.OutputDuration),
	)

	return result, nil
}

// ProcessFile de-silences the WAV file at in and writes the result to out.
func (p *Processor) ProcessFile(ctx context.Context, in, out string) (*Result, error) {
	f, err := os.Open(in)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio file: %w", err)
	}
	defer f.Close()

	result, err := p.Process(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", in, err)
	}

	if err := audio.WriteWAVFile(out, result.Audio, result.SampleRate); err != nil {
		return nil, err
	}
	return result, nil
}

// untilDone stops the sequence once ctx is cancelled.
func untilDone(ctx context.Context, frames iter.Seq[vad.Frame]) iter.Seq[vad.Frame] {
	return func(yield func(vad.Frame) bool) {
		for f := range frames {
			if ctx.Err() != nil || !yield(f) {
				return
			}
		}
	}
}

// Metered wraps c so every classification is counted in m.
func Metered(c vad.Classifier, m *metrics.Metrics) vad.Classifier {
	if m == nil {
		return c
	}
	return &meteredClassifier{Classifier: c, metrics: m}
}

type meteredClassifier struct {
	vad.Classifier
	metrics *metrics.Metrics
}

func (c *meteredClassifier) IsSpeech(frame []byte, sampleRate int) bool {
	speech := c.Classifier.IsSpeech(frame, sampleRate)
	c.metrics.RecordFrame(speech)
	return speech
}
