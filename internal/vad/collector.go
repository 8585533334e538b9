package vad

import (
	"fmt"
	"iter"
	"log/slog"
)

// TriggerState is the state of the segmentation hysteresis machine.
type TriggerState int

const (
	StateNotTriggered TriggerState = iota
	StateTriggered
)

func (s TriggerState) String() string {
	switch s {
	case StateNotTriggered:
		return "not_triggered"
	case StateTriggered:
		return "triggered"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Trigger threshold as a percentage of the window. A state change happens
// only when strictly more than this share of the window agrees.
const triggerPercent = 95

// CollectorConfig holds the parameters of one segmentation pass.
type CollectorConfig struct {
	SampleRate        int
	FrameDurationMs   int
	PaddingDurationMs int
}

// DefaultCollectorConfig returns 30 ms frames with a 600 ms window.
func DefaultCollectorConfig(sampleRate int) CollectorConfig {
	return CollectorConfig{
		SampleRate:        sampleRate,
		FrameDurationMs:   30,
		PaddingDurationMs: 600,
	}
}

// WindowSize returns the ring buffer capacity in frames.
func (c CollectorConfig) WindowSize() int {
	if c.FrameDurationMs <= 0 {
		return 0
	}
	return c.PaddingDurationMs / c.FrameDurationMs
}

// Validate rejects configurations the classifiers cannot handle and windows
// that hold no frame at all.
func (c CollectorConfig) Validate() error {
	if err := ValidateSampleRate(c.SampleRate); err != nil {
		return err
	}
	if err := ValidateFrameDuration(c.FrameDurationMs); err != nil {
		return err
	}
	if c.WindowSize() < 1 {
		return fmt.Errorf("%w: padding %d ms, frame %d ms", ErrPaddingTooShort, c.PaddingDurationMs, c.FrameDurationMs)
	}
	return nil
}

// Segment is a contiguous run of speech frames.
type Segment struct {
	Audio  []byte
	Start  float64 // timestamp of the first frame, seconds
	End    float64 // end of the last frame, seconds
	Frames int
}

// Duration returns the segment length in seconds.
func (s Segment) Duration() float64 {
	return s.End - s.Start
}

// CollectorStats is a snapshot of a collector's current pass.
type CollectorStats struct {
	State           string  `json:"state"`
	WindowSize      int     `json:"window_size"`
	FramesProcessed uint64  `json:"frames_processed"`
	VoicedFrames    uint64  `json:"voiced_frames"`
	SegmentsEmitted uint64  `json:"segments_emitted"`
	BytesEmitted    uint64  `json:"bytes_emitted"`
	FramesBuffered  int     `json:"frames_buffered"` // frames held but not yet emitted
	LastFrameEnd    float64 `json:"last_frame_end"`
}

// Collector turns a stream of frames into speech segments. A Collector is
// not safe for concurrent use; give every stream its own instance.
type Collector struct {
	config     CollectorConfig
	classifier Classifier
	logger     *slog.Logger

	state  TriggerState
	ring   *ringBuffer
	voiced []Frame

	lastFrame Frame
	seenFrame bool

	framesProcessed uint64
	voicedFrames    uint64
	segmentsEmitted uint64
	bytesEmitted    uint64
}

// NewCollector creates a collector. A nil logger uses slog.Default().
func NewCollector(cfg CollectorConfig, classifier Classifier, logger *slog.Logger) (*Collector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if classifier == nil {
		return nil, fmt.Errorf("classifier cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Collector{
		config:     cfg,
		classifier: classifier,
		logger:     logger,
		state:      StateNotTriggered,
		ring:       newRingBuffer(cfg.WindowSize()),
	}, nil
}

// Config returns the collector configuration.
func (c *Collector) Config() CollectorConfig {
	return c.config
}

// State returns the current trigger state.
func (c *Collector) State() TriggerState {
	return c.state
}

// Push classifies one frame and advances the state machine. It returns a
// segment when the frame released the trigger.
func (c *Collector) Push(f Frame) (Segment, bool) {
	isSpeech := c.classifier.IsSpeech(f.Bytes, c.config.SampleRate)

	c.lastFrame = f
	c.seenFrame = true
	c.framesProcessed++
	if isSpeech {
		c.voicedFrames++
	}

	window := c.ring.capacity()

	if c.state == StateNotTriggered {
		c.ring.push(f, isSpeech)
		if exceedsThreshold(c.ring.voicedCount(), window) {
			c.state = StateTriggered
			c.logger.Debug("speech triggered",
				slog.Float64("timestamp", c.ring.oldest().Timestamp),
				slog.Int("buffered_frames", c.ring.len()),
			)
			c.voiced = c.ring.appendTo(c.voiced)
			c.ring.clear()
		}
		return Segment{}, false
	}

	c.voiced = append(c.voiced, f)
	c.ring.push(f, isSpeech)
	if exceedsThreshold(c.ring.unvoicedCount(), window) {
		c.logger.Debug("speech released", slog.Float64("timestamp", f.End()))
		c.state = StateNotTriggered
		seg := c.flush()
		c.ring.clear()
		return seg, true
	}
	return Segment{}, false
}

// Finish ends the pass. Speech still being collected is returned as a final
// segment even though no release condition was met.
func (c *Collector) Finish() (Segment, bool) {
	if c.state == StateTriggered && c.seenFrame {
		c.logger.Debug("speech released at end of input", slog.Float64("timestamp", c.lastFrame.End()))
	}
	c.state = StateNotTriggered
	c.ring.clear()

	if len(c.voiced) == 0 {
		return Segment{}, false
	}
	return c.flush(), true
}

// Reset discards all state, starting a new pass.
func (c *Collector) Reset() {
	c.state = StateNotTriggered
	c.ring.clear()
	clear(c.voiced)
	c.voiced = c.voiced[:0]
	c.lastFrame = Frame{}
	c.seenFrame = false
	c.framesProcessed = 0
	c.voicedFrames = 0
	c.segmentsEmitted = 0
	c.bytesEmitted = 0
}

// Collect runs a full pass over frames and yields segments lazily. Each
// iteration resets the collector first, so ranging twice over a restartable
// frame sequence produces the same segments. Stopping early abandons the
// buffered state.
func (c *Collector) Collect(frames iter.Seq[Frame]) iter.Seq[Segment] {
	return func(yield func(Segment) bool) {
		c.Reset()
		for f := range frames {
			if seg, ok := c.Push(f); ok {
				if !yield(seg) {
					return
				}
			}
		}
		if seg, ok := c.Finish(); ok {
			yield(seg)
		}
	}
}

// Stats returns a snapshot of the current pass.
func (c *Collector) Stats() CollectorStats {
	stats := CollectorStats{
		State:           c.state.String(),
		WindowSize:      c.ring.capacity(),
		FramesProcessed: c.framesProcessed,
		VoicedFrames:    c.voicedFrames,
		SegmentsEmitted: c.segmentsEmitted,
		BytesEmitted:    c.bytesEmitted,
		FramesBuffered:  c.ring.len(),
	}
	if c.state == StateTriggered {
		stats.FramesBuffered = len(c.voiced)
	}
	if c.seenFrame {
		stats.LastFrameEnd = c.lastFrame.End()
	}
	return stats
}

// flush concatenates the voiced frames into a segment and empties the buffer.
func (c *Collector) flush() Segment {
	size := 0
	for _, f := range c.voiced {
		size += len(f.Bytes)
	}

	audio := make([]byte, 0, size)
	for _, f := range c.voiced {
		audio = append(audio, f.Bytes...)
	}

	seg := Segment{
		Audio:  audio,
		Start:  c.voiced[0].Timestamp,
		End:    c.voiced[len(c.voiced)-1].End(),
		Frames: len(c.voiced),
	}

	clear(c.voiced)
	c.voiced = c.voiced[:0]

	c.segmentsEmitted++
	c.bytesEmitted += uint64(size)
	return seg
}

// exceedsThreshold reports count > 0.95*window in integer arithmetic.
func exceedsThreshold(count, window int) bool {
	return count*100 > window*triggerPercent
}

// Join concatenates segment audio in order.
func Join(segments []Segment) []byte {
	size := 0
	for _, s := range segments {
		size += len(s.Audio)
	}
	out := make([]byte, 0, size)
	for _, s := range segments {
		out = append(out, s.Audio...)
	}
	return out
}

// Desilence slices pcm, collects every speech segment and returns their
// concatenation along with the segments.
func Desilence(pcm []byte, cfg CollectorConfig, classifier Classifier, logger *slog.Logger) ([]byte, []Segment, error) {
	if len(pcm)%BytesPerSample != 0 {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrOddPCMLength, len(pcm))
	}

	collector, err := NewCollector(cfg, classifier, logger)
	if err != nil {
		return nil, nil, err
	}

	frames, err := Frames(pcm, cfg.SampleRate, cfg.FrameDurationMs)
	if err != nil {
		return nil, nil, err
	}

	var segments []Segment
	for seg := range collector.Collect(frames) {
		segments = append(segments, seg)
	}
	return Join(segments), segments, nil
}
