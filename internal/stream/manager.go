package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/podcast-desilence-service/internal/audio"
	"github.com/skypro1111/podcast-desilence-service/internal/desilence"
	"github.com/skypro1111/podcast-desilence-service/internal/library"
	"github.com/skypro1111/podcast-desilence-service/internal/metrics"
	"github.com/skypro1111/podcast-desilence-service/internal/protocol"
	"github.com/skypro1111/podcast-desilence-service/internal/vad"
)

// Reasons a session ends, used in logs and metrics.
const (
	ReasonEnded    = "ended"
	ReasonTimeout  = "timeout"
	ReasonShutdown = "shutdown"
)

const (
	sourceStream           = "stream"
	defaultCleanupInterval = 30 * time.Second
)

var (
	ErrSessionNotFound = errors.New("stream session not found")
	ErrSessionClosed   = errors.New("stream session closed")
	ErrTooManySessions = errors.New("too many concurrent streams")
)

// EpisodeStore persists finished recordings.
type EpisodeStore interface {
	Save(ep library.Episode, pcm []byte) (*library.Episode, error)
}

// Config holds the segmentation and limit settings applied to every session.
type Config struct {
	FrameDurationMs   int
	PaddingDurationMs int
	Classifier        vad.ClassifierFactory
	MaxSessions       int           // 0 means unlimited
	MaxGap            uint32        // reorder window in packets, 0 uses audio.DefaultMaxGap
	CleanupInterval   time.Duration // 0 uses 30s
}

// Session is one live stream being segmented as its packets arrive.
type Session struct {
	ID           uint32
	Title        string
	Show         string
	SampleRate   int
	RecordedAt   time.Time
	StartTime    time.Time
	LastActivity time.Time

	buffer    *audio.Buffer
	slicer    *vad.Slicer
	collector *vad.Collector

	segments      []vad.Segment
	receivedBytes int
	lostPackets   uint32
	closed        bool

	mu sync.Mutex
}

// SessionInfo is a snapshot of a session for monitoring and APIs.
type SessionInfo struct {
	StreamID        uint32            `json:"stream_id"`
	Title           string            `json:"title"`
	Show            string            `json:"show,omitempty"`
	SampleRate      int               `json:"sample_rate"`
	StartTime       time.Time         `json:"start_time"`
	LastActivity    time.Time         `json:"last_activity"`
	Duration        time.Duration     `json:"duration"`
	State           string            `json:"state"`
	AudioSeconds    float64           `json:"audio_seconds"`
	FramesProcessed uint64            `json:"frames_processed"`
	VoicedFrames    uint64            `json:"voiced_frames"`
	Segments        int               `json:"segments"`
	SpeechSeconds   float64           `json:"speech_seconds"`
	Buffer          audio.BufferStats `json:"buffer"`
}

// ManagerStats are lifetime counters of the manager.
type ManagerStats struct {
	ActiveSessions   int    `json:"active_sessions"`
	SessionsCreated  uint64 `json:"sessions_created"`
	SessionsRejected uint64 `json:"sessions_rejected"`
	EpisodesSaved    uint64 `json:"episodes_saved"`
	SaveErrors       uint64 `json:"save_errors"`
}

// Manager manages all active stream sessions.
type Manager struct {
	sessions map[uint32]*Session
	mu       sync.RWMutex
	logger   *slog.Logger
	timeout  time.Duration
	config   Config
	store    EpisodeStore
	metrics  *metrics.Metrics

	sessionsCreated  uint64
	sessionsRejected uint64
	episodesSaved    uint64
	saveErrors       uint64
	statsMu          sync.Mutex

	ctx      context.Context
	cancel   context.CancelFunc
	cleanup  chan struct{}
	stopOnce sync.Once
}

// NewManager creates a stream manager and starts its cleanup routine.
func NewManager(logger *slog.Logger, timeout time.Duration, config Config, store EpisodeStore, m *metrics.Metrics) (*Manager, error) {
	if config.Classifier == nil {
		return nil, errors.New("classifier factory is required")
	}
	if store == nil {
		return nil, errors.New("episode store is required")
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("stream timeout must be positive, got %v", timeout)
	}
	// Validate frame and padding once so session creation can only fail on
	// per-stream input.
	probe := vad.CollectorConfig{
		SampleRate:        8000,
		FrameDurationMs:   config.FrameDurationMs,
		PaddingDurationMs: config.PaddingDurationMs,
	}
	if err := probe.Validate(); err != nil {
		return nil, fmt.Errorf("invalid segmentation config: %w", err)
	}
	if config.MaxGap == 0 {
		config.MaxGap = audio.DefaultMaxGap
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = defaultCleanupInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	mgr := &Manager{
		sessions: make(map[uint32]*Session),
		logger:   logger,
		timeout:  timeout,
		config:   config,
		store:    store,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
		cleanup:  make(chan struct{}),
	}

	go mgr.startCleanupRoutine()

	return mgr, nil
}

// CreateSession opens a session for a Start packet. A repeated Start for a
// live stream updates its metadata.
func (m *Manager) CreateSession(streamID uint32, start *protocol.StartPayload) (*Session, error) {
	sampleRate := int(start.SampleRate)

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, exists := m.sessions[streamID]; exists {
		existing.mu.Lock()
		defer existing.mu.Unlock()

		if existing.SampleRate != sampleRate {
			return nil, fmt.Errorf("stream %d already open at %d Hz, got %d Hz", streamID, existing.SampleRate, sampleRate)
		}

		m.logger.Warn("Session already exists, updating metadata",
			slog.Uint64("stream_id", uint64(streamID)),
			slog.String("existing_title", existing.Title),
			slog.String("new_title", start.GetTitle()),
		)
		existing.Title = start.GetTitle()
		existing.Show = start.GetShow()
		existing.LastActivity = time.Now()
		return existing, nil
	}

	if m.config.MaxSessions > 0 && len(m.sessions) >= m.config.MaxSessions {
		m.countRejected()
		return nil, fmt.Errorf("%w: limit is %d", ErrTooManySessions, m.config.MaxSessions)
	}

	session, err := m.newSession(streamID, start)
	if err != nil {
		m.countRejected()
		return nil, err
	}
	m.sessions[streamID] = session

	m.statsMu.Lock()
	m.sessionsCreated++
	m.statsMu.Unlock()
	m.metrics.RecordStreamCreated()
	m.metrics.SetActiveStreams(len(m.sessions))

	m.logger.Info("Created new stream session",
		slog.Uint64("stream_id", uint64(streamID)),
		slog.String("title", session.Title),
		slog.String("show", session.Show),
		slog.Int("sample_rate", sampleRate),
	)

	return session, nil
}

func (m *Manager) newSession(streamID uint32, start *protocol.StartPayload) (*Session, error) {
	sampleRate := int(start.SampleRate)
	if err := vad.ValidateSampleRate(sampleRate); err != nil {
		return nil, fmt.Errorf("stream %d: %w", streamID, err)
	}

	slicer, err := vad.NewSlicer(sampleRate, m.config.FrameDurationMs)
	if err != nil {
		return nil, err
	}

	classifier, err := m.config.Classifier(sampleRate, m.config.FrameDurationMs)
	if err != nil {
		return nil, fmt.Errorf("failed to create classifier: %w", err)
	}

	cfg := vad.CollectorConfig{
		SampleRate:        sampleRate,
		FrameDurationMs:   m.config.FrameDurationMs,
		PaddingDurationMs: m.config.PaddingDurationMs,
	}
	collector, err := vad.NewCollector(cfg, desilence.Metered(classifier, m.metrics),
		m.logger.With(slog.Uint64("stream_id", uint64(streamID))))
	if err != nil {
		return nil, err
	}

	buffer := audio.NewBuffer(streamID, sampleRate)
	buffer.SetMaxGap(m.config.MaxGap)

	now := time.Now()
	recordedAt := now.UTC()
	if start.Timestamp != 0 {
		recordedAt = time.Unix(int64(start.Timestamp), 0).UTC()
	}

	return &Session{
		ID:           streamID,
		Title:        start.GetTitle(),
		Show:         start.GetShow(),
		SampleRate:   sampleRate,
		RecordedAt:   recordedAt,
		StartTime:    now,
		LastActivity: now,
		buffer:       buffer,
		slicer:       slicer,
		collector:    collector,
	}, nil
}

// AddAudio feeds one Audio packet to its session. Segments are cut as soon
// as the collector releases them.
func (m *Manager) AddAudio(streamID, sequence uint32, data []byte) error {
	session, ok := m.GetSession(streamID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrSessionNotFound, streamID)
	}

	lost, err := session.addAudio(sequence, data, m.metrics)
	if lost > 0 {
		m.metrics.RecordPacketsLost(lost)
		m.logger.Warn("Packets lost",
			slog.Uint64("stream_id", uint64(streamID)),
			slog.Int("count", lost),
		)
	}
	return err
}

// EndSession finalizes a stream after its End packet and returns the saved
// episode, or nil when the stream held no speech.
func (m *Manager) EndSession(streamID, lastSequence uint32) (*library.Episode, error) {
	session, ok := m.detach(streamID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrSessionNotFound, streamID)
	}

	if last := session.buffer.GetLastSequence(); last != lastSequence {
		m.logger.Debug("End packet sequence differs from last received",
			slog.Uint64("stream_id", uint64(streamID)),
			slog.Uint64("end_sequence", uint64(lastSequence)),
			slog.Uint64("last_sequence", uint64(last)),
		)
	}

	return m.finalize(session, ReasonEnded)
}

// GetSession retrieves an existing stream session.
func (m *Manager) GetSession(streamID uint32) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[streamID]
	return session, exists
}

// UpdateActivity marks a stream as alive.
func (m *Manager) UpdateActivity(streamID uint32) {
	session, exists := m.GetSession(streamID)
	if !exists {
		m.logger.Warn("Attempted to update activity for non-existent stream",
			slog.Uint64("stream_id", uint64(streamID)),
		)
		return
	}

	session.mu.Lock()
	session.LastActivity = time.Now()
	session.mu.Unlock()
}

// GetActiveSessionCount returns the number of currently active sessions.
func (m *Manager) GetActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// GetAllSessions returns a snapshot of all active sessions.
func (m *Manager) GetAllSessions() []SessionInfo {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		infos = append(infos, session.GetSessionInfo())
	}
	return infos
}

// GetStats returns lifetime manager counters.
func (m *Manager) GetStats() ManagerStats {
	active := m.GetActiveSessionCount()

	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return ManagerStats{
		ActiveSessions:   active,
		SessionsCreated:  m.sessionsCreated,
		SessionsRejected: m.sessionsRejected,
		EpisodesSaved:    m.episodesSaved,
		SaveErrors:       m.saveErrors,
	}
}

// Stop halts the cleanup routine and finalizes every open session. Calls
// after the first are no-ops.
func (m *Manager) Stop() {
	m.stopOnce.Do(m.stop)
}

func (m *Manager) stop() {
	m.logger.Info("Stopping stream manager...")

	m.cancel()
	<-m.cleanup

	m.mu.Lock()
	remaining := make([]*Session, 0, len(m.sessions))
	for id, session := range m.sessions {
		remaining = append(remaining, session)
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	m.metrics.SetActiveStreams(0)

	for _, session := range remaining {
		if _, err := m.finalize(session, ReasonShutdown); err != nil {
			m.logger.Error("Failed to finalize stream on shutdown",
				slog.Uint64("stream_id", uint64(session.ID)),
				slog.String("error", err.Error()),
			)
		}
	}

	stats := m.GetStats()
	m.logger.Info("Stream manager stopped",
		slog.Int("finalized_sessions", len(remaining)),
		slog.Uint64("total_sessions", stats.SessionsCreated),
		slog.Uint64("episodes_saved", stats.EpisodesSaved),
	)
}

func (m *Manager) countRejected() {
	m.statsMu.Lock()
	m.sessionsRejected++
	m.statsMu.Unlock()
}

// detach removes a session from the map without finalizing it.
func (m *Manager) detach(streamID uint32) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.sessions[streamID]
	if !exists {
		return nil, false
	}
	delete(m.sessions, streamID)
	m.metrics.SetActiveStreams(len(m.sessions))
	return session, true
}

// finalize flushes a detached session and saves what it collected.
func (m *Manager) finalize(session *Session, reason string) (*library.Episode, error) {
	segments, inputSeconds, lost := session.close(m.metrics)
	if lost > 0 {
		m.metrics.RecordPacketsLost(lost)
	}
	lifetime := time.Since(session.StartTime)
	m.metrics.RecordStreamDestroyed(reason, lifetime.Seconds())

	logger := m.logger.With(
		slog.Uint64("stream_id", uint64(session.ID)),
		slog.String("reason", reason),
	)

	if len(segments) == 0 {
		m.metrics.RecordJob(sourceStream, "empty", lifetime.Seconds(), 1)
		logger.Info("Stream closed without speech",
			slog.Float64("input_seconds", inputSeconds),
		)
		return nil, nil
	}

	pcm := vad.Join(segments)
	spans := make([]library.Span, len(segments))
	for i, s := range segments {
		spans[i] = library.Span{Start: s.Start, End: s.End}
	}

	ep, err := m.store.Save(library.Episode{
		Title:         session.Title,
		Show:          session.Show,
		Source:        sourceStream,
		CreatedAt:     session.RecordedAt,
		SampleRate:    session.SampleRate,
		InputDuration: inputSeconds,
		Segments:      spans,
	}, pcm)

	m.statsMu.Lock()
	if err != nil {
		m.saveErrors++
	} else {
		m.episodesSaved++
	}
	m.statsMu.Unlock()

	if err != nil {
		m.metrics.RecordJob(sourceStream, "error", lifetime.Seconds(), 0)
		return nil, fmt.Errorf("failed to save stream %d: %w", session.ID, err)
	}

	outputSeconds := float64(len(pcm)/vad.BytesPerSample) / float64(session.SampleRate)
	removed := 0.0
	if inputSeconds > 0 {
		removed = 1 - outputSeconds/inputSeconds
	}
	m.metrics.RecordJob(sourceStream, "success", lifetime.Seconds(), removed)

	logger.Info("Stream finalized",
		slog.String("episode_id", ep.ID),
		slog.Int("segments", len(segments)),
		slog.Float64("input_seconds", inputSeconds),
		slog.Float64("output_seconds", outputSeconds),
	)
	return ep, nil
}

// startCleanupRoutine runs in a separate goroutine to finalize idle sessions.
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	m.logger.Info("Stream cleanup routine started",
		slog.Duration("timeout", m.timeout),
		slog.Duration("check_interval", m.config.CleanupInterval),
	)

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("Stream cleanup routine stopping")
			return

		case <-ticker.C:
			m.cleanupExpiredSessions()
		}
	}
}

// cleanupExpiredSessions finalizes sessions that have been inactive for too long.
func (m *Manager) cleanupExpiredSessions() {
	now := time.Now()
	expired := make([]uint32, 0)

	m.mu.RLock()
	for streamID, session := range m.sessions {
		session.mu.Lock()
		lastActivity := session.LastActivity
		session.mu.Unlock()

		if now.Sub(lastActivity) > m.timeout {
			expired = append(expired, streamID)
		}
	}
	m.mu.RUnlock()

	if len(expired) == 0 {
		return
	}

	m.logger.Info("Cleaning up expired sessions",
		slog.Int("expired_count", len(expired)),
	)
	for _, streamID := range expired {
		session, ok := m.detach(streamID)
		if !ok {
			continue
		}
		if _, err := m.finalize(session, ReasonTimeout); err != nil {
			m.logger.Error("Failed to finalize expired stream",
				slog.Uint64("stream_id", uint64(streamID)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// addAudio buffers a packet and pushes any newly contiguous frames through
// the collector. It returns how many packets the buffer gave up on.
func (s *Session) addAudio(sequence uint32, data []byte, m *metrics.Metrics) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, fmt.Errorf("%w: %d", ErrSessionClosed, s.ID)
	}
	s.LastActivity = time.Now()

	if err := s.buffer.AddAudioData(sequence, data); err != nil {
		return 0, err
	}
	s.push(s.buffer.Drain(), m)
	return s.takeLost(), nil
}

// close flushes everything still buffered and finishes the collector.
func (s *Session) close(m *metrics.Metrics) ([]vad.Segment, float64, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, 0, 0
	}
	s.closed = true

	s.push(s.buffer.Flush(), m)
	if seg, ok := s.collector.Finish(); ok {
		s.segments = append(s.segments, seg)
		m.RecordSegment(seg.Duration())
	}

	inputSeconds := float64(s.receivedBytes/vad.BytesPerSample) / float64(s.SampleRate)
	return s.segments, inputSeconds, s.takeLost()
}

// push must be called with s.mu held.
func (s *Session) push(pcm []byte, m *metrics.Metrics) {
	if len(pcm) == 0 {
		return
	}
	s.receivedBytes += len(pcm)
	for _, frame := range s.slicer.Write(pcm) {
		if seg, ok := s.collector.Push(frame); ok {
			s.segments = append(s.segments, seg)
			m.RecordSegment(seg.Duration())
		}
	}
}

// takeLost must be called with s.mu held.
func (s *Session) takeLost() int {
	lost := s.buffer.GetStats().LostPackets
	delta := lost - s.lostPackets
	s.lostPackets = lost
	return int(delta)
}

// GetSessionInfo returns a snapshot of the session.
func (s *Session) GetSessionInfo() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.collector.Stats()
	speech := 0.0
	for _, seg := range s.segments {
		speech += seg.Duration()
	}

	return SessionInfo{
		StreamID:        s.ID,
		Title:           s.Title,
		Show:            s.Show,
		SampleRate:      s.SampleRate,
		StartTime:       s.StartTime,
		LastActivity:    s.LastActivity,
		Duration:        time.Since(s.StartTime),
		State:           stats.State,
		AudioSeconds:    float64(s.receivedBytes/vad.BytesPerSample) / float64(s.SampleRate),
		FramesProcessed: stats.FramesProcessed,
		VoicedFrames:    stats.VoicedFrames,
		Segments:        len(s.segments),
		SpeechSeconds:   speech,
		Buffer:          s.buffer.GetStats(),
	}
}
