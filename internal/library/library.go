package library

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/podcast-desilence-service/internal/audio"
	"github.com/skypro1111/podcast-desilence-service/internal/metrics"
)

const (
	audioExt    = ".wav"
	metadataExt = ".json"

	subscriberBuffer = 32
)

var (
	ErrNotFound  = errors.New("episode not found")
	ErrInvalidID = errors.New("invalid episode id")
)

// Span is the position of one kept speech segment in the source audio, in
// seconds.
type Span struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Episode is the metadata of one stored recording.
type Episode struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Show          string    `json:"show,omitempty"`
	Source        string    `json:"source"`
	CreatedAt     time.Time `json:"created_at"`
	SampleRate    int       `json:"sample_rate"`
	InputDuration float64   `json:"input_duration_seconds"`
	Duration      float64   `json:"duration_seconds"`
	SizeBytes     int64     `json:"size_bytes"`
	Segments      []Span    `json:"segments"`
}

// EventType identifies a library change.
type EventType string

const (
	EventAdded   EventType = "episode_added"
	EventDeleted EventType = "episode_deleted"
)

// Event is published to subscribers on every change.
type Event struct {
	Type    EventType `json:"type"`
	Episode Episode   `json:"episode"`
	Time    time.Time `json:"time"`
}

// Library is an on-disk episode store. It is safe for concurrent use.
type Library struct {
	dir     string
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	episodes map[string]*Episode

	subMu       sync.Mutex
	subscribers map[int]chan Event
	nextSubID   int
}

// Open creates dir if needed and loads the metadata of every stored episode.
// Unreadable metadata files are logged and skipped.
func Open(dir string, logger *slog.Logger, m *metrics.Metrics) (*Library, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create library directory %s: %w", dir, err)
	}

	lib := &Library{
		dir:         dir,
		logger:      logger,
		metrics:     m,
		episodes:    make(map[string]*Episode),
		subscribers: make(map[int]chan Event),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read library directory %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != metadataExt {
			continue
		}
		ep, err := lib.loadMetadata(filepath.Join(dir, entry.Name()))
		if err != nil {
			logger.Warn("Skipping episode metadata",
				slog.String("file", entry.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		lib.episodes[ep.ID] = ep
	}

	m.SetEpisodes(len(lib.episodes))
	logger.Info("Library opened",
		slog.String("dir", dir),
		slog.Int("episodes", len(lib.episodes)),
	)

	return lib, nil
}

func (l *Library) loadMetadata(path string) (*Episode, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var ep Episode
	if err := json.Unmarshal(data, &ep); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}

	wantID := strings.TrimSuffix(filepath.Base(path), metadataExt)
	if ep.ID != wantID {
		return nil, fmt.Errorf("metadata id %q does not match file name", ep.ID)
	}
	if _, err := os.Stat(l.audioPath(ep.ID)); err != nil {
		return nil, fmt.Errorf("missing audio: %w", err)
	}

	return &ep, nil
}

// Dir returns the storage directory.
func (l *Library) Dir() string {
	return l.dir
}

// Save stores pcm (mono 16-bit at ep.SampleRate) as a new episode. ID,
// CreatedAt, Duration and SizeBytes are filled in.
func (l *Library) Save(ep Episode, pcm []byte) (*Episode, error) {
	if ep.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", ep.SampleRate)
	}

	ep.ID = uuid.NewString()
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = time.Now().UTC()
	}
	if ep.Title == "" {
		ep.Title = "Untitled " + ep.CreatedAt.Format(time.DateTime)
	}
	ep.Duration = float64(len(pcm)/2) / float64(ep.SampleRate)
	ep.Segments = slices.Clone(ep.Segments)

	audioPath := l.audioPath(ep.ID)
	if err := writeAtomic(audioPath, func(tmp string) error {
		return audio.WriteWAVFile(tmp, pcm, ep.SampleRate)
	}); err != nil {
		return nil, fmt.Errorf("failed to store audio: %w", err)
	}

	info, err := os.Stat(audioPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat stored audio: %w", err)
	}
	ep.SizeBytes = info.Size()

	data, err := json.MarshalIndent(ep, "", "  ")
	if err != nil {
		os.Remove(audioPath)
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := writeAtomic(l.metadataPath(ep.ID), func(tmp string) error {
		return os.WriteFile(tmp, data, 0644)
	}); err != nil {
		os.Remove(audioPath)
		return nil, fmt.Errorf("failed to store metadata: %w", err)
	}

	l.mu.Lock()
	stored := ep
	l.episodes[ep.ID] = &stored
	count := len(l.episodes)
	l.mu.Unlock()

	l.metrics.SetEpisodes(count)
	l.logger.Info("Episode saved",
		slog.String("id", ep.ID),
		slog.String("title", ep.Title),
		slog.String("source", ep.Source),
		slog.Float64("duration_seconds", ep.Duration),
		slog.Int("segments", len(ep.Segments)),
	)
	l.publish(Event{Type: EventAdded, Episode: ep, Time: time.Now()})

	return &ep, nil
}

// List returns all episodes, newest first.
func (l *Library) List() []Episode {
	l.mu.RLock()
	list := make([]Episode, 0, len(l.episodes))
	for _, ep := range l.episodes {
		list = append(list, *ep)
	}
	l.mu.RUnlock()

	slices.SortFunc(list, func(a, b Episode) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return list
}

// Count returns the number of stored episodes.
func (l *Library) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.episodes)
}

// Get returns the metadata of one episode.
func (l *Library) Get(id string) (*Episode, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	ep, ok := l.episodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	result := *ep
	return &result, nil
}

// AudioPath returns the WAV file of an episode.
func (l *Library) AudioPath(id string) (string, error) {
	if _, err := l.Get(id); err != nil {
		return "", err
	}
	return l.audioPath(id), nil
}

// Delete removes an episode and its files.
func (l *Library) Delete(id string) error {
	if err := validateID(id); err != nil {
		return err
	}

	l.mu.Lock()
	ep, ok := l.episodes[id]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(l.episodes, id)
	count := len(l.episodes)
	l.mu.Unlock()

	var errs []error
	for _, path := range []string{l.metadataPath(id), l.audioPath(id)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}

	l.metrics.SetEpisodes(count)
	l.logger.Info("Episode deleted", slog.String("id", id))
	l.publish(Event{Type: EventDeleted, Episode: *ep, Time: time.Now()})

	return errors.Join(errs...)
}

// Subscribe registers for library events. The returned function unsubscribes
// and closes the channel. Events are dropped for subscribers that fall behind.
func (l *Library) Subscribe() (<-chan Event, func()) {
	l.subMu.Lock()
	defer l.subMu.Unlock()

	id := l.nextSubID
	l.nextSubID++
	ch := make(chan Event, subscriberBuffer)
	l.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.subMu.Lock()
			defer l.subMu.Unlock()
			delete(l.subscribers, id)
			close(ch)
		})
	}
}

func (l *Library) publish(ev Event) {
	l.subMu.Lock()
	defer l.subMu.Unlock()

	for id, ch := range l.subscribers {
		select {
		case ch <- ev:
		default:
			l.logger.Warn("Dropping library event for slow subscriber",
				slog.Int("subscriber", id),
				slog.String("type", string(ev.Type)),
			)
		}
	}
}

func (l *Library) audioPath(id string) string {
	return filepath.Join(l.dir, id+audioExt)
}

func (l *Library) metadataPath(id string) string {
	return filepath.Join(l.dir, id+metadataExt)
}

func validateID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// writeAtomic lets write fill a temporary file, then renames it to path.
func writeAtomic(path string, write func(tmp string) error) error {
	tmp := path + ".tmp"
	if err := write(tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
