package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/semaphore"

	"github.com/skypro1111/podcast-desilence-service/internal/desilence"
	"github.com/skypro1111/podcast-desilence-service/internal/library"
)

const (
	sourceInbox = "inbox"

	doneDir   = "done"
	failedDir = "failed"
)

// EpisodeStore persists processed recordings.
type EpisodeStore interface {
	Save(ep library.Episode, pcm []byte) (*library.Episode, error)
}

// Config controls where and how fast files are picked up.
type Config struct {
	InboxDir          string
	MaxConcurrentJobs int
	// SettleDelay is how long a file must stay unchanged before it is
	// processed, so half-copied uploads are not read.
	SettleDelay time.Duration
}

// Watcher de-silences WAV files dropped into an inbox directory and stores
// them in the library. Processed files move to done/, broken ones to failed/.
type Watcher struct {
	config    Config
	processor *desilence.Processor
	store     EpisodeStore
	logger    *slog.Logger
	sem       *semaphore.Weighted

	mu       sync.Mutex
	timers   map[string]*time.Timer
	inflight map[string]bool
	closed   bool
	jobs     sync.WaitGroup
}

// New prepares the inbox and its done/ and failed/ subdirectories.
func New(cfg Config, processor *desilence.Processor, store EpisodeStore, logger *slog.Logger) (*Watcher, error) {
	if cfg.InboxDir == "" {
		return nil, errors.New("inbox directory is required")
	}
	if cfg.MaxConcurrentJobs < 1 {
		return nil, fmt.Errorf("max concurrent jobs must be at least 1, got %d", cfg.MaxConcurrentJobs)
	}
	if processor == nil || store == nil {
		return nil, errors.New("processor and store are required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	for _, dir := range []string{cfg.InboxDir, filepath.Join(cfg.InboxDir, doneDir), filepath.Join(cfg.InboxDir, failedDir)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	return &Watcher{
		config:    cfg,
		processor: processor,
		store:     store,
		logger:    logger,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrentJobs)),
		timers:    make(map[string]*time.Timer),
		inflight:  make(map[string]bool),
	}, nil
}

// Run watches the inbox until ctx is canceled, then waits for running jobs.
// Files already in the inbox are queued on start.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			w.logger.Warn("Failed to close file watcher", slog.String("error", err.Error()))
		}
	}()

	if err := watcher.Add(w.config.InboxDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.config.InboxDir, err)
	}

	w.logger.Info("Inbox watcher started",
		slog.String("inbox", w.config.InboxDir),
		slog.Int("max_concurrent_jobs", w.config.MaxConcurrentJobs),
		slog.Duration("settle_delay", w.config.SettleDelay),
	)

	if err := w.scanExisting(ctx); err != nil {
		w.logger.Warn("Failed to scan inbox", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			w.logger.Info("Inbox watcher stopped")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				w.shutdown()
				return errors.New("file watcher closed")
			}
			if !isWAV(event.Name) || filepath.Dir(event.Name) != filepath.Clean(w.config.InboxDir) {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				w.schedule(ctx, event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				w.shutdown()
				return errors.New("file watcher closed")
			}
			w.logger.Warn("File watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) scanExisting(ctx context.Context) error {
	entries, err := os.ReadDir(w.config.InboxDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.Type().IsRegular() && isWAV(entry.Name()) {
			w.schedule(ctx, filepath.Join(w.config.InboxDir, entry.Name()))
		}
	}
	return nil
}

// schedule (re)starts the settle timer of path. Every write pushes the job
// further out.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed || w.inflight[path] {
		return
	}
	if t, ok := w.timers[path]; ok {
		t.Reset(w.config.SettleDelay)
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(w.config.SettleDelay, func() {
		w.mu.Lock()
		// A Reset racing with expiry can fire twice; only the first counts.
		if w.closed || w.timers[path] != timer {
			w.mu.Unlock()
			return
		}
		delete(w.timers, path)
		w.inflight[path] = true
		w.jobs.Add(1)
		w.mu.Unlock()

		go func() {
			defer w.jobs.Done()
			defer func() {
				w.mu.Lock()
				delete(w.inflight, path)
				w.mu.Unlock()
			}()

			if _, err := w.ProcessFile(ctx, path); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Error("Inbox job failed",
					slog.String("file", path),
					slog.String("error", err.Error()),
				)
			}
		}()
	})
	w.timers[path] = timer
}

func (w *Watcher) shutdown() {
	w.mu.Lock()
	w.closed = true
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
	w.mu.Unlock()

	w.jobs.Wait()
}

// ProcessFile de-silences one file, saves it and moves the source out of the
// inbox. It returns nil without an episode when the file holds no speech.
func (w *Watcher) ProcessFile(ctx context.Context, path string) (*library.Episode, error) {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer w.sem.Release(1)

	logger := w.logger.With(slog.String("file", filepath.Base(path)))
	start := time.Now()

	ep, err := w.process(ctx, path)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		if moveErr := w.move(path, failedDir); moveErr != nil {
			logger.Warn("Failed to move file to failed/", slog.String("error", moveErr.Error()))
		}
		return nil, err
	}

	if err := w.move(path, doneDir); err != nil {
		logger.Warn("Failed to move file to done/", slog.String("error", err.Error()))
	}

	attrs := []any{slog.Duration("elapsed", time.Since(start))}
	if ep != nil {
		attrs = append(attrs, slog.String("episode_id", ep.ID), slog.Float64("duration_seconds", ep.Duration))
	}
	logger.Info("Inbox file processed", attrs...)

	return ep, nil
}

func (w *Watcher) process(ctx context.Context, path string) (*library.Episode, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	result, err := w.processor.Process(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to process %s: %w", path, err)
	}

	if len(result.Segments) == 0 {
		w.logger.Info("No speech found, nothing saved",
			slog.String("file", filepath.Base(path)),
			slog.Float64("input_seconds", result.InputDuration),
		)
		return nil, nil
	}

	title := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	ep, err := w.store.Save(result.Episode(title, "", sourceInbox), result.Audio)
	if err != nil {
		return nil, fmt.Errorf("failed to save %s: %w", path, err)
	}
	return ep, nil
}

// move renames path into the named inbox subdirectory, adding a timestamp
// when a file of the same name is already there.
func (w *Watcher) move(path, subdir string) error {
	target := filepath.Join(w.config.InboxDir, subdir, filepath.Base(path))
	if _, err := os.Stat(target); err == nil {
		ext := filepath.Ext(target)
		target = fmt.Sprintf("%s-%d%s", strings.TrimSuffix(target, ext), time.Now().UnixNano(), ext)
	}
	return os.Rename(path, target)
}

func isWAV(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".wav")
}
