package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/podcast-desilence-service/internal/config"
	"github.com/skypro1111/podcast-desilence-service/internal/desilence"
)

const outputSuffix = "_desilenced"

var errUsage = errors.New("no input files")

// job is one input file and where its result goes.
type job struct {
	in, out string
}

// options is the parsed command line.
type options struct {
	cfg  *config.Config
	jobs []job
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	opts, err := parseArgs(args, os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
		return 2
	}
	cfg := opts.cfg

	logger, logCloser := cfg.Logging.NewLogger()
	defer logCloser.Close()

	factory, err := cfg.VAD.ClassifierFactory()
	if err != nil {
		logger.Error("Failed to create classifier", slog.String("error", err.Error()))
		return 1
	}

	processor, err := desilence.NewProcessor(desilence.Options{
		FrameDurationMs:   cfg.Audio.FrameDurationMs,
		PaddingDurationMs: cfg.Audio.PaddingDurationMs,
		Classifier:        factory,
		Source:            "cli",
	}, logger, nil)
	if err != nil {
		logger.Error("Invalid processing options", slog.String("error", err.Error()))
		return 1
	}

	for _, j := range opts.jobs {
		if err := os.MkdirAll(filepath.Dir(j.out), 0755); err != nil {
			logger.Error("Failed to create output directory", slog.String("error", err.Error()))
			return 1
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var failed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Library.MaxConcurrentJobs)

	for _, j := range opts.jobs {
		g.Go(func() error {
			// One bad file does not stop the batch.
			result, err := processor.ProcessFile(gctx, j.in, j.out)
			if err != nil {
				failed.Add(1)
				logger.Error("Failed to process file",
					slog.String("input", j.in),
					slog.String("error", err.Error()),
				)
				return nil
			}

			logger.Info("File processed",
				slog.String("input", j.in),
				slog.String("output", j.out),
				slog.Int("segments", len(result.Segments)),
				slog.Float64("input_seconds", result.InputDuration),
				slog.Float64("output_seconds", result.OutputDuration),
				slog.Float64("removed_ratio", result.RemovedRatio()),
			)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		logger.Warn("Interrupted")
		return 130
	}
	if n := failed.Load(); n > 0 {
		logger.Error("Some files failed", slog.Int("failed", int(n)), slog.Int("total", len(opts.jobs)))
		return 1
	}
	return 0
}

// parseArgs builds the configuration from an optional file plus explicit
// flags, and plans one output per input.
func parseArgs(args []string, stderr io.Writer) (*options, error) {
	defaults := config.Default()

	fs := flag.NewFlagSet("desilence", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Optional configuration file; flags override it")
	outDir := fs.String("o", "", "Output directory (default: next to each input)")
	frameMs := fs.Int("frame", defaults.Audio.FrameDurationMs, "Frame duration in ms (10, 20 or 30)")
	paddingMs := fs.Int("padding", defaults.Audio.PaddingDurationMs, "Padding window in ms")
	aggressiveness := fs.Int("aggressiveness", defaults.VAD.Aggressiveness, "Classifier aggressiveness 0-3")
	classifier := fs.String("classifier", defaults.VAD.Classifier, "Frame classifier: webrtc or energy")
	jobs := fs.Int("j", defaults.Library.MaxConcurrentJobs, "Files processed concurrently")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: desilence [flags] file.wav...\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return nil, errUsage
	}

	cfg := defaults
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = loaded
	}

	// Explicit flags win over the file.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "frame":
			cfg.Audio.FrameDurationMs = *frameMs
		case "padding":
			cfg.Audio.PaddingDurationMs = *paddingMs
		case "aggressiveness":
			cfg.VAD.Aggressiveness = *aggressiveness
		case "classifier":
			cfg.VAD.Classifier = *classifier
		case "j":
			cfg.Library.MaxConcurrentJobs = *jobs
		}
	})
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	planned, err := planJobs(fs.Args(), *outDir)
	if err != nil {
		return nil, err
	}
	return &options{cfg: cfg, jobs: planned}, nil
}

// planJobs assigns every input its output path and refuses plans where two
// jobs would write the same file or a job would overwrite any input.
func planJobs(inputs []string, dir string) ([]job, error) {
	inputSet := make(map[string]string, len(inputs))
	for _, in := range inputs {
		abs, err := filepath.Abs(in)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", in, err)
		}
		if prev, dup := inputSet[abs]; dup {
			return nil, fmt.Errorf("%s and %s are the same file", prev, in)
		}
		inputSet[abs] = in
	}

	outputs := make(map[string]string, len(inputs))
	planned := make([]job, 0, len(inputs))
	for _, in := range inputs {
		out := outputPath(in, dir)
		abs, err := filepath.Abs(out)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", out, err)
		}
		if src, clash := inputSet[abs]; clash {
			return nil, fmt.Errorf("output %s for %s would overwrite input %s", out, in, src)
		}
		if prev, clash := outputs[abs]; clash {
			return nil, fmt.Errorf("%s and %s would both write %s", prev, in, out)
		}
		outputs[abs] = in
		planned = append(planned, job{in: in, out: out})
	}
	return planned, nil
}

// outputPath names the result <name>_desilenced<ext>, in dir or next to the
// input when dir is empty.
func outputPath(in, dir string) string {
	base := filepath.Base(in)
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext) + outputSuffix + ext
	if dir == "" {
		dir = filepath.Dir(in)
	}
	return filepath.Join(dir, name)
}
