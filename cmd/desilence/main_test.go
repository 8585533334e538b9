package main

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/skypro1111/podcast-desilence-service/internal/vad"
)

func TestOutputPath(t *testing.T) {
	tests := []struct {
		name string
		in   string
		dir  string
		want string
	}{
		{name: "next to input", in: filepath.Join("shows", "ep1.wav"), want: filepath.Join("shows", "ep1_desilenced.wav")},
		{name: "no extension", in: "raw", want: "raw_desilenced"},
		{name: "output directory", in: filepath.Join("shows", "ep1.wav"), dir: "out", want: filepath.Join("out", "ep1_desilenced.wav")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := outputPath(tt.in, tt.dir); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestPlanJobs(t *testing.T) {
	tests := []struct {
		name     string
		inputs   []string
		dir      string
		errorMsg string
	}{
		{name: "distinct names", inputs: []string{"a/ep1.wav", "a/ep2.wav"}, dir: "out"},
		{name: "same name in different directories", inputs: []string{"a/ep.wav", "b/ep.wav"}},
		{name: "same name into one directory", inputs: []string{"a/ep.wav", "b/ep.wav"}, dir: "out", errorMsg: "would both write"},
		{name: "output overwrites another input", inputs: []string{"a/ep.wav", "a/ep_desilenced.wav"}, errorMsg: "would overwrite input"},
		{name: "same file twice", inputs: []string{"a/ep.wav", "a/../a/ep.wav"}, errorMsg: "same file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs, err := planJobs(tt.inputs, tt.dir)
			if tt.errorMsg == "" {
				if err != nil {
					t.Fatalf("planJobs failed: %v", err)
				}
				if len(jobs) != len(tt.inputs) {
					t.Errorf("expected %d jobs, got %d", len(tt.inputs), len(jobs))
				}
				for _, j := range jobs {
					if j.out == j.in {
						t.Errorf("job writes its own input %s", j.in)
					}
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("expected error containing %q, got %v", tt.errorMsg, err)
			}
		})
	}
}

func TestParseArgsOverrides(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	cfgYAML := `
audio:
  frame_duration_ms: 20
  padding_duration_ms: 400
vad:
  classifier: "energy"
  aggressiveness: 1
  energy_threshold: 300
library:
  dir: "` + filepath.ToSlash(filepath.Join(dir, "library")) + `"
  max_concurrent_jobs: 3
`
	if err := os.WriteFile(cfgPath, []byte(cfgYAML), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	opts, err := parseArgs([]string{"-config", cfgPath, "-padding", "900", "-j", "5", "-o", "out", "ep.wav"}, io.Discard)
	if err != nil {
		t.Fatalf("parseArgs failed: %v", err)
	}

	cfg := opts.cfg
	if cfg.Audio.FrameDurationMs != 20 {
		t.Errorf("expected frame from file (20), got %d", cfg.Audio.FrameDurationMs)
	}
	if cfg.Audio.PaddingDurationMs != 900 {
		t.Errorf("expected padding from flag (900), got %d", cfg.Audio.PaddingDurationMs)
	}
	if cfg.VAD.Classifier != vad.ClassifierEnergy || cfg.VAD.Aggressiveness != 1 {
		t.Errorf("expected classifier settings from file, got %+v", cfg.VAD)
	}
	if cfg.Library.MaxConcurrentJobs != 5 {
		t.Errorf("expected jobs from flag (5), got %d", cfg.Library.MaxConcurrentJobs)
	}
	if len(opts.jobs) != 1 || opts.jobs[0].out != filepath.Join("out", "ep_desilenced.wav") {
		t.Errorf("unexpected jobs %+v", opts.jobs)
	}
}

func TestParseArgsErrors(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		errorMsg string
	}{
		{name: "unsupported frame", args: []string{"-frame", "25", "ep.wav"}, errorMsg: "frame_duration_ms"},
		{name: "padding shorter than frame", args: []string{"-padding", "10", "ep.wav"}, errorMsg: "padding_duration_ms"},
		{name: "bad aggressiveness", args: []string{"-aggressiveness", "7", "ep.wav"}, errorMsg: "aggressiveness"},
		{name: "unknown classifier", args: []string{"-classifier", "silero", "ep.wav"}, errorMsg: "classifier"},
		{name: "no jobs", args: []string{"-j", "0", "ep.wav"}, errorMsg: "max_concurrent_jobs"},
		{name: "missing config", args: []string{"-config", "/nonexistent/config.yaml", "ep.wav"}, errorMsg: "failed to load configuration"},
		{name: "output clash", args: []string{"-o", "out", "a/ep.wav", "b/ep.wav"}, errorMsg: "would both write"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseArgs(tt.args, io.Discard)
			if err == nil || !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("expected error containing %q, got %v", tt.errorMsg, err)
			}
		})
	}
}

func TestParseArgsNoFiles(t *testing.T) {
	if _, err := parseArgs(nil, io.Discard); !errors.Is(err, errUsage) {
		t.Errorf("expected errUsage, got %v", err)
	}
}
