package server

import (
	"encoding/binary"
	"io"
	"log/slog"
	"math"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skypro1111/podcast-desilence-service/internal/config"
	"github.com/skypro1111/podcast-desilence-service/internal/desilence"
	"github.com/skypro1111/podcast-desilence-service/internal/library"
	"github.com/skypro1111/podcast-desilence-service/internal/metrics"
	"github.com/skypro1111/podcast-desilence-service/internal/stream"
	"github.com/skypro1111/podcast-desilence-service/internal/vad"
)

const (
	testRate        = 8000
	samplesPerFrame = testRate * 30 / 1000
	frameBytes      = samplesPerFrame * 2
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// tonePCM builds silent frames, then loud 440 Hz frames, then silent frames.
func tonePCM(silentBefore, loud, silentAfter int) []byte {
	var pcm []byte
	n := 0
	for frame := 0; frame < silentBefore+loud+silentAfter; frame++ {
		isLoud := frame >= silentBefore && frame < silentBefore+loud
		for i := 0; i < samplesPerFrame; i++ {
			var v int16
			if isLoud {
				v = int16(8000 * math.Sin(2*math.Pi*440*float64(n)/testRate))
			}
			pcm = binary.LittleEndian.AppendUint16(pcm, uint16(v))
			n++
		}
	}
	return pcm
}

type fixture struct {
	cfg       *config.Config
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	library   *library.Library
	streams   *stream.Manager
	processor *desilence.Processor
	http      *HTTPServer
	server    *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := config.Default()
	cfg.Library.Dir = t.TempDir()

	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)

	lib, err := library.Open(cfg.Library.Dir, testLogger(), m)
	if err != nil {
		t.Fatalf("library.Open failed: %v", err)
	}

	factory, err := vad.NewClassifierFactory(vad.ClassifierEnergy, 0, 500)
	if err != nil {
		t.Fatalf("NewClassifierFactory failed: %v", err)
	}

	streams, err := stream.NewManager(testLogger(), time.Minute, stream.Config{
		FrameDurationMs:   30,
		PaddingDurationMs: 600,
		Classifier:        factory,
		MaxSessions:       10,
	}, lib, m)
	if err != nil {
		t.Fatalf("stream.NewManager failed: %v", err)
	}
	t.Cleanup(streams.Stop)

	processor, err := desilence.NewProcessor(desilence.Options{
		FrameDurationMs:   30,
		PaddingDurationMs: 600,
		Classifier:        factory,
		Source:            "http",
	}, testLogger(), m)
	if err != nil {
		t.Fatalf("NewProcessor failed: %v", err)
	}

	f := &fixture{
		cfg:       cfg,
		registry:  registry,
		metrics:   m,
		library:   lib,
		streams:   streams,
		processor: processor,
	}
	f.http = NewHTTPServer(cfg.HTTP, testLogger(), HTTPDeps{
		Config:    cfg,
		Streams:   streams,
		Library:   lib,
		Processor: processor,
		Metrics:   m,
		Gatherer:  registry,
	})
	f.server = httptest.NewServer(f.http.Handler())
	t.Cleanup(f.server.Close)

	return f
}
