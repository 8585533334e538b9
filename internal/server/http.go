package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/podcast-desilence-service/internal/audio"
	"github.com/skypro1111/podcast-desilence-service/internal/config"
	"github.com/skypro1111/podcast-desilence-service/internal/desilence"
	"github.com/skypro1111/podcast-desilence-service/internal/library"
	"github.com/skypro1111/podcast-desilence-service/internal/metrics"
	"github.com/skypro1111/podcast-desilence-service/internal/notify"
	"github.com/skypro1111/podcast-desilence-service/internal/stream"
)

const (
	serviceName    = "podcast-desilence-service"
	serviceVersion = "1.0.0"

	maxUploadBytes = 1 << 30

	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// HTTPDeps are the components the API reports on and drives.
type HTTPDeps struct {
	Config    *config.Config
	Streams   *stream.Manager
	UDP       *UDPServer
	Library   *library.Library
	Processor *desilence.Processor
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer // nil uses the default registry
	Webhook   *notify.Client      // optional
}

// HTTPServer provides the monitoring, library and processing API
type HTTPServer struct {
	server   *http.Server
	listener net.Listener
	logger   *slog.Logger
	deps     HTTPDeps
	upgrader websocket.Upgrader

	startTime time.Time
	mu        sync.RWMutex
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, deps HTTPDeps) *HTTPServer {
	h := &HTTPServer{
		logger:    logger,
		deps:      deps,
		startTime: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	h.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No read or write timeout: uploads of long recordings and the event
		// websocket outlive any fixed deadline.
	}

	return h
}

// Handler returns the routed API without starting a listener.
func (h *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	h.setupRoutes(mux)
	return mux
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("GET /stats", h.withMetrics("/stats", h.handleStats))
	mux.HandleFunc("GET /config", h.withMetrics("/config", h.handleConfig))

	mux.HandleFunc("GET /streams", h.withMetrics("/streams", h.handleStreams))
	mux.HandleFunc("GET /streams/{id}", h.withMetrics("/streams/{id}", h.handleStreamDetail))

	mux.HandleFunc("POST /api/v1/desilence", h.withMetrics("/api/v1/desilence", h.handleDesilence))

	mux.HandleFunc("GET /api/v1/episodes", h.withMetrics("/api/v1/episodes", h.handleListEpisodes))
	mux.HandleFunc("GET /api/v1/episodes/{id}", h.withMetrics("/api/v1/episodes/{id}", h.handleGetEpisode))
	mux.HandleFunc("DELETE /api/v1/episodes/{id}", h.withMetrics("/api/v1/episodes/{id}", h.handleDeleteEpisode))
	mux.HandleFunc("GET /api/v1/episodes/{id}/audio", h.withMetrics("/api/v1/episodes/{id}/audio", h.handleEpisodeAudio))

	// Websocket connections are long-lived and would skew request durations.
	mux.HandleFunc("GET /api/v1/events", h.handleEvents)

	gatherer := h.deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /{$}", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := strconv.Itoa(ww.statusCode)
		h.deps.Metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.deps.Metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start listens on the configured address and serves in the background.
func (h *HTTPServer) Start() error {
	listener, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}

	h.mu.Lock()
	h.listener = listener
	h.mu.Unlock()

	h.logger.Info("Starting HTTP API server",
		slog.String("address", listener.Addr().String()),
	)

	go func() {
		if err := h.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Addr returns the bound address, or nil before Start.
func (h *HTTPServer) Addr() net.Addr {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")
	return h.server.Shutdown(ctx)
}

func (h *HTTPServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("Failed to encode response", slog.String("error", err.Error()))
	}
}

func (h *HTTPServer) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]any{
		"stream_manager": map[string]any{
			"status":         "running",
			"active_streams": h.deps.Streams.GetActiveSessionCount(),
		},
		"library": map[string]any{
			"status":   "running",
			"episodes": h.deps.Library.Count(),
		},
	}
	if h.deps.UDP != nil {
		udpStats := h.deps.UDP.GetStatistics()
		components["udp_server"] = map[string]any{
			"status":            "running",
			"packets_received":  udpStats.PacketsReceived,
			"packets_processed": udpStats.PacketsProcessed,
			"parse_errors":      udpStats.ParseErrors,
			"queue_size":        udpStats.QueueSize,
		}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": components,
	})
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"streams":   h.deps.Streams.GetStats(),
		"library": map[string]any{
			"episodes": h.deps.Library.Count(),
		},
	}
	if h.deps.UDP != nil {
		stats["udp"] = h.deps.UDP.GetStatistics()
	}
	if h.deps.Webhook != nil {
		stats["webhook"] = h.deps.Webhook.GetStats()
	}

	h.writeJSON(w, http.StatusOK, stats)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	cfg := h.deps.Config
	h.writeJSON(w, http.StatusOK, map[string]any{
		"server": map[string]any{
			"udp_port":               cfg.Server.UDPPort,
			"bind_address":           cfg.Server.BindAddress,
			"buffer_size":            cfg.Server.BufferSize,
			"max_concurrent_streams": cfg.Server.MaxConcurrentStreams,
		},
		"audio": map[string]any{
			"frame_duration_ms":   cfg.Audio.FrameDurationMs,
			"padding_duration_ms": cfg.Audio.PaddingDurationMs,
			"stream_timeout":      cfg.Audio.StreamTimeout,
			"max_gap":             cfg.Audio.MaxGap,
		},
		"vad": map[string]any{
			"classifier":       cfg.VAD.Classifier,
			"aggressiveness":   cfg.VAD.Aggressiveness,
			"energy_threshold": cfg.VAD.EnergyThreshold,
		},
		"library": map[string]any{
			"dir":                 cfg.Library.Dir,
			"inbox_dir":           cfg.Library.InboxDir,
			"watch_inbox":         cfg.Library.WatchInbox,
			"max_concurrent_jobs": cfg.Library.MaxConcurrentJobs,
			"settle_delay_ms":     cfg.Library.SettleDelayMs,
		},
		"logging": map[string]any{
			"level":  cfg.Logging.Level,
			"format": cfg.Logging.Format,
			"output": cfg.Logging.Output,
		},
		"webhook": map[string]any{
			"enabled":        cfg.Webhook.Enabled(),
			"timeout":        cfg.Webhook.Timeout,
			"max_retries":    cfg.Webhook.MaxRetries,
			"max_concurrent": cfg.Webhook.MaxConcurrent,
		},
	})
}

// handleStreams implements the /streams endpoint
func (h *HTTPServer) handleStreams(w http.ResponseWriter, r *http.Request) {
	sessions := h.deps.Streams.GetAllSessions()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"total_streams": len(sessions),
		"timestamp":     time.Now().UTC(),
		"streams":       sessions,
	})
}

// handleStreamDetail implements the /streams/{id} endpoint
func (h *HTTPServer) handleStreamDetail(w http.ResponseWriter, r *http.Request) {
	streamID, err := strconv.ParseUint(r.PathValue("id"), 10, 32)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid stream id")
		return
	}

	session, exists := h.deps.Streams.GetSession(uint32(streamID))
	if !exists {
		h.writeError(w, http.StatusNotFound, "stream not found")
		return
	}

	h.writeJSON(w, http.StatusOK, session.GetSessionInfo())
}

// handleDesilence accepts a WAV body and answers with the de-silenced WAV.
// With ?save=true the result is also stored in the library.
func (h *HTTPServer) handleDesilence(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		h.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	result, err := h.deps.Processor.Process(r.Context(), bytes.NewReader(body))
	if err != nil {
		switch {
		case errors.Is(err, audio.ErrInvalidWAV), errors.Is(err, audio.ErrUnsupportedFormat):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, context.Canceled):
			h.logger.Debug("Desilence request canceled")
		default:
			h.logger.Error("Desilence request failed", slog.String("error", err.Error()))
			h.writeError(w, http.StatusInternalServerError, "processing failed")
		}
		return
	}

	if save, _ := strconv.ParseBool(r.URL.Query().Get("save")); save {
		query := r.URL.Query()
		ep, err := h.deps.Library.Save(result.Episode(query.Get("title"), query.Get("show"), "http"), result.Audio)
		if err != nil {
			h.logger.Error("Failed to save uploaded episode", slog.String("error", err.Error()))
			h.writeError(w, http.StatusInternalServerError, "failed to save episode")
			return
		}
		w.Header().Set("X-Episode-Id", ep.ID)
	}

	wav, err := audio.EncodeWAV(result.Audio, result.SampleRate)
	if err != nil {
		h.logger.Error("Failed to encode result", slog.String("error", err.Error()))
		h.writeError(w, http.StatusInternalServerError, "failed to encode audio")
		return
	}

	header := w.Header()
	header.Set("Content-Type", "audio/wav")
	header.Set("Content-Length", strconv.Itoa(len(wav)))
	header.Set("X-Segments", strconv.Itoa(len(result.Segments)))
	header.Set("X-Sample-Rate", strconv.Itoa(result.SampleRate))
	header.Set("X-Input-Duration", strconv.FormatFloat(result.InputDuration, 'f', 3, 64))
	header.Set("X-Output-Duration", strconv.FormatFloat(result.OutputDuration, 'f', 3, 64))
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(wav); err != nil {
		h.logger.Warn("Failed to write response", slog.String("error", err.Error()))
	}
}

// handleListEpisodes implements GET /api/v1/episodes
func (h *HTTPServer) handleListEpisodes(w http.ResponseWriter, r *http.Request) {
	episodes := h.deps.Library.List()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"total":    len(episodes),
		"episodes": episodes,
	})
}

// handleGetEpisode implements GET /api/v1/episodes/{id}
func (h *HTTPServer) handleGetEpisode(w http.ResponseWriter, r *http.Request) {
	ep, err := h.deps.Library.Get(r.PathValue("id"))
	if err != nil {
		h.writeLibraryError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ep)
}

// handleDeleteEpisode implements DELETE /api/v1/episodes/{id}
func (h *HTTPServer) handleDeleteEpisode(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Library.Delete(r.PathValue("id")); err != nil {
		h.writeLibraryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEpisodeAudio serves the stored WAV with range support so players can
// seek.
func (h *HTTPServer) handleEpisodeAudio(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	path, err := h.deps.Library.AudioPath(id)
	if err != nil {
		h.writeLibraryError(w, err)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			h.writeError(w, http.StatusNotFound, "episode audio not found")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "failed to open audio")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to stat audio")
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	http.ServeContent(w, r, id+".wav", info.ModTime(), f)
}

func (h *HTTPServer) writeLibraryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, library.ErrInvalidID):
		h.writeError(w, http.StatusBadRequest, "invalid episode id")
	case errors.Is(err, library.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "episode not found")
	default:
		h.logger.Error("Library operation failed", slog.String("error", err.Error()))
		h.writeError(w, http.StatusInternalServerError, "library error")
	}
}

// handleEvents streams library changes to a websocket client as JSON.
func (h *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	// Subscribe before the handshake completes so a client sees every event
	// published after its dial returns.
	events, unsubscribe := h.deps.Library.Subscribe()
	defer unsubscribe()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.deps.Metrics.RecordHTTPError(r.Method, "/api/v1/events", "upgrade_failed")
		return
	}
	defer conn.Close()

	h.logger.Debug("Event subscriber connected", slog.String("remote_addr", r.RemoteAddr))

	// The read side only handles control frames and notices a closed peer.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			h.logger.Debug("Event subscriber disconnected", slog.String("remote_addr", r.RemoteAddr))
			return

		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("Failed to write event", slog.String("error", err.Error()))
				return
			}

		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"service": serviceName,
		"version": serviceVersion,
		"endpoints": map[string]string{
			"GET /":                           "API documentation",
			"GET /health":                     "Service health check",
			"GET /stats":                      "Service statistics",
			"GET /config":                     "Service configuration",
			"GET /streams":                    "List active streams",
			"GET /streams/{id}":               "Stream details",
			"POST /api/v1/desilence":          "Remove silence from a WAV body (?save=true&title=&show= to keep it)",
			"GET /api/v1/episodes":            "List episodes",
			"GET /api/v1/episodes/{id}":       "Episode metadata",
			"GET /api/v1/episodes/{id}/audio": "Episode audio (supports range requests)",
			"DELETE /api/v1/episodes/{id}":    "Delete an episode",
			"GET /api/v1/events":              "Library events (websocket)",
			"GET /metrics":                    "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}
