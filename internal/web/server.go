package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yk-abe/people-counter/internal/config"
	"github.com/yk-abe/people-counter/internal/events"
	"github.com/yk-abe/people-counter/internal/logger"
	"github.com/yk-abe/people-counter/internal/pipeline"
	"github.com/yk-abe/people-counter/internal/record"
)

// Signaler answers WebRTC offers with SDP answers. Nil when the WebRTC
// transport is not wired.
type Signaler interface {
	HandleOffer(offer []byte) ([]byte, error)
	ClientCount() int
}

// Server serves the dashboard, the MJPEG stream and the control API.
type Server struct {
	cfg      config.Config
	pipe     *pipeline.Pipeline
	signaler Signaler
}

// NewServer returns a configured API server around a running pipeline.
func NewServer(cfg config.Config, pipe *pipeline.Pipeline, signaler Signaler) *Server {
	return &Server{cfg: cfg, pipe: pipe, signaler: signaler}
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/video", s.handleVideo)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/recordings/", cors(s.handleRecordings))
	mux.HandleFunc("/api/stats", cors(s.handleStats))
	mux.HandleFunc("/api/stats/stream", cors(s.handleStatsStream))
	mux.HandleFunc("/api/events/stream", cors(s.handleEventsStream))
	mux.HandleFunc("/api/reset", cors(s.handleReset))
	mux.HandleFunc("/api/change_source", cors(s.handleChangeSource))
	mux.HandleFunc("/api/webrtc/offer", cors(s.handleWebRTCOffer))
	mux.HandleFunc("/api/recording/start", cors(s.handleRecordingStart))
	mux.HandleFunc("/api/recording/stop", cors(s.handleRecordingStop))
	mux.HandleFunc("/api/recording/status", cors(s.handleRecordingStatus))

	return mux
}

func cors(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(dashboardHTML))
}

func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request) {
	id, frames := s.pipe.SubscribeFrames()
	defer s.pipe.UnsubscribeFrames(id)
	streamMJPEG(w, r, frames, s.pipe.LatestFrame)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.pipe.Status())
}

func (s *Server) handleStatsStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	useProtobuf := wantsProtobuf(r)
	setSSEHeaders(w, useProtobuf)

	interval := time.Duration(s.cfg.Server.StatusIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		jsonData, err := json.Marshal(s.pipe.Status())
		if err != nil {
			logger.Warn("SSE", "Status marshal failed: %v", err)
			return
		}
		payload, err := serializeDual(jsonData)
		if err != nil {
			logger.Warn("SSE", "Status serialize failed: %v", err)
			return
		}
		if err := writeSSE(w, payload.data(useProtobuf)); err != nil {
			logger.Debug("SSE", "Client disconnected during status write: %v", err)
			return
		}
		flusher.Flush()

		select {
		case <-ticker.C:
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleEventsStream(w http.ResponseWriter, r *http.Request) {
	bus := s.pipe.Events()
	if bus == nil {
		http.Error(w, "Event bus not configured", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	id, eventCh := bus.Subscribe()
	defer bus.Unsubscribe(id)

	useProtobuf := wantsProtobuf(r)
	setSSEHeaders(w, useProtobuf)
	flusher.Flush()

	for {
		select {
		case ev, ok := <-eventCh:
			if !ok {
				return
			}
			jsonData, err := events.Envelope(s.cfg.DeviceID, ev)
			if err != nil {
				logger.Warn("SSE", "Event marshal failed: %v", err)
				continue
			}
			payload, err := serializeDual(jsonData)
			if err != nil {
				logger.Warn("SSE", "Event serialize failed: %v", err)
				continue
			}
			if err := writeSSE(w, payload.data(useProtobuf)); err != nil {
				logger.Debug("SSE", "Client disconnected during event write: %v", err)
				return
			}
			flusher.Flush()

		case <-time.After(sseKeepalive):
			if err := writeSSEKeepalive(w); err != nil {
				logger.Debug("SSE", "Client disconnected during keepalive: %v", err)
				return
			}
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	door := r.URL.Query().Get("door")
	var err error
	if door != "" {
		err = s.pipe.ResetGate(door)
	} else {
		err = s.pipe.Reset()
	}
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, commandStatusCode(err))
		return
	}

	writeJSON(w, map[string]any{
		"status": "reset",
		"counts": s.pipe.Status().Counts,
	})
}

func (s *Server) handleChangeSource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Source string `json:"source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Source == "" {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid source data"}, http.StatusBadRequest)
		return
	}

	if err := s.pipe.ChangeSource(req.Source); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, commandStatusCode(err))
		return
	}
	writeJSON(w, map[string]any{"status": "ok", "source": req.Source})
}

func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.signaler == nil {
		writeJSONWithStatus(w, map[string]any{"error": "WebRTC is not configured"}, http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil || payload["sdp"] == nil || payload["type"] == nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}

	answer, err := s.signaler.HandleOffer(body)
	if err != nil {
		logger.Warn("HTTP", "WebRTC offer failed: %v", err)
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answer)
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rec := s.pipe.Recorder()
	if rec == nil {
		writeJSONWithStatus(w, map[string]any{"error": "Recorder is not configured"}, http.StatusServiceUnavailable)
		return
	}

	if err := rec.Start(); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{"success": true, "status": rec.GetStatus()})
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rec := s.pipe.Recorder()
	if rec == nil {
		writeJSONWithStatus(w, map[string]any{"error": "Recorder is not configured"}, http.StatusServiceUnavailable)
		return
	}

	if err := rec.Stop(); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{"success": true, "status": rec.GetStatus()})
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	rec := s.pipe.Recorder()
	if rec == nil {
		writeJSON(w, record.RecordingStatus{})
		return
	}
	writeJSON(w, rec.GetStatus())
}

func (s *Server) handleRecordings(w http.ResponseWriter, r *http.Request) {
	dir := s.cfg.Recording.OutputDir
	if rec := s.pipe.Recorder(); rec != nil {
		dir = rec.Dir()
	}

	name := strings.TrimPrefix(r.URL.Path, "/recordings/")
	if name == "" {
		s.listRecordings(w, dir)
		return
	}
	if name != filepath.Base(name) {
		http.Error(w, "Invalid file name", http.StatusBadRequest)
		return
	}
	http.ServeFile(w, r, filepath.Join(dir, name))
}

func (s *Server) listRecordings(w http.ResponseWriter, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		writeJSON(w, map[string]any{"files": []any{}})
		return
	}

	files := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, map[string]any{
			"name":       e.Name(),
			"size_bytes": info.Size(),
			"modified":   info.ModTime().UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, map[string]any{"files": files})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.pipe.Status()
	health := map[string]any{
		"status":         "ok",
		"device_id":      s.cfg.DeviceID,
		"running":        st.Running,
		"uptime_seconds": st.UptimeSeconds,
	}
	if s.signaler != nil {
		health["webrtc_clients"] = s.signaler.ClientCount()
	}
	writeJSON(w, health)
}

func commandStatusCode(err error) int {
	if errors.Is(err, pipeline.ErrStopped) {
		return http.StatusServiceUnavailable
	}
	return http.StatusBadRequest
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
