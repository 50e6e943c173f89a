package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/thejenniferfang/disaster-response/internal/config"
	"github.com/thejenniferfang/disaster-response/internal/detections"
	"github.com/thejenniferfang/disaster-response/internal/model"
	"github.com/thejenniferfang/disaster-response/internal/stats"
	"github.com/thejenniferfang/disaster-response/internal/storage"
)

// EngineControl is what the API needs from the detection engine.
type EngineControl interface {
	RunOnce(ctx context.Context) (stats.PassSummary, error)
	UpdateConfig(cfg *config.Config)
}

type Server struct {
	cfg        *config.Manager
	store      storage.Store
	detections *detections.Store
	stats      *stats.Store
	engine     EngineControl
	logger     *slog.Logger
	version    string
	started    time.Time
}

type statusResponse struct {
	Status     string                 `json:"status"`
	Time       string                 `json:"time"`
	Version    string                 `json:"version"`
	Uptime     string                 `json:"uptime"`
	ConfigPath string                 `json:"config_path,omitempty"`
	Ingest     ingestStatus           `json:"ingest"`
	Detection  config.DetectionConfig `json:"detection"`
	Storage    storageStatus          `json:"storage"`
}

type ingestStatus struct {
	REST   bool `json:"rest"`
	Kafka  bool `json:"kafka"`
	Replay bool `json:"replay"`
}

type storageStatus struct {
	Driver string `json:"driver"`
}

func Start(ctx context.Context, cfg *config.Manager, store storage.Store, detectionsStore *detections.Store, statsStore *stats.Store, engine EngineControl, logger *slog.Logger, version string) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := &Server{
		cfg:        cfg,
		store:      store,
		detections: detectionsStore,
		stats:      statsStore,
		engine:     engine,
		logger:     logger,
		version:    version,
		started:    time.Now().UTC(),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", server.handleStatus)
	mux.HandleFunc("/events", server.handleEvents)
	mux.HandleFunc("/events/", server.handleEvent)
	mux.HandleFunc("/signals/recent", server.handleRecentSignals)
	mux.HandleFunc("/documents/", server.handleDocument)
	mux.HandleFunc("/detections", server.handleDetections)
	mux.HandleFunc("/stats", server.handleStats)
	mux.HandleFunc("/admin/detect", server.handleDetect)
	mux.HandleFunc("/config/detection", server.handleDetectionConfig)

	httpServer := &http.Server{Addr: current.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		Uptime:     time.Since(s.started).String(),
		ConfigPath: s.cfg.Path(),
		Ingest: ingestStatus{
			REST:   cfg.Ingest.REST.Enabled,
			Kafka:  cfg.Ingest.Kafka.Enabled,
			Replay: cfg.Ingest.Replay.Enabled,
		},
		Detection: cfg.Detection,
		Storage:   storageStatus{Driver: cfg.Storage.Driver},
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleEvents lists events filtered by status, newest activity first.
// This is the outbound surface for the notification/matching collaborator.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	status := model.StatusActive
	if v := r.URL.Query().Get("status"); v != "" {
		parsed, ok := model.ParseEventStatus(v)
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid status"})
			return
		}
		status = parsed
	}
	limit := queryInt(r, "limit", 25)
	events, err := s.store.EventsByStatus(r.Context(), status, limit)
	if err != nil {
		s.storeError(w, "list events", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/events/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}
	switch {
	case sub == "" && r.Method == http.MethodGet:
		ev, err := s.store.GetEvent(r.Context(), id)
		if err != nil {
			s.storeError(w, "get event", err)
			return
		}
		writeJSON(w, http.StatusOK, ev)
	case sub == "signals" && r.Method == http.MethodGet:
		signals, err := s.store.EventSignals(r.Context(), id)
		if err != nil {
			s.storeError(w, "event signals", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"signals": signals,
			"count":   len(signals),
		})
	case sub == "status" && r.Method == http.MethodPost:
		s.handleEventStatus(w, r, id)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleEventStatus applies the administrative resolved/dismissed
// transition. A later recurrence of the same (region, event_type) starts a
// fresh event; terminal records are never reactivated.
func (s *Server) handleEventStatus(w http.ResponseWriter, r *http.Request, id string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	status, ok := model.ParseEventStatus(req.Status)
	if !ok || status == model.StatusActive {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "status must be resolved or dismissed"})
		return
	}
	if err := s.store.SetEventStatus(r.Context(), id, status); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			w.WriteHeader(http.StatusNotFound)
		case errors.Is(err, storage.ErrNoTransition):
			writeJSON(w, http.StatusConflict, map[string]any{"error": "event is not active"})
		default:
			s.storeError(w, "set event status", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleRecentSignals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	minutes := queryInt(r, "minutes", 30)
	limit := queryInt(r, "limit", 200)
	since := time.Now().UTC().Add(-time.Duration(minutes) * time.Minute)
	signals, err := s.store.RecentSignals(r.Context(), since, limit)
	if err != nil {
		s.storeError(w, "recent signals", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"signals": signals,
		"count":   len(signals),
	})
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/documents/")
	if id == "" || strings.Contains(id, "/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	page, err := s.store.GetRawPage(r.Context(), id)
	if err != nil {
		s.storeError(w, "get document", err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleDetections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.detections == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	var list []detections.Record
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		list = s.detections.Since(ts)
	} else {
		list = s.detections.List(queryInt(r, "limit", 0))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"detections": list,
		"count":      len(list),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.stats == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.stats.Snapshot())
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.engine == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	summary, err := s.engine.RunOnce(r.Context())
	if err != nil {
		s.storeError(w, "detection pass", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleDetectionConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"detection": s.cfg.Get().Detection,
		})
	case http.MethodPost:
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var dc config.DetectionConfig
		if err := json.Unmarshal(body, &dc); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		current := s.cfg.Get()
		next := *current
		next.Detection = dc
		if err := s.cfg.Update(&next); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		if s.engine != nil {
			s.engine.UpdateConfig(&next)
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if s.logger != nil {
		s.logger.Error("api store error", "op", op, "err", err)
	}
	w.WriteHeader(http.StatusInternalServerError)
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
