package ingest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/thejenniferfang/disaster-response/internal/config"
	"github.com/thejenniferfang/disaster-response/internal/model"
	"github.com/thejenniferfang/disaster-response/internal/stats"
)

type RESTServer struct {
	cfg    *config.Manager
	out    chan<- model.IngestBatch
	stats  *stats.Store
	logger *slog.Logger
}

// StartREST exposes POST /ingest for the extraction collaborator. Payload
// validation happens synchronously so callers get a deterministic reject
// for malformed signals; accepted work is queued for the workers.
func StartREST(ctx context.Context, cfg *config.Manager, out chan<- model.IngestBatch, statsStore *stats.Store, logger *slog.Logger) *http.Server {
	current := cfg.Get().Ingest.REST
	if !current.Enabled {
		if logger != nil {
			logger.Info("rest ingest disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("rest ingest enabled", "addr", current.Addr)
	}
	server := &RESTServer{cfg: cfg, out: out, stats: statsStore, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("/ingest", server.handleIngest)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
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
				logger.Error("rest ingest server error", "err", err)
			}
		}
	}()
	return httpServer
}

type ingestResponse struct {
	Accepted int      `json:"accepted"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
}

func (s *RESTServer) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 8<<20))
	if err != nil || len(body) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	trim := bytesTrim(body)
	if len(trim) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var payloads []Payload
	if trim[0] == '[' {
		if err := json.Unmarshal(trim, &payloads); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	} else {
		var p Payload
		if err := json.Unmarshal(trim, &p); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		payloads = []Payload{p}
	}

	resp := ingestResponse{}
	for _, p := range payloads {
		batch, err := ToBatch(p, "rest")
		if err != nil {
			resp.Failed++
			resp.Errors = append(resp.Errors, err.Error())
			if s.stats != nil {
				s.stats.RecordRejected("rest")
			}
			continue
		}
		if !SendNonBlocking(r.Context(), s.out, batch, s.logger) {
			resp.Failed++
			resp.Errors = append(resp.Errors, "ingest queue full")
			if s.stats != nil {
				s.stats.RecordDropped("rest")
			}
			continue
		}
		resp.Accepted++
	}

	status := http.StatusAccepted
	if resp.Accepted == 0 && resp.Failed > 0 {
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func bytesTrim(b []byte) []byte {
	start := 0
	for start < len(b) && (b[start] == ' ' || b[start] == '\n' || b[start] == '\r' || b[start] == '\t') {
		start++
	}
	end := len(b)
	for end > start && (b[end-1] == ' ' || b[end-1] == '\n' || b[end-1] == '\r' || b[end-1] == '\t') {
		end--
	}
	return b[start:end]
}
