package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/thejenniferfang/disaster-response/internal/detections"
	"github.com/thejenniferfang/disaster-response/internal/stats"
)

func TestHandleDetectionsWithoutStore(t *testing.T) {
	s := &Server{}
	rec := httptest.NewRecorder()
	s.handleDetections(rec, httptest.NewRequest(http.MethodGet, "/detections", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("nil detections store: got %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	s.detections = detections.NewStore(4)
	s.detections.Add(detections.Record{At: time.Now().UTC(), EventID: "e1"})
	rec = httptest.NewRecorder()
	s.handleDetections(rec, httptest.NewRequest(http.MethodGet, "/detections", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("with store: got %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestHandleStatsWithoutStore(t *testing.T) {
	s := &Server{}
	rec := httptest.NewRecorder()
	s.handleStats(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("nil stats store: got %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	s.stats = stats.NewStore()
	rec = httptest.NewRecorder()
	s.handleStats(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("with store: got %d, want %d", rec.Code, http.StatusOK)
	}
}
