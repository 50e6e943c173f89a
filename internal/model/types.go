package model

import (
	"strings"
	"time"
)

// EventStatus is the lifecycle state of an Event. The only transitions are
// active -> resolved and active -> dismissed; both are administrative
// actions, never produced by detection.
type EventStatus string

const (
	StatusActive    EventStatus = "active"
	StatusResolved  EventStatus = "resolved"
	StatusDismissed EventStatus = "dismissed"
)

func ParseEventStatus(s string) (EventStatus, bool) {
	switch EventStatus(strings.ToLower(strings.TrimSpace(s))) {
	case StatusActive:
		return StatusActive, true
	case StatusResolved:
		return StatusResolved, true
	case StatusDismissed:
		return StatusDismissed, true
	}
	return "", false
}

// SourceType is a coarse classification of where a raw page came from.
type SourceType string

const (
	SourceGovernment  SourceType = "government"
	SourceNews        SourceType = "news"
	SourceFieldReport SourceType = "field_report"
	SourceOther       SourceType = "other"
)

func ParseSourceType(s string) (SourceType, bool) {
	switch SourceType(strings.ToLower(strings.TrimSpace(s))) {
	case SourceGovernment:
		return SourceGovernment, true
	case SourceNews:
		return SourceNews, true
	case SourceFieldReport:
		return SourceFieldReport, true
	case SourceOther, "":
		return SourceOther, true
	}
	return "", false
}

// RawPage is one fetched source document, treated as ground truth.
// The pair (URL, ContentHash) is unique; re-ingesting identical content
// returns the existing record. Immutable after insert.
type RawPage struct {
	ID          string            `json:"id"`
	URL         string            `json:"url"`
	FetchedAt   time.Time         `json:"fetched_at"`
	SourceType  SourceType        `json:"source_type,omitempty"`
	Region      string            `json:"region,omitempty"`
	Content     string            `json:"content"`
	ContentHash string            `json:"content_hash"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Signal is one small extracted fact referencing its owning RawPage.
// Region and SignalType are required; both are matched by exact string
// equality downstream, so they must arrive pre-normalized.
type Signal struct {
	ID               string    `json:"id"`
	RawPageID        string    `json:"raw_page_id"`
	Timestamp        time.Time `json:"timestamp"`
	Region           string    `json:"region"`
	SignalType       string    `json:"signal_type"`
	Keywords         []string  `json:"keywords,omitempty"`
	SourceConfidence float64   `json:"source_confidence"`
	RegionSource     string    `json:"region_source,omitempty"`
	RegionConfidence *float64  `json:"region_confidence,omitempty"`
}

// EventCandidate is the transient output of one detector pass for one
// (region, signal_type) group inside the window. Never persisted.
type EventCandidate struct {
	Region        string    `json:"region"`
	EventType     string    `json:"event_type"`
	Count         int       `json:"count"`
	AvgConfidence float64   `json:"avg_confidence"`
	SignalIDs     []string  `json:"signal_ids"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
}

// Event is a persistent "this is happening" record. At most one event with
// StatusActive exists per (Region, EventType) at any time.
type Event struct {
	ID                string      `json:"id"`
	EventType         string      `json:"event_type"`
	Region            string      `json:"region"`
	FirstDetected     time.Time   `json:"first_detected"`
	LastUpdated       time.Time   `json:"last_updated"`
	Confidence        float64     `json:"confidence"`
	SupportingSignals []string    `json:"supporting_signals"`
	Status            EventStatus `json:"status"`
}

// IngestBatch is one unit of ingestion work: a document plus the signals
// extracted from it. Produced by the ingest sources, consumed by workers.
type IngestBatch struct {
	Page    RawPage
	Signals []Signal
	Source  string
}
