package normalize

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/thejenniferfang/disaster-response/internal/model"
)

// DefaultConfidence is used when the extraction collaborator sends no
// source confidence for a signal.
const DefaultConfidence = 0.5

var (
	ErrMissingURL        = errors.New("normalize: document url is required")
	ErrMissingRegion     = errors.New("normalize: signal region is required")
	ErrMissingSignalType = errors.New("normalize: signal type is required")
	ErrBadSourceType     = errors.New("normalize: unknown source type")
	ErrBadConfidence     = errors.New("normalize: confidence must be in [0,1]")
)

// DocumentFields is the loosely typed document payload as it arrives on
// the wire, before conversion to a model.RawPage.
type DocumentFields struct {
	URL        string            `json:"url"`
	Content    string            `json:"content"`
	FetchedAt  string            `json:"fetched_at,omitempty"`
	SourceType string            `json:"source_type,omitempty"`
	Region     string            `json:"region,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// SignalFields is one loosely typed signal payload. Pointer confidence
// distinguishes "absent" from an explicit zero.
type SignalFields struct {
	Timestamp        string   `json:"timestamp,omitempty"`
	Region           string   `json:"region"`
	SignalType       string   `json:"signal_type"`
	Keywords         []string `json:"keywords,omitempty"`
	SourceConfidence *float64 `json:"source_confidence,omitempty"`
	RegionSource     string   `json:"region_source,omitempty"`
	RegionConfidence *float64 `json:"region_confidence,omitempty"`
}

// Document converts a wire payload into a RawPage, rejecting documents
// with no URL or an unrecognized source classification.
func Document(f DocumentFields) (model.RawPage, error) {
	url := strings.TrimSpace(f.URL)
	if url == "" {
		return model.RawPage{}, ErrMissingURL
	}
	sourceType, ok := model.ParseSourceType(f.SourceType)
	if !ok {
		return model.RawPage{}, fmt.Errorf("%w: %q", ErrBadSourceType, f.SourceType)
	}
	fetchedAt := time.Now().UTC()
	if strings.TrimSpace(f.FetchedAt) != "" {
		ts, err := ParseTimestamp(f.FetchedAt)
		if err != nil {
			return model.RawPage{}, fmt.Errorf("normalize: fetched_at: %w", err)
		}
		fetchedAt = ts.UTC()
	}
	return model.RawPage{
		URL:        url,
		FetchedAt:  fetchedAt,
		SourceType: sourceType,
		Region:     strings.TrimSpace(f.Region),
		Content:    f.Content,
		Metadata:   f.Metadata,
	}, nil
}

// Signals converts a batch of signal payloads. Any invalid entry fails the
// whole batch so the caller can retry deterministically.
func Signals(fields []SignalFields) ([]model.Signal, error) {
	now := time.Now().UTC()
	out := make([]model.Signal, 0, len(fields))
	for i, f := range fields {
		region := strings.TrimSpace(f.Region)
		if region == "" {
			return nil, fmt.Errorf("signal %d: %w", i, ErrMissingRegion)
		}
		signalType := strings.TrimSpace(f.SignalType)
		if signalType == "" {
			return nil, fmt.Errorf("signal %d: %w", i, ErrMissingSignalType)
		}
		confidence := DefaultConfidence
		if f.SourceConfidence != nil {
			confidence = *f.SourceConfidence
		}
		if confidence < 0 || confidence > 1 {
			return nil, fmt.Errorf("signal %d: %w", i, ErrBadConfidence)
		}
		ts := now
		if strings.TrimSpace(f.Timestamp) != "" {
			parsed, err := ParseTimestamp(f.Timestamp)
			if err != nil {
				return nil, fmt.Errorf("signal %d: timestamp: %w", i, err)
			}
			ts = parsed.UTC()
		}
		out = append(out, model.Signal{
			Timestamp:        ts,
			Region:           region,
			SignalType:       signalType,
			Keywords:         cleanKeywords(f.Keywords),
			SourceConfidence: confidence,
			RegionSource:     strings.TrimSpace(f.RegionSource),
			RegionConfidence: f.RegionConfidence,
		})
	}
	return out, nil
}

func cleanKeywords(keywords []string) []string {
	if len(keywords) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(keywords))
	out := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		if _, ok := seen[kw]; ok {
			continue
		}
		seen[kw] = struct{}{}
		out = append(out, kw)
	}
	return out
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
}

// ParseTimestamp accepts the timestamp shapes collaborators actually send:
// RFC3339 variants, space-separated datetimes, and unix seconds or millis.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, ms*int64(time.Millisecond)).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
