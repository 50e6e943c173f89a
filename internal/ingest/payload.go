package ingest

import (
	"encoding/json"

	"github.com/thejenniferfang/disaster-response/internal/model"
	"github.com/thejenniferfang/disaster-response/internal/normalize"
	"github.com/thejenniferfang/disaster-response/internal/storage"
)

// Payload is the wire shape produced by the extraction collaborator: one
// fetched document plus the signals extracted from it.
type Payload struct {
	normalize.DocumentFields
	Signals []normalize.SignalFields `json:"signals,omitempty"`
}

func ParsePayload(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, err
	}
	return p, nil
}

// ToBatch validates and converts a payload into an ingest work unit. The
// content fingerprint is computed here so the dedupe cache can key on it
// before any store call. Validation is all-or-nothing: one bad signal
// rejects the document's whole batch.
func ToBatch(p Payload, source string) (model.IngestBatch, error) {
	page, err := normalize.Document(p.DocumentFields)
	if err != nil {
		return model.IngestBatch{}, err
	}
	page.ContentHash = storage.HashContent(page.Content)
	signals, err := normalize.Signals(p.Signals)
	if err != nil {
		return model.IngestBatch{}, err
	}
	return model.IngestBatch{Page: page, Signals: signals, Source: source}, nil
}
