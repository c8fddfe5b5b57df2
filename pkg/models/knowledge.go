package models

import "time"

// Source is a web document collected during research. URL is stored in
// normalized form and is unique within a run.
type Source struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Domain      string    `json:"domain"`
	Quality     float64   `json:"quality"`
	Snippet     string    `json:"snippet"`
	RetrievedAt time.Time `json:"retrieved_at"`
	Pinned      bool      `json:"pinned"`
}

// Fact is a key/value claim extracted from sources with a confidence score.
type Fact struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	Key        string    `json:"key"`
	Value      string    `json:"value"`
	Confidence float64   `json:"confidence"`
	SourceIDs  []string  `json:"source_ids"`
	CreatedAt  time.Time `json:"created_at"`
}

// Artifact is a produced output of a run (report, file, screenshot).
// ContentURI is unique within a run.
type Artifact struct {
	ID         string         `json:"id"`
	RunID      string         `json:"run_id"`
	Type       string         `json:"type"`
	Title      string         `json:"title"`
	ContentURI string         `json:"content_uri"`
	CreatedAt  time.Time      `json:"created_at"`
	Meta       map[string]any `json:"meta"`
}

// ConflictStatus is the resolution state of a fact conflict.
type ConflictStatus string

const (
	ConflictStatusOpen     ConflictStatus = "open"
	ConflictStatusResolved ConflictStatus = "resolved"
)

// Conflict records two or more disagreeing values for the same fact key
// within a run.
type Conflict struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	FactKey   string         `json:"fact_key"`
	Values    []string       `json:"values"`
	Status    ConflictStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
}
