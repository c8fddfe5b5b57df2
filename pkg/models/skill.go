package models

// SkillResult is the normalized outcome every skill returns to the engine.
// Candidates are persisted by the engine, not by the skill itself.
type SkillResult struct {
	WhatIDid    string              `json:"what_i_did"`
	Sources     []SourceCandidate   `json:"sources"`
	Facts       []FactCandidate     `json:"facts"`
	Artifacts   []ArtifactCandidate `json:"artifacts"`
	Confidence  float64             `json:"confidence"`
	Assumptions []string            `json:"assumptions"`
	Events      []SkillEvent        `json:"events"`
}

// SourceCandidate is a source proposed by a skill before persistence.
type SourceCandidate struct {
	URL     string  `json:"url"`
	Title   string  `json:"title"`
	Domain  string  `json:"domain"`
	Snippet string  `json:"snippet"`
	Quality float64 `json:"quality"`
	Pinned  bool    `json:"pinned"`
}

// FactCandidate is a fact proposed by a skill before persistence.
type FactCandidate struct {
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// ArtifactCandidate is an artifact proposed by a skill before persistence.
type ArtifactCandidate struct {
	Type       string         `json:"type"`
	Title      string         `json:"title"`
	ContentURI string         `json:"content_uri"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// SkillEvent is a progress note a skill asks the engine to emit as a
// task_progress event.
type SkillEvent struct {
	Message    string    `json:"message"`
	ReasonCode string    `json:"reason_code,omitempty"`
	Progress   *Progress `json:"progress,omitempty"`
}

// Progress is an optional counter attached to a skill event.
type Progress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Unit    string `json:"unit"`
}
