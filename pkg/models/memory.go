package models

import "time"

// UserMemory is a durable note about the user (preference, fact, style
// hint). Soft-deleted records stay in storage but are never listed.
type UserMemory struct {
	ID        string         `json:"id"`
	Title     string         `json:"title,omitempty"`
	Content   string         `json:"content"`
	Tags      []string       `json:"tags"`
	Pinned    bool           `json:"pinned"`
	Source    string         `json:"source"`
	Meta      map[string]any `json:"meta"`
	CreatedAt time.Time      `json:"created_at"`
	IsDeleted bool           `json:"is_deleted"`
}

// Preference is one (key, value) style or profile preference with its
// confidence and the user text it was derived from.
type Preference struct {
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	Evidence   string  `json:"evidence,omitempty"`
}

// MemoryFact is one durable (key, value) fact about the user, such as
// user.name.
type MemoryFact struct {
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence,omitempty"`
	Evidence   string  `json:"evidence,omitempty"`
}

// MemoryPayload is the structured interpretation of a memory save:
// what the interpreter (or the tone profiler) extracted from user text.
type MemoryPayload struct {
	Title         string       `json:"title"`
	Summary       string       `json:"summary"`
	Confidence    float64      `json:"confidence"`
	Facts         []MemoryFact `json:"facts"`
	Preferences   []Preference `json:"preferences"`
	PossibleFacts []string     `json:"possible_facts"`
}

// AutoMemory is a memory save candidate produced without an explicit
// user command (tone profiling, mode tracking).
type AutoMemory struct {
	Content string        `json:"content"`
	Origin  string        `json:"origin"`
	Payload MemoryPayload `json:"memory_payload"`
}

// CreateUserMemoryRequest is the payload for POST /memory/create.
type CreateUserMemoryRequest struct {
	Title   string         `json:"title,omitempty"`
	Content string         `json:"content"`
	Tags    []string       `json:"tags,omitempty"`
	Source  string         `json:"source,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}
