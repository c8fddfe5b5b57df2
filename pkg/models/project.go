package models

import "time"

// Project groups runs under a shared name, tags and settings bag.
// Settings carries nested privacy/routing/executor overrides.
type Project struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Tags      []string       `json:"tags"`
	Settings  map[string]any `json:"settings"`
	CreatedAt time.Time      `json:"created_at"`
}

// CreateProjectRequest is the payload for POST /projects.
type CreateProjectRequest struct {
	Name     string         `json:"name"`
	Tags     []string       `json:"tags,omitempty"`
	Settings map[string]any `json:"settings,omitempty"`
}
