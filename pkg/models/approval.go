// Package models contains the persisted domain entities and the
// request/response types shared across packages.
package models

import "time"

// ApprovalStatus is the lifecycle state of an approval request.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
	ApprovalStatusExpired  ApprovalStatus = "expired"
)

// IsTerminal reports whether the approval has been decided. Terminal
// approvals are immutable; deciding one again is a no-op.
func (s ApprovalStatus) IsTerminal() bool {
	switch s {
	case ApprovalStatusApproved, ApprovalStatusRejected, ApprovalStatusExpired:
		return true
	}
	return false
}

// Approval is a pending human decision that blocks a task. DecidedAt is
// set exactly when the status leaves pending.
type Approval struct {
	ID              string         `json:"id"`
	RunID           string         `json:"run_id"`
	TaskID          string         `json:"task_id"`
	Scope           string         `json:"scope"`
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	ProposedActions []string       `json:"proposed_actions"`
	Status          ApprovalStatus `json:"status"`
	Decision        string         `json:"decision,omitempty"`
	DecidedBy       string         `json:"decided_by,omitempty"`
	DecidedAt       *time.Time     `json:"decided_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}
