// Package audit records every access to protected health information and
// verifies that the trail is complete. Entries are append-only; nothing in
// this package updates or deletes one.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Actions recorded in the trail. The set is closed: stores reject anything
// else.
const (
	ActionAccess = "access"
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionExport = "export"
	ActionDenied = "denied"
)

// Outcomes of the recorded operation.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// ValidActions lists every action the trail accepts.
func ValidActions() []string {
	return []string{ActionAccess, ActionCreate, ActionUpdate, ActionDelete, ActionExport, ActionDenied}
}

// IsValidAction reports whether the action belongs to the closed set.
func IsValidAction(action string) bool {
	switch action {
	case ActionAccess, ActionCreate, ActionUpdate, ActionDelete, ActionExport, ActionDenied:
		return true
	}
	return false
}

// stateChanging reports whether the action mutates data. Only these
// actions are expected to pair with change-capture events.
func stateChanging(action string) bool {
	switch action {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// Entry is one immutable audit record.
type Entry struct {
	ID            uuid.UUID  `json:"id"`
	PracticeID    string     `json:"practice_id"`
	PrincipalID   uuid.UUID  `json:"principal_id"`
	PrincipalName string     `json:"principal_name,omitempty"`
	Action        string     `json:"action"`
	ResourceKind  string     `json:"resource_kind"`
	ResourceID    *uuid.UUID `json:"resource_id,omitempty"`
	PHIFields     []string   `json:"phi_fields,omitempty"`
	Outcome       string     `json:"outcome"`
	CrossPractice bool       `json:"cross_practice"`
	RiskScore     int        `json:"risk_score"`
	RiskLevel     string     `json:"risk_level"`
	RequestID     string     `json:"request_id,omitempty"`
	SourceIP      string     `json:"source_ip,omitempty"`
	UserAgent     string     `json:"user_agent,omitempty"`
	Browser       string     `json:"browser,omitempty"`
	OS            string     `json:"os,omitempty"`
	BreakGlass    bool       `json:"break_glass"`
	Reason        string     `json:"reason,omitempty"`
	OccurredAt    time.Time  `json:"occurred_at"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Window is a half-open time range [From, To).
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && t.Before(w.To)
}

// Filter narrows a List call. Zero values match everything.
type Filter struct {
	PrincipalID  *uuid.UUID
	ResourceKind string
	ResourceID   *uuid.UUID
	Action       string
	Outcome      string
	BreakGlass   *bool
	MinRiskScore int
	Limit        int
	Offset       int
}
