// Package models defines the server-side data model for scan sessions.
package models

import (
	"fmt"
	"time"

	"github.com/dmitrijs2005/scanreport/internal/common"
)

// Status is the lifecycle state of a scan session.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusScanning   Status = "scanning"
	StatusGenerating Status = "generating"
	StatusUploading  Status = "uploading"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

// Terminal reports whether no further workflow transition is allowed
// out of s (expiry still supersedes a terminal status).
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusExpired
}

// forward holds the happy-path edges of the status graph.
var forward = map[Status]Status{
	StatusQueued:     StatusScanning,
	StatusScanning:   StatusGenerating,
	StatusGenerating: StatusUploading,
	StatusUploading:  StatusCompleted,
}

// CanTransition reports whether the status graph allows moving from one
// status to another. Rules: statuses only move forward along the
// queued → scanning → generating → uploading → completed chain; any
// non-terminal status may move to failed; expired supersedes everything;
// nothing leaves a terminal status otherwise.
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	if to == StatusExpired {
		return true
	}
	if from.Terminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	return forward[from] == to
}

// Session is the durable record and state machine for one submitted job.
// Exactly one coordinator owns a session at any time; all mutation goes
// through Apply.
type Session struct {
	ID            string `json:"id"`
	TargetURL     string `json:"target_url"`
	NotifyAddress string `json:"notify_address"`

	Status          Status `json:"status"`
	ExternalScanID  string `json:"external_scan_id,omitempty"`
	ArtifactKey     string `json:"artifact_key,omitempty"`
	ErrorSummary    string `json:"error_summary,omitempty"`
	ProgressPercent int    `json:"progress_percent"`
	ProgressMessage string `json:"progress_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`

	// Provenance, write-once, audit/analytics only.
	OriginAddr  string `json:"origin_addr,omitempty"`
	ClientAgent string `json:"client_agent,omitempty"`
	Region      string `json:"region,omitempty"`
}

// Patch is a partial update merged over a session by the coordinator.
// Nil fields are left untouched.
type Patch struct {
	Status          *Status `json:"status,omitempty"`
	ExternalScanID  *string `json:"external_scan_id,omitempty"`
	ArtifactKey     *string `json:"artifact_key,omitempty"`
	ErrorSummary    *string `json:"error_summary,omitempty"`
	ProgressPercent *int    `json:"progress_percent,omitempty"`
	ProgressMessage *string `json:"progress_message,omitempty"`
}

// Apply merges p over s, enforcing the status graph and the monotonic
// progress invariant, and stamps UpdatedAt. On error the session is left
// unchanged.
func (s *Session) Apply(p Patch, now time.Time) error {
	if p.Status != nil && !CanTransition(s.Status, *p.Status) {
		return fmt.Errorf("%w: %s -> %s", common.ErrorInvalidTransition, s.Status, *p.Status)
	}
	if p.ProgressPercent != nil {
		if *p.ProgressPercent < 0 || *p.ProgressPercent > 100 {
			return fmt.Errorf("progress out of range: %d", *p.ProgressPercent)
		}
		if !s.Status.Terminal() && *p.ProgressPercent < s.ProgressPercent {
			return fmt.Errorf("progress must not decrease: %d -> %d", s.ProgressPercent, *p.ProgressPercent)
		}
	}

	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.ExternalScanID != nil {
		s.ExternalScanID = *p.ExternalScanID
	}
	if p.ArtifactKey != nil {
		s.ArtifactKey = *p.ArtifactKey
	}
	if p.ErrorSummary != nil {
		s.ErrorSummary = *p.ErrorSummary
	}
	if p.ProgressPercent != nil {
		s.ProgressPercent = *p.ProgressPercent
	}
	if p.ProgressMessage != nil {
		s.ProgressMessage = *p.ProgressMessage
	}
	s.UpdatedAt = now
	return nil
}

// Clone returns a copy safe to hand outside the owning coordinator.
func (s *Session) Clone() *Session {
	c := *s
	return &c
}
