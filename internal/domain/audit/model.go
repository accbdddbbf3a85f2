package audit

import (
	"time"

	"github.com/google/uuid"
)

// Actions recorded by the triage and identity services.
const (
	ActionTriageSubmit      = "triage_submit"
	ActionTriageReviewStart = "triage_review_start"
	ActionTriageOverride    = "triage_override"
	ActionTriageComplete    = "triage_complete"
	ActionTriageEdit        = "triage_edit"
	ActionTriageReopen      = "triage_reopen"
	ActionQueueReorder      = "queue_reorder"
	ActionQueueReset        = "queue_reset"
	ActionRankerReset       = "ranker_reset"
	ActionUserRegister      = "user_register"
	ActionUserLogin         = "user_login"
	ActionOTPVerified       = "otp_verified"
)

// Entry is one audit record. ActorID is nil for anonymous actions.
type Entry struct {
	ID           int64          `db:"id" json:"id"`
	ActorID      *uuid.UUID     `db:"user_id" json:"user_id,omitempty"`
	ActorEmail   string         `db:"email" json:"email,omitempty"`
	Action       string         `db:"action" json:"action"`
	ResourceType string         `db:"resource_type" json:"resource_type"`
	ResourceID   string         `db:"resource_id" json:"resource_id,omitempty"`
	Details      map[string]any `db:"details" json:"details,omitempty"`
	IPAddress    string         `db:"ip_address" json:"ip_address,omitempty"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
}
