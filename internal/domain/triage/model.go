package triage

import (
	"time"

	"github.com/google/uuid"
)

// Status is the review state of a case.
type Status string

const (
	StatusSubmitted   Status = "submitted"
	StatusUnderReview Status = "under_review"
	StatusCompleted   Status = "completed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusSubmitted, StatusUnderReview, StatusCompleted:
		return true
	}
	return false
}

// Acuity levels run from 1 (most urgent) to 5 (least urgent).
const (
	MinLevel = 1
	MaxLevel = 5
)

// Demographics are optional, self-reported patient attributes.
type Demographics struct {
	Age    *int   `json:"age,omitempty"`
	Gender string `json:"gender,omitempty"`
}

// Case maps to the triage_cases table.
type Case struct {
	ID                  uuid.UUID    `db:"id" json:"id"`
	PatientID           uuid.UUID    `db:"patient_id" json:"patient_id"`
	Demographics        Demographics `db:"demographics" json:"demographics"`
	ChiefComplaint      string       `db:"chief_complaint" json:"chief_complaint"`
	Symptoms            []string     `db:"symptoms" json:"symptoms"`
	SelfReportedUrgency *int         `db:"self_reported_urgency" json:"self_reported_urgency,omitempty"`
	AutomatedLevel      int          `db:"automated_level" json:"automated_level"`
	MLLevel             *int         `db:"ml_level" json:"ml_level,omitempty"`
	MLConfidence        *float64     `db:"ml_confidence" json:"ml_confidence,omitempty"`
	FinalLevel          *int         `db:"final_level" json:"final_level,omitempty"`
	Status              Status       `db:"status" json:"status"`
	SubmittedAt         time.Time    `db:"submitted_at" json:"submitted_at"`
	FirstReviewedAt     *time.Time   `db:"first_reviewed_at" json:"first_reviewed_at,omitempty"`
	CompletedAt         *time.Time   `db:"completed_at" json:"completed_at,omitempty"`
	OverriddenBy        *uuid.UUID   `db:"overridden_by" json:"overridden_by,omitempty"`
	OverriddenAt        *time.Time   `db:"overridden_at" json:"overridden_at,omitempty"`
	OverrideReason      *string      `db:"override_reason" json:"override_reason,omitempty"`
}

// DisplayLevel is the level shown to downstream consumers: the final level
// once assigned, the automated level otherwise.
func (c *Case) DisplayLevel() int {
	if c.FinalLevel != nil {
		return *c.FinalLevel
	}
	return c.AutomatedLevel
}

// HasPrediction reports whether ranker output is cached on the record.
func (c *Case) HasPrediction() bool {
	return c.MLLevel != nil && c.MLConfidence != nil
}

// Input is what a patient submits.
type Input struct {
	Demographics        Demographics `json:"demographics"`
	ChiefComplaint      string       `json:"chief_complaint"`
	Symptoms            []string     `json:"symptoms"`
	SelfReportedUrgency *int         `json:"self_reported_urgency,omitempty"`
}

// Edit is a nurse change to level, reason and optionally status.
type Edit struct {
	FinalLevel     *int    `json:"final_level,omitempty"`
	OverrideReason *string `json:"override_reason,omitempty"`
	Status         *Status `json:"status,omitempty"`
}

// CaseFilter selects cases for listing. Zero values match everything.
type CaseFilter struct {
	Statuses  []Status
	PatientID *uuid.UUID
	Order     ListOrder
	Limit     int
	Offset    int
}

// ListOrder names a fixed ORDER BY for case listings.
type ListOrder int

const (
	OrderSubmittedAsc ListOrder = iota
	OrderSubmittedDesc
	// OrderCompletedByLevel sorts by final level ascending, then most
	// recently completed first.
	OrderCompletedByLevel
)

var levelLabels = map[int]string{
	1: "Level 1 - Immediate (life-saving intervention)",
	2: "Level 2 - High risk / time-critical",
	3: "Level 3 - Stable, multiple resources",
	4: "Level 4 - Stable, single resource",
	5: "Level 5 - Stable, minimal resources",
}

// Label returns the human-readable label for a level.
func Label(level int) string {
	return levelLabels[clampLevel(level)]
}

// LevelInfo is one row of the level legend.
type LevelInfo struct {
	Level int    `json:"level"`
	Label string `json:"label"`
}

// Levels returns the legend from most to least urgent.
func Levels() []LevelInfo {
	out := make([]LevelInfo, 0, MaxLevel)
	for l := MinLevel; l <= MaxLevel; l++ {
		out = append(out, LevelInfo{Level: l, Label: levelLabels[l]})
	}
	return out
}

func clampLevel(l int) int {
	if l < MinLevel {
		return MinLevel
	}
	if l > MaxLevel {
		return MaxLevel
	}
	return l
}

func validLevel(l int) bool {
	return l >= MinLevel && l <= MaxLevel
}
