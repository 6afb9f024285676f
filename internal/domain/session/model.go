package session

import (
	"time"

	"github.com/google/uuid"
)

// Session statuses. New records default to scheduled.
const (
	StatusScheduled = "scheduled"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusNoShow    = "no_show"
)

// Session modalities. Optional on a record.
const (
	ModalityInPerson = "in_person"
	ModalityVideo    = "video"
	ModalityPhone    = "phone"
)

var validStatuses = map[string]bool{
	StatusScheduled: true,
	StatusCompleted: true,
	StatusCancelled: true,
	StatusNoShow:    true,
}

var validModalities = map[string]bool{
	ModalityInPerson: true,
	ModalityVideo:    true,
	ModalityPhone:    true,
}

// Record is one therapy session. TherapistID is nil for group sessions,
// in which case access resolves through the patient.
type Record struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	PatientID       uuid.UUID  `db:"patient_id" json:"patient_id"`
	TherapistID     *uuid.UUID `db:"therapist_id" json:"therapist_id,omitempty"`
	OccurredAt      time.Time  `db:"occurred_at" json:"occurred_at"`
	DurationMinutes int        `db:"duration_minutes" json:"duration_minutes"`
	Status          string     `db:"status" json:"status"`
	Modality        string     `db:"modality" json:"modality,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}
