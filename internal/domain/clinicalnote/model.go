package clinicalnote

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrFinalized is returned when a mutation targets a note that has been
// finalized. A finalized note is part of the legal record and can only be
// read or deleted, never edited.
var ErrFinalized = errors.New("clinical note is finalized")

// Note is a clinician's write-up of one session. Content is encrypted at
// rest and omitted from list results. AuthorID records provenance only;
// access resolves through the session and its patient.
type Note struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	SessionRecordID uuid.UUID  `db:"session_record_id" json:"session_record_id"`
	AuthorID        uuid.UUID  `db:"author_id" json:"author_id"`
	Content         *string    `db:"content" json:"content,omitempty"`
	Finalized       bool       `db:"finalized" json:"finalized"`
	FinalizedAt     *time.Time `db:"finalized_at" json:"finalized_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}
