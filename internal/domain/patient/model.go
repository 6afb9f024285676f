package patient

import (
	"time"

	"github.com/google/uuid"
)

// Patient maps to the patients table. Email, phone, and emergency contact
// are stored encrypted; the email additionally keeps a deterministic hash
// column so exact-match lookup works without decrypting the table.
//
// List results carry only the plain columns, so the protected fields are
// nil there.
type Patient struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	FirstName        string     `db:"first_name" json:"first_name"`
	LastName         string     `db:"last_name" json:"last_name"`
	DateOfBirth      *time.Time `db:"date_of_birth" json:"date_of_birth,omitempty"`
	Email            *string    `db:"email" json:"email,omitempty"`
	Phone            *string    `db:"phone" json:"phone,omitempty"`
	EmergencyContact *string    `db:"emergency_contact" json:"emergency_contact,omitempty"`
	TherapistID      uuid.UUID  `db:"therapist_id" json:"therapist_id"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}
