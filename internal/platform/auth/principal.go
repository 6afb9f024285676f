package auth

import (
	"context"

	"github.com/google/uuid"
)

// Membership statuses. Only active memberships confer any access.
const (
	MembershipActive  = "active"
	MembershipInvited = "invited"
	MembershipRevoked = "revoked"
)

// Capabilities grant access to practice-wide routes. They never widen
// per-resource ownership checks.
const (
	CapViewAllPatients = "view-all-patients"
	CapManageStaff     = "manage-staff"
	CapManageBilling   = "manage-billing"
	CapAuditRead       = "audit-read"
)

// Membership ties a principal to one practice with a role and a set of
// capabilities.
type Membership struct {
	PracticeID   string   `json:"practice_id"`
	Status       string   `json:"status"`
	Role         string   `json:"role"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Principal is the authenticated caller. A principal with no active
// membership in the request's practice is treated the same as an
// unauthenticated one by the authorization layer.
type Principal struct {
	ID          uuid.UUID    `json:"id"`
	Name        string       `json:"name"`
	Memberships []Membership `json:"memberships"`
}

// ActiveMembership returns the principal's active membership in the given
// practice, if any.
func (p *Principal) ActiveMembership(practiceID string) (*Membership, bool) {
	if p == nil {
		return nil, false
	}
	for i := range p.Memberships {
		m := &p.Memberships[i]
		if m.PracticeID == practiceID && m.Status == MembershipActive {
			return m, true
		}
	}
	return nil, false
}

// HasCapability reports whether the principal holds the capability through
// an active membership in the practice.
func (p *Principal) HasCapability(practiceID, capability string) bool {
	m, ok := p.ActiveMembership(practiceID)
	if !ok {
		return false
	}
	for _, c := range m.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal attaches the principal to the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the authenticated principal, or nil when the
// request carries none.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey).(*Principal)
	return p
}
