package auth

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestPrincipal_ActiveMembership(t *testing.T) {
	p := &Principal{
		ID: uuid.New(),
		Memberships: []Membership{
			{PracticeID: "north", Status: MembershipActive, Role: "therapist"},
			{PracticeID: "south", Status: MembershipInvited, Role: "therapist"},
			{PracticeID: "east", Status: MembershipRevoked, Role: "owner"},
		},
	}

	tests := []struct {
		practice string
		want     bool
	}{
		{"north", true},
		{"south", false},
		{"east", false},
		{"west", false},
		{"", false},
	}

	for _, tt := range tests {
		if _, got := p.ActiveMembership(tt.practice); got != tt.want {
			t.Errorf("ActiveMembership(%q) = %v, want %v", tt.practice, got, tt.want)
		}
	}

	var nilPrincipal *Principal
	if _, ok := nilPrincipal.ActiveMembership("north"); ok {
		t.Error("nil principal reported an active membership")
	}
}

func TestPrincipal_HasCapability(t *testing.T) {
	p := &Principal{
		ID: uuid.New(),
		Memberships: []Membership{
			{
				PracticeID:   "north",
				Status:       MembershipActive,
				Role:         "therapist",
				Capabilities: []string{CapAuditRead, CapViewAllPatients},
			},
			{
				PracticeID:   "south",
				Status:       MembershipRevoked,
				Role:         "owner",
				Capabilities: []string{CapManageStaff},
			},
		},
	}

	tests := []struct {
		name       string
		practice   string
		capability string
		want       bool
	}{
		{"held capability", "north", CapAuditRead, true},
		{"second held capability", "north", CapViewAllPatients, true},
		{"capability not granted", "north", CapManageBilling, false},
		{"capability on revoked membership", "south", CapManageStaff, false},
		{"unknown practice", "west", CapAuditRead, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.HasCapability(tt.practice, tt.capability); got != tt.want {
				t.Errorf("HasCapability(%q, %q) = %v, want %v", tt.practice, tt.capability, got, tt.want)
			}
		})
	}
}

func TestPrincipalContext(t *testing.T) {
	if got := PrincipalFromContext(context.Background()); got != nil {
		t.Fatalf("empty context returned principal %v", got)
	}

	p := &Principal{ID: uuid.New(), Name: "Dana"}
	ctx := WithPrincipal(context.Background(), p)

	got := PrincipalFromContext(ctx)
	if got == nil || got.ID != p.ID {
		t.Fatalf("got %v, want principal %s", got, p.ID)
	}
}
