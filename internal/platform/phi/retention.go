package phi

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RetentionPolicy defines how long records of a kind are kept before they
// become eligible for archival and, optionally, purging.
type RetentionPolicy struct {
	RecordKind    string `json:"record_kind"`
	RetentionDays int    `json:"retention_days"`
	ArchiveAfter  int    `json:"archive_after_days,omitempty"`
	PurgeAfter    int    `json:"purge_after_days,omitempty"` // 0 = never purge
	Description   string `json:"description"`
}

// RetentionStatus is the lifecycle state of a single record.
type RetentionStatus struct {
	State      string    `json:"state"`
	ExpiresAt  time.Time `json:"expires_at"`
	PolicyName string    `json:"policy_name"`
}

const (
	RetentionStateActive          = "active"
	RetentionStateArchiveEligible = "archive_eligible"
	RetentionStatePurgeEligible   = "purge_eligible"
)

// DefaultRetentionPolicies returns the retention schedule for CareDesk record
// kinds. HIPAA requires a 6-year minimum for audit material; clinical records
// follow the stricter of HIPAA and common state medical-record statutes.
func DefaultRetentionPolicies() []RetentionPolicy {
	return []RetentionPolicy{
		{
			RecordKind:    "clinical_note",
			RetentionDays: 2555, // 7 years
			ArchiveAfter:  1825, // 5 years
			PurgeAfter:    0,    // never purge clinical records
			Description:   "Clinical notes: 7 years from last date of service; state law may require longer",
		},
		{
			RecordKind:    "session_record",
			RetentionDays: 2555, // 7 years
			ArchiveAfter:  1825,
			PurgeAfter:    0,
			Description:   "Session records: retained with the clinical record they document",
		},
		{
			RecordKind:    "audit_entry",
			RetentionDays: 2190, // 6 years
			ArchiveAfter:  1095, // 3 years
			PurgeAfter:    2555, // 7 years
			Description:   "Audit entries: HIPAA minimum 6-year retention for access trails",
		},
		{
			RecordKind:    "disclosure_record",
			RetentionDays: 2190, // 6 years
			ArchiveAfter:  1825,
			PurgeAfter:    0,
			Description:   "Accounting of disclosures: 6 years per 45 CFR 164.528",
		},
		{
			RecordKind:    "change_log",
			RetentionDays: 2190, // kept as long as the audit trail it verifies
			ArchiveAfter:  1095,
			PurgeAfter:    2555,
			Description:   "Change log: retained alongside audit entries to keep gap verification possible",
		},
	}
}

// RetentionService evaluates record lifecycle state against configured
// policies. The clock is injectable for tests.
type RetentionService struct {
	mu       sync.RWMutex
	policies map[string]RetentionPolicy
	logger   zerolog.Logger
	now      func() time.Time
}

// NewRetentionService creates a RetentionService with the given policies.
func NewRetentionService(policies []RetentionPolicy, logger zerolog.Logger) *RetentionService {
	policyMap := make(map[string]RetentionPolicy, len(policies))
	for _, p := range policies {
		policyMap[p.RecordKind] = p
	}
	return &RetentionService{
		policies: policyMap,
		logger:   logger.With().Str("component", "retention-service").Logger(),
		now:      time.Now,
	}
}

// GetPolicy returns the retention policy for a record kind, or nil if none is
// configured.
func (s *RetentionService) GetPolicy(recordKind string) *RetentionPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[recordKind]
	if !ok {
		return nil
	}
	return &p
}

// GetAllPolicies returns every configured retention policy.
func (s *RetentionService) GetAllPolicies() []RetentionPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]RetentionPolicy, 0, len(s.policies))
	for _, p := range s.policies {
		result = append(result, p)
	}
	return result
}

// CheckRetention classifies a record created at createdAt as active,
// archive-eligible, or purge-eligible under its kind's policy. Unknown kinds
// are treated as active with no expiration.
func (s *RetentionService) CheckRetention(recordKind string, createdAt time.Time) RetentionStatus {
	s.mu.RLock()
	policy, ok := s.policies[recordKind]
	now := s.now().UTC()
	s.mu.RUnlock()

	if !ok {
		return RetentionStatus{
			State:      RetentionStateActive,
			PolicyName: "unknown",
		}
	}

	ageDays := int(now.Sub(createdAt).Hours() / 24)

	if policy.PurgeAfter > 0 && ageDays >= policy.PurgeAfter {
		return RetentionStatus{
			State:      RetentionStatePurgeEligible,
			ExpiresAt:  createdAt.AddDate(0, 0, policy.PurgeAfter),
			PolicyName: policy.RecordKind,
		}
	}

	if policy.ArchiveAfter > 0 && ageDays >= policy.ArchiveAfter {
		expiresAt := createdAt.AddDate(0, 0, policy.RetentionDays)
		if policy.PurgeAfter > 0 {
			expiresAt = createdAt.AddDate(0, 0, policy.PurgeAfter)
		}
		return RetentionStatus{
			State:      RetentionStateArchiveEligible,
			ExpiresAt:  expiresAt,
			PolicyName: policy.RecordKind,
		}
	}

	expiresAt := createdAt.AddDate(0, 0, policy.RetentionDays)
	if policy.ArchiveAfter > 0 {
		expiresAt = createdAt.AddDate(0, 0, policy.ArchiveAfter)
	}
	return RetentionStatus{
		State:      RetentionStateActive,
		ExpiresAt:  expiresAt,
		PolicyName: policy.RecordKind,
	}
}
