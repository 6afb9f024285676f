package audit

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/caredesk/caredesk/internal/platform/metrics"
	"github.com/caredesk/caredesk/internal/platform/phi"
)

// Gap types found by verification.
const (
	GapMissingAudit      = "missing-audit"
	GapOrphanedAudit     = "orphaned-audit"
	GapTimestampMismatch = "timestamp-mismatch"
)

// Gap severities.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Verdicts summarizing a report.
const (
	VerdictFullyCompliant = "fully-compliant"
	VerdictNeedsReview    = "needs-review"
	VerdictNonCompliant   = "non-compliant"
)

// Verification defaults.
const (
	DefaultVerifyBucket    = 5 * time.Minute
	DefaultVerifyTolerance = time.Minute
)

// Gap is one discrepancy between the change capture and the audit trail.
type Gap struct {
	Type         string     `json:"type"`
	Severity     string     `json:"severity"`
	ResourceKind string     `json:"resource_kind"`
	ResourceID   uuid.UUID  `json:"resource_id"`
	ChangeAt     *time.Time `json:"change_at,omitempty"`
	AuditAt      *time.Time `json:"audit_at,omitempty"`
	Detail       string     `json:"detail"`
}

// Summary aggregates a verification run.
type Summary struct {
	TotalChanges        int     `json:"total_changes"`
	TotalAudits         int     `json:"total_audits"`
	Matched             int     `json:"matched"`
	Missing             int     `json:"missing"`
	Orphaned            int     `json:"orphaned"`
	TimestampMismatches int     `json:"timestamp_mismatches"`
	HighSeverityGaps    int     `json:"high_severity_gaps"`
	CoveragePercent     float64 `json:"coverage_percent"`
}

// Report is the result of verifying one window.
type Report struct {
	Window  Window  `json:"window"`
	Summary Summary `json:"summary"`
	Gaps    []Gap   `json:"gaps"`
	Verdict string  `json:"verdict"`
}

// VerifierConfig tunes the matching windows. Zero values fall back to the
// defaults.
type VerifierConfig struct {
	// Bucket groups events for candidate lookup. A change event is
	// matched against audits in its own bucket and both neighbors.
	Bucket time.Duration
	// Tolerance is the largest clock skew between a change and its
	// audit entry that passes without a timestamp-mismatch gap.
	Tolerance time.Duration
}

// Verifier cross-checks the audit trail against an independent change
// capture. Every state-changing mutation must have a matching audit entry;
// every state-changing audit entry must correspond to a real change.
type Verifier struct {
	audits    Store
	changes   ChangeSource
	registry  *phi.Registry
	bucket    time.Duration
	tolerance time.Duration
	m         *metrics.Metrics
	logger    zerolog.Logger
}

// NewVerifier wires a verifier. A nil registry falls back to the default
// PHI field sets.
func NewVerifier(audits Store, changes ChangeSource, registry *phi.Registry, m *metrics.Metrics, cfg VerifierConfig) *Verifier {
	if registry == nil {
		registry = phi.NewRegistry(phi.DefaultFieldSets())
	}
	if cfg.Bucket <= 0 {
		cfg.Bucket = DefaultVerifyBucket
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultVerifyTolerance
	}
	return &Verifier{
		audits:    audits,
		changes:   changes,
		registry:  registry,
		bucket:    cfg.Bucket,
		tolerance: cfg.Tolerance,
		m:         m,
		logger:    log.With().Str("component", "audit_verifier").Logger(),
	}
}

type bucketKey struct {
	kind   string
	id     uuid.UUID
	action string
	slot   int64
}

type auditRef struct {
	entry   *Entry
	matched bool
}

// Verify compares the window's change events against its audit entries and
// reports every gap.
func (v *Verifier) Verify(ctx context.Context, w Window) (*Report, error) {
	changes, err := v.changes.Changes(ctx, w)
	if err != nil {
		return nil, fmt.Errorf("verify: loading changes: %w", err)
	}
	audits, err := v.audits.List(ctx, w, Filter{})
	if err != nil {
		return nil, fmt.Errorf("verify: loading audits: %w", err)
	}

	// Index state-changing audit entries by (kind, id, action, bucket).
	// Read-class entries (access, export, denied) have no change-side
	// counterpart and stay out of the reconciliation entirely.
	index := make(map[bucketKey][]*auditRef)
	var stateAudits []*auditRef
	for _, e := range audits {
		if !stateChanging(e.Action) {
			continue
		}
		ref := &auditRef{entry: e}
		stateAudits = append(stateAudits, ref)
		if e.ResourceID == nil {
			continue
		}
		k := bucketKey{
			kind:   e.ResourceKind,
			id:     *e.ResourceID,
			action: e.Action,
			slot:   e.OccurredAt.Truncate(v.bucket).UnixNano(),
		}
		index[k] = append(index[k], ref)
	}

	var gaps []Gap
	summary := Summary{
		TotalChanges: len(changes),
		TotalAudits:  len(audits),
	}

	for _, ch := range changes {
		ref, delta := v.closestCandidate(index, ch)
		if ref == nil {
			severity := SeverityMedium
			if v.registry.Bearing(ch.ResourceKind) {
				severity = SeverityHigh
			}
			changeAt := ch.OccurredAt
			gaps = append(gaps, Gap{
				Type:         GapMissingAudit,
				Severity:     severity,
				ResourceKind: ch.ResourceKind,
				ResourceID:   ch.ResourceID,
				ChangeAt:     &changeAt,
				Detail:       fmt.Sprintf("%s of %s has no audit entry", ch.Op, ch.ResourceKind),
			})
			summary.Missing++
			continue
		}

		ref.matched = true
		summary.Matched++

		if delta > v.tolerance {
			changeAt := ch.OccurredAt
			auditAt := ref.entry.OccurredAt
			gaps = append(gaps, Gap{
				Type:         GapTimestampMismatch,
				Severity:     SeverityLow,
				ResourceKind: ch.ResourceKind,
				ResourceID:   ch.ResourceID,
				ChangeAt:     &changeAt,
				AuditAt:      &auditAt,
				Detail:       fmt.Sprintf("audit entry recorded %s away from the change", delta.Round(time.Second)),
			})
			summary.TimestampMismatches++
		}
	}

	for _, ref := range stateAudits {
		if ref.matched {
			continue
		}
		auditAt := ref.entry.OccurredAt
		id := uuid.Nil
		if ref.entry.ResourceID != nil {
			id = *ref.entry.ResourceID
		}
		gaps = append(gaps, Gap{
			Type:         GapOrphanedAudit,
			Severity:     SeverityMedium,
			ResourceKind: ref.entry.ResourceKind,
			ResourceID:   id,
			AuditAt:      &auditAt,
			Detail:       fmt.Sprintf("audit entry claims a %s without a captured change", ref.entry.Action),
		})
		summary.Orphaned++
	}

	sort.SliceStable(gaps, func(i, j int) bool {
		return gapTime(gaps[i]).Before(gapTime(gaps[j]))
	})

	summary.CoveragePercent = 100.0
	if summary.TotalChanges > 0 {
		summary.CoveragePercent = round2(float64(summary.Matched) / float64(summary.TotalChanges) * 100)
	}
	for _, g := range gaps {
		if g.Severity == SeverityHigh {
			summary.HighSeverityGaps++
		}
	}

	verdict := VerdictFullyCompliant
	switch {
	case summary.HighSeverityGaps > 0:
		verdict = VerdictNonCompliant
	case len(gaps) > 0:
		verdict = VerdictNeedsReview
	}

	v.m.SetVerifyCoverage(summary.CoveragePercent)
	v.logger.Info().
		Time("from", w.From).
		Time("to", w.To).
		Int("changes", summary.TotalChanges).
		Int("matched", summary.Matched).
		Int("gaps", len(gaps)).
		Float64("coverage", summary.CoveragePercent).
		Str("verdict", verdict).
		Msg("verification complete")

	return &Report{
		Window:  w,
		Summary: summary,
		Gaps:    gaps,
		Verdict: verdict,
	}, nil
}

// closestCandidate finds the unmatched audit entry closest in time to the
// change, looking in the change's bucket and both adjacent buckets.
func (v *Verifier) closestCandidate(index map[bucketKey][]*auditRef, ch ChangeEvent) (*auditRef, time.Duration) {
	slot := ch.OccurredAt.Truncate(v.bucket).UnixNano()

	var (
		best      *auditRef
		bestDelta time.Duration
	)
	for _, offset := range []int64{0, -v.bucket.Nanoseconds(), v.bucket.Nanoseconds()} {
		k := bucketKey{kind: ch.ResourceKind, id: ch.ResourceID, action: ch.Op, slot: slot + offset}
		for _, ref := range index[k] {
			if ref.matched {
				continue
			}
			delta := absDuration(ref.entry.OccurredAt.Sub(ch.OccurredAt))
			if best == nil || delta < bestDelta {
				best, bestDelta = ref, delta
			}
		}
	}
	return best, bestDelta
}

func gapTime(g Gap) time.Time {
	if g.ChangeAt != nil {
		return *g.ChangeAt
	}
	if g.AuditAt != nil {
		return *g.AuditAt
	}
	return time.Time{}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
