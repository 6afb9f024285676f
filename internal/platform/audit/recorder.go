package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mssola/useragent"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/caredesk/caredesk/internal/platform/auth"
	"github.com/caredesk/caredesk/internal/platform/db"
	"github.com/caredesk/caredesk/internal/platform/metrics"
)

// ErrSinkUnavailable marks an audit entry that could not be persisted. The
// operation that triggered the entry must fail with it; an access that
// cannot be audited must not happen.
var ErrSinkUnavailable = errors.New("audit sink unavailable")

// Event is the caller-supplied portion of an audit entry. The recorder
// fills in principal, practice, risk, and user-agent details.
type Event struct {
	Action        string
	ResourceKind  string
	ResourceID    *uuid.UUID
	PHIFields     []string
	Outcome       string
	CrossPractice bool
	BreakGlass    bool
	Reason        string
	RequestID     string
	SourceIP      string
	UserAgent     string
	OccurredAt    time.Time
}

// Recorder builds complete audit entries and appends them to the store.
type Recorder struct {
	store  Store
	m      *metrics.Metrics
	logger zerolog.Logger
	now    func() time.Time
}

// NewRecorder wires a recorder to its sink.
func NewRecorder(store Store, m *metrics.Metrics) *Recorder {
	return &Recorder{
		store:  store,
		m:      m,
		logger: log.With().Str("component", "audit").Logger(),
		now:    time.Now,
	}
}

// Record persists one audit entry. A store failure returns
// ErrSinkUnavailable wrapping the cause; callers must treat that as a
// failure of the audited operation itself.
func (r *Recorder) Record(ctx context.Context, ev Event) error {
	if !IsValidAction(ev.Action) {
		return fmt.Errorf("audit: invalid action %q", ev.Action)
	}
	if ev.Outcome == "" {
		ev.Outcome = OutcomeSuccess
	}
	if ev.Outcome != OutcomeSuccess && ev.Outcome != OutcomeFailure {
		return fmt.Errorf("audit: invalid outcome %q", ev.Outcome)
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = r.now().UTC()
	}

	meta := MetaFromContext(ctx)
	if ev.RequestID == "" {
		ev.RequestID = meta.RequestID
	}
	if ev.SourceIP == "" {
		ev.SourceIP = meta.SourceIP
	}
	if ev.UserAgent == "" {
		ev.UserAgent = meta.UserAgent
	}

	practiceID := db.PracticeFromContext(ctx)

	entry := &Entry{
		PracticeID:    practiceID,
		Action:        ev.Action,
		ResourceKind:  ev.ResourceKind,
		ResourceID:    ev.ResourceID,
		PHIFields:     ev.PHIFields,
		Outcome:       ev.Outcome,
		CrossPractice: ev.CrossPractice,
		RequestID:     ev.RequestID,
		SourceIP:      ev.SourceIP,
		UserAgent:     ev.UserAgent,
		BreakGlass:    ev.BreakGlass,
		Reason:        ev.Reason,
		OccurredAt:    ev.OccurredAt,
	}

	if p := auth.PrincipalFromContext(ctx); p != nil {
		entry.PrincipalID = p.ID
		entry.PrincipalName = p.Name
		// Acting outside every active membership is a boundary
		// crossing even when the caller did not flag one.
		if _, active := p.ActiveMembership(practiceID); !active {
			entry.CrossPractice = true
		}
	}

	if reason, ok := auth.BreakGlassReason(ctx); ok && !entry.BreakGlass {
		entry.BreakGlass = true
		entry.Reason = reason
	}

	if ev.UserAgent != "" {
		ua := useragent.New(ev.UserAgent)
		name, version := ua.Browser()
		entry.Browser = strings.TrimSpace(name + " " + version)
		entry.OS = ua.OS()
	}

	failed := entry.Outcome == OutcomeFailure
	entry.RiskScore = Score(entry.Action, entry.CrossPractice, failed)
	entry.RiskLevel = Level(entry.RiskScore)

	if err := r.store.Append(ctx, entry); err != nil {
		r.m.RecordAuditSinkFailure()
		r.logger.Error().Err(err).
			Str("action", entry.Action).
			Str("resource_kind", entry.ResourceKind).
			Str("request_id", entry.RequestID).
			Msg("audit append failed")
		return fmt.Errorf("%w: %w", ErrSinkUnavailable, err)
	}
	r.m.RecordAuditEntry(entry.Action, entry.Outcome)

	evt := r.logger.Info()
	if entry.BreakGlass || entry.RiskLevel == RiskHigh || entry.RiskLevel == RiskCritical {
		evt = r.logger.Warn()
	}
	evt.
		Str("action", entry.Action).
		Str("resource_kind", entry.ResourceKind).
		Str("principal_id", entry.PrincipalID.String()).
		Str("outcome", entry.Outcome).
		Int("risk_score", entry.RiskScore).
		Str("risk_level", entry.RiskLevel).
		Bool("break_glass", entry.BreakGlass).
		Bool("cross_practice", entry.CrossPractice).
		Str("request_id", entry.RequestID).
		Msg("phi_access")

	return nil
}
