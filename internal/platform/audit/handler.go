package audit

import (
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/caredesk/caredesk/internal/platform/auth"
	"github.com/caredesk/caredesk/internal/platform/phi"
)

// SearchResult is the paginated response for trail searches.
type SearchResult struct {
	Entries []*Entry `json:"entries"`
	Count   int      `json:"count"`
	Window  Window   `json:"window"`
}

// TrailSummary aggregates the entries matching a search.
type TrailSummary struct {
	TotalEntries int            `json:"total_entries"`
	ByAction     map[string]int `json:"by_action"`
	ByOutcome    map[string]int `json:"by_outcome"`
	ByKind       map[string]int `json:"by_kind"`
	ByRiskLevel  map[string]int `json:"by_risk_level"`
	BreakGlass   int            `json:"break_glass"`
	Window       Window         `json:"window"`
}

// RetentionReport pairs the practice's retention schedule with the
// lifecycle state of its own audit trail.
type RetentionReport struct {
	Policies    []phi.RetentionPolicy `json:"policies"`
	OldestEntry *time.Time            `json:"oldest_entry,omitempty"`
	TrailStatus *phi.RetentionStatus  `json:"trail_status,omitempty"`
}

// Handler serves the compliance endpoints: trail search, CSV export,
// summaries, gap-verification reports, and the retention schedule.
type Handler struct {
	store     Store
	verifier  *Verifier
	rec       *Recorder
	retention *phi.RetentionService
}

// NewHandler creates the audit HTTP handler.
func NewHandler(store Store, verifier *Verifier) *Handler {
	return &Handler{store: store, verifier: verifier}
}

// SetRecorder attaches a recorder so trail exports leave their own entry.
func (h *Handler) SetRecorder(rec *Recorder) {
	h.rec = rec
}

// SetRetention attaches a retention service backing the schedule endpoint.
func (h *Handler) SetRetention(r *phi.RetentionService) {
	h.retention = r
}

// RegisterRoutes mounts the audit endpoints. Every route requires the
// audit-read capability.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	grp := g.Group("/audit", auth.RequireCapability(auth.CapAuditRead))
	grp.GET("/search", h.HandleSearch)
	grp.GET("/export/csv", h.HandleExportCSV)
	grp.GET("/summary", h.HandleSummary)
	grp.GET("/report", h.HandleReport)
	grp.GET("/retention", h.HandleRetention)
}

// parseWindow reads from/to query params, defaulting to the last 24 hours.
func parseWindow(c echo.Context) (Window, error) {
	now := time.Now().UTC()
	w := Window{From: now.Add(-24 * time.Hour), To: now}

	if v := c.QueryParam("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return Window{}, fmt.Errorf("invalid from: %w", err)
		}
		w.From = t
	}
	if v := c.QueryParam("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return Window{}, fmt.Errorf("invalid to: %w", err)
		}
		w.To = t
	}
	if !w.From.Before(w.To) {
		return Window{}, fmt.Errorf("from must precede to")
	}
	return w, nil
}

func parseFilter(c echo.Context) (Filter, error) {
	f := Filter{
		ResourceKind: c.QueryParam("resource_kind"),
		Action:       c.QueryParam("action"),
		Outcome:      c.QueryParam("outcome"),
		Limit:        100,
	}

	if f.Action != "" && !IsValidAction(f.Action) {
		return Filter{}, fmt.Errorf("invalid action %q", f.Action)
	}
	if v := c.QueryParam("principal_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return Filter{}, fmt.Errorf("invalid principal_id: %w", err)
		}
		f.PrincipalID = &id
	}
	if v := c.QueryParam("resource_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return Filter{}, fmt.Errorf("invalid resource_id: %w", err)
		}
		f.ResourceID = &id
	}
	if v := c.QueryParam("break_glass"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Filter{}, fmt.Errorf("invalid break_glass: %w", err)
		}
		f.BreakGlass = &b
	}
	if v := c.QueryParam("min_risk"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Filter{}, fmt.Errorf("invalid min_risk: %w", err)
		}
		f.MinRiskScore = n
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Filter{}, fmt.Errorf("invalid limit")
		}
		if n > 1000 {
			n = 1000
		}
		f.Limit = n
	}
	if v := c.QueryParam("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Filter{}, fmt.Errorf("invalid offset")
		}
		f.Offset = n
	}
	return f, nil
}

// HandleSearch handles GET /audit/search.
func (h *Handler) HandleSearch(c echo.Context) error {
	w, err := parseWindow(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	f, err := parseFilter(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	entries, err := h.store.List(c.Request().Context(), w, f)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "audit search failed")
	}
	if entries == nil {
		entries = []*Entry{}
	}
	return c.JSON(http.StatusOK, SearchResult{Entries: entries, Count: len(entries), Window: w})
}

// HandleExportCSV handles GET /audit/export/csv. The export itself is an
// auditable event: with a recorder attached it is written down before any
// row leaves, and an unrecordable export does not happen.
func (h *Handler) HandleExportCSV(c echo.Context) error {
	w, err := parseWindow(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	f, err := parseFilter(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	// Exports are not paginated.
	f.Limit = 0
	f.Offset = 0

	if h.rec != nil {
		ev := Event{Action: ActionExport, ResourceKind: "audit_trail"}
		if err := h.rec.Record(c.Request().Context(), ev); err != nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "audit trail unavailable")
		}
	}

	entries, err := h.store.List(c.Request().Context(), w, f)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "audit export failed")
	}

	c.Response().Header().Set(echo.HeaderContentType, "text/csv")
	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf("attachment; filename=%q", "audit_"+time.Now().UTC().Format("20060102_150405")+".csv"))
	c.Response().WriteHeader(http.StatusOK)

	return writeCSV(c.Response(), entries)
}

func writeCSV(w io.Writer, entries []*Entry) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	header := []string{"id", "occurred_at", "practice_id", "principal_id", "principal_name",
		"action", "resource_kind", "resource_id", "phi_fields", "outcome",
		"cross_practice", "risk_score", "risk_level", "break_glass", "reason",
		"source_ip", "browser", "os", "request_id"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("audit export: write header: %w", err)
	}

	for _, e := range entries {
		resourceID := ""
		if e.ResourceID != nil {
			resourceID = e.ResourceID.String()
		}
		record := []string{
			e.ID.String(),
			e.OccurredAt.Format(time.RFC3339),
			e.PracticeID,
			e.PrincipalID.String(),
			e.PrincipalName,
			e.Action,
			e.ResourceKind,
			resourceID,
			strings.Join(e.PHIFields, ";"),
			e.Outcome,
			strconv.FormatBool(e.CrossPractice),
			strconv.Itoa(e.RiskScore),
			e.RiskLevel,
			strconv.FormatBool(e.BreakGlass),
			e.Reason,
			e.SourceIP,
			e.Browser,
			e.OS,
			e.RequestID,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("audit export: write record: %w", err)
		}
	}
	return nil
}

// HandleSummary handles GET /audit/summary.
func (h *Handler) HandleSummary(c echo.Context) error {
	w, err := parseWindow(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	f, err := parseFilter(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	f.Limit = 0
	f.Offset = 0

	entries, err := h.store.List(c.Request().Context(), w, f)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "audit summary failed")
	}

	summary := TrailSummary{
		TotalEntries: len(entries),
		ByAction:     make(map[string]int),
		ByOutcome:    make(map[string]int),
		ByKind:       make(map[string]int),
		ByRiskLevel:  make(map[string]int),
		Window:       w,
	}
	for _, e := range entries {
		summary.ByAction[e.Action]++
		summary.ByOutcome[e.Outcome]++
		summary.ByKind[e.ResourceKind]++
		summary.ByRiskLevel[e.RiskLevel]++
		if e.BreakGlass {
			summary.BreakGlass++
		}
	}
	return c.JSON(http.StatusOK, summary)
}

// HandleReport handles GET /audit/report, running gap verification over
// the requested window.
func (h *Handler) HandleReport(c echo.Context) error {
	if h.verifier == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "verification not configured")
	}
	w, err := parseWindow(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	report, err := h.verifier.Verify(c.Request().Context(), w)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "verification failed")
	}
	return c.JSON(http.StatusOK, report)
}

// HandleRetention handles GET /audit/retention. It returns the retention
// schedule and, when the trail has entries, how far along its oldest entry
// is under the audit_entry policy.
func (h *Handler) HandleRetention(c echo.Context) error {
	if h.retention == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "retention not configured")
	}

	policies := h.retention.GetAllPolicies()
	sort.Slice(policies, func(i, j int) bool {
		return policies[i].RecordKind < policies[j].RecordKind
	})
	report := RetentionReport{Policies: policies}

	// Oldest entry first: List orders ascending by occurrence.
	oldest, err := h.store.List(c.Request().Context(),
		Window{To: time.Now().UTC()}, Filter{Limit: 1})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "retention report failed")
	}
	if len(oldest) == 1 {
		at := oldest[0].OccurredAt
		status := h.retention.CheckRetention("audit_entry", at)
		report.OldestEntry = &at
		report.TrailStatus = &status
	}

	return c.JSON(http.StatusOK, report)
}
