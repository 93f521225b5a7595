package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"trailkeep/internal/ledger"
)

const defaultReportDays = 30

// API wires the ledger components behind the HTTP surface.
type API struct {
	recorder  *ledger.Recorder
	queries   *ledger.QueryEngine
	verifier  *ledger.Verifier
	reporter  *ledger.Reporter
	exporter  *ledger.Exporter
	retention *ledger.RetentionManager

	retentionDays int
}

// Deps carries the API's collaborators.
type Deps struct {
	Recorder  *ledger.Recorder
	Queries   *ledger.QueryEngine
	Verifier  *ledger.Verifier
	Reporter  *ledger.Reporter
	Exporter  *ledger.Exporter
	Retention *ledger.RetentionManager

	RetentionDays int
}

// NewAPI validates the dependency set and builds the handler layer.
func NewAPI(deps Deps) (*API, error) {
	if deps.Recorder == nil {
		return nil, errors.New("recorder is required")
	}
	if deps.Queries == nil {
		return nil, errors.New("query engine is required")
	}
	if deps.Verifier == nil {
		return nil, errors.New("verifier is required")
	}
	if deps.Reporter == nil {
		return nil, errors.New("reporter is required")
	}
	if deps.Exporter == nil {
		return nil, errors.New("exporter is required")
	}
	if deps.Retention == nil {
		return nil, errors.New("retention manager is required")
	}
	if deps.RetentionDays <= 0 {
		deps.RetentionDays = ledger.DefaultRetentionDays
	}
	return &API{
		recorder:      deps.Recorder,
		queries:       deps.Queries,
		verifier:      deps.Verifier,
		reporter:      deps.Reporter,
		exporter:      deps.Exporter,
		retention:     deps.Retention,
		retentionDays: deps.RetentionDays,
	}, nil
}

func filterFromRequest(r *http.Request) (ledger.Filter, error) {
	q := r.URL.Query()
	f := ledger.Filter{
		OrganizationID: orgFromContext(r.Context()),
		UserID:         q.Get("userId"),
		Action:         q.Get("action"),
		Resource:       q.Get("entityType"),
		ResourceID:     q.Get("entityId"),
	}

	from, err := queryTime(r, "startDate")
	if err != nil {
		return f, err
	}
	to, err := queryTime(r, "endDate")
	if err != nil {
		return f, err
	}
	f.DateFrom = from
	f.DateTo = to
	return f, nil
}

func (a *API) handleListTrails(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromRequest(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid query", err)
		return
	}
	limit, err := queryInt(r, "limit", ledger.DefaultQueryLimit)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid query", err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid query", err)
		return
	}
	if offset < 0 {
		offset = 0
	}

	events, err := a.queries.Query(r.Context(), f, limit, offset)
	if err != nil {
		respondLedgerError(w, "failed to list audit trails", err)
		return
	}
	total, err := a.queries.Count(r.Context(), f)
	if err != nil {
		respondLedgerError(w, "failed to count audit trails", err)
		return
	}

	respondData(w, http.StatusOK, map[string]any{
		"trails": events,
		"total":  total,
		"limit":  ledger.ClampLimit(limit),
		"offset": offset,
	})
}

func (a *API) handleGetTrail(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid trail id", err)
		return
	}

	event, err := a.queries.Get(r.Context(), orgFromContext(r.Context()), id)
	if err != nil {
		respondLedgerError(w, "failed to load audit trail", err)
		return
	}
	respondData(w, http.StatusOK, event)
}

func (a *API) handleRecordTrail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID     *string         `json:"userId"`
		Action     string          `json:"action"`
		EntityType string          `json:"entityType"`
		EntityID   string          `json:"entityId"`
		OldValues  json.RawMessage `json:"oldValues"`
		NewValues  json.RawMessage `json:"newValues"`
		Metadata   json.RawMessage `json:"metadata"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	entry := ledger.Entry{
		OrganizationID: orgFromContext(r.Context()),
		UserID:         req.UserID,
		Action:         req.Action,
		Resource:       req.EntityType,
		ResourceID:     req.EntityID,
		OldValues:      req.OldValues,
		NewValues:      req.NewValues,
		Metadata:       req.Metadata,
		IPAddress:      clientIP(r),
		UserAgent:      r.UserAgent(),
	}

	event, err := a.recorder.Record(r.Context(), entry)
	if err != nil {
		respondLedgerError(w, "failed to record audit trail", err)
		return
	}
	respondData(w, http.StatusCreated, event)
}

// handleVerifyTrail re-verifies the chain from its start through the
// named event.
func (a *API) handleVerifyTrail(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid trail id", err)
		return
	}

	org := orgFromContext(r.Context())
	event, err := a.queries.Get(r.Context(), org, id)
	if err != nil {
		respondLedgerError(w, "failed to load audit trail", err)
		return
	}

	report, err := a.verifier.Verify(r.Context(), org, 0, event.Sequence)
	if err != nil {
		respondLedgerError(w, "failed to verify audit trail", err)
		return
	}
	respondData(w, http.StatusOK, map[string]any{
		"trail_id": event.ID,
		"valid":    report.Valid(),
		"report":   report,
	})
}

func (a *API) handleIntegrityReport(w http.ResponseWriter, r *http.Request) {
	from, err := queryInt(r, "fromSequence", 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid query", err)
		return
	}
	to, err := queryInt(r, "toSequence", 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid query", err)
		return
	}

	report, err := a.verifier.Verify(r.Context(), orgFromContext(r.Context()), int64(from), int64(to))
	if err != nil {
		respondLedgerError(w, "failed to verify chain", err)
		return
	}
	respondData(w, http.StatusOK, report)
}

func (a *API) handleDashboard(w http.ResponseWriter, r *http.Request) {
	dashboard, err := a.reporter.Dashboard(r.Context(), orgFromContext(r.Context()))
	if err != nil {
		respondLedgerError(w, "failed to build dashboard", err)
		return
	}
	respondData(w, http.StatusOK, dashboard)
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.reporter.Stats(r.Context(), orgFromContext(r.Context()))
	if err != nil {
		respondLedgerError(w, "failed to compute stats", err)
		return
	}
	respondData(w, http.StatusOK, stats)
}

func (a *API) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := a.reporter.Summary(r.Context(), orgFromContext(r.Context()))
	if err != nil {
		respondLedgerError(w, "failed to compute summary", err)
		return
	}
	respondData(w, http.StatusOK, summary)
}

func (a *API) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	buckets, err := a.reporter.Analytics(r.Context(), orgFromContext(r.Context()))
	if err != nil {
		respondLedgerError(w, "failed to compute analytics", err)
		return
	}
	respondData(w, http.StatusOK, buckets)
}

func (a *API) handleInsights(w http.ResponseWriter, r *http.Request) {
	insights, err := a.reporter.Insights(r.Context(), orgFromContext(r.Context()))
	if err != nil {
		respondLedgerError(w, "failed to compute insights", err)
		return
	}
	respondData(w, http.StatusOK, insights)
}

func (a *API) handleReport(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", defaultReportDays)
	if err != nil || days <= 0 {
		respondError(w, http.StatusBadRequest, "invalid query", errors.New("days must be a positive integer"))
		return
	}

	report, err := a.reporter.Report(r.Context(), orgFromContext(r.Context()), time.Duration(days)*24*time.Hour)
	if err != nil {
		respondLedgerError(w, "failed to build report", err)
		return
	}
	respondData(w, http.StatusOK, report)
}

func (a *API) handleExport(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromRequest(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid query", err)
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = ledger.FormatJSON
	}

	var contentType string
	switch format {
	case ledger.FormatCSV:
		contentType = "text/csv"
	case ledger.FormatJSON:
		contentType = "application/json"
	default:
		respondError(w, http.StatusBadRequest, "invalid query", errors.New("format must be csv or json"))
		return
	}

	filename := fmt.Sprintf("audit-trails-%s.%s", time.Now().UTC().Format("2006-01-02"), format)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)

	if err := a.exporter.Export(r.Context(), f, format, w); err != nil {
		// Headers are already gone; the truncated body is the only signal.
		return
	}

	// The export itself is an auditable act.
	entry := ledger.Entry{
		OrganizationID: f.OrganizationID,
		Action:         ledger.ActionExport,
		Resource:       "audit_trail",
		ResourceID:     filename,
		Metadata:       json.RawMessage(fmt.Sprintf(`{"format":%q}`, format)),
		IPAddress:      clientIP(r),
		UserAgent:      r.UserAgent(),
	}
	_, _ = a.recorder.Record(r.Context(), entry)
}

func (a *API) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RetentionDays int `json:"retentionDays"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	days := req.RetentionDays
	if days == 0 {
		days = a.retentionDays
	}
	if days < 0 {
		respondError(w, http.StatusBadRequest, "invalid request body", errors.New("retentionDays must be positive"))
		return
	}

	result, err := a.retention.Prune(r.Context(), orgFromContext(r.Context()), days)
	if err != nil {
		respondLedgerError(w, "failed to prune audit trails", err)
		return
	}
	respondData(w, http.StatusOK, result)
}
