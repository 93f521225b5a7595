package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// SuspiciousActivity is one flagged finding in a report.
type SuspiciousActivity struct {
	Type        string `json:"type"`
	Severity    string `json:"severity"`
	UserID      string `json:"user_id,omitempty"`
	Action      string `json:"action,omitempty"`
	Count       int    `json:"count,omitempty"`
	Description string `json:"description"`
}

// AuditReport aggregates a period of one organization's chain.
type AuditReport struct {
	OrganizationID     string               `json:"organization_id"`
	PeriodStart        time.Time            `json:"period_start"`
	PeriodEnd          time.Time            `json:"period_end"`
	TotalEvents        int64                `json:"total_events"`
	EventsByAction     map[string]int64     `json:"events_by_action"`
	EventsByResource   map[string]int64     `json:"events_by_resource"`
	EventsByUser       map[string]int64     `json:"events_by_user"`
	SuspiciousActivity []SuspiciousActivity `json:"suspicious_activity"`
	Warning            string               `json:"warning,omitempty"`
}

// Stats is the 30-day headline block used by the dashboard.
type Stats struct {
	TotalEvents    int64 `json:"total_events"`
	CreateActions  int64 `json:"create_actions"`
	UpdateActions  int64 `json:"update_actions"`
	DeleteActions  int64 `json:"delete_actions"`
	SecurityEvents int64 `json:"security_events"`
	UniqueUsers    int64 `json:"unique_users"`
	RecentEvents   int64 `json:"recent_events"` // last 7 days
}

// SummaryRow counts one resource/action pair.
type SummaryRow struct {
	Resource     string    `json:"resource"`
	Action       string    `json:"action"`
	Count        int64     `json:"count"`
	LastActivity time.Time `json:"last_activity"`
}

// AnalyticsBucket is one day of trend data.
type AnalyticsBucket struct {
	Date        string `json:"date"`
	TotalEvents int64  `json:"total_events"`
	Creates     int64  `json:"creates"`
	Updates     int64  `json:"updates"`
	Deletes     int64  `json:"deletes"`
	UniqueUsers int64  `json:"unique_users"`
}

// Insight is a threshold-driven advisory finding.
type Insight struct {
	Type        string `json:"type"`
	Priority    string `json:"priority"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Suggestion  string `json:"suggestion"`
}

// Dashboard is the operator landing view.
type Dashboard struct {
	Stats     Stats            `json:"stats"`
	Recent    []AuditEvent     `json:"recent"`
	Summary   []SummaryRow     `json:"summary"`
	Integrity *IntegrityReport `json:"integrity"`
	Warning   string           `json:"warning,omitempty"`
}

// Reporter builds all aggregated views purely from query-engine reads;
// it owns no storage of its own. Views tolerate a chain with a known
// break by attaching a warning instead of failing.
type Reporter struct {
	store    Store
	verifier *Verifier
	rules    SuspicionRules
	now      func() time.Time
}

// NewReporter builds a Reporter with the given heuristics thresholds.
func NewReporter(store Store, rules SuspicionRules) *Reporter {
	return &Reporter{
		store:    store,
		verifier: NewVerifier(store),
		rules:    rules.withDefaults(),
		now:      time.Now,
	}
}

// Report aggregates the trailing period and runs the suspicious-activity
// heuristics over it.
func (r *Reporter) Report(ctx context.Context, orgID string, period time.Duration) (*AuditReport, error) {
	if period <= 0 {
		period = 30 * 24 * time.Hour
	}
	end := r.now().UTC()
	start := end.Add(-period)

	report := &AuditReport{
		OrganizationID:   orgID,
		PeriodStart:      start,
		PeriodEnd:        end,
		EventsByAction:   make(map[string]int64),
		EventsByResource: make(map[string]int64),
		EventsByUser:     make(map[string]int64),
	}

	var window []AuditEvent
	filter := Filter{OrganizationID: orgID, DateFrom: &start, DateTo: &end}
	err := r.forEach(ctx, filter, func(e *AuditEvent) {
		report.TotalEvents++
		report.EventsByAction[e.Action]++
		report.EventsByResource[e.Resource]++
		if e.UserID != nil {
			report.EventsByUser[*e.UserID]++
		}
		window = append(window, *e)
	})
	if err != nil {
		return nil, err
	}

	report.SuspiciousActivity = r.detectSuspicious(window)
	report.Warning = r.integrityWarning(ctx, orgID)
	return report, nil
}

// Stats aggregates the trailing 30 days.
func (r *Reporter) Stats(ctx context.Context, orgID string) (*Stats, error) {
	end := r.now().UTC()
	start := end.Add(-30 * 24 * time.Hour)
	weekAgo := end.Add(-7 * 24 * time.Hour)

	stats := &Stats{}
	users := make(map[string]struct{})
	filter := Filter{OrganizationID: orgID, DateFrom: &start, DateTo: &end}
	err := r.forEach(ctx, filter, func(e *AuditEvent) {
		stats.TotalEvents++
		switch e.Action {
		case ActionCreate:
			stats.CreateActions++
		case ActionUpdate:
			stats.UpdateActions++
		case ActionDelete:
			stats.DeleteActions++
		case ActionLogin, ActionLoginFailed, ActionLogout,
			ActionMFAEnabled, ActionMFADisabled,
			ActionRoleGranted, ActionRoleRevoked, ActionPermissionChanged:
			stats.SecurityEvents++
		}
		if e.UserID != nil {
			users[*e.UserID] = struct{}{}
		}
		if !e.Timestamp.Before(weekAgo) {
			stats.RecentEvents++
		}
	})
	if err != nil {
		return nil, err
	}
	stats.UniqueUsers = int64(len(users))
	return stats, nil
}

// Summary counts resource/action pairs over the trailing 30 days, most
// frequent first.
func (r *Reporter) Summary(ctx context.Context, orgID string) ([]SummaryRow, error) {
	end := r.now().UTC()
	start := end.Add(-30 * 24 * time.Hour)

	type key struct{ resource, action string }
	rows := make(map[key]*SummaryRow)
	filter := Filter{OrganizationID: orgID, DateFrom: &start, DateTo: &end}
	err := r.forEach(ctx, filter, func(e *AuditEvent) {
		k := key{e.Resource, e.Action}
		row, ok := rows[k]
		if !ok {
			row = &SummaryRow{Resource: e.Resource, Action: e.Action}
			rows[k] = row
		}
		row.Count++
		if e.Timestamp.After(row.LastActivity) {
			row.LastActivity = e.Timestamp
		}
	})
	if err != nil {
		return nil, err
	}

	out := make([]SummaryRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Resource < out[j].Resource
	})
	return out, nil
}

// Analytics buckets the trailing 30 days per day, newest first.
func (r *Reporter) Analytics(ctx context.Context, orgID string) ([]AnalyticsBucket, error) {
	end := r.now().UTC()
	start := end.Add(-30 * 24 * time.Hour)

	buckets := make(map[string]*AnalyticsBucket)
	users := make(map[string]map[string]struct{})
	filter := Filter{OrganizationID: orgID, DateFrom: &start, DateTo: &end}
	err := r.forEach(ctx, filter, func(e *AuditEvent) {
		day := e.Timestamp.UTC().Format("2006-01-02")
		bucket, ok := buckets[day]
		if !ok {
			bucket = &AnalyticsBucket{Date: day}
			buckets[day] = bucket
			users[day] = make(map[string]struct{})
		}
		bucket.TotalEvents++
		switch e.Action {
		case ActionCreate:
			bucket.Creates++
		case ActionUpdate:
			bucket.Updates++
		case ActionDelete:
			bucket.Deletes++
		}
		if e.UserID != nil {
			users[day][*e.UserID] = struct{}{}
		}
	})
	if err != nil {
		return nil, err
	}

	out := make([]AnalyticsBucket, 0, len(buckets))
	for day, bucket := range buckets {
		bucket.UniqueUsers = int64(len(users[day]))
		out = append(out, *bucket)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	return out, nil
}

// Insights derives advisory findings from the stats block.
func (r *Reporter) Insights(ctx context.Context, orgID string) ([]Insight, error) {
	stats, err := r.Stats(ctx, orgID)
	if err != nil {
		return nil, err
	}

	var insights []Insight
	if stats.TotalEvents > 1000 {
		insights = append(insights, Insight{
			Type:        "high_activity",
			Priority:    "medium",
			Title:       "High audit activity",
			Description: fmt.Sprintf("%d audit entries in the last 30 days.", stats.TotalEvents),
			Suggestion:  "Review retention policy and storage headroom.",
		})
	}
	if stats.DeleteActions > 100 {
		insights = append(insights, Insight{
			Type:        "delete_actions",
			Priority:    "high",
			Title:       "High number of delete actions",
			Description: fmt.Sprintf("%d delete actions recorded in the last 30 days.", stats.DeleteActions),
			Suggestion:  "Review deletions for potential data loss.",
		})
	}
	if stats.SecurityEvents > 200 {
		insights = append(insights, Insight{
			Type:        "security_activity",
			Priority:    "medium",
			Title:       "Elevated security event volume",
			Description: fmt.Sprintf("%d security events in the last 30 days.", stats.SecurityEvents),
			Suggestion:  "Check authentication and role-change patterns.",
		})
	}
	return insights, nil
}

// Dashboard composes stats, the 20 most recent events, the summary, and
// an anchored integrity check. A known break sets Warning but never
// fails the view.
func (r *Reporter) Dashboard(ctx context.Context, orgID string) (*Dashboard, error) {
	stats, err := r.Stats(ctx, orgID)
	if err != nil {
		return nil, err
	}
	recent, err := r.store.Select(ctx, Filter{OrganizationID: orgID}, 20, 0)
	if err != nil {
		return nil, err
	}
	summary, err := r.Summary(ctx, orgID)
	if err != nil {
		return nil, err
	}

	dashboard := &Dashboard{Stats: *stats, Recent: recent, Summary: summary}
	integrity, err := r.anchoredVerify(ctx, orgID)
	if err != nil {
		return nil, err
	}
	dashboard.Integrity = integrity
	if !integrity.Valid() {
		dashboard.Warning = breakWarning(integrity)
	}
	return dashboard, nil
}

// IntegrityWarning runs the anchored verification and returns a warning
// string for broken chains, empty otherwise.
func (r *Reporter) integrityWarning(ctx context.Context, orgID string) string {
	report, err := r.anchoredVerify(ctx, orgID)
	if err != nil || report.Valid() {
		return ""
	}
	return breakWarning(report)
}

// anchoredVerify scans from the newest checkpoint forward so dashboards
// stay cheap on long-lived pruned chains.
func (r *Reporter) anchoredVerify(ctx context.Context, orgID string) (*IntegrityReport, error) {
	fromSeq := int64(1)
	checkpoint, err := r.store.LatestCheckpoint(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if checkpoint != nil {
		fromSeq = checkpoint.Sequence
	}
	return r.verifier.Verify(ctx, orgID, fromSeq, 0)
}

func breakWarning(report *IntegrityReport) string {
	return fmt.Sprintf("chain integrity break at sequence %d; results at or after that sequence are untrustworthy",
		*report.BrokenAtSequence)
}

func (r *Reporter) detectSuspicious(events []AuditEvent) []SuspiciousActivity {
	var findings []SuspiciousActivity

	// Privilege escalation is always flagged regardless of volume.
	for _, e := range events {
		if r.rules.isEscalation(e.Action) {
			finding := SuspiciousActivity{
				Type:        "privilege_escalation",
				Severity:    "high",
				Action:      e.Action,
				Count:       1,
				Description: fmt.Sprintf("%s on %s %s", e.Action, e.Resource, e.ResourceID),
			}
			if e.UserID != nil {
				finding.UserID = *e.UserID
			}
			findings = append(findings, finding)
		}
	}

	// Repeated failed logins per user.
	failed := make(map[string]int)
	for _, e := range events {
		if e.Action == ActionLoginFailed && e.UserID != nil {
			failed[*e.UserID]++
		}
	}
	for userID, count := range failed {
		if count >= r.rules.FailedLoginThreshold {
			findings = append(findings, SuspiciousActivity{
				Type:        "repeated_login_failures",
				Severity:    "high",
				UserID:      userID,
				Action:      ActionLoginFailed,
				Count:       count,
				Description: fmt.Sprintf("%d failed logins for user %s", count, userID),
			})
		}
	}

	// Burst detection: sliding window per user over chronologically
	// ordered events.
	byUser := make(map[string][]time.Time)
	for _, e := range events {
		if e.UserID == nil {
			continue
		}
		byUser[*e.UserID] = append(byUser[*e.UserID], e.Timestamp)
	}
	for userID, stamps := range byUser {
		sort.Slice(stamps, func(i, j int) bool { return stamps[i].Before(stamps[j]) })
		lo := 0
		best := 0
		for hi := range stamps {
			for stamps[hi].Sub(stamps[lo]) > r.rules.BurstWindow {
				lo++
			}
			if n := hi - lo + 1; n > best {
				best = n
			}
		}
		if best > r.rules.BurstThreshold {
			findings = append(findings, SuspiciousActivity{
				Type:        "burst_activity",
				Severity:    "medium",
				UserID:      userID,
				Count:       best,
				Description: fmt.Sprintf("%d actions by user %s within %s", best, userID, r.rules.BurstWindow),
			})
		}
	}

	// Off-hours activity, one finding per user.
	offHours := make(map[string]int)
	for _, e := range events {
		if e.UserID != nil && r.rules.isOffHours(e.Timestamp) {
			offHours[*e.UserID]++
		}
	}
	for userID, count := range offHours {
		findings = append(findings, SuspiciousActivity{
			Type:        "off_hours_activity",
			Severity:    "low",
			UserID:      userID,
			Count:       count,
			Description: fmt.Sprintf("%d actions by user %s outside business hours", count, userID),
		})
	}

	sort.SliceStable(findings, func(i, j int) bool {
		return severityRank(findings[i].Severity) > severityRank(findings[j].Severity)
	})
	return findings
}

func severityRank(s string) int {
	switch s {
	case "high":
		return 3
	case "medium":
		return 2
	case "low":
		return 1
	default:
		return 0
	}
}

// forEach pages through the filtered events so large windows never load
// wholesale into memory.
func (r *Reporter) forEach(ctx context.Context, f Filter, fn func(*AuditEvent)) error {
	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := r.store.Select(ctx, f, MaxQueryLimit, offset)
		if err != nil {
			return err
		}
		for i := range page {
			fn(&page[i])
		}
		if len(page) < MaxQueryLimit {
			return nil
		}
		offset += len(page)
	}
}
