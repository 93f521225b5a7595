package ledger

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SuspicionRules holds the configurable thresholds behind the
// suspicious-activity heuristics. Zero values fall back to the defaults.
type SuspicionRules struct {
	// BurstThreshold flags a user exceeding this many actions within
	// BurstWindow.
	BurstThreshold int
	BurstWindow    time.Duration

	// FailedLoginThreshold flags repeated LOGIN_FAILED events per user.
	FailedLoginThreshold int

	// Business hours in the organization's local day, 24h clock. Events
	// outside [Start, End) are off-hours.
	BusinessHoursStart int
	BusinessHoursEnd   int

	// EscalationActions are always flagged regardless of volume.
	EscalationActions []string
}

// DefaultSuspicionRules returns the shipped thresholds.
func DefaultSuspicionRules() SuspicionRules {
	return SuspicionRules{
		BurstThreshold:       50,
		BurstWindow:          10 * time.Minute,
		FailedLoginThreshold: 5,
		BusinessHoursStart:   7,
		BusinessHoursEnd:     20,
		EscalationActions: []string{
			ActionRoleGranted,
			ActionRoleRevoked,
			ActionPermissionChanged,
		},
	}
}

// rulesFile is the YAML shape of a rules file. Durations are strings in
// time.ParseDuration syntax ("10m", "1h30m").
type rulesFile struct {
	BurstThreshold       int      `yaml:"burst_threshold"`
	BurstWindow          string   `yaml:"burst_window"`
	FailedLoginThreshold int      `yaml:"failed_login_threshold"`
	BusinessHoursStart   int      `yaml:"business_hours_start"`
	BusinessHoursEnd     int      `yaml:"business_hours_end"`
	EscalationActions    []string `yaml:"escalation_actions"`
}

// LoadSuspicionRules reads a YAML rules file, filling omitted fields from
// the defaults.
func LoadSuspicionRules(path string) (SuspicionRules, error) {
	rules := DefaultSuspicionRules()

	data, err := os.ReadFile(path)
	if err != nil {
		return rules, fmt.Errorf("read rules file: %w", err)
	}

	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return rules, fmt.Errorf("parse rules file: %w", err)
	}

	rules = SuspicionRules{
		BurstThreshold:       file.BurstThreshold,
		FailedLoginThreshold: file.FailedLoginThreshold,
		BusinessHoursStart:   file.BusinessHoursStart,
		BusinessHoursEnd:     file.BusinessHoursEnd,
		EscalationActions:    file.EscalationActions,
	}
	if file.BurstWindow != "" {
		window, err := time.ParseDuration(file.BurstWindow)
		if err != nil {
			return DefaultSuspicionRules(), fmt.Errorf("parse burst_window: %w", err)
		}
		rules.BurstWindow = window
	}
	return rules.withDefaults(), nil
}

func (r SuspicionRules) withDefaults() SuspicionRules {
	def := DefaultSuspicionRules()
	if r.BurstThreshold <= 0 {
		r.BurstThreshold = def.BurstThreshold
	}
	if r.BurstWindow <= 0 {
		r.BurstWindow = def.BurstWindow
	}
	if r.FailedLoginThreshold <= 0 {
		r.FailedLoginThreshold = def.FailedLoginThreshold
	}
	if r.BusinessHoursEnd <= r.BusinessHoursStart {
		r.BusinessHoursStart = def.BusinessHoursStart
		r.BusinessHoursEnd = def.BusinessHoursEnd
	}
	if len(r.EscalationActions) == 0 {
		r.EscalationActions = def.EscalationActions
	}
	return r
}

func (r SuspicionRules) isEscalation(action string) bool {
	for _, a := range r.EscalationActions {
		if a == action {
			return true
		}
	}
	return false
}

func (r SuspicionRules) isOffHours(t time.Time) bool {
	hour := t.UTC().Hour()
	return hour < r.BusinessHoursStart || hour >= r.BusinessHoursEnd
}
