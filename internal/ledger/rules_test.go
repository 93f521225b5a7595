package ledger

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadSuspicionRulesOverridesAndDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	content := []byte("burst_threshold: 10\nburst_window: 5m\nfailed_login_threshold: 3\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	rules, err := LoadSuspicionRules(path)
	if err != nil {
		t.Fatal(err)
	}

	if rules.BurstThreshold != 10 {
		t.Fatalf("burst threshold = %d, want 10", rules.BurstThreshold)
	}
	if rules.BurstWindow != 5*time.Minute {
		t.Fatalf("burst window = %v, want 5m", rules.BurstWindow)
	}
	if rules.FailedLoginThreshold != 3 {
		t.Fatalf("failed login threshold = %d, want 3", rules.FailedLoginThreshold)
	}

	// Omitted fields keep the shipped defaults.
	def := DefaultSuspicionRules()
	if rules.BusinessHoursStart != def.BusinessHoursStart || rules.BusinessHoursEnd != def.BusinessHoursEnd {
		t.Fatalf("business hours = %d-%d, want defaults", rules.BusinessHoursStart, rules.BusinessHoursEnd)
	}
	if len(rules.EscalationActions) != len(def.EscalationActions) {
		t.Fatalf("escalation actions = %v, want defaults", rules.EscalationActions)
	}
}

func TestLoadSuspicionRulesMissingFile(t *testing.T) {
	if _, err := LoadSuspicionRules(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for a missing file")
	}
}

func TestLoadSuspicionRulesRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte("{not yaml"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSuspicionRules(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestWithDefaultsRepairsInvertedHours(t *testing.T) {
	rules := SuspicionRules{BusinessHoursStart: 20, BusinessHoursEnd: 8}.withDefaults()
	def := DefaultSuspicionRules()
	if rules.BusinessHoursStart != def.BusinessHoursStart || rules.BusinessHoursEnd != def.BusinessHoursEnd {
		t.Fatalf("hours = %d-%d, want defaults restored", rules.BusinessHoursStart, rules.BusinessHoursEnd)
	}
}

func TestIsOffHours(t *testing.T) {
	rules := DefaultSuspicionRules()
	tests := []struct {
		name string
		hour int
		want bool
	}{
		{"middle of the night", 3, true},
		{"just before opening", 6, true},
		{"opening hour counts as business", 7, false},
		{"midday", 12, false},
		{"last business hour", 19, false},
		{"closing hour is off", 20, true},
		{"late evening", 23, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			at := time.Date(2026, 5, 15, tc.hour, 30, 0, 0, time.UTC)
			if got := rules.isOffHours(at); got != tc.want {
				t.Fatalf("isOffHours(%02d:30) = %v, want %v", tc.hour, got, tc.want)
			}
		})
	}
}

func TestIsEscalation(t *testing.T) {
	rules := DefaultSuspicionRules()
	if !rules.isEscalation(ActionRoleGranted) {
		t.Fatal("ROLE_GRANTED not flagged")
	}
	if rules.isEscalation(ActionCreate) {
		t.Fatal("CREATE flagged as escalation")
	}
}
