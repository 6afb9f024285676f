package audit

import "testing"

func TestScore(t *testing.T) {
	tests := []struct {
		name          string
		action        string
		crossPractice bool
		failed        bool
		want          int
	}{
		{name: "access", action: ActionAccess, want: 10},
		{name: "create", action: ActionCreate, want: 25},
		{name: "update", action: ActionUpdate, want: 30},
		{name: "denied", action: ActionDenied, want: 35},
		{name: "delete", action: ActionDelete, want: 45},
		{name: "export", action: ActionExport, want: 60},
		{name: "access cross-practice", action: ActionAccess, crossPractice: true, want: 35},
		{name: "access failed", action: ActionAccess, failed: true, want: 30},
		{name: "export cross-practice", action: ActionExport, crossPractice: true, want: 85},
		{name: "export cross-practice failed", action: ActionExport, crossPractice: true, failed: true, want: 100},
		{name: "delete cross-practice failed", action: ActionDelete, crossPractice: true, failed: true, want: 90},
		{name: "unknown action scores zero base", action: "bogus", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Score(tt.action, tt.crossPractice, tt.failed)
			if got != tt.want {
				t.Errorf("Score(%s, cross=%v, failed=%v) = %d, want %d",
					tt.action, tt.crossPractice, tt.failed, got, tt.want)
			}
		})
	}
}

func TestScoreNeverExceedsCap(t *testing.T) {
	for _, action := range ValidActions() {
		if got := Score(action, true, true); got > 100 {
			t.Errorf("Score(%s, true, true) = %d, exceeds 100", action, got)
		}
	}
}

func TestLevel(t *testing.T) {
	tests := []struct {
		score int
		want  string
	}{
		{0, RiskLow},
		{10, RiskLow},
		{29, RiskLow},
		{30, RiskMedium},
		{45, RiskMedium},
		{59, RiskMedium},
		{60, RiskHigh},
		{84, RiskHigh},
		{85, RiskCritical},
		{100, RiskCritical},
	}

	for _, tt := range tests {
		if got := Level(tt.score); got != tt.want {
			t.Errorf("Level(%d) = %s, want %s", tt.score, got, tt.want)
		}
	}
}
