package finance

import (
	"testing"

	"economat/internal/core"
)

func TestScoreBreakdown_Tiers(t *testing.T) {
	tests := []struct {
		name     string
		snap     core.CapitalSnapshot
		want     Breakdown
		wantRank core.HealthLevel
	}{
		{
			name: "maximum on every axis",
			snap: core.CapitalSnapshot{Balance: 1_000_000_000_000, MonthlyFlow: 2_000_000, TotalIncome: 3_000_000, TotalExpenses: 1_000_000},
			want: Breakdown{Capital: 40, Flow: 30, Ratio: 20, Stability: 10, Total: 100},
		},
		{
			name: "negative balance",
			snap: core.CapitalSnapshot{Balance: -120_000, MonthlyFlow: -600_000, TotalIncome: 100, TotalExpenses: 200},
			want: Breakdown{Capital: 0, Flow: 0, Ratio: 0, Stability: 0, Total: 0},
		},
		{
			name: "mid tiers",
			snap: core.CapitalSnapshot{Balance: 2_000_000, MonthlyFlow: 500_001, TotalIncome: 120, TotalExpenses: 100},
			want: Breakdown{Capital: 32, Flow: 24, Ratio: 16, Stability: 10, Total: 82},
		},
		{
			name: "one positive metric",
			snap: core.CapitalSnapshot{Balance: 1_000_000, MonthlyFlow: -1, TotalIncome: 100, TotalExpenses: 100},
			want: Breakdown{Capital: 24, Flow: 10, Ratio: 12, Stability: 5, Total: 51},
		},
		{
			name: "zero flow is not positive",
			snap: core.CapitalSnapshot{Balance: 0, MonthlyFlow: 0, TotalIncome: 80, TotalExpenses: 100},
			want: Breakdown{Capital: 16, Flow: 10, Ratio: 8, Stability: 0, Total: 34},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ScoreBreakdown(tt.snap)
			if got.Capital != tt.want.Capital || got.Flow != tt.want.Flow || got.Ratio != tt.want.Ratio ||
				got.Stability != tt.want.Stability || got.Total != tt.want.Total {
				t.Errorf("ScoreBreakdown() = %+v, want %+v", got, tt.want)
			}
			if got.Level != LevelFor(tt.want.Total) {
				t.Errorf("ScoreBreakdown() level = %v, want %v", got.Level, LevelFor(tt.want.Total))
			}
		})
	}
}

func TestRatioScore(t *testing.T) {
	tests := []struct {
		name        string
		income      core.Money
		expenses    core.Money
		want        int
		wantDefined bool
	}{
		{"both zero is undefined", 0, 0, 0, false},
		{"income without expenses", 1, 0, 20, true},
		{"exactly 1.5", 150, 100, 20, true},
		{"just under 1.5", 149, 100, 16, true},
		{"exactly 1.2", 6, 5, 16, true},
		{"exactly 1.0", 100, 100, 12, true},
		{"exactly 0.8", 4, 5, 8, true},
		{"under 0.8", 79, 100, 0, true},
		{"no income", 0, 100, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, got, defined := ratioScore(tt.income, tt.expenses)
			if got != tt.want || defined != tt.wantDefined {
				t.Errorf("ratioScore(%d, %d) = %d, %v, want %d, %v", tt.income, tt.expenses, got, defined, tt.want, tt.wantDefined)
			}
		})
	}
}

func TestScore_Bounds(t *testing.T) {
	values := []core.Money{-1_000_000_000_000, -5_000_000, -500_000, -1, 0, 1, 499_999, 1_000_000, 5_000_000, 1_000_000_000_000}
	amounts := []core.Money{0, 1, 100, 1_000_000, 1_000_000_000_000}

	for _, balance := range values {
		for _, flow := range values {
			for _, income := range amounts {
				for _, expenses := range amounts {
					snap := core.CapitalSnapshot{Balance: balance, MonthlyFlow: flow, TotalIncome: income, TotalExpenses: expenses}
					b := ScoreBreakdown(snap)
					if b.Total < 0 || b.Total > 100 {
						t.Fatalf("score %d out of range for %+v", b.Total, snap)
					}
					if b.Capital > MaxCapitalScore || b.Flow > MaxFlowScore || b.Ratio > MaxRatioScore || b.Stability > MaxStabilityScore {
						t.Fatalf("sub-score above cap: %+v", b)
					}
				}
			}
		}
	}
}

func TestLevelFor(t *testing.T) {
	tests := []struct {
		score int
		want  core.HealthLevel
	}{
		{100, core.LevelExcellent},
		{85, core.LevelExcellent},
		{84, core.LevelGood},
		{70, core.LevelGood},
		{69, core.LevelWarning},
		{50, core.LevelWarning},
		{49, core.LevelCritical},
		{0, core.LevelCritical},
	}
	for _, tt := range tests {
		if got := LevelFor(tt.score); got != tt.want {
			t.Errorf("LevelFor(%d) = %v, want %v", tt.score, got, tt.want)
		}
	}
}
