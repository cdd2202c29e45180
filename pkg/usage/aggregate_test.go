package usage_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snuconnectome/viberank-connectomelab/pkg/usage"
)

func TestRecalculateTotals(t *testing.T) {
	daily := []usage.DailyRecord{
		{
			Date:                "2025-01-02",
			InputTokens:         500,
			OutputTokens:        400,
			CacheCreationTokens: 50,
			CacheReadTokens:     50,
			TotalTokens:         1000,
			TotalCost:           5.0,
			ModelsUsed:          []string{"claude-opus-3"},
		},
		{
			Date:         "2025-01-01",
			InputTokens:  300,
			OutputTokens: 200,
			TotalTokens:  500,
			TotalCost:    2.5,
			ModelsUsed:   []string{"claude-3-5-sonnet", "claude-opus-3"},
		},
	}

	r := usage.RecalculateTotals(daily)
	assert.Equal(t, int64(800), r.Totals.InputTokens)
	assert.Equal(t, int64(600), r.Totals.OutputTokens)
	assert.Equal(t, int64(50), r.Totals.CacheCreationTokens)
	assert.Equal(t, int64(50), r.Totals.CacheReadTokens)
	assert.Equal(t, int64(1500), r.Totals.TotalTokens)
	assert.InDelta(t, 7.5, r.Totals.TotalCost, 1e-9)
	assert.Equal(t, usage.DateRange{Start: "2025-01-01", End: "2025-01-02"}, r.DateRange)
	assert.Equal(t, []string{"claude-3-5-sonnet", "claude-opus-3"}, r.ModelsUsed)
}

func TestRecalculateTotals_Idempotent(t *testing.T) {
	daily := []usage.DailyRecord{
		{Date: "2025-01-01", InputTokens: 100, OutputTokens: 100, TotalTokens: 200, TotalCost: 1.0, ModelsUsed: []string{"m"}},
		{Date: "2025-01-03", InputTokens: 50, OutputTokens: 50, TotalTokens: 100, TotalCost: 0.5, ModelsUsed: []string{"m"}},
	}

	first := usage.RecalculateTotals(daily)
	second := usage.RecalculateTotals(daily)
	assert.Equal(t, first, second)
}

func TestRecalculateTotals_Empty(t *testing.T) {
	r := usage.RecalculateTotals(nil)
	assert.Zero(t, r.Totals)
	assert.Equal(t, usage.DateRange{}, r.DateRange)
	assert.Empty(t, r.ModelsUsed)
}

func sub(username, dept string, tokens int64, cost float64, models ...string) usage.CanonicalSubmission {
	return usage.CanonicalSubmission{
		Username:   username,
		Department: dept,
		Totals:     usage.Totals{TotalTokens: tokens, TotalCost: cost},
		ModelsUsed: models,
	}
}

func TestDepartmentStats(t *testing.T) {
	records := []usage.CanonicalSubmission{
		sub("alice", "neuro", 1000, 25, "claude-opus-3"),
		sub("bob", "neuro", 600, 15, "claude-3-5-sonnet", "claude-opus-3"),
	}

	stats := usage.DepartmentStats("neuro", records)
	assert.Equal(t, 2, stats.TotalIdentities)
	assert.Equal(t, int64(1600), stats.TotalTokens)
	assert.InDelta(t, 40.0, stats.TotalCost, 1e-9)
	assert.InDelta(t, 20.0, stats.AvgCostPerIdentity, 1e-9)
	assert.InDelta(t, 800.0, stats.AvgTokensPerIdentity, 1e-9)
	assert.Equal(t, []string{"claude-3-5-sonnet", "claude-opus-3"}, stats.ModelsUsed)
}

func TestDepartmentStats_CountsUsernamesOnce(t *testing.T) {
	// Two machines for the same researcher are one identity.
	records := []usage.CanonicalSubmission{
		sub("alice", "neuro", 1000, 30),
		sub("alice", "neuro", 500, 10),
	}

	stats := usage.DepartmentStats("neuro", records)
	assert.Equal(t, 1, stats.TotalIdentities)
	assert.InDelta(t, 40.0, stats.AvgCostPerIdentity, 1e-9)
}

func TestDepartmentStats_Empty(t *testing.T) {
	stats := usage.DepartmentStats("empty", nil)
	assert.Zero(t, stats.TotalIdentities)
	assert.Zero(t, stats.AvgCostPerIdentity)
	assert.Zero(t, stats.AvgTokensPerIdentity)
}

func TestLabStats(t *testing.T) {
	profiles := []usage.ProfileSummary{
		{Username: "alice", Department: "neuro", TotalTokens: 1000, TotalCost: 25},
		{Username: "bob", Department: "imaging", TotalTokens: 600, TotalCost: 15},
	}
	latest := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	submissions := []usage.CanonicalSubmission{
		{Username: "alice", ModelsUsed: []string{"claude-opus-3"}, SubmittedAt: latest.Add(-time.Hour)},
		{Username: "bob", ModelsUsed: []string{"claude-opus-3", "claude-3-5-sonnet"}, SubmittedAt: latest},
	}

	stats := usage.LabStats(profiles, submissions)
	assert.Equal(t, 2, stats.TotalIdentities)
	assert.Equal(t, 2, stats.TotalDepartments)
	assert.Equal(t, int64(1600), stats.TotalTokens)
	assert.InDelta(t, 40.0, stats.TotalCost, 1e-9)
	require.Len(t, stats.TopModels, 2)
	assert.Equal(t, usage.ModelUsage{Model: "claude-opus-3", UsageCount: 2}, stats.TopModels[0])
	assert.Equal(t, usage.ModelUsage{Model: "claude-3-5-sonnet", UsageCount: 1}, stats.TopModels[1])
	assert.Equal(t, latest, stats.LastSubmissionAt)
}

func TestLabStats_Empty(t *testing.T) {
	stats := usage.LabStats(nil, nil)
	assert.Zero(t, stats.TotalIdentities)
	assert.Zero(t, stats.AvgCostPerIdentity)
	assert.True(t, stats.LastSubmissionAt.IsZero())
	assert.Empty(t, stats.TopModels)
}

func TestFilterDaily(t *testing.T) {
	daily := []usage.DailyRecord{
		{Date: "2025-01-01"},
		{Date: "2025-01-05"},
		{Date: "2025-01-10"},
	}

	got := usage.FilterDaily(daily, "2025-01-02", "2025-01-10")
	require.Len(t, got, 2)
	assert.Equal(t, "2025-01-05", got[0].Date)
	assert.Equal(t, "2025-01-10", got[1].Date)

	assert.Empty(t, usage.FilterDaily(daily, "2025-02-01", "2025-02-28"))
}
