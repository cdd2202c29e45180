package usage

import (
	"sort"
	"time"

	"github.com/samber/lo"
)

// Rollup is the derived aggregate of a per-day breakdown.
type Rollup struct {
	Totals     Totals
	DateRange  DateRange
	ModelsUsed []string
}

// RecalculateTotals rederives aggregate totals, the date range, and the model
// set from a daily breakdown. It is a pure function of its input: recomputing
// from the same breakdown always yields the same rollup.
func RecalculateTotals(daily []DailyRecord) Rollup {
	var r Rollup
	models := []string{}
	for _, day := range daily {
		r.Totals.InputTokens += day.InputTokens
		r.Totals.OutputTokens += day.OutputTokens
		r.Totals.CacheCreationTokens += day.CacheCreationTokens
		r.Totals.CacheReadTokens += day.CacheReadTokens
		r.Totals.TotalTokens += day.TotalTokens
		r.Totals.TotalCost += day.TotalCost
		models = append(models, day.ModelsUsed...)
	}

	// Dates are zero-padded ISO strings, so lexicographic order is date order.
	dates := lo.Map(daily, func(d DailyRecord, _ int) string { return d.Date })
	sort.Strings(dates)
	if len(dates) > 0 {
		r.DateRange = DateRange{Start: dates[0], End: dates[len(dates)-1]}
	}

	r.ModelsUsed = lo.Uniq(models)
	sort.Strings(r.ModelsUsed)
	return r
}

// DepartmentStatsResult aggregates the canonical submissions of one department.
type DepartmentStatsResult struct {
	Department           string   `json:"department"`
	TotalIdentities      int      `json:"total_identities"`
	TotalTokens          int64    `json:"total_tokens"`
	TotalCost            float64  `json:"total_cost"`
	AvgCostPerIdentity   float64  `json:"avg_cost_per_identity"`
	AvgTokensPerIdentity float64  `json:"avg_tokens_per_identity"`
	ModelsUsed           []string `json:"models_used"`
}

// DepartmentStats reduces a department's canonical submissions, counting each
// distinct username once. Averages are zero when the department is empty.
func DepartmentStats(department string, records []CanonicalSubmission) DepartmentStatsResult {
	users := map[string]struct{}{}
	models := []string{}
	stats := DepartmentStatsResult{Department: department}
	for _, rec := range records {
		users[rec.Username] = struct{}{}
		stats.TotalTokens += rec.Totals.TotalTokens
		stats.TotalCost += rec.Totals.TotalCost
		models = append(models, rec.ModelsUsed...)
	}

	stats.TotalIdentities = len(users)
	if stats.TotalIdentities > 0 {
		stats.AvgCostPerIdentity = stats.TotalCost / float64(stats.TotalIdentities)
		stats.AvgTokensPerIdentity = float64(stats.TotalTokens) / float64(stats.TotalIdentities)
	}
	stats.ModelsUsed = lo.Uniq(models)
	sort.Strings(stats.ModelsUsed)
	return stats
}

// ModelUsage counts how many canonical submissions used a model.
type ModelUsage struct {
	Model      string `json:"model"`
	UsageCount int    `json:"usage_count"`
}

// LabStatsResult aggregates the whole lab across departments.
type LabStatsResult struct {
	TotalIdentities      int          `json:"total_identities"`
	TotalDepartments     int          `json:"total_departments"`
	TotalTokens          int64        `json:"total_tokens"`
	TotalCost            float64      `json:"total_cost"`
	AvgCostPerIdentity   float64      `json:"avg_cost_per_identity"`
	AvgTokensPerIdentity float64      `json:"avg_tokens_per_identity"`
	TopModels            []ModelUsage `json:"top_models"`
	LastSubmissionAt     time.Time    `json:"last_submission_at"`
}

// LabStats reduces all profiles and canonical submissions into lab-wide
// aggregates. The model histogram is sorted descending by usage count, ties
// broken by model name, and LastSubmissionAt is the zero time when there are
// no submissions.
func LabStats(profiles []ProfileSummary, submissions []CanonicalSubmission) LabStatsResult {
	var stats LabStatsResult
	departments := map[string]struct{}{}
	for _, p := range profiles {
		stats.TotalTokens += p.TotalTokens
		stats.TotalCost += p.TotalCost
		departments[p.Department] = struct{}{}
	}
	stats.TotalIdentities = len(profiles)
	stats.TotalDepartments = len(departments)
	if stats.TotalIdentities > 0 {
		stats.AvgCostPerIdentity = stats.TotalCost / float64(stats.TotalIdentities)
		stats.AvgTokensPerIdentity = float64(stats.TotalTokens) / float64(stats.TotalIdentities)
	}

	counts := map[string]int{}
	for _, sub := range submissions {
		for _, m := range sub.ModelsUsed {
			counts[m]++
		}
		if sub.SubmittedAt.After(stats.LastSubmissionAt) {
			stats.LastSubmissionAt = sub.SubmittedAt
		}
	}
	stats.TopModels = lo.MapToSlice(counts, func(model string, count int) ModelUsage {
		return ModelUsage{Model: model, UsageCount: count}
	})
	sort.Slice(stats.TopModels, func(i, j int) bool {
		if stats.TopModels[i].UsageCount != stats.TopModels[j].UsageCount {
			return stats.TopModels[i].UsageCount > stats.TopModels[j].UsageCount
		}
		return stats.TopModels[i].Model < stats.TopModels[j].Model
	})

	return stats
}

// FilterDaily returns the subset of a breakdown whose dates fall within
// [from, to] inclusive. Both bounds are ISO dates.
func FilterDaily(daily []DailyRecord, from, to string) []DailyRecord {
	return lo.Filter(daily, func(d DailyRecord, _ int) bool {
		return d.Date >= from && d.Date <= to
	})
}
