package usage

import (
	"sort"

	"github.com/samber/lo"
)

// MergePolicy selects how overlapping dates combine when a new report is
// merged into an existing breakdown.
//
// Additive treats the incoming report as usage from a different machine or
// session: numeric fields for a shared date are summed and model sets unioned.
// Overwrite treats it as a corrected re-upload of the same recording session:
// the incoming day replaces the existing one wholesale. Picking the wrong
// policy silently corrupts totals, so the choice is always explicit.
type MergePolicy string

const (
	MergeAdditive  MergePolicy = "additive"
	MergeOverwrite MergePolicy = "overwrite"
)

// Valid reports whether p names a known policy.
func (p MergePolicy) Valid() bool {
	return p == MergeAdditive || p == MergeOverwrite
}

// MergeDaily combines two per-day breakdowns into one. Dates present on only
// one side are copied unchanged; a date present on both sides combines per the
// policy. The result is sorted ascending by date with one entry per date.
func MergeDaily(existing, incoming []DailyRecord, policy MergePolicy) []DailyRecord {
	merged := make(map[string]DailyRecord, len(existing)+len(incoming))
	for _, day := range existing {
		merged[day.Date] = day
	}

	for _, day := range incoming {
		current, ok := merged[day.Date]
		if !ok || policy == MergeOverwrite {
			merged[day.Date] = day
			continue
		}
		merged[day.Date] = DailyRecord{
			Date:                day.Date,
			InputTokens:         current.InputTokens + day.InputTokens,
			OutputTokens:        current.OutputTokens + day.OutputTokens,
			CacheCreationTokens: current.CacheCreationTokens + day.CacheCreationTokens,
			CacheReadTokens:     current.CacheReadTokens + day.CacheReadTokens,
			TotalTokens:         current.TotalTokens + day.TotalTokens,
			TotalCost:           current.TotalCost + day.TotalCost,
			ModelsUsed:          unionModels(current.ModelsUsed, day.ModelsUsed),
		}
	}

	out := lo.Values(merged)
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

func unionModels(a, b []string) []string {
	out := lo.Uniq(append(append([]string{}, a...), b...))
	sort.Strings(out)
	return out
}
