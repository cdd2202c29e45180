package usage_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snuconnectome/viberank-connectomelab/pkg/usage"
)

func day(date string, tokens int64, cost float64, models ...string) usage.DailyRecord {
	return usage.DailyRecord{
		Date:         date,
		InputTokens:  tokens / 2,
		OutputTokens: tokens - tokens/2,
		TotalTokens:  tokens,
		TotalCost:    cost,
		ModelsUsed:   models,
	}
}

func TestMergeDaily_AdditiveOverlap(t *testing.T) {
	existing := []usage.DailyRecord{day("2025-01-02", 1650, 8.25, "claude-3-5-sonnet")}
	incoming := []usage.DailyRecord{day("2025-01-02", 1000, 5.0, "claude-opus-3")}

	merged := usage.MergeDaily(existing, incoming, usage.MergeAdditive)
	require.Len(t, merged, 1)
	assert.Equal(t, int64(2650), merged[0].TotalTokens)
	assert.InDelta(t, 13.25, merged[0].TotalCost, 1e-9)
	assert.Equal(t, []string{"claude-3-5-sonnet", "claude-opus-3"}, merged[0].ModelsUsed)
}

func TestMergeDaily_AdditiveDisjointDates(t *testing.T) {
	existing := []usage.DailyRecord{
		day("2025-01-01", 1000, 5.0, "claude-3-5-sonnet"),
		day("2025-01-02", 1500, 7.5, "claude-3-5-sonnet"),
	}
	incoming := []usage.DailyRecord{
		day("2025-01-02", 500, 2.5, "claude-opus-3"),
		day("2025-01-03", 2000, 10.0, "claude-3-5-sonnet"),
	}

	merged := usage.MergeDaily(existing, incoming, usage.MergeAdditive)
	require.Len(t, merged, 3)
	assert.Equal(t, "2025-01-01", merged[0].Date)
	assert.Equal(t, "2025-01-02", merged[1].Date)
	assert.Equal(t, "2025-01-03", merged[2].Date)
	assert.Equal(t, int64(2000), merged[1].TotalTokens)
	assert.Len(t, merged[1].ModelsUsed, 2)
	// Non-overlapping days pass through untouched.
	assert.Equal(t, int64(1000), merged[0].TotalTokens)
	assert.Equal(t, int64(2000), merged[2].TotalTokens)
}

func TestMergeDaily_OverwriteReplacesOverlap(t *testing.T) {
	existing := []usage.DailyRecord{
		day("2025-01-01", 1000, 5.0, "claude-3-5-sonnet"),
		day("2025-01-02", 1500, 7.5, "claude-3-5-sonnet"),
	}
	incoming := []usage.DailyRecord{day("2025-01-02", 400, 2.0, "claude-opus-3")}

	merged := usage.MergeDaily(existing, incoming, usage.MergeOverwrite)
	require.Len(t, merged, 2)
	// Corrected day is taken as-is, prior day survives.
	assert.Equal(t, int64(400), merged[1].TotalTokens)
	assert.Equal(t, []string{"claude-opus-3"}, merged[1].ModelsUsed)
	assert.Equal(t, int64(1000), merged[0].TotalTokens)
}

func TestMergeDaily_AdditiveAssociative(t *testing.T) {
	a := []usage.DailyRecord{day("2025-01-01", 100, 1.0, "m1")}
	b := []usage.DailyRecord{day("2025-01-01", 200, 2.0, "m2")}
	c := []usage.DailyRecord{day("2025-01-01", 300, 3.0, "m1"), day("2025-01-02", 50, 0.5, "m3")}

	left := usage.MergeDaily(usage.MergeDaily(a, b, usage.MergeAdditive), c, usage.MergeAdditive)
	right := usage.MergeDaily(a, usage.MergeDaily(b, c, usage.MergeAdditive), usage.MergeAdditive)
	assert.Equal(t, left, right)

	swapped := usage.MergeDaily(b, a, usage.MergeAdditive)
	assert.Equal(t, usage.MergeDaily(a, b, usage.MergeAdditive), swapped)
}

func TestMergeDaily_EmptySides(t *testing.T) {
	only := []usage.DailyRecord{day("2025-01-01", 100, 1.0, "m1")}

	assert.Equal(t, only, usage.MergeDaily(nil, only, usage.MergeAdditive))
	assert.Equal(t, only, usage.MergeDaily(only, nil, usage.MergeAdditive))
	assert.Empty(t, usage.MergeDaily(nil, nil, usage.MergeOverwrite))
}

func TestMergePolicy_Valid(t *testing.T) {
	assert.True(t, usage.MergeAdditive.Valid())
	assert.True(t, usage.MergeOverwrite.Valid())
	assert.False(t, usage.MergePolicy("average").Valid())
}
