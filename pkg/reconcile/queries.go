package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/snuconnectome/viberank-connectomelab/pkg/storage"
	"github.com/snuconnectome/viberank-connectomelab/pkg/usage"
)

const (
	defaultPageSize = 20
	maxPageSize     = 50
)

// GetCanonical looks up the canonical submission for an identity key.
func (e *Engine) GetCanonical(ctx context.Context, username, machineID string, source usage.Source) (*usage.CanonicalSubmission, error) {
	return e.store.GetSubmission(ctx, username, machineID, source)
}

// LeaderboardQuery selects a leaderboard page. Zero values take defaults:
// cost metric, page 1, page size 20. Flagged submissions are excluded unless
// IncludeFlagged is set.
type LeaderboardQuery struct {
	Metric         storage.SortMetric
	Page           int
	PageSize       int
	IncludeFlagged bool
}

// LeaderboardEntry is one ranked row. Ranks are global positions, so page 2 of
// a 20-row page starts at rank 21.
type LeaderboardEntry struct {
	Rank       int                       `json:"rank"`
	Submission usage.CanonicalSubmission `json:"submission"`
}

// LeaderboardPage is one page of ranked submissions.
type LeaderboardPage struct {
	Entries    []LeaderboardEntry `json:"entries"`
	Page       int                `json:"page"`
	PageSize   int                `json:"page_size"`
	TotalCount int                `json:"total_count"`
	TotalPages int                `json:"total_pages"`
	HasMore    bool               `json:"has_more"`
}

// Leaderboard returns a page of submissions ordered by the chosen metric
// descending, ties broken by username ascending.
func (e *Engine) Leaderboard(ctx context.Context, q LeaderboardQuery) (*LeaderboardPage, error) {
	if q.Metric == "" {
		q.Metric = storage.SortByCost
	}
	if !q.Metric.Valid() {
		return nil, fmt.Errorf("unknown sort metric %q", q.Metric)
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize <= 0 {
		q.PageSize = defaultPageSize
	}
	if q.PageSize > maxPageSize {
		q.PageSize = maxPageSize
	}

	total, err := e.store.CountSubmissions(ctx, q.IncludeFlagged)
	if err != nil {
		return nil, fmt.Errorf("count submissions: %w", err)
	}
	offset := (q.Page - 1) * q.PageSize
	subs, err := e.store.TopSubmissions(ctx, q.Metric, q.PageSize, offset, q.IncludeFlagged)
	if err != nil {
		return nil, fmt.Errorf("load leaderboard page: %w", err)
	}

	entries := make([]LeaderboardEntry, len(subs))
	for i, sub := range subs {
		entries[i] = LeaderboardEntry{Rank: offset + i + 1, Submission: sub}
	}

	totalPages := (total + q.PageSize - 1) / q.PageSize
	return &LeaderboardPage{
		Entries:    entries,
		Page:       q.Page,
		PageSize:   q.PageSize,
		TotalCount: total,
		TotalPages: totalPages,
		HasMore:    offset+len(subs) < total,
	}, nil
}

// RangeEntry is one ranked row of a date-range leaderboard. Totals cover only
// the days within the requested range.
type RangeEntry struct {
	Rank       int          `json:"rank"`
	Username   string       `json:"username"`
	Department string       `json:"department"`
	MachineID  string       `json:"machine_id"`
	Source     usage.Source `json:"source"`
	Totals     usage.Totals `json:"totals"`
	ActiveDays int          `json:"active_days"`
}

// LeaderboardByDateRange ranks submissions by their usage within [from, to]
// inclusive. Submissions with no days in range are omitted. This scans every
// canonical row; a pre-aggregated index can replace it behind the same
// signature if the table outgrows the scan.
func (e *Engine) LeaderboardByDateRange(ctx context.Context, from, to string, metric storage.SortMetric, limit int) ([]RangeEntry, error) {
	if metric == "" {
		metric = storage.SortByCost
	}
	if !metric.Valid() {
		return nil, fmt.Errorf("unknown sort metric %q", metric)
	}
	if err := validateISODate(from); err != nil {
		return nil, fmt.Errorf("from: %w", err)
	}
	if err := validateISODate(to); err != nil {
		return nil, fmt.Errorf("to: %w", err)
	}
	if from > to {
		return nil, fmt.Errorf("range start %s is after end %s", from, to)
	}
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}

	subs, err := e.store.ListAllSubmissions(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan submissions: %w", err)
	}

	entries := []RangeEntry{}
	for _, sub := range subs {
		if sub.FlaggedForReview {
			continue
		}
		days := usage.FilterDaily(sub.DailyBreakdown, from, to)
		if len(days) == 0 {
			continue
		}
		rollup := usage.RecalculateTotals(days)
		entries = append(entries, RangeEntry{
			Username:   sub.Username,
			Department: sub.Department,
			MachineID:  sub.MachineID,
			Source:     sub.Source,
			Totals:     rollup.Totals,
			ActiveDays: len(days),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		switch metric {
		case storage.SortByTokens:
			if a.Totals.TotalTokens != b.Totals.TotalTokens {
				return a.Totals.TotalTokens > b.Totals.TotalTokens
			}
		default:
			if a.Totals.TotalCost != b.Totals.TotalCost {
				return a.Totals.TotalCost > b.Totals.TotalCost
			}
		}
		return a.Username < b.Username
	})

	if len(entries) > limit {
		entries = entries[:limit]
	}
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries, nil
}

// ActivityTimeline returns the most recently updated submissions, newest first.
func (e *Engine) ActivityTimeline(ctx context.Context, limit int) ([]usage.CanonicalSubmission, error) {
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}
	return e.store.RecentSubmissions(ctx, limit)
}

// DepartmentStats aggregates one department's canonical submissions.
func (e *Engine) DepartmentStats(ctx context.Context, department string) (*usage.DepartmentStatsResult, error) {
	subs, err := e.store.ListSubmissionsByDepartment(ctx, department)
	if err != nil {
		return nil, fmt.Errorf("list department submissions: %w", err)
	}
	stats := usage.DepartmentStats(department, subs)
	return &stats, nil
}

// LabStats aggregates the whole lab.
func (e *Engine) LabStats(ctx context.Context) (*usage.LabStatsResult, error) {
	profiles, err := e.store.ListProfiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	subs, err := e.store.ListAllSubmissions(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan submissions: %w", err)
	}
	stats := usage.LabStats(profiles, subs)
	return &stats, nil
}

// FlaggedQueue returns submissions awaiting manual review, oldest flag first.
func (e *Engine) FlaggedQueue(ctx context.Context, limit int) ([]usage.CanonicalSubmission, error) {
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}
	return e.store.ListFlaggedSubmissions(ctx, limit)
}

// GetProfile returns the profile summary for a username.
func (e *Engine) GetProfile(ctx context.Context, username string) (*usage.ProfileSummary, error) {
	return e.store.GetProfile(ctx, username)
}

func validateISODate(date string) error {
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return fmt.Errorf("invalid date %q, want YYYY-MM-DD", date)
	}
	return nil
}
