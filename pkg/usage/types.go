package usage

import "time"

// Source identifies how a report reached the service.
type Source string

const (
	SourceCLI   Source = "cli"
	SourceOAuth Source = "oauth"
)

// Totals holds aggregate token counters and cost for a report or submission.
type Totals struct {
	InputTokens         int64   `json:"input_tokens"`
	OutputTokens        int64   `json:"output_tokens"`
	CacheCreationTokens int64   `json:"cache_creation_tokens"`
	CacheReadTokens     int64   `json:"cache_read_tokens"`
	TotalTokens         int64   `json:"total_tokens"`
	TotalCost           float64 `json:"total_cost"`
}

// DateRange is an inclusive span of ISO calendar dates (YYYY-MM-DD).
type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// DailyRecord is one calendar day of usage. Dates are unique within a breakdown.
type DailyRecord struct {
	Date                string   `json:"date"`
	InputTokens         int64    `json:"input_tokens"`
	OutputTokens        int64    `json:"output_tokens"`
	CacheCreationTokens int64    `json:"cache_creation_tokens"`
	CacheReadTokens     int64    `json:"cache_read_tokens"`
	TotalTokens         int64    `json:"total_tokens"`
	TotalCost           float64  `json:"total_cost"`
	ModelsUsed          []string `json:"models_used"`
}

// Report is a single client-submitted usage report. It is validated and merged
// into a CanonicalSubmission but never persisted as-is.
type Report struct {
	Totals     Totals        `json:"totals"`
	DateRange  DateRange     `json:"date_range"`
	ModelsUsed []string      `json:"models_used"`
	Daily      []DailyRecord `json:"daily"`
}

// IdentityKey names the entity a submission belongs to. Uniqueness of canonical
// rows is (Username, MachineID, Source); Department and MachineName are carried
// as attributes.
type IdentityKey struct {
	Username    string `json:"username"`
	Department  string `json:"department"`
	MachineID   string `json:"machine_id"`
	MachineName string `json:"machine_name,omitempty"`
	Source      Source `json:"source"`
}

// CanonicalSubmission is the durable, merged usage record for one identity key.
// Aggregate totals are always rederived from DailyBreakdown and never drift
// from it.
type CanonicalSubmission struct {
	ID               string        `json:"id"`
	Username         string        `json:"username"`
	Department       string        `json:"department"`
	MachineID        string        `json:"machine_id"`
	MachineName      string        `json:"machine_name,omitempty"`
	Source           Source        `json:"source"`
	Totals           Totals        `json:"totals"`
	DateRange        DateRange     `json:"date_range"`
	ModelsUsed       []string      `json:"models_used"`
	DailyBreakdown   []DailyRecord `json:"daily_breakdown"`
	SubmittedAt      time.Time     `json:"submitted_at"`
	Verified         bool          `json:"verified"`
	FlaggedForReview bool          `json:"flagged_for_review"`
	FlagReasons      []string      `json:"flag_reasons,omitempty"`
}

// ProfileSummary is the denormalized per-username rollup of all canonical
// submissions. It is only ever recomputed from scratch off the stored rows.
type ProfileSummary struct {
	ID               string    `json:"id"`
	Username         string    `json:"username"`
	Department       string    `json:"department"`
	Machines         []string  `json:"machines"`
	TotalSubmissions int       `json:"total_submissions"`
	TotalTokens      int64     `json:"total_tokens"`
	TotalCost        float64   `json:"total_cost"`
	FirstSubmission  time.Time `json:"first_submission"`
	LastSubmission   time.Time `json:"last_submission"`
	CreatedAt        time.Time `json:"created_at"`
}
