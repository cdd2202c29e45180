package usage

import "fmt"

// AnomalyThresholds bound what an unflagged submission may contain. A zero
// threshold disables that check. Advisory only: crossing a threshold flags the
// submission for review, it never rejects it.
type AnomalyThresholds struct {
	MaxTotalTokens  int64   `yaml:"max_total_tokens" json:"max_total_tokens"`
	MaxTotalCost    float64 `yaml:"max_total_cost" json:"max_total_cost"`
	MaxDailyTokens  int64   `yaml:"max_daily_tokens" json:"max_daily_tokens"`
	MaxDailyCost    float64 `yaml:"max_daily_cost" json:"max_daily_cost"`
	MaxAvgDailyCost float64 `yaml:"max_avg_daily_cost" json:"max_avg_daily_cost"`
	MinCostPerToken float64 `yaml:"min_cost_per_token" json:"min_cost_per_token"`
	MaxCostPerToken float64 `yaml:"max_cost_per_token" json:"max_cost_per_token"`
}

// LenientThresholds is the lab-ingest policy: only whole-report magnitude
// checks.
func LenientThresholds() AnomalyThresholds {
	return AnomalyThresholds{
		MaxTotalTokens: 100_000_000,
		MaxTotalCost:   1000,
	}
}

// StrictThresholds is the public-submission policy: the lenient checks plus
// per-day magnitudes and a cost-per-token sanity band.
func StrictThresholds() AnomalyThresholds {
	return AnomalyThresholds{
		MaxTotalTokens:  100_000_000,
		MaxTotalCost:    1000,
		MaxDailyTokens:  250_000_000,
		MaxDailyCost:    5000,
		MaxAvgDailyCost: 2500,
		MinCostPerToken: 1e-7,
		MaxCostPerToken: 0.1,
	}
}

// AnomalyResult reports whether a submission should be marked for manual
// review and why.
type AnomalyResult struct {
	Flagged bool     `json:"flagged"`
	Reasons []string `json:"reasons"`
}

// DetectAnomalies checks a report against the thresholds.
func DetectAnomalies(r *Report, t AnomalyThresholds) AnomalyResult {
	var reasons []string

	if t.MaxTotalTokens > 0 && r.Totals.TotalTokens > t.MaxTotalTokens {
		reasons = append(reasons, fmt.Sprintf("Unusually high token count: %d", r.Totals.TotalTokens))
	}
	if t.MaxTotalCost > 0 && r.Totals.TotalCost > t.MaxTotalCost {
		reasons = append(reasons, fmt.Sprintf("Unusually high cost: $%.2f", r.Totals.TotalCost))
	}

	for _, day := range r.Daily {
		if t.MaxDailyCost > 0 && day.TotalCost > t.MaxDailyCost {
			reasons = append(reasons, fmt.Sprintf("Daily cost of $%.2f on %s exceeds typical limits", day.TotalCost, day.Date))
		}
		if t.MaxDailyTokens > 0 && day.TotalTokens > t.MaxDailyTokens {
			reasons = append(reasons, fmt.Sprintf("Daily tokens of %d on %s exceeds typical limits", day.TotalTokens, day.Date))
		}
	}

	if t.MaxAvgDailyCost > 0 && len(r.Daily) > 0 {
		avg := r.Totals.TotalCost / float64(len(r.Daily))
		if avg > t.MaxAvgDailyCost {
			reasons = append(reasons, fmt.Sprintf("Average daily cost of $%.2f is unusually high", avg))
		}
	}

	if r.Totals.TotalTokens > 0 && (t.MinCostPerToken > 0 || t.MaxCostPerToken > 0) {
		perToken := r.Totals.TotalCost / float64(r.Totals.TotalTokens)
		if (t.MinCostPerToken > 0 && perToken < t.MinCostPerToken) ||
			(t.MaxCostPerToken > 0 && perToken > t.MaxCostPerToken) {
			reasons = append(reasons, fmt.Sprintf("Cost per token ratio %.2g is outside the expected range", perToken))
		}
	}

	return AnomalyResult{Flagged: len(reasons) > 0, Reasons: reasons}
}
