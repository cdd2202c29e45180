package alerts

import "context"

// ReviewAlert notifies an external sink that a submission was flagged for
// manual review.
type ReviewAlert struct {
	SubmissionID string   `json:"submission_id"`
	Username     string   `json:"username"`
	Department   string   `json:"department"`
	MachineID    string   `json:"machine_id"`
	MachineName  string   `json:"machine_name,omitempty"`
	Source       string   `json:"source"`
	TotalTokens  int64    `json:"total_tokens"`
	TotalCost    float64  `json:"total_cost"`
	Reasons      []string `json:"reasons"`
}

// Notifier delivers review alerts to external systems.
type Notifier interface {
	// Name returns the notifier identifier.
	Name() string

	// Send delivers an alert. Implementations must be safe for concurrent use.
	Send(ctx context.Context, alert ReviewAlert) error
}
