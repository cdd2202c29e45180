package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/snuconnectome/viberank-connectomelab/pkg/storage"
	"github.com/snuconnectome/viberank-connectomelab/pkg/usage"
)

// RecomputeProfile rebuilds a username's profile summary from scratch off its
// canonical submissions. It holds no incremental state, so running it twice,
// concurrently, or out of order converges to the same profile. A username with
// no submissions is a no-op.
func (e *Engine) RecomputeProfile(ctx context.Context, username, department string) error {
	subs, err := e.store.ListSubmissionsByUser(ctx, username)
	if err != nil {
		return fmt.Errorf("list submissions for %s: %w", username, err)
	}
	if len(subs) == 0 {
		e.logger.Debug("profile recompute skipped, no submissions", "username", username)
		return nil
	}

	profile, err := e.store.GetProfile(ctx, username)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		profile = &usage.ProfileSummary{
			ID:        uuid.New().String(),
			Username:  username,
			CreatedAt: e.now(),
		}
	case err != nil:
		return fmt.Errorf("load profile for %s: %w", username, err)
	}

	first, last := subs[0].SubmittedAt, subs[0].SubmittedAt
	var tokens int64
	var cost float64
	machines := []string{}
	for _, sub := range subs {
		tokens += sub.Totals.TotalTokens
		cost += sub.Totals.TotalCost
		machines = append(machines, sub.MachineID)
		if sub.SubmittedAt.Before(first) {
			first = sub.SubmittedAt
		}
		if sub.SubmittedAt.After(last) {
			last = sub.SubmittedAt
		}
		if department == "" {
			department = sub.Department
		}
	}
	machines = lo.Uniq(machines)
	sort.Strings(machines)

	profile.Department = department
	profile.Machines = machines
	profile.TotalSubmissions = len(subs)
	profile.TotalTokens = tokens
	profile.TotalCost = cost
	profile.FirstSubmission = first
	profile.LastSubmission = last

	if err := e.store.UpsertProfile(ctx, profile); err != nil {
		return fmt.Errorf("upsert profile for %s: %w", username, err)
	}
	e.logger.Debug("profile recomputed",
		"username", username, "submissions", profile.TotalSubmissions, "total_cost", profile.TotalCost)
	return nil
}

// HandleRecomputeTask is the task handler for TaskRecomputeProfile. Register it
// with the task worker.
func (e *Engine) HandleRecomputeTask(ctx context.Context, payload []byte) error {
	var p recomputePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode recompute payload: %w", err)
	}
	return e.RecomputeProfile(ctx, p.Username, p.Department)
}
