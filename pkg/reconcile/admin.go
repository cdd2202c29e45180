package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/snuconnectome/viberank-connectomelab/pkg/storage"
	"github.com/snuconnectome/viberank-connectomelab/pkg/usage"
)

// MergeResult reports the outcome of an identity merge.
type MergeResult struct {
	SurvivorID string `json:"survivor_id"`
	Merged     int    `json:"merged"`
}

// MergeIdentityRecords collapses all canonical rows for a username into one.
// On overlapping dates an oauth row beats a cli row, and within the same
// source the earliest-submitted row wins. The survivor gets the combined
// breakdown with rederived totals and is marked verified; the other rows are
// deleted and a profile recompute is scheduled in the same transaction.
func (e *Engine) MergeIdentityRecords(ctx context.Context, username string) (*MergeResult, error) {
	if username == "" {
		return nil, fmt.Errorf("%w: username required", ErrInvalidIdentity)
	}

	var result MergeResult
	err := e.store.InTx(ctx, func(tx storage.Store) error {
		subs, err := tx.ListSubmissionsByUser(ctx, username)
		if err != nil {
			return fmt.Errorf("list submissions for %s: %w", username, err)
		}
		if len(subs) == 0 {
			return fmt.Errorf("no submissions for %s: %w", username, storage.ErrNotFound)
		}
		if len(subs) == 1 {
			result = MergeResult{SurvivorID: subs[0].ID, Merged: 1}
			return nil
		}

		// Apply rows in ascending precedence so the overwrite merge leaves
		// the highest-precedence data on each overlapping date. Precedence:
		// oauth over cli, then earlier submission over later.
		ordered := make([]usage.CanonicalSubmission, len(subs))
		copy(ordered, subs)
		sort.Slice(ordered, func(i, j int) bool {
			a, b := ordered[i], ordered[j]
			if a.Source != b.Source {
				return a.Source == usage.SourceCLI
			}
			return a.SubmittedAt.After(b.SubmittedAt)
		})

		var merged []usage.DailyRecord
		flagged := false
		reasons := []string{}
		for _, sub := range ordered {
			merged = usage.MergeDaily(merged, sub.DailyBreakdown, usage.MergeOverwrite)
			if sub.FlaggedForReview {
				flagged = true
				reasons = appendNewReasons(reasons, sub.FlagReasons)
			}
		}

		survivor := ordered[len(ordered)-1]
		rollup := usage.RecalculateTotals(merged)
		survivor.DailyBreakdown = merged
		survivor.Totals = rollup.Totals
		survivor.DateRange = rollup.DateRange
		survivor.ModelsUsed = rollup.ModelsUsed
		survivor.SubmittedAt = e.now()
		survivor.Verified = true
		survivor.FlaggedForReview = flagged
		if flagged {
			survivor.FlagReasons = reasons
		} else {
			survivor.FlagReasons = nil
		}
		if err := tx.UpdateSubmission(ctx, &survivor); err != nil {
			return fmt.Errorf("update survivor %s: %w", survivor.ID, err)
		}

		for _, sub := range subs {
			if sub.ID == survivor.ID {
				continue
			}
			if err := tx.DeleteSubmission(ctx, sub.ID); err != nil {
				return fmt.Errorf("delete merged row %s: %w", sub.ID, err)
			}
		}

		payload, err := json.Marshal(recomputePayload{Username: username, Department: survivor.Department})
		if err != nil {
			return fmt.Errorf("marshal recompute payload: %w", err)
		}
		if err := tx.EnqueueTask(ctx, TaskRecomputeProfile, payload, e.now()); err != nil {
			return err
		}

		result = MergeResult{SurvivorID: survivor.ID, Merged: len(subs)}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("identity records merged",
		"username", username, "survivor_id", result.SurvivorID, "merged", result.Merged)
	return &result, nil
}

// UpdateFlagStatus sets or clears a submission's review flag. When flagging,
// the reviewer's reason is appended to the existing reasons; clearing the
// flag discards them.
func (e *Engine) UpdateFlagStatus(ctx context.Context, id string, flagged bool, reviewerReason string) error {
	return e.store.InTx(ctx, func(tx storage.Store) error {
		sub, err := tx.GetSubmissionByID(ctx, id)
		if err != nil {
			return err
		}
		var reasons []string
		if flagged {
			reasons = sub.FlagReasons
			if reviewerReason != "" {
				reasons = appendNewReasons(reasons, []string{reviewerReason})
			}
		}
		if err := tx.SetFlagStatus(ctx, id, flagged, reasons); err != nil {
			return err
		}
		e.logger.Info("flag status updated", "submission_id", id, "flagged", flagged)
		return nil
	})
}
