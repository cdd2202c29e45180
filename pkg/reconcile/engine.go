// Package reconcile implements the submission pipeline: incoming usage reports
// are validated, checked for anomalies, and merged into the canonical record
// for their identity key inside a single store transaction. Aggregate totals
// are always rederived from the merged daily breakdown, so client-supplied
// totals can never drift into the canonical data.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/snuconnectome/viberank-connectomelab/pkg/alerts"
	"github.com/snuconnectome/viberank-connectomelab/pkg/storage"
	"github.com/snuconnectome/viberank-connectomelab/pkg/usage"
)

// TaskRecomputeProfile is the task kind enqueued after every canonical write.
const TaskRecomputeProfile = "recompute_profile"

// ErrInvalidIdentity is returned when a submission's identity key is missing
// required fields or names an unknown source.
var ErrInvalidIdentity = errors.New("invalid identity")

// Options configure an Engine.
type Options struct {
	Thresholds    usage.AnomalyThresholds // zero value falls back to the lenient preset
	DefaultPolicy usage.MergePolicy       // applied when Submit gets an empty policy
	Notifiers     []alerts.Notifier
	MaxRetries    int              // bounded retries on store write conflicts
	Now           func() time.Time // test hook; defaults to time.Now
}

// Engine owns the reconciliation transaction and the profile recompute.
type Engine struct {
	store      storage.Store
	logger     *slog.Logger
	notifiers  []alerts.Notifier
	policy     usage.MergePolicy
	maxRetries int
	now        func() time.Time

	mu         sync.RWMutex
	thresholds usage.AnomalyThresholds
}

// NewEngine creates a reconciliation engine over the given store.
func NewEngine(store storage.Store, logger *slog.Logger, opts Options) *Engine {
	if opts.DefaultPolicy == "" {
		opts.DefaultPolicy = usage.MergeAdditive
	}
	if opts.Thresholds == (usage.AnomalyThresholds{}) {
		opts.Thresholds = usage.LenientThresholds()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		store:      store,
		logger:     logger,
		notifiers:  opts.Notifiers,
		policy:     opts.DefaultPolicy,
		maxRetries: opts.MaxRetries,
		now:        opts.Now,
		thresholds: opts.Thresholds,
	}
}

// Thresholds returns the anomaly thresholds currently in effect.
func (e *Engine) Thresholds() usage.AnomalyThresholds {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.thresholds
}

// SetThresholds swaps the anomaly thresholds. Safe to call while submissions
// are in flight.
func (e *Engine) SetThresholds(t usage.AnomalyThresholds) {
	e.mu.Lock()
	e.thresholds = t
	e.mu.Unlock()
	e.logger.Info("anomaly thresholds updated")
}

// SubmitResult reports what the reconciliation transaction did.
type SubmitResult struct {
	SubmissionID string   `json:"submission_id"`
	IsNew        bool     `json:"is_new"`
	Flagged      bool     `json:"flagged"`
	FlagReasons  []string `json:"flag_reasons,omitempty"`
}

// Submit validates a report, detects anomalies, and merges it into the
// canonical record for key. An empty policy uses the engine default. Validation
// failures are returned verbatim and never retried; transient write conflicts
// are retried up to the configured bound.
func (e *Engine) Submit(ctx context.Context, key usage.IdentityKey, report *usage.Report, policy usage.MergePolicy) (*SubmitResult, error) {
	if err := validateIdentity(key); err != nil {
		return nil, err
	}
	if policy == "" {
		policy = e.policy
	}
	if !policy.Valid() {
		return nil, fmt.Errorf("unknown merge policy %q", policy)
	}

	now := e.now()
	if err := usage.Validate(report, now); err != nil {
		return nil, err
	}
	anomaly := usage.DetectAnomalies(report, e.Thresholds())

	var result *SubmitResult
	var err error
	for attempt := 0; ; attempt++ {
		result, err = e.submitOnce(ctx, key, report, policy, anomaly, now)
		if err == nil {
			break
		}
		if !storage.IsConflict(err) || attempt >= e.maxRetries {
			return nil, err
		}
		e.logger.Warn("submission conflict, retrying",
			"username", key.Username, "machine_id", key.MachineID, "attempt", attempt+1)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 25 * time.Millisecond):
		}
	}

	e.logger.Info("submission reconciled",
		"username", key.Username, "machine_id", key.MachineID, "source", key.Source,
		"submission_id", result.SubmissionID, "is_new", result.IsNew, "flagged", result.Flagged)

	if result.Flagged {
		e.notifyFlagged(ctx, key, result)
	}
	return result, nil
}

func (e *Engine) submitOnce(ctx context.Context, key usage.IdentityKey, report *usage.Report, policy usage.MergePolicy, anomaly usage.AnomalyResult, now time.Time) (*SubmitResult, error) {
	var result SubmitResult
	err := e.store.InTx(ctx, func(tx storage.Store) error {
		existing, err := tx.GetSubmission(ctx, key.Username, key.MachineID, key.Source)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			rollup := usage.RecalculateTotals(report.Daily)
			sub := &usage.CanonicalSubmission{
				ID:               uuid.New().String(),
				Username:         key.Username,
				Department:       key.Department,
				MachineID:        key.MachineID,
				MachineName:      key.MachineName,
				Source:           key.Source,
				Totals:           rollup.Totals,
				DateRange:        rollup.DateRange,
				ModelsUsed:       rollup.ModelsUsed,
				DailyBreakdown:   report.Daily,
				SubmittedAt:      now,
				FlaggedForReview: anomaly.Flagged,
				FlagReasons:      anomaly.Reasons,
			}
			if err := tx.InsertSubmission(ctx, sub); err != nil {
				return err
			}
			result = SubmitResult{
				SubmissionID: sub.ID,
				IsNew:        true,
				Flagged:      sub.FlaggedForReview,
				FlagReasons:  sub.FlagReasons,
			}
		case err != nil:
			return err
		default:
			merged := usage.MergeDaily(existing.DailyBreakdown, report.Daily, policy)
			rollup := usage.RecalculateTotals(merged)
			existing.DailyBreakdown = merged
			existing.Totals = rollup.Totals
			existing.DateRange = rollup.DateRange
			existing.ModelsUsed = rollup.ModelsUsed
			existing.SubmittedAt = now
			if key.Department != "" {
				existing.Department = key.Department
			}
			if key.MachineName != "" {
				existing.MachineName = key.MachineName
			}
			// Flags are sticky: a merge can add reasons but never clears a
			// prior flag. Only a review decision does that.
			if anomaly.Flagged {
				existing.FlaggedForReview = true
				existing.FlagReasons = appendNewReasons(existing.FlagReasons, anomaly.Reasons)
			}
			if err := tx.UpdateSubmission(ctx, existing); err != nil {
				return err
			}
			result = SubmitResult{
				SubmissionID: existing.ID,
				Flagged:      existing.FlaggedForReview,
				FlagReasons:  existing.FlagReasons,
			}
		}

		// Enqueued in the same transaction so the recompute cannot be lost
		// if the process dies between commit and dispatch.
		payload, err := json.Marshal(recomputePayload{Username: key.Username, Department: key.Department})
		if err != nil {
			return fmt.Errorf("marshal recompute payload: %w", err)
		}
		return tx.EnqueueTask(ctx, TaskRecomputeProfile, payload, now)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (e *Engine) notifyFlagged(ctx context.Context, key usage.IdentityKey, result *SubmitResult) {
	if len(e.notifiers) == 0 {
		return
	}
	sub, err := e.store.GetSubmissionByID(ctx, result.SubmissionID)
	if err != nil {
		e.logger.Error("load flagged submission for alert", "submission_id", result.SubmissionID, "error", err)
		return
	}
	alert := alerts.ReviewAlert{
		SubmissionID: sub.ID,
		Username:     sub.Username,
		Department:   sub.Department,
		MachineID:    sub.MachineID,
		MachineName:  sub.MachineName,
		Source:       string(sub.Source),
		TotalTokens:  sub.Totals.TotalTokens,
		TotalCost:    sub.Totals.TotalCost,
		Reasons:      sub.FlagReasons,
	}
	for _, n := range e.notifiers {
		if err := n.Send(ctx, alert); err != nil {
			e.logger.Error("send review alert", "notifier", n.Name(), "error", err)
		}
	}
}

func validateIdentity(key usage.IdentityKey) error {
	if key.Username == "" {
		return fmt.Errorf("%w: username required", ErrInvalidIdentity)
	}
	if key.MachineID == "" {
		return fmt.Errorf("%w: machine id required", ErrInvalidIdentity)
	}
	if key.Source != usage.SourceCLI && key.Source != usage.SourceOAuth {
		return fmt.Errorf("%w: unknown source %q", ErrInvalidIdentity, key.Source)
	}
	return nil
}

func appendNewReasons(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, r := range existing {
		seen[r] = struct{}{}
	}
	for _, r := range incoming {
		if _, ok := seen[r]; !ok {
			existing = append(existing, r)
			seen[r] = struct{}{}
		}
	}
	return existing
}

type recomputePayload struct {
	Username   string `json:"username"`
	Department string `json:"department"`
}
