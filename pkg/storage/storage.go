package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/snuconnectome/viberank-connectomelab/pkg/usage"
)

// ErrNotFound is returned when a point lookup matches no row.
var ErrNotFound = errors.New("not found")

// SortMetric selects the leaderboard ordering column.
type SortMetric string

const (
	SortByCost   SortMetric = "cost"
	SortByTokens SortMetric = "tokens"
)

// Valid reports whether m names a known metric.
func (m SortMetric) Valid() bool {
	return m == SortByCost || m == SortByTokens
}

// Task is one pending deferred operation. Tasks are delivered at least once;
// handlers must be idempotent.
type Task struct {
	ID       int64
	Kind     string
	Payload  []byte
	Attempts int
}

// Store is the durable backend for canonical submissions, profile summaries,
// and the deferred task queue. All methods are usable both directly and inside
// an InTx callback.
type Store interface {
	GetSubmission(ctx context.Context, username, machineID string, source usage.Source) (*usage.CanonicalSubmission, error)
	GetSubmissionByID(ctx context.Context, id string) (*usage.CanonicalSubmission, error)
	InsertSubmission(ctx context.Context, sub *usage.CanonicalSubmission) error
	UpdateSubmission(ctx context.Context, sub *usage.CanonicalSubmission) error
	DeleteSubmission(ctx context.Context, id string) error
	SetFlagStatus(ctx context.Context, id string, flagged bool, reasons []string) error

	ListSubmissionsByUser(ctx context.Context, username string) ([]usage.CanonicalSubmission, error)
	ListSubmissionsByDepartment(ctx context.Context, department string) ([]usage.CanonicalSubmission, error)
	ListAllSubmissions(ctx context.Context) ([]usage.CanonicalSubmission, error)
	TopSubmissions(ctx context.Context, metric SortMetric, limit, offset int, includeFlagged bool) ([]usage.CanonicalSubmission, error)
	CountSubmissions(ctx context.Context, includeFlagged bool) (int, error)
	RecentSubmissions(ctx context.Context, limit int) ([]usage.CanonicalSubmission, error)
	ListFlaggedSubmissions(ctx context.Context, limit int) ([]usage.CanonicalSubmission, error)

	GetProfile(ctx context.Context, username string) (*usage.ProfileSummary, error)
	UpsertProfile(ctx context.Context, p *usage.ProfileSummary) error
	ListProfiles(ctx context.Context) ([]usage.ProfileSummary, error)

	EnqueueTask(ctx context.Context, kind string, payload []byte, runAfter time.Time) error
	ClaimTasks(ctx context.Context, now time.Time, limit int, workerID string, lockTTL time.Duration) ([]Task, error)
	CompleteTask(ctx context.Context, id int64) error
	RetryTask(ctx context.Context, id int64, now time.Time, delay time.Duration) error

	// InTx runs fn atomically inside a single write transaction. The Store
	// passed to fn is transaction-scoped; calling InTx on it joins the open
	// transaction rather than opening a nested one.
	InTx(ctx context.Context, fn func(Store) error) error

	Close() error
}

// IsConflict reports whether err is a transient concurrent-modification
// condition (the database write lock was held) that the caller should retry.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}
