package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/snuconnectome/viberank-connectomelab/pkg/usage"

	_ "modernc.org/sqlite"
)

// SQLite implements the Store interface using an SQLite database.
type SQLite struct {
	db *sql.DB
	queries
}

// NewSQLite opens or creates an SQLite database at the given path.
// Transactions start with an immediate write lock so the read-merge-write in
// the reconciliation path is serialized by the database, not by the caller.
func NewSQLite(dbPath string) (*SQLite, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db, queries: queries{q: db}}, nil
}

// InTx runs fn inside a single write transaction.
func (s *SQLite) InTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(&txStore{queries{q: tx}}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ClaimTasks atomically locks a batch of due tasks for a worker.
func (s *SQLite) ClaimTasks(ctx context.Context, now time.Time, limit int, workerID string, lockTTL time.Duration) ([]Task, error) {
	var tasks []Task
	err := s.InTx(ctx, func(tx Store) error {
		var err error
		tasks, err = tx.ClaimTasks(ctx, now, limit, workerID, lockTTL)
		return err
	})
	return tasks, err
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// txStore is a transaction-scoped Store. InTx on it joins the open
// transaction instead of nesting a new one.
type txStore struct {
	queries
}

func (t *txStore) InTx(_ context.Context, fn func(Store) error) error {
	return fn(t)
}

func (t *txStore) Close() error { return nil }

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds the row-level operations shared by the direct and
// transaction-scoped stores.
type queries struct {
	q dbtx
}

const submissionColumns = `id, username, department, machine_id, machine_name, source,
	input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens, total_tokens, total_cost,
	date_start, date_end, models_used, daily_breakdown, submitted_at, verified, flagged_for_review, flag_reasons`

func (s queries) GetSubmission(ctx context.Context, username, machineID string, source usage.Source) (*usage.CanonicalSubmission, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE username = ? AND machine_id = ? AND source = ?`,
		username, machineID, string(source),
	)
	return scanSubmission(row)
}

func (s queries) GetSubmissionByID(ctx context.Context, id string) (*usage.CanonicalSubmission, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE id = ?`, id)
	return scanSubmission(row)
}

func (s queries) InsertSubmission(ctx context.Context, sub *usage.CanonicalSubmission) error {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	if sub.SubmittedAt.IsZero() {
		sub.SubmittedAt = time.Now().UTC()
	}

	models, daily, reasons, err := marshalSubmissionJSON(sub)
	if err != nil {
		return err
	}

	_, err = s.q.ExecContext(ctx,
		`INSERT INTO submissions (`+submissionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.Username, sub.Department, sub.MachineID, sub.MachineName, string(sub.Source),
		sub.Totals.InputTokens, sub.Totals.OutputTokens, sub.Totals.CacheCreationTokens, sub.Totals.CacheReadTokens,
		sub.Totals.TotalTokens, sub.Totals.TotalCost,
		sub.DateRange.Start, sub.DateRange.End, models, daily,
		sub.SubmittedAt, sub.Verified, sub.FlaggedForReview, reasons,
	)
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

func (s queries) UpdateSubmission(ctx context.Context, sub *usage.CanonicalSubmission) error {
	models, daily, reasons, err := marshalSubmissionJSON(sub)
	if err != nil {
		return err
	}

	res, err := s.q.ExecContext(ctx,
		`UPDATE submissions SET
			department = ?, machine_name = ?, source = ?,
			input_tokens = ?, output_tokens = ?, cache_creation_tokens = ?, cache_read_tokens = ?,
			total_tokens = ?, total_cost = ?, date_start = ?, date_end = ?,
			models_used = ?, daily_breakdown = ?, submitted_at = ?, verified = ?,
			flagged_for_review = ?, flag_reasons = ?
		 WHERE id = ?`,
		sub.Department, sub.MachineName, string(sub.Source),
		sub.Totals.InputTokens, sub.Totals.OutputTokens, sub.Totals.CacheCreationTokens, sub.Totals.CacheReadTokens,
		sub.Totals.TotalTokens, sub.Totals.TotalCost, sub.DateRange.Start, sub.DateRange.End,
		models, daily, sub.SubmittedAt, sub.Verified, sub.FlaggedForReview, reasons,
		sub.ID,
	)
	if err != nil {
		return fmt.Errorf("update submission: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s queries) DeleteSubmission(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM submissions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete submission: %w", err)
	}
	return nil
}

func (s queries) SetFlagStatus(ctx context.Context, id string, flagged bool, reasons []string) error {
	var reasonsJSON any
	if flagged && len(reasons) > 0 {
		data, err := json.Marshal(reasons)
		if err != nil {
			return fmt.Errorf("marshal flag reasons: %w", err)
		}
		reasonsJSON = string(data)
	}

	res, err := s.q.ExecContext(ctx,
		`UPDATE submissions SET flagged_for_review = ?, flag_reasons = ? WHERE id = ?`,
		flagged, reasonsJSON, id,
	)
	if err != nil {
		return fmt.Errorf("set flag status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s queries) ListSubmissionsByUser(ctx context.Context, username string) ([]usage.CanonicalSubmission, error) {
	return s.listSubmissions(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE username = ? ORDER BY submitted_at DESC`, username)
}

func (s queries) ListSubmissionsByDepartment(ctx context.Context, department string) ([]usage.CanonicalSubmission, error) {
	return s.listSubmissions(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE department = ? ORDER BY username ASC`, department)
}

func (s queries) ListAllSubmissions(ctx context.Context) ([]usage.CanonicalSubmission, error) {
	return s.listSubmissions(ctx, `SELECT `+submissionColumns+` FROM submissions ORDER BY id ASC`)
}

func (s queries) TopSubmissions(ctx context.Context, metric SortMetric, limit, offset int, includeFlagged bool) ([]usage.CanonicalSubmission, error) {
	column := "total_cost"
	if metric == SortByTokens {
		column = "total_tokens"
	}

	query := `SELECT ` + submissionColumns + ` FROM submissions`
	if !includeFlagged {
		query += ` WHERE flagged_for_review = 0`
	}
	// Username breaks ties so pagination is stable.
	query += ` ORDER BY ` + column + ` DESC, username ASC LIMIT ? OFFSET ?`

	return s.listSubmissions(ctx, query, limit, offset)
}

func (s queries) CountSubmissions(ctx context.Context, includeFlagged bool) (int, error) {
	query := `SELECT COUNT(*) FROM submissions`
	if !includeFlagged {
		query += ` WHERE flagged_for_review = 0`
	}

	var count int
	if err := s.q.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("count submissions: %w", err)
	}
	return count, nil
}

func (s queries) RecentSubmissions(ctx context.Context, limit int) ([]usage.CanonicalSubmission, error) {
	return s.listSubmissions(ctx,
		`SELECT `+submissionColumns+` FROM submissions ORDER BY submitted_at DESC LIMIT ?`, limit)
}

func (s queries) ListFlaggedSubmissions(ctx context.Context, limit int) ([]usage.CanonicalSubmission, error) {
	return s.listSubmissions(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE flagged_for_review = 1 ORDER BY submitted_at DESC LIMIT ?`, limit)
}

func (s queries) listSubmissions(ctx context.Context, query string, args ...any) ([]usage.CanonicalSubmission, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query submissions: %w", err)
	}
	defer rows.Close()

	var subs []usage.CanonicalSubmission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

const profileColumns = `id, username, department, machines, total_submissions, total_tokens, total_cost,
	first_submission, last_submission, created_at`

func (s queries) GetProfile(ctx context.Context, username string) (*usage.ProfileSummary, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE username = ?`, username)
	return scanProfile(row)
}

func (s queries) UpsertProfile(ctx context.Context, p *usage.ProfileSummary) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	machines, err := json.Marshal(p.Machines)
	if err != nil {
		return fmt.Errorf("marshal machines: %w", err)
	}

	_, err = s.q.ExecContext(ctx,
		`INSERT INTO profiles (`+profileColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(username) DO UPDATE SET
		   department = excluded.department,
		   machines = excluded.machines,
		   total_submissions = excluded.total_submissions,
		   total_tokens = excluded.total_tokens,
		   total_cost = excluded.total_cost,
		   first_submission = excluded.first_submission,
		   last_submission = excluded.last_submission`,
		p.ID, p.Username, p.Department, string(machines),
		p.TotalSubmissions, p.TotalTokens, p.TotalCost,
		p.FirstSubmission, p.LastSubmission, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

func (s queries) ListProfiles(ctx context.Context) ([]usage.ProfileSummary, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+profileColumns+` FROM profiles ORDER BY username ASC`)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var profiles []usage.ProfileSummary
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, *p)
	}
	return profiles, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row scanner) (*usage.CanonicalSubmission, error) {
	var (
		sub         usage.CanonicalSubmission
		source      string
		models      string
		daily       string
		flagReasons sql.NullString
	)
	err := row.Scan(
		&sub.ID, &sub.Username, &sub.Department, &sub.MachineID, &sub.MachineName, &source,
		&sub.Totals.InputTokens, &sub.Totals.OutputTokens, &sub.Totals.CacheCreationTokens, &sub.Totals.CacheReadTokens,
		&sub.Totals.TotalTokens, &sub.Totals.TotalCost,
		&sub.DateRange.Start, &sub.DateRange.End, &models, &daily,
		&sub.SubmittedAt, &sub.Verified, &sub.FlaggedForReview, &flagReasons,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan submission row: %w", err)
	}

	sub.Source = usage.Source(source)
	if err := json.Unmarshal([]byte(models), &sub.ModelsUsed); err != nil {
		return nil, fmt.Errorf("decode models used: %w", err)
	}
	if err := json.Unmarshal([]byte(daily), &sub.DailyBreakdown); err != nil {
		return nil, fmt.Errorf("decode daily breakdown: %w", err)
	}
	if flagReasons.Valid && flagReasons.String != "" {
		if err := json.Unmarshal([]byte(flagReasons.String), &sub.FlagReasons); err != nil {
			return nil, fmt.Errorf("decode flag reasons: %w", err)
		}
	}
	return &sub, nil
}

func scanProfile(row scanner) (*usage.ProfileSummary, error) {
	var (
		p        usage.ProfileSummary
		machines string
	)
	err := row.Scan(
		&p.ID, &p.Username, &p.Department, &machines,
		&p.TotalSubmissions, &p.TotalTokens, &p.TotalCost,
		&p.FirstSubmission, &p.LastSubmission, &p.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan profile row: %w", err)
	}

	if err := json.Unmarshal([]byte(machines), &p.Machines); err != nil {
		return nil, fmt.Errorf("decode machines: %w", err)
	}
	return &p, nil
}

func marshalSubmissionJSON(sub *usage.CanonicalSubmission) (models, daily string, reasons any, err error) {
	modelsData, err := json.Marshal(emptyIfNil(sub.ModelsUsed))
	if err != nil {
		return "", "", nil, fmt.Errorf("marshal models used: %w", err)
	}
	dailyData, err := json.Marshal(emptyDailyIfNil(sub.DailyBreakdown))
	if err != nil {
		return "", "", nil, fmt.Errorf("marshal daily breakdown: %w", err)
	}
	if len(sub.FlagReasons) > 0 {
		reasonsData, err := json.Marshal(sub.FlagReasons)
		if err != nil {
			return "", "", nil, fmt.Errorf("marshal flag reasons: %w", err)
		}
		reasons = string(reasonsData)
	}
	return string(modelsData), string(dailyData), reasons, nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func emptyDailyIfNil(d []usage.DailyRecord) []usage.DailyRecord {
	if d == nil {
		return []usage.DailyRecord{}
	}
	return d
}
