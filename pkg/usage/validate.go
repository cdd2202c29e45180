package usage

import (
	"fmt"
	"math"
	"regexp"
	"time"
)

// ValidationKind classifies why a report was rejected.
type ValidationKind string

const (
	KindTokenMath     ValidationKind = "token_math"
	KindNegativeValue ValidationKind = "negative_value"
	KindFutureDate    ValidationKind = "future_date"
	KindBadDateFormat ValidationKind = "bad_date_format"
)

// ValidationError rejects an entire report before any write. It is surfaced
// verbatim to the caller and never retried.
type ValidationError struct {
	Kind    ValidationKind
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func validationErrorf(kind ValidationKind, format string, args ...any) *ValidationError {
	return &ValidationError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Token-math tolerances: report totals allow 1% relative drift for float
// rounding in upstream tooling; per-day entries allow an absolute epsilon of
// one token since daily counters are integer sums.
const (
	totalsRelativeTolerance = 0.01
	dailyAbsoluteEpsilon    = 1
)

var dateFormat = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Validate checks a report for internal consistency. now supplies the caller's
// clock; dates through the end of now's UTC calendar day are accepted.
func Validate(r *Report, now time.Time) error {
	if err := validateTokenMath(r.Totals); err != nil {
		return err
	}
	if err := validateNegatives("totals", r.Totals); err != nil {
		return err
	}

	endOfToday := endOfDay(now)
	for _, d := range []string{r.DateRange.Start, r.DateRange.End} {
		if err := validateDate(d, endOfToday); err != nil {
			return err
		}
	}

	for _, day := range r.Daily {
		if err := validateDate(day.Date, endOfToday); err != nil {
			return err
		}
		if err := validateNegatives(day.Date, dayTotals(day)); err != nil {
			return err
		}
		calculated := day.InputTokens + day.OutputTokens + day.CacheCreationTokens + day.CacheReadTokens
		if diff := calculated - day.TotalTokens; diff > dailyAbsoluteEpsilon || diff < -dailyAbsoluteEpsilon {
			return validationErrorf(KindTokenMath,
				"Token calculation invalid for %s: components sum to %d, total is %d", day.Date, calculated, day.TotalTokens)
		}
	}

	return nil
}

func validateTokenMath(t Totals) error {
	calculated := t.InputTokens + t.OutputTokens + t.CacheCreationTokens + t.CacheReadTokens
	if t.TotalTokens == 0 {
		if calculated != 0 {
			return validationErrorf(KindTokenMath,
				"Token calculation invalid: components sum to %d but total is 0", calculated)
		}
		return nil
	}
	diff := math.Abs(float64(calculated - t.TotalTokens))
	if diff/float64(t.TotalTokens) > totalsRelativeTolerance {
		return validationErrorf(KindTokenMath,
			"Token calculation invalid: input + output + cache = %d, total is %d", calculated, t.TotalTokens)
	}
	return nil
}

func validateNegatives(scope string, t Totals) error {
	if t.TotalTokens < 0 || t.InputTokens < 0 || t.OutputTokens < 0 ||
		t.CacheCreationTokens < 0 || t.CacheReadTokens < 0 || t.TotalCost < 0 {
		return validationErrorf(KindNegativeValue, "Negative values detected in %s", scope)
	}
	return nil
}

func validateDate(date string, endOfToday time.Time) error {
	if !dateFormat.MatchString(date) {
		return validationErrorf(KindBadDateFormat, "Invalid date format: %q, expected YYYY-MM-DD", date)
	}
	parsed, err := time.ParseInLocation("2006-01-02", date, time.UTC)
	if err != nil {
		return validationErrorf(KindBadDateFormat, "Invalid date format: %q, expected YYYY-MM-DD", date)
	}
	if parsed.After(endOfToday) {
		return validationErrorf(KindFutureDate, "Future date not allowed: %s", date)
	}
	return nil
}

func endOfDay(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 23, 59, 59, 999999999, time.UTC)
}

func dayTotals(d DailyRecord) Totals {
	return Totals{
		InputTokens:         d.InputTokens,
		OutputTokens:        d.OutputTokens,
		CacheCreationTokens: d.CacheCreationTokens,
		CacheReadTokens:     d.CacheReadTokens,
		TotalTokens:         d.TotalTokens,
		TotalCost:           d.TotalCost,
	}
}
