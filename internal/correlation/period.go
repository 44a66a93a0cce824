package correlation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/veraxon/chronicle/internal/errors"
	"github.com/veraxon/chronicle/internal/logging"
	"github.com/veraxon/chronicle/internal/types"
)

// BeginPeriod claims a consolidation period for this process. The row
// in consolidation_periods is the lock: the primary key on
// (tier, period_start) makes the insert first-writer-wins, and the
// compare-and-set to running excludes every later claimant. Claiming
// succeeds again for a period whose prior run ended in failed, so
// crashed runs are retried.
func (s *Store) BeginPeriod(ctx context.Context, tier types.Level, start, end time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.QueryTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO consolidation_periods (tier, period_start, period_end, status)
		VALUES (?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		int(tier), start.UTC(), end.UTC(), string(types.PeriodPending)); err != nil {
		s.countError()
		return false, fmt.Errorf("insert period: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE consolidation_periods
		SET status = ?, completed_at = NULL
		WHERE tier = ? AND period_start = ? AND status IN (?, ?)`,
		string(types.PeriodRunning), int(tier), start.UTC(),
		string(types.PeriodPending), string(types.PeriodFailed))
	if err != nil {
		s.countError()
		return false, fmt.Errorf("claim period: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CompletePeriod marks a claimed period complete.
func (s *Store) CompletePeriod(ctx context.Context, tier types.Level, start time.Time) error {
	return s.setPeriodStatus(ctx, tier, start, types.PeriodComplete, true)
}

// FailPeriod marks a claimed period failed so a later scheduler pass
// retries it.
func (s *Store) FailPeriod(ctx context.Context, tier types.Level, start time.Time) error {
	return s.setPeriodStatus(ctx, tier, start, types.PeriodFailed, false)
}

func (s *Store) setPeriodStatus(ctx context.Context, tier types.Level, start time.Time, status types.PeriodStatus, stamp bool) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.QueryTimeout)
	defer cancel()

	var completedAt interface{}
	if stamp {
		completedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE consolidation_periods
		SET status = ?, completed_at = ?
		WHERE tier = ? AND period_start = ?`,
		string(status), completedAt, int(tier), start.UTC())
	if err != nil {
		s.countError()
		return fmt.Errorf("set period status: %w", err)
	}

	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("period %s/%s: %w", tier, start.UTC().Format(time.RFC3339), errors.ErrPeriodNotFound)
	}
	return err
}

// PeriodStatus returns the recorded status of one period, or
// ErrPeriodNotFound when no run has ever claimed it.
func (s *Store) PeriodStatus(ctx context.Context, tier types.Level, start time.Time) (types.PeriodStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.QueryTimeout)
	defer cancel()

	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT status FROM consolidation_periods
		WHERE tier = ? AND period_start = ?`,
		int(tier), start.UTC()).Scan(&status)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("period %s/%s: %w", tier, start.UTC().Format(time.RFC3339), errors.ErrPeriodNotFound)
	}
	if err != nil {
		s.countError()
		return "", fmt.Errorf("period status: %w", err)
	}
	return types.PeriodStatus(status), nil
}

// ListPeriods returns all period rows for a tier, oldest first.
func (s *Store) ListPeriods(ctx context.Context, tier types.Level) ([]types.ConsolidationPeriod, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.QueryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT tier, period_start, period_end, status, completed_at
		FROM consolidation_periods
		WHERE tier = ?
		ORDER BY period_start`, int(tier))
	if err != nil {
		s.countError()
		return nil, fmt.Errorf("list periods: %w", err)
	}
	defer rows.Close()

	var out []types.ConsolidationPeriod
	for rows.Next() {
		var (
			p         types.ConsolidationPeriod
			tierInt   int
			status    string
			completed sql.NullTime
		)
		if err := rows.Scan(&tierInt, &p.PeriodStart, &p.PeriodEnd, &status, &completed); err != nil {
			return nil, err
		}
		p.Tier = types.Level(tierInt)
		p.PeriodStart = p.PeriodStart.UTC()
		p.PeriodEnd = p.PeriodEnd.UTC()
		p.Status = types.PeriodStatus(status)
		if completed.Valid {
			p.CompletedAt = completed.Time.UTC()
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// LastCompletePeriod returns the newest period_start a tier has
// completed, or a zero time when it has never completed anything.
func (s *Store) LastCompletePeriod(ctx context.Context, tier types.Level) (time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.QueryTimeout)
	defer cancel()

	var start sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT max(period_start) FROM consolidation_periods
		WHERE tier = ? AND status = ?`,
		int(tier), string(types.PeriodComplete)).Scan(&start)
	if err != nil {
		s.countError()
		return time.Time{}, fmt.Errorf("last complete period: %w", err)
	}
	if !start.Valid {
		return time.Time{}, nil
	}
	return start.Time.UTC(), nil
}

// Reconcile resets running periods to failed. Called once at startup:
// a running row with no live process behind it is a run that died
// without reaching CompletePeriod or FailPeriod.
func (s *Store) Reconcile(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.QueryTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE consolidation_periods SET status = ?
		WHERE status = ?`,
		string(types.PeriodFailed), string(types.PeriodRunning))
	if err != nil {
		s.countError()
		return 0, fmt.Errorf("reconcile periods: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Component("correlation").Warn("reset abandoned consolidation runs", "count", n)
	}
	return n, nil
}
