package correlation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/veraxon/chronicle/internal/errors"
	"github.com/veraxon/chronicle/internal/types"
)

// QueryParams selects records by category, time range, level, and tags.
type QueryParams struct {
	// Category filters to one category; empty matches all.
	Category types.Category

	// Start and End bound record timestamps: Start <= ts < End. A zero
	// End means no upper bound.
	Start time.Time
	End   time.Time

	// Level filters to one consolidation level when non-nil.
	Level *types.Level

	// Tags must all be present with equal values on a matching record.
	// Applied record-side during iteration, so tag selectivity does not
	// change the SQL shape.
	Tags map[string]string

	// IncludePrunable includes records already marked for deletion.
	IncludePrunable bool

	// Limit caps the number of records returned; 0 means unlimited.
	Limit int
}

// Query returns a timestamp-ordered iterator over matching records.
// The iterator holds a live cursor; callers must Close it. A consumer
// that stops early can resume by re-issuing the query with Start set
// to the last timestamp it saw.
func (s *Store) Query(ctx context.Context, p QueryParams) (*Iterator, error) {
	if p.Category != "" && !p.Category.Valid() {
		return nil, fmt.Errorf("%w: %s", errors.ErrInvalidCategory, p.Category)
	}
	if !p.End.IsZero() && !p.End.After(p.Start) {
		return nil, errors.ErrInvalidRange
	}

	var (
		where []string
		args  []interface{}
	)

	if p.Category != "" {
		where = append(where, "category = ?")
		args = append(args, string(p.Category))
	}
	if !p.Start.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, p.Start.UTC())
	}
	if !p.End.IsZero() {
		where = append(where, "ts < ?")
		args = append(args, p.End.UTC())
	}
	if p.Level != nil {
		where = append(where, "level = ?")
		args = append(args, int(*p.Level))
	}
	if !p.IncludePrunable {
		where = append(where, "NOT prunable")
	}

	query := selectColumns
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.countError()
		return nil, fmt.Errorf("query records: %w", err)
	}

	s.mu.Lock()
	s.stats.QueriesExecuted++
	s.mu.Unlock()

	return &Iterator{
		rows:  rows,
		tags:  p.Tags,
		limit: p.Limit,
	}, nil
}

// Iterator walks query results in timestamp order.
type Iterator struct {
	rows  *sql.Rows
	tags  map[string]string
	limit int

	current  *types.CorrelationRecord
	returned int
	err      error
}

// Next advances to the next matching record. Returns false at the end
// of the result set or on error; check Err afterwards.
func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}
	if it.limit > 0 && it.returned >= it.limit {
		return false
	}

	for it.rows.Next() {
		rec, err := scanRecord(it.rows)
		if err != nil {
			it.err = err
			return false
		}
		if len(it.tags) > 0 && !rec.TagsMatch(it.tags) {
			continue
		}
		it.current = rec
		it.returned++
		return true
	}

	it.err = it.rows.Err()
	return false
}

// Record returns the current record.
func (it *Iterator) Record() *types.CorrelationRecord {
	return it.current
}

// Err returns any error encountered during iteration.
func (it *Iterator) Err() error {
	return it.err
}

// Close releases the underlying cursor.
func (it *Iterator) Close() error {
	return it.rows.Close()
}

// Collect drains the iterator into a slice and closes it.
func (it *Iterator) Collect() ([]*types.CorrelationRecord, error) {
	defer it.Close()

	var out []*types.CorrelationRecord
	for it.Next() {
		out = append(out, it.Record())
	}
	return out, it.Err()
}

const selectColumns = `
	SELECT id, category, ts, numeric_value, has_value, text_value, tags,
	       level, period_start, period_end, links, summary, prunable, created_at
	FROM correlation_records`

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanRecord decodes one correlation_records row.
func scanRecord(row rowScanner) (*types.CorrelationRecord, error) {
	var (
		rec         types.CorrelationRecord
		category    string
		value       sql.NullFloat64
		textValue   sql.NullString
		tags        sql.NullString
		level       int
		periodStart sql.NullTime
		periodEnd   sql.NullTime
		links       sql.NullString
		summary     sql.NullString
	)

	err := row.Scan(&rec.ID, &category, &rec.Timestamp, &value, &rec.HasValue,
		&textValue, &tags, &level, &periodStart, &periodEnd,
		&links, &summary, &rec.Prunable, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}

	rec.Category = types.Category(category)
	rec.Timestamp = rec.Timestamp.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.Level = types.Level(level)
	if value.Valid {
		rec.Value = value.Float64
	}
	if textValue.Valid {
		rec.TextValue = textValue.String
	}
	if periodStart.Valid {
		rec.PeriodStart = periodStart.Time.UTC()
	}
	if periodEnd.Valid {
		rec.PeriodEnd = periodEnd.Time.UTC()
	}

	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &rec.Tags); err != nil {
			return nil, fmt.Errorf("decode tags for %s: %w", rec.ID, err)
		}
	}
	if links.Valid && links.String != "" {
		if err := json.Unmarshal([]byte(links.String), &rec.Links); err != nil {
			return nil, fmt.Errorf("decode links for %s: %w", rec.ID, err)
		}
	}
	if summary.Valid && summary.String != "" {
		rec.Summary = &types.Summary{}
		if err := json.Unmarshal([]byte(summary.String), rec.Summary); err != nil {
			return nil, fmt.Errorf("decode summary for %s: %w", rec.ID, err)
		}
	}

	return &rec, nil
}
