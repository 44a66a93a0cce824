// Package correlation implements the mutable correlation store: a
// DuckDB-backed table of observations and their consolidated summaries,
// plus the consolidation-period table used to coordinate runs.
//
// The store is the queryable, compressible side of the system. The
// ledger is the durable one; nothing in this package can reach it.
package correlation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/veraxon/chronicle/internal/errors"
	"github.com/veraxon/chronicle/internal/logging"
	"github.com/veraxon/chronicle/internal/types"
)

// Store is the DuckDB-backed correlation store.
type Store struct {
	mu sync.Mutex

	db   *sql.DB
	path string
	opts Options

	stats Stats
}

// Options configures the store.
type Options struct {
	// MemoryLimit is the DuckDB memory limit, e.g. "1GB". Empty leaves
	// the engine default.
	MemoryLimit string

	// QueryTimeout bounds individual queries. Default: 30s
	QueryTimeout time.Duration

	// ReadOnly opens the database without write access; inspection
	// tools use this to attach to a live data directory.
	ReadOnly bool
}

// Stats holds store statistics.
type Stats struct {
	RecordsInserted int64
	RecordsPruned   int64
	PayloadRewrites int64
	QueriesExecuted int64
	Errors          int64
}

const recordsSchema = `
CREATE TABLE IF NOT EXISTS correlation_records (
	id            VARCHAR PRIMARY KEY,
	category      VARCHAR NOT NULL,
	ts            TIMESTAMP NOT NULL,
	numeric_value DOUBLE,
	has_value     BOOLEAN NOT NULL,
	text_value    VARCHAR,
	tags          VARCHAR,
	level         INTEGER NOT NULL,
	period_start  TIMESTAMP,
	period_end    TIMESTAMP,
	links         VARCHAR,
	summary       VARCHAR,
	prunable      BOOLEAN NOT NULL DEFAULT FALSE,
	created_at    TIMESTAMP NOT NULL
)`

const periodsSchema = `
CREATE TABLE IF NOT EXISTS consolidation_periods (
	tier         INTEGER NOT NULL,
	period_start TIMESTAMP NOT NULL,
	period_end   TIMESTAMP NOT NULL,
	status       VARCHAR NOT NULL,
	completed_at TIMESTAMP,
	PRIMARY KEY (tier, period_start)
)`

// Open opens (or creates) the store at path. An empty path opens an
// in-memory database, which tests use.
func Open(path string, opts Options) (*Store, error) {
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 30 * time.Second
	}

	dsn := path
	if opts.ReadOnly && path != "" {
		dsn = path + "?access_mode=read_only"
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	if opts.MemoryLimit != "" {
		if _, err := db.Exec(fmt.Sprintf("SET memory_limit='%s'", opts.MemoryLimit)); err != nil {
			db.Close()
			return nil, fmt.Errorf("set memory limit: %w", err)
		}
	}

	s := &Store{
		db:   db,
		path: path,
		opts: opts,
	}

	if !opts.ReadOnly {
		for _, schema := range []string{recordsSchema, periodsSchema} {
			if _, err := db.Exec(schema); err != nil {
				db.Close()
				return nil, fmt.Errorf("create table: %w", err)
			}
		}
	}

	return s, nil
}

// DB exposes the underlying handle so the key manager can share the
// same database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert stores one record. Raw records arrive here from the ingestion
// API; summary records from the consolidators.
func (s *Store) Insert(ctx context.Context, rec *types.CorrelationRecord) error {
	if rec.ID == "" {
		return errors.NewMissingField("id")
	}
	if !rec.Category.Valid() {
		return fmt.Errorf("%w: %s", errors.ErrInvalidCategory, rec.Category)
	}

	tags, links, summary, err := encodePayloadColumns(rec)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.QueryTimeout)
	defer cancel()

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO correlation_records
		(id, category, ts, numeric_value, has_value, text_value, tags,
		 level, period_start, period_end, links, summary, prunable, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Category), rec.Timestamp.UTC(),
		rec.Value, rec.HasValue, rec.TextValue, tags,
		int(rec.Level), nullTime(rec.PeriodStart), nullTime(rec.PeriodEnd),
		links, summary, rec.Prunable, createdAt)
	if err != nil {
		s.countError()
		return fmt.Errorf("insert record %s: %w", rec.ID, err)
	}

	s.mu.Lock()
	s.stats.RecordsInserted++
	s.mu.Unlock()
	return nil
}

// Get returns one record by id.
func (s *Store) Get(ctx context.Context, id string) (*types.CorrelationRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.QueryTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("record %s: %w", id, errors.ErrRecordNotFound)
	}
	if err != nil {
		s.countError()
		return nil, fmt.Errorf("get record %s: %w", id, err)
	}
	return rec, nil
}

// RewritePayload replaces a record's payload columns in place. The
// statement shape is the guarantee: id, timestamps, links, and period
// columns are not assignable here, so profound compression cannot
// disturb identity or provenance.
func (s *Store) RewritePayload(ctx context.Context, id string, textValue string, value float64, hasValue bool, summary *types.Summary) error {
	var summaryJSON sql.NullString
	if summary != nil {
		b, err := json.Marshal(summary)
		if err != nil {
			return fmt.Errorf("encode summary: %w", err)
		}
		summaryJSON = sql.NullString{String: string(b), Valid: true}
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.QueryTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE correlation_records
		SET text_value = ?, numeric_value = ?, has_value = ?, summary = ?
		WHERE id = ?`,
		textValue, value, hasValue, summaryJSON, id)
	if err != nil {
		s.countError()
		return fmt.Errorf("rewrite payload %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("record %s: %w", id, errors.ErrRecordNotFound)
	}

	s.mu.Lock()
	s.stats.PayloadRewrites++
	s.mu.Unlock()
	return nil
}

// MarkPrunable flags the given record ids as prunable. Consolidators
// call this only for records whose content is covered by a summary.
func (s *Store) MarkPrunable(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.QueryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark prunable: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`UPDATE correlation_records SET prunable = TRUE WHERE id = ?`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare mark prunable: %w", err)
	}
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			stmt.Close()
			tx.Rollback()
			s.countError()
			return fmt.Errorf("mark prunable %s: %w", id, err)
		}
	}
	stmt.Close()
	return tx.Commit()
}

// Prune deletes prunable records older than cutoff at the given level.
// With dryRun set it only counts what would go.
func (s *Store) Prune(ctx context.Context, level types.Level, cutoff time.Time, dryRun bool) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.QueryTimeout)
	defer cancel()

	if dryRun {
		var n int64
		err := s.db.QueryRowContext(ctx, `
			SELECT count(*) FROM correlation_records
			WHERE prunable AND level = ? AND ts < ?`,
			int(level), cutoff.UTC()).Scan(&n)
		if err != nil {
			s.countError()
			return 0, fmt.Errorf("count prunable: %w", err)
		}
		return n, nil
	}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM correlation_records
		WHERE prunable AND level = ? AND ts < ?`,
		int(level), cutoff.UTC())
	if err != nil {
		s.countError()
		return 0, fmt.Errorf("prune records: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.stats.RecordsPruned += n
	s.mu.Unlock()

	if n > 0 {
		logging.Component("correlation").Info("pruned records",
			"level", level.String(), "count", n)
	}
	return n, nil
}

// DeleteSummaries removes all summary rows a tier produced for one
// period. Used before retrying a period whose earlier run died partway:
// partial output is discarded, never merged with the retry's. The range
// covers period_start because a weekly run emits one row per day, all
// of which fall inside [start, end).
func (s *Store) DeleteSummaries(ctx context.Context, level types.Level, start, end time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.QueryTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM correlation_records
		WHERE level = ? AND period_start >= ? AND period_start < ?`,
		int(level), start.UTC(), end.UTC())
	if err != nil {
		s.countError()
		return 0, fmt.Errorf("delete summaries: %w", err)
	}
	return res.RowsAffected()
}

// MarkCoveredPrunable flags records at level older than cutoff whose
// timestamp falls inside a completed period of coveringTier. Records
// without a covering summary are never marked, no matter how old.
func (s *Store) MarkCoveredPrunable(ctx context.Context, level, coveringTier types.Level, cutoff time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.QueryTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE correlation_records
		SET prunable = TRUE
		WHERE level = ? AND NOT prunable AND ts < ?
		  AND EXISTS (
			SELECT 1 FROM consolidation_periods p
			WHERE p.tier = ? AND p.status = ?
			  AND correlation_records.ts >= p.period_start
			  AND correlation_records.ts < p.period_end)`,
		int(level), cutoff.UTC(), int(coveringTier), string(types.PeriodComplete))
	if err != nil {
		s.countError()
		return 0, fmt.Errorf("mark covered prunable: %w", err)
	}
	return res.RowsAffected()
}

// EarliestTimestamp returns the oldest record timestamp at a level, or
// a zero time when the level is empty.
func (s *Store) EarliestTimestamp(ctx context.Context, level types.Level) (time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.QueryTimeout)
	defer cancel()

	var ts sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT min(ts) FROM correlation_records WHERE level = ?`,
		int(level)).Scan(&ts)
	if err != nil {
		s.countError()
		return time.Time{}, fmt.Errorf("earliest timestamp: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return ts.Time.UTC(), nil
}

// CountByLevel returns the number of records at each level.
func (s *Store) CountByLevel(ctx context.Context) (map[types.Level]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.QueryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT level, count(*) FROM correlation_records GROUP BY level`)
	if err != nil {
		s.countError()
		return nil, fmt.Errorf("count by level: %w", err)
	}
	defer rows.Close()

	out := make(map[types.Level]int64)
	for rows.Next() {
		var level int
		var n int64
		if err := rows.Scan(&level, &n); err != nil {
			return nil, err
		}
		out[types.Level(level)] = n
	}
	return out, rows.Err()
}

// DiskUsage returns the size of the database file in bytes, 0 for an
// in-memory store.
func (s *Store) DiskUsage() (int64, error) {
	if s.path == "" {
		return 0, nil
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return 0, fmt.Errorf("stat database: %w", err)
	}
	return info.Size(), nil
}

// Stats returns store statistics.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Store) countError() {
	s.mu.Lock()
	s.stats.Errors++
	s.mu.Unlock()
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// encodePayloadColumns renders tags, links, and summary as JSON column
// values.
func encodePayloadColumns(rec *types.CorrelationRecord) (tags, links, summary sql.NullString, err error) {
	if len(rec.Tags) > 0 {
		b, e := json.Marshal(rec.Tags)
		if e != nil {
			err = fmt.Errorf("encode tags: %w", e)
			return
		}
		tags = sql.NullString{String: string(b), Valid: true}
	}
	if len(rec.Links) > 0 {
		b, e := json.Marshal(rec.Links)
		if e != nil {
			err = fmt.Errorf("encode links: %w", e)
			return
		}
		links = sql.NullString{String: string(b), Valid: true}
	}
	if rec.Summary != nil {
		b, e := json.Marshal(rec.Summary)
		if e != nil {
			err = fmt.Errorf("encode summary: %w", e)
			return
		}
		summary = sql.NullString{String: string(b), Valid: true}
	}
	return
}
