package consolidation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veraxon/chronicle/internal/correlation"
	"github.com/veraxon/chronicle/internal/logging"
	"github.com/veraxon/chronicle/internal/types"
)

// Extensive rolls the prior week's basic summaries into one daily
// summary per calendar day per category.
type Extensive struct {
	store *correlation.Store
	loc   *time.Location

	mu    sync.Mutex
	stats TierStats
}

// NewExtensive creates the extensive consolidator. Day boundaries fall
// on loc's calendar; nil means UTC.
func NewExtensive(store *correlation.Store, loc *time.Location) *Extensive {
	if loc == nil {
		loc = time.UTC
	}
	return &Extensive{store: store, loc: loc}
}

// Run consolidates the week [start, end). Counts and sums add across
// source summaries; averages are recomputed as sum/count so they stay
// weighted by record count, never averaged-of-averages. Percentiles do
// not survive: they cannot be merged from pre-computed values.
func (e *Extensive) Run(ctx context.Context, start, end time.Time) error {
	e.mu.Lock()
	e.stats.Runs++
	e.mu.Unlock()

	level := types.LevelBasic
	it, err := e.store.Query(ctx, correlation.QueryParams{
		Start: start,
		End:   end,
		Level: &level,
	})
	if err != nil {
		return fmt.Errorf("extensive query: %w", err)
	}

	type dayKey struct {
		day time.Time
		cat types.Category
	}
	groups := make(map[dayKey]*dailyMerge)

	read := int64(0)
	for it.Next() {
		rec := it.Record()
		read++

		day := dayStart(rec.Timestamp, e.loc)
		key := dayKey{day: day, cat: rec.Category}
		m := groups[key]
		if m == nil {
			m = newDailyMerge()
			groups[key] = m
		}
		m.add(rec)
	}
	if err := it.Err(); err != nil {
		it.Close()
		e.countError()
		return fmt.Errorf("extensive iterate: %w", err)
	}
	it.Close()

	e.mu.Lock()
	e.stats.RecordsRead += read
	e.mu.Unlock()

	// Stable output order: by day, then category.
	keys := make([]dayKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if !keys[i].day.Equal(keys[j].day) {
			return keys[i].day.Before(keys[j].day)
		}
		return keys[i].cat < keys[j].cat
	})

	for _, k := range keys {
		m := groups[k]
		rec := &types.CorrelationRecord{
			ID:          uuid.NewString(),
			Category:    k.cat,
			Timestamp:   k.day,
			TextValue:   strings.Join(m.textParts, "\n"),
			Tags:        m.tags,
			Level:       types.LevelExtensive,
			PeriodStart: k.day,
			PeriodEnd:   k.day.AddDate(0, 0, 1),
			Links:       m.links,
			Summary:     m.summary(),
		}
		if err := e.store.Insert(ctx, rec); err != nil {
			e.countError()
			return fmt.Errorf("extensive insert %s/%s: %w", k.cat, k.day.Format("2006-01-02"), err)
		}
		e.mu.Lock()
		e.stats.SummariesMade++
		e.mu.Unlock()
	}

	logging.Component("consolidation").Debug("extensive summaries written",
		"week_start", start, "days", len(groups))
	return nil
}

// Stats returns consolidator statistics.
func (e *Extensive) Stats() TierStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *Extensive) countError() {
	e.mu.Lock()
	e.stats.Errors++
	e.mu.Unlock()
}

// dayStart returns midnight of the calendar day containing ts in loc.
func dayStart(ts time.Time, loc *time.Location) time.Time {
	ts = ts.In(loc)
	return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, loc)
}

// dailyMerge accumulates basic summaries for one (day, category) pair.
type dailyMerge struct {
	count int64
	sum   float64
	min   float64
	max   float64
	seen  bool

	tags  map[string]string
	links []string

	textParts []string
	textLen   int
}

func newDailyMerge() *dailyMerge {
	return &dailyMerge{
		min:  math.MaxFloat64,
		max:  -math.MaxFloat64,
		tags: make(map[string]string),
	}
}

func (m *dailyMerge) add(rec *types.CorrelationRecord) {
	m.links = append(m.links, rec.ID)
	for k, v := range rec.Tags {
		m.tags[k] = v
	}

	if rec.TextValue != "" && m.textLen < maxSummaryText {
		m.textParts = append(m.textParts, rec.TextValue)
		m.textLen += len(rec.TextValue) + 1
	}

	if rec.Summary == nil {
		return
	}
	m.count += rec.Summary.Count
	m.sum += rec.Summary.Sum
	if rec.Summary.Count > 0 && rec.Category.Numeric() {
		m.seen = true
		if rec.Summary.Min < m.min {
			m.min = rec.Summary.Min
		}
		if rec.Summary.Max > m.max {
			m.max = rec.Summary.Max
		}
	}
}

func (m *dailyMerge) summary() *types.Summary {
	s := &types.Summary{Count: m.count, Sum: m.sum}
	if m.seen {
		s.Min = m.min
		s.Max = m.max
	}
	if m.count > 0 {
		s.Avg = m.sum / float64(m.count)
	}
	return s
}
