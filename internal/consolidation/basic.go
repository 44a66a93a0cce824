// Package consolidation implements the three consolidation tiers and
// the calendar-aligned scheduler that drives them.
//
// Each tier reads the level below it from the correlation store and
// produces (or, for profound, rewrites) records one level up. Runs are
// coordinated through the store's consolidation-period table, so a
// period is consolidated exactly once no matter how many times the
// scheduler, or a second engine sharing the store, attempts it.
package consolidation

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/google/uuid"

	"github.com/veraxon/chronicle/internal/correlation"
	"github.com/veraxon/chronicle/internal/logging"
	"github.com/veraxon/chronicle/internal/types"
)

// Basic consolidates raw records into one summary per category per
// 6-hour period.
type Basic struct {
	store    *correlation.Store
	accuracy float64

	mu    sync.Mutex
	stats TierStats
}

// TierStats holds per-consolidator statistics.
type TierStats struct {
	Runs              int64
	RecordsRead       int64
	SummariesMade     int64
	PayloadsRewritten int64
	Errors            int64
}

// NewBasic creates the basic consolidator. accuracy is the DDSketch
// relative accuracy for percentile estimation.
func NewBasic(store *correlation.Store, accuracy float64) *Basic {
	if accuracy <= 0 {
		accuracy = 0.01
	}
	return &Basic{store: store, accuracy: accuracy}
}

// Run consolidates [start, end). One summary row per non-empty
// category; empty categories produce nothing. Raw records are left in
// place (pruning is retention's job, not consolidation's).
func (b *Basic) Run(ctx context.Context, start, end time.Time) error {
	b.mu.Lock()
	b.stats.Runs++
	b.mu.Unlock()

	for _, cat := range types.AllCategories() {
		if err := b.consolidateCategory(ctx, cat, start, end); err != nil {
			b.mu.Lock()
			b.stats.Errors++
			b.mu.Unlock()
			return fmt.Errorf("basic %s: %w", cat, err)
		}
	}
	return nil
}

func (b *Basic) consolidateCategory(ctx context.Context, cat types.Category, start, end time.Time) error {
	level := types.LevelRaw
	it, err := b.store.Query(ctx, correlation.QueryParams{
		Category: cat,
		Start:    start,
		End:      end,
		Level:    &level,
	})
	if err != nil {
		return err
	}

	agg := newAggregator(cat.Numeric(), b.accuracy)
	for it.Next() {
		agg.addRaw(it.Record())
	}
	if err := it.Err(); err != nil {
		it.Close()
		return err
	}
	it.Close()

	b.mu.Lock()
	b.stats.RecordsRead += agg.count
	b.mu.Unlock()

	if agg.count == 0 {
		return nil
	}

	summary := &types.CorrelationRecord{
		ID:          uuid.NewString(),
		Category:    cat,
		Timestamp:   start,
		TextValue:   agg.text(),
		Tags:        agg.tags,
		Level:       types.LevelBasic,
		PeriodStart: start,
		PeriodEnd:   end,
		Links:       agg.links,
		Summary:     agg.summary(),
	}

	if err := b.store.Insert(ctx, summary); err != nil {
		return err
	}

	b.mu.Lock()
	b.stats.SummariesMade++
	b.mu.Unlock()

	logging.Component("consolidation").Debug("basic summary written",
		"category", string(cat), "period_start", start, "sources", len(agg.links))
	return nil
}

// Stats returns consolidator statistics.
func (b *Basic) Stats() TierStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// maxSummaryText caps merged text carried by one summary row. Raw
// text beyond the cap is counted but not carried; profound compression
// later shrinks what is carried.
const maxSummaryText = 1 << 20

// aggregator accumulates raw records into a Summary in one pass.
type aggregator struct {
	numeric bool

	count int64
	sum   float64
	min   float64
	max   float64

	sketch *ddsketch.DDSketch
	tags   map[string]string
	links  []string

	textParts []string
	textLen   int
}

func newAggregator(numeric bool, accuracy float64) *aggregator {
	a := &aggregator{
		numeric: numeric,
		min:     math.MaxFloat64,
		max:     -math.MaxFloat64,
		tags:    make(map[string]string),
	}
	if numeric {
		if sketch, err := ddsketch.NewDefaultDDSketch(accuracy); err == nil {
			a.sketch = sketch
		}
	}
	return a
}

func (a *aggregator) addRaw(rec *types.CorrelationRecord) {
	a.count++
	a.links = append(a.links, rec.ID)

	// Tag union: the last writer wins on conflicting values, which is
	// deterministic because iteration is timestamp-ordered.
	for k, v := range rec.Tags {
		a.tags[k] = v
	}

	if a.numeric && rec.HasValue {
		a.sum += rec.Value
		if rec.Value < a.min {
			a.min = rec.Value
		}
		if rec.Value > a.max {
			a.max = rec.Value
		}
		if a.sketch != nil {
			a.sketch.Add(rec.Value)
		}
	}

	if !a.numeric && rec.TextValue != "" && a.textLen < maxSummaryText {
		a.textParts = append(a.textParts, rec.TextValue)
		a.textLen += len(rec.TextValue) + 1
	}
}

// text returns the merged text payload, newline-joined in timestamp
// order.
func (a *aggregator) text() string {
	return strings.Join(a.textParts, "\n")
}

func (a *aggregator) summary() *types.Summary {
	s := &types.Summary{Count: a.count}

	if a.numeric && a.count > 0 && a.min <= a.max {
		s.Sum = a.sum
		s.Min = a.min
		s.Max = a.max
		s.Avg = a.sum / float64(a.count)

		if a.sketch != nil && a.sketch.GetCount() > 0 {
			p50, _ := a.sketch.GetValueAtQuantile(0.50)
			p90, _ := a.sketch.GetValueAtQuantile(0.90)
			p95, _ := a.sketch.GetValueAtQuantile(0.95)
			p99, _ := a.sketch.GetValueAtQuantile(0.99)
			s.SetPercentiles(p50, p90, p95, p99)
		}
	}

	return s
}
