package types

import (
	"slices"
	"time"
)

// Summary holds the aggregate statistics carried by a consolidated
// record. Count and Sum are lossless across tiers: re-aggregating
// summaries adds counts and sums, and averages are always recomputed as
// Sum/Count (weighted by count), never averaged-of-averages.
type Summary struct {
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`

	// Percentiles, present only for numeric categories at the basic
	// level. Dropped by profound compression.
	P50 *float64 `json:"p50,omitempty"`
	P90 *float64 `json:"p90,omitempty"`
	P95 *float64 `json:"p95,omitempty"`
	P99 *float64 `json:"p99,omitempty"`
}

// SetPercentiles sets all percentile values.
func (s *Summary) SetPercentiles(p50, p90, p95, p99 float64) {
	s.P50 = &p50
	s.P90 = &p90
	s.P95 = &p95
	s.P99 = &p99
}

// HasPercentiles reports whether percentile data is present.
func (s *Summary) HasPercentiles() bool {
	return s != nil && s.P50 != nil
}

// CorrelationRecord is one row in the correlation store: a raw
// observation or a consolidated summary of lower-level records.
//
// Invariants: a consolidated record keeps Links to every source record it
// was aggregated from until those sources are pruned; profound
// consolidation rewrites only the payload (Value, TextValue, Summary) and
// never ID, PeriodStart/PeriodEnd, or Links.
type CorrelationRecord struct {
	ID        string
	Category  Category
	Timestamp time.Time

	// Payload. Value is meaningful only when HasValue is set (numeric
	// categories); TextValue carries log lines, transcripts, and the
	// merged text of summaries.
	Value     float64
	HasValue  bool
	TextValue string
	Tags      map[string]string

	// Consolidation state.
	Level       Level
	PeriodStart time.Time // zero for raw records
	PeriodEnd   time.Time // zero for raw records
	Links       []string
	Summary     *Summary // nil for raw records

	Prunable  bool
	CreatedAt time.Time
}

// IsRaw reports whether this is an unconsolidated observation.
func (r *CorrelationRecord) IsRaw() bool {
	return r.Level == LevelRaw
}

// LinksTo reports whether the record's links contain id.
func (r *CorrelationRecord) LinksTo(id string) bool {
	return slices.Contains(r.Links, id)
}

// TagsMatch reports whether the record's tags match want exactly on the
// keys present in want (extra record tags are ignored).
func (r *CorrelationRecord) TagsMatch(want map[string]string) bool {
	for k, v := range want {
		if r.Tags[k] != v {
			return false
		}
	}
	return true
}
