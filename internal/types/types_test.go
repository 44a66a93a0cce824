package types

import (
	"testing"
	"time"
)

func TestLevelString(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{LevelRaw, "raw"},
		{LevelBasic, "basic"},
		{LevelExtensive, "extensive"},
		{LevelProfound, "profound"},
		{Level(99), "unknown(99)"},
	}

	for _, tt := range tests {
		if got := tt.level.String(); got != tt.expected {
			t.Errorf("Level(%d).String() = %s, want %s", tt.level, got, tt.expected)
		}
	}
}

func TestParseLevel(t *testing.T) {
	for _, l := range []Level{LevelRaw, LevelBasic, LevelExtensive, LevelProfound} {
		parsed, err := ParseLevel(l.String())
		if err != nil {
			t.Errorf("ParseLevel(%s): %v", l, err)
		}
		if parsed != l {
			t.Errorf("ParseLevel(%s) = %v, want %v", l, parsed, l)
		}
	}

	if _, err := ParseLevel("bogus"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestTruncateToPeriod_Basic(t *testing.T) {
	tests := []struct {
		in       time.Time
		expected time.Time
	}{
		{
			time.Date(2026, 3, 15, 7, 42, 13, 0, time.UTC),
			time.Date(2026, 3, 15, 6, 0, 0, 0, time.UTC),
		},
		{
			time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
			time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
		},
		{
			time.Date(2026, 3, 15, 23, 59, 59, 0, time.UTC),
			time.Date(2026, 3, 15, 18, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		if got := LevelBasic.TruncateToPeriod(tt.in, time.UTC); !got.Equal(tt.expected) {
			t.Errorf("TruncateToPeriod(%v) = %v, want %v", tt.in, got, tt.expected)
		}
	}
}

func TestTruncateToPeriod_Extensive(t *testing.T) {
	// 2026-03-18 is a Wednesday; the containing week starts Monday 03-16.
	in := time.Date(2026, 3, 18, 15, 0, 0, 0, time.UTC)
	expected := time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC)
	if got := LevelExtensive.TruncateToPeriod(in, time.UTC); !got.Equal(expected) {
		t.Errorf("TruncateToPeriod(%v) = %v, want %v", in, got, expected)
	}

	// Sunday belongs to the week starting the previous Monday.
	sunday := time.Date(2026, 3, 22, 12, 0, 0, 0, time.UTC)
	if got := LevelExtensive.TruncateToPeriod(sunday, time.UTC); !got.Equal(expected) {
		t.Errorf("TruncateToPeriod(sunday) = %v, want %v", got, expected)
	}
}

func TestTruncateToPeriod_Profound(t *testing.T) {
	in := time.Date(2026, 3, 18, 15, 0, 0, 0, time.UTC)
	expected := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if got := LevelProfound.TruncateToPeriod(in, time.UTC); !got.Equal(expected) {
		t.Errorf("TruncateToPeriod(%v) = %v, want %v", in, got, expected)
	}
}

func TestPeriodEnd(t *testing.T) {
	basicStart := time.Date(2026, 3, 15, 6, 0, 0, 0, time.UTC)
	if got := LevelBasic.PeriodEnd(basicStart, time.UTC); !got.Equal(basicStart.Add(6 * time.Hour)) {
		t.Errorf("basic PeriodEnd = %v", got)
	}

	weekStart := time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC)
	if got := LevelExtensive.PeriodEnd(weekStart, time.UTC); !got.Equal(weekStart.AddDate(0, 0, 7)) {
		t.Errorf("extensive PeriodEnd = %v", got)
	}

	// February: month lengths vary, AddDate handles it.
	febStart := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	expected := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if got := LevelProfound.PeriodEnd(febStart, time.UTC); !got.Equal(expected) {
		t.Errorf("profound PeriodEnd = %v, want %v", got, expected)
	}
}

func TestPreviousPeriodStart(t *testing.T) {
	ts := time.Date(2026, 3, 15, 7, 0, 0, 0, time.UTC)
	expected := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	if got := LevelBasic.PreviousPeriodStart(ts, time.UTC); !got.Equal(expected) {
		t.Errorf("basic PreviousPeriodStart = %v, want %v", got, expected)
	}

	// March 1st: the prior profound period is all of February.
	ts = time.Date(2026, 3, 1, 0, 30, 0, 0, time.UTC)
	expected = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	if got := LevelProfound.PreviousPeriodStart(ts, time.UTC); !got.Equal(expected) {
		t.Errorf("profound PreviousPeriodStart = %v, want %v", got, expected)
	}
}

func TestTruncateToPeriodHonorsLocation(t *testing.T) {
	east := time.FixedZone("UTC+2", 2*3600)

	// 01:30 UTC is 03:30 in UTC+2, so the basic period starts at local
	// midnight rather than the UTC midnight boundary.
	ts := time.Date(2026, 3, 15, 1, 30, 0, 0, time.UTC)
	got := LevelBasic.TruncateToPeriod(ts, east)
	expected := time.Date(2026, 3, 15, 0, 0, 0, 0, east)
	if !got.Equal(expected) {
		t.Errorf("basic TruncateToPeriod in UTC+2 = %v, want %v", got, expected)
	}

	// 23:00 UTC on the 14th is already the 15th in UTC+2, so the profound
	// period is March, not February carried over from UTC.
	ts = time.Date(2026, 2, 28, 23, 0, 0, 0, time.UTC)
	got = LevelProfound.TruncateToPeriod(ts, east)
	expected = time.Date(2026, 3, 1, 0, 0, 0, 0, east)
	if !got.Equal(expected) {
		t.Errorf("profound TruncateToPeriod in UTC+2 = %v, want %v", got, expected)
	}

	// Nil location falls back to UTC.
	ts = time.Date(2026, 3, 15, 7, 10, 0, 0, time.UTC)
	if got := LevelBasic.TruncateToPeriod(ts, nil); !got.Equal(time.Date(2026, 3, 15, 6, 0, 0, 0, time.UTC)) {
		t.Errorf("nil location TruncateToPeriod = %v", got)
	}
}

func TestCategory(t *testing.T) {
	if !CategoryMetric.Numeric() {
		t.Error("metric should be numeric")
	}
	if CategoryLog.Numeric() {
		t.Error("log should not be numeric")
	}

	for _, c := range AllCategories() {
		if !c.Valid() {
			t.Errorf("category %s should be valid", c)
		}
		parsed, err := ParseCategory(string(c))
		if err != nil || parsed != c {
			t.Errorf("ParseCategory(%s) = %v, %v", c, parsed, err)
		}
	}

	if _, err := ParseCategory("bogus"); err == nil {
		t.Error("expected error for unknown category")
	}
}

func TestSummaryPercentiles(t *testing.T) {
	var s Summary
	if s.HasPercentiles() {
		t.Error("empty summary should not have percentiles")
	}

	s.SetPercentiles(1, 2, 3, 4)
	if !s.HasPercentiles() {
		t.Error("expected percentiles after SetPercentiles")
	}
	if *s.P50 != 1 || *s.P99 != 4 {
		t.Errorf("unexpected percentile values: %v %v", *s.P50, *s.P99)
	}
}

func TestRecordTagsMatch(t *testing.T) {
	r := CorrelationRecord{Tags: map[string]string{"host": "a", "env": "prod"}}

	if !r.TagsMatch(map[string]string{"host": "a"}) {
		t.Error("subset should match")
	}
	if r.TagsMatch(map[string]string{"host": "b"}) {
		t.Error("mismatched value should not match")
	}
	if !r.TagsMatch(nil) {
		t.Error("nil filter should match everything")
	}
}
