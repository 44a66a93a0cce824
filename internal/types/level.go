package types

import (
	"fmt"
	"time"
)

// Level represents a consolidation level. Raw records are ingested
// directly; each higher level is produced by a consolidation tier running
// on a calendar-aligned schedule in the configured timezone (UTC by
// default):
//
//	basic     every 6 hours (00/06/12/18), summarizing raw records
//	extensive weekly (Monday 00:00), rolling basic summaries into
//	          one daily summary per day of the prior week
//	profound  monthly (1st 00:00), compressing the prior month's
//	          daily summaries in place
type Level int

const (
	LevelRaw Level = iota
	LevelBasic
	LevelExtensive
	LevelProfound
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelRaw:
		return "raw"
	case LevelBasic:
		return "basic"
	case LevelExtensive:
		return "extensive"
	case LevelProfound:
		return "profound"
	default:
		return fmt.Sprintf("unknown(%d)", int(l))
	}
}

// ParseLevel parses a string into a Level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "raw":
		return LevelRaw, nil
	case "basic":
		return LevelBasic, nil
	case "extensive":
		return LevelExtensive, nil
	case "profound":
		return LevelProfound, nil
	default:
		return LevelRaw, fmt.Errorf("unknown level: %s", s)
	}
}

// ConsolidationTiers returns the levels driven by the scheduler, lowest
// first. LevelRaw is not a tier; raw records are only ever input.
func ConsolidationTiers() []Level {
	return []Level{LevelBasic, LevelExtensive, LevelProfound}
}

// TruncateToPeriod truncates a timestamp to the start of the
// consolidation period that contains it, on loc's calendar. A nil loc
// means UTC.
func (l Level) TruncateToPeriod(ts time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	ts = ts.In(loc)
	switch l {
	case LevelBasic:
		// 6-hour boundaries: 00:00, 06:00, 12:00, 18:00.
		return time.Date(ts.Year(), ts.Month(), ts.Day(), (ts.Hour()/6)*6, 0, 0, 0, loc)
	case LevelExtensive:
		// Monday 00:00.
		weekday := int(ts.Weekday())
		if weekday == 0 {
			weekday = 7 // Sunday
		}
		monday := ts.AddDate(0, 0, -(weekday - 1))
		return time.Date(monday.Year(), monday.Month(), monday.Day(), 0, 0, 0, 0, loc)
	case LevelProfound:
		return time.Date(ts.Year(), ts.Month(), 1, 0, 0, 0, 0, loc)
	default:
		return ts
	}
}

// PeriodEnd returns the exclusive end of the period starting at start,
// on loc's calendar. Callers must pass a period-aligned start. A nil
// loc means UTC.
func (l Level) PeriodEnd(start time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	start = start.In(loc)
	switch l {
	case LevelBasic:
		return start.Add(6 * time.Hour)
	case LevelExtensive:
		return start.AddDate(0, 0, 7)
	case LevelProfound:
		return start.AddDate(0, 1, 0)
	default:
		return start
	}
}

// PreviousPeriodStart returns the start of the period immediately before
// the period containing ts. This is the most recent fully closed period
// when ts itself sits on a boundary handover.
func (l Level) PreviousPeriodStart(ts time.Time, loc *time.Location) time.Time {
	current := l.TruncateToPeriod(ts, loc)
	switch l {
	case LevelBasic:
		return current.Add(-6 * time.Hour)
	case LevelExtensive:
		return current.AddDate(0, 0, -7)
	case LevelProfound:
		return current.AddDate(0, -1, 0)
	default:
		return current
	}
}
