package types

import (
	"fmt"
	"time"
)

// PeriodStatus is the lifecycle state of a consolidation period.
type PeriodStatus string

const (
	PeriodPending  PeriodStatus = "pending"
	PeriodRunning  PeriodStatus = "running"
	PeriodComplete PeriodStatus = "complete"
	PeriodFailed   PeriodStatus = "failed"
)

// Valid reports whether s is a known status.
func (s PeriodStatus) Valid() bool {
	switch s {
	case PeriodPending, PeriodRunning, PeriodComplete, PeriodFailed:
		return true
	default:
		return false
	}
}

// ConsolidationPeriod marks one consolidation run for a (tier,
// period_start) pair. The row doubles as a mutual-exclusion lock: at most
// one complete row may ever exist per pair, and a running row excludes
// concurrent workers, including workers in other engine instances sharing
// the store.
type ConsolidationPeriod struct {
	Tier        Level
	PeriodStart time.Time
	PeriodEnd   time.Time
	Status      PeriodStatus
	CompletedAt time.Time // zero unless Status is complete
}

// Key returns a stable identifier for logging.
func (p *ConsolidationPeriod) Key() string {
	return fmt.Sprintf("%s/%s", p.Tier, p.PeriodStart.UTC().Format(time.RFC3339))
}
