package types

import "fmt"

// Category classifies an observation in the correlation store.
type Category string

const (
	// CategoryMetric is a numeric time-series measurement.
	CategoryMetric Category = "metric"
	// CategoryLog is a structured log line.
	CategoryLog Category = "log"
	// CategoryTrace is a distributed-trace span record.
	CategoryTrace Category = "trace"
	// CategoryAuditMirror is the queryable mirror of a ledger entry.
	// The ledger remains the authoritative copy; the mirror exists so
	// audit activity can be aggregated alongside other observations.
	CategoryAuditMirror Category = "audit-mirror"
	// CategoryConversation is an agent conversation transcript fragment.
	CategoryConversation Category = "conversation"
	// CategoryTask is a task lifecycle record.
	CategoryTask Category = "task"

	// CategoryKeyRotation marks the ledger entry appended when the
	// signing key rotates. It appears only in the ledger, never in the
	// correlation store, so Valid and AllCategories exclude it.
	CategoryKeyRotation Category = "key-rotation"
)

// AllCategories returns every category in a stable order.
func AllCategories() []Category {
	return []Category{
		CategoryMetric,
		CategoryLog,
		CategoryTrace,
		CategoryAuditMirror,
		CategoryConversation,
		CategoryTask,
	}
}

// Numeric reports whether records in this category carry a numeric value
// that participates in sum/avg/percentile aggregation.
func (c Category) Numeric() bool {
	return c == CategoryMetric || c == CategoryTrace
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryMetric, CategoryLog, CategoryTrace,
		CategoryAuditMirror, CategoryConversation, CategoryTask:
		return true
	default:
		return false
	}
}

// ParseCategory parses a string into a Category.
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown category: %s", s)
	}
	return c, nil
}
