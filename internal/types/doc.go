// Package types defines the core data types shared across the chronicle
// engine: observation categories, consolidation levels, correlation
// records, and consolidation periods.
//
// These types are deliberately free of storage and crypto dependencies so
// that every other package can import them without cycles.
package types
