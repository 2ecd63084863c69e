// Package store holds normalized records.
//
// A Store owns merge semantics and consistency: every Merge applies one
// normalization result atomically with field-level overwrite, and reports the
// dependent keys whose content changed. Readers and normalizers never lock.
package store

import (
	"context"

	reader "github.com/hanpama/normcache/internal/reader"
	record "github.com/hanpama/normcache/internal/record"
)

// Store is a record store.
type Store interface {
	reader.Source

	// Merge writes records field by field and returns the dependent keys
	// that changed: "key.field" for every field whose value changed, plus the
	// record key itself for records that did not exist before.
	Merge(ctx context.Context, records record.Set) (record.KeySet, error)

	// Remove deletes the records under keys and returns the dependent keys
	// of what was removed. Absent keys are ignored.
	Remove(ctx context.Context, keys ...string) (record.KeySet, error)

	// Clear deletes every record.
	Clear(ctx context.Context) error

	// Keys returns every record key, sorted.
	Keys(ctx context.Context) ([]string, error)
}

// mergeRecord merges incoming into existing, which may be nil, and returns
// the merged record and the changed dependent keys. existing is modified in
// place when non-nil.
func mergeRecord(existing, incoming *record.Record) (*record.Record, []string) {
	if existing == nil {
		created := incoming.Clone()
		return created, append([]string{created.Key}, created.FieldKeys()...)
	}
	return existing, existing.Merge(incoming)
}
