package reader

import (
	"errors"
	"fmt"

	selection "github.com/hanpama/normcache/internal/selection"
)

// Reason classifies a cache miss.
type Reason int

const (
	// MissingRecord: a referenced record is not in the store.
	MissingRecord Reason = iota + 1
	// MissingField: the record exists but lacks a selected field.
	MissingField
	// TypeMismatch: the stored value does not have the shape the selection
	// expects, such as a reference where a scalar is selected.
	TypeMismatch
)

func (r Reason) String() string {
	switch r {
	case MissingRecord:
		return "missing record"
	case MissingField:
		return "missing field"
	case TypeMismatch:
		return "type mismatch"
	default:
		return fmt.Sprintf("Reason(%d)", int(r))
	}
}

// CacheMiss reports that the selection cannot be served from the store.
// It means the data is not available locally, not that something broke.
type CacheMiss struct {
	Reason Reason
	// Key is the record being read, or the missing record.
	Key string
	// Field is the field key involved, empty for MissingRecord.
	Field string
	Path  selection.Path
	// Want and Got describe a TypeMismatch.
	Want string
	Got  string
}

func (e *CacheMiss) Error() string {
	switch e.Reason {
	case MissingRecord:
		return fmt.Sprintf("cache miss at %s: record %q not found", pathOrRoot(e.Path), e.Key)
	case MissingField:
		return fmt.Sprintf("cache miss at %s: record %q has no field %q", pathOrRoot(e.Path), e.Key, e.Field)
	case TypeMismatch:
		return fmt.Sprintf("cache miss at %s: field %q of record %q is %s, expected %s", pathOrRoot(e.Path), e.Field, e.Key, e.Got, e.Want)
	default:
		return fmt.Sprintf("cache miss at %s: %s", pathOrRoot(e.Path), e.Reason)
	}
}

// IsCacheMiss reports whether err is or wraps a *CacheMiss.
func IsCacheMiss(err error) bool {
	var miss *CacheMiss
	return errors.As(err, &miss)
}

// MissReason returns the reason of the *CacheMiss in err's chain, or zero.
func MissReason(err error) Reason {
	var miss *CacheMiss
	if errors.As(err, &miss) {
		return miss.Reason
	}
	return 0
}

func pathOrRoot(p selection.Path) string {
	if len(p) == 0 {
		return "<root>"
	}
	return p.String()
}
