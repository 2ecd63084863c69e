// Package cachekey decides which objects of a response become shared records
// and under which key.
//
// A Resolver is consulted by the normalizer for every composite value after
// its children were normalized (FromFieldRecordSet), and by the readers before
// a field is looked up (FromFieldArguments). Resolvers are pure functions of
// their inputs and safe for concurrent use.
package cachekey

import (
	"strconv"

	record "github.com/hanpama/normcache/internal/record"
	selection "github.com/hanpama/normcache/internal/selection"
)

// Key identifies a record.
type Key string

const (
	// NoKey keeps a value embedded in its parent record.
	NoKey Key = ""
	// RootKey is the key of the operation root record. It never comes from a
	// resolver.
	RootKey Key = "QUERY_ROOT"
)

func (k Key) String() string { return string(k) }

// Resolver is the entity identity policy.
type Resolver interface {
	// FromFieldRecordSet returns the key of the object selected by field,
	// whose already-normalized fields (keyed by field key) are given, or
	// NoKey to embed the object in its parent.
	FromFieldRecordSet(field *selection.Field, fields record.Object) Key

	// FromFieldArguments returns the key of an existing record the field
	// resolves to given its arguments alone, or NoKey to read the field from
	// the parent record as usual.
	FromFieldArguments(field *selection.Field) Key
}

// None embeds every object in its parent; only the root becomes a record.
type None struct{}

func (None) FromFieldRecordSet(*selection.Field, record.Object) Key { return NoKey }
func (None) FromFieldArguments(*selection.Field) Key                 { return NoKey }

// ByID keys objects by the value of a single field, "id" by default.
type ByID struct {
	Field string
}

func (r ByID) FromFieldRecordSet(_ *selection.Field, fields record.Object) Key {
	return scalarKey(fields[fieldOrDefault(r.Field, "id")])
}

func (ByID) FromFieldArguments(*selection.Field) Key { return NoKey }

// TypenameID keys objects as "Typename:id". Objects without a typename or an
// id stay embedded.
type TypenameID struct {
	IDField string
}

func (r TypenameID) FromFieldRecordSet(_ *selection.Field, fields record.Object) Key {
	id := scalarKey(fields[fieldOrDefault(r.IDField, "id")])
	if id == NoKey {
		return NoKey
	}
	typename, ok := fields.String(selection.TypenameField)
	if !ok || typename == "" {
		return NoKey
	}
	return Key(typename + ":" + string(id))
}

func (TypenameID) FromFieldArguments(*selection.Field) Key { return NoKey }

// RecordSetFunc adapts a function to a Resolver that never redirects reads.
type RecordSetFunc func(field *selection.Field, fields record.Object) Key

func (f RecordSetFunc) FromFieldRecordSet(field *selection.Field, fields record.Object) Key {
	return f(field, fields)
}

func (RecordSetFunc) FromFieldArguments(*selection.Field) Key { return NoKey }

// Funcs builds a Resolver from two optional functions.
type Funcs struct {
	RecordSet func(field *selection.Field, fields record.Object) Key
	Arguments func(field *selection.Field) Key
}

func (f Funcs) FromFieldRecordSet(field *selection.Field, fields record.Object) Key {
	if f.RecordSet == nil {
		return NoKey
	}
	return f.RecordSet(field, fields)
}

func (f Funcs) FromFieldArguments(field *selection.Field) Key {
	if f.Arguments == nil {
		return NoKey
	}
	return f.Arguments(field)
}

func fieldOrDefault(name, def string) string {
	if name == "" {
		return def
	}
	return name
}

// scalarKey turns an id value into a key. Null, missing and composite ids
// yield NoKey.
func scalarKey(v record.Value) Key {
	switch tv := v.(type) {
	case record.String:
		return Key(tv)
	case record.Int:
		return Key(strconv.FormatInt(int64(tv), 10))
	default:
		return NoKey
	}
}
