// Package selection describes what a query or fragment selects: an ordered
// Set of Fields per object position, each with its resolved arguments, its
// declared type when a schema is known, and its child Set when the field is
// composite.
//
// A Set is built once per operation (see Build and BuildFragment) and then
// shared read-only by the normalizer and the readers.
package selection

import (
	"slices"

	record "github.com/hanpama/normcache/internal/record"
)

// TypenameField is the meta field naming an object's concrete type.
const TypenameField = "__typename"

// Type is the declared type of a field: a named type optionally wrapped in
// lists and non-null markers.
type Type struct {
	Named   string
	Elem    *Type
	NonNull bool
}

// NamedType returns the innermost named type.
func (t *Type) NamedType() string {
	for cur := t; cur != nil; cur = cur.Elem {
		if cur.Named != "" {
			return cur.Named
		}
	}
	return ""
}

// ListDepth returns how many list wrappers surround the named type.
func (t *Type) ListDepth() int {
	n := 0
	for cur := t; cur != nil; cur = cur.Elem {
		if cur.Elem != nil {
			n++
		}
	}
	return n
}

// IsList reports whether the outermost wrapper (ignoring non-null) is a list.
func (t *Type) IsList() bool { return t != nil && t.Elem != nil }

func (t *Type) String() string {
	if t == nil {
		return ""
	}
	var s string
	if t.Elem != nil {
		s = "[" + t.Elem.String() + "]"
	} else {
		s = t.Named
	}
	if t.NonNull {
		s += "!"
	}
	return s
}

// Field is one selected field at one position of a query.
type Field struct {
	// ResponseName is the alias when present, the field name otherwise.
	ResponseName string
	Name         string
	// Arguments holds the argument values written in the document with
	// variables already substituted.
	Arguments map[string]any
	// Type is nil when the document was not validated against a schema.
	Type *Type
	// TypeCondition names the fragment type this field was selected under.
	// Empty means the field applies to every object at this position.
	TypeCondition string
	// PossibleTypes lists the concrete types satisfying TypeCondition.
	PossibleTypes []string
	// Selections is non-nil exactly when the field is composite.
	Selections Set
}

// Set is the ordered list of fields selected at one object position.
type Set []*Field

// Key returns the field key under which the value of f is stored in a
// record: the field name, followed by the canonical JSON of its arguments
// when it has any.
func (f *Field) Key() string {
	if len(f.Arguments) == 0 {
		return f.Name
	}
	return f.Name + "(" + record.Canonical(f.Arguments) + ")"
}

// IsComposite reports whether f selects sub-fields.
func (f *Field) IsComposite() bool { return f.Selections != nil }

// AppliesTo reports whether f is selected on an object whose concrete type is
// typename.
func (f *Field) AppliesTo(typename string) bool {
	if f.TypeCondition == "" {
		return true
	}
	if typename == "" {
		return false
	}
	if len(f.PossibleTypes) == 0 {
		return f.TypeCondition == typename
	}
	return slices.Contains(f.PossibleTypes, typename)
}

// Collect returns the fields of s that apply to an object of the given
// concrete type. Fields sharing a response name are merged into one whose
// Selections concatenate theirs, keeping document order.
func (s Set) Collect(typename string) Set {
	out := make(Set, 0, len(s))
	index := make(map[string]int, len(s))
	for _, f := range s {
		if !f.AppliesTo(typename) {
			continue
		}
		if i, ok := index[f.ResponseName]; ok {
			out[i] = merge(out[i], f)
			continue
		}
		index[f.ResponseName] = len(out)
		out = append(out, f)
	}
	return out
}

func merge(a, b *Field) *Field {
	m := *a
	m.TypeCondition = ""
	m.PossibleTypes = nil
	if a.Selections != nil || b.Selections != nil {
		m.Selections = make(Set, 0, len(a.Selections)+len(b.Selections))
		m.Selections = append(m.Selections, a.Selections...)
		m.Selections = append(m.Selections, b.Selections...)
	}
	return &m
}
