// Package record holds the value tree shared by responses and stored records,
// the Record type itself, and the key sets used for invalidation.
//
// A Value is one of Null, Bool, Int, Float, String, Reference, List or Object.
// The set is closed: every consumer switches over all eight variants and treats
// anything else as a programming error. Reference never appears in a raw
// response; it only replaces an object position once that object has been
// normalized into its own Record.
package record

import (
	"fmt"
	"math"
)

// Value is a node of a response tree or a stored field value.
type Value interface {
	isValue()
}

type (
	// Null is the JSON null.
	Null struct{}
	// Bool is a JSON boolean.
	Bool bool
	// Int is an integral JSON number.
	Int int64
	// Float is a non-integral JSON number.
	Float float64
	// String is a JSON string.
	String string
	// Reference points at the record stored under the given key.
	Reference string
	// List is an ordered list of values.
	List []Value
	// Object maps names to values. In a response tree the names are response
	// names (aliases); inside a Record they are field keys.
	Object map[string]Value
)

func (Null) isValue()      {}
func (Bool) isValue()      {}
func (Int) isValue()       {}
func (Float) isValue()     {}
func (String) isValue()    {}
func (Reference) isValue() {}
func (List) isValue()      {}
func (Object) isValue()    {}

// KindOf returns a short name of the variant, used in error messages.
func KindOf(v Value) string {
	switch v.(type) {
	case nil:
		return "missing"
	case Null:
		return "null"
	case Bool:
		return "bool"
	case Int:
		return "int"
	case Float:
		return "float"
	case String:
		return "string"
	case Reference:
		return "reference"
	case List:
		return "list"
	case Object:
		return "object"
	default:
		panic(fmt.Sprintf("record: unknown value variant %T", v))
	}
}

// IsNull reports whether v is Null. A nil interface counts as null too.
func IsNull(v Value) bool {
	if v == nil {
		return true
	}
	_, ok := v.(Null)
	return ok
}

// Equal reports whether a and b are the same tree. Float NaN equals NaN so
// that a re-written record is not reported as changed.
func Equal(a, b Value) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case Null:
		_, ok := b.(Null)
		return ok
	case Bool:
		bv, ok := b.(Bool)
		return ok && av == bv
	case Int:
		bv, ok := b.(Int)
		return ok && av == bv
	case Float:
		bv, ok := b.(Float)
		if !ok {
			return false
		}
		if math.IsNaN(float64(av)) && math.IsNaN(float64(bv)) {
			return true
		}
		return av == bv
	case String:
		bv, ok := b.(String)
		return ok && av == bv
	case Reference:
		bv, ok := b.(Reference)
		return ok && av == bv
	case List:
		bv, ok := b.(List)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case Object:
		bv, ok := b.(Object)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, x := range av {
			y, ok := bv[k]
			if !ok || !Equal(x, y) {
				return false
			}
		}
		return true
	default:
		panic(fmt.Sprintf("record: unknown value variant %T", a))
	}
}

// Clone returns a deep copy of v.
func Clone(v Value) Value {
	switch tv := v.(type) {
	case List:
		out := make(List, len(tv))
		for i, item := range tv {
			out[i] = Clone(item)
		}
		return out
	case Object:
		return tv.Clone()
	default:
		return v
	}
}

// MergeValue combines two values stored under the same field key by one
// response. Objects are merged key by key and lists of equal length element
// by element, recursively. Otherwise next wins. The inputs are not modified.
func MergeValue(prev, next Value) Value {
	switch nv := next.(type) {
	case Object:
		pv, ok := prev.(Object)
		if !ok {
			return nv.Clone()
		}
		out := pv.Clone()
		for k, v := range nv {
			if old, ok := out[k]; ok {
				out[k] = MergeValue(old, v)
			} else {
				out[k] = Clone(v)
			}
		}
		return out
	case List:
		pv, ok := prev.(List)
		if !ok || len(pv) != len(nv) {
			return Clone(nv)
		}
		out := make(List, len(nv))
		for i := range nv {
			out[i] = MergeValue(pv[i], nv[i])
		}
		return out
	default:
		return next
	}
}

// Clone returns a deep copy of o.
func (o Object) Clone() Object {
	if o == nil {
		return nil
	}
	out := make(Object, len(o))
	for k, v := range o {
		out[k] = Clone(v)
	}
	return out
}

// String returns the string stored under name, if any.
func (o Object) String(name string) (string, bool) {
	s, ok := o[name].(String)
	return string(s), ok
}
