// Package normalize flattens a response tree into records.
//
// The walk is driven by the selection set, not by the response: only the
// fields a selection names are stored, under their field key. Composite
// children are normalized before their parent so the resolver always sees an
// object whose own children were already replaced by references.
package normalize

import (
	"fmt"

	cachekey "github.com/hanpama/normcache/internal/cachekey"
	record "github.com/hanpama/normcache/internal/record"
	selection "github.com/hanpama/normcache/internal/selection"
)

// Normalizer turns responses into records using one identity policy. It
// keeps no state between calls and is safe for concurrent use.
type Normalizer struct {
	resolver cachekey.Resolver
}

// New returns a Normalizer for resolver. A nil resolver embeds every object.
func New(resolver cachekey.Resolver) *Normalizer {
	if resolver == nil {
		resolver = cachekey.None{}
	}
	return &Normalizer{resolver: resolver}
}

// ShapeError reports a response value that cannot have been produced for its
// selection. It signals a caller bug and is never worth retrying.
type ShapeError struct {
	Path selection.Path
	Want string
	Got  string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("normalize: %s: expected %s, got %s", e.Path, e.Want, e.Got)
}

// Normalize stores data, the response of set, under rootKey and returns every
// record the response produced. The root record is always present, even
// when no field of set was found in data.
func (n *Normalizer) Normalize(data record.Object, set selection.Set, rootKey string) (record.Set, error) {
	w := &walker{resolver: n.resolver, records: record.Set{}}
	fields, err := w.object(data, set, selection.Path{})
	if err != nil {
		return nil, err
	}
	w.records.Add(record.New(rootKey, fields))
	return w.records, nil
}

type walker struct {
	resolver cachekey.Resolver
	records  record.Set
}

// object returns the normalized fields of obj, keyed by field key.
func (w *walker) object(obj record.Object, set selection.Set, path selection.Path) (record.Object, error) {
	typename, _ := obj.String(selection.TypenameField)
	fields := make(record.Object, len(set))
	for _, f := range set.Collect(typename) {
		v, ok := obj[f.ResponseName]
		if !ok {
			continue
		}
		nv, err := w.value(f, f.Type, v, path.Append(f.ResponseName))
		if err != nil {
			return nil, err
		}
		// aliases of one field share its key
		if prev, ok := fields[f.Key()]; ok {
			nv = record.MergeValue(prev, nv)
		}
		fields[f.Key()] = nv
	}
	return fields, nil
}

// value normalizes v, the value of f at one list depth. t is the declared
// type at that depth, nil when unknown.
func (w *walker) value(f *selection.Field, t *selection.Type, v record.Value, path selection.Path) (record.Value, error) {
	switch tv := v.(type) {
	case nil, record.Null:
		return record.Null{}, nil
	case record.Reference:
		return nil, &ShapeError{Path: path, Want: "a response value", Got: "reference"}
	case record.List:
		if f.IsComposite() && t != nil && !t.IsList() {
			return nil, &ShapeError{Path: path, Want: t.String(), Got: "list"}
		}
		var elem *selection.Type
		if t != nil {
			elem = t.Elem
		}
		out := make(record.List, len(tv))
		for i, item := range tv {
			nv, err := w.value(f, elem, item, path.Append(i))
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	case record.Object:
		if !f.IsComposite() {
			// leaf of a custom scalar type such as JSON
			return tv.Clone(), nil
		}
		if t != nil && t.IsList() {
			return nil, &ShapeError{Path: path, Want: t.String(), Got: "object"}
		}
		return w.composite(f, tv, path)
	default:
		if f.IsComposite() {
			return nil, &ShapeError{Path: path, Want: "object", Got: record.KindOf(v)}
		}
		return v, nil
	}
}

func (w *walker) composite(f *selection.Field, obj record.Object, path selection.Path) (record.Value, error) {
	fields, err := w.object(obj, f.Selections, path)
	if err != nil {
		return nil, err
	}
	key := w.resolver.FromFieldRecordSet(f, fields)
	if key == cachekey.NoKey {
		return fields, nil
	}
	w.records.Add(record.New(string(key), fields))
	return record.Reference(key), nil
}
