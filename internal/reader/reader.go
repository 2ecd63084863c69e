package reader

import (
	"context"
	"fmt"
	"strings"

	cachekey "github.com/hanpama/normcache/internal/cachekey"
	record "github.com/hanpama/normcache/internal/record"
	selection "github.com/hanpama/normcache/internal/selection"
)

// Source is the read side of a record store.
type Source interface {
	// Get returns the record stored under key, or nil when there is none.
	Get(ctx context.Context, key string) (*record.Record, error)
	// GetMany returns the records found among keys. Missing keys are absent
	// from the result.
	GetMany(ctx context.Context, keys []string) (map[string]*record.Record, error)
}

// Mode selects a read strategy.
type Mode string

const (
	Sequential Mode = "sequential"
	Batch      Mode = "batch"
)

// ParseMode parses a Mode name, case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case Sequential:
		return Sequential, nil
	case Batch:
		return Batch, nil
	default:
		return "", fmt.Errorf("unknown read mode %q (want %q or %q)", s, Sequential, Batch)
	}
}

// Result is a rebuilt response tree.
type Result struct {
	// Data is keyed by response name, like the response it was normalized
	// from.
	Data record.Object
	// Records lists every record the read used, each once, in fetch order.
	Records []*record.Record
}

// DependentKeys returns what the read depended on.
func (r *Result) DependentKeys() record.KeySet {
	return record.DependentKeys(r.Records...)
}

// Reader rebuilds the tree selected by set from the record at rootKey.
type Reader interface {
	Read(ctx context.Context, set selection.Set, rootKey string) (*Result, error)
}

// New returns the Reader for mode. Unknown modes fall back to Batch.
func New(mode Mode, source Source, resolver cachekey.Resolver) Reader {
	if mode == Sequential {
		return NewSequential(source, resolver)
	}
	return NewBatch(source, resolver)
}

// task is one reference to follow: the record at key, read with set, whose
// tree goes at path.
type task struct {
	key  string
	set  selection.Set
	path selection.Path
}

// expander turns the fields of one record into a response object. References
// are handed to follow, which either resolves them right away or returns a
// placeholder to be filled later.
type expander struct {
	resolver cachekey.Resolver
	follow   func(t task) (record.Value, error)
}

func (e *expander) object(key string, fields record.Object, set selection.Set, path selection.Path) (record.Object, error) {
	typename, _ := fields.String(selection.TypenameField)
	out := make(record.Object, len(set))
	for _, f := range set.Collect(typename) {
		fp := path.Append(f.ResponseName)
		if f.IsComposite() {
			if ref := e.resolver.FromFieldArguments(f); ref != cachekey.NoKey {
				v, err := e.follow(task{key: string(ref), set: f.Selections, path: fp})
				if err != nil {
					return nil, err
				}
				out[f.ResponseName] = v
				continue
			}
		}
		stored, ok := fields[f.Key()]
		if !ok {
			return nil, &CacheMiss{Reason: MissingField, Key: key, Field: f.Key(), Path: fp}
		}
		v, err := e.value(key, f, f.Type, stored, fp)
		if err != nil {
			return nil, err
		}
		out[f.ResponseName] = v
	}
	return out, nil
}

func (e *expander) value(key string, f *selection.Field, t *selection.Type, v record.Value, path selection.Path) (record.Value, error) {
	mismatch := func(want string) error {
		return &CacheMiss{Reason: TypeMismatch, Key: key, Field: f.Key(), Path: path, Want: want, Got: record.KindOf(v)}
	}
	switch tv := v.(type) {
	case record.Null:
		return tv, nil
	case record.List:
		if f.IsComposite() && t != nil && !t.IsList() {
			return nil, mismatch(t.String())
		}
		var elem *selection.Type
		if t != nil {
			elem = t.Elem
		}
		out := make(record.List, len(tv))
		for i, item := range tv {
			nv, err := e.value(key, f, elem, item, path.Append(i))
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	case record.Reference:
		if !f.IsComposite() {
			return nil, mismatch("leaf value")
		}
		if t != nil && t.IsList() {
			return nil, mismatch(t.String())
		}
		return e.follow(task{key: string(tv), set: f.Selections, path: path})
	case record.Object:
		if !f.IsComposite() {
			return tv.Clone(), nil
		}
		if t != nil && t.IsList() {
			return nil, mismatch(t.String())
		}
		return e.object(key, tv, f.Selections, path)
	case nil:
		return nil, mismatch("value")
	default:
		if f.IsComposite() {
			return nil, mismatch("object")
		}
		return v, nil
	}
}

// setValueAtPath replaces the placeholder at path inside root. Every
// container on the way already exists.
func setValueAtPath(root record.Object, path selection.Path, v record.Value) {
	if len(path) == 0 {
		return
	}
	var current record.Value = root
	for _, elem := range path[:len(path)-1] {
		switch e := elem.(type) {
		case string:
			m, ok := current.(record.Object)
			if !ok {
				return
			}
			current = m[e]
		case int:
			l, ok := current.(record.List)
			if !ok || e >= len(l) {
				return
			}
			current = l[e]
		}
	}
	switch e := path[len(path)-1].(type) {
	case string:
		if m, ok := current.(record.Object); ok {
			m[e] = v
		}
	case int:
		if l, ok := current.(record.List); ok && e < len(l) {
			l[e] = v
		}
	}
}
