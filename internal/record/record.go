package record

import (
	"slices"
	"sort"
)

// Record is one flat entity in the cache: a key and the values of the fields
// selected on it so far, keyed by field key.
type Record struct {
	Key    string
	Fields Object
}

// New returns a Record for key holding fields. A nil fields map is replaced
// with an empty one.
func New(key string, fields Object) *Record {
	if fields == nil {
		fields = Object{}
	}
	return &Record{Key: key, Fields: fields}
}

// FieldKey returns the dependent key of one field of the record.
func FieldKey(recordKey, fieldKey string) string {
	return recordKey + "." + fieldKey
}

// FieldKeys returns the dependent key of every field, sorted.
func (r *Record) FieldKeys() []string {
	out := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		out = append(out, FieldKey(r.Key, k))
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	return &Record{Key: r.Key, Fields: r.Fields.Clone()}
}

// Merge copies the fields of other into r, overwriting existing ones, and
// returns the dependent keys of the fields whose value changed.
func (r *Record) Merge(other *Record) []string {
	var changed []string
	for k, v := range other.Fields {
		if old, ok := r.Fields[k]; ok && Equal(old, v) {
			continue
		}
		r.Fields[k] = Clone(v)
		changed = append(changed, FieldKey(r.Key, k))
	}
	sort.Strings(changed)
	return changed
}

// Set is the collection of records produced by one normalization, keyed by
// record key.
type Set map[string]*Record

// Add stores rec. When a record with the same key is already present the
// fields are merged with MergeValue, so embedded objects selected twice keep
// the fields of both selections.
func (s Set) Add(rec *Record) {
	if existing, ok := s[rec.Key]; ok {
		for k, v := range rec.Fields {
			if old, ok := existing.Fields[k]; ok {
				existing.Fields[k] = MergeValue(old, v)
			} else {
				existing.Fields[k] = v
			}
		}
		return
	}
	s[rec.Key] = rec
}

// Keys returns the record keys in sorted order.
func (s Set) Keys() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Records returns the records sorted by key.
func (s Set) Records() []*Record {
	out := make([]*Record, 0, len(s))
	for _, k := range s.Keys() {
		out = append(out, s[k])
	}
	return out
}

// KeySet is an unordered set of record or field keys.
type KeySet map[string]struct{}

// NewKeySet returns a set holding keys.
func NewKeySet(keys ...string) KeySet {
	s := make(KeySet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

func (s KeySet) Add(keys ...string) {
	for _, k := range keys {
		s[k] = struct{}{}
	}
}

func (s KeySet) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// Union adds every key of other to s.
func (s KeySet) Union(other KeySet) {
	for k := range other {
		s[k] = struct{}{}
	}
}

// Intersects reports whether s and other share at least one key.
func (s KeySet) Intersects(other KeySet) bool {
	small, large := s, other
	if len(small) > len(large) {
		small, large = large, small
	}
	for k := range small {
		if _, ok := large[k]; ok {
			return true
		}
	}
	return false
}

// Sorted returns the keys in lexical order.
func (s KeySet) Sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
