package record

// DependentKeys returns every key the given records make a reader or writer
// depend on: each record key and the "key.field" key of each of its fields.
// A later write whose changed keys intersect this set invalidates whatever was
// computed from these records.
func DependentKeys(records ...*Record) KeySet {
	out := make(KeySet)
	for _, r := range records {
		if r == nil {
			continue
		}
		out[r.Key] = struct{}{}
		for k := range r.Fields {
			out[FieldKey(r.Key, k)] = struct{}{}
		}
	}
	return out
}

// DependentKeysOf is DependentKeys over a Set.
func DependentKeysOf(set Set) KeySet {
	out := make(KeySet)
	for _, r := range set {
		out.Union(DependentKeys(r))
	}
	return out
}
