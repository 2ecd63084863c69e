package reader

import (
	"context"
	"fmt"

	cachekey "github.com/hanpama/normcache/internal/cachekey"
	record "github.com/hanpama/normcache/internal/record"
	selection "github.com/hanpama/normcache/internal/selection"
)

// BatchReader reads breadth-first with one GetMany per depth.
type BatchReader struct {
	source   Source
	resolver cachekey.Resolver
}

func NewBatch(source Source, resolver cachekey.Resolver) *BatchReader {
	if resolver == nil {
		resolver = cachekey.None{}
	}
	return &BatchReader{source: source, resolver: resolver}
}

func (r *BatchReader) Read(ctx context.Context, set selection.Set, rootKey string) (*Result, error) {
	var (
		data    record.Object
		records []*record.Record
		fetched = map[string]*record.Record{}
		next    []task
	)
	e := &expander{resolver: r.resolver}
	e.follow = func(t task) (record.Value, error) {
		next = append(next, t)
		return record.Null{}, nil
	}

	frontier := []task{{key: rootKey, set: set, path: selection.Path{}}}
	// Depth-wise batch loop
	for len(frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if keys := pendingKeys(frontier, fetched); len(keys) > 0 {
			found, err := r.source.GetMany(ctx, keys)
			if err != nil {
				return nil, fmt.Errorf("get %d records: %w", len(keys), err)
			}
			for _, k := range keys {
				if rec := found[k]; rec != nil {
					fetched[k] = rec
					records = append(records, rec)
				}
			}
		}

		next = nil
		for _, t := range frontier {
			rec, ok := fetched[t.key]
			if !ok {
				return nil, &CacheMiss{Reason: MissingRecord, Key: t.key, Path: t.path}
			}
			obj, err := e.object(rec.Key, rec.Fields, t.set, t.path)
			if err != nil {
				return nil, err
			}
			if len(t.path) == 0 {
				data = obj
				continue
			}
			setValueAtPath(data, t.path, obj)
		}
		frontier = next
	}
	return &Result{Data: data, Records: records}, nil
}

// pendingKeys returns the distinct keys of frontier not fetched yet, in
// order of first appearance.
func pendingKeys(frontier []task, fetched map[string]*record.Record) []string {
	seen := make(map[string]bool, len(frontier))
	var keys []string
	for _, t := range frontier {
		if _, ok := fetched[t.key]; ok || seen[t.key] {
			continue
		}
		seen[t.key] = true
		keys = append(keys, t.key)
	}
	return keys
}
