package reader

import (
	"context"
	"fmt"

	cachekey "github.com/hanpama/normcache/internal/cachekey"
	record "github.com/hanpama/normcache/internal/record"
	selection "github.com/hanpama/normcache/internal/selection"
)

// SequentialReader reads depth-first with one Get per reference.
type SequentialReader struct {
	source   Source
	resolver cachekey.Resolver
}

func NewSequential(source Source, resolver cachekey.Resolver) *SequentialReader {
	if resolver == nil {
		resolver = cachekey.None{}
	}
	return &SequentialReader{source: source, resolver: resolver}
}

func (r *SequentialReader) Read(ctx context.Context, set selection.Set, rootKey string) (*Result, error) {
	state := &sequentialRead{ctx: ctx, source: r.source, seen: map[string]bool{}}
	e := &expander{resolver: r.resolver}
	e.follow = func(t task) (record.Value, error) {
		rec, err := state.get(t)
		if err != nil {
			return nil, err
		}
		return e.object(rec.Key, rec.Fields, t.set, t.path)
	}
	data, err := e.follow(task{key: rootKey, set: set, path: selection.Path{}})
	if err != nil {
		return nil, err
	}
	return &Result{Data: data.(record.Object), Records: state.records}, nil
}

type sequentialRead struct {
	ctx     context.Context
	source  Source
	seen    map[string]bool
	records []*record.Record
}

func (s *sequentialRead) get(t task) (*record.Record, error) {
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}
	rec, err := s.source.Get(s.ctx, t.key)
	if err != nil {
		return nil, fmt.Errorf("get record %q: %w", t.key, err)
	}
	if rec == nil {
		return nil, &CacheMiss{Reason: MissingRecord, Key: t.key, Path: t.path}
	}
	if !s.seen[rec.Key] {
		s.seen[rec.Key] = true
		s.records = append(s.records, rec)
	}
	return rec, nil
}
