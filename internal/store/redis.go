package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	codec "github.com/hanpama/normcache/internal/codec"
	record "github.com/hanpama/normcache/internal/record"
)

// Codec encodes records for a remote store.
type Codec interface {
	Marshal(r *record.Record) ([]byte, error)
	Unmarshal(data []byte) (*record.Record, error)
}

// Redis stores each record as one string value under prefix+key. Reads of
// many keys are a single MGET. Merges run as WATCH/MULTI transactions and are
// retried when another writer touched the same records.
type Redis struct {
	client     *redis.Client
	prefix     string
	codec      Codec
	maxRetries int
	timeout    time.Duration
}

type RedisOption func(*Redis)

// WithRedisPrefix sets the prefix of every Redis key. Default "normcache:".
func WithRedisPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = prefix }
}

// WithRedisCodec replaces the protobuf record codec.
func WithRedisCodec(c Codec) RedisOption {
	return func(r *Redis) { r.codec = c }
}

// WithRedisRetries bounds how often a conflicting merge is retried.
// Default 8.
func WithRedisRetries(n int) RedisOption {
	return func(r *Redis) { r.maxRetries = n }
}

// WithRedisTimeout sets the dial, read and write timeouts used by OpenRedis.
// Default 5s.
func WithRedisTimeout(d time.Duration) RedisOption {
	return func(r *Redis) { r.timeout = d }
}

// ErrConflict is returned when a merge kept losing to concurrent writers.
var ErrConflict = errors.New("store: too many conflicting writes")

// NewRedis wraps a connected client.
func NewRedis(client *redis.Client, opts ...RedisOption) (*Redis, error) {
	r := &Redis{
		client:     client,
		prefix:     "normcache:",
		maxRetries: 8,
		timeout:    5 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.codec == nil {
		c, err := codec.Default()
		if err != nil {
			return nil, err
		}
		r.codec = c
	}
	return r, nil
}

// OpenRedis connects to the server at url and checks the connection.
func OpenRedis(ctx context.Context, url string, opts ...RedisOption) (*Redis, error) {
	if url == "" {
		url = "redis://localhost:6379"
	}
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	r, err := NewRedis(nil, opts...)
	if err != nil {
		return nil, err
	}
	redisOpts.DialTimeout = r.timeout
	redisOpts.ReadTimeout = r.timeout
	redisOpts.WriteTimeout = r.timeout
	r.client = redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.client.Ping(pingCtx).Err(); err != nil {
		_ = r.client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return r, nil
}

// Close closes the underlying client.
func (r *Redis) Close() error { return r.client.Close() }

func (r *Redis) Get(ctx context.Context, key string) (*record.Record, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return r.decode(key, data)
}

func (r *Redis) GetMany(ctx context.Context, keys []string) (map[string]*record.Record, error) {
	out := make(map[string]*record.Record, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	vals, err := r.client.MGet(ctx, r.redisKeys(keys)...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget %d keys: %w", len(keys), err)
	}
	if err := r.decodeAll(keys, vals, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Redis) Merge(ctx context.Context, records record.Set) (record.KeySet, error) {
	keys := records.Keys()
	if len(keys) == 0 {
		return record.KeySet{}, nil
	}
	redisKeys := r.redisKeys(keys)
	var changed record.KeySet
	txf := func(tx *redis.Tx) error {
		vals, err := tx.MGet(ctx, redisKeys...).Result()
		if err != nil {
			return err
		}
		existing := make(map[string]*record.Record, len(keys))
		if err := r.decodeAll(keys, vals, existing); err != nil {
			return err
		}
		changed = make(record.KeySet)
		writes := make(map[string][]byte)
		for _, k := range keys {
			merged, keyChanges := mergeRecord(existing[k], records[k])
			if len(keyChanges) == 0 {
				continue
			}
			data, err := r.codec.Marshal(merged)
			if err != nil {
				return err
			}
			writes[r.prefix+k] = data
			changed.Add(keyChanges...)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for rk, data := range writes {
				pipe.Set(ctx, rk, data, 0)
			}
			return nil
		})
		return err
	}
	if err := r.retry(ctx, txf, redisKeys); err != nil {
		return nil, fmt.Errorf("redis merge: %w", err)
	}
	return changed, nil
}

func (r *Redis) Remove(ctx context.Context, keys ...string) (record.KeySet, error) {
	if len(keys) == 0 {
		return record.KeySet{}, nil
	}
	redisKeys := r.redisKeys(keys)
	var removed record.KeySet
	txf := func(tx *redis.Tx) error {
		vals, err := tx.MGet(ctx, redisKeys...).Result()
		if err != nil {
			return err
		}
		existing := make(map[string]*record.Record, len(keys))
		if err := r.decodeAll(keys, vals, existing); err != nil {
			return err
		}
		removed = make(record.KeySet)
		for _, rec := range existing {
			removed.Union(record.DependentKeys(rec))
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, redisKeys...)
			return nil
		})
		return err
	}
	if err := r.retry(ctx, txf, redisKeys); err != nil {
		return nil, fmt.Errorf("redis remove: %w", err)
	}
	return removed, nil
}

func (r *Redis) Clear(ctx context.Context) error {
	keys, err := r.scan(ctx)
	if err != nil {
		return err
	}
	const batch = 500
	for start := 0; start < len(keys); start += batch {
		end := min(start+batch, len(keys))
		if err := r.client.Del(ctx, keys[start:end]...).Err(); err != nil {
			return fmt.Errorf("redis clear: %w", err)
		}
	}
	return nil
}

func (r *Redis) Keys(ctx context.Context) ([]string, error) {
	keys, err := r.scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = strings.TrimPrefix(k, r.prefix)
	}
	sort.Strings(out)
	return out, nil
}

func (r *Redis) scan(ctx context.Context) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, escapeGlob(r.prefix)+"*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return keys, nil
}

func (r *Redis) retry(ctx context.Context, txf func(*redis.Tx) error, keys []string) error {
	for i := 0; i < r.maxRetries; i++ {
		err := r.client.Watch(ctx, txf, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrConflict
}

func (r *Redis) redisKeys(keys []string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = r.prefix + k
	}
	return out
}

func (r *Redis) decodeAll(keys []string, vals []any, out map[string]*record.Record) error {
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		rec, err := r.decode(keys[i], []byte(s))
		if err != nil {
			return err
		}
		out[keys[i]] = rec
	}
	return nil
}

func (r *Redis) decode(key string, data []byte) (*record.Record, error) {
	rec, err := r.codec.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", key, err)
	}
	return rec, nil
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}
