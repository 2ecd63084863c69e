package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/hanpama/normcache/internal/cache"
	"github.com/hanpama/normcache/internal/config"
	"github.com/hanpama/normcache/internal/eventbus"
	"github.com/hanpama/normcache/internal/events"
	"github.com/hanpama/normcache/internal/record"
	"github.com/stretchr/testify/require"
)

func TestRunUsageErrors(t *testing.T) {
	require.EqualError(t, run(nil), "missing command")
	require.EqualError(t, run([]string{"compile"}), `unknown command "compile"`)
}

func TestHelp(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, cmdHelp(nil, &buf))
	require.Contains(t, buf.String(), "COMMANDS:")

	buf.Reset()
	require.NoError(t, cmdHelp([]string{"serve"}, &buf))
	require.Contains(t, buf.String(), "-store.backend")

	require.Error(t, cmdHelp([]string{"compile"}, &buf))
}

func TestProto(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, cmdProto(nil, &buf))
	require.Contains(t, buf.String(), "message Record")

	out := filepath.Join(t.TempDir(), "record.proto")
	require.NoError(t, cmdProto([]string{"-out", out}, &buf))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Contains(t, string(data), "package normcache.v1;")
}

func TestServeConfigFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "normcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":9000\"\nkeys:\n  policy: id\n"), 0o644))

	cfg, err := serveConfig([]string{
		"-config", path,
		"-server.addr", ":9100",
		"-server.cors", "http://a.test", "-server.cors", "http://b.test",
		"-read.fragment", "batch",
		"-otel.metrics",
	})
	require.NoError(t, err)
	require.Equal(t, ":9100", cfg.Server.Addr)
	require.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.Server.CORS)
	require.Equal(t, config.PolicyID, cfg.Keys.Policy)
	require.Equal(t, "batch", cfg.Read.Fragment)
	require.True(t, cfg.Otel.Metrics)
	require.Equal(t, config.BackendMemory, cfg.Store.Backend)
}

func TestServeConfigInvalid(t *testing.T) {
	_, err := serveConfig([]string{"-store.backend", "redis"})
	require.ErrorContains(t, err, "store.redis.url is required")

	_, err = serveConfig([]string{"-read.operation", "parallel"})
	require.ErrorContains(t, err, "read.operation")
}

func TestNewCacheMemory(t *testing.T) {
	sdl := filepath.Join(t.TempDir(), "schema.graphql")
	require.NoError(t, os.WriteFile(sdl, []byte(`type Query { me: User } type User { id: ID! name: String }`), 0o644))

	cfg := config.Default()
	cfg.Schema = sdl
	bus := eventbus.New()
	var storeOps []string
	eventbus.On(bus, func(ctx context.Context, e events.StoreFinish) {
		storeOps = append(storeOps, e.Backend+"."+e.Op)
	})

	c, release, err := newCache(context.Background(), cfg, bus)
	require.NoError(t, err)
	defer release()

	op := cache.Operation{Query: `{ me { __typename id name } }`}
	data, err := record.DecodeObject([]byte(`{"me": {"__typename": "User", "id": "1", "name": "Ada"}}`))
	require.NoError(t, err)
	_, err = c.WriteOperation(context.Background(), op, data)
	require.NoError(t, err)

	rec, err := c.Store().Get(context.Background(), "User:1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Contains(t, storeOps, "memory.merge")

	cfg.Schema = filepath.Join(t.TempDir(), "missing.graphql")
	_, _, err = newCache(context.Background(), cfg, bus)
	require.ErrorContains(t, err, "read schema")
}
