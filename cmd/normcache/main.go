package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hanpama/normcache/internal/cache"
	"github.com/hanpama/normcache/internal/codec"
	"github.com/hanpama/normcache/internal/config"
	"github.com/hanpama/normcache/internal/eventbus"
	"github.com/hanpama/normcache/internal/language"
	"github.com/hanpama/normcache/internal/otel"
	"github.com/hanpama/normcache/internal/server"
	"github.com/hanpama/normcache/internal/store"
)

const rootUsage = `normcache — normalized GraphQL response cache

USAGE:
  normcache <command> [flags]

COMMANDS:
  serve            Run the HTTP cache API
  proto            Print the .proto schema of stored records
  help             Show help for any command
`

const serveUsage = `serve FLAGS:
  -config <file>                YAML configuration file; flags override it
  -server.addr <addr>           HTTP listen address (default: :8080)
  -server.pretty                Pretty-print JSON responses
  -server.timeout <duration>    Per-request timeout, e.g. 10s (default: 10s)
  -server.cors <origin>         Allowed CORS origin. Repeatable
  -store.backend <name>         memory or redis (default: memory)
  -store.redis.url <url>        Redis URL, e.g. redis://localhost:6379/0
  -store.redis.prefix <prefix>  Prefix of Redis keys (default: normcache:)
  -keys.policy <name>           typename-id, id, none or expr (default: typename-id)
  -keys.id-field <name>         Identifying field (default: id)
  -read.operation <mode>        Read mode of operations: batch or sequential (default: batch)
  -read.fragment <mode>         Read mode of fragments: batch or sequential (default: sequential)
  -schema <file>                GraphQL SDL used to validate documents
  -otel.endpoint <addr>         OTLP collector endpoint
  -otel.service <name>          OpenTelemetry service name (default: normcache)
  -otel.metrics                 Serve Prometheus metrics at /metrics
`

const protoUsage = `proto FLAGS:
  -out <file>   Write the .proto to file (default: stdout)
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	global := flag.NewFlagSet("normcache", flag.ContinueOnError)
	global.SetOutput(new(bytes.Buffer)) // silence automatic output
	if err := global.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, rootUsage)
		return err
	}
	remaining := global.Args()
	if len(remaining) == 0 {
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("missing command")
	}

	cmd := remaining[0]
	cmdArgs := remaining[1:]
	switch cmd {
	case "serve":
		return cmdServe(cmdArgs)
	case "proto":
		return cmdProto(cmdArgs, os.Stdout)
	case "help":
		return cmdHelp(cmdArgs, os.Stdout)
	default:
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdHelp(args []string, w io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(w, rootUsage)
		return nil
	}
	switch args[0] {
	case "serve":
		fmt.Fprint(w, serveUsage)
	case "proto":
		fmt.Fprint(w, protoUsage)
	default:
		return fmt.Errorf("unknown help topic %q", args[0])
	}
	return nil
}

type stringListFlag []string

func (s *stringListFlag) String() string { return "" }

func (s *stringListFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// serveConfig loads -config when given and applies the flags that were set
// on top of it.
func serveConfig(args []string) (*config.Config, error) {
	var (
		configPath string
		cors       stringListFlag
	)
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&configPath, "config", "", "YAML configuration file")
	fs.String("server.addr", "", "HTTP listen address")
	fs.Bool("server.pretty", false, "Pretty-print JSON responses")
	fs.Duration("server.timeout", 0, "Per-request timeout")
	fs.Var(&cors, "server.cors", "Allowed CORS origin")
	fs.String("store.backend", "", "memory or redis")
	fs.String("store.redis.url", "", "Redis URL")
	fs.String("store.redis.prefix", "", "Prefix of Redis keys")
	fs.String("keys.policy", "", "Identity policy")
	fs.String("keys.id-field", "", "Identifying field")
	fs.String("read.operation", "", "Read mode of operations")
	fs.String("read.fragment", "", "Read mode of fragments")
	fs.String("schema", "", "GraphQL SDL file")
	fs.String("otel.endpoint", "", "OTLP collector endpoint")
	fs.String("otel.service", "", "OpenTelemetry service name")
	fs.Bool("otel.metrics", false, "Serve Prometheus metrics")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, serveUsage)
		return nil, err
	}

	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return nil, err
		}
	}
	var ferr error
	fs.Visit(func(f *flag.Flag) {
		v := f.Value.String()
		switch f.Name {
		case "server.addr":
			cfg.Server.Addr = v
		case "server.pretty":
			cfg.Server.Pretty, _ = strconv.ParseBool(v)
		case "server.timeout":
			cfg.Server.Timeout = v
		case "server.cors":
			cfg.Server.CORS = cors
		case "store.backend":
			cfg.Store.Backend = v
		case "store.redis.url":
			cfg.Store.Redis.URL = v
		case "store.redis.prefix":
			cfg.Store.Redis.Prefix = v
		case "keys.policy":
			cfg.Keys.Policy = v
		case "keys.id-field":
			cfg.Keys.IDField = v
		case "read.operation":
			cfg.Read.Operation = v
		case "read.fragment":
			cfg.Read.Fragment = v
		case "schema":
			cfg.Schema = v
		case "otel.endpoint":
			cfg.Otel.Endpoint = v
		case "otel.service":
			cfg.Otel.Service = v
		case "otel.metrics":
			cfg.Otel.Metrics, ferr = strconv.ParseBool(v)
		}
	})
	if ferr != nil {
		return nil, ferr
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprint(os.Stderr, serveUsage)
		return nil, err
	}
	return cfg, nil
}

func cmdServe(args []string) error {
	cfg, err := serveConfig(args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := eventbus.New()
	eventbus.Use(bus)
	tel, err := otel.Setup(ctx, bus, otel.Config{
		Endpoint: cfg.Otel.Endpoint,
		Service:  cfg.Otel.Service,
		Metrics:  cfg.Otel.Metrics,
	})
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	c, closeStore, err := newCache(ctx, cfg, bus)
	if err != nil {
		return err
	}
	defer closeStore()

	var sopts []server.Option
	if cfg.Server.Pretty {
		sopts = append(sopts, server.WithPretty())
	}
	if d := cfg.ServerTimeout(); d > 0 {
		sopts = append(sopts, server.WithTimeout(d))
	}
	if len(cfg.Server.CORS) > 0 {
		sopts = append(sopts, server.WithCORS(cfg.Server.CORS...))
	}
	if h := tel.MetricsHandler(); h != nil {
		sopts = append(sopts, server.WithMetrics(h))
	}
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.New(c, sopts...),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("normcache listening on %s (store: %s)", cfg.Server.Addr, cfg.Store.Backend)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Printf("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

// newCache opens the configured store and builds the cache over it. The
// returned func releases the store.
func newCache(ctx context.Context, cfg *config.Config, bus *eventbus.Bus) (*cache.Cache, func(), error) {
	resolver, err := cfg.Resolver()
	if err != nil {
		return nil, nil, err
	}
	opMode, fragMode, err := cfg.ReadModes()
	if err != nil {
		return nil, nil, err
	}
	var sch *language.Schema
	if cfg.Schema != "" {
		sdl, err := os.ReadFile(cfg.Schema)
		if err != nil {
			return nil, nil, fmt.Errorf("read schema: %w", err)
		}
		if sch, err = language.LoadSchema(cfg.Schema, string(sdl)); err != nil {
			return nil, nil, fmt.Errorf("load schema: %w", err)
		}
	}

	var (
		st      store.Store
		release = func() {}
	)
	switch cfg.Store.Backend {
	case config.BackendRedis:
		var ropts []store.RedisOption
		if cfg.Store.Redis.Prefix != "" {
			ropts = append(ropts, store.WithRedisPrefix(cfg.Store.Redis.Prefix))
		}
		if cfg.Store.Redis.Retries > 0 {
			ropts = append(ropts, store.WithRedisRetries(cfg.Store.Redis.Retries))
		}
		if d := cfg.RedisTimeout(); d > 0 {
			ropts = append(ropts, store.WithRedisTimeout(d))
		}
		r, err := store.OpenRedis(ctx, cfg.Store.Redis.URL, ropts...)
		if err != nil {
			return nil, nil, err
		}
		st = r
		release = func() { _ = r.Close() }
	default:
		st = store.NewMemory()
	}

	c := cache.New(store.Observe(st, cfg.Store.Backend, bus),
		cache.WithResolver(resolver),
		cache.WithSchema(sch),
		cache.WithReadModes(opMode, fragMode),
		cache.WithBus(bus),
	)
	return c, release, nil
}

func cmdProto(args []string, stdout io.Writer) error {
	outFile := ""
	fs := flag.NewFlagSet("proto", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&outFile, "out", outFile, "Write the .proto to file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, protoUsage)
		return err
	}
	c, err := codec.Default()
	if err != nil {
		return err
	}
	if outFile == "" {
		return c.Render(stdout)
	}
	var buf bytes.Buffer
	if err := c.Render(&buf); err != nil {
		return fmt.Errorf("render proto: %w", err)
	}
	return os.WriteFile(outFile, buf.Bytes(), 0644)
}
