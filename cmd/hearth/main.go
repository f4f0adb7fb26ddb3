// Hearth is a natural-language command bridge for Home Assistant.
//
// It accepts free-text commands over HTTP, asks a local Ollama model to
// answer them or turn them into device actions, applies override rules,
// executes the actions against Home Assistant, and keeps a Redis mirror
// of device state fed by the Home Assistant event stream.
//
// Usage:
//
//	hearth serve              Start the API server
//	hearth seed [file.yaml]   Load templates, rules and fetchers
//	hearth version            Print version and build information
//	hearth -o json version    Output version information as JSON
package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nugget/hearth/examples"
	"github.com/nugget/hearth/internal/actions"
	"github.com/nugget/hearth/internal/api"
	"github.com/nugget/hearth/internal/buildinfo"
	"github.com/nugget/hearth/internal/config"
	"github.com/nugget/hearth/internal/connwatch"
	"github.com/nugget/hearth/internal/events"
	"github.com/nugget/hearth/internal/fetchers"
	"github.com/nugget/hearth/internal/history"
	"github.com/nugget/hearth/internal/homeassistant"
	"github.com/nugget/hearth/internal/llm"
	"github.com/nugget/hearth/internal/metrics"
	"github.com/nugget/hearth/internal/mqtt"
	"github.com/nugget/hearth/internal/pipeline"
	"github.com/nugget/hearth/internal/rules"
	"github.com/nugget/hearth/internal/seed"
	"github.com/nugget/hearth/internal/statecache"
	"github.com/nugget/hearth/internal/templates"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run] so the
// whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the hearth command. Logs go to
// stdout; args is os.Args[1:]. Arguments are parsed by hand because the
// flag package's globals get in the way of calling run from parallel
// tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "seed":
		var file string
		if len(cmdArgs) > 0 {
			file = cmdArgs[0]
		}
		return runSeed(stdout, configPath, file, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Hearth - Natural-language command bridge for Home Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: hearth [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve         Start the API server")
	fmt.Fprintln(w, "  seed [file]   Load templates, system prompts, rules and fetchers from YAML")
	fmt.Fprintln(w, "                (default: the built-in seed)")
	fmt.Fprintln(w, "  version       Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/hearth/config.yaml, /etc/hearth/config.yaml")
	return nil
}

// runSeed handles "hearth seed [file]". It upserts every record in the
// YAML document into the SQLite stores the server reads at runtime. An
// empty filePath applies the built-in default seed.
func runSeed(stdout io.Writer, configPath, filePath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// JSON output keeps stdout machine-readable.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if outputFmt == "text" {
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	var doc *seed.Document
	if filePath == "" {
		filePath = "built-in seed"
		doc, err = seed.Parse(bytes.NewReader(examples.DefaultSeedYAML))
	} else {
		doc, err = seed.LoadFile(filePath)
	}
	if err != nil {
		return err
	}

	db, err := openDatabase(cfg.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	stores, err := openStores(db)
	if err != nil {
		return err
	}
	stores.Kinds = fetchers.BuiltinKinds

	sum, err := seed.Apply(doc, stores, logger)
	if err != nil {
		return fmt.Errorf("seed %s: %w", filePath, err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	}
	fmt.Fprintf(stdout, "Seeded %d records from %s\n", sum.Total(), filePath)
	return nil
}

// runServe handles "hearth serve". It opens the databases, connects to
// Redis, Home Assistant and Ollama, starts the event stream, the API
// server and the optional MQTT device, and blocks until a shutdown
// signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The MQTT device publishes "offline"
//  3. The HTTP server drains in-flight requests
//  4. Pending action refreshes, watchers and databases close via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Hearth", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the level and format are known.
	{
		level, _ := config.ParseLogLevel(cfg.LogLevel) // validated by Load
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Ollama.Model,
		"ollama_url", cfg.Ollama.URL,
		"redis", cfg.Redis.Addr,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m := metrics.New()
	bus := events.New()

	// --- SQLite stores ---
	// Templates, system prompts, rules and fetcher definitions. Loaded
	// with "hearth seed"; read-only at runtime.
	db, err := openDatabase(cfg.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	stores, err := openStores(db)
	if err != nil {
		return err
	}

	// --- Redis ---
	// Entity state mirror, change logs, fetcher and response caches,
	// interaction records and the action log all live here.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	cache := statecache.New(rdb, statecache.Options{
		StateTTL:     time.Duration(cfg.Cache.StateTTLSec) * time.Second,
		LogRetention: time.Duration(cfg.Cache.LogRetentionDays) * 24 * time.Hour,
		Logger:       logger,
	})
	interactions := history.NewStore(rdb, history.Options{
		Retention: time.Duration(cfg.Cache.HistoryRetentionDays) * 24 * time.Hour,
		Logger:    logger,
	})

	// --- Connection resilience ---
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:    "redis",
		Probe:   func(pCtx context.Context) error { return rdb.Ping(pCtx).Err() },
		Backoff: connwatch.DefaultBackoffConfig(),
		Logger:  logger,
	})

	// --- Home Assistant ---
	// Optional. Without it the cache stays empty, action endpoints
	// answer 503, and commands are answered by the model alone.
	var (
		ha     *homeassistant.Client
		stream *homeassistant.StreamClient
		hub    pipeline.ServiceCaller
		exec   *actions.Executor
	)
	if cfg.HomeAssistant.Configured() {
		ha = homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
		hub = ha

		haWatcher := connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name:    "homeassistant",
			Probe:   func(pCtx context.Context) error { return ha.Ping(pCtx) },
			Backoff: connwatch.DefaultBackoffConfig(),
			OnReady: func() {
				infoCtx, infoCancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer infoCancel()
				if haCfg, err := ha.GetConfig(infoCtx); err == nil {
					logger.Info("connected to Home Assistant",
						"url", cfg.HomeAssistant.URL,
						"version", haCfg.Version,
						"location", haCfg.LocationName,
					)
				}
			},
			Logger: logger,
		})
		ha.SetWatcher(haWatcher)

		stream, err = homeassistant.NewStreamClient(homeassistant.StreamConfig{
			BaseURL:         cfg.HomeAssistant.URL,
			Token:           cfg.HomeAssistant.Token,
			Sink:            cache,
			Lister:          ha,
			InitialBackoff:  time.Duration(cfg.Stream.InitialBackoffSec) * time.Second,
			MaxBackoff:      time.Duration(cfg.Stream.MaxBackoffSec) * time.Second,
			CleanupInterval: time.Duration(cfg.Stream.CleanupIntervalMin) * time.Minute,
			Bus:             bus,
			Metrics:         m,
			Logger:          logger,
		})
		if err != nil {
			return fmt.Errorf("create event stream client: %w", err)
		}

		exec = actions.New(actions.Config{
			Hub:     ha,
			States:  cache,
			Redis:   rdb,
			Bus:     bus,
			Metrics: m,
			Logger:  logger,
		})
		defer exec.Close()
	} else {
		logger.Warn("Home Assistant not configured - state cache and actions disabled")
	}

	// --- Model client ---
	// The cached generator answers repeat prompts from Redis; reruns go
	// straight to Ollama.
	ollama := llm.NewOllamaClient(cfg.Ollama.URL, cfg.Ollama.Model, cfg.Ollama.Timeout(), logger)
	generator := llm.NewCachedGenerator(ollama, rdb,
		time.Duration(cfg.Cache.ResponseTTLSec)*time.Second, m, logger)

	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:  "ollama",
		Probe: func(pCtx context.Context) error { return ollama.Ping(pCtx) },
		OnReady: func() {
			listCtx, listCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer listCancel()
			if models, err := ollama.ListModels(listCtx); err == nil {
				logger.Info("connected to Ollama", "url", cfg.Ollama.URL, "models", len(models))
			}
		},
		Backoff: connwatch.DefaultBackoffConfig(),
		Logger:  logger,
	})

	// --- Context fetchers ---
	deps := fetchers.Deps{
		States: cache,
		Web:    fetchers.NewWebClient(logger),
	}
	if ha != nil {
		deps.Hub = ha
	}
	engine := fetchers.NewEngine(fetchers.EngineConfig{
		Definitions: stores.Fetchers,
		Registry:    fetchers.Builtins(deps),
		Redis:       rdb,
		Metrics:     m,
		Logger:      logger,
	})
	logger.Info("fetcher kinds registered", "kinds", engine.Kinds())

	// --- Command pipeline ---
	processor := pipeline.New(pipeline.Config{
		Templates:      stores.Templates,
		Rules:          stores.Rules,
		Fetchers:       engine,
		History:        interactions,
		Entities:       cache,
		Hub:            hub,
		Generator:      generator,
		RerunGenerator: ollama,
		Bus:            bus,
		Metrics:        m,
		Logger:         logger,
	})

	// --- Background workers ---
	var wg sync.WaitGroup
	if stream != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := stream.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("event stream stopped", "error", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		interval := time.Duration(cfg.Stream.LogTrimIntervalHours) * time.Hour
		cache.RunLogTrimmer(ctx, interval, func(removed int64) {
			bus.Publish(events.Event{
				Source: events.SourceCache,
				Kind:   events.KindCleanup,
				Data:   map[string]any{"job": "scheduled", "removed": removed},
			})
		})
	}()

	// --- API server ---
	srvCfg := api.Config{
		Address:   cfg.Listen.Address,
		Port:      cfg.Listen.Port,
		Processor: processor,
		Entities:  cache,
		History:   interactions,
		Fetchers:  engine,
		Health:    connMgr,
		Metrics:   m,
		Bus:       bus,
		Logger:    logger,
	}
	if exec != nil {
		srvCfg.Actions = exec
	}
	if stream != nil {
		srvCfg.Stream = stream
	}
	server := api.NewServer(srvCfg)

	// --- MQTT status device ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

		activity := mqtt.NewDailyActivity(time.Local)
		wg.Add(1)
		go func() {
			defer wg.Done()
			activity.Consume(ctx, bus)
		}()

		stats := &mqttStatsAdapter{model: cfg.Ollama.Model, stream: stream, cache: cache}
		mqttPub = mqtt.New(cfg.MQTT, instanceID, activity, stats, logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()

		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name: "mqtt",
			Probe: func(pCtx context.Context) error {
				awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
				defer awaitCancel()
				return mqttPub.AwaitConnection(awaitCtx)
			},
			Backoff: connwatch.DefaultBackoffConfig(),
			Logger:  logger,
		})

		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"interval", cfg.MQTT.PublishIntervalSec,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		if mqttPub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := mqttPub.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	// Start blocks until the server is shut down.
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	wg.Wait()
	logger.Info("Hearth stopped")
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// openDatabase opens (creating if needed) hearth.db under dataDir.
func openDatabase(dataDir string) (*sql.DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", dataDir, err)
	}
	dbPath := filepath.Join(dataDir, "hearth.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", dbPath, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open database %s: %w", dbPath, err)
	}
	return db, nil
}

// openStores runs the migrations for every SQLite-backed store.
func openStores(db *sql.DB) (seed.Stores, error) {
	ts, err := templates.NewStore(db)
	if err != nil {
		return seed.Stores{}, fmt.Errorf("open template store: %w", err)
	}
	rs, err := rules.NewStore(db)
	if err != nil {
		return seed.Stores{}, fmt.Errorf("open rule store: %w", err)
	}
	fs, err := fetchers.NewStore(db)
	if err != nil {
		return seed.Stores{}, fmt.Errorf("open fetcher store: %w", err)
	}
	return seed.Stores{Templates: ts, Rules: rs, Fetchers: fs}, nil
}

// mqttStatsAdapter bridges build info, the stream client and the state
// cache to the MQTT publisher's [mqtt.StatsSource] interface.
type mqttStatsAdapter struct {
	model  string
	stream *homeassistant.StreamClient
	cache  *statecache.Cache
}

func (a *mqttStatsAdapter) Uptime() time.Duration { return buildinfo.Uptime() }
func (a *mqttStatsAdapter) Version() string       { return buildinfo.Version }
func (a *mqttStatsAdapter) Model() string         { return a.model }

func (a *mqttStatsAdapter) StreamState() string {
	if a.stream == nil {
		return "disabled"
	}
	return a.stream.Status().State
}

func (a *mqttStatsAdapter) CachedEntities() int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.cache.Summary(ctx).TotalEntities
}
