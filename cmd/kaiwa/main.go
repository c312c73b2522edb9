// Package main is the Kaiwa CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kaiwa/internal/cli"
	"github.com/hyperjump/kaiwa/internal/config"
	"github.com/hyperjump/kaiwa/internal/embedding"
	"github.com/hyperjump/kaiwa/internal/extract"
	"github.com/hyperjump/kaiwa/internal/ingest"
	"github.com/hyperjump/kaiwa/internal/maintenance"
	"github.com/hyperjump/kaiwa/internal/models"
	"github.com/hyperjump/kaiwa/internal/reranker"
	"github.com/hyperjump/kaiwa/internal/retrieval"
	"github.com/hyperjump/kaiwa/internal/server"
	"github.com/hyperjump/kaiwa/internal/storage"
	"github.com/hyperjump/kaiwa/internal/watcher"
	"github.com/hyperjump/kaiwa/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/kaiwa/config.yaml"

// loadConfig loads config from path. When path is the default, it first looks
// for config.yaml in the current directory (for development); if that exists
// it is used, so "kaiwa server" from the project dir picks up the project's
// config. Returns the config and the path that was actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "ingest":
		runIngest()
	case "search":
		runSearch()
	case "migrate":
		runMigrate()
	case "cleanup":
		runCleanup()
	case "status":
		runStatus()
	case "version", "--version", "-v":
		fmt.Printf("kaiwa version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging (drop events, search traces, etc.)")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", debugMode),
	)

	components, err := initializeComponents(cfg, logger, debugMode)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	pipeline := components.Pipeline
	watchOpts := []watcher.Option{}
	if debugMode {
		watchOpts = append(watchOpts, watcher.WithLogger(logger))
	}
	dropWatcher := watcher.NewDropWatcher(
		cfg.Drop.Root,
		cfg.Drop.Extensions,
		func(path, conversationID string) {
			if _, err := pipeline.IngestFile(context.Background(), path, "", conversationID); err != nil {
				logger.Warn("drop ingest failed", zap.String("path", path), zap.Error(err))
			}
		},
		func(path string) {
			if err := pipeline.RemoveFile(context.Background(), path); err != nil {
				logger.Warn("drop remove failed", zap.String("path", path), zap.Error(err))
			}
		},
		watchOpts...,
	)
	if err := dropWatcher.Start(); err != nil {
		logger.Fatal("Failed to start drop watcher", zap.Error(err))
	}
	defer dropWatcher.Stop()
	dropWatcher.SyncExistingFiles()

	srv := server.NewServer(
		components.Engine,
		components.Pipeline,
		components.Maintenance,
		components.Storage,
		components.Cache,
		cfg,
		logger,
	)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(ctx)
}

func runIngest() {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	conversationID := fs.String("conversation", "", "conversation to ingest into (required)")
	userID := fs.String("user", "", "user id recorded on the document")
	_ = fs.Parse(os.Args[2:])

	if *conversationID == "" || fs.NArg() < 1 {
		fmt.Println("Usage: kaiwa ingest --conversation <id> [flags] <file> [file ...]")
		os.Exit(1)
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := utils.NewLogger(cfg.Debug)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	components, err := initializeComponents(cfg, logger, cfg.Debug)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}
	defer components.Close()

	results := components.Pipeline.IngestFiles(context.Background(), fs.Args(), *userID, *conversationID)
	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "FAILED %s: %v\n", res.Path, res.Err)
			continue
		}
		status := "ingested"
		if res.Ref.Deduplicated {
			status = "already present"
		}
		fmt.Printf("%s %s -> %s (%s)\n", status, res.Path, res.Ref.ID, *conversationID)
	}
	if failed > 0 {
		os.Exit(1)
	}
}

// searchArgsReorder moves any flags (and their values) that appear after the
// query to the front of the slice so that flag.Parse() sees them. Go's flag
// package stops at the first non-flag argument.
func searchArgsReorder(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

func runSearch() {
	searchArgs := searchArgsReorder(os.Args[2:])

	fs := flag.NewFlagSet("search", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (for direct storage mode)")
	serverURL := fs.String("server", "http://localhost:8090", "server URL (empty = use direct storage when server is not running)")
	conversationID := fs.String("conversation", "", "conversation to search in (required)")
	topK := fs.Int("top-k", 0, "number of results (default from config)")
	legacyCompat := fs.Bool("legacy-compat", false, "also consider pre-migration chunks with no conversation binding")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(searchArgs)

	if *conversationID == "" || fs.NArg() < 1 {
		fmt.Println("Usage: kaiwa search --conversation <id> [flags] <query>")
		os.Exit(1)
	}
	queryStr := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if queryStr == "" {
		fmt.Println("Usage: kaiwa search --conversation <id> [flags] <query>")
		os.Exit(1)
	}

	format := cli.OutputText
	switch *outputFormat {
	case "json":
		format = cli.OutputJSON
	case "text":
		format = cli.OutputText
	default:
		fmt.Printf("Unknown output format %q; use text or json\n", *outputFormat)
		os.Exit(1)
	}

	req := &models.SearchRequest{
		Query:          queryStr,
		ConversationID: *conversationID,
		TopK:           *topK,
		LegacyCompat:   *legacyCompat,
	}

	if *serverURL != "" {
		// Use HTTP API when the daemon is running (avoids SQLite lock conflict).
		results, err := searchViaHTTP(*serverURL, req)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Search failed: %v\n", err)
			os.Exit(1)
		}
		if err := cli.WriteSearchResults(os.Stdout, req.ConversationID, results, format); err != nil {
			fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Direct storage access (when server is not running).
	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := utils.NewLogger(cfg.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	components, err := initializeComponents(cfg, logger, cfg.Debug)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}
	defer components.Close()

	results, err := components.Engine.Search(context.Background(), req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Search failed: %v\n", err)
		os.Exit(1)
	}
	if err := cli.WriteSearchResults(os.Stdout, req.ConversationID, results, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

func searchViaHTTP(serverURL string, req *models.SearchRequest) ([]*models.SearchResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	resp, err := http.Post(serverURL+"/api/v1/search", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(b))
	}
	var response struct {
		Results []*models.SearchResult `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return response.Results, nil
}

func runMigrate() {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (for direct storage mode)")
	serverURL := fs.String("server", "http://localhost:8090", "server URL (empty = use direct storage)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	format := cli.OutputText
	if *outputFormat == "json" {
		format = cli.OutputJSON
	}

	if *serverURL != "" {
		var report models.MigrateReport
		if err := postMaintenance(*serverURL, "/api/v1/maintenance/migrate", &report); err != nil {
			fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
			os.Exit(1)
		}
		_ = cli.WriteMigrateReport(os.Stdout, &report, format)
		return
	}

	components, cleanup := directComponents(*configPath)
	defer cleanup()
	report, err := components.Maintenance.Migrate(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		os.Exit(1)
	}
	_ = cli.WriteMigrateReport(os.Stdout, report, format)
}

func runCleanup() {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (for direct storage mode)")
	serverURL := fs.String("server", "http://localhost:8090", "server URL (empty = use direct storage)")
	dryRun := fs.Bool("dry-run", false, "report what would be deleted without deleting")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	format := cli.OutputText
	if *outputFormat == "json" {
		format = cli.OutputJSON
	}

	if *serverURL != "" {
		path := "/api/v1/maintenance/cleanup"
		if *dryRun {
			path += "?dry_run=true"
		}
		var report models.CleanupReport
		if err := postMaintenance(*serverURL, path, &report); err != nil {
			fmt.Fprintf(os.Stderr, "Cleanup failed: %v\n", err)
			os.Exit(1)
		}
		_ = cli.WriteCleanupReport(os.Stdout, &report, format)
		return
	}

	components, cleanup := directComponents(*configPath)
	defer cleanup()
	report, err := components.Maintenance.Cleanup(context.Background(), *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cleanup failed: %v\n", err)
		os.Exit(1)
	}
	_ = cli.WriteCleanupReport(os.Stdout, report, format)
}

func postMaintenance(serverURL, path string, out interface{}) error {
	resp, err := http.Post(serverURL+path, "application/json", nil)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (for direct storage mode)")
	serverURL := fs.String("server", "http://localhost:8090", "server URL (empty = use direct storage)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	var status map[string]interface{}
	if *serverURL != "" {
		resp, err := http.Get(*serverURL + "/api/v1/status")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(resp.Body)
			fmt.Fprintf(os.Stderr, "Status failed (%d): %s\n", resp.StatusCode, string(b))
			os.Exit(1)
		}
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			fmt.Fprintf(os.Stderr, "Parse failed: %v\n", err)
			os.Exit(1)
		}
	} else {
		components, cleanup := directComponents(*configPath)
		defer cleanup()
		ctx := context.Background()
		docCount, err := components.Storage.CountDocuments(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Count documents failed: %v\n", err)
			os.Exit(1)
		}
		chunkCount, err := components.Storage.CountChunks(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Count chunks failed: %v\n", err)
			os.Exit(1)
		}
		orphanCount, err := components.Storage.CountOrphans(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Count orphans failed: %v\n", err)
			os.Exit(1)
		}
		status = map[string]interface{}{
			"documents":     docCount,
			"chunks":        chunkCount,
			"orphan_chunks": orphanCount,
		}
		if diskBytes, diskErr := storage.DiskUsageBytes(components.Config.Storage.DatabasePath); diskErr == nil {
			status["disk_usage_bytes"] = diskBytes
		}
	}

	switch *outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(status); err != nil {
			fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
			os.Exit(1)
		}
	case "text":
		for _, key := range []string{"documents", "chunks", "orphan_chunks", "embedding_cache_entries", "disk_usage_bytes"} {
			if v, ok := status[key]; ok {
				fmt.Printf("%-24s %v\n", key+":", v)
			}
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown output format %q; use text or json\n", *outputFormat)
		os.Exit(1)
	}
}

// directComponents initializes components for subcommands that talk to
// storage directly, exiting on failure.
func directComponents(configPath string) (*Components, func()) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := utils.NewLogger(cfg.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	components, err := initializeComponents(cfg, logger, cfg.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		os.Exit(1)
	}
	return components, func() {
		components.Close()
		_ = logger.Sync()
	}
}

// Components holds initialized services.
type Components struct {
	Config      *config.Config
	Storage     storage.Storage
	Embedder    embedding.Embedder
	Cache       *embedding.Cache
	Pipeline    *ingest.Pipeline
	Engine      *retrieval.Engine
	Maintenance *maintenance.Service
}

func (c *Components) Close() {
	if c.Embedder != nil {
		_ = c.Embedder.Close()
	}
	if c.Storage != nil {
		_ = c.Storage.Close()
	}
}

func initializeComponents(cfg *config.Config, logger *zap.Logger, debug bool) (*Components, error) {
	store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath, cfg.Embedding.Dimensions)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	var provider embedding.Embedder
	switch cfg.Embedding.Provider {
	case "mock":
		provider = embedding.NewMockEmbedder(cfg.Embedding.Dimensions)
	default:
		apiKey := os.Getenv(cfg.Embedding.APIKeyEnv)
		openai, provErr := embedding.NewOpenAIProvider(embedding.ProviderConfig{
			BaseURL:    cfg.Embedding.BaseURL,
			APIKey:     apiKey,
			Model:      cfg.Embedding.Model,
			Dimensions: cfg.Embedding.Dimensions,
			BatchSize:  cfg.Embedding.BatchSize,
			MaxRetries: cfg.Embedding.MaxRetries,
			Timeout:    time.Duration(cfg.Embedding.TimeoutSeconds) * time.Second,
		})
		if provErr != nil {
			logger.Warn("embedding provider unavailable, falling back to mock embedder",
				zap.String("api_key_env", cfg.Embedding.APIKeyEnv),
				zap.Error(provErr))
			provider = embedding.NewMockEmbedder(cfg.Embedding.Dimensions)
		} else {
			provider = openai
		}
	}

	cache := embedding.NewCache(cfg.Embedding.CacheSize)
	embedder, err := embedding.NewCachingEmbedder(provider, cache, cfg.Embedding.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}

	pipelineOpts := []ingest.PipelineOption{}
	if debug {
		pipelineOpts = append(pipelineOpts, ingest.WithLogger(logger))
	}
	pipeline := ingest.NewPipeline(store, embedder, extract.NewExtractor(), &cfg.Chunking, pipelineOpts...)

	engineOpts := []retrieval.EngineOption{retrieval.WithEngineLogger(logger)}
	if cfg.Retrieval.RerankEnabledOrDefault() {
		engineOpts = append(engineOpts, retrieval.WithReranker(reranker.NewBleveReranker()))
	}
	engine := retrieval.NewEngine(store, embedder, &cfg.Retrieval, engineOpts...)

	retention := time.Duration(cfg.Cleanup.OrphanRetentionDays) * 24 * time.Hour
	maint := maintenance.NewService(store, retention, maintenance.WithLogger(logger))

	return &Components{
		Config:      cfg,
		Storage:     store,
		Embedder:    embedder,
		Cache:       cache,
		Pipeline:    pipeline,
		Engine:      engine,
		Maintenance: maint,
	}, nil
}

func printUsage() {
	fmt.Println(`kaiwa - Conversation-isolated retrieval daemon

Usage:
  kaiwa server [flags]                       Start the HTTP daemon and drop watcher
  kaiwa ingest --conversation <id> <file>    Ingest files into a conversation
  kaiwa search --conversation <id> <query>   Search within a conversation
  kaiwa migrate [flags]                      Bind orphan chunks to their document's conversation
  kaiwa cleanup [flags]                      Delete orphan chunks past retention
  kaiwa status [flags]                       Show store counts and disk usage
  kaiwa version                              Show version
  kaiwa help                                 Show this help

Server Flags:
  --config string    Config file path (default: /usr/local/etc/kaiwa/config.yaml)
  --debug            Enable debug logging (drop events, search traces, etc.)

Ingest Flags:
  --config string        Config file path
  --conversation string  Conversation to ingest into (required)
  --user string          User id recorded on the document

Search Flags:
  --config string        Config file path (for direct storage mode)
  --server string        Server URL (default: http://localhost:8090). Use empty (--server "") for direct storage.
  --conversation string  Conversation to search in (required)
  --top-k int            Number of results (default from config)
  --legacy-compat        Also consider pre-migration chunks with no conversation binding
  --output string        Output format: text or json

Migrate/Cleanup Flags:
  --config string    Config file path (for direct storage mode)
  --server string    Server URL (default: http://localhost:8090). Use empty (--server "") for direct storage.
  --dry-run          (cleanup) Report what would be deleted without deleting
  --output string    Output format: text or json

Examples:
  kaiwa server
  kaiwa ingest --conversation conv-42 notes.pdf report.docx
  kaiwa search --conversation conv-42 "what did we decide about the rollout"
  kaiwa search --conversation conv-42 --legacy-compat "older context"
  kaiwa migrate
  kaiwa cleanup --dry-run
  kaiwa status --output json`)
}
