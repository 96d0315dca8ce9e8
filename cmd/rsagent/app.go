package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"rsagent/internal/agent"
	"rsagent/internal/bus"
	"rsagent/internal/config"
	"rsagent/internal/embedding"
	"rsagent/internal/jobs"
	"rsagent/internal/knowledge"
	"rsagent/internal/memory"
	"rsagent/internal/provider"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg       *config.Config
	memStore  *memory.SQLiteStore
	embedder  *embedding.Provider
	llm       *provider.FailoverProvider
	knowledge *knowledge.Store
	retriever *knowledge.Retriever
	catalog   *jobs.Catalog
	submitter *jobs.HTTPSubmitter
	hub       *bus.Hub
	sessions  *agent.SessionStore
	engine    *agent.Engine
}

// openApp wires every component from cfg. The knowledge store is reloaded
// from the database when persistence is enabled.
func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := os.MkdirAll(cfg.General.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	memStore, err := memory.NewSQLiteStore(cfg.Memory.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("memory store: %w", err)
	}

	catalog, err := jobs.LoadCatalog(cfg.Jobs.SchemaDir, logger)
	if err != nil {
		memStore.Close()
		return nil, fmt.Errorf("scenario catalog: %w", err)
	}

	a := &app{
		cfg:      cfg,
		memStore: memStore,
		catalog:  catalog,
		embedder: embedding.NewFromConfig(ctx, cfg.Embedding, logger),
		llm:      provider.NewFactory(cfg.LLM, logger).Chain(),
		hub:      bus.New(bus.DefaultBufferSize, logger),
		sessions: agent.NewSessionStore(memStore, logger),
	}

	storeCfg := knowledge.StoreConfig{
		Embedder:          a.embedder,
		ChunkSize:         cfg.Knowledge.ChunkSize,
		Overlap:           cfg.Knowledge.ChunkOverlap,
		IngestConcurrency: cfg.Knowledge.IngestConcurrency,
		Logger:            logger,
	}
	if cfg.Knowledge.Persist {
		storeCfg.Repo = memStore
	}
	a.knowledge = knowledge.NewStore(storeCfg)
	a.retriever = knowledge.NewRetriever(a.knowledge, logger)

	if cfg.Knowledge.Persist {
		n, err := a.knowledge.Load(ctx)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("load knowledge base: %w", err)
		}
		logger.Debug("knowledge base loaded", "documents", n)
	}

	llmTimeout := time.Duration(cfg.LLM.TimeoutSeconds) * time.Second
	a.submitter = jobs.NewHTTPSubmitter(jobs.HTTPSubmitterConfig{
		APIBase:           cfg.Jobs.APIBase,
		APIKey:            cfg.Jobs.APIKey,
		Timeout:           time.Duration(cfg.Jobs.TimeoutSeconds) * time.Second,
		RequestsPerSecond: cfg.Jobs.RequestsPerSecond,
		Burst:             cfg.Jobs.Burst,
		Logger:            logger,
	})

	a.engine = agent.NewEngine(agent.Deps{
		Classifier: agent.NewClassifier(agent.ClassifierConfig{
			Provider:      a.llm,
			HistoryWindow: cfg.General.HistoryWindow,
			Timeout:       llmTimeout,
			Logger:        logger,
		}),
		Retriever: a.retriever,
		Synthesizer: agent.NewSynthesizer(agent.SynthesizerConfig{
			Provider: a.llm,
			Timeout:  llmTimeout,
			Logger:   logger,
		}),
		Submitter:     a.submitter,
		Catalog:       catalog,
		Sessions:      a.sessions,
		Progress:      a.hub,
		Provider:      a.llm,
		TopK:          cfg.Knowledge.SearchTopK,
		MaxAttempts:   cfg.Jobs.MaxAttempts,
		HistoryWindow: cfg.General.HistoryWindow,
		LLMTimeout:    llmTimeout,
		SubmitTimeout: time.Duration(cfg.Jobs.TimeoutSeconds) * time.Second,
		ChunkSize:     cfg.Knowledge.ChunkSize,
		ChunkOverlap:  cfg.Knowledge.ChunkOverlap,
		Logger:        logger,
	}, time.Duration(cfg.General.TurnTimeoutSeconds)*time.Second)

	return a, nil
}

func (a *app) Close() {
	a.hub.Close()
	if a.knowledge != nil {
		a.knowledge.Close()
	}
	if err := a.memStore.Close(); err != nil {
		logger.Warn("close memory store", "err", err)
	}
}

// loadConfig reads the config file, falling back to defaults when it does
// not exist yet.
func loadConfig() (*config.Config, error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err == nil {
		return cfg, nil
	}
	if _, statErr := os.Stat(config.ExpandPath(cfgPath)); os.IsNotExist(statErr) {
		logger.Debug("config not found, using defaults", "path", cfgPath)
		cfg = config.Defaults()
		cfg.General.DataDir = config.ExpandPath(cfg.General.DataDir)
		cfg.Memory.DBPath = config.ExpandPath(cfg.Memory.DBPath)
		return cfg, nil
	}
	return nil, fmt.Errorf("load config: %w", err)
}

// setupLogger replaces the bootstrap logger with one honoring the configured
// level and optional log file.
func setupLogger(cfg *config.Config) (func(), error) {
	var level slog.Level
	switch cfg.General.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.General.LogFile == "" {
		logger = slog.New(slog.NewTextHandler(os.Stderr, opts))
		slog.SetDefault(logger)
		return func() {}, nil
	}

	f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logger = slog.New(slog.NewJSONHandler(f, opts))
	slog.SetDefault(logger)
	return func() { f.Close() }, nil
}
