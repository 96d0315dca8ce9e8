package main

import (
	"context"
	"fmt"
	"time"

	"rsagent/internal/channel"
	"rsagent/internal/knowledge"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const pruneInterval = 6 * time.Hour

func serveCmd() *cobra.Command {
	var (
		host string
		port int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, progress stream and knowledge watcher",
		Long:  "Serves the chat, session and knowledge API. Press Ctrl+C to stop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if host != "" {
					a.cfg.Server.Host = host
				}
				if port != 0 {
					a.cfg.Server.Port = port
				}
				return runServe(ctx, a)
			})
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen host (overrides server.host)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides server.port)")
	return cmd
}

func runServe(ctx context.Context, a *app) error {
	cfg := a.cfg

	if err := a.llm.Healthy(ctx); err != nil {
		logger.Warn("no LLM provider reachable at startup; answers will fall back to passages", "chain", a.llm.Name(), "err", err)
	} else {
		logger.Info("LLM provider healthy", "chain", a.llm.Name())
	}
	if a.embedder.Healthy() {
		logger.Info("embedding model active", "model", a.embedder.ActiveModel())
	} else {
		logger.Warn("no embedding model available; retrieval is sparse-only until one recovers")
	}

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Endpoint
	}
	srv := channel.NewServer(channel.ServerConfig{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		APIKey:       cfg.Server.APIKey,
		ProgressPath: cfg.Server.ProgressPath,
		MetricsPath:  metricsPath,
		SearchTopK:   cfg.Knowledge.SearchTopK,
		Version:      version,
		Engine:       a.engine,
		Sessions:     a.sessions,
		Knowledge:    a.knowledge,
		Searcher:     a.retriever,
		Progress:     a.hub,
		LLM:          a.llm,
		Jobs:         a.submitter,
		Logger:       logger,
	})

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return srv.Start(ctx) })

	if cfg.Knowledge.WatchDir != "" {
		w, err := knowledge.NewWatcher(a.knowledge, knowledge.WatcherConfig{
			Dir:    cfg.Knowledge.WatchDir,
			Logger: logger,
		})
		if err != nil {
			return fmt.Errorf("knowledge watcher: %w", err)
		}
		g.Go(func() error { return w.Run(ctx) })
	}

	if cfg.Memory.RetentionDays > 0 {
		retention := time.Duration(cfg.Memory.RetentionDays) * 24 * time.Hour
		g.Go(func() error {
			pruneSessions(ctx, a, retention)
			ticker := time.NewTicker(pruneInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					pruneSessions(ctx, a, retention)
				}
			}
		})
	}

	logger.Info("rsagent started. Press Ctrl+C to stop.", "version", version)
	err := g.Wait()
	logger.Info("shutdown complete")
	return err
}

func pruneSessions(ctx context.Context, a *app, retention time.Duration) {
	n, err := a.sessions.Prune(ctx, retention)
	if err != nil {
		logger.Warn("session prune failed", "err", err)
		return
	}
	if n > 0 {
		logger.Info("pruned old sessions", "count", n, "retention", retention)
	}
}
