package main

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"rsagent/internal/config"
	"rsagent/internal/embedding"
	"rsagent/internal/jobs"
	"rsagent/internal/memory"
	"rsagent/internal/provider"

	"github.com/spf13/cobra"
)

type doctorReport struct {
	passed, failed, warned int
}

func (r *doctorReport) pass(check, detail string) {
	fmt.Printf("  [PASS] %-22s %s\n", check, detail)
	r.passed++
}

func (r *doctorReport) fail(check, detail string) {
	fmt.Printf("  [FAIL] %-22s %s\n", check, detail)
	r.failed++
}

func (r *doctorReport) warn(check, detail string) {
	fmt.Printf("  [WARN] %-22s %s\n", check, detail)
	r.warned++
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the installation",
		Long: `Verifies the configuration, database, LLM providers, embedding models,
scenario schemas and simulation service. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfgPath := config.ExpandPath(resolveConfigPath())
			fmt.Printf("rsagent doctor v%s\n\n", version)

			r := &doctorReport{}

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'rsagent init' to create a default configuration.\n")
				return fmt.Errorf("no config")
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			r.pass("Config validation", "valid")

			checkDataDir(r, cfg)
			checkDatabase(ctx, r, cfg.Memory.DBPath)
			checkLLM(ctx, r, cfg)
			checkEmbedding(ctx, r, cfg)
			checkScenarios(r, cfg)
			checkService(ctx, r, "Simulation service", cfg.Jobs.APIBase)

			if cfg.Knowledge.WatchDir != "" {
				if info, err := os.Stat(cfg.Knowledge.WatchDir); err != nil || !info.IsDir() {
					r.warn("Watch dir", fmt.Sprintf("not a directory: %s", cfg.Knowledge.WatchDir))
				} else {
					r.pass("Watch dir", cfg.Knowledge.WatchDir)
				}
			}

			if err := checkPort(cfg.Server.Host, cfg.Server.Port); err != nil {
				r.warn("Server port", fmt.Sprintf("port %d may be in use: %v", cfg.Server.Port, err))
			} else {
				r.pass("Server port", fmt.Sprintf("%s:%d available", cfg.Server.Host, cfg.Server.Port))
			}
			if cfg.Server.APIKey == "" && cfg.Server.Host != "127.0.0.1" && cfg.Server.Host != "localhost" {
				r.warn("Server auth", "no apiKey set while listening on "+cfg.Server.Host)
			}

			fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			return nil
		},
	}
}

func checkDataDir(r *doctorReport, cfg *config.Config) {
	dir := cfg.General.DataDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		r.fail("Data dir", err.Error())
		return
	}
	r.pass("Data dir", dir)
}

func checkDatabase(ctx context.Context, r *doctorReport, dbPath string) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		r.fail("Database", fmt.Sprintf("cannot create directory: %v", err))
		return
	}
	store, err := memory.NewSQLiteStore(dbPath, logger)
	if err != nil {
		r.fail("Database", err.Error())
		return
	}
	defer store.Close()

	docs, err := store.ListDocuments(ctx)
	if err != nil {
		r.fail("Database", err.Error())
		return
	}
	r.pass("Database", fmt.Sprintf("%s (%d documents)", dbPath, len(docs)))
}

func checkLLM(ctx context.Context, r *doctorReport, cfg *config.Config) {
	if len(cfg.LLM.FailoverChain) == 0 {
		r.fail("LLM providers", "failover chain is empty")
		return
	}
	factory := provider.NewFactory(cfg.LLM, logger)
	healthy := 0
	for _, name := range cfg.LLM.FailoverChain {
		p, err := factory.Get(name)
		if err != nil {
			r.warn("LLM: "+name, err.Error())
			continue
		}
		hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = p.Healthy(hctx)
		cancel()
		if err != nil {
			r.warn("LLM: "+name, "unreachable: "+err.Error())
			continue
		}
		r.pass("LLM: "+name, "healthy")
		healthy++
	}
	if healthy == 0 {
		r.fail("LLM providers", "no provider in the chain is reachable")
	}
}

func checkEmbedding(ctx context.Context, r *doctorReport, cfg *config.Config) {
	emb := embedding.NewFromConfig(ctx, cfg.Embedding, logger)
	if emb.Healthy() {
		r.pass("Embedding", fmt.Sprintf("%s (%d dims)", emb.ActiveModel(), emb.Dimensions()))
		return
	}
	r.warn("Embedding", "no model available; retrieval will be sparse-only")
}

func checkScenarios(r *doctorReport, cfg *config.Config) {
	catalog, err := jobs.LoadCatalog(cfg.Jobs.SchemaDir, logger)
	if err != nil {
		r.fail("Scenario schemas", err.Error())
		return
	}
	r.pass("Scenario schemas", fmt.Sprintf("%d loaded", len(catalog.List())))
}

func checkService(ctx context.Context, r *doctorReport, check, base string) {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		r.fail(check, fmt.Sprintf("invalid URL %q", base))
		return
	}
	host := u.Host
	if u.Port() == "" {
		if u.Scheme == "https" {
			host = net.JoinHostPort(u.Hostname(), "443")
		} else {
			host = net.JoinHostPort(u.Hostname(), "80")
		}
	}
	d := net.Dialer{Timeout: 3 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		r.warn(check, fmt.Sprintf("%s unreachable: %v", base, err))
		return
	}
	conn.Close()
	r.pass(check, base)
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}
