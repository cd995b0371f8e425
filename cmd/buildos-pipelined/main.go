// Command buildos-pipelined serves the execution pipeline: it loads
// configuration, wires the store/registry/scheduler/boundary layers and
// blocks until a terminating signal triggers a graceful shutdown,
// grounded on the teacher's persist/cmd/persist/main.go wiring.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aurelienizl/buildos-pipeline/internal/pipeline/boundary"
	"github.com/aurelienizl/buildos-pipeline/internal/pipeline/registry"
	"github.com/aurelienizl/buildos-pipeline/internal/pipeline/scheduler"
	"github.com/aurelienizl/buildos-pipeline/internal/pipeline/store"
	"github.com/aurelienizl/buildos-pipeline/pkg/config"
	"github.com/aurelienizl/buildos-pipeline/pkg/logger"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "buildos-pipelined",
		Short: "Single-host CI-style job execution service",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML configuration file (defaults built in if omitted)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newSeedRepoCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(log *logger.Logger) *config.Config {
	if configPath == "" {
		return config.DefaultConfig()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error("failed to load configuration", "err", err, "path", configPath)
		os.Exit(1)
	}
	return cfg
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP boundary and job scheduler until a termination signal arrives",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	log := logger.New().WithField("mode", "pipelined")
	cfg := loadConfig(log)

	if level, err := logger.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(level)
	}

	log.Info("configuration loaded", "address", cfg.Server.Address, "storageBackend", cfg.Storage.Backend)

	st, err := store.New(store.Config{Backend: cfg.Storage.Backend, Path: cfg.Storage.Path})
	if err != nil {
		log.Error("failed to initialize storage backend", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := st.Init(ctx); err != nil {
		log.Error("failed to initialize schema", "err", err)
		os.Exit(1)
	}
	log.Info("storage backend initialized", "backend", cfg.Storage.Backend)

	reg := registry.New(st, log)
	if cfg.Job.SeedReposEnv != "" {
		if serveEnv := os.Getenv(cfg.Job.SeedReposEnv); serveEnv != "" {
			reg.SeedFromEnv(ctx, serveEnv)
			log.Info("seeded repositories from environment", "variable", cfg.Job.SeedReposEnv)
		}
	}

	sched := scheduler.New(ctx, log)
	defer sched.Shutdown(context.Background())

	srv := boundary.New(sched, st, reg, cfg.DefaultTimeout(), log)
	httpServer := &http.Server{
		Addr:    cfg.Server.Address,
		Handler: srv.Router(),
	}

	go func() {
		log.Info("HTTP boundary listening", "address", cfg.Server.Address)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server failed", "err", err)
		}
	}()

	signal.Ignore(syscall.SIGPIPE)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info("received signal, shutting down gracefully", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown did not complete cleanly", "err", err)
	}

	sched.Shutdown(context.Background())
	cancel()
	log.Info("buildos-pipelined stopped")
}

func newSeedRepoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed-repo <git-uri>",
		Short: "Register a repository against the configured storage backend without starting the server",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			log := logger.New().WithField("mode", "seed-repo")
			cfg := loadConfig(log)

			st, err := store.New(store.Config{Backend: cfg.Storage.Backend, Path: cfg.Storage.Path})
			if err != nil {
				log.Error("failed to initialize storage backend", "err", err)
				os.Exit(1)
			}
			defer st.Close()

			ctx := context.Background()
			if err := st.Init(ctx); err != nil {
				log.Error("failed to initialize schema", "err", err)
				os.Exit(1)
			}

			reg := registry.New(st, log)
			repo, err := reg.Register(ctx, args[0])
			if err != nil {
				log.Error("failed to register repository", "err", err)
				os.Exit(1)
			}
			log.Info("repository registered", "repo_id", repo.ID, "name", repo.Name)
		},
	}
}
