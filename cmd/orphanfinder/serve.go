package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rsclarke/orphanfinder/internal/auth"
	"github.com/rsclarke/orphanfinder/internal/config"
	"github.com/rsclarke/orphanfinder/internal/db"
	"github.com/rsclarke/orphanfinder/internal/directory"
	"github.com/rsclarke/orphanfinder/internal/logging"
	"github.com/rsclarke/orphanfinder/internal/metrics"
	"github.com/rsclarke/orphanfinder/internal/pipeline"
	"github.com/rsclarke/orphanfinder/internal/server"
	"github.com/rsclarke/orphanfinder/internal/session"
	"github.com/rsclarke/orphanfinder/internal/workpool"
)

var serveFlags struct {
	port           int
	dbURL          string
	directory      string
	workers        int
	sessionTimeout time.Duration
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server",
	Long: `Start the orphanfinder API server.

The recorder database is opened read-only on the first request. When no API
key is configured a new one is generated and printed once.

Sending SIGHUP reloads the live directory snapshot.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntVar(&serveFlags.port, "port", 0, "API port to listen on (env: ORPHANFINDER_API_PORT)")
	serveCmd.Flags().StringVar(&serveFlags.dbURL, "db-url", "", "recorder database URL (env: ORPHANFINDER_DB_URL)")
	serveCmd.Flags().StringVar(&serveFlags.directory, "directory", "", "live directory snapshot file (env: ORPHANFINDER_DIRECTORY)")
	serveCmd.Flags().IntVar(&serveFlags.workers, "workers", 0, "concurrent stage executions (env: ORPHANFINDER_WORKERS)")
	serveCmd.Flags().DurationVar(&serveFlags.sessionTimeout, "session-timeout", 0, "idle session lifetime (env: ORPHANFINDER_SESSION_TIMEOUT)")
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.API.Port = serveFlags.port
	}
	if flags.Changed("db-url") {
		cfg.Database.URL = serveFlags.dbURL
	}
	if flags.Changed("directory") {
		cfg.DirectoryPath = serveFlags.directory
	}
	if flags.Changed("workers") {
		cfg.Workers = serveFlags.workers
	}
	if flags.Changed("session-timeout") {
		cfg.SessionTimeout = serveFlags.sessionTimeout
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyServeFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	verifier, err := apiKeyVerifier(cfg.API)
	if err != nil {
		return err
	}

	snapshot := directory.EmptySnapshot()
	if cfg.DirectoryPath != "" {
		snapshot, err = directory.LoadSnapshot(cfg.DirectoryPath)
		if err != nil {
			return fmt.Errorf("load directory: %w", err)
		}
	} else {
		logger.Warn("no directory snapshot configured, every entity will read as deleted")
	}

	provider := db.NewProvider(cfg.ConnConfig())
	dialect, _ := provider.Dialect()
	logger.Info("recorder database configured", logging.Dialect(dialect.Name()))

	m := metrics.New()
	sessions := session.NewStore(logger, session.WithTimeout(cfg.SessionTimeout))
	m.RegisterSessionGauge(sessions.Len)

	orch := pipeline.New(pipeline.Config{
		Sessions:  sessions,
		Provider:  provider,
		Directory: snapshot,
		Pool:      workpool.New(cfg.Workers),
		Metrics:   m,
		Logger:    logger,
	})

	apiSrv := &server.APIServer{
		Pipeline: orch,
		Provider: provider,
		Verifier: verifier,
		Metrics:  m,
		Logger:   logger.Named("api"),
	}

	managed := server.NewManagedServer("api", server.DefaultServerConfig(
		fmt.Sprintf(":%d", cfg.API.Port), apiSrv.Handler(), logger.Named("api")))
	if err := managed.Start(); err != nil {
		return err
	}
	logger.Info("started api server", logging.Port(cfg.API.Port), zap.Int("workers", cfg.Workers))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case err := <-managed.Err():
			return err
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				if err := snapshot.Reload(); err != nil {
					logger.Error("directory reload failed", logging.Component("directory"), zap.Error(err))
					continue
				}
				logger.Info("directory reloaded", logging.Component("directory"), zap.String("path", cfg.DirectoryPath))
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return drain(shutdownCtx, orch, managed)
	})

	return g.Wait()
}

// drain answers new API requests with 503, waits for in-flight ones to
// finish and only then drops sessions and closes the database pool.
func drain(ctx context.Context, orch *pipeline.Orchestrator, managed *server.ManagedServer) error {
	orch.BeginShutdown()
	err := managed.Shutdown(ctx)
	if cerr := orch.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return err
}

// apiKeyVerifier builds the verifier from config, generating a one-off key
// when none is configured.
func apiKeyVerifier(cfg config.APIConfig) (*auth.Verifier, error) {
	switch {
	case cfg.Key != "":
		v, err := auth.NewVerifier(cfg.Key)
		if err != nil {
			return nil, fmt.Errorf("api key: %w", err)
		}
		return v, nil
	case cfg.KeyPrefix != "" || cfg.KeyHash != "":
		v, err := auth.NewVerifierFromHash(cfg.KeyPrefix, cfg.KeyHash)
		if err != nil {
			return nil, fmt.Errorf("api key hash: %w", err)
		}
		return v, nil
	}

	displayKey, prefix, hash, err := auth.GenerateAPIKey()
	if err != nil {
		return nil, fmt.Errorf("generate API key: %w", err)
	}
	fmt.Println("=============================================================")
	fmt.Println("API KEY CREATED (valid until restart, save this):")
	fmt.Println(displayKey)
	fmt.Println()
	fmt.Println("To keep it across restarts, set:")
	fmt.Printf("  ORPHANFINDER_API_KEY_PREFIX=%s\n", prefix)
	fmt.Printf("  ORPHANFINDER_API_KEY_HASH=%s\n", hex.EncodeToString(hash))
	fmt.Println("=============================================================")
	return auth.NewVerifierFromHash(prefix, hex.EncodeToString(hash))
}
