// Dialectd consolidates observed tool usage into published rules.
//
// The daemon ingests tool events from coding sessions, clusters them into
// behavioral patterns, resolves contradictions dialectically, and
// publishes high-confidence rules as JSON artifacts.
//
// Usage:
//
//	# Start the daemon
//	dialectd serve
//
//	# Run a single consolidation cycle and exit
//	dialectd consolidate
//
//	# Query memories and patterns
//	dialectd recall "bun test failures"
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialectd/internal/config"
	"github.com/fyrsmithlabs/dialectd/internal/consolidate"
	"github.com/fyrsmithlabs/dialectd/internal/detector"
	"github.com/fyrsmithlabs/dialectd/internal/dialectic"
	"github.com/fyrsmithlabs/dialectd/internal/embed"
	"github.com/fyrsmithlabs/dialectd/internal/index"
	"github.com/fyrsmithlabs/dialectd/internal/ingest"
	"github.com/fyrsmithlabs/dialectd/internal/lifecycle"
	"github.com/fyrsmithlabs/dialectd/internal/logging"
	"github.com/fyrsmithlabs/dialectd/internal/memory"
	"github.com/fyrsmithlabs/dialectd/internal/pattern"
	"github.com/fyrsmithlabs/dialectd/internal/publish"
	"github.com/fyrsmithlabs/dialectd/internal/recall"
	"github.com/fyrsmithlabs/dialectd/internal/server"
	"github.com/fyrsmithlabs/dialectd/internal/storage"
	"github.com/fyrsmithlabs/dialectd/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "dialectd",
		Short:         "Consolidates observed tool usage into published rules",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newConsolidateCmd(&configPath))
	root.AddCommand(newRecallCmd(&configPath))
	root.AddCommand(newVersionCmd())
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the dialectd daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configPath)
		},
	}
}

func newConsolidateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "consolidate",
		Short: "Run a single consolidation cycle and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			app, err := bootstrap(ctx, *configPath)
			if err != nil {
				return err
			}
			defer app.Close()

			sum, err := app.runner.RunCycle(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, sum)
		},
	}
}

func newRecallCmd(configPath *string) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "recall <query>",
		Short: "Query memories and patterns by similarity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			app, err := bootstrap(ctx, *configPath)
			if err != nil {
				return err
			}
			defer app.Close()

			res, err := app.recall.Find(ctx, args[0], limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum results per kind")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dialectd by Fyrsmith Labs\n")
			fmt.Fprintf(cmd.OutOrStdout(), "Version:    %s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "Commit:     %s\n", gitCommit)
			fmt.Fprintf(cmd.OutOrStdout(), "Build Date: %s\n", buildDate)
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// app holds the wired pipeline.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	db      *storage.DB
	table   *pattern.Table
	metrics *telemetry.Metrics
	ingest  *ingest.Service
	runner  *consolidate.Runner
	recall  *recall.Service
}

// Close releases resources in dependency order.
func (a *app) Close() {
	a.ingest.Stop()
	if err := a.db.Close(); err != nil {
		a.logger.Warn("failed to close database", zap.Error(err))
	}
	_ = logging.Sync(a.logger)
}

// bootstrap loads configuration and wires every pipeline stage:
//  1. Opens the sqlite store and verifies integrity
//  2. Rebuilds the derived similarity index from the store
//  3. Loads the in-memory pattern table
//  4. Wires ingestion, detection, dialectic, lifecycle, and publishing
func bootstrap(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	db, err := storage.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	memories := memory.NewSQLStore(db.DB, cfg.Ingest.DebounceWindow)
	patterns := pattern.NewSQLStore(db.DB)

	table := pattern.NewTable()
	if err := table.Load(ctx, patterns); err != nil {
		db.Close()
		return nil, fmt.Errorf("loading pattern table: %w", err)
	}

	idx, err := index.New(logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating index: %w", err)
	}
	if err := idx.RebuildMemories(ctx, memories); err != nil {
		db.Close()
		return nil, err
	}
	for _, p := range table.Open() {
		if len(p.Centroid) == 0 {
			continue
		}
		if err := idx.UpsertPattern(ctx, p.ID, p.Centroid); err != nil {
			db.Close()
			return nil, fmt.Errorf("indexing pattern centroids: %w", err)
		}
	}

	metrics := telemetry.New()
	embedder := embed.NewClient(cfg.Embeddings)
	summarizer := dialectic.NewTemplateSummarizer()

	ingestSvc, err := ingest.New(memories, idx, embedder, logger, metrics,
		cfg.Ingest.QueueSize, cfg.Detector.FollowWindow)
	if err != nil {
		db.Close()
		return nil, err
	}
	det, err := detector.New(memories, patterns, table, idx, summarizer, metrics,
		logger, cfg.Detector, cfg.MinEvidence, cfg.PriorSmoothing)
	if err != nil {
		db.Close()
		return nil, err
	}
	engine, err := dialectic.NewEngine(memories, patterns, table, summarizer,
		logger, cfg.MinEvidence, cfg.PriorSmoothing)
	if err != nil {
		db.Close()
		return nil, err
	}
	lc, err := lifecycle.New(memories, patterns, table, idx, logger, cfg.Lifecycle)
	if err != nil {
		db.Close()
		return nil, err
	}
	writer, err := publish.NewFileWriter(filepath.Join(cfg.DataDir, "rules"))
	if err != nil {
		db.Close()
		return nil, err
	}
	pub, err := publish.NewPublisher(patterns, table, writer, logger, metrics,
		cfg.MinConfidence, cfg.MinEvidence)
	if err != nil {
		db.Close()
		return nil, err
	}
	runner, err := consolidate.New(det, engine, lc, pub, patterns, table, metrics,
		logger, cfg.Consolidate.Interval, cfg.Consolidate.Workers, cfg.AutoPublish)
	if err != nil {
		db.Close()
		return nil, err
	}
	recallSvc, err := recall.New(memories, table, idx, embedder, logger,
		cfg.Detector.MinSimilarity)
	if err != nil {
		db.Close()
		return nil, err
	}

	ingestSvc.Start()

	logger.Info("dialectd initialized",
		zap.String("data_dir", cfg.DataDir),
		zap.Int("patterns", table.Len()),
		zap.Int("indexed_memories", idx.MemoryCount()))

	return &app{
		cfg:     cfg,
		logger:  logger,
		db:      db,
		table:   table,
		metrics: metrics,
		ingest:  ingestSvc,
		runner:  runner,
		recall:  recallSvc,
	}, nil
}

// runServe starts the daemon and blocks until a shutdown signal.
func runServe(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := bootstrap(ctx, configPath)
	if err != nil {
		return err
	}
	defer app.Close()

	app.runner.Start(ctx)
	defer app.runner.Stop()

	srv, err := server.NewServer(app.ingest, app.recall, app.runner, app.table,
		app.metrics, app.logger, &server.Config{
			Host: app.cfg.Server.Host,
			Port: app.cfg.Server.Port,
		})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		app.logger.Warn("http shutdown incomplete", zap.Error(err))
	}

	app.logger.Info("shutdown complete")
	return nil
}
