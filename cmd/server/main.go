package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dshills/codemechanic/internal/catalog"
	"github.com/dshills/codemechanic/internal/config"
	"github.com/dshills/codemechanic/internal/logging"
	"github.com/dshills/codemechanic/internal/repository"
	"github.com/dshills/codemechanic/internal/repository/cached"
	"github.com/dshills/codemechanic/internal/repository/postgres"
	"github.com/dshills/codemechanic/internal/repository/sqlite"
	"github.com/dshills/codemechanic/internal/repository/sqlstore"
)

var (
	envFile     string
	port        string
	dbPath      string
	databaseURL string

	rootCmd = &cobra.Command{
		Use:   "codemechanic",
		Short: "AI-assisted code generation service",
		Long: `codemechanic stores projects and their files, asks an LLM for
structured file operations and applies them with a full execution log.`,
		SilenceUsage: true,
		RunE:         runServe,
	}
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE:  runServe,
	}
	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema and seed the model catalog",
		RunE:  runMigrate,
	}
	applyCmd = &cobra.Command{
		Use:   "apply",
		Short: "Apply a file-operation payload to a project",
		RunE:  runApply,
	}
	modelsCmd = &cobra.Command{
		Use:   "models",
		Short: "List the configured LLM providers and their models",
		RunE:  runModels,
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file read before the environment")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (overrides CODEMECHANIC_DB_PATH)")
	rootCmd.PersistentFlags().StringVar(&databaseURL, "database-url", "", "Postgres URL; selects the postgres driver")

	for _, c := range []*cobra.Command{rootCmd, serveCmd} {
		c.Flags().StringVar(&port, "port", "", "HTTP port (overrides CODEMECHANIC_API_PORT)")
	}

	applyCmd.Flags().String("project", "", "project ID")
	applyCmd.Flags().String("file", "-", "payload file, - for stdin")
	applyCmd.Flags().Bool("dry-run", false, "print the plan without writing")
	_ = applyCmd.MarkFlagRequired("project")

	rootCmd.AddCommand(serveCmd, migrateCmd, applyCmd, modelsCmd)
}

// setup loads configuration, applies flag overrides and builds the logger.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if port != "" {
		cfg.HTTP.Port = port
	}
	if dbPath != "" {
		cfg.Storage.SQLitePath = dbPath
		cfg.Storage.Driver = config.DriverSQLite
	}
	if databaseURL != "" {
		cfg.Storage.PostgresDSN = databaseURL
		cfg.Storage.Driver = config.DriverPostgres
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, nil
}

// openRepository opens the configured store, seeds the model catalog and
// wraps it in the file cache. The returned close func releases the database.
func openRepository(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repository.Repository, func() error, error) {
	var store *sqlstore.Store
	var err error
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		store, err = postgres.New(ctx, cfg.Storage.PostgresDSN, postgres.Options{
			MaxOpenConns: cfg.Pipeline.Concurrency * 4,
		})
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLitePath), 0755); err != nil {
			return nil, nil, fmt.Errorf("create data directory: %w", err)
		}
		store, err = sqlite.New(cfg.Storage.SQLitePath)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open %s database: %w", cfg.Storage.Driver, err)
	}

	cat, err := catalog.Default()
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	if err := catalog.Seed(ctx, store, cat, logger); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("seed catalog: %w", err)
	}

	if cfg.Storage.FileCacheSize <= 0 {
		return store, store.Close, nil
	}
	repo, err := cached.New(store, cfg.Storage.FileCacheSize)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("file cache: %w", err)
	}
	return repo, store.Close, nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	_, closeDB, err := openRepository(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("database ready", zap.String("driver", cfg.Storage.Driver))
	return closeDB()
}
