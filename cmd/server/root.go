package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/country-engine/config"
	"github.com/warp/country-engine/logging"
)

var (
	cfgFile  string
	port     int
	dbPath   string
	logLevel string

	cfg    *config.Config
	logger *zap.Logger
)

func getRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "server",
		Short: "Country metadata and exchange-rate service",
		Long: `Serves a cached dataset of countries enriched with exchange rates and
estimated GDP, refreshed on demand from two upstream sources.

Commands:
  - serve:   Run the HTTP API (default when no command is given)
  - refresh: Run one refresh against the configured database and exit
  - migrate: Apply database migrations and print the schema version

Configuration precedence (highest to lowest):
  1. CLI flags (--port, --db, --log-level)
  2. Environment variables (COUNTRY_*)
  3. Config file (--config)
  4. Built-in defaults

Environment Variables:
  Nested fields use underscores (upstream.max_attempts → COUNTRY_UPSTREAM_MAX_ATTEMPTS).

  Examples:
    COUNTRY_SERVER_PORT             HTTP port
    COUNTRY_DATABASE_PATH           SQLite database file
    COUNTRY_REFRESH_INTERVAL        Scheduled refresh interval (0 disables)
    COUNTRY_SUMMARY_CACHE_DIR       Directory for the summary image
    COUNTRY_LOG_LEVEL               Log level (debug/info/warn/error)`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			// Flags win over everything else, but only when set.
			flags := cmd.Flags()
			if flags.Changed("port") {
				loaded.Server.Port = port
			}
			if flags.Changed("db") {
				loaded.Database.Path = dbPath
			}
			if flags.Changed("log-level") {
				loaded.Log.Level = logLevel
			}
			if err := loaded.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			cfg = loaded

			logger, err = logging.New(logging.Config{
				Level:   cfg.Log.Level,
				Format:  cfg.Log.Format,
				Version: Version,
			})
			if err != nil {
				return err
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	// Persistent flags available to all subcommands
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (YAML)")
	pf.IntVar(&port, "port", 8080, "HTTP server port")
	pf.StringVar(&dbPath, "db", "countries.db", `SQLite database path (":memory:" for in-memory)`)
	pf.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.Flags().BoolP("version", "V", false, "version for server")

	rootCmd.AddCommand(getServeCmd())
	rootCmd.AddCommand(getRefreshCmd())
	rootCmd.AddCommand(getMigrateCmd())

	return rootCmd
}
