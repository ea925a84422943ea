package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Parley-Chat/parley/internal/application"
	"github.com/Parley-Chat/parley/internal/config"
	"github.com/Parley-Chat/parley/internal/logger"
	"github.com/Parley-Chat/parley/internal/metrics"
)

var (
	cfgFile string         // Path to custom config file (optional)
	cfg     *config.Config // Global reference to loaded configuration
)

// rootCmd defines the main CLI command for the parley server
var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Parley is a real-time chat delivery server",
	Long:  `Parley serves chat message, presence, notification and call-signal streams over websockets, backed by PostgreSQL.`,
	Example: `
  parley start --db-host localhost --db-port 5432
  parley start --log-level debug --metrics-port 9090
  parley start --config /path/to/config.yaml`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for version command
		if cmd.Name() == "version" {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile, nil)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %v", err)
		}

		// Override config with command line flags if specified
		flags := cmd.Flags()
		if flags.Changed("listen-addr") {
			cfg.Server.ListenAddr, _ = flags.GetString("listen-addr")
		}
		if flags.Changed("db-host") {
			cfg.Database.Server, _ = flags.GetString("db-host")
		}
		if flags.Changed("db-port") {
			cfg.Database.Port, _ = flags.GetInt("db-port")
		}
		if flags.Changed("metrics-port") {
			portStr, _ := flags.GetString("metrics-port")
			cfg.Metrics.Port, _ = strconv.Atoi(portStr)
		}

		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		if err := cmd.Help(); err != nil {
			fmt.Fprintf(os.Stderr, "Error displaying help: %v\n", err)
		}
	},
}

// Execute runs the root command with the provided context
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printWelcomeBanner() {
	fmt.Println("  ____            _            ")
	fmt.Println(" |  _ \\ __ _ _ __| | ___ _   _ ")
	fmt.Println(" | |_) / _` | '__| |/ _ \\ | | |")
	fmt.Println(" |  __/ (_| | |  | |  __/ |_| |")
	fmt.Println(" |_|   \\__,_|_|  |_|\\___|\\__, |")
	fmt.Println("                         |___/ ")
	fmt.Println()
	fmt.Println("Welcome to Parley - a real-time chat delivery server!")
}

// init is automatically called before main(), sets up flags and loads config
func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to custom config file (optional)")

	rootCmd.PersistentFlags().String("listen-addr", "", "Address for the stream server (e.g. :8080)")
	rootCmd.PersistentFlags().String("db-host", "localhost", "PostgreSQL host")
	rootCmd.PersistentFlags().IntP("db-port", "", 5432, "PostgreSQL port")
	rootCmd.PersistentFlags().String("log-level", "info", "Logging level (debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().String("log-file", "", "Path to the log file")
	rootCmd.PersistentFlags().String("log-format", "console", "Log output format (console or json)")
	rootCmd.PersistentFlags().String("metrics-port", "8181", "Port for Prometheus metrics server")

	// A simple version subcommand
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number of parley",
		Long:  "Print the version number of parley along with build information",
		Run: func(cmd *cobra.Command, args []string) {
			detailed, _ := cmd.Flags().GetBool("detailed")
			fmt.Println(versionString(detailed))
		},
	}
	versionCmd.Flags().BoolP("detailed", "d", false, "Show detailed version information")
	rootCmd.AddCommand(versionCmd)

	// Add start subcommand
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the parley server",
		Long:  "Start the parley server with the specified configuration",
		Run: func(cmd *cobra.Command, args []string) {
			printWelcomeBanner()

			cfgFile, _ = cmd.Flags().GetString("config")
			if cfgFile != "" {
				absPath, err := filepath.Abs(cfgFile)
				if err != nil {
					logger.Error("Failed to resolve absolute path for config", zap.Error(err))
					os.Exit(1)
				}
				cfgFile = absPath
			}
			logger.Info("Using config file", zap.String("config_file", cfgFile))

			ctx := cmd.Context()

			metrics.RegisterMetrics()

			logger.Info("Starting parley...")
			app, err := application.New(ctx, cfg)
			if err != nil {
				logger.Error("Failed to initialize the server", zap.Error(err))
				os.Exit(1)
			}

			go func() {
				<-ctx.Done()
				logger.Info("Shutdown signal received, initiating graceful shutdown...")
				app.Shutdown()
			}()

			if err := app.Start(ctx); err != nil {
				logger.Error("Failed to start the server", zap.Error(err))
				os.Exit(1)
			}

			logger.Info("Parley started successfully!")
		},
	}

	rootCmd.AddCommand(startCmd)
}
