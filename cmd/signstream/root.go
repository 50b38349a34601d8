package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/harunnryd/signstream/pkg/logging"
	"github.com/harunnryd/signstream/pkg/runner"
	"github.com/harunnryd/signstream/pkg/signstream"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	// cfg and logger are set by the root pre-run for every subcommand.
	cfg    signstream.Config
	logger *slog.Logger

	configPath string
	envFile    string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:          "signstream",
	Short:        "Stream sign language landmarks to a translation service",
	Version:      runner.Version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadEnv(envFile); err != nil {
			return err
		}
		c, err := signstream.LoadConfig(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			c.LogLevel = logLevel
		}
		log, err := logging.InitLogger(logging.Options{Level: c.LogLevel, Format: c.LogFormat})
		if err != nil {
			return err
		}
		cfg, logger = c, log
		return nil
	},
}

// loadEnv loads path into the environment without overriding variables already set.
// With no path, a .env in the working directory is used when present.
func loadEnv(path string) error {
	if path == "" {
		if _, err := os.Stat(".env"); errors.Is(err, os.ErrNotExist) {
			return nil
		}
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (defaults only when empty)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file to load before reading the config (default: ./.env if present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log_level (debug, info, warn, error)")
}
