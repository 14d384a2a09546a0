// Package main is the entry point for the polis-edge binary.
// It serves the personalizing edge proxy and offers config and variant path
// helpers for operators.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/polisai/polis-edge/pkg/config"
	"github.com/polisai/polis-edge/pkg/domain"
	"github.com/polisai/polis-edge/pkg/logging"
	"github.com/polisai/polis-edge/pkg/variants"
)

const (
	defaultConfigPath = "config.yaml"
	defaultEnvFile    = ".env"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for polis-edge
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polis-edge",
		Short: "Personalizing edge proxy",
		Long: `polis-edge sits in front of a site and forwards HTML page requests to the
pre-rendered variant that matches the visitor's profile. Origin responses are
cached with a stale-while-revalidate policy.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			envFile, err := cmd.Flags().GetString("env-file")
			if err != nil {
				return err
			}
			return loadEnvFile(envFile)
		},
	}

	rootCmd.PersistentFlags().StringP("config", "c", defaultConfigPath, "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().String("env-file", defaultEnvFile, "Optional .env file loaded before the configuration")

	rootCmd.AddCommand(newServeCmd(), newValidateCmd(), newVariantsCmd())
	return rootCmd
}

// loadEnvFile loads KEY=VALUE pairs without overriding the real environment.
// A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the edge proxy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			configPath, err := cmd.Flags().GetString("config")
			if err != nil {
				return fmt.Errorf("failed to get config flag: %w", err)
			}
			logLevel, err := cmd.Flags().GetString("log-level")
			if err != nil {
				return fmt.Errorf("failed to get log-level flag: %w", err)
			}

			watcher, err := config.NewWatcher(configPath, nil)
			if err != nil {
				return err
			}
			defer func() { _ = watcher.Close() }()

			cfg := watcher.Current()
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}
			logger := logging.SetupLogger(logging.Config{
				Level:  cfg.Logging.Level,
				Pretty: cfg.Logging.Pretty,
			})
			logger.Info("Starting polis-edge", "config", configPath, "origin", cfg.Origin.URL)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, watcher, logLevel, logger)
		},
	}
	cmd.Flags().StringP("log-level", "l", "", "Override the configured log level (debug, info, warn, error)")
	return cmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			configPath, err := cmd.Flags().GetString("config")
			if err != nil {
				return fmt.Errorf("failed to get config flag: %w", err)
			}
			if _, err := config.Load(configPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration %s is valid\n", configPath)
			return nil
		},
	}
}

func newVariantsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "variants",
		Short: "Encode and decode variant path segments",
	}

	encode := &cobra.Command{
		Use:   "encode <path> [experience=index ...]",
		Short: "Print the rewritten path for a set of selections",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			selections, err := parseSelections(args[1:])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), variants.RewritePath(args[0], selections))
			return nil
		},
	}

	decode := &cobra.Command{
		Use:   "decode <rewritten-path>",
		Short: "Print the selections and original path of a rewritten path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			segment, rest, ok := variants.Split(args[0])
			if !ok {
				return fmt.Errorf("%q has no variant segment", args[0])
			}
			selections, err := variants.Decode(segment)
			if err != nil {
				return err
			}
			out := json.NewEncoder(cmd.OutOrStdout())
			out.SetIndent("", "  ")
			return out.Encode(map[string]any{"path": rest, "selections": selections})
		},
	}

	cmd.AddCommand(encode, decode)
	return cmd
}

// parseSelections reads "experience=index" arguments.
func parseSelections(args []string) ([]domain.VariantSelection, error) {
	seen := make(map[string]struct{}, len(args))
	out := make([]domain.VariantSelection, 0, len(args))
	for _, arg := range args {
		id, rawIndex, ok := strings.Cut(arg, "=")
		if !ok || id == "" {
			return nil, fmt.Errorf("invalid selection %q, want experience=index", arg)
		}
		index, err := strconv.Atoi(rawIndex)
		if err != nil || index < 0 {
			return nil, fmt.Errorf("invalid variant index in %q", arg)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("experience %q selected twice", id)
		}
		seen[id] = struct{}{}
		out = append(out, domain.VariantSelection{ExperienceID: id, VariantIndex: index})
	}
	return out, nil
}

// applyReloads follows configuration updates for the settings that can change
// without a restart. logLevelOverride, when set, replaces the reloaded level.
func applyReloads(ctx context.Context, updates <-chan *config.Config, a *app, logLevelOverride string, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			level := cfg.Logging.Level
			if logLevelOverride != "" {
				level = logLevelOverride
			}
			logging.SetLevel(level)
			a.originCache.SetDefaultTTL(cfg.Cache.DefaultTTL)
			a.metrics.RecordConfigReload("applied")
			logger.Info("configuration applied",
				"log_level", level,
				"cache_default_ttl", a.originCache.DefaultTTL().String(),
			)
		}
	}
}
