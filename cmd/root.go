package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/cadence/internal/config"
)

// Version is set at build time via -ldflags "-X github.com/nextlevelbuilder/cadence/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "cadence",
	Short: "Cadence — Telegram conversation engine",
	Long: "Cadence pairs Telegram chats with an LLM workflow and keeps the rhythm human:\n" +
		"it coalesces message bursts into single turns, paces replies like a person\n" +
		"typing, replays messages missed while the process was down and nudges silent\n" +
		"chats on a schedule. Turns ride a Postgres-backed task queue, so a crash\n" +
		"never loses a message.",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.cadence/config.json or $CADENCE_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(onboardCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(webhookCmd())
	rootCmd.AddCommand(userbotCmd())
	rootCmd.AddCommand(proactiveCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("cadence %s\n", Version)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("CADENCE_CONFIG"); v != "" {
		return v
	}
	return config.ExpandHome("~/.cadence/config.json")
}

// setupLogging installs the process logger. --verbose wins over the
// configured level.
func setupLogging(cfgLevel string) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	} else {
		switch strings.ToLower(cfgLevel) {
		case "debug":
			level = slog.LevelDebug
		case "warn", "warning":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}

// loadConfig is the shared entry for subcommands that need a full, valid
// configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
