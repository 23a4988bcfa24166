package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dalnet/rulebot/internal/config"
	"github.com/dalnet/rulebot/internal/irc"
)

// Version information - set at build time via ldflags
var (
	version   = "dev"
	buildDate = "unknown"
	gitCommit = "unknown"
)

type rootOptions struct {
	configPath string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	runCmd := newRunCommand(opts)

	cmd := &cobra.Command{
		Use:          "rulebot",
		Short:        "rulebot - a rule driven IRC bot",
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			// Set version info in irc package
			irc.Version = version
			irc.BuildDate = buildDate
			irc.GitCommit = gitCommit
		},
		// Without a subcommand the bot runs, as it always has.
		RunE: runCmd.RunE,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "./config.yaml", "path to configuration file")
	cmd.Flags().AddFlagSet(runCmd.Flags())

	cmd.AddCommand(runCmd)
	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newCheckConfigCommand(opts))
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information and exit",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "rulebot version %s\n", version)
			fmt.Fprintf(out, "Built: %s\n", buildDate)
			fmt.Fprintf(out, "Commit: %s\n", gitCommit)
		},
	}
}

func newCheckConfigCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Load and validate the configuration, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: OK (%s as %s, %d channels)\n",
				opts.configPath, cfg.Address(), cfg.Nick, len(cfg.Channels))
			return nil
		},
	}
}

// newLogger builds the process logger from log_level and log_format.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	hopts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}
