// Package cli wires the vx11 services into cobra commands.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/vx11/vx11/internal/cli.version=1.2.3"
	version = "0.7.0"
	logo    = "\n" +
		" __   ____  __ _ _\n" +
		" \\ \\ / /\\ \\/ // / |\n" +
		"  \\ V /  >  < | | |\n" +
		"   \\_/  /_/\\_\\|_|_|\n"

	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "vx11",
	Short: "VX11 - local orchestration core",
	Long:  color.CyanString(logo) + "\nGateway, orchestrator, router and autonomic services for a single host.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(logLevel, logFormat)
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", os.Getenv("VX11_LOG_LEVEL"), "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", os.Getenv("VX11_LOG_FORMAT"), "Log format (text or json)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(allCmd)
	for _, name := range serviceNames {
		rootCmd.AddCommand(newServiceCmd(name))
	}
}

func setupLogging(level, format string) {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

func printHeader(title string) {
	fmt.Println(color.CyanString(logo))
	if title != "" {
		fmt.Println(title)
		fmt.Println("─────────────────────")
	}
}
