// Package cli wires the pdfsync command tree.
package cli

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Dancode-188/pdfsync/server/internal/config"
)

var version = "dev"

// configPath is the --config flag shared by every command.
var configPath string

var rootCmd = &cobra.Command{
	Use:   "pdfsync",
	Short: "Collaborative PDF annotation server",
	Long: `pdfsync serves PDF documents to groups of people annotating them together.
Annotations and page deletions are shared live over WebSockets and burned into
the PDF on export.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a TOML config file")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// newLogger returns a JSON logger in production and a text logger with debug
// output otherwise.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(w, nil))
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
