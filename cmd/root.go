package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logLevel string
	logFile  string
	logger   *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "shapeopt",
	Short: "Gradient-based structural shape optimization of triangle meshes",
	Long: `shapeopt displaces the free vertices of a triangle mesh to minimise a
structural loss of the mesh modelled as a truss, balanced against calibrated
smoothness regularizers.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger = slog.New(newLogHandler(logLevel, logFile))
		slog.SetDefault(logger)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Also write logs to this file, rotated by size")
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newLogHandler returns a JSON handler on stdout, teed into a rotating log
// file when path is set.
func newLogHandler(level, path string) slog.Handler {
	var out io.Writer = os.Stdout
	if path != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   path,
			MaxSize:    50, // MB
			MaxBackups: 3,
			MaxAge:     7, // days
			Compress:   true,
			LocalTime:  true,
		})
	}
	return slog.NewJSONHandler(out, &slog.HandlerOptions{Level: parseLevel(level)})
}
