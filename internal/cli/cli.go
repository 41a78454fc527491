// Package cli parses labctl's command-line arguments into a Config, the
// same flag.FlagSet-driven shape as the teacher's own internal/cli, adapted
// from "point at a grid file and run once" to "point at a lab configuration
// directory and serve the Control API until interrupted."
package cli

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// ExitError carries the process exit code an invalid invocation should
// produce, mirroring the teacher's internal/cli.ExitError.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

// Config holds everything labctl needs to start the core loop and serve
// the Control API.
type Config struct {
	LabConfigPath string
	ListenAddr    string
	LogFormat     string
	LogLevel      string
	NumWorkers    int
}

// Parse processes args into a Config. It returns (nil, true, nil) when the
// caller should exit cleanly (e.g. -h), and an *ExitError when the
// arguments themselves are invalid.
func Parse(args []string, output io.Writer) (*Config, bool, error) {
	flagSet := flag.NewFlagSet("labctl", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
labctl - laboratory process scheduling and orchestration server.

Usage:
  labctl [options] [LAB_CONFIG_PATH]

Arguments:
  LAB_CONFIG_PATH
    Path to a single lab configuration file or a directory of them.

Options:
`)
		flagSet.PrintDefaults()
	}

	configFlag := flagSet.String("config", "", "Path to the lab configuration file or directory.")
	addrFlag := flagSet.String("addr", ":8080", "Address the Control API listens on.")
	logFormatFlag := flagSet.String("log-format", "json", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	workersFlag := flagSet.Int("workers", 10, "Number of concurrent workers for the executor.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	path := *configFlag
	if path == "" && flagSet.NArg() > 0 {
		path = flagSet.Arg(0)
	}
	if path == "" {
		flagSet.Usage()
		return nil, true, nil
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}

	return &Config{
		LabConfigPath: path,
		ListenAddr:    *addrFlag,
		LogFormat:     logFormat,
		LogLevel:      logLevel,
		NumWorkers:    *workersFlag,
	}, false, nil
}

// NewLogger builds the slog.Logger named by cfg's log-format/log-level
// flags, the same construction as the teacher's internal/app.newLogger.
func NewLogger(cfg *Config, outW io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(outW, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(outW, handlerOpts)
	}
	return slog.New(handler)
}
