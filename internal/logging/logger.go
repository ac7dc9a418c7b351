package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"vidqueue/internal/config"
)

// Options describes logger construction parameters.
type Options struct {
	Level  string
	Format string
	// Outputs lists destinations: "stdout", "stderr", or file paths.
	// Empty means stdout.
	Outputs []string
	// AddSource forces caller information; it is always on at debug level.
	AddSource bool
}

// New constructs a slog logger using the provided options.
func New(opts Options) (*slog.Logger, error) {
	levelVar := new(slog.LevelVar)
	levelVar.Set(parseLevel(opts.Level))

	w, err := openOutputs(opts.Outputs)
	if err != nil {
		return nil, err
	}
	addSource := opts.AddSource || levelVar.Level() <= slog.LevelDebug

	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "console":
		return slog.New(newPrettyHandler(w, levelVar, addSource)), nil
	case "json":
		return slog.New(newJSONHandler(w, levelVar, addSource)), nil
	default:
		return nil, fmt.Errorf("log format: unsupported value %q", opts.Format)
	}
}

// Run is a logger for one process run together with the file it writes.
type Run struct {
	Logger *slog.Logger
	// Path is empty when no log directory is configured.
	Path string
}

// NewRun builds the logger for one run of a process role ("api", "worker",
// "reconcile"). Output goes to stdout and, when a log directory is set, to
// <log_dir>/<role>-<timestamp>.log. Earlier runs of the same role older than
// logging.retention_days are pruned.
func NewRun(cfg *config.Config, role string) (Run, error) {
	role = strings.TrimSpace(role)
	if role == "" {
		role = "vidqueue"
	}
	if cfg == nil {
		logger, err := New(Options{})
		return Run{Logger: logger}, err
	}

	outputs := []string{"stdout"}
	var path string
	if dir := cfg.Paths.LogDir; dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Run{}, fmt.Errorf("ensure log directory: %w", err)
		}
		path = filepath.Join(dir, fmt.Sprintf("%s-%s.log", role, time.Now().UTC().Format(runStampLayout)))
		outputs = append(outputs, path)
	}

	logger, err := New(Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Outputs: outputs})
	if err != nil {
		return Run{}, err
	}
	if path != "" {
		PruneRunLogs(logger, cfg.Paths.LogDir, role, path, cfg.Logging.RetentionDays)
	}
	return Run{Logger: logger, Path: path}, nil
}

const runStampLayout = "20060102T150405.000Z"

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "fatal":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func openOutputs(outputs []string) (io.Writer, error) {
	seen := make(map[string]struct{}, len(outputs))
	var writers []io.Writer
	for _, raw := range outputs {
		target := strings.TrimSpace(raw)
		if target == "" {
			continue
		}
		if _, dup := seen[target]; dup {
			continue
		}
		seen[target] = struct{}{}

		switch target {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			if dir := filepath.Dir(target); dir != "." && dir != "" {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, fmt.Errorf("ensure log directory: %w", err)
				}
			}
			file, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o664)
			if err != nil {
				return nil, fmt.Errorf("open log file %s: %w", target, err)
			}
			writers = append(writers, file)
		}
	}

	switch len(writers) {
	case 0:
		return os.Stdout, nil
	case 1:
		return writers[0], nil
	default:
		return io.MultiWriter(writers...), nil
	}
}
